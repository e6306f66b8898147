package server

import (
	"encoding/json"
	"html/template"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"

	"rc-proxy-server/internal/video"
	"rc-proxy-server/internal/watch"
)

// =============================================================================
// HTTP HANDLERS - VIDEO
// =============================================================================

// lookupStream resolves the {id} path value and writes 400 or 404 on failure.
func (s *Server) lookupStream(w http.ResponseWriter, r *http.Request) (*watch.Cell[video.Frame], string, bool) {
	raw := r.PathValue("id")
	id, err := video.ParseID(raw)
	if err != nil {
		http.Error(w, "invalid stream id", http.StatusBadRequest)
		return nil, raw, false
	}
	cell, ok := s.registry.Lookup(id)
	if !ok {
		http.Error(w, "unknown stream", http.StatusNotFound)
		return nil, raw, false
	}
	return cell, raw, true
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	cell, id, ok := s.lookupStream(w, r)
	if !ok {
		return
	}

	h := w.Header()
	h.Set("Content-Type", video.ContentType)
	h.Set("Connection", "keep-alive")
	h.Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.WriteHeader(http.StatusOK)

	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	atomic.AddInt64(&s.metrics.StreamViewers, 1)
	defer atomic.AddInt64(&s.metrics.StreamViewers, -1)
	logger := log.WithField("stream", id).WithField("remote", r.RemoteAddr)
	logger.Debug("viewer attached")

	rx := cell.SubscribeUnseen()
	for {
		if err := rx.Changed(r.Context()); err != nil {
			logger.WithError(err).Debug("viewer detached")
			return
		}
		frame := rx.BorrowAndUpdate()
		if frame.Empty() {
			continue
		}
		if _, err := w.Write(frame.Part); err != nil {
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	cell, _, ok := s.lookupStream(w, r)
	if !ok {
		return
	}

	frame := cell.Load()
	if frame.Empty() {
		http.Error(w, "no frame yet", http.StatusServiceUnavailable)
		return
	}

	w.Header().Set("Content-Type", "image/jpeg")
	w.Header().Set("Content-Length", strconv.Itoa(len(frame.Payload)))
	w.Header().Set("Cache-Control", "no-cache, no-store, must-revalidate")
	w.Write(frame.Payload)
}

func (s *Server) handleStreams(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	writeJSON(w, map[string]interface{}{
		"streams": names,
		"count":   len(names),
	})
}

// =============================================================================
// HTTP HANDLERS - HEALTH & METRICS
// =============================================================================

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":  s.metrics.Health(),
		"version": Version,
		"uptime":  time.Since(s.metrics.StartTime).String(),
		"modules": map[string]interface{}{
			"telemetry": map[string]interface{}{
				"vehicle_connected": atomic.LoadInt64(&s.metrics.VehicleConnected) == 1,
				"port":              s.config.TelemetryPort,
			},
			"video": map[string]interface{}{
				"producers": s.registry.Len(),
				"port":      s.config.VideoPort,
			},
			"gateway": map[string]interface{}{
				"clients":  s.gateway.Clients(),
				"pilot_id": s.authority.Current(),
			},
			"rtsp": map[string]interface{}{
				"enabled": s.config.RTSPEnabled,
				"port":    s.config.RTSPPort,
			},
		},
		"connections": map[string]interface{}{
			"active": atomic.LoadInt64(&s.metrics.ActiveConnections),
			"http":   s.connTracker.Count(),
			"max":    s.config.MaxConnections,
		},
	}
	writeJSON(w, health)
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, s.metrics.GetSnapshot())
}

var indexTemplate = template.Must(template.New("index").Parse(indexHTML))

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	ids := s.registry.IDs()
	names := make([]string, len(ids))
	for i, id := range ids {
		names[i] = id.String()
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	if err := indexTemplate.Execute(w, map[string]interface{}{
		"Streams":     names,
		"RTSPEnabled": s.config.RTSPEnabled,
		"RTSPPort":    s.config.RTSPPort,
	}); err != nil {
		log.WithError(err).Warn("index render failed")
	}
}

func writeJSON(w http.ResponseWriter, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("unable to write JSON response")
	}
}

const indexHTML = `<!DOCTYPE html>
<html>
<head>
<meta charset="utf-8">
<title>RC Proxy Server</title>
<style>
body { font-family: sans-serif; background: #111; color: #eee; margin: 2em; }
a { color: #6cf; }
img { max-width: 640px; display: block; margin: 0.5em 0 1.5em; border: 1px solid #333; }
code { background: #222; padding: 0.1em 0.3em; }
</style>
</head>
<body>
<h1>RC Proxy Server</h1>
<p>Telemetry and control: <code>/ws</code> &middot; <a href="/health">health</a> &middot; <a href="/metrics">metrics</a></p>
{{if .Streams}}
{{range .Streams}}
<h3>{{.}}</h3>
<img src="/stream/{{.}}" alt="{{.}}">
<a href="/sshot/{{.}}">snapshot</a>{{if $.RTSPEnabled}} &middot; <code>rtsp://HOST:{{$.RTSPPort}}/{{.}}</code>{{end}}
{{end}}
{{else}}
<p>No camera connected.</p>
{{end}}
</body>
</html>
`
