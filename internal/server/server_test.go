package server

import (
	"context"
	"encoding/json"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/gateway"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/pilot"
	"rc-proxy-server/internal/vehicle"
	"rc-proxy-server/internal/video"
	"rc-proxy-server/internal/watch"
)

type fixture struct {
	config    *config.Config
	server    *Server
	http      *httptest.Server
	registry  *video.Registry
	gateway   *gateway.Module
	authority *pilot.Authority
	metrics   *metrics.Metrics
}

func newFixture(t *testing.T, mutate func(*config.Config)) *fixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.HTTPPort = 0
	if mutate != nil {
		mutate(cfg)
	}

	f := &fixture{
		config:   cfg,
		registry: video.NewRegistry(),
		metrics:  metrics.New(),
	}
	sensors := watch.New(vehicle.EmptySensors())
	f.authority = pilot.NewAuthority(watch.New(vehicle.NeutralActuator()))
	f.gateway = gateway.NewModule(cfg, "secretsecretsecret", sensors, f.authority, f.metrics)
	f.server = New(cfg, f.registry, f.gateway, f.authority, f.metrics)
	f.http = httptest.NewUnstartedServer(f.server.Handler())
	f.http.Config.BaseContext = func(net.Listener) context.Context { return f.server.ctx }
	f.http.Start()
	t.Cleanup(func() {
		f.gateway.Stop()
		f.server.cancel()
		f.http.Close()
	})
	return f
}

func jpeg(n int) []byte {
	p := make([]byte, n)
	copy(p, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	return p
}

func get(t *testing.T, url string) *http.Response {
	t.Helper()
	resp, err := http.Get(url)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func TestStreamRejectsBadIDs(t *testing.T) {
	f := newFixture(t, nil)

	resp := get(t, f.http.URL+"/stream/not-a-uuid")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, f.http.URL+"/stream/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp = get(t, f.http.URL+"/sshot/1234")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp = get(t, f.http.URL+"/sshot/"+uuid.NewString())
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestStreamDeliversParts(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	cell := f.registry.Register(id)

	u1 := get(t, f.http.URL+"/stream/"+id.String())
	u2 := get(t, f.http.URL+"/stream/"+id.String())
	for _, resp := range []*http.Response{u1, u2} {
		require.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "multipart/x-mixed-replace; boundary=--frame", resp.Header.Get("Content-Type"))
		assert.Equal(t, "no-cache, no-store, must-revalidate", resp.Header.Get("Cache-Control"))
	}

	payload := jpeg(100)
	cell.Publish(video.NewFrame(payload))

	want := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 100\r\n\r\n" + string(payload) + "\r\n"
	for _, resp := range []*http.Response{u1, u2} {
		buf := make([]byte, len(want))
		_, err := io.ReadFull(resp.Body, buf)
		require.NoError(t, err)
		assert.Equal(t, want, string(buf))
	}
}

func TestStreamEndsWhenProducerLeaves(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	cell := f.registry.Register(id)
	cell.Publish(video.NewFrame(jpeg(10)))

	resp := get(t, f.http.URL+"/stream/"+id.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)

	// the current frame is sent to a new viewer right away
	first := video.NewFrame(jpeg(10)).Part
	buf := make([]byte, len(first))
	_, err := io.ReadFull(resp.Body, buf)
	require.NoError(t, err)
	assert.Equal(t, first, buf)

	f.registry.Remove(id, cell)
	rest, err := io.ReadAll(resp.Body)
	assert.NoError(t, err)
	assert.Empty(t, rest)
}

func TestSnapshot(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	cell := f.registry.Register(id)

	resp := get(t, f.http.URL+"/sshot/"+id.String())
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	payload := jpeg(64)
	cell.Publish(video.NewFrame(payload))

	resp = get(t, f.http.URL+"/sshot/"+id.String())
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "image/jpeg", resp.Header.Get("Content-Type"))
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, payload, body)
}

func TestStreamsList(t *testing.T) {
	f := newFixture(t, nil)
	a, b := uuid.New(), uuid.New()
	f.registry.Register(a)
	f.registry.Register(b)

	resp := get(t, f.http.URL+"/streams")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var out struct {
		Streams []string `json:"streams"`
		Count   int      `json:"count"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.Equal(t, 2, out.Count)
	assert.ElementsMatch(t, []string{a.String(), b.String()}, out.Streams)
}

func TestHealthAndMetrics(t *testing.T) {
	f := newFixture(t, nil)
	f.metrics.SetHealth("healthy")

	resp := get(t, f.http.URL+"/health")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var health map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	assert.Equal(t, "healthy", health["status"])
	assert.Equal(t, Version, health["version"])
	assert.Contains(t, health["modules"], "gateway")

	resp = get(t, f.http.URL+"/metrics")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	var snap map[string]interface{}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&snap))
	assert.Contains(t, snap, "video")
	assert.Contains(t, snap, "telemetry")
}

func TestIndex(t *testing.T) {
	f := newFixture(t, nil)
	id := uuid.New()
	f.registry.Register(id)

	resp := get(t, f.http.URL+"/")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "/stream/"+id.String())

	resp = get(t, f.http.URL+"/nothing-here")
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestCORSPreflight(t *testing.T) {
	f := newFixture(t, nil)
	req, err := http.NewRequest(http.MethodOptions, f.http.URL+"/streams", nil)
	require.NoError(t, err)
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()

	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "*", resp.Header.Get("Access-Control-Allow-Origin"))
}

func TestRateLimit(t *testing.T) {
	f := newFixture(t, func(c *config.Config) {
		c.RateLimitRPS = 0.001
		c.RateLimitBurst = 1
	})

	resp := get(t, f.http.URL+"/streams")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	resp = get(t, f.http.URL+"/streams")
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestMaxConnections(t *testing.T) {
	f := newFixture(t, func(c *config.Config) { c.MaxConnections = 1 })
	id := uuid.New()
	f.registry.Register(id)

	// an open stream holds the only slot
	stream := get(t, f.http.URL+"/stream/"+id.String())
	require.Equal(t, http.StatusOK, stream.StatusCode)

	resp := get(t, f.http.URL+"/health")
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestWebSocketRoute(t *testing.T) {
	f := newFixture(t, nil)
	url := "ws" + strings.TrimPrefix(f.http.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, data, err := conn.ReadMessage()
	require.NoError(t, err)
	var st gateway.Status
	require.NoError(t, json.Unmarshal(data, &st))
	assert.NotZero(t, st.ClientID)
}

func TestStartStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.HTTPPort = 0
	cfg.ShutdownTimeout = 2 * time.Second
	m := metrics.New()
	registry := video.NewRegistry()
	authority := pilot.NewAuthority(watch.New(vehicle.NeutralActuator()))
	gw := gateway.NewModule(cfg, "secretsecretsecret", watch.New(vehicle.EmptySensors()), authority, m)
	defer gw.Stop()

	s := New(cfg, registry, gw, authority, m)
	require.NoError(t, s.Start())
	base := "http://" + s.Addr().String()

	id := uuid.New()
	registry.Register(id)
	stream, err := http.Get(base + "/stream/" + id.String())
	require.NoError(t, err)
	defer stream.Body.Close()
	require.Equal(t, http.StatusOK, stream.StatusCode)

	done := make(chan struct{})
	go func() {
		s.Stop()
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Stop did not end the open stream")
	}
	assert.Equal(t, "stopping", m.Health())
}
