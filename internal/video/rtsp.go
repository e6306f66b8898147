package video

import (
	"context"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/bluenviron/gortsplib/v4/pkg/description"
	"github.com/bluenviron/gortsplib/v4/pkg/format"
	"github.com/google/uuid"
	"github.com/pion/rtp"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/watch"
)

// =============================================================================
// RTSP REPUBLISHER
// =============================================================================

// MJPEG over RTP uses a 90 kHz clock.
const rtpClockRate = 90000

type streamPath struct {
	mu      sync.RWMutex
	name    string
	cell    *watch.Cell[Frame]
	media   *description.Media
	stream  *gortsplib.ServerStream
	readers int
}

func (p *streamPath) getStream() *gortsplib.ServerStream {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stream
}

func (p *streamPath) addReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readers++
}

func (p *streamPath) removeReader() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.readers > 0 {
		p.readers--
	}
}

func (p *streamPath) readerCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.readers
}

// rtspHandler serves the play side only. Publishing is done by the relay, so
// ANNOUNCE and RECORD are left unimplemented.
type rtspHandler struct {
	metrics    *metrics.Metrics
	paths      map[string]*streamPath
	pathsMu    sync.RWMutex
	sessions   map[*gortsplib.ServerSession]string
	sessionsMu sync.Mutex
}

func newRTSPHandler(m *metrics.Metrics) *rtspHandler {
	return &rtspHandler{
		metrics:  m,
		paths:    make(map[string]*streamPath),
		sessions: make(map[*gortsplib.ServerSession]string),
	}
}

func (h *rtspHandler) getPath(name string) *streamPath {
	h.pathsMu.RLock()
	defer h.pathsMu.RUnlock()
	return h.paths[name]
}

func (h *rtspHandler) setPath(p *streamPath) {
	h.pathsMu.Lock()
	defer h.pathsMu.Unlock()
	h.paths[p.name] = p
}

// removePath deletes name only if it still belongs to cell.
func (h *rtspHandler) removePath(name string, cell *watch.Cell[Frame]) {
	h.pathsMu.Lock()
	defer h.pathsMu.Unlock()
	if p, ok := h.paths[name]; ok && p.cell == cell {
		delete(h.paths, name)
	}
}

func (h *rtspHandler) OnConnOpen(ctx *gortsplib.ServerHandlerOnConnOpenCtx) {
	log.WithField("remote", ctx.Conn.NetConn().RemoteAddr().String()).Debug("rtsp conn opened")
	h.metrics.IncrementConnections()
}

func (h *rtspHandler) OnConnClose(ctx *gortsplib.ServerHandlerOnConnCloseCtx) {
	log.WithField("remote", ctx.Conn.NetConn().RemoteAddr().String()).Debug("rtsp conn closed")
	h.metrics.DecrementConnections()
}

func (h *rtspHandler) OnSessionClose(ctx *gortsplib.ServerHandlerOnSessionCloseCtx) {
	h.sessionsMu.Lock()
	name, ok := h.sessions[ctx.Session]
	delete(h.sessions, ctx.Session)
	h.sessionsMu.Unlock()

	if !ok {
		return
	}
	if p := h.getPath(name); p != nil {
		p.removeReader()
	}
	atomic.AddInt64(&h.metrics.RTSPReaders, -1)
}

func (h *rtspHandler) lookup(path string) (*base.Response, *gortsplib.ServerStream) {
	p := h.getPath(strings.TrimPrefix(path, "/"))
	if p == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}
	stream := p.getStream()
	if stream == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}
	return &base.Response{StatusCode: base.StatusOK}, stream
}

func (h *rtspHandler) OnDescribe(ctx *gortsplib.ServerHandlerOnDescribeCtx) (*base.Response, *gortsplib.ServerStream, error) {
	res, stream := h.lookup(ctx.Path)
	return res, stream, nil
}

func (h *rtspHandler) OnSetup(ctx *gortsplib.ServerHandlerOnSetupCtx) (*base.Response, *gortsplib.ServerStream, error) {
	res, stream := h.lookup(ctx.Path)
	return res, stream, nil
}

func (h *rtspHandler) OnPlay(ctx *gortsplib.ServerHandlerOnPlayCtx) (*base.Response, error) {
	name := strings.TrimPrefix(ctx.Path, "/")
	p := h.getPath(name)
	if p == nil {
		return &base.Response{StatusCode: base.StatusNotFound}, nil
	}
	p.addReader()
	atomic.AddInt64(&h.metrics.RTSPReaders, 1)

	h.sessionsMu.Lock()
	h.sessions[ctx.Session] = name
	h.sessionsMu.Unlock()

	log.WithField("stream", name).WithField("readers", p.readerCount()).Info("rtsp reader started")
	return &base.Response{StatusCode: base.StatusOK}, nil
}

// RTSPModule republishes every relay stream as an MJPEG RTSP path named after
// the stream identifier.
type RTSPModule struct {
	config   *config.Config
	registry *Registry
	metrics  *metrics.Metrics
	handler  *rtspHandler
	server   *gortsplib.Server

	mu      sync.Mutex
	stopped bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewRTSPModule(cfg *config.Config, registry *Registry, m *metrics.Metrics) *RTSPModule {
	ctx, cancel := context.WithCancel(context.Background())
	handler := newRTSPHandler(m)

	server := &gortsplib.Server{
		Handler:     handler,
		RTSPAddress: cfg.Addr(cfg.RTSPPort),
	}

	return &RTSPModule{
		config:   cfg,
		registry: registry,
		metrics:  m,
		handler:  handler,
		server:   server,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *RTSPModule) Start() error {
	if err := m.server.Start(); err != nil {
		return errors.Wrap(err, "failed to start RTSP server")
	}

	m.registry.OnRegister(m.publish)
	m.registry.OnRemove(func(id uuid.UUID, cell *watch.Cell[Frame]) {
		m.handler.removePath(id.String(), cell)
	})
	for id, cell := range m.registry.Snapshot() {
		m.publish(id, cell)
	}

	log.WithField("addr", m.server.RTSPAddress).Info("rtsp republisher started")
	return nil
}

func (m *RTSPModule) Stop() {
	m.mu.Lock()
	m.stopped = true
	m.mu.Unlock()

	m.cancel()
	m.wg.Wait()
	m.server.Close()
	log.Info("rtsp republisher stopped")
}

// publish creates the RTSP path for a newly registered stream and starts
// forwarding its frames.
func (m *RTSPModule) publish(id uuid.UUID, cell *watch.Cell[Frame]) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.stopped {
		return
	}

	forma := &format.MJPEG{}
	medi := &description.Media{
		Type:    description.MediaTypeVideo,
		Formats: []format.Format{forma},
	}
	stream := gortsplib.NewServerStream(m.server, &description.Session{
		Medias: []*description.Media{medi},
	})

	p := &streamPath{
		name:   id.String(),
		cell:   cell,
		media:  medi,
		stream: stream,
	}
	m.handler.setPath(p)

	m.wg.Add(1)
	go m.forward(p, forma)
}

func (m *RTSPModule) forward(p *streamPath, forma *format.MJPEG) {
	defer m.wg.Done()
	defer func() {
		m.handler.removePath(p.name, p.cell)
		p.stream.Close()
	}()

	logger := log.WithField("component", "rtsp").WithField("stream", p.name)

	enc, err := forma.CreateEncoder()
	if err != nil {
		logger.WithError(err).Error("unable to create MJPEG encoder")
		return
	}

	start := time.Now()
	rx := p.cell.SubscribeUnseen()
	for {
		if err := rx.Changed(m.ctx); err != nil {
			return
		}
		frame := rx.BorrowAndUpdate()
		if frame.Empty() {
			continue
		}

		pkts, err := enc.Encode(frame.Payload)
		if err != nil {
			logger.WithError(err).Debug("skipping frame the MJPEG encoder rejected")
			continue
		}
		m.writePackets(p, pkts, rtpTimestamp(time.Since(start)))
	}
}

func (m *RTSPModule) writePackets(p *streamPath, pkts []*rtp.Packet, ts uint32) {
	for _, pkt := range pkts {
		pkt.Timestamp = ts
		if err := p.stream.WritePacketRTP(p.media, pkt); err != nil {
			log.WithField("stream", p.name).WithError(err).Debug("rtp write failed")
			return
		}
		atomic.AddInt64(&m.metrics.RTSPPackets, 1)
	}
}

func rtpTimestamp(elapsed time.Duration) uint32 {
	return uint32(elapsed.Milliseconds() * (rtpClockRate / 1000))
}
