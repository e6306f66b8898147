package video

import (
	"context"
	"encoding/binary"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/watch"
)

// =============================================================================
// VIDEO RELAY MODULE
// =============================================================================

type Module struct {
	config   *config.Config
	registry *Registry
	metrics  *metrics.Metrics

	listener net.Listener

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewModule(cfg *config.Config, registry *Registry, m *metrics.Metrics) *Module {
	ctx, cancel := context.WithCancel(context.Background())
	return &Module{
		config:   cfg,
		registry: registry,
		metrics:  m,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (m *Module) Registry() *Registry {
	return m.registry
}

func (m *Module) Start() error {
	addr := m.config.Addr(m.config.VideoPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen for video on %s", addr)
	}
	m.listener = l

	m.wg.Add(1)
	go m.acceptLoop()

	log.WithField("addr", l.Addr().String()).Info("video relay listening")
	return nil
}

func (m *Module) Addr() net.Addr {
	return m.listener.Addr()
}

// Stop closes the listener and every producer connection, then waits for the
// producer goroutines to unregister.
func (m *Module) Stop() {
	m.cancel()
	if m.listener != nil {
		m.listener.Close()
	}
	m.wg.Wait()
	log.Info("video relay stopped")
}

func (m *Module) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("video accept failed")
			atomic.AddInt64(&m.metrics.FailedConnections, 1)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		m.wg.Add(1)
		go m.handleProducer(conn)
	}
}

func (m *Module) handleProducer(conn net.Conn) {
	defer m.wg.Done()

	logger := log.WithField("component", "video").WithField("remote", conn.RemoteAddr().String())
	m.metrics.IncrementConnections()
	defer m.metrics.DecrementConnections()

	// unblock reads on shutdown
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-m.ctx.Done():
			conn.Close()
		case <-done:
		}
	}()
	defer conn.Close()

	id, err := m.readPreamble(conn)
	if err != nil {
		atomic.AddInt64(&m.metrics.VideoErrors, 1)
		logger.WithError(err).Warn("rejecting video producer")
		return
	}

	logger = logger.WithField("stream", id.String())
	cell := m.registry.Register(id)
	atomic.AddInt64(&m.metrics.VideoProducers, 1)
	logger.Info("video producer registered")

	err = m.ingest(conn, cell, logger)

	m.registry.Remove(id, cell)
	atomic.AddInt64(&m.metrics.VideoProducers, -1)

	switch {
	case m.ctx.Err() != nil:
		logger.Info("video producer closed on shutdown")
	case err == io.EOF:
		logger.Info("video producer disconnected")
	default:
		atomic.AddInt64(&m.metrics.VideoErrors, 1)
		logger.WithError(err).Warn("video producer dropped")
	}
}

func (m *Module) readPreamble(conn net.Conn) (uuid.UUID, error) {
	if m.config.PreambleTimeout > 0 {
		conn.SetReadDeadline(time.Now().Add(m.config.PreambleTimeout))
	}
	buf := make([]byte, IDLength)
	if _, err := io.ReadFull(conn, buf); err != nil {
		return uuid.Nil, errors.Wrap(err, "unable to read stream identifier")
	}
	return ParseID(string(buf))
}

// ingest publishes frames until the producer misbehaves or goes away.
func (m *Module) ingest(conn net.Conn, cell *watch.Cell[Frame], logger *log.Entry) error {
	header := make([]byte, 8)
	maxSize := uint64(m.config.MaxFrameSize)
	if maxSize == 0 || maxSize > DefaultMaxFrameSize {
		maxSize = DefaultMaxFrameSize
	}

	frames := 0
	lastReport := time.Now()

	for {
		if m.config.VideoReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.config.VideoReadTimeout))
		} else {
			conn.SetReadDeadline(time.Time{})
		}

		if _, err := io.ReadFull(conn, header); err != nil {
			return err
		}
		size := binary.LittleEndian.Uint64(header)
		if size > maxSize {
			return errors.Wrapf(ErrFrameTooLarge, "%d bytes", size)
		}

		payload := make([]byte, size)
		if _, err := io.ReadFull(conn, payload); err != nil {
			return errors.Wrap(err, "truncated frame")
		}
		if err := CheckMagic(payload); err != nil {
			return err
		}

		cell.Publish(NewFrame(payload))
		atomic.AddInt64(&m.metrics.VideoFrames, 1)
		atomic.AddInt64(&m.metrics.VideoBytesIn, int64(size))

		frames++
		if elapsed := time.Since(lastReport); elapsed >= time.Second {
			logger.WithField("fps", float64(frames)/elapsed.Seconds()).Debug("video ingest")
			frames = 0
			lastReport = time.Now()
		}
	}
}
