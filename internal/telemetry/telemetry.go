// Package telemetry bridges the vehicle TCP link to the sensor and actuator cells.
//
// The vehicle sends one SensorsData frame per cycle and expects the current
// ActuatorData back. Only one vehicle is served at a time; further connections
// wait in the listen backlog until the current one goes away.
package telemetry

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/vehicle"
	"rc-proxy-server/internal/watch"
)

// =============================================================================
// TELEMETRY MODULE
// =============================================================================

type Module struct {
	config    *config.Config
	sensors   *watch.Cell[vehicle.SensorsData]
	actuators *watch.Cell[vehicle.ActuatorData]
	metrics   *metrics.Metrics

	listener net.Listener
	connMu   sync.Mutex
	conn     net.Conn

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewModule(cfg *config.Config, sensors *watch.Cell[vehicle.SensorsData], actuators *watch.Cell[vehicle.ActuatorData], m *metrics.Metrics) *Module {
	ctx, cancel := context.WithCancel(context.Background())
	return &Module{
		config:    cfg,
		sensors:   sensors,
		actuators: actuators,
		metrics:   m,
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (m *Module) Start() error {
	addr := m.config.Addr(m.config.TelemetryPort)
	l, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "unable to listen for telemetry on %s", addr)
	}
	m.listener = l

	m.wg.Add(1)
	go m.acceptLoop()

	log.WithField("addr", l.Addr().String()).Info("telemetry bridge listening")
	return nil
}

// Addr is the bound listener address, useful when the configured port is 0.
func (m *Module) Addr() net.Addr {
	return m.listener.Addr()
}

func (m *Module) Stop() {
	m.cancel()
	if m.listener != nil {
		m.listener.Close()
	}
	m.connMu.Lock()
	if m.conn != nil {
		m.conn.Close()
	}
	m.connMu.Unlock()
	m.wg.Wait()
	log.Info("telemetry bridge stopped")
}

func (m *Module) acceptLoop() {
	defer m.wg.Done()

	for {
		conn, err := m.listener.Accept()
		if err != nil {
			if m.ctx.Err() != nil {
				return
			}
			log.WithError(err).Warn("telemetry accept failed")
			atomic.AddInt64(&m.metrics.FailedConnections, 1)
			select {
			case <-m.ctx.Done():
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}
		m.serve(conn)
	}
}

func (m *Module) setConn(conn net.Conn) bool {
	m.connMu.Lock()
	defer m.connMu.Unlock()
	if m.ctx.Err() != nil {
		return false
	}
	m.conn = conn
	return true
}

// serve runs the frame/reply cycle until the link fails, then resets the
// sensor cell so consumers see that no vehicle is connected.
func (m *Module) serve(conn net.Conn) {
	remote := conn.RemoteAddr().String()
	logger := log.WithField("component", "telemetry").WithField("remote", remote)

	if !m.setConn(conn) {
		conn.Close()
		return
	}
	m.metrics.IncrementConnections()
	atomic.StoreInt64(&m.metrics.VehicleConnected, 1)
	logger.Info("vehicle connected")

	defer func() {
		conn.Close()
		m.connMu.Lock()
		m.conn = nil
		m.connMu.Unlock()
		m.sensors.Publish(vehicle.EmptySensors())
		atomic.StoreInt64(&m.metrics.VehicleConnected, 0)
		m.metrics.DecrementConnections()
		logger.Info("vehicle disconnected")
	}()

	buf := make([]byte, vehicle.SensorsSize)
	cycles := 0
	lastReport := time.Now()

	for {
		if m.config.TelemetryReadTimeout > 0 {
			conn.SetReadDeadline(time.Now().Add(m.config.TelemetryReadTimeout))
		}
		if _, err := io.ReadFull(conn, buf); err != nil {
			if err != io.EOF && m.ctx.Err() == nil {
				logger.WithError(err).Warn("telemetry read failed")
			}
			return
		}

		data, err := vehicle.DecodeSensors(buf)
		if err != nil {
			atomic.AddInt64(&m.metrics.TelemetryErrors, 1)
			logger.WithError(err).Warn("dropping telemetry frame")
			continue
		}
		m.sensors.Publish(data)
		atomic.AddInt64(&m.metrics.TelemetryFrames, 1)

		cmd := m.actuators.Load()
		conn.SetWriteDeadline(time.Now().Add(m.config.WriteWait))
		if _, err := conn.Write(vehicle.EncodeActuator(cmd)); err != nil {
			logger.WithError(err).Warn("actuator write failed")
			return
		}
		atomic.AddInt64(&m.metrics.CommandsSent, 1)

		cycles++
		if elapsed := time.Since(lastReport); elapsed >= time.Second {
			logger.WithFields(log.Fields{
				"dps":       float64(cycles) / elapsed.Seconds(),
				"sensors":   data.String(),
				"actuators": cmd.String(),
			}).Debug("telemetry cycle")
			cycles = 0
			lastReport = time.Now()
		}
	}
}
