package gateway

import (
	"context"
	"sync/atomic"
	"time"
	"unicode/utf8"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"rc-proxy-server/internal/pilot"
	"rc-proxy-server/internal/vehicle"
)

type session struct {
	module   *Module
	id       uint32
	conn     *websocket.Conn
	encoding Encoding
	logger   *log.Entry

	ctx    context.Context
	cancel context.CancelFunc
}

// run drives both pumps. Whichever returns first cancels the session and
// closes the socket, which unblocks the other.
func (s *session) run() {
	done := make(chan struct{}, 2)
	go func() {
		s.writePump()
		done <- struct{}{}
	}()
	go func() {
		s.readPump()
		done <- struct{}{}
	}()

	<-done
	s.cancel()
	s.conn.Close()
	<-done
}

func (s *session) writePump() {
	cfg := s.module.config
	status := time.NewTicker(cfg.StatusInterval)
	ping := time.NewTicker(cfg.PingPeriod)
	defer status.Stop()
	defer ping.Stop()

	rx := s.module.sensors.Subscribe()
	lastChange := time.Now()

	for {
		select {
		case <-s.ctx.Done():
			s.conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseGoingAway, "server shutting down"),
				time.Now().Add(cfg.WriteWait))
			return

		case <-ping.C:
			if err := s.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(cfg.WriteWait)); err != nil {
				s.logger.WithError(err).Debug("ping failed")
				return
			}

		case now := <-status.C:
			if rx.HasChanged() {
				lastChange = now
			}
			st := Status{
				ClientID:    s.id,
				PilotID:     s.module.authority.Current(),
				MessageDate: now.Sub(lastChange).Seconds(),
				Sensors:     rx.BorrowAndUpdate(),
			}
			mt, data, err := encodeStatus(st, s.encoding)
			if err != nil {
				s.logger.WithError(err).Error("unable to encode status")
				return
			}
			s.conn.SetWriteDeadline(time.Now().Add(cfg.WriteWait))
			if err := s.conn.WriteMessage(mt, data); err != nil {
				s.logger.WithError(err).Debug("status write failed")
				return
			}
		}
	}
}

func (s *session) readPump() {
	cfg := s.module.config
	s.conn.SetReadLimit(maxMessageSize)
	s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	s.conn.SetPongHandler(func(string) error {
		return s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
	})

	limiter := rate.NewLimiter(rate.Every(cfg.CommandInterval), 1)

	for {
		if err := limiter.Wait(s.ctx); err != nil {
			return
		}
		mt, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
				s.logger.WithError(err).Warn("websocket read failed")
			}
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(cfg.PongWait))
		s.handle(mt, data)
	}
}

func (s *session) handle(mt int, data []byte) {
	m := s.module

	if isSecret(m.secret, mt, data) {
		m.authority.Claim(s.id)
		atomic.AddInt64(&m.metrics.PilotClaims, 1)
		return
	}

	if m.authority.Current() != s.id {
		atomic.AddInt64(&m.metrics.CommandsIgnored, 1)
		s.logger.Warn("unauthorized command dropped")
		return
	}

	cmd, err := parseCommand(mt, data)
	if err != nil {
		atomic.AddInt64(&m.metrics.CommandsIgnored, 1)
		s.logger.WithError(err).Warn("invalid command dropped")
		return
	}

	if err := m.authority.Apply(s.id, cmd); err != nil {
		atomic.AddInt64(&m.metrics.CommandsIgnored, 1)
		s.logger.WithError(err).Debug("command dropped")
		return
	}
	atomic.AddInt64(&m.metrics.CommandsApplied, 1)
	s.logger.WithField("cmd", cmd.String()).Debug("command applied")
}

// isSecret accepts the secret in a text frame or in a binary frame holding
// valid UTF-8.
func isSecret(secret string, mt int, data []byte) bool {
	if mt == websocket.BinaryMessage && !utf8.Valid(data) {
		return false
	}
	return pilot.CheckSecret(secret, string(data))
}

func parseCommand(mt int, data []byte) (vehicle.ActuatorData, error) {
	switch mt {
	case websocket.TextMessage:
		return vehicle.ParseActuatorJSON(data)
	case websocket.BinaryMessage:
		return vehicle.ParseActuatorCBOR(data)
	default:
		return vehicle.ActuatorData{}, errors.Errorf("unexpected message type %d", mt)
	}
}
