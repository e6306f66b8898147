// Package gateway serves the WebSocket endpoint used by dashboards and pilots.
//
// Every client receives a status message every StatusInterval. A client that
// sends the pilot secret becomes the pilot and its commands are forwarded to
// the vehicle. When the pilot disconnects the vehicle is returned to neutral.
package gateway

import (
	"context"
	"crypto/rand"
	"encoding/binary"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	log "github.com/sirupsen/logrus"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/pilot"
	"rc-proxy-server/internal/vehicle"
	"rc-proxy-server/internal/watch"
)

const maxMessageSize = 4096

// Encoding selects the status wire format of a session.
type Encoding string

const (
	EncodingJSON Encoding = "json"
	EncodingCBOR Encoding = "cbor"
)

// Status is pushed to every client.
type Status struct {
	ClientID uint32 `json:"client_id"`
	PilotID  uint32 `json:"pilot_id"`
	// MessageDate is the age in seconds of the sensor values.
	MessageDate float64             `json:"message_date"`
	Sensors     vehicle.SensorsData `json:"sensors"`
}

// =============================================================================
// WEBSOCKET UPGRADER
// =============================================================================

var wsUpgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
	ReadBufferSize:   4096,
	WriteBufferSize:  4096,
	HandshakeTimeout: 10 * time.Second,
}

// =============================================================================
// GATEWAY MODULE
// =============================================================================

type Module struct {
	config    *config.Config
	secret    string
	sensors   *watch.Cell[vehicle.SensorsData]
	authority *pilot.Authority
	metrics   *metrics.Metrics

	sessions   map[uint32]*session
	sessionsMu sync.RWMutex
	stopped    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewModule(cfg *config.Config, secret string, sensors *watch.Cell[vehicle.SensorsData], authority *pilot.Authority, m *metrics.Metrics) *Module {
	ctx, cancel := context.WithCancel(context.Background())
	return &Module{
		config:    cfg,
		secret:    secret,
		sensors:   sensors,
		authority: authority,
		metrics:   m,
		sessions:  make(map[uint32]*session),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Clients returns the number of connected WebSocket clients.
func (m *Module) Clients() int {
	m.sessionsMu.RLock()
	defer m.sessionsMu.RUnlock()
	return len(m.sessions)
}

// Stop ends every session and waits for their cleanup.
func (m *Module) Stop() {
	m.sessionsMu.Lock()
	m.stopped = true
	m.sessionsMu.Unlock()

	m.cancel()
	m.wg.Wait()
	log.Info("websocket gateway stopped")
}

func (m *Module) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	enc := Encoding(r.URL.Query().Get("encoding"))
	switch enc {
	case "":
		enc = EncodingJSON
	case EncodingJSON, EncodingCBOR:
	default:
		http.Error(w, "unsupported encoding", http.StatusBadRequest)
		return
	}

	conn, err := wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		log.WithError(err).WithField("remote", r.RemoteAddr).Warn("websocket upgrade failed")
		atomic.AddInt64(&m.metrics.FailedConnections, 1)
		return
	}

	s, ok := m.register(conn, r.RemoteAddr, enc)
	if !ok {
		conn.Close()
		return
	}
	defer m.wg.Done()

	m.metrics.IncrementConnections()
	atomic.AddInt64(&m.metrics.WSClients, 1)
	s.logger.Info("websocket client connected")

	s.run()

	m.authority.ReleaseIfHolder(s.id)
	m.unregister(s.id)
	atomic.AddInt64(&m.metrics.WSClients, -1)
	m.metrics.DecrementConnections()
	s.logger.Info("websocket client disconnected")
}

// register allocates a unique non-zero client id. It fails once Stop has begun.
func (m *Module) register(conn *websocket.Conn, remote string, enc Encoding) (*session, bool) {
	m.sessionsMu.Lock()
	defer m.sessionsMu.Unlock()
	if m.stopped {
		return nil, false
	}

	var id uint32
	for id == pilot.NoPilot || m.sessions[id] != nil {
		id = newClientID()
	}

	ctx, cancel := context.WithCancel(m.ctx)
	s := &session{
		module:   m,
		id:       id,
		conn:     conn,
		encoding: enc,
		ctx:      ctx,
		cancel:   cancel,
		logger: log.WithFields(log.Fields{
			"component": "gateway",
			"client_id": id,
			"remote":    remote,
		}),
	}
	m.sessions[id] = s
	m.wg.Add(1)
	return s, true
}

func (m *Module) unregister(id uint32) {
	m.sessionsMu.Lock()
	delete(m.sessions, id)
	m.sessionsMu.Unlock()
}

func newClientID() uint32 {
	var b [4]byte
	if _, err := rand.Read(b[:]); err != nil {
		return uint32(time.Now().UnixNano())
	}
	return binary.LittleEndian.Uint32(b[:])
}

// encodeStatus renders st for the given encoding and returns the websocket
// message type to use.
func encodeStatus(st Status, enc Encoding) (int, []byte, error) {
	if enc == EncodingCBOR {
		data, err := vehicle.MarshalCBOR(st)
		return websocket.BinaryMessage, data, err
	}
	data, err := json.Marshal(st)
	return websocket.TextMessage, data, err
}
