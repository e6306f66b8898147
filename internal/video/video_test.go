package video

import (
	"bytes"
	"context"
	"encoding/binary"
	"image"
	"image/color"
	stdjpeg "image/jpeg"
	"net"
	"sync/atomic"
	"testing"
	"time"

	"github.com/bluenviron/gortsplib/v4"
	"github.com/bluenviron/gortsplib/v4/pkg/base"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rc-proxy-server/internal/config"
	"rc-proxy-server/internal/metrics"
	"rc-proxy-server/internal/watch"
)

func jpeg(n int) []byte {
	p := make([]byte, n)
	copy(p, []byte{0xFF, 0xD8, 0xFF, 0xE0})
	for i := 4; i < n; i++ {
		p[i] = byte(i)
	}
	return p
}

func TestNewFramePart(t *testing.T) {
	payload := jpeg(100)
	f := NewFrame(payload)
	want := "--frame\r\nContent-Type: image/jpeg\r\nContent-Length: 100\r\n\r\n" + string(payload) + "\r\n"
	assert.Equal(t, want, string(f.Part))
	assert.Equal(t, payload, f.Payload)
	assert.False(t, f.Empty())
	assert.True(t, Frame{}.Empty())
	assert.Equal(t, "multipart/x-mixed-replace; boundary=--frame", ContentType)
}

func TestCheckMagic(t *testing.T) {
	assert.NoError(t, CheckMagic(jpeg(10)))
	assert.Equal(t, ErrBadMagic, CheckMagic([]byte{0xFF, 0xD8, 0xFF, 0xDB, 0x00}))
	assert.Equal(t, ErrBadMagic, CheckMagic([]byte{0xFF, 0xD8}))
	assert.Equal(t, ErrBadMagic, CheckMagic(nil))
}

func TestParseID(t *testing.T) {
	id := uuid.New()
	got, err := ParseID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	for _, s := range []string{
		"",
		"not-a-uuid",
		"zzzzzzzz-zzzz-zzzz-zzzz-zzzzzzzzzzzz",
		"{" + id.String() + "}",
		"urn:uuid:" + id.String(),
	} {
		_, err := ParseID(s)
		require.Error(t, err, s)
		assert.Equal(t, ErrInvalidID, errors.Cause(err), s)
	}
}

func TestRegistry(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	_, ok := r.Lookup(id)
	assert.False(t, ok)

	cell := r.Register(id)
	got, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Same(t, cell, got)
	assert.True(t, got.Load().Empty())
	assert.Equal(t, 1, r.Len())
	assert.Equal(t, []uuid.UUID{id}, r.IDs())

	assert.True(t, r.Remove(id, cell))
	assert.True(t, cell.Closed())
	assert.Equal(t, 0, r.Len())
	assert.False(t, r.Remove(id, cell))
}

func TestRegistryReRegisterKeepsNewEntry(t *testing.T) {
	r := NewRegistry()
	id := uuid.New()

	old := r.Register(id)
	fresh := r.Register(id)
	assert.True(t, old.Closed())
	assert.False(t, fresh.Closed())

	// the first producer's teardown must not evict the second
	assert.False(t, r.Remove(id, old))
	got, ok := r.Lookup(id)
	require.True(t, ok)
	assert.Same(t, fresh, got)
}

func TestRegistryHooks(t *testing.T) {
	r := NewRegistry()
	var registered, removed int32
	r.OnRegister(func(uuid.UUID, *watch.Cell[Frame]) { atomic.AddInt32(&registered, 1) })
	r.OnRemove(func(uuid.UUID, *watch.Cell[Frame]) { atomic.AddInt32(&removed, 1) })

	id := uuid.New()
	old := r.Register(id)
	cell := r.Register(id)
	r.Remove(id, old)
	r.Remove(id, cell)

	assert.Equal(t, int32(2), atomic.LoadInt32(&registered))
	assert.Equal(t, int32(1), atomic.LoadInt32(&removed))
	assert.Len(t, r.Snapshot(), 0)
}

type relayFixture struct {
	module   *Module
	registry *Registry
	metrics  *metrics.Metrics
}

func startRelay(t *testing.T, mutate func(*config.Config)) *relayFixture {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.VideoPort = 0
	if mutate != nil {
		mutate(cfg)
	}
	f := &relayFixture{registry: NewRegistry(), metrics: metrics.New()}
	f.module = NewModule(cfg, f.registry, f.metrics)
	require.NoError(t, f.module.Start())
	t.Cleanup(f.module.Stop)
	return f
}

func (f *relayFixture) dial(t *testing.T) net.Conn {
	t.Helper()
	conn, err := net.Dial("tcp", f.module.Addr().String())
	require.NoError(t, err)
	t.Cleanup(func() { conn.Close() })
	return conn
}

func sendFrame(t *testing.T, conn net.Conn, payload []byte) {
	t.Helper()
	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, uint64(len(payload)))
	_, err := conn.Write(append(header, payload...))
	require.NoError(t, err)
}

func waitRegistered(t *testing.T, r *Registry, id uuid.UUID) *watch.Cell[Frame] {
	t.Helper()
	var cell *watch.Cell[Frame]
	require.Eventually(t, func() bool {
		var ok bool
		cell, ok = r.Lookup(id)
		return ok
	}, 2*time.Second, 10*time.Millisecond)
	return cell
}

func waitClosed(t *testing.T, conn net.Conn) {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, err := conn.Read(make([]byte, 1))
	require.Error(t, err)
	if netErr, ok := err.(net.Error); ok {
		assert.False(t, netErr.Timeout(), "connection was not closed by the relay")
	}
}

func TestRelayPublishesFrames(t *testing.T) {
	f := startRelay(t, nil)
	id := uuid.New()
	conn := f.dial(t)

	_, err := conn.Write([]byte(id.String()))
	require.NoError(t, err)
	cell := waitRegistered(t, f.registry, id)

	payload := jpeg(100)
	sendFrame(t, conn, payload)
	require.Eventually(t, func() bool { return !cell.Load().Empty() }, 2*time.Second, 10*time.Millisecond)

	frame := cell.Load()
	assert.Equal(t, payload, frame.Payload)
	assert.Equal(t, NewFrame(payload).Part, frame.Part)

	next := jpeg(200)
	sendFrame(t, conn, next)
	assert.Eventually(t, func() bool { return len(cell.Load().Payload) == 200 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayDisconnectRemovesEntry(t *testing.T) {
	f := startRelay(t, nil)
	id := uuid.New()
	conn := f.dial(t)
	_, err := conn.Write([]byte(id.String()))
	require.NoError(t, err)
	cell := waitRegistered(t, f.registry, id)

	conn.Close()
	assert.Eventually(t, func() bool {
		_, ok := f.registry.Lookup(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, cell.Closed())
}

func TestRelayRejectsBadMagic(t *testing.T) {
	f := startRelay(t, nil)
	id := uuid.New()
	conn := f.dial(t)
	_, err := conn.Write([]byte(id.String()))
	require.NoError(t, err)
	cell := waitRegistered(t, f.registry, id)

	sendFrame(t, conn, []byte{0x89, 'P', 'N', 'G', 0, 0})
	waitClosed(t, conn)

	assert.Eventually(t, func() bool {
		_, ok := f.registry.Lookup(id)
		return !ok
	}, 2*time.Second, 10*time.Millisecond)
	assert.True(t, cell.Load().Empty())
}

func TestRelayRejectsOversizedFrame(t *testing.T) {
	f := startRelay(t, nil)
	id := uuid.New()
	conn := f.dial(t)
	_, err := conn.Write([]byte(id.String()))
	require.NoError(t, err)
	waitRegistered(t, f.registry, id)

	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, 5000000)
	_, err = conn.Write(header)
	require.NoError(t, err)

	waitClosed(t, conn)
	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayClampsConfiguredFrameSize(t *testing.T) {
	f := startRelay(t, func(c *config.Config) { c.MaxFrameSize = config.FrameSizeCap * 2 })
	id := uuid.New()
	conn := f.dial(t)
	_, err := conn.Write([]byte(id.String()))
	require.NoError(t, err)
	waitRegistered(t, f.registry, id)

	header := make([]byte, 8)
	binary.LittleEndian.PutUint64(header, config.FrameSizeCap+1)
	_, err = conn.Write(header)
	require.NoError(t, err)

	waitClosed(t, conn)
	assert.Eventually(t, func() bool { return f.registry.Len() == 0 }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayRejectsInvalidID(t *testing.T) {
	f := startRelay(t, nil)
	conn := f.dial(t)
	_, err := conn.Write([]byte("this-is-definitely-not-a-valid-uuid!"))
	require.NoError(t, err)

	waitClosed(t, conn)
	assert.Equal(t, 0, f.registry.Len())
}

func TestRelayPreambleTimeout(t *testing.T) {
	f := startRelay(t, func(c *config.Config) { c.PreambleTimeout = 100 * time.Millisecond })
	silent := f.dial(t)

	// a silent client does not block other producers
	id := uuid.New()
	conn := f.dial(t)
	_, err := conn.Write([]byte(id.String()))
	require.NoError(t, err)
	waitRegistered(t, f.registry, id)

	waitClosed(t, silent)
}

func TestRelayReconnectKeepsNewProducer(t *testing.T) {
	f := startRelay(t, nil)
	id := uuid.New()

	first := f.dial(t)
	_, err := first.Write([]byte(id.String()))
	require.NoError(t, err)
	oldCell := waitRegistered(t, f.registry, id)

	second := f.dial(t)
	_, err = second.Write([]byte(id.String()))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return oldCell.Closed() }, 2*time.Second, 10*time.Millisecond)
	newCell, ok := f.registry.Lookup(id)
	require.True(t, ok)

	first.Close()
	time.Sleep(100 * time.Millisecond)

	got, ok := f.registry.Lookup(id)
	require.True(t, ok)
	assert.Same(t, newCell, got)

	sendFrame(t, second, jpeg(50))
	assert.Eventually(t, func() bool { return !newCell.Load().Empty() }, 2*time.Second, 10*time.Millisecond)
}

func TestRelayStopClosesProducers(t *testing.T) {
	f := startRelay(t, func(c *config.Config) { c.VideoReadTimeout = 0 })
	id := uuid.New()
	conn := f.dial(t)
	_, err := conn.Write([]byte(id.String()))
	require.NoError(t, err)
	cell := waitRegistered(t, f.registry, id)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	go f.module.Stop()

	assert.Equal(t, watch.ErrClosed, cell.Subscribe().Changed(ctx))
	assert.Equal(t, 0, f.registry.Len())
}

func TestRTSPHandlerUnknownPath(t *testing.T) {
	h := newRTSPHandler(metrics.New())

	res, stream, err := h.OnDescribe(&gortsplib.ServerHandlerOnDescribeCtx{Path: "/" + uuid.NewString()})
	require.NoError(t, err)
	assert.Nil(t, stream)
	assert.Equal(t, base.StatusNotFound, res.StatusCode)

	res, stream, err = h.OnSetup(&gortsplib.ServerHandlerOnSetupCtx{Path: "/missing"})
	require.NoError(t, err)
	assert.Nil(t, stream)
	assert.Equal(t, base.StatusNotFound, res.StatusCode)
}

func TestRTSPHandlerRemovePathComparesCell(t *testing.T) {
	h := newRTSPHandler(metrics.New())
	old := watch.New(Frame{})
	cur := watch.New(Frame{})
	h.setPath(&streamPath{name: "cam", cell: cur})

	h.removePath("cam", old)
	assert.NotNil(t, h.getPath("cam"))

	h.removePath("cam", cur)
	assert.Nil(t, h.getPath("cam"))
}

func TestRTPTimestamp(t *testing.T) {
	assert.Equal(t, uint32(0), rtpTimestamp(0))
	assert.Equal(t, uint32(90000), rtpTimestamp(time.Second))
	assert.Equal(t, uint32(4500), rtpTimestamp(50*time.Millisecond))
}

// jfif encodes a small colour image and splices an APP0 segment after SOI so
// the payload looks like what cameras send.
func jfif(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 64, 48))
	for y := 0; y < 48; y++ {
		for x := 0; x < 64; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 5), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, stdjpeg.Encode(&buf, img, &stdjpeg.Options{Quality: 80}))
	raw := buf.Bytes()

	app0 := []byte{0xFF, 0xE0, 0x00, 0x10, 'J', 'F', 'I', 'F', 0x00, 0x01, 0x01, 0x00, 0x00, 0x01, 0x00, 0x01, 0x00, 0x00}
	out := append([]byte{}, raw[:2]...)
	out = append(out, app0...)
	out = append(out, raw[2:]...)
	require.NoError(t, CheckMagic(out))
	return out
}

func freePort(t *testing.T) int {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := l.Addr().(*net.TCPAddr).Port
	require.NoError(t, l.Close())
	return port
}

func TestRTSPModuleRepublishesStreams(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.RTSPEnabled = true
	cfg.RTSPPort = freePort(t)
	m := metrics.New()
	registry := NewRegistry()

	// registered before the republisher starts
	early := uuid.New()
	earlyCell := registry.Register(early)

	mod := NewRTSPModule(cfg, registry, m)
	require.NoError(t, mod.Start())
	t.Cleanup(mod.Stop)
	assert.NotNil(t, mod.handler.getPath(early.String()))

	id := uuid.New()
	cell := registry.Register(id)
	require.NotNil(t, mod.handler.getPath(id.String()))

	frame := NewFrame(jfif(t))
	assert.Eventually(t, func() bool {
		cell.Publish(frame)
		return atomic.LoadInt64(&m.RTSPPackets) > 0
	}, 3*time.Second, 20*time.Millisecond)

	res, stream, err := mod.handler.OnDescribe(&gortsplib.ServerHandlerOnDescribeCtx{Path: "/" + id.String()})
	require.NoError(t, err)
	assert.Equal(t, base.StatusOK, res.StatusCode)
	assert.NotNil(t, stream)

	registry.Remove(id, cell)
	assert.Nil(t, mod.handler.getPath(id.String()))
	assert.NotNil(t, mod.handler.getPath(early.String()))

	registry.Remove(early, earlyCell)
	assert.Nil(t, mod.handler.getPath(early.String()))
}

func TestRTSPModuleIgnoresStreamsAfterStop(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.Host = "127.0.0.1"
	cfg.RTSPPort = freePort(t)
	registry := NewRegistry()

	mod := NewRTSPModule(cfg, registry, metrics.New())
	require.NoError(t, mod.Start())
	mod.Stop()

	id := uuid.New()
	registry.Register(id)
	assert.Nil(t, mod.handler.getPath(id.String()))
}
