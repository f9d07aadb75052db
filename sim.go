package sessionkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/armon/circbuf"
	"github.com/rs/zerolog/log"
)

// DefaultCaptureSize is the size of the Air's traffic capture ring.
const DefaultCaptureSize = 4096

// defaultClockOffsetMs starts simulated clocks past zero so the first key a
// node issues is never the "unset" value.
const defaultClockOffsetMs = 1000

// ErrTransportClosed is returned by a SimTransport after Close.
var ErrTransportClosed = errors.New("transport closed")

// Air is a simulated shared radio medium. Every frame a SimTransport
// transmits is delivered to every other transport on the same Air; address
// filtering is left to the receiving Radio, as on real hardware.
//
// Air keeps a capture of the most recent on-air bytes, which is how the
// tests model an eavesdropper recording frames for a later replay.
type Air struct {
	mu         sync.Mutex
	transports []*SimTransport
	capture    *circbuf.Buffer
	frames     [][]byte // every frame transmitted, in order
	dropFn     func(from uint8, frame []byte) bool
	closed     bool
}

// NewAir creates a medium with a capture ring of captureSize bytes.
func NewAir(captureSize int64) (*Air, error) {
	if captureSize <= 0 {
		captureSize = DefaultCaptureSize
	}
	capture, err := circbuf.NewBuffer(captureSize)
	if err != nil {
		return nil, fmt.Errorf("create capture buffer: %w", err)
	}
	return &Air{capture: capture}, nil
}

// SetDropFilter installs fn to decide which transmissions are lost. fn sees
// the transmitting node and the raw frame; returning true drops the frame
// for every receiver. Pass nil to restore a lossless medium.
func (a *Air) SetDropFilter(fn func(from uint8, frame []byte) bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.dropFn = fn
}

// Capture returns the most recent on-air bytes, oldest first.
func (a *Air) Capture() []byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]byte(nil), a.capture.Bytes()...)
}

// Frames returns a copy of every frame transmitted so far.
func (a *Air) Frames() [][]byte {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([][]byte, len(a.frames))
	for i, f := range a.frames {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Inject puts a raw frame on the air as if a foreign transmitter sent it.
// All attached transports receive it.
func (a *Air) Inject(frame []byte) {
	a.transmit(nil, frame)
}

// Close stops every attached transport.
func (a *Air) Close() error {
	a.mu.Lock()
	transports := a.transports
	a.transports = nil
	a.closed = true
	a.mu.Unlock()

	for _, t := range transports {
		t.shutdown()
	}
	return nil
}

func (a *Air) attach(t *SimTransport) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.closed {
		return ErrTransportClosed
	}
	a.transports = append(a.transports, t)
	return nil
}

func (a *Air) transmit(from *SimTransport, frame []byte) {
	a.mu.Lock()
	var src uint8 = BroadcastAddress
	if from != nil {
		src = from.NodeID()
	}
	if a.dropFn != nil && a.dropFn(src, frame) {
		a.mu.Unlock()
		log.Trace().Uint8("from", src).Int("len", len(frame)).Msg("frame lost on air")
		return
	}
	_, _ = a.capture.Write(frame)
	a.frames = append(a.frames, append([]byte(nil), frame...))
	receivers := make([]*SimTransport, 0, len(a.transports))
	for _, t := range a.transports {
		if t != from {
			receivers = append(receivers, t)
		}
	}
	a.mu.Unlock()

	for _, t := range receivers {
		t.deliver(frame)
	}
}

// SimTransport is an in-process Transport attached to an Air. Incoming
// frames are handed to the registered handler from a dedicated goroutine,
// which plays the part of the radio interrupt.
type SimTransport struct {
	air *Air

	nodeID    atomic.Uint32
	networkID uint8
	band      FrequencyBand

	boot          time.Time
	clockOffsetMs atomic.Uint32

	mu       sync.Mutex
	mode     Mode
	fifo     []byte
	handler  func(frame []byte)
	sent     [][]byte
	delays   []time.Duration
	canSend  atomic.Bool
	rssi     atomic.Int32
	incoming chan []byte

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
	closed atomic.Bool
}

// NewSimTransport attaches a new transport to air and starts its delivery goroutine.
func NewSimTransport(air *Air) (*SimTransport, error) {
	ctx, cancel := context.WithCancel(context.Background())
	t := &SimTransport{
		air:      air,
		boot:     time.Now(),
		incoming: make(chan []byte, 64),
		ctx:      ctx,
		cancel:   cancel,
	}
	t.clockOffsetMs.Store(defaultClockOffsetMs)
	t.canSend.Store(true)
	t.rssi.Store(-60)

	if err := air.attach(t); err != nil {
		cancel()
		return nil, err
	}

	t.wg.Add(1)
	go t.processFrames()
	return t, nil
}

// processFrames feeds delivered frames to the handler one at a time.
func (t *SimTransport) processFrames() {
	defer t.wg.Done()

	for {
		select {
		case <-t.ctx.Done():
			return
		case frame := <-t.incoming:
			t.mu.Lock()
			h := t.handler
			t.mu.Unlock()
			if h != nil {
				h(frame)
			}
		}
	}
}

func (t *SimTransport) deliver(frame []byte) {
	if t.closed.Load() {
		return
	}
	select {
	case t.incoming <- append([]byte(nil), frame...):
	default:
		log.Warn().Uint8("node", t.NodeID()).Msg("receive queue full, frame dropped")
	}
}

// Close detaches the transport and stops its delivery goroutine.
func (t *SimTransport) Close() error {
	t.shutdown()
	return nil
}

func (t *SimTransport) shutdown() {
	if t.closed.Swap(true) {
		return
	}
	t.cancel()
	t.wg.Wait()
}

// Initialize implements Transport.
func (t *SimTransport) Initialize(band FrequencyBand, nodeID, networkID uint8) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.nodeID.Store(uint32(nodeID))
	t.networkID = networkID
	t.band = band
	t.mode = ModeStandby
	return nil
}

// OnPayloadReady implements Transport.
func (t *SimTransport) OnPayloadReady(handler func(frame []byte)) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.handler = handler
}

// SetMode implements Transport. Entering ModeTX puts the FIFO on the air.
func (t *SimTransport) SetMode(mode Mode) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	t.mode = mode
	var frame []byte
	if mode == ModeTX && len(t.fifo) > 0 {
		frame = t.fifo
		t.fifo = nil
		t.sent = append(t.sent, frame)
	}
	t.mu.Unlock()

	if frame != nil {
		t.air.transmit(t, frame)
	}
	return nil
}

// WriteFIFO implements Transport.
func (t *SimTransport) WriteFIFO(p []byte) error {
	if t.closed.Load() {
		return ErrTransportClosed
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.fifo = append(t.fifo, p...)
	return nil
}

// WaitPacketSent implements Transport; simulated transmission is instantaneous.
func (t *SimTransport) WaitPacketSent(time.Duration) bool {
	return true
}

// CanSend implements Transport.
func (t *SimTransport) CanSend() bool {
	return t.canSend.Load()
}

// SetCanSend simulates a busy (false) or clear (true) channel.
func (t *SimTransport) SetCanSend(idle bool) {
	t.canSend.Store(idle)
}

// RSSI implements Transport.
func (t *SimTransport) RSSI() int16 {
	return int16(t.rssi.Load())
}

// SetRSSI sets the signal strength reported for receptions.
func (t *SimTransport) SetRSSI(dbm int16) {
	t.rssi.Store(int32(dbm))
}

// Millis implements Clock: milliseconds since the transport was created,
// plus the clock offset.
func (t *SimTransport) Millis() uint32 {
	return uint32(time.Since(t.boot)/time.Millisecond) + t.clockOffsetMs.Load()
}

// SetClockOffset shifts the simulated boot time. An offset of 0 reproduces
// a node answering a key request in its first millisecond of uptime.
func (t *SimTransport) SetClockOffset(ms uint32) {
	t.clockOffsetMs.Store(ms)
}

// Delay implements Clock.
func (t *SimTransport) Delay(d time.Duration) {
	t.mu.Lock()
	t.delays = append(t.delays, d)
	t.mu.Unlock()
	time.Sleep(d)
}

// NodeID returns the address set by Initialize.
func (t *SimTransport) NodeID() uint8 {
	return uint8(t.nodeID.Load())
}

// Mode returns the current mode.
func (t *SimTransport) Mode() Mode {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.mode
}

// Sent returns a copy of every frame this transport put on the air.
func (t *SimTransport) Sent() [][]byte {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([][]byte, len(t.sent))
	for i, f := range t.sent {
		out[i] = append([]byte(nil), f...)
	}
	return out
}

// Delays returns every delay requested through Delay, in order.
func (t *SimTransport) Delays() []time.Duration {
	t.mu.Lock()
	defer t.mu.Unlock()
	return append([]time.Duration(nil), t.delays...)
}
