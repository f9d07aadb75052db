package sessionkey

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

// stubTransport records everything the radio asks of it. Frames are
// assembled from WriteFIFO calls and captured when ModeTX is entered.
type stubTransport struct {
	mu      sync.Mutex
	millis  uint32
	fifo    []byte
	frames  [][]byte
	writes  [][]byte // individual WriteFIFO calls
	delays  []time.Duration
	modes   []Mode
	handler func([]byte)
	busy    bool
	rssi    int16
}

func newStubTransport() *stubTransport {
	return &stubTransport{millis: 123456, rssi: -42}
}

// Millis advances the stub clock by 1 ms per reading, so bounded waits end
// after a fixed number of polls.
func (s *stubTransport) Millis() uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	ms := s.millis
	s.millis++
	return ms
}

func (s *stubTransport) setMillis(ms uint32) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.millis = ms
}

func (s *stubTransport) Delay(d time.Duration) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.delays = append(s.delays, d)
}

func (s *stubTransport) Initialize(FrequencyBand, uint8, uint8) error { return nil }

func (s *stubTransport) OnPayloadReady(h func([]byte)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handler = h
}

func (s *stubTransport) SetMode(m Mode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.modes = append(s.modes, m)
	if m == ModeTX {
		s.frames = append(s.frames, s.fifo)
		s.fifo = nil
	}
	return nil
}

func (s *stubTransport) WriteFIFO(p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes = append(s.writes, append([]byte(nil), p...))
	s.fifo = append(s.fifo, p...)
	return nil
}

func (s *stubTransport) WaitPacketSent(time.Duration) bool { return true }

func (s *stubTransport) CanSend() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.busy
}

func (s *stubTransport) RSSI() int16 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rssi
}

func (s *stubTransport) sentFrames() []Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Frame, 0, len(s.frames))
	for _, raw := range s.frames {
		var f Frame
		if err := f.Unmarshal(raw); err == nil {
			out = append(out, f)
		}
	}
	return out
}

func (s *stubTransport) recordedDelays() []time.Duration {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]time.Duration(nil), s.delays...)
}

// newStubRadio returns an initialized radio in receive mode on a stub transport.
func newStubRadio(t *testing.T, nodeID uint8, session bool) (*Radio, *stubTransport) {
	t.Helper()
	tr := newStubTransport()
	r := NewRadio(tr)
	require.NoError(t, r.Initialize(Band868MHz, nodeID, 100))
	r.UseSessionKey(session)
	require.False(t, r.ReceiveDone(), "fresh radio has nothing to deliver")
	return r, tr
}

// rawFrame marshals a frame for feeding into HandleFrame.
func rawFrame(dest, src uint8, ctl ControlFlags, key uint32, payload []byte) []byte {
	f := Frame{Dest: dest, Src: src, Control: ctl, Key: key, Payload: payload}
	return f.Marshal(MaxDataLen)
}

// simNode is a radio on a shared simulated medium.
type simNode struct {
	radio *Radio
	tr    *SimTransport
}

// newSimPair creates a sender (node 1) and receiver (node 2) on one Air.
func newSimPair(t *testing.T, session bool) (*Air, simNode, simNode) {
	t.Helper()
	air, err := NewAir(DefaultCaptureSize)
	require.NoError(t, err)
	t.Cleanup(func() { air.Close() })

	mk := func(id uint8) simNode {
		tr, err := NewSimTransport(air)
		require.NoError(t, err)
		r := NewRadio(tr)
		require.NoError(t, r.Initialize(Band868MHz, id, 100))
		r.UseSessionKey(session)
		return simNode{radio: r, tr: tr}
	}
	return air, mk(1), mk(2)
}

// delivery is one frame handed to the receiving application.
type delivery struct {
	from   uint8
	data   []byte
	status SessionStatus
}

// serveReceiver polls r like an application main loop, ACKing when asked,
// until the test ends. Delivered frames are published on the returned channel.
func serveReceiver(t *testing.T, r *Radio) <-chan delivery {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	out := make(chan delivery, 16)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for ctx.Err() == nil {
			if !r.ReceiveDone() {
				time.Sleep(20 * time.Microsecond)
				continue
			}
			d := delivery{from: r.SenderID(), data: r.Data(), status: r.Status()}
			if r.ACKRequested() {
				_ = r.SendACK(nil)
			}
			select {
			case out <- d:
			default:
			}
		}
	}()
	t.Cleanup(func() {
		cancel()
		wg.Wait()
	})
	return out
}

// waitStatus waits until r reports want or the timeout elapses.
func waitStatus(t *testing.T, r *Radio, want SessionStatus) {
	t.Helper()
	require.Eventually(t, func() bool { return r.Status() == want },
		time.Second, time.Millisecond, "status never became %s (last %s)", want, r.Status())
}

// waitMode waits until the simulated front end reaches want.
func waitMode(t *testing.T, tr *SimTransport, want Mode) {
	t.Helper()
	require.Eventually(t, func() bool { return tr.Mode() == want },
		time.Second, time.Millisecond, "transport never entered %s", want)
}
