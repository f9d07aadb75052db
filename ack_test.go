package sessionkey

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// deliverSessionFrame puts r in the state of having just delivered a
// session frame from node 1 that asked for an ACK.
func deliverSessionFrame(t *testing.T, r *Radio, key uint32) {
	t.Helper()
	r.sessionKey.Store(key)
	r.HandleFrame(rawFrame(r.Address(), 1, FlagSessionIncluded|FlagRequestAck, key, []byte("data")))
	require.True(t, r.ReceiveDone())
	require.True(t, r.ACKRequested())
}

func TestSendACKRedundancy(t *testing.T) {
	tests := []struct {
		name       string
		tripleAck  bool
		waitMs     uint16
		wantCopies int
		wantDelays []time.Duration
	}{
		{"single", false, 40, 1, []time.Duration{}},
		{"triple default window", true, 40, 3, []time.Duration{10 * time.Millisecond, 10 * time.Millisecond}},
		{"triple wide window", true, 100, 3, []time.Duration{25 * time.Millisecond, 25 * time.Millisecond}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r, tr := newStubRadio(t, 2, true)
			r.UseSession3Acks(tt.tripleAck)
			r.SessionWaitTime(tt.waitMs)
			deliverSessionFrame(t, r, 0xA5A5)

			require.NoError(t, r.SendACK(nil))

			frames := tr.sentFrames()
			require.Len(t, frames, tt.wantCopies)
			for i, f := range frames {
				assert.Equal(t, uint8(1), f.Dest, "copy %d addressed to the sender", i)
				assert.Equal(t, uint8(2), f.Src)
				assert.Equal(t, FlagSendAck|FlagSessionIncluded, f.Control)
				assert.Equal(t, uint32(0xA5A5), f.Key)
			}
			assert.ElementsMatch(t, tt.wantDelays, tr.recordedDelays())
			assert.Equal(t, uint64(tt.wantCopies), r.Stats().AcksSent)
			assert.Equal(t, int16(-42), r.RSSI(), "RSSI of the acknowledged frame survives")
		})
	}
}

func TestSendACKPlain(t *testing.T) {
	r, tr := newStubRadio(t, 2, false)
	r.UseSession3Acks(true)
	r.HandleFrame(rawFrame(2, 1, FlagRequestAck, 0, []byte("x")))
	require.True(t, r.ReceiveDone())

	require.NoError(t, r.SendACK([]byte("ok")))

	frames := tr.sentFrames()
	require.Len(t, frames, 1, "triple ACK applies to session mode only")
	assert.Equal(t, FlagSendAck, frames[0].Control)
	assert.Equal(t, []byte("ok"), frames[0].Payload)
}

func TestSendACKNotInitialized(t *testing.T) {
	r := NewRadio(newStubTransport())
	assert.ErrorIs(t, r.SendACK(nil), ErrNotInitialized)
}

func TestACKReceived(t *testing.T) {
	t.Run("from expected node", func(t *testing.T) {
		r, _ := newStubRadio(t, 1, false)
		r.HandleFrame(rawFrame(1, 2, FlagSendAck, 0, nil))
		assert.True(t, r.ACKReceived(2))
	})

	t.Run("from another node", func(t *testing.T) {
		r, _ := newStubRadio(t, 1, false)
		r.HandleFrame(rawFrame(1, 3, FlagSendAck, 0, nil))
		assert.False(t, r.ACKReceived(2))
	})

	t.Run("broadcast matches any sender", func(t *testing.T) {
		r, _ := newStubRadio(t, 1, false)
		r.HandleFrame(rawFrame(1, 3, FlagSendAck, 0, nil))
		assert.True(t, r.ACKReceived(BroadcastAddress))
	})

	t.Run("data frame is not an ACK", func(t *testing.T) {
		r, _ := newStubRadio(t, 1, false)
		r.HandleFrame(rawFrame(1, 2, 0, 0, []byte("x")))
		assert.False(t, r.ACKReceived(2))
	})

	t.Run("session ACK with held key", func(t *testing.T) {
		r, _ := newStubRadio(t, 1, true)
		r.sessionKey.Store(0x4242)
		r.HandleFrame(rawFrame(1, 2, FlagSendAck|FlagSessionIncluded, 0x4242, nil))
		assert.True(t, r.ACKReceived(2))
	})

	t.Run("session ACK is not counted as data", func(t *testing.T) {
		r, _ := newStubRadio(t, 1, true)
		r.sessionKey.Store(0x4242)
		r.HandleFrame(rawFrame(1, 2, FlagSendAck|FlagSessionIncluded, 0x4242, nil))
		assert.True(t, r.ACKReceived(2))
		assert.Equal(t, StatusKeyMatched, r.Status())
		assert.Zero(t, r.Stats().KeysMatched)

		require.False(t, r.ReceiveDone(), "re-arms for the next copy")
		r.HandleFrame(rawFrame(1, 2, FlagSendAck|FlagSessionIncluded, 0x4141, nil))
		assert.Equal(t, StatusKeyMismatch, r.Status())
		assert.Zero(t, r.Stats().KeyMismatches)
	})

	t.Run("session ACK with stale key", func(t *testing.T) {
		r, _ := newStubRadio(t, 1, true)
		r.sessionKey.Store(0x4242)
		r.HandleFrame(rawFrame(1, 2, FlagSendAck|FlagSessionIncluded, 0x4141, nil))
		assert.False(t, r.ACKReceived(2))
		assert.Equal(t, StatusKeyMismatch, r.Status())
	})
}

func TestSendWithRetry(t *testing.T) {
	_, sender, receiver := newSimPair(t, true)
	receiver.radio.UseSession3Acks(true)
	deliveries := serveReceiver(t, receiver.radio)
	waitMode(t, receiver.tr, ModeRX)

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	ok, err := sender.radio.SendWithRetryContext(ctx, 2, []byte("reading"), DefaultRetries, 200*time.Millisecond)
	require.NoError(t, err)
	assert.True(t, ok)

	select {
	case d := <-deliveries:
		assert.Equal(t, []byte("reading"), d.data)
		assert.Equal(t, StatusKeyMatched, d.status)
	case <-time.After(time.Second):
		t.Fatal("reading never delivered")
	}
}

// TestAckWaitUsesTransportClock bounds each ACK wait by Millis.
func TestAckWaitUsesTransportClock(t *testing.T) {
	r, tr := newStubRadio(t, 1, false)
	tr.setMillis(20000)

	ok := r.SendWithRetry(2, []byte("x"), 1, 30*time.Millisecond)

	assert.False(t, ok)
	assert.Len(t, tr.sentFrames(), 2)
	assert.GreaterOrEqual(t, tr.Millis(), uint32(20060))
}

func TestSendWithRetryExhausted(t *testing.T) {
	_, sender, _ := newSimPair(t, false)

	// Nobody acknowledges, so every attempt goes out and then the call gives up.
	ok := sender.radio.SendWithRetry(2, []byte("lost"), 2, 5*time.Millisecond)
	assert.False(t, ok)
	assert.Len(t, sender.tr.Sent(), 3)
}
