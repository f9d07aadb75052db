package sessionkey

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"
)

// Retry defaults of the driver's sendWithRetry.
const (
	DefaultRetries   = 2
	DefaultRetryWait = 40 * time.Millisecond
)

// ACKRequested reports whether the last delivered frame asked for an ACK and
// was addressed to this node; broadcasts are never acknowledged.
func (r *Radio) ACKRequested() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.ackRequested && r.targetID == r.address
}

// ACKReceived polls for an ACK from node from; BroadcastAddress accepts an
// ACK from anyone. In session mode ACKs carry the session key and go through
// the same replay filter as data.
func (r *Radio) ACKReceived(from uint8) bool {
	if !r.ReceiveDone() {
		return false
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	return (r.senderID == from || from == BroadcastAddress) && r.ackReceived
}

// SendACK acknowledges the last delivered frame, optionally with a payload.
//
// In session mode the ACK carries the session key and is sent once, or three
// times when UseSession3Acks is on, spaced by a quarter of the wait window so
// all copies land inside the sender's ACK window. ACKs are never retried or
// acknowledged.
func (r *Radio) SendACK(buf []byte) error {
	if !r.isInitialized() {
		return ErrNotInitialized
	}

	r.mu.Lock()
	sender, target, rssi := r.senderID, r.targetID, r.rssi
	r.mu.Unlock()

	r.waitCanSend()

	copies := 1
	ctl := FlagSendAck
	if r.sessionEnabled.Load() {
		ctl |= FlagSessionIncluded
		if r.tripleAck.Load() {
			copies = 3
		}
	}

	spacing := r.timing.AckSpacing()
	for i := 0; i < copies; i++ {
		if i > 0 {
			r.tr.Delay(spacing)
		}
		if err := r.sendAckFrame(sender, target, buf, ctl); err != nil {
			return err
		}
		r.stats.acksSent.Add(1)
		r.metrics.Load().observeAck()
	}

	log.Debug().
		Uint8("to", sender).
		Int("copies", copies).
		Dur("spacing", spacing).
		Msg("ACK sent")

	r.mu.Lock()
	r.rssi = rssi
	r.mu.Unlock()
	return nil
}

// sendAckFrame restores the addressing of the frame being acknowledged, which
// the previous transmission cleared, and sends one ACK copy.
func (r *Radio) sendAckFrame(sender, target uint8, buf []byte, ctl ControlFlags) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.senderID = sender
	r.targetID = target
	return r.sendFrameLocked(r.senderID, buf, ctl)
}

// SendWithRetry sends buf with an ACK request and waits retryWait for the
// ACK, trying retries+1 times in total. In session mode every attempt
// negotiates a fresh key.
func (r *Radio) SendWithRetry(to uint8, buf []byte, retries uint8, retryWait time.Duration) bool {
	ok, _ := r.SendWithRetryContext(context.Background(), to, buf, retries, retryWait)
	return ok
}

// SendWithRetryContext is SendWithRetry bounded by ctx. The error reports
// transport failures and ctx expiry only; a missing ACK is (false, nil).
func (r *Radio) SendWithRetryContext(ctx context.Context, to uint8, buf []byte, retries uint8, retryWait time.Duration) (bool, error) {
	for attempt := 0; attempt <= int(retries); attempt++ {
		if err := r.SendContext(ctx, to, buf, true); err != nil {
			return false, err
		}
		if r.waitForAck(ctx, to, retryWait) {
			log.Debug().
				Uint8("to", to).
				Int("attempt", attempt+1).
				Msg("ACK received")
			return true, nil
		}
		if err := ctx.Err(); err != nil {
			return false, err
		}
		log.Debug().
			Uint8("to", to).
			Int("attempt", attempt+1).
			Str("status", r.Status().String()).
			Msg("no ACK, retrying")
	}
	return false, nil
}

// waitForAck polls for an ACK until wait has elapsed on the transport clock.
func (r *Radio) waitForAck(ctx context.Context, from uint8, wait time.Duration) bool {
	start := r.tr.Millis()
	limit := uint32(wait / time.Millisecond)
	for {
		if r.ACKReceived(from) {
			return true
		}
		if r.tr.Millis()-start >= limit {
			return false
		}
		select {
		case <-ctx.Done():
			return false
		case <-time.After(pollInterval):
		}
	}
}
