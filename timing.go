package sessionkey

import (
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
)

const (
	// DefaultWaitTimeMs is the key-exchange watchdog window.
	DefaultWaitTimeMs uint16 = 40
	// MaxRespDelayUs caps the delay inserted before key bytes on a key reply.
	MaxRespDelayUs uint16 = 500
)

// Timing holds the two session tunables. Both are read from the receive
// handler and written from the caller, so they are stored atomically.
type Timing struct {
	waitTimeMs  atomic.Uint32
	respDelayUs atomic.Uint32
}

// NewTiming returns a Timing with the default 40 ms window and no response delay.
func NewTiming() *Timing {
	t := &Timing{}
	t.waitTimeMs.Store(uint32(DefaultWaitTimeMs))
	return t
}

// SetWaitTime sets the watchdog window in milliseconds. Zero restores the default.
func (t *Timing) SetWaitTime(ms uint16) {
	if ms == 0 {
		ms = DefaultWaitTimeMs
	}
	t.waitTimeMs.Store(uint32(ms))
	log.Debug().Uint16("waitTimeMs", ms).Msg("session wait time set")
}

// WaitTimeMs returns the watchdog window in milliseconds.
func (t *Timing) WaitTimeMs() uint16 {
	return uint16(t.waitTimeMs.Load())
}

// WaitTime returns the watchdog window as a duration.
func (t *Timing) WaitTime() time.Duration {
	return time.Duration(t.waitTimeMs.Load()) * time.Millisecond
}

// AckSpacing is the pause between redundant ACK frames: a quarter of the
// window, so three ACKs fit inside the peer's wait.
func (t *Timing) AckSpacing() time.Duration {
	return time.Duration(t.waitTimeMs.Load()/4) * time.Millisecond
}

// SetRespDelay sets the key-reply delay in microseconds, clamped to MaxRespDelayUs.
func (t *Timing) SetRespDelay(us uint16) {
	if us > MaxRespDelayUs {
		us = MaxRespDelayUs
	}
	t.respDelayUs.Store(uint32(us))
	log.Debug().Uint16("respDelayUs", us).Msg("session response delay set")
}

// RespDelayUs returns the key-reply delay in microseconds.
func (t *Timing) RespDelayUs() uint16 {
	return uint16(t.respDelayUs.Load())
}
