package sessionkey

import (
	"fmt"
	"time"
)

// Mode is the operating mode of the radio front end.
type Mode uint8

const (
	ModeSleep Mode = iota
	ModeStandby
	ModeSynth
	ModeRX
	ModeTX
)

// String returns a human-readable representation of the mode.
func (m Mode) String() string {
	switch m {
	case ModeSleep:
		return "SLEEP"
	case ModeStandby:
		return "STANDBY"
	case ModeSynth:
		return "SYNTH"
	case ModeRX:
		return "RX"
	case ModeTX:
		return "TX"
	default:
		return "UNKNOWN"
	}
}

// FrequencyBand selects the carrier band. Values follow the driver's
// RF69_xxxMHZ constants.
type FrequencyBand uint8

const (
	Band315MHz FrequencyBand = 31
	Band433MHz FrequencyBand = 43
	Band868MHz FrequencyBand = 86
	Band915MHz FrequencyBand = 91
)

// String returns the band in MHz, e.g. "868MHz".
func (b FrequencyBand) String() string {
	switch b {
	case Band315MHz:
		return "315MHz"
	case Band433MHz:
		return "433MHz"
	case Band868MHz:
		return "868MHz"
	case Band915MHz:
		return "915MHz"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(b))
	}
}

// IsValid reports whether b is one of the supported bands.
func (b FrequencyBand) IsValid() bool {
	switch b {
	case Band315MHz, Band433MHz, Band868MHz, Band915MHz:
		return true
	}
	return false
}

// Driver limits.
const (
	// CSMALimit bounds how long a send waits for a clear channel.
	CSMALimit = 1000 * time.Millisecond
	// TXLimit bounds how long a send waits for the packet-sent signal.
	TXLimit = 1000 * time.Millisecond
)

// Clock is the monotonic time source and delay primitive of a node.
type Clock interface {
	// Millis returns milliseconds since boot; it wraps at 2^32.
	Millis() uint32
	// Delay blocks the caller for d.
	Delay(d time.Duration)
}

// Transport is the radio capability the session layer drives. Register
// programming, modulation and the physical FIFO live behind it.
//
// The handler passed to OnPayloadReady plays the role of the packet-received
// interrupt: it is called from a single delivery goroutine with one raw frame
// (length byte first). Implementations must never call it synchronously from
// inside SetMode or WriteFIFO, because the handler itself may transmit.
type Transport interface {
	Clock

	// Initialize tunes the radio to band and network and sets its node address.
	Initialize(band FrequencyBand, nodeID, networkID uint8) error
	// OnPayloadReady registers the received-frame handler.
	OnPayloadReady(handler func(frame []byte))
	// SetMode switches the front end. Entering ModeTX transmits the bytes
	// loaded with WriteFIFO since the last transmission.
	SetMode(mode Mode) error
	// WriteFIFO appends bytes to the transmit FIFO.
	WriteFIFO(p []byte) error
	// WaitPacketSent blocks until the last transmission finished or limit elapsed.
	WaitPacketSent(limit time.Duration) bool
	// CanSend reports whether the channel is clear for transmission.
	CanSend() bool
	// RSSI returns the signal strength of the most recent reception in dBm.
	RSSI() int16
}
