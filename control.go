package sessionkey

import "strings"

// ControlFlags is the control byte carried in every frame header.
// Only the four bits below are interpreted by this layer; the remaining bits
// are reserved and are preserved by Marshal/Unmarshal untouched.
type ControlFlags uint8

// Control byte bits. The values match the radio driver's CTL byte layout so
// frames interoperate with nodes running the original firmware.
const (
	// FlagSendAck marks the frame itself as an acknowledgement.
	FlagSendAck ControlFlags = 0x80
	// FlagRequestAck asks the peer to acknowledge after delivery.
	FlagRequestAck ControlFlags = 0x40
	// FlagSessionRequested marks a key request, or a reply carrying a requested key.
	FlagSessionRequested ControlFlags = 0x20
	// FlagSessionIncluded means 4 key bytes follow the control byte.
	FlagSessionIncluded ControlFlags = 0x10
)

// NewControlFlags builds a control byte from its four named bits.
func NewControlFlags(sendAck, requestAck, sessionRequested, sessionIncluded bool) ControlFlags {
	var f ControlFlags
	if sendAck {
		f |= FlagSendAck
	}
	if requestAck {
		f |= FlagRequestAck
	}
	if sessionRequested {
		f |= FlagSessionRequested
	}
	if sessionIncluded {
		f |= FlagSessionIncluded
	}
	return f
}

// Has reports whether every bit in flag is set.
func (f ControlFlags) Has(flag ControlFlags) bool {
	return f&flag == flag
}

// SendAck reports whether the frame is an acknowledgement.
func (f ControlFlags) SendAck() bool { return f.Has(FlagSendAck) }

// RequestAck reports whether the sender wants an acknowledgement.
func (f ControlFlags) RequestAck() bool { return f.Has(FlagRequestAck) }

// SessionRequested reports whether the session-requested bit is set.
func (f ControlFlags) SessionRequested() bool { return f.Has(FlagSessionRequested) }

// SessionIncluded reports whether the frame carries a session key.
func (f ControlFlags) SessionIncluded() bool { return f.Has(FlagSessionIncluded) }

// String renders the set bits, e.g. "REQ_ACK|SESSION_INCLUDED".
func (f ControlFlags) String() string {
	var parts []string
	if f.SendAck() {
		parts = append(parts, "SEND_ACK")
	}
	if f.RequestAck() {
		parts = append(parts, "REQ_ACK")
	}
	if f.SessionRequested() {
		parts = append(parts, "SESSION_REQUESTED")
	}
	if f.SessionIncluded() {
		parts = append(parts, "SESSION_INCLUDED")
	}
	if len(parts) == 0 {
		return "NONE"
	}
	return strings.Join(parts, "|")
}
