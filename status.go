package sessionkey

import "fmt"

// SessionStatus is the outcome of the most recent negotiation step. A single
// value is shared between the receive handler and the caller; read it with
// Radio.Status after each send or receive cycle.
type SessionStatus uint8

const (
	// StatusKeyMatched: receiver got session data whose key matches the issued one.
	StatusKeyMatched SessionStatus = 0
	// StatusKeyIssued: receiver answered a key request with a fresh key.
	StatusKeyIssued SessionStatus = 1
	// StatusKeyLearned: sender received the key it asked for.
	StatusKeyLearned SessionStatus = 2
	// StatusKeyMismatch: receiver got session data carrying a foreign or stale key.
	StatusKeyMismatch SessionStatus = 3
	// StatusTimeout: sender gave up waiting for a key.
	StatusTimeout SessionStatus = 4
	// StatusPending: no step has completed since initialization or since the
	// current send attempt started.
	StatusPending SessionStatus = 0xFF
)

// String returns a human-readable name for the status.
func (s SessionStatus) String() string {
	switch s {
	case StatusKeyMatched:
		return "KEY_MATCHED"
	case StatusKeyIssued:
		return "KEY_ISSUED"
	case StatusKeyLearned:
		return "KEY_LEARNED"
	case StatusKeyMismatch:
		return "KEY_MISMATCH"
	case StatusTimeout:
		return "TIMEOUT"
	case StatusPending:
		return "PENDING"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(s))
	}
}
