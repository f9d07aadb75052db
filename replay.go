package sessionkey

import "github.com/rs/zerolog/log"

// Verdict is the replay filter's decision on a pending frame.
type Verdict uint8

const (
	// VerdictDeliver lets the frame through to the caller.
	VerdictDeliver Verdict = iota
	// VerdictPromiscuous withholds everything while the node hears foreign traffic.
	VerdictPromiscuous
	// VerdictKeyMismatch withholds a frame whose key differs from the held one.
	VerdictKeyMismatch
)

// String returns a label suitable for logs and metrics.
func (v Verdict) String() string {
	switch v {
	case VerdictDeliver:
		return "deliver"
	case VerdictPromiscuous:
		return "promiscuous"
	case VerdictKeyMismatch:
		return "key_mismatch"
	default:
		return "unknown"
	}
}

// filterPromiscuous is the first gate, evaluated before looking at any
// frame: session mode never exposes data while promiscuous reception is on.
func filterPromiscuous(sessionEnabled, promiscuous bool) Verdict {
	if sessionEnabled && promiscuous {
		return VerdictPromiscuous
	}
	return VerdictDeliver
}

// filterKey is the second gate: the last parsed incoming key must equal the
// held key exactly.
func filterKey(sessionEnabled bool, incoming, held uint32) Verdict {
	if sessionEnabled && incoming != held {
		return VerdictKeyMismatch
	}
	return VerdictDeliver
}

// suppress records a withheld frame. Suppression is not an error: to the
// caller it is the same as nothing having arrived.
func (r *Radio) suppress(v Verdict) {
	r.stats.framesSuppressed.Add(1)
	r.metrics.Load().observeSuppressed(v)
	log.Trace().
		Uint8("node", r.address).
		Str("reason", v.String()).
		Msg("frame withheld by replay filter")
}
