package sessionkey

import "github.com/rs/zerolog/log"

// HandleFrame is the packet-received interrupt. The transport calls it from
// its delivery goroutine with one raw frame, length byte first.
//
// It runs entirely inside the radio's critical section. A key request is
// answered from here, synchronously, before HandleFrame returns: the handler
// transmits. Transports must therefore deliver frames from a goroutine that
// is never the one calling SetMode or WriteFIFO.
func (r *Radio) HandleFrame(raw []byte) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if !r.initialized || r.mode != ModeRX {
		return
	}

	var f Frame
	if err := f.Unmarshal(raw); err != nil {
		log.Trace().Err(err).Uint8("node", r.address).Msg("malformed frame dropped")
		r.rearmLocked()
		return
	}
	if int(raw[0]) > MaxDataLen+HeaderLength-1 {
		log.Trace().Uint8("node", r.address).Int("length", int(raw[0])).Msg("oversized frame dropped")
		r.rearmLocked()
		return
	}
	if !r.promiscuous && f.Dest != r.address && f.Dest != BroadcastAddress {
		r.rearmLocked()
		return
	}

	r.payloadLen = int(raw[0])
	r.targetID = f.Dest
	r.senderID = f.Src
	r.ackReceived = f.Control.SendAck()
	r.ackRequested = f.Control.RequestAck()
	r.rssi = r.tr.RSSI()

	if r.sessionEnabled.Load() && r.classifyLocked(&f) {
		return
	}

	if r.sessionEnabled.Load() && f.Control.SessionIncluded() {
		r.dataLen = r.payloadLen - (SessionHeaderLength - 1)
		if r.incomingKey.Load() != r.sessionKey.Load() {
			r.dataLen = 0
		}
		copy(r.data[:], f.Payload[:r.dataLen])
	} else {
		// Without session handling every byte after the plain header is data.
		r.dataLen = r.payloadLen - (HeaderLength - 1)
		copy(r.data[:], raw[HeaderLength:HeaderLength+r.dataLen])
	}

	log.Trace().
		Uint8("node", r.address).
		Uint8("from", r.senderID).
		Str("ctl", f.Control.String()).
		Int("dataLen", r.dataLen).
		Msg("frame received")
}

// classifyLocked applies the session rules to a received header. It returns
// true when the frame was fully consumed (a key request or a key delivery)
// and nothing is left for the caller.
func (r *Radio) classifyLocked(f *Frame) bool {
	requested := f.Control.SessionRequested()
	included := f.Control.SessionIncluded()

	switch {
	case requested && !included:
		r.issueKeyLocked(f.Src)
		return true

	case requested && included:
		r.sessionKey.Store(f.Key)
		r.setStatus(StatusKeyLearned)
		r.stats.keysLearned.Add(1)
		r.metrics.Load().observeStatus(StatusKeyLearned)
		select {
		case r.keyLearned <- struct{}{}:
		default:
		}
		log.Debug().
			Uint8("node", r.address).
			Uint8("from", f.Src).
			Uint32("key", f.Key).
			Msg("session key learned")
		r.rearmLocked()
		return true

	case included:
		// ACKs carry the key too and go through the same gate, but the
		// counters only track data frames.
		data := !f.Control.SendAck()
		r.incomingKey.Store(f.Key)
		if f.Key != r.sessionKey.Load() {
			r.setStatus(StatusKeyMismatch)
			if data {
				r.stats.keyMismatches.Add(1)
				r.metrics.Load().observeStatus(StatusKeyMismatch)
			}
			log.Warn().
				Uint8("node", r.address).
				Uint8("from", f.Src).
				Uint32("incoming", f.Key).
				Uint32("expected", r.sessionKey.Load()).
				Msg("session key mismatch, payload discarded")
			return false
		}
		r.setStatus(StatusKeyMatched)
		if data {
			r.stats.keysMatched.Add(1)
			r.metrics.Load().observeStatus(StatusKeyMatched)
		}
		return false
	}
	return false
}

// issueKeyLocked answers a key request: a new key is taken from the clock,
// stored, and sent straight back to the requester.
func (r *Radio) issueKeyLocked(requester uint8) {
	if err := r.setModeLocked(ModeStandby); err != nil {
		log.Error().Err(err).Msg("key issue: leave receive mode")
		return
	}
	// TODO: a clock reading of 0 yields key 0, which the requester cannot tell
	// apart from "no key yet"; decide whether to skip it or keep wire compatibility.
	key := r.tr.Millis()
	r.sessionKey.Store(key)

	if err := r.sendFrameLocked(requester, nil, FlagSessionRequested|FlagSessionIncluded); err != nil {
		log.Error().
			Err(err).
			Uint8("node", r.address).
			Uint8("to", requester).
			Msg("failed to send session key")
	}
	r.setStatus(StatusKeyIssued)
	r.stats.keysIssued.Add(1)
	r.metrics.Load().observeStatus(StatusKeyIssued)

	log.Debug().
		Uint8("node", r.address).
		Uint8("to", requester).
		Uint32("key", key).
		Msg("session key issued")

	r.rearmLocked()
}

// rearmLocked discards the in-flight frame and returns to reception.
func (r *Radio) rearmLocked() {
	if err := r.receiveBeginLocked(); err != nil {
		log.Error().Err(err).Msg("re-arm receiver")
	}
}
