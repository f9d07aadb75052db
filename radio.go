// Package sessionkey adds anti-replay session negotiation on top of a
// packet radio that has no protection against retransmitted or replayed
// frames.
//
// Every session-protected send is a three step exchange:
//
//  1. the sender asks the receiver for a key (SESSION_REQUESTED),
//  2. the receiver answers with a fresh 32-bit key derived from its clock
//     (SESSION_REQUESTED|SESSION_INCLUDED),
//  3. the sender transmits the payload tagged with that key (SESSION_INCLUDED).
//
// The receiver only exposes data whose key equals the one it just issued, so
// a frame captured from an earlier exchange is dropped. The key is a coarse
// nonce, not a secret: it offers no confidentiality and no protection
// against an attacker who can answer key requests.
//
// The radio hardware is reached through the Transport interface; SimTransport
// provides an in-process shared medium for tests and examples.
package sessionkey

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog/log"
)

var (
	// ErrNotInitialized is returned by operations that need Initialize first.
	ErrNotInitialized = errors.New("radio not initialized")
	// ErrInvalidNodeID is returned for the broadcast address used as node ID.
	ErrInvalidNodeID = errors.New("invalid node ID")
	// ErrInvalidBand is returned for an unsupported frequency band.
	ErrInvalidBand = errors.New("invalid frequency band")
)

// pollInterval is how long bounded waits yield between checks of the clock
// and the receive state.
const pollInterval = 100 * time.Microsecond

// Radio is one node's session layer. The caller side (Send, ReceiveDone,
// SendACK, ...) and the receive handler (HandleFrame) share state; mu is the
// critical section that stands in for disabling the radio interrupt.
type Radio struct {
	tr      Transport
	timing  *Timing
	metrics atomic.Pointer[Metrics]
	stats   sessionStats

	sessionEnabled atomic.Bool
	tripleAck      atomic.Bool

	// Shared with the receive handler; caller-side polls read them without mu.
	sessionKey  atomic.Uint32
	incomingKey atomic.Uint32
	status      atomic.Uint32
	keyLearned  chan struct{}

	mu          sync.Mutex
	initialized bool
	address     uint8
	networkID   uint8
	band        FrequencyBand
	mode        Mode
	promiscuous bool

	// In-flight frame state, guarded by mu.
	payloadLen   int // length byte of the last accepted frame
	dataLen      int // payload bytes exposed to the caller
	data         [MaxDataLen]byte
	senderID     uint8
	targetID     uint8
	ackRequested bool
	ackReceived  bool
	rssi         int16
}

// NewRadio wraps tr. Call Initialize before use.
func NewRadio(tr Transport) *Radio {
	r := &Radio{
		tr:         tr,
		timing:     NewTiming(),
		keyLearned: make(chan struct{}, 1),
	}
	r.status.Store(uint32(StatusPending))
	return r
}

// SetMetrics attaches Prometheus collectors. Pass nil to detach.
func (r *Radio) SetMetrics(m *Metrics) {
	r.metrics.Store(m)
}

// Initialize resets the session options to their defaults (session mode off,
// single ACK, 40 ms window, no response delay) and brings up the transport.
func (r *Radio) Initialize(band FrequencyBand, nodeID, networkID uint8) error {
	if !band.IsValid() {
		return fmt.Errorf("%w: %d", ErrInvalidBand, band)
	}
	if nodeID == BroadcastAddress {
		return fmt.Errorf("%w: %d is the broadcast address", ErrInvalidNodeID, nodeID)
	}

	r.sessionEnabled.Store(false)
	r.tripleAck.Store(false)
	r.timing.SetWaitTime(DefaultWaitTimeMs)
	r.timing.SetRespDelay(0)
	r.sessionKey.Store(0)
	r.incomingKey.Store(0)
	r.setStatus(StatusPending)

	r.tr.OnPayloadReady(r.HandleFrame)
	if err := r.tr.Initialize(band, nodeID, networkID); err != nil {
		log.Error().
			Err(err).
			Uint8("node", nodeID).
			Str("band", band.String()).
			Msg("transport initialization failed")
		return fmt.Errorf("initialize transport: %w", err)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.address = nodeID
	r.networkID = networkID
	r.band = band
	r.initialized = true
	if err := r.setModeLocked(ModeStandby); err != nil {
		return err
	}

	log.Info().
		Uint8("node", nodeID).
		Uint8("network", networkID).
		Str("band", band.String()).
		Msg("radio initialized")
	return nil
}

// Address returns the node ID set by Initialize.
func (r *Radio) Address() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.address
}

// Send transmits buf to the node at to. See SendContext.
func (r *Radio) Send(to uint8, buf []byte, requestAck bool) error {
	return r.SendContext(context.Background(), to, buf, requestAck)
}

// SendContext transmits buf to the node at to, optionally asking for an ACK.
//
// With session mode enabled the payload is only sent after a key has been
// negotiated; a negotiation that times out returns nil and leaves
// StatusTimeout in Status. Broadcast destinations are ignored in session
// mode. The returned error only reports transport failures or ctx expiry.
func (r *Radio) SendContext(ctx context.Context, to uint8, buf []byte, requestAck bool) error {
	if !r.isInitialized() {
		return ErrNotInitialized
	}

	session := r.sessionEnabled.Load()
	if session && to == BroadcastAddress {
		log.Warn().
			Uint8("node", r.Address()).
			Msg("broadcast send refused in session mode")
		return nil
	}

	r.waitCanSend()

	if session {
		return r.sendWithSession(ctx, to, buf, requestAck)
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendPayloadLocked(to, buf, NewControlFlags(false, requestAck, false, false))
}

// sendWithSession runs the sender side of the exchange: reset the key,
// request one, wait up to the watchdog window, then send the tagged payload.
// Exactly one request is sent per call.
func (r *Radio) sendWithSession(ctx context.Context, to uint8, buf []byte, requestAck bool) error {
	exchange := ulid.Make().String()
	wait := r.timing.WaitTime()

	r.mu.Lock()
	r.sessionKey.Store(0)
	r.setStatus(StatusPending)
	select {
	case <-r.keyLearned:
	default:
	}
	// ACK handling belongs to the whole exchange, so the request never asks for one.
	err := r.sendFrameLocked(to, nil, FlagSessionRequested)
	if err == nil {
		err = r.receiveBeginLocked()
	}
	r.mu.Unlock()
	if err != nil {
		return fmt.Errorf("send session request: %w", err)
	}

	log.Debug().
		Str("exchange", exchange).
		Uint8("to", to).
		Dur("wait", wait).
		Msg("session key requested")

	// The window is measured on the transport clock, the same one keys come from.
	start := r.tr.Millis()
	limit := uint32(r.timing.WaitTimeMs())
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	var ctxErr error
waitKey:
	for r.sessionKey.Load() == 0 && r.tr.Millis()-start < limit {
		select {
		case <-r.keyLearned:
		case <-ticker.C:
		case <-ctx.Done():
			ctxErr = ctx.Err()
			break waitKey
		}
	}

	key := r.sessionKey.Load()
	if key == 0 {
		r.setStatus(StatusTimeout)
		r.stats.timeouts.Add(1)
		r.metrics.Load().observeStatus(StatusTimeout)
		log.Debug().
			Str("exchange", exchange).
			Uint8("to", to).
			Msg("no session key before deadline, payload dropped")
		return ctxErr
	}

	log.Debug().
		Str("exchange", exchange).
		Uint8("to", to).
		Uint32("key", key).
		Int("len", len(buf)).
		Msg("sending session payload")

	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sendPayloadLocked(to, buf, NewControlFlags(false, requestAck, false, true))
}

// sendPayloadLocked sends a data frame. When it asks for an ACK the receiver
// is re-armed before the critical section ends, so a fast ACK cannot arrive
// while the radio is still in standby.
func (r *Radio) sendPayloadLocked(to uint8, buf []byte, ctl ControlFlags) error {
	if err := r.sendFrameLocked(to, buf, ctl); err != nil {
		return err
	}
	if ctl.RequestAck() {
		return r.receiveBeginLocked()
	}
	return nil
}

// sendFrameLocked loads and transmits one frame. The response delay is
// inserted between the header and the key bytes of a key reply. Like the
// driver's frame primitive it clears the sender/target of the in-flight
// frame, so callers that reply to it must restore them first.
func (r *Radio) sendFrameLocked(to uint8, buf []byte, ctl ControlFlags) error {
	if err := r.setModeLocked(ModeStandby); err != nil {
		return err
	}

	f := Frame{
		Dest:    to,
		Src:     r.address,
		Control: ctl,
		Payload: buf,
	}
	if ctl.SessionIncluded() {
		f.Key = r.sessionKey.Load()
	}
	raw := f.Marshal(MaxDataLen)

	if err := r.tr.WriteFIFO(raw[:HeaderLength]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	body := raw[HeaderLength:]
	if ctl.SessionIncluded() {
		if ctl.SessionRequested() {
			if us := r.timing.RespDelayUs(); us > 0 {
				r.tr.Delay(time.Duration(us) * time.Microsecond)
			}
		}
		if err := r.tr.WriteFIFO(body[:SessionKeyLength]); err != nil {
			return fmt.Errorf("write session key: %w", err)
		}
		body = body[SessionKeyLength:]
	}
	if len(body) > 0 {
		if err := r.tr.WriteFIFO(body); err != nil {
			return fmt.Errorf("write payload: %w", err)
		}
	}

	if err := r.setModeLocked(ModeTX); err != nil {
		return err
	}
	if !r.tr.WaitPacketSent(TXLimit) {
		log.Warn().
			Uint8("node", r.address).
			Uint8("to", to).
			Msg("packet-sent signal not seen within TX limit")
	}
	r.senderID = 0
	r.targetID = 0

	log.Trace().
		Uint8("node", r.address).
		Uint8("to", to).
		Str("ctl", ctl.String()).
		Int("len", len(raw)).
		Msg("frame sent")

	return r.setModeLocked(ModeStandby)
}

func (r *Radio) setModeLocked(mode Mode) error {
	if r.mode == mode && mode != ModeTX {
		return nil
	}
	if err := r.tr.SetMode(mode); err != nil {
		log.Error().
			Err(err).
			Str("mode", mode.String()).
			Msg("mode switch failed")
		return fmt.Errorf("set mode %s: %w", mode, err)
	}
	r.mode = mode
	return nil
}

// receiveBeginLocked drops the in-flight frame and re-arms reception.
func (r *Radio) receiveBeginLocked() error {
	r.payloadLen = 0
	r.dataLen = 0
	r.senderID = 0
	r.targetID = 0
	r.ackRequested = false
	r.ackReceived = false
	r.rssi = 0
	return r.setModeLocked(ModeRX)
}

// ReceiveDone reports whether a frame is ready for the caller. It re-arms
// the receiver when idle. A true result leaves the radio in standby until
// the next ReceiveDone or Send so Data stays stable.
//
// In session mode the replay filter is applied here: nothing is reported
// while promiscuous reception is on, and a frame whose key differs from the
// held one is dropped as if it never arrived.
func (r *Radio) ReceiveDone() bool {
	session := r.sessionEnabled.Load()

	r.mu.Lock()
	defer r.mu.Unlock()

	if v := filterPromiscuous(session, r.promiscuous); v != VerdictDeliver {
		r.suppress(v)
		return false
	}
	if !r.initialized {
		return false
	}

	if r.mode == ModeRX && r.payloadLen > 0 {
		if v := filterKey(session, r.incomingKey.Load(), r.sessionKey.Load()); v != VerdictDeliver {
			r.suppress(v)
			if err := r.receiveBeginLocked(); err != nil {
				log.Error().Err(err).Msg("re-arm receiver")
			}
			return false
		}
		if err := r.setModeLocked(ModeStandby); err != nil {
			log.Error().Err(err).Msg("leave receive mode")
		}
		return true
	}
	if r.mode == ModeRX {
		return false
	}
	if err := r.receiveBeginLocked(); err != nil {
		log.Error().Err(err).Msg("re-arm receiver")
	}
	return false
}

// waitCanSend gives the channel up to CSMALimit to clear, servicing
// reception meanwhile.
func (r *Radio) waitCanSend() {
	start := r.tr.Millis()
	limit := uint32(CSMALimit / time.Millisecond)
	for !r.tr.CanSend() && r.tr.Millis()-start < limit {
		r.ReceiveDone()
		time.Sleep(pollInterval)
	}
}

func (r *Radio) isInitialized() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.initialized
}

func (r *Radio) setStatus(s SessionStatus) {
	r.status.Store(uint32(s))
}

// Status returns the outcome of the most recent negotiation step.
func (r *Radio) Status() SessionStatus {
	return SessionStatus(r.status.Load())
}

// SessionKey returns the key held for the current exchange, 0 if none.
func (r *Radio) SessionKey() uint32 {
	return r.sessionKey.Load()
}

// IncomingSessionKey returns the key parsed from the last session data frame.
func (r *Radio) IncomingSessionKey() uint32 {
	return r.incomingKey.Load()
}

// Stats returns a snapshot of the session counters.
func (r *Radio) Stats() Stats {
	return r.stats.snapshot()
}

// Data returns a copy of the payload of the last delivered frame.
func (r *Radio) Data() []byte {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]byte, r.dataLen)
	copy(out, r.data[:r.dataLen])
	return out
}

// DataLen returns the payload length of the last received frame. Frames that
// only carried key material, or carried a wrong key, report 0.
func (r *Radio) DataLen() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dataLen
}

// SenderID returns the source address of the last received frame.
func (r *Radio) SenderID() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.senderID
}

// TargetID returns the destination address of the last received frame.
func (r *Radio) TargetID() uint8 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.targetID
}

// RSSI returns the signal strength recorded for the last received frame.
func (r *Radio) RSSI() int16 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.rssi
}

// Promiscuous toggles reception of frames addressed to other nodes.
func (r *Radio) Promiscuous(on bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.promiscuous = on
	log.Info().Uint8("node", r.address).Bool("promiscuous", on).Msg("promiscuous mode set")
}

// UseSessionKey enables or disables session negotiation.
func (r *Radio) UseSessionKey(enabled bool) {
	r.sessionEnabled.Store(enabled)
	log.Info().Bool("enabled", enabled).Msg("session key mode set")
}

// SessionKeyEnabled reports whether session negotiation is on.
func (r *Radio) SessionKeyEnabled() bool {
	return r.sessionEnabled.Load()
}

// UseSession3Acks selects three redundant ACKs instead of one.
func (r *Radio) UseSession3Acks(enabled bool) {
	r.tripleAck.Store(enabled)
	log.Info().Bool("enabled", enabled).Msg("session triple ACK set")
}

// Session3AcksEnabled reports whether three ACKs are sent per acknowledgement.
func (r *Radio) Session3AcksEnabled() bool {
	return r.tripleAck.Load()
}

// SessionWaitTime sets the key-exchange watchdog in milliseconds; 0 restores 40.
func (r *Radio) SessionWaitTime(ms uint16) {
	r.timing.SetWaitTime(ms)
}

// SessionRespDelayTime sets the key-reply delay in microseconds, capped at 500.
func (r *Radio) SessionRespDelayTime(us uint16) {
	r.timing.SetRespDelay(us)
}

// Timing exposes the current timing values.
func (r *Radio) Timing() *Timing {
	return r.timing
}
