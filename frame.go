package sessionkey

import (
	"encoding/binary"
	"errors"
	"fmt"
)

// Frame geometry.
const (
	// HeaderLength is the plain header: length, destination, source, control.
	HeaderLength = 4
	// SessionKeyLength is the size of the key carried after the control byte.
	SessionKeyLength = 4
	// SessionHeaderLength is the header size when a session key is included.
	SessionHeaderLength = HeaderLength + SessionKeyLength
	// MaxDataLen is the payload capacity of a plain frame on the reference radio
	// (66 byte FIFO minus the 4 byte header and one spare byte).
	MaxDataLen = 61
	// SessionMaxDataLen is the payload capacity once a key is carried.
	SessionMaxDataLen = MaxDataLen - SessionKeyLength
	// BroadcastAddress is the destination every node accepts.
	BroadcastAddress uint8 = 255
)

var (
	// ErrFrameTooShort is returned when the buffer cannot hold the declared header.
	ErrFrameTooShort = errors.New("frame too short")
	// ErrFrameTruncated is returned when the length byte claims more bytes than were received.
	ErrFrameTruncated = errors.New("frame truncated")
)

// Frame is one radio frame as seen by the session layer.
//
// Wire layout:
//
//	length(1) | dest(1) | src(1) | control(1) | [key(4), big-endian] | payload
//
// where length = len(payload) + headerLength - 1 and headerLength is 8 when
// FlagSessionIncluded is set, 4 otherwise.
type Frame struct {
	Dest    uint8
	Src     uint8
	Control ControlFlags
	Key     uint32 // valid only when Control has FlagSessionIncluded
	Payload []byte
}

// HeaderLen returns the header size for this frame's variant.
func (f *Frame) HeaderLen() int {
	return headerLenFor(f.Control)
}

func headerLenFor(ctl ControlFlags) int {
	if ctl.SessionIncluded() {
		return SessionHeaderLength
	}
	return HeaderLength
}

// MaxPayload returns how many payload bytes fit in a frame of this variant
// when the transport carries at most transportMax payload bytes.
func (f *Frame) MaxPayload(transportMax int) int {
	if f.Control.SessionIncluded() {
		return transportMax - SessionKeyLength
	}
	return transportMax
}

// Marshal serializes the frame. Payloads larger than the variant's capacity
// are truncated, never padded.
func (f *Frame) Marshal(transportMax int) []byte {
	payload := f.Payload
	if limit := f.MaxPayload(transportMax); len(payload) > limit {
		if limit < 0 {
			limit = 0
		}
		payload = payload[:limit]
	}

	hdr := f.HeaderLen()
	buf := make([]byte, 0, hdr+len(payload))
	buf = append(buf, byte(len(payload)+hdr-1), f.Dest, f.Src, byte(f.Control))
	if f.Control.SessionIncluded() {
		var key [SessionKeyLength]byte
		binary.BigEndian.PutUint32(key[:], f.Key)
		buf = append(buf, key[:]...)
	}
	return append(buf, payload...)
}

// Unmarshal parses a raw frame, length byte included. The payload slice
// aliases data.
func (f *Frame) Unmarshal(data []byte) error {
	if len(data) < HeaderLength {
		return fmt.Errorf("%w: got %d bytes, need at least %d", ErrFrameTooShort, len(data), HeaderLength)
	}
	declared := int(data[0])
	if declared < HeaderLength-1 {
		return fmt.Errorf("%w: length byte %d below header size", ErrFrameTooShort, declared)
	}
	if len(data) < declared+1 {
		return fmt.Errorf("%w: length byte %d, got %d bytes", ErrFrameTruncated, declared, len(data)-1)
	}

	f.Dest = data[1]
	f.Src = data[2]
	f.Control = ControlFlags(data[3])
	f.Key = 0

	hdr := headerLenFor(f.Control)
	if declared < hdr-1 {
		return fmt.Errorf("%w: session frame with length byte %d", ErrFrameTooShort, declared)
	}
	if f.Control.SessionIncluded() {
		f.Key = binary.BigEndian.Uint32(data[HeaderLength:SessionHeaderLength])
	}
	f.Payload = data[hdr : declared+1]
	return nil
}
