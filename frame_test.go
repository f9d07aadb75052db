package sessionkey

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// TestFrameMarshal verifies the wire layout of both header variants.
func TestFrameMarshal(t *testing.T) {
	tests := []struct {
		name  string
		frame Frame
		want  []byte
	}{
		{
			name:  "plain frame",
			frame: Frame{Dest: 2, Src: 1, Control: FlagRequestAck, Payload: []byte("hi")},
			want:  []byte{2 + 3, 2, 1, 0x40, 'h', 'i'},
		},
		{
			name:  "key request carries no key bytes",
			frame: Frame{Dest: 2, Src: 1, Control: FlagSessionRequested},
			want:  []byte{3, 2, 1, 0x20},
		},
		{
			name:  "key reply",
			frame: Frame{Dest: 1, Src: 2, Control: FlagSessionRequested | FlagSessionIncluded, Key: 0x01020304},
			want:  []byte{7, 1, 2, 0x30, 1, 2, 3, 4},
		},
		{
			name:  "session data",
			frame: Frame{Dest: 2, Src: 1, Control: FlagSessionIncluded, Key: 0xDEADBEEF, Payload: []byte{9, 8, 7}},
			want:  []byte{3 + 7, 2, 1, 0x10, 0xDE, 0xAD, 0xBE, 0xEF, 9, 8, 7},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.frame.Marshal(MaxDataLen))
		})
	}
}

// TestFrameMarshalTruncates checks payloads are cut to the variant capacity.
func TestFrameMarshalTruncates(t *testing.T) {
	big := bytes.Repeat([]byte{0xAA}, 100)

	plain := Frame{Dest: 2, Src: 1, Payload: big}
	raw := plain.Marshal(MaxDataLen)
	assert.Len(t, raw, HeaderLength+MaxDataLen)
	assert.Equal(t, byte(MaxDataLen+HeaderLength-1), raw[0])

	session := Frame{Dest: 2, Src: 1, Control: FlagSessionIncluded, Key: 7, Payload: big}
	raw = session.Marshal(MaxDataLen)
	assert.Len(t, raw, SessionHeaderLength+SessionMaxDataLen)
	assert.Equal(t, byte(SessionMaxDataLen+SessionHeaderLength-1), raw[0])

	short := Frame{Dest: 2, Src: 1, Control: FlagSessionIncluded, Payload: []byte{1, 2}}
	assert.Len(t, short.Marshal(MaxDataLen), SessionHeaderLength+2, "short payloads are never padded")
}

func TestFrameUnmarshal(t *testing.T) {
	// length 9 = 2 payload bytes + 7; the trailing 0xFF lies beyond it and is ignored
	raw := []byte{9, 2, 1, 0x10, 0x12, 0x34, 0x56, 0x78, 'o', 'k', 0xFF}

	var f Frame
	require.NoError(t, f.Unmarshal(raw))
	assert.Equal(t, uint8(2), f.Dest)
	assert.Equal(t, uint8(1), f.Src)
	assert.True(t, f.Control.SessionIncluded())
	assert.Equal(t, uint32(0x12345678), f.Key)
	assert.Equal(t, []byte("ok"), f.Payload)
}

func TestFrameUnmarshalBigEndianKey(t *testing.T) {
	raw := rawFrame(1, 2, FlagSessionIncluded, 0xA1B2C3D4, nil)
	assert.Equal(t, uint32(0xA1B2C3D4), binary.BigEndian.Uint32(raw[4:8]))

	var f Frame
	require.NoError(t, f.Unmarshal(raw))
	assert.Equal(t, uint32(0xA1B2C3D4), f.Key)
	assert.Empty(t, f.Payload)
}

func TestFrameUnmarshalErrors(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want error
	}{
		{"empty", nil, ErrFrameTooShort},
		{"partial header", []byte{3, 1, 2}, ErrFrameTooShort},
		{"length below header", []byte{2, 1, 2, 0}, ErrFrameTooShort},
		{"declared longer than received", []byte{10, 1, 2, 0, 'a'}, ErrFrameTruncated},
		{"session flag without key bytes", []byte{3, 1, 2, byte(FlagSessionIncluded)}, ErrFrameTooShort},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f Frame
			assert.ErrorIs(t, f.Unmarshal(tt.data), tt.want)
		})
	}
}

// TestFrameReservedBitsPreserved makes sure bits this layer does not use
// pass through untouched.
func TestFrameReservedBitsPreserved(t *testing.T) {
	ctl := FlagRequestAck | ControlFlags(0x05)
	var f Frame
	require.NoError(t, f.Unmarshal(rawFrame(1, 2, ctl, 0, []byte{1})))
	assert.Equal(t, ctl, f.Control)
	assert.False(t, f.Control.SessionIncluded())
}
