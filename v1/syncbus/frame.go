package syncbus

import (
	"encoding/binary"
	"errors"
)

// FrameMagic prefixes every frame written by a transport.
const FrameMagic byte = 'K'

// FrameType identifies the body of a frame.
type FrameType byte

const (
	FrameUpdate    FrameType = 0x01
	FrameHeartbeat FrameType = 0x02
	FrameBatch     FrameType = 0x03
)

const frameHeaderLen = 18

var (
	ErrInvalidMagic = errors.New("syncbus: invalid magic byte")
	ErrShortBuffer  = errors.New("syncbus: buffer too short")
	ErrUnknownFrame = errors.New("syncbus: unknown frame type")
)

// Frame is the unit exchanged by broker and UDP transports:
//
//	[magic][type][16 byte node id][body]
//
// An update body is the raw payload, a heartbeat body is the sender's
// advertised address and a batch body is a uint16 count followed by
// uint16 length-prefixed payloads.
type Frame struct {
	Type     FrameType
	NodeID   [16]byte
	Payloads [][]byte
	Address  string
}

// Size returns the encoded length of f.
func (f *Frame) Size() int {
	switch f.Type {
	case FrameUpdate:
		if len(f.Payloads) == 0 {
			return frameHeaderLen
		}
		return frameHeaderLen + len(f.Payloads[0])
	case FrameHeartbeat:
		return frameHeaderLen + len(f.Address)
	case FrameBatch:
		n := frameHeaderLen + 2
		for _, p := range f.Payloads {
			n += 2 + len(p)
		}
		return n
	}
	return frameHeaderLen
}

// AppendBinary appends the encoding of f to b.
func (f *Frame) AppendBinary(b []byte) ([]byte, error) {
	b = append(b, FrameMagic, byte(f.Type))
	b = append(b, f.NodeID[:]...)
	switch f.Type {
	case FrameUpdate:
		if len(f.Payloads) != 1 {
			return nil, errors.New("syncbus: update frame needs exactly one payload")
		}
		b = append(b, f.Payloads[0]...)
	case FrameHeartbeat:
		b = append(b, f.Address...)
	case FrameBatch:
		if len(f.Payloads) > 0xffff {
			return nil, ErrPayloadTooLarge
		}
		b = binary.BigEndian.AppendUint16(b, uint16(len(f.Payloads)))
		for _, p := range f.Payloads {
			if len(p) > 0xffff {
				return nil, ErrPayloadTooLarge
			}
			b = binary.BigEndian.AppendUint16(b, uint16(len(p)))
			b = append(b, p...)
		}
	default:
		return nil, ErrUnknownFrame
	}
	return b, nil
}

// MarshalBinary implements encoding.BinaryMarshaler.
func (f *Frame) MarshalBinary() ([]byte, error) {
	return f.AppendBinary(make([]byte, 0, f.Size()))
}

// UnmarshalBinary implements encoding.BinaryUnmarshaler. Payloads are copied
// out of b.
func (f *Frame) UnmarshalBinary(b []byte) error {
	if len(b) < frameHeaderLen {
		return ErrShortBuffer
	}
	if b[0] != FrameMagic {
		return ErrInvalidMagic
	}
	f.Type = FrameType(b[1])
	copy(f.NodeID[:], b[2:frameHeaderLen])
	body := b[frameHeaderLen:]
	f.Payloads = nil
	f.Address = ""

	switch f.Type {
	case FrameUpdate:
		f.Payloads = [][]byte{append([]byte(nil), body...)}
	case FrameHeartbeat:
		f.Address = string(body)
	case FrameBatch:
		if len(body) < 2 {
			return ErrShortBuffer
		}
		count := int(binary.BigEndian.Uint16(body))
		f.Payloads = make([][]byte, 0, count)
		curr := 2
		for i := 0; i < count; i++ {
			if len(body) < curr+2 {
				return ErrShortBuffer
			}
			n := int(binary.BigEndian.Uint16(body[curr:]))
			if len(body) < curr+2+n {
				return ErrShortBuffer
			}
			f.Payloads = append(f.Payloads, append([]byte(nil), body[curr+2:curr+2+n]...))
			curr += 2 + n
		}
	default:
		return ErrUnknownFrame
	}
	return nil
}
