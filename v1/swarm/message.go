package swarm

import (
	"fmt"
	"unicode/utf8"

	"google.golang.org/protobuf/encoding/protowire"

	kerrors "github.com/mirkobrombin/go-kustodio/v1/errors"
	"github.com/mirkobrombin/go-kustodio/v1/handler"
)

// Field numbers of the dissemination schema:
//
//	message SwarmMessage { oneof payload { LockMessage lock_message = 1; } }
//	message LockMessage  { string name = 1; Action action = 2; string message_id = 3; }
const (
	fieldLockMessage protowire.Number = 1

	fieldName      protowire.Number = 1
	fieldAction    protowire.Number = 2
	fieldMessageID protowire.Number = 3
)

// Message is a replicated lock action.
type Message struct {
	Name      string
	Action    handler.Action
	MessageID string
}

// Marshal encodes m as a SwarmMessage carrying a LockMessage. Zero valued
// fields are omitted as proto3 does.
func (m Message) Marshal() []byte {
	var inner []byte
	if m.Name != "" {
		inner = protowire.AppendTag(inner, fieldName, protowire.BytesType)
		inner = protowire.AppendString(inner, m.Name)
	}
	if m.Action != 0 {
		inner = protowire.AppendTag(inner, fieldAction, protowire.VarintType)
		inner = protowire.AppendVarint(inner, uint64(int64(m.Action)))
	}
	if m.MessageID != "" {
		inner = protowire.AppendTag(inner, fieldMessageID, protowire.BytesType)
		inner = protowire.AppendString(inner, m.MessageID)
	}
	out := make([]byte, 0, len(inner)+protowire.SizeTag(fieldLockMessage)+protowire.SizeVarint(uint64(len(inner))))
	out = protowire.AppendTag(out, fieldLockMessage, protowire.BytesType)
	return protowire.AppendBytes(out, inner)
}

// Unmarshal decodes a SwarmMessage. Unknown fields are skipped. A message
// without a lock payload is malformed. Actions outside the known range are
// decoded as is and left to the caller to reject.
func Unmarshal(b []byte) (Message, error) {
	var (
		m     Message
		found bool
	)
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		if num == fieldLockMessage && typ == protowire.BytesType {
			inner, n := protowire.ConsumeBytes(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			// The last occurrence of a oneof member wins.
			lm, err := unmarshalLock(inner)
			if err != nil {
				return Message{}, err
			}
			m, found = lm, true
			b = b[n:]
			continue
		}
		n = protowire.ConsumeFieldValue(num, typ, b)
		if n < 0 {
			return Message{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
	}
	if !found {
		return Message{}, fmt.Errorf("%w: no lock message", kerrors.ErrMalformed)
	}
	return m, nil
}

func unmarshalLock(b []byte) (Message, error) {
	var m Message
	for len(b) > 0 {
		num, typ, n := protowire.ConsumeTag(b)
		if n < 0 {
			return Message{}, malformed(protowire.ParseError(n))
		}
		b = b[n:]
		switch {
		case num == fieldName && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			if !utf8.ValidString(v) {
				return Message{}, fmt.Errorf("%w: name is not valid UTF-8", kerrors.ErrMalformed)
			}
			m.Name = v
			b = b[n:]
		case num == fieldAction && typ == protowire.VarintType:
			v, n := protowire.ConsumeVarint(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			m.Action = handler.Action(int32(v))
			b = b[n:]
		case num == fieldMessageID && typ == protowire.BytesType:
			v, n := protowire.ConsumeString(b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			if !utf8.ValidString(v) {
				return Message{}, fmt.Errorf("%w: message id is not valid UTF-8", kerrors.ErrMalformed)
			}
			m.MessageID = v
			b = b[n:]
		default:
			n := protowire.ConsumeFieldValue(num, typ, b)
			if n < 0 {
				return Message{}, malformed(protowire.ParseError(n))
			}
			b = b[n:]
		}
	}
	return m, nil
}

func malformed(err error) error {
	return fmt.Errorf("%w: %v", kerrors.ErrMalformed, err)
}
