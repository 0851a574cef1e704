package wire

import (
	"encoding/binary"
	"fmt"
	"io"

	"google.golang.org/protobuf/encoding/protowire"
)

// Envelope field numbers. The envelope is identical on every socket:
// parent, child, module channel, and local connector.
const (
	fieldType     = 1
	fieldFlags    = 2
	fieldUserID   = 3
	fieldRoleMask = 4
	fieldMatchtag = 5
	fieldNodeID   = 6
	fieldSequence = 7
	fieldTopic    = 8
	fieldPayload  = 9
	fieldRoute    = 10
)

// MaxFrameSize bounds a single framed message on a socket. Oversized
// frames indicate a corrupt stream and fail the connection.
const MaxFrameSize = 16 << 20

// Encode serializes the message envelope to protobuf wire format.
func Encode(m *Message) []byte {
	buf := make([]byte, 0, 64+len(m.Topic)+len(m.Payload))
	buf = protowire.AppendTag(buf, fieldType, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.Type))
	if m.Flags != 0 {
		buf = protowire.AppendTag(buf, fieldFlags, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Flags))
	}
	buf = protowire.AppendTag(buf, fieldUserID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.UserID))
	buf = protowire.AppendTag(buf, fieldRoleMask, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.RoleMask))
	if m.Matchtag != 0 {
		buf = protowire.AppendTag(buf, fieldMatchtag, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Matchtag))
	}
	buf = protowire.AppendTag(buf, fieldNodeID, protowire.VarintType)
	buf = protowire.AppendVarint(buf, uint64(m.NodeID))
	if m.Sequence != 0 {
		buf = protowire.AppendTag(buf, fieldSequence, protowire.VarintType)
		buf = protowire.AppendVarint(buf, uint64(m.Sequence))
	}
	if m.Topic != "" {
		buf = protowire.AppendTag(buf, fieldTopic, protowire.BytesType)
		buf = protowire.AppendString(buf, m.Topic)
	}
	if len(m.Payload) > 0 {
		buf = protowire.AppendTag(buf, fieldPayload, protowire.BytesType)
		buf = protowire.AppendBytes(buf, m.Payload)
	}
	for _, r := range m.Routes {
		buf = protowire.AppendTag(buf, fieldRoute, protowire.BytesType)
		buf = protowire.AppendString(buf, r)
	}
	return buf
}

// Decode parses a protobuf wire format envelope.
func Decode(buf []byte) (*Message, error) {
	m := &Message{UserID: UserIDUnknown}
	sawType := false
	for len(buf) > 0 {
		num, typ, n := protowire.ConsumeTag(buf)
		if n < 0 {
			return nil, Errorf(ErrMalformed, "envelope: bad field tag")
		}
		buf = buf[n:]
		switch typ {
		case protowire.VarintType:
			v, n := protowire.ConsumeVarint(buf)
			if n < 0 {
				return nil, Errorf(ErrMalformed, "envelope: bad varint field %d", num)
			}
			buf = buf[n:]
			switch num {
			case fieldType:
				m.Type = Type(v)
				sawType = true
			case fieldFlags:
				m.Flags = Flags(v)
			case fieldUserID:
				m.UserID = uint32(v)
			case fieldRoleMask:
				m.RoleMask = Role(v)
			case fieldMatchtag:
				m.Matchtag = uint32(v)
			case fieldNodeID:
				m.NodeID = uint32(v)
			case fieldSequence:
				m.Sequence = uint32(v)
			}
		case protowire.BytesType:
			v, n := protowire.ConsumeBytes(buf)
			if n < 0 {
				return nil, Errorf(ErrMalformed, "envelope: bad bytes field %d", num)
			}
			buf = buf[n:]
			switch num {
			case fieldTopic:
				m.Topic = string(v)
			case fieldPayload:
				m.Payload = append([]byte(nil), v...)
			case fieldRoute:
				m.Routes = append(m.Routes, string(v))
			}
		default:
			n := protowire.ConsumeFieldValue(num, typ, buf)
			if n < 0 {
				return nil, Errorf(ErrMalformed, "envelope: bad field %d", num)
			}
			buf = buf[n:]
		}
	}
	if !sawType {
		return nil, Errorf(ErrMalformed, "envelope: missing message type")
	}
	switch m.Type {
	case TypeRequest, TypeResponse, TypeEvent, TypeKeepalive:
	default:
		return nil, Errorf(ErrMalformed, "envelope: unknown message type %d", m.Type)
	}
	return m, nil
}

// WriteFrame writes one length-prefixed message to w.
func WriteFrame(w io.Writer, m *Message) error {
	body := Encode(m)
	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(body)))
	if _, err := w.Write(hdr[:]); err != nil {
		return fmt.Errorf("writing frame header: %w", err)
	}
	if _, err := w.Write(body); err != nil {
		return fmt.Errorf("writing frame body: %w", err)
	}
	return nil
}

// ReadFrame reads one length-prefixed message from r.
func ReadFrame(r io.Reader) (*Message, error) {
	var hdr [4]byte
	if _, err := io.ReadFull(r, hdr[:]); err != nil {
		return nil, err
	}
	size := binary.BigEndian.Uint32(hdr[:])
	if size > MaxFrameSize {
		return nil, Errorf(ErrTransport, "frame of %d bytes exceeds limit", size)
	}
	body := make([]byte, size)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, fmt.Errorf("reading frame body: %w", err)
	}
	return Decode(body)
}
