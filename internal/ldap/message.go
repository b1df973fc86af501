package ldap

import (
	"errors"
	"fmt"
	"io"

	ber "github.com/go-asn1-ber/asn1-ber"
)

// DefaultMaxMessageSize bounds a single LDAPMessage on the wire. Frames
// declaring a larger length are rejected before the body is read.
const DefaultMaxMessageSize = 1 << 24 // 16 MiB

// MaxMessageID is the largest valid messageID, RFC 4511 section 4.1.1.1.
const MaxMessageID = 2147483647

var (
	// ErrIndefiniteLength reports BER indefinite-length framing, which the
	// protocol forbids for LDAPMessage.
	ErrIndefiniteLength = errors.New("indefinite length encoding not allowed")

	// ErrMessageTooLarge reports a frame above the configured maximum.
	ErrMessageTooLarge = errors.New("message exceeds maximum size")

	// ErrMalformedEnvelope reports an LDAPMessage that does not match
	// SEQUENCE { messageID, protocolOp, controls OPTIONAL }.
	ErrMalformedEnvelope = errors.New("malformed ldap message envelope")
)

// Message is a decoded LDAPMessage envelope. Op is the protocolOp packet
// with its application tag, ready for per-operation decoding.
type Message struct {
	ID       int64
	Tag      int
	Op       *ber.Packet
	Controls *ber.Packet
}

// ReadMessage reads exactly one BER frame from r and parses the envelope.
// The outer header is consumed byte by byte so oversized and
// indefinite-length frames are rejected before their body is buffered.
func ReadMessage(r io.Reader, maxSize int) (*Message, error) {
	if maxSize <= 0 {
		maxSize = DefaultMaxMessageSize
	}

	header := make([]byte, 2)
	if _, err := io.ReadFull(r, header); err != nil {
		return nil, err
	}
	if header[0] != 0x30 {
		return nil, ErrMalformedEnvelope
	}

	length := int(header[1])
	if length == 0x80 {
		return nil, ErrIndefiniteLength
	}
	if length > 0x80 {
		numBytes := length & 0x7f
		if numBytes > 4 {
			return nil, ErrMessageTooLarge
		}
		lenBytes := make([]byte, numBytes)
		if _, err := io.ReadFull(r, lenBytes); err != nil {
			return nil, err
		}
		header = append(header, lenBytes...)
		length = 0
		for _, b := range lenBytes {
			length = length<<8 | int(b)
		}
	}
	if length > maxSize {
		return nil, ErrMessageTooLarge
	}

	frame := make([]byte, len(header)+length)
	copy(frame, header)
	if _, err := io.ReadFull(r, frame[len(header):]); err != nil {
		return nil, err
	}

	packet, err := ber.DecodePacketErr(frame)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedEnvelope, err)
	}
	return ParseMessage(packet)
}

// ParseMessage validates the decoded envelope and extracts its parts.
func ParseMessage(packet *ber.Packet) (*Message, error) {
	if packet.ClassType != ber.ClassUniversal || packet.Tag != ber.TagSequence ||
		len(packet.Children) < 2 {
		return nil, ErrMalformedEnvelope
	}

	id, ok := messageID(packet.Children[0])
	if !ok || id < 0 || id > MaxMessageID {
		return nil, ErrMalformedEnvelope
	}

	op := packet.Children[1]
	if op.ClassType != ber.ClassApplication {
		return nil, ErrMalformedEnvelope
	}

	msg := &Message{
		ID:  id,
		Tag: int(op.Tag),
		Op:  op,
	}
	if len(packet.Children) > 2 {
		controls := packet.Children[2]
		if controls.ClassType == ber.ClassContext && controls.Tag == 0 {
			msg.Controls = controls
		}
	}
	return msg, nil
}

func messageID(p *ber.Packet) (int64, bool) {
	if p.ClassType != ber.ClassUniversal || p.Tag != ber.TagInteger {
		return 0, false
	}
	switch v := p.Value.(type) {
	case int64:
		return v, true
	case int:
		return int64(v), true
	case uint64:
		return int64(v), true
	default:
		return 0, false
	}
}

// Envelope wraps a protocolOp packet into an LDAPMessage for the given id.
func Envelope(messageID int64, op *ber.Packet) *ber.Packet {
	packet := ber.Encode(ber.ClassUniversal, ber.TypeConstructed, ber.TagSequence, nil, "LDAP Response")
	packet.AppendChild(ber.NewInteger(ber.ClassUniversal, ber.TypePrimitive, ber.TagInteger, messageID, "MessageID"))
	packet.AppendChild(op)
	return packet
}
