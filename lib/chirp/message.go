package chirp

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// Magic is the fixed 6-byte marker (5 ASCII characters plus a version byte)
// that opens every CHIRP datagram. Peers that disagree on this value do not
// speak the same protocol version and silently ignore each other.
var Magic = [6]byte{'C', 'H', 'I', 'R', 'P', 0x01}

// MessageSize is the fixed length, in bytes, of an assembled CHIRP
// datagram. Parse rejects any input of a different length outright.
const MessageSize = 42

// MessageType is the closed enumeration of CHIRP datagram kinds.
type MessageType byte

const (
	Request MessageType = 1
	Offer   MessageType = 2
	Leaving MessageType = 3
)

func (t MessageType) valid() bool {
	switch t {
	case Request, Offer, Leaving:
		return true
	default:
		return false
	}
}

func (t MessageType) String() string {
	switch t {
	case Request:
		return "REQUEST"
	case Offer:
		return "OFFER"
	case Leaving:
		return "LEAVING"
	default:
		return fmt.Sprintf("MessageType(%d)", byte(t))
	}
}

// ServiceIdentifier is the closed enumeration of service kinds a peer can
// register or discover. The set is a protocol-wide constant, not an
// extension point: a decoder that saw an unknown tag would have no way to
// know what it meant, so Parse rejects it rather than passing it through.
type ServiceIdentifier byte

const (
	Control    ServiceIdentifier = 1
	Heartbeat  ServiceIdentifier = 2
	Monitoring ServiceIdentifier = 3
	Data       ServiceIdentifier = 4
)

func (id ServiceIdentifier) valid() bool {
	switch id {
	case Control, Heartbeat, Monitoring, Data:
		return true
	default:
		return false
	}
}

func (id ServiceIdentifier) String() string {
	switch id {
	case Control:
		return "CONTROL"
	case Heartbeat:
		return "HEARTBEAT"
	case Monitoring:
		return "MONITORING"
	case Data:
		return "DATA"
	default:
		return fmt.Sprintf("ServiceIdentifier(%d)", byte(id))
	}
}

// Message is the decoded form of a CHIRP datagram. It carries no address
// information of its own; the Manager attaches the sender's address when
// it turns a received Message into a DiscoveredService.
type Message struct {
	Type       MessageType
	GroupHash  Hash
	NameHash   Hash
	Identifier ServiceIdentifier
	Port       uint16
}

// DecodeError is returned by Parse for any datagram that is not a
// well-formed CHIRP message: wrong length, bad magic, or an enum byte
// outside its defined set. The receive loop is expected to log and
// continue, never treating a DecodeError as fatal.
type DecodeError struct {
	Reason string
}

func (e *DecodeError) Error() string {
	return "chirp: decode: " + e.Reason
}

const (
	offMagic      = 0
	offType       = 6
	offGroupHash  = 7
	offNameHash   = 23
	offIdentifier = 39
	offPort       = 40
)

// Assemble encodes m into a 42-byte CHIRP datagram.
func Assemble(m Message) []byte {
	buf := make([]byte, MessageSize)
	copy(buf[offMagic:], Magic[:])
	buf[offType] = byte(m.Type)
	copy(buf[offGroupHash:], m.GroupHash[:])
	copy(buf[offNameHash:], m.NameHash[:])
	buf[offIdentifier] = byte(m.Identifier)
	binary.BigEndian.PutUint16(buf[offPort:], m.Port)
	return buf
}

// Parse decodes buf into a Message, or returns a *DecodeError if buf is not
// a well-formed CHIRP datagram of the expected length, magic, message
// type, and service identifier. Parse never normalizes an unknown value;
// it rejects the whole datagram instead.
func Parse(buf []byte) (Message, error) {
	if len(buf) != MessageSize {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("length %d, want %d", len(buf), MessageSize)}
	}
	if !bytes.Equal(buf[offMagic:offMagic+len(Magic)], Magic[:]) {
		return Message{}, &DecodeError{Reason: "bad magic"}
	}

	typ := MessageType(buf[offType])
	if !typ.valid() {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown message type %d", buf[offType])}
	}

	id := ServiceIdentifier(buf[offIdentifier])
	if !id.valid() {
		return Message{}, &DecodeError{Reason: fmt.Sprintf("unknown service identifier %d", buf[offIdentifier])}
	}

	var m Message
	m.Type = typ
	copy(m.GroupHash[:], buf[offGroupHash:offGroupHash+len(m.GroupHash)])
	copy(m.NameHash[:], buf[offNameHash:offNameHash+len(m.NameHash)])
	m.Identifier = id
	m.Port = binary.BigEndian.Uint16(buf[offPort:])
	return m, nil
}
