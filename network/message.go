package network

import (
	"encoding/binary"
	"fmt"
)

// MessageType defines the type of network message
type MessageType uint32

const (
	MessageTypeRequest MessageType = 1
	MessageTypeOneway  MessageType = 2
	MessageTypeReply   MessageType = 3

	// MessageTypeClose tells the peer that the connection is closing
	// gracefully; requests it has not answered were not dispatched
	MessageTypeClose MessageType = 4
)

// String returns the string representation of MessageType
func (mt MessageType) String() string {
	switch mt {
	case MessageTypeRequest:
		return "request"
	case MessageTypeOneway:
		return "oneway"
	case MessageTypeReply:
		return "reply"
	case MessageTypeClose:
		return "close"
	default:
		return fmt.Sprintf("unknown(%d)", mt)
	}
}

// Message is one frame on a stream connection
type Message struct {
	Type     MessageType
	Sequence uint32
	Data     []byte
}

// Constants for message serialization
const (
	// magic marks the start of every frame
	magic uint32 = 0x4f524231 // "ORB1"

	// MessageHeaderSize is the fixed size of the message header in bytes
	MessageHeaderSize = 16

	// MaxMessageSize is the default maximum frame payload
	MaxMessageSize = 16 * 1024 * 1024
)

// encodeMessage encodes msg with its header
func encodeMessage(msg *Message, maxSize int) ([]byte, error) {
	dataLen := len(msg.Data)
	if dataLen > maxSize {
		return nil, fmt.Errorf("message data too large: %d bytes (max %d)", dataLen, maxSize)
	}

	buf := make([]byte, MessageHeaderSize+dataLen)
	binary.BigEndian.PutUint32(buf[0:4], magic)
	binary.BigEndian.PutUint32(buf[4:8], uint32(msg.Type))
	binary.BigEndian.PutUint32(buf[8:12], msg.Sequence)
	binary.BigEndian.PutUint32(buf[12:16], uint32(dataLen))
	copy(buf[MessageHeaderSize:], msg.Data)
	return buf, nil
}

// decodeHeader decodes a header and returns the payload length
func decodeHeader(header []byte, maxSize int) (*Message, int, error) {
	if len(header) < MessageHeaderSize {
		return nil, 0, fmt.Errorf("data too short for message header: %d bytes", len(header))
	}
	if got := binary.BigEndian.Uint32(header[0:4]); got != magic {
		return nil, 0, fmt.Errorf("bad frame magic %#x", got)
	}

	msg := &Message{
		Type:     MessageType(binary.BigEndian.Uint32(header[4:8])),
		Sequence: binary.BigEndian.Uint32(header[8:12]),
	}
	dataLen := int(binary.BigEndian.Uint32(header[12:16]))
	if dataLen > maxSize {
		return nil, 0, fmt.Errorf("message data too large: %d bytes (max %d)", dataLen, maxSize)
	}
	return msg, dataLen, nil
}
