package chanwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
)

// MessageType is the unique 2 byte big-endian integer that indicates the type
// of message on the wire. All messages have a very simple header which
// consists simply of 2-byte message type. We omit a length field, and
// checksum as the channel protocol is intended to be encapsulated within a
// reliable, record-oriented transport.
type MessageType uint16

// The currently defined message types within this version of the channel
// protocol.
const (
	MsgClientVersion   MessageType = 1
	MsgServerVersion               = 2
	MsgInitiate                    = 3
	MsgProvideRefund               = 4
	MsgReturnRefund                = 5
	MsgProvideContract             = 6
	MsgChannelOpen                 = 7
	MsgUpdatePayment               = 8
	MsgCloseChannel                = 9
	MsgError                       = 10
	MsgPaymentAck                  = 11
)

// ErrorEncodeMessage is used when failed to encode the message payload.
func ErrorEncodeMessage(err error) error {
	return fmt.Errorf("failed to encode message to buffer, got %w", err)
}

// ErrorWriteMessageType is used when failed to write the message type.
func ErrorWriteMessageType(err error) error {
	return fmt.Errorf("failed to write message type, got %w", err)
}

// ErrorPayloadTooLarge is used when the payload size exceeds the
// MaxMsgBody.
func ErrorPayloadTooLarge(size int) error {
	return fmt.Errorf(
		"message payload is too large - encoded %d bytes, "+
			"but maximum message payload is %d bytes",
		size, MaxMsgBody,
	)
}

// String return the string representation of message type.
func (t MessageType) String() string {
	switch t {
	case MsgClientVersion:
		return "ClientVersion"
	case MsgServerVersion:
		return "ServerVersion"
	case MsgInitiate:
		return "Initiate"
	case MsgProvideRefund:
		return "ProvideRefund"
	case MsgReturnRefund:
		return "ReturnRefund"
	case MsgProvideContract:
		return "ProvideContract"
	case MsgChannelOpen:
		return "ChannelOpen"
	case MsgUpdatePayment:
		return "UpdatePayment"
	case MsgCloseChannel:
		return "CloseChannel"
	case MsgError:
		return "Error"
	case MsgPaymentAck:
		return "PaymentAck"
	default:
		return "<unknown>"
	}
}

// UnknownMessage is an implementation of the error interface that allows the
// creation of an error in response to an unknown message.
type UnknownMessage struct {
	messageType MessageType
}

// Error returns a human readable string describing the error.
//
// This is part of the error interface.
func (u *UnknownMessage) Error() string {
	return fmt.Sprintf("unable to parse message of unknown type: %v",
		u.messageType)
}

// Serializable is an interface which defines a channel protocol serializable
// object.
type Serializable interface {
	// Decode reads the bytes stream and converts it to the object.
	Decode(io.Reader, uint32) error

	// Encode converts object to the bytes stream and write it into the
	// write buffer.
	Encode(*bytes.Buffer, uint32) error
}

// Message is an interface that defines a channel protocol message. The
// interface is general in order to allow implementing types full control over
// the representation of its data.
type Message interface {
	Serializable
	MsgType() MessageType
}

// makeEmptyMessage creates a new empty message of the proper concrete type
// based on the passed message type.
func makeEmptyMessage(msgType MessageType) (Message, error) {
	var msg Message

	switch msgType {
	case MsgClientVersion:
		msg = &ClientVersion{}
	case MsgServerVersion:
		msg = &ServerVersion{}
	case MsgInitiate:
		msg = &Initiate{}
	case MsgProvideRefund:
		msg = &ProvideRefund{}
	case MsgReturnRefund:
		msg = &ReturnRefund{}
	case MsgProvideContract:
		msg = &ProvideContract{}
	case MsgChannelOpen:
		msg = &ChannelOpen{}
	case MsgUpdatePayment:
		msg = &UpdatePayment{}
	case MsgCloseChannel:
		msg = &CloseChannel{}
	case MsgError:
		msg = &Error{}
	case MsgPaymentAck:
		msg = &PaymentAck{}
	default:
		return nil, &UnknownMessage{msgType}
	}

	return msg, nil
}

// WriteMessage writes a channel protocol Message to a buffer including the
// necessary header information and returns the number of bytes written. If
// any error is encountered, the buffer passed will be reset to its original
// state since we don't want any broken bytes left. In other words, no bytes
// will be written if there's an error. Either all or none of the message
// bytes will be written to the buffer.
//
// NOTE: this method is not concurrent safe.
func WriteMessage(buf *bytes.Buffer, msg Message, pver uint32) (int, error) {
	// Record the size of the bytes already written in buffer.
	oldByteSize := buf.Len()

	// cleanBrokenBytes is a helper closure that helps reset the buffer to
	// its original state. It truncates all the bytes written in current
	// scope.
	var cleanBrokenBytes = func(b *bytes.Buffer) int {
		b.Truncate(oldByteSize)
		return 0
	}

	// Write the message type.
	var mType [2]byte
	binary.BigEndian.PutUint16(mType[:], uint16(msg.MsgType()))
	msgTypeBytes, err := buf.Write(mType[:])
	if err != nil {
		return cleanBrokenBytes(buf), ErrorWriteMessageType(err)
	}

	// Use the write buffer to encode our message.
	if err := msg.Encode(buf, pver); err != nil {
		return cleanBrokenBytes(buf), ErrorEncodeMessage(err)
	}

	// Enforce maximum overall message payload. The write buffer now has
	// the size of len(originalBytes) + len(payload) + len(type). We want
	// to enforce the payload here, so we subtract it by the length of the
	// type and old bytes.
	lenp := buf.Len() - oldByteSize - msgTypeBytes
	if lenp > MaxMsgBody {
		return cleanBrokenBytes(buf), ErrorPayloadTooLarge(lenp)
	}

	return buf.Len() - oldByteSize, nil
}

// ReadMessage reads, validates, and parses the next channel protocol message
// from r for the provided protocol version.
func ReadMessage(r io.Reader, pver uint32) (Message, error) {
	// First, we'll read out the first two bytes of the message so we can
	// create the proper empty message.
	var mType [2]byte
	if _, err := io.ReadFull(r, mType[:]); err != nil {
		return nil, err
	}

	msgType := MessageType(binary.BigEndian.Uint16(mType[:]))

	// Now that we know the target message type, we can create the proper
	// empty message type and decode the message into it.
	msg, err := makeEmptyMessage(msgType)
	if err != nil {
		return nil, err
	}
	if err := msg.Decode(r, pver); err != nil {
		return nil, err
	}

	return msg, nil
}
