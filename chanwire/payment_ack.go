package chanwire

import (
	"bytes"
	"io"
)

// PaymentAck is the server's acknowledgement that a payment has been
// validated and durably committed. Until it arrives the client must treat the
// payment as in flight.
type PaymentAck struct {
	// Info is an optional application defined payload answering the
	// payment's own info field.
	Info Info
}

// A compile time check to ensure PaymentAck implements the chanwire.Message
// interface.
var _ Message = (*PaymentAck)(nil)

// Decode deserializes a serialized PaymentAck message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *PaymentAck) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.Info,
	)
}

// Encode serializes the target PaymentAck into the passed io.Writer observing
// the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *PaymentAck) Encode(w *bytes.Buffer, pver uint32) error {
	return WriteInfo(w, c.Info)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *PaymentAck) MsgType() MessageType {
	return MsgPaymentAck
}
