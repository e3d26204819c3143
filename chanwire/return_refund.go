package chanwire

import (
	"bytes"
	"io"
)

// ReturnRefund carries the server's signature over the client's refund
// transaction. Receiving it is the client's cue that it is now safe to
// broadcast the contract transaction.
type ReturnRefund struct {
	// Signature is the server's contract-input signature for the refund
	// transaction. It commits to the refund's lock time and outpoint but
	// not its outputs, so the client remains free to attach fresh outputs
	// when finalizing.
	Signature Signature
}

// A compile time check to ensure ReturnRefund implements the chanwire.Message
// interface.
var _ Message = (*ReturnRefund)(nil)

// Decode deserializes a serialized ReturnRefund message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *ReturnRefund) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.Signature,
	)
}

// Encode serializes the target ReturnRefund into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *ReturnRefund) Encode(w *bytes.Buffer, pver uint32) error {
	return WriteSignature(w, c.Signature)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *ReturnRefund) MsgType() MessageType {
	return MsgReturnRefund
}
