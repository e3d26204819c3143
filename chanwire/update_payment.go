package chanwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcutil"
)

// Info is an opaque application payload that may ride along with a payment or
// its acknowledgement. The protocol transports it untouched.
type Info []byte

// UpdatePayment moves value to the server. The client states how much it
// keeps and signs a payment transaction reflecting the new split; everything
// the server needs to rebuild that transaction is already known from channel
// setup.
type UpdatePayment struct {
	// ClientChangeValue is the value the client keeps after this payment,
	// i.e. the value of the client change output of the new payment
	// transaction.
	ClientChangeValue btcutil.Amount

	// Signature is the client's contract-input signature over the new
	// payment transaction. It pins the client change output while leaving
	// the server output free for later fee adjustment.
	Signature Signature

	// Info is an optional application defined payload, such as an
	// identifier for whatever good is being paid for.
	Info Info
}

// A compile time check to ensure UpdatePayment implements the chanwire.Message
// interface.
var _ Message = (*UpdatePayment)(nil)

// Decode deserializes a serialized UpdatePayment message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *UpdatePayment) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.ClientChangeValue,
		&c.Signature,
		&c.Info,
	)
}

// Encode serializes the target UpdatePayment into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *UpdatePayment) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WriteSatoshi(w, c.ClientChangeValue); err != nil {
		return err
	}

	if err := WriteSignature(w, c.Signature); err != nil {
		return err
	}

	return WriteInfo(w, c.Info)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *UpdatePayment) MsgType() MessageType {
	return MsgUpdatePayment
}
