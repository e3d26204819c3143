package chanwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/wire"
)

// ProvideRefund carries the client's multisig public key together with its
// unsigned, time-locked refund transaction. The server countersigns the
// refund before the client risks any money, which is what lets the client
// recover its funds if the server later disappears.
type ProvideRefund struct {
	// MultisigKey is the public key the client contributes to the 2-of-2
	// contract output. The contract script places this key before the
	// server's.
	MultisigKey *btcec.PublicKey

	// RefundTx is the client's refund transaction. It spends the contract
	// output the client is about to fund and is time-locked to the
	// channel expiry.
	RefundTx *wire.MsgTx
}

// A compile time check to ensure ProvideRefund implements the chanwire.Message
// interface.
var _ Message = (*ProvideRefund)(nil)

// Decode deserializes a serialized ProvideRefund message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *ProvideRefund) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.MultisigKey,
		&c.RefundTx,
	)
}

// Encode serializes the target ProvideRefund into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *ProvideRefund) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WritePublicKey(w, c.MultisigKey); err != nil {
		return err
	}

	return WriteTx(w, c.RefundTx)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *ProvideRefund) MsgType() MessageType {
	return MsgProvideRefund
}
