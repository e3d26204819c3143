package chanwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// ProvideContract delivers the fully signed contract transaction that pays
// into the 2-of-2 multisig output. The server broadcasts it and answers with
// ChannelOpen once it has confirmed.
type ProvideContract struct {
	// ContractTx is the complete, broadcastable contract transaction.
	ContractTx *wire.MsgTx
}

// A compile time check to ensure ProvideContract implements the
// chanwire.Message interface.
var _ Message = (*ProvideContract)(nil)

// Decode deserializes a serialized ProvideContract message stored in the
// passed io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *ProvideContract) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.ContractTx,
	)
}

// Encode serializes the target ProvideContract into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *ProvideContract) Encode(w *bytes.Buffer, pver uint32) error {
	return WriteTx(w, c.ContractTx)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *ProvideContract) MsgType() MessageType {
	return MsgProvideContract
}
