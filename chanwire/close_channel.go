package chanwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/wire"
)

// CloseChannel asks the other side to cooperatively finish the channel. When
// the server sends it, SettlementTx carries the settlement transaction it
// broadcast to claim the channel's final balance split. The client sends it
// with no transaction as a plain request to settle.
type CloseChannel struct {
	// SettlementTx is the fully signed settlement transaction, or nil
	// when the sender has nothing to settle. An absent transaction is
	// encoded as a zero length.
	SettlementTx *wire.MsgTx
}

// A compile time check to ensure CloseChannel implements the chanwire.Message
// interface.
var _ Message = (*CloseChannel)(nil)

// Decode deserializes a serialized CloseChannel message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *CloseChannel) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.SettlementTx,
	)
}

// Encode serializes the target CloseChannel into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *CloseChannel) Encode(w *bytes.Buffer, pver uint32) error {
	return WriteTx(w, c.SettlementTx)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *CloseChannel) MsgType() MessageType {
	return MsgCloseChannel
}
