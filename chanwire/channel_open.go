package chanwire

import (
	"bytes"
	"io"
)

// ChannelOpen is sent by the server once the contract transaction has
// confirmed to the server's satisfaction. It carries no fields; its arrival
// alone moves the channel into its spendable state.
type ChannelOpen struct{}

// A compile time check to ensure ChannelOpen implements the chanwire.Message
// interface.
var _ Message = (*ChannelOpen)(nil)

// Decode deserializes a serialized ChannelOpen message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *ChannelOpen) Decode(r io.Reader, pver uint32) error {
	return nil
}

// Encode serializes the target ChannelOpen into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *ChannelOpen) Encode(w *bytes.Buffer, pver uint32) error {
	return nil
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *ChannelOpen) MsgType() MessageType {
	return MsgChannelOpen
}
