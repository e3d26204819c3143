package chanwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ClientVersion is the first message sent on a fresh connection. The client
// announces the protocol version it speaks along with the channel lifetime it
// would like, and may name a previous channel it wants to resume instead of
// opening a new one.
type ClientVersion struct {
	// Major is the client's major protocol version. Negotiation fails
	// unless the server speaks the same major version.
	Major uint16

	// Minor is the client's minor protocol version. Differing minor
	// versions are expected to remain compatible.
	Minor uint16

	// TimeWindowSecs is the channel lifetime the client proposes,
	// expressed in seconds from the moment the server receives this
	// message.
	TimeWindowSecs uint64

	// PreviousChannelContractHash identifies a previously opened channel
	// the client wishes to resume. An all-zero hash means the client
	// wants a fresh channel.
	PreviousChannelContractHash chainhash.Hash
}

// A compile time check to ensure ClientVersion implements the
// chanwire.Message interface.
var _ Message = (*ClientVersion)(nil)

// HasPreviousChannel reports whether the client named a previous channel to
// resume.
func (c *ClientVersion) HasPreviousChannel() bool {
	return c.PreviousChannelContractHash != (chainhash.Hash{})
}

// Decode deserializes a serialized ClientVersion message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *ClientVersion) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.Major,
		&c.Minor,
		&c.TimeWindowSecs,
		&c.PreviousChannelContractHash,
	)
}

// Encode serializes the target ClientVersion into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *ClientVersion) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WriteUint16(w, c.Major); err != nil {
		return err
	}

	if err := WriteUint16(w, c.Minor); err != nil {
		return err
	}

	if err := WriteUint64(w, c.TimeWindowSecs); err != nil {
		return err
	}

	return WriteHash(w, c.PreviousChannelContractHash)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *ClientVersion) MsgType() MessageType {
	return MsgClientVersion
}
