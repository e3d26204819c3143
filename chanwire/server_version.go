package chanwire

import (
	"bytes"
	"io"
)

// ServerVersion is the server's reply to an acceptable ClientVersion. It
// names the protocol version the server will speak for the rest of the
// conversation.
type ServerVersion struct {
	// Major is the server's major protocol version. It always matches the
	// client's, otherwise the server sends an Error instead.
	Major uint16

	// Minor is the server's minor protocol version.
	Minor uint16
}

// A compile time check to ensure ServerVersion implements the
// chanwire.Message interface.
var _ Message = (*ServerVersion)(nil)

// Decode deserializes a serialized ServerVersion message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *ServerVersion) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.Major,
		&c.Minor,
	)
}

// Encode serializes the target ServerVersion into the passed io.Writer
// observing the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *ServerVersion) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WriteUint16(w, c.Major); err != nil {
		return err
	}

	return WriteUint16(w, c.Minor)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *ServerVersion) MsgType() MessageType {
	return MsgServerVersion
}
