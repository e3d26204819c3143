package chanwire

import (
	"bytes"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
)

// Initiate is sent by the server to open negotiation of a new channel. It
// carries the server's end of the contract parameters: the public key it
// contributes to the multisig output, the expiry it settled on, and the
// floors an acceptable channel must clear.
type Initiate struct {
	// MultisigKey is the public key the server contributes to the 2-of-2
	// contract output.
	MultisigKey *btcec.PublicKey

	// ExpireTimeSecs is the channel expiry as a UNIX timestamp in
	// seconds. The refund transaction becomes valid once this time
	// passes.
	ExpireTimeSecs uint64

	// MinAcceptedChannelSize is the smallest total channel value the
	// server will accept.
	MinAcceptedChannelSize btcutil.Amount

	// MinPayment is the value the first payment on the channel must carry
	// before the server treats the channel as usable.
	MinPayment btcutil.Amount
}

// A compile time check to ensure Initiate implements the chanwire.Message
// interface.
var _ Message = (*Initiate)(nil)

// Decode deserializes a serialized Initiate message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *Initiate) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.MultisigKey,
		&c.ExpireTimeSecs,
		&c.MinAcceptedChannelSize,
		&c.MinPayment,
	)
}

// Encode serializes the target Initiate into the passed io.Writer observing
// the protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *Initiate) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WritePublicKey(w, c.MultisigKey); err != nil {
		return err
	}

	if err := WriteUint64(w, c.ExpireTimeSecs); err != nil {
		return err
	}

	if err := WriteSatoshi(w, c.MinAcceptedChannelSize); err != nil {
		return err
	}

	return WriteSatoshi(w, c.MinPayment)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *Initiate) MsgType() MessageType {
	return MsgInitiate
}
