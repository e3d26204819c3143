package chanwire

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcutil"
)

// ErrorCode is an enum that names why a peer is abandoning the channel
// protocol.
type ErrorCode uint16

const (
	// CodeTimeout indicates the peer took too long to produce the next
	// protocol message.
	CodeTimeout ErrorCode = 1

	// CodeSyntaxError indicates a message arrived that does not fit the
	// current protocol step, or carried fields that make no sense there.
	CodeSyntaxError ErrorCode = 2

	// CodeNoAcceptableVersion indicates version negotiation failed; the
	// sender cannot speak any protocol version the receiver offered.
	CodeNoAcceptableVersion ErrorCode = 3

	// CodeBadTransaction indicates a received transaction or signature
	// failed validation.
	CodeBadTransaction ErrorCode = 4

	// CodeTimeWindowTooLarge indicates the client asked for a channel
	// lifetime longer than the server allows.
	CodeTimeWindowTooLarge ErrorCode = 5

	// CodeChannelValueTooLarge indicates the server demanded a larger
	// channel than the sender is willing, or able, to fund.
	CodeChannelValueTooLarge ErrorCode = 6

	// CodeMinPaymentTooLarge indicates the server demanded a larger
	// initial payment than the sender is willing to make.
	CodeMinPaymentTooLarge ErrorCode = 7

	// CodeOther indicates a failure not covered by the other codes. The
	// Data field may carry details.
	CodeOther ErrorCode = 8
)

// String returns a human readable version of the error code.
func (c ErrorCode) String() string {
	switch c {
	case CodeTimeout:
		return "Timeout"
	case CodeSyntaxError:
		return "SyntaxError"
	case CodeNoAcceptableVersion:
		return "NoAcceptableVersion"
	case CodeBadTransaction:
		return "BadTransaction"
	case CodeTimeWindowTooLarge:
		return "TimeWindowTooLarge"
	case CodeChannelValueTooLarge:
		return "ChannelValueTooLarge"
	case CodeMinPaymentTooLarge:
		return "MinPaymentTooLarge"
	case CodeOther:
		return "Other"
	default:
		return "<unknown>"
	}
}

// ErrorData is a set of bytes associated with a particular sent error. It is
// expected, but not required, to hold a printable explanation.
type ErrorData []byte

// Error is sent by either side when it is abandoning the protocol. The code
// tells the peer what went wrong, and for value negotiation failures
// ExpectedValue tells it what would have been acceptable.
type Error struct {
	// Code names the failure.
	Code ErrorCode

	// Data is a human readable explanation. It may be empty.
	Data ErrorData

	// ExpectedValue optionally names the value that would have been
	// acceptable, for codes where that is meaningful. Zero when unused.
	ExpectedValue btcutil.Amount
}

// A compile time check to ensure Error implements the chanwire.Message
// interface.
var _ Message = (*Error)(nil)

// Error returns the string representation to Error.
//
// NOTE: Satisfies the error interface.
func (c *Error) Error() string {
	errMsg := "non-ascii data"
	if isASCII(c.Data) {
		errMsg = string(c.Data)
	}

	return fmt.Sprintf("%v: %v", c.Code, errMsg)
}

// Decode deserializes a serialized Error message stored in the passed
// io.Reader observing the specified protocol version.
//
// This is part of the chanwire.Message interface.
func (c *Error) Decode(r io.Reader, pver uint32) error {
	return ReadElements(r,
		&c.Code,
		&c.Data,
		&c.ExpectedValue,
	)
}

// Encode serializes the target Error into the passed io.Writer observing the
// protocol version specified.
//
// This is part of the chanwire.Message interface.
func (c *Error) Encode(w *bytes.Buffer, pver uint32) error {
	if err := WriteErrorCode(w, c.Code); err != nil {
		return err
	}

	if err := WriteErrorData(w, c.Data); err != nil {
		return err
	}

	return WriteSatoshi(w, c.ExpectedValue)
}

// MsgType returns the integer uniquely identifying this message type on the
// wire.
//
// This is part of the chanwire.Message interface.
func (c *Error) MsgType() MessageType {
	return MsgError
}

// isASCII is a helper method that checks whether all bytes in `data` would be
// printable ASCII characters if interpreted as a string.
func isASCII(data []byte) bool {
	for _, c := range data {
		if c < 32 || c > 126 {
			return false
		}
	}
	return true
}
