package contract

import "errors"

var (
	// ErrAmountOverflow is returned when channel arithmetic would leave
	// the representable satoshi range instead of wrapping.
	ErrAmountOverflow = errors.New("amount arithmetic overflows " +
		"satoshi range")

	// ErrValueTooSmall is returned when a channel value cannot cover the
	// dust floor plus the fees of the transactions that must eventually
	// spend it.
	ErrValueTooSmall = errors.New("channel value too small to use")

	// ErrInvalidSigHash is returned when a payment signature is requested
	// with a sighash mode the protocol reserves for other transactions.
	ErrInvalidSigHash = errors.New("invalid sighash mode for payment " +
		"signature")

	// ErrRefundShape is returned when a refund transaction deviates from
	// the agreed shape of exactly one input with a non-final sequence and
	// exactly one output, locked to the agreed expiry.
	ErrRefundShape = errors.New("refund transaction shape mismatch")

	// ErrContractScript is returned when a funding transaction does not
	// pay to the expected script over the client and server keys.
	ErrContractScript = errors.New("contract script mismatch")

	// ErrSigEncoding is returned when a signature blob cannot be decoded
	// as DER followed by a sighash flag byte.
	ErrSigEncoding = errors.New("malformed transaction signature")
)
