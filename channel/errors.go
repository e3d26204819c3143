package channel

import "errors"

var (
	// ErrInvalidState is returned when an operation arrives while the
	// state machine is in a state it cannot serve it from. The machine
	// is left exactly as it was.
	ErrInvalidState = errors.New("invalid state for requested operation")

	// ErrBadSignature is returned when a peer's signature fails to
	// verify, carries the wrong sighash flags, or cannot be decoded.
	ErrBadSignature = errors.New("signature does not verify")

	// ErrValueOutOfRange is returned when a value moves outside what the
	// channel can represent: non-positive increments, claims beyond the
	// channel total, rollbacks of the best value, client change below
	// the dust floor, or a channel too small to open at all.
	ErrValueOutOfRange = errors.New("value out of channel range")

	// ErrChannelExpired is returned when a payment is attempted on a
	// channel whose expiry has passed. Past expiry the refund
	// transaction is broadcastable and no new client signature should
	// ever be produced.
	ErrChannelExpired = errors.New("channel has expired")

	// ErrFeesExceedValue is returned when settling the channel would
	// cost more in fees than the channel holds for the server.
	ErrFeesExceedValue = errors.New("fees exceed settleable channel value")

	// ErrNoPayments is returned when a channel is closed before any
	// payment was made on it. There is nothing to settle; the client's
	// refund recovers the full channel value at expiry.
	ErrNoPayments = errors.New("no payments made on channel")
)
