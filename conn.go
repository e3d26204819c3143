package paychan

import (
	"errors"
	"fmt"
	"time"

	"github.com/btcmicro/paychan/chanwire"
	"github.com/btcsuite/btcd/btcutil"
)

const (
	// ProtocolMajorVersion is the only protocol generation this package
	// speaks. A peer announcing any other major version is turned away
	// during the version handshake.
	ProtocolMajorVersion uint16 = 1

	// ProtocolMinorVersion is the minor revision announced during the
	// version handshake. Minor versions are informational and never cause
	// a negotiation failure.
	ProtocolMinorVersion uint16 = 0
)

const (
	// DefaultTimeWindow is the channel lifetime a client proposes when
	// the caller doesn't pick one. A minute is shaved off a full day so a
	// server imposing a 24h ceiling with a skewed clock still accepts the
	// proposal.
	DefaultTimeWindow = 24*time.Hour - time.Minute

	// DefaultMinTimeWindow is the shortest channel lifetime a server
	// agrees to serve by default. Proposals below it are bumped up to it
	// in the INITIATE re-offer.
	DefaultMinTimeWindow = 4 * time.Hour

	// DefaultMaxTimeWindow is the longest channel lifetime a server
	// agrees to serve by default.
	DefaultMaxTimeWindow = 7 * 24 * time.Hour

	// HardMinTimeWindow is the floor below which a server refuses to be
	// configured. Serving shorter-lived channels leaves no room to
	// settle before the refund becomes broadcastable.
	HardMinTimeWindow = 2 * time.Hour

	// timeSkewAllowance is the extra slack a client grants the server's
	// expiry on top of its own proposed window, covering clock skew
	// between the two hosts.
	timeSkewAllowance = time.Minute
)

var (
	// ErrConnectionNotOpen is returned when an operation needs a live
	// connection driver but the driver was never started, or has already
	// been torn down.
	ErrConnectionNotOpen = errors.New("channel connection is not open")

	// ErrAlreadyStarted is returned when Start is called a second time.
	ErrAlreadyStarted = errors.New("connection driver already started")

	// ErrPaymentInFlight is returned when a payment increase is attempted
	// while an earlier one still awaits the server's acknowledgement.
	// Only a single payment may be in flight at a time.
	ErrPaymentInFlight = errors.New("previous payment still awaiting " +
		"acknowledgement")

	// ErrChannelNotReady is returned when a payment or settle request
	// arrives before the channel finished opening.
	ErrChannelNotReady = errors.New("channel is not open for payments")
)

// CloseReason describes why a channel connection was torn down. It is
// handed to the driver's CloseConnection callback so the transport and the
// application can tell an orderly settlement apart from a protocol failure.
type CloseReason uint8

const (
	// CloseClientRequestedClose marks an orderly teardown triggered by
	// the client asking the server to settle.
	CloseClientRequestedClose CloseReason = iota

	// CloseServerRequestedClose marks an orderly teardown initiated by
	// the server. The channel itself survives and may be resumed later.
	CloseServerRequestedClose

	// CloseNoAcceptableVersion means version negotiation failed: the
	// peer speaks no protocol generation we do.
	CloseNoAcceptableVersion

	// CloseTimeWindowTooLarge means the proposed channel lifetime fell
	// outside the bounds the rejecting side enforces.
	CloseTimeWindowTooLarge

	// CloseChannelValueTooLarge means the channel value demanded was
	// beyond what the paying side was willing or able to lock up.
	CloseChannelValueTooLarge

	// CloseServerRequestedTooMuchValue is the client's local verdict when
	// the server's INITIATE floors (channel size or first payment)
	// exceed what the client will fund.
	CloseServerRequestedTooMuchValue

	// CloseBadTransaction means a transaction or signature received from
	// the peer failed validation.
	CloseBadTransaction

	// CloseSyntaxError means a message could not be parsed or carried
	// nonsensical field values.
	CloseSyntaxError

	// CloseRemoteSentInvalidMessage means the peer sent a message that
	// was malformed, out of sequence, or failed validation. An ERROR
	// message describing the offence was sent before teardown.
	CloseRemoteSentInvalidMessage

	// CloseRemoteSentError means the peer abandoned the protocol by
	// sending an ERROR message.
	CloseRemoteSentError

	// CloseTimeout means a protocol step took too long. Drivers never
	// time out on their own; transports surface this reason when their
	// own deadline fires.
	CloseTimeout

	// CloseConnectionClosed means the underlying transport went away
	// without any protocol-level conclusion.
	CloseConnectionClosed

	// CloseChannelExhausted means the channel value was fully spent, so
	// the server settled and closed the connection.
	CloseChannelExhausted

	// CloseUpdatePaymentFailed means the server's application rejected a
	// payment update after it had already been verified.
	CloseUpdatePaymentFailed
)

// String returns a human readable version of the close reason.
func (r CloseReason) String() string {
	switch r {
	case CloseClientRequestedClose:
		return "ClientRequestedClose"
	case CloseServerRequestedClose:
		return "ServerRequestedClose"
	case CloseNoAcceptableVersion:
		return "NoAcceptableVersion"
	case CloseTimeWindowTooLarge:
		return "TimeWindowTooLarge"
	case CloseChannelValueTooLarge:
		return "ChannelValueTooLarge"
	case CloseServerRequestedTooMuchValue:
		return "ServerRequestedTooMuchValue"
	case CloseBadTransaction:
		return "BadTransaction"
	case CloseSyntaxError:
		return "SyntaxError"
	case CloseRemoteSentInvalidMessage:
		return "RemoteSentInvalidMessage"
	case CloseRemoteSentError:
		return "RemoteSentError"
	case CloseTimeout:
		return "Timeout"
	case CloseConnectionClosed:
		return "ConnectionClosed"
	case CloseChannelExhausted:
		return "ChannelExhausted"
	case CloseUpdatePaymentFailed:
		return "UpdatePaymentFailed"
	default:
		return fmt.Sprintf("CloseReason(%d)", uint8(r))
	}
}

// CloseError wraps a CloseReason so teardown can propagate through error
// returns and pending payment futures.
type CloseError struct {
	// Reason classifies the teardown.
	Reason CloseReason

	// Detail optionally elaborates, possibly with text supplied by the
	// peer.
	Detail string
}

// Error implements the error interface.
func (e *CloseError) Error() string {
	if e.Detail == "" {
		return fmt.Sprintf("channel connection closed: %v", e.Reason)
	}

	return fmt.Sprintf("channel connection closed: %v (%s)", e.Reason,
		e.Detail)
}

func newCloseError(reason CloseReason, detail string) *CloseError {
	return &CloseError{Reason: reason, Detail: detail}
}

// PaymentResult resolves once the server acknowledges, or the connection
// abandons, a payment increase sent with ChannelClient.IncrementPayment.
type PaymentResult struct {
	amount btcutil.Amount

	done chan struct{}
	info chanwire.Info
	err  error
}

func newPaymentResult(amount btcutil.Amount) *PaymentResult {
	return &PaymentResult{
		amount: amount,
		done:   make(chan struct{}),
	}
}

// resolve settles the result. It must be called at most once.
func (r *PaymentResult) resolve(info chanwire.Info, err error) {
	r.info = info
	r.err = err
	close(r.done)
}

// Amount returns the value the payment actually moved, which can exceed the
// requested delta when the remainder would have been dust.
func (r *PaymentResult) Amount() btcutil.Amount {
	return r.amount
}

// Done returns a channel that closes once the acknowledgement arrived or
// the payment was abandoned.
func (r *PaymentResult) Done() <-chan struct{} {
	return r.done
}

// Outcome returns the acknowledgement info supplied by the server's
// application, or the reason the payment failed. It must only be called
// after Done.
func (r *PaymentResult) Outcome() (chanwire.Info, error) {
	return r.info, r.err
}
