package chanwallet

import (
	"errors"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
)

// ErrInsufficientFunds is returned when the wallet's spendable balance
// cannot cover a requested value plus the network fees to move it.
var ErrInsufficientFunds = errors.New("wallet has insufficient funds " +
	"available")

// Wallet is the wallet-side collaborator a channel client draws on when
// locking funds into a contract. The channel core never reaches into key or
// coin management beyond this surface.
type Wallet interface {
	// AffordsValue reports whether the spendable balance can plausibly
	// cover amount plus the network fee of a funding transaction. It is
	// advisory: FundTransaction performs the authoritative selection.
	AffordsValue(amount btcutil.Amount) bool

	// FundTransaction returns a funded, signed transaction paying
	// exactly the given outputs, with inputs selected from the wallet
	// and any change returned to it. The wallet pays the network fee on
	// top of the requested outputs. Fails with ErrInsufficientFunds when
	// the balance cannot cover outputs plus fee.
	FundTransaction(outputs []*wire.TxOut) (*wire.MsgTx, error)

	// CurrentBalance returns the wallet's spendable balance.
	CurrentBalance() btcutil.Amount
}

// BroadcastEvent carries the asynchronous outcome of handing a transaction
// to a Broadcaster. Exactly one of the two channels fires, exactly once.
// Both are buffered so a broadcaster never blocks on a slow consumer.
type BroadcastEvent struct {
	// Confirmed fires with the transaction once the network has
	// accepted it.
	Confirmed chan *wire.MsgTx

	// Err fires when the transaction was rejected or could not reach
	// the network at all.
	Err chan error
}

// NewBroadcastEvent returns a BroadcastEvent ready to be resolved by a
// broadcaster.
func NewBroadcastEvent() *BroadcastEvent {
	return &BroadcastEvent{
		Confirmed: make(chan *wire.MsgTx, 1),
		Err:       make(chan error, 1),
	}
}

// Broadcaster publishes finished channel transactions to the bitcoin
// network. Implementations must not block in Broadcast itself; the outcome
// travels through the returned event.
type Broadcaster interface {
	// Broadcast hands tx to the network and returns the event that will
	// carry its acceptance or failure.
	Broadcast(tx *wire.MsgTx) *BroadcastEvent
}
