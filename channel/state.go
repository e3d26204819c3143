package channel

import "fmt"

// ClientState represents all the possible states the client side of a
// payment channel can be in. Every operation names the state it requires;
// anything else fails ErrInvalidState without touching the machine.
type ClientState uint8

const (
	// ClientNew is the initial state. The channel's parameters are
	// agreed but no money has been committed anywhere.
	ClientNew ClientState = iota

	// ClientInitiated is reached once the contract and refund
	// transactions have been built. The contract stays private until
	// the server has countersigned the refund, so no funds are at risk
	// yet.
	ClientInitiated

	// ClientProvideContract is reached once the server's refund
	// signature has verified and the refund transaction is complete.
	// From here the contract transaction is safe to reveal: whatever
	// happens next, the refund recovers the funds at expiry.
	ClientProvideContract

	// ClientReady is reached once the network has accepted the contract
	// transaction. Payments can now flow.
	ClientReady

	// ClientClosed is the terminal state of an orderly shutdown. The
	// refund transaction remains the fallback until the server's
	// settlement is observed.
	ClientClosed

	// ClientErrored is the terminal state entered when the channel
	// cannot continue, with the cause retained on the machine.
	ClientErrored
)

// String returns a human readable name for the client state.
func (s ClientState) String() string {
	switch s {
	case ClientNew:
		return "New"
	case ClientInitiated:
		return "Initiated"
	case ClientProvideContract:
		return "ProvideContract"
	case ClientReady:
		return "Ready"
	case ClientClosed:
		return "Closed"
	case ClientErrored:
		return "Errored"
	default:
		return fmt.Sprintf("ClientState(%d)", uint8(s))
	}
}

// clientTransitions maps each client state to the states it may legally move
// to. Operations consult their required source state directly; this table
// guards the moves themselves.
var clientTransitions = map[ClientState][]ClientState{
	ClientNew:             {ClientInitiated, ClientErrored},
	ClientInitiated:       {ClientProvideContract, ClientErrored},
	ClientProvideContract: {ClientReady, ClientErrored},
	ClientReady:           {ClientClosed, ClientErrored},
	ClientClosed:          {},
	ClientErrored:         {},
}

// canTransitionTo reports whether moving from s to next is a legal client
// transition.
func (s ClientState) canTransitionTo(next ClientState) bool {
	for _, allowed := range clientTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}

// ServerState represents all the possible states the serving side of a
// payment channel can be in.
type ServerState uint8

const (
	// ServerUninitialised is the zero value. A constructed server
	// channel never observes it; it exists so an uninitialized machine
	// can be told apart from one waiting for its refund.
	ServerUninitialised ServerState = iota

	// ServerWaitingForRefund is the state a fresh server channel starts
	// in: negotiation is done and the client's refund transaction is
	// expected next.
	ServerWaitingForRefund

	// ServerWaitingForContract is reached once the refund has been
	// countersigned. The client is now expected to reveal the contract
	// transaction it promised.
	ServerWaitingForContract

	// ServerWaitingForAcceptance is reached once the contract has been
	// handed to the network. Until the broadcast resolves the channel
	// cannot accept payments, since the contract may yet be rejected.
	ServerWaitingForAcceptance

	// ServerReady is reached once the network accepted the contract.
	// Payments can now flow, each replacing the last as the channel's
	// best value.
	ServerReady

	// ServerClosing is reached once the settlement transaction has been
	// handed to the network. No further payments are accepted.
	ServerClosing

	// ServerClosed is the terminal state: the settlement was accepted by
	// the network, or the channel was abandoned before any money
	// moved.
	ServerClosed

	// ServerErrored is the terminal state entered when the channel
	// cannot continue, with the cause retained on the machine.
	ServerErrored
)

// String returns a human readable name for the server state.
func (s ServerState) String() string {
	switch s {
	case ServerUninitialised:
		return "Uninitialised"
	case ServerWaitingForRefund:
		return "WaitingForRefund"
	case ServerWaitingForContract:
		return "WaitingForContract"
	case ServerWaitingForAcceptance:
		return "WaitingForAcceptance"
	case ServerReady:
		return "Ready"
	case ServerClosing:
		return "Closing"
	case ServerClosed:
		return "Closed"
	case ServerErrored:
		return "Errored"
	default:
		return fmt.Sprintf("ServerState(%d)", uint8(s))
	}
}

// serverTransitions maps each server state to the states it may legally move
// to. Closed is reachable from every live state because a channel may be
// abandoned before completing setup.
var serverTransitions = map[ServerState][]ServerState{
	ServerUninitialised: {ServerWaitingForRefund, ServerReady},
	ServerWaitingForRefund: {
		ServerWaitingForContract, ServerClosed, ServerErrored,
	},
	ServerWaitingForContract: {
		ServerWaitingForAcceptance, ServerClosed, ServerErrored,
	},
	ServerWaitingForAcceptance: {
		ServerReady, ServerClosed, ServerErrored,
	},
	ServerReady:   {ServerClosing, ServerClosed, ServerErrored},
	ServerClosing: {ServerClosed, ServerErrored},
	ServerClosed:  {},
	ServerErrored: {},
}

// canTransitionTo reports whether moving from s to next is a legal server
// transition.
func (s ServerState) canTransitionTo(next ServerState) bool {
	for _, allowed := range serverTransitions[s] {
		if allowed == next {
			return true
		}
	}

	return false
}
