package channel

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcmicro/paychan/chandb"
	"github.com/btcmicro/paychan/chanwallet"
	"github.com/btcmicro/paychan/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/clock"
)

// ClientCfg holds all the items a channel Client requires to carry out its
// duties.
type ClientCfg struct {
	// Builder assembles and signs the channel's transactions.
	Builder *contract.Builder

	// Wallet selects and signs the inputs funding the contract
	// transaction.
	Wallet chanwallet.Wallet

	// Clock is the time source expiry decisions are made against.
	Clock clock.Clock

	// RecordChannel persists the channel's registry entry so the refund
	// survives a restart. Called when the channel reaches Ready and
	// again after every payment. May be nil to run without a registry.
	RecordChannel func(*chandb.ClientChannel) error

	// RemoveChannel drops the channel's registry entry once the
	// server's settlement has been observed and the refund fallback is
	// no longer needed. May be nil to run without a registry.
	RemoveChannel func(chainhash.Hash) error

	// ClientKey is the key this side commits to the contract output and
	// signs every channel transaction with.
	ClientKey *btcec.PrivateKey

	// ServerKey is the key the server committed to the contract output
	// during negotiation.
	ServerKey *btcec.PublicKey

	// TotalValue is the channel's full value, locked into the contract
	// output.
	TotalValue btcutil.Amount

	// Expiry is the agreed channel expiry. The refund transaction's
	// lock time is derived from it.
	Expiry time.Time
}

// Payment is one signed payment update, ready to travel to the server.
type Payment struct {
	// Value is the new cumulative value promised to the server.
	Value btcutil.Amount

	// ClientChange is the value the client keeps under the new split,
	// i.e. the value of the payment transaction's client output.
	ClientChange btcutil.Amount

	// Signature is the client's contract-input signature over the new
	// payment transaction, DER encoded with a trailing sighash byte.
	Signature []byte
}

// Client is the funding side of a payment channel. It locks TotalValue into
// a 2-of-2 contract output only once the server has countersigned a
// timelocked refund, then pays the server by signing over an ever larger
// share of the locked funds. Value moves one way only; the refund
// transaction caps how long the server can sit on the channel. Methods are
// safe for concurrent use.
type Client struct {
	mtx sync.Mutex

	// state is the current state of the state machine.
	state ClientState

	// cfg holds the configuration for this Client instance.
	cfg ClientCfg

	// contractTx is the funding transaction, built at Initiate and held
	// back until the refund below is complete.
	contractTx *wire.MsgTx

	// fundingOutPoint is the contract output every channel transaction
	// spends.
	fundingOutPoint wire.OutPoint

	// fundingOutput is the contract output itself, kept around for its
	// script and value.
	fundingOutput *wire.TxOut

	// refundTx is the timeout fallback: unsigned until the server's
	// signature arrives, complete and broadcastable afterwards.
	refundTx *wire.MsgTx

	// valueToServer is the cumulative value signed over to the server.
	valueToServer btcutil.Amount

	// failErr is the cause retained when the machine enters Errored.
	failErr error
}

// NewClient creates the funding side of a fresh channel with the given
// configuration. The machine starts in ClientNew; nothing is built or spent
// until Initiate.
func NewClient(cfg ClientCfg) (*Client, error) {
	if cfg.ClientKey == nil || cfg.ServerKey == nil {
		return nil, fmt.Errorf("client channel requires both " +
			"contract keys")
	}
	if cfg.Builder == nil || cfg.Wallet == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("client channel missing collaborators")
	}

	return &Client{state: ClientNew, cfg: cfg}, nil
}

// expirySecs returns the channel expiry as the uint32 the scripts carry.
func (c *Client) expirySecs() uint32 {
	return uint32(c.cfg.Expiry.Unix())
}

// transitionTo moves the machine to next after consulting the transition
// table. The caller must hold the lock.
func (c *Client) transitionTo(next ClientState) error {
	if !c.state.canTransitionTo(next) {
		return fmt.Errorf("%w: client channel cannot move from %v "+
			"to %v", ErrInvalidState, c.state, next)
	}

	log.Debugf("Client channel moving from %v to %v", c.state, next)
	c.state = next

	return nil
}

// recordChannel writes the channel's registry entry reflecting the given
// cumulative payment. The caller must hold the lock.
func (c *Client) recordChannel(valueToServer btcutil.Amount) error {
	if c.cfg.RecordChannel == nil {
		return nil
	}

	remaining, err := contract.SubAmounts(c.cfg.TotalValue, valueToServer)
	if err != nil {
		return err
	}

	return c.cfg.RecordChannel(&chandb.ClientChannel{
		ID:            c.fundingOutPoint.Hash,
		ClientKey:     c.cfg.ClientKey.PubKey(),
		ServerKey:     c.cfg.ServerKey,
		ContractTx:    c.contractTx,
		RefundTx:      c.refundTx,
		ValueToClient: remaining,
		ExpiryTime:    uint64(c.cfg.Expiry.Unix()),
		Status:        chandb.StatusOpen,
	})
}

// Initiate builds the channel's two foundation transactions: the contract
// locking TotalValue under the 2-of-2 script, funded and signed by the
// wallet, and the unsigned refund spending it back to this side at expiry.
// The contract stays private until the refund is countersigned, so no funds
// are at risk yet. Fails ErrValueOutOfRange when TotalValue cannot cover a
// useful channel and chanwallet.ErrInsufficientFunds when the wallet cannot
// fund it.
func (c *Client) Initiate() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != ClientNew {
		return fmt.Errorf("%w: Initiate in state %v", ErrInvalidState,
			c.state)
	}

	if min := c.cfg.Builder.MinChannelValue(); c.cfg.TotalValue < min {
		return fmt.Errorf("%w: channel value %v cannot cover the "+
			"dust floor plus fees, need at least %v",
			ErrValueOutOfRange, c.cfg.TotalValue, min)
	}

	clientKey := c.cfg.ClientKey.PubKey()
	contractTx, outputIndex, err := c.cfg.Builder.BuildFundingTransaction(
		c.cfg.Wallet, clientKey, c.cfg.ServerKey, c.cfg.TotalValue,
	)
	if err != nil {
		return err
	}

	fundingOutPoint := wire.OutPoint{
		Hash:  contractTx.TxHash(),
		Index: outputIndex,
	}
	refundTx, err := c.cfg.Builder.BuildRefundTransaction(
		fundingOutPoint, clientKey, c.cfg.TotalValue, c.expirySecs(),
	)
	if err != nil {
		return err
	}

	if err := c.transitionTo(ClientInitiated); err != nil {
		return err
	}
	c.contractTx = contractTx
	c.fundingOutPoint = fundingOutPoint
	c.fundingOutput = contractTx.TxOut[outputIndex]
	c.refundTx = refundTx

	log.Infof("Channel %v initiated: value=%v, expiry=%v",
		fundingOutPoint.Hash, c.cfg.TotalValue, c.cfg.Expiry)

	return nil
}

// Refund returns the refund transaction in its current form: unsigned
// between Initiate and the server's countersignature, complete and
// broadcastable afterwards.
func (c *Client) Refund() (*wire.MsgTx, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.refundTx == nil {
		return nil, fmt.Errorf("%w: no refund before Initiate",
			ErrInvalidState)
	}

	return c.refundTx, nil
}

// ProvideRefundSignature verifies and applies the server's countersignature
// over the refund transaction. The signature must use
// SIGHASH_NONE|ANYONECANPAY, the only mode the server is ever allowed to
// sign the refund with. On success the refund is complete, its hash frozen,
// and the contract transaction becomes safe to reveal. Any verification
// failure returns ErrBadSignature and leaves the machine unchanged.
func (c *Client) ProvideRefundSignature(serverSig []byte) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != ClientInitiated {
		return fmt.Errorf("%w: ProvideRefundSignature in state %v",
			ErrInvalidState, c.state)
	}

	_, hashType, err := contract.ParseChannelSignature(serverSig)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	refundMode := txscript.SigHashNone | txscript.SigHashAnyOneCanPay
	if hashType != refundMode {
		return fmt.Errorf("%w: refund signature uses sighash 0x%x, "+
			"want NONE|ANYONECANPAY", ErrBadSignature, hashType)
	}

	// Complete a copy first: a signature that fails the script engine
	// must not leave half-finalized bytes on the channel's refund.
	refundTx := c.refundTx.Copy()
	err = c.cfg.Builder.FinalizeRefund(
		refundTx, c.fundingOutput, c.cfg.ClientKey, serverSig,
	)
	if err != nil {
		return fmt.Errorf("%w: refund did not finalize: %v",
			ErrBadSignature, err)
	}

	if err := c.transitionTo(ClientProvideContract); err != nil {
		return err
	}
	c.refundTx = refundTx

	log.Infof("Channel %v refund complete, contract can be revealed",
		c.fundingOutPoint.Hash)

	return nil
}

// Contract returns the contract transaction. It is only available once the
// refund is complete, since revealing it earlier would let the server
// broadcast the contract while withholding the refund signature.
func (c *Client) Contract() (*wire.MsgTx, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case ClientProvideContract, ClientReady, ClientClosed:
		return c.contractTx, nil
	default:
		return nil, fmt.Errorf("%w: no contract in state %v",
			ErrInvalidState, c.state)
	}
}

// NotifyContractAccepted records that the network accepted the contract
// transaction. The channel enters Ready and its registry entry is written,
// making the refund recoverable across restarts from here on.
func (c *Client) NotifyContractAccepted() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != ClientProvideContract {
		return fmt.Errorf("%w: NotifyContractAccepted in state %v",
			ErrInvalidState, c.state)
	}

	if err := c.recordChannel(c.valueToServer); err != nil {
		return err
	}
	if err := c.transitionTo(ClientReady); err != nil {
		return err
	}

	log.Infof("Channel %v open with %v locked", c.fundingOutPoint.Hash,
		c.cfg.TotalValue)

	return nil
}

// IncrementPaymentBy signs delta more of the channel's value over to the
// server and returns the resulting payment update. The new split must leave
// the client change at or above the dust floor, so a channel can never be
// fully drained. Failed validation changes nothing; in particular the
// cumulative value only ever grows by increments the caller asked for.
// Fails ErrChannelExpired once the expiry has passed, since signing new
// payments on a channel whose refund is already broadcastable only invites
// races.
func (c *Client) IncrementPaymentBy(delta btcutil.Amount) (*Payment, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != ClientReady {
		return nil, fmt.Errorf("%w: IncrementPaymentBy in state %v",
			ErrInvalidState, c.state)
	}
	if delta <= 0 {
		return nil, fmt.Errorf("%w: payment increment %v is not "+
			"positive", ErrValueOutOfRange, delta)
	}
	if !c.cfg.Clock.Now().Before(c.cfg.Expiry) {
		return nil, fmt.Errorf("%w: expired at %v", ErrChannelExpired,
			c.cfg.Expiry)
	}

	newValue, err := contract.AddAmounts(c.valueToServer, delta)
	if err != nil {
		return nil, err
	}
	if newValue > c.cfg.TotalValue {
		return nil, fmt.Errorf("%w: %v exceeds the %v channel total",
			ErrValueOutOfRange, newValue, c.cfg.TotalValue)
	}

	clientChange, err := contract.SubAmounts(c.cfg.TotalValue, newValue)
	if err != nil {
		return nil, err
	}
	if dust := c.cfg.Builder.DustThreshold(); clientChange < dust {
		return nil, fmt.Errorf("%w: client change %v below the %v "+
			"dust floor", ErrValueOutOfRange, clientChange, dust)
	}

	clientKey := c.cfg.ClientKey.PubKey()
	paymentTx, err := c.cfg.Builder.BuildPaymentTransaction(
		c.fundingOutPoint, clientKey, c.cfg.ServerKey, newValue,
		c.cfg.TotalValue,
	)
	if err != nil {
		return nil, err
	}

	sig, err := c.cfg.Builder.SignPayment(
		paymentTx, c.fundingOutput.PkScript, c.cfg.ClientKey,
		txscript.SigHashSingle|txscript.SigHashAnyOneCanPay,
	)
	if err != nil {
		return nil, err
	}

	// All checks passed. Persist the new split before adopting it, so a
	// crash after this point still knows how much was promised away.
	if err := c.recordChannel(newValue); err != nil {
		return nil, err
	}
	c.valueToServer = newValue

	log.Debugf("Channel %v incremented by %v to %v",
		c.fundingOutPoint.Hash, delta, newValue)

	return &Payment{
		Value:        newValue,
		ClientChange: clientChange,
		Signature:    sig,
	}, nil
}

// Close marks the channel closed on this side. Broadcasting the settlement
// is the server's job; the completed refund remains this side's unilateral
// fallback until the settlement is seen.
func (c *Client) Close() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.state != ClientReady {
		return fmt.Errorf("%w: Close in state %v", ErrInvalidState,
			c.state)
	}

	if err := c.transitionTo(ClientClosed); err != nil {
		return err
	}

	log.Infof("Channel %v closed with %v paid to server",
		c.fundingOutPoint.Hash, c.valueToServer)

	return nil
}

// NotifySettled records that the server's settlement transaction has been
// observed. The refund fallback is no longer needed, so the registry entry
// is dropped. Legal from Ready, for a close the server initiated, and from
// Closed, for one this side requested.
func (c *Client) NotifySettled() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	switch c.state {
	case ClientReady:
		if err := c.transitionTo(ClientClosed); err != nil {
			return err
		}

	case ClientClosed:

	default:
		return fmt.Errorf("%w: NotifySettled in state %v",
			ErrInvalidState, c.state)
	}

	if c.cfg.RemoveChannel != nil {
		err := c.cfg.RemoveChannel(c.fundingOutPoint.Hash)
		if err != nil {
			return err
		}
	}

	log.Infof("Channel %v settled by server", c.fundingOutPoint.Hash)

	return nil
}

// Fail moves the channel into its terminal Errored state, retaining cause.
// Already-terminal machines are left untouched.
func (c *Client) Fail(cause error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if !c.state.canTransitionTo(ClientErrored) {
		return
	}

	log.Warnf("Client channel failed in state %v: %v", c.state, cause)
	c.state = ClientErrored
	c.failErr = cause
}

// State returns the machine's current state.
func (c *Client) State() ClientState {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.state
}

// Err returns the cause retained when the machine entered Errored, or nil.
func (c *Client) Err() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.failErr
}

// ChannelID returns the channel id, the hash of the contract transaction.
// Only known once Initiate has built the contract.
func (c *Client) ChannelID() (chainhash.Hash, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.contractTx == nil {
		return chainhash.Hash{}, fmt.Errorf("%w: no contract before "+
			"Initiate", ErrInvalidState)
	}

	return c.fundingOutPoint.Hash, nil
}

// FundingOutPoint returns the contract output every channel transaction
// spends. Only known once Initiate has built the contract.
func (c *Client) FundingOutPoint() (wire.OutPoint, error) {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.contractTx == nil {
		return wire.OutPoint{}, fmt.Errorf("%w: no contract before "+
			"Initiate", ErrInvalidState)
	}

	return c.fundingOutPoint, nil
}

// ValueToServer returns the cumulative value signed over to the server.
func (c *Client) ValueToServer() btcutil.Amount {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.valueToServer
}

// ValueRemaining returns the value still owned by this side.
func (c *Client) ValueRemaining() btcutil.Amount {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.cfg.TotalValue - c.valueToServer
}
