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
)

// ServerCfg holds all the items a channel Server requires to carry out its
// duties.
type ServerCfg struct {
	// Builder assembles, signs and verifies the channel's transactions.
	Builder *contract.Builder

	// Broadcaster publishes the contract and settlement transactions to
	// the network.
	Broadcaster chanwallet.Broadcaster

	// RecordChannel persists the channel's registry entry. Called when
	// the channel reaches Ready and again after every accepted payment,
	// so a crash never forgets a value the client already signed over.
	// May be nil to run without a registry.
	RecordChannel func(*chandb.ServerChannel) error

	// RemoveChannel drops the channel's registry entry once the channel
	// has fully closed. May be nil to run without a registry.
	RemoveChannel func(chainhash.Hash) error

	// ServerKey is the private key serving this channel. Every channel
	// gets a fresh one.
	ServerKey *btcec.PrivateKey

	// Expiry is the channel expiry this side announced during
	// negotiation. The client's refund must be locked to exactly this
	// time.
	Expiry time.Time

	// MinPayment is the value the channel's first payment must reach,
	// covering the eventual settlement fee before any goods change
	// hands.
	MinPayment btcutil.Amount
}

// OpenEvent resolves once the outcome of the contract broadcast is known.
// Wait on Done, then consult Err.
type OpenEvent struct {
	done chan struct{}
	err  error
}

func newOpenEvent() *OpenEvent {
	return &OpenEvent{done: make(chan struct{})}
}

// resolve completes the event. It must be called exactly once.
func (e *OpenEvent) resolve(err error) {
	e.err = err
	close(e.done)
}

// Done returns a channel that is closed once the broadcast outcome is
// known.
func (e *OpenEvent) Done() <-chan struct{} {
	return e.done
}

// Err returns the broadcast failure, or nil on acceptance. Only valid after
// Done.
func (e *OpenEvent) Err() error {
	return e.err
}

// CloseEvent resolves once a channel close has run its course. Wait on
// Done, then consult Outcome. Every Close call on the same channel hands
// back the same event.
type CloseEvent struct {
	done       chan struct{}
	settlement *wire.MsgTx
	err        error
}

func newCloseEvent() *CloseEvent {
	return &CloseEvent{done: make(chan struct{})}
}

// resolve completes the event. It must be called exactly once.
func (e *CloseEvent) resolve(settlement *wire.MsgTx, err error) {
	e.settlement = settlement
	e.err = err
	close(e.done)
}

// Done returns a channel that is closed once the close outcome is known.
func (e *CloseEvent) Done() <-chan struct{} {
	return e.done
}

// Outcome returns the settled transaction and the failure, if any. The
// transaction is nil when the channel had nothing to settle. Only valid
// after Done.
func (e *CloseEvent) Outcome() (*wire.MsgTx, error) {
	return e.settlement, e.err
}

// Server is the serving side of a payment channel. It countersigns the
// client's refund before anything of value exists, validates the revealed
// contract, then accepts strictly increasing payment updates, holding only
// the best one. Close settles the channel by completing and broadcasting
// the best payment transaction. Methods are safe for concurrent use.
type Server struct {
	mtx sync.Mutex

	// state is the current state of the state machine.
	state ServerState

	// cfg holds the configuration for this Server instance.
	cfg ServerCfg

	// clientKey is the client's contract key, learned alongside the
	// refund.
	clientKey *btcec.PublicKey

	// contractTx is the contract transaction the client revealed.
	contractTx *wire.MsgTx

	// fundingOutPoint is the contract output every channel transaction
	// spends.
	fundingOutPoint wire.OutPoint

	// fundingOutput is the contract output itself, kept around for its
	// script and value.
	fundingOutput *wire.TxOut

	// totalValue is the contract output's value.
	totalValue btcutil.Amount

	// bestValueToMe is the highest cumulative value the client has
	// signed over.
	bestValueToMe btcutil.Amount

	// bestValueSig is the client's signature backing bestValueToMe. It
	// stays nil until the first payment, which is how "no payments yet"
	// is told apart from a zero balance.
	bestValueSig []byte

	// openEvent resolves when the contract broadcast settles one way or
	// the other.
	openEvent *OpenEvent

	// closeEvent is created by the first Close call and handed back for
	// every later one.
	closeEvent *CloseEvent

	// failErr is the cause retained when the machine enters Errored.
	failErr error
}

// NewServer creates the serving side of a fresh channel. The machine starts
// out waiting for the client's refund transaction.
func NewServer(cfg ServerCfg) (*Server, error) {
	if cfg.ServerKey == nil {
		return nil, fmt.Errorf("server channel requires a serving key")
	}
	if cfg.Builder == nil || cfg.Broadcaster == nil {
		return nil, fmt.Errorf("server channel missing collaborators")
	}

	return &Server{state: ServerWaitingForRefund, cfg: cfg}, nil
}

// ResumeServer rebuilds a Ready server channel from its registry record,
// the path taken when a returning client names a previous channel id. The
// serving key and expiry stored in the record override whatever the
// configuration carries, since they were fixed when the channel opened.
func ResumeServer(cfg ServerCfg, record *chandb.ServerChannel) (*Server,
	error) {

	if cfg.Builder == nil || cfg.Broadcaster == nil {
		return nil, fmt.Errorf("server channel missing collaborators")
	}
	if record.ServerKey == nil || record.ClientKey == nil {
		return nil, fmt.Errorf("channel record is missing key " +
			"material")
	}
	if record.ContractTx == nil {
		return nil, fmt.Errorf("channel record is missing the " +
			"contract transaction")
	}

	cfg.ServerKey = record.ServerKey
	cfg.Expiry = time.Unix(int64(record.ExpiryTime), 0)

	fundingScript, err := contract.FundingScript(
		record.ClientKey, record.ServerKey.PubKey(),
	)
	if err != nil {
		return nil, err
	}
	outputIndex, err := contract.FindContractOutput(
		record.ContractTx, fundingScript,
	)
	if err != nil {
		return nil, err
	}
	fundingOutput := record.ContractTx.TxOut[outputIndex]

	s := &Server{
		state:      ServerReady,
		cfg:        cfg,
		clientKey:  record.ClientKey,
		contractTx: record.ContractTx,
		fundingOutPoint: wire.OutPoint{
			Hash:  record.ContractTx.TxHash(),
			Index: outputIndex,
		},
		fundingOutput: fundingOutput,
		totalValue:    btcutil.Amount(fundingOutput.Value),
		bestValueToMe: record.BestValueToMe,
	}
	if len(record.BestValueSig) > 0 {
		s.bestValueSig = record.BestValueSig
	}

	log.Infof("Channel %v resumed with best value %v of %v",
		s.fundingOutPoint.Hash, s.bestValueToMe, s.totalValue)

	return s, nil
}

// expirySecs returns the channel expiry as the uint32 the scripts carry.
func (s *Server) expirySecs() uint32 {
	return uint32(s.cfg.Expiry.Unix())
}

// transitionTo moves the machine to next after consulting the transition
// table. The caller must hold the lock.
func (s *Server) transitionTo(next ServerState) error {
	if !s.state.canTransitionTo(next) {
		return fmt.Errorf("%w: server channel cannot move from %v "+
			"to %v", ErrInvalidState, s.state, next)
	}

	log.Debugf("Server channel moving from %v to %v", s.state, next)
	s.state = next

	return nil
}

// failLocked moves the machine to Errored, retaining cause. The caller must
// hold the lock. Already-terminal machines are left untouched.
func (s *Server) failLocked(cause error) {
	if !s.state.canTransitionTo(ServerErrored) {
		return
	}

	log.Warnf("Server channel failed in state %v: %v", s.state, cause)
	s.state = ServerErrored
	s.failErr = cause
}

// Fail moves the channel into its terminal Errored state, retaining cause.
func (s *Server) Fail(cause error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.failLocked(cause)
}

// recordChannel writes the channel's registry entry with the given best
// value, signature and status. The caller must hold the lock.
func (s *Server) recordChannel(bestValue btcutil.Amount, bestSig []byte,
	status chandb.ChannelStatus) error {

	if s.cfg.RecordChannel == nil {
		return nil
	}

	return s.cfg.RecordChannel(&chandb.ServerChannel{
		ID:            s.fundingOutPoint.Hash,
		ClientKey:     s.clientKey,
		ServerKey:     s.cfg.ServerKey,
		ContractTx:    s.contractTx,
		BestValueToMe: bestValue,
		BestValueSig:  bestSig,
		ExpiryTime:    uint64(s.cfg.Expiry.Unix()),
		Status:        status,
	})
}

// removeChannelEntry drops the channel's registry entry, logging rather
// than failing when the registry objects. The caller must hold the lock.
func (s *Server) removeChannelEntry() {
	if s.cfg.RemoveChannel == nil {
		return
	}

	if err := s.cfg.RemoveChannel(s.fundingOutPoint.Hash); err != nil {
		log.Errorf("Channel %v: unable to remove registry entry: %v",
			s.fundingOutPoint.Hash, err)
	}
}

// ProvideRefundTransaction checks the client's refund transaction against
// the only shape this side ever countersigns and returns the signature over
// it. The signature uses SIGHASH_NONE|ANYONECANPAY, committing to the lock
// time and the spent outpoint and to nothing else, so the client cannot
// smuggle value out through it. Shape violations fail with
// contract.ErrRefundShape and leave the machine unchanged.
func (s *Server) ProvideRefundTransaction(refundTx *wire.MsgTx,
	clientKey *btcec.PublicKey) ([]byte, error) {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != ServerWaitingForRefund {
		return nil, fmt.Errorf("%w: ProvideRefundTransaction in "+
			"state %v", ErrInvalidState, s.state)
	}
	if clientKey == nil {
		return nil, fmt.Errorf("%w: missing client key",
			contract.ErrContractScript)
	}

	fundingScript, err := contract.FundingScript(
		clientKey, s.cfg.ServerKey.PubKey(),
	)
	if err != nil {
		return nil, err
	}

	sig, err := s.cfg.Builder.SignRefund(
		refundTx, fundingScript, s.expirySecs(), s.cfg.ServerKey,
	)
	if err != nil {
		return nil, err
	}

	if err := s.transitionTo(ServerWaitingForContract); err != nil {
		return nil, err
	}
	s.clientKey = clientKey

	log.Infof("Countersigned refund locked to %v, waiting for contract",
		s.cfg.Expiry)

	return sig, nil
}

// ProvideContract validates the contract transaction the client revealed
// and hands it to the network. The contract must carry an output paying a
// 2-of-2 multisig over the client and server keys in that order, with a
// positive value. The returned event resolves once the broadcast outcome is
// known: acceptance persists the channel's registry entry and opens it for
// payments, rejection fails the channel.
func (s *Server) ProvideContract(contractTx *wire.MsgTx) (*OpenEvent, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != ServerWaitingForContract {
		return nil, fmt.Errorf("%w: ProvideContract in state %v",
			ErrInvalidState, s.state)
	}

	fundingScript, err := contract.FundingScript(
		s.clientKey, s.cfg.ServerKey.PubKey(),
	)
	if err != nil {
		return nil, err
	}
	outputIndex, err := contract.FindContractOutput(
		contractTx, fundingScript,
	)
	if err != nil {
		return nil, fmt.Errorf("contract pays no 2-of-2 multisig over "+
			"the client and server keys in that order: %w", err)
	}

	fundingOutput := contractTx.TxOut[outputIndex]
	if fundingOutput.Value <= 0 {
		return nil, fmt.Errorf("%w: contract output carries no value",
			ErrValueOutOfRange)
	}

	if err := s.transitionTo(ServerWaitingForAcceptance); err != nil {
		return nil, err
	}
	s.contractTx = contractTx
	s.fundingOutPoint = wire.OutPoint{
		Hash:  contractTx.TxHash(),
		Index: outputIndex,
	}
	s.fundingOutput = fundingOutput
	s.totalValue = btcutil.Amount(fundingOutput.Value)
	s.openEvent = newOpenEvent()

	log.Infof("Channel %v: broadcasting %v contract",
		s.fundingOutPoint.Hash, s.totalValue)

	event := s.cfg.Broadcaster.Broadcast(contractTx)
	go s.waitForContractAcceptance(event)

	return s.openEvent, nil
}

// waitForContractAcceptance drives the WaitingForAcceptance transition from
// the contract broadcast's outcome.
func (s *Server) waitForContractAcceptance(event *chanwallet.BroadcastEvent) {
	select {
	case <-event.Confirmed:
		s.contractAccepted()

	case err := <-event.Err:
		s.contractRejected(err)
	}
}

// contractAccepted persists the channel and opens it for payments.
func (s *Server) contractAccepted() {
	s.mtx.Lock()

	// A close that raced the broadcast has already ended the channel.
	if s.state != ServerWaitingForAcceptance {
		openEvent := s.openEvent
		s.mtx.Unlock()

		openEvent.resolve(fmt.Errorf("%w: channel ended before the "+
			"contract was accepted", ErrInvalidState))
		return
	}

	// Persist before opening: a channel the registry does not know is a
	// channel whose payments a restart forgets.
	err := s.recordChannel(s.bestValueToMe, s.bestValueSig, chandb.StatusOpen)
	if err == nil {
		err = s.transitionTo(ServerReady)
	}
	if err != nil {
		s.failLocked(err)
		openEvent := s.openEvent
		s.mtx.Unlock()

		openEvent.resolve(err)
		return
	}

	log.Infof("Channel %v open for payments", s.fundingOutPoint.Hash)

	openEvent := s.openEvent
	s.mtx.Unlock()

	openEvent.resolve(nil)
}

// contractRejected fails the channel after the network refused its
// contract.
func (s *Server) contractRejected(cause error) {
	s.mtx.Lock()

	log.Errorf("Channel %v: contract broadcast failed: %v",
		s.fundingOutPoint.Hash, cause)
	s.failLocked(cause)
	openEvent := s.openEvent
	s.mtx.Unlock()

	openEvent.resolve(cause)
}

// IncrementPayment validates a payment update and commits it as the
// channel's new best value. claimed is the cumulative value promised to
// this side and must strictly exceed the previous best: replaying or
// lowering a payment fails ErrValueOutOfRange and changes nothing. The
// first payment must reach the negotiated minimum, and the implied client
// change may never drop below the dust floor. The signature must use
// SIGHASH_SINGLE|ANYONECANPAY and verify against the freshly rebuilt
// payment transaction; only then do the value, the signature and the
// registry entry move forward. Nothing is broadcast here.
func (s *Server) IncrementPayment(claimed btcutil.Amount,
	sigBytes []byte) error {

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != ServerReady {
		return fmt.Errorf("%w: IncrementPayment in state %v",
			ErrInvalidState, s.state)
	}

	if claimed <= s.bestValueToMe {
		return fmt.Errorf("%w: claimed %v does not raise the best "+
			"value %v", ErrValueOutOfRange, claimed,
			s.bestValueToMe)
	}
	if claimed > s.totalValue {
		return fmt.Errorf("%w: claimed %v exceeds the %v channel "+
			"total", ErrValueOutOfRange, claimed, s.totalValue)
	}
	if s.bestValueSig == nil && claimed < s.cfg.MinPayment {
		return fmt.Errorf("%w: first payment %v below the %v minimum",
			ErrValueOutOfRange, claimed, s.cfg.MinPayment)
	}

	clientChange, err := contract.SubAmounts(s.totalValue, claimed)
	if err != nil {
		return err
	}
	if dust := s.cfg.Builder.DustThreshold(); clientChange < dust {
		return fmt.Errorf("%w: client change %v below the %v dust "+
			"floor", ErrValueOutOfRange, clientChange, dust)
	}

	_, hashType, err := contract.ParseChannelSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBadSignature, err)
	}
	paymentMode := txscript.SigHashSingle | txscript.SigHashAnyOneCanPay
	if hashType != paymentMode {
		return fmt.Errorf("%w: payment signature uses sighash 0x%x, "+
			"want SINGLE|ANYONECANPAY", ErrBadSignature, hashType)
	}

	// Rebuild the payment transaction the signature must commit to.
	// Trusting any transaction bytes the client sent instead would let
	// it sign something else entirely.
	paymentTx, err := s.cfg.Builder.BuildPaymentTransaction(
		s.fundingOutPoint, s.clientKey, s.cfg.ServerKey.PubKey(),
		claimed, s.totalValue,
	)
	if err != nil {
		return err
	}

	ok := contract.VerifySignature(
		paymentTx, 0, s.fundingOutput.PkScript, sigBytes, s.clientKey,
	)
	if !ok {
		return fmt.Errorf("%w: payment signature over %v rejected",
			ErrBadSignature, claimed)
	}

	// All checks passed. Persist the new best before adopting it.
	newSig := make([]byte, len(sigBytes))
	copy(newSig, sigBytes)
	err = s.recordChannel(claimed, newSig, chandb.StatusOpen)
	if err != nil {
		return err
	}
	s.bestValueToMe = claimed
	s.bestValueSig = newSig

	log.Debugf("Channel %v best value now %v of %v",
		s.fundingOutPoint.Hash, claimed, s.totalValue)

	return nil
}

// Close settles the channel by completing the best payment transaction with
// this side's signature and broadcasting it, the settlement fee coming out
// of this side's share. The returned event resolves once the broadcast
// outcome is known; calling Close again hands back the same event without a
// second broadcast. Closing before any payment fails ErrNoPayments and
// simply forgets the channel, leaving the client's refund to recover
// everything. A best value unable to cover the relay-minimum settlement fee
// fails ErrValueOutOfRange, and a flat fee exceeding the best value fails
// ErrFeesExceedValue; in both cases the channel stays Ready and keeps
// accepting payments.
func (s *Server) Close() (*CloseEvent, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	// A close already ran, or is running. Same event, no new broadcast.
	if s.closeEvent != nil {
		return s.closeEvent, nil
	}

	switch s.state {
	case ServerReady:

	case ServerErrored:
		return nil, fmt.Errorf("%w: channel already failed: %v",
			ErrInvalidState, s.failErr)

	default:
		// The channel never finished opening. Nothing was recorded
		// and there is nothing to settle; just end it.
		if err := s.transitionTo(ServerClosed); err != nil {
			return nil, err
		}
		event := newCloseEvent()
		event.resolve(nil, nil)
		s.closeEvent = event

		log.Infof("Channel abandoned during setup, nothing to settle")

		return event, nil
	}

	// No payment ever arrived: remove the entry and walk away. The
	// contract output stays locked until the client's refund claims it.
	if s.bestValueSig == nil {
		s.removeChannelEntry()
		if err := s.transitionTo(ServerClosed); err != nil {
			return nil, err
		}
		event := newCloseEvent()
		event.resolve(nil, ErrNoPayments)
		s.closeEvent = event

		log.Infof("Channel %v closed without payments",
			s.fundingOutPoint.Hash)

		return event, ErrNoPayments
	}

	// Make sure the best value can actually pay its way onto the chain.
	if minFee := s.cfg.Builder.MinSettlementFee(); s.bestValueToMe < minFee {
		return nil, fmt.Errorf("%w: best value %v cannot pay the "+
			"minimum %v settlement fee", ErrValueOutOfRange,
			s.bestValueToMe, minFee)
	}
	flatFee := s.cfg.Builder.Estimator.ChannelTxFee()
	if flatFee > s.bestValueToMe {
		return nil, fmt.Errorf("%w: %v fee against %v settleable",
			ErrFeesExceedValue, flatFee, s.bestValueToMe)
	}

	settlementTx, paidFee, err := s.cfg.Builder.BuildSettlementTransaction(
		s.fundingOutPoint, s.clientKey, s.cfg.ServerKey.PubKey(),
		s.bestValueToMe, s.totalValue, flatFee,
	)
	if err != nil {
		return nil, err
	}

	serverSig, err := s.cfg.Builder.SignSettlement(
		settlementTx, s.fundingOutput.PkScript, s.cfg.ServerKey,
	)
	if err != nil {
		return nil, err
	}
	sigScript, err := contract.MultiSigScriptSig(s.bestValueSig, serverSig)
	if err != nil {
		return nil, err
	}
	settlementTx.TxIn[0].SignatureScript = sigScript

	// Run the completed input through the script engine before it goes
	// anywhere near the network.
	err = contract.VerifyInputScript(settlementTx, 0, s.fundingOutput)
	if err != nil {
		return nil, err
	}

	if err := s.transitionTo(ServerClosing); err != nil {
		return nil, err
	}
	s.closeEvent = newCloseEvent()

	// Keep the registry honest about the settlement being in flight.
	err = s.recordChannel(
		s.bestValueToMe, s.bestValueSig, chandb.StatusClosing,
	)
	if err != nil {
		log.Errorf("Channel %v: unable to mark registry entry "+
			"closing: %v", s.fundingOutPoint.Hash, err)
	}

	log.Infof("Channel %v closing: settling %v (fee %v) to this side",
		s.fundingOutPoint.Hash, s.bestValueToMe, paidFee)

	event := s.cfg.Broadcaster.Broadcast(settlementTx)
	go s.waitForSettlement(settlementTx, event)

	return s.closeEvent, nil
}

// waitForSettlement drives the Closing transition from the settlement
// broadcast's outcome.
func (s *Server) waitForSettlement(settlementTx *wire.MsgTx,
	event *chanwallet.BroadcastEvent) {

	select {
	case <-event.Confirmed:
		s.mtx.Lock()
		s.removeChannelEntry()
		if err := s.transitionTo(ServerClosed); err != nil {
			log.Errorf("Channel %v: %v", s.fundingOutPoint.Hash,
				err)
		}
		closeEvent := s.closeEvent
		s.mtx.Unlock()

		log.Infof("Channel %v settled", s.fundingOutPoint.Hash)

		closeEvent.resolve(settlementTx, nil)

	case err := <-event.Err:
		s.mtx.Lock()
		s.failLocked(err)
		closeEvent := s.closeEvent
		s.mtx.Unlock()

		closeEvent.resolve(nil, err)
	}
}

// State returns the machine's current state.
func (s *Server) State() ServerState {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.state
}

// Err returns the cause retained when the machine entered Errored, or nil.
func (s *Server) Err() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.failErr
}

// ChannelID returns the channel id, the hash of the contract transaction.
// Only known once the contract has been provided.
func (s *Server) ChannelID() (chainhash.Hash, error) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.contractTx == nil {
		return chainhash.Hash{}, fmt.Errorf("%w: no contract "+
			"provided yet", ErrInvalidState)
	}

	return s.fundingOutPoint.Hash, nil
}

// BestValueToMe returns the highest cumulative value the client has signed
// over so far.
func (s *Server) BestValueToMe() btcutil.Amount {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.bestValueToMe
}

// TotalValue returns the contract output's value, zero before the contract
// is known.
func (s *Server) TotalValue() btcutil.Amount {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.totalValue
}

// Expiry returns the channel expiry.
func (s *Server) Expiry() time.Time {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.cfg.Expiry
}

// Exhausted reports whether the channel can take no further payment: the
// best payment's client change already sits at the dust floor, so no larger
// claim can be signed.
func (s *Server) Exhausted() bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.state != ServerReady {
		return false
	}

	return s.bestValueToMe+s.cfg.Builder.DustThreshold() >= s.totalValue
}
