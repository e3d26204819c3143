package paychan

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/btcmicro/paychan/channel"
	"github.com/btcmicro/paychan/chanwire"
	"github.com/btcmicro/paychan/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
)

// serverStep tracks where in the message sequence the server side of a
// connection stands.
type serverStep uint8

const (
	stepWaitingForClientVersion serverStep = iota
	stepWaitingForRefundTransaction
	stepWaitingForContractTransaction
	stepWaitingForBroadcast
	stepServing
	stepSettling
)

// String returns a human readable name for the step.
func (s serverStep) String() string {
	switch s {
	case stepWaitingForClientVersion:
		return "WaitingForClientVersion"
	case stepWaitingForRefundTransaction:
		return "WaitingForRefundTransaction"
	case stepWaitingForContractTransaction:
		return "WaitingForContractTransaction"
	case stepWaitingForBroadcast:
		return "WaitingForBroadcast"
	case stepServing:
		return "Serving"
	case stepSettling:
		return "Settling"
	default:
		return fmt.Sprintf("serverStep(%d)", uint8(s))
	}
}

// ServerConfig bundles everything a ChannelServer needs to serve one
// client connection.
type ServerConfig struct {
	// Manager tracks the node's served channels, builds their machines
	// and revives them for returning clients.
	Manager *ChannelManager

	// Clock supplies the time channel expiries are computed from.
	Clock clock.Clock

	// FreshKey mints the private key the server commits to a new
	// channel's 2-of-2 output. Called once per fresh negotiation.
	FreshKey func() (*btcec.PrivateKey, error)

	// MinAcceptedChannelSize is the smallest channel worth serving,
	// advertised in INITIATE. Zero means the builder's minimum viable
	// channel value.
	MinAcceptedChannelSize btcutil.Amount

	// MinTimeWindow and MaxTimeWindow bound the channel lifetime this
	// server agrees to. Too-short proposals are bumped up to the
	// minimum; too-long ones are rejected. Zero means the defaults
	// (4h and 7d). A minimum below HardMinTimeWindow is refused at
	// construction.
	MinTimeWindow time.Duration
	MaxTimeWindow time.Duration

	// SendMessage delivers a message to the client. It must not call
	// back into the driver.
	SendMessage func(chanwire.Message) error

	// CloseConnection tears the transport down. It is called at most
	// once, with the reason the connection ended, and must not call back
	// into the driver.
	CloseConnection func(CloseReason)

	// OnChannelOpen fires once a channel is open for payments on this
	// connection, fresh or resumed. Called with the driver lock held;
	// implementations must not call back into the driver.
	OnChannelOpen func(id chainhash.Hash)

	// OnPayment is consulted for every accepted payment increase, with
	// the increase, the new total and the client's info bytes. The
	// returned info rides back on the PAYMENT_ACK. An error rejects the
	// connection with CloseUpdatePaymentFailed; the payment itself is
	// already banked. May be nil.
	OnPayment func(delta, total btcutil.Amount,
		info chanwire.Info) (chanwire.Info, error)
}

// ChannelServer speaks the server side of the channel protocol for a single
// client connection, negotiating terms and driving a channel.Server machine
// owned by the shared ChannelManager. The transport feeds it through
// ReceiveMessage; everything it wants sent goes out through the configured
// SendMessage.
type ChannelServer struct {
	cfg ServerConfig

	mtx  sync.Mutex
	step serverStep

	// serverKey and expiry are fixed during the version exchange and
	// seed the machine once the client's refund arrives.
	serverKey *btcec.PrivateKey
	expiry    time.Time

	// channel is the machine being driven, set when the refund arrives
	// or a resumed channel is adopted.
	channel   *channel.Server
	channelID chainhash.Hash

	destroyed bool
}

// NewChannelServer builds a server driver from the given config. It is
// ready to receive immediately; the client speaks first.
func NewChannelServer(cfg ServerConfig) (*ChannelServer, error) {
	if cfg.Manager == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("channel server requires a manager " +
			"and a clock")
	}
	if cfg.FreshKey == nil {
		return nil, fmt.Errorf("channel server requires a key source")
	}
	if cfg.SendMessage == nil || cfg.CloseConnection == nil {
		return nil, fmt.Errorf("channel server requires transport " +
			"callbacks")
	}

	if cfg.MinTimeWindow <= 0 {
		cfg.MinTimeWindow = DefaultMinTimeWindow
	}
	if cfg.MaxTimeWindow <= 0 {
		cfg.MaxTimeWindow = DefaultMaxTimeWindow
	}
	if cfg.MinTimeWindow < HardMinTimeWindow {
		return nil, fmt.Errorf("minimum time window %v is below the "+
			"%v floor", cfg.MinTimeWindow, HardMinTimeWindow)
	}
	if cfg.MinTimeWindow > cfg.MaxTimeWindow {
		return nil, fmt.Errorf("minimum time window %v exceeds "+
			"maximum %v", cfg.MinTimeWindow, cfg.MaxTimeWindow)
	}

	if cfg.MinAcceptedChannelSize <= 0 {
		cfg.MinAcceptedChannelSize =
			cfg.Manager.cfg.Builder.MinChannelValue()
	}

	return &ChannelServer{
		cfg:  cfg,
		step: stepWaitingForClientVersion,
	}, nil
}

// send pushes a message out through the transport. The caller must hold the
// driver lock.
func (s *ChannelServer) send(msg chanwire.Message) error {
	log.Tracef("ChannelServer sending %v: %v", msg.MsgType(),
		newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

	if err := s.cfg.SendMessage(msg); err != nil {
		return fmt.Errorf("unable to send %v message: %w",
			msg.MsgType(), err)
	}

	return nil
}

// sendError ships an ERROR message to the client. Send failures are only
// logged; the connection is coming down regardless.
func (s *ChannelServer) sendError(code chanwire.ErrorCode, detail string) {
	err := s.send(&chanwire.Error{
		Code: code,
		Data: chanwire.ErrorData(detail),
	})
	if err != nil {
		log.Warnf("ChannelServer: %v", err)
	}
}

// destroy tears the connection down exactly once. The caller must hold the
// driver lock.
func (s *ChannelServer) destroy(reason CloseReason, detail string) error {
	closeErr := newCloseError(reason, detail)

	if !s.destroyed {
		s.destroyed = true

		log.Infof("ChannelServer: destroying connection: %v", closeErr)
		s.cfg.CloseConnection(reason)
	}

	return closeErr
}

// abort answers a protocol offence with an ERROR message and tears the
// connection down. The caller must hold the driver lock.
func (s *ChannelServer) abort(code chanwire.ErrorCode, detail string,
	reason CloseReason) error {

	log.Errorf("ChannelServer: %s", detail)

	s.sendError(code, detail)
	return s.destroy(reason, detail)
}

// wrongStep rejects a message that doesn't fit the current protocol step.
func (s *ChannelServer) wrongStep(msg chanwire.Message) error {
	return s.abort(chanwire.CodeSyntaxError, fmt.Sprintf(
		"%v message not valid in step %v", msg.MsgType(), s.step),
		CloseRemoteSentInvalidMessage)
}

// ReceiveMessage processes a message from the client. Protocol violations
// are answered with an ERROR message before the connection is torn down;
// the returned error then carries the close reason. Messages racing a
// settlement already under way are dropped.
func (s *ChannelServer) ReceiveMessage(msg chanwire.Message) error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.destroyed {
		return ErrConnectionNotOpen
	}
	if s.step == stepSettling {
		log.Debugf("ChannelServer: ignoring %v during settlement",
			msg.MsgType())
		return nil
	}

	log.Tracef("ChannelServer received %v: %v", msg.MsgType(),
		newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

	switch m := msg.(type) {
	case *chanwire.ClientVersion:
		return s.receiveClientVersion(m)

	case *chanwire.ProvideRefund:
		return s.receiveRefund(m)

	case *chanwire.ProvideContract:
		return s.receiveContract(m)

	case *chanwire.UpdatePayment:
		return s.receiveUpdatePayment(m)

	case *chanwire.CloseChannel:
		return s.receiveClose()

	case *chanwire.Error:
		return s.receiveRemoteError(m)

	default:
		log.Errorf("ChannelServer: got %v message, which never "+
			"applies to servers", msg.MsgType())
		return s.wrongStep(msg)
	}
}

// receiveClientVersion negotiates the protocol generation and either
// resumes the channel the client came back for, or opens a fresh
// negotiation with INITIATE.
func (s *ChannelServer) receiveClientVersion(
	msg *chanwire.ClientVersion) error {

	if s.step != stepWaitingForClientVersion {
		return s.wrongStep(msg)
	}

	if msg.Major != ProtocolMajorVersion {
		return s.abort(chanwire.CodeNoAcceptableVersion, fmt.Sprintf(
			"this server speaks protocol version %d, client "+
				"offered %d", ProtocolMajorVersion, msg.Major),
			CloseNoAcceptableVersion)
	}

	err := s.send(&chanwire.ServerVersion{
		Major: ProtocolMajorVersion,
		Minor: ProtocolMinorVersion,
	})
	if err != nil {
		return err
	}

	// A returning client names the contract of the channel it wants to
	// keep paying over. If we still serve it, skip the negotiation and
	// declare the channel open right away.
	if msg.HasPreviousChannel() {
		id := msg.PreviousChannelContractHash
		log.Infof("Client wants to resume channel %v", id)

		ch, err := s.cfg.Manager.ResumeChannel(id)
		switch {
		case err != nil:
			log.Warnf("No record of channel %v (%v), falling "+
				"back to a fresh negotiation", id, err)

		case ch.State() != channel.ServerReady:
			log.Warnf("Channel %v is %v, not resumable, falling "+
				"back to a fresh negotiation", id, ch.State())

		default:
			s.channel = ch
			s.channelID = id
			s.step = stepServing

			log.Infof("Resumed channel %v with %v banked, "+
				"responding with CHANNEL_OPEN", id,
				ch.BestValueToMe())

			if err := s.send(&chanwire.ChannelOpen{}); err != nil {
				return err
			}
			if s.cfg.OnChannelOpen != nil {
				s.cfg.OnChannelOpen(id)
			}

			return nil
		}
	}

	// Fresh negotiation. Too-long lifetimes are refused, too-short ones
	// answered with our minimum; the client sees the final expiry in
	// INITIATE and gets its own veto.
	window := time.Duration(msg.TimeWindowSecs) * time.Second
	if window > s.cfg.MaxTimeWindow {
		return s.abort(chanwire.CodeTimeWindowTooLarge, fmt.Sprintf(
			"requested time window of %v exceeds the %v this "+
				"server serves", window, s.cfg.MaxTimeWindow),
			CloseTimeWindowTooLarge)
	}
	if window < s.cfg.MinTimeWindow {
		log.Infof("Requested time window of %v is too short, "+
			"offering %v", window, s.cfg.MinTimeWindow)
		window = s.cfg.MinTimeWindow
	}

	serverKey, err := s.cfg.FreshKey()
	if err != nil {
		return s.abort(chanwire.CodeOther, fmt.Sprintf(
			"unable to provision a channel key: %v", err),
			CloseRemoteSentInvalidMessage)
	}

	// Pin the expiry to whole seconds; that is all the wire carries.
	expireTimeSecs := uint64(s.cfg.Clock.Now().Unix()) +
		uint64(window/time.Second)

	s.serverKey = serverKey
	s.expiry = time.Unix(int64(expireTimeSecs), 0)
	s.step = stepWaitingForRefundTransaction

	minPayment := s.cfg.Manager.MinPayment()
	log.Infof("Got initial version message, responding with INITIATE: "+
		"min channel size %v, min payment %v, expiry %v",
		s.cfg.MinAcceptedChannelSize, minPayment, s.expiry)

	return s.send(&chanwire.Initiate{
		MultisigKey:            serverKey.PubKey(),
		ExpireTimeSecs:         expireTimeSecs,
		MinAcceptedChannelSize: s.cfg.MinAcceptedChannelSize,
		MinPayment:             minPayment,
	})
}

// receiveRefund signs the client's refund, binding this server to the
// agreed expiry before any money moves.
func (s *ChannelServer) receiveRefund(msg *chanwire.ProvideRefund) error {
	if s.step != stepWaitingForRefundTransaction {
		return s.wrongStep(msg)
	}

	log.Info("Got refund transaction, returning signature")

	ch, err := s.cfg.Manager.newChannel(s.serverKey, s.expiry)
	if err != nil {
		return s.abort(chanwire.CodeSyntaxError, err.Error(),
			CloseRemoteSentInvalidMessage)
	}

	sig, err := ch.ProvideRefundTransaction(msg.RefundTx, msg.MultisigKey)
	if err != nil {
		return s.abort(chanwire.CodeBadTransaction, err.Error(),
			CloseRemoteSentInvalidMessage)
	}

	s.channel = ch
	s.step = stepWaitingForContractTransaction

	return s.send(&chanwire.ReturnRefund{
		Signature: chanwire.Signature(sig),
	})
}

// receiveContract hands the contract to the machine for validation and
// broadcast. CHANNEL_OPEN follows once the broadcast is accepted.
func (s *ChannelServer) receiveContract(msg *chanwire.ProvideContract) error {
	if s.step != stepWaitingForContractTransaction {
		return s.wrongStep(msg)
	}

	log.Info("Got contract, broadcasting and responding with CHANNEL_OPEN")

	event, err := s.channel.ProvideContract(msg.ContractTx)
	if err != nil {
		return s.abort(chanwire.CodeBadTransaction, err.Error(),
			CloseRemoteSentInvalidMessage)
	}

	id, err := s.channel.ChannelID()
	if err != nil {
		return s.abort(chanwire.CodeSyntaxError, err.Error(),
			CloseRemoteSentInvalidMessage)
	}

	s.channelID = id
	s.cfg.Manager.register(id, s.channel)
	s.step = stepWaitingForBroadcast

	go s.waitForContractAcceptance(event)

	return nil
}

// waitForContractAcceptance completes the channel open once the contract
// broadcast resolves.
func (s *ChannelServer) waitForContractAcceptance(event *channel.OpenEvent) {
	<-event.Done()
	err := event.Err()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	// The connection may have moved on while the broadcast was out.
	if s.destroyed || s.step != stepWaitingForBroadcast {
		return
	}

	if err != nil {
		s.abort(chanwire.CodeBadTransaction, fmt.Sprintf(
			"contract transaction was not accepted: %v", err),
			CloseRemoteSentInvalidMessage)
		return
	}

	s.step = stepServing

	log.Infof("Channel %v open for payments", s.channelID)

	if sendErr := s.send(&chanwire.ChannelOpen{}); sendErr != nil {
		log.Warnf("ChannelServer: %v", sendErr)
		return
	}

	if s.cfg.OnChannelOpen != nil {
		s.cfg.OnChannelOpen(s.channelID)
	}
}

// receiveUpdatePayment banks a payment increase and acknowledges it. The
// wire names the value the client keeps; the machine wants the value
// claimed for this side.
func (s *ChannelServer) receiveUpdatePayment(
	msg *chanwire.UpdatePayment) error {

	if s.step != stepServing {
		return s.wrongStep(msg)
	}

	log.Debugf("Got a payment update")

	claimed, err := contract.SubAmounts(
		s.channel.TotalValue(), msg.ClientChangeValue,
	)
	if err != nil {
		return s.abort(chanwire.CodeBadTransaction, fmt.Sprintf(
			"client change %v is nonsense against the channel "+
				"total: %v", msg.ClientChangeValue, err),
			CloseRemoteSentInvalidMessage)
	}

	last := s.channel.BestValueToMe()
	err = s.channel.IncrementPayment(claimed, msg.Signature)
	if err != nil {
		return s.abort(chanwire.CodeBadTransaction, err.Error(),
			CloseRemoteSentInvalidMessage)
	}

	total := s.channel.BestValueToMe()
	ack := &chanwire.PaymentAck{}

	if s.cfg.OnPayment != nil {
		info, err := s.cfg.OnPayment(total-last, total, msg.Info)
		if err != nil {
			log.Warnf("Payment handler rejected the update: %v",
				err)
			return s.abort(chanwire.CodeOther,
				"failed processing payment update",
				CloseUpdatePaymentFailed)
		}
		ack.Info = info
	}

	if err := s.send(ack); err != nil {
		return err
	}

	// Nothing above the dust floor is left to claim; settle while the
	// best payment still covers its fee comfortably.
	if s.channel.Exhausted() {
		log.Infof("Channel %v is now fully exhausted, initiating "+
			"settlement", s.channelID)
		return s.settle(CloseChannelExhausted)
	}

	return nil
}

// receiveClose settles on the client's request. Before any channel exists
// there is nothing to settle and the connection just ends.
func (s *ChannelServer) receiveClose() error {
	log.Info("Got CLOSE message, closing channel")

	if s.channel != nil {
		return s.settle(CloseClientRequestedClose)
	}

	s.destroy(CloseClientRequestedClose, "")

	return nil
}

// receiveRemoteError handles the peer abandoning the protocol.
func (s *ChannelServer) receiveRemoteError(msg *chanwire.Error) error {
	detail := fmt.Sprintf("client sent %v", msg.Code)
	if len(msg.Data) > 0 {
		detail = fmt.Sprintf("%s: %s", detail, msg.Data)
	}
	log.Errorf("ChannelServer: %s", detail)

	return s.destroy(CloseRemoteSentError, detail)
}

// settle broadcasts the best payment and concludes the connection, sending
// the final CLOSE once the settlement resolves. Entering the settling step
// first stops any message racing the settlement from starting a second
// close. The caller must hold the driver lock.
func (s *ChannelServer) settle(reason CloseReason) error {
	s.step = stepSettling

	event, err := s.channel.Close()
	switch {
	// Nothing was ever paid: the machine has already dropped the channel
	// and there is nothing to broadcast.
	case errors.Is(err, channel.ErrNoPayments):
		log.Infof("Channel %v closed without payments, nothing to "+
			"settle", s.channelID)

		if sendErr := s.send(&chanwire.CloseChannel{}); sendErr != nil {
			log.Warnf("ChannelServer: %v", sendErr)
		}
		s.destroy(reason, "")

		return nil

	// The best payment cannot pay its way on chain right now. The
	// channel record survives, so a later resume can grow it past the
	// fee floor, or the expiry sweep gets another try.
	case err != nil:
		return s.abort(chanwire.CodeBadTransaction, fmt.Sprintf(
			"unable to settle channel: %v", err),
			CloseRemoteSentInvalidMessage)
	}

	go s.waitForSettlement(event, reason)

	return nil
}

// waitForSettlement sends the final CLOSE when the settlement broadcast
// resolves, carrying the transaction so the client can stand down its
// refund.
func (s *ChannelServer) waitForSettlement(event *channel.CloseEvent,
	reason CloseReason) {

	<-event.Done()
	settlementTx, err := event.Outcome()

	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.destroyed {
		return
	}

	if err != nil {
		log.Errorf("ChannelServer: settlement of channel %v failed: "+
			"%v", s.channelID, err)
		s.destroy(reason, fmt.Sprintf("settlement failed: %v", err))

		return
	}

	if settlementTx != nil {
		log.Infof("Sending CLOSE back with settlement tx %v",
			settlementTx.TxHash())
	} else {
		log.Info("Sending CLOSE back without a settlement tx")
	}

	err = s.send(&chanwire.CloseChannel{SettlementTx: settlementTx})
	if err != nil {
		log.Warnf("ChannelServer: %v", err)
	}

	s.destroy(reason, "")
}

// Close ends the connection from this side with a bare CLOSE message. The
// channel is not settled; the client is free to reconnect and resume it.
func (s *ChannelServer) Close() error {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.destroyed || s.step == stepSettling {
		return ErrConnectionNotOpen
	}

	if err := s.send(&chanwire.CloseChannel{}); err != nil {
		log.Warnf("ChannelServer: %v", err)
	}
	s.destroy(CloseServerRequestedClose, "")

	return nil
}

// ConnectionClosed tells the driver the transport went away. The machine
// stays with the manager so the client can resume, and the expiry sweep
// settles it eventually if they never do.
func (s *ChannelServer) ConnectionClosed() {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	if s.destroyed {
		return
	}

	log.Debugf("ChannelServer: transport closed in step %v", s.step)

	s.destroyed = true
}

// Channel returns the machine being driven, nil until the client delivered
// its refund or a resumed channel was adopted.
func (s *ChannelServer) Channel() *channel.Server {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.channel
}

// ChannelID returns the id of the channel this connection serves, the zero
// hash until the contract is known.
func (s *ChannelServer) ChannelID() chainhash.Hash {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	return s.channelID
}
