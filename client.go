package paychan

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcmicro/paychan/chandb"
	"github.com/btcmicro/paychan/chanfee"
	"github.com/btcmicro/paychan/channel"
	"github.com/btcmicro/paychan/chanwallet"
	"github.com/btcmicro/paychan/chanwire"
	"github.com/btcmicro/paychan/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/davecgh/go-spew/spew"
	"github.com/lightningnetwork/lnd/clock"
)

// DefaultMaxAcceptedMinPayment caps the first payment a server may demand
// before this client walks away. It matches the flat channel transaction
// fee, the amount a sane server needs covered up front.
const DefaultMaxAcceptedMinPayment = chanfee.DefaultChannelTxFee

// clientStep tracks where in the message sequence the client side of a
// connection stands.
type clientStep uint8

const (
	stepClientNew clientStep = iota
	stepWaitingForServerVersion
	stepWaitingForInitiate
	stepWaitingForRefundSignature
	stepWaitingForChannelOpen
	stepChannelOpen
	stepWaitingForChannelClose
	stepChannelClosed
)

// String returns a human readable name for the step.
func (s clientStep) String() string {
	switch s {
	case stepClientNew:
		return "New"
	case stepWaitingForServerVersion:
		return "WaitingForServerVersion"
	case stepWaitingForInitiate:
		return "WaitingForInitiate"
	case stepWaitingForRefundSignature:
		return "WaitingForRefundSignature"
	case stepWaitingForChannelOpen:
		return "WaitingForChannelOpen"
	case stepChannelOpen:
		return "ChannelOpen"
	case stepWaitingForChannelClose:
		return "WaitingForChannelClose"
	case stepChannelClosed:
		return "ChannelClosed"
	default:
		return fmt.Sprintf("clientStep(%d)", uint8(s))
	}
}

// ClientConfig bundles everything a ChannelClient needs to negotiate and
// pay over a channel on some transport.
type ClientConfig struct {
	// Builder assembles and checks the channel transactions.
	Builder *contract.Builder

	// Wallet funds the contract transaction of a fresh channel.
	Wallet chanwallet.Wallet

	// Clock supplies the time for expiry decisions.
	Clock clock.Clock

	// RecordChannel persists the channel record backing the refund
	// fallback. Handed through to the machine. May be nil.
	RecordChannel func(*chandb.ClientChannel) error

	// RemoveChannel drops the record once the settlement was seen. May
	// be nil.
	RemoveChannel func(chainhash.Hash) error

	// ClientKey is the private key this side commits to the contract's
	// 2-of-2 output.
	ClientKey *btcec.PrivateKey

	// MaxValue is the value locked into a fresh channel, and so the most
	// the server can ever be paid over it.
	MaxValue btcutil.Amount

	// MaxAcceptedMinPayment caps the first-payment floor the server may
	// demand. Zero means DefaultMaxAcceptedMinPayment.
	MaxAcceptedMinPayment btcutil.Amount

	// TimeWindow is the channel lifetime proposed to the server. Zero
	// means DefaultTimeWindow.
	TimeWindow time.Duration

	// Resume optionally offers the server a channel from an earlier
	// connection. It must still be open for payments. When the server
	// recognises it, negotiation is skipped and payments continue on the
	// old channel; otherwise a fresh channel is negotiated as usual.
	Resume *channel.Client

	// SendMessage delivers a message to the server. It must not call
	// back into the driver.
	SendMessage func(chanwire.Message) error

	// CloseConnection tears the transport down. It is called at most
	// once, with the reason the connection ended, and must not call back
	// into the driver.
	CloseConnection func(CloseReason)

	// OnChannelOpen fires once the channel is open for payments. resumed
	// reports whether an earlier channel was adopted rather than a fresh
	// one negotiated. Called with the driver lock held; implementations
	// must not call back into the driver.
	OnChannelOpen func(resumed bool)
}

// ChannelClient speaks the client side of the channel protocol, translating
// server messages into transitions of an underlying channel.Client machine.
// The transport feeds it through ReceiveMessage; everything it wants sent
// goes out through the configured SendMessage.
type ChannelClient struct {
	cfg ClientConfig

	mtx  sync.Mutex
	step clientStep

	// channel is the machine being driven. Set once INITIATE is accepted
	// for a fresh channel, or on resume adoption.
	channel *channel.Client
	resumed bool

	// minPayment is the server's first-payment floor from INITIATE,
	// committed as the opening payment.
	minPayment btcutil.Amount

	// missing records the shortfall behind a value rejection.
	missing btcutil.Amount

	// pendingAck gates payments: only one may await its PAYMENT_ACK.
	pendingAck *PaymentResult

	destroyed bool
}

// NewChannelClient builds a client driver from the given config. Start
// opens the conversation.
func NewChannelClient(cfg ClientConfig) (*ChannelClient, error) {
	if cfg.Builder == nil || cfg.Wallet == nil || cfg.Clock == nil {
		return nil, fmt.Errorf("channel client requires a builder, " +
			"a wallet and a clock")
	}
	if cfg.SendMessage == nil || cfg.CloseConnection == nil {
		return nil, fmt.Errorf("channel client requires transport " +
			"callbacks")
	}
	if cfg.ClientKey == nil {
		return nil, fmt.Errorf("channel client requires a client key")
	}
	if cfg.MaxValue <= 0 {
		return nil, fmt.Errorf("channel value %v is not positive",
			cfg.MaxValue)
	}
	if cfg.Resume != nil && cfg.Resume.State() != channel.ClientReady {
		return nil, fmt.Errorf("%w: resume offered in state %v",
			ErrChannelNotReady, cfg.Resume.State())
	}

	if cfg.TimeWindow <= 0 {
		cfg.TimeWindow = DefaultTimeWindow
	}
	if cfg.MaxAcceptedMinPayment <= 0 {
		cfg.MaxAcceptedMinPayment = DefaultMaxAcceptedMinPayment
	}

	return &ChannelClient{
		cfg:  cfg,
		step: stepClientNew,
	}, nil
}

// Start opens the conversation with a CLIENT_VERSION message, offering to
// resume an earlier channel when one was configured.
func (c *ChannelClient) Start() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.step != stepClientNew {
		return ErrAlreadyStarted
	}

	ver := &chanwire.ClientVersion{
		Major:          ProtocolMajorVersion,
		Minor:          ProtocolMinorVersion,
		TimeWindowSecs: uint64(c.cfg.TimeWindow / time.Second),
	}

	if c.cfg.Resume != nil {
		id, err := c.cfg.Resume.ChannelID()
		if err != nil {
			return err
		}
		ver.PreviousChannelContractHash = id

		log.Infof("Begun version handshake, offering to resume "+
			"channel %v", id)
	} else {
		log.Info("Begun version handshake for a fresh channel")
	}

	c.step = stepWaitingForServerVersion

	return c.send(ver)
}

// send pushes a message out through the transport. The caller must hold the
// driver lock.
func (c *ChannelClient) send(msg chanwire.Message) error {
	log.Tracef("ChannelClient sending %v: %v", msg.MsgType(),
		newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

	if err := c.cfg.SendMessage(msg); err != nil {
		return fmt.Errorf("unable to send %v message: %w",
			msg.MsgType(), err)
	}

	return nil
}

// sendError ships an ERROR message to the server. Send failures are only
// logged; the connection is coming down regardless.
func (c *ChannelClient) sendError(code chanwire.ErrorCode, detail string,
	expected btcutil.Amount) {

	err := c.send(&chanwire.Error{
		Code:          code,
		Data:          chanwire.ErrorData(detail),
		ExpectedValue: expected,
	})
	if err != nil {
		log.Warnf("ChannelClient: %v", err)
	}
}

// destroy tears the connection down exactly once and fails any payment
// still waiting for its acknowledgement. The caller must hold the driver
// lock.
func (c *ChannelClient) destroy(reason CloseReason, detail string) error {
	closeErr := newCloseError(reason, detail)

	if c.pendingAck != nil {
		c.pendingAck.resolve(nil, closeErr)
		c.pendingAck = nil
	}

	if !c.destroyed {
		c.destroyed = true

		log.Infof("ChannelClient: destroying connection: %v", closeErr)
		c.cfg.CloseConnection(reason)
	}

	return closeErr
}

// wrongStep rejects a message that doesn't fit the current protocol step
// and ends the connection, telling the peer what it did wrong.
func (c *ChannelClient) wrongStep(msg chanwire.Message) error {
	detail := fmt.Sprintf("%v message not valid in step %v",
		msg.MsgType(), c.step)
	log.Errorf("ChannelClient: %s", detail)

	c.sendError(chanwire.CodeSyntaxError, detail, 0)
	return c.destroy(CloseRemoteSentInvalidMessage, detail)
}

// ReceiveMessage processes a message from the server. Protocol violations
// are answered with an ERROR message before the connection is torn down;
// the returned error then carries the close reason.
func (c *ChannelClient) ReceiveMessage(msg chanwire.Message) error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.step == stepClientNew || c.destroyed {
		return ErrConnectionNotOpen
	}

	log.Tracef("ChannelClient received %v: %v", msg.MsgType(),
		newLogClosure(func() string {
			return spew.Sdump(msg)
		}))

	switch m := msg.(type) {
	case *chanwire.ServerVersion:
		return c.receiveServerVersion(m)

	case *chanwire.Initiate:
		return c.receiveInitiate(m)

	case *chanwire.ReturnRefund:
		return c.receiveRefundSignature(m)

	case *chanwire.ChannelOpen:
		return c.receiveChannelOpen(m)

	case *chanwire.PaymentAck:
		return c.receivePaymentAck(m)

	case *chanwire.CloseChannel:
		return c.receiveClose(m)

	case *chanwire.Error:
		return c.receiveRemoteError(m)

	default:
		log.Errorf("ChannelClient: got %v message, which never "+
			"applies to clients", msg.MsgType())
		return c.wrongStep(msg)
	}
}

// receiveServerVersion concludes the version handshake.
func (c *ChannelClient) receiveServerVersion(
	msg *chanwire.ServerVersion) error {

	if c.step != stepWaitingForServerVersion {
		return c.wrongStep(msg)
	}

	// A server may answer with a lower major version to offer a
	// fallback. There is only one generation to speak, so anything else
	// ends the negotiation.
	if msg.Major != ProtocolMajorVersion {
		detail := fmt.Sprintf("server speaks protocol version %d, "+
			"this client requires %d", msg.Major,
			ProtocolMajorVersion)
		log.Errorf("ChannelClient: %s", detail)

		c.sendError(chanwire.CodeNoAcceptableVersion, detail, 0)
		return c.destroy(CloseNoAcceptableVersion, detail)
	}

	log.Debugf("Got version handshake (server %d.%d), awaiting INITIATE "+
		"or resume CHANNEL_OPEN", msg.Major, msg.Minor)
	c.step = stepWaitingForInitiate

	return nil
}

// receiveInitiate holds the server's channel terms against this client's
// limits and, when they are acceptable, funds the contract and opens the
// refund exchange.
func (c *ChannelClient) receiveInitiate(msg *chanwire.Initiate) error {
	if c.step != stepWaitingForInitiate {
		return c.wrongStep(msg)
	}

	expiry := time.Unix(int64(msg.ExpireTimeSecs), 0)

	log.Infof("Got INITIATE: expiry %v, min channel size %v, min "+
		"payment %v", expiry, msg.MinAcceptedChannelSize,
		msg.MinPayment)

	if c.cfg.Resume != nil {
		log.Info("Server declined to resume the offered channel, " +
			"negotiating a fresh one")
	}

	// The server names an absolute expiry. Hold it against the window we
	// proposed, granting slack for clock skew between the hosts.
	limit := c.cfg.Clock.Now().Add(c.cfg.TimeWindow + timeSkewAllowance)
	if expiry.After(limit) {
		detail := fmt.Sprintf("expiry %v lies beyond the proposed "+
			"window (limit %v)", expiry, limit)
		log.Errorf("ChannelClient: %s", detail)

		c.sendError(chanwire.CodeTimeWindowTooLarge, detail, 0)
		return c.destroy(CloseTimeWindowTooLarge, detail)
	}

	// The whole channel has to clear the server's size floor.
	if msg.MinAcceptedChannelSize > c.cfg.MaxValue {
		c.missing = msg.MinAcceptedChannelSize - c.cfg.MaxValue
		detail := fmt.Sprintf("server wants a channel of at least "+
			"%v, %v more than the %v on offer",
			msg.MinAcceptedChannelSize, c.missing, c.cfg.MaxValue)
		log.Errorf("ChannelClient: %s", detail)

		c.sendError(chanwire.CodeChannelValueTooLarge, detail, 0)
		return c.destroy(CloseServerRequestedTooMuchValue, detail)
	}

	// And the demanded first payment must be one this client is willing
	// to hand over unconditionally.
	if msg.MinPayment > c.cfg.MaxAcceptedMinPayment {
		c.missing = msg.MinPayment - c.cfg.MaxAcceptedMinPayment
		detail := fmt.Sprintf("server wants a first payment of %v, "+
			"this client accepts at most %v", msg.MinPayment,
			c.cfg.MaxAcceptedMinPayment)
		log.Errorf("ChannelClient: %s", detail)

		c.sendError(chanwire.CodeMinPaymentTooLarge, detail,
			c.cfg.MaxAcceptedMinPayment)
		return c.destroy(CloseServerRequestedTooMuchValue, detail)
	}

	if !c.cfg.Wallet.AffordsValue(c.cfg.MaxValue) {
		detail := fmt.Sprintf("wallet cannot fund a %v channel",
			c.cfg.MaxValue)
		log.Errorf("ChannelClient: %s", detail)

		c.sendError(chanwire.CodeChannelValueTooLarge, detail, 0)
		return c.destroy(CloseServerRequestedTooMuchValue, detail)
	}

	ch, err := channel.NewClient(channel.ClientCfg{
		Builder:       c.cfg.Builder,
		Wallet:        c.cfg.Wallet,
		Clock:         c.cfg.Clock,
		RecordChannel: c.cfg.RecordChannel,
		RemoveChannel: c.cfg.RemoveChannel,
		ClientKey:     c.cfg.ClientKey,
		ServerKey:     msg.MultisigKey,
		TotalValue:    c.cfg.MaxValue,
		Expiry:        expiry,
	})
	if err != nil {
		c.sendError(chanwire.CodeSyntaxError, err.Error(), 0)
		return c.destroy(CloseRemoteSentInvalidMessage, err.Error())
	}

	// Fund and build the contract. The wallet has the final say on
	// whether the channel value is affordable.
	if err := ch.Initiate(); err != nil {
		log.Errorf("ChannelClient: unable to set the channel up: %v",
			err)

		c.sendError(chanwire.CodeChannelValueTooLarge, err.Error(), 0)
		return c.destroy(CloseServerRequestedTooMuchValue, err.Error())
	}

	refundTx, err := ch.Refund()
	if err != nil {
		c.sendError(chanwire.CodeSyntaxError, err.Error(), 0)
		return c.destroy(CloseRemoteSentInvalidMessage, err.Error())
	}

	c.channel = ch
	c.minPayment = msg.MinPayment
	c.step = stepWaitingForRefundSignature

	return c.send(&chanwire.ProvideRefund{
		MultisigKey: c.cfg.ClientKey.PubKey(),
		RefundTx:    refundTx,
	})
}

// receiveRefundSignature completes the refund with the server's signature
// and answers with the signed contract.
func (c *ChannelClient) receiveRefundSignature(
	msg *chanwire.ReturnRefund) error {

	if c.step != stepWaitingForRefundSignature {
		return c.wrongStep(msg)
	}

	log.Info("Got RETURN_REFUND, providing signed contract")

	if err := c.channel.ProvideRefundSignature(msg.Signature); err != nil {
		log.Errorf("ChannelClient: refund signature rejected: %v", err)

		c.sendError(chanwire.CodeBadTransaction, err.Error(), 0)
		return c.destroy(CloseRemoteSentInvalidMessage, err.Error())
	}

	contractTx, err := c.channel.Contract()
	if err != nil {
		c.sendError(chanwire.CodeSyntaxError, err.Error(), 0)
		return c.destroy(CloseRemoteSentInvalidMessage, err.Error())
	}

	c.step = stepWaitingForChannelOpen

	return c.send(&chanwire.ProvideContract{ContractTx: contractTx})
}

// receiveChannelOpen marks the channel payable. For a fresh channel the
// server has accepted and broadcast the contract, and the opening payment is
// committed right away. Straight after the version handshake it instead
// means the server recognised the channel offered for resume.
func (c *ChannelClient) receiveChannelOpen(msg *chanwire.ChannelOpen) error {
	resumed := c.step == stepWaitingForInitiate && c.cfg.Resume != nil
	if c.step != stepWaitingForChannelOpen && !resumed {
		return c.wrongStep(msg)
	}

	if resumed {
		c.channel = c.cfg.Resume
		c.resumed = true
		c.step = stepChannelOpen

		id, _ := c.channel.ChannelID()
		log.Infof("Server resumed channel %v, ready to pay (%v "+
			"remaining)", id, c.channel.ValueRemaining())

		if c.cfg.OnChannelOpen != nil {
			c.cfg.OnChannelOpen(true)
		}

		return nil
	}

	if err := c.channel.NotifyContractAccepted(); err != nil {
		c.sendError(chanwire.CodeSyntaxError, err.Error(), 0)
		return c.destroy(CloseRemoteSentInvalidMessage, err.Error())
	}

	id, _ := c.channel.ChannelID()
	log.Infof("Channel %v open, ready to pay", id)

	c.step = stepChannelOpen

	// The server's first-payment floor is owed immediately. Commit it
	// before handing the channel to the application; the acknowledgement
	// gate stays occupied until the server answers.
	if c.minPayment > 0 {
		if _, err := c.commitPayment(c.minPayment, nil); err != nil {
			detail := fmt.Sprintf("unable to commit the %v "+
				"opening payment: %v", c.minPayment, err)
			log.Errorf("ChannelClient: %s", detail)

			c.sendError(chanwire.CodeOther, detail, 0)
			return c.destroy(CloseRemoteSentInvalidMessage, detail)
		}
	}

	if c.cfg.OnChannelOpen != nil {
		c.cfg.OnChannelOpen(false)
	}

	return nil
}

// commitPayment signs delta more over to the server, ships the update and
// arms the acknowledgement gate. The caller must hold the driver lock and
// have checked that the gate is free.
func (c *ChannelClient) commitPayment(delta btcutil.Amount,
	info chanwire.Info) (*PaymentResult, error) {

	before := c.channel.ValueToServer()
	payment, err := c.channel.IncrementPaymentBy(delta)
	if err != nil {
		return nil, err
	}

	update := &chanwire.UpdatePayment{
		ClientChangeValue: payment.ClientChange,
		Signature:         chanwire.Signature(payment.Signature),
		Info:              info,
	}
	if err := c.send(update); err != nil {
		return nil, err
	}

	result := newPaymentResult(payment.Value - before)
	c.pendingAck = result

	return result, nil
}

// IncrementPayment signs delta more of the channel's value over to the
// server and ships the update. Only one payment may be in flight at a time;
// wait on the returned result before sending the next.
func (c *ChannelClient) IncrementPayment(delta btcutil.Amount,
	info chanwire.Info) (*PaymentResult, error) {

	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.destroyed || c.step != stepChannelOpen {
		return nil, fmt.Errorf("%w: step %v", ErrChannelNotReady,
			c.step)
	}
	if c.pendingAck != nil {
		return nil, ErrPaymentInFlight
	}

	return c.commitPayment(delta, info)
}

// receivePaymentAck resolves the in-flight payment. A stray ack with
// nothing outstanding is noted and dropped.
func (c *ChannelClient) receivePaymentAck(msg *chanwire.PaymentAck) error {
	if c.pendingAck == nil {
		log.Debugf("Got PAYMENT_ACK with no payment outstanding")
		return nil
	}

	log.Debugf("Got PAYMENT_ACK (%d info bytes)", len(msg.Info))

	result := c.pendingAck
	c.pendingAck = nil
	result.resolve(msg.Info, nil)

	return nil
}

// Settle asks the server to broadcast the best payment and end the channel.
// The connection stays up until the server answers with its own CLOSE; the
// channel record survives until that answer carries the settlement.
func (c *ChannelClient) Settle() error {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.step == stepClientNew || c.step == stepChannelClosed ||
		c.destroyed {

		return ErrConnectionNotOpen
	}

	// No further payments leave this side; the machine keeps its refund
	// fallback until the settlement is seen.
	if c.channel != nil && c.channel.State() == channel.ClientReady {
		if err := c.channel.Close(); err != nil {
			return err
		}
	}

	log.Info("Sending CLOSE, asking the server to settle")
	c.step = stepWaitingForChannelClose

	return c.send(&chanwire.CloseChannel{})
}

// receiveClose finishes the channel. A carried settlement transaction is
// verified to spend our contract before the machine treats the channel as
// settled; without one the record stays, leaving the refund fallback armed.
func (c *ChannelClient) receiveClose(msg *chanwire.CloseChannel) error {
	if msg.SettlementTx != nil {
		settleHash := msg.SettlementTx.TxHash()
		log.Infof("Got CLOSE with settlement tx %v", settleHash)

		if c.channel != nil && c.spendsContract(msg.SettlementTx) {
			if err := c.channel.NotifySettled(); err != nil {
				log.Warnf("ChannelClient: unable to mark "+
					"channel settled: %v", err)
			}
		} else {
			log.Warnf("Settlement tx %v does not spend the "+
				"channel contract, keeping the refund",
				settleHash)
		}
	} else {
		// Only the connection ends here. The channel itself survives
		// for a later resume, or for the expiry sweep if the client
		// never returns.
		log.Info("Got CLOSE without a settlement tx")
	}

	reason := CloseServerRequestedClose
	if c.step == stepWaitingForChannelClose {
		reason = CloseClientRequestedClose
	}
	c.step = stepChannelClosed

	c.destroy(reason, "")

	return nil
}

// spendsContract reports whether the transaction spends the channel's
// funding output, i.e. is some settlement of it.
func (c *ChannelClient) spendsContract(tx *wire.MsgTx) bool {
	outPoint, err := c.channel.FundingOutPoint()
	if err != nil {
		return false
	}

	for _, txIn := range tx.TxIn {
		if txIn.PreviousOutPoint == outPoint {
			return true
		}
	}

	return false
}

// receiveRemoteError handles the peer abandoning the protocol.
func (c *ChannelClient) receiveRemoteError(msg *chanwire.Error) error {
	detail := fmt.Sprintf("server sent %v", msg.Code)
	if len(msg.Data) > 0 {
		detail = fmt.Sprintf("%s: %s", detail, msg.Data)
	}
	log.Errorf("ChannelClient: %s", detail)

	return c.destroy(CloseRemoteSentError, detail)
}

// ConnectionClosed tells the driver the transport went away. Any payment
// still in flight fails; an open machine stays usable for a later resume.
func (c *ChannelClient) ConnectionClosed() {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	if c.destroyed && c.step == stepChannelClosed {
		return
	}

	log.Debugf("ChannelClient: transport closed in step %v", c.step)

	c.destroyed = true
	c.step = stepChannelClosed

	if c.pendingAck != nil {
		c.pendingAck.resolve(
			nil, newCloseError(CloseConnectionClosed, ""),
		)
		c.pendingAck = nil
	}
}

// Channel returns the machine being driven, nil until the server's terms
// were accepted. After the connection ends it is what a later connection's
// Resume takes, and where the refund lives.
func (c *ChannelClient) Channel() *channel.Client {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.channel
}

// Resumed reports whether the open channel was adopted from an earlier
// connection rather than freshly negotiated.
func (c *ChannelClient) Resumed() bool {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.resumed
}

// Missing returns how far this client's limits fell short when the
// connection ended with CloseServerRequestedTooMuchValue: the channel value
// or first payment the server wanted beyond what we would fund.
func (c *ChannelClient) Missing() btcutil.Amount {
	c.mtx.Lock()
	defer c.mtx.Unlock()

	return c.missing
}
