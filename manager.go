package paychan

import (
	"fmt"
	"sync"
	"time"

	"github.com/btcmicro/paychan/chandb"
	"github.com/btcmicro/paychan/chanfee"
	"github.com/btcmicro/paychan/channel"
	"github.com/btcmicro/paychan/chanwallet"
	"github.com/btcmicro/paychan/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
)

// ManagerConfig bundles the collaborators shared by every server channel a
// node serves.
type ManagerConfig struct {
	// Builder assembles and checks the channel transactions of every
	// machine the manager creates.
	Builder *contract.Builder

	// Broadcaster publishes contract and settlement transactions.
	Broadcaster chanwallet.Broadcaster

	// RecordChannel persists a channel record. Handed through to every
	// machine. May be nil when nothing should be persisted.
	RecordChannel func(*chandb.ServerChannel) error

	// RemoveChannel drops a channel record once it settled. May be nil.
	RemoveChannel func(chainhash.Hash) error

	// FetchChannel loads the record of a channel with no live machine,
	// serving resumes and expiry closes across restarts. May be nil, in
	// which case only live machines are served.
	FetchChannel func(chainhash.Hash) (*chandb.ServerChannel, error)

	// MinPayment is the floor every machine holds the first payment to.
	// Connections advertise it during negotiation. Zero means
	// chanfee.DefaultChannelTxFee, enough to keep an abandoned channel
	// settleable.
	MinPayment btcutil.Amount
}

// ChannelManager tracks the live server-side channel machines of a node.
// Connections register the channels they open, returning clients are handed
// back the machine they left behind, and the expiry sweep settles through
// CloseChannel without needing a connection at all.
type ChannelManager struct {
	cfg ManagerConfig

	mtx    sync.Mutex
	active map[chainhash.Hash]*channel.Server
}

// NewChannelManager constructs a manager from the given config.
func NewChannelManager(cfg ManagerConfig) (*ChannelManager, error) {
	if cfg.Builder == nil {
		return nil, fmt.Errorf("channel manager requires a builder")
	}
	if cfg.Broadcaster == nil {
		return nil, fmt.Errorf("channel manager requires a broadcaster")
	}
	if cfg.MinPayment == 0 {
		cfg.MinPayment = chanfee.DefaultChannelTxFee
	}

	return &ChannelManager{
		cfg:    cfg,
		active: make(map[chainhash.Hash]*channel.Server),
	}, nil
}

// machineCfg assembles the ServerCfg shared by fresh and resumed machines.
func (m *ChannelManager) machineCfg(serverKey *btcec.PrivateKey,
	expiry time.Time) channel.ServerCfg {

	return channel.ServerCfg{
		Builder:       m.cfg.Builder,
		Broadcaster:   m.cfg.Broadcaster,
		RecordChannel: m.cfg.RecordChannel,
		RemoveChannel: m.cfg.RemoveChannel,
		ServerKey:     serverKey,
		Expiry:        expiry,
		MinPayment:    m.cfg.MinPayment,
	}
}

// newChannel mints the machine for a fresh channel served until expiry.
func (m *ChannelManager) newChannel(serverKey *btcec.PrivateKey,
	expiry time.Time) (*channel.Server, error) {

	return channel.NewServer(m.machineCfg(serverKey, expiry))
}

// register indexes a live machine under its channel id so later connections
// and the expiry sweep can find it. Fresh channels gain their id only once
// the contract arrives, hence the separate call.
func (m *ChannelManager) register(id chainhash.Hash, ch *channel.Server) {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	m.active[id] = ch

	log.Debugf("ChannelManager: tracking channel %v (%d active)", id,
		len(m.active))
}

// liveChannel returns the tracked machine for id, pruning machines that
// already ran to completion. The caller must hold the manager lock.
func (m *ChannelManager) liveChannel(id chainhash.Hash) (*channel.Server,
	bool) {

	ch, ok := m.active[id]
	if !ok {
		return nil, false
	}

	switch ch.State() {
	case channel.ServerClosed, channel.ServerErrored:
		delete(m.active, id)
		return nil, false
	}

	return ch, true
}

// ResumeChannel returns the live machine for the given channel id, reviving
// one from the registry when none is tracked. Unknown channels fail with
// chandb.ErrChannelNotFound.
func (m *ChannelManager) ResumeChannel(id chainhash.Hash) (*channel.Server,
	error) {

	m.mtx.Lock()
	defer m.mtx.Unlock()

	if ch, ok := m.liveChannel(id); ok {
		return ch, nil
	}

	if m.cfg.FetchChannel == nil {
		return nil, chandb.ErrChannelNotFound
	}
	record, err := m.cfg.FetchChannel(id)
	if err != nil {
		return nil, err
	}

	ch, err := channel.ResumeServer(
		m.machineCfg(nil, time.Time{}), record,
	)
	if err != nil {
		return nil, err
	}
	m.active[id] = ch

	log.Infof("ChannelManager: revived channel %v from the registry, "+
		"%v banked", id, ch.BestValueToMe())

	return ch, nil
}

// CloseChannel settles the channel with the given id, whether or not any
// connection is serving it. This is the hook the expiry sweep presses
// shortly before the refund becomes valid. channel.ErrNoPayments reports a
// channel that had nothing to settle and was simply dropped.
func (m *ChannelManager) CloseChannel(id chainhash.Hash) error {
	ch, err := m.ResumeChannel(id)
	if err != nil {
		return err
	}

	_, err = ch.Close()
	return err
}

// MinPayment returns the first-payment floor served channels enforce, for
// connections to advertise during negotiation.
func (m *ChannelManager) MinPayment() btcutil.Amount {
	return m.cfg.MinPayment
}

// NumActive returns the number of machines currently tracked.
func (m *ChannelManager) NumActive() int {
	m.mtx.Lock()
	defer m.mtx.Unlock()

	return len(m.active)
}
