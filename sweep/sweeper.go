// Package sweep watches the channel registry for approaching expiries and
// acts on both sides of the deadline: server channels are forced into
// settlement shortly before their refund unlocks, and client refunds are
// broadcast once their lock time has passed without a settlement showing
// up.
package sweep

import (
	"errors"
	"sync"
	"time"

	"github.com/btcmicro/paychan/chandb"
	"github.com/btcmicro/paychan/channel"
	"github.com/btcmicro/paychan/chanwallet"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/lightningnetwork/lnd/clock"
	"github.com/lightningnetwork/lnd/ticker"
)

const (
	// DefaultCloseMargin is how long before a channel's expiry the
	// serving side forces a settlement. Waiting any longer risks the
	// client's refund racing the settlement to the chain.
	DefaultCloseMargin = 2 * time.Hour

	// DefaultSweepInterval is how often the registry is scanned for
	// channels due for action.
	DefaultSweepInterval = time.Minute
)

// Config holds the collaborators a Sweeper needs to watch and act on the
// registry. All fields are required unless stated otherwise.
type Config struct {
	// ListClientChannels snapshots the client side of the registry.
	ListClientChannels func() ([]*chandb.ClientChannel, error)

	// ListServerChannels snapshots the server side of the registry.
	ListServerChannels func() ([]*chandb.ServerChannel, error)

	// RemoveClientChannel drops a client channel's registry entry once
	// its refund has been confirmed and there is nothing left to
	// recover.
	RemoveClientChannel func(chainhash.Hash) error

	// CloseChannel forces the server channel with the given id into
	// settlement. The owner resolves the id to a live machine, or
	// resumes one from the registry first.
	CloseChannel func(chainhash.Hash) error

	// Broadcaster publishes expired refund transactions.
	Broadcaster chanwallet.Broadcaster

	// Ticker drives the registry scans.
	Ticker ticker.Ticker

	// Clock is the time source expiry decisions are made against.
	Clock clock.Clock

	// CloseMargin is how long before expiry server channels are forced
	// closed. Defaults to DefaultCloseMargin when zero.
	CloseMargin time.Duration
}

// Sweeper scans the channel registry on every tick and forces the channels
// whose expiry is due onto the chain: settlements for the serving side,
// refunds for the funding side. Channels already handed off are skipped
// until the attempt resolves, failed attempts are retried on a later tick.
type Sweeper struct {
	started sync.Once
	stopped sync.Once

	cfg Config

	// pending tracks channels whose settlement or refund is already in
	// flight, keeping a slow chain from triggering duplicate attempts.
	mtx     sync.Mutex
	pending map[chainhash.Hash]struct{}

	wg   sync.WaitGroup
	quit chan struct{}
}

// New creates a Sweeper around the given configuration.
func New(cfg Config) *Sweeper {
	if cfg.CloseMargin <= 0 {
		cfg.CloseMargin = DefaultCloseMargin
	}

	return &Sweeper{
		cfg:     cfg,
		pending: make(map[chainhash.Hash]struct{}),
		quit:    make(chan struct{}),
	}
}

// Start begins the periodic registry scans.
func (s *Sweeper) Start() error {
	s.started.Do(func() {
		log.Infof("Channel sweeper starting, close margin %v",
			s.cfg.CloseMargin)

		s.cfg.Ticker.Resume()

		s.wg.Add(1)
		go s.sweepLoop()
	})

	return nil
}

// Stop ends the scans and waits for any in-flight work to wind down.
func (s *Sweeper) Stop() error {
	s.stopped.Do(func() {
		log.Info("Channel sweeper shutting down")

		s.cfg.Ticker.Stop()
		close(s.quit)
		s.wg.Wait()
	})

	return nil
}

// sweepLoop runs the scans off the ticker until Stop.
func (s *Sweeper) sweepLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.cfg.Ticker.Ticks():
			s.sweepOnce()

		case <-s.quit:
			return
		}
	}
}

// sweepOnce snapshots the registry and acts on every channel whose deadline
// has arrived.
func (s *Sweeper) sweepOnce() {
	clientChannels, err := s.cfg.ListClientChannels()
	if err != nil {
		log.Errorf("Unable to list client channels: %v", err)
		return
	}
	serverChannels, err := s.cfg.ListServerChannels()
	if err != nil {
		log.Errorf("Unable to list server channels: %v", err)
		return
	}

	s.prunePending(clientChannels, serverChannels)

	now := s.cfg.Clock.Now()
	s.sweepServerChannels(now, serverChannels)
	s.sweepClientRefunds(now, clientChannels)
}

// prunePending forgets in-flight markers whose registry entries are gone,
// which is how completed settlements and refunds leave the books.
func (s *Sweeper) prunePending(clientChannels []*chandb.ClientChannel,
	serverChannels []*chandb.ServerChannel) {

	live := make(map[chainhash.Hash]struct{})
	for _, channel := range clientChannels {
		live[channel.ID] = struct{}{}
	}
	for _, channel := range serverChannels {
		live[channel.ID] = struct{}{}
	}

	s.mtx.Lock()
	defer s.mtx.Unlock()

	for id := range s.pending {
		if _, ok := live[id]; !ok {
			delete(s.pending, id)
		}
	}
}

func (s *Sweeper) isPending(id chainhash.Hash) bool {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	_, ok := s.pending[id]

	return ok
}

func (s *Sweeper) setPending(id chainhash.Hash) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	s.pending[id] = struct{}{}
}

func (s *Sweeper) clearPending(id chainhash.Hash) {
	s.mtx.Lock()
	defer s.mtx.Unlock()

	delete(s.pending, id)
}

// sweepServerChannels forces a settlement for every server channel within
// the close margin of its expiry. Leaving such a channel open any longer
// would let the client's refund race the settlement onto the chain.
func (s *Sweeper) sweepServerChannels(now time.Time,
	channels []*chandb.ServerChannel) {

	for _, ch := range channels {
		expiry := time.Unix(int64(ch.ExpiryTime), 0)
		if now.Before(expiry.Add(-s.cfg.CloseMargin)) {
			continue
		}
		if s.isPending(ch.ID) {
			continue
		}

		log.Infof("Channel %v expires at %v, forcing settlement",
			ch.ID, expiry)

		s.setPending(ch.ID)
		err := s.cfg.CloseChannel(ch.ID)
		switch {
		case errors.Is(err, channel.ErrNoPayments):
			log.Infof("Channel %v expired without payments, "+
				"nothing to settle", ch.ID)

		case err != nil:
			log.Errorf("Unable to settle channel %v: %v", ch.ID,
				err)
			s.clearPending(ch.ID)
		}
	}
}

// sweepClientRefunds broadcasts the refund of every client channel whose
// expiry has passed without a settlement being observed.
func (s *Sweeper) sweepClientRefunds(now time.Time,
	channels []*chandb.ClientChannel) {

	for _, ch := range channels {
		expiry := time.Unix(int64(ch.ExpiryTime), 0)
		if now.Before(expiry) {
			continue
		}
		if s.isPending(ch.ID) {
			continue
		}
		if ch.RefundTx == nil {
			log.Errorf("Channel %v expired but its record "+
				"carries no refund", ch.ID)
			continue
		}

		log.Infof("Channel %v expired, broadcasting refund %v",
			ch.ID, ch.RefundTx.TxHash())

		s.setPending(ch.ID)
		event := s.cfg.Broadcaster.Broadcast(ch.RefundTx)

		s.wg.Add(1)
		go s.waitForRefund(ch.ID, event)
	}
}

// waitForRefund settles the books on a refund broadcast: a confirmed refund
// retires the registry entry, a failed one is retried on a later tick. A
// refund can lose to a settlement that reached the chain first, which is a
// failure here but a fine outcome for the channel.
func (s *Sweeper) waitForRefund(id chainhash.Hash,
	event *chanwallet.BroadcastEvent) {

	defer s.wg.Done()

	select {
	case <-event.Confirmed:
		log.Infof("Refund for channel %v confirmed", id)

		if err := s.cfg.RemoveClientChannel(id); err != nil {
			log.Errorf("Unable to remove channel %v after "+
				"refund: %v", id, err)
		}
		s.clearPending(id)

	case err := <-event.Err:
		log.Errorf("Refund broadcast for channel %v failed: %v", id,
			err)
		s.clearPending(id)

	case <-s.quit:
	}
}
