package chanfee

import (
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txrules"
)

const (
	// DefaultChannelTxFee is the flat fee paid by each channel
	// transaction: the timelocked refund and the final settlement. It
	// matches the reference minimum transaction fee the v1 channel
	// protocol was tuned against, so channels remain settleable on nodes
	// still enforcing the legacy minimum.
	DefaultChannelTxFee = btcutil.Amount(10000)

	// DefaultRelayFeePerKB is the fallback minimum relay fee rate used
	// for dust computations when no live policy is available.
	DefaultRelayFeePerKB = txrules.DefaultRelayFeePerKb

	// redeemP2PKHInputSize is the worst case serialize size of an input
	// redeeming an output with a compressed pubkey, the minimum input
	// size the dust rule assumes.
	redeemP2PKHInputSize = 148
)

// Estimator is the single fee policy every channel component consults when
// building the refund and settlement transactions. Implementations must be
// safe for concurrent use.
type Estimator interface {
	// ChannelTxFee returns the flat fee each channel transaction pays.
	ChannelTxFee() btcutil.Amount

	// RelayFeePerKB returns the minimum relay fee rate, used to compute
	// dust limits and the relay floor of the settlement fee.
	RelayFeePerKB() btcutil.Amount
}

// StaticEstimator returns fixed values for all fee requests. It is the
// default policy and is designed to be replaced by a live estimator wired to
// a bitcoind or similar fee source.
type StaticEstimator struct {
	// channelTxFee is the flat fee returned for every channel
	// transaction.
	channelTxFee btcutil.Amount

	// relayFee is the minimum relay fee rate returned for dust
	// computations.
	relayFee btcutil.Amount
}

// NewStaticEstimator returns a new static fee estimator instance.
func NewStaticEstimator(channelTxFee,
	relayFee btcutil.Amount) *StaticEstimator {

	return &StaticEstimator{
		channelTxFee: channelTxFee,
		relayFee:     relayFee,
	}
}

// ChannelTxFee returns the configured flat channel transaction fee.
//
// NOTE: This method is part of the Estimator interface.
func (s *StaticEstimator) ChannelTxFee() btcutil.Amount {
	return s.channelTxFee
}

// RelayFeePerKB returns the configured minimum relay fee rate.
//
// NOTE: This method is part of the Estimator interface.
func (s *StaticEstimator) RelayFeePerKB() btcutil.Amount {
	return s.relayFee
}

// A compile-time assertion to ensure that StaticEstimator implements the
// Estimator interface.
var _ Estimator = (*StaticEstimator)(nil)

// DustLimit returns the smallest output value that is not considered dust
// for an output script of the given size at the given relay fee rate. It is
// the exact boundary of the mempool rule txrules.IsDustAmount enforces: an
// output is dust when spending it costs more than a third of its value,
// assuming the input redeeming it has the minimum possible size.
func DustLimit(scriptSize int, relayFeePerKB btcutil.Amount) btcutil.Amount {
	totalSize := 8 + wire.VarIntSerializeSize(uint64(scriptSize)) +
		scriptSize + redeemP2PKHInputSize

	return (3*btcutil.Amount(totalSize)*relayFeePerKB + 999) / 1000
}

// FeeForSize returns the absolute fee a transaction of the given serialize
// size pays at the given rate, with the rounding rules relay nodes use.
func FeeForSize(feePerKB btcutil.Amount, size int) btcutil.Amount {
	return txrules.FeeForSerializeSize(feePerKB, size)
}
