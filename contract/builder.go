package contract

import (
	"fmt"

	"github.com/btcmicro/paychan/chanfee"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// channelTxVersion is the transaction version used for every channel
	// transaction. Both parties must build byte-identical transactions
	// for their signatures to line up, and the version is covered by the
	// signature hash, so it is pinned rather than left to defaults.
	channelTxVersion = 1

	// RefundSequence is the sequence number placed on the refund input.
	// Any value below the final sequence keeps nLockTime in force, so the
	// refund cannot be mined before the channel expires.
	RefundSequence = wire.MaxTxInSequenceNum - 1

	// paymentClientIndex is the index of the client change output in a
	// payment transaction. The client signs with
	// SIGHASH_SINGLE|ANYONECANPAY, which commits only to the output at
	// the same index as the signed input, so the client output must sit
	// at index zero where the funding input does.
	paymentClientIndex = 0

	// paymentServerIndex is the index of the server output in a payment
	// transaction. The client signature does not commit to it, which is
	// what lets the server later subtract the settlement fee from its
	// own share without invalidating the client signature.
	paymentServerIndex = 1

	// EstimatedSettlementSize is the worst case serialize size of the
	// settlement transaction: one input spending the funding output with
	// a two-signature scriptSig, and two P2PKH outputs.
	EstimatedSettlementSize = 4 + 1 + (41 + sigScriptMaxSize) + 1 +
		2*(9+P2PKHScriptSize) + 4
)

// FundingSource supplies wallet coins for the funding transaction.
// Implementations add the inputs and any change output needed to pay the
// requested outputs plus network fees, and sign the inputs they contribute.
type FundingSource interface {
	// FundTransaction returns a funded, signed transaction paying
	// exactly the given outputs, plus any change output the wallet adds
	// for itself.
	FundTransaction(outputs []*wire.TxOut) (*wire.MsgTx, error)
}

// Builder assembles and signs the three transaction shapes of a payment
// channel: the funding contract, the timelocked refund, and the incremental
// payment which is rebuilt as the settlement at close. A Builder holds no
// per-channel state and may be shared across channels.
type Builder struct {
	// Params identifies the chain the transactions pay on.
	Params *chaincfg.Params

	// Estimator supplies the fee policy for the refund and settlement
	// transactions and the relay rate backing all dust decisions.
	Estimator chanfee.Estimator
}

// DustThreshold returns the smallest value a P2PKH payout output may carry
// and still relay at the builder's fee policy.
func (b *Builder) DustThreshold() btcutil.Amount {
	return chanfee.DustLimit(P2PKHScriptSize, b.Estimator.RelayFeePerKB())
}

// MinChannelValue returns the smallest totalValue a channel can open with:
// the dust floor of the eventual payout output plus one flat fee for each of
// the two transactions that commit and release the funds.
func (b *Builder) MinChannelValue() btcutil.Amount {
	return b.DustThreshold() + 2*b.Estimator.ChannelTxFee()
}

// MinSettlementFee returns the smallest fee relay nodes accept for the
// settlement transaction at the builder's relay rate. A channel whose final
// server balance sits below this can never be settled cooperatively.
func (b *Builder) MinSettlementFee() btcutil.Amount {
	return chanfee.FeeForSize(
		b.Estimator.RelayFeePerKB(), EstimatedSettlementSize,
	)
}

// FundingOutput builds the output locking totalValue under the 2-of-2
// funding script over the two channel keys. ErrValueTooSmall is returned
// when totalValue is dust for the funding script itself.
func (b *Builder) FundingOutput(clientKey, serverKey *btcec.PublicKey,
	totalValue btcutil.Amount) (*wire.TxOut, error) {

	fundingScript, err := FundingScript(clientKey, serverKey)
	if err != nil {
		return nil, err
	}

	dust := chanfee.DustLimit(
		len(fundingScript), b.Estimator.RelayFeePerKB(),
	)
	if totalValue < dust {
		return nil, fmt.Errorf("%w: funding output of %v is below "+
			"the %v dust floor", ErrValueTooSmall, totalValue,
			dust)
	}

	return wire.NewTxOut(int64(totalValue), fundingScript), nil
}

// BuildFundingTransaction asks the wallet to fund a transaction carrying the
// channel's funding output. The wallet pays the network fee on top of
// totalValue and signs the inputs it contributes, so the returned
// transaction is ready for broadcast once the refund is secured. The index
// of the funding output within the returned transaction is also returned,
// since the wallet is free to place its change anywhere.
func (b *Builder) BuildFundingTransaction(wallet FundingSource, clientKey,
	serverKey *btcec.PublicKey, totalValue btcutil.Amount) (*wire.MsgTx,
	uint32, error) {

	fundingOutput, err := b.FundingOutput(clientKey, serverKey, totalValue)
	if err != nil {
		return nil, 0, err
	}

	fundingTx, err := wallet.FundTransaction([]*wire.TxOut{fundingOutput})
	if err != nil {
		return nil, 0, err
	}

	outputIndex, err := FindContractOutput(fundingTx, fundingOutput.PkScript)
	if err != nil {
		return nil, 0, err
	}

	return fundingTx, outputIndex, nil
}

// BuildRefundTransaction builds the client's timeout fallback: a single
// input spending the funding output with a non-final sequence number, and a
// single output returning totalValue minus the flat fee to the client, all
// locked until expiryTime. ErrValueTooSmall is returned when totalValue
// cannot cover a non-dust payout plus a fee for each of the two transactions
// that must confirm for the refund to be worth anything.
func (b *Builder) BuildRefundTransaction(fundingOutPoint wire.OutPoint,
	clientKey *btcec.PublicKey, totalValue btcutil.Amount,
	expiryTime uint32) (*wire.MsgTx, error) {

	minValue := b.MinChannelValue()
	if totalValue < minValue {
		return nil, fmt.Errorf("%w: %v cannot cover a refund above "+
			"the dust floor plus fees, need at least %v",
			ErrValueTooSmall, totalValue, minValue)
	}

	refundValue, err := SubAmounts(totalValue, b.Estimator.ChannelTxFee())
	if err != nil {
		return nil, err
	}

	payoutScript, err := PayToKeyScript(clientKey, b.Params)
	if err != nil {
		return nil, err
	}

	refund := wire.NewMsgTx(channelTxVersion)
	refund.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutPoint,
		Sequence:         RefundSequence,
	})
	refund.AddTxOut(wire.NewTxOut(int64(refundValue), payoutScript))
	refund.LockTime = expiryTime

	return refund, nil
}

// CheckRefundShape verifies that a refund transaction matches the only shape
// the protocol signs: exactly one input with a sequence number that keeps
// the lock time in force, exactly one output, and a lock time equal to the
// agreed expiry. Anything else is reported as ErrRefundShape, since extra
// inputs or outputs are how a hostile peer turns the refund into something
// other than a timeout fallback.
func CheckRefundShape(refund *wire.MsgTx, expiryTime uint32) error {
	if len(refund.TxIn) != 1 {
		return fmt.Errorf("%w: refund has %d inputs, want 1",
			ErrRefundShape, len(refund.TxIn))
	}
	if refund.TxIn[0].Sequence == wire.MaxTxInSequenceNum {
		return fmt.Errorf("%w: refund input sequence disables the "+
			"lock time", ErrRefundShape)
	}
	if len(refund.TxOut) != 1 {
		return fmt.Errorf("%w: refund has %d outputs, want 1",
			ErrRefundShape, len(refund.TxOut))
	}
	if refund.LockTime != expiryTime {
		return fmt.Errorf("%w: refund lock time is %d, agreed "+
			"expiry is %d", ErrRefundShape, refund.LockTime,
			expiryTime)
	}

	return nil
}

// SignRefund produces the server's signature over the client's refund
// transaction, after checking it against the agreed shape. The signature
// uses SIGHASH_NONE|ANYONECANPAY: it commits to the lock time, the funding
// outpoint and the non-final sequence, and to nothing else, so the client
// may still amend its own payout without another round trip. ErrRefundShape
// is returned when the refund deviates from the agreed shape, in which case
// nothing is signed.
func (b *Builder) SignRefund(refund *wire.MsgTx, fundingScript []byte,
	expiryTime uint32, serverKey *btcec.PrivateKey) ([]byte, error) {

	if err := CheckRefundShape(refund, expiryTime); err != nil {
		return nil, err
	}

	return txscript.RawTxInSignature(
		refund, 0, fundingScript,
		txscript.SigHashNone|txscript.SigHashAnyOneCanPay, serverKey,
	)
}

// FinalizeRefund completes the client's refund in place: it signs with the
// client key under SIGHASH_ALL, assembles the two-signature script together
// with the server signature obtained during setup, and runs the script
// engine against the funding output as a final check. After this the refund
// is broadcastable the moment its lock time passes.
func (b *Builder) FinalizeRefund(refund *wire.MsgTx,
	fundingOutput *wire.TxOut, clientKey *btcec.PrivateKey,
	serverSig []byte) error {

	clientSig, err := txscript.RawTxInSignature(
		refund, 0, fundingOutput.PkScript, txscript.SigHashAll,
		clientKey,
	)
	if err != nil {
		return err
	}

	sigScript, err := MultiSigScriptSig(clientSig, serverSig)
	if err != nil {
		return err
	}
	refund.TxIn[0].SignatureScript = sigScript

	return VerifyInputScript(refund, 0, fundingOutput)
}

// BuildPaymentTransaction builds the transaction carrying the channel's
// current balance split: the client change of totalValue - amountToServer
// at index 0, where the client's SIGHASH_SINGLE signature pins it, and
// amountToServer to the server at index 1, where the server can later
// charge the settlement fee against its own share. No lock time is set.
// ErrValueTooSmall is returned when the client change would be dust, since
// such a transaction could never be relayed and a signature over it would
// hand the server value the client can never reclaim through a smaller
// refund.
func (b *Builder) BuildPaymentTransaction(fundingOutPoint wire.OutPoint,
	clientKey, serverKey *btcec.PublicKey, amountToServer,
	totalValue btcutil.Amount) (*wire.MsgTx, error) {

	if amountToServer < 0 {
		return nil, fmt.Errorf("%w: negative amount %v to server",
			ErrValueTooSmall, amountToServer)
	}

	clientChange, err := SubAmounts(totalValue, amountToServer)
	if err != nil {
		return nil, err
	}
	if dust := b.DustThreshold(); clientChange < dust {
		return nil, fmt.Errorf("%w: client change of %v is below "+
			"the %v dust floor", ErrValueTooSmall, clientChange,
			dust)
	}

	clientScript, err := PayToKeyScript(clientKey, b.Params)
	if err != nil {
		return nil, err
	}
	serverScript, err := PayToKeyScript(serverKey, b.Params)
	if err != nil {
		return nil, err
	}

	payment := wire.NewMsgTx(channelTxVersion)
	payment.AddTxIn(&wire.TxIn{
		PreviousOutPoint: fundingOutPoint,
		Sequence:         wire.MaxTxInSequenceNum,
	})
	payment.AddTxOut(wire.NewTxOut(int64(clientChange), clientScript))
	payment.AddTxOut(wire.NewTxOut(int64(amountToServer), serverScript))

	return payment, nil
}

// SignPayment produces the client's signature over a payment transaction.
// The caller chooses the sighash mode, normally
// SIGHASH_SINGLE|ANYONECANPAY so the signature stays valid while the server
// adjusts its own output for fees at close. SIGHASH_NONE is refused with
// ErrInvalidSigHash: a NONE signature over the funding output commits to no
// outputs at all and would let the server pay the whole channel anywhere,
// which is why the protocol reserves NONE for the server's refund signature.
func (b *Builder) SignPayment(payment *wire.MsgTx, fundingScript []byte,
	clientKey *btcec.PrivateKey,
	hashType txscript.SigHashType) ([]byte, error) {

	if hashType&sigHashMask == txscript.SigHashNone {
		return nil, fmt.Errorf("%w: SIGHASH_NONE", ErrInvalidSigHash)
	}

	return txscript.RawTxInSignature(
		payment, 0, fundingScript, hashType, clientKey,
	)
}

// BuildSettlementTransaction rebuilds the best payment transaction as the
// final settlement, charging fee to the server output. The client output is
// reproduced exactly as the client signed it. A server output that the fee
// would leave below the dust floor is dropped entirely and its remainder
// absorbed into the fee. The settlement and the fee it actually pays are
// returned; fee must not exceed bestValueToMe.
func (b *Builder) BuildSettlementTransaction(fundingOutPoint wire.OutPoint,
	clientKey, serverKey *btcec.PublicKey, bestValueToMe,
	totalValue, fee btcutil.Amount) (*wire.MsgTx, btcutil.Amount, error) {

	if fee > bestValueToMe {
		return nil, 0, fmt.Errorf("%w: fee %v exceeds settleable "+
			"value %v", ErrValueTooSmall, fee, bestValueToMe)
	}

	settlement, err := b.BuildPaymentTransaction(
		fundingOutPoint, clientKey, serverKey, bestValueToMe,
		totalValue,
	)
	if err != nil {
		return nil, 0, err
	}

	serverValue, err := SubAmounts(bestValueToMe, fee)
	if err != nil {
		return nil, 0, err
	}

	if serverValue < b.DustThreshold() {
		settlement.TxOut = settlement.TxOut[:paymentServerIndex]
		return settlement, bestValueToMe, nil
	}

	settlement.TxOut[paymentServerIndex].Value = int64(serverValue)

	return settlement, fee, nil
}

// SignSettlement produces the server's SIGHASH_ALL signature over the final
// settlement transaction. Unlike every earlier signature in the channel's
// life this one commits to the complete transaction, freezing the balance
// split for broadcast.
func (b *Builder) SignSettlement(settlement *wire.MsgTx,
	fundingScript []byte, serverKey *btcec.PrivateKey) ([]byte, error) {

	return txscript.RawTxInSignature(
		settlement, 0, fundingScript, txscript.SigHashAll, serverKey,
	)
}
