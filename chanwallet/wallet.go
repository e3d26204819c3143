package chanwallet

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/btcmicro/paychan/chanfee"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/btcsuite/btcwallet/wallet/txauthor"
	"github.com/btcsuite/btcwallet/wallet/txsizes"
)

// Coin is a spendable output under the wallet's key.
type Coin struct {
	// OutPoint locates the output on chain.
	OutPoint wire.OutPoint

	// Value is the amount the output carries.
	Value btcutil.Amount

	// PkScript is the output script, which must pay to the wallet.
	PkScript []byte
}

// FundingWallet is a minimal single-key P2PKH wallet able to select coins,
// attach change and sign inputs for a funding transaction. It exists so
// embedders and tests can open channels without a full wallet behind them;
// production deployments satisfy Wallet with their own implementation.
type FundingWallet struct {
	mtx sync.Mutex

	params        *chaincfg.Params
	privKey       *btcec.PrivateKey
	address       btcutil.Address
	pkScript      []byte
	relayFeePerKB btcutil.Amount

	coins map[wire.OutPoint]Coin
}

// A compile-time assertion that FundingWallet satisfies the Wallet
// collaborator contract.
var _ Wallet = (*FundingWallet)(nil)

// NewFundingWallet returns a wallet over a single key, paying and receiving
// through the key's P2PKH address, with no coins yet.
func NewFundingWallet(params *chaincfg.Params, privKey *btcec.PrivateKey,
	relayFeePerKB btcutil.Amount) (*FundingWallet, error) {

	address, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(privKey.PubKey().SerializeCompressed()),
		params,
	)
	if err != nil {
		return nil, err
	}
	pkScript, err := txscript.PayToAddrScript(address)
	if err != nil {
		return nil, err
	}

	return &FundingWallet{
		params:        params,
		privKey:       privKey,
		address:       address,
		pkScript:      pkScript,
		relayFeePerKB: relayFeePerKB,
		coins:         make(map[wire.OutPoint]Coin),
	}, nil
}

// Address returns the wallet's receive address.
func (w *FundingWallet) Address() btcutil.Address {
	return w.address
}

// PkScript returns the output script paying the wallet.
func (w *FundingWallet) PkScript() []byte {
	script := make([]byte, len(w.pkScript))
	copy(script, w.pkScript)

	return script
}

// AddCoins credits outputs paying the wallet's script. Outputs paying
// anything else are refused, since the wallet could never sign them away.
func (w *FundingWallet) AddCoins(coins ...Coin) error {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	for _, coin := range coins {
		if !bytes.Equal(coin.PkScript, w.pkScript) {
			return fmt.Errorf("coin %v does not pay to the "+
				"wallet", coin.OutPoint)
		}
		w.coins[coin.OutPoint] = coin
	}

	return nil
}

// CurrentBalance returns the wallet's spendable balance.
//
// NOTE: This method is part of the Wallet interface.
func (w *FundingWallet) CurrentBalance() btcutil.Amount {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	return w.balance()
}

// AffordsValue reports whether the balance covers amount plus the estimated
// fee of a single-input funding transaction with change. The answer is
// advisory, FundTransaction performs the authoritative coin selection.
//
// NOTE: This method is part of the Wallet interface.
func (w *FundingWallet) AffordsValue(amount btcutil.Amount) bool {
	w.mtx.Lock()
	defer w.mtx.Unlock()

	placeholder := &wire.TxOut{
		Value:    int64(amount),
		PkScript: w.pkScript,
	}
	size := txsizes.EstimateSerializeSize(
		1, []*wire.TxOut{placeholder}, true,
	)
	fee := chanfee.FeeForSize(w.relayFeePerKB, size)

	return w.balance() >= amount+fee
}

// FundTransaction selects coins covering the given outputs plus the network
// fee, appends change back to the wallet, and signs every input. The
// selected coins are debited and the change credited before returning, so a
// second call cannot double-spend the first.
//
// NOTE: This method is part of the Wallet interface.
func (w *FundingWallet) FundTransaction(
	outputs []*wire.TxOut) (*wire.MsgTx, error) {

	w.mtx.Lock()
	defer w.mtx.Unlock()

	changeSource := &txauthor.ChangeSource{
		NewScript: func() ([]byte, error) {
			return w.pkScript, nil
		},
		ScriptSize: len(w.pkScript),
	}

	atx, err := txauthor.NewUnsignedTransaction(
		outputs, w.relayFeePerKB, w.inputSource(), changeSource,
	)
	var inputErr txauthor.InputSourceError
	if errors.As(err, &inputErr) {
		return nil, fmt.Errorf("%w: %v", ErrInsufficientFunds, err)
	}
	if err != nil {
		return nil, err
	}

	if atx.ChangeIndex >= 0 {
		atx.RandomizeChangePosition()
	}

	if err := atx.AddAllInputScripts(w); err != nil {
		return nil, err
	}

	// The selected coins are spent now, any change is a fresh coin.
	for _, txIn := range atx.Tx.TxIn {
		delete(w.coins, txIn.PreviousOutPoint)
	}
	if atx.ChangeIndex >= 0 {
		outPoint := wire.OutPoint{
			Hash:  atx.Tx.TxHash(),
			Index: uint32(atx.ChangeIndex),
		}
		w.coins[outPoint] = Coin{
			OutPoint: outPoint,
			Value: btcutil.Amount(
				atx.Tx.TxOut[atx.ChangeIndex].Value,
			),
			PkScript: w.pkScript,
		}
	}

	log.Debugf("Funded transaction %v: %d input(s), %d output(s), "+
		"total input %v", atx.Tx.TxHash(), len(atx.Tx.TxIn),
		len(atx.Tx.TxOut), atx.TotalInput)

	return atx.Tx, nil
}

// balance sums the wallet's coins. The caller must hold mtx.
func (w *FundingWallet) balance() btcutil.Amount {
	var balance btcutil.Amount
	for _, coin := range w.coins {
		balance += coin.Value
	}

	return balance
}

// inputSource returns a txauthor input source drawing on the wallet's
// coins, largest first. The caller must hold mtx for the lifetime of the
// source.
func (w *FundingWallet) inputSource() txauthor.InputSource {
	eligible := make([]Coin, 0, len(w.coins))
	for _, coin := range w.coins {
		eligible = append(eligible, coin)
	}

	// Pick largest outputs first to keep the input count down.
	sort.Slice(eligible, func(i, j int) bool {
		return eligible[i].Value > eligible[j].Value
	})

	currentTotal := btcutil.Amount(0)
	currentInputs := make([]*wire.TxIn, 0, len(eligible))
	currentScripts := make([][]byte, 0, len(eligible))
	currentInputValues := make([]btcutil.Amount, 0, len(eligible))

	return func(target btcutil.Amount) (btcutil.Amount, []*wire.TxIn,
		[]btcutil.Amount, [][]byte, error) {

		for currentTotal < target && len(eligible) != 0 {
			nextCoin := eligible[0]
			eligible = eligible[1:]

			nextInput := wire.NewTxIn(&nextCoin.OutPoint, nil, nil)
			currentTotal += nextCoin.Value
			currentInputs = append(currentInputs, nextInput)
			currentScripts = append(
				currentScripts, nextCoin.PkScript,
			)
			currentInputValues = append(
				currentInputValues, nextCoin.Value,
			)
		}

		return currentTotal, currentInputs, currentInputValues,
			currentScripts, nil
	}
}

// GetKey looks up the private key for addr while txauthor signs the
// selected inputs.
//
// NOTE: This method is part of the txauthor.SecretsSource interface.
func (w *FundingWallet) GetKey(addr btcutil.Address) (*btcec.PrivateKey,
	bool, error) {

	if addr.EncodeAddress() != w.address.EncodeAddress() {
		return nil, false, fmt.Errorf("unknown address %v", addr)
	}

	return w.privKey, true, nil
}

// GetScript looks up redeem scripts while txauthor signs the selected
// inputs. The wallet holds plain P2PKH coins only, so there is never a
// script to return.
//
// NOTE: This method is part of the txauthor.SecretsSource interface.
func (w *FundingWallet) GetScript(addr btcutil.Address) ([]byte, error) {
	return nil, fmt.Errorf("no redeem script for address %v", addr)
}

// ChainParams returns the chain the wallet's keys are bound to.
//
// NOTE: This method is part of the txauthor.SecretsSource interface.
func (w *FundingWallet) ChainParams() *chaincfg.Params {
	return w.params
}
