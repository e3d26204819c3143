package chanwallet

import (
	"testing"

	"github.com/btcmicro/paychan/contract"
	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var (
	testWalletKeyBytes = []byte{
		0x6e, 0x21, 0xab, 0x6c, 0x38, 0x04, 0x1e, 0xd5,
		0x3f, 0x55, 0xb1, 0x5e, 0xa1, 0x7d, 0x4a, 0xb4,
		0x6b, 0x87, 0xf2, 0x3c, 0x9a, 0x02, 0x33, 0x16,
		0x6a, 0x28, 0x55, 0xf9, 0x91, 0x45, 0x61, 0x23,
	}

	testCoinHash = chainhash.Hash{
		0xaa, 0x21, 0xab, 0x6c, 0x38, 0x04, 0x1e, 0xd5,
		0x3f, 0x55, 0xb1, 0x5e, 0xa1, 0x7d, 0x4a, 0xb4,
		0x6b, 0x87, 0xf2, 0x3c, 0x9a, 0x02, 0x33, 0x16,
		0x6a, 0x28, 0x55, 0xf9, 0x91, 0x45, 0x61, 0xbb,
	}
)

// newTestWallet returns a regtest wallet holding the given coin values.
func newTestWallet(t *testing.T,
	coinValues ...btcutil.Amount) *FundingWallet {

	t.Helper()

	privKey, _ := btcec.PrivKeyFromBytes(testWalletKeyBytes)
	wallet, err := NewFundingWallet(
		&chaincfg.RegressionNetParams, privKey, 1_000,
	)
	require.NoError(t, err)

	coins := make([]Coin, len(coinValues))
	for i, value := range coinValues {
		coins[i] = Coin{
			OutPoint: wire.OutPoint{
				Hash:  testCoinHash,
				Index: uint32(i),
			},
			Value:    value,
			PkScript: wallet.PkScript(),
		}
	}
	require.NoError(t, wallet.AddCoins(coins...))

	return wallet
}

// TestAddCoins asserts that only outputs paying the wallet's own script can
// be credited, and that the balance tracks the credited coins.
func TestAddCoins(t *testing.T) {
	t.Parallel()

	wallet := newTestWallet(t, 60_000, 50_000)
	require.Equal(t, btcutil.Amount(110_000), wallet.CurrentBalance())

	foreign := Coin{
		OutPoint: wire.OutPoint{Hash: testCoinHash, Index: 9},
		Value:    25_000,
		PkScript: []byte{txscript.OP_TRUE},
	}
	require.Error(t, wallet.AddCoins(foreign))
	require.Equal(t, btcutil.Amount(110_000), wallet.CurrentBalance())
}

// TestAffordsValue asserts the advisory affordability check: comfortably
// affordable values pass, the whole balance fails because nothing is left
// for the fee.
func TestAffordsValue(t *testing.T) {
	t.Parallel()

	wallet := newTestWallet(t, 100_000)

	require.True(t, wallet.AffordsValue(50_000))
	require.True(t, wallet.AffordsValue(99_000))
	require.False(t, wallet.AffordsValue(100_000))
	require.False(t, wallet.AffordsValue(150_000))
}

// TestFundTransaction funds a real output set and asserts coin selection,
// change handling, conservation of value, script validity of every signed
// input, and the debit of spent coins.
func TestFundTransaction(t *testing.T) {
	t.Parallel()

	wallet := newTestWallet(t, 60_000, 50_000)

	// Pay to a throwaway script that is not the wallet's own, so the
	// requested output and the change are distinguishable.
	payScript := []byte{txscript.OP_TRUE}
	requested := wire.NewTxOut(70_000, payScript)

	fundingTx, err := wallet.FundTransaction([]*wire.TxOut{requested})
	require.NoError(t, err)

	// 70k exceeds the largest single coin, so both must have been
	// selected.
	require.Len(t, fundingTx.TxIn, 2)
	require.Len(t, fundingTx.TxOut, 2)

	// The requested output must appear untouched, the other output is
	// change back to the wallet.
	requestedIdx, err := contract.FindContractOutput(fundingTx, payScript)
	require.NoError(t, err)
	require.EqualValues(t, 70_000, fundingTx.TxOut[requestedIdx].Value)

	changeIdx := 1 - requestedIdx
	require.Equal(
		t, wallet.PkScript(), fundingTx.TxOut[changeIdx].PkScript,
	)

	// Conservation: inputs fund the outputs plus a sane fee.
	totalOut := fundingTx.TxOut[0].Value + fundingTx.TxOut[1].Value
	fee := btcutil.Amount(110_000 - totalOut)
	require.Positive(t, fee)
	require.Less(t, fee, btcutil.Amount(1_000))

	// Every input must carry a script that actually spends its coin.
	for i, txIn := range fundingTx.TxIn {
		require.NotEmpty(t, txIn.SignatureScript)

		prevOut := wire.NewTxOut(0, wallet.PkScript())
		require.NoError(
			t, contract.VerifyInputScript(fundingTx, i, prevOut),
		)
	}

	// The spent coins are debited and the change credited: the balance
	// must have shrunk by exactly the payment plus fee.
	require.Equal(
		t, btcutil.Amount(110_000)-70_000-fee,
		wallet.CurrentBalance(),
	)

	// A second spend of the same coins is impossible, only the change
	// remains.
	_, err = wallet.FundTransaction([]*wire.TxOut{
		wire.NewTxOut(100_000, payScript),
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
}

// TestFundTransactionInsufficient asserts that an unaffordable request
// fails cleanly without debiting any coin.
func TestFundTransactionInsufficient(t *testing.T) {
	t.Parallel()

	wallet := newTestWallet(t, 30_000)

	_, err := wallet.FundTransaction([]*wire.TxOut{
		wire.NewTxOut(50_000, []byte{txscript.OP_TRUE}),
	})
	require.ErrorIs(t, err, ErrInsufficientFunds)
	require.Equal(t, btcutil.Amount(30_000), wallet.CurrentBalance())
}

// TestBroadcastEvent asserts the buffered event plumbing: a resolution
// never blocks the broadcaster and is observed exactly once.
func TestBroadcastEvent(t *testing.T) {
	t.Parallel()

	event := NewBroadcastEvent()

	tx := wire.NewMsgTx(1)
	event.Confirmed <- tx

	select {
	case got := <-event.Confirmed:
		require.Equal(t, tx, got)
	default:
		t.Fatal("confirmation not buffered")
	}
}
