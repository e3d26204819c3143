package contract

import (
	"bytes"
	"fmt"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/ecdsa"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MultiSigScriptSize is the serialize size of the bare 2-of-2 funding
	// script: OP_2, two 33-byte key pushes, OP_2, OP_CHECKMULTISIG.
	MultiSigScriptSize = 1 + 1 + 33 + 1 + 33 + 1 + 1

	// P2PKHScriptSize is the serialize size of a pay-to-pubkey-hash
	// output script, used for all client and server payout outputs.
	P2PKHScriptSize = 1 + 1 + 1 + 20 + 1 + 1

	// sigScriptMaxSize is the serialize size of the scriptSig spending
	// the funding output: OP_0 plus two signature pushes of at most 73
	// bytes each.
	sigScriptMaxSize = 1 + 1 + 73 + 1 + 73

	// sigHashMask isolates the base signature hash mode from a sighash
	// flag byte, stripping the ANYONECANPAY bit.
	sigHashMask = 0x1f
)

// FundingScript builds the bare 2-of-2 multisig script locking the channel
// funds. The client key is always placed before the server key; the
// signatures in the spending scriptSig must appear in the same order. The
// order is part of the protocol, so no lexicographic sorting happens here.
func FundingScript(clientKey, serverKey *btcec.PublicKey) ([]byte, error) {
	if clientKey == nil || serverKey == nil {
		return nil, fmt.Errorf("%w: missing funding key",
			ErrContractScript)
	}

	bldr := txscript.NewScriptBuilder(txscript.WithScriptAllocSize(
		MultiSigScriptSize,
	))
	bldr.AddOp(txscript.OP_2)
	bldr.AddData(clientKey.SerializeCompressed())
	bldr.AddData(serverKey.SerializeCompressed())
	bldr.AddOp(txscript.OP_2)
	bldr.AddOp(txscript.OP_CHECKMULTISIG)

	return bldr.Script()
}

// CheckFundingScript verifies that pkScript is exactly the funding script
// over the given keys. A mismatch is reported as ErrContractScript naming
// the required key order, since a swapped-order script is the most common
// way a hostile peer mangles the contract.
func CheckFundingScript(pkScript []byte, clientKey,
	serverKey *btcec.PublicKey) error {

	expected, err := FundingScript(clientKey, serverKey)
	if err != nil {
		return err
	}
	if !bytes.Equal(pkScript, expected) {
		return fmt.Errorf("%w: output script is not a 2-of-2 "+
			"multisig over the client and server keys in that "+
			"order", ErrContractScript)
	}

	return nil
}

// FindContractOutput locates the output of tx paying to pkScript and returns
// its index. ErrContractScript is returned when no output matches.
func FindContractOutput(tx *wire.MsgTx, pkScript []byte) (uint32, error) {
	for i, txOut := range tx.TxOut {
		if bytes.Equal(txOut.PkScript, pkScript) {
			return uint32(i), nil
		}
	}

	return 0, fmt.Errorf("%w: transaction carries no output paying to "+
		"the contract script", ErrContractScript)
}

// PayToKeyScript returns the P2PKH output script paying to the given key.
func PayToKeyScript(key *btcec.PublicKey,
	params *chaincfg.Params) ([]byte, error) {

	addr, err := btcutil.NewAddressPubKeyHash(
		btcutil.Hash160(key.SerializeCompressed()), params,
	)
	if err != nil {
		return nil, err
	}

	return txscript.PayToAddrScript(addr)
}

// MultiSigScriptSig assembles the scriptSig spending the funding output from
// the two encoded signatures. The leading OP_0 consumes the extra stack
// element popped by OP_CHECKMULTISIG, and the signatures must match the key
// order of the funding script: client first, then server.
func MultiSigScriptSig(clientSig, serverSig []byte) ([]byte, error) {
	if len(clientSig) == 0 || len(serverSig) == 0 {
		return nil, fmt.Errorf("%w: missing signature", ErrSigEncoding)
	}

	bldr := txscript.NewScriptBuilder(txscript.WithScriptAllocSize(
		sigScriptMaxSize,
	))
	bldr.AddOp(txscript.OP_0)
	bldr.AddData(clientSig)
	bldr.AddData(serverSig)

	return bldr.Script()
}

// ParseChannelSignature decodes a signature blob exchanged over the channel
// protocol: a DER signature followed by a single sighash flag byte, the
// encoding bitcoind uses inside transaction scripts.
func ParseChannelSignature(sig []byte) (*ecdsa.Signature,
	txscript.SigHashType, error) {

	if len(sig) < 9 {
		return nil, 0, fmt.Errorf("%w: %d bytes", ErrSigEncoding,
			len(sig))
	}

	hashType := txscript.SigHashType(sig[len(sig)-1])
	ecSig, err := ecdsa.ParseDERSignature(sig[:len(sig)-1])
	if err != nil {
		return nil, 0, fmt.Errorf("%w: %v", ErrSigEncoding, err)
	}

	return ecSig, hashType, nil
}

// VerifySignature checks a channel signature against the given transaction
// input and script, using the sighash mode carried in the signature itself.
// It reports false for any invalid or undecodable signature and never
// returns an error for mere invalidity.
func VerifySignature(tx *wire.MsgTx, idx int, script, sigBytes []byte,
	pubKey *btcec.PublicKey) bool {

	ecSig, hashType, err := ParseChannelSignature(sigBytes)
	if err != nil {
		return false
	}

	hash, err := txscript.CalcSignatureHash(script, hashType, tx, idx)
	if err != nil {
		return false
	}

	return ecSig.Verify(hash, pubKey)
}

// VerifyInputScript executes the input script of tx at idx against the
// output it spends, running the full script engine. This is the final check
// before a channel transaction leaves the state machine.
func VerifyInputScript(tx *wire.MsgTx, idx int, prevOut *wire.TxOut) error {
	prevFetcher := txscript.NewCannedPrevOutputFetcher(
		prevOut.PkScript, prevOut.Value,
	)
	hashCache := txscript.NewTxSigHashes(tx, prevFetcher)

	vm, err := txscript.NewEngine(
		prevOut.PkScript, tx, idx, txscript.StandardVerifyFlags,
		nil, hashCache, prevOut.Value, prevFetcher,
	)
	if err != nil {
		return err
	}

	return vm.Execute()
}
