package chanwire

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"math"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

// WriteBytes appends the given bytes to the provided buffer.
func WriteBytes(buf *bytes.Buffer, b []byte) error {
	_, err := buf.Write(b)
	return err
}

// WriteUint16 appends the uint16 to the provided buffer.
func WriteUint16(buf *bytes.Buffer, n uint16) error {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteUint64 appends the uint64 to the provided buffer.
func WriteUint64(buf *bytes.Buffer, n uint64) error {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], n)
	_, err := buf.Write(b[:])
	return err
}

// WriteSatoshi appends the btcutil.Amount to the provided buffer.
func WriteSatoshi(buf *bytes.Buffer, amount btcutil.Amount) error {
	return WriteUint64(buf, uint64(amount))
}

// WritePublicKey appends the compressed public key to the provided buffer.
func WritePublicKey(buf *bytes.Buffer, pub *btcec.PublicKey) error {
	if pub == nil {
		return ErrNilPublicKey
	}

	serializedPubkey := pub.SerializeCompressed()
	return WriteBytes(buf, serializedPubkey)
}

// WriteHash appends the raw 32 bytes of the hash to the provided buffer.
func WriteHash(buf *bytes.Buffer, hash chainhash.Hash) error {
	return WriteBytes(buf, hash[:])
}

// WriteSignature appends the length-prefixed signature to the provided
// buffer.
func WriteSignature(buf *bytes.Buffer, sig Signature) error {
	if len(sig) > MaxSignatureSize {
		return fmt.Errorf("invalid signature length: %v bytes",
			len(sig))
	}

	if err := WriteUint16(buf, uint16(len(sig))); err != nil {
		return err
	}

	return WriteBytes(buf, sig)
}

// WriteInfo appends the length-prefixed info payload to the provided buffer.
func WriteInfo(buf *bytes.Buffer, info Info) error {
	if len(info) > MaxSliceLength {
		return fmt.Errorf("info too large: %v bytes", len(info))
	}

	if err := WriteUint16(buf, uint16(len(info))); err != nil {
		return err
	}

	return WriteBytes(buf, info)
}

// WriteErrorData appends the length-prefixed error data to the provided
// buffer.
func WriteErrorData(buf *bytes.Buffer, data ErrorData) error {
	if len(data) > MaxSliceLength {
		return fmt.Errorf("error data too large: %v bytes", len(data))
	}

	if err := WriteUint16(buf, uint16(len(data))); err != nil {
		return err
	}

	return WriteBytes(buf, data)
}

// WriteErrorCode appends the error code to the provided buffer.
func WriteErrorCode(buf *bytes.Buffer, code ErrorCode) error {
	return WriteUint16(buf, uint16(code))
}

// WriteTx serializes the transaction and appends it to the provided buffer
// behind a two byte length prefix. A nil transaction is written as a zero
// length, which decodes back to nil.
func WriteTx(buf *bytes.Buffer, tx *wire.MsgTx) error {
	if tx == nil {
		return WriteUint16(buf, 0)
	}

	var txBuf bytes.Buffer
	txBuf.Grow(tx.SerializeSize())
	if err := tx.Serialize(&txBuf); err != nil {
		return err
	}

	if txBuf.Len() > math.MaxUint16 {
		return fmt.Errorf("transaction too large: %v bytes",
			txBuf.Len())
	}

	if err := WriteUint16(buf, uint16(txBuf.Len())); err != nil {
		return err
	}

	return WriteBytes(buf, txBuf.Bytes())
}
