package chanwire

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
)

const (
	// MaxSliceLength is the maximum allowed length for any opaque byte
	// slices in the wire protocol.
	MaxSliceLength = 65535

	// MaxMsgBody is the largest payload any message is allowed to provide.
	// This is two less than the MaxSliceLength as each message has a 2
	// byte type that precedes the message body.
	MaxMsgBody = 65533
)

// ErrNilPublicKey is returned when a message with a nil public key field is
// written.
var ErrNilPublicKey = errors.New("cannot write nil pubkey")

// ReadElement is a one-stop utility function to deserialize any data
// structure encoded using the serialization format of the channel protocol.
func ReadElement(r io.Reader, element interface{}) error {
	switch e := element.(type) {
	case *uint16:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint16(b[:])

	case *uint64:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = binary.BigEndian.Uint64(b[:])

	case *btcutil.Amount:
		var b [8]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = btcutil.Amount(binary.BigEndian.Uint64(b[:]))

	case **btcec.PublicKey:
		var b [btcec.PubKeyBytesLenCompressed]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}

		pubKey, err := btcec.ParsePubKey(b[:])
		if err != nil {
			return err
		}
		*e = pubKey

	case *chainhash.Hash:
		if _, err := io.ReadFull(r, e[:]); err != nil {
			return err
		}

	case *ErrorCode:
		var b [2]byte
		if _, err := io.ReadFull(r, b[:]); err != nil {
			return err
		}
		*e = ErrorCode(binary.BigEndian.Uint16(b[:]))

	case *Signature:
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return err
		}

		sigLen := binary.BigEndian.Uint16(l[:])
		if sigLen > MaxSignatureSize {
			return fmt.Errorf("invalid signature length: %v "+
				"bytes", sigLen)
		}

		*e = Signature(make([]byte, sigLen))
		if _, err := io.ReadFull(r, *e); err != nil {
			return err
		}

	case *Info:
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return err
		}

		infoLen := binary.BigEndian.Uint16(l[:])
		*e = Info(make([]byte, infoLen))
		if _, err := io.ReadFull(r, *e); err != nil {
			return err
		}

	case *ErrorData:
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return err
		}

		errorLen := binary.BigEndian.Uint16(l[:])
		*e = ErrorData(make([]byte, errorLen))
		if _, err := io.ReadFull(r, *e); err != nil {
			return err
		}

	case **wire.MsgTx:
		var l [2]byte
		if _, err := io.ReadFull(r, l[:]); err != nil {
			return err
		}

		// A zero length means the sender omitted the transaction
		// entirely.
		txLen := binary.BigEndian.Uint16(l[:])
		if txLen == 0 {
			*e = nil
			return nil
		}

		rawTx := make([]byte, txLen)
		if _, err := io.ReadFull(r, rawTx); err != nil {
			return err
		}

		tx := &wire.MsgTx{}
		if err := tx.Deserialize(bytes.NewReader(rawTx)); err != nil {
			return err
		}
		*e = tx

	default:
		return fmt.Errorf("unknown type in ReadElement: %T", e)
	}

	return nil
}

// ReadElements deserializes a variable number of elements into the passed
// io.Reader, with each element being deserialized according to the
// ReadElement function.
func ReadElements(r io.Reader, elements ...interface{}) error {
	for _, element := range elements {
		err := ReadElement(r, element)
		if err != nil {
			return err
		}
	}
	return nil
}
