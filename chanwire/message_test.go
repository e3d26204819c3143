package chanwire

import (
	"bytes"
	"testing"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/txscript"
	"github.com/btcsuite/btcd/wire"
	"github.com/stretchr/testify/require"
)

var (
	testKeyBytes = [32]byte{
		0x81, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x63, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0x0d, 0xe7, 0x95, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0x0b, 0x4c, 0xfd, 0x9e, 0xc5, 0x8c, 0xe9,
	}

	testContractHash = chainhash.Hash{
		0x51, 0xb6, 0x37, 0xd8, 0xfc, 0xd2, 0xc6, 0xda,
		0x48, 0x59, 0xe6, 0x96, 0x31, 0x13, 0xa1, 0x17,
		0x2d, 0xe7, 0x95, 0xe4, 0xb7, 0x25, 0xb8, 0x4d,
		0x1e, 0xb, 0x4c, 0xfd, 0x9e, 0xc5, 0x8c, 0xe9,
	}

	// testSig is not a valid DER signature, but the codec transports
	// signatures opaquely so any bytes under the size cap will do.
	testSig = Signature{
		0x30, 0x06, 0x02, 0x01, 0x01, 0x02, 0x01, 0x01, 0x83,
	}
)

// testPubKey returns a deterministic public key for wire fixtures.
func testPubKey(t *testing.T) *btcec.PublicKey {
	t.Helper()

	_, pubKey := btcec.PrivKeyFromBytes(testKeyBytes[:])
	return pubKey
}

// testTx returns a small but complete transaction to embed in messages.
func testTx() *wire.MsgTx {
	tx := wire.NewMsgTx(1)
	tx.AddTxIn(&wire.TxIn{
		PreviousOutPoint: wire.OutPoint{
			Hash:  testContractHash,
			Index: 1,
		},
		SignatureScript: []byte{txscript.OP_TRUE},
		Sequence:        wire.MaxTxInSequenceNum,
	})
	tx.AddTxOut(&wire.TxOut{
		Value:    100_000,
		PkScript: []byte{txscript.OP_TRUE},
	})

	return tx
}

// TestMessageRoundTrip asserts that each message type survives a full
// write/read cycle through the framing layer: the decoded message must
// re-encode to the exact bytes the original produced.
func TestMessageRoundTrip(t *testing.T) {
	t.Parallel()

	key := testPubKey(t)

	msgs := []Message{
		&ClientVersion{
			Major:                       1,
			Minor:                       2,
			TimeWindowSecs:              86340,
			PreviousChannelContractHash: testContractHash,
		},
		&ServerVersion{
			Major: 1,
			Minor: 0,
		},
		&Initiate{
			MultisigKey:            key,
			ExpireTimeSecs:         1_756_080_000,
			MinAcceptedChannelSize: 20_546,
			MinPayment:             10_000,
		},
		&ProvideRefund{
			MultisigKey: key,
			RefundTx:    testTx(),
		},
		&ReturnRefund{
			Signature: testSig,
		},
		&ProvideContract{
			ContractTx: testTx(),
		},
		&ChannelOpen{},
		&UpdatePayment{
			ClientChangeValue: 989_454,
			Signature:         testSig,
			Info:              Info("invoice 1234"),
		},
		&PaymentAck{
			Info: Info("invoice 1234"),
		},
		&CloseChannel{
			SettlementTx: testTx(),
		},
		&Error{
			Code:          CodeChannelValueTooLarge,
			Data:          ErrorData("server demanded too much"),
			ExpectedValue: 1_000_000,
		},
	}

	for _, msg := range msgs {
		msg := msg

		t.Run(msg.MsgType().String(), func(t *testing.T) {
			t.Parallel()

			var b bytes.Buffer
			n, err := WriteMessage(&b, msg, 0)
			require.NoError(t, err)
			require.Equal(t, b.Len(), n)

			raw := append([]byte(nil), b.Bytes()...)

			decoded, err := ReadMessage(&b, 0)
			require.NoError(t, err)
			require.Equal(t, msg.MsgType(), decoded.MsgType())

			var b2 bytes.Buffer
			_, err = WriteMessage(&b2, decoded, 0)
			require.NoError(t, err)
			require.Equal(t, raw, b2.Bytes())
		})
	}
}

// TestReadMessageUnknownType asserts that an unrecognized message type is
// surfaced as an UnknownMessage error.
func TestReadMessageUnknownType(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	require.NoError(t, WriteUint16(&b, 0xefff))

	_, err := ReadMessage(&b, 0)
	require.Error(t, err)

	var unknown *UnknownMessage
	require.ErrorAs(t, err, &unknown)
}

// TestWriteMessageResetsOnError asserts that a failed write leaves the target
// buffer exactly as it found it, including any bytes already present.
func TestWriteMessageResetsOnError(t *testing.T) {
	t.Parallel()

	var b bytes.Buffer
	require.NoError(t, WriteUint16(&b, 0xbeef))
	oldLen := b.Len()

	// A nil multisig key cannot be encoded.
	msg := &Initiate{
		ExpireTimeSecs: 1_756_080_000,
	}

	n, err := WriteMessage(&b, msg, 0)
	require.ErrorIs(t, err, ErrNilPublicKey)
	require.Zero(t, n)
	require.Equal(t, oldLen, b.Len())
}

// TestWriteMessagePayloadTooLarge asserts the framing layer rejects payloads
// over MaxMsgBody and leaves no partial bytes behind when it does.
func TestWriteMessagePayloadTooLarge(t *testing.T) {
	t.Parallel()

	msg := &UpdatePayment{
		ClientChangeValue: 1,
		Signature:         testSig,
		Info:              make(Info, MaxMsgBody),
	}

	var b bytes.Buffer
	n, err := WriteMessage(&b, msg, 0)
	require.Error(t, err)
	require.Zero(t, n)
	require.Zero(t, b.Len())
}

// TestMessageTypeString asserts every defined message type has a name.
func TestMessageTypeString(t *testing.T) {
	t.Parallel()

	types := []MessageType{
		MsgClientVersion, MsgServerVersion, MsgInitiate,
		MsgProvideRefund, MsgReturnRefund, MsgProvideContract,
		MsgChannelOpen, MsgUpdatePayment, MsgCloseChannel,
		MsgError, MsgPaymentAck,
	}
	for _, msgType := range types {
		require.NotEqual(t, "<unknown>", msgType.String())
	}

	require.Equal(t, "<unknown>", MessageType(0xefff).String())
}
