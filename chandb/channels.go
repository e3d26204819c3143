package chandb

import (
	"bytes"
	"fmt"
	"io"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg/chainhash"
	"github.com/btcsuite/btcd/wire"
	"github.com/lightningnetwork/lnd/kvdb"
	"github.com/lightningnetwork/lnd/tlv"
)

// recordVersion is the version byte prefixed to every registry record. A
// record carrying any other version fails decoding with ErrUnknownVersion
// rather than being misread.
const recordVersion byte = 1

// Registry record tlv types. The numbering is shared between the client and
// server record shapes so a field never changes meaning across the two.
const (
	idType            tlv.Type = 0
	clientKeyType     tlv.Type = 1
	serverKeyType     tlv.Type = 2
	contractTxType    tlv.Type = 3
	refundTxType      tlv.Type = 4
	valueType         tlv.Type = 5
	expiryType        tlv.Type = 6
	statusType        tlv.Type = 7
	bestSigType       tlv.Type = 8
	serverPrivKeyType tlv.Type = 9
)

// ChannelStatus is the coarse lifecycle stage recorded for a stored channel.
type ChannelStatus uint8

const (
	// StatusOpen marks a channel whose contract has been accepted by the
	// network and which can still move value.
	StatusOpen ChannelStatus = 0

	// StatusClosing marks a channel whose closing transaction, the
	// settlement or the refund, has been handed to the network but not
	// yet seen through.
	StatusClosing ChannelStatus = 1
)

// String returns a human readable name for the status.
func (s ChannelStatus) String() string {
	switch s {
	case StatusOpen:
		return "Open"
	case StatusClosing:
		return "Closing"
	default:
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
}

// ClientChannel is the registry record for a channel this node funded. It
// carries everything needed to reclaim the channel's funds through the
// refund path with no cooperation from the server: the finalized refund
// transaction is broadcastable as soon as its lock time passes.
type ClientChannel struct {
	// ID is the channel id, the hash of the contract transaction.
	ID chainhash.Hash

	// ClientKey is the key this node contributed to the contract output.
	ClientKey *btcec.PublicKey

	// ServerKey is the key the server contributed to the contract
	// output.
	ServerKey *btcec.PublicKey

	// ContractTx is the broadcast contract transaction.
	ContractTx *wire.MsgTx

	// RefundTx is the fully signed refund transaction, valid once its
	// lock time passes.
	RefundTx *wire.MsgTx

	// ValueToClient is the value still owned by this node on the
	// channel, i.e. the client change of the latest payment.
	ValueToClient btcutil.Amount

	// ExpiryTime is the channel expiry as a UNIX timestamp in seconds.
	ExpiryTime uint64

	// Status records how far through its lifecycle the channel is.
	Status ChannelStatus
}

// ServerChannel is the registry record for a channel this node serves. It is
// rewritten on every payment so the best signature survives a restart, and
// carries the serving private key so settlement needs nothing beyond the
// record itself.
type ServerChannel struct {
	// ID is the channel id, the hash of the contract transaction.
	ID chainhash.Hash

	// ClientKey is the key the client contributed to the contract
	// output.
	ClientKey *btcec.PublicKey

	// ServerKey is the private key this node serves the channel with.
	ServerKey *btcec.PrivateKey

	// ContractTx is the contract transaction the client provided.
	ContractTx *wire.MsgTx

	// BestValueToMe is the highest payment value the client has signed
	// over so far.
	BestValueToMe btcutil.Amount

	// BestValueSig is the client signature matching BestValueToMe. Empty
	// until the first payment arrives.
	BestValueSig []byte

	// ExpiryTime is the channel expiry as a UNIX timestamp in seconds.
	ExpiryTime uint64

	// Status records how far through its lifecycle the channel is.
	Status ChannelStatus
}

// serializeTx returns the raw serialization of tx.
func serializeTx(tx *wire.MsgTx) ([]byte, error) {
	var b bytes.Buffer
	if err := tx.Serialize(&b); err != nil {
		return nil, err
	}

	return b.Bytes(), nil
}

// deserializeTx parses a transaction from its raw serialization.
func deserializeTx(raw []byte) (*wire.MsgTx, error) {
	tx := &wire.MsgTx{}
	if err := tx.Deserialize(bytes.NewReader(raw)); err != nil {
		return nil, err
	}

	return tx, nil
}

// serializeClientChannel writes the versioned record for a client channel.
func serializeClientChannel(w io.Writer, c *ClientChannel) error {
	contractRaw, err := serializeTx(c.ContractTx)
	if err != nil {
		return err
	}
	refundRaw, err := serializeTx(c.RefundTx)
	if err != nil {
		return err
	}

	id := [32]byte(c.ID)
	value := uint64(c.ValueToClient)
	status := uint8(c.Status)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(idType, &id),
		tlv.MakePrimitiveRecord(clientKeyType, &c.ClientKey),
		tlv.MakePrimitiveRecord(serverKeyType, &c.ServerKey),
		tlv.MakePrimitiveRecord(contractTxType, &contractRaw),
		tlv.MakePrimitiveRecord(refundTxType, &refundRaw),
		tlv.MakePrimitiveRecord(valueType, &value),
		tlv.MakePrimitiveRecord(expiryType, &c.ExpiryTime),
		tlv.MakePrimitiveRecord(statusType, &status),
	)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte{recordVersion}); err != nil {
		return err
	}

	return tlvStream.Encode(w)
}

// deserializeClientChannel parses a versioned client channel record.
func deserializeClientChannel(r io.Reader) (*ClientChannel, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if version[0] != recordVersion {
		return nil, fmt.Errorf("%w: got %d, know %d",
			ErrUnknownVersion, version[0], recordVersion)
	}

	var (
		c           ClientChannel
		id          [32]byte
		contractRaw []byte
		refundRaw   []byte
		value       uint64
		status      uint8
	)
	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(idType, &id),
		tlv.MakePrimitiveRecord(clientKeyType, &c.ClientKey),
		tlv.MakePrimitiveRecord(serverKeyType, &c.ServerKey),
		tlv.MakePrimitiveRecord(contractTxType, &contractRaw),
		tlv.MakePrimitiveRecord(refundTxType, &refundRaw),
		tlv.MakePrimitiveRecord(valueType, &value),
		tlv.MakePrimitiveRecord(expiryType, &c.ExpiryTime),
		tlv.MakePrimitiveRecord(statusType, &status),
	)
	if err != nil {
		return nil, err
	}
	if err := tlvStream.Decode(r); err != nil {
		return nil, err
	}

	c.ID = chainhash.Hash(id)
	c.ValueToClient = btcutil.Amount(value)
	c.Status = ChannelStatus(status)

	if c.ContractTx, err = deserializeTx(contractRaw); err != nil {
		return nil, err
	}
	if c.RefundTx, err = deserializeTx(refundRaw); err != nil {
		return nil, err
	}

	return &c, nil
}

// serializeServerChannel writes the versioned record for a server channel.
func serializeServerChannel(w io.Writer, c *ServerChannel) error {
	contractRaw, err := serializeTx(c.ContractTx)
	if err != nil {
		return err
	}

	id := [32]byte(c.ID)
	privKeyRaw := c.ServerKey.Serialize()
	value := uint64(c.BestValueToMe)
	status := uint8(c.Status)

	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(idType, &id),
		tlv.MakePrimitiveRecord(clientKeyType, &c.ClientKey),
		tlv.MakePrimitiveRecord(contractTxType, &contractRaw),
		tlv.MakePrimitiveRecord(valueType, &value),
		tlv.MakePrimitiveRecord(expiryType, &c.ExpiryTime),
		tlv.MakePrimitiveRecord(statusType, &status),
		tlv.MakePrimitiveRecord(bestSigType, &c.BestValueSig),
		tlv.MakePrimitiveRecord(serverPrivKeyType, &privKeyRaw),
	)
	if err != nil {
		return err
	}

	if _, err := w.Write([]byte{recordVersion}); err != nil {
		return err
	}

	return tlvStream.Encode(w)
}

// deserializeServerChannel parses a versioned server channel record.
func deserializeServerChannel(r io.Reader) (*ServerChannel, error) {
	var version [1]byte
	if _, err := io.ReadFull(r, version[:]); err != nil {
		return nil, err
	}
	if version[0] != recordVersion {
		return nil, fmt.Errorf("%w: got %d, know %d",
			ErrUnknownVersion, version[0], recordVersion)
	}

	var (
		c           ServerChannel
		id          [32]byte
		contractRaw []byte
		privKeyRaw  []byte
		value       uint64
		status      uint8
	)
	tlvStream, err := tlv.NewStream(
		tlv.MakePrimitiveRecord(idType, &id),
		tlv.MakePrimitiveRecord(clientKeyType, &c.ClientKey),
		tlv.MakePrimitiveRecord(contractTxType, &contractRaw),
		tlv.MakePrimitiveRecord(valueType, &value),
		tlv.MakePrimitiveRecord(expiryType, &c.ExpiryTime),
		tlv.MakePrimitiveRecord(statusType, &status),
		tlv.MakePrimitiveRecord(bestSigType, &c.BestValueSig),
		tlv.MakePrimitiveRecord(serverPrivKeyType, &privKeyRaw),
	)
	if err != nil {
		return nil, err
	}
	if err := tlvStream.Decode(r); err != nil {
		return nil, err
	}

	c.ID = chainhash.Hash(id)
	c.BestValueToMe = btcutil.Amount(value)
	c.Status = ChannelStatus(status)
	c.ServerKey, _ = btcec.PrivKeyFromBytes(privKeyRaw)

	if c.ContractTx, err = deserializeTx(contractRaw); err != nil {
		return nil, err
	}

	return &c, nil
}

// PutClientChannel writes (or overwrites) the record for a channel this node
// funded.
func (d *DB) PutClientChannel(c *ClientChannel) error {
	var b bytes.Buffer
	if err := serializeClientChannel(&b, c); err != nil {
		return err
	}

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(clientChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.Put(c.ID[:], b.Bytes())
	}, func() {})
}

// FetchClientChannel returns the stored record for the given client channel
// id, or ErrChannelNotFound.
func (d *DB) FetchClientChannel(id chainhash.Hash) (*ClientChannel, error) {
	var channel *ClientChannel
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(clientChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		raw := bucket.Get(id[:])
		if raw == nil {
			return ErrChannelNotFound
		}

		var err error
		channel, err = deserializeClientChannel(bytes.NewReader(raw))
		return err
	}, func() {
		channel = nil
	})
	if err != nil {
		return nil, err
	}

	return channel, nil
}

// ListClientChannels returns a snapshot of every stored client channel.
func (d *DB) ListClientChannels() ([]*ClientChannel, error) {
	var channels []*ClientChannel
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(clientChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.ForEach(func(_, raw []byte) error {
			channel, err := deserializeClientChannel(
				bytes.NewReader(raw),
			)
			if err != nil {
				return err
			}
			channels = append(channels, channel)

			return nil
		})
	}, func() {
		channels = nil
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// RemoveClientChannel deletes the record under the given client channel id.
// Removing an id with no record is a no-op.
func (d *DB) RemoveClientChannel(id chainhash.Hash) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(clientChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.Delete(id[:])
	}, func() {})
}

// PutServerChannel writes (or overwrites) the record for a channel this node
// serves. Called on every accepted payment, so a crash never loses more than
// the payment being processed.
func (d *DB) PutServerChannel(c *ServerChannel) error {
	var b bytes.Buffer
	if err := serializeServerChannel(&b, c); err != nil {
		return err
	}

	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(serverChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.Put(c.ID[:], b.Bytes())
	}, func() {})
}

// FetchServerChannel returns the stored record for the given server channel
// id, or ErrChannelNotFound. This is the resume path: a returning client
// names a channel id and the server rebuilds its state from this record.
func (d *DB) FetchServerChannel(id chainhash.Hash) (*ServerChannel, error) {
	var channel *ServerChannel
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(serverChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		raw := bucket.Get(id[:])
		if raw == nil {
			return ErrChannelNotFound
		}

		var err error
		channel, err = deserializeServerChannel(bytes.NewReader(raw))
		return err
	}, func() {
		channel = nil
	})
	if err != nil {
		return nil, err
	}

	return channel, nil
}

// ListServerChannels returns a snapshot of every stored server channel.
func (d *DB) ListServerChannels() ([]*ServerChannel, error) {
	var channels []*ServerChannel
	err := kvdb.View(d, func(tx kvdb.RTx) error {
		bucket := tx.ReadBucket(serverChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.ForEach(func(_, raw []byte) error {
			channel, err := deserializeServerChannel(
				bytes.NewReader(raw),
			)
			if err != nil {
				return err
			}
			channels = append(channels, channel)

			return nil
		})
	}, func() {
		channels = nil
	})
	if err != nil {
		return nil, err
	}

	return channels, nil
}

// RemoveServerChannel deletes the record under the given server channel id.
// Removing an id with no record is a no-op.
func (d *DB) RemoveServerChannel(id chainhash.Hash) error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		bucket := tx.ReadWriteBucket(serverChannelBucket)
		if bucket == nil {
			return kvdb.ErrBucketNotFound
		}

		return bucket.Delete(id[:])
	}, func() {})
}
