package chandb

import (
	"errors"
	"fmt"
	"path/filepath"

	"github.com/lightningnetwork/lnd/kvdb"
)

const (
	// dbName is the filename of the registry database inside the
	// directory handed to Open.
	dbName = "paychan.db"
)

var (
	// clientChannelBucket is the top level bucket holding one record per
	// channel this node funded as the client. Entries are keyed by
	// channel id and survive until the channel's funds have provably
	// left the contract output, since the stored refund transaction is
	// the only way to recover them.
	clientChannelBucket = []byte("client-channels")

	// serverChannelBucket is the top level bucket holding one record per
	// channel this node serves. Entries are rewritten on every payment
	// so the best signature is never lost, and deleted once the
	// settlement transaction has been broadcast.
	serverChannelBucket = []byte("server-channels")

	// ErrChannelNotFound is returned when the registry holds no record
	// under the requested channel id.
	ErrChannelNotFound = errors.New("channel not found in registry")

	// ErrUnknownVersion is returned when a stored record carries a
	// version this codebase does not know how to decode.
	ErrUnknownVersion = errors.New("unknown channel record version")
)

// DB is the persisted channel registry. It remembers every channel that has
// reached the point of money being locked up, so that refunds and
// settlements survive restarts of the process.
type DB struct {
	kvdb.Backend
}

// Open opens (creating if necessary) the registry database inside dbPath.
func Open(dbPath string) (*DB, error) {
	path := filepath.Join(dbPath, dbName)
	log.Infof("Opening channel registry at %v", path)

	backend, err := kvdb.Create(
		kvdb.BoltBackendName, path, true, kvdb.DefaultDBTimeout, false,
	)
	if err != nil {
		return nil, err
	}

	db := &DB{Backend: backend}
	if err := db.init(); err != nil {
		backend.Close()
		return nil, err
	}

	return db, nil
}

// init ensures the registry's top level buckets exist.
func (d *DB) init() error {
	return kvdb.Update(d, func(tx kvdb.RwTx) error {
		if _, err := tx.CreateTopLevelBucket(clientChannelBucket); err != nil {
			return fmt.Errorf("unable to create client channel "+
				"bucket: %w", err)
		}
		if _, err := tx.CreateTopLevelBucket(serverChannelBucket); err != nil {
			return fmt.Errorf("unable to create server channel "+
				"bucket: %w", err)
		}

		return nil
	}, func() {})
}
