package secret

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"go.etcd.io/bbolt"
	bolterrors "go.etcd.io/bbolt/errors"
	"go.uber.org/zap"
)

const (
	// CredentialsFile is the bbolt database used when no OS keyring is available
	CredentialsFile = "credentials.db"

	credentialsBucket = "credentials"
	openTimeout       = 2 * time.Second
)

// BoltBackend stores entries in a bbolt database inside the data directory
type BoltBackend struct {
	db     *bbolt.DB
	logger *zap.SugaredLogger
}

// OpenBoltBackend opens (creating if needed) the credential database in dataDir
func OpenBoltBackend(dataDir string, logger *zap.SugaredLogger) (*BoltBackend, error) {
	if err := os.MkdirAll(dataDir, 0700); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	dbPath := filepath.Join(dataDir, CredentialsFile)
	db, err := bbolt.Open(dbPath, 0600, &bbolt.Options{Timeout: openTimeout})
	if err != nil {
		if err == bolterrors.ErrTimeout {
			return nil, fmt.Errorf("credential database %s is locked by another process: %w", dbPath, err)
		}
		return nil, fmt.Errorf("failed to open credential database: %w", err)
	}

	err = db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists([]byte(credentialsBucket))
		return err
	})
	if err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize credential bucket: %w", err)
	}

	logger.Debugw("Opened credential database", "path", dbPath)
	return &BoltBackend{db: db, logger: logger}, nil
}

func (b *BoltBackend) Name() string { return "file" }

// Get retrieves an entry
func (b *BoltBackend) Get(entry string) (string, error) {
	var value string
	err := b.db.View(func(tx *bbolt.Tx) error {
		data := tx.Bucket([]byte(credentialsBucket)).Get([]byte(entry))
		if data == nil {
			return ErrNotFound
		}
		value = string(data)
		return nil
	})
	return value, err
}

// Set saves an entry
func (b *BoltBackend) Set(entry, value string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(credentialsBucket)).Put([]byte(entry), []byte(value))
	})
}

// Delete removes an entry
func (b *BoltBackend) Delete(entry string) error {
	return b.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(credentialsBucket))
		if bucket.Get([]byte(entry)) == nil {
			return ErrNotFound
		}
		return bucket.Delete([]byte(entry))
	})
}

// Close closes the database
func (b *BoltBackend) Close() error {
	return b.db.Close()
}
