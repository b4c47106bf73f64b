// Package store provides the on-disk key-value bucket layer used for
// everything the daemon needs to survive a restart: waiting-room state,
// the last-announced ref set, and the active identity session. It
// implements core.Persister and core.AnnounceStore directly so the rest
// of the codebase never has to import a datastore driver itself.
package store

import (
	"context"
	"errors"
	"fmt"

	badger "github.com/ipfs/go-ds-badger"
	ds "github.com/ipfs/go-datastore"
	"github.com/klauspost/compress/zstd"
)

const (
	// WaitingRoomStoreKey mirrors core.WaitingRoomStoreKey; kept here too so
	// callers assembling a Store don't need to import core just for the key
	// name when wiring a CLI inspection command.
	WaitingRoomStoreKey   = "waiting-room/state"
	AnnouncementsStoreKey = "announcements/latest"
	SessionStoreKey       = "session/current"
)

// Store is a single badger-backed datastore namespaced under a flat key
// prefix, compressing every value with zstd before it hits disk.
// go-datastore pairs naturally with go-ds-badger for this kind of
// local-peer state bucket; go-datastore already arrives indirectly via
// boxo, and klauspost/compress has no other call site in this codebase.
type Store struct {
	ds      *badger.Datastore
	encoder *zstd.Encoder
	decoder *zstd.Decoder
}

// Open creates or opens a badger datastore rooted at dir.
func Open(dir string) (*Store, error) {
	bds, err := badger.NewDatastore(dir, nil)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", dir, err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, err
	}
	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, err
	}
	return &Store{ds: bds, encoder: enc, decoder: dec}, nil
}

// Close releases the underlying badger handles.
func (s *Store) Close() error {
	s.decoder.Close()
	if err := s.encoder.Close(); err != nil {
		return err
	}
	return s.ds.Close()
}

// Put satisfies core.Persister and the write half of core.AnnounceStore.
func (s *Store) Put(key string, value []byte) error {
	compressed := s.encoder.EncodeAll(value, nil)
	return s.ds.Put(context.Background(), ds.NewKey(key), compressed)
}

// Get satisfies the read half of core.AnnounceStore: (value, found, err).
func (s *Store) Get(key string) ([]byte, bool, error) {
	compressed, err := s.ds.Get(context.Background(), ds.NewKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	value, err := s.decoder.DecodeAll(compressed, nil)
	if err != nil {
		return nil, false, fmt.Errorf("store: decompress %s: %w", key, err)
	}
	return value, true, nil
}

// Delete removes key, tolerating a missing key as a no-op.
func (s *Store) Delete(key string) error {
	err := s.ds.Delete(context.Background(), ds.NewKey(key))
	if errors.Is(err, ds.ErrNotFound) {
		return nil
	}
	return err
}
