// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fragment

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"

	"github.com/dgraph-io/badger/v4"
)

// keyPrefix namespaces fragment keys inside the database.
var keyPrefix = []byte("fragment/")

// BadgerStore persists a Set in an embedded BadgerDB directory.
//
// # Description
//
// Each fragment is one key ("fragment/{id}") holding its raw text. The
// database is opened per operation and closed before returning, so the
// directory is never held open across the project lock boundary.
//
// Useful for projects with many large fragments where rewriting one JSON
// file per contribution gets expensive.
//
// # Thread Safety
//
// Not safe for concurrent read-modify-write; hold the project lock.
type BadgerStore struct {
	dir    string
	logger *slog.Logger
}

// Compile-time interface verification.
var _ Store = (*BadgerStore)(nil)

// NewBadgerStore returns a store backed by the database directory dir.
// logger may be nil to silence badger's internal logging.
func NewBadgerStore(dir string, logger *slog.Logger) *BadgerStore {
	return &BadgerStore{dir: dir, logger: logger}
}

// Path returns the database directory.
func (s *BadgerStore) Path() string {
	return s.dir
}

// Load reads every fragment key.
//
// An absent directory is an empty set; the directory is not created.
// A directory badger refuses to open is reported as corruption.
func (s *BadgerStore) Load(ctx context.Context) (Set, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if _, err := os.Stat(s.dir); errors.Is(err, fs.ErrNotExist) {
		return Set{}, nil
	} else if err != nil {
		return nil, &StoreError{Op: "stat", Path: s.dir, Err: err}
	}

	db, err := s.open()
	if err != nil {
		return nil, &StoreCorruptionError{Path: s.dir, Err: err}
	}
	defer db.Close()

	set := Set{}
	err = db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			item := it.Item()
			id := string(bytes.TrimPrefix(item.Key(), keyPrefix))
			val, err := item.ValueCopy(nil)
			if err != nil {
				return fmt.Errorf("reading %q: %w", id, err)
			}
			set[id] = string(val)
		}
		return nil
	})
	if err != nil {
		return nil, &StoreCorruptionError{Path: s.dir, Err: err}
	}
	return set, nil
}

// Save makes the database contents equal to set in one transaction.
func (s *BadgerStore) Save(ctx context.Context, set Set) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	db, err := s.open()
	if err != nil {
		return &StoreError{Op: "open", Path: s.dir, Err: err}
	}
	defer db.Close()

	err = db.Update(func(txn *badger.Txn) error {
		var stale [][]byte
		opts := badger.DefaultIteratorOptions
		opts.Prefix = keyPrefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		for it.Rewind(); it.Valid(); it.Next() {
			key := it.Item().KeyCopy(nil)
			if _, keep := set[string(bytes.TrimPrefix(key, keyPrefix))]; !keep {
				stale = append(stale, key)
			}
		}
		it.Close()

		for _, key := range stale {
			if err := txn.Delete(key); err != nil {
				return err
			}
		}
		for _, id := range set.SortedIDs() {
			if err := txn.Set(fragmentKey(id), []byte(set[id])); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return &StoreError{Op: "write", Path: s.dir, Err: err}
	}
	return nil
}

// Remove deletes the database directory.
func (s *BadgerStore) Remove() error {
	if err := os.RemoveAll(s.dir); err != nil {
		return &StoreError{Op: "remove", Path: s.dir, Err: err}
	}
	return nil
}

func (s *BadgerStore) open() (*badger.DB, error) {
	if err := os.MkdirAll(s.dir, 0750); err != nil {
		return nil, fmt.Errorf("create database directory %s: %w", s.dir, err)
	}
	opts := badger.DefaultOptions(s.dir).
		WithSyncWrites(true).
		WithNumVersionsToKeep(1)
	if s.logger != nil {
		opts = opts.WithLogger(&badgerLogger{logger: s.logger})
	} else {
		opts = opts.WithLogger(nil)
	}
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger database: %w", err)
	}
	return db, nil
}

func fragmentKey(id string) []byte {
	key := make([]byte, 0, len(keyPrefix)+len(id))
	key = append(key, keyPrefix...)
	return append(key, id...)
}

// badgerLogger adapts slog.Logger to BadgerDB's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(fmt.Sprintf(format, args...))
}
