/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

// Package store persists the hierarchy on badger. Nodes carry their
// materialized path, so every tree query (children, descendants, subtree
// move and delete) is a key-prefix operation; access grants are stored
// twice, keyed by user and by scope path, so both per-user resolution and
// per-node listings are single prefix scans.
package store

import (
	"context"

	"github.com/dgraph-io/badger/v4"
	"github.com/pkg/errors"

	"github.com/xiamhq/hierarchy/x"
)

// Typed failures surfaced to callers. Wrap with errors.Wrapf for context;
// test with errors.Is.
var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidParent = errors.New("invalid parent")
	ErrCyclicMove    = errors.New("cyclic move")
	ErrDuplicatePath = errors.New("duplicate path")
	ErrInvalidID     = errors.New("invalid identifier")
)

// maxConflictRetries bounds how often a transaction is retried when badger
// detects a serialization conflict (e.g. two moves touching overlapping
// subtrees).
const maxConflictRetries = 5

// Options configures the underlying badger instance.
type Options struct {
	// Dir is the data directory. Ignored when InMemory is set.
	Dir string
	// InMemory runs badger without touching disk. Used by tests and the
	// bench command.
	InMemory bool
	// SyncWrites makes every commit fsync. Off by default, matching the
	// durability/throughput trade-off of the rest of the stack.
	SyncWrites bool
}

// DB wraps a badger instance and owns transaction retry behavior. Both
// NodeStore and AccessStore share one DB so that a subtree move can
// rewrite node paths and grant scope paths in a single transaction.
type DB struct {
	bdb *badger.DB
}

// Open opens (or creates) the store.
func Open(opt Options) (*DB, error) {
	bopt := badger.DefaultOptions(opt.Dir).
		WithInMemory(opt.InMemory).
		WithSyncWrites(opt.SyncWrites).
		WithLogger(&x.ToGlog{})
	bdb, err := badger.Open(bopt)
	if err != nil {
		return nil, errors.Wrapf(err, "opening badger at %q", opt.Dir)
	}
	x.LogEventf("store opened (dir=%q in_memory=%v)", opt.Dir, opt.InMemory)
	return &DB{bdb: bdb}, nil
}

// Close flushes and closes the underlying badger instance.
func (db *DB) Close() error {
	x.LogEventf("store closing")
	return db.bdb.Close()
}

// View runs fn in a read-only snapshot transaction.
func (db *DB) View(ctx context.Context, fn func(txn *badger.Txn) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return db.bdb.View(fn)
}

// Update runs fn in a read-write transaction. On a serialization conflict
// the whole fn is re-run against a fresh snapshot, up to
// maxConflictRetries times. fn must therefore be idempotent and do all its
// reads inside the transaction.
func (db *DB) Update(ctx context.Context, fn func(txn *badger.Txn) error) error {
	var err error
	for attempt := 0; attempt < maxConflictRetries; attempt++ {
		if cerr := ctx.Err(); cerr != nil {
			return cerr
		}
		err = db.bdb.Update(fn)
		if !errors.Is(err, badger.ErrConflict) {
			return err
		}
	}
	return errors.Wrap(err, "transaction conflict retries exhausted")
}
