/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"github.com/dgraph-io/badger/v4"
	"github.com/fxamacker/cbor/v2"
	"github.com/pkg/errors"

	"github.com/xiamhq/hierarchy/x"
)

// Records are stored as CBOR. Core deterministic mode keeps the encoding
// stable across processes, which matters only for debuggability; any CBOR
// decoder reads it back.
var recEnc cbor.EncMode

func init() {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeUnixMicro
	em, err := opts.EncMode()
	x.Check(err)
	recEnc = em
}

func marshalRecord(v interface{}) []byte {
	data, err := recEnc.Marshal(v)
	// Marshalling our own record structs cannot fail.
	x.Checkf(err, "marshalling %T", v)
	return data
}

func unmarshalRecord(data []byte, v interface{}) error {
	return errors.Wrap(cbor.Unmarshal(data, v), "decoding record")
}

// readRecord loads and decodes the value at key into v. Missing keys map
// to ErrNotFound.
func readRecord(txn *badger.Txn, key []byte, v interface{}) error {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return ErrNotFound
	}
	if err != nil {
		return errors.Wrap(err, "reading record")
	}
	return item.Value(func(val []byte) error {
		return unmarshalRecord(val, v)
	})
}

// readValue loads a raw value (an id stored under an index key). Missing
// keys map to ErrNotFound.
func readValue(txn *badger.Txn, key []byte) ([]byte, error) {
	item, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, errors.Wrap(err, "reading value")
	}
	return item.ValueCopy(nil)
}

func keyExists(txn *badger.Txn, key []byte) (bool, error) {
	_, err := txn.Get(key)
	if errors.Is(err, badger.ErrKeyNotFound) {
		return false, nil
	}
	if err != nil {
		return false, errors.Wrap(err, "checking key")
	}
	return true, nil
}
