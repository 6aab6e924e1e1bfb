/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"context"
	"sort"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xiamhq/hierarchy/tree"
)

// Access is a grant of a role to a user over the subtree rooted at
// ScopePath. The scope path is copied from the node at grant time; when
// the node moves, Move rewrites the scope path together with the
// descendant node paths, so a grant keeps covering the subtree it was
// placed on.
type Access struct {
	ID        string    `cbor:"id"`
	UserID    string    `cbor:"user_id"`
	RoleID    string    `cbor:"role_id"`
	ScopePath tree.Path `cbor:"scope_path"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// AccessStore is CRUD over access grants. User and role ids are opaque;
// they belong to the identity and RBAC subsystems.
type AccessStore struct {
	db *DB
}

func NewAccessStore(db *DB) *AccessStore {
	return &AccessStore{db: db}
}

// Grant gives userID the role over the subtree rooted at nodeID. A grant
// already scoped to the same node is updated in place with the new role:
// (user, scope path) is unique, re-granting never duplicates.
func (s *AccessStore) Grant(ctx context.Context, userID, nodeID, roleID string) (*Access, error) {
	if err := validateID("user", userID); err != nil {
		return nil, err
	}
	if err := validateID("role", roleID); err != nil {
		return nil, err
	}
	if err := validateID("node", nodeID); err != nil {
		return nil, err
	}
	var rec Access
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var node Node
		if err := readRecord(txn, nodeKey(nodeID), &node); err != nil {
			return errors.Wrapf(err, "grant target %q", nodeID)
		}
		now := time.Now().UTC()
		gk := grantKey(userID, node.Path)
		switch err := readRecord(txn, gk, &rec); {
		case err == nil:
			rec.RoleID = roleID
			rec.UpdatedAt = now
		case errors.Is(err, ErrNotFound):
			rec = Access{
				ID:        uuid.NewString(),
				UserID:    userID,
				RoleID:    roleID,
				ScopePath: node.Path,
				CreatedAt: now,
				UpdatedAt: now,
			}
		default:
			return err
		}
		if err := txn.Set(gk, marshalRecord(&rec)); err != nil {
			return err
		}
		return txn.Set(grantPathKey(node.Path, userID), []byte(rec.ID))
	})
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("granted role %s to user %s at %q", roleID, userID, rec.ScopePath)
	return &rec, nil
}

// Revoke removes the grant userID holds on exactly nodeID's path.
// ErrNotFound when there is none; batch callers treat that as success.
func (s *AccessStore) Revoke(ctx context.Context, userID, nodeID string) (*Access, error) {
	if err := validateID("user", userID); err != nil {
		return nil, err
	}
	if err := validateID("node", nodeID); err != nil {
		return nil, err
	}
	var rec Access
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var node Node
		if err := readRecord(txn, nodeKey(nodeID), &node); err != nil {
			return errors.Wrapf(err, "revoke target %q", nodeID)
		}
		gk := grantKey(userID, node.Path)
		if err := readRecord(txn, gk, &rec); err != nil {
			return errors.Wrapf(err, "grant for user %q at %q", userID, node.Path)
		}
		if err := txn.Delete(gk); err != nil {
			return err
		}
		return txn.Delete(grantPathKey(node.Path, userID))
	})
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("revoked grant of user %s at %q", userID, rec.ScopePath)
	return &rec, nil
}

// ListForUser returns every grant held by userID, ordered by scope path.
func (s *AccessStore) ListForUser(ctx context.Context, userID string) ([]*Access, error) {
	if err := validateID("user", userID); err != nil {
		return nil, err
	}
	var out []*Access
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		prefix := compoundKey(tagGrant, userID)
		prefix = append(prefix, 0x00)
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Access
				if err := unmarshalRecord(val, &rec); err != nil {
					return err
				}
				out = append(out, &rec)
				return nil
			})
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ScopePath < out[j].ScopePath })
	return out, nil
}

// ListForNode returns the grants scoped to exactly this node's path.
// Ancestor grants that merely cover the node are not included; resolving
// those is the resolver's job.
func (s *AccessStore) ListForNode(ctx context.Context, nodeID string) ([]*Access, error) {
	if err := validateID("node", nodeID); err != nil {
		return nil, err
	}
	var out []*Access
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		var node Node
		if err := readRecord(txn, nodeKey(nodeID), &node); err != nil {
			return err
		}
		prefix := compoundKey(tagGrantPath, string(node.Path))
		prefix = append(prefix, 0x00)
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		opt.PrefetchValues = false
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			_, userID := parseGrantPathKey(it.Item().Key())
			var rec Access
			if err := readRecord(txn, grantKey(userID, node.Path), &rec); err != nil {
				return err
			}
			out = append(out, &rec)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

type grantRef struct {
	scopePath tree.Path
	userID    string
}

// collectGrantRefs gathers every grant whose scope path is
// descendant-or-self of root. The prefix scan over-matches sibling paths
// sharing a string prefix, so the byte following the root path is checked
// explicitly.
func collectGrantRefs(txn *badger.Txn, root tree.Path) ([]grantRef, error) {
	prefix := grantSubtreePrefix(root)
	opt := badger.DefaultIteratorOptions
	opt.Prefix = prefix
	opt.PrefetchValues = false
	it := txn.NewIterator(opt)
	defer it.Close()

	var out []grantRef
	for it.Rewind(); it.Valid(); it.Next() {
		key := it.Item().Key()
		if sep := key[len(prefix)]; sep != 0x00 && sep != byte(tree.Sep) {
			continue
		}
		p, userID := parseGrantPathKey(key)
		out = append(out, grantRef{scopePath: p, userID: userID})
	}
	return out, nil
}

// rewriteGrantScopes migrates every grant scoped at or under oldPath to
// the corresponding path under newPath. Runs inside the same transaction
// as the node path rewrite of a move.
func rewriteGrantScopes(txn *badger.Txn, oldPath, newPath tree.Path) error {
	refs, err := collectGrantRefs(txn, oldPath)
	if err != nil {
		return err
	}
	for _, ref := range refs {
		var rec Access
		if err := readRecord(txn, grantKey(ref.userID, ref.scopePath), &rec); err != nil {
			return err
		}
		rec.ScopePath = ref.scopePath.Rebase(oldPath, newPath)
		rec.UpdatedAt = time.Now().UTC()
		if err := txn.Delete(grantKey(ref.userID, ref.scopePath)); err != nil {
			return err
		}
		if err := txn.Delete(grantPathKey(ref.scopePath, ref.userID)); err != nil {
			return err
		}
		if err := txn.Set(grantKey(ref.userID, rec.ScopePath), marshalRecord(&rec)); err != nil {
			return err
		}
		if err := txn.Set(grantPathKey(rec.ScopePath, ref.userID), []byte(rec.ID)); err != nil {
			return err
		}
	}
	if len(refs) > 0 {
		glog.V(2).Infof("migrated %d grant scope(s): %q -> %q", len(refs), oldPath, newPath)
	}
	return nil
}
