/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"bytes"
	"context"
	"sort"
	"strings"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/golang/glog"
	"github.com/google/uuid"
	"github.com/pkg/errors"

	"github.com/xiamhq/hierarchy/tree"
)

// Node is a tree node. The path is materialized at creation from the
// parent's path plus a segment derived from (name, id); the segment is
// fixed for the node's lifetime, so renames never cascade into descendant
// paths. Moves rebase the path prefix instead.
type Node struct {
	ID       string                 `cbor:"id"`
	Name     string                 `cbor:"name"`
	Type     string                 `cbor:"type"`
	ParentID string                 `cbor:"parent_id,omitempty"`
	Path     tree.Path              `cbor:"path"`
	Metadata map[string]interface{} `cbor:"metadata,omitempty"`

	CreatedAt time.Time `cbor:"created_at"`
	UpdatedAt time.Time `cbor:"updated_at"`
}

// NodeChanges is the set of mutable node attributes. Nil fields are left
// untouched; a non-nil Metadata replaces the whole document.
type NodeChanges struct {
	Name     *string
	Type     *string
	Metadata map[string]interface{}
}

// NodeStore is CRUD over tree nodes with path-consistency guarantees.
type NodeStore struct {
	db *DB
}

func NewNodeStore(db *DB) *NodeStore {
	return &NodeStore{db: db}
}

// Create inserts a node under parentID ("" for a root). The node id and
// path segment are assigned here. Fails with ErrInvalidParent if the
// parent does not resolve, and defensively with ErrDuplicatePath if the
// composed path is already taken (the id suffix makes that practically
// impossible).
func (s *NodeStore) Create(ctx context.Context, name, nodeType, parentID string,
	metadata map[string]interface{}) (*Node, error) {

	if parentID != "" {
		if err := validateID("parent", parentID); err != nil {
			return nil, err
		}
	}
	now := time.Now().UTC()
	node := &Node{
		ID:        uuid.NewString(),
		Name:      name,
		Type:      nodeType,
		ParentID:  parentID,
		Metadata:  metadata,
		CreatedAt: now,
		UpdatedAt: now,
	}

	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		var parentPath tree.Path
		if parentID != "" {
			var parent Node
			if err := readRecord(txn, nodeKey(parentID), &parent); err != nil {
				if errors.Is(err, ErrNotFound) {
					return errors.Wrapf(ErrInvalidParent, "parent %q", parentID)
				}
				return err
			}
			parentPath = parent.Path
		}
		node.Path = tree.Compose(parentPath, tree.SegmentFor(name, node.ID))

		exists, err := keyExists(txn, pathKey(node.Path))
		if err != nil {
			return err
		}
		if exists {
			return errors.Wrapf(ErrDuplicatePath, "path %q", node.Path)
		}
		if err := txn.Set(nodeKey(node.ID), marshalRecord(node)); err != nil {
			return err
		}
		return txn.Set(pathKey(node.Path), []byte(node.ID))
	})
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("created node %s at %q", node.ID, node.Path)
	return node, nil
}

// Get returns the node by id, or ErrNotFound.
func (s *NodeStore) Get(ctx context.Context, id string) (*Node, error) {
	if err := validateID("node", id); err != nil {
		return nil, err
	}
	var node Node
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		return readRecord(txn, nodeKey(id), &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// GetByPath returns the node holding exactly the given path.
func (s *NodeStore) GetByPath(ctx context.Context, p tree.Path) (*Node, error) {
	var node Node
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		id, err := readValue(txn, pathKey(p))
		if err != nil {
			return err
		}
		return readRecord(txn, nodeKey(string(id)), &node)
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Update applies changes to name, type or metadata. The path segment stays
// derived from the (name, id) pair at creation time, so renames never
// rewrite paths.
func (s *NodeStore) Update(ctx context.Context, id string, changes NodeChanges) (*Node, error) {
	if err := validateID("node", id); err != nil {
		return nil, err
	}
	var node Node
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		if err := readRecord(txn, nodeKey(id), &node); err != nil {
			return err
		}
		if changes.Name != nil {
			node.Name = *changes.Name
		}
		if changes.Type != nil {
			node.Type = *changes.Type
		}
		if changes.Metadata != nil {
			node.Metadata = changes.Metadata
		}
		node.UpdatedAt = time.Now().UTC()
		return txn.Set(nodeKey(id), marshalRecord(&node))
	})
	if err != nil {
		return nil, err
	}
	return &node, nil
}

// Move reparents the node under newParentID ("" moves it to the root
// level) and rewrites the path prefix of every descendant, plus the scope
// path of every grant at or under the old path, in one transaction.
// Concurrent readers observe either the fully-old or fully-new subtree.
// Returns the updated node and the old path (the subtree prefix whose
// cached decisions are now stale).
func (s *NodeStore) Move(ctx context.Context, id, newParentID string) (*Node, tree.Path, error) {
	if err := validateID("node", id); err != nil {
		return nil, "", err
	}
	if newParentID == id {
		return nil, "", errors.Wrapf(ErrCyclicMove, "node %q onto itself", id)
	}
	var (
		node    Node
		oldPath tree.Path
	)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		if err := readRecord(txn, nodeKey(id), &node); err != nil {
			return err
		}
		oldPath = node.Path

		var parentPath tree.Path
		if newParentID != "" {
			var parent Node
			if err := readRecord(txn, nodeKey(newParentID), &parent); err != nil {
				if errors.Is(err, ErrNotFound) {
					return errors.Wrapf(ErrInvalidParent, "parent %q", newParentID)
				}
				return err
			}
			// The destination must not be inside the moved subtree. Checked
			// against the snapshot paths before any rewrite.
			if node.Path.IsAncestorOrSelf(parent.Path) {
				return errors.Wrapf(ErrCyclicMove,
					"node %q under its descendant %q", id, newParentID)
			}
			parentPath = parent.Path
		}

		newPath := tree.Compose(parentPath, oldPath.Segment())
		if newPath == oldPath {
			node.ParentID = newParentID
			return txn.Set(nodeKey(id), marshalRecord(&node))
		}
		exists, err := keyExists(txn, pathKey(newPath))
		if err != nil {
			return err
		}
		if exists {
			return errors.Wrapf(ErrDuplicatePath, "path %q", newPath)
		}

		subtree, err := collectSubtree(txn, oldPath)
		if err != nil {
			return err
		}
		for _, entry := range subtree {
			var rec Node
			if err := readRecord(txn, nodeKey(entry.id), &rec); err != nil {
				return err
			}
			rec.Path = rec.Path.Rebase(oldPath, newPath)
			if rec.ID == id {
				rec.ParentID = newParentID
				rec.UpdatedAt = time.Now().UTC()
				node = rec
			}
			if err := txn.Set(nodeKey(rec.ID), marshalRecord(&rec)); err != nil {
				return err
			}
			if err := txn.Delete(pathKey(entry.path)); err != nil {
				return err
			}
			if err := txn.Set(pathKey(rec.Path), []byte(rec.ID)); err != nil {
				return err
			}
		}
		return rewriteGrantScopes(txn, oldPath, newPath)
	})
	if err != nil {
		return nil, "", err
	}
	glog.V(2).Infof("moved node %s: %q -> %q", id, oldPath, node.Path)
	return &node, oldPath, nil
}

// Delete removes the node, every descendant, and every grant scoped at or
// under its path, in one transaction. Returns the deleted node so callers
// can invalidate by its path. ErrNotFound if a concurrent caller got there
// first.
func (s *NodeStore) Delete(ctx context.Context, id string) (*Node, error) {
	if err := validateID("node", id); err != nil {
		return nil, err
	}
	var (
		node    Node
		removed int
	)
	err := s.db.Update(ctx, func(txn *badger.Txn) error {
		removed = 0
		if err := readRecord(txn, nodeKey(id), &node); err != nil {
			return err
		}
		subtree, err := collectSubtree(txn, node.Path)
		if err != nil {
			return err
		}
		for _, entry := range subtree {
			if err := txn.Delete(nodeKey(entry.id)); err != nil {
				return err
			}
			if err := txn.Delete(pathKey(entry.path)); err != nil {
				return err
			}
			removed++
		}
		grants, err := collectGrantRefs(txn, node.Path)
		if err != nil {
			return err
		}
		for _, ref := range grants {
			if err := txn.Delete(grantKey(ref.userID, ref.scopePath)); err != nil {
				return err
			}
			if err := txn.Delete(grantPathKey(ref.scopePath, ref.userID)); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	glog.V(2).Infof("deleted subtree at %q (%d nodes)", node.Path, removed)
	return &node, nil
}

// ListChildren returns the direct children of the node, ordered by path.
func (s *NodeStore) ListChildren(ctx context.Context, id string) ([]*Node, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	return s.listLevel(ctx, node.Path)
}

// ListRoots returns every node without a parent, ordered by path.
func (s *NodeStore) ListRoots(ctx context.Context) ([]*Node, error) {
	return s.listLevel(ctx, "")
}

// listLevel enumerates the nodes exactly one level below base ("" for the
// root level). Encountering a deeper key means the whole child subtree can
// be skipped with a single seek past its prefix.
func (s *NodeStore) listLevel(ctx context.Context, base tree.Path) ([]*Node, error) {
	var out []*Node
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		var prefix []byte
		if base == "" {
			prefix = []byte{tagPath, 0x00}
		} else {
			prefix = subtreePrefix(base)
		}
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()

		for it.Rewind(); it.Valid(); {
			item := it.Item()
			rel := item.Key()[len(prefix):]
			if i := bytes.IndexByte(rel, byte(tree.Sep)); i >= 0 {
				// Inside some child's subtree: seek past it. 0xff sorts
				// after every valid path byte.
				skip := make([]byte, 0, len(prefix)+i+2)
				skip = append(skip, prefix...)
				skip = append(skip, rel[:i+1]...)
				skip = append(skip, 0xff)
				it.Seek(skip)
				continue
			}
			id, err := item.ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Node
			if err := readRecord(txn, nodeKey(string(id)), &rec); err != nil {
				return err
			}
			out = append(out, &rec)
			it.Next()
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// ListDescendants returns every proper descendant of the node, ordered by
// path.
func (s *NodeStore) ListDescendants(ctx context.Context, id string) ([]*Node, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	var out []*Node
	err = s.db.View(ctx, func(txn *badger.Txn) error {
		prefix := subtreePrefix(node.Path)
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			id, err := it.Item().ValueCopy(nil)
			if err != nil {
				return err
			}
			var rec Node
			if err := readRecord(txn, nodeKey(string(id)), &rec); err != nil {
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

// ListAncestors returns the node's proper ancestors, root first.
func (s *NodeStore) ListAncestors(ctx context.Context, id string) ([]*Node, error) {
	node, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	ancestors := node.Path.Ancestors()
	out := make([]*Node, 0, len(ancestors))
	err = s.db.View(ctx, func(txn *badger.Txn) error {
		for _, p := range ancestors {
			id, err := readValue(txn, pathKey(p))
			if err != nil {
				return errors.Wrapf(err, "broken ancestor path %q", p)
			}
			var rec Node
			if err := readRecord(txn, nodeKey(string(id)), &rec); err != nil {
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

// Search returns nodes whose name contains the query, case-insensitively,
// ordered by path. Linear over all nodes; fine at the advertised scale.
func (s *NodeStore) Search(ctx context.Context, query string) ([]*Node, error) {
	needle := strings.ToLower(query)
	var out []*Node
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		prefix := compoundKey(tagNode)
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			err := it.Item().Value(func(val []byte) error {
				var rec Node
				if err := unmarshalRecord(val, &rec); err != nil {
					return err
				}
				if strings.Contains(strings.ToLower(rec.Name), needle) {
					out = append(out, &rec)
				}
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
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// Count returns the total number of nodes.
func (s *NodeStore) Count(ctx context.Context) (int, error) {
	var n int
	err := s.db.View(ctx, func(txn *badger.Txn) error {
		prefix := compoundKey(tagPath)
		opt := badger.DefaultIteratorOptions
		opt.Prefix = prefix
		opt.PrefetchValues = false
		it := txn.NewIterator(opt)
		defer it.Close()
		for it.Rewind(); it.Valid(); it.Next() {
			n++
		}
		return nil
	})
	return n, err
}

type subtreeEntry struct {
	path tree.Path
	id   string
}

// collectSubtree gathers (path, id) for the node at root plus every proper
// descendant, before any mutation touches the keys being iterated.
func collectSubtree(txn *badger.Txn, root tree.Path) ([]subtreeEntry, error) {
	selfID, err := readValue(txn, pathKey(root))
	if err != nil {
		return nil, errors.Wrapf(err, "subtree root %q", root)
	}
	entries := []subtreeEntry{{path: root, id: string(selfID)}}

	prefix := subtreePrefix(root)
	opt := badger.DefaultIteratorOptions
	opt.Prefix = prefix
	it := txn.NewIterator(opt)
	defer it.Close()
	for it.Rewind(); it.Valid(); it.Next() {
		item := it.Item()
		p := tree.Path(item.Key()[2:])
		id, err := item.ValueCopy(nil)
		if err != nil {
			return nil, err
		}
		entries = append(entries, subtreeEntry{path: p, id: string(id)})
	}
	return entries, nil
}
