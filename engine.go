/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

// Package hierarchy is the access-control engine over an arbitrarily deep
// organizational tree. Nodes carry materialized paths; a grant placed on a
// node covers the node and every descendant; "can user U access node N" is
// a path-containment test, cached read-through and invalidated by subtree
// on every mutation that could change an answer.
package hierarchy

import (
	"context"
	"sort"

	"github.com/pkg/errors"

	"github.com/xiamhq/hierarchy/acl"
	"github.com/xiamhq/hierarchy/store"
	"github.com/xiamhq/hierarchy/tree"
	"github.com/xiamhq/hierarchy/x"
)

// ErrTimeout reports that an operation exceeded the caller's deadline.
// Access checks that hit it fail closed.
var ErrTimeout = errors.New("operation timed out")

// Options configures an Engine.
type Options struct {
	// Dir is the storage directory. Ignored when InMemory is set.
	Dir string
	// InMemory keeps everything off disk; tests and benchmarks use it.
	InMemory bool
	// SyncWrites fsyncs every commit.
	SyncWrites bool
	// CacheMaxEntries sizes the decision cache. Zero picks a default.
	CacheMaxEntries int64
	// CheckConcurrency bounds the fan-out of CheckBatch. Zero picks a
	// default.
	CheckConcurrency int
}

const defaultCheckConcurrency = 8

// Engine wires the stores, the resolver and the cache together, and owns
// the invariant that every mutation invalidates the cache before the call
// returns. It holds no other cross-request state; any number of
// goroutines may use it concurrently.
type Engine struct {
	db     *store.DB
	nodes  *store.NodeStore
	access *store.AccessStore
	cache  *acl.Cache

	checkConcurrency int
}

// Open opens the engine over its storage directory.
func Open(opt Options) (*Engine, error) {
	db, err := store.Open(store.Options{
		Dir:        opt.Dir,
		InMemory:   opt.InMemory,
		SyncWrites: opt.SyncWrites,
	})
	if err != nil {
		return nil, err
	}
	nodes := store.NewNodeStore(db)
	access := store.NewAccessStore(db)
	cache, err := acl.NewCache(acl.NewResolver(nodes, access), opt.CacheMaxEntries)
	if err != nil {
		x.Ignore(db.Close())
		return nil, err
	}
	cc := opt.CheckConcurrency
	if cc <= 0 {
		cc = defaultCheckConcurrency
	}
	return &Engine{
		db:               db,
		nodes:            nodes,
		access:           access,
		cache:            cache,
		checkConcurrency: cc,
	}, nil
}

// Close releases the cache and the underlying store.
func (e *Engine) Close() error {
	e.cache.Close()
	return e.db.Close()
}

// Cache exposes the decision cache, mainly so tests and benchmarks can
// clear it or read its metrics.
func (e *Engine) Cache() *acl.Cache { return e.cache }

// CreateNode creates a node under parentID ("" for a new root). A fresh
// node cannot have cached decisions, so no invalidation is needed.
func (e *Engine) CreateNode(ctx context.Context, name, nodeType, parentID string,
	metadata map[string]interface{}) (*store.Node, error) {
	return e.nodes.Create(ctx, name, nodeType, parentID, metadata)
}

// UpdateNode changes name, type or metadata. Path segments are fixed at
// creation, so a rename never moves paths and no cached decision can
// change.
func (e *Engine) UpdateNode(ctx context.Context, id string, changes store.NodeChanges) (*store.Node, error) {
	return e.nodes.Update(ctx, id, changes)
}

// MoveNode reparents a subtree. The store rewrites every descendant path
// and migrates covered grant scopes in one transaction; afterwards every
// decision computed under the old prefix is evicted.
func (e *Engine) MoveNode(ctx context.Context, id, newParentID string) (*store.Node, error) {
	node, oldPath, err := e.nodes.Move(ctx, id, newParentID)
	if err != nil {
		return nil, err
	}
	e.cache.InvalidateSubtree(oldPath)
	return node, nil
}

// DeleteNode removes a subtree and its grants, then evicts its decisions.
func (e *Engine) DeleteNode(ctx context.Context, id string) error {
	node, err := e.nodes.Delete(ctx, id)
	if err != nil {
		return err
	}
	e.cache.InvalidateSubtree(node.Path)
	return nil
}

// GrantAccess gives userID the role over nodeID's subtree (upsert on
// re-grant), and conservatively evicts every cached decision under the
// scope, across all users.
func (e *Engine) GrantAccess(ctx context.Context, userID, nodeID, roleID string) (*store.Access, error) {
	grant, err := e.access.Grant(ctx, userID, nodeID, roleID)
	if err != nil {
		return nil, err
	}
	e.cache.InvalidateSubtree(grant.ScopePath)
	return grant, nil
}

// RevokeAccess removes the grant userID holds on nodeID. ErrNotFound when
// there is none; RevokeBatch treats that as success instead.
func (e *Engine) RevokeAccess(ctx context.Context, userID, nodeID string) error {
	grant, err := e.access.Revoke(ctx, userID, nodeID)
	if err != nil {
		return err
	}
	e.cache.InvalidateSubtree(grant.ScopePath)
	return nil
}

// CanAccess answers whether userID can access nodeID, through the cache.
// The answer is total: missing references resolve to false. Errors (storage
// faults, deadline hit) also report false so callers cannot fail open by
// ignoring the error.
func (e *Engine) CanAccess(ctx context.Context, userID, nodeID string) (bool, error) {
	d, err := e.cache.GetOrResolve(ctx, userID, nodeID)
	if err != nil {
		return false, timeoutOr(ctx, err)
	}
	return d.Allowed, nil
}

// ResolveRole returns the role id of the covering grant scoped closest to
// the node, or "" when no grant covers it.
func (e *Engine) ResolveRole(ctx context.Context, userID, nodeID string) (string, error) {
	d, err := e.cache.GetOrResolve(ctx, userID, nodeID)
	if err != nil {
		return "", timeoutOr(ctx, err)
	}
	return d.RoleID, nil
}

func timeoutOr(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return errors.Wrap(ErrTimeout, ctx.Err().Error())
	}
	return err
}

// GetNode returns a node by id.
func (e *Engine) GetNode(ctx context.Context, id string) (*store.Node, error) {
	return e.nodes.Get(ctx, id)
}

// GetNodeByPath returns the node holding exactly the given path.
func (e *Engine) GetNodeByPath(ctx context.Context, p tree.Path) (*store.Node, error) {
	return e.nodes.GetByPath(ctx, p)
}

// ListChildren returns the direct children of a node.
func (e *Engine) ListChildren(ctx context.Context, id string) ([]*store.Node, error) {
	return e.nodes.ListChildren(ctx, id)
}

// ListDescendants returns every proper descendant of a node.
func (e *Engine) ListDescendants(ctx context.Context, id string) ([]*store.Node, error) {
	return e.nodes.ListDescendants(ctx, id)
}

// ListAncestors returns a node's proper ancestors, root first.
func (e *Engine) ListAncestors(ctx context.Context, id string) ([]*store.Node, error) {
	return e.nodes.ListAncestors(ctx, id)
}

// ListRoots returns every root node.
func (e *Engine) ListRoots(ctx context.Context) ([]*store.Node, error) {
	return e.nodes.ListRoots(ctx)
}

// SearchNodes returns nodes whose name contains the query,
// case-insensitively.
func (e *Engine) SearchNodes(ctx context.Context, query string) ([]*store.Node, error) {
	return e.nodes.Search(ctx, query)
}

// CountNodes returns the total number of nodes.
func (e *Engine) CountNodes(ctx context.Context) (int, error) {
	return e.nodes.Count(ctx)
}

// ListAccessForUser returns every grant held by a user.
func (e *Engine) ListAccessForUser(ctx context.Context, userID string) ([]*store.Access, error) {
	return e.access.ListForUser(ctx, userID)
}

// ListAccessForNode returns the grants scoped to exactly this node.
func (e *Engine) ListAccessForNode(ctx context.Context, nodeID string) ([]*store.Access, error) {
	return e.access.ListForNode(ctx, nodeID)
}

// ListAccessible returns every node the user can access: the union of the
// subtrees covered by their grants, ordered by path.
func (e *Engine) ListAccessible(ctx context.Context, userID string) ([]*store.Node, error) {
	grants, err := e.access.ListForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	seen := make(map[string]struct{})
	var out []*store.Node
	for _, g := range grants {
		if covered(grants, g) {
			continue
		}
		root, err := e.nodes.GetByPath(ctx, g.ScopePath)
		if errors.Is(err, store.ErrNotFound) {
			// Scope paths move with their nodes and die with them, so a
			// dangling scope would be a bug; skip rather than fail the
			// whole listing.
			continue
		}
		if err != nil {
			return nil, err
		}
		nodes, err := e.nodes.ListDescendants(ctx, root.ID)
		if err != nil {
			return nil, err
		}
		for _, n := range append([]*store.Node{root}, nodes...) {
			if _, dup := seen[n.ID]; !dup {
				seen[n.ID] = struct{}{}
				out = append(out, n)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

// covered reports whether g's subtree is already inside another grant's
// scope, so enumerating it would only produce duplicates.
func covered(grants []*store.Access, g *store.Access) bool {
	for _, other := range grants {
		if other != g && other.ScopePath.IsAncestorOrSelf(g.ScopePath) {
			return true
		}
	}
	return false
}
