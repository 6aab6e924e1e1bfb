/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

// Package acl answers "can user U access node N". The resolver derives the
// answer from the user's grants and the node's materialized path; the
// cache in front of it makes repeated checks cheap and is invalidated in
// bulk by subtree prefix on every mutation that could change an answer.
package acl

import (
	"context"
	"errors"

	"github.com/golang/glog"

	"github.com/xiamhq/hierarchy/store"
	"github.com/xiamhq/hierarchy/tree"
)

// Decision is the outcome of an access check. RoleID is set only when
// Allowed, from the covering grant scoped closest to the node. Path
// records which node path the decision was computed against; the cache
// uses it for subtree invalidation.
type Decision struct {
	Allowed bool
	RoleID  string
	Path    tree.Path
}

// Resolver is the containment predicate: a user can access a node iff any
// of their grant scope paths is ancestor-or-self of the node's path.
type Resolver struct {
	nodes  *store.NodeStore
	access *store.AccessStore
}

func NewResolver(nodes *store.NodeStore, access *store.AccessStore) *Resolver {
	return &Resolver{nodes: nodes, access: access}
}

// Resolve computes the decision for (userID, nodeID). A missing node or
// malformed id is not an error: a target that does not exist cannot be
// accessed, so the answer is a plain "not allowed". Real storage faults do
// propagate, and callers must fail closed on them.
func (r *Resolver) Resolve(ctx context.Context, userID, nodeID string) (Decision, error) {
	node, err := r.nodes.Get(ctx, nodeID)
	switch {
	case errors.Is(err, store.ErrNotFound) || errors.Is(err, store.ErrInvalidID):
		return Decision{}, nil
	case err != nil:
		return Decision{}, err
	}

	grants, err := r.access.ListForUser(ctx, userID)
	if errors.Is(err, store.ErrInvalidID) {
		return Decision{Path: node.Path}, nil
	}
	if err != nil {
		return Decision{}, err
	}

	// Among covering grants the longest scope path wins: a grant placed
	// closer to the node overrides a broader ancestor grant.
	d := Decision{Path: node.Path}
	best := -1
	for _, g := range grants {
		if !g.ScopePath.IsAncestorOrSelf(node.Path) {
			continue
		}
		if len(g.ScopePath) > best {
			best = len(g.ScopePath)
			d.Allowed = true
			d.RoleID = g.RoleID
		}
	}
	glog.V(3).Infof("resolved user=%s node=%s allowed=%v role=%q",
		userID, nodeID, d.Allowed, d.RoleID)
	return d, nil
}

// CanAccess is Resolve reduced to the boolean.
func (r *Resolver) CanAccess(ctx context.Context, userID, nodeID string) (bool, error) {
	d, err := r.Resolve(ctx, userID, nodeID)
	return d.Allowed, err
}

// ResolveRole returns the applicable role id, or "" when no grant covers
// the node.
func (r *Resolver) ResolveRole(ctx context.Context, userID, nodeID string) (string, error) {
	d, err := r.Resolve(ctx, userID, nodeID)
	return d.RoleID, err
}
