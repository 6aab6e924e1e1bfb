/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package hierarchy

import (
	"context"
	"sync"

	"github.com/pkg/errors"
	"golang.org/x/sync/errgroup"

	"github.com/xiamhq/hierarchy/store"
)

// ItemResult is the per-target outcome of a batch operation. Batches have
// no cross-item transaction: one structural error (say, one cyclic move in
// a multi-select) must not discard the unrelated valid operations next to
// it.
type ItemResult struct {
	NodeID string
	Err    error
}

// MoveBatch moves each node under newParentID independently. The cache is
// invalidated per successfully moved subtree, inside MoveNode.
func (e *Engine) MoveBatch(ctx context.Context, nodeIDs []string, newParentID string) []ItemResult {
	out := make([]ItemResult, len(nodeIDs))
	for i, id := range nodeIDs {
		_, err := e.MoveNode(ctx, id, newParentID)
		out[i] = ItemResult{NodeID: id, Err: err}
	}
	return out
}

// DeleteBatch deletes each subtree independently.
func (e *Engine) DeleteBatch(ctx context.Context, nodeIDs []string) []ItemResult {
	out := make([]ItemResult, len(nodeIDs))
	for i, id := range nodeIDs {
		out[i] = ItemResult{NodeID: id, Err: e.DeleteNode(ctx, id)}
	}
	return out
}

// GrantBatch grants the role to the user on each node independently.
func (e *Engine) GrantBatch(ctx context.Context, userID string, nodeIDs []string,
	roleID string) []ItemResult {
	out := make([]ItemResult, len(nodeIDs))
	for i, id := range nodeIDs {
		_, err := e.GrantAccess(ctx, userID, id, roleID)
		out[i] = ItemResult{NodeID: id, Err: err}
	}
	return out
}

// RevokeBatch revokes the user's grant on each node independently. A
// missing grant counts as success: revoking is idempotent in batch
// contexts.
func (e *Engine) RevokeBatch(ctx context.Context, userID string, nodeIDs []string) []ItemResult {
	out := make([]ItemResult, len(nodeIDs))
	for i, id := range nodeIDs {
		err := e.RevokeAccess(ctx, userID, id)
		if errors.Is(err, store.ErrNotFound) {
			err = nil
		}
		out[i] = ItemResult{NodeID: id, Err: err}
	}
	return out
}

// CheckBatch answers CanAccess for each node. It is a pure query, so the
// items fan out concurrently (bounded by CheckConcurrency) and every item
// gets a total answer: any per-item trouble, including a blown deadline,
// reads as false.
func (e *Engine) CheckBatch(ctx context.Context, userID string, nodeIDs []string) map[string]bool {
	out := make(map[string]bool, len(nodeIDs))
	var mu sync.Mutex

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.checkConcurrency)
	for _, id := range nodeIDs {
		id := id
		g.Go(func() error {
			allowed, err := e.CanAccess(gctx, userID, id)
			if err != nil {
				allowed = false
			}
			mu.Lock()
			out[id] = allowed
			mu.Unlock()
			// Never propagate: one item's failure must not cancel the rest.
			return nil
		})
	}
	// The goroutines never return errors.
	_ = g.Wait()
	return out
}
