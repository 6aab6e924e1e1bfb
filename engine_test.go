/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package hierarchy

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/xiamhq/hierarchy/store"
)

func withEngine(t *testing.T) *Engine {
	eng, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, eng.Close()) })
	return eng
}

func mustCreate(t *testing.T, eng *Engine, name, parentID string) *store.Node {
	n, err := eng.CreateNode(context.Background(), name, "unit", parentID, nil)
	require.NoError(t, err)
	return n
}

// The canonical scenario: grant at the middle of a chain covers exactly
// the subtree below it, and revoking closes it again.
func TestGrantRevokeScenario(t *testing.T) {
	eng := withEngine(t)
	ctx := context.Background()

	r := mustCreate(t, eng, "R", "")
	c := mustCreate(t, eng, "C", r.ID)
	g := mustCreate(t, eng, "G", c.ID)

	_, err := eng.GrantAccess(ctx, "u", c.ID, "viewer")
	require.NoError(t, err)

	can, err := eng.CanAccess(ctx, "u", g.ID)
	require.NoError(t, err)
	require.True(t, can)
	can, err = eng.CanAccess(ctx, "u", r.ID)
	require.NoError(t, err)
	require.False(t, can)

	require.NoError(t, eng.RevokeAccess(ctx, "u", c.ID))
	can, err = eng.CanAccess(ctx, "u", g.ID)
	require.NoError(t, err)
	require.False(t, can)
}

// Moving a subtree to a new root: the subtree's paths follow, a fresh
// grant at the new root covers it, and a grant inside the moved subtree
// keeps working because scope paths migrate with the move.
func TestMoveScenario(t *testing.T) {
	eng := withEngine(t)
	ctx := context.Background()

	r := mustCreate(t, eng, "R", "")
	c := mustCreate(t, eng, "C", r.ID)
	g := mustCreate(t, eng, "G", c.ID)
	r2 := mustCreate(t, eng, "R2", "")

	_, err := eng.GrantAccess(ctx, "inside", c.ID, "admin")
	require.NoError(t, err)
	_, err = eng.GrantAccess(ctx, "above", r.ID, "viewer")
	require.NoError(t, err)

	// Warm the cache with pre-move answers.
	for _, user := range []string{"inside", "above"} {
		_, err = eng.CanAccess(ctx, user, g.ID)
		require.NoError(t, err)
	}
	eng.Cache().Wait()

	moved, err := eng.MoveNode(ctx, c.ID, r2.ID)
	require.NoError(t, err)
	require.True(t, r2.Path.IsAncestorOrSelf(moved.Path))

	gotG, err := eng.GetNode(ctx, g.ID)
	require.NoError(t, err)
	require.True(t, r2.Path.IsAncestorOrSelf(gotG.Path))

	// The migrated grant still covers the moved subtree.
	can, err := eng.CanAccess(ctx, "inside", g.ID)
	require.NoError(t, err)
	require.True(t, can)

	// The grant above the old location no longer covers it: the subtree
	// left its scope. The pre-move cached allow must be gone.
	can, err = eng.CanAccess(ctx, "above", g.ID)
	require.NoError(t, err)
	require.False(t, can)

	// A fresh grant at the new root covers the moved grandchild.
	_, err = eng.GrantAccess(ctx, "newcomer", r2.ID, "viewer")
	require.NoError(t, err)
	can, err = eng.CanAccess(ctx, "newcomer", g.ID)
	require.NoError(t, err)
	require.True(t, can)
}

func TestDeleteClosesAccess(t *testing.T) {
	eng := withEngine(t)
	ctx := context.Background()

	r := mustCreate(t, eng, "R", "")
	c := mustCreate(t, eng, "C", r.ID)
	g := mustCreate(t, eng, "G", c.ID)

	_, err := eng.GrantAccess(ctx, "u", c.ID, "viewer")
	require.NoError(t, err)
	can, err := eng.CanAccess(ctx, "u", g.ID)
	require.NoError(t, err)
	require.True(t, can)
	eng.Cache().Wait()

	require.NoError(t, eng.DeleteNode(ctx, c.ID))

	// The node is gone; a total answer, not an error.
	can, err = eng.CanAccess(ctx, "u", g.ID)
	require.NoError(t, err)
	require.False(t, can)
}

func TestRenameDoesNotDisturbAccess(t *testing.T) {
	eng := withEngine(t)
	ctx := context.Background()

	r := mustCreate(t, eng, "Engineering", "")
	c := mustCreate(t, eng, "Core", r.ID)

	_, err := eng.GrantAccess(ctx, "u", r.ID, "viewer")
	require.NoError(t, err)

	name := "Platform"
	_, err = eng.UpdateNode(ctx, r.ID, store.NodeChanges{Name: &name})
	require.NoError(t, err)

	can, err := eng.CanAccess(ctx, "u", c.ID)
	require.NoError(t, err)
	require.True(t, can)
}

func TestResolveRole(t *testing.T) {
	eng := withEngine(t)
	ctx := context.Background()

	r := mustCreate(t, eng, "R", "")
	c := mustCreate(t, eng, "C", r.ID)
	g := mustCreate(t, eng, "G", c.ID)

	_, err := eng.GrantAccess(ctx, "u", r.ID, "org-admin")
	require.NoError(t, err)
	_, err = eng.GrantAccess(ctx, "u", c.ID, "team-lead")
	require.NoError(t, err)

	role, err := eng.ResolveRole(ctx, "u", g.ID)
	require.NoError(t, err)
	require.Equal(t, "team-lead", role)

	role, err = eng.ResolveRole(ctx, "u", r.ID)
	require.NoError(t, err)
	require.Equal(t, "org-admin", role)

	role, err = eng.ResolveRole(ctx, "other", g.ID)
	require.NoError(t, err)
	require.Empty(t, role)
}

func TestCheckFailsClosedOnTimeout(t *testing.T) {
	eng := withEngine(t)

	r := mustCreate(t, eng, "R", "")
	_, err := eng.GrantAccess(context.Background(), "u", r.ID, "viewer")
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), time.Nanosecond)
	defer cancel()
	<-ctx.Done()

	can, err := eng.CanAccess(ctx, "u", r.ID)
	require.ErrorIs(t, err, ErrTimeout)
	require.False(t, can)
}

func TestListAccessible(t *testing.T) {
	eng := withEngine(t)
	ctx := context.Background()

	r := mustCreate(t, eng, "R", "")
	c1 := mustCreate(t, eng, "C1", r.ID)
	c2 := mustCreate(t, eng, "C2", r.ID)
	g1 := mustCreate(t, eng, "G1", c1.ID)

	_, err := eng.GrantAccess(ctx, "u", c1.ID, "viewer")
	require.NoError(t, err)
	// Overlapping grant below c1: must not produce duplicates.
	_, err = eng.GrantAccess(ctx, "u", g1.ID, "admin")
	require.NoError(t, err)

	nodes, err := eng.ListAccessible(ctx, "u")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{c1.ID, g1.ID}, ids(nodes))

	_, err = eng.GrantAccess(ctx, "u", r.ID, "viewer")
	require.NoError(t, err)
	nodes, err = eng.ListAccessible(ctx, "u")
	require.NoError(t, err)
	require.ElementsMatch(t, []string{r.ID, c1.ID, c2.ID, g1.ID}, ids(nodes))
}

// Tens of concurrent checkers against a live tree, as the admin API does
// under load. Mutations run interleaved; every answer must stay total.
func TestConcurrentChecks(t *testing.T) {
	eng := withEngine(t)
	ctx := context.Background()

	r := mustCreate(t, eng, "R", "")
	var nodes []*store.Node
	for i := 0; i < 20; i++ {
		parent := r.ID
		if i > 0 && i%3 == 0 {
			parent = nodes[i-1].ID
		}
		nodes = append(nodes, mustCreate(t, eng, fmt.Sprintf("n%d", i), parent))
	}
	_, err := eng.GrantAccess(ctx, "u", r.ID, "viewer")
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := 0; w < 32; w++ {
		wg.Add(1)
		go func(w int) {
			defer wg.Done()
			for i := 0; i < 200; i++ {
				n := nodes[(w+i)%len(nodes)]
				can, err := eng.CanAccess(ctx, "u", n.ID)
				require.NoError(t, err)
				require.True(t, can)
			}
		}(w)
	}
	wg.Wait()
}

func ids(nodes []*store.Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
