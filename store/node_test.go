/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/xiamhq/hierarchy/tree"
)

func withStores(t *testing.T) (*NodeStore, *AccessStore) {
	db, err := Open(Options{InMemory: true})
	require.NoError(t, err)
	t.Cleanup(func() { require.NoError(t, db.Close()) })
	return NewNodeStore(db), NewAccessStore(db)
}

// buildTree creates root -> child -> grandchild and returns the three
// nodes.
func buildTree(t *testing.T, nodes *NodeStore) (*Node, *Node, *Node) {
	ctx := context.Background()
	root, err := nodes.Create(ctx, "Root", "company", "", nil)
	require.NoError(t, err)
	child, err := nodes.Create(ctx, "Child", "department", root.ID, nil)
	require.NoError(t, err)
	grand, err := nodes.Create(ctx, "Grand", "team", child.ID, nil)
	require.NoError(t, err)
	return root, child, grand
}

func TestCreateAndGet(t *testing.T) {
	nodes, _ := withStores(t)
	ctx := context.Background()

	root, err := nodes.Create(ctx, "Acme Corp", "company", "", map[string]interface{}{
		"country": "us",
	})
	require.NoError(t, err)
	require.NotEmpty(t, root.ID)
	require.Equal(t, tree.Path(tree.SegmentFor("Acme Corp", root.ID)), root.Path)

	child, err := nodes.Create(ctx, "R&D", "department", root.ID, nil)
	require.NoError(t, err)
	require.Equal(t, root.ID, child.ParentID)
	require.True(t, root.Path.IsAncestorOrSelf(child.Path))

	got, err := nodes.Get(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, child.Path, got.Path)
	require.Equal(t, "R&D", got.Name)

	byPath, err := nodes.GetByPath(ctx, child.Path)
	require.NoError(t, err)
	require.Equal(t, child.ID, byPath.ID)

	_, err = nodes.Get(ctx, "no-such-node")
	require.ErrorIs(t, err, ErrNotFound)

	_, err = nodes.Create(ctx, "Orphan", "team", "no-such-parent", nil)
	require.ErrorIs(t, err, ErrInvalidParent)
}

func TestCreateSameNameSiblings(t *testing.T) {
	nodes, _ := withStores(t)
	ctx := context.Background()

	root, err := nodes.Create(ctx, "Root", "company", "", nil)
	require.NoError(t, err)
	a, err := nodes.Create(ctx, "Sales", "team", root.ID, nil)
	require.NoError(t, err)
	b, err := nodes.Create(ctx, "Sales", "team", root.ID, nil)
	require.NoError(t, err)
	require.NotEqual(t, a.Path, b.Path)
}

func TestUpdateKeepsPath(t *testing.T) {
	nodes, _ := withStores(t)
	_, child, grand := buildTree(t, nodes)
	ctx := context.Background()

	name := "Renamed Department"
	typ := "division"
	updated, err := nodes.Update(ctx, child.ID, NodeChanges{
		Name: &name, Type: &typ,
		Metadata: map[string]interface{}{"floor": 3},
	})
	require.NoError(t, err)
	require.Equal(t, name, updated.Name)
	require.Equal(t, typ, updated.Type)
	// The segment was fixed at creation; renames never rewrite paths.
	require.Equal(t, child.Path, updated.Path)

	got, err := nodes.Get(ctx, grand.ID)
	require.NoError(t, err)
	require.Equal(t, grand.Path, got.Path)
}

func TestListChildrenAndDescendants(t *testing.T) {
	nodes, _ := withStores(t)
	root, child, grand := buildTree(t, nodes)
	ctx := context.Background()

	other, err := nodes.Create(ctx, "Other", "department", root.ID, nil)
	require.NoError(t, err)

	children, err := nodes.ListChildren(ctx, root.ID)
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{child.ID, other.ID}, nodeIDs(children))

	desc, err := nodes.ListDescendants(ctx, root.ID)
	require.NoError(t, err)
	require.ElementsMatch(t,
		[]string{child.ID, grand.ID, other.ID}, nodeIDs(desc))

	leafChildren, err := nodes.ListChildren(ctx, grand.ID)
	require.NoError(t, err)
	require.Empty(t, leafChildren)
}

func TestListChildrenSkipsPrefixSiblings(t *testing.T) {
	nodes, _ := withStores(t)
	ctx := context.Background()

	// Sibling segments where one is a string prefix of another, plus a
	// '-' segment that sorts before '/'. The level scan must not confuse
	// any of them with descendants.
	root, err := nodes.Create(ctx, "r", "company", "", nil)
	require.NoError(t, err)
	var kids []string
	for _, name := range []string{"a", "a-b", "ab"} {
		n, err := nodes.Create(ctx, name, "team", root.ID, nil)
		require.NoError(t, err)
		kids = append(kids, n.ID)
		// Each child gets one grandchild to force subtree skipping.
		_, err = nodes.Create(ctx, name+" deep", "team", n.ID, nil)
		require.NoError(t, err)
	}

	children, err := nodes.ListChildren(ctx, root.ID)
	require.NoError(t, err)
	require.ElementsMatch(t, kids, nodeIDs(children))
}

func TestListAncestorsAndRoots(t *testing.T) {
	nodes, _ := withStores(t)
	root, child, grand := buildTree(t, nodes)
	ctx := context.Background()

	r2, err := nodes.Create(ctx, "Second Root", "company", "", nil)
	require.NoError(t, err)

	anc, err := nodes.ListAncestors(ctx, grand.ID)
	require.NoError(t, err)
	require.Equal(t, []string{root.ID, child.ID}, nodeIDs(anc))

	roots, err := nodes.ListRoots(ctx)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{root.ID, r2.ID}, nodeIDs(roots))
}

func TestMoveRewritesSubtree(t *testing.T) {
	nodes, _ := withStores(t)
	root, child, grand := buildTree(t, nodes)
	ctx := context.Background()

	r2, err := nodes.Create(ctx, "Root Two", "company", "", nil)
	require.NoError(t, err)

	moved, oldPath, err := nodes.Move(ctx, child.ID, r2.ID)
	require.NoError(t, err)
	require.Equal(t, child.Path, oldPath)
	require.Equal(t, r2.ID, moved.ParentID)
	require.Equal(t, tree.Compose(r2.Path, child.Path.Segment()), moved.Path)

	// Descendant paths were rebased in the same transaction.
	gotGrand, err := nodes.Get(ctx, grand.ID)
	require.NoError(t, err)
	require.True(t, moved.Path.IsAncestorOrSelf(gotGrand.Path))
	require.True(t, r2.Path.IsAncestorOrSelf(gotGrand.Path))
	require.False(t, root.Path.IsAncestorOrSelf(gotGrand.Path))

	// The old path index is gone, the new one resolves.
	_, err = nodes.GetByPath(ctx, oldPath)
	require.ErrorIs(t, err, ErrNotFound)
	byPath, err := nodes.GetByPath(ctx, moved.Path)
	require.NoError(t, err)
	require.Equal(t, child.ID, byPath.ID)
}

func TestMoveToRoot(t *testing.T) {
	nodes, _ := withStores(t)
	_, child, grand := buildTree(t, nodes)
	ctx := context.Background()

	moved, _, err := nodes.Move(ctx, child.ID, "")
	require.NoError(t, err)
	require.Empty(t, moved.ParentID)
	require.Equal(t, 1, moved.Path.Depth())

	gotGrand, err := nodes.Get(ctx, grand.ID)
	require.NoError(t, err)
	require.Equal(t, tree.Compose(moved.Path, grand.Path.Segment()), gotGrand.Path)

	roots, err := nodes.ListRoots(ctx)
	require.NoError(t, err)
	require.Contains(t, nodeIDs(roots), child.ID)
}

func TestMoveCycleRejected(t *testing.T) {
	nodes, _ := withStores(t)
	root, child, grand := buildTree(t, nodes)
	ctx := context.Background()

	_, _, err := nodes.Move(ctx, root.ID, root.ID)
	require.ErrorIs(t, err, ErrCyclicMove)
	_, _, err = nodes.Move(ctx, root.ID, child.ID)
	require.ErrorIs(t, err, ErrCyclicMove)
	_, _, err = nodes.Move(ctx, root.ID, grand.ID)
	require.ErrorIs(t, err, ErrCyclicMove)

	// The tree is unchanged after the rejected moves.
	for _, n := range []*Node{root, child, grand} {
		got, err := nodes.Get(ctx, n.ID)
		require.NoError(t, err)
		require.Equal(t, n.Path, got.Path)
		require.Equal(t, n.ParentID, got.ParentID)
	}
}

func TestDeleteCascades(t *testing.T) {
	nodes, _ := withStores(t)
	root, child, grand := buildTree(t, nodes)
	ctx := context.Background()

	sibling, err := nodes.Create(ctx, "Sibling", "department", root.ID, nil)
	require.NoError(t, err)

	deleted, err := nodes.Delete(ctx, child.ID)
	require.NoError(t, err)
	require.Equal(t, child.Path, deleted.Path)

	for _, id := range []string{child.ID, grand.ID} {
		_, err := nodes.Get(ctx, id)
		require.ErrorIs(t, err, ErrNotFound)
	}
	// Exactly the subtree went away.
	for _, id := range []string{root.ID, sibling.ID} {
		_, err := nodes.Get(ctx, id)
		require.NoError(t, err)
	}

	_, err = nodes.Delete(ctx, child.ID)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestSearchAndCount(t *testing.T) {
	nodes, _ := withStores(t)
	ctx := context.Background()

	root, err := nodes.Create(ctx, "Engineering", "department", "", nil)
	require.NoError(t, err)
	_, err = nodes.Create(ctx, "Platform Engineering", "team", root.ID, nil)
	require.NoError(t, err)
	_, err = nodes.Create(ctx, "Sales", "department", "", nil)
	require.NoError(t, err)

	found, err := nodes.Search(ctx, "engineering")
	require.NoError(t, err)
	require.Len(t, found, 2)

	found, err = nodes.Search(ctx, "SALES")
	require.NoError(t, err)
	require.Len(t, found, 1)

	n, err := nodes.Count(ctx)
	require.NoError(t, err)
	require.Equal(t, 3, n)
}

func TestInvalidIDs(t *testing.T) {
	nodes, _ := withStores(t)
	ctx := context.Background()

	_, err := nodes.Get(ctx, "")
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = nodes.Get(ctx, "with\x00nul")
	require.ErrorIs(t, err, ErrInvalidID)
	_, err = nodes.Create(ctx, "n", "t", "bad\x00parent", nil)
	require.ErrorIs(t, err, ErrInvalidID)
}

func TestDeepTree(t *testing.T) {
	nodes, _ := withStores(t)
	ctx := context.Background()

	parent := ""
	var ids []string
	for i := 0; i < 20; i++ {
		n, err := nodes.Create(ctx, fmt.Sprintf("level %d", i), "team", parent, nil)
		require.NoError(t, err)
		ids = append(ids, n.ID)
		parent = n.ID
	}
	leaf, err := nodes.Get(ctx, ids[len(ids)-1])
	require.NoError(t, err)
	require.Equal(t, 20, leaf.Path.Depth())

	anc, err := nodes.ListAncestors(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, ids[:19], nodeIDs(anc))
}

func nodeIDs(nodes []*Node) []string {
	out := make([]string, len(nodes))
	for i, n := range nodes {
		out[i] = n.ID
	}
	return out
}
