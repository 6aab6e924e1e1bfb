/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

// Package tree implements the materialized-path representation of the
// organizational hierarchy. A Path is the full ancestry of a node encoded
// as '/'-separated segments, so ancestor/descendant questions reduce to
// string prefix checks and never touch storage.
package tree

import (
	"strings"

	"github.com/pkg/errors"
)

// Sep separates path segments. Segment generation folds it out of names,
// so it can never occur inside a segment.
const Sep = '/'

// maxSlugLen bounds the human-readable part of a segment. The id suffix
// carries the uniqueness, the slug is only there for operators reading
// paths in logs.
const maxSlugLen = 48

// Path is a node's materialized path: the segments of every ancestor from
// the root down, ending with the node's own segment. The empty Path is
// invalid everywhere.
type Path string

// ErrInvalidPath is returned by Parse for paths that violate the segment
// grammar.
var ErrInvalidPath = errors.New("invalid path")

// SegmentFor derives the path segment for a node from its human label and
// id. The label is lowercased with every non-alphanumeric run folded to a
// single '-'; the id suffix makes two siblings with identical names never
// collide. The result is fixed at node creation: renaming a node does not
// regenerate its segment, which keeps every descendant path stable.
func SegmentFor(name, id string) string {
	slug := slugify(name)
	if slug == "" {
		return id
	}
	if len(slug) > maxSlugLen {
		slug = strings.TrimRight(slug[:maxSlugLen], "-")
	}
	return slug + "-" + id
}

func slugify(name string) string {
	var b strings.Builder
	b.Grow(len(name))
	pendingDash := false
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z' || r >= '0' && r <= '9':
			if pendingDash && b.Len() > 0 {
				b.WriteByte('-')
			}
			pendingDash = false
			b.WriteRune(r)
		default:
			pendingDash = true
		}
	}
	return b.String()
}

// Compose builds a node's path from its parent's path and its own segment.
// Root nodes have no parent and their path is just the segment.
func Compose(parent Path, segment string) Path {
	if parent == "" {
		return Path(segment)
	}
	return parent + Path(Sep) + Path(segment)
}

// Parse validates a raw string as a Path.
func Parse(s string) (Path, error) {
	p := Path(s)
	if !p.IsValid() {
		return "", errors.Wrapf(ErrInvalidPath, "%q", s)
	}
	return p, nil
}

// IsValid reports whether p is non-empty with no empty segments and only
// segment-safe characters.
func (p Path) IsValid() bool {
	if p == "" {
		return false
	}
	for _, seg := range p.Segments() {
		if seg == "" {
			return false
		}
		for i := 0; i < len(seg); i++ {
			c := seg[i]
			if c >= 'a' && c <= 'z' || c >= '0' && c <= '9' || c == '-' {
				continue
			}
			return false
		}
	}
	return true
}

// IsAncestorOrSelf reports whether p covers target: p equals target, or
// target starts with p followed by the separator. This is the containment
// predicate the whole access engine is built on. O(len(p)), no I/O.
func (p Path) IsAncestorOrSelf(target Path) bool {
	if p == "" || target == "" {
		return false
	}
	if p == target {
		return true
	}
	return len(target) > len(p) && target[len(p)] == Sep && target[:len(p)] == p
}

// Segments splits p into its segments, root first.
func (p Path) Segments() []string {
	if p == "" {
		return nil
	}
	return strings.Split(string(p), string(Sep))
}

// Segment returns the node's own (last) segment.
func (p Path) Segment() string {
	if i := strings.LastIndexByte(string(p), Sep); i >= 0 {
		return string(p[i+1:])
	}
	return string(p)
}

// Parent returns the path with the last segment removed, or "" for roots.
func (p Path) Parent() Path {
	if i := strings.LastIndexByte(string(p), Sep); i >= 0 {
		return p[:i]
	}
	return ""
}

// Depth is the number of segments. Roots have depth 1.
func (p Path) Depth() int {
	if p == "" {
		return 0
	}
	return strings.Count(string(p), string(Sep)) + 1
}

// Ancestors returns the proper ancestors of p, shortest (root) first. The
// result excludes p itself.
func (p Path) Ancestors() []Path {
	var out []Path
	for i := 0; i < len(p); i++ {
		if p[i] == Sep {
			out = append(out, p[:i])
		}
	}
	return out
}

// Rebase replaces the oldPrefix of p with newPrefix. It is the single
// rewrite rule used when a subtree moves: the moved node and every
// descendant get their paths rebased in one transaction. p must be
// descendant-or-self of oldPrefix.
func (p Path) Rebase(oldPrefix, newPrefix Path) Path {
	if p == oldPrefix {
		return newPrefix
	}
	return newPrefix + p[len(oldPrefix):]
}
