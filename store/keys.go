/*
 * SPDX-FileCopyrightText: © XIAM Authors <engineering@xiam.dev>
 * SPDX-License-Identifier: Apache-2.0
 */

package store

import (
	"bytes"
	"strings"

	"github.com/pkg/errors"

	"github.com/xiamhq/hierarchy/tree"
	"github.com/xiamhq/hierarchy/x"
)

// Key layout. Every key starts with a one-byte class tag and a 0x00
// separator; 0x00 also separates compound key parts, which is why ids may
// not contain it. Paths use only [a-z0-9-/], so prefix iteration over
// pathKey(p) + '/' enumerates exactly the proper descendants of p.
//
//	n \0 <node id>            -> node record (cbor)
//	p \0 <path>               -> node id
//	g \0 <user> \0 <path>     -> grant record (cbor)
//	h \0 <path> \0 <user>     -> grant id
const (
	tagNode      = 'n'
	tagPath      = 'p'
	tagGrant     = 'g'
	tagGrantPath = 'h'
)

func nodeKey(id string) []byte {
	return compoundKey(tagNode, id)
}

func pathKey(p tree.Path) []byte {
	return compoundKey(tagPath, string(p))
}

func grantKey(userID string, p tree.Path) []byte {
	return compoundKey(tagGrant, userID, string(p))
}

func grantPathKey(p tree.Path, userID string) []byte {
	return compoundKey(tagGrantPath, string(p), userID)
}

func compoundKey(tag byte, parts ...string) []byte {
	sz := 1
	for _, p := range parts {
		sz += 1 + len(p)
	}
	key := make([]byte, 0, sz)
	key = append(key, tag)
	for _, p := range parts {
		key = append(key, 0x00)
		key = append(key, p...)
	}
	return key
}

// subtreePrefix is the iteration prefix covering the proper descendants of
// p in the path index.
func subtreePrefix(p tree.Path) []byte {
	return append(pathKey(p), byte(tree.Sep))
}

// grantSubtreePrefix covers every grant-path key whose scope path starts
// with p. The caller must still check that the byte following the path is
// 0x00 (grant exactly at p) or the path separator (grant on a proper
// descendant), to avoid matching sibling paths that share a string prefix.
func grantSubtreePrefix(p tree.Path) []byte {
	key := make([]byte, 0, 2+len(p))
	key = append(key, tagGrantPath, 0x00)
	return append(key, p...)
}

// parseGrantPathKey splits an 'h' class key back into scope path and user.
func parseGrantPathKey(key []byte) (tree.Path, string) {
	body := key[2:] // strip tag and separator
	i := bytes.IndexByte(body, 0x00)
	x.AssertTruef(i >= 0, "malformed grant path key %q", key)
	return tree.Path(body[:i]), string(body[i+1:])
}

// validateID rejects ids that are empty or would break the key encoding.
// Ids are opaque to the engine otherwise.
func validateID(kind, id string) error {
	if id == "" {
		return errors.Wrapf(ErrInvalidID, "%s id is empty", kind)
	}
	if strings.IndexByte(id, 0x00) >= 0 {
		return errors.Wrapf(ErrInvalidID, "%s id contains NUL", kind)
	}
	return nil
}
