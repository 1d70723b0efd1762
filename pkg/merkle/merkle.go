// Merkle commitment over ordered canonical span encodings
// RFC 6962 layout over SHA-256; the tree keeps leaf hashes for inclusion proofs
package merkle

import (
	"encoding/hex"
	"fmt"
	"math/bits"

	"github.com/ipfs/go-cid"
	"github.com/multiformats/go-multihash"
	"github.com/transparency-dev/merkle/compact"
	"github.com/transparency-dev/merkle/proof"
	"github.com/transparency-dev/merkle/rfc6962"
)

// HashSize is the digest size of every root and node, in bytes.
const HashSize = 32

// EmptyRootHex is the root of a tree with no leaves: SHA-256 of the empty string.
const EmptyRootHex = "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855"

var hasher = rfc6962.DefaultHasher

// Tree is a committed, immutable Merkle tree.
type Tree struct {
	leaves [][]byte
	root   []byte
}

// Commit builds a tree whose leaves are entries in the given order.
// Entries are not re-sorted. An empty input yields EmptyRootHex.
func Commit(entries [][]byte) (*Tree, error) {
	t := &Tree{leaves: make([][]byte, len(entries))}
	if len(entries) == 0 {
		t.root = hasher.EmptyRoot()
		return t, nil
	}

	rf := compact.RangeFactory{Hash: hasher.HashChildren}
	cr := rf.NewEmptyRange(0)
	for i, e := range entries {
		t.leaves[i] = hasher.HashLeaf(e)
		if err := cr.Append(t.leaves[i], nil); err != nil {
			return nil, fmt.Errorf("appending leaf %d: %w", i, err)
		}
	}
	root, err := cr.GetRootHash(nil)
	if err != nil {
		return nil, fmt.Errorf("computing root: %w", err)
	}
	t.root = root
	return t, nil
}

// Root returns a copy of the root digest.
func (t *Tree) Root() []byte {
	return append([]byte(nil), t.root...)
}

// RootHex returns the root digest as lowercase hex.
func (t *Tree) RootHex() string {
	return hex.EncodeToString(t.root)
}

// RootCID renders the root as a CIDv1 with the raw codec and a sha2-256 multihash.
func (t *Tree) RootCID() (string, error) {
	mh, err := multihash.Encode(t.root, multihash.SHA2_256)
	if err != nil {
		return "", fmt.Errorf("encoding multihash: %w", err)
	}
	return cid.NewCidV1(cid.Raw, mh).String(), nil
}

// Size returns the number of leaves.
func (t *Tree) Size() int {
	return len(t.leaves)
}

// LeafHash returns the hash of leaf i.
func (t *Tree) LeafHash(i int) ([]byte, error) {
	if i < 0 || i >= len(t.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", i, len(t.leaves))
	}
	return append([]byte(nil), t.leaves[i]...), nil
}

// InclusionProof returns the audit path for leaf i, ordered from the leaf's
// sibling up to the child of the root.
func (t *Tree) InclusionProof(i int) ([][]byte, error) {
	if i < 0 || i >= len(t.leaves) {
		return nil, fmt.Errorf("leaf index %d out of range [0, %d)", i, len(t.leaves))
	}
	return auditPath(i, t.leaves), nil
}

// VerifyInclusion checks that entry sits at index of a tree of the given size with root.
func VerifyInclusion(entry []byte, index, size int, path [][]byte, root []byte) error {
	if index < 0 || size < 0 {
		return fmt.Errorf("negative index or size")
	}
	return proof.VerifyInclusion(hasher, uint64(index), uint64(size), hasher.HashLeaf(entry), path, root)
}

// auditPath is PATH(m, D[n]) from RFC 6962 section 2.1.1.
func auditPath(m int, leaves [][]byte) [][]byte {
	n := len(leaves)
	if n <= 1 {
		return nil
	}
	k := splitPoint(n)
	if m < k {
		return append(auditPath(m, leaves[:k]), subtreeRoot(leaves[k:]))
	}
	return append(auditPath(m-k, leaves[k:]), subtreeRoot(leaves[:k]))
}

// subtreeRoot is MTH over already-hashed leaves.
func subtreeRoot(leaves [][]byte) []byte {
	if len(leaves) == 1 {
		return leaves[0]
	}
	k := splitPoint(len(leaves))
	return hasher.HashChildren(subtreeRoot(leaves[:k]), subtreeRoot(leaves[k:]))
}

// splitPoint returns the largest power of two strictly less than n, for n > 1.
func splitPoint(n int) int {
	return 1 << (bits.Len(uint(n-1)) - 1)
}
