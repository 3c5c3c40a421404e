package rollup

import (
	"crypto/sha256"
	"fmt"
	"testing"
)

func makeLeaves(n int) [][32]byte {
	leaves := make([][32]byte, n)
	for i := range leaves {
		leaves[i] = sha256.Sum256([]byte(fmt.Sprintf("leaf-%d", i)))
	}
	return leaves
}

func TestMerkleSingleLeafRootIsLeaf(t *testing.T) {
	leaves := makeLeaves(1)
	if merkleRoot(leaves) != leaves[0] {
		t.Fatal("single-leaf root must equal the leaf hash")
	}
	if proof := proofForIndex(leaves, 0); len(proof) != 0 {
		t.Fatalf("single-leaf proof must be empty, got %d siblings", len(proof))
	}
}

func TestMerkleTwoLeafRoot(t *testing.T) {
	leaves := makeLeaves(2)
	want := hashPair(leaves[0], leaves[1])
	if merkleRoot(leaves) != want {
		t.Fatal("two-leaf root must be the pair hash")
	}
}

func TestMerkleOddLevelDuplicatesLastNode(t *testing.T) {
	leaves := makeLeaves(3)
	// 第三片叶子与自身配对,不做零填充。
	left := hashPair(leaves[0], leaves[1])
	right := hashPair(leaves[2], leaves[2])
	want := hashPair(left, right)
	if merkleRoot(leaves) != want {
		t.Fatal("odd level must duplicate the last node")
	}
}

func TestMerkleProofsVerifyForAllIndexes(t *testing.T) {
	for _, n := range []int{1, 2, 3, 4, 5, 7, 8, 13} {
		leaves := makeLeaves(n)
		root := merkleRoot(leaves)
		for i := 0; i < n; i++ {
			proof := proofForIndex(leaves, i)
			if !verifyProof(leaves[i], proof, i, root) {
				t.Fatalf("n=%d index=%d: proof failed to verify", n, i)
			}
		}
	}
}

func TestMerkleProofHeightMatchesTree(t *testing.T) {
	cases := map[int]int{1: 0, 2: 1, 3: 2, 4: 2, 5: 3, 8: 3, 9: 4}
	for n, height := range cases {
		leaves := makeLeaves(n)
		if got := len(proofForIndex(leaves, 0)); got != height {
			t.Fatalf("n=%d: proof length = %d, want %d", n, got, height)
		}
	}
}

func TestMerkleTamperedLeafFailsVerification(t *testing.T) {
	leaves := makeLeaves(8)
	root := merkleRoot(leaves)
	proof := proofForIndex(leaves, 3)

	tampered := sha256.Sum256([]byte("forged"))
	if verifyProof(tampered, proof, 3, root) {
		t.Fatal("forged leaf must not verify")
	}
	if verifyProof(leaves[3], proof, 4, root) {
		t.Fatal("wrong index must not verify")
	}
}
