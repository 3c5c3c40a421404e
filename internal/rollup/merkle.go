package rollup

import "crypto/sha256"

// hashPair 计算一对节点的父节点哈希。
func hashPair(left, right [32]byte) [32]byte {
	h := sha256.New()
	h.Write(left[:])
	h.Write(right[:])
	var out [32]byte
	copy(out[:], h.Sum(nil))
	return out
}

// buildLevels 自底向上构造整棵树。某一层节点数为奇数时,
// 末尾节点与自身配对,不做零填充。校验必须严格镜像这一约定。
func buildLevels(leaves [][32]byte) [][][32]byte {
	if len(leaves) == 0 {
		return nil
	}
	levels := [][][32]byte{append([][32]byte(nil), leaves...)}
	current := levels[0]
	for len(current) > 1 {
		next := make([][32]byte, 0, (len(current)+1)/2)
		for i := 0; i < len(current); i += 2 {
			left := current[i]
			right := left
			if i+1 < len(current) {
				right = current[i+1]
			}
			next = append(next, hashPair(left, right))
		}
		levels = append(levels, next)
		current = next
	}
	return levels
}

// merkleRoot 返回叶子集合的根哈希。
func merkleRoot(leaves [][32]byte) [32]byte {
	levels := buildLevels(leaves)
	if levels == nil {
		return [32]byte{}
	}
	return levels[len(levels)-1][0]
}

// proofForIndex 返回指定叶子从底到根的兄弟哈希序列。
// 兄弟下标越界时沿用复制末节点的约定。
func proofForIndex(leaves [][32]byte, index int) [][32]byte {
	levels := buildLevels(leaves)
	if levels == nil || index < 0 || index >= len(leaves) {
		return nil
	}
	var proof [][32]byte
	pos := index
	for _, level := range levels[:len(levels)-1] {
		sibling := pos ^ 1
		if sibling >= len(level) {
			sibling = pos
		}
		proof = append(proof, level[sibling])
		pos /= 2
	}
	return proof
}

// verifyProof 按叶子在批内的下标折叠兄弟序列,校验其归于根。
func verifyProof(leaf [32]byte, proof [][32]byte, index int, root [32]byte) bool {
	current := leaf
	pos := index
	for _, sibling := range proof {
		if pos%2 == 0 {
			current = hashPair(current, sibling)
		} else {
			current = hashPair(sibling, current)
		}
		pos /= 2
	}
	return current == root
}
