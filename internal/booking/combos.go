package booking

// Subsets enumerates all K-subsets of the court indices 1..R in attempt
// order: subsets forming a contiguous index run come first, ascending by
// lowest member, then all remaining subsets in ascending lexicographic order.
// For R=4, K=2: (1,2) (2,3) (3,4) (1,3) (1,4) (2,4).
//
// Contiguous runs are preferred so a multi-court booking lands on adjacent
// courts when possible.
func Subsets(r, k int) [][]int {
	if k < 1 || k > r {
		return nil
	}

	var contiguous, scattered [][]int
	for _, c := range combinations(r, k) {
		if isRun(c) {
			contiguous = append(contiguous, c)
		} else {
			scattered = append(scattered, c)
		}
	}
	return append(contiguous, scattered...)
}

// combinations generates k-combinations of 1..r in lexicographic order.
func combinations(r, k int) [][]int {
	var out [][]int
	idx := make([]int, k)
	for i := range idx {
		idx[i] = i + 1
	}
	for {
		c := make([]int, k)
		copy(c, idx)
		out = append(out, c)

		// advance to the next combination
		i := k - 1
		for i >= 0 && idx[i] == r-k+i+1 {
			i--
		}
		if i < 0 {
			return out
		}
		idx[i]++
		for j := i + 1; j < k; j++ {
			idx[j] = idx[j-1] + 1
		}
	}
}

func isRun(c []int) bool {
	for i := 1; i < len(c); i++ {
		if c[i] != c[i-1]+1 {
			return false
		}
	}
	return true
}

// subsetOf reports whether every member of c is present in the free set.
func subsetOf(c []int, free map[int]bool) bool {
	for _, v := range c {
		if !free[v] {
			return false
		}
	}
	return true
}

func sameSubset(a, b []int) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
