package aggregate

import "sort"

// schulzeOrdering ranks candidates by Schulze strongest paths. Each review
// contributes pairwise preferences; the strongest-path matrix is computed
// with Floyd-Warshall and candidates are ordered by pairwise path wins.
// Equal win counts fall back to the Borda means, then to the deterministic
// tie-break chain. The second return reports whether any tie-break beyond
// path wins was consulted.
func schulzeOrdering(in Input, agg map[int]float64, excludeSelf bool) ([]int, bool) {
	n := len(in.Candidates)
	index := make(map[int]int, n)
	for i, c := range in.Candidates {
		index[c] = i
	}

	// d[i][j] = number of reviewers preferring candidate i over candidate j.
	d := make([][]int, n)
	for i := range d {
		d[i] = make([]int, n)
	}
	for _, r := range in.Reviews {
		rankOf := make(map[int]int, len(r.Ranking))
		for _, rc := range r.Ranking {
			if excludeSelf && rc.Slot == r.Reviewer {
				continue
			}
			rankOf[rc.Slot] = rc.Rank
		}
		for a, ra := range rankOf {
			for b, rb := range rankOf {
				if a != b && ra < rb {
					d[index[a]][index[b]]++
				}
			}
		}
	}

	// p[i][j] = strength of the strongest path from i to j.
	p := make([][]int, n)
	for i := range p {
		p[i] = make([]int, n)
		for j := range p[i] {
			if i != j && d[i][j] > d[j][i] {
				p[i][j] = d[i][j]
			}
		}
	}
	for k := 0; k < n; k++ {
		for i := 0; i < n; i++ {
			if i == k {
				continue
			}
			for j := 0; j < n; j++ {
				if j == i || j == k {
					continue
				}
				s := p[i][k]
				if p[k][j] < s {
					s = p[k][j]
				}
				if s > p[i][j] {
					p[i][j] = s
				}
			}
		}
	}

	wins := make([]int, n)
	for i := 0; i < n; i++ {
		for j := 0; j < n; j++ {
			if i != j && p[i][j] > p[j][i] {
				wins[i]++
			}
		}
	}

	ordering := make([]int, n)
	copy(ordering, in.Candidates)
	accuracy := meanAccuracy(in)
	used := false
	sort.SliceStable(ordering, func(i, j int) bool {
		a, b := ordering[i], ordering[j]
		if wa, wb := wins[index[a]], wins[index[b]]; wa != wb {
			return wa > wb
		}
		used = true
		if !almostEqual(agg[a], agg[b]) {
			return agg[a] > agg[b]
		}
		if aa, ab := accuracy[a], accuracy[b]; !almostEqual(aa, ab) {
			return aa > ab
		}
		if ca, cb := in.Costs[a], in.Costs[b]; !almostEqual(ca, cb) {
			return ca < cb
		}
		return contentHash(in.Contents[a]) < contentHash(in.Contents[b])
	})
	return ordering, used
}
