package chunk

import (
	"cmp"
	"slices"
)

// Plan distributes chunks over files in proportion to their sizes. Every
// file gets at least one chunk; leftovers go to the files with the largest
// fractional share. With at least as many files as chunks, each file gets one.
func Plan(sizes []int64, chunks int) []int {
	counts := make([]int, len(sizes))
	for i := range counts {
		counts[i] = 1
	}
	switch {
	case len(sizes) == 0:
		return counts
	case len(sizes) == 1:
		counts[0] = max(1, chunks)
		return counts
	case len(sizes) >= chunks:
		return counts
	}

	var total int64
	for _, s := range sizes {
		total += s
	}
	unallocated := chunks - len(sizes)
	if total == 0 {
		return counts
	}

	quota := float64(total) / float64(1+unallocated)
	fractions := make([]float64, len(sizes))
	for i, s := range sizes {
		f := float64(s) / quota
		whole := min(int(f), unallocated)
		counts[i] += whole
		unallocated -= whole
		fractions[i] = f - float64(whole)
	}

	order := make([]int, len(sizes))
	for i := range order {
		order[i] = i
	}
	slices.SortStableFunc(order, func(a, b int) int {
		return cmp.Compare(fractions[b], fractions[a])
	})
	for _, i := range order {
		if unallocated == 0 {
			break
		}
		counts[i]++
		unallocated--
	}
	return counts
}
