package catalog

import "sort"

// Conflict reports two access lists of the same type but opposite modes that
// share members: the same id cannot be both whitelisted and blacklisted.
type Conflict struct {
	ListA string  `json:"list_a"`
	ListB string  `json:"list_b"`
	Type  string  `json:"type"`
	Items []int64 `json:"items"`
}

// FindConflicts computes every conflicting pair. Pure function; each
// unordered pair is reported once, with ListA < ListB by id.
func FindConflicts(lists []AccessList) []Conflict {
	sorted := make([]AccessList, len(lists))
	copy(sorted, lists)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	var conflicts []Conflict
	for i := range sorted {
		for j := i + 1; j < len(sorted); j++ {
			a, b := &sorted[i], &sorted[j]
			if a.Type != b.Type || a.Mode == b.Mode {
				continue
			}
			shared := intersect(a.Items, b.Items)
			if len(shared) == 0 {
				continue
			}
			conflicts = append(conflicts, Conflict{
				ListA: a.ID,
				ListB: b.ID,
				Type:  a.Type,
				Items: shared,
			})
		}
	}
	return conflicts
}

func intersect(a, b []int64) []int64 {
	inA := make(map[int64]struct{}, len(a))
	for _, item := range a {
		inA[item] = struct{}{}
	}

	var shared []int64
	seen := make(map[int64]struct{})
	for _, item := range b {
		if _, ok := inA[item]; !ok {
			continue
		}
		if _, dup := seen[item]; dup {
			continue
		}
		seen[item] = struct{}{}
		shared = append(shared, item)
	}
	sort.Slice(shared, func(i, j int) bool { return shared[i] < shared[j] })
	return shared
}
