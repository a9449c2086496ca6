package catalog

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFindConflicts(t *testing.T) {
	lists := []AccessList{
		{ID: "wl", Type: ListTypeUser, Mode: ModeWhitelist, Items: []int64{1, 2, 3}},
		{ID: "bl", Type: ListTypeUser, Mode: ModeBlacklist, Items: []int64{3, 4}},
		{ID: "groups-wl", Type: ListTypeGroup, Mode: ModeWhitelist, Items: []int64{3}},
		{ID: "wl2", Type: ListTypeUser, Mode: ModeWhitelist, Items: []int64{4}},
	}

	conflicts := FindConflicts(lists)
	require.Len(t, conflicts, 2)

	assert.Equal(t, Conflict{ListA: "bl", ListB: "wl", Type: ListTypeUser, Items: []int64{3}}, conflicts[0])
	assert.Equal(t, Conflict{ListA: "bl", ListB: "wl2", Type: ListTypeUser, Items: []int64{4}}, conflicts[1])
}

func TestFindConflictsSymmetry(t *testing.T) {
	a := AccessList{ID: "a", Type: ListTypeUser, Mode: ModeWhitelist, Items: []int64{7, 8}}
	b := AccessList{ID: "b", Type: ListTypeUser, Mode: ModeBlacklist, Items: []int64{8, 9}}

	ab := FindConflicts([]AccessList{a, b})
	ba := FindConflicts([]AccessList{b, a})
	assert.Equal(t, ab, ba)
	require.Len(t, ab, 1)
	assert.Equal(t, []int64{8}, ab[0].Items)
}

func TestFindConflictsNone(t *testing.T) {
	lists := []AccessList{
		{ID: "a", Type: ListTypeUser, Mode: ModeWhitelist, Items: []int64{1}},
		{ID: "b", Type: ListTypeUser, Mode: ModeWhitelist, Items: []int64{1}},
		{ID: "c", Type: ListTypeGroup, Mode: ModeBlacklist, Items: []int64{1}},
	}
	assert.Empty(t, FindConflicts(lists))
}

func TestIntersectDeduplicates(t *testing.T) {
	assert.Equal(t, []int64{2}, intersect([]int64{2, 2, 5}, []int64{2, 2}))
	assert.Empty(t, intersect([]int64{1}, []int64{2}))
}
