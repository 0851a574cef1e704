package overlay

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParentOf(t *testing.T) {
	tests := []struct {
		k, rank uint32
		parent  uint32
	}{
		{2, 0, None},
		{2, 1, 0},
		{2, 2, 0},
		{2, 3, 1},
		{2, 4, 1},
		{2, 5, 2},
		{3, 1, 0},
		{3, 3, 0},
		{3, 4, 1},
		{1, 5, 4},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.parent, ParentOf(tt.k, tt.rank),
			"k=%d rank=%d", tt.k, tt.rank)
	}
}

func TestChildrenOf(t *testing.T) {
	tests := []struct {
		k, size, rank uint32
		children      []uint32
	}{
		{2, 4, 0, []uint32{1, 2}},
		{2, 4, 1, []uint32{3}},
		{2, 4, 3, nil},
		{2, 7, 2, []uint32{5, 6}},
		{3, 10, 0, []uint32{1, 2, 3}},
		{1, 3, 1, []uint32{2}},
		{2, 1, 0, nil},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.children, ChildrenOf(tt.k, tt.size, tt.rank),
			"k=%d size=%d rank=%d", tt.k, tt.size, tt.rank)
	}
}

// Every rank's peer set must be exactly what the pure functions compute:
// each child's parent is the rank itself, and every non-root rank appears
// in its parent's child list.
func TestTopologyClosure(t *testing.T) {
	for _, k := range []uint32{1, 2, 3} {
		for size := uint32(1); size <= 32; size++ {
			for rank := uint32(0); rank < size; rank++ {
				for _, c := range ChildrenOf(k, size, rank) {
					assert.Equal(t, rank, ParentOf(k, c))
				}
				if rank != 0 {
					parent := ParentOf(k, rank)
					assert.Contains(t, ChildrenOf(k, size, parent), rank)
				}
			}
		}
	}
}

func TestChildRoute(t *testing.T) {
	tests := []struct {
		k, size, rank, nodeid uint32
		gw                    uint32
	}{
		{2, 4, 0, 3, 1},
		{2, 4, 0, 2, 2},
		{2, 4, 1, 3, 3},
		{2, 4, 1, 2, None},
		{2, 4, 3, 0, None},
		{2, 8, 0, 7, 1},
		{2, 8, 1, 7, 3},
		{2, 4, 0, 9, None},
		{2, 4, 1, 1, None},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.gw, ChildRoute(tt.k, tt.size, tt.rank, tt.nodeid),
			"k=%d size=%d rank=%d nodeid=%d", tt.k, tt.size, tt.rank, tt.nodeid)
	}
}

func TestHeight(t *testing.T) {
	assert.Equal(t, uint32(0), Height(2, 1))
	assert.Equal(t, uint32(1), Height(2, 2))
	assert.Equal(t, uint32(1), Height(2, 3))
	assert.Equal(t, uint32(2), Height(2, 4))
	assert.Equal(t, uint32(3), Height(2, 8))
}
