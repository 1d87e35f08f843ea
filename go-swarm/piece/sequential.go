package piece

import (
	"sort"
)

// sequential requests units in content order, for streaming playback.
type sequential struct{}

func NewSequential() Picker {
	return sequential{}
}

func (sequential) Name() string {
	return "sequential"
}

func (sequential) Order(candidates []int, _ *Availability, _ func(int) bool) []int {
	pieces := make([]int, len(candidates))
	copy(pieces, candidates)
	sort.Ints(pieces)
	return pieces
}
