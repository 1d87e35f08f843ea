package piece

import (
	"sort"
)

type rarestFirst struct{}

func NewRarestFirst() Picker {
	return rarestFirst{}
}

func (rarestFirst) Name() string {
	return "rarest"
}

// Order keeps finishing units that are already under way, then picks the
// units held by the fewest peers.
func (rarestFirst) Order(candidates []int, avail *Availability, started func(int) bool) []int {
	pieces := make([]int, len(candidates))
	copy(pieces, candidates)
	sort.SliceStable(pieces, func(i, j int) bool {
		p1, p2 := pieces[i], pieces[j]
		s1, s2 := started(p1), started(p2)
		if s1 != s2 {
			return s1
		}
		if avail.Count(p1) != avail.Count(p2) {
			return avail.Count(p1) < avail.Count(p2)
		}
		return p1 < p2
	})
	return pieces
}
