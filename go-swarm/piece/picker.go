package piece

import (
	"fmt"

	"github.com/iohzrd/thor/go-swarm/content"
)

// Picker orders the units a peer can supply. It is not safe for concurrent
// use; the coordinator calls it under its own lock.
type Picker interface {
	Name() string
	// Order returns candidates in request order. started reports units
	// with blocks already received or requested.
	Order(candidates []int, avail *Availability, started func(index int) bool) []int
}

func ByName(name string) (Picker, error) {
	switch name {
	case "", "rarest":
		return NewRarestFirst(), nil
	case "sequential":
		return NewSequential(), nil
	default:
		return nil, fmt.Errorf("unknown piece strategy %q", name)
	}
}

// Availability counts how many connected peers hold each unit.
type Availability struct {
	counts []int
}

func NewAvailability(units int) *Availability {
	return &Availability{counts: make([]int, units)}
}

func (a *Availability) Add(index int) {
	if index >= 0 && index < len(a.counts) {
		a.counts[index]++
	}
}

func (a *Availability) Remove(index int) {
	if index >= 0 && index < len(a.counts) && a.counts[index] > 0 {
		a.counts[index]--
	}
}

func (a *Availability) AddBitfield(bf *content.Bitfield) {
	for _, index := range bf.Indices() {
		a.Add(index)
	}
}

func (a *Availability) RemoveBitfield(bf *content.Bitfield) {
	for _, index := range bf.Indices() {
		a.Remove(index)
	}
}

func (a *Availability) Count(index int) int {
	if index < 0 || index >= len(a.counts) {
		return 0
	}
	return a.counts[index]
}
