package piece

import (
	"testing"

	"github.com/iohzrd/thor/go-swarm/content"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRarestFirst(t *testing.T) {
	avail := NewAvailability(5)
	for _, index := range []int{0, 0, 0, 1, 2, 2, 4} {
		avail.Add(index)
	}
	none := func(int) bool { return false }

	order := NewRarestFirst().Order([]int{0, 1, 2, 3, 4}, avail, none)
	assert.Equal(t, []int{3, 1, 4, 2, 0}, order)

	started := func(index int) bool { return index == 0 }
	order = NewRarestFirst().Order([]int{0, 1, 2, 3, 4}, avail, started)
	assert.Equal(t, []int{0, 3, 1, 4, 2}, order)
}

func TestSequential(t *testing.T) {
	avail := NewAvailability(4)
	avail.Add(3)
	order := NewSequential().Order([]int{3, 0, 2}, avail, func(int) bool { return true })
	assert.Equal(t, []int{0, 2, 3}, order)
}

func TestAvailabilityBitfields(t *testing.T) {
	avail := NewAvailability(8)
	bf := content.NewBitfield(8)
	bf.Set(1)
	bf.Set(6)

	avail.AddBitfield(bf)
	avail.AddBitfield(bf)
	assert.Equal(t, 2, avail.Count(6))
	assert.Equal(t, 0, avail.Count(0))

	avail.RemoveBitfield(bf)
	avail.RemoveBitfield(bf)
	avail.RemoveBitfield(bf)
	assert.Equal(t, 0, avail.Count(1))
	assert.Equal(t, 0, avail.Count(42))
}

func TestByName(t *testing.T) {
	p, err := ByName("")
	require.NoError(t, err)
	assert.Equal(t, "rarest", p.Name())

	p, err = ByName("sequential")
	require.NoError(t, err)
	assert.Equal(t, "sequential", p.Name())

	_, err = ByName("random")
	assert.Error(t, err)
}
