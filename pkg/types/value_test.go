package types

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestValueData(t *testing.T) {
	_, err := NewValueData(1, make([]byte, MaxSubkeyDataLength+1), PublicKey{})
	assert.ErrorIs(t, err, ErrValueTooLarge)

	a, err := NewValueData(3, []byte("x"), PublicKey{1})
	require.NoError(t, err)
	b := a
	b.Data = []byte("y")
	assert.True(t, a.Equal(a))
	assert.False(t, a.Equal(b))
}

func TestSubkeyRangeSet(t *testing.T) {
	s := SubkeyRangeOf(0, 3).Union(SubkeyRangeOf(5, 6)).Insert(4)
	assert.Equal(t, ValueSubkeyRangeSet{{Start: 0, End: 6}}, s)
	assert.Equal(t, uint64(7), s.Len())
	assert.True(t, s.Contains(6))
	assert.False(t, s.Contains(7))

	d := s.Difference(SingleSubkey(2))
	assert.Equal(t, "[0..1,3..6]", d.String())
	assert.False(t, d.Contains(2))

	i := d.Intersect(SubkeyRangeOf(1, 4))
	assert.Equal(t, []ValueSubkey{1, 3, 4}, i.Subkeys(10))
	assert.Equal(t, []ValueSubkey{1, 3}, i.Subkeys(2))

	first, ok := i.First()
	assert.True(t, ok)
	assert.Equal(t, ValueSubkey(1), first)
	assert.True(t, ValueSubkeyRangeSet(nil).IsEmpty())
	assert.Nil(t, SubkeyRangeOf(3, 1))
}
