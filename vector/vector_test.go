package vector

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAppendAndAt(t *testing.T) {
	v := New[int]()
	v.Append(1)
	v.Append(2)
	v.Append(3)
	assert.Equal(t, 3, v.Len())
	assert.Equal(t, 2, v.At(1))
}

func TestInsertAtShiftsRight(t *testing.T) {
	v := New[string]()
	v.Append("a")
	v.Append("c")
	v.InsertAt(1, "b")
	assert.Equal(t, []string{"a", "b", "c"}, v.Items())
}

func TestRemoveAtShiftsLeft(t *testing.T) {
	v := New[int]()
	for _, x := range []int{1, 2, 3, 4} {
		v.Append(x)
	}
	v.RemoveAt(1)
	assert.Equal(t, []int{1, 3, 4}, v.Items())
}

func TestSearchFirst(t *testing.T) {
	v := New[int]()
	for _, x := range []int{10, 20, 30, 40} {
		v.Append(x)
	}
	i := v.SearchFirst(func(x int) bool { return x < 25 })
	assert.Equal(t, 2, i)
	assert.Equal(t, 30, v.At(i))
}

func TestReset(t *testing.T) {
	v := New[int]()
	v.Append(1)
	v.Reset()
	assert.Equal(t, 0, v.Len())
}
