// Package vector provides a small growable, binary-searchable vector,
// the Go-generic equivalent of common/utils/vector.c's
// DEFINE_VECTOR_TYPE macro. It backs the sparse allocator's L1
// directory and the region table, both of which need cheap append and
// occasional sorted insert/search by a uint64 key.
package vector

import "sort"

// Vector is an ordered, growable slice of T. Keyed, when sorted
// operations are used, by the caller-supplied less function — no
// comparator is stored on the type itself, matching vector.c's
// pattern of passing a compare callback to each sorted operation.
type Vector[T any] struct {
	items []T
}

// New returns an empty Vector.
func New[T any]() *Vector[T] { return &Vector[T]{} }

// Len returns the number of elements.
func (v *Vector[T]) Len() int { return len(v.items) }

// At returns the i'th element.
func (v *Vector[T]) At(i int) T { return v.items[i] }

// Set overwrites the i'th element.
func (v *Vector[T]) Set(i int, val T) { v.items[i] = val }

// Items returns the backing slice directly; callers must not retain
// it across a mutating call.
func (v *Vector[T]) Items() []T { return v.items }

// Append adds val at the end. Cheap, per vector.c's contract.
func (v *Vector[T]) Append(val T) {
	v.items = append(v.items, val)
}

// InsertAt inserts val before index i (i == Len() appends). More
// expensive than Append: existing elements from i onward shift right.
func (v *Vector[T]) InsertAt(i int, val T) {
	v.items = append(v.items, val)
	copy(v.items[i+1:], v.items[i:len(v.items)-1])
	v.items[i] = val
}

// RemoveAt deletes the i'th element, shifting later elements left.
func (v *Vector[T]) RemoveAt(i int) {
	copy(v.items[i:], v.items[i+1:])
	var zero T
	v.items[len(v.items)-1] = zero
	v.items = v.items[:len(v.items)-1]
}

// Reset discards all elements.
func (v *Vector[T]) Reset() { v.items = nil }

// SearchFirst returns the smallest index i such that !less(v.At(i))
// holds (i.e. the first element not ordered strictly before the
// target). Returns Len() if no such element exists.
func (v *Vector[T]) SearchFirst(less func(T) bool) int {
	return sort.Search(len(v.items), func(i int) bool { return !less(v.items[i]) })
}
