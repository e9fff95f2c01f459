package utils

// OrderedList is an append-only list. Unlike OrderedSet it accepts element types that are not
// comparable, such as function adapters.
type OrderedList[T any] struct {
	elements []T
}

func NewOrderedList[T any]() *OrderedList[T] {
	return &OrderedList[T]{elements: make([]T, 0)}
}

func (l *OrderedList[T]) Append(elem T) {
	l.elements = append(l.elements, elem)
}

// Values returns the elements in insertion order.
// The returned slice is a copy; modifying it won't affect the list.
func (l *OrderedList[T]) Values() []T {
	dup := make([]T, len(l.elements))
	copy(dup, l.elements)
	return dup
}

func (l *OrderedList[T]) Len() int {
	return len(l.elements)
}

// OrderedSet keeps the first insertion position of every element.
type OrderedSet[T comparable] struct {
	elements []T
	index    map[T]int
}

func NewOrderedSet[T comparable]() *OrderedSet[T] {
	return &OrderedSet[T]{
		elements: make([]T, 0),
		index:    make(map[T]int),
	}
}

// Add inserts elem if it's not already present and returns its position.
func (s *OrderedSet[T]) Add(elem T) int {
	if i, exists := s.index[elem]; exists {
		return i
	}
	s.index[elem] = len(s.elements)
	s.elements = append(s.elements, elem)
	return len(s.elements) - 1
}

func (s *OrderedSet[T]) Contains(elem T) bool {
	_, exists := s.index[elem]
	return exists
}

func (s *OrderedSet[T]) Values() []T {
	dup := make([]T, len(s.elements))
	copy(dup, s.elements)
	return dup
}

func (s *OrderedSet[T]) Len() int {
	return len(s.elements)
}
