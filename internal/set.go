package internal

import (
	"golang.org/x/exp/maps"
)

type set[T comparable] map[T]struct{}

func newSet[T comparable](ts ...T) set[T] {
	s := set[T]{}
	for _, t := range ts {
		s[t] = struct{}{}
	}
	return s
}

func (s set[T]) add(t T)      { s[t] = struct{}{} }
func (s set[T]) remove(t T)   { delete(s, t) }
func (s set[T]) has(t T) bool { _, ok := s[t]; return ok }

func (s set[T]) values() []T {
	return maps.Keys(s)
}
