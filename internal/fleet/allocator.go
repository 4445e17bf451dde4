package fleet

import (
	"errors"
	"sync"
)

// ErrNoNodeForCountry means the fleet has no node configured for the
// requested country. For a paid order this is a configuration gap and
// must be escalated, not retried.
var ErrNoNodeForCountry = errors.New("no fleet node configured for country")

// Allocator hands out nodes per country in pure round-robin order. It
// holds one in-process cursor per country; cursors are not persisted,
// so rotation restarts at the first node after a process restart.
//
// Despite being called a balancer in casual use, no load signal is
// consulted — this is rotation only.
type Allocator struct {
	registry *Registry

	mu      sync.Mutex
	cursors map[string]int
}

func NewAllocator(registry *Registry) *Allocator {
	return &Allocator{
		registry: registry,
		cursors:  make(map[string]int),
	}
}

// NextNode returns the next node in the country's rotation. With k
// configured nodes, k consecutive calls return each node exactly once.
func (a *Allocator) NextNode(country string) (Node, error) {
	candidates := a.registry.ByCountry(country)
	if len(candidates) == 0 {
		return Node{}, ErrNoNodeForCountry
	}

	a.mu.Lock()
	cursor := (a.cursors[country] + 1) % len(candidates)
	a.cursors[country] = cursor
	a.mu.Unlock()

	return candidates[cursor], nil
}

// Find resolves a node by name without taking a rotation slot. Renewals
// go back to the node the credential already lives on.
func (a *Allocator) Find(name string) (Node, bool) {
	return a.registry.Find(name)
}
