package sandbox

import (
	"sync"
)

// PortAllocator hands out host ports from a fixed range. It is the single
// authority for host port assignments: both gateways lease from the same
// allocator so container and process sandboxes never collide.
type PortAllocator struct {
	mu    sync.Mutex
	min   int
	max   int
	next  int
	inUse map[int]bool
}

func NewPortAllocator(min, max int) *PortAllocator {
	return &PortAllocator{
		min:   min,
		max:   max,
		next:  min,
		inUse: make(map[int]bool),
	}
}

// Allocate leases one host port.
func (a *PortAllocator) Allocate() (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	for i := 0; i <= a.max-a.min; i++ {
		port := a.next
		a.next++
		if a.next > a.max {
			a.next = a.min
		}
		if !a.inUse[port] {
			a.inUse[port] = true
			return port, nil
		}
	}
	return 0, ErrNoPortsAvailable
}

// AllocateN leases n ports, releasing all of them if any lease fails.
func (a *PortAllocator) AllocateN(n int) ([]int, error) {
	ports := make([]int, 0, n)
	for i := 0; i < n; i++ {
		p, err := a.Allocate()
		if err != nil {
			a.ReleaseAll(ports)
			return nil, err
		}
		ports = append(ports, p)
	}
	return ports, nil
}

// Claim leases specific ports, for re-adopting sandboxes that survived a
// restart. All-or-nothing: a port outside the range or already leased fails
// the whole claim.
func (a *PortAllocator) Claim(ports []int) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	for _, p := range ports {
		if p < a.min || p > a.max || a.inUse[p] {
			return ErrNoPortsAvailable
		}
	}
	for _, p := range ports {
		a.inUse[p] = true
	}
	return nil
}

// Release returns a port to the pool. Releasing an unleased port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	delete(a.inUse, port)
	a.mu.Unlock()
}

func (a *PortAllocator) ReleaseAll(ports []int) {
	a.mu.Lock()
	for _, p := range ports {
		delete(a.inUse, p)
	}
	a.mu.Unlock()
}

// Leased reports the number of ports currently out.
func (a *PortAllocator) Leased() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.inUse)
}
