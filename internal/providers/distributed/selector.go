// Package distributed launches kernels across a fixed set of hosts
// reached over SSH, balancing placements round-robin or by live kernel
// count.
package distributed

import (
	"fmt"
	"sync"

	"github.com/otterscale/kernel-provisioner/internal/core"
)

const (
	AlgorithmRoundRobin      = "round-robin"
	AlgorithmLeastConnection = "least-connection"
)

// Selector assigns kernels to hosts. One selector is shared by every
// distributed kernel in the process so counts reflect global placement.
type Selector struct {
	algorithm string
	hosts     []string

	mu          sync.Mutex
	next        uint64
	assignments map[string]string
	counts      map[string]int
}

// NewSelector validates the host list and algorithm up front so
// misconfiguration fails at startup, not mid-launch.
func NewSelector(hosts []string, algorithm string) (*Selector, error) {
	if len(hosts) == 0 {
		return nil, &core.ErrConfig{Option: "remote_hosts", Message: "at least one remote host is required"}
	}
	switch algorithm {
	case AlgorithmRoundRobin, AlgorithmLeastConnection:
	default:
		return nil, &core.ErrConfig{
			Option:  "load_balancing_algorithm",
			Message: fmt.Sprintf("unknown algorithm %q, expected %q or %q", algorithm, AlgorithmRoundRobin, AlgorithmLeastConnection),
		}
	}
	return &Selector{
		algorithm:   algorithm,
		hosts:       hosts,
		assignments: map[string]string{},
		counts:      map[string]int{},
	}, nil
}

// Assign picks a host for the kernel. A non-empty override pins the
// placement but is still recorded so connection counts stay accurate.
func (s *Selector) Assign(kernelID, override string) string {
	s.mu.Lock()
	defer s.mu.Unlock()

	host := override
	if host == "" {
		switch s.algorithm {
		case AlgorithmRoundRobin:
			host = s.hosts[s.next%uint64(len(s.hosts))]
			s.next++
		case AlgorithmLeastConnection:
			host = s.leastLoaded()
		}
	}
	s.assignments[kernelID] = host
	s.counts[host]++
	return host
}

// leastLoaded returns the host with the fewest live kernels, ties
// broken by host list order.
func (s *Selector) leastLoaded() string {
	best := s.hosts[0]
	for _, host := range s.hosts[1:] {
		if s.counts[host] < s.counts[best] {
			best = host
		}
	}
	return best
}

// Release drops the kernel's assignment. Releasing an unknown kernel is
// a no-op.
func (s *Selector) Release(kernelID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	host, ok := s.assignments[kernelID]
	if !ok {
		return
	}
	delete(s.assignments, kernelID)
	if s.counts[host] > 0 {
		s.counts[host]--
	}
}

// Count returns the live kernel count for host.
func (s *Selector) Count(host string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.counts[host]
}
