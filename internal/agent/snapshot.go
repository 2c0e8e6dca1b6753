// ABOUTME: Immutable point-in-time view of the registry
// ABOUTME: Published copy-on-write after every mutation

package agent

import (
	"maps"
	"slices"
)

// Snapshot is an immutable copy of the registry mapping. Version increases
// by one with every mutation.
type Snapshot struct {
	Version uint64
	clients map[string]*ActiveClient
}

func newSnapshot(version uint64, clients map[string]*ActiveClient) *Snapshot {
	return &Snapshot{Version: version, clients: maps.Clone(clients)}
}

// Len returns the number of registered agents.
func (s *Snapshot) Len() int {
	return len(s.clients)
}

// Get returns the client registered under id.
func (s *Snapshot) Get(id string) (*ActiveClient, bool) {
	c, ok := s.clients[id]
	return c, ok
}

// Has reports whether id is registered.
func (s *Snapshot) Has(id string) bool {
	_, ok := s.clients[id]
	return ok
}

// IDs returns the registered identifiers in sorted order.
func (s *Snapshot) IDs() []string {
	return slices.Sorted(maps.Keys(s.clients))
}

// Clients returns the registered clients sorted by identifier.
func (s *Snapshot) Clients() []*ActiveClient {
	out := make([]*ActiveClient, 0, len(s.clients))
	for _, id := range s.IDs() {
		out = append(out, s.clients[id])
	}
	return out
}
