package broadcast

import "sync"

const markerPrefix = "refresh_"

// MarkerKey returns the marker key for path.
func MarkerKey(path string) string {
	return markerPrefix + path
}

// StaleMarkers holds one-shot "this path's data is known-stale" signals.
// A marker is consumed by the next mount of, or navigation to, its path.
type StaleMarkers struct {
	mu      sync.Mutex
	markers map[string]string
}

// NewStaleMarkers creates an empty marker set.
func NewStaleMarkers() *StaleMarkers {
	return &StaleMarkers{markers: make(map[string]string)}
}

// MarkStale sets the marker for path. Marking an already stale path is a no-op.
func (s *StaleMarkers) MarkStale(path string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.markers[MarkerKey(path)] = "true"
}

// ConsumeStale reports whether path was marked and removes the marker.
func (s *StaleMarkers) ConsumeStale(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := MarkerKey(path)
	v, ok := s.markers[key]
	delete(s.markers, key)
	return ok && v == "true"
}

// IsStale reports whether path is marked without consuming the marker.
func (s *StaleMarkers) IsStale(path string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markers[MarkerKey(path)] == "true"
}
