// internal/hub/timers.go
package hub

import "sync"

// timerSet holds the stop functions of every timer and ticker the hub owns so
// shutdown can cancel all of them in one place.
type timerSet struct {
	mu    sync.Mutex
	next  int
	stops map[int]func()
}

func newTimerSet() *timerSet {
	return &timerSet{stops: make(map[int]func())}
}

func (s *timerSet) add(stop func()) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.next++
	s.stops[s.next] = stop
	return s.next
}

// remove forgets a timer without stopping it.
func (s *timerSet) remove(key int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.stops, key)
}

func (s *timerSet) len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.stops)
}

// stopAll stops and forgets every tracked timer and returns how many there were.
func (s *timerSet) stopAll() int {
	s.mu.Lock()
	stops := s.stops
	s.stops = make(map[int]func())
	s.mu.Unlock()

	for _, stop := range stops {
		stop()
	}
	return len(stops)
}
