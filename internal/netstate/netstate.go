// Package netstate holds the process-wide environment signals that drive
// reconnection: network reachability and foreground visibility.
package netstate

import "sync"

// Kind identifies which signal changed.
type Kind int

const (
	KindOnline Kind = iota
	KindForeground
)

// Change is delivered to subscribers whenever a signal flips.
type Change struct {
	Kind       Kind
	Online     bool
	Foreground bool
}

// Recovered reports whether the change should nudge connections: the
// network came back or the client regained foreground.
func (c Change) Recovered() bool {
	switch c.Kind {
	case KindOnline:
		return c.Online
	case KindForeground:
		return c.Foreground
	}
	return false
}

// State is the environment state. Construct one per process with New and
// share it; the zero value is not usable.
type State struct {
	mu         sync.RWMutex
	online     bool
	foreground bool
	subs       map[int]chan Change
	nextID     int
}

// New returns a state that starts online and in the foreground.
func New() *State {
	return &State{
		online:     true,
		foreground: true,
		subs:       make(map[int]chan Change),
	}
}

// Online reports network reachability.
func (s *State) Online() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.online
}

// Foreground reports visibility.
func (s *State) Foreground() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.foreground
}

// SetOnline records reachability. Subscribers are notified only on a flip.
func (s *State) SetOnline(online bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.online == online {
		return
	}
	s.online = online
	s.notifyLocked(KindOnline)
}

// SetForeground records visibility. Subscribers are notified only on a flip.
func (s *State) SetForeground(foreground bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.foreground == foreground {
		return
	}
	s.foreground = foreground
	s.notifyLocked(KindForeground)
}

// Subscribe returns a channel of changes and a function that cancels the
// subscription and closes the channel. Slow subscribers miss changes
// rather than block the setter.
func (s *State) Subscribe() (<-chan Change, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextID
	s.nextID++
	ch := make(chan Change, 8)
	s.subs[id] = ch

	var once sync.Once
	cancel := func() {
		once.Do(func() {
			s.mu.Lock()
			delete(s.subs, id)
			s.mu.Unlock()
			close(ch)
		})
	}
	return ch, cancel
}

func (s *State) notifyLocked(kind Kind) {
	c := Change{Kind: kind, Online: s.online, Foreground: s.foreground}
	for _, ch := range s.subs {
		select {
		case ch <- c:
		default:
		}
	}
}
