package session

import (
	"sync"
)

// Summary is the aggregated view of one session: what the status surface
// needs to render it.
type Summary struct {
	ID           string `json:"id"`
	Name         string `json:"name"`
	State        State  `json:"state"`
	ProcessCount int    `json:"processCount"`
}

// Fold applies one lifecycle event to an ordered session list and returns
// the resulting list. The input slice is never modified. Created appends,
// disposed removes the matching id, state updates in place; events for
// unknown ids leave the list unchanged.
func Fold(sessions []Summary, ev Event) []Summary {
	switch ev.Type {
	case EventCreated:
		out := make([]Summary, len(sessions), len(sessions)+1)
		copy(out, sessions)
		return append(out, Summary{
			ID:           ev.ID,
			Name:         ev.Name,
			State:        ev.State,
			ProcessCount: ev.ProcessCount,
		})
	case EventDisposed:
		idx := indexOf(sessions, ev.ID)
		if idx < 0 {
			return sessions
		}
		out := make([]Summary, 0, len(sessions)-1)
		out = append(out, sessions[:idx]...)
		return append(out, sessions[idx+1:]...)
	case EventState:
		idx := indexOf(sessions, ev.ID)
		if idx < 0 {
			return sessions
		}
		out := make([]Summary, len(sessions))
		copy(out, sessions)
		out[idx].State = ev.State
		out[idx].ProcessCount = ev.ProcessCount
		return out
	}
	return sessions
}

func indexOf(sessions []Summary, id string) int {
	for i, s := range sessions {
		if s.ID == id {
			return i
		}
	}
	return -1
}

// Store holds the folded session list for concurrent readers. Order is the
// order in which sessions were created.
type Store struct {
	mu       sync.RWMutex
	sessions []Summary
}

func NewStore() *Store {
	return &Store{}
}

// Apply folds ev into the store and returns a copy of the resulting list.
func (s *Store) Apply(ev Event) []Summary {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions = Fold(s.sessions, ev)
	return s.copyLocked()
}

func (s *Store) Get(id string) (Summary, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	idx := indexOf(s.sessions, id)
	if idx < 0 {
		return Summary{}, false
	}
	return s.sessions[idx], true
}

func (s *Store) GetAll() []Summary {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.copyLocked()
}

func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// CountByState returns how many sessions are in each state.
func (s *Store) CountByState() map[State]int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	counts := make(map[State]int, len(stateNames))
	for _, st := range s.sessions {
		counts[st.State]++
	}
	return counts
}

func (s *Store) copyLocked() []Summary {
	out := make([]Summary, len(s.sessions))
	copy(out, s.sessions)
	return out
}
