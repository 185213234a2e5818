package permission

import (
	"sort"
	"sync"
	"time"
)

// Store holds the current grant for every known user. Grants are read on
// every command and replaced by the administrative path.
//
// All methods are safe for concurrent use.
type Store struct {
	mu     sync.RWMutex
	grants map[string]Grant
	now    func() time.Time
}

// NewStore creates an empty store. A user without a grant is denied
// everything.
func NewStore() *Store {
	return &Store{grants: make(map[string]Grant), now: time.Now}
}

// Authorize reports whether userID may run verb on target.
func (s *Store) Authorize(userID string, target Target, verb string) bool {
	s.mu.RLock()
	g, ok := s.grants[userID]
	s.mu.RUnlock()
	return ok && g.Allows(target, verb)
}

// IgnoresSessionProtections reports whether userID may command devices in
// other users' sessions.
func (s *Store) IgnoresSessionProtections(userID string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.grants[userID].IgnoreSessionProtections
}

// Get returns the grant for userID.
func (s *Store) Get(userID string) (Grant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	g, ok := s.grants[userID]
	return g, ok
}

// Users lists every user with a grant, sorted.
func (s *Store) Users() []string {
	s.mu.RLock()
	out := make([]string, 0, len(s.grants))
	for id := range s.grants {
		out = append(out, id)
	}
	s.mu.RUnlock()
	sort.Strings(out)
	return out
}

// Replace swaps the whole grant set.
func (s *Store) Replace(grants []Grant) {
	next := make(map[string]Grant, len(grants))
	for _, g := range grants {
		next[g.UserID] = g
	}
	s.mu.Lock()
	s.grants = next
	s.mu.Unlock()
}

// Set adds or overwrites one user's grant.
func (s *Store) Set(g Grant) {
	s.mu.Lock()
	s.grants[g.UserID] = g
	s.mu.Unlock()
}

// Remove deletes a user's grant and reports whether there was one.
func (s *Store) Remove(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.grants[userID]
	delete(s.grants, userID)
	return ok
}

// Purge drops grants generated maxAge or longer ago and returns how many
// were removed.
func (s *Store) Purge(maxAge time.Duration) int {
	cutoff := s.now().Add(-maxAge)
	s.mu.Lock()
	defer s.mu.Unlock()
	n := 0
	for id, g := range s.grants {
		if !g.Generated().After(cutoff) {
			delete(s.grants, id)
			n++
		}
	}
	return n
}
