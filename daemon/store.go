package daemon

import (
	"sort"
	"sync"

	"github.com/docrun/runnerd/runner/wire"
	"github.com/google/uuid"
)

// sessionStore holds the daemon's sessions. Execute streams resolve session
// ids against it concurrently with control-plane CRUD.
type sessionStore struct {
	mu       sync.Mutex
	sessions map[string]wire.Session
}

func newSessionStore() *sessionStore {
	return &sessionStore{sessions: map[string]wire.Session{}}
}

func (s *sessionStore) create(envs []string, metadata map[string]string) wire.Session {
	sess := wire.Session{
		ID:       uuid.NewString(),
		Envs:     envs,
		Metadata: metadata,
	}
	s.mu.Lock()
	s.sessions[sess.ID] = sess
	s.mu.Unlock()
	return sess
}

func (s *sessionStore) get(id string) (wire.Session, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[id]
	return sess, ok
}

func (s *sessionStore) list() []wire.Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]wire.Session, 0, len(s.sessions))
	for _, sess := range s.sessions {
		out = append(out, sess)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (s *sessionStore) delete(id string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.sessions[id]
	delete(s.sessions, id)
	return ok
}
