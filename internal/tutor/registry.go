package tutor

import (
	"log/slog"
	"sync"
	"time"
)

// DefaultTTL is how long an idle session is kept.
const DefaultTTL = 30 * time.Minute

// Registry holds live sessions keyed by session id. Idle sessions are
// closed and removed by a janitor goroutine; call Stop to end it.
type Registry struct {
	cfg Config
	ttl time.Duration

	mu       sync.Mutex
	sessions map[string]*Session

	stop     chan struct{}
	done     chan struct{}
	stopOnce sync.Once
}

// NewRegistry starts a registry. A ttl <= 0 uses DefaultTTL.
func NewRegistry(cfg Config, ttl time.Duration) *Registry {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	r := &Registry{
		cfg:      cfg,
		ttl:      ttl,
		sessions: make(map[string]*Session),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	go r.janitor()
	return r
}

func (r *Registry) janitor() {
	defer close(r.done)
	interval := r.ttl / 4
	if interval < time.Second {
		interval = time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-r.stop:
			return
		case now := <-ticker.C:
			r.sweep(now)
		}
	}
}

// sweep closes sessions idle since before now-ttl and returns how many
// were removed.
func (r *Registry) sweep(now time.Time) int {
	cutoff := now.Add(-r.ttl)
	var expired []*Session

	r.mu.Lock()
	for id, s := range r.sessions {
		if s.idleSince().Before(cutoff) {
			expired = append(expired, s)
			delete(r.sessions, id)
		}
	}
	r.mu.Unlock()

	for _, s := range expired {
		s.Close()
		slog.Info("expired tutor session", "session_id", s.ID())
	}
	return len(expired)
}

// Get returns the live session for id.
func (r *Registry) Get(id string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[id]
	return s, ok
}

// GetOrCreate returns the session for p.ID, creating it when absent or
// closed. A live session whose answer differs from a non-empty p.Answer
// is replaced, since it is about a different question. Creating a session
// without an answer fails with ErrAnswerRequired.
//
// The registry lock is never held while waiting on a session, so a turn in
// progress does not stall other sessions.
func (r *Registry) GetOrCreate(p Params) (s *Session, created bool, err error) {
	var replaced *Session
	defer func() {
		if replaced != nil {
			replaced.Close()
		}
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	if cur, ok := r.sessions[p.ID]; ok && !cur.closed.Load() {
		if p.Answer == "" || normalize(p.Answer) == normalize(cur.Answer()) {
			cur.touch()
			return cur, false, nil
		}
		replaced = cur
		slog.Debug("replacing tutor session for a new question", "session_id", p.ID)
	}

	s, err = NewSession(r.cfg, p)
	if err != nil {
		return nil, false, err
	}
	r.sessions[p.ID] = s
	return s, true, nil
}

// Delete closes and removes a session. It reports whether one existed.
func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	s, ok := r.sessions[id]
	delete(r.sessions, id)
	r.mu.Unlock()
	if ok {
		s.Close()
	}
	return ok
}

// Len returns the number of live sessions.
func (r *Registry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.sessions)
}

// Stop ends the janitor and closes every session.
func (r *Registry) Stop() {
	r.stopOnce.Do(func() {
		close(r.stop)
		<-r.done

		r.mu.Lock()
		sessions := r.sessions
		r.sessions = make(map[string]*Session)
		r.mu.Unlock()
		for _, s := range sessions {
			s.Close()
		}
	})
}
