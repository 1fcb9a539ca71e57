package tunnel

import "sync"

// SessionState is the frontend's view of its tunnel session.
type SessionState int32

const (
	StateConnecting SessionState = iota
	StateReady
	StateClosed
)

func (s SessionState) String() string {
	switch s {
	case StateConnecting:
		return "connecting"
	case StateReady:
		return "ready"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

// sessionSlot holds the frontend's single live session. A nil session with
// state Connecting means the supervisor is redialing.
type sessionSlot struct {
	mu    sync.Mutex
	sess  Session
	state SessionState
}

func newSessionSlot() *sessionSlot {
	return &sessionSlot{state: StateConnecting}
}

// set publishes a new session and state. Closed is terminal: once reached,
// set returns false and the caller still owns sess.
func (s *sessionSlot) set(sess Session, state SessionState) bool {
	s.mu.Lock()
	if s.state == StateClosed {
		s.mu.Unlock()
		return false
	}
	s.sess = sess
	s.state = state
	s.mu.Unlock()
	return true
}

// get returns the session only while it is Ready.
func (s *sessionSlot) get() (Session, SessionState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != StateReady {
		return nil, s.state
	}
	return s.sess, s.state
}

func (s *sessionSlot) State() SessionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// close moves the slot to Closed and hands back the session it held.
func (s *sessionSlot) close() Session {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess := s.sess
	s.sess = nil
	s.state = StateClosed
	return sess
}
