package session

import (
	"context"
	"errors"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound     = errors.New("session not found")
	ErrDocMissing   = errors.New("doc_id is required")
	ErrSessionEnded = errors.New("session ended")
)

// Session is the registry view of one tutoring session. Voice fields mirror
// the conversation controller and are refreshed on every transition.
type Session struct {
	ID               string    `json:"session_id"`
	DocID            string    `json:"doc_id"`
	Filename         string    `json:"filename,omitempty"`
	PageCount        int       `json:"page_count"`
	Page             int       `json:"page"`
	AutoStart        bool      `json:"auto_start"`
	Greeting         string    `json:"greeting,omitempty"`
	GreetingAudioURL string    `json:"greeting_audio_url,omitempty"`
	Status           Status    `json:"status"`
	VoiceState       string    `json:"voice_state"`
	Continuous       bool      `json:"continuous"`
	BargeInCount     int       `json:"barge_in_count"`
	StartedAt        time.Time `json:"started_at"`
	LastActivityAt   time.Time `json:"last_activity_at"`

	greeted bool
	// ended is closed once the session leaves StatusActive.
	ended chan struct{}
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
	}
}

func (m *Manager) InactivityTimeout() time.Duration {
	return m.inactivityTimeout
}

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

func (m *Manager) Create(req CreateRequest) (*Session, error) {
	docID := strings.TrimSpace(req.DocID)
	if docID == "" {
		return nil, ErrDocMissing
	}
	pageCount := req.PageCount
	if pageCount < 0 {
		pageCount = 0
	}
	now := time.Now().UTC()
	s := &Session{
		ID:               uuid.NewString(),
		DocID:            docID,
		Filename:         strings.TrimSpace(req.Filename),
		PageCount:        pageCount,
		AutoStart:        req.AutoStart,
		Greeting:         strings.TrimSpace(req.Greeting),
		GreetingAudioURL: strings.TrimSpace(req.GreetingAudioURL),
		Status:           StatusActive,
		VoiceState:       "idle",
		StartedAt:        now,
		LastActivityAt:   now,
		ended:            make(chan struct{}),
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

func (m *Manager) Touch(sessionID string) error {
	return m.update(sessionID, func(*Session) {})
}

// UpdateVoice records the controller state and hands-free flag.
func (m *Manager) UpdateVoice(sessionID, state string, continuous bool) error {
	return m.update(sessionID, func(s *Session) {
		s.VoiceState = state
		s.Continuous = continuous
	})
}

// SetDocument records the document and page currently in view.
func (m *Manager) SetDocument(sessionID, docID string, page int) error {
	return m.update(sessionID, func(s *Session) {
		if docID != "" && docID != s.DocID {
			s.DocID = docID
			s.PageCount = 0
		}
		s.Page = page
	})
}

func (m *Manager) SetPageCount(sessionID string, total int) error {
	return m.update(sessionID, func(s *Session) {
		if total > 0 {
			s.PageCount = total
		}
	})
}

// ClaimGreeting returns the opening greeting once per session so that a
// reconnecting client does not hear it again.
func (m *Manager) ClaimGreeting(sessionID string) (text, audioURL string, err error) {
	err = m.update(sessionID, func(s *Session) {
		if s.greeted {
			return
		}
		s.greeted = true
		text, audioURL = s.Greeting, s.GreetingAudioURL
	})
	return text, audioURL, err
}

func (m *Manager) RecordBargeIn(sessionID string) error {
	return m.update(sessionID, func(s *Session) {
		s.BargeInCount++
	})
}

// End marks the session ended and releases anything waiting on Ended.
// Ending an ended session is a no-op.
func (m *Manager) End(sessionID string) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	markEnded(s, time.Now().UTC())
	return clone(s), nil
}

// Ended returns a channel closed when the session ends.
func (m *Manager) Ended(sessionID string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return s.ended, nil
}

func markEnded(s *Session, now time.Time) {
	if s.Status == StatusEnded {
		return
	}
	s.Status = StatusEnded
	s.VoiceState = "idle"
	s.Continuous = false
	s.LastActivityAt = now
	close(s.ended)
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

func (m *Manager) update(sessionID string, fn func(*Session)) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	if s.Status != StatusActive {
		return ErrSessionEnded
	}
	fn(s)
	s.LastActivityAt = time.Now().UTC()
	return nil
}

func (m *Manager) expireInactive() {
	now := time.Now().UTC()
	var expired []*Session

	m.mu.Lock()
	for _, s := range m.sessions {
		if s.Status != StatusActive {
			continue
		}
		if now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		markEnded(s, now)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
