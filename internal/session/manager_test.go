package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestManagerCreateGetEnd(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create(CreateRequest{DocID: " doc-1 ", Filename: "notes.pdf", PageCount: 4})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if s.ID == "" {
		t.Fatalf("session ID should not be empty")
	}

	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.DocID != "doc-1" || got.PageCount != 4 || got.Status != StatusActive || got.VoiceState != "idle" {
		t.Fatalf("unexpected session state: %+v", got)
	}

	ended, err := m.End(s.ID)
	if err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if ended.Status != StatusEnded {
		t.Fatalf("ended status = %q, want %q", ended.Status, StatusEnded)
	}
}

func TestManagerCreateRequiresDocID(t *testing.T) {
	m := NewManager(time.Minute)
	if _, err := m.Create(CreateRequest{DocID: "   "}); !errors.Is(err, ErrDocMissing) {
		t.Fatalf("Create() error = %v, want ErrDocMissing", err)
	}
}

func TestManagerUpdateVoiceAndDocument(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create(CreateRequest{DocID: "doc-1", PageCount: 9})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.UpdateVoice(s.ID, "listening", true); err != nil {
		t.Fatalf("UpdateVoice() error = %v", err)
	}
	if err := m.SetDocument(s.ID, "doc-1", 3); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	if err := m.RecordBargeIn(s.ID); err != nil {
		t.Fatalf("RecordBargeIn() error = %v", err)
	}

	got, _ := m.Get(s.ID)
	if got.VoiceState != "listening" || !got.Continuous {
		t.Fatalf("voice fields = (%q, %v), want (listening, true)", got.VoiceState, got.Continuous)
	}
	if got.Page != 3 || got.PageCount != 9 {
		t.Fatalf("page = %d/%d, want 3/9", got.Page, got.PageCount)
	}
	if got.BargeInCount != 1 {
		t.Fatalf("BargeInCount = %d, want 1", got.BargeInCount)
	}

	if err := m.SetDocument(s.ID, "doc-2", 0); err != nil {
		t.Fatalf("SetDocument() error = %v", err)
	}
	got, _ = m.Get(s.ID)
	if got.DocID != "doc-2" || got.Page != 0 || got.PageCount != 0 {
		t.Fatalf("after switch = %+v, want doc-2 page 0 with unknown page count", got)
	}
}

func TestManagerUnknownSession(t *testing.T) {
	m := NewManager(time.Minute)
	if err := m.Touch("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("Touch() error = %v, want ErrNotFound", err)
	}
	if _, err := m.End("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("End() error = %v, want ErrNotFound", err)
	}
}

func TestManagerJanitorExpiresInactive(t *testing.T) {
	m := NewManager(30 * time.Millisecond)
	s, err := m.Create(CreateRequest{DocID: "doc-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	var (
		mu      sync.Mutex
		expired []string
	)
	m.SetExpireHook(func(s *Session) {
		mu.Lock()
		expired = append(expired, s.ID)
		mu.Unlock()
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	m.StartJanitor(ctx, 10*time.Millisecond)

	time.Sleep(90 * time.Millisecond)
	got, err := m.Get(s.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != StatusEnded {
		t.Fatalf("Status = %q, want %q", got.Status, StatusEnded)
	}
	mu.Lock()
	defer mu.Unlock()
	if len(expired) != 1 || expired[0] != s.ID {
		t.Fatalf("expired = %v, want [%s]", expired, s.ID)
	}
	if m.ActiveCount() != 0 {
		t.Fatalf("ActiveCount() = %d, want 0", m.ActiveCount())
	}
}

func TestManagerClaimGreetingOnce(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create(CreateRequest{DocID: "doc-1", Greeting: "Hi there", GreetingAudioURL: "/audio/hi.mp3"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}

	text, audio, err := m.ClaimGreeting(s.ID)
	if err != nil {
		t.Fatalf("ClaimGreeting() error = %v", err)
	}
	if text != "Hi there" || audio != "/audio/hi.mp3" {
		t.Fatalf("first claim = %q, %q", text, audio)
	}

	text, audio, err = m.ClaimGreeting(s.ID)
	if err != nil {
		t.Fatalf("second ClaimGreeting() error = %v", err)
	}
	if text != "" || audio != "" {
		t.Fatalf("second claim = %q, %q, want empty", text, audio)
	}

	if _, _, err := m.ClaimGreeting("missing"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("ClaimGreeting(missing) error = %v, want ErrNotFound", err)
	}
}

func TestManagerEndStopsUpdates(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create(CreateRequest{DocID: "doc-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	if err := m.UpdateVoice(s.ID, "wake_standby", true); err != nil {
		t.Fatalf("UpdateVoice() error = %v", err)
	}
	ended, err := m.Ended(s.ID)
	if err != nil {
		t.Fatalf("Ended() error = %v", err)
	}

	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	if _, err := m.End(s.ID); err != nil {
		t.Fatalf("second End() error = %v", err)
	}
	select {
	case <-ended:
	default:
		t.Fatalf("Ended channel should be closed after End")
	}

	if err := m.UpdateVoice(s.ID, "wake_standby", true); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("UpdateVoice() after End error = %v, want ErrSessionEnded", err)
	}
	if err := m.Touch(s.ID); !errors.Is(err, ErrSessionEnded) {
		t.Fatalf("Touch() after End error = %v, want ErrSessionEnded", err)
	}
	got, _ := m.Get(s.ID)
	if got.Status != StatusEnded || got.VoiceState != "idle" || got.Continuous {
		t.Fatalf("ended session rewritten: %+v", got)
	}
}

func TestManagerExpiryClosesEnded(t *testing.T) {
	m := NewManager(time.Minute)
	s, err := m.Create(CreateRequest{DocID: "doc-1"})
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	ended, _ := m.Ended(s.ID)

	m.mu.Lock()
	m.sessions[s.ID].LastActivityAt = time.Now().UTC().Add(-2 * time.Minute)
	m.mu.Unlock()
	m.expireInactive()

	select {
	case <-ended:
	default:
		t.Fatalf("Ended channel should be closed after expiry")
	}
}
