package bridge

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/tutorvoice/internal/config"
	"github.com/ent0n29/tutorvoice/internal/logging"
	"github.com/ent0n29/tutorvoice/internal/protocol"
	"github.com/ent0n29/tutorvoice/internal/session"
	"github.com/ent0n29/tutorvoice/internal/transcript"
	"github.com/ent0n29/tutorvoice/internal/voice"
)

type stubDispatcher struct {
	mu       sync.Mutex
	res      *voice.ActionResponse
	requests []voice.ActionRequest
}

func (d *stubDispatcher) Dispatch(_ context.Context, req voice.ActionRequest) (*voice.ActionResponse, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.requests = append(d.requests, req)
	res := *d.res
	return &res, nil
}

func (d *stubDispatcher) last() voice.ActionRequest {
	d.mu.Lock()
	defer d.mu.Unlock()
	if len(d.requests) == 0 {
		return voice.ActionRequest{}
	}
	return d.requests[len(d.requests)-1]
}

type stubReader struct{}

func (stubReader) LoadPage(_ context.Context, docID string, page int) (voice.Page, error) {
	return voice.Page{Page: page, Text: "page text of " + docID, TotalPages: 10}, nil
}

func testConfig() config.Config {
	return config.Config{
		WakePhrase:          "tutor",
		RecognitionLang:     "en-US",
		BackendTimeout:      2 * time.Second,
		SilenceTimeout:      time.Second,
		RestartGrace:        10 * time.Millisecond,
		AutoRestartDelay:    10 * time.Millisecond,
		ListenResumeDelay:   10 * time.Millisecond,
		SpeakingResumeDelay: 10 * time.Millisecond,
		AutoStartDelay:      10 * time.Millisecond,
	}
}

type connection struct {
	sess     *session.Session
	sessions *session.Manager
	inbound  chan any
	outbound chan any
	done     chan error
	cancel   context.CancelFunc
}

func startConnection(t *testing.T, req session.CreateRequest, dispatcher voice.Dispatcher) *connection {
	t.Helper()
	sessions := session.NewManager(time.Minute)
	sess, err := sessions.Create(req)
	if err != nil {
		t.Fatalf("Create() error = %v", err)
	}
	runner := NewRunner(testConfig(), RunnerDeps{
		Sessions:   sessions,
		Dispatcher: dispatcher,
		Reader:     stubReader{},
		Messages:   transcript.NewInMemoryStore(),
		Log:        logging.Discard(),
	})
	ctx, cancel := context.WithCancel(context.Background())
	c := &connection{
		sess:     sess,
		sessions: sessions,
		inbound:  make(chan any, 16),
		outbound: make(chan any, 512),
		done:     make(chan error, 1),
		cancel:   cancel,
	}
	go func() { c.done <- runner.RunConnection(ctx, sess, c.inbound, c.outbound) }()
	t.Cleanup(func() {
		cancel()
		select {
		case <-c.done:
		case <-time.After(2 * time.Second):
		}
	})
	return c
}

func (c *connection) hello(supported bool) {
	c.inbound <- protocol.ClientHello{Type: protocol.TypeClientHello, SessionID: c.sess.ID, RecognitionSupported: supported}
}

func (c *connection) control(action string, mutate ...func(*protocol.ClientControl)) {
	msg := protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: c.sess.ID, Action: action}
	for _, fn := range mutate {
		fn(&msg)
	}
	c.inbound <- msg
}

// waitFor reads outbound messages until one of type T matches.
func waitFor[T any](t *testing.T, c *connection, match func(T) bool) T {
	t.Helper()
	deadline := time.After(3 * time.Second)
	for {
		select {
		case raw := <-c.outbound:
			if msg, ok := raw.(T); ok && match(msg) {
				return msg
			}
		case <-deadline:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

func stateIs(state string) func(protocol.StateChanged) bool {
	return func(m protocol.StateChanged) bool { return m.State == state }
}

func TestRunnerSpokenTurnRoundTrip(t *testing.T) {
	dispatcher := &stubDispatcher{res: &voice.ActionResponse{TextResponse: "Page one covers cells."}}
	c := startConnection(t, session.CreateRequest{DocID: "doc-1", Greeting: "Welcome back"}, dispatcher)

	c.hello(true)
	waitFor(t, c, func(m protocol.MessageAppended) bool { return m.Role == "system" && m.Text == "Welcome back" })
	waitFor(t, c, func(m protocol.PageText) bool { return m.OK && m.DocID == "doc-1" && m.Page == 0 })

	c.control(protocol.ActionMicTap)
	waitFor(t, c, stateIs("listening"))
	start := waitFor(t, c, func(m protocol.RecognizerCommand) bool { return m.Command == protocol.CommandStart })
	if start.Continuous || !start.InterimResults || start.Lang != "en-US" {
		t.Fatalf("listening start command = %+v", start)
	}

	c.inbound <- protocol.RecognizerResult{
		Type:      protocol.TypeRecognizerResult,
		SessionID: c.sess.ID,
		Cycle:     start.Cycle,
		Results:   []protocol.RecognitionResult{{Transcript: "explain this page", IsFinal: true}},
	}
	waitFor(t, c, func(m protocol.MessageAppended) bool { return m.Role == "user" && m.Text == "explain this page" })
	waitFor(t, c, stateIs("processing"))
	waitFor(t, c, func(m protocol.MessageAppended) bool {
		return m.Role == "assistant" && m.Text == "Page one covers cells."
	})
	waitFor(t, c, stateIs("wake_standby"))
	standby := waitFor(t, c, func(m protocol.RecognizerCommand) bool { return m.Command == protocol.CommandStart })
	if !standby.Continuous || standby.Cycle <= start.Cycle {
		t.Fatalf("standby start command = %+v", standby)
	}

	if req := dispatcher.last(); req.Utterance != "explain this page" || req.DocID != "doc-1" {
		t.Fatalf("dispatched request = %+v", req)
	}

	c.control(protocol.ActionLeave)
	select {
	case err := <-c.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RunConnection did not return after leave")
	}

	got, err := c.sessions.Get(c.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.VoiceState != "idle" || got.Continuous {
		t.Fatalf("session voice state = %q continuous=%v, want idle", got.VoiceState, got.Continuous)
	}
	if text, _, _ := c.sessions.ClaimGreeting(c.sess.ID); text != "" {
		t.Fatalf("greeting should be claimed by the first connection")
	}
}

func TestRunnerUnsupportedRecognition(t *testing.T) {
	c := startConnection(t, session.CreateRequest{DocID: "doc-1"}, &stubDispatcher{res: &voice.ActionResponse{}})
	c.hello(false)
	c.control(protocol.ActionMicTap)

	waitFor(t, c, func(m protocol.Notification) bool { return m.Level == "error" })
	waitFor(t, c, stateIs("idle"))
}

func TestRunnerPlaybackBargeIn(t *testing.T) {
	dispatcher := &stubDispatcher{res: &voice.ActionResponse{TextResponse: "Summary.", AudioURL: "http://backend/audio/s.mp3"}}
	c := startConnection(t, session.CreateRequest{DocID: "doc-1"}, dispatcher)
	c.hello(true)

	c.control(protocol.ActionQuickAction, func(m *protocol.ClientControl) { m.Intent = "summarize" })
	waitFor(t, c, stateIs("speaking"))
	play := waitFor(t, c, func(m protocol.AudioCommand) bool { return m.Command == protocol.CommandPlay })
	if play.URL != "http://backend/audio/s.mp3" {
		t.Fatalf("play command = %+v", play)
	}
	listen := waitFor(t, c, func(m protocol.RecognizerCommand) bool { return m.Command == protocol.CommandStart })
	if !listen.Continuous {
		t.Fatalf("barge-in capture should be continuous: %+v", listen)
	}
	if req := dispatcher.last(); req.Intent != "SUMMARIZE" {
		t.Fatalf("dispatched intent = %q", req.Intent)
	}

	c.inbound <- protocol.RecognizerResult{
		Type:      protocol.TypeRecognizerResult,
		SessionID: c.sess.ID,
		Cycle:     listen.Cycle,
		Results:   []protocol.RecognitionResult{{Transcript: "wait please"}},
	}
	waitFor(t, c, func(m protocol.AudioCommand) bool {
		return m.Command == protocol.CommandPause && m.PlaybackID == play.PlaybackID
	})
	waitFor(t, c, stateIs("idle"))

	deadline := time.Now().Add(3 * time.Second)
	for {
		got, _ := c.sessions.Get(c.sess.ID)
		if got != nil && got.BargeInCount == 1 {
			break
		}
		if time.Now().After(deadline) {
			t.Fatalf("session barge-in count not recorded: %+v", got)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestRunnerQuickActionErrors(t *testing.T) {
	c := startConnection(t, session.CreateRequest{DocID: "doc-1"}, &stubDispatcher{res: &voice.ActionResponse{}})
	c.hello(true)

	c.control(protocol.ActionQuickAction, func(m *protocol.ClientControl) { m.Intent = "TRANSLATE" })
	prompt := waitFor(t, c, func(protocol.LanguagePrompt) bool { return true })
	if len(prompt.Languages) == 0 {
		t.Fatalf("language prompt without languages")
	}

	c.control(protocol.ActionQuickAction, func(m *protocol.ClientControl) { m.Intent = "DANCE" })
	errEvt := waitFor(t, c, func(protocol.ErrorEvent) bool { return true })
	if errEvt.Code != "invalid_intent" {
		t.Fatalf("error event = %+v", errEvt)
	}
}

func TestRunnerStopsWhenInboundCloses(t *testing.T) {
	c := startConnection(t, session.CreateRequest{DocID: "doc-1"}, &stubDispatcher{res: &voice.ActionResponse{}})
	close(c.inbound)
	select {
	case err := <-c.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RunConnection did not return after inbound closed")
	}
}

func TestRunnerStopsWhenSessionEnds(t *testing.T) {
	dispatcher := &stubDispatcher{res: &voice.ActionResponse{}}
	c := startConnection(t, session.CreateRequest{DocID: "doc-1"}, dispatcher)
	c.hello(true)
	c.control(protocol.ActionEnableHandsFree)
	waitFor(t, c, stateIs("wake_standby"))
	waitFor(t, c, func(m protocol.RecognizerCommand) bool { return m.Command == protocol.CommandStart })

	if _, err := c.sessions.End(c.sess.ID); err != nil {
		t.Fatalf("End() error = %v", err)
	}
	select {
	case err := <-c.done:
		if err != nil {
			t.Fatalf("RunConnection() error = %v", err)
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("RunConnection did not return after the session ended")
	}

	// Closing the controller aborts the running recogniser cycle.
	waitFor(t, c, func(m protocol.RecognizerCommand) bool { return m.Command == protocol.CommandAbort })

	got, err := c.sessions.Get(c.sess.ID)
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if got.Status != session.StatusEnded || got.VoiceState != "idle" || got.Continuous {
		t.Fatalf("ended session rewritten by the voice loop: %+v", got)
	}
}
