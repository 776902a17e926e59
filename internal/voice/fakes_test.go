package voice

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/ent0n29/tutorvoice/internal/logging"
	"github.com/ent0n29/tutorvoice/internal/transcript"
)

// manualLoop is an Executor with a virtual clock. Nothing runs until the
// test calls Drain or Advance.
type manualLoop struct {
	mu     sync.Mutex
	now    time.Duration
	seq    int
	queue  []func()
	timers []*manualTimer
}

type manualTimer struct {
	loop    *manualLoop
	at      time.Duration
	seq     int
	fn      func()
	stopped bool
	fired   bool
}

func newManualLoop() *manualLoop { return &manualLoop{} }

func (l *manualLoop) Post(fn func()) {
	l.mu.Lock()
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
}

func (l *manualLoop) AfterFunc(d time.Duration, fn func()) Timer {
	l.mu.Lock()
	defer l.mu.Unlock()
	if d < 0 {
		d = 0
	}
	l.seq++
	t := &manualTimer{loop: l, at: l.now + d, seq: l.seq, fn: fn}
	l.timers = append(l.timers, t)
	return t
}

func (t *manualTimer) Stop() bool {
	t.loop.mu.Lock()
	defer t.loop.mu.Unlock()
	if t.stopped || t.fired {
		return false
	}
	t.stopped = true
	return true
}

// Drain runs queued work, including work queued while draining.
func (l *manualLoop) Drain() {
	for {
		l.mu.Lock()
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue = l.queue[1:]
		l.mu.Unlock()
		fn()
	}
}

// Advance moves the clock forward, firing due timers in order.
func (l *manualLoop) Advance(d time.Duration) {
	l.Drain()
	l.mu.Lock()
	target := l.now + d
	l.mu.Unlock()
	for {
		l.mu.Lock()
		next := l.nextDueLocked(target)
		if next == nil {
			l.now = target
			l.mu.Unlock()
			break
		}
		l.now = next.at
		next.fired = true
		l.mu.Unlock()
		next.fn()
		l.Drain()
	}
	l.Drain()
}

func (l *manualLoop) nextDueLocked(limit time.Duration) *manualTimer {
	live := l.timers[:0]
	for _, t := range l.timers {
		if !t.stopped && !t.fired {
			live = append(live, t)
		}
	}
	l.timers = live
	sort.Slice(l.timers, func(i, j int) bool {
		if l.timers[i].at == l.timers[j].at {
			return l.timers[i].seq < l.timers[j].seq
		}
		return l.timers[i].at < l.timers[j].at
	})
	if len(l.timers) == 0 || l.timers[0].at > limit {
		return nil
	}
	return l.timers[0]
}

// fakeRecognizer models the single native resource. Stop delivers the end
// event unless holdEnd is set; Abort always ends the running cycle.
type fakeRecognizer struct {
	unsupported bool
	holdEnd     bool

	running    bool
	sink       func(RecognizerEvent)
	cfgs       []RecognizerConfig
	starts     int
	stops      int
	aborts     int
	overlapped bool
}

func (r *fakeRecognizer) Start(cfg RecognizerConfig, sink func(RecognizerEvent)) error {
	if r.unsupported {
		return ErrCaptureUnsupported
	}
	if r.running {
		r.overlapped = true
		return ErrAlreadyStarted
	}
	r.starts++
	r.running = true
	r.sink = sink
	r.cfgs = append(r.cfgs, cfg)
	return nil
}

func (r *fakeRecognizer) Stop() {
	r.stops++
	if r.running && !r.holdEnd {
		r.End()
	}
}

func (r *fakeRecognizer) Abort() {
	if !r.running {
		return
	}
	r.aborts++
	r.End()
}

func (r *fakeRecognizer) Partial(text string) {
	r.emit(RecognizerEvent{Type: RecognizerEventResult, Results: []RecognitionResult{{Transcript: text}}})
}

func (r *fakeRecognizer) Final(text string) {
	r.emit(RecognizerEvent{Type: RecognizerEventResult, Results: []RecognitionResult{{Transcript: text, Final: true}}})
}

func (r *fakeRecognizer) Error(code string) {
	r.emit(RecognizerEvent{Type: RecognizerEventError, Code: code})
}

func (r *fakeRecognizer) End() {
	if !r.running {
		return
	}
	r.running = false
	r.emit(RecognizerEvent{Type: RecognizerEventEnd})
}

func (r *fakeRecognizer) emit(ev RecognizerEvent) {
	if r.sink != nil {
		r.sink(ev)
	}
}

type fakeAudio struct {
	url    string
	sink   func(AudioEvent)
	paused bool
	reset  bool
}

func (a *fakeAudio) Pause() { a.paused = true }
func (a *fakeAudio) Reset() { a.reset = true }

type fakePlayer struct {
	err    error
	played []*fakeAudio
}

func (p *fakePlayer) Play(url string, sink func(AudioEvent)) (AudioHandle, error) {
	if p.err != nil {
		return nil, p.err
	}
	a := &fakeAudio{url: url, sink: sink}
	p.played = append(p.played, a)
	return a, nil
}

func (p *fakePlayer) last() *fakeAudio {
	if len(p.played) == 0 {
		return nil
	}
	return p.played[len(p.played)-1]
}

type fakeChimer struct {
	kinds []ChimeKind
}

func (c *fakeChimer) Chime(kind ChimeKind) { c.kinds = append(c.kinds, kind) }

type pageView struct {
	docID string
	page  int
	text  string
	ok    bool
}

type fakeView struct {
	states        []State
	messages      []transcript.Message
	notifications []Notification
	pages         []pageView
	texts         []pageView
	switched      []string
	prompts       int
}

func (v *fakeView) StateChanged(_, to State, _ bool) { v.states = append(v.states, to) }
func (v *fakeView) MessageAppended(msg transcript.Message) {
	v.messages = append(v.messages, msg)
}
func (v *fakeView) Notify(n Notification) { v.notifications = append(v.notifications, n) }
func (v *fakeView) PageChanged(docID string, page int) {
	v.pages = append(v.pages, pageView{docID: docID, page: page})
}
func (v *fakeView) PageText(docID string, page int, text string, ok bool) {
	v.texts = append(v.texts, pageView{docID: docID, page: page, text: text, ok: ok})
}
func (v *fakeView) DocumentSwitched(docID string) { v.switched = append(v.switched, docID) }
func (v *fakeView) PromptLanguage([]string)       { v.prompts++ }

func (v *fakeView) notified(text string) bool {
	for _, n := range v.notifications {
		if n.Text == text {
			return true
		}
	}
	return false
}

type fakeDispatcher struct {
	requests []ActionRequest
	next     func(ActionRequest) (*ActionResponse, error)
}

func (d *fakeDispatcher) Dispatch(_ context.Context, req ActionRequest) (*ActionResponse, error) {
	d.requests = append(d.requests, req)
	if d.next == nil {
		return &ActionResponse{}, nil
	}
	return d.next(req)
}

func (d *fakeDispatcher) respond(res *ActionResponse, err error) {
	d.next = func(ActionRequest) (*ActionResponse, error) { return res, err }
}

type fakeReader struct {
	loads []pageView
	err   error
}

func (r *fakeReader) LoadPage(_ context.Context, docID string, page int) (Page, error) {
	r.loads = append(r.loads, pageView{docID: docID, page: page})
	if r.err != nil {
		return Page{}, r.err
	}
	return Page{Page: page, Text: "text of " + docID, TotalPages: 10}, nil
}

type harness struct {
	loop       *manualLoop
	rec        *fakeRecognizer
	player     *fakePlayer
	chimer     *fakeChimer
	view       *fakeView
	dispatcher *fakeDispatcher
	reader     *fakeReader
	messages   *transcript.InMemoryStore
	capture    *CaptureEngine
	playback   *PlaybackController
	ctrl       *Controller
}

var testCaptureConfig = CaptureConfig{
	Lang:             "en-US",
	SilenceTimeout:   time.Second,
	RestartGrace:     100 * time.Millisecond,
	AutoRestartDelay: 200 * time.Millisecond,
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		loop:       newManualLoop(),
		rec:        &fakeRecognizer{},
		player:     &fakePlayer{},
		chimer:     &fakeChimer{},
		view:       &fakeView{},
		dispatcher: &fakeDispatcher{},
		reader:     &fakeReader{},
		messages:   transcript.NewInMemoryStore(),
	}
	log := logging.Discard()
	h.capture = NewCaptureEngine(h.loop, h.rec, testCaptureConfig, log, nil)
	h.playback = NewPlaybackController(h.loop, h.player, h.capture, log, nil)
	h.ctrl = NewController(ControllerConfig{
		SessionID:           "s1",
		DocID:               "doc-1",
		WakePhrase:          "tutor",
		ListenResumeDelay:   500 * time.Millisecond,
		SpeakingResumeDelay: 300 * time.Millisecond,
		AutoStartDelay:      500 * time.Millisecond,
		DispatchTimeout:     time.Second,
	}, ControllerDeps{
		Loop:       h.loop,
		Capture:    h.capture,
		Playback:   h.playback,
		Dispatcher: h.dispatcher,
		Reader:     h.reader,
		View:       h.view,
		Chimer:     h.chimer,
		Messages:   h.messages,
		Log:        log,
	})
	// Run blocking collaborators inline so every test is deterministic.
	h.ctrl.spawn = func(fn func()) { fn() }
	return h
}

func (h *harness) state() State { return h.ctrl.Status().State }

func (h *harness) continuous() bool { return h.ctrl.Status().Continuous }

// settle lets pending grace and restart timers run without reaching the
// silence timeout.
func (h *harness) settle() { h.loop.Advance(150 * time.Millisecond) }

func (h *harness) requireState(t *testing.T, want State) {
	t.Helper()
	if got := h.state(); got != want {
		t.Fatalf("state = %s, want %s (history %v)", got, want, h.view.states)
	}
}

// enterListening drives the controller into Listening via a mic tap and
// lets the capture resource be acquired.
func (h *harness) enterListening(t *testing.T) {
	t.Helper()
	h.ctrl.MicTap()
	h.settle()
	h.requireState(t, StateListening)
	if !h.rec.running {
		t.Fatalf("recognizer should be running in Listening")
	}
}
