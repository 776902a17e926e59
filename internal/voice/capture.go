package voice

import (
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/tutorvoice/internal/observability"
)

// SessionID identifies one capture session. Zero means none.
type SessionID int64

type CaptureOptions struct {
	Continuous bool
	// WakePhrase switches the session to wake mode when non-empty.
	WakePhrase   string
	OnTranscript func(Transcript)
	OnError      func(error)
	OnEnd        func()
}

type CaptureConfig struct {
	Lang             string
	SilenceTimeout   time.Duration
	RestartGrace     time.Duration
	AutoRestartDelay time.Duration
}

func (c CaptureConfig) withDefaults() CaptureConfig {
	if c.Lang == "" {
		c.Lang = "en-US"
	}
	if c.SilenceTimeout <= 0 {
		c.SilenceTimeout = time.Second
	}
	if c.RestartGrace < 0 {
		c.RestartGrace = 0
	}
	if c.AutoRestartDelay < 0 {
		c.AutoRestartDelay = 0
	}
	return c
}

// CaptureEngine wraps the single Recognizer. All methods must be called on
// the executor goroutine.
type CaptureEngine struct {
	loop    Executor
	rec     Recognizer
	cfg     CaptureConfig
	log     logrus.FieldLogger
	metrics *observability.Metrics

	nextID  SessionID
	cur     *captureSession
	holder  *captureSession
	pending Timer
	closed  bool
}

type captureSession struct {
	id   SessionID
	opts CaptureOptions
	wake string

	active    bool
	ended     bool
	wakeFired bool
	finalized bool
	// Per recogniser cycle.
	errorSurfaced bool

	silence     Timer
	silenceText string
	lastForced  string
}

func NewCaptureEngine(loop Executor, rec Recognizer, cfg CaptureConfig, log logrus.FieldLogger, metrics *observability.Metrics) *CaptureEngine {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &CaptureEngine{
		loop:    loop,
		rec:     rec,
		cfg:     cfg.withDefaults(),
		log:     log.WithField("component", "capture"),
		metrics: metrics,
	}
}

// Start begins a capture session, replacing any current one. A session that
// still holds the recogniser is stopped first and the new one acquires it
// after the restart grace period.
func (e *CaptureEngine) Start(opts CaptureOptions) SessionID {
	if e.closed {
		return 0
	}
	e.nextID++
	s := &captureSession{
		id:     e.nextID,
		opts:   opts,
		wake:   strings.ToLower(strings.TrimSpace(opts.WakePhrase)),
		active: true,
	}

	if prev := e.cur; prev != nil && prev.active {
		e.deactivate(prev)
		if e.holder != prev {
			e.loop.Post(func() { e.finish(prev) })
		}
	}
	stopTimer(e.pending)
	e.pending = nil
	e.cur = s

	mode := "command"
	if s.wake != "" {
		mode = "wake"
	}
	e.metrics.ObserveCaptureSession(mode)
	e.log.WithFields(logrus.Fields{"capture_session": s.id, "mode": mode, "continuous": opts.Continuous}).Debug("capture session requested")

	if e.holder != nil {
		e.rec.Stop()
		e.pending = e.loop.AfterFunc(e.cfg.RestartGrace, func() {
			e.pending = nil
			e.acquire(s)
		})
		return s.id
	}
	e.acquire(s)
	return s.id
}

// Stop ends the current session. It is idempotent; OnEnd fires once, when
// the recogniser reports its end or immediately if nothing is held.
func (e *CaptureEngine) Stop() {
	s := e.cur
	if s == nil || !s.active {
		return
	}
	e.deactivate(s)
	stopTimer(e.pending)
	e.pending = nil
	if e.holder == s {
		e.rec.Stop()
		return
	}
	// Nothing held: between cycles or still waiting to acquire.
	e.loop.Post(func() { e.finish(s) })
}

// StopSession stops the session only if it is still the current one.
func (e *CaptureEngine) StopSession(id SessionID) {
	if e.cur != nil && e.cur.id == id {
		e.Stop()
	}
}

// Close stops capture and rejects further sessions.
func (e *CaptureEngine) Close() {
	if e.closed {
		return
	}
	e.Stop()
	if e.holder != nil {
		e.rec.Abort()
		e.holder = nil
	}
	e.closed = true
}

func (e *CaptureEngine) Active() bool {
	return e.cur != nil && e.cur.active
}

// Current returns the id of the active session, or zero.
func (e *CaptureEngine) Current() SessionID {
	if !e.Active() {
		return 0
	}
	return e.cur.id
}

func (e *CaptureEngine) acquire(s *captureSession) {
	if e.cur != s || !s.active {
		return
	}
	// Release whatever a previous cycle left behind before claiming the resource.
	e.rec.Abort()
	if old := e.holder; old != nil && old != s {
		// Its end event will never be delivered now.
		e.loop.Post(func() { e.finish(old) })
	}
	e.holder = nil

	err := e.rec.Start(e.recognizerConfig(s), e.sink(s))
	switch {
	case err == nil, errors.Is(err, ErrAlreadyStarted):
		e.holder = s
	case errors.Is(err, ErrCaptureUnsupported):
		e.log.WithField("capture_session", s.id).Warn("speech capture unsupported")
		e.metrics.ObserveCaptureError("unsupported")
		e.deactivate(s)
		e.loop.Post(func() {
			e.emitError(s, ErrCaptureUnsupported)
			e.finish(s)
		})
	default:
		e.log.WithError(err).WithField("capture_session", s.id).Warn("speech capture start failed")
		e.deactivate(s)
		e.loop.Post(func() {
			e.emitError(s, &CaptureError{Code: "start-failed"})
			e.finish(s)
		})
	}
}

func (e *CaptureEngine) restart(s *captureSession) {
	if e.cur != s || !s.active || e.holder != nil {
		return
	}
	s.errorSurfaced = false
	err := e.rec.Start(e.recognizerConfig(s), e.sink(s))
	switch {
	case err == nil, errors.Is(err, ErrAlreadyStarted):
		e.holder = s
	default:
		e.log.WithError(err).WithField("capture_session", s.id).Warn("speech capture restart failed")
		e.deactivate(s)
		if errors.Is(err, ErrCaptureUnsupported) {
			e.emitError(s, ErrCaptureUnsupported)
		} else {
			e.emitError(s, &CaptureError{Code: "start-failed"})
		}
		e.finish(s)
	}
}

func (e *CaptureEngine) recognizerConfig(s *captureSession) RecognizerConfig {
	return RecognizerConfig{
		Continuous:     s.opts.Continuous,
		InterimResults: true,
		Lang:           e.cfg.Lang,
	}
}

// sink binds recogniser callbacks to the session that started the cycle.
func (e *CaptureEngine) sink(s *captureSession) func(RecognizerEvent) {
	return func(ev RecognizerEvent) {
		e.loop.Post(func() { e.handle(s, ev) })
	}
}

func (e *CaptureEngine) handle(s *captureSession, ev RecognizerEvent) {
	if e.holder != s {
		return
	}
	switch ev.Type {
	case RecognizerEventResult:
		e.onResult(s, ev)
	case RecognizerEventError:
		e.onError(s, ev.Code)
	case RecognizerEventEnd:
		e.onEnd(s)
	}
}

func (e *CaptureEngine) onResult(s *captureSession, ev RecognizerEvent) {
	e.cancelSilence(s)
	if e.cur != s || !s.active {
		return
	}

	text, engineFinal := combineResults(ev.ResultIndex, ev.Results)
	if s.wake != "" {
		if s.wakeFired || !matchesWake(text, s.wake) {
			return
		}
		s.wakeFired = true
		e.log.WithFields(logrus.Fields{"capture_session": s.id, "heard": text}).Info("wake phrase detected")
		e.metrics.ObserveTurnIndicator("wake_detected")
		e.emit(s, Transcript{Text: WakeDetected, IsFinal: true})
		return
	}

	if s.finalized {
		return
	}
	text = strings.TrimSpace(text)
	if engineFinal {
		if s.lastForced != "" && text == s.lastForced {
			s.lastForced = ""
			return
		}
		s.lastForced = ""
		if !s.opts.Continuous {
			s.finalized = true
		}
		e.emit(s, Transcript{Text: text, IsFinal: true})
		return
	}
	if text != s.lastForced {
		s.lastForced = ""
	}

	e.emit(s, Transcript{Text: text})
	if e.cur != s || !s.active || text == "" {
		return
	}
	s.silenceText = text
	s.silence = e.loop.AfterFunc(e.cfg.SilenceTimeout, func() {
		s.silence = nil
		e.forceFinal(s)
	})
}

func (e *CaptureEngine) forceFinal(s *captureSession) {
	text := s.silenceText
	s.silenceText = ""
	if e.cur != s || !s.active || s.finalized || text == "" {
		return
	}
	s.lastForced = text
	if !s.opts.Continuous {
		s.finalized = true
	}
	e.log.WithFields(logrus.Fields{"capture_session": s.id, "text": text}).Debug("silence endpoint forced final")
	e.metrics.ObserveTurnIndicator("forced_final")
	e.emit(s, Transcript{Text: text, IsFinal: true, Forced: true})
}

func (e *CaptureEngine) onError(s *captureSession, code string) {
	e.cancelSilence(s)
	switch code {
	case CodeNoSpeech, CodeAborted:
		return
	}
	if e.cur != s || !s.active || s.errorSurfaced {
		return
	}
	s.errorSurfaced = true
	e.log.WithFields(logrus.Fields{"capture_session": s.id, "code": code}).Warn("speech capture error")
	e.metrics.ObserveCaptureError(code)
	e.emitError(s, &CaptureError{Code: code})
}

func (e *CaptureEngine) onEnd(s *captureSession) {
	e.holder = nil
	if s.silence != nil && e.cur == s && s.active {
		// The engine stopped mid-utterance; submit what was heard.
		stopTimer(s.silence)
		s.silence = nil
		e.forceFinal(s)
	}
	e.cancelSilence(s)

	if e.cur == s && s.active && s.opts.Continuous {
		e.pending = e.loop.AfterFunc(e.cfg.AutoRestartDelay, func() {
			e.pending = nil
			e.restart(s)
		})
		return
	}
	e.deactivate(s)
	e.finish(s)
}

func (e *CaptureEngine) deactivate(s *captureSession) {
	s.active = false
	e.cancelSilence(s)
}

func (e *CaptureEngine) cancelSilence(s *captureSession) {
	stopTimer(s.silence)
	s.silence = nil
	s.silenceText = ""
}

func (e *CaptureEngine) finish(s *captureSession) {
	if s.ended {
		return
	}
	s.ended = true
	e.log.WithField("capture_session", s.id).Debug("capture session ended")
	if s.opts.OnEnd != nil {
		s.opts.OnEnd()
	}
}

func (e *CaptureEngine) emit(s *captureSession, t Transcript) {
	if s.opts.OnTranscript == nil {
		return
	}
	t.At = time.Now()
	s.opts.OnTranscript(t)
}

func (e *CaptureEngine) emitError(s *captureSession, err error) {
	if s.opts.OnError != nil {
		s.opts.OnError(err)
	}
}

// combineResults joins the results from index onward, preferring finals.
func combineResults(index int, results []RecognitionResult) (string, bool) {
	if index < 0 {
		index = 0
	}
	var finals, interims strings.Builder
	for i := index; i < len(results); i++ {
		if results[i].Final {
			finals.WriteString(results[i].Transcript)
		} else {
			interims.WriteString(results[i].Transcript)
		}
	}
	if finals.Len() > 0 {
		return finals.String(), true
	}
	return interims.String(), false
}

func matchesWake(text, phrase string) bool {
	lower := strings.ToLower(text)
	if phrase != "" && strings.Contains(lower, phrase) {
		return true
	}
	return containsAny(lower, wakeSynonyms)
}

func containsAny(lower string, words []string) bool {
	for _, w := range words {
		if strings.Contains(lower, w) {
			return true
		}
	}
	return false
}
