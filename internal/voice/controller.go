package voice

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ent0n29/tutorvoice/internal/observability"
	"github.com/ent0n29/tutorvoice/internal/transcript"
)

const (
	messageSaveTimeout = 2 * time.Second
	pageLoadTimeout    = 15 * time.Second
	notifyTTL          = 3 * time.Second
	hearingTTL         = 1500 * time.Millisecond
)

// Quick action intents accepted by QuickAction.
const (
	IntentSummarize    = "SUMMARIZE"
	IntentExplain      = "EXPLAIN"
	IntentQuiz         = "QUIZ"
	IntentTranslate    = "TRANSLATE"
	IntentNavigatePrev = "NAVIGATE_PREV"
	IntentNavigateNext = "NAVIGATE_NEXT"
)

// TranslationLanguages is offered when TRANSLATE arrives without a target.
var TranslationLanguages = []string{"Tamil", "Hindi", "Spanish", "French", "German", "Chinese", "Japanese"}

type ControllerConfig struct {
	SessionID           string
	DocID               string
	WakePhrase          string
	ListenResumeDelay   time.Duration
	SpeakingResumeDelay time.Duration
	AutoStartDelay      time.Duration
	DispatchTimeout     time.Duration
}

// StartOptions describe how a tutoring screen opens.
type StartOptions struct {
	AutoStart        bool
	Greeting         string
	GreetingAudioURL string
}

type ControllerDeps struct {
	Loop       Executor
	Capture    *CaptureEngine
	Playback   *PlaybackController
	Dispatcher Dispatcher
	Reader     Reader
	View       View
	Chimer     Chimer
	Messages   transcript.Store
	Log        logrus.FieldLogger
	Metrics    *observability.Metrics
	// OnStatus observes every state, flag or page change. Called on the loop.
	OnStatus func(Status)
}

// Status is a point-in-time copy of the controller.
type Status struct {
	State      State
	Continuous bool
	DocID      string
	Page       int
	TotalPages int
	BargeIns   int
}

// Controller is the conversation state machine for one tutoring session.
// Exported methods are safe from any goroutine; they post onto the loop.
type Controller struct {
	cfg        ControllerConfig
	loop       Executor
	capture    *CaptureEngine
	playback   *PlaybackController
	dispatcher Dispatcher
	reader     Reader
	view       View
	chimer     Chimer
	messages   transcript.Store
	log        logrus.FieldLogger
	metrics    *observability.Metrics
	onStatus   func(Status)
	spawn      func(func())

	ctx    context.Context
	cancel context.CancelFunc
	// shut mirrors closed for callers off the loop.
	shut atomic.Bool

	// Loop-owned.
	state      State
	epoch      uint64
	continuous bool
	optedOut   bool
	// captureUnavailable is set when the microphone cannot be used. Replies
	// then settle in Idle instead of retrying capture on every turn.
	captureUnavailable bool
	docID              string
	page               int
	totalPages         int
	bargeIns           int
	pageEpoch          uint64
	delayed            Timer
	autoStart          Timer
	cancelDispatch     context.CancelFunc
	pendingReq         ActionRequest
	pendingAudio       string
	wakeAt             time.Time
	finalAt            time.Time
	closed             bool

	statusMu sync.RWMutex
	status   Status
}

func NewController(cfg ControllerConfig, deps ControllerDeps) *Controller {
	if cfg.DispatchTimeout <= 0 {
		cfg.DispatchTimeout = 30 * time.Second
	}
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	ctx, cancel := context.WithCancel(context.Background())
	c := &Controller{
		cfg:        cfg,
		loop:       deps.Loop,
		capture:    deps.Capture,
		playback:   deps.Playback,
		dispatcher: deps.Dispatcher,
		reader:     deps.Reader,
		view:       deps.View,
		chimer:     deps.Chimer,
		messages:   deps.Messages,
		log:        log.WithField("session_id", cfg.SessionID),
		metrics:    deps.Metrics,
		onStatus:   deps.OnStatus,
		spawn:      func(fn func()) { go fn() },
		ctx:        ctx,
		cancel:     cancel,
		state:      StateIdle,
		docID:      cfg.DocID,
	}
	c.status = Status{State: StateIdle, DocID: cfg.DocID}
	return c
}

// Status returns the last published snapshot.
func (c *Controller) Status() Status {
	c.statusMu.RLock()
	defer c.statusMu.RUnlock()
	return c.status
}

// Start loads the first page, shows the greeting and optionally enables
// hands-free mode after the auto-start delay.
func (c *Controller) Start(opts StartOptions) {
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.setPage(0)
		if greeting := strings.TrimSpace(opts.Greeting); greeting != "" {
			c.appendMessage(transcript.RoleSystem, greeting)
			if opts.GreetingAudioURL != "" {
				c.pendingAudio = opts.GreetingAudioURL
				c.transition(StateSpeaking)
			} else {
				c.chime(ChimeStart)
			}
		}
		if opts.AutoStart {
			c.autoStart = c.loop.AfterFunc(c.cfg.AutoStartDelay, func() {
				c.autoStart = nil
				if c.closed {
					return
				}
				c.enableHandsFree()
			})
		}
	})
}

func (c *Controller) EnableHandsFree() {
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.enableHandsFree()
	})
}

func (c *Controller) DisableHandsFree() {
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.continuous = false
		c.optedOut = true
		if c.state == StateIdle {
			c.publish()
			return
		}
		c.transition(StateIdle)
	})
}

// MicTap toggles manual listening: any quiet state starts listening and
// listening stops it. Taps while processing are ignored.
func (c *Controller) MicTap() {
	c.loop.Post(func() {
		if c.closed {
			return
		}
		switch c.state {
		case StateIdle, StateWakeStandby, StateSpeaking:
			c.captureUnavailable = false
			c.transition(StateListening)
		case StateListening:
			c.transition(StateIdle)
		}
	})
}

// QuickAction dispatches a structured intent without speech. TRANSLATE needs
// a target_language entity; without one the view is asked to prompt for it.
// It returns ErrClosed once Close has been called.
func (c *Controller) QuickAction(intent string, entities map[string]string) error {
	if c.shut.Load() {
		return ErrClosed
	}
	intent = strings.ToUpper(strings.TrimSpace(intent))
	switch intent {
	case IntentSummarize, IntentExplain, IntentQuiz, IntentTranslate, IntentNavigatePrev, IntentNavigateNext:
	default:
		return fmt.Errorf("%w: %q", ErrUnknownIntent, intent)
	}
	if intent == IntentTranslate && strings.TrimSpace(entities["target_language"]) == "" {
		c.loop.Post(func() {
			if c.closed {
				return
			}
			c.view.PromptLanguage(TranslationLanguages)
		})
		return ErrTargetLanguageRequired
	}
	copied := make(map[string]string, len(entities))
	for k, v := range entities {
		copied[k] = v
	}
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.pendingReq = ActionRequest{DocID: c.docID, Page: c.page, Intent: intent, Entities: copied}
		c.transition(StateProcessing)
	})
	return nil
}

// SubmitText handles a typed utterance exactly like a spoken final.
func (c *Controller) SubmitText(text string) {
	text = strings.TrimSpace(text)
	if text == "" {
		return
	}
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.submitUtterance(text)
	})
}

// Close stops all activity. Pending callbacks become no-ops.
func (c *Controller) Close() {
	c.shut.Store(true)
	c.loop.Post(func() {
		if c.closed {
			return
		}
		c.closed = true
		c.epoch++
		stopTimer(c.delayed)
		stopTimer(c.autoStart)
		c.delayed, c.autoStart = nil, nil
		if c.cancelDispatch != nil {
			c.cancelDispatch()
			c.cancelDispatch = nil
		}
		c.playback.Stop()
		c.capture.Close()
		c.state = StateIdle
		c.continuous = false
		c.cancel()
		c.publish()
		c.log.Info("voice controller closed")
	})
}

func (c *Controller) enableHandsFree() {
	c.continuous = true
	c.optedOut = false
	c.captureUnavailable = false
	c.notify(NotifySuccess, "Hands-Free Voice Control Active", notifyTTL)
	if c.state == StateIdle {
		c.transition(StateWakeStandby)
		return
	}
	c.publish()
}

func (c *Controller) transition(to State) {
	from := c.state
	c.epoch++
	stopTimer(c.delayed)
	c.delayed = nil
	if c.cancelDispatch != nil {
		c.cancelDispatch()
		c.cancelDispatch = nil
	}

	c.state = to
	c.metrics.ObserveTransition(from.String(), to.String())
	c.log.WithFields(logrus.Fields{"from": from.String(), "state": to.String(), "continuous": c.continuous}).Debug("conversation transition")
	c.view.StateChanged(from, to, c.continuous)
	c.publish()

	switch to {
	case StateIdle:
		c.playback.Stop()
		c.capture.Stop()
	case StateWakeStandby:
		c.enterWakeStandby()
	case StateListening:
		c.enterListening()
	case StateProcessing:
		c.enterProcessing()
	case StateSpeaking:
		c.enterSpeaking()
	}
}

// after runs fn once the delay passes, unless the state changes first.
func (c *Controller) after(d time.Duration, fn func()) {
	stopTimer(c.delayed)
	epoch := c.epoch
	c.delayed = c.loop.AfterFunc(d, func() {
		c.delayed = nil
		if c.closed || c.epoch != epoch {
			return
		}
		fn()
	})
}

// recoverFromFailure applies the shared failure rule: hands-free keeps waiting for the
// wake phrase, one-shot mode settles.
func (c *Controller) recoverFromFailure() {
	if c.continuous {
		c.transition(StateWakeStandby)
		return
	}
	c.transition(StateIdle)
}

func (c *Controller) current(epoch uint64) bool {
	return !c.closed && c.epoch == epoch
}

func (c *Controller) enterWakeStandby() {
	c.playback.Stop()
	epoch := c.epoch
	c.capture.Start(CaptureOptions{
		Continuous: true,
		WakePhrase: c.cfg.WakePhrase,
		OnTranscript: func(t Transcript) {
			if !c.current(epoch) {
				return
			}
			c.captureUnavailable = false
			if !t.IsFinal || t.Text != WakeDetected {
				return
			}
			c.notify(NotifySuccess, "Wake Detected!", notifyTTL)
			c.wakeAt = time.Now()
			c.transition(StateListening)
		},
		OnError: func(err error) {
			if !c.current(epoch) {
				return
			}
			if IsMicBlocked(err) {
				c.micBlocked(err)
				return
			}
			// The engine restarts continuous sessions by itself.
			c.log.WithError(err).Warn("wake standby capture error")
		},
		OnEnd: func() {
			if !c.current(epoch) {
				return
			}
			if c.continuous {
				c.after(c.cfg.ListenResumeDelay, func() { c.transition(StateWakeStandby) })
				return
			}
			c.transition(StateIdle)
		},
	})
}

func (c *Controller) micBlocked(err error) {
	c.log.WithError(err).Warn("microphone unavailable")
	if errors.Is(err, ErrCaptureUnsupported) {
		c.notify(NotifyError, "Speech recognition not supported. Type your question instead.", notifyTTL)
	} else {
		c.notify(NotifyError, "Microphone blocked. Please check browser settings.", notifyTTL)
	}
	c.continuous = false
	c.captureUnavailable = true
	c.transition(StateIdle)
}

func (c *Controller) enterListening() {
	c.playback.Stop()
	c.chime(ChimeStart)
	epoch := c.epoch
	listenedAt := time.Now()
	if !c.wakeAt.IsZero() {
		c.metrics.ObserveTurnStage(observability.StageWakeToListening, listenedAt.Sub(c.wakeAt))
		c.wakeAt = time.Time{}
	}
	c.capture.Start(CaptureOptions{
		Continuous: false,
		OnTranscript: func(t Transcript) {
			if !c.current(epoch) {
				return
			}
			c.captureUnavailable = false
			text := strings.TrimSpace(t.Text)
			if !t.IsFinal {
				if text != "" {
					c.notify(NotifyInfo, fmt.Sprintf("I hear: %q...", text), hearingTTL)
				}
				return
			}
			if text == "" {
				return
			}
			c.metrics.ObserveTurnStage(observability.StageListenToFinal, time.Since(listenedAt))
			if containsAny(strings.ToLower(text), stopWords) {
				c.continuous = false
				c.optedOut = true
				c.transition(StateIdle)
				return
			}
			c.capture.Stop()
			c.submitUtterance(text)
		},
		OnError: func(err error) {
			if !c.current(epoch) {
				return
			}
			if IsMicBlocked(err) {
				c.chime(ChimeError)
				c.micBlocked(err)
				return
			}
			c.log.WithError(err).Warn("listening capture error")
			c.chime(ChimeError)
			c.notify(NotifyError, "Didn't catch that.", notifyTTL)
			c.recoverFromFailure()
		},
		OnEnd: func() {
			if !c.current(epoch) {
				return
			}
			c.recoverFromFailure()
		},
	})
}

func (c *Controller) submitUtterance(text string) {
	c.finalAt = time.Now()
	c.appendMessage(transcript.RoleUser, text)
	if containsAny(strings.ToLower(text), readingHints) {
		c.notify(NotifyInfo, "Reading document... this may take a moment.", notifyTTL)
	}
	c.pendingReq = ActionRequest{DocID: c.docID, Page: c.page, Utterance: text}
	c.transition(StateProcessing)
}

func (c *Controller) enterProcessing() {
	c.playback.Stop()
	c.capture.Stop()

	req := c.pendingReq
	c.pendingReq = ActionRequest{}
	if req.DocID == "" {
		req.DocID = c.docID
	}

	epoch := c.epoch
	ctx, cancel := context.WithTimeout(c.ctx, c.cfg.DispatchTimeout)
	c.cancelDispatch = cancel
	log := c.log.WithFields(logrus.Fields{"intent": req.Intent, "page": req.Page})
	log.Info("dispatching action")

	c.spawn(func() {
		startedAt := time.Now()
		res, err := c.dispatcher.Dispatch(ctx, req)
		c.metrics.ObserveDispatch(time.Since(startedAt))
		c.loop.Post(func() {
			cancel()
			if !c.current(epoch) {
				return
			}
			c.cancelDispatch = nil
			if err != nil {
				log.WithError(err).Warn("action dispatch failed")
				c.fail("Action failed")
				return
			}
			if res == nil {
				c.metrics.ObserveDispatchError("empty")
				c.fail("Empty response from server")
				return
			}
			c.applyResponse(res)
		})
	})
}

func (c *Controller) fail(text string) {
	c.notify(NotifyError, text, notifyTTL)
	c.chime(ChimeError)
	c.recoverFromFailure()
}

func (c *Controller) applyResponse(res *ActionResponse) {
	if res.NewPage != nil && *res.NewPage != c.page {
		c.setPage(*res.NewPage)
	}
	if text := strings.TrimSpace(res.TextResponse); text != "" {
		c.appendMessage(transcript.RoleAssistant, text)
		if res.Type == ResponseTypeTranslation {
			c.pageEpoch++
			c.view.PageText(c.docID, c.page, text, true)
		}
	}
	if res.Type == ResponseTypeOpenDocument && strings.TrimSpace(res.Payload.DocID) != "" {
		c.switchDocument(strings.TrimSpace(res.Payload.DocID))
	}

	switch {
	case res.AudioURL != "":
		c.pendingAudio = res.AudioURL
		c.transition(StateSpeaking)
	case c.captureUnavailable:
		c.transition(StateIdle)
	case c.continuous:
		c.after(c.cfg.ListenResumeDelay, func() { c.transition(StateListening) })
	case c.optedOut:
		c.transition(StateIdle)
	default:
		c.transition(StateWakeStandby)
	}
}

func (c *Controller) enterSpeaking() {
	url := c.pendingAudio
	c.pendingAudio = ""
	if !c.finalAt.IsZero() {
		c.metrics.ObserveTurnStage(observability.StageFinalToAudio, time.Since(c.finalAt))
		c.finalAt = time.Time{}
	}
	epoch := c.epoch
	c.playback.Play(url, PlaybackHooks{
		OnBargeIn: func(heard string) {
			if !c.current(epoch) {
				return
			}
			c.log.WithField("heard", heard).Info("barge-in stopped playback")
			c.continuous = false
			c.optedOut = true
			c.bargeIns++
			c.appendMessage(transcript.RoleUser, "Stop (Barge-in)")
			c.transition(StateIdle)
		},
		OnEnded: func() {
			if !c.current(epoch) {
				return
			}
			if c.continuous {
				c.after(c.cfg.SpeakingResumeDelay, func() { c.transition(StateListening) })
				return
			}
			c.transition(StateIdle)
		},
		OnError: func(err error) {
			if !c.current(epoch) {
				return
			}
			c.log.WithError(err).Warn("response playback failed")
			c.notify(NotifyError, "Audio playback failed", notifyTTL)
			c.recoverFromFailure()
		},
	})
}

// switchDocument replaces the document in place. Hands-free mode is kept.
func (c *Controller) switchDocument(docID string) {
	c.log.WithFields(logrus.Fields{"doc_id": docID, "previous_doc_id": c.docID}).Info("switching document")
	c.docID = docID
	c.totalPages = 0
	c.view.DocumentSwitched(docID)
	c.setPage(0)
}

func (c *Controller) setPage(page int) {
	if page < 0 {
		page = 0
	}
	c.page = page
	c.view.PageChanged(c.docID, page)
	c.publish()
	c.loadPage(page)
}

func (c *Controller) loadPage(page int) {
	if c.reader == nil {
		return
	}
	c.pageEpoch++
	pageEpoch := c.pageEpoch
	docID := c.docID
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(c.ctx, pageLoadTimeout)
		defer cancel()
		p, err := c.reader.LoadPage(ctx, docID, page)
		c.loop.Post(func() {
			if c.closed || c.pageEpoch != pageEpoch {
				return
			}
			if err != nil {
				c.log.WithError(err).WithField("page", page).Warn("page load failed")
				c.notify(NotifyError, "Failed to load page", notifyTTL)
				c.view.PageText(docID, page, "", false)
				return
			}
			if p.TotalPages > 0 {
				c.totalPages = p.TotalPages
			}
			if p.Page != c.page {
				c.page = p.Page
				c.view.PageChanged(docID, p.Page)
			}
			c.view.PageText(docID, p.Page, p.Text, true)
			c.publish()
		})
	})
}

func (c *Controller) appendMessage(role transcript.Role, text string) {
	msg := transcript.Message{
		ID:        uuid.NewString(),
		SessionID: c.cfg.SessionID,
		Role:      role,
		Text:      text,
		CreatedAt: time.Now().UTC(),
	}
	c.view.MessageAppended(msg)
	if c.messages == nil {
		return
	}
	c.spawn(func() {
		ctx, cancel := context.WithTimeout(context.Background(), messageSaveTimeout)
		defer cancel()
		if err := c.messages.Append(ctx, msg); err != nil {
			c.log.WithError(err).Warn("message save failed")
		}
	})
}

func (c *Controller) notify(level NotificationLevel, text string, ttl time.Duration) {
	c.view.Notify(Notification{Level: level, Text: text, TTL: ttl})
}

func (c *Controller) chime(kind ChimeKind) {
	if c.chimer != nil {
		c.chimer.Chime(kind)
	}
}

func (c *Controller) publish() {
	st := Status{
		State:      c.state,
		Continuous: c.continuous,
		DocID:      c.docID,
		Page:       c.page,
		TotalPages: c.totalPages,
		BargeIns:   c.bargeIns,
	}
	c.statusMu.Lock()
	changed := st != c.status
	c.status = st
	c.statusMu.Unlock()
	if changed && c.onStatus != nil {
		c.onStatus(st)
	}
}
