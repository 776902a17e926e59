package bridge

import (
	"context"
	"errors"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/tutorvoice/internal/config"
	"github.com/ent0n29/tutorvoice/internal/observability"
	"github.com/ent0n29/tutorvoice/internal/protocol"
	"github.com/ent0n29/tutorvoice/internal/session"
	"github.com/ent0n29/tutorvoice/internal/transcript"
	"github.com/ent0n29/tutorvoice/internal/voice"
)

const (
	defaultHelloWait = 2 * time.Second
	closeFlushWait   = time.Second
)

type RunnerDeps struct {
	Sessions   *session.Manager
	Dispatcher voice.Dispatcher
	Reader     voice.Reader
	Messages   transcript.Store
	Log        logrus.FieldLogger
	Metrics    *observability.Metrics
}

// Runner drives one voice controller per websocket connection.
type Runner struct {
	cfg        config.Config
	sessions   *session.Manager
	dispatcher voice.Dispatcher
	reader     voice.Reader
	messages   transcript.Store
	log        logrus.FieldLogger
	metrics    *observability.Metrics

	// helloWait bounds how long the controller waits for client_hello
	// before starting with recognition assumed available.
	helloWait time.Duration
}

func NewRunner(cfg config.Config, deps RunnerDeps) *Runner {
	log := deps.Log
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Runner{
		cfg:        cfg,
		sessions:   deps.Sessions,
		dispatcher: deps.Dispatcher,
		reader:     deps.Reader,
		messages:   deps.Messages,
		log:        log.WithField("component", "bridge"),
		metrics:    deps.Metrics,
		helloWait:  defaultHelloWait,
	}
}

// RunConnection serves one connection until ctx is done, inbound closes or
// the client leaves.
func (r *Runner) RunConnection(ctx context.Context, sess *session.Session, inbound <-chan any, outbound chan<- any) error {
	if sess == nil {
		return errors.New("nil session")
	}
	log := r.log.WithField("session_id", sess.ID)

	loop := voice.NewEventLoop()
	loopCtx, stopLoop := context.WithCancel(context.Background())
	go func() { _ = loop.Run(loopCtx) }()
	defer func() {
		stopLoop()
		<-loop.Done()
	}()

	out := &sender{out: outbound, done: ctx.Done(), metrics: r.metrics}
	client := NewClient(sess.ID, out.send)
	capture := voice.NewCaptureEngine(loop, client, voice.CaptureConfig{
		Lang:             r.cfg.RecognitionLang,
		SilenceTimeout:   r.cfg.SilenceTimeout,
		RestartGrace:     r.cfg.RestartGrace,
		AutoRestartDelay: r.cfg.AutoRestartDelay,
	}, log, r.metrics)
	playback := voice.NewPlaybackController(loop, client, capture, log, r.metrics)

	bargeIns := 0
	ctrl := voice.NewController(voice.ControllerConfig{
		SessionID:           sess.ID,
		DocID:               sess.DocID,
		WakePhrase:          r.cfg.WakePhrase,
		ListenResumeDelay:   r.cfg.ListenResumeDelay,
		SpeakingResumeDelay: r.cfg.SpeakingResumeDelay,
		AutoStartDelay:      r.cfg.AutoStartDelay,
		DispatchTimeout:     r.cfg.BackendTimeout,
	}, voice.ControllerDeps{
		Loop:       loop,
		Capture:    capture,
		Playback:   playback,
		Dispatcher: r.dispatcher,
		Reader:     r.reader,
		View:       client,
		Chimer:     client,
		Messages:   r.messages,
		Log:        log,
		Metrics:    r.metrics,
		OnStatus: func(st voice.Status) {
			r.recordStatus(sess.ID, st, &bargeIns)
		},
	})
	defer func() {
		ctrl.Close()
		flushCtx, cancel := context.WithTimeout(context.Background(), closeFlushWait)
		defer cancel()
		_ = loop.Call(flushCtx, func() {})
	}()

	started := false
	start := func() {
		if started {
			return
		}
		started = true
		opts := voice.StartOptions{AutoStart: sess.AutoStart}
		if r.sessions != nil {
			text, audioURL, err := r.sessions.ClaimGreeting(sess.ID)
			if err != nil {
				log.WithError(err).Warn("greeting lookup failed")
			}
			opts.Greeting, opts.GreetingAudioURL = text, audioURL
		}
		ctrl.Start(opts)
		log.WithField("auto_start", opts.AutoStart).Info("voice controller started")
	}

	// A nil channel never fires: without a registry the session cannot end.
	var ended <-chan struct{}
	if r.sessions != nil {
		ch, err := r.sessions.Ended(sess.ID)
		if err != nil {
			return err
		}
		ended = ch
	}

	helloTimer := time.NewTimer(r.helloWait)
	defer helloTimer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ended:
			log.Info("tutoring session ended; stopping voice loop")
			return nil
		case <-helloTimer.C:
			if !started {
				log.Warn("no client_hello received; starting with recognition assumed available")
			}
			start()
		case msg, ok := <-inbound:
			if !ok {
				return nil
			}
			if r.sessions != nil {
				if err := r.sessions.Touch(sess.ID); errors.Is(err, session.ErrSessionEnded) {
					log.Info("message for ended session; stopping voice loop")
					return nil
				}
			}
			if leave := r.route(ctrl, client, out, sess.ID, msg, start, log); leave {
				log.Info("client left tutoring session")
				return nil
			}
		}
	}
}

// route applies one inbound message. It reports whether the client left.
func (r *Runner) route(ctrl *voice.Controller, client *Client, out *sender, sessionID string, msg any, start func(), log logrus.FieldLogger) bool {
	switch m := msg.(type) {
	case protocol.ClientHello:
		client.SetRecognitionSupported(m.RecognitionSupported)
		log.WithFields(logrus.Fields{
			"recognition_supported": m.RecognitionSupported,
			"user_agent":            m.UserAgent,
		}).Debug("client hello")
		start()
	case protocol.RecognizerResult:
		client.HandleRecognizerResult(m)
	case protocol.RecognizerError:
		client.HandleRecognizerError(m)
	case protocol.RecognizerEnd:
		client.HandleRecognizerEnd(m)
	case protocol.AudioEvent:
		client.HandleAudioEvent(m)
	case protocol.ClientControl:
		start()
		switch m.Action {
		case protocol.ActionEnableHandsFree:
			ctrl.EnableHandsFree()
		case protocol.ActionDisableHandsFree:
			ctrl.DisableHandsFree()
		case protocol.ActionMicTap:
			ctrl.MicTap()
		case protocol.ActionSubmitText:
			ctrl.SubmitText(m.Text)
		case protocol.ActionQuickAction:
			err := ctrl.QuickAction(m.Intent, m.Entities)
			if err != nil && !errors.Is(err, voice.ErrTargetLanguageRequired) {
				out.send(protocol.ErrorEvent{
					Type:      protocol.TypeErrorEvent,
					SessionID: sessionID,
					Code:      "invalid_intent",
					Source:    "client_control",
					Detail:    err.Error(),
				})
			}
		case protocol.ActionLeave:
			return true
		default:
			out.send(protocol.ErrorEvent{
				Type:      protocol.TypeErrorEvent,
				SessionID: sessionID,
				Code:      "unknown_action",
				Source:    "client_control",
				Detail:    m.Action,
			})
		}
	}
	return false
}

// recordStatus mirrors controller status into the session registry. Runs on
// the event loop.
func (r *Runner) recordStatus(sessionID string, st voice.Status, bargeIns *int) {
	if r.sessions == nil {
		return
	}
	if err := r.sessions.UpdateVoice(sessionID, st.State.String(), st.Continuous); err != nil {
		return
	}
	_ = r.sessions.SetDocument(sessionID, st.DocID, st.Page)
	if st.TotalPages > 0 {
		_ = r.sessions.SetPageCount(sessionID, st.TotalPages)
	}
	for *bargeIns < st.BargeIns {
		*bargeIns++
		_ = r.sessions.RecordBargeIn(sessionID)
	}
}
