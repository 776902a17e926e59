package voice

import (
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/ent0n29/tutorvoice/internal/observability"
)

type PlaybackHooks struct {
	// OnBargeIn receives the transcript that interrupted playback.
	OnBargeIn func(heard string)
	OnEnded   func()
	OnError   func(error)
}

// PlaybackController plays one response at a time and listens for a spoken
// interruption while it does. Methods must be called on the executor goroutine.
type PlaybackController struct {
	loop    Executor
	player  Player
	capture *CaptureEngine
	log     logrus.FieldLogger
	metrics *observability.Metrics

	nextID int64
	cur    *playbackSession
}

type playbackSession struct {
	id      int64
	url     string
	handle  AudioHandle
	bargeIn SessionID
	hooks   PlaybackHooks
	done    bool
}

func NewPlaybackController(loop Executor, player Player, capture *CaptureEngine, log logrus.FieldLogger, metrics *observability.Metrics) *PlaybackController {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &PlaybackController{
		loop:    loop,
		player:  player,
		capture: capture,
		log:     log.WithField("component", "playback"),
		metrics: metrics,
	}
}

// Play starts url and arms barge-in detection. Exactly one hook fires per
// call unless Stop or a later Play supersedes it.
func (p *PlaybackController) Play(url string, hooks PlaybackHooks) {
	p.Stop()
	p.capture.Stop()

	p.nextID++
	ps := &playbackSession{id: p.nextID, url: url, hooks: hooks}
	p.cur = ps

	handle, err := p.player.Play(url, func(ev AudioEvent) {
		p.loop.Post(func() { p.onAudioEvent(ps, ev) })
	})
	if err != nil {
		p.log.WithError(err).WithField("url", url).Warn("audio playback failed to start")
		ps.done = true
		p.cur = nil
		perr := &PlaybackError{URL: url, Err: err}
		p.loop.Post(func() {
			if hooks.OnError != nil {
				hooks.OnError(perr)
			}
		})
		return
	}
	ps.handle = handle

	ps.bargeIn = p.capture.Start(CaptureOptions{
		Continuous: true,
		OnTranscript: func(t Transcript) {
			p.onBargeInTranscript(ps, t)
		},
	})
	p.log.WithFields(logrus.Fields{"url": url, "playback": ps.id}).Debug("playback started")
}

// Stop releases the audio and the barge-in capture without firing hooks.
func (p *PlaybackController) Stop() {
	ps := p.cur
	if ps == nil {
		return
	}
	p.cur = nil
	ps.done = true
	if ps.handle != nil {
		ps.handle.Pause()
		ps.handle.Reset()
	}
	p.capture.StopSession(ps.bargeIn)
}

func (p *PlaybackController) Active() bool {
	return p.cur != nil
}

func (p *PlaybackController) onBargeInTranscript(ps *playbackSession, t Transcript) {
	if ps.done || p.cur != ps {
		return
	}
	heard := strings.ToLower(t.Text)
	if !containsAny(heard, bargeInWords) {
		return
	}
	ps.done = true
	p.cur = nil
	if ps.handle != nil {
		ps.handle.Pause()
		ps.handle.Reset()
	}
	p.capture.StopSession(ps.bargeIn)
	p.log.WithFields(logrus.Fields{"playback": ps.id, "heard": t.Text}).Info("playback interrupted by barge-in")
	p.metrics.ObserveBargeIn()
	if ps.hooks.OnBargeIn != nil {
		ps.hooks.OnBargeIn(t.Text)
	}
}

func (p *PlaybackController) onAudioEvent(ps *playbackSession, ev AudioEvent) {
	if ps.done || p.cur != ps {
		return
	}
	ps.done = true
	p.cur = nil
	p.capture.StopSession(ps.bargeIn)
	switch ev.Type {
	case AudioEventEnded:
		if ps.hooks.OnEnded != nil {
			ps.hooks.OnEnded()
		}
	default:
		err := &PlaybackError{URL: ps.url, Err: audioEventError(ev.Detail)}
		p.log.WithError(err).WithField("playback", ps.id).Warn("audio playback error")
		if ps.hooks.OnError != nil {
			ps.hooks.OnError(err)
		}
	}
}

type audioEventError string

func (e audioEventError) Error() string {
	if e == "" {
		return "audio element error"
	}
	return string(e)
}
