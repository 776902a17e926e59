// Package bridge connects the voice control core to a browser over the
// session websocket. The browser owns the microphone, the native recogniser
// and the audio element; this package turns their relayed events into
// capability callbacks and the core's calls into commands.
package bridge

import (
	"sync"

	"github.com/ent0n29/tutorvoice/internal/protocol"
	"github.com/ent0n29/tutorvoice/internal/transcript"
	"github.com/ent0n29/tutorvoice/internal/voice"
)

// Client is the remote browser seen as recogniser, player, chimer and view.
// Every recogniser start opens a new cycle; events tagged with any other
// cycle are dropped. Audio events are routed by playback id.
type Client struct {
	sessionID string
	send      func(any)

	mu          sync.Mutex
	supported   bool
	cycle       int64
	running     bool
	recSink     func(voice.RecognizerEvent)
	playbackSeq int64
	audio       map[int64]func(voice.AudioEvent)
}

var (
	_ voice.Recognizer = (*Client)(nil)
	_ voice.Player     = (*Client)(nil)
	_ voice.Chimer     = (*Client)(nil)
	_ voice.View       = (*Client)(nil)
)

func NewClient(sessionID string, send func(any)) *Client {
	return &Client{
		sessionID: sessionID,
		send:      send,
		supported: true,
		audio:     make(map[int64]func(voice.AudioEvent)),
	}
}

// SetRecognitionSupported records what the browser reported in its hello.
func (c *Client) SetRecognitionSupported(ok bool) {
	c.mu.Lock()
	c.supported = ok
	c.mu.Unlock()
}

func (c *Client) Start(cfg voice.RecognizerConfig, sink func(voice.RecognizerEvent)) error {
	c.mu.Lock()
	if !c.supported {
		c.mu.Unlock()
		return voice.ErrCaptureUnsupported
	}
	if c.running {
		c.mu.Unlock()
		return voice.ErrAlreadyStarted
	}
	c.cycle++
	cycle := c.cycle
	c.running = true
	c.recSink = sink
	c.mu.Unlock()

	c.send(protocol.RecognizerCommand{
		Type:           protocol.TypeRecognizerCommand,
		SessionID:      c.sessionID,
		Cycle:          cycle,
		Command:        protocol.CommandStart,
		Continuous:     cfg.Continuous,
		InterimResults: cfg.InterimResults,
		Lang:           cfg.Lang,
	})
	return nil
}

// Stop asks the browser to finish the current cycle. The cycle stays running
// until the browser reports its end.
func (c *Client) Stop() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cycle := c.cycle
	c.mu.Unlock()
	c.recognizerCommand(cycle, protocol.CommandStop)
}

// Abort drops the current cycle immediately; its late events are ignored.
func (c *Client) Abort() {
	c.mu.Lock()
	if !c.running {
		c.mu.Unlock()
		return
	}
	cycle := c.cycle
	c.running = false
	c.recSink = nil
	c.mu.Unlock()
	c.recognizerCommand(cycle, protocol.CommandAbort)
}

func (c *Client) recognizerCommand(cycle int64, command string) {
	c.send(protocol.RecognizerCommand{
		Type:      protocol.TypeRecognizerCommand,
		SessionID: c.sessionID,
		Cycle:     cycle,
		Command:   command,
	})
}

func (c *Client) HandleRecognizerResult(msg protocol.RecognizerResult) {
	sink := c.currentSink(msg.Cycle, false)
	if sink == nil {
		return
	}
	results := make([]voice.RecognitionResult, 0, len(msg.Results))
	for _, r := range msg.Results {
		results = append(results, voice.RecognitionResult{Transcript: r.Transcript, Final: r.IsFinal})
	}
	sink(voice.RecognizerEvent{
		Type:        voice.RecognizerEventResult,
		ResultIndex: msg.ResultIndex,
		Results:     results,
	})
}

func (c *Client) HandleRecognizerError(msg protocol.RecognizerError) {
	sink := c.currentSink(msg.Cycle, false)
	if sink == nil {
		return
	}
	sink(voice.RecognizerEvent{Type: voice.RecognizerEventError, Code: msg.Error})
}

func (c *Client) HandleRecognizerEnd(msg protocol.RecognizerEnd) {
	sink := c.currentSink(msg.Cycle, true)
	if sink == nil {
		return
	}
	sink(voice.RecognizerEvent{Type: voice.RecognizerEventEnd})
}

// currentSink returns the sink for cycle, or nil when the event is stale.
// end releases the cycle.
func (c *Client) currentSink(cycle int64, end bool) func(voice.RecognizerEvent) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if cycle != c.cycle || !c.running || c.recSink == nil {
		return nil
	}
	sink := c.recSink
	if end {
		c.running = false
		c.recSink = nil
	}
	return sink
}

func (c *Client) Play(url string, sink func(voice.AudioEvent)) (voice.AudioHandle, error) {
	c.mu.Lock()
	c.playbackSeq++
	id := c.playbackSeq
	c.audio[id] = sink
	c.mu.Unlock()

	c.send(protocol.AudioCommand{
		Type:       protocol.TypeAudioCommand,
		SessionID:  c.sessionID,
		PlaybackID: id,
		Command:    protocol.CommandPlay,
		URL:        url,
	})
	return &remoteAudio{client: c, id: id}, nil
}

// HandleAudioEvent delivers the first terminal event of a playback.
func (c *Client) HandleAudioEvent(msg protocol.AudioEvent) {
	c.mu.Lock()
	sink, ok := c.audio[msg.PlaybackID]
	delete(c.audio, msg.PlaybackID)
	c.mu.Unlock()
	if !ok || sink == nil {
		return
	}
	typ := voice.AudioEventEnded
	if msg.Event == string(voice.AudioEventError) {
		typ = voice.AudioEventError
	}
	sink(voice.AudioEvent{Type: typ, Detail: msg.Detail})
}

type remoteAudio struct {
	client *Client
	id     int64
}

func (a *remoteAudio) Pause() { a.client.audioCommand(a.id, protocol.CommandPause) }

// Reset rewinds the element and forgets the playback.
func (a *remoteAudio) Reset() {
	a.client.mu.Lock()
	delete(a.client.audio, a.id)
	a.client.mu.Unlock()
	a.client.audioCommand(a.id, protocol.CommandReset)
}

func (c *Client) audioCommand(id int64, command string) {
	c.send(protocol.AudioCommand{
		Type:       protocol.TypeAudioCommand,
		SessionID:  c.sessionID,
		PlaybackID: id,
		Command:    command,
	})
}

func (c *Client) Chime(kind voice.ChimeKind) {
	c.send(protocol.Chime{Type: protocol.TypeChime, SessionID: c.sessionID, Kind: string(kind)})
}

func (c *Client) StateChanged(from, to voice.State, continuous bool) {
	c.send(protocol.StateChanged{
		Type:       protocol.TypeStateChanged,
		SessionID:  c.sessionID,
		From:       from.String(),
		State:      to.String(),
		Continuous: continuous,
	})
}

func (c *Client) MessageAppended(msg transcript.Message) {
	c.send(protocol.MessageAppended{
		Type:      protocol.TypeMessageAppended,
		SessionID: c.sessionID,
		MessageID: msg.ID,
		Role:      string(msg.Role),
		Text:      msg.Text,
		TSMs:      msg.CreatedAt.UnixMilli(),
	})
}

func (c *Client) Notify(n voice.Notification) {
	c.send(protocol.Notification{
		Type:      protocol.TypeNotification,
		SessionID: c.sessionID,
		Level:     string(n.Level),
		Text:      n.Text,
		TTLMs:     n.TTL.Milliseconds(),
	})
}

func (c *Client) PageChanged(docID string, page int) {
	c.send(protocol.PageChanged{Type: protocol.TypePageChanged, SessionID: c.sessionID, DocID: docID, Page: page})
}

func (c *Client) PageText(docID string, page int, text string, ok bool) {
	c.send(protocol.PageText{
		Type:      protocol.TypePageText,
		SessionID: c.sessionID,
		DocID:     docID,
		Page:      page,
		Text:      text,
		OK:        ok,
	})
}

func (c *Client) DocumentSwitched(docID string) {
	c.send(protocol.DocumentSwitched{Type: protocol.TypeDocumentSwitched, SessionID: c.sessionID, DocID: docID})
}

func (c *Client) PromptLanguage(languages []string) {
	c.send(protocol.LanguagePrompt{
		Type:      protocol.TypeLanguagePrompt,
		SessionID: c.sessionID,
		Languages: append([]string(nil), languages...),
	})
}
