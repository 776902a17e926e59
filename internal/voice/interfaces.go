package voice

import (
	"context"
	"time"

	"github.com/ent0n29/tutorvoice/internal/transcript"
)

type RecognizerEventType string

const (
	RecognizerEventResult RecognizerEventType = "result"
	RecognizerEventError  RecognizerEventType = "error"
	RecognizerEventEnd    RecognizerEventType = "end"
)

type RecognitionResult struct {
	Transcript string
	Final      bool
}

// RecognizerEvent mirrors the native recogniser callbacks. Results holds the
// full result list; entries before ResultIndex were already reported.
type RecognizerEvent struct {
	Type        RecognizerEventType
	ResultIndex int
	Results     []RecognitionResult
	Code        string
}

type RecognizerConfig struct {
	Continuous     bool
	InterimResults bool
	Lang           string
}

// Recognizer is the single native speech-recognition resource. Start returns
// ErrAlreadyStarted when the resource is still running and
// ErrCaptureUnsupported when there is no resource at all. The sink may be
// called from any goroutine.
type Recognizer interface {
	Start(cfg RecognizerConfig, sink func(RecognizerEvent)) error
	Stop()
	Abort()
}

type AudioEventType string

const (
	AudioEventEnded AudioEventType = "ended"
	AudioEventError AudioEventType = "error"
)

type AudioEvent struct {
	Type   AudioEventType
	Detail string
}

type AudioHandle interface {
	Pause()
	Reset()
}

// Player plays remote audio. The sink may be called from any goroutine.
type Player interface {
	Play(url string, sink func(AudioEvent)) (AudioHandle, error)
}

type ChimeKind string

const (
	ChimeStart   ChimeKind = "start"
	ChimeSuccess ChimeKind = "success"
	ChimeError   ChimeKind = "error"
)

type Chimer interface {
	Chime(kind ChimeKind)
}

type NotificationLevel string

const (
	NotifyInfo    NotificationLevel = "info"
	NotifySuccess NotificationLevel = "success"
	NotifyError   NotificationLevel = "error"
)

type Notification struct {
	Level NotificationLevel
	Text  string
	TTL   time.Duration
}

// View receives everything the user interface renders.
type View interface {
	StateChanged(from, to State, continuous bool)
	MessageAppended(msg transcript.Message)
	Notify(n Notification)
	PageChanged(docID string, page int)
	PageText(docID string, page int, text string, ok bool)
	DocumentSwitched(docID string)
	PromptLanguage(languages []string)
}

type ActionRequest struct {
	DocID     string
	Page      int
	Intent    string
	Utterance string
	Entities  map[string]string
}

type ActionPayload struct {
	DocID string `json:"doc_id,omitempty"`
	Quiz  any    `json:"quiz,omitempty"`
}

type ActionResponse struct {
	Intent       string        `json:"intent"`
	Type         string        `json:"type"`
	Payload      ActionPayload `json:"payload"`
	TextResponse string        `json:"text_response"`
	AudioURL     string        `json:"audio_url"`
	NewPage      *int          `json:"new_page"`
}

// Dispatcher is the stateless request/response boundary to intent resolution.
type Dispatcher interface {
	Dispatch(ctx context.Context, req ActionRequest) (*ActionResponse, error)
}

type Page struct {
	Page       int    `json:"page"`
	Text       string `json:"text"`
	TotalPages int    `json:"total_pages"`
}

type Reader interface {
	LoadPage(ctx context.Context, docID string, page int) (Page, error)
}

// Response types that change how a reply is applied.
const (
	ResponseTypeTranslation  = "translation"
	ResponseTypeOpenDocument = "open_document"
)
