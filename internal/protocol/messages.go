package protocol

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// MessageType identifies websocket payload variants.
type MessageType string

const (
	// Client to service.
	TypeClientHello      MessageType = "client_hello"
	TypeRecognizerResult MessageType = "recognizer_result"
	TypeRecognizerError  MessageType = "recognizer_error"
	TypeRecognizerEnd    MessageType = "recognizer_end"
	TypeAudioEvent       MessageType = "audio_event"
	TypeClientControl    MessageType = "client_control"
	// Service to client.
	TypeRecognizerCommand MessageType = "recognizer_command"
	TypeAudioCommand      MessageType = "audio_command"
	TypeChime             MessageType = "chime"
	TypeStateChanged      MessageType = "state_changed"
	TypeMessageAppended   MessageType = "message_appended"
	TypeNotification      MessageType = "notification"
	TypePageChanged       MessageType = "page_changed"
	TypePageText          MessageType = "page_text"
	TypeDocumentSwitched  MessageType = "document_switched"
	TypeLanguagePrompt    MessageType = "language_prompt"
	TypeErrorEvent        MessageType = "error_event"
)

// Client control actions.
const (
	ActionEnableHandsFree  = "enable_hands_free"
	ActionDisableHandsFree = "disable_hands_free"
	ActionMicTap           = "mic_tap"
	ActionQuickAction      = "quick_action"
	ActionSubmitText       = "submit_text"
	ActionLeave            = "leave"
)

// Recogniser and audio commands.
const (
	CommandStart = "start"
	CommandStop  = "stop"
	CommandAbort = "abort"
	CommandPlay  = "play"
	CommandPause = "pause"
	CommandReset = "reset"
)

var ErrUnsupportedType = errors.New("unsupported message type")

type Envelope struct {
	Type MessageType `json:"type"`
}

type ClientHello struct {
	Type                 MessageType `json:"type"`
	SessionID            string      `json:"session_id"`
	RecognitionSupported bool        `json:"recognition_supported"`
	UserAgent            string      `json:"user_agent,omitempty"`
}

type RecognitionResult struct {
	Transcript string `json:"transcript"`
	IsFinal    bool   `json:"is_final"`
}

// RecognizerResult relays one native result event. Cycle echoes the cycle of
// the recognizer_command that started the recogniser.
type RecognizerResult struct {
	Type        MessageType         `json:"type"`
	SessionID   string              `json:"session_id"`
	Cycle       int64               `json:"cycle"`
	ResultIndex int                 `json:"result_index"`
	Results     []RecognitionResult `json:"results"`
}

type RecognizerError struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Cycle     int64       `json:"cycle"`
	Error     string      `json:"error"`
}

type RecognizerEnd struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Cycle     int64       `json:"cycle"`
}

type AudioEvent struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	PlaybackID int64       `json:"playback_id"`
	Event      string      `json:"event"`
	Detail     string      `json:"detail,omitempty"`
}

type ClientControl struct {
	Type      MessageType       `json:"type"`
	SessionID string            `json:"session_id"`
	Action    string            `json:"action"`
	Intent    string            `json:"intent,omitempty"`
	Entities  map[string]string `json:"entities,omitempty"`
	Text      string            `json:"text,omitempty"`
}

type RecognizerCommand struct {
	Type           MessageType `json:"type"`
	SessionID      string      `json:"session_id"`
	Cycle          int64       `json:"cycle"`
	Command        string      `json:"command"`
	Continuous     bool        `json:"continuous,omitempty"`
	InterimResults bool        `json:"interim_results,omitempty"`
	Lang           string      `json:"lang,omitempty"`
}

type AudioCommand struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	PlaybackID int64       `json:"playback_id"`
	Command    string      `json:"command"`
	URL        string      `json:"url,omitempty"`
}

type Chime struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Kind      string      `json:"kind"`
}

type StateChanged struct {
	Type       MessageType `json:"type"`
	SessionID  string      `json:"session_id"`
	From       string      `json:"from"`
	State      string      `json:"state"`
	Continuous bool        `json:"continuous"`
}

type MessageAppended struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	MessageID string      `json:"message_id"`
	Role      string      `json:"role"`
	Text      string      `json:"text"`
	TSMs      int64       `json:"ts_ms"`
}

type Notification struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Level     string      `json:"level"`
	Text      string      `json:"text"`
	TTLMs     int64       `json:"ttl_ms"`
}

type PageChanged struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	DocID     string      `json:"doc_id"`
	Page      int         `json:"page"`
}

type PageText struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	DocID     string      `json:"doc_id"`
	Page      int         `json:"page"`
	Text      string      `json:"text"`
	OK        bool        `json:"ok"`
}

type DocumentSwitched struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	DocID     string      `json:"doc_id"`
}

type LanguagePrompt struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Languages []string    `json:"languages"`
}

type ErrorEvent struct {
	Type      MessageType `json:"type"`
	SessionID string      `json:"session_id"`
	Code      string      `json:"code"`
	Source    string      `json:"source"`
	Retryable bool        `json:"retryable"`
	Detail    string      `json:"detail"`
}

func ParseClientMessage(raw []byte) (any, error) {
	var env Envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("invalid envelope: %w", err)
	}

	switch env.Type {
	case TypeClientHello:
		var msg ClientHello
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" {
			return nil, errors.New("invalid client_hello")
		}
		return msg, nil
	case TypeRecognizerResult:
		var msg RecognizerResult
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Cycle <= 0 || msg.ResultIndex < 0 {
			return nil, errors.New("invalid recognizer_result")
		}
		return msg, nil
	case TypeRecognizerError:
		var msg RecognizerError
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Cycle <= 0 || msg.Error == "" {
			return nil, errors.New("invalid recognizer_error")
		}
		return msg, nil
	case TypeRecognizerEnd:
		var msg RecognizerEnd
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.Cycle <= 0 {
			return nil, errors.New("invalid recognizer_end")
		}
		return msg, nil
	case TypeAudioEvent:
		var msg AudioEvent
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		if msg.SessionID == "" || msg.PlaybackID <= 0 {
			return nil, errors.New("invalid audio_event")
		}
		switch msg.Event {
		case "ended", "error":
		default:
			return nil, errors.New("invalid audio_event")
		}
		return msg, nil
	case TypeClientControl:
		var msg ClientControl
		if err := json.Unmarshal(raw, &msg); err != nil {
			return nil, err
		}
		msg.Action = strings.ToLower(strings.TrimSpace(msg.Action))
		if msg.SessionID == "" || msg.Action == "" {
			return nil, errors.New("invalid client_control")
		}
		return msg, nil
	default:
		return nil, ErrUnsupportedType
	}
}
