package voice

import "time"

type State int

const (
	StateIdle State = iota
	StateWakeStandby
	StateListening
	StateProcessing
	StateSpeaking
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateWakeStandby:
		return "wake_standby"
	case StateListening:
		return "listening"
	case StateProcessing:
		return "processing"
	case StateSpeaking:
		return "speaking"
	default:
		return "unknown"
	}
}

// Transcript is one recogniser report. Forced marks a final produced by the
// silence endpointer rather than the engine.
type Transcript struct {
	Text    string
	IsFinal bool
	Forced  bool
	At      time.Time
}

// WakeDetected is the text of the final transcript a wake-mode session emits.
const WakeDetected = "WAKE_DETECTED"

var wakeSynonyms = []string{"wake up", "hey", "start"}

// Fixed vocabularies matched as lower-case substrings.
var (
	stopWords    = []string{"stop", "exit"}
	bargeInWords = []string{"stop", "quiet", "wait"}
	readingHints = []string{"pdf", "document"}
)
