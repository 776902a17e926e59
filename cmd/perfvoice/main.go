package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/ent0n29/tutorvoice/internal/protocol"
)

// perfvoice replays spoken turns against a running service by acting as the
// browser: it answers recogniser and audio commands the way the tutor page
// does and measures how long each utterance takes to get a response.

type options struct {
	baseURL     string
	docID       string
	turns       int
	endpoint    string
	audioDelay  time.Duration
	startDelay  time.Duration
	turnTimeout time.Duration
	texts       []string
	verbose     bool
}

type createSessionRequest struct {
	DocID string `json:"doc_id"`
}

type createSessionResponse struct {
	SessionID string `json:"session_id"`
	WSURL     string `json:"ws_url"`
}

// wsEnvelope is the union of the service messages the replayer reads.
type wsEnvelope struct {
	Type       string `json:"type"`
	Cycle      int64  `json:"cycle,omitempty"`
	Command    string `json:"command,omitempty"`
	Continuous bool   `json:"continuous,omitempty"`
	PlaybackID int64  `json:"playback_id,omitempty"`
	URL        string `json:"url,omitempty"`
	State      string `json:"state,omitempty"`
	Role       string `json:"role,omitempty"`
	Text       string `json:"text,omitempty"`
	Level      string `json:"level,omitempty"`
	Code       string `json:"code,omitempty"`
	Detail     string `json:"detail,omitempty"`
}

var defaultUtterances = []string{
	"summarize this page",
	"explain the first paragraph",
	"go to the next page",
	"quiz me on this page",
}

func main() {
	cfg, err := parseFlags()
	if err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(2)
	}
	if err := run(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "perfvoice: %v\n", err)
		os.Exit(1)
	}
}

func parseFlags() (options, error) {
	var cfg options
	var textsRaw string
	var audioMS, startDelayMS, turnTimeoutMS int

	flag.StringVar(&cfg.baseURL, "base-url", "http://127.0.0.1:8080", "tutorvoice base URL")
	flag.StringVar(&cfg.docID, "doc-id", "", "document id to open (required)")
	flag.IntVar(&cfg.turns, "turns", 10, "number of turns to replay")
	flag.StringVar(&cfg.endpoint, "endpoint", "final", "how utterances end: final (recogniser final) or silence (service endpointer)")
	flag.IntVar(&audioMS, "audio-ms", 200, "simulated playback length for spoken responses in milliseconds")
	flag.IntVar(&startDelayMS, "start-delay-ms", 600, "delay before the first turn in milliseconds")
	flag.IntVar(&turnTimeoutMS, "turn-timeout-ms", 30000, "timeout per turn in milliseconds")
	flag.StringVar(&textsRaw, "texts", "", "utterances separated by '|' (optional)")
	flag.BoolVar(&cfg.verbose, "verbose", true, "print replay progress")
	flag.Parse()

	cfg.baseURL = strings.TrimRight(strings.TrimSpace(cfg.baseURL), "/")
	cfg.docID = strings.TrimSpace(cfg.docID)
	if cfg.baseURL == "" {
		return options{}, fmt.Errorf("base-url is required")
	}
	if cfg.docID == "" {
		return options{}, fmt.Errorf("doc-id is required")
	}
	if cfg.turns <= 0 {
		return options{}, fmt.Errorf("turns must be > 0")
	}
	cfg.endpoint = strings.ToLower(strings.TrimSpace(cfg.endpoint))
	if cfg.endpoint != "final" && cfg.endpoint != "silence" {
		return options{}, fmt.Errorf("endpoint must be final or silence")
	}
	if audioMS < 0 {
		audioMS = 0
	}
	if startDelayMS < 0 {
		startDelayMS = 0
	}
	if turnTimeoutMS < 1000 {
		turnTimeoutMS = 1000
	}
	cfg.audioDelay = time.Duration(audioMS) * time.Millisecond
	cfg.startDelay = time.Duration(startDelayMS) * time.Millisecond
	cfg.turnTimeout = time.Duration(turnTimeoutMS) * time.Millisecond
	cfg.texts = splitTexts(textsRaw)
	return cfg, nil
}

func splitTexts(raw string) []string {
	var out []string
	for _, part := range strings.Split(raw, "|") {
		if t := strings.TrimSpace(part); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return append([]string(nil), defaultUtterances...)
	}
	return out
}

func run(cfg options) error {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Minute)
	defer cancel()

	httpClient := &http.Client{Timeout: 30 * time.Second}
	sessionID, err := createSession(ctx, httpClient, cfg)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		_ = endSession(context.Background(), httpClient, cfg.baseURL, sessionID)
	}()

	wsURL, err := wsURLForSession(cfg.baseURL, sessionID)
	if err != nil {
		return fmt.Errorf("build ws URL: %w", err)
	}
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return fmt.Errorf("open websocket: %w", err)
	}
	defer conn.Close()

	r := newReplayer(conn, sessionID, cfg.verbose)
	if err := r.write(protocol.ClientHello{
		Type:                 protocol.TypeClientHello,
		SessionID:            sessionID,
		RecognitionSupported: true,
		UserAgent:            "perfvoice",
	}); err != nil {
		return fmt.Errorf("send hello: %w", err)
	}
	go r.readLoop()

	if cfg.verbose {
		fmt.Printf("perfvoice: session=%s doc=%s turns=%d endpoint=%s\n", sessionID, cfg.docID, cfg.turns, cfg.endpoint)
	}
	if cfg.startDelay > 0 {
		time.Sleep(cfg.startDelay)
	}

	var latencies []time.Duration
	for i := 0; i < cfg.turns; i++ {
		text := cfg.texts[i%len(cfg.texts)]
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d/%d text=%q\n", i+1, cfg.turns, text)
		}
		d, err := r.turn(text, cfg)
		if err != nil {
			return fmt.Errorf("turn %d: %w", i+1, err)
		}
		latencies = append(latencies, d)
		if cfg.verbose {
			fmt.Printf("perfvoice: turn %d response after %s\n", i+1, d.Round(time.Millisecond))
		}
	}

	_ = r.write(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: sessionID, Action: protocol.ActionLeave})
	fmt.Println(summarize(latencies))
	return nil
}

type replayer struct {
	conn      *websocket.Conn
	sessionID string
	verbose   bool

	writeMu sync.Mutex
	events  chan wsEnvelope
	readErr chan error
}

func newReplayer(conn *websocket.Conn, sessionID string, verbose bool) *replayer {
	return &replayer{
		conn:      conn,
		sessionID: sessionID,
		verbose:   verbose,
		events:    make(chan wsEnvelope, 256),
		readErr:   make(chan error, 1),
	}
}

// write serialises websocket writes; the read loop answers commands too.
func (r *replayer) write(msg any) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	return r.conn.WriteJSON(msg)
}

func (r *replayer) readLoop() {
	for {
		_, data, err := r.conn.ReadMessage()
		if err != nil {
			select {
			case r.readErr <- err:
			default:
			}
			return
		}
		var env wsEnvelope
		if err := json.Unmarshal(data, &env); err != nil {
			continue
		}
		for _, reply := range browserReplies(r.sessionID, env) {
			if err := r.write(reply); err != nil {
				select {
				case r.readErr <- err:
				default:
				}
				return
			}
		}
		if env.Type == string(protocol.TypeErrorEvent) && r.verbose {
			fmt.Fprintf(os.Stderr, "perfvoice: error_event code=%s detail=%s\n", env.Code, env.Detail)
		}
		select {
		case r.events <- env:
		default:
		}
	}
}

// browserReplies is what the tutor page sends back on its own: a stopped
// recogniser reports its end.
func browserReplies(sessionID string, env wsEnvelope) []any {
	if env.Type == string(protocol.TypeRecognizerCommand) && env.Command == protocol.CommandStop {
		return []any{protocol.RecognizerEnd{
			Type:      protocol.TypeRecognizerEnd,
			SessionID: sessionID,
			Cycle:     env.Cycle,
		}}
	}
	return nil
}

// turn speaks one utterance and returns the time from the end of speech to
// the first response (assistant text or audio).
func (r *replayer) turn(text string, cfg options) (time.Duration, error) {
	deadline := time.NewTimer(cfg.turnTimeout)
	defer deadline.Stop()

	if err := r.write(protocol.ClientControl{Type: protocol.TypeClientControl, SessionID: r.sessionID, Action: protocol.ActionMicTap}); err != nil {
		return 0, err
	}

	var (
		spokeAt   time.Time
		responded time.Duration
	)
	for {
		select {
		case err := <-r.readErr:
			return 0, fmt.Errorf("ws read: %w", err)
		case <-deadline.C:
			return 0, fmt.Errorf("timeout after %s", cfg.turnTimeout)
		case env := <-r.events:
			switch {
			case env.Type == string(protocol.TypeRecognizerCommand) && env.Command == protocol.CommandStart && !env.Continuous && spokeAt.IsZero():
				if err := r.speak(env.Cycle, text, cfg.endpoint == "final"); err != nil {
					return 0, err
				}
				spokeAt = time.Now()
				if cfg.endpoint == "silence" {
					// The service endpointer fires after its silence timeout.
					spokeAt = spokeAt.Add(time.Second)
				}
			case env.Type == string(protocol.TypeMessageAppended) && env.Role == "assistant" && responded == 0 && !spokeAt.IsZero():
				responded = time.Since(spokeAt)
			case env.Type == string(protocol.TypeAudioCommand) && env.Command == protocol.CommandPlay:
				if responded == 0 && !spokeAt.IsZero() {
					responded = time.Since(spokeAt)
				}
				go r.finishAudio(env.PlaybackID, cfg.audioDelay)
			case env.Type == string(protocol.TypeNotification) && env.Level == "error" && !spokeAt.IsZero():
				return 0, fmt.Errorf("service reported: %s", env.Text)
			case env.Type == string(protocol.TypeStateChanged) && (env.State == "idle" || env.State == "wake_standby") && responded > 0:
				return responded, nil
			}
		}
	}
}

func (r *replayer) speak(cycle int64, text string, final bool) error {
	partial := protocol.RecognizerResult{
		Type:      protocol.TypeRecognizerResult,
		SessionID: r.sessionID,
		Cycle:     cycle,
		Results:   []protocol.RecognitionResult{{Transcript: text}},
	}
	if err := r.write(partial); err != nil {
		return err
	}
	if !final {
		return nil
	}
	partial.Results[0].IsFinal = true
	return r.write(partial)
}

func (r *replayer) finishAudio(playbackID int64, after time.Duration) {
	time.Sleep(after)
	_ = r.write(protocol.AudioEvent{
		Type:       protocol.TypeAudioEvent,
		SessionID:  r.sessionID,
		PlaybackID: playbackID,
		Event:      "ended",
	})
}

func summarize(latencies []time.Duration) string {
	if len(latencies) == 0 {
		return "perfvoice: no turns"
	}
	sorted := append([]time.Duration(nil), latencies...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })
	pct := func(p float64) time.Duration {
		idx := int(p*float64(len(sorted)) + 0.5)
		if idx < 1 {
			idx = 1
		}
		if idx > len(sorted) {
			idx = len(sorted)
		}
		return sorted[idx-1]
	}
	return fmt.Sprintf("perfvoice: turns=%d p50=%s p95=%s max=%s",
		len(sorted),
		pct(0.50).Round(time.Millisecond),
		pct(0.95).Round(time.Millisecond),
		sorted[len(sorted)-1].Round(time.Millisecond))
}

func createSession(ctx context.Context, client *http.Client, cfg options) (string, error) {
	payload, err := json.Marshal(createSessionRequest{DocID: cfg.docID})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, cfg.baseURL+"/v1/tutor/session", bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	res, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if res.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("HTTP %d: %s", res.StatusCode, strings.TrimSpace(string(body)))
	}

	var out createSessionResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return "", err
	}
	if strings.TrimSpace(out.SessionID) == "" {
		return "", fmt.Errorf("missing session_id in response")
	}
	return out.SessionID, nil
}

func endSession(ctx context.Context, client *http.Client, baseURL, sessionID string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, baseURL+"/v1/tutor/session/"+url.PathEscape(sessionID)+"/end", nil)
	if err != nil {
		return err
	}
	res, err := client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	_, _ = io.Copy(io.Discard, io.LimitReader(res.Body, 1<<20))
	return nil
}

func wsURLForSession(baseURL, sessionID string) (string, error) {
	u, err := url.Parse(strings.TrimSpace(baseURL))
	if err != nil {
		return "", err
	}
	switch strings.ToLower(u.Scheme) {
	case "http":
		u.Scheme = "ws"
	case "https":
		u.Scheme = "wss"
	default:
		return "", fmt.Errorf("unsupported base-url scheme %q", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return "", fmt.Errorf("base-url host is required")
	}
	u.Path = strings.TrimRight(u.Path, "/") + "/v1/tutor/session/ws"
	q := u.Query()
	q.Set("session_id", sessionID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}
