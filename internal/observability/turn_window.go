package observability

import (
	"math"
	"slices"
	"strings"
	"sync"
	"time"
)

// Latency stages of a tutoring turn, in the order they happen.
const (
	StageWakeToListening   = "wake_to_listening"
	StageListenToFinal     = "listen_to_final"
	StageDispatchRoundtrip = "dispatch_roundtrip"
	StageFinalToAudio      = "final_to_audio_start"
)

var turnStageOrder = []string{
	StageWakeToListening,
	StageListenToFinal,
	StageDispatchRoundtrip,
	StageFinalToAudio,
}

// p95 budgets in milliseconds. listen_to_final includes the user speaking,
// so it has no budget.
var turnStageBudgets = map[string]float64{
	StageWakeToListening:   400,
	StageDispatchRoundtrip: 2500,
	StageFinalToAudio:      3000,
}

type TurnStageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
	OverTarget  int     `json:"over_target,omitempty"`
}

type TurnIndicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type TurnStageSnapshot struct {
	GeneratedAt time.Time        `json:"generated_at"`
	WindowSize  int              `json:"window_size"`
	Stages      []TurnStageStats `json:"stages"`
	Indicators  []TurnIndicator  `json:"indicators,omitempty"`
}

// turnWindow keeps the most recent samples per stage and lifetime counts of
// turn indicators such as barge-ins and forced finals.
type turnWindow struct {
	mu         sync.Mutex
	size       int
	samples    map[string]*sampleRing
	indicators map[string]int
}

type sampleRing struct {
	buf  []float64
	head int
	n    int
	last float64
}

func (r *sampleRing) push(v float64) {
	r.buf[r.head] = v
	r.head = (r.head + 1) % len(r.buf)
	if r.n < len(r.buf) {
		r.n++
	}
	r.last = v
}

func (r *sampleRing) sorted() []float64 {
	out := slices.Clone(r.buf[:r.n])
	slices.Sort(out)
	return out
}

func newTurnWindow(size int) *turnWindow {
	if size <= 0 {
		size = 256
	}
	return &turnWindow{
		size:       size,
		samples:    make(map[string]*sampleRing),
		indicators: make(map[string]int),
	}
}

func (w *turnWindow) Observe(stage string, ms float64) {
	stage = strings.TrimSpace(stage)
	if stage == "" || ms < 0 || math.IsNaN(ms) {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	ring := w.samples[stage]
	if ring == nil {
		ring = &sampleRing{buf: make([]float64, w.size)}
		w.samples[stage] = ring
	}
	ring.push(ms)
}

func (w *turnWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	w.indicators[name]++
	w.mu.Unlock()
}

// Snapshot reports known stages first, in turn order, then any others by name.
func (w *turnWindow) Snapshot() TurnStageSnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	names := make([]string, 0, len(w.samples))
	for _, stage := range turnStageOrder {
		if _, ok := w.samples[stage]; ok {
			names = append(names, stage)
		}
	}
	var extra []string
	for stage := range w.samples {
		if !slices.Contains(turnStageOrder, stage) {
			extra = append(extra, stage)
		}
	}
	slices.Sort(extra)
	names = append(names, extra...)

	snap := TurnStageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      make([]TurnStageStats, 0, len(names)),
	}
	for _, stage := range names {
		ring := w.samples[stage]
		if ring.n == 0 {
			continue
		}
		snap.Stages = append(snap.Stages, summarize(stage, ring))
	}

	indicatorNames := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorNames = append(indicatorNames, name)
	}
	slices.Sort(indicatorNames)
	for _, name := range indicatorNames {
		snap.Indicators = append(snap.Indicators, TurnIndicator{Name: name, Count: w.indicators[name]})
	}
	return snap
}

func summarize(stage string, ring *sampleRing) TurnStageStats {
	values := ring.sorted()
	budget := turnStageBudgets[stage]
	sum, over := 0.0, 0
	for _, v := range values {
		sum += v
		if budget > 0 && v > budget {
			over++
		}
	}
	return TurnStageStats{
		Stage:       stage,
		Samples:     len(values),
		LastMS:      round2(ring.last),
		AvgMS:       round2(sum / float64(len(values))),
		P50MS:       round2(percentile(values, 0.50)),
		P95MS:       round2(percentile(values, 0.95)),
		MaxMS:       round2(values[len(values)-1]),
		TargetP95MS: budget,
		OverTarget:  over,
	}
}

// percentile interpolates linearly between the closest ranks of sorted.
func percentile(sorted []float64, q float64) float64 {
	switch {
	case len(sorted) == 0:
		return 0
	case q <= 0:
		return sorted[0]
	case q >= 1:
		return sorted[len(sorted)-1]
	}
	pos := q * float64(len(sorted)-1)
	lo := int(pos)
	if lo+1 >= len(sorted) {
		return sorted[lo]
	}
	frac := pos - float64(lo)
	return sorted[lo] + (sorted[lo+1]-sorted[lo])*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
