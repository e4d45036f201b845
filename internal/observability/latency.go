package observability

import (
	"math"
	"sort"
	"sync"
	"time"
)

// Pipeline phases tracked by the latency window.
const (
	PhaseWakeToVoice        = "wake_to_voice"
	PhaseCapture            = "capture"
	PhaseStopToTranscript   = "stop_to_transcript"
	PhaseTranscriptToIntent = "transcript_to_intent"
	PhaseIntentToHandled    = "intent_to_handled"
	PhaseHandledToPlayed    = "handled_to_played"
	PhaseIterationTotal     = "iteration_total"
)

var phaseOrder = []string{
	PhaseWakeToVoice,
	PhaseCapture,
	PhaseStopToTranscript,
	PhaseTranscriptToIntent,
	PhaseIntentToHandled,
	PhaseHandledToPlayed,
	PhaseIterationTotal,
}

// Budget holds the time limits a pipeline runs under. Read bounds a single
// component reply after capture; Command bounds a command from wake to the
// end of voice.
type Budget struct {
	Read    time.Duration
	Command time.Duration
}

// limit returns the budget a phase is measured against, or zero when the
// phase has none.
func (b Budget) limit(phase string) time.Duration {
	switch phase {
	case PhaseWakeToVoice, PhaseCapture:
		return b.Command
	case PhaseStopToTranscript, PhaseTranscriptToIntent, PhaseIntentToHandled:
		return b.Read
	}
	return 0
}

type PhaseStats struct {
	Phase      string  `json:"phase"`
	Samples    int     `json:"samples"`
	LastMS     float64 `json:"last_ms"`
	AvgMS      float64 `json:"avg_ms"`
	P50MS      float64 `json:"p50_ms"`
	P95MS      float64 `json:"p95_ms"`
	MaxMS      float64 `json:"max_ms"`
	BudgetMS   float64 `json:"budget_ms,omitempty"`
	OverBudget int     `json:"over_budget"`
}

type Count struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// PipelineLatency is the recent latency picture of one pipeline. Outcomes
// count finished iterations; indicators count notable capture events such
// as a vad timeout.
type PipelineLatency struct {
	Pipeline   string       `json:"pipeline"`
	Phases     []PhaseStats `json:"phases"`
	Outcomes   []Count      `json:"outcomes"`
	Indicators []Count      `json:"indicators"`
}

type LatencySnapshot struct {
	GeneratedAt time.Time         `json:"generated_at"`
	WindowSize  int               `json:"window_size"`
	Pipelines   []PipelineLatency `json:"pipelines"`
}

// Pipeline returns the entry for name.
func (s LatencySnapshot) Pipeline(name string) (PipelineLatency, bool) {
	for _, p := range s.Pipelines {
		if p.Pipeline == name {
			return p, true
		}
	}
	return PipelineLatency{}, false
}

// Phase returns the stats for phase.
func (p PipelineLatency) Phase(phase string) (PhaseStats, bool) {
	for _, s := range p.Phases {
		if s.Phase == phase {
			return s, true
		}
	}
	return PhaseStats{}, false
}

// latencyWindow keeps the last size samples of every phase per pipeline.
type latencyWindow struct {
	mu        sync.Mutex
	size      int
	pipelines map[string]*pipelineWindow
}

type pipelineWindow struct {
	budget     Budget
	samples    map[string][]float64
	outcomes   map[string]int
	indicators map[string]int
}

func newLatencyWindow(size int) *latencyWindow {
	if size <= 0 {
		size = 256
	}
	return &latencyWindow{size: size, pipelines: make(map[string]*pipelineWindow)}
}

// pipeline must be called with mu held.
func (w *latencyWindow) pipeline(name string) *pipelineWindow {
	p := w.pipelines[name]
	if p == nil {
		p = &pipelineWindow{
			samples:    make(map[string][]float64),
			outcomes:   make(map[string]int),
			indicators: make(map[string]int),
		}
		w.pipelines[name] = p
	}
	return p
}

func (w *latencyWindow) SetBudget(pipeline string, b Budget) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pipeline(pipeline).budget = b
}

func (w *latencyWindow) Observe(pipeline, phase string, ms float64) {
	if phase == "" || math.IsNaN(ms) || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	p := w.pipeline(pipeline)
	s := p.samples[phase]
	if len(s) == w.size {
		copy(s, s[1:])
		s = s[:len(s)-1]
	}
	p.samples[phase] = append(s, ms)
}

func (w *latencyWindow) ObserveOutcome(pipeline, outcome string) {
	if outcome == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pipeline(pipeline).outcomes[outcome]++
}

func (w *latencyWindow) ObserveIndicator(pipeline, name string) {
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.pipeline(pipeline).indicators[name]++
}

// Snapshot reports every pipeline, or only the named one when pipeline is
// not empty.
func (w *latencyWindow) Snapshot(pipeline string) LatencySnapshot {
	w.mu.Lock()
	defer w.mu.Unlock()

	snap := LatencySnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Pipelines:   []PipelineLatency{},
	}
	names := make([]string, 0, len(w.pipelines))
	for name := range w.pipelines {
		if pipeline == "" || name == pipeline {
			names = append(names, name)
		}
	}
	sort.Strings(names)
	for _, name := range names {
		p := w.pipelines[name]
		out := PipelineLatency{
			Pipeline:   name,
			Phases:     []PhaseStats{},
			Outcomes:   sortedCounts(p.outcomes),
			Indicators: sortedCounts(p.indicators),
		}
		for _, phase := range phasesOf(p.samples) {
			out.Phases = append(out.Phases, phaseStats(phase, p.samples[phase], p.budget.limit(phase)))
		}
		snap.Pipelines = append(snap.Pipelines, out)
	}
	return snap
}

// phasesOf lists the known phases in pipeline order, then any others by name.
func phasesOf(samples map[string][]float64) []string {
	known := make(map[string]bool, len(phaseOrder))
	var out []string
	for _, phase := range phaseOrder {
		known[phase] = true
		if len(samples[phase]) > 0 {
			out = append(out, phase)
		}
	}
	var extra []string
	for phase, s := range samples {
		if !known[phase] && len(s) > 0 {
			extra = append(extra, phase)
		}
	}
	sort.Strings(extra)
	return append(out, extra...)
}

func phaseStats(phase string, samples []float64, budget time.Duration) PhaseStats {
	sorted := append([]float64(nil), samples...)
	sort.Float64s(sorted)

	var sum float64
	for _, v := range sorted {
		sum += v
	}
	st := PhaseStats{
		Phase:   phase,
		Samples: len(sorted),
		LastMS:  round2(samples[len(samples)-1]),
		AvgMS:   round2(sum / float64(len(sorted))),
		P50MS:   round2(nearestRank(sorted, 0.50)),
		P95MS:   round2(nearestRank(sorted, 0.95)),
		MaxMS:   round2(sorted[len(sorted)-1]),
	}
	if budget > 0 {
		limit := float64(budget) / float64(time.Millisecond)
		st.BudgetMS = round2(limit)
		st.OverBudget = len(sorted) - sort.SearchFloat64s(sorted, math.Nextafter(limit, math.Inf(1)))
	}
	return st
}

// nearestRank expects sorted to be non-empty and ascending.
func nearestRank(sorted []float64, q float64) float64 {
	i := int(math.Ceil(q*float64(len(sorted)))) - 1
	if i < 0 {
		i = 0
	}
	return sorted[i]
}

func sortedCounts(m map[string]int) []Count {
	out := make([]Count, 0, len(m))
	for name, n := range m {
		out = append(out, Count{Name: name, Count: n})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
