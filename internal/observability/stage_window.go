package observability

import (
	"math"
	"sort"
	"strings"
	"sync"
	"time"
)

type StageStats struct {
	Stage       string  `json:"stage"`
	Samples     int     `json:"samples"`
	LastMS      float64 `json:"last_ms"`
	AvgMS       float64 `json:"avg_ms"`
	P50MS       float64 `json:"p50_ms"`
	P95MS       float64 `json:"p95_ms"`
	MaxMS       float64 `json:"max_ms"`
	TargetP95MS float64 `json:"target_p95_ms,omitempty"`
}

type Indicator struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

type StageSnapshot struct {
	GeneratedAt time.Time    `json:"generated_at"`
	WindowSize  int          `json:"window_size"`
	Stages      []StageStats `json:"stages"`
	Indicators  []Indicator  `json:"indicators,omitempty"`
}

// stageWindow keeps the most recent samples per relay stage in a ring.
type stageWindow struct {
	mu         sync.RWMutex
	size       int
	rings      map[string]*ring
	indicators map[string]int
}

type ring struct {
	values []float64
	next   int
	full   bool
	last   float64
}

func newStageWindow(size int) *stageWindow {
	if size <= 0 {
		size = 256
	}
	return &stageWindow{
		size:       size,
		rings:      make(map[string]*ring),
		indicators: make(map[string]int),
	}
}

func (w *stageWindow) Observe(stage string, ms float64) {
	if stage == "" || ms < 0 {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()

	r, ok := w.rings[stage]
	if !ok {
		r = &ring{values: make([]float64, w.size)}
		w.rings[stage] = r
	}
	r.values[r.next] = ms
	r.last = ms
	r.next++
	if r.next == len(r.values) {
		r.next = 0
		r.full = true
	}
}

func (w *stageWindow) ObserveIndicator(name string) {
	name = strings.TrimSpace(name)
	if name == "" {
		return
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	w.indicators[name]++
}

func (w *stageWindow) Snapshot() StageSnapshot {
	w.mu.RLock()
	defer w.mu.RUnlock()

	names := make([]string, 0, len(w.rings))
	for name := range w.rings {
		names = append(names, name)
	}
	sort.Strings(names)

	stages := make([]StageStats, 0, len(names))
	for _, name := range names {
		r := w.rings[name]
		n := r.next
		if r.full {
			n = len(r.values)
		}
		if n == 0 {
			continue
		}
		samples := append([]float64(nil), r.values[:n]...)
		sort.Float64s(samples)
		sum := 0.0
		for _, v := range samples {
			sum += v
		}
		stages = append(stages, StageStats{
			Stage:       name,
			Samples:     n,
			LastMS:      round2(r.last),
			AvgMS:       round2(sum / float64(n)),
			P50MS:       round2(quantile(samples, 0.50)),
			P95MS:       round2(quantile(samples, 0.95)),
			MaxMS:       round2(samples[n-1]),
			TargetP95MS: stageTargetP95MS(name),
		})
	}

	indicatorNames := make([]string, 0, len(w.indicators))
	for name := range w.indicators {
		indicatorNames = append(indicatorNames, name)
	}
	sort.Strings(indicatorNames)
	indicators := make([]Indicator, 0, len(indicatorNames))
	for _, name := range indicatorNames {
		indicators = append(indicators, Indicator{Name: name, Count: w.indicators[name]})
	}

	return StageSnapshot{
		GeneratedAt: time.Now().UTC(),
		WindowSize:  w.size,
		Stages:      stages,
		Indicators:  indicators,
	}
}

func quantile(sorted []float64, q float64) float64 {
	if len(sorted) == 0 {
		return 0
	}
	if q <= 0 {
		return sorted[0]
	}
	if q >= 1 {
		return sorted[len(sorted)-1]
	}
	idx := q * float64(len(sorted)-1)
	lo := int(math.Floor(idx))
	hi := int(math.Ceil(idx))
	if lo == hi {
		return sorted[lo]
	}
	frac := idx - float64(lo)
	return sorted[lo]*(1-frac) + sorted[hi]*frac
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}

func stageTargetP95MS(stage string) float64 {
	switch stage {
	case "model_dial":
		return 800
	case "speech_stop_to_first_audio":
		return 1200
	case "tool_save":
		return 500
	default:
		return 0
	}
}
