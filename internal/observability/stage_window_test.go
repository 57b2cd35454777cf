package observability

import (
	"testing"
	"time"
)

func TestStageWindowSnapshot(t *testing.T) {
	w := newStageWindow(8)
	w.Observe("speech_stop_to_first_audio", 500)
	w.Observe("speech_stop_to_first_audio", 700)
	w.Observe("speech_stop_to_first_audio", 900)
	w.Observe("truncated_audio", -1)
	w.ObserveIndicator("interruption")
	w.ObserveIndicator("interruption")

	snap := w.Snapshot()
	if snap.WindowSize != 8 {
		t.Fatalf("WindowSize = %d, want 8", snap.WindowSize)
	}
	if len(snap.Stages) != 1 {
		t.Fatalf("len(Stages) = %d, want 1", len(snap.Stages))
	}
	s := snap.Stages[0]
	if s.Samples != 3 || s.LastMS != 900 || s.P50MS != 700 || s.MaxMS != 900 {
		t.Fatalf("unexpected stats: %+v", s)
	}
	if s.P95MS <= 700 || s.P95MS > 900 {
		t.Fatalf("P95MS = %.2f, want (700,900]", s.P95MS)
	}
	if s.TargetP95MS != 1200 {
		t.Fatalf("TargetP95MS = %.2f, want 1200", s.TargetP95MS)
	}
	if len(snap.Indicators) != 1 || snap.Indicators[0].Count != 2 {
		t.Fatalf("Indicators = %+v, want interruption x2", snap.Indicators)
	}
}

func TestStageWindowWrapsAround(t *testing.T) {
	w := newStageWindow(2)
	w.Observe("model_dial", 10)
	w.Observe("model_dial", 20)
	w.Observe("model_dial", 30)

	s := w.Snapshot().Stages[0]
	if s.Samples != 2 {
		t.Fatalf("Samples = %d, want 2", s.Samples)
	}
	if s.AvgMS != 25 {
		t.Fatalf("AvgMS = %.2f, want 25", s.AvgMS)
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.CallStarted()
	m.Interruption(20)
	m.ToolCall("booked")
	m.ObserveStage("model_dial", time.Second)
	if snap := m.SnapshotStages(); len(snap.Stages) != 0 {
		t.Fatalf("len(Stages) = %d, want 0", len(snap.Stages))
	}
}

func TestMetricsRecordStages(t *testing.T) {
	m := NewMetrics("observability_test_stages")
	m.Interruption(240)
	m.ObserveStage("model_dial", 150*time.Millisecond)

	snap := m.SnapshotStages()
	if len(snap.Stages) != 2 {
		t.Fatalf("len(Stages) = %d, want 2", len(snap.Stages))
	}
	if snap.Stages[0].Stage != "model_dial" || snap.Stages[0].LastMS != 150 {
		t.Fatalf("Stages[0] = %+v, want model_dial 150ms", snap.Stages[0])
	}
	if snap.Stages[1].Stage != "truncated_audio" || snap.Stages[1].LastMS != 240 {
		t.Fatalf("Stages[1] = %+v, want truncated_audio 240ms", snap.Stages[1])
	}
}
