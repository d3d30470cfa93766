package lifecycle

import (
	"testing"
	"time"
)

func TestDiagnostics(t *testing.T) {
	t.Run("summary_rates_and_percentiles", func(t *testing.T) {
		d := NewDiagnostics()

		latencies := []time.Duration{
			100 * time.Millisecond, 200 * time.Millisecond, 300 * time.Millisecond,
			400 * time.Millisecond, 2 * time.Second,
		}
		for i, lat := range latencies {
			conf := "conf_" + string(rune('a'+i))
			d.RecordAccept(conf, 1, lat)
			d.RecordEnd(Trace{Conference: conf, Outcome: "completed"})
		}
		d.RecordEnd(Trace{Conference: "conf_f", Outcome: "failed", FailureReason: "accept"})
		d.RecordEnd(Trace{Conference: "conf_g", Outcome: "timeout"})

		s := d.Summarize(3)
		if s.TotalCalls != 7 {
			t.Errorf("TotalCalls = %d, want 7", s.TotalCalls)
		}
		if s.SuccessfulCalls != 5 {
			t.Errorf("SuccessfulCalls = %d, want 5", s.SuccessfulCalls)
		}
		if s.DBErrors != 3 {
			t.Errorf("DBErrors = %d, want 3", s.DBErrors)
		}
		// Failure rate counts failed+timeout over all; adjusted excludes
		// timeouts from the denominator.
		if want := 2.0 / 7.0; s.FailureRate < want-0.001 || s.FailureRate > want+0.001 {
			t.Errorf("FailureRate = %f, want %f", s.FailureRate, want)
		}
		if want := 1.0 / 6.0; s.AdjustedFailureRate < want-0.001 || s.AdjustedFailureRate > want+0.001 {
			t.Errorf("AdjustedFailureRate = %f, want %f", s.AdjustedFailureRate, want)
		}
		if s.AcceptLatencyP50MS != 300 {
			t.Errorf("p50 = %dms, want 300", s.AcceptLatencyP50MS)
		}
		if s.AcceptLatencyP95MS != 2000 {
			t.Errorf("p95 = %dms, want 2000", s.AcceptLatencyP95MS)
		}
	})

	t.Run("recent_failures_newest_first", func(t *testing.T) {
		d := NewDiagnostics()
		d.RecordEnd(Trace{Conference: "conf_ok", Outcome: "completed"})
		d.RecordEnd(Trace{Conference: "conf_1", Outcome: "failed"})
		d.RecordEnd(Trace{Conference: "conf_2", Outcome: "timeout"})

		got := d.RecentFailures(10)
		if len(got) != 2 {
			t.Fatalf("failures = %d, want 2", len(got))
		}
		if got[0].Conference != "conf_2" || got[1].Conference != "conf_1" {
			t.Errorf("order = %s, %s; want newest first", got[0].Conference, got[1].Conference)
		}

		if got := d.RecentFailures(1); len(got) != 1 {
			t.Errorf("limit not applied: %d", len(got))
		}
	})

	t.Run("accept_info_attached_to_trace", func(t *testing.T) {
		d := NewDiagnostics()
		d.RecordAccept("conf_x", 3, 700*time.Millisecond)
		d.RecordEnd(Trace{Conference: "conf_x", Outcome: "failed"})

		got := d.RecentFailures(1)
		if got[0].AcceptAttempts != 3 || got[0].AcceptLatencyMS != 700 {
			t.Errorf("trace = %+v", got[0])
		}
	})
}
