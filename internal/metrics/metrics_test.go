package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestRecordExitIncrementsByReason(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordExit("stop_loss")
	m.RecordExit("stop_loss")
	m.RecordExit("take_profit")

	if v := testutil.ToFloat64(m.ExitsTotal.WithLabelValues("stop_loss")); v != 2 {
		t.Errorf("expected 2 stop_loss exits, got %f", v)
	}
	if v := testutil.ToFloat64(m.ExitsTotal.WithLabelValues("take_profit")); v != 1 {
		t.Errorf("expected 1 take_profit exit, got %f", v)
	}
}

func TestRecordRegimeTransitionUpdatesGaugeAndCounter(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordRegimeTransition("STRONG_BULL", 0)
	m.RecordRegimeTransition("HIGH_VOL", 5)

	if v := testutil.ToFloat64(m.RegimeTransitions.WithLabelValues("HIGH_VOL")); v != 1 {
		t.Errorf("expected 1 transition into HIGH_VOL, got %f", v)
	}
	if v := testutil.ToFloat64(m.CurrentRegime); v != 5 {
		t.Errorf("expected current regime gauge 5, got %f", v)
	}
}

func TestRecordFilterRejectionLabelsByStage(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.RecordFilterRejection("spread_cap")
	m.RecordFilterRejection("spread_cap")
	m.RecordFilterRejection("concentration_cap")
	m.FilterPasses.Inc()

	if v := testutil.ToFloat64(m.FilterRejections.WithLabelValues("spread_cap")); v != 2 {
		t.Errorf("expected 2 spread_cap rejections, got %f", v)
	}
	if v := testutil.ToFloat64(m.FilterRejections.WithLabelValues("concentration_cap")); v != 1 {
		t.Errorf("expected 1 concentration_cap rejection, got %f", v)
	}
	if v := testutil.ToFloat64(m.FilterPasses); v != 1 {
		t.Errorf("expected 1 filter pass, got %f", v)
	}
}

func TestGridMetricsTrackPlacementsAndLevel(t *testing.T) {
	m := NewWithRegistry(prometheus.NewRegistry())

	m.GridRungsPlaced.Inc()
	m.GridRungsPlaced.Inc()
	m.GridRungsFailed.Inc()
	m.GridActiveLevel.WithLabelValues("BTC/USD").Set(3)

	if v := testutil.ToFloat64(m.GridRungsPlaced); v != 2 {
		t.Errorf("expected 2 rungs placed, got %f", v)
	}
	if v := testutil.ToFloat64(m.GridRungsFailed); v != 1 {
		t.Errorf("expected 1 rung failed, got %f", v)
	}
	if v := testutil.ToFloat64(m.GridActiveLevel.WithLabelValues("BTC/USD")); v != 3 {
		t.Errorf("expected active level 3, got %f", v)
	}
}
