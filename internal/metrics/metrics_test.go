package metrics

import (
	"io"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nerrad567/dragon-core/internal/dragon"
)

type fakeController struct {
	dragon.Controller
	stats dragon.Stats
}

func (f *fakeController) Stats() dragon.Stats { return f.stats }

type fakeLinks struct{ opens, losses uint64 }

func (f fakeLinks) Opens() uint64      { return f.opens }
func (f fakeLinks) LinkLosses() uint64 { return f.losses }

func scrape(t *testing.T, m *Metrics) string {
	t.Helper()
	rec := httptest.NewRecorder()
	m.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/metrics", nil))
	if rec.Code != 200 {
		t.Fatalf("scrape status = %d", rec.Code)
	}
	body, err := io.ReadAll(rec.Body)
	if err != nil {
		t.Fatal(err)
	}
	return string(body)
}

func TestMetrics_Observer(t *testing.T) {
	m := New("dragon-01", nil, nil)

	m.OnEvent(dragon.Event{Kind: dragon.EventStateReport, A: 30, B: 70}, dragon.StateSnapshot{PositionA: 30, PositionB: 70})
	m.OnEvent(dragon.Event{Kind: dragon.EventButtonPressed}, dragon.StateSnapshot{ButtonPressed: true})
	m.OnEvent(dragon.Event{Kind: dragon.EventButtonReleased}, dragon.StateSnapshot{})
	m.OnTransformation(dragon.Transformation{Kind: dragon.KindDirect})
	m.OnTransformation(dragon.Transformation{Kind: dragon.KindObfuscated})
	m.OnTransformation(dragon.Transformation{Kind: dragon.KindObfuscated})
	m.SetConnected(true)

	out := scrape(t, m)
	for _, want := range []string{
		`dragon_events_total{device_id="dragon-01",kind="state_report"} 1`,
		`dragon_events_total{device_id="dragon-01",kind="button_pressed"} 1`,
		`dragon_button_presses_total{device_id="dragon-01"} 1`,
		`dragon_actuator_position_percent{actuator="A",device_id="dragon-01"} 30`,
		`dragon_actuator_position_percent{actuator="B",device_id="dragon-01"} 70`,
		`dragon_transformations_total{device_id="dragon-01",kind="obfuscated"} 2`,
		`dragon_transformations_total{device_id="dragon-01",kind="direct"} 1`,
		`dragon_connected{device_id="dragon-01"} 1`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}
	if strings.Contains(out, "dragon_lines_tx_total") {
		t.Error("line counters registered without a controller")
	}
}

func TestMetrics_StatsAndLinks(t *testing.T) {
	ctrl := &fakeController{stats: dragon.Stats{LinesTx: 5, LinesRx: 7, UnknownLines: 2, ErrorsTotal: 1}}
	m := New("dragon-01", ctrl, fakeLinks{opens: 3, losses: 2})

	m.SetConnected(false)
	out := scrape(t, m)
	for _, want := range []string{
		`dragon_lines_tx_total{device_id="dragon-01"} 5`,
		`dragon_lines_rx_total{device_id="dragon-01"} 7`,
		`dragon_unknown_lines_total{device_id="dragon-01"} 2`,
		`dragon_errors_total{device_id="dragon-01"} 1`,
		`dragon_link_losses_total{device_id="dragon-01"} 2`,
		`dragon_opens_total{device_id="dragon-01"} 3`,
		`dragon_connected{device_id="dragon-01"} 0`,
	} {
		if !strings.Contains(out, want) {
			t.Errorf("scrape missing %q", want)
		}
	}

	ctrl.stats.LinesTx = 9
	if out := scrape(t, m); !strings.Contains(out, `dragon_lines_tx_total{device_id="dragon-01"} 9`) {
		t.Error("line counter not read at scrape time")
	}
}
