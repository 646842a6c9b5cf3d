package interactions

import (
	"math"
	"time"

	"github.com/fieldops/layoutd/internal/analyzer"
)

// DefaultEpoch anchors decayed sums. Weights grow as e^(λ·(t-epoch)), so
// increments made at different times can be added in any order and scaled
// back to the present on read.
var DefaultEpoch = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)

// Decay converts event times into weights for an exponential decay with a
// fixed half-life
type Decay struct {
	lambda float64 // per hour
	epoch  time.Time
}

// NewDecay creates a decay with the given half-life. A non-positive
// half-life disables decay.
func NewDecay(halfLife time.Duration, epoch time.Time) Decay {
	if halfLife <= 0 {
		return Decay{epoch: epoch}
	}
	return Decay{lambda: math.Ln2 / halfLife.Hours(), epoch: epoch}
}

// Weight is the stored increment of an event at t
func (d Decay) Weight(t time.Time) float64 {
	return math.Exp(d.lambda * t.Sub(d.epoch).Hours())
}

// Factor scales a stored sum to its decayed value at now
func (d Decay) Factor(now time.Time) float64 {
	return math.Exp(-d.lambda * now.Sub(d.epoch).Hours())
}

// Apply returns c with every stored sum scaled to its value at now
func (d Decay) Apply(c analyzer.Counters, now time.Time) analyzer.Counters {
	f := d.Factor(now)
	out := analyzer.Counters{
		Fields:       make(map[string]analyzer.FieldCounters, len(c.Fields)),
		Sessions:     make(map[string]float64, len(c.Sessions)),
		CoOccurrence: make(map[string]map[string]float64, len(c.CoOccurrence)),
	}
	for name, fc := range c.Fields {
		out.Fields[name] = analyzer.FieldCounters{
			Views:   fc.Views * f,
			Edits:   fc.Edits * f,
			Filters: fc.Filters * f,
			Sorts:   fc.Sorts * f,
		}
	}
	for name, v := range c.Sessions {
		out.Sessions[name] = v * f
	}
	for a, row := range c.CoOccurrence {
		out.CoOccurrence[a] = make(map[string]float64, len(row))
		for b, v := range row {
			out.CoOccurrence[a][b] = v * f
		}
	}
	return out
}
