package progress

import (
	"fmt"
	"sync"
	"time"

	"github.com/idocinthebox/Advanced-Tape-Restorer/internal/restore"
)

// Tracker converts raw samples into debounced, monotonic progress reports
// with an ETA extrapolated from the observed rate. Within one run the
// reported percent never decreases; a parser misread that would move it
// backwards is discarded. Safe for use from the sampling goroutine.
type Tracker struct {
	mu        sync.Mutex
	total     int
	start     time.Time
	now       func() time.Time
	lastUnits int
	lastPct   float64
}

// NewTracker creates a tracker for a run of total units. A total of zero or
// less means the total is unknown and reports stay indeterminate.
func NewTracker(total int) *Tracker {
	return &Tracker{
		total:   total,
		now:     time.Now,
		lastPct: -1,
	}
}

// SetTotal installs a late-arriving total unit count.
func (t *Tracker) SetTotal(total int) {
	t.mu.Lock()
	t.total = total
	t.mu.Unlock()
}

// Observe folds one sample into the tracker. It returns a report and true
// only when the sample moves progress forward; unchanged or backwards
// samples are dropped so callers can debounce their progress callbacks.
func (t *Tracker) Observe(s Sample) (restore.Progress, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.start.IsZero() {
		t.start = t.now()
	}

	if s.UnitsDone <= t.lastUnits && t.lastUnits > 0 {
		return restore.Progress{}, false
	}
	t.lastUnits = s.UnitsDone

	p := restore.Progress{Percent: -1, Rate: s.Rate}

	if t.total > 0 {
		pct := float64(s.UnitsDone) / float64(t.total) * 100
		if pct > 100 {
			pct = 100
		}
		if pct < t.lastPct {
			return restore.Progress{}, false
		}
		t.lastPct = pct
		p.Percent = pct

		elapsed := t.now().Sub(t.start)
		if elapsed > 0 && s.UnitsDone > 0 {
			rate := s.Rate
			if rate <= 0 {
				rate = float64(s.UnitsDone) / elapsed.Seconds()
			}
			if rate > 0 {
				remaining := t.total - s.UnitsDone
				p.ETA = time.Duration(float64(remaining)/rate) * time.Second
				p.ETAKnown = true
			}
		}
	}

	return p, true
}

// Units returns the highest unit count observed so far.
func (t *Tracker) Units() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.lastUnits
}

// FormatETA renders a duration as H:MM:SS. Unknown or absurd values (over
// two days) render as "--:--:--".
func FormatETA(eta time.Duration, known bool) string {
	if !known || eta < 0 || eta > 48*time.Hour {
		return "--:--:--"
	}
	secs := int(eta.Seconds())
	return fmt.Sprintf("%d:%02d:%02d", secs/3600, (secs%3600)/60, secs%60)
}
