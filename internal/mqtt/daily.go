package mqtt

import (
	"sync"
	"time"
)

// TurnSummary is the JSON published for each completed turn.
type TurnSummary struct {
	TurnID         string    `json:"turn_id"`
	Timestamp      time.Time `json:"timestamp"`
	TopicSource    string    `json:"topic_source"`
	ArticleTitle   string    `json:"article_title,omitempty"`
	Suggestion     bool      `json:"suggestion"`
	CorrectionType string    `json:"correction_type,omitempty"`
	Fragments      int       `json:"fragments"`
	DurationMS     int64     `json:"duration_ms"`
}

// DailyStats counts turns since local midnight. It is safe for
// concurrent use.
type DailyStats struct {
	mu          sync.Mutex
	turns       int64
	corrections int64
	articles    int64
	last        time.Time
	day         int
	loc         *time.Location
	now         func() time.Time
}

// NewDailyStats creates counters that reset at midnight in loc, or
// [time.Local] when loc is nil.
func NewDailyStats(loc *time.Location) *DailyStats {
	if loc == nil {
		loc = time.Local
	}
	d := &DailyStats{loc: loc, now: time.Now}
	d.day = d.now().In(loc).YearDay()
	return d
}

// Record counts one turn.
func (d *DailyStats) Record(s TurnSummary) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	d.turns++
	if s.Suggestion {
		d.corrections++
	}
	if s.TopicSource == "fetched" {
		d.articles++
	}
	d.last = s.Timestamp
}

// Snapshot returns today's counts and the time of the last turn.
func (d *DailyStats) Snapshot() (turns, corrections, articles int64, last time.Time) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.rollover()
	return d.turns, d.corrections, d.articles, d.last
}

// rollover zeroes the counters on a new local day. d.mu must be held.
func (d *DailyStats) rollover() {
	if today := d.now().In(d.loc).YearDay(); today != d.day {
		d.turns, d.corrections, d.articles = 0, 0, 0
		d.day = today
	}
}
