package pipeline

import (
	"sort"
	"time"

	"github.com/zsiec/mosaic/egress"
	"github.com/zsiec/mosaic/feed"
)

// Snapshot is a point-in-time view of pipeline health, suitable for JSON
// serialization by the control surface's status endpoint.
type Snapshot struct {
	State    string             `json:"state"`
	UptimeMs int64              `json:"uptimeMs"`
	Ticks    int64              `json:"ticks"`
	Session  string             `json:"session"`
	Feeds    []feed.Stats       `json:"feeds"`
	Egress   egress.BridgeStats `json:"egress"`
	Error    string             `json:"error,omitempty"`
}

// Snapshot collects current state from every component. Safe to call in
// any pipeline state.
func (c *Controller) Snapshot() Snapshot {
	snap := Snapshot{
		State: c.State().String(),
		Ticks: c.ticks.Load(),
	}
	if err := c.Err(); err != nil {
		snap.Error = err.Error()
	}

	c.feedsMu.RLock()
	for _, a := range c.feeds {
		snap.Feeds = append(snap.Feeds, a.Stats())
	}
	c.feedsMu.RUnlock()
	sort.Slice(snap.Feeds, func(i, j int) bool { return snap.Feeds[i].Slot < snap.Feeds[j].Slot })

	c.mu.Lock()
	if !c.startedAt.IsZero() && c.done != nil {
		snap.UptimeMs = time.Since(c.startedAt).Milliseconds()
	}
	if c.neg != nil {
		snap.Session = c.neg.State().String()
	} else {
		snap.Session = "none"
	}
	if c.bridge != nil {
		snap.Egress = c.bridge.Stats()
	}
	c.mu.Unlock()

	return snap
}
