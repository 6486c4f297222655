package app

import (
	"time"

	"tend/internal/delivery"
	"tend/internal/dispatcher"
	"tend/internal/housekeeping"
	rtsup "tend/internal/runtime/supervisor"
)

// Health is the body of GET /api/health.
type Health struct {
	Status        string                    `json:"status"`
	Uptime        string                    `json:"uptime"`
	MeetingMode   bool                      `json:"meeting_mode"`
	Dispatcher    dispatcher.Stats          `json:"dispatcher"`
	Delivery      DeliveryHealth            `json:"delivery"`
	Housekeeping  HousekeepingHealth        `json:"housekeeping"`
	Supervisors   map[string]rtsup.Snapshot `json:"supervisors"`
	EventsDropped uint64                    `json:"events_dropped"` // lost to slow subscribers
}

type DeliveryHealth struct {
	Backends []string               `json:"backends"`
	Recent   []delivery.HistoryItem `json:"recent,omitempty"`
}

type HousekeepingHealth struct {
	Enabled bool                `json:"enabled"`
	Next    time.Time           `json:"next,omitempty"`
	Last    housekeeping.Result `json:"last"`
}

const healthRecent = 10

// Health snapshots every component. It never blocks on the store.
func (a *App) Health() Health {
	st := a.disp.Stats()
	h := Health{
		Status:        "ok",
		MeetingMode:   a.supp.Cached(),
		Dispatcher:    st,
		Delivery:      DeliveryHealth{Backends: a.deliv.BackendNames()},
		Housekeeping:  HousekeepingHealth{Enabled: a.hk.Enabled(), Next: a.hk.Next(), Last: a.hk.Last()},
		Supervisors:   map[string]rtsup.Snapshot{},
		EventsDropped: a.bus.Dropped(),
	}
	if !a.startedAt.IsZero() {
		h.Uptime = time.Since(a.startedAt).Round(time.Second).String()
	}
	if hist := a.deliv.History(); len(hist) > healthRecent {
		h.Delivery.Recent = hist[len(hist)-healthRecent:]
	} else {
		h.Delivery.Recent = hist
	}

	if a.sup != nil {
		h.Supervisors["app"] = a.sup.Snapshot()
	}
	if s := a.deliv.Supervisor(); s != nil {
		h.Supervisors["delivery"] = s.Snapshot()
	}
	if s := a.api.Supervisor(); s != nil {
		h.Supervisors["api"] = s.Snapshot()
	}

	switch {
	case !a.dispEnabled:
		h.Status = "dispatcher_disabled"
	case !ticksFresh(st, time.Now()):
		h.Status = "stale"
	}
	return h
}

// ticksFresh reports whether the dispatcher ticked recently enough to be
// considered alive. A loop that has not ticked yet counts as fresh.
func ticksFresh(st dispatcher.Stats, now time.Time) bool {
	if st.LastTickAt.IsZero() {
		return true
	}
	interval := st.Interval
	if interval <= 0 {
		interval = dispatcher.DefaultInterval
	}
	// One tick may legitimately spend DeliverTimeout per due record; allow slack.
	return now.Sub(st.LastTickAt) <= 3*interval+2*dispatcher.DefaultDeliverTimeout
}
