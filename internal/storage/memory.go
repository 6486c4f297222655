package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"tend/internal/schedule"
)

// Memory is an in-process schedule store. All reads return copies, so a
// reader sees a record either before or after MarkDelivered, never between.
type Memory struct {
	mu       sync.RWMutex
	closed   bool
	seq      int64
	rows     []schedule.Notification
	settings map[string]string

	// Now stamps created_at/delivered_at bookkeeping; defaults to time.Now.
	Now func() time.Time
}

func NewMemory() *Memory {
	return &Memory{settings: map[string]string{}, Now: time.Now}
}

func (m *Memory) Close() error {
	m.mu.Lock()
	m.closed = true
	m.mu.Unlock()
	return nil
}

func (m *Memory) Insert(ctx context.Context, d schedule.Draft) (int64, error) {
	return m.InsertRaw(ctx, d.Title, d.Message, schedule.FormatTime(d.At), d.Urgent)
}

// InsertRaw stores a record with an unvalidated scheduled time string.
// Used to import legacy data and to exercise corrupt-record handling.
func (m *Memory) InsertRaw(ctx context.Context, title, message, at string, urgent bool) (int64, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, schedule.ErrClosed
	}
	m.seq++
	m.rows = append(m.rows, schedule.Notification{
		ID:        m.seq,
		Title:     title,
		Message:   message,
		At:        at,
		Urgent:    urgent,
		CreatedAt: schedule.FormatTime(m.Now()),
	})
	return m.seq, nil
}

func (m *Memory) Get(ctx context.Context, id int64) (schedule.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return schedule.Notification{}, schedule.ErrClosed
	}
	for _, n := range m.rows {
		if n.ID == id {
			return cloneNotification(n), nil
		}
	}
	return schedule.Notification{}, fmt.Errorf("%w: %d", schedule.ErrNotFound, id)
}

func (m *Memory) pending(filter func(schedule.Notification) bool) ([]schedule.Notification, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return nil, schedule.ErrClosed
	}
	out := make([]schedule.Notification, 0, len(m.rows))
	for _, n := range m.rows {
		if n.Delivered || (filter != nil && !filter(n)) {
			continue
		}
		out = append(out, cloneNotification(n))
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].At != out[j].At {
			return out[i].At < out[j].At
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) FetchPending(ctx context.Context) ([]schedule.Notification, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return m.pending(nil)
}

func (m *Memory) MarkDelivered(ctx context.Context, id int64, at time.Time) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return false, schedule.ErrClosed
	}
	for i := range m.rows {
		if m.rows[i].ID != id {
			continue
		}
		if m.rows[i].Delivered {
			return false, nil
		}
		stamp := schedule.FormatTime(at)
		m.rows[i].Delivered = true
		m.rows[i].DeliveredAt = &stamp
		return true, nil
	}
	return false, nil
}

func (m *Memory) Upcoming(ctx context.Context, limit int) ([]schedule.Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	out, err := m.pending(nil)
	if err != nil {
		return nil, err
	}
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *Memory) Between(ctx context.Context, from, to time.Time) ([]schedule.Notification, error) {
	lo, hi := schedule.FormatTime(from.Local()), schedule.FormatTime(to.Local())
	return m.pending(func(n schedule.Notification) bool {
		return n.At >= lo && n.At <= hi
	})
}

func (m *Memory) CountByDay(ctx context.Context, now time.Time, days int) ([]schedule.DayCount, error) {
	keys := schedule.DayKeys(now.Local(), days)
	if len(keys) == 0 {
		return nil, nil
	}
	m.mu.RLock()
	if m.closed {
		m.mu.RUnlock()
		return nil, schedule.ErrClosed
	}
	counts := map[string]int{}
	for _, n := range m.rows {
		if len(n.At) < 10 {
			continue
		}
		day := n.At[:10]
		if day >= keys[0] && day <= keys[len(keys)-1] {
			counts[day]++
		}
	}
	m.mu.RUnlock()
	return schedule.FillDays(now.Local(), days, counts), nil
}

func (m *Memory) PruneDelivered(ctx context.Context, before time.Time) (int64, error) {
	cut := schedule.FormatTime(before.Local())
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return 0, schedule.ErrClosed
	}
	kept := m.rows[:0]
	var n int64
	for _, r := range m.rows {
		if r.Delivered && r.DeliveredAt != nil && *r.DeliveredAt < cut {
			n++
			continue
		}
		kept = append(kept, r)
	}
	m.rows = kept
	return n, nil
}

func (m *Memory) GetSetting(ctx context.Context, key string) (string, bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.closed {
		return "", false, schedule.ErrClosed
	}
	v, ok := m.settings[key]
	return v, ok, nil
}

func (m *Memory) SetSetting(ctx context.Context, key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.closed {
		return schedule.ErrClosed
	}
	m.settings[key] = value
	return nil
}

func cloneNotification(n schedule.Notification) schedule.Notification {
	if n.DeliveredAt != nil {
		v := *n.DeliveredAt
		n.DeliveredAt = &v
	}
	return n
}
