package alerts

import (
	"sync"
	"time"

	"helmguard/internal/model"
)

// Recent is a bounded in-memory ring of the latest alerts, serving the API
// without a store round-trip.
type Recent struct {
	mu    sync.RWMutex
	buf   []model.Alert
	limit int
}

func NewRecent(limit int) *Recent {
	if limit <= 0 {
		limit = 1000
	}
	return &Recent{limit: limit}
}

func (s *Recent) Add(alert model.Alert) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.buf) < s.limit {
		s.buf = append(s.buf, alert)
		return
	}
	copy(s.buf, s.buf[1:])
	s.buf[len(s.buf)-1] = alert
}

func (s *Recent) List(limit int) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if limit <= 0 || limit > len(s.buf) {
		limit = len(s.buf)
	}
	out := make([]model.Alert, 0, limit)
	start := len(s.buf) - limit
	if start < 0 {
		start = 0
	}
	for i := start; i < len(s.buf); i++ {
		out = append(out, s.buf[i])
	}
	return out
}

func (s *Recent) Since(ts time.Time) []model.Alert {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]model.Alert, 0)
	for _, a := range s.buf {
		if !a.CreatedAt.Before(ts) {
			out = append(out, a)
		}
	}
	return out
}

func (s *Recent) Clear() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.buf = nil
}
