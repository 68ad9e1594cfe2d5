package memory

import (
	"context"
	"sort"
	"time"

	"yaud.dev/internal/ids"
	"yaud.dev/internal/notify"
)

func (s *Store) Enqueue(_ context.Context, m *notify.Mail) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if m.ID == "" {
		m.ID = ids.New()
	}
	now := s.now().UTC()
	m.State = notify.StatePending
	m.CreatedAt = now
	m.UpdatedAt = now
	cp := *m
	s.mails[m.ID] = &cp
	return nil
}

func (s *Store) Claim(_ context.Context, limit int, lease time.Duration) ([]notify.Mail, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now().UTC()
	var ready []*notify.Mail
	for _, m := range s.mails {
		switch {
		case m.State == notify.StatePending:
			ready = append(ready, m)
		case m.State == notify.StateProcessing && lease > 0 && !now.Before(m.UpdatedAt.Add(lease)):
			ready = append(ready, m)
		}
	}
	sort.Slice(ready, func(i, j int) bool { return ready[i].ID < ready[j].ID })
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	out := make([]notify.Mail, 0, len(ready))
	for _, m := range ready {
		m.State = notify.StateProcessing
		m.UpdatedAt = now
		out = append(out, *m)
	}
	return out, nil
}

func (s *Store) MarkDelivered(_ context.Context, id string) error {
	return s.transition(id, notify.StateDelivered, false)
}

func (s *Store) Release(_ context.Context, id string) error {
	return s.transition(id, notify.StatePending, true)
}

func (s *Store) MarkFailed(_ context.Context, id string) error {
	return s.transition(id, notify.StateFailed, true)
}

func (s *Store) transition(id string, to notify.State, attempt bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	m, ok := s.mails[id]
	if !ok || m.State != notify.StateProcessing {
		return notify.ErrNotFound
	}
	m.State = to
	if attempt {
		m.Attempts++
	}
	m.UpdatedAt = s.now().UTC()
	return nil
}

// Mails returns a snapshot of every queued mail ordered by id.
func (s *Store) Mails() []notify.Mail {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]notify.Mail, 0, len(s.mails))
	for _, m := range s.mails {
		out = append(out, *m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
