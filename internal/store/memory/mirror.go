package memory

import (
	"context"
	"fmt"
	"sort"

	"github.com/takarun/takaledger/internal/domain"
)

func (s *Store) Get(_ context.Context, category domain.MirrorCategory, ref string) (domain.MirrorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.st.jobs[jobKey{category, ref}]
	if !ok {
		return domain.MirrorJob{}, fmt.Errorf("memory: mirror job %s/%s: %w", category, ref, domain.ErrNotFound)
	}
	return j, nil
}

func (s *Store) Enqueue(_ context.Context, category domain.MirrorCategory, ref, uid string) (domain.MirrorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.enqueue(category, ref, uid, s.now()), nil
}

func (s *Store) ListPending(_ context.Context, category domain.MirrorCategory, limit int) ([]domain.MirrorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.MirrorJob{}
	for _, j := range s.st.jobs {
		if j.Category == category && j.State == domain.MirrorPending {
			out = append(out, j)
		}
	}
	sortJobs(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *Store) Record(_ context.Context, job domain.MirrorJob, out domain.MirrorOutcome) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := jobKey{job.Category, job.EntityRef}
	j, ok := s.st.jobs[key]
	if !ok || j.State != domain.MirrorPending {
		return fmt.Errorf("memory: pending mirror job %s/%s: %w", job.Category, job.EntityRef, domain.ErrNotFound)
	}
	j.State = out.State
	j.RetryCount = out.RetryCount
	if !out.AttemptedAt.IsZero() {
		at := out.AttemptedAt
		j.LastRetryAt = &at
	}
	if out.TxHash != "" {
		j.TxHash = out.TxHash
	}
	j.LastError = out.Err
	j.UpdatedAt = s.now()
	s.st.jobs[key] = j
	s.st.markEntity(j, out)
	return nil
}

func (s *Store) SyncWatermark(_ context.Context, uid string) (domain.SyncWatermark, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.st.watermark(uid), nil
}

func (s *state) watermark(uid string) domain.SyncWatermark {
	var m domain.SyncWatermark
	for _, j := range s.jobs {
		if j.UserID != uid {
			continue
		}
		if j.State == domain.MirrorPending {
			m.Pending = true
		}
		m.LastJobID = max(m.LastJobID, j.ID)
	}
	return m
}

func (s *Store) Counts(_ context.Context) (map[domain.MirrorCategory]domain.CategoryCounts, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[domain.MirrorCategory]domain.CategoryCounts, len(domain.Categories))
	for _, c := range domain.Categories {
		out[c] = domain.CategoryCounts{}
	}
	for _, j := range s.st.jobs {
		c := out[j.Category]
		switch j.State {
		case domain.MirrorPending:
			c.Pending++
		case domain.MirrorAbandoned:
			c.Abandoned++
		case domain.MirrorConfirmed:
			c.Confirmed++
		}
		out[j.Category] = c
	}
	return out, nil
}

func (s *Store) ListAbandoned(_ context.Context, opts domain.ListOpts) ([]domain.MirrorJob, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := []domain.MirrorJob{}
	for _, j := range s.st.jobs {
		if j.State == domain.MirrorAbandoned {
			out = append(out, j)
		}
	}
	sortJobs(out)
	return page(out, opts), nil
}

func sortJobs(jobs []domain.MirrorJob) {
	sort.Slice(jobs, func(i, j int) bool { return jobs[i].ID < jobs[j].ID })
}

func page[T any](items []T, opts domain.ListOpts) []T {
	if opts.Offset > 0 {
		if opts.Offset >= len(items) {
			return []T{}
		}
		items = items[opts.Offset:]
	}
	if opts.Limit > 0 && len(items) > opts.Limit {
		items = items[:opts.Limit]
	}
	return items
}
