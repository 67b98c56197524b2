package installment

import (
	"context"
	"sort"
	"sync"
	"time"

	"coursepay/internal/common/apperr"
)

// MemoryStore is an in-process Store with the same version and credit checks
// as PostgresStore.
type MemoryStore struct {
	mu      sync.Mutex
	plans   map[string]*Plan
	byPair  map[string]string
	entries map[string]*ScheduleEntry
	credits map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		plans:   make(map[string]*Plan),
		byPair:  make(map[string]string),
		entries: make(map[string]*ScheduleEntry),
		credits: make(map[string]string),
	}
}

func pairKey(studentID, courseID string) string {
	return studentID + "\x00" + courseID
}

func (s *MemoryStore) Create(ctx context.Context, p *Plan, entries []*ScheduleEntry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := pairKey(p.StudentID, p.CourseID)
	if _, exists := s.byPair[key]; exists {
		return apperr.Conflict("installment.Create", "a plan already exists for student %s and course %s", p.StudentID, p.CourseID)
	}

	cp := *p
	s.plans[p.ID] = &cp
	s.byPair[key] = p.ID
	for _, e := range entries {
		s.entries[e.ID] = e.clone()
	}
	return nil
}

func (s *MemoryStore) FindByStudentAndCourse(ctx context.Context, studentID, courseID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byPair[pairKey(studentID, courseID)]
	if !ok {
		return nil, apperr.NotFound("installment.FindByStudentAndCourse", "no plan for student %s and course %s", studentID, courseID)
	}
	cp := *s.plans[id]
	return &cp, nil
}

func (s *MemoryStore) GetPlan(ctx context.Context, planID string) (*Plan, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID]
	if !ok {
		return nil, apperr.NotFound("installment.GetPlan", "plan %s not found", planID)
	}
	cp := *p
	return &cp, nil
}

func (s *MemoryStore) Update(ctx context.Context, planID string, expectedVersion int64, pp PlanPatch) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	p, ok := s.plans[planID]
	if !ok || p.Version != expectedVersion {
		return ErrVersionConflict
	}
	p.apply(pp)
	return nil
}

func (s *MemoryStore) ListEntries(ctx context.Context, planID string) ([]*ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ScheduleEntry
	for _, e := range s.entries {
		if e.PlanID == planID {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].InstallmentNumber < out[j].InstallmentNumber })
	return out, nil
}

func (s *MemoryStore) GetEntry(ctx context.Context, entryID string) (*ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok {
		return nil, apperr.NotFound("installment.GetEntry", "installment %s not found", entryID)
	}
	return e.clone(), nil
}

func (s *MemoryStore) MarkEntryPaid(ctx context.Context, entryID, reference string, paidAt time.Time) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, ok := s.entries[entryID]
	if !ok || e.Status != EntryPending {
		return false, nil
	}
	markPaid(e, reference, paidAt)
	return true, nil
}

func (s *MemoryStore) ListOverdueEntries(ctx context.Context, now time.Time) ([]*ScheduleEntry, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var out []*ScheduleEntry
	for _, e := range s.entries {
		if e.IsOverdue(now) {
			out = append(out, e.clone())
		}
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].DueDate.Equal(out[j].DueDate) {
			return out[i].DueDate.Before(out[j].DueDate)
		}
		if out[i].PlanID != out[j].PlanID {
			return out[i].PlanID < out[j].PlanID
		}
		return out[i].InstallmentNumber < out[j].InstallmentNumber
	})
	return out, nil
}

func (s *MemoryStore) ApplyCredit(ctx context.Context, c Credit) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, done := s.credits[c.PaymentReference]; done {
		return ErrCreditApplied
	}
	p, ok := s.plans[c.PlanID]
	if !ok || p.Version != c.ExpectedVersion {
		return ErrVersionConflict
	}

	s.credits[c.PaymentReference] = c.PlanID
	p.apply(c.Patch)

	var target *ScheduleEntry
	for _, e := range s.entries {
		if e.PlanID != c.PlanID || e.Status != EntryPending {
			continue
		}
		if c.InstallmentNumber != nil && e.InstallmentNumber == *c.InstallmentNumber {
			target = e
			break
		}
		if target == nil || e.InstallmentNumber < target.InstallmentNumber {
			target = e
		}
	}
	if target != nil {
		markPaid(target, c.PaymentReference, c.AppliedAt)
	}
	return nil
}

func markPaid(e *ScheduleEntry, reference string, paidAt time.Time) {
	t := paidAt
	e.Status = EntryPaid
	e.PaidAt = &t
	e.PaymentReference = reference
}
