package payment

import (
	"context"
	"sort"
	"sync"
	"time"

	"coursepay/internal/common/apperr"
	"coursepay/internal/common/money"
)

// MemoryStore is an in-process Store with the same conditional-update
// semantics as PostgresStore.
type MemoryStore struct {
	mu        sync.RWMutex
	records   map[string]*Record
	byGateway map[string]string
}

// NewMemoryStore creates an empty store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		records:   make(map[string]*Record),
		byGateway: make(map[string]string),
	}
}

func (s *MemoryStore) Create(ctx context.Context, r *Record) error {
	if err := ctx.Err(); err != nil {
		return apperr.Persistence("payment.Create", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.records[r.Reference]; exists {
		return apperr.Conflict("payment.Create", "reference %s already exists", r.Reference)
	}
	if r.GatewayReference != "" {
		if _, exists := s.byGateway[r.GatewayReference]; exists {
			return apperr.Conflict("payment.Create", "gateway reference %s already exists", r.GatewayReference)
		}
		s.byGateway[r.GatewayReference] = r.Reference
	}
	s.records[r.Reference] = r.Clone()
	return nil
}

func (s *MemoryStore) FindByReference(ctx context.Context, reference string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Persistence("payment.FindByReference", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	r, ok := s.records[reference]
	if !ok {
		return nil, apperr.NotFound("payment.FindByReference", "payment %s not found", reference)
	}
	return r.Clone(), nil
}

func (s *MemoryStore) FindByGatewayReference(ctx context.Context, gatewayReference string) (*Record, error) {
	if err := ctx.Err(); err != nil {
		return nil, apperr.Persistence("payment.FindByGatewayReference", err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()

	ref, ok := s.byGateway[gatewayReference]
	if !ok {
		return nil, apperr.NotFound("payment.FindByGatewayReference", "payment with gateway reference %s not found", gatewayReference)
	}
	return s.records[ref].Clone(), nil
}

func (s *MemoryStore) ConditionalUpdate(ctx context.Context, reference string, expected Status, p Patch) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, apperr.Persistence("payment.ConditionalUpdate", err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	r, ok := s.records[reference]
	if !ok || r.Status != expected {
		return false, nil
	}
	if p.GatewayReference != "" {
		if owner, taken := s.byGateway[p.GatewayReference]; taken && owner != reference {
			return false, apperr.Conflict("payment.ConditionalUpdate", "gateway reference %s belongs to another payment", p.GatewayReference)
		}
		s.byGateway[p.GatewayReference] = reference
	}
	r.apply(p.clone())
	return true, nil
}

func (s *MemoryStore) ListByStudent(ctx context.Context, studentID string) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.StudentID == studentID {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}

func (s *MemoryStore) ListPending(ctx context.Context, createdBefore time.Time, limit int) ([]*Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []*Record
	for _, r := range s.records {
		if r.Status == StatusPending && r.CreatedAt.Before(createdBefore) {
			out = append(out, r.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) SumSuccessfulAmount(ctx context.Context, dr DateRange) ([]money.Money, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	sums := make(map[money.Currency]int64)
	for _, r := range s.records {
		if r.Status != StatusSuccess || r.PaidAt == nil || !dr.Contains(*r.PaidAt) {
			continue
		}
		sums[r.Amount.Currency] += r.Amount.AmountMinor
	}

	totals := make([]money.Money, 0, len(sums))
	for c, v := range sums {
		totals = append(totals, money.New(v, c))
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].Currency < totals[j].Currency })
	return totals, nil
}
