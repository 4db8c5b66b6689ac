package service

import (
	"context"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

func testSubject(id string, units int64, year, term int) models.Subject {
	return models.Subject{
		ID:              id,
		Code:            "C-" + id,
		Title:           "Subject " + id,
		Units:           decimal.NewFromInt(units),
		YearLevel:       year,
		TermNumber:      term,
		PrerequisiteMet: true,
		Sections: []models.Section{
			{ID: id + "-A", Name: "A", Capacity: 30, EnrolledCount: 10},
			{ID: id + "-B", Name: "B", Capacity: 30, EnrolledCount: 30},
		},
	}
}

func testCatalog(subjects ...models.Subject) *models.Catalog {
	return &models.Catalog{
		Student:     models.Student{ID: "stu-1", StudentNumber: "2024-0001", FullName: "Ana Cruz", YearLevel: 1, MaxUnits: decimal.NewFromInt(24)},
		ActiveTerm:  models.Term{ID: "term-1", Name: "1st Semester 2024-2025", Number: 1, IsActive: true},
		Recommended: subjects,
		Available:   []models.Subject{},
		Enrolled:    []models.EnrollmentRecord{},
	}
}

type memoryCartStoreStub struct {
	mu      sync.Mutex
	entries map[string][]models.CartPair
	saves   int
	deletes int
	err     error
}

func newMemoryCartStoreStub() *memoryCartStoreStub {
	return &memoryCartStoreStub{entries: map[string][]models.CartPair{}}
}

func (s *memoryCartStoreStub) Load(ctx context.Context, key string) ([]models.CartPair, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	pairs, ok := s.entries[key]
	if !ok {
		return nil, nil
	}
	return append([]models.CartPair(nil), pairs...), nil
}

func (s *memoryCartStoreStub) Save(ctx context.Context, key string, pairs []models.CartPair) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.saves++
	s.entries[key] = append([]models.CartPair(nil), pairs...)
	return nil
}

func (s *memoryCartStoreStub) Delete(ctx context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.deletes++
	delete(s.entries, key)
	return nil
}

func (s *memoryCartStoreStub) get(key string) ([]models.CartPair, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	pairs, ok := s.entries[key]
	return pairs, ok
}

type enrollerStub struct {
	mu      sync.Mutex
	calls   [][]models.CartPair
	records []models.EnrollmentRecord
	err     error
	block   chan struct{}
	started chan struct{}
}

func (e *enrollerStub) BulkEnroll(ctx context.Context, pairs []models.CartPair) ([]models.EnrollmentRecord, error) {
	e.mu.Lock()
	e.calls = append(e.calls, pairs)
	started, block := e.started, e.block
	e.mu.Unlock()
	if started != nil {
		close(started)
	}
	if block != nil {
		<-block
	}
	if e.err != nil {
		return nil, e.err
	}
	return e.records, nil
}

func (e *enrollerStub) callCount() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.calls)
}

type auditorStub struct {
	mu      sync.Mutex
	entries []models.SubmissionLog
}

func (a *auditorStub) Record(ctx context.Context, entry *models.SubmissionLog) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.entries = append(a.entries, *entry)
	return nil
}
