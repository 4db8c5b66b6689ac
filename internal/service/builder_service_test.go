package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/noah-isme/sma-enrollment-builder/internal/dto"
	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

type loaderStub struct {
	mu       sync.Mutex
	catalogs []*models.Catalog
	err      error
	calls    int
}

func (l *loaderStub) Load(ctx context.Context) (*models.Catalog, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.calls++
	if l.err != nil {
		return nil, l.err
	}
	idx := l.calls - 1
	if idx >= len(l.catalogs) {
		idx = len(l.catalogs) - 1
	}
	return l.catalogs[idx], nil
}

func (l *loaderStub) set(catalogs ...*models.Catalog) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.catalogs = catalogs
	l.calls = 0
	l.err = nil
}

type metricsStub struct {
	mu        sync.Mutex
	mutations map[string]int
	sessions  int
}

func (m *metricsStub) RecordCartMutation(operation, result string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.mutations == nil {
		m.mutations = map[string]int{}
	}
	m.mutations[operation+":"+result]++
}

func (m *metricsStub) RecordSubmission(string) {}

func (m *metricsStub) SetActiveSessions(n int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = n
}

func newBuilderForTest(loader catalogLoader, enroller bulkEnroller, store CartStore) *BuilderService {
	return NewBuilderService(loader, enroller, store, nil, nil, nil, BuilderConfig{
		DefaultMaxUnits: decimal.NewFromInt(24),
		CartKeyPrefix:   "enrollment_cart",
	})
}

func TestBuilderServiceViewLoadsOnce(t *testing.T) {
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(testSubject("a", 3, 1, 1), testSubject("b", 3, 2, 2))}}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)

	view, err := svc.View(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, dto.BuilderStatusReady, view.Status)
	require.Len(t, view.Recommended, 2)
	assert.Equal(t, "1st Year", view.Recommended[0].Label)
	assert.Equal(t, 1, view.Recommended[0].ActiveTerm)
	assert.Equal(t, "24", view.Cart.MaxUnits)
	assert.Equal(t, "IDLE", view.Submission.State)
	require.NotNil(t, view.Student)
	assert.Equal(t, "Ana Cruz", view.Student.FullName)

	_, err = svc.View(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, 1, loader.calls)
}

func TestBuilderServiceLoadFailureShowsRetryState(t *testing.T) {
	loader := &loaderStub{err: appErrors.Clone(appErrors.ErrCatalogLoad, "")}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)

	view, err := svc.View(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, dto.BuilderStatusError, view.Status)
	require.NotNil(t, view.LoadError)
	assert.Equal(t, "CATALOG_LOAD_FAILED", view.LoadError.Code)
	assert.Nil(t, view.Student)

	_, err = svc.AddItem(context.Background(), "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-A"})
	assert.True(t, appErrors.Is(err, appErrors.ErrCatalogLoad))

	loader.set(testCatalog(testSubject("a", 3, 1, 1)))
	view, err = svc.Reload(context.Background(), "stu-1")
	require.NoError(t, err)
	assert.Equal(t, dto.BuilderStatusReady, view.Status)
	assert.Nil(t, view.LoadError)
}

func TestBuilderServiceUnavailableStudent(t *testing.T) {
	loader := &loaderStub{err: appErrors.ErrBuilderUnavailable}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)

	_, err := svc.View(context.Background(), "stu-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrBuilderUnavailable))
	_, err = svc.View(context.Background(), "stu-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrBuilderUnavailable))
}

func TestBuilderServiceCartOperationsPersist(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	b := testSubject("b", 3, 1, 1)
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(a, b)}}
	store := newMemoryCartStoreStub()
	metrics := &metricsStub{}
	svc := NewBuilderService(loader, &enrollerStub{}, store, nil, metrics, nil, BuilderConfig{DefaultMaxUnits: decimal.NewFromInt(24)})
	ctx := context.Background()
	key := CartKey("", "stu-1", "term-1")

	_, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)

	view, err := svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-A"})
	require.NoError(t, err)
	require.Len(t, view.Cart.Items, 1)
	assert.Equal(t, "3", view.Cart.Units)
	assert.Equal(t, "21", view.Cart.Headroom)
	assert.True(t, view.Recommended[0].Terms[0].Subjects[0].InCart)

	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "b", SectionID: "b-B"})
	require.NoError(t, err)
	pairs, ok := store.get(key)
	require.True(t, ok)
	assert.Equal(t, []models.CartPair{{SubjectID: "a", SectionID: "a-A"}, {SubjectID: "b", SectionID: "b-B"}}, pairs)

	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-B"})
	assert.True(t, appErrors.Is(err, appErrors.ErrDuplicateSubject))

	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "zzz", SectionID: "x"})
	assert.True(t, appErrors.Is(err, appErrors.ErrNotFound))

	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "nope"})
	assert.Error(t, err)

	view, err = svc.RemoveItem(ctx, "stu-1", "a")
	require.NoError(t, err)
	assert.Len(t, view.Cart.Items, 1)
	view, err = svc.RemoveItem(ctx, "stu-1", "a")
	require.NoError(t, err)
	assert.Len(t, view.Cart.Items, 1)

	view, err = svc.ClearCart(ctx, "stu-1")
	require.NoError(t, err)
	assert.Empty(t, view.Cart.Items)
	_, ok = store.get(key)
	assert.False(t, ok)

	assert.Equal(t, 2, metrics.mutations["add:accepted"])
	assert.Equal(t, 1, metrics.mutations["add:duplicate_subject"])
	assert.Equal(t, 1, metrics.sessions)
}

func TestBuilderServiceRestoresPersistedCart(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	store := newMemoryCartStoreStub()
	key := CartKey("enrollment_cart", "stu-1", "term-1")
	require.NoError(t, store.Save(context.Background(), key, []models.CartPair{
		{SubjectID: "a", SectionID: "a-A"},
		{SubjectID: "b", SectionID: "b-A"},
	}))

	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(a)}}
	svc := newBuilderForTest(loader, &enrollerStub{}, store)

	view, err := svc.View(context.Background(), "stu-1")
	require.NoError(t, err)
	require.Len(t, view.Cart.Items, 1)
	assert.Equal(t, "a", view.Cart.Items[0].SubjectID)
	assert.Equal(t, []models.CartPair{{SubjectID: "b", SectionID: "b-A"}}, view.Dropped)

	pairs, ok := store.get(key)
	require.True(t, ok)
	assert.Equal(t, []models.CartPair{{SubjectID: "a", SectionID: "a-A"}}, pairs)
}

func TestBuilderServiceReloadReconcilesInMemoryCart(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	b := testSubject("b", 3, 1, 1)
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(a, b)}}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)
	ctx := context.Background()

	_, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-A"})
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "b", SectionID: "b-A"})
	require.NoError(t, err)

	completed := testCatalog(a, b)
	completed.Enrolled = []models.EnrollmentRecord{{ID: "r1", Subject: b, Section: b.Sections[0]}}
	loader.set(completed)

	view, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, view.Cart.Items, 1)
	assert.Equal(t, "a", view.Cart.Items[0].SubjectID)
	assert.Equal(t, "3", view.Cart.EnrolledUnits)
	require.Len(t, view.Enrolled, 1)
}

func TestBuilderServiceSelectTab(t *testing.T) {
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(
		testSubject("a", 3, 1, 1),
		testSubject("b", 3, 1, 2),
		testSubject("c", 3, 2, 1),
		testSubject("d", 3, 2, 2),
	)}}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)
	ctx := context.Background()
	_, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)

	view, err := svc.SelectTab(ctx, "stu-1", 1, 2)
	require.NoError(t, err)
	assert.Equal(t, 2, view.Recommended[0].ActiveTerm)
	assert.True(t, view.Recommended[0].Terms[1].Active)
	assert.False(t, view.Recommended[0].Terms[0].Active)
	assert.Equal(t, 1, view.Recommended[1].ActiveTerm)

	_, err = svc.SelectTab(ctx, "stu-1", 1, 3)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
	_, err = svc.SelectTab(ctx, "stu-1", 5, 1)
	assert.True(t, appErrors.Is(err, appErrors.ErrValidation))
}

func TestBuilderServiceSubmitClearsAndRefreshes(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	before := testCatalog(a)
	after := testCatalog(a)
	after.Enrolled = []models.EnrollmentRecord{{ID: "r1", Subject: a, Section: a.Sections[0]}}
	loader := &loaderStub{catalogs: []*models.Catalog{before, after}}
	store := newMemoryCartStoreStub()
	enroller := &enrollerStub{records: after.Enrolled}
	svc := newBuilderForTest(loader, enroller, store)
	ctx := context.Background()

	_, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-A"})
	require.NoError(t, err)

	result, err := svc.Submit(ctx, "stu-1")
	require.NoError(t, err)
	assert.Len(t, result.Records, 1)
	assert.Empty(t, result.View.Cart.Items)
	assert.Len(t, result.View.Enrolled, 1)
	assert.Equal(t, 2, loader.calls)
	_, ok := store.get(CartKey("enrollment_cart", "stu-1", "term-1"))
	assert.False(t, ok)

	_, err = svc.Submit(ctx, "stu-1")
	assert.ErrorIs(t, err, appErrors.ErrEmptyCart)
}

func TestBuilderServiceSubmitRejectionKeepsCart(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	b := testSubject("b", 3, 1, 1)
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(a, b)}}
	rejection := appErrors.Clone(appErrors.ErrServerRejection, "C-b: no seats left in section A")
	svc := newBuilderForTest(loader, &enrollerStub{err: rejection}, nil)
	ctx := context.Background()

	_, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)
	_, _ = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-A"})
	_, _ = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "b", SectionID: "b-A"})

	_, err = svc.Submit(ctx, "stu-1")
	assert.True(t, appErrors.Is(err, appErrors.ErrServerRejection))

	view, err := svc.View(ctx, "stu-1")
	require.NoError(t, err)
	assert.Len(t, view.Cart.Items, 2)
	assert.False(t, view.Cart.Locked)
	require.NotNil(t, view.Submission.LastError)
	assert.Equal(t, "ENROLLMENT_REJECTED", view.Submission.LastError.Code)
	assert.Equal(t, "C-b: no seats left in section A", view.Submission.LastError.Message)
	assert.Equal(t, 1, loader.calls)
}

func TestBuilderServiceFailedSubmitAppliesCatalogLoadedMeanwhile(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	b := testSubject("b", 6, 1, 1)
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(a, b)}}
	enroller := &enrollerStub{
		err:     appErrors.Clone(appErrors.ErrServerRejection, "registration closed"),
		block:   make(chan struct{}),
		started: make(chan struct{}),
	}
	svc := newBuilderForTest(loader, enroller, nil)
	ctx := context.Background()

	_, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-A"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Submit(ctx, "stu-1")
		done <- err
	}()
	<-enroller.started

	withLoad := testCatalog(a, b)
	withLoad.Enrolled = []models.EnrollmentRecord{{ID: "enr-1", Subject: testSubject("x", 18, 1, 1)}}
	loader.set(withLoad)
	_, err = svc.Reload(ctx, "stu-1")
	require.NoError(t, err)

	close(enroller.block)
	assert.True(t, appErrors.Is(<-done, appErrors.ErrServerRejection))

	view, err := svc.View(ctx, "stu-1")
	require.NoError(t, err)
	require.Len(t, view.Cart.Items, 1)
	assert.Equal(t, "18", view.Cart.EnrolledUnits)
	assert.Equal(t, "3", view.Cart.Headroom)

	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "b", SectionID: "b-A"})
	assert.True(t, appErrors.Is(err, appErrors.ErrUnitCapExceeded))
}

type slowAuditor struct {
	auditorStub
	release chan struct{}
}

func (a *slowAuditor) Record(ctx context.Context, entry *models.SubmissionLog) error {
	<-a.release
	return a.auditorStub.Record(ctx, entry)
}

func TestBuilderServiceSubmitDoesNotWaitForAudit(t *testing.T) {
	a := testSubject("a", 3, 1, 1)
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog(a)}}
	auditor := &slowAuditor{release: make(chan struct{})}
	svc := NewBuilderService(loader, &enrollerStub{}, nil, auditor, nil, nil, BuilderConfig{})
	ctx := context.Background()

	_, err := svc.Reload(ctx, "stu-1")
	require.NoError(t, err)
	_, err = svc.AddItem(ctx, "stu-1", dto.AddCartItemRequest{SubjectID: "a", SectionID: "a-A"})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() {
		_, err := svc.Submit(ctx, "stu-1")
		done <- err
	}()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("submit waited on the audit write")
	}

	pending, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	assert.ErrorIs(t, svc.FlushAudits(pending), context.DeadlineExceeded)

	close(auditor.release)
	require.NoError(t, svc.FlushAudits(ctx))
	auditor.mu.Lock()
	defer auditor.mu.Unlock()
	require.Len(t, auditor.entries, 1)
	assert.Equal(t, models.SubmissionOutcomeAccepted, auditor.entries[0].Outcome)
}

// orderedLoader hands each call its own catalog and lets the test decide
// which call completes first.
type orderedLoader struct {
	mu       sync.Mutex
	calls    int
	catalogs []*models.Catalog
	gates    []chan struct{}
	started  chan int
}

func (l *orderedLoader) Load(ctx context.Context) (*models.Catalog, error) {
	l.mu.Lock()
	idx := l.calls
	l.calls++
	l.mu.Unlock()
	l.started <- idx
	<-l.gates[idx]
	return l.catalogs[idx], nil
}

func TestBuilderServiceLaterReloadWins(t *testing.T) {
	first := testCatalog(testSubject("old", 3, 1, 1))
	second := testCatalog(testSubject("new", 3, 1, 1))
	loader := &orderedLoader{
		catalogs: []*models.Catalog{first, second},
		gates:    []chan struct{}{make(chan struct{}), make(chan struct{})},
		started:  make(chan int, 2),
	}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)
	ctx := context.Background()

	results := make(chan *dto.BuilderView, 2)
	go func() {
		view, _ := svc.Reload(ctx, "stu-1")
		results <- view
	}()
	require.Equal(t, 0, waitStarted(t, loader.started))
	go func() {
		view, _ := svc.Reload(ctx, "stu-1")
		results <- view
	}()
	require.Equal(t, 1, waitStarted(t, loader.started))

	close(loader.gates[1])
	<-results
	close(loader.gates[0])
	<-results

	catalog, err := svc.Catalog(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "new", catalog.Recommended[0].ID)
}

func TestBuilderServiceInOrderReloadsApplyLatest(t *testing.T) {
	first := testCatalog(testSubject("old", 3, 1, 1))
	second := testCatalog(testSubject("new", 3, 1, 1))
	loader := &orderedLoader{
		catalogs: []*models.Catalog{first, second},
		gates:    []chan struct{}{make(chan struct{}), make(chan struct{})},
		started:  make(chan int, 2),
	}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)
	ctx := context.Background()

	results := make(chan *dto.BuilderView, 2)
	for i := 0; i < 2; i++ {
		go func() {
			view, _ := svc.Reload(ctx, "stu-1")
			results <- view
		}()
		waitStarted(t, loader.started)
	}

	close(loader.gates[0])
	<-results
	close(loader.gates[1])
	<-results

	catalog, err := svc.Catalog(ctx, "stu-1")
	require.NoError(t, err)
	assert.Equal(t, "new", catalog.Recommended[0].ID)
}

func waitStarted(t *testing.T, started chan int) int {
	t.Helper()
	select {
	case idx := <-started:
		return idx
	case <-time.After(time.Second):
		t.Fatal("catalog load never started")
		return -1
	}
}

func TestBuilderServiceSweepEvictsIdleSessions(t *testing.T) {
	loader := &loaderStub{catalogs: []*models.Catalog{testCatalog()}}
	metrics := &metricsStub{}
	svc := NewBuilderService(loader, &enrollerStub{}, nil, nil, metrics, nil, BuilderConfig{SessionIdleTTL: time.Minute})
	now := time.Date(2024, 8, 1, 9, 0, 0, 0, time.UTC)
	svc.now = func() time.Time { return now }

	_, err := svc.View(context.Background(), "stu-1")
	require.NoError(t, err)
	now = now.Add(30 * time.Second)
	_, err = svc.View(context.Background(), "stu-2")
	require.NoError(t, err)
	assert.Equal(t, 2, metrics.sessions)

	now = now.Add(45 * time.Second)
	assert.Equal(t, 1, svc.Sweep())
	assert.Equal(t, 1, metrics.sessions)

	now = now.Add(time.Hour)
	assert.Equal(t, 1, svc.Sweep())
	assert.Equal(t, 0, metrics.sessions)
}

func TestBuilderServiceUnknownErrorsStayInternal(t *testing.T) {
	loader := &loaderStub{err: errors.New("boom")}
	svc := newBuilderForTest(loader, &enrollerStub{}, nil)

	view, err := svc.Reload(context.Background(), "stu-1")
	require.Error(t, err)
	require.NotNil(t, view.LoadError)
	assert.Equal(t, appErrors.ErrInternal.Code, view.LoadError.Code)
}
