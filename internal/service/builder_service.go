package service

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-builder/internal/dto"
	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

type catalogLoader interface {
	Load(ctx context.Context) (*models.Catalog, error)
}

type builderObserver interface {
	RecordCartMutation(operation, result string)
	RecordSubmission(outcome string)
	SetActiveSessions(n int)
}

// BuilderConfig tunes builder sessions.
type BuilderConfig struct {
	DefaultMaxUnits decimal.Decimal
	CartKeyPrefix   string
	SessionIdleTTL  time.Duration
	SweepInterval   time.Duration
}

// BuilderService keeps one enrollment builder session per student and wires
// the catalog loader, cart engine and submission coordinator together.
type BuilderService struct {
	loader      catalogLoader
	enroller    bulkEnroller
	store       CartStore
	auditor     submissionAuditor
	audits      *backgroundAuditor
	metrics     builderObserver
	eligibility *EligibilityEvaluator
	logger      *zap.Logger
	cfg         BuilderConfig
	now         func() time.Time

	mu       sync.Mutex
	sessions map[string]*builderSession
}

// builderSession is the state behind one student's builder page. Lock order:
// session mutex before the cart's own lock.
type builderSession struct {
	studentID string

	mu      sync.Mutex
	seq     catalogSequencer
	catalog *models.Catalog
	loadErr error
	cart    *CartEngine
	cartKey string
	dropped []models.CartPair
	// set when a catalog was applied while a submission held the cart
	reconcilePending bool
	tabs             *TermTabs
	submission       *SubmissionCoordinator

	// guarded by BuilderService.mu
	lastSeen time.Time
}

// NewBuilderService constructs the session registry. store, auditor and
// metrics may be nil.
func NewBuilderService(loader catalogLoader, enroller bulkEnroller, store CartStore, auditor submissionAuditor, metrics builderObserver, logger *zap.Logger, cfg BuilderConfig) *BuilderService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if !cfg.DefaultMaxUnits.IsPositive() {
		cfg.DefaultMaxUnits = decimal.NewFromInt(24)
	}
	if cfg.SessionIdleTTL <= 0 {
		cfg.SessionIdleTTL = 2 * time.Hour
	}
	var audits *backgroundAuditor
	if auditor != nil {
		audits = newBackgroundAuditor(auditor, logger)
		auditor = audits
	}
	return &BuilderService{
		loader:      loader,
		enroller:    enroller,
		store:       store,
		auditor:     auditor,
		audits:      audits,
		metrics:     metrics,
		eligibility: NewEligibilityEvaluator(),
		logger:      logger,
		cfg:         cfg,
		now:         time.Now,
		sessions:    make(map[string]*builderSession),
	}
}

func (s *BuilderService) session(studentID string) *builderSession {
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[studentID]
	if !ok {
		sess = &builderSession{
			studentID:  studentID,
			cart:       NewCartEngine(s.eligibility, CartLimits{MaxUnits: s.cfg.DefaultMaxUnits}),
			tabs:       NewTermTabs(),
			submission: NewSubmissionCoordinator(s.enroller, s.store, s.auditor, s.metrics, s.logger),
		}
		s.sessions[studentID] = sess
		if s.metrics != nil {
			s.metrics.SetActiveSessions(len(s.sessions))
		}
	}
	sess.lastSeen = s.now()
	return sess
}

// View returns the builder state, loading the catalog on first access.
func (s *BuilderService) View(ctx context.Context, studentID string) (*dto.BuilderView, error) {
	sess := s.session(studentID)
	sess.mu.Lock()
	fresh := sess.catalog == nil && sess.loadErr == nil && sess.seq.issued == 0
	sess.mu.Unlock()
	if fresh {
		view, err := s.Reload(ctx, studentID)
		if appErrors.Is(err, appErrors.ErrBuilderUnavailable) {
			return nil, err
		}
		return view, nil
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if appErrors.Is(sess.loadErr, appErrors.ErrBuilderUnavailable) {
		return nil, sess.loadErr
	}
	view := s.viewLocked(sess)
	return &view, nil
}

// Reload fetches a fresh catalog and reconciles the cart against it. When a
// later reload has already been applied the result is discarded and the
// current view returned.
func (s *BuilderService) Reload(ctx context.Context, studentID string) (*dto.BuilderView, error) {
	sess := s.session(studentID)

	sess.mu.Lock()
	seq := sess.seq.next()
	sess.mu.Unlock()

	catalog, err := s.loader.Load(ctx)

	sess.mu.Lock()
	defer sess.mu.Unlock()
	if !sess.seq.accept(seq) {
		s.logger.Debug("discarding superseded catalog load", zap.String("student_id", studentID), zap.Uint64("seq", seq))
		view := s.viewLocked(sess)
		return &view, nil
	}
	if err != nil {
		sess.catalog = nil
		sess.loadErr = err
		view := s.viewLocked(sess)
		return &view, err
	}

	s.applyLocked(ctx, sess, catalog)
	view := s.viewLocked(sess)
	return &view, nil
}

func (s *BuilderService) applyLocked(ctx context.Context, sess *builderSession, catalog *models.Catalog) {
	key := CartKey(s.cfg.CartKeyPrefix, sess.studentID, catalog.ActiveTerm.ID)
	var pairs []models.CartPair
	if key != sess.cartKey {
		pairs = s.loadPairs(ctx, key)
	} else {
		pairs = sess.cart.Snapshot().Pairs()
	}

	sess.catalog = catalog
	sess.loadErr = nil

	dropped, err := sess.cart.Reconcile(catalog, pairs, LimitsFromCatalog(catalog, s.cfg.DefaultMaxUnits))
	if err != nil {
		// The cart is frozen by a submission; Submit reconciles once it ends.
		sess.reconcilePending = true
		return
	}
	sess.reconcilePending = false
	sess.cartKey = key
	sess.dropped = dropped
	if len(dropped) > 0 {
		s.logger.Info("dropped cart items that no longer resolve",
			zap.String("student_id", sess.studentID),
			zap.String("term_id", catalog.ActiveTerm.ID),
			zap.Int("dropped", len(dropped)))
		s.persistLocked(ctx, sess)
	}
}

func (s *BuilderService) loadPairs(ctx context.Context, key string) []models.CartPair {
	if s.store == nil {
		return nil
	}
	pairs, err := s.store.Load(ctx, key)
	if err != nil {
		s.logger.Warn("failed to restore persisted cart", zap.String("key", key), zap.Error(err))
		return nil
	}
	return pairs
}

func (s *BuilderService) persistLocked(ctx context.Context, sess *builderSession) {
	if s.store == nil || sess.cartKey == "" {
		return
	}
	pairs := sess.cart.Snapshot().Pairs()
	var err error
	if len(pairs) == 0 {
		err = s.store.Delete(ctx, sess.cartKey)
	} else {
		err = s.store.Save(ctx, sess.cartKey, pairs)
	}
	if err != nil {
		s.logger.Warn("failed to persist cart", zap.String("key", sess.cartKey), zap.Error(err))
	}
}

// AddItem puts a subject and section into the cart.
func (s *BuilderService) AddItem(ctx context.Context, studentID string, req dto.AddCartItemRequest) (*dto.BuilderView, error) {
	sess := s.session(studentID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := requireCatalog(sess); err != nil {
		return nil, err
	}

	subject, ok := sess.catalog.FindSubject(req.SubjectID)
	if !ok {
		s.recordMutation("add", appErrors.ErrNotFound)
		return nil, appErrors.Clone(appErrors.ErrNotFound, fmt.Sprintf("subject %s is not offered this term", req.SubjectID))
	}
	section, ok := subject.Section(req.SectionID)
	if !ok {
		section = models.Section{ID: req.SectionID}
	}
	if _, err := sess.cart.Add(subject, section); err != nil {
		s.recordMutation("add", err)
		return nil, err
	}
	s.recordMutation("add", nil)
	sess.dropped = nil
	s.persistLocked(ctx, sess)
	view := s.viewLocked(sess)
	return &view, nil
}

// RemoveItem drops a subject from the cart; absent subjects are ignored.
func (s *BuilderService) RemoveItem(ctx context.Context, studentID, subjectID string) (*dto.BuilderView, error) {
	sess := s.session(studentID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := requireCatalog(sess); err != nil {
		return nil, err
	}
	if _, err := sess.cart.Remove(subjectID); err != nil {
		s.recordMutation("remove", err)
		return nil, err
	}
	s.recordMutation("remove", nil)
	s.persistLocked(ctx, sess)
	view := s.viewLocked(sess)
	return &view, nil
}

// ClearCart empties the cart.
func (s *BuilderService) ClearCart(ctx context.Context, studentID string) (*dto.BuilderView, error) {
	sess := s.session(studentID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := requireCatalog(sess); err != nil {
		return nil, err
	}
	if err := sess.cart.Clear(); err != nil {
		s.recordMutation("clear", err)
		return nil, err
	}
	s.recordMutation("clear", nil)
	sess.dropped = nil
	s.persistLocked(ctx, sess)
	view := s.viewLocked(sess)
	return &view, nil
}

// SelectTab switches the active term tab of one year group.
func (s *BuilderService) SelectTab(ctx context.Context, studentID string, year, term int) (*dto.BuilderView, error) {
	sess := s.session(studentID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := requireCatalog(sess); err != nil {
		return nil, err
	}
	if !yearHasTerm(sess.catalog, year, term) {
		return nil, appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("%s has no %s subjects", YearLabel(year), TermLabel(term)))
	}
	if err := sess.tabs.Select(year, term); err != nil {
		return nil, err
	}
	view := s.viewLocked(sess)
	return &view, nil
}

func yearHasTerm(catalog *models.Catalog, year, term int) bool {
	for _, subjects := range [][]models.Subject{catalog.Recommended, catalog.Available} {
		for _, group := range GroupByYearAndTerm(subjects) {
			if group.YearLevel != year {
				continue
			}
			if _, ok := group.Term(term); ok {
				return true
			}
		}
	}
	return false
}

// Submit sends the cart as one bulk enrollment. The session is not locked
// while the portal call is in flight so the view can report progress.
func (s *BuilderService) Submit(ctx context.Context, studentID string) (*dto.SubmissionResult, error) {
	sess := s.session(studentID)
	sess.mu.Lock()
	if err := requireCatalog(sess); err != nil {
		sess.mu.Unlock()
		return nil, err
	}
	target := SubmissionTarget{
		StudentID: studentID,
		TermID:    sess.catalog.ActiveTerm.ID,
		CartKey:   sess.cartKey,
		Cart:      sess.cart,
		Refresh: func(ctx context.Context) error {
			_, err := s.Reload(ctx, studentID)
			return err
		},
	}
	coordinator := sess.submission
	sess.mu.Unlock()

	records, err := coordinator.Submit(ctx, target)
	if err != nil {
		sess.mu.Lock()
		if sess.reconcilePending && sess.catalog != nil {
			s.applyLocked(ctx, sess, sess.catalog)
		}
		sess.mu.Unlock()
		return nil, err
	}

	sess.mu.Lock()
	defer sess.mu.Unlock()
	return &dto.SubmissionResult{Records: records, View: s.viewLocked(sess)}, nil
}

// FlushAudits waits for submission audit writes still in flight.
func (s *BuilderService) FlushAudits(ctx context.Context) error {
	if s.audits == nil {
		return nil
	}
	return s.audits.Wait(ctx)
}

// Catalog returns the session's current catalog, if one is loaded.
func (s *BuilderService) Catalog(ctx context.Context, studentID string) (*models.Catalog, error) {
	sess := s.session(studentID)
	sess.mu.Lock()
	defer sess.mu.Unlock()
	if err := requireCatalog(sess); err != nil {
		return nil, err
	}
	return sess.catalog, nil
}

func requireCatalog(sess *builderSession) error {
	if sess.catalog != nil {
		return nil
	}
	if sess.loadErr != nil {
		return sess.loadErr
	}
	return appErrors.Clone(appErrors.ErrPreconditionFailed, "catalog not loaded yet")
}

func (s *BuilderService) recordMutation(operation string, err error) {
	if s.metrics == nil {
		return
	}
	result := "accepted"
	if err != nil {
		result = strings.ToLower(appErrors.FromError(err).Code)
	}
	s.metrics.RecordCartMutation(operation, result)
}

// Sweep evicts sessions idle longer than the configured TTL and returns how
// many were removed. Sessions with a submission in flight are kept.
func (s *BuilderService) Sweep() int {
	cutoff := s.now().Add(-s.cfg.SessionIdleTTL)
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := 0
	for id, sess := range s.sessions {
		if sess.lastSeen.After(cutoff) {
			continue
		}
		if sess.submission.Status().State == SubmissionSubmitting {
			continue
		}
		delete(s.sessions, id)
		removed++
	}
	if s.metrics != nil {
		s.metrics.SetActiveSessions(len(s.sessions))
	}
	return removed
}

// StartSweeper evicts idle sessions periodically until ctx is cancelled.
func (s *BuilderService) StartSweeper(ctx context.Context) {
	if s.cfg.SweepInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.SweepInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if n := s.Sweep(); n > 0 {
					s.logger.Debug("evicted idle builder sessions", zap.Int("count", n))
				}
			}
		}
	}()
}

func (s *BuilderService) viewLocked(sess *builderSession) dto.BuilderView {
	view := dto.BuilderView{
		Recommended: []dto.YearGroupView{},
		Available:   []dto.YearGroupView{},
		Enrolled:    []dto.EnrolledView{},
		Dropped:     sess.dropped,
	}

	switch {
	case sess.loadErr != nil:
		view.Status = dto.BuilderStatusError
		view.LoadError = errorView(sess.loadErr)
	case sess.catalog == nil:
		view.Status = dto.BuilderStatusLoading
	default:
		view.Status = dto.BuilderStatusReady
	}

	cart := sess.cart.Snapshot()
	limits := sess.cart.Limits()
	view.Cart = dto.CartView{
		Items:         make([]dto.CartItemView, 0, len(cart.Items)),
		Units:         cart.Units().String(),
		EnrolledUnits: limits.EnrolledUnits.String(),
		MaxUnits:      limits.MaxUnits.String(),
		Headroom:      sess.cart.Headroom().String(),
		Locked:        sess.cart.Frozen(),
	}
	for _, item := range cart.Items {
		view.Cart.Items = append(view.Cart.Items, dto.CartItemView{
			SubjectID:   item.Subject.ID,
			SubjectCode: item.Subject.Code,
			Title:       item.Subject.Title,
			Units:       item.Subject.Units.String(),
			SectionID:   item.Section.ID,
			SectionName: item.Section.Name,
			Remaining:   item.Section.Remaining(),
		})
	}

	status := sess.submission.Status()
	view.Submission = dto.SubmissionView{State: string(status.State)}
	if status.LastError != nil {
		view.Submission.LastError = errorView(status.LastError)
	}

	catalog := sess.catalog
	if catalog == nil {
		return view
	}

	view.Student = &dto.StudentView{
		ID:            catalog.Student.ID,
		StudentNumber: catalog.Student.StudentNumber,
		FullName:      catalog.Student.FullName,
		Program:       catalog.Student.Program,
		YearLevel:     catalog.Student.YearLevel,
		MaxUnits:      limits.MaxUnits.String(),
	}
	term := catalog.ActiveTerm
	view.Term = &term
	view.Fees = catalog.Fees
	view.Recommended = s.yearGroupViews(sess, catalog.Recommended, cart)
	view.Available = s.yearGroupViews(sess, catalog.Available, cart)
	for _, record := range catalog.Enrolled {
		view.Enrolled = append(view.Enrolled, dto.EnrolledView{
			ID:          record.ID,
			SubjectID:   record.Subject.ID,
			SubjectCode: record.Subject.Code,
			Title:       record.Subject.Title,
			Units:       record.Subject.Units.String(),
			SectionID:   record.Section.ID,
			SectionName: record.Section.Name,
		})
	}
	return view
}

func (s *BuilderService) yearGroupViews(sess *builderSession, subjects []models.Subject, cart models.Cart) []dto.YearGroupView {
	groups := GroupByYearAndTerm(subjects)
	views := make([]dto.YearGroupView, 0, len(groups))
	for _, group := range groups {
		active := sess.tabs.Active(group)
		groupView := dto.YearGroupView{
			YearLevel:  group.YearLevel,
			Label:      group.Label,
			ActiveTerm: active,
			Terms:      make([]dto.TermBucketView, 0, len(group.Terms)),
		}
		for _, bucket := range group.Terms {
			bucketView := dto.TermBucketView{
				Term:     bucket.Term,
				Label:    bucket.Label,
				Active:   bucket.Term == active,
				Subjects: make([]dto.SubjectView, 0, len(bucket.Subjects)),
			}
			for _, subject := range bucket.Subjects {
				bucketView.Subjects = append(bucketView.Subjects, s.subjectView(sess, subject, cart))
			}
			groupView.Terms = append(groupView.Terms, bucketView)
		}
		views = append(views, groupView)
	}
	return views
}

func (s *BuilderService) subjectView(sess *builderSession, subject models.Subject, cart models.Cart) dto.SubjectView {
	view := dto.SubjectView{
		ID:                   subject.ID,
		Code:                 subject.Code,
		Title:                subject.Title,
		Units:                subject.Units.String(),
		YearLevel:            subject.YearLevel,
		TermNumber:           subject.TermNumber,
		PrerequisiteMet:      s.eligibility.CanAdd(subject),
		MissingPrerequisites: s.eligibility.Missing(subject),
		InCart:               cart.Contains(subject.ID),
		Enrolled:             sess.catalog.IsEnrolled(subject.ID),
		Sections:             make([]dto.SectionView, 0, len(subject.Sections)),
	}
	for _, section := range subject.Sections {
		view.Sections = append(view.Sections, dto.SectionView{
			ID:        section.ID,
			Name:      section.Name,
			Schedule:  section.Schedule,
			Capacity:  section.Capacity,
			Enrolled:  section.EnrolledCount,
			Remaining: section.Remaining(),
			Full:      section.Full(),
			FillRatio: section.FillRatio(),
		})
	}
	return view
}

func errorView(err error) *dto.ErrorView {
	appErr := appErrors.FromError(err)
	return &dto.ErrorView{Code: appErr.Code, Message: appErr.Message}
}
