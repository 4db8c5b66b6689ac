package service

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

type catalogSource interface {
	Profile(ctx context.Context) (*models.Student, error)
	ActiveTerm(ctx context.Context) (*models.Term, error)
	RecommendedSubjects(ctx context.Context) ([]models.Subject, error)
	AvailableSubjects(ctx context.Context) ([]models.Subject, error)
	CurrentEnrollments(ctx context.Context) ([]models.EnrollmentRecord, error)
	FeeStatus(ctx context.Context) (*models.FeeStatus, error)
}

type catalogObserver interface {
	ObserveCatalogLoad(success bool, duration time.Duration)
}

// CatalogLoaderConfig tunes catalog loading.
type CatalogLoaderConfig struct {
	FetchFeeStatus bool
}

// CatalogLoader fetches everything the builder needs in one fan-out.
type CatalogLoader struct {
	source  catalogSource
	metrics catalogObserver
	logger  *zap.Logger
	cfg     CatalogLoaderConfig
}

// NewCatalogLoader constructs a CatalogLoader.
func NewCatalogLoader(source catalogSource, metrics catalogObserver, logger *zap.Logger, cfg CatalogLoaderConfig) *CatalogLoader {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &CatalogLoader{source: source, metrics: metrics, logger: logger, cfg: cfg}
}

// Load issues every fetch concurrently and waits for all of them. Any failure
// discards the whole result.
func (l *CatalogLoader) Load(ctx context.Context) (*models.Catalog, error) {
	start := time.Now()
	catalog, err := l.load(ctx)
	if l.metrics != nil {
		l.metrics.ObserveCatalogLoad(err == nil, time.Since(start))
	}
	return catalog, err
}

func (l *CatalogLoader) load(ctx context.Context) (*models.Catalog, error) {
	var (
		student     *models.Student
		term        *models.Term
		recommended []models.Subject
		available   []models.Subject
		enrolled    []models.EnrollmentRecord
		fees        *models.FeeStatus
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() (err error) {
		student, err = l.source.Profile(gctx)
		return err
	})
	g.Go(func() (err error) {
		term, err = l.source.ActiveTerm(gctx)
		return err
	})
	g.Go(func() (err error) {
		recommended, err = l.source.RecommendedSubjects(gctx)
		return err
	})
	g.Go(func() (err error) {
		available, err = l.source.AvailableSubjects(gctx)
		return err
	})
	g.Go(func() (err error) {
		enrolled, err = l.source.CurrentEnrollments(gctx)
		return err
	})
	if l.cfg.FetchFeeStatus {
		g.Go(func() (err error) {
			fees, err = l.source.FeeStatus(gctx)
			return err
		})
	}

	if err := g.Wait(); err != nil {
		l.logger.Warn("catalog load failed", zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrCatalogLoad.Code, appErrors.ErrCatalogLoad.Status, appErrors.ErrCatalogLoad.Message)
	}
	if student == nil || term == nil {
		return nil, appErrors.Clone(appErrors.ErrCatalogLoad, "portal returned an incomplete catalog")
	}
	if !student.CanUseBuilder() {
		return nil, appErrors.ErrBuilderUnavailable
	}

	return &models.Catalog{
		Student:     *student,
		ActiveTerm:  *term,
		Recommended: nonNilSubjects(recommended),
		Available:   nonNilSubjects(available),
		Enrolled:    nonNilRecords(enrolled),
		Fees:        fees,
	}, nil
}

func nonNilSubjects(subjects []models.Subject) []models.Subject {
	if subjects == nil {
		return []models.Subject{}
	}
	return subjects
}

func nonNilRecords(records []models.EnrollmentRecord) []models.EnrollmentRecord {
	if records == nil {
		return []models.EnrollmentRecord{}
	}
	return records
}

// catalogSequencer discards results of loads that were superseded by a later
// issued load, whatever order they complete in.
type catalogSequencer struct {
	issued  uint64
	applied uint64
}

// next reserves a sequence number for a new load.
func (s *catalogSequencer) next() uint64 {
	s.issued++
	return s.issued
}

// accept reports whether a result for seq may be applied and records it.
func (s *catalogSequencer) accept(seq uint64) bool {
	if seq <= s.applied {
		return false
	}
	s.applied = seq
	return true
}
