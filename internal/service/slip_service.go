package service

import (
	"context"
	"fmt"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-builder/internal/dto"
	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	"github.com/noah-isme/sma-enrollment-builder/internal/repository"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
	"github.com/noah-isme/sma-enrollment-builder/pkg/export"
	"github.com/noah-isme/sma-enrollment-builder/pkg/jobs"
	"github.com/noah-isme/sma-enrollment-builder/pkg/storage"
)

// SlipJobType tags enrollment slip jobs on the queue.
const SlipJobType = "enrollment_slip"

type slipJobStore interface {
	Create(ctx context.Context, job *models.SlipJob) error
	GetByID(ctx context.Context, id string) (*models.SlipJob, error)
	Update(ctx context.Context, id string, params repository.UpdateSlipJobParams) error
	DeleteFinishedBefore(ctx context.Context, cutoff time.Time) ([]models.SlipJob, error)
}

type enrollmentSource interface {
	Catalog(ctx context.Context, studentID string) (*models.Catalog, error)
}

type jobDispatcher interface {
	Enqueue(job jobs.Job) error
}

type fileStorage interface {
	Save(filename string, data []byte) (string, error)
	Open(filename string) (*os.File, error)
	Delete(filename string) error
	CleanupOlderThan(ttl time.Duration) ([]string, error)
}

type csvRenderer interface {
	Render(data export.Dataset) ([]byte, error)
}

type pdfRenderer interface {
	Render(data export.Dataset, doc export.Document) ([]byte, error)
}

// SlipServiceConfig tunes slip generation.
type SlipServiceConfig struct {
	APIPrefix       string
	ResultTTL       time.Duration
	CleanupInterval time.Duration
}

// SlipDownload is a resolved, ready-to-stream slip file.
type SlipDownload struct {
	File      *os.File
	Filename  string
	Format    models.SlipFormat
	ExpiresAt time.Time
}

// SlipService renders enrollment slips of the active term in the background
// and hands out signed download links.
type SlipService struct {
	repo        slipJobStore
	enrollments enrollmentSource
	queue       jobDispatcher
	storage     fileStorage
	signer      *storage.SignedURLSigner
	csv         csvRenderer
	pdf         pdfRenderer
	logger      *zap.Logger
	cfg         SlipServiceConfig
}

// NewSlipService constructs the slip service. The queue is attached later
// with UseQueue because the queue's handler is the service itself.
func NewSlipService(repo slipJobStore, enrollments enrollmentSource, files fileStorage, signer *storage.SignedURLSigner, logger *zap.Logger, cfg SlipServiceConfig) *SlipService {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ResultTTL <= 0 {
		cfg.ResultTTL = 24 * time.Hour
	}
	if cfg.APIPrefix == "" {
		cfg.APIPrefix = "/api/v1"
	}
	return &SlipService{
		repo:        repo,
		enrollments: enrollments,
		storage:     files,
		signer:      signer,
		csv:         export.NewCSVExporter(),
		pdf:         export.NewPDFExporter(),
		logger:      logger,
		cfg:         cfg,
	}
}

// UseQueue sets the dispatcher jobs are enqueued on.
func (s *SlipService) UseQueue(queue jobDispatcher) {
	s.queue = queue
}

// CreateJob snapshots the student's confirmed enrollments and queues a slip.
func (s *SlipService) CreateJob(ctx context.Context, studentID string, req dto.SlipRequest) (*dto.SlipJobResponse, error) {
	if req.Format != models.SlipFormatCSV && req.Format != models.SlipFormatPDF {
		return nil, appErrors.Clone(appErrors.ErrValidation, "unsupported slip format")
	}
	if s.queue == nil {
		return nil, appErrors.Clone(appErrors.ErrInternal, "slip queue not configured")
	}
	catalog, err := s.enrollments.Catalog(ctx, studentID)
	if err != nil {
		return nil, err
	}
	if len(catalog.Enrolled) == 0 {
		return nil, appErrors.Clone(appErrors.ErrPreconditionFailed, "no confirmed enrollments for the active term")
	}

	job := &models.SlipJob{
		ID:        uuid.NewString(),
		StudentID: studentID,
		Format:    req.Format,
		Status:    models.SlipStatusQueued,
		Student:   catalog.Student,
		Term:      catalog.ActiveTerm,
		Records:   append([]models.EnrollmentRecord(nil), catalog.Enrolled...),
		CreatedAt: time.Now().UTC(),
	}
	if err := s.repo.Create(ctx, job); err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to create slip job")
	}
	if err := s.queue.Enqueue(jobs.Job{ID: job.ID, Type: SlipJobType}); err != nil {
		failed := models.SlipStatusFailed
		msg := "failed to enqueue job"
		now := time.Now().UTC()
		_ = s.repo.Update(ctx, job.ID, repository.UpdateSlipJobParams{Status: &failed, ErrorMessage: &msg, FinishedAt: &now})
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to enqueue slip job")
	}
	return &dto.SlipJobResponse{ID: job.ID, Status: job.Status}, nil
}

// GetStatus returns a slip job owned by the student.
func (s *SlipService) GetStatus(ctx context.Context, studentID, id string) (*dto.SlipStatusResponse, error) {
	job, err := s.repo.GetByID(ctx, id)
	if err != nil {
		if appErrors.Is(err, appErrors.ErrNotFound) {
			return nil, appErrors.ErrNotFound
		}
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to load slip job")
	}
	if job.StudentID != studentID {
		return nil, appErrors.ErrNotFound
	}
	return &dto.SlipStatusResponse{
		ID:         job.ID,
		Status:     job.Status,
		Format:     job.Format,
		ResultURL:  job.ResultURL,
		Error:      job.ErrorMessage,
		CreatedAt:  job.CreatedAt,
		FinishedAt: job.FinishedAt,
	}, nil
}

// Handle renders a queued slip. It is the queue's job handler.
func (s *SlipService) Handle(ctx context.Context, job jobs.Job) error {
	record, err := s.repo.GetByID(ctx, job.ID)
	if err != nil {
		return err
	}
	processing := models.SlipStatusProcessing
	if err := s.repo.Update(ctx, job.ID, repository.UpdateSlipJobParams{Status: &processing}); err != nil {
		return err
	}

	resultURL, err := s.generate(record)
	if err != nil {
		// Back to QUEUED: the queue retries the job or calls GiveUp.
		msg := err.Error()
		queued := models.SlipStatusQueued
		if updateErr := s.repo.Update(ctx, job.ID, repository.UpdateSlipJobParams{Status: &queued, ErrorMessage: &msg}); updateErr != nil {
			s.logger.Warn("failed to update slip job after render error", zap.String("job_id", job.ID), zap.Error(updateErr))
		}
		return err
	}

	finished := models.SlipStatusFinished
	now := time.Now().UTC()
	noError := ""
	if err := s.repo.Update(ctx, job.ID, repository.UpdateSlipJobParams{
		Status:       &finished,
		ResultURL:    &resultURL,
		ErrorMessage: &noError,
		FinishedAt:   &now,
	}); err != nil {
		s.logger.Warn("failed to mark slip job finished", zap.String("job_id", job.ID), zap.Error(err))
		return err
	}
	return nil
}

// GiveUp marks a job FAILED once the queue stops retrying it.
func (s *SlipService) GiveUp(job jobs.Job, cause error) {
	failed := models.SlipStatusFailed
	msg := cause.Error()
	now := time.Now().UTC()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.repo.Update(ctx, job.ID, repository.UpdateSlipJobParams{Status: &failed, ErrorMessage: &msg, FinishedAt: &now}); err != nil {
		s.logger.Warn("failed to mark slip job failed", zap.String("job_id", job.ID), zap.Error(err))
	}
}

func (s *SlipService) generate(job *models.SlipJob) (string, error) {
	dataset := slipDataset(job.Records)
	var (
		payload []byte
		err     error
	)
	switch job.Format {
	case models.SlipFormatCSV:
		payload, err = s.csv.Render(dataset)
	case models.SlipFormatPDF:
		payload, err = s.pdf.Render(dataset, slipDocument(job))
	default:
		err = fmt.Errorf("unsupported format %s", job.Format)
	}
	if err != nil {
		return "", err
	}

	relPath, err := s.storage.Save(slipFilename(job), payload)
	if err != nil {
		return "", err
	}
	token, _, err := s.signer.Generate(job.ID, relPath)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("%s/slips/download?token=%s", strings.TrimRight(s.cfg.APIPrefix, "/"), url.QueryEscape(token)), nil
}

func slipDataset(records []models.EnrollmentRecord) export.Dataset {
	headers := []string{"Code", "Subject", "Units", "Section", "Schedule", "Status"}
	rows := make([]map[string]string, 0, len(records))
	total := decimal.Zero
	for _, record := range records {
		total = total.Add(record.Subject.Units)
		rows = append(rows, map[string]string{
			"Code":     record.Subject.Code,
			"Subject":  record.Subject.Title,
			"Units":    record.Subject.Units.String(),
			"Section":  record.Section.Name,
			"Schedule": record.Section.Schedule,
			"Status":   record.Status,
		})
	}
	return export.Dataset{
		Headers: headers,
		Rows:    rows,
		Footer:  map[string]string{"Subject": "Total units", "Units": total.String()},
	}
}

func slipDocument(job *models.SlipJob) export.Document {
	name := job.Student.FullName
	if job.Student.StudentNumber != "" {
		name = fmt.Sprintf("%s (%s)", name, job.Student.StudentNumber)
	}
	return export.Document{
		Title: "Enrollment Slip",
		Lines: []string{
			"Student: " + name,
			"Term: " + job.Term.Name,
			"Generated: " + time.Now().UTC().Format("2006-01-02 15:04 MST"),
		},
	}
}

func slipFilename(job *models.SlipJob) string {
	timestamp := time.Now().UTC().Format("20060102_150405")
	return path.Join("slips", sanitizeFilename(job.StudentID), fmt.Sprintf("%s_%s.%s", sanitizeFilename(job.Term.ID), timestamp, job.Format))
}

func sanitizeFilename(raw string) string {
	if raw == "" {
		return "na"
	}
	replacer := strings.NewReplacer(" ", "_", "/", "-", "\\", "-", ":", "-", "..", ".")
	result := replacer.Replace(raw)
	if len(result) > 100 {
		return result[:100]
	}
	return result
}

// ResolveDownload validates a download token and opens the slip file.
func (s *SlipService) ResolveDownload(ctx context.Context, token string) (*SlipDownload, error) {
	jobID, relPath, expiresAt, err := s.signer.Parse(token, false)
	if err != nil {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "invalid or expired download token")
	}
	job, err := s.repo.GetByID(ctx, jobID)
	if err != nil {
		return nil, appErrors.ErrNotFound
	}
	if job.Status != models.SlipStatusFinished || job.ResultURL == nil || !strings.Contains(*job.ResultURL, url.QueryEscape(token)) {
		return nil, appErrors.Clone(appErrors.ErrForbidden, "slip not available")
	}
	file, err := s.storage.Open(relPath)
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrInternal.Code, appErrors.ErrInternal.Status, "failed to open slip file")
	}
	return &SlipDownload{File: file, Filename: filepath.Base(relPath), Format: job.Format, ExpiresAt: expiresAt}, nil
}

// StartCleanup periodically removes expired jobs and their files.
func (s *SlipService) StartCleanup(ctx context.Context) {
	if s.cfg.CleanupInterval <= 0 {
		return
	}
	ticker := time.NewTicker(s.cfg.CleanupInterval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.cleanupExpired(ctx)
			}
		}
	}()
}

func (s *SlipService) cleanupExpired(ctx context.Context) {
	expired, err := s.repo.DeleteFinishedBefore(ctx, time.Now().Add(-s.cfg.ResultTTL))
	if err != nil {
		s.logger.Warn("slip cleanup list failed", zap.Error(err))
		return
	}
	for _, job := range expired {
		if job.ResultURL == nil {
			continue
		}
		token := tokenFromURL(*job.ResultURL)
		if token == "" {
			continue
		}
		_, relPath, _, err := s.signer.Parse(token, true)
		if err != nil {
			continue
		}
		if err := s.storage.Delete(relPath); err != nil {
			s.logger.Warn("slip cleanup delete failed", zap.String("job_id", job.ID), zap.Error(err))
		}
	}
	if _, err := s.storage.CleanupOlderThan(s.cfg.ResultTTL); err != nil {
		s.logger.Warn("slip filesystem cleanup failed", zap.Error(err))
	}
}

func tokenFromURL(raw string) string {
	parsed, err := url.Parse(raw)
	if err != nil {
		return ""
	}
	return parsed.Query().Get("token")
}
