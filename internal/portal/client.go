package portal

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
	"github.com/noah-isme/sma-enrollment-builder/pkg/middleware/requestid"
)

// Upstream endpoint paths, relative to the configured base URL. Subject and
// enrollment endpoints are scoped to the portal's active term.
const (
	PathProfile             = "/students/me"
	PathActiveTerm          = "/terms/active"
	PathRecommendedSubjects = "/students/me/curriculum-subjects"
	PathAvailableSubjects   = "/subjects/available"
	PathCurrentEnrollments  = "/students/me/enrollments/current"
	PathFeeStatus           = "/students/me/fees/status"
	PathBulkEnroll          = "/enrollments/bulk"
)

const maxBodyBytes = 4 << 20

type tokenKey struct{}

// WithToken attaches the student's bearer token for upstream calls.
func WithToken(ctx context.Context, token string) context.Context {
	return context.WithValue(ctx, tokenKey{}, token)
}

// TokenFromContext returns the bearer token attached with WithToken.
func TokenFromContext(ctx context.Context) string {
	if v, ok := ctx.Value(tokenKey{}).(string); ok {
		return v
	}
	return ""
}

type requestObserver interface {
	ObserveUpstreamRequest(endpoint string, status int, duration time.Duration)
}

// StatusError reports a non-success upstream response.
type StatusError struct {
	Endpoint   string
	StatusCode int
	Body       []byte
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("portal %s responded %d", e.Endpoint, e.StatusCode)
}

// Config tunes the portal client.
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client talks to the academic portal REST API on behalf of one student
// request (the bearer token travels in the context).
type Client struct {
	baseURL string
	http    *http.Client
	metrics requestObserver
	logger  *zap.Logger
}

// NewClient constructs a portal client.
func NewClient(cfg Config, httpClient *http.Client, metrics requestObserver, logger *zap.Logger) *Client {
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 15 * time.Second
		}
		httpClient = &http.Client{Timeout: timeout}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Client{
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		http:    httpClient,
		metrics: metrics,
		logger:  logger,
	}
}

// Profile fetches the signed-in student's profile.
func (c *Client) Profile(ctx context.Context) (*models.Student, error) {
	body, err := c.get(ctx, PathProfile)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject[rawStudent](body)
	if err != nil {
		return nil, fmt.Errorf("profile: %w", err)
	}
	student := raw.normalize()
	return &student, nil
}

// ActiveTerm fetches the term currently open for enrollment.
func (c *Client) ActiveTerm(ctx context.Context) (*models.Term, error) {
	body, err := c.get(ctx, PathActiveTerm)
	if err != nil {
		return nil, err
	}
	// Some deployments answer with a one-element page instead of an object.
	if trimmed := bytes.TrimSpace(body); len(trimmed) > 0 && (trimmed[0] == '[' || bytes.Contains(trimmed, []byte(`"results"`))) {
		terms, err := decodeList[rawTerm](body)
		if err != nil {
			return nil, fmt.Errorf("active term: %w", err)
		}
		if len(terms) == 0 {
			return nil, fmt.Errorf("active term: no active term")
		}
		term := terms[0].normalize()
		return &term, nil
	}
	raw, err := decodeObject[rawTerm](body)
	if err != nil {
		return nil, fmt.Errorf("active term: %w", err)
	}
	term := raw.normalize()
	if term.ID == "" {
		return nil, fmt.Errorf("active term: no active term")
	}
	return &term, nil
}

// RecommendedSubjects fetches curriculum-recommended subjects for the term.
func (c *Client) RecommendedSubjects(ctx context.Context) ([]models.Subject, error) {
	return c.subjects(ctx, PathRecommendedSubjects)
}

// AvailableSubjects fetches generally available subjects for the term.
func (c *Client) AvailableSubjects(ctx context.Context) ([]models.Subject, error) {
	return c.subjects(ctx, PathAvailableSubjects)
}

// CurrentEnrollments fetches the student's confirmed enrollments for the term.
func (c *Client) CurrentEnrollments(ctx context.Context) ([]models.EnrollmentRecord, error) {
	body, err := c.get(ctx, PathCurrentEnrollments)
	if err != nil {
		return nil, err
	}
	return decodeEnrollments(body)
}

// FeeStatus fetches the student's payment standing.
func (c *Client) FeeStatus(ctx context.Context) (*models.FeeStatus, error) {
	body, err := c.get(ctx, PathFeeStatus)
	if err != nil {
		return nil, err
	}
	raw, err := decodeObject[rawFeeStatus](body)
	if err != nil {
		return nil, fmt.Errorf("fee status: %w", err)
	}
	status := raw.normalize()
	return &status, nil
}

type bulkEnrollItem struct {
	Subject string `json:"subject"`
	Section string `json:"section"`
}

type bulkEnrollRequest struct {
	Enrollments []bulkEnrollItem `json:"enrollments"`
}

// BulkEnroll submits every pair in one call. Transport failures, timeouts and
// upstream 5xx answers map to ErrNetwork; any other non-success answer maps to
// ErrServerRejection carrying the server's reason.
func (c *Client) BulkEnroll(ctx context.Context, pairs []models.CartPair) ([]models.EnrollmentRecord, error) {
	payload := bulkEnrollRequest{Enrollments: make([]bulkEnrollItem, 0, len(pairs))}
	for _, p := range pairs {
		payload.Enrollments = append(payload.Enrollments, bulkEnrollItem{Subject: p.SubjectID, Section: p.SectionID})
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal bulk enroll payload: %w", err)
	}

	body, err := c.do(ctx, http.MethodPost, PathBulkEnroll, data)
	if err != nil {
		var statusErr *StatusError
		if errors.As(err, &statusErr) {
			if statusErr.StatusCode >= http.StatusInternalServerError {
				return nil, appErrors.Wrap(err, appErrors.ErrNetwork.Code, appErrors.ErrNetwork.Status, "enrollment service unavailable, please retry")
			}
			reason := rejectionReason(statusErr.Body)
			if reason == "" {
				reason = http.StatusText(statusErr.StatusCode)
			}
			return nil, appErrors.Wrap(err, appErrors.ErrServerRejection.Code, appErrors.ErrServerRejection.Status, reason)
		}
		return nil, err
	}

	if len(bytes.TrimSpace(body)) == 0 {
		return []models.EnrollmentRecord{}, nil
	}
	records, err := decodeEnrollments(body)
	if err != nil {
		// The portal accepted the request; the catalog refresh shows what was enrolled.
		c.logger.Warn("unreadable bulk enrollment response", zap.Int("items", len(pairs)), zap.Error(err))
		return []models.EnrollmentRecord{}, nil
	}
	return records, nil
}

func (c *Client) subjects(ctx context.Context, path string) ([]models.Subject, error) {
	body, err := c.get(ctx, path)
	if err != nil {
		return nil, err
	}
	raws, err := decodeList[rawSubject](body)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	subjects := make([]models.Subject, 0, len(raws))
	for _, raw := range raws {
		subject := raw.normalize()
		if subject.ID == "" {
			continue
		}
		subjects = append(subjects, subject)
	}
	return subjects, nil
}

func decodeEnrollments(body []byte) ([]models.EnrollmentRecord, error) {
	raws, err := decodeList[rawEnrollment](body)
	if err != nil {
		return nil, fmt.Errorf("enrollments: %w", err)
	}
	records := make([]models.EnrollmentRecord, 0, len(raws))
	for _, raw := range raws {
		record, err := raw.normalize()
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, nil
}

func (c *Client) get(ctx context.Context, path string) ([]byte, error) {
	return c.do(ctx, http.MethodGet, path, nil)
}

func (c *Client) do(ctx context.Context, method, path string, payload []byte) ([]byte, error) {
	var reader io.Reader
	if payload != nil {
		reader = bytes.NewReader(payload)
	}
	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return nil, fmt.Errorf("build portal request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if token := TokenFromContext(ctx); token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if id := requestid.FromContext(ctx); id != "" {
		req.Header.Set(requestid.Header, id)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	duration := time.Since(start)
	if err != nil {
		c.observe(path, 0, duration)
		c.logger.Warn("portal request failed", zap.String("method", method), zap.String("path", path), zap.Error(err))
		return nil, appErrors.Wrap(err, appErrors.ErrNetwork.Code, appErrors.ErrNetwork.Status, "portal unreachable")
	}
	defer resp.Body.Close() //nolint:errcheck
	c.observe(path, resp.StatusCode, duration)

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return nil, appErrors.Wrap(err, appErrors.ErrNetwork.Code, appErrors.ErrNetwork.Status, "portal response interrupted")
	}
	if resp.StatusCode < http.StatusOK || resp.StatusCode >= http.StatusMultipleChoices {
		c.logger.Debug("portal request rejected", zap.String("method", method), zap.String("path", path), zap.Int("status", resp.StatusCode))
		return nil, &StatusError{Endpoint: path, StatusCode: resp.StatusCode, Body: body}
	}
	return body, nil
}

func (c *Client) observe(path string, status int, duration time.Duration) {
	if c.metrics != nil {
		c.metrics.ObserveUpstreamRequest(path, status, duration)
	}
}

// rejectionReason extracts a human readable message from the error shapes
// the portal uses.
func rejectionReason(body []byte) string {
	var payload map[string]json.RawMessage
	if err := json.Unmarshal(body, &payload); err != nil {
		return strings.TrimSpace(string(body))
	}
	for _, key := range []string{"detail", "message", "reason", "error", "errors", "non_field_errors", "failed"} {
		raw, ok := payload[key]
		if !ok {
			continue
		}
		if msg := messageFrom(raw); msg != "" {
			return msg
		}
	}
	return ""
}

func messageFrom(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return ""
	}
	switch raw[0] {
	case '"':
		var s string
		_ = json.Unmarshal(raw, &s)
		return strings.TrimSpace(s)
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(raw, &items); err != nil {
			return ""
		}
		parts := make([]string, 0, len(items))
		for _, item := range items {
			if msg := messageFrom(item); msg != "" {
				parts = append(parts, msg)
			}
		}
		return strings.Join(parts, "; ")
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(raw, &obj); err != nil {
			return ""
		}
		for _, key := range []string{"reason", "message", "detail", "error"} {
			if v, ok := obj[key]; ok {
				msg := messageFrom(v)
				if msg == "" {
					continue
				}
				if subject := messageFrom(obj["subject"]); subject != "" {
					return subject + ": " + msg
				}
				return msg
			}
		}
		fields := make([]string, 0, len(obj))
		for field := range obj {
			fields = append(fields, field)
		}
		sort.Strings(fields)
		parts := make([]string, 0, len(fields))
		for _, field := range fields {
			if msg := messageFrom(obj[field]); msg != "" {
				parts = append(parts, field+": "+msg)
			}
		}
		return strings.Join(parts, "; ")
	}
	return ""
}
