package portal

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
)

// flexID accepts identifiers encoded as JSON strings or numbers.
type flexID string

func (f *flexID) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		*f = ""
		return nil
	}
	if data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		*f = flexID(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return fmt.Errorf("invalid identifier %s", string(data))
	}
	*f = flexID(n.String())
	return nil
}

// flexInt accepts numbers, numeric strings, null and arrays (counted).
type flexInt struct {
	value int
	set   bool
}

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	*f = flexInt{}
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	switch data[0] {
	case '[':
		var items []json.RawMessage
		if err := json.Unmarshal(data, &items); err != nil {
			return err
		}
		*f = flexInt{value: len(items), set: true}
		return nil
	case '"':
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}
		s = strings.TrimSpace(s)
		if s == "" {
			return nil
		}
		n, err := strconv.ParseFloat(s, 64)
		if err != nil {
			// Labels such as "Summer" or "N/A" are treated as absent.
			return nil
		}
		*f = flexInt{value: int(n), set: true}
		return nil
	}
	var n float64
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}
	*f = flexInt{value: int(n), set: true}
	return nil
}

// flexDecimal accepts decimals as numbers or strings; blanks read as zero.
type flexDecimal struct {
	decimal.Decimal
}

func (f *flexDecimal) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	f.Decimal = decimal.Zero
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	raw := string(data)
	if data[0] == '"' {
		if err := json.Unmarshal(data, &raw); err != nil {
			return err
		}
		raw = strings.TrimSpace(raw)
		if raw == "" {
			return nil
		}
	}
	d, err := decimal.NewFromString(raw)
	if err != nil {
		return fmt.Errorf("invalid decimal %s", string(data))
	}
	f.Decimal = d
	return nil
}

var timeLayouts = []string{time.RFC3339Nano, "2006-01-02T15:04:05", "2006-01-02 15:04:05", "2006-01-02"}

// jsonTime accepts the timestamp layouts the portal has emitted over time.
type jsonTime struct {
	time.Time
}

func (t *jsonTime) UnmarshalJSON(data []byte) error {
	var raw string
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil
	}
	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			t.Time = parsed.UTC()
			return nil
		}
	}
	return nil
}

func firstSet(values ...*flexInt) (int, bool) {
	for _, v := range values {
		if v != nil && v.set {
			return v.value, true
		}
	}
	return 0, false
}

type rawSection struct {
	ID          flexID `json:"id"`
	Name        string `json:"name"`
	SectionName string `json:"section_name"`
	Code        string `json:"code"`
	Schedule    string `json:"schedule"`

	Capacity    *flexInt `json:"capacity"`
	MaxSlots    *flexInt `json:"max_slots"`
	Slots       *flexInt `json:"slots"`
	MaxStudents *flexInt `json:"max_students"`

	EnrolledCount     *flexInt `json:"enrolled_count"`
	Enrolled          *flexInt `json:"enrolled"`
	CurrentEnrollment *flexInt `json:"current_enrollment"`
	Occupied          *flexInt `json:"occupied"`
	EnrolledStudents  *flexInt `json:"enrolled_students"`

	AvailableSlots *flexInt `json:"available_slots"`
	Remaining      *flexInt `json:"remaining"`
}

func (r rawSection) normalize() models.Section {
	name := firstNonEmpty(r.Name, r.SectionName, r.Code)
	capacity, _ := firstSet(r.Capacity, r.MaxSlots, r.Slots, r.MaxStudents)
	enrolled, ok := firstSet(r.EnrolledCount, r.Enrolled, r.CurrentEnrollment, r.Occupied, r.EnrolledStudents)
	if !ok {
		if open, hasOpen := firstSet(r.AvailableSlots, r.Remaining); hasOpen {
			enrolled = capacity - open
		}
	}
	if enrolled < 0 {
		enrolled = 0
	}
	if capacity < 0 {
		capacity = 0
	}
	return models.Section{
		ID:            string(r.ID),
		Name:          name,
		Capacity:      capacity,
		EnrolledCount: enrolled,
		Schedule:      r.Schedule,
	}
}

type rawPrerequisite struct {
	code string
}

func (p *rawPrerequisite) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) > 0 && data[0] == '{' {
		var obj struct {
			Code        string `json:"code"`
			SubjectCode string `json:"subject_code"`
		}
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		p.code = firstNonEmpty(obj.Code, obj.SubjectCode)
		return nil
	}
	var id flexID
	if err := id.UnmarshalJSON(data); err != nil {
		return err
	}
	p.code = string(id)
	return nil
}

type rawSubject struct {
	ID          flexID      `json:"id"`
	SubjectID   flexID      `json:"subject_id"`
	Code        string      `json:"code"`
	SubjectCode string      `json:"subject_code"`
	Title       string      `json:"title"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Units       flexDecimal `json:"units"`
	Credits     flexDecimal `json:"credits"`

	YearLevel  *flexInt `json:"year_level"`
	Year       *flexInt `json:"year"`
	TermNumber *flexInt `json:"term_number"`
	Semester   *flexInt `json:"semester"`

	PrerequisiteMet      *bool             `json:"prerequisite_met"`
	PrerequisitesMet     *bool             `json:"prerequisites_met"`
	MissingPrerequisites []rawPrerequisite `json:"missing_prerequisites"`

	Sections          []rawSection `json:"sections"`
	AvailableSections []rawSection `json:"available_sections"`
}

func (r rawSubject) normalize() models.Subject {
	id := string(r.ID)
	if id == "" {
		id = string(r.SubjectID)
	}
	units := r.Units.Decimal
	if units.IsZero() && !r.Credits.IsZero() {
		units = r.Credits.Decimal
	}
	if units.IsNegative() {
		units = decimal.Zero
	}

	year, _ := firstSet(r.YearLevel, r.Year)
	if year < 0 {
		year = models.YearLevelUnspecified
	}
	term, _ := firstSet(r.TermNumber, r.Semester)
	if term < models.TermUncategorized || term > models.TermSummer {
		term = models.TermUncategorized
	}

	missing := make([]string, 0, len(r.MissingPrerequisites))
	for _, p := range r.MissingPrerequisites {
		if p.code != "" {
			missing = append(missing, p.code)
		}
	}

	met := len(missing) == 0
	if r.PrerequisiteMet != nil {
		met = *r.PrerequisiteMet
	} else if r.PrerequisitesMet != nil {
		met = *r.PrerequisitesMet
	}

	rawSections := r.Sections
	if len(rawSections) == 0 {
		rawSections = r.AvailableSections
	}
	sections := make([]models.Section, 0, len(rawSections))
	for _, s := range rawSections {
		sections = append(sections, s.normalize())
	}

	return models.Subject{
		ID:                   id,
		Code:                 firstNonEmpty(r.Code, r.SubjectCode),
		Title:                firstNonEmpty(r.Title, r.Name, r.Description),
		Units:                units,
		YearLevel:            year,
		TermNumber:           term,
		PrerequisiteMet:      met,
		MissingPrerequisites: missing,
		Sections:             sections,
	}
}

type rawEnrollment struct {
	ID         flexID          `json:"id"`
	TermID     flexID          `json:"term_id"`
	Status     string          `json:"status"`
	Subject    json.RawMessage `json:"subject"`
	Section    json.RawMessage `json:"section"`
	EnrolledAt *jsonTime       `json:"enrolled_at"`
	CreatedAt  *jsonTime       `json:"created_at"`
}

func (r rawEnrollment) normalize() (models.EnrollmentRecord, error) {
	record := models.EnrollmentRecord{ID: string(r.ID), TermID: string(r.TermID), Status: r.Status}
	subject, err := decodeNested[rawSubject](r.Subject, func(id flexID) rawSubject { return rawSubject{ID: id} })
	if err != nil {
		return record, fmt.Errorf("decode enrollment subject: %w", err)
	}
	record.Subject = subject.normalize()
	section, err := decodeNested[rawSection](r.Section, func(id flexID) rawSection { return rawSection{ID: id} })
	if err != nil {
		return record, fmt.Errorf("decode enrollment section: %w", err)
	}
	record.Section = section.normalize()
	switch {
	case r.EnrolledAt != nil:
		t := r.EnrolledAt.Time
		record.EnrolledAt = &t
	case r.CreatedAt != nil:
		t := r.CreatedAt.Time
		record.EnrolledAt = &t
	}
	return record, nil
}

// decodeNested reads either an embedded object or a bare identifier.
func decodeNested[T any](data json.RawMessage, fromID func(flexID) T) (T, error) {
	var out T
	data = bytes.TrimSpace(data)
	if len(data) == 0 || string(data) == "null" {
		return out, nil
	}
	if data[0] == '{' {
		err := json.Unmarshal(data, &out)
		return out, err
	}
	var id flexID
	if err := id.UnmarshalJSON(data); err != nil {
		return out, err
	}
	return fromID(id), nil
}

type rawStudent struct {
	ID              flexID      `json:"id"`
	UserID          flexID      `json:"user_id"`
	StudentNumber   flexID      `json:"student_number"`
	StudentID       flexID      `json:"student_id"`
	FullName        string      `json:"full_name"`
	Name            string      `json:"name"`
	FirstName       string      `json:"first_name"`
	LastName        string      `json:"last_name"`
	Program         string      `json:"program"`
	Course          string      `json:"course"`
	YearLevel       *flexInt    `json:"year_level"`
	AdmissionStatus string      `json:"admission_status"`
	Status          string      `json:"status"`
	MaxUnits        flexDecimal `json:"max_units"`
}

func (r rawStudent) normalize() models.Student {
	full := firstNonEmpty(r.FullName, r.Name, strings.TrimSpace(r.FirstName+" "+r.LastName))
	year, _ := firstSet(r.YearLevel)
	id := string(r.ID)
	if id == "" {
		id = string(r.UserID)
	}
	return models.Student{
		ID:              id,
		StudentNumber:   firstNonEmpty(string(r.StudentNumber), string(r.StudentID)),
		FullName:        full,
		Program:         firstNonEmpty(r.Program, r.Course),
		YearLevel:       year,
		AdmissionStatus: firstNonEmpty(r.AdmissionStatus, r.Status),
		MaxUnits:        r.MaxUnits.Decimal,
	}
}

type rawTerm struct {
	ID           flexID   `json:"id"`
	Name         string   `json:"name"`
	AcademicYear string   `json:"academic_year"`
	SchoolYear   string   `json:"school_year"`
	Number       *flexInt `json:"term_number"`
	Semester     *flexInt `json:"semester"`
	IsActive     *bool    `json:"is_active"`
}

func (r rawTerm) normalize() models.Term {
	number, _ := firstSet(r.Number, r.Semester)
	active := true
	if r.IsActive != nil {
		active = *r.IsActive
	}
	return models.Term{
		ID:           string(r.ID),
		Name:         r.Name,
		AcademicYear: firstNonEmpty(r.AcademicYear, r.SchoolYear),
		Number:       number,
		IsActive:     active,
	}
}

type rawFeeStatus struct {
	Status  string      `json:"status"`
	Balance flexDecimal `json:"balance"`
	IsPaid  *bool       `json:"is_paid"`
	Cleared *bool       `json:"cleared"`
}

func (r rawFeeStatus) normalize() models.FeeStatus {
	cleared := !r.Balance.IsPositive()
	if r.Cleared != nil {
		cleared = *r.Cleared
	} else if r.IsPaid != nil {
		cleared = *r.IsPaid
	}
	status := strings.ToUpper(strings.TrimSpace(r.Status))
	if status == "" {
		status = "UNPAID"
		if cleared {
			status = "PAID"
		}
	}
	return models.FeeStatus{Status: status, Balance: r.Balance.String(), Cleared: cleared}
}

// decodeList accepts a bare JSON array or a page wrapper.
func decodeList[T any](body []byte) ([]T, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, fmt.Errorf("empty response body")
	}
	if body[0] == '[' {
		var items []T
		if err := json.Unmarshal(body, &items); err != nil {
			return nil, fmt.Errorf("decode list: %w", err)
		}
		return items, nil
	}
	var wrapper struct {
		Results     *[]T `json:"results"`
		Data        *[]T `json:"data"`
		Enrollments *[]T `json:"enrollments"`
	}
	if err := json.Unmarshal(body, &wrapper); err != nil {
		return nil, fmt.Errorf("decode page wrapper: %w", err)
	}
	switch {
	case wrapper.Results != nil:
		return *wrapper.Results, nil
	case wrapper.Data != nil:
		return *wrapper.Data, nil
	case wrapper.Enrollments != nil:
		return *wrapper.Enrollments, nil
	}
	return nil, fmt.Errorf("response is neither a list nor a page wrapper")
}

// decodeObject accepts a bare object or one wrapped in {"data": {...}}.
func decodeObject[T any](body []byte) (T, error) {
	var out T
	var wrapper struct {
		Data json.RawMessage `json:"data"`
	}
	if err := json.Unmarshal(body, &wrapper); err == nil {
		trimmed := bytes.TrimSpace(wrapper.Data)
		if len(trimmed) > 0 && trimmed[0] == '{' {
			body = trimmed
		}
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return out, fmt.Errorf("decode object: %w", err)
	}
	return out, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if s := strings.TrimSpace(v); s != "" {
			return s
		}
	}
	return ""
}
