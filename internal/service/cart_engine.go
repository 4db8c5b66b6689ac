package service

import (
	"fmt"
	"strings"
	"sync"

	"github.com/shopspring/decimal"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

// CartLimits are the authoritative bounds a cart is validated against.
type CartLimits struct {
	MaxUnits           decimal.Decimal
	EnrolledUnits      decimal.Decimal
	EnrolledSubjectIDs []string
}

// LimitsFromCatalog derives cart limits from a freshly loaded catalog.
func LimitsFromCatalog(catalog *models.Catalog, defaultMaxUnits decimal.Decimal) CartLimits {
	if catalog == nil {
		return CartLimits{MaxUnits: defaultMaxUnits}
	}
	return CartLimits{
		MaxUnits:           catalog.Student.UnitLimit(defaultMaxUnits),
		EnrolledUnits:      catalog.EnrolledUnits(),
		EnrolledSubjectIDs: catalog.EnrolledSubjectIDs(),
	}
}

// CartEngine holds the selected subject and section pairs. After every
// mutation: no two items share a subject, selected units plus enrolled units
// stay within the unit limit, and every item was eligible when it was added.
type CartEngine struct {
	mu          sync.Mutex
	items       []models.CartItem
	limits      CartLimits
	enrolled    map[string]struct{}
	eligibility *EligibilityEvaluator
	frozen      bool
}

// NewCartEngine constructs an empty cart.
func NewCartEngine(eligibility *EligibilityEvaluator, limits CartLimits) *CartEngine {
	if eligibility == nil {
		eligibility = NewEligibilityEvaluator()
	}
	c := &CartEngine{eligibility: eligibility}
	c.setLimits(limits)
	return c
}

func (c *CartEngine) setLimits(limits CartLimits) {
	c.limits = limits
	c.enrolled = make(map[string]struct{}, len(limits.EnrolledSubjectIDs))
	for _, id := range limits.EnrolledSubjectIDs {
		c.enrolled[id] = struct{}{}
	}
}

// Add appends the pair when every cart rule holds; rejected adds leave the
// cart untouched.
func (c *CartEngine) Add(subject models.Subject, section models.Section) (models.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return c.snapshot(), appErrors.ErrSubmissionInProgress
	}
	if err := c.check(subject, section); err != nil {
		return c.snapshot(), err
	}
	c.items = append(c.items, models.CartItem{Subject: subject, Section: section})
	return c.snapshot(), nil
}

func (c *CartEngine) check(subject models.Subject, section models.Section) error {
	if _, ok := subject.Section(section.ID); !ok {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("section %s is not offered for %s", section.ID, subject.Code))
	}
	for _, item := range c.items {
		if item.Subject.ID == subject.ID {
			return appErrors.Clone(appErrors.ErrDuplicateSubject, fmt.Sprintf("%s is already in your cart", subject.Code))
		}
	}
	if _, ok := c.enrolled[subject.ID]; ok {
		return appErrors.Clone(appErrors.ErrDuplicateSubject, fmt.Sprintf("you are already enrolled in %s this term", subject.Code))
	}
	if !c.eligibility.CanAdd(subject) {
		msg := fmt.Sprintf("prerequisites not met for %s", subject.Code)
		if missing := c.eligibility.Missing(subject); len(missing) > 0 {
			msg += ": " + strings.Join(missing, ", ")
		}
		return appErrors.Clone(appErrors.ErrPrerequisite, msg)
	}
	total := c.unitsLocked().Add(c.limits.EnrolledUnits).Add(subject.Units)
	if total.GreaterThan(c.limits.MaxUnits) {
		return appErrors.Clone(appErrors.ErrUnitCapExceeded, fmt.Sprintf("adding %s (%s units) exceeds your %s unit limit; %s units left",
			subject.Code, subject.Units.String(), c.limits.MaxUnits.String(), c.headroomLocked().String()))
	}
	return nil
}

// Remove drops the subject's item; removing an absent subject is a no-op.
func (c *CartEngine) Remove(subjectID string) (models.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return c.snapshot(), appErrors.ErrSubmissionInProgress
	}
	for i, item := range c.items {
		if item.Subject.ID == subjectID {
			c.items = append(c.items[:i:i], c.items[i+1:]...)
			break
		}
	}
	return c.snapshot(), nil
}

// Clear empties the cart.
func (c *CartEngine) Clear() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return appErrors.ErrSubmissionInProgress
	}
	c.items = nil
	return nil
}

// Snapshot returns a copy of the cart in insertion order.
func (c *CartEngine) Snapshot() models.Cart {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshot()
}

// Limits returns the bounds the cart is currently validated against.
func (c *CartEngine) Limits() CartLimits {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.limits
}

// Headroom returns the units still available under the limit.
func (c *CartEngine) Headroom() decimal.Decimal {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.headroomLocked()
}

// Frozen reports whether a submission currently holds the cart.
func (c *CartEngine) Frozen() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frozen
}

// Reconcile rebuilds the cart from persisted pairs against a fresh catalog.
// Pairs are replayed in order through the same rules as Add; pairs that no
// longer resolve or no longer pass are dropped and returned. A cart held by a
// submission is left alone.
func (c *CartEngine) Reconcile(catalog *models.Catalog, pairs []models.CartPair, limits CartLimits) ([]models.CartPair, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return nil, appErrors.ErrSubmissionInProgress
	}
	c.setLimits(limits)
	c.items = nil
	dropped := make([]models.CartPair, 0)
	for _, pair := range pairs {
		subject, ok := catalog.FindSubject(pair.SubjectID)
		if !ok {
			dropped = append(dropped, pair)
			continue
		}
		section, ok := subject.Section(pair.SectionID)
		if !ok {
			dropped = append(dropped, pair)
			continue
		}
		if err := c.check(subject, section); err != nil {
			dropped = append(dropped, pair)
			continue
		}
		c.items = append(c.items, models.CartItem{Subject: subject, Section: section})
	}
	return dropped, nil
}

// freeze hands the cart to an in-flight submission. Mutations are refused
// until release.
func (c *CartEngine) freeze() (models.Cart, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.frozen {
		return models.Cart{}, appErrors.ErrSubmissionInProgress
	}
	c.frozen = true
	return c.snapshot(), nil
}

// release ends a submission, emptying the cart when it was accepted.
func (c *CartEngine) release(clear bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if clear {
		c.items = nil
	}
	c.frozen = false
}

func (c *CartEngine) snapshot() models.Cart {
	items := make([]models.CartItem, len(c.items))
	copy(items, c.items)
	return models.Cart{Items: items}
}

func (c *CartEngine) unitsLocked() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.items {
		total = total.Add(item.Subject.Units)
	}
	return total
}

func (c *CartEngine) headroomLocked() decimal.Decimal {
	left := c.limits.MaxUnits.Sub(c.limits.EnrolledUnits).Sub(c.unitsLocked())
	if left.IsNegative() {
		return decimal.Zero
	}
	return left
}
