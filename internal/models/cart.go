package models

import "github.com/shopspring/decimal"

// CartItem is a selected subject together with the chosen section.
type CartItem struct {
	Subject Subject `json:"subject"`
	Section Section `json:"section"`
}

// CartPair is the persisted identity of a cart item.
type CartPair struct {
	SubjectID string `json:"subjectId"`
	SectionID string `json:"sectionId"`
}

// Cart is an ordered selection of subjects, at most one item per subject.
type Cart struct {
	Items []CartItem `json:"items"`
}

// Units sums the units of every item.
func (c Cart) Units() decimal.Decimal {
	total := decimal.Zero
	for _, item := range c.Items {
		total = total.Add(item.Subject.Units)
	}
	return total
}

// Contains reports whether the subject is already selected.
func (c Cart) Contains(subjectID string) bool {
	for _, item := range c.Items {
		if item.Subject.ID == subjectID {
			return true
		}
	}
	return false
}

// Pairs returns the persisted form of the cart in insertion order.
func (c Cart) Pairs() []CartPair {
	pairs := make([]CartPair, 0, len(c.Items))
	for _, item := range c.Items {
		pairs = append(pairs, CartPair{SubjectID: item.Subject.ID, SectionID: item.Section.ID})
	}
	return pairs
}
