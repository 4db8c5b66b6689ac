package service

import (
	"fmt"
	"sort"
	"sync"

	"github.com/noah-isme/sma-enrollment-builder/internal/models"
	appErrors "github.com/noah-isme/sma-enrollment-builder/pkg/errors"
)

// TermBucket holds a year group's subjects for one term, in catalog order.
type TermBucket struct {
	Term     int
	Label    string
	Subjects []models.Subject
}

// YearGroup holds subjects of one curriculum year, split by term.
type YearGroup struct {
	YearLevel int
	Label     string
	Terms     []TermBucket
}

// Term returns the bucket for the given term number.
func (g YearGroup) Term(term int) (TermBucket, bool) {
	for _, bucket := range g.Terms {
		if bucket.Term == term {
			return bucket, true
		}
	}
	return TermBucket{}, false
}

// GroupByYearAndTerm buckets subjects by year level (ascending, unspecified
// last) and term (1, 2, summer, then uncategorized).
func GroupByYearAndTerm(subjects []models.Subject) []YearGroup {
	byYear := make(map[int]map[int][]models.Subject)
	for _, subject := range subjects {
		year := subject.YearLevel
		if year < 0 {
			year = models.YearLevelUnspecified
		}
		term := subject.TermNumber
		if term < models.TermUncategorized || term > models.TermSummer {
			term = models.TermUncategorized
		}
		if byYear[year] == nil {
			byYear[year] = make(map[int][]models.Subject)
		}
		byYear[year][term] = append(byYear[year][term], subject)
	}

	years := make([]int, 0, len(byYear))
	for year := range byYear {
		years = append(years, year)
	}
	sort.Slice(years, func(i, j int) bool { return yearRank(years[i]) < yearRank(years[j]) })

	groups := make([]YearGroup, 0, len(years))
	for _, year := range years {
		group := YearGroup{YearLevel: year, Label: YearLabel(year)}
		for _, term := range []int{models.TermFirst, models.TermSecond, models.TermSummer, models.TermUncategorized} {
			if bucket, ok := byYear[year][term]; ok {
				group.Terms = append(group.Terms, TermBucket{Term: term, Label: TermLabel(term), Subjects: bucket})
			}
		}
		groups = append(groups, group)
	}
	return groups
}

func yearRank(year int) int {
	if year == models.YearLevelUnspecified {
		return int(^uint(0) >> 1)
	}
	return year
}

// YearLabel renders a year level for display.
func YearLabel(year int) string {
	if year == models.YearLevelUnspecified {
		return "Unspecified"
	}
	suffix := "th"
	switch {
	case year%100 >= 11 && year%100 <= 13:
	case year%10 == 1:
		suffix = "st"
	case year%10 == 2:
		suffix = "nd"
	case year%10 == 3:
		suffix = "rd"
	}
	return fmt.Sprintf("%d%s Year", year, suffix)
}

// TermLabel renders a term number for display.
func TermLabel(term int) string {
	switch term {
	case models.TermFirst:
		return "1st Semester"
	case models.TermSecond:
		return "2nd Semester"
	case models.TermSummer:
		return "Summer"
	default:
		return "Uncategorized"
	}
}

// TermTabs tracks the active term tab of each year group independently.
type TermTabs struct {
	mu     sync.Mutex
	active map[int]int
}

// NewTermTabs constructs tab state with every year on term 1.
func NewTermTabs() *TermTabs {
	return &TermTabs{active: make(map[int]int)}
}

// Select makes term the active tab of the year group.
func (t *TermTabs) Select(year, term int) error {
	if term < models.TermUncategorized || term > models.TermSummer {
		return appErrors.Clone(appErrors.ErrValidation, fmt.Sprintf("unknown term %d", term))
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	t.active[year] = term
	return nil
}

// Active resolves the group's active tab. A selection the group has no
// bucket for falls back to term 1, then to the group's first bucket.
func (t *TermTabs) Active(group YearGroup) int {
	t.mu.Lock()
	selected, ok := t.active[group.YearLevel]
	t.mu.Unlock()
	if !ok {
		selected = models.TermFirst
	}
	if _, exists := group.Term(selected); exists || len(group.Terms) == 0 {
		return selected
	}
	if _, exists := group.Term(models.TermFirst); exists {
		return models.TermFirst
	}
	return group.Terms[0].Term
}
