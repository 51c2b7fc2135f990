package model

import "sort"

// GradeItem is one graded item in canonical form.
type GradeItem struct {
	Name       string `json:"item_name"`
	Grade      string `json:"grade"`
	Percentage string `json:"percentage,omitempty"`
	Feedback   string `json:"feedback,omitempty"`
}

// GradeShape tags which representation a RawGrades value holds.
type GradeShape int

const (
	GradesNone GradeShape = iota
	// GradesBySubject is a subject -> grade string mapping (CSV import).
	GradesBySubject
	// GradesByItem is a sequence of graded items (Moodle grade report).
	GradesByItem
)

// RawGrades holds grades as they arrive from a source. Use Items to get the
// canonical sequence; nothing past ingestion should see the map shape.
type RawGrades struct {
	Shape     GradeShape
	BySubject map[string]string
	ByItem    []GradeItem
}

// GradesFromMap wraps a subject -> grade mapping.
func GradesFromMap(m map[string]string) RawGrades {
	return RawGrades{Shape: GradesBySubject, BySubject: m}
}

// GradesFromItems wraps a sequence of graded items.
func GradesFromItems(items []GradeItem) RawGrades {
	return RawGrades{Shape: GradesByItem, ByItem: items}
}

// Items normalizes the grades to a sequence of graded items. Map entries are
// ordered by subject name.
func (g RawGrades) Items() []GradeItem {
	switch g.Shape {
	case GradesBySubject:
		names := make([]string, 0, len(g.BySubject))
		for name := range g.BySubject {
			names = append(names, name)
		}
		sort.Strings(names)
		items := make([]GradeItem, 0, len(names))
		for _, name := range names {
			items = append(items, GradeItem{Name: name, Grade: g.BySubject[name]})
		}
		return items
	case GradesByItem:
		items := make([]GradeItem, len(g.ByItem))
		copy(items, g.ByItem)
		return items
	default:
		return nil
	}
}
