package merge

import (
	"errors"
	"sort"
	"strings"

	"estimator/api/internal/jobdoc"
)

var (
	ErrCategoryNotFound = errors.New("category not found")
	ErrCategoryExists   = errors.New("category already exists")
	ErrCategoryInvalid  = errors.New("category name is required")
)

// RenameCategory renames a category in every line item, every per-category
// map key and every contractor assignment of doc. Either all of them change
// or none do.
func RenameCategory(doc *jobdoc.Document, from, to string) error {
	from = strings.TrimSpace(from)
	to = strings.TrimSpace(to)
	if from == "" || to == "" {
		return ErrCategoryInvalid
	}
	if from == to {
		return nil
	}
	known := categorySet(*doc)
	if _, ok := known[from]; !ok {
		return ErrCategoryNotFound
	}
	if _, ok := known[to]; ok {
		return ErrCategoryExists
	}

	doc.Normalize()
	for i := range doc.Items {
		if doc.Items[i].Category == from {
			doc.Items[i].Category = to
		}
	}
	s := &doc.Sections
	renameKey(s.SectionScopes, from, to)
	renameKey(s.SectionDisclaimers, from, to)
	renameKey(s.ContractorSectionDisclaimers, from, to)
	renameKey(s.SectionUpcharges, from, to)
	renameKey(s.SectionTodos, from, to)
	renameKey(s.SectionMeetings, from, to)
	renameKey(s.TestingCalibration, from, to)
	renameKey(s.TestingAssignments, from, to)
	renameKey(s.TestingSchedules, from, to)
	for contractor, categories := range s.ContractorAssignments {
		next := make([]string, len(categories))
		for i, c := range categories {
			if c == from {
				c = to
			}
			next[i] = c
		}
		s.ContractorAssignments[contractor] = next
	}
	return nil
}

func renameKey[V any](m map[string]V, from, to string) {
	v, ok := m[from]
	if !ok {
		return
	}
	delete(m, from)
	m[to] = v
}

// OrphanedCategories returns categories referenced by a per-category map or
// an assignment that no line item carries, sorted.
func OrphanedCategories(doc jobdoc.Document) []string {
	used := make(map[string]struct{})
	for _, c := range doc.Categories() {
		used[c] = struct{}{}
	}
	out := make([]string, 0)
	for _, key := range doc.SectionKeys() {
		if _, ok := used[key]; !ok {
			out = append(out, key)
		}
	}
	sort.Strings(out)
	return out
}

func categorySet(doc jobdoc.Document) map[string]struct{} {
	set := make(map[string]struct{})
	for _, c := range doc.Categories() {
		set[c] = struct{}{}
	}
	for _, c := range doc.SectionKeys() {
		set[c] = struct{}{}
	}
	return set
}
