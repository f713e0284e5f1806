package client

import (
	"encoding/json"
	"fmt"
	"strings"

	"estimator/api/internal/access"
	"estimator/api/internal/jobdoc"
	"estimator/api/internal/merge"
)

// Effect describes what a mutation changed, which decides what gets
// broadcast to sibling tabs and which pending file state moves.
type Effect struct {
	Items    bool
	Packages bool
	Files    bool
	// AddedFiles are new local attachments not yet acknowledged by a save.
	AddedFiles []jobdoc.FileLink
	// DeletedFiles are composite keys to tombstone.
	DeletedFiles []string
}

// Mutation is one local edit. Tab.Apply is the only way to change a tab's
// document: it checks the grant, applies, caches, schedules the save and
// notifies peers.
type Mutation interface {
	Name() string
	Check(g access.Grant, doc jobdoc.Document) error
	Apply(doc *jobdoc.Document) (Effect, error)
}

// SetField assigns a scalar field by its JSON name.
type SetField struct {
	Field string
	Value string
}

func (m SetField) Name() string { return "set " + m.Field }

func (m SetField) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionEditJob, "")
}

func (m SetField) Apply(doc *jobdoc.Document) (Effect, error) {
	text := map[string]*string{
		"clientName":   &doc.ClientName,
		"siteAddress":  &doc.SiteAddress,
		"quoteDate":    &doc.QuoteDate,
		"quoteNumber":  &doc.QuoteNumber,
		"companyName":  &doc.CompanyName,
		"contactName":  &doc.ContactName,
		"phone":        &doc.Phone,
		"email":        &doc.Email,
		"projectNotes": &doc.ProjectNotes,
		"paymentTerms": &doc.PaymentTerms,
		"scopeOfWork":  &doc.ScopeOfWork,
		"disclaimers":  &doc.Disclaimers,
	}
	if target, ok := text[m.Field]; ok {
		*target = m.Value
		return Effect{}, nil
	}
	switch m.Field {
	case "taxRate":
		doc.TaxRate = jobdoc.ParseNumber(m.Value)
	case "discount":
		doc.Discount = jobdoc.ParseNumber(m.Value)
	default:
		return Effect{}, fmt.Errorf("unknown field %q", m.Field)
	}
	return Effect{}, nil
}

// SetItems replaces the whole item list.
type SetItems struct {
	Items []jobdoc.LineItem
}

func (m SetItems) Name() string { return "set items" }

func (m SetItems) Check(g access.Grant, doc jobdoc.Document) error {
	if g.Mode == access.ModeOwner {
		return nil
	}
	// Items outside the grant must come through untouched.
	if !sameItems(outside(g, doc.Items), outside(g, m.Items)) {
		return fmt.Errorf("set items: %w", access.ErrCategoryNotAssigned)
	}
	return g.Check(access.ActionEditItems, firstInside(g, m.Items, doc.Items))
}

func (m SetItems) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.Items = merge.Items(doc.Items, m.Items)
	return Effect{Items: true}, nil
}

// AddItems appends items, for instance the lines of a package template.
type AddItems struct {
	Items []jobdoc.LineItem
}

func (m AddItems) Name() string { return "add items" }

func (m AddItems) Check(g access.Grant, _ jobdoc.Document) error {
	for _, item := range m.Items {
		if err := g.Check(access.ActionEditItems, item.Category); err != nil {
			return err
		}
	}
	return nil
}

func (m AddItems) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.Items = append(doc.Items, m.Items...)
	return Effect{Items: true}, nil
}

// UpdateItem replaces the item at Index.
type UpdateItem struct {
	Index int
	Item  jobdoc.LineItem
}

func (m UpdateItem) Name() string { return "update item" }

func (m UpdateItem) Check(g access.Grant, doc jobdoc.Document) error {
	if m.Index < 0 || m.Index >= len(doc.Items) {
		return fmt.Errorf("update item: index %d out of range", m.Index)
	}
	if err := g.Check(access.ActionEditItems, doc.Items[m.Index].Category); err != nil {
		return err
	}
	return g.Check(access.ActionEditItems, m.Item.Category)
}

func (m UpdateItem) Apply(doc *jobdoc.Document) (Effect, error) {
	if m.Item.UID == "" {
		m.Item.UID = doc.Items[m.Index].UID
	}
	doc.Items[m.Index] = m.Item
	return Effect{Items: true}, nil
}

// RemoveItem drops the item at Index.
type RemoveItem struct {
	Index int
}

func (m RemoveItem) Name() string { return "remove item" }

func (m RemoveItem) Check(g access.Grant, doc jobdoc.Document) error {
	if m.Index < 0 || m.Index >= len(doc.Items) {
		return fmt.Errorf("remove item: index %d out of range", m.Index)
	}
	return g.Check(access.ActionEditItems, doc.Items[m.Index].Category)
}

func (m RemoveItem) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.Items = append(doc.Items[:m.Index], doc.Items[m.Index+1:]...)
	return Effect{Items: true}, nil
}

// AddFile attaches a file link.
type AddFile struct {
	File jobdoc.FileLink
}

func (m AddFile) Name() string { return "add file" }

func (m AddFile) Check(g access.Grant, _ jobdoc.Document) error {
	if strings.TrimSpace(m.File.Name) == "" {
		return fmt.Errorf("add file: name is required")
	}
	return g.Check(access.ActionAttachFile, "")
}

func (m AddFile) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.Files = merge.Files(doc.Files, []jobdoc.FileLink{m.File}, nil)
	return Effect{Files: true, AddedFiles: []jobdoc.FileLink{m.File}}, nil
}

// RemoveFile deletes a file by composite key and records a tombstone.
type RemoveFile struct {
	Key string
}

func (m RemoveFile) Name() string { return "remove file" }

func (m RemoveFile) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionAttachFile, "")
}

func (m RemoveFile) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.Files = merge.Files(doc.Files, nil, []string{m.Key})
	return Effect{Files: true, DeletedFiles: []string{m.Key}}, nil
}

// Section text kinds.
const (
	SectionScope                = "scope"
	SectionDisclaimer           = "disclaimer"
	SectionContractorDisclaimer = "contractorDisclaimer"
)

// SetSectionText edits a per-category text map.
type SetSectionText struct {
	Kind     string
	Category string
	Text     string
}

func (m SetSectionText) Name() string { return "set section " + m.Kind }

func (m SetSectionText) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionEditSection, m.Category)
}

func (m SetSectionText) Apply(doc *jobdoc.Document) (Effect, error) {
	var target map[string]string
	switch m.Kind {
	case SectionScope:
		target = doc.SectionScopes
	case SectionDisclaimer:
		target = doc.SectionDisclaimers
	case SectionContractorDisclaimer:
		target = doc.ContractorSectionDisclaimers
	default:
		return Effect{}, fmt.Errorf("unknown section kind %q", m.Kind)
	}
	if m.Text == "" {
		delete(target, m.Category)
	} else {
		target[m.Category] = m.Text
	}
	return Effect{Packages: true}, nil
}

// SetUpcharge sets the extra charge of a category.
type SetUpcharge struct {
	Category string
	Amount   jobdoc.Number
}

func (m SetUpcharge) Name() string { return "set upcharge" }

func (m SetUpcharge) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionEditSection, m.Category)
}

func (m SetUpcharge) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.SectionUpcharges[m.Category] = m.Amount
	return Effect{Packages: true}, nil
}

type SetSectionTodos struct {
	Category string
	Todos    []jobdoc.Todo
}

func (m SetSectionTodos) Name() string { return "set section todos" }

func (m SetSectionTodos) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionEditSection, m.Category)
}

func (m SetSectionTodos) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.SectionTodos[m.Category] = append([]jobdoc.Todo(nil), m.Todos...)
	return Effect{Packages: true}, nil
}

type SetSectionMeetings struct {
	Category string
	Meetings []jobdoc.Meeting
}

func (m SetSectionMeetings) Name() string { return "set section meetings" }

func (m SetSectionMeetings) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionEditSection, m.Category)
}

func (m SetSectionMeetings) Apply(doc *jobdoc.Document) (Effect, error) {
	doc.SectionMeetings[m.Category] = append([]jobdoc.Meeting(nil), m.Meetings...)
	return Effect{Packages: true}, nil
}

// Testing map kinds.
const (
	TestingCalibration = "calibration"
	TestingAssignments = "assignments"
	TestingSchedules   = "schedules"
)

// SetTesting stores free-form testing data for a category.
type SetTesting struct {
	Kind     string
	Category string
	Value    json.RawMessage
}

func (m SetTesting) Name() string { return "set testing " + m.Kind }

func (m SetTesting) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionEditSection, m.Category)
}

func (m SetTesting) Apply(doc *jobdoc.Document) (Effect, error) {
	var target map[string]json.RawMessage
	switch m.Kind {
	case TestingCalibration:
		target = doc.TestingCalibration
	case TestingAssignments:
		target = doc.TestingAssignments
	case TestingSchedules:
		target = doc.TestingSchedules
	default:
		return Effect{}, fmt.Errorf("unknown testing kind %q", m.Kind)
	}
	if len(m.Value) == 0 {
		delete(target, m.Category)
	} else {
		target[m.Category] = append(json.RawMessage(nil), m.Value...)
	}
	return Effect{Packages: true}, nil
}

// SetAssignments replaces the categories assigned to a contractor.
type SetAssignments struct {
	Contractor string
	Categories []string
}

func (m SetAssignments) Name() string { return "set assignments" }

func (m SetAssignments) Check(g access.Grant, _ jobdoc.Document) error {
	if strings.TrimSpace(m.Contractor) == "" {
		return fmt.Errorf("set assignments: contractor is required")
	}
	return g.Check(access.ActionManageAssignments, "")
}

func (m SetAssignments) Apply(doc *jobdoc.Document) (Effect, error) {
	if len(m.Categories) == 0 {
		delete(doc.ContractorAssignments, m.Contractor)
	} else {
		doc.ContractorAssignments[m.Contractor] = append([]string(nil), m.Categories...)
	}
	return Effect{Packages: true}, nil
}

// RenameCategory renames a category everywhere it is referenced.
type RenameCategory struct {
	From string
	To   string
}

func (m RenameCategory) Name() string { return "rename category" }

func (m RenameCategory) Check(g access.Grant, _ jobdoc.Document) error {
	return g.Check(access.ActionRenameCategory, m.From)
}

func (m RenameCategory) Apply(doc *jobdoc.Document) (Effect, error) {
	if err := merge.RenameCategory(doc, m.From, m.To); err != nil {
		return Effect{}, err
	}
	return Effect{Items: true, Packages: true}, nil
}

func outside(g access.Grant, items []jobdoc.LineItem) []jobdoc.LineItem {
	out := make([]jobdoc.LineItem, 0, len(items))
	for _, item := range items {
		if !g.CanEditCategory(item.Category) {
			out = append(out, item)
		}
	}
	return out
}

func firstInside(g access.Grant, lists ...[]jobdoc.LineItem) string {
	for _, items := range lists {
		for _, item := range items {
			if g.CanEditCategory(item.Category) {
				return item.Category
			}
		}
	}
	return ""
}

func sameItems(a, b []jobdoc.LineItem) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		x, y := a[i], b[i]
		if x.Category != y.Category || x.Description != y.Description ||
			x.Qty != y.Qty || x.Cost != y.Cost || x.Price != y.Price {
			return false
		}
	}
	return true
}
