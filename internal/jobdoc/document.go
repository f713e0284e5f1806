// Package jobdoc defines the job document exchanged between the API, the
// store and client tabs, together with its share-link codec.
package jobdoc

import (
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// Mode values carried in share payloads.
const (
	ModeOwner      = "owner"
	ModeContractor = "contractor"
)

// LineItem is one priced row of a quote. Category is the only grouping key.
type LineItem struct {
	UID         string `json:"uid,omitempty"`
	Category    string `json:"category"`
	Description string `json:"description"`
	Qty         Number `json:"qty"`
	Cost        Number `json:"cost"`
	Price       Number `json:"price"`
}

// Total returns qty * price.
func (i LineItem) Total() float64 {
	return float64(i.Qty) * float64(i.Price)
}

// FileLink is an attached document. Two links are the same file iff both
// name and url match.
type FileLink struct {
	Name    string     `json:"name"`
	URL     string     `json:"url"`
	AddedAt *time.Time `json:"addedAt,omitempty"`
	Type    string     `json:"type,omitempty"`
	Size    int64      `json:"size,omitempty"`
	// Data holds an inline data URL for files that were never uploaded to
	// object storage. It is never written to the local cache.
	Data string `json:"data,omitempty"`
}

// Key returns the composite identity used for merges and tombstones.
func (f FileLink) Key() string {
	return FileKey(f.Name, f.URL)
}

// FileKey builds the composite key for a file name and url.
func FileKey(name, url string) string {
	return name + "::" + url
}

type Todo struct {
	Text     string  `json:"text"`
	Priority string  `json:"priority,omitempty"`
	Deadline *string `json:"deadline,omitempty"`
	Done     bool    `json:"done,omitempty"`
}

type Meeting struct {
	Title string `json:"title"`
	Date  string `json:"date,omitempty"`
	Time  string `json:"time,omitempty"`
	Notes string `json:"notes,omitempty"`
}

// Sections holds every map keyed by category string, plus the contractor
// assignments whose values reference categories.
type Sections struct {
	SectionScopes                map[string]string          `json:"sectionScopes"`
	SectionDisclaimers           map[string]string          `json:"sectionDisclaimers"`
	ContractorSectionDisclaimers map[string]string          `json:"contractorSectionDisclaimers"`
	SectionUpcharges             map[string]Number          `json:"sectionUpcharges"`
	SectionTodos                 map[string][]Todo          `json:"sectionTodos"`
	SectionMeetings              map[string][]Meeting       `json:"sectionMeetings"`
	TestingCalibration           map[string]json.RawMessage `json:"testingCalibration"`
	TestingAssignments           map[string]json.RawMessage `json:"testingAssignments"`
	TestingSchedules             map[string]json.RawMessage `json:"testingSchedules"`
	ContractorAssignments        map[string][]string        `json:"contractorAssignments"`
}

// Document is the unit of synchronization. ID is nil for documents that only
// exist in a tab or in a share payload.
type Document struct {
	ID           *int64     `json:"id"`
	Version      int64      `json:"version,omitempty"`
	ClientName   string     `json:"clientName"`
	SiteAddress  string     `json:"siteAddress"`
	QuoteDate    string     `json:"quoteDate"`
	QuoteNumber  string     `json:"quoteNumber"`
	CompanyName  string     `json:"companyName"`
	ContactName  string     `json:"contactName"`
	Phone        string     `json:"phone"`
	Email        string     `json:"email"`
	ProjectNotes string     `json:"projectNotes"`
	TaxRate      Number     `json:"taxRate"`
	Discount     Number     `json:"discount"`
	PaymentTerms string     `json:"paymentTerms"`
	ScopeOfWork  string     `json:"scopeOfWork"`
	Disclaimers  string     `json:"disclaimers"`
	Items        []LineItem `json:"items"`
	Files        []FileLink `json:"files"`
	Todos        []Todo     `json:"todos"`
	Sections
	Mode       string     `json:"mode,omitempty"`
	Contractor string     `json:"contractor,omitempty"`
	CreatedAt  *time.Time `json:"createdAt,omitempty"`
	UpdatedAt  *time.Time `json:"updatedAt,omitempty"`
}

// HasID reports whether the store has assigned an id.
func (d Document) HasID() bool {
	return d.ID != nil && *d.ID > 0
}

// JobID returns the id or zero for detached documents.
func (d Document) JobID() int64 {
	if d.ID == nil {
		return 0
	}
	return *d.ID
}

// IntID returns a pointer suitable for Document.ID.
func IntID(id int64) *int64 {
	return &id
}

// Label is a short human name for logs and filenames.
func (d Document) Label() string {
	switch {
	case d.ClientName != "" && d.QuoteNumber != "":
		return fmt.Sprintf("%s (%s)", d.ClientName, d.QuoteNumber)
	case d.ClientName != "":
		return d.ClientName
	case d.HasID():
		return fmt.Sprintf("job %d", *d.ID)
	default:
		return "untitled job"
	}
}

// Categories returns the distinct item categories in first-seen order.
func (d Document) Categories() []string {
	seen := make(map[string]struct{}, len(d.Items))
	out := make([]string, 0)
	for _, item := range d.Items {
		if _, ok := seen[item.Category]; ok {
			continue
		}
		seen[item.Category] = struct{}{}
		out = append(out, item.Category)
	}
	return out
}

// SectionKeys returns every category referenced by a per-category map or a
// contractor assignment, sorted.
func (s Sections) SectionKeys() []string {
	keys := make(map[string]struct{})
	collect := func(k string) { keys[k] = struct{}{} }
	for k := range s.SectionScopes {
		collect(k)
	}
	for k := range s.SectionDisclaimers {
		collect(k)
	}
	for k := range s.ContractorSectionDisclaimers {
		collect(k)
	}
	for k := range s.SectionUpcharges {
		collect(k)
	}
	for k := range s.SectionTodos {
		collect(k)
	}
	for k := range s.SectionMeetings {
		collect(k)
	}
	for k := range s.TestingCalibration {
		collect(k)
	}
	for k := range s.TestingAssignments {
		collect(k)
	}
	for k := range s.TestingSchedules {
		collect(k)
	}
	for _, categories := range s.ContractorAssignments {
		for _, c := range categories {
			collect(c)
		}
	}
	out := make([]string, 0, len(keys))
	for k := range keys {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Normalize replaces nil collections with empty ones so the document
// serializes the same way the store returns it.
func (d *Document) Normalize() {
	if d.Items == nil {
		d.Items = []LineItem{}
	}
	if d.Files == nil {
		d.Files = []FileLink{}
	}
	if d.Todos == nil {
		d.Todos = []Todo{}
	}
	d.Sections.normalize()
}

func (s *Sections) normalize() {
	if s.SectionScopes == nil {
		s.SectionScopes = map[string]string{}
	}
	if s.SectionDisclaimers == nil {
		s.SectionDisclaimers = map[string]string{}
	}
	if s.ContractorSectionDisclaimers == nil {
		s.ContractorSectionDisclaimers = map[string]string{}
	}
	if s.SectionUpcharges == nil {
		s.SectionUpcharges = map[string]Number{}
	}
	if s.SectionTodos == nil {
		s.SectionTodos = map[string][]Todo{}
	}
	if s.SectionMeetings == nil {
		s.SectionMeetings = map[string][]Meeting{}
	}
	if s.TestingCalibration == nil {
		s.TestingCalibration = map[string]json.RawMessage{}
	}
	if s.TestingAssignments == nil {
		s.TestingAssignments = map[string]json.RawMessage{}
	}
	if s.TestingSchedules == nil {
		s.TestingSchedules = map[string]json.RawMessage{}
	}
	if s.ContractorAssignments == nil {
		s.ContractorAssignments = map[string][]string{}
	}
}

// Clone returns a deep copy.
func (d Document) Clone() Document {
	raw, err := json.Marshal(d)
	if err != nil {
		// Every field is plain data; marshal cannot fail.
		panic(fmt.Sprintf("jobdoc: clone: %v", err))
	}
	var out Document
	if err := json.Unmarshal(raw, &out); err != nil {
		panic(fmt.Sprintf("jobdoc: clone: %v", err))
	}
	out.Normalize()
	return out
}

// WithoutBinary returns a copy with inline file data dropped, for caches.
func (d Document) WithoutBinary() Document {
	out := d.Clone()
	for i := range out.Files {
		out.Files[i].Data = ""
	}
	return out
}

// AssignedCategories returns the categories a contractor may edit.
func (d Document) AssignedCategories(contractor string) []string {
	if d.ContractorAssignments == nil {
		return nil
	}
	return append([]string(nil), d.ContractorAssignments[contractor]...)
}
