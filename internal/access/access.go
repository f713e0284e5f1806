// Package access decides which edits a tab may make to a job document.
// Owners edit everything; contractors only the categories assigned to them.
// The checks run in the client: the API accepts any well-formed write.
package access

import (
	"errors"
	"fmt"

	"estimator/api/internal/jobdoc"
)

type Mode string
type Action string

const (
	ModeOwner      Mode = jobdoc.ModeOwner
	ModeContractor Mode = jobdoc.ModeContractor
)

const (
	ActionRead              Action = "read"
	ActionEditJob           Action = "edit_job"
	ActionEditItems         Action = "edit_items"
	ActionEditSection       Action = "edit_section"
	ActionAttachFile        Action = "attach_file"
	ActionManageAssignments Action = "manage_assignments"
	ActionRenameCategory    Action = "rename_category"
)

var (
	ErrForbidden           = errors.New("not permitted in this mode")
	ErrCategoryNotAssigned = errors.New("category is not assigned to this contractor")
)

func Can(mode Mode, action Action) bool {
	switch mode {
	case ModeOwner:
		return true
	case ModeContractor:
		return action == ActionRead || action == ActionEditItems || action == ActionEditSection || action == ActionAttachFile
	default:
		return false
	}
}

func Normalize(mode string) Mode {
	switch Mode(mode) {
	case ModeOwner, ModeContractor:
		return Mode(mode)
	case "":
		return ModeOwner
	default:
		return ModeContractor
	}
}

// Grant is the effective permission of one tab.
type Grant struct {
	Mode       Mode
	Contractor string
	categories map[string]struct{}
}

// GrantFor derives the grant from the document's mode and assignments.
func GrantFor(doc jobdoc.Document) Grant {
	g := Grant{Mode: Normalize(doc.Mode), Contractor: doc.Contractor}
	if g.Mode == ModeContractor {
		g.categories = make(map[string]struct{})
		for _, c := range doc.AssignedCategories(doc.Contractor) {
			g.categories[c] = struct{}{}
		}
	}
	return g
}

// CanEditCategory reports whether the grant covers category.
func (g Grant) CanEditCategory(category string) bool {
	if g.Mode == ModeOwner {
		return true
	}
	_, ok := g.categories[category]
	return ok
}

// Check returns nil when action is allowed on category. Category is ignored
// for actions that are not scoped to one.
func (g Grant) Check(action Action, category string) error {
	if !Can(g.Mode, action) {
		return fmt.Errorf("%s: %w", action, ErrForbidden)
	}
	if g.Mode == ModeOwner {
		return nil
	}
	switch action {
	case ActionEditItems, ActionEditSection:
		if !g.CanEditCategory(category) {
			return fmt.Errorf("%s %q: %w", action, category, ErrCategoryNotAssigned)
		}
	}
	return nil
}
