// Package folder maps a (user, folder name) pair to a predicate over messages.
//
// A Filter is declarative so that every store evaluates the same definition:
// the memory store calls Match, the SQL store translates the fields into a
// WHERE clause.
package folder

import (
	"fmt"
	"strings"

	"github.com/classifieds-hub/mailbox/internal/model"
)

// Name is a mailbox folder.
type Name string

const (
	Inbox   Name = "inbox"
	Sent    Name = "sent"
	Drafts  Name = "drafts"
	Starred Name = "starred"
	Trash   Name = "trash"

	// All is only valid as a search scope.
	All Name = "all"
)

// Names lists the listable folders.
var Names = []Name{Inbox, Sent, Drafts, Starred, Trash}

// Parse resolves a folder name. Unknown names fail with model.ErrInvalidFolder.
func Parse(s string) (Name, error) {
	n := Name(strings.ToLower(strings.TrimSpace(s)))
	for _, known := range Names {
		if n == known {
			return n, nil
		}
	}
	return "", fmt.Errorf("%w: %q", model.ErrInvalidFolder, s)
}

// ParseScope resolves a search scope; empty means All.
func ParseScope(s string) (Name, error) {
	if strings.TrimSpace(s) == "" || strings.EqualFold(strings.TrimSpace(s), string(All)) {
		return All, nil
	}
	return Parse(s)
}

// Role selects which side of a message the user must be on.
type Role int

const (
	RoleParticipant Role = iota
	RoleRecipient
	RoleSender
)

// Filter selects the messages visible to User.
type Filter struct {
	User string
	Role Role

	// Draft restricts the draft flag when non-nil.
	Draft *bool
	// OwnDraftsOnly hides drafts the user did not author.
	OwnDraftsOnly bool
	// ExcludeSelfAddressed hides messages where sender == recipient.
	ExcludeSelfAddressed bool
	// Starred requires the shared starred flag.
	Starred bool
	// Trashed selects the user's trash; otherwise messages the user discarded are hidden.
	Trashed bool
	// Query is a lower-cased substring matched against subject or content.
	Query string
}

// For returns the filter of a folder.
func For(user string, name Name) (Filter, error) {
	notDraft, draft := false, true
	switch name {
	case Inbox:
		return Filter{User: user, Role: RoleRecipient, Draft: &notDraft}, nil
	case Sent:
		// A self-addressed message is listed in the inbox only, so that each
		// message lives in at most one of inbox/sent/drafts.
		return Filter{User: user, Role: RoleSender, Draft: &notDraft, ExcludeSelfAddressed: true}, nil
	case Drafts:
		return Filter{User: user, Role: RoleSender, Draft: &draft}, nil
	case Starred:
		return Filter{User: user, Role: RoleParticipant, Draft: &notDraft, Starred: true}, nil
	case Trash:
		return Filter{User: user, Role: RoleParticipant, Trashed: true}, nil
	default:
		return Filter{}, fmt.Errorf("%w: %q", model.ErrInvalidFolder, name)
	}
}

// Search returns the filter of a full-text search within scope.
func Search(user, query string, scope Name) (Filter, error) {
	var f Filter
	if scope == All || scope == "" {
		f = Filter{User: user, Role: RoleParticipant, OwnDraftsOnly: true}
	} else {
		var err error
		if f, err = For(user, scope); err != nil {
			return Filter{}, err
		}
	}
	f.Query = strings.ToLower(strings.TrimSpace(query))
	return f, nil
}

// Match reports whether m is selected by the filter.
func (f Filter) Match(m *model.Message) bool {
	switch f.Role {
	case RoleRecipient:
		if m.Recipient != f.User {
			return false
		}
	case RoleSender:
		if m.Sender != f.User {
			return false
		}
	default:
		if !m.IsParticipant(f.User) {
			return false
		}
	}
	if f.Draft != nil && m.Draft != *f.Draft {
		return false
	}
	if f.OwnDraftsOnly && m.Draft && m.Sender != f.User {
		return false
	}
	if f.ExcludeSelfAddressed && m.IsSelfMessage() {
		return false
	}
	if f.Starred && !m.Starred {
		return false
	}
	discarded := m.Deleted && m.DiscardedBy(f.User)
	if f.Trashed != discarded {
		return false
	}
	if f.Query != "" {
		if !strings.Contains(strings.ToLower(m.Subject), f.Query) &&
			!strings.Contains(strings.ToLower(m.Content), f.Query) {
			return false
		}
	}
	return true
}
