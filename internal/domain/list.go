package domain

import "time"

// Permission is the access level granted to a sharee.
type Permission string

const (
	PermissionView Permission = "view"
	PermissionEdit Permission = "edit"
)

// Valid reports whether p is a known permission.
func (p Permission) Valid() bool {
	return p == PermissionView || p == PermissionEdit
}

// Role is what a given user may do with a list.
type Role int

const (
	RoleNone Role = iota
	RoleViewer
	RoleEditor
	RoleOwner
)

// Share grants one user access to a list.
type Share struct {
	UserID     int64
	Username   string
	Permission Permission
}

// Item is a single checkable entry. Its ID is server-assigned, or a
// temporary local id while the create is unconfirmed.
type Item struct {
	ID        string
	Text      string
	Completed bool
}

// List is a named, ordered collection of items owned by one user.
// Version is bumped by the backend on every mutation of the list or its items.
type List struct {
	ID         string
	Title      string
	OwnerID    int64
	SharedWith []Share
	Items      []Item
	Version    int64

	CreatedAt time.Time
	UpdatedAt time.Time
}

// Clone returns a deep copy so mutators never alias stored slices.
func (l List) Clone() List {
	out := l
	if l.SharedWith != nil {
		out.SharedWith = make([]Share, len(l.SharedWith))
		copy(out.SharedWith, l.SharedWith)
	}
	if l.Items != nil {
		out.Items = make([]Item, len(l.Items))
		copy(out.Items, l.Items)
	}
	return out
}

// ItemIndex returns the position of the item with the given id, or -1.
func (l List) ItemIndex(id string) int {
	for i := range l.Items {
		if l.Items[i].ID == id {
			return i
		}
	}
	return -1
}

// RoleOf returns the role userID holds on the list.
func (l List) RoleOf(userID int64) Role {
	if userID == l.OwnerID {
		return RoleOwner
	}
	for _, s := range l.SharedWith {
		if s.UserID != userID {
			continue
		}
		if s.Permission == PermissionEdit {
			return RoleEditor
		}
		return RoleViewer
	}
	return RoleNone
}

// CanEdit reports whether userID may change items and the title.
func (l List) CanEdit(userID int64) bool {
	r := l.RoleOf(userID)
	return r == RoleOwner || r == RoleEditor
}

// Members returns the owner followed by every sharee.
func (l List) Members() []int64 {
	out := make([]int64, 0, len(l.SharedWith)+1)
	out = append(out, l.OwnerID)
	for _, s := range l.SharedWith {
		out = append(out, s.UserID)
	}
	return out
}

// ItemPatch is a partial item update; nil fields are left unchanged.
type ItemPatch struct {
	Text      *string
	Completed *bool
}

// Empty reports whether the patch changes nothing.
func (p ItemPatch) Empty() bool {
	return p.Text == nil && p.Completed == nil
}
