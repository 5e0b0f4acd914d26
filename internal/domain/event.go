package domain

// EventType names what happened to a list in a ListEvent.
type EventType string

const (
	EventCreated  EventType = "created"
	EventUpdated  EventType = "updated"
	EventShared   EventType = "shared"
	EventUnshared EventType = "unshared"
	EventDeleted  EventType = "deleted"
)

// ListEvent is the change notification pushed to subscribers of a list.
// List is the post-change snapshot; nil for deletions.
type ListEvent struct {
	ListID    string
	Type      EventType
	UpdatedBy int64
	Version   int64
	List      *List

	// Recipients are the users that must hear about the change even when
	// they are no longer members (e.g. an unshared user).
	Recipients []int64
}
