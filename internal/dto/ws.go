package dto

import dom "listshare/internal/domain"

// Websocket actions sent by clients.
const (
	ActionJoin  = "join"
	ActionLeave = "leave"
)

// Websocket events sent by the server.
const (
	EventListUpdated = "listUpdated"
	EventError       = "error"
)

// ClientMessage is a frame sent by a client over the websocket.
type ClientMessage struct {
	Action string `json:"action"`
	ListID string `json:"list_id"`
}

// ServerMessage is a frame pushed by the server. For listUpdated frames List
// is the post-change snapshot, omitted for deletions and for recipients who
// lost access.
type ServerMessage struct {
	Event     string        `json:"event"`
	ListID    string        `json:"list_id"`
	Type      string        `json:"type,omitempty"`
	UpdatedBy int64         `json:"updated_by,omitempty"`
	Version   int64         `json:"version,omitempty"`
	List      *ListResponse `json:"list,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// FromEvent builds the listUpdated frame for an event.
func FromEvent(ev dom.ListEvent) ServerMessage {
	msg := ServerMessage{
		Event:     EventListUpdated,
		ListID:    ev.ListID,
		Type:      string(ev.Type),
		UpdatedBy: ev.UpdatedBy,
		Version:   ev.Version,
	}
	if ev.List != nil {
		l := FromList(*ev.List)
		msg.List = &l
	}
	return msg
}

// ToEvent converts a listUpdated frame back into a domain event.
func (m ServerMessage) ToEvent() dom.ListEvent {
	ev := dom.ListEvent{
		ListID:    m.ListID,
		Type:      dom.EventType(m.Type),
		UpdatedBy: m.UpdatedBy,
		Version:   m.Version,
	}
	if m.List != nil {
		l := m.List.ToDomain()
		ev.List = &l
	}
	return ev
}
