package dto

import (
	"time"

	dom "listshare/internal/domain"
)

type CreateListRequest struct {
	Title string `json:"title" binding:"required,min=1,max=120"`
}

// UpdateListRequest renames a list. ExpectedVersion, when non-zero, makes the
// write conditional on the list still being at that version.
type UpdateListRequest struct {
	Title           string `json:"title" binding:"required,min=1,max=120"`
	ExpectedVersion int64  `json:"expected_version" binding:"min=0"`
}

type ShareListRequest struct {
	UserID     int64  `json:"user_id" binding:"required,min=1"`
	Permission string `json:"permission" binding:"required,oneof=view edit"`
}

type AddItemsRequest struct {
	Texts []string `json:"texts" binding:"required,min=1,max=200,dive,max=500"`
}

type UpdateItemRequest struct {
	Text            *string `json:"text" binding:"omitempty,min=1,max=500"`
	Completed       *bool   `json:"completed"`
	ExpectedVersion int64   `json:"expected_version" binding:"min=0"`
}

type ReorderItemsRequest struct {
	ItemIDs []string `json:"item_ids" binding:"required"`
}

type ShareResponse struct {
	UserID     int64  `json:"user_id"`
	Username   string `json:"username,omitempty"`
	Permission string `json:"permission"`
}

type ItemResponse struct {
	ID        string `json:"id"`
	Text      string `json:"text"`
	Completed bool   `json:"completed"`
}

type ListResponse struct {
	ID         string          `json:"id"`
	Title      string          `json:"title"`
	OwnerID    int64           `json:"owner_id"`
	SharedWith []ShareResponse `json:"shared_with"`
	Items      []ItemResponse  `json:"items"`
	Version    int64           `json:"version"`
	CreatedAt  time.Time       `json:"created_at"`
	UpdatedAt  time.Time       `json:"updated_at"`
}

type ListListsResponse struct {
	Lists []ListResponse `json:"lists"`
}

// AddItemsResponse returns the updated list plus the ids of the created items,
// in the same order as the request texts.
type AddItemsResponse struct {
	List    ListResponse `json:"list"`
	ItemIDs []string     `json:"item_ids"`
}

// FromList converts a domain list to its wire form. Slices are never nil so
// clients always see [] rather than null.
func FromList(l dom.List) ListResponse {
	out := ListResponse{
		ID:         l.ID,
		Title:      l.Title,
		OwnerID:    l.OwnerID,
		SharedWith: make([]ShareResponse, 0, len(l.SharedWith)),
		Items:      make([]ItemResponse, 0, len(l.Items)),
		Version:    l.Version,
		CreatedAt:  l.CreatedAt,
		UpdatedAt:  l.UpdatedAt,
	}
	for _, s := range l.SharedWith {
		out.SharedWith = append(out.SharedWith, ShareResponse{
			UserID:     s.UserID,
			Username:   s.Username,
			Permission: string(s.Permission),
		})
	}
	for _, it := range l.Items {
		out.Items = append(out.Items, ItemResponse{ID: it.ID, Text: it.Text, Completed: it.Completed})
	}
	return out
}

func FromLists(lists []dom.List) []ListResponse {
	out := make([]ListResponse, len(lists))
	for i := range lists {
		out[i] = FromList(lists[i])
	}
	return out
}

// ToDomain converts the wire form back into a domain list.
func (r ListResponse) ToDomain() dom.List {
	l := dom.List{
		ID:         r.ID,
		Title:      r.Title,
		OwnerID:    r.OwnerID,
		SharedWith: make([]dom.Share, 0, len(r.SharedWith)),
		Items:      make([]dom.Item, 0, len(r.Items)),
		Version:    r.Version,
		CreatedAt:  r.CreatedAt,
		UpdatedAt:  r.UpdatedAt,
	}
	for _, s := range r.SharedWith {
		l.SharedWith = append(l.SharedWith, dom.Share{
			UserID:     s.UserID,
			Username:   s.Username,
			Permission: dom.Permission(s.Permission),
		})
	}
	for _, it := range r.Items {
		l.Items = append(l.Items, dom.Item{ID: it.ID, Text: it.Text, Completed: it.Completed})
	}
	return l
}
