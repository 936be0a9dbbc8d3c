package audit

import (
	"time"

	"github.com/google/uuid"
)

// TimelineFilters menampung filter dasar untuk audit timeline.
type TimelineFilters struct {
	From      time.Time
	To        time.Time
	ActorID   *uuid.UUID
	SubjectID *uuid.UUID
	EventType string
	Category  Category
	Page      int
	PageSize  int
}

// TimelineQuery adalah parameter query ke repository.
type TimelineQuery struct {
	From      time.Time
	To        time.Time
	ActorID   *uuid.UUID
	SubjectID *uuid.UUID
	EventType string
	Category  Category
	Offset    int
	Limit     int
}

// Matches reports whether entry satisfies the query filters, ignoring paging.
func (q TimelineQuery) Matches(entry Entry) bool {
	if !q.From.IsZero() && entry.At.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && !entry.At.Before(q.To) {
		return false
	}
	if q.ActorID != nil && (entry.ActorID == nil || *entry.ActorID != *q.ActorID) {
		return false
	}
	if q.SubjectID != nil && (entry.SubjectID == nil || *entry.SubjectID != *q.SubjectID) {
		return false
	}
	if q.EventType != "" && entry.EventType != q.EventType {
		return false
	}
	if q.Category != "" && entry.Category != q.Category {
		return false
	}
	return true
}

// PagingInfo menyimpan metadata pagination sederhana.
type PagingInfo struct {
	Page     int  `json:"page"`
	HasNext  bool `json:"hasNext"`
	PageSize int  `json:"pageSize"`
	PrevPage int  `json:"prevPage,omitempty"`
	NextPage int  `json:"nextPage,omitempty"`
}

// Result membungkus hasil timeline dengan informasi paging.
type Result struct {
	Rows   []Entry    `json:"rows"`
	Paging PagingInfo `json:"paging"`
}
