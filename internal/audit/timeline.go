package audit

import "time"

// TimelineFilters holds the filters for the audit timeline.
type TimelineFilters struct {
	From          time.Time
	To            time.Time
	ActorID       int64
	SubjectUserID int64
	Entity        string
	Action        Action
	Page          int
	PageSize      int
}

// Query is the repository-level form of TimelineFilters.
type Query struct {
	From          time.Time
	To            time.Time
	ActorID       int64
	SubjectUserID int64
	Entity        string
	Action        Action
	Offset        int
	Limit         int
}

// PagingInfo carries simple pagination metadata.
type PagingInfo struct {
	Page     int
	HasNext  bool
	PageSize int
	PrevPage int
	NextPage int
}

// Result wraps a timeline page.
type Result struct {
	Events []Event
	Paging PagingInfo
}
