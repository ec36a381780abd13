package audit

import (
	"context"
	"fmt"
)

// Repository provides read access to recorded events.
type Repository interface {
	ListEvents(ctx context.Context, q Query) ([]Event, error)
}

// Service serves the audit timeline to the reporting side.
type Service struct {
	repo Repository
}

// NewService creates the timeline service.
func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Timeline returns one page of audit events, newest first.
func (s *Service) Timeline(ctx context.Context, filters TimelineFilters) (Result, error) {
	if s.repo == nil {
		return Result{}, fmt.Errorf("audit: repository not configured")
	}
	pageSize := filters.PageSize
	if pageSize <= 0 {
		pageSize = 20
	}
	if pageSize > 50 {
		pageSize = 50
	}
	page := filters.Page
	if page <= 0 {
		page = 1
	}
	events, err := s.repo.ListEvents(ctx, Query{
		From:          filters.From,
		To:            filters.To,
		ActorID:       filters.ActorID,
		SubjectUserID: filters.SubjectUserID,
		Entity:        filters.Entity,
		Action:        filters.Action,
		Offset:        (page - 1) * pageSize,
		Limit:         pageSize + 1,
	})
	if err != nil {
		return Result{}, err
	}
	hasNext := len(events) > pageSize
	if hasNext {
		events = events[:pageSize]
	}
	paging := PagingInfo{Page: page, PageSize: pageSize, HasNext: hasNext}
	if page > 1 {
		paging.PrevPage = page - 1
	}
	if hasNext {
		paging.NextPage = page + 1
	}
	return Result{Events: events, Paging: paging}, nil
}
