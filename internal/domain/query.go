package domain

import (
	"time"

	"github.com/google/uuid"
)

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
	MaxPage         = 1_000_000
)

// RequestFilter narrows a request listing. Nil fields do not filter.
type RequestFilter struct {
	Type        *RequestType
	Status      *RequestStatus
	Module      *Module
	InitiatorID *uuid.UUID
	AssignedTo  *uuid.UUID
	DateFrom    *time.Time
	DateTo      *time.Time
	// Modules limits results to the listed modules when non-empty.
	Modules     []Module
	Ascending   bool
}

// PageRequest is an offset-based page selector.
type PageRequest struct {
	Page  int
	Limit int
}

// Normalize clamps the page selector to sane values.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = 1
	}
	if p.Page > MaxPage {
		p.Page = MaxPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultPageSize
	}
	if p.Limit > MaxPageSize {
		p.Limit = MaxPageSize
	}
	return p
}

// Offset returns the row offset for the page.
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

// PageMeta is returned with every paginated listing.
type PageMeta struct {
	Total      int `json:"total"`
	Page       int `json:"page"`
	Limit      int `json:"limit"`
	TotalPages int `json:"totalPages"`
}

// NewPageMeta computes the page count for total rows.
func NewPageMeta(total int, page PageRequest) PageMeta {
	totalPages := 0
	if page.Limit > 0 {
		totalPages = (total + page.Limit - 1) / page.Limit
	}
	return PageMeta{Total: total, Page: page.Page, Limit: page.Limit, TotalPages: totalPages}
}

// RequestPage is one page of requests.
type RequestPage struct {
	Data []Request `json:"data"`
	Meta PageMeta  `json:"meta"`
}

// PendingApproval pairs a request with the step the caller can act on.
type PendingApproval struct {
	Request Request      `json:"request"`
	Step    ApprovalStep `json:"step"`
}
