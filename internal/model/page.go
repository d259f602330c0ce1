package model

const (
	DefaultPage  = 1
	DefaultLimit = 20
	MaxLimit     = 100
)

// PageRequest selects one page of a listing.
type PageRequest struct {
	Page  int
	Limit int
}

// Normalize applies defaults and bounds.
func (p PageRequest) Normalize() PageRequest {
	if p.Page < 1 {
		p.Page = DefaultPage
	}
	if p.Limit < 1 {
		p.Limit = DefaultLimit
	}
	if p.Limit > MaxLimit {
		p.Limit = MaxLimit
	}
	return p
}

// Offset is the number of rows skipped before this page.
func (p PageRequest) Offset() int {
	return (p.Page - 1) * p.Limit
}

// Page is a paginated result set.
type Page[T any] struct {
	Items []T   `json:"items"`
	Total int64 `json:"total"`
	Page  int   `json:"page"`
	Limit int   `json:"limit"`
	Pages int   `json:"pages"`
}

// NewPage builds a page with pages = ceil(total / limit).
func NewPage[T any](items []T, total int64, req PageRequest) Page[T] {
	if items == nil {
		items = []T{}
	}
	pages := 0
	if req.Limit > 0 {
		pages = int((total + int64(req.Limit) - 1) / int64(req.Limit))
	}
	return Page[T]{
		Items: items,
		Total: total,
		Page:  req.Page,
		Limit: req.Limit,
		Pages: pages,
	}
}
