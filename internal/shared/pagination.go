package shared

import "math"

// Pagination contains metadata for paginated listings.
type Pagination struct {
	Page       int `json:"page"`
	PerPage    int `json:"per_page"`
	Total      int `json:"total"`
	TotalPages int `json:"total_pages"`
}

// MaxPerPage caps the page size a caller may ask for.
const MaxPerPage = 200

// NewPagination computes pagination metadata. perPage is clamped to
// MaxPerPage.
func NewPagination(page, perPage, total int) Pagination {
	if perPage <= 0 {
		perPage = 50
	}
	if perPage > MaxPerPage {
		perPage = MaxPerPage
	}
	if page <= 0 {
		page = 1
	}
	totalPages := int(math.Ceil(float64(total) / float64(perPage)))
	return Pagination{Page: page, PerPage: perPage, Total: total, TotalPages: totalPages}
}

// Window returns the slice bounds of the page within a collection of Total items.
func (p Pagination) Window() (int, int) {
	if p.PerPage <= 0 || p.Page <= 0 {
		return 0, 0
	}
	start := p.Total
	if p.Page-1 <= p.Total/p.PerPage {
		start = min((p.Page-1)*p.PerPage, p.Total)
	}
	end := start + p.PerPage
	if end > p.Total {
		end = p.Total
	}
	return start, end
}

// Paginate cuts one page out of items.
func Paginate[T any](items []T, page, perPage int) ([]T, Pagination) {
	meta := NewPagination(page, perPage, len(items))
	start, end := meta.Window()
	return items[start:end], meta
}
