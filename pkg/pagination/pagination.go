// Package pagination reads page windows from list requests and wraps the
// resulting pages for the JSON admin API.
package pagination

import (
	"strconv"

	"github.com/labstack/echo/v4"
)

const (
	DefaultLimit = 20
	MaxLimit     = 100
)

// Params is a limit/offset window.
type Params struct {
	Limit  int
	Offset int
}

// FromContext reads the window from _count/_offset, falling back to
// limit/offset. Out of range values are clamped.
func FromContext(c echo.Context) Params {
	limit := firstPositive(c, "_count", "limit")
	if limit <= 0 {
		limit = DefaultLimit
	}
	if limit > MaxLimit {
		limit = MaxLimit
	}
	offset := firstPositive(c, "_offset", "offset")
	if offset < 0 {
		offset = 0
	}
	return Params{Limit: limit, Offset: offset}
}

func firstPositive(c echo.Context, names ...string) int {
	for _, name := range names {
		if n, err := strconv.Atoi(c.QueryParam(name)); err == nil && n > 0 {
			return n
		}
	}
	return 0
}

// Next reports the offset of the following page, if there is one.
func (p Params) Next(total int) (int, bool) {
	next := p.Offset + p.Limit
	return next, next < total
}

// Response is one page of a JSON list endpoint.
type Response struct {
	Data       interface{} `json:"data"`
	Total      int         `json:"total"`
	Limit      int         `json:"limit"`
	Offset     int         `json:"offset"`
	HasMore    bool        `json:"has_more"`
	NextOffset *int        `json:"next_offset,omitempty"`
}

func NewResponse(data interface{}, total, limit, offset int) *Response {
	r := &Response{Data: data, Total: total, Limit: limit, Offset: offset}
	if next, ok := (Params{Limit: limit, Offset: offset}).Next(total); ok {
		r.HasMore = true
		r.NextOffset = &next
	}
	return r
}
