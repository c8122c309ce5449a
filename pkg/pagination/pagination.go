package pagination

import (
	"fmt"
	"strconv"

	"pickcreator-backend/pkg/constants"
)

// Params represents pagination query parameters
type Params struct {
	Page   int
	Limit  int
	Offset int
}

// Response represents one page of results
type Response struct {
	Page    int  `json:"page"`
	Limit   int  `json:"limit"`
	HasMore bool `json:"has_more"`
	Data    any  `json:"data"`
}

// Parse parses page and limit query values. Empty values take defaults and
// out-of-range values are clamped; only non-numeric input is an error.
func Parse(pageStr, limitStr string) (Params, error) {
	page := 1
	limit := constants.DefaultPageSize

	if pageStr != "" {
		p, err := strconv.Atoi(pageStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid page parameter: %w", err)
		}
		if p > 1 {
			page = p
		}
	}

	if limitStr != "" {
		l, err := strconv.Atoi(limitStr)
		if err != nil {
			return Params{}, fmt.Errorf("invalid limit parameter: %w", err)
		}
		switch {
		case l < 1:
			limit = 1
		case l > constants.MaxPageSize:
			limit = constants.MaxPageSize
		default:
			limit = l
		}
	}

	return Params{
		Page:   page,
		Limit:  limit,
		Offset: (page - 1) * limit,
	}, nil
}

// BuildResponse wraps data, which holds n items. A full page implies there
// may be more.
func BuildResponse(p Params, data any, n int) Response {
	return Response{
		Page:    p.Page,
		Limit:   p.Limit,
		HasMore: n >= p.Limit,
		Data:    data,
	}
}
