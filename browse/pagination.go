package browse

// Pagination is the metadata block attached to every paged response.
type Pagination struct {
	Page       int  `json:"page"`
	PerPage    int  `json:"per_page"`
	TotalItems int  `json:"total_items"`
	TotalPages int  `json:"total_pages"`
	HasNext    bool `json:"has_next"`
	HasPrev    bool `json:"has_prev"`
	StartIndex int  `json:"start_index"`
	EndIndex   int  `json:"end_index"`
}

// normalizePage clamps page and perPage into their valid ranges. A page
// below 1 becomes 1; perPage defaults when unset and is capped at max.
func normalizePage(page, perPage, defaultPerPage, maxPerPage int) (int, int) {
	if page < 1 {
		page = 1
	}
	if perPage < 1 {
		perPage = defaultPerPage
	}
	if perPage > maxPerPage {
		perPage = maxPerPage
	}
	return page, perPage
}

// paginate computes the metadata for one page of total items. A page past
// the end yields an empty range with correct totals rather than an error.
func paginate(page, perPage, total int) Pagination {
	totalPages := (total + perPage - 1) / perPage
	if totalPages < 1 {
		totalPages = 1
	}

	start := (page-1)*perPage + 1
	end := page * perPage
	if end > total {
		end = total
	}
	if start > total {
		start = 0
		end = 0
	}

	return Pagination{
		Page:       page,
		PerPage:    perPage,
		TotalItems: total,
		TotalPages: totalPages,
		HasNext:    page < totalPages,
		HasPrev:    page > 1 && total > 0,
		StartIndex: start,
		EndIndex:   end,
	}
}
