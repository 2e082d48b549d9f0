package util

import "strconv"

const (
	DefaultPageSize = 10
	MaxPageSize     = 100
)

func Calculate(page, size int) (from, limit int) {
	if page < 1 {
		page = 1
	}
	if size <= 0 || size > MaxPageSize {
		size = DefaultPageSize
	}
	from = (page - 1) * size
	return from, size
}

// PageParams reads page and size query values, tolerating junk input.
func PageParams(pageRaw, sizeRaw string) (page, size int) {
	page, err := strconv.Atoi(pageRaw)
	if err != nil {
		page = 1
	}
	size, err = strconv.Atoi(sizeRaw)
	if err != nil {
		size = DefaultPageSize
	}
	from, limit := Calculate(page, size)
	return from/limit + 1, limit
}
