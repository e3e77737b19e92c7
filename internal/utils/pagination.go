// Package utils holds small helpers shared by the HTTP layer.
package utils

import "strconv"

// AtoiDefault parses s as a decimal int, returning def when s is empty or
// malformed.
func AtoiDefault(s string, def int) int {
	if n, err := strconv.Atoi(s); err == nil {
		return n
	}
	return def
}

// ParsePage reads 1-based page and page-size query values. page is at least
// 1; size defaults to defSize and is clamped to [1, maxSize].
func ParsePage(pageQ, sizeQ string, defSize, maxSize int) (page, size int) {
	page = max(AtoiDefault(pageQ, 1), 1)
	size = min(max(AtoiDefault(sizeQ, defSize), 1), maxSize)
	return page, size
}

// Window returns the [start, end) slice bounds of page within n items.
func Window(page, size, n int) (start, end int) {
	start = min((page-1)*size, n)
	end = min(start+size, n)
	return start, end
}
