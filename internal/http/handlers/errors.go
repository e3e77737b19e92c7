package handlers

// Error codes carried in ErrorResponse.Code.
const (
	ErrCodeBadRequest       = "bad_request"
	ErrCodeNotFound         = "not_found"
	ErrCodeMethodNotAllowed = "method_not_allowed"
	ErrCodeInternal         = "internal_error"
	ErrCodeListFailed       = "list_failed"
	ErrCodeClearFailed      = "clear_failed"
)
