package browse

import "errors"

// Request-scoped errors surfaced by browse queries. These never affect job
// state; the api package maps them onto HTTP status codes.
var (
	// ErrNotFound is returned when a job or path does not exist.
	ErrNotFound = errors.New("not found")

	// ErrJobNotReady is returned when a browse query hits a job that has
	// not reached the completed state.
	ErrJobNotReady = errors.New("job is not ready for browsing")

	// ErrInvalidQuery is returned for unknown sort keys or directions and
	// for empty search queries.
	ErrInvalidQuery = errors.New("invalid query parameters")

	// ErrPathRejected is returned when a requested path does not resolve
	// inside the job's extraction root.
	ErrPathRejected = errors.New("path rejected")

	// ErrTooLarge is returned when a file exceeds the preview ceiling;
	// the caller should use the raw download path instead.
	ErrTooLarge = errors.New("file exceeds the preview size limit")

	// ErrBinaryContent is returned when a file fails the text sniff for
	// preview purposes.
	ErrBinaryContent = errors.New("file content is binary")
)
