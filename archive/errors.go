package archive

import "errors"

// Sentinel errors reported by the inspector and extractor. Handlers match
// these with errors.Is to choose HTTP status codes.
var (
	// ErrUnsupportedFormat indicates the upload's content signature matched
	// no recognized archive format, or matched one without a wired decoder.
	ErrUnsupportedFormat = errors.New("unsupported archive format")

	// ErrSizeExceeded indicates the upload is larger than the configured
	// ceiling. Reported before any extraction work begins.
	ErrSizeExceeded = errors.New("upload exceeds the maximum allowed size")

	// ErrExtractionFailed indicates a fatal mid-extraction failure such as a
	// corrupted archive, a write error, or an archive whose entries were all
	// rejected by the confinement checks.
	ErrExtractionFailed = errors.New("archive extraction failed")
)
