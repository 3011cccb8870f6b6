// Package index builds and queries the immutable file index for a completed
// extraction. The tree is walked exactly once after extraction; every
// subsequent list, search, or tree query runs against SQLite rather than the
// filesystem.
package index

import (
	"errors"
	"path"
	"strings"
)

// ErrNotFound is returned when no entry matches a job ID and path.
var ErrNotFound = errors.New("index entry not found")

// Entry types.
const (
	TypeFile      = "file"
	TypeDirectory = "directory"
)

// Entry is one file or directory discovered under a job's extraction root.
// Path is posix-style, relative to the root, with no leading slash and no
// ".." segments.
type Entry struct {
	Path   string `json:"path"`
	Name   string `json:"name"`
	Type   string `json:"type"`
	Size   int64  `json:"size"`
	Parent string `json:"parent"`
	Ext    string `json:"ext,omitempty"`

	// NameToken is the lower-cased name used for substring search. It is
	// not serialized; clients see Name.
	NameToken string `json:"-"`
}

// NewEntry builds an entry from a slash-relative path.
func NewEntry(relPath, entryType string, size int64) Entry {
	name := path.Base(relPath)
	parent := path.Dir(relPath)
	if parent == "." {
		parent = ""
	}

	ext := ""
	if entryType == TypeFile {
		ext = strings.ToLower(strings.TrimPrefix(path.Ext(name), "."))
	}

	return Entry{
		Path:      relPath,
		Name:      name,
		NameToken: strings.ToLower(name),
		Type:      entryType,
		Size:      size,
		Parent:    parent,
		Ext:       ext,
	}
}
