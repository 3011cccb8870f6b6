// Package browse answers list, search, read, and download queries against a
// completed job's file index. Every filesystem access re-validates the
// requested path against the job's extraction root; an index row alone is
// never trusted.
package browse

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dustin/go-humanize"

	"github.com/unpackd/unpackd/index"
	"github.com/unpackd/unpackd/jobs"
)

// sniffLen is how many leading bytes the text sniff inspects.
const sniffLen = 1024

// Config carries the paging and preview limits.
type Config struct {
	PageSize    int
	MaxPageSize int
	PreviewMax  int64
}

// Service serves browse queries for completed jobs.
type Service struct {
	jobs  *jobs.Store
	index *index.Store
	cfg   Config
}

// NewService creates a browse service over the given stores.
func NewService(jobStore *jobs.Store, indexStore *index.Store, cfg Config) *Service {
	if cfg.PageSize < 1 {
		cfg.PageSize = 50
	}
	if cfg.MaxPageSize < cfg.PageSize {
		cfg.MaxPageSize = cfg.PageSize
	}
	if cfg.PreviewMax <= 0 {
		cfg.PreviewMax = 5 << 20
	}
	return &Service{jobs: jobStore, index: indexStore, cfg: cfg}
}

// Page is one page of index entries plus pagination metadata.
type Page struct {
	Entries    []index.Entry `json:"entries"`
	Pagination Pagination    `json:"pagination"`
}

// ListParams are the supported list query parameters.
type ListParams struct {
	Page    int
	PerPage int
	SortKey string
	SortDir string

	// Parent, when non-nil, restricts the listing to one directory level
	// ("" is the top level).
	Parent *string
}

// List returns a stable-ordered page of a job's entries. Unknown sort keys
// or directions fail with ErrInvalidQuery.
func (s *Service) List(jobID string, p ListParams) (*Page, error) {
	if _, err := s.readyJob(jobID); err != nil {
		return nil, err
	}

	if p.SortKey == "" {
		p.SortKey = "name"
	}
	if p.SortDir == "" {
		p.SortDir = "asc"
	}
	if p.SortKey != "name" && p.SortKey != "size" {
		return nil, fmt.Errorf("%w: unknown sort key %q", ErrInvalidQuery, p.SortKey)
	}
	if p.SortDir != "asc" && p.SortDir != "desc" {
		return nil, fmt.Errorf("%w: unknown sort direction %q", ErrInvalidQuery, p.SortDir)
	}

	page, perPage := normalizePage(p.Page, p.PerPage, s.cfg.PageSize, s.cfg.MaxPageSize)
	entries, total, err := s.index.List(jobID, index.ListOptions{
		Parent:  p.Parent,
		SortKey: p.SortKey,
		SortDir: p.SortDir,
		Limit:   perPage,
		Offset:  (page - 1) * perPage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list entries: %w", err)
	}

	return &Page{Entries: entries, Pagination: paginate(page, perPage, total)}, nil
}

// Search returns entries whose name contains the query, case-insensitively.
// An empty result set is a success; an empty query is ErrInvalidQuery.
func (s *Service) Search(jobID, query string, pageNum, perPage int) (*Page, error) {
	if _, err := s.readyJob(jobID); err != nil {
		return nil, err
	}

	query = strings.TrimSpace(query)
	if query == "" {
		return nil, fmt.Errorf("%w: empty search query", ErrInvalidQuery)
	}

	page, per := normalizePage(pageNum, perPage, s.cfg.PageSize, s.cfg.MaxPageSize)
	entries, total, err := s.index.Search(jobID, query, per, (page-1)*per)
	if err != nil {
		return nil, fmt.Errorf("failed to search entries: %w", err)
	}

	return &Page{Entries: entries, Pagination: paginate(page, per, total)}, nil
}

// FileContent is a text preview of one extracted file.
type FileContent struct {
	Path      string `json:"path"`
	Name      string `json:"name"`
	Size      int64  `json:"size"`
	SizeHuman string `json:"size_human"`
	Content   string `json:"content"`
}

// Read returns the text content of one file. The path is re-validated
// against the job root before any read; files above the preview ceiling
// fail with ErrTooLarge and binary files with ErrBinaryContent.
func (s *Service) Read(jobID, relPath string) (*FileContent, error) {
	job, err := s.readyJob(jobID)
	if err != nil {
		return nil, err
	}

	abs, err := s.confine(job.ExtractDir, relPath)
	if err != nil {
		return nil, err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return nil, fmt.Errorf("failed to stat %s: %w", relPath, err)
	}
	if info.IsDir() {
		return nil, fmt.Errorf("%w: %s is a directory", ErrPathRejected, relPath)
	}
	if info.Size() > s.cfg.PreviewMax {
		return nil, fmt.Errorf("%w: %s is %s (limit %s)", ErrTooLarge, relPath,
			humanize.Bytes(uint64(info.Size())), humanize.Bytes(uint64(s.cfg.PreviewMax)))
	}

	data, err := os.ReadFile(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to read %s: %w", relPath, err)
	}
	if isBinary(data) {
		return nil, fmt.Errorf("%w: %s", ErrBinaryContent, relPath)
	}

	return &FileContent{
		Path:      relPath,
		Name:      filepath.Base(relPath),
		Size:      info.Size(),
		SizeHuman: humanize.Bytes(uint64(info.Size())),
		Content:   string(data),
	}, nil
}

// Resolve returns the absolute on-disk path for a raw download, after the
// same confinement check as Read. The caller streams the bytes itself.
func (s *Service) Resolve(jobID, relPath string) (string, error) {
	job, err := s.readyJob(jobID)
	if err != nil {
		return "", err
	}

	abs, err := s.confine(job.ExtractDir, relPath)
	if err != nil {
		return "", err
	}

	info, err := os.Stat(abs)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrNotFound, relPath)
		}
		return "", fmt.Errorf("failed to stat %s: %w", relPath, err)
	}
	if info.IsDir() {
		return "", fmt.Errorf("%w: %s is a directory", ErrPathRejected, relPath)
	}

	return abs, nil
}

// TreeNode is one node of the nested tree view.
type TreeNode struct {
	Name     string      `json:"name"`
	Path     string      `json:"path"`
	Type     string      `json:"type"`
	Size     int64       `json:"size,omitempty"`
	Children []*TreeNode `json:"children,omitempty"`
}

// Tree assembles the nested directory tree from the index in one query.
func (s *Service) Tree(jobID string) (*TreeNode, error) {
	if _, err := s.readyJob(jobID); err != nil {
		return nil, err
	}

	entries, err := s.index.Entries(jobID)
	if err != nil {
		return nil, fmt.Errorf("failed to load entries: %w", err)
	}

	root := &TreeNode{Name: "/", Path: "", Type: index.TypeDirectory}
	nodes := map[string]*TreeNode{"": root}

	// Entries arrive ordered by path, so every parent directory node is
	// created before its children.
	for i := range entries {
		e := entries[i]
		node := &TreeNode{Name: e.Name, Path: e.Path, Type: e.Type, Size: e.Size}
		parent, ok := nodes[e.Parent]
		if !ok {
			parent = root
		}
		parent.Children = append(parent.Children, node)
		if e.Type == index.TypeDirectory {
			nodes[e.Path] = node
		}
	}

	return root, nil
}

// Summary aggregates a job's index: counts, total size, extension
// histogram, and the largest files.
type Summary struct {
	FileCount      int                    `json:"file_count"`
	DirectoryCount int                    `json:"directory_count"`
	TotalSize      int64                  `json:"total_size"`
	TotalSizeHuman string                 `json:"total_size_human"`
	Extensions     []index.ExtensionCount `json:"extensions"`
	LargestFiles   []index.Entry          `json:"largest_files"`
}

// Summarize builds the summary view for a completed job.
func (s *Service) Summarize(jobID string) (*Summary, error) {
	if _, err := s.readyJob(jobID); err != nil {
		return nil, err
	}

	files, dirs, err := s.index.CountByType(jobID)
	if err != nil {
		return nil, err
	}
	total, err := s.index.TotalSize(jobID)
	if err != nil {
		return nil, err
	}
	exts, err := s.index.ExtensionCounts(jobID)
	if err != nil {
		return nil, err
	}
	largest, err := s.index.LargestFiles(jobID, 10)
	if err != nil {
		return nil, err
	}

	return &Summary{
		FileCount:      files,
		DirectoryCount: dirs,
		TotalSize:      total,
		TotalSizeHuman: humanize.Bytes(uint64(total)),
		Extensions:     exts,
		LargestFiles:   largest,
	}, nil
}

// readyJob loads a job and requires it to be completed.
func (s *Service) readyJob(jobID string) (*jobs.Job, error) {
	job, err := s.jobs.Get(jobID)
	if err != nil {
		if errors.Is(err, jobs.ErrNotFound) {
			return nil, fmt.Errorf("%w: job %s", ErrNotFound, jobID)
		}
		return nil, err
	}
	if job.Status != jobs.StatusCompleted {
		return nil, fmt.Errorf("%w: job %s is %s", ErrJobNotReady, jobID, job.Status)
	}
	return job, nil
}

// confine joins an untrusted relative path under root and verifies the
// result, with symlinks resolved, stays inside root. The extractor already
// confined everything it wrote; a request path is still re-checked here and
// never trusted on that basis.
func (s *Service) confine(root, relPath string) (string, error) {
	relPath = strings.TrimPrefix(strings.TrimSpace(relPath), "/")
	if relPath == "" {
		return "", fmt.Errorf("%w: empty path", ErrPathRejected)
	}

	cleaned := filepath.Clean(filepath.FromSlash(relPath))
	if filepath.IsAbs(cleaned) || filepath.VolumeName(cleaned) != "" ||
		cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathRejected, relPath)
	}

	rootAbs, err := filepath.Abs(root)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve job root", ErrPathRejected)
	}
	target := filepath.Join(rootAbs, cleaned)

	// Resolve symlinks on the deepest existing ancestor so a link inside
	// the tree cannot smuggle the read outside the root.
	resolved, err := resolveExisting(target)
	if err != nil {
		return "", fmt.Errorf("%w: %s", ErrNotFound, relPath)
	}
	resolvedRoot, err := filepath.EvalSymlinks(rootAbs)
	if err != nil {
		return "", fmt.Errorf("%w: cannot resolve job root", ErrPathRejected)
	}

	rel, err := filepath.Rel(resolvedRoot, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: %s", ErrPathRejected, relPath)
	}

	return target, nil
}

// resolveExisting is EvalSymlinks that tolerates a missing leaf: the
// deepest existing ancestor is resolved and the missing suffix re-joined,
// so absent files report NotFound only after passing confinement.
func resolveExisting(target string) (string, error) {
	resolved, err := filepath.EvalSymlinks(target)
	if err == nil {
		return resolved, nil
	}
	if !os.IsNotExist(err) {
		return "", err
	}

	dir, base := filepath.Split(filepath.Clean(target))
	parent, err := resolveExisting(filepath.Clean(dir))
	if err != nil {
		return "", err
	}
	return filepath.Join(parent, base), nil
}

// isBinary reports whether the leading bytes look like binary content: any
// NUL byte, or invalid UTF-8 beyond a truncated final rune.
func isBinary(data []byte) bool {
	sample := data
	if len(sample) > sniffLen {
		sample = sample[:sniffLen]
	}
	if len(sample) == 0 {
		return false
	}

	for _, b := range sample {
		if b == 0 {
			return true
		}
	}

	if utf8.Valid(sample) {
		return false
	}
	// Tolerate a multi-byte rune cut off at the sample boundary.
	for trim := 1; trim < utf8.UTFMax && trim < len(sample); trim++ {
		if utf8.Valid(sample[:len(sample)-trim]) {
			return false
		}
	}
	return true
}
