package browse

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/unpackd/unpackd/index"
	"github.com/unpackd/unpackd/jobs"
)

// fixture wires a browse service over real stores with one completed job
// whose extraction root holds a small tree.
type fixture struct {
	svc   *Service
	jobID string
	root  string
	index *index.Store
	jobs  *jobs.Store
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	dir := t.TempDir()

	jobStore, err := jobs.Open(filepath.Join(dir, "jobs.db"))
	require.NoError(t, err)
	t.Cleanup(func() { jobStore.Close() })

	indexStore, err := index.OpenStore(filepath.Join(dir, "index.db"))
	require.NoError(t, err)
	t.Cleanup(func() { indexStore.Close() })

	root := filepath.Join(dir, "extracted")
	require.NoError(t, os.MkdirAll(filepath.Join(root, "logs"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "app.log"), []byte("line one\nline two\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "logs", "core.bin"), []byte{0x7f, 'E', 'L', 'F', 0x00, 0x01}, 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "README.md"), []byte("# readme"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(root, "big.txt"), []byte(strings.Repeat("x", 200)), 0o644))

	job := jobs.NewJob("results.zip", 1234, "zip")
	job.Status = jobs.StatusCompleted
	job.Progress = 100
	job.ExtractDir = root
	require.NoError(t, jobStore.Put(job))

	entries, err := index.Walk(root)
	require.NoError(t, err)
	require.NoError(t, indexStore.InsertBatch(job.ID, entries))

	svc := NewService(jobStore, indexStore, Config{PageSize: 2, MaxPageSize: 4, PreviewMax: 100})
	return &fixture{svc: svc, jobID: job.ID, root: root, index: indexStore, jobs: jobStore}
}

func TestList_PaginationConsistency(t *testing.T) {
	f := newFixture(t)

	page1, err := f.svc.List(f.jobID, ListParams{Page: 1, PerPage: 2})
	require.NoError(t, err)
	page2, err := f.svc.List(f.jobID, ListParams{Page: 2, PerPage: 2})
	require.NoError(t, err)
	wide, err := f.svc.List(f.jobID, ListParams{Page: 1, PerPage: 4})
	require.NoError(t, err)

	var union []index.Entry
	union = append(union, page1.Entries...)
	union = append(union, page2.Entries...)
	assert.Equal(t, wide.Entries, union)

	assert.Equal(t, 1, page1.Pagination.Page)
	assert.True(t, page1.Pagination.HasNext)
	assert.False(t, page1.Pagination.HasPrev)
	assert.Equal(t, page1.Pagination.TotalItems, wide.Pagination.TotalItems)
}

func TestList_InvalidSort(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.List(f.jobID, ListParams{SortKey: "mtime"})
	assert.ErrorIs(t, err, ErrInvalidQuery)

	_, err = f.svc.List(f.jobID, ListParams{SortDir: "sideways"})
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestList_PageBeyondEnd(t *testing.T) {
	f := newFixture(t)

	page, err := f.svc.List(f.jobID, ListParams{Page: 99, PerPage: 2})
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.Equal(t, 99, page.Pagination.Page)
	assert.Zero(t, page.Pagination.StartIndex)
	assert.False(t, page.Pagination.HasNext)
}

func TestSearch(t *testing.T) {
	f := newFixture(t)

	page, err := f.svc.Search(f.jobID, "APP", 1, 10)
	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "logs/app.log", page.Entries[0].Path)

	page, err = f.svc.Search(f.jobID, "no-such-name", 1, 10)
	require.NoError(t, err)
	assert.Empty(t, page.Entries)
	assert.Zero(t, page.Pagination.TotalItems)

	_, err = f.svc.Search(f.jobID, "   ", 1, 10)
	assert.ErrorIs(t, err, ErrInvalidQuery)
}

func TestRead(t *testing.T) {
	f := newFixture(t)

	content, err := f.svc.Read(f.jobID, "logs/app.log")
	require.NoError(t, err)
	assert.Equal(t, "line one\nline two\n", content.Content)
	assert.Equal(t, "app.log", content.Name)
	assert.NotEmpty(t, content.SizeHuman)
}

func TestRead_Failures(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name    string
		path    string
		wantErr error
	}{
		{"Missing", "logs/nope.log", ErrNotFound},
		{"Traversal", "../../etc/passwd", ErrPathRejected},
		{"AbsolutePath", "/etc/passwd", ErrPathRejected},
		{"Directory", "logs", ErrPathRejected},
		{"Binary", "logs/core.bin", ErrBinaryContent},
		{"TooLarge", "big.txt", ErrTooLarge},
		{"Empty", "", ErrPathRejected},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.svc.Read(f.jobID, tt.path)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestRead_SymlinkEscapeRejected(t *testing.T) {
	f := newFixture(t)

	// A link that escapes the root must be rejected even though it sits
	// inside the extraction directory.
	outside := filepath.Join(filepath.Dir(f.root), "secret.txt")
	require.NoError(t, os.WriteFile(outside, []byte("secret"), 0o644))
	require.NoError(t, os.Symlink(outside, filepath.Join(f.root, "sneaky")))

	_, err := f.svc.Read(f.jobID, "sneaky")
	assert.ErrorIs(t, err, ErrPathRejected)
}

func TestResolve(t *testing.T) {
	f := newFixture(t)

	abs, err := f.svc.Resolve(f.jobID, "README.md")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(f.root, "README.md"), abs)

	_, err = f.svc.Resolve(f.jobID, "../jobs.db")
	assert.ErrorIs(t, err, ErrPathRejected)
}

func TestTree(t *testing.T) {
	f := newFixture(t)

	root, err := f.svc.Tree(f.jobID)
	require.NoError(t, err)
	require.NotNil(t, root)

	names := make(map[string]*TreeNode)
	for _, child := range root.Children {
		names[child.Name] = child
	}
	require.Contains(t, names, "logs")
	assert.Len(t, names["logs"].Children, 2)
	assert.Contains(t, names, "README.md")
}

func TestSummarize(t *testing.T) {
	f := newFixture(t)

	summary, err := f.svc.Summarize(f.jobID)
	require.NoError(t, err)
	assert.Equal(t, 4, summary.FileCount)
	assert.Equal(t, 1, summary.DirectoryCount)
	assert.Positive(t, summary.TotalSize)
	assert.NotEmpty(t, summary.Extensions)
	assert.NotEmpty(t, summary.LargestFiles)
}

func TestJobGating(t *testing.T) {
	f := newFixture(t)

	_, err := f.svc.List("no-such-job", ListParams{})
	assert.ErrorIs(t, err, ErrNotFound)

	pending := jobs.NewJob("later.zip", 10, "zip")
	pending.Status = jobs.StatusExtracting
	require.NoError(t, f.jobs.Put(pending))

	_, err = f.svc.List(pending.ID, ListParams{})
	assert.ErrorIs(t, err, ErrJobNotReady)
}
