package archive

import (
	"archive/tar"
	"archive/zip"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// writeAdversarialZip builds the round-trip archive from the upload
// scenario: one good file, one traversal attempt, one hostile symlink.
func writeAdversarialZip(t *testing.T, path string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)

	w, err := zw.Create("a/b.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("hello"))
	require.NoError(t, err)

	w, err = zw.Create("a/../../evil.txt")
	require.NoError(t, err)
	_, err = w.Write([]byte("pwned"))
	require.NoError(t, err)

	hdr := &zip.FileHeader{Name: "link"}
	hdr.SetMode(fs.ModeSymlink | 0o777)
	w, err = zw.CreateHeader(hdr)
	require.NoError(t, err)
	_, err = w.Write([]byte("/etc/passwd"))
	require.NoError(t, err)

	require.NoError(t, zw.Close())
}

func TestExtract_ZipConfinement(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.zip")
	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	writeAdversarialZip(t, src)

	result, err := NewExtractor(1).Extract(FormatZip, src, dest, nil)
	require.NoError(t, err)

	// The good file survives with its content.
	content, err := os.ReadFile(filepath.Join(dest, "a", "b.txt"))
	require.NoError(t, err)
	assert.Equal(t, "hello", string(content))

	// The traversal entry was rejected and nothing landed outside dest.
	assert.NoFileExists(t, filepath.Join(dir, "evil.txt"))
	assert.NoFileExists(t, filepath.Join(dest, "evil.txt"))

	var reasons []string
	for _, r := range result.Rejected {
		reasons = append(reasons, r.Name+": "+r.Reason)
	}
	assert.Contains(t, strings.Join(reasons, "\n"), "evil.txt")

	// The symlink, if present at all, resolves inside dest.
	if target, err := os.Readlink(filepath.Join(dest, "link")); err == nil {
		resolved := filepath.Join(dest, target)
		rel, err := filepath.Rel(dest, resolved)
		require.NoError(t, err)
		assert.False(t, strings.HasPrefix(rel, ".."), "symlink escapes destination: %s", target)
	}
}

func TestExtract_TarLinkPolicy(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.tar")
	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	f, err := os.Create(src)
	require.NoError(t, err)
	tw := tar.NewWriter(f)

	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "data/log.txt", Mode: 0o644, Size: 4, Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write([]byte("data"))
	require.NoError(t, err)

	// Relative symlink escaping the root.
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "escape", Typeflag: tar.TypeSymlink, Linkname: "../../outside",
	}))
	// Relative symlink staying inside.
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "data/latest", Typeflag: tar.TypeSymlink, Linkname: "log.txt",
	}))
	// Hardlink to an extracted file.
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "data/copy.txt", Typeflag: tar.TypeLink, Linkname: "data/log.txt",
	}))
	// Hardlink escaping the root.
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "stolen", Typeflag: tar.TypeLink, Linkname: "../../../etc/passwd",
	}))
	// Device entry.
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "dev/null", Typeflag: tar.TypeChar, Devmajor: 1, Devminor: 3,
	}))

	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	result, err := NewExtractor(1).Extract(FormatTar, src, dest, nil)
	require.NoError(t, err)

	assert.NoFileExists(t, filepath.Join(dest, "escape"))
	assert.NoFileExists(t, filepath.Join(dest, "stolen"))
	assert.NoFileExists(t, filepath.Join(dest, "dev", "null"))

	target, err := os.Readlink(filepath.Join(dest, "data", "latest"))
	require.NoError(t, err)
	assert.Equal(t, "log.txt", target)

	content, err := os.ReadFile(filepath.Join(dest, "data", "copy.txt"))
	require.NoError(t, err)
	assert.Equal(t, "data", string(content))

	assert.Len(t, result.Rejected, 3)
}

func TestExtract_AbsoluteSymlinkRewritten(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.tar")
	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	f, err := os.Create(src)
	require.NoError(t, err)
	tw := tar.NewWriter(f)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "etc/motd", Mode: 0o644, Size: 2, Typeflag: tar.TypeReg,
	}))
	_, err = tw.Write([]byte("hi"))
	require.NoError(t, err)
	require.NoError(t, tw.WriteHeader(&tar.Header{
		Name: "motd", Typeflag: tar.TypeSymlink, Linkname: "/etc/motd",
	}))
	require.NoError(t, tw.Close())
	require.NoError(t, f.Close())

	_, err = NewExtractor(1).Extract(FormatTar, src, dest, nil)
	require.NoError(t, err)

	// The absolute target was rewritten to land inside dest.
	target, err := os.Readlink(filepath.Join(dest, "motd"))
	require.NoError(t, err)
	content, err := os.ReadFile(filepath.Join(dest, target))
	require.NoError(t, err)
	assert.Equal(t, "hi", string(content))
}

func TestExtract_AllEntriesRejected(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "hostile.zip")
	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	f, err := os.Create(src)
	require.NoError(t, err)
	zw := zip.NewWriter(f)
	for _, name := range []string{"../one.txt", "../../two.txt", "/abs/three.txt"} {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte("x"))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
	require.NoError(t, f.Close())

	_, err = NewExtractor(1).Extract(FormatZip, src, dest, nil)
	assert.ErrorIs(t, err, ErrExtractionFailed)
}

func TestExtract_CorruptArchive(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "broken.zip")
	require.NoError(t, os.WriteFile(src, []byte("PK\x03\x04 garbage follows"), 0o644))
	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	_, err := NewExtractor(1).Extract(FormatZip, src, dest, nil)
	assert.ErrorIs(t, err, ErrExtractionFailed)
}

func TestExtract_ProgressIsMonotonic(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "many.tar.gz")
	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))

	files := make(map[string]string, 60)
	for i := 0; i < 60; i++ {
		files[filepath.Join("logs", string(rune('a'+i%26))+"-"+string(rune('0'+i%10))+".txt")] =
			strings.Repeat("log line\n", 50)
	}
	writeTestTGZ(t, src, files)

	var percents []int
	result, err := NewExtractor(5).Extract(FormatTarGz, src, dest, func(p int, msg string) {
		percents = append(percents, p)
		assert.NotEmpty(t, msg)
	})
	require.NoError(t, err)
	assert.Equal(t, len(files), result.Entries)

	require.NotEmpty(t, percents)
	for i := 1; i < len(percents); i++ {
		assert.GreaterOrEqual(t, percents[i], percents[i-1])
	}
	assert.Equal(t, 100, percents[len(percents)-1])
}

func TestExtract_TarXzRoundTrip(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "upload.txz")
	dest := filepath.Join(dir, "out")
	require.NoError(t, os.MkdirAll(dest, 0o755))
	writeTestTXZ(t, src, map[string]string{"report/summary.txt": "all green"})

	result, err := NewExtractor(1).Extract(FormatTarXz, src, dest, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Entries)

	content, err := os.ReadFile(filepath.Join(dest, "report", "summary.txt"))
	require.NoError(t, err)
	assert.Equal(t, "all green", string(content))
}
