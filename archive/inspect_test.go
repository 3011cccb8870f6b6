package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/gzip"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/ulikunitz/xz"
)

// writeTestZip creates a zip archive from name -> content pairs.
func writeTestZip(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	zw := zip.NewWriter(f)
	for name, content := range files {
		w, err := zw.Create(name)
		require.NoError(t, err)
		_, err = w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, zw.Close())
}

// writeTestTar writes tar entries to an arbitrary writer, so the same
// helper serves plain, gzip, and xz variants.
func writeTarEntries(t *testing.T, w *tar.Writer, files map[string]string) {
	t.Helper()

	for name, content := range files {
		require.NoError(t, w.WriteHeader(&tar.Header{
			Name:     name,
			Mode:     0o644,
			Size:     int64(len(content)),
			Typeflag: tar.TypeReg,
		}))
		_, err := w.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, w.Close())
}

func writeTestTar(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()
	writeTarEntries(t, tar.NewWriter(f), files)
}

func writeTestTGZ(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	gz := gzip.NewWriter(f)
	writeTarEntries(t, tar.NewWriter(gz), files)
	require.NoError(t, gz.Close())
}

func writeTestTXZ(t *testing.T, path string, files map[string]string) {
	t.Helper()

	f, err := os.Create(path)
	require.NoError(t, err)
	defer f.Close()

	xzw, err := xz.NewWriter(f)
	require.NoError(t, err)
	writeTarEntries(t, tar.NewWriter(xzw), files)
	require.NoError(t, xzw.Close())
}

func TestInspect_DetectsFormats(t *testing.T) {
	dir := t.TempDir()
	files := map[string]string{"logs/run.txt": "ok"}

	tests := []struct {
		name   string
		write  func(t *testing.T, path string, files map[string]string)
		expect Format
	}{
		{"Zip", writeTestZip, FormatZip},
		{"Tar", writeTestTar, FormatTar},
		{"TarGz", writeTestTGZ, FormatTarGz},
		{"TarXz", writeTestTXZ, FormatTarXz},
	}

	inspector := NewInspector(1 << 30)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			// Deliberately misleading extension: detection must come
			// from content bytes only.
			path := filepath.Join(dir, tt.name+".bin")
			tt.write(t, path, files)

			format, size, err := inspector.Inspect(path)
			require.NoError(t, err)
			assert.Equal(t, tt.expect, format)
			assert.Positive(t, size)
		})
	}
}

func TestInspect_PlainTextNamedZip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "results.zip")
	require.NoError(t, os.WriteFile(path, []byte("this is not an archive\n"), 0o644))

	_, _, err := NewInspector(1 << 30).Inspect(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestInspect_SizeExceeded(t *testing.T) {
	path := filepath.Join(t.TempDir(), "big.zip")
	writeTestZip(t, path, map[string]string{"a.txt": "hello"})

	_, _, err := NewInspector(10).Inspect(path)
	assert.ErrorIs(t, err, ErrSizeExceeded)
}

func TestInspect_RarDetectedButUnsupported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "archive.rar")
	require.NoError(t, os.WriteFile(path, append([]byte("Rar!\x1a\x07\x00"), make([]byte, 64)...), 0o644))

	_, _, err := NewInspector(1 << 30).Inspect(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
	assert.Contains(t, err.Error(), "no decoder available")
}

func TestInspect_BareGzipIsNotATar(t *testing.T) {
	path := filepath.Join(t.TempDir(), "notes.gz")
	f, err := os.Create(path)
	require.NoError(t, err)
	gz := gzip.NewWriter(f)
	_, err = gz.Write([]byte("just compressed text, no tar inside"))
	require.NoError(t, err)
	require.NoError(t, gz.Close())
	require.NoError(t, f.Close())

	_, _, err = NewInspector(1 << 30).Inspect(path)
	assert.ErrorIs(t, err, ErrUnsupportedFormat)
}

func TestInspect_MissingFile(t *testing.T) {
	_, _, err := NewInspector(1 << 30).Inspect(filepath.Join(t.TempDir(), "nope.zip"))
	assert.Error(t, err)
}
