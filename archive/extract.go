package archive

import (
	"archive/tar"
	"archive/zip"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"

	"github.com/bodgit/sevenzip"
	"github.com/dustin/go-humanize"
	"github.com/ulikunitz/xz"
)

// ProgressFunc receives batched progress updates during extraction. Percent
// is the raw extraction fraction in [0, 100]; callers map it into their own
// progress bands.
type ProgressFunc func(percent int, message string)

// RejectedEntry records one archive entry that was not extracted, with the
// reason. Rejections are non-fatal; they accumulate in the Result.
type RejectedEntry struct {
	Name   string `json:"name"`
	Reason string `json:"reason"`
}

// Result summarizes a completed extraction.
type Result struct {
	// Entries is the number of files, directories, and links written.
	Entries int

	// Bytes is the total uncompressed bytes written to disk.
	Bytes int64

	// Rejected lists every entry dropped by the confinement or link
	// checks. Nothing is silently skipped.
	Rejected []RejectedEntry
}

// Extractor streams archive entries to disk under a destination root. Every
// entry path is confined to the root; symlinks and hardlinks are validated
// to resolve inside it; device files and other irregular entries are
// rejected. Rejections do not abort the extraction unless no entry at all
// lands safely.
type Extractor struct {
	// ProgressStep is the number of entries between progress emissions.
	ProgressStep int
}

// NewExtractor creates an extractor emitting progress every step entries.
func NewExtractor(step int) *Extractor {
	if step < 1 {
		step = 25
	}
	return &Extractor{ProgressStep: step}
}

// Extract unpacks the archive at src into dest, which must already exist.
// The format must come from the Inspector; Extract trusts it and does not
// re-sniff. onProgress may be nil.
func (e *Extractor) Extract(format Format, src, dest string, onProgress ProgressFunc) (*Result, error) {
	destAbs, err := filepath.Abs(dest)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot resolve destination: %v", ErrExtractionFailed, err)
	}

	var result *Result
	switch format {
	case FormatZip:
		result, err = e.extractZip(src, destAbs, onProgress)
	case Format7z:
		result, err = e.extract7z(src, destAbs, onProgress)
	case FormatTar, FormatTarGz, FormatTarBz2, FormatTarXz:
		result, err = e.extractTar(format, src, destAbs, onProgress)
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnsupportedFormat, format)
	}
	if err != nil {
		return nil, err
	}

	// An archive whose every entry was rejected is treated as hostile, not
	// as a successful empty job.
	if result.Entries == 0 && len(result.Rejected) > 0 {
		return nil, fmt.Errorf("%w: all %d entries were rejected", ErrExtractionFailed, len(result.Rejected))
	}

	return result, nil
}

// extraction carries the shared per-run state for one Extract call.
type extraction struct {
	dest       string
	step       int
	onProgress ProgressFunc

	result       Result
	sinceEmit    int
	totalBytes   int64 // uncompressed total where determinable, else 0
	totalEntries int
	readBytes    *int64 // compressed bytes read, for tar streams
	srcSize      int64
}

func (e *Extractor) newRun(dest string, onProgress ProgressFunc) *extraction {
	return &extraction{
		dest:       dest,
		step:       e.ProgressStep,
		onProgress: onProgress,
		result:     Result{Rejected: make([]RejectedEntry, 0)},
	}
}

// reject records a dropped entry.
func (x *extraction) reject(name, reason string) {
	x.result.Rejected = append(x.result.Rejected, RejectedEntry{Name: name, Reason: reason})
}

// wrote records a successfully written entry and emits batched progress.
func (x *extraction) wrote(n int64) {
	x.result.Entries++
	x.result.Bytes += n
	x.sinceEmit++
	if x.sinceEmit >= x.step {
		x.sinceEmit = 0
		x.emit()
	}
}

func (x *extraction) emit() {
	if x.onProgress == nil {
		return
	}
	x.onProgress(x.percent(), fmt.Sprintf("extracted %d entries (%s)",
		x.result.Entries, humanize.Bytes(uint64(x.result.Bytes))))
}

// percent derives the extraction fraction from bytes written over the
// precomputed uncompressed total where the format allows it, else from
// compressed bytes consumed over the archive file size, else from the
// entry-count ratio.
func (x *extraction) percent() int {
	var p int
	switch {
	case x.totalBytes > 0:
		p = int(x.result.Bytes * 100 / x.totalBytes)
	case x.readBytes != nil && x.srcSize > 0:
		p = int(atomic.LoadInt64(x.readBytes) * 100 / x.srcSize)
	case x.totalEntries > 0:
		p = x.result.Entries * 100 / x.totalEntries
	}
	if p > 100 {
		p = 100
	}
	return p
}

// finish emits the final progress update.
func (x *extraction) finish() {
	if x.onProgress != nil {
		x.onProgress(100, fmt.Sprintf("extracted %d entries (%s)",
			x.result.Entries, humanize.Bytes(uint64(x.result.Bytes))))
	}
}

func (e *Extractor) extractZip(src, dest string, onProgress ProgressFunc) (*Result, error) {
	r, err := zip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open zip: %v", ErrExtractionFailed, err)
	}
	defer r.Close()

	x := e.newRun(dest, onProgress)
	x.totalEntries = len(r.File)
	for _, f := range r.File {
		x.totalBytes += int64(f.UncompressedSize64)
	}

	for _, f := range r.File {
		name := f.Name
		mode := f.Mode()

		target, ok := securePath(dest, name)
		if !ok {
			x.reject(name, "path escapes destination")
			continue
		}

		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("%w: mkdir %s: %v", ErrExtractionFailed, name, err)
			}
			x.wrote(0)

		case mode&fs.ModeSymlink != 0:
			linkTarget, err := readAll(f, 4096)
			if err != nil {
				return nil, fmt.Errorf("%w: read symlink %s: %v", ErrExtractionFailed, name, err)
			}
			if reason := writeSymlink(dest, target, string(linkTarget)); reason != "" {
				x.reject(name, reason)
				continue
			}
			x.wrote(0)

		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("%w: open entry %s: %v", ErrExtractionFailed, name, err)
			}
			n, err := writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: write %s: %v", ErrExtractionFailed, name, err)
			}
			x.wrote(n)

		default:
			x.reject(name, "unsupported entry type")
		}
	}

	x.finish()
	return &x.result, nil
}

func (e *Extractor) extract7z(src, dest string, onProgress ProgressFunc) (*Result, error) {
	r, err := sevenzip.OpenReader(src)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open 7z: %v", ErrExtractionFailed, err)
	}
	defer r.Close()

	x := e.newRun(dest, onProgress)
	x.totalEntries = len(r.File)
	for _, f := range r.File {
		x.totalBytes += int64(f.UncompressedSize)
	}

	for _, f := range r.File {
		name := f.Name
		mode := f.FileInfo().Mode()

		target, ok := securePath(dest, name)
		if !ok {
			x.reject(name, "path escapes destination")
			continue
		}

		switch {
		case f.FileInfo().IsDir():
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("%w: mkdir %s: %v", ErrExtractionFailed, name, err)
			}
			x.wrote(0)

		case mode&fs.ModeSymlink != 0:
			linkTarget, err := readAll(f, 4096)
			if err != nil {
				return nil, fmt.Errorf("%w: read symlink %s: %v", ErrExtractionFailed, name, err)
			}
			if reason := writeSymlink(dest, target, string(linkTarget)); reason != "" {
				x.reject(name, reason)
				continue
			}
			x.wrote(0)

		case mode.IsRegular():
			rc, err := f.Open()
			if err != nil {
				return nil, fmt.Errorf("%w: open entry %s: %v", ErrExtractionFailed, name, err)
			}
			n, err := writeFile(target, rc, mode.Perm())
			rc.Close()
			if err != nil {
				return nil, fmt.Errorf("%w: write %s: %v", ErrExtractionFailed, name, err)
			}
			x.wrote(n)

		default:
			x.reject(name, "unsupported entry type")
		}
	}

	x.finish()
	return &x.result, nil
}

func (e *Extractor) extractTar(format Format, src, dest string, onProgress ProgressFunc) (*Result, error) {
	f, err := os.Open(src)
	if err != nil {
		return nil, fmt.Errorf("%w: cannot open archive: %v", ErrExtractionFailed, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return nil, fmt.Errorf("%w: cannot stat archive: %v", ErrExtractionFailed, err)
	}

	// Percent for streamed tar comes from compressed bytes consumed; the
	// uncompressed total is unknown without a second pass.
	counted := &countingReader{r: f}

	var stream io.Reader
	switch format {
	case FormatTar:
		stream = counted
	case FormatTarGz:
		gz, err := gzip.NewReader(counted)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt gzip stream: %v", ErrExtractionFailed, err)
		}
		defer gz.Close()
		stream = gz
	case FormatTarBz2:
		stream = bzip2.NewReader(counted)
	case FormatTarXz:
		xzr, err := xz.NewReader(counted)
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt xz stream: %v", ErrExtractionFailed, err)
		}
		stream = xzr
	}

	x := e.newRun(dest, onProgress)
	x.readBytes = &counted.n
	x.srcSize = info.Size()

	tr := tar.NewReader(stream)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("%w: corrupt tar stream: %v", ErrExtractionFailed, err)
		}

		name := hdr.Name
		target, ok := securePath(dest, name)
		if !ok {
			x.reject(name, "path escapes destination")
			continue
		}

		switch hdr.Typeflag {
		case tar.TypeDir:
			if err := os.MkdirAll(target, 0o755); err != nil {
				return nil, fmt.Errorf("%w: mkdir %s: %v", ErrExtractionFailed, name, err)
			}
			x.wrote(0)

		case tar.TypeReg:
			n, err := writeFile(target, tr, fs.FileMode(hdr.Mode).Perm())
			if err != nil {
				return nil, fmt.Errorf("%w: write %s: %v", ErrExtractionFailed, name, err)
			}
			x.wrote(n)

		case tar.TypeSymlink:
			if reason := writeSymlink(dest, target, hdr.Linkname); reason != "" {
				x.reject(name, reason)
				continue
			}
			x.wrote(0)

		case tar.TypeLink:
			if reason := writeHardlink(dest, target, hdr.Linkname); reason != "" {
				x.reject(name, reason)
				continue
			}
			x.wrote(0)

		case tar.TypeChar, tar.TypeBlock, tar.TypeFifo:
			x.reject(name, "device or fifo entry")

		default:
			x.reject(name, "unsupported entry type")
		}
	}

	x.finish()
	return &x.result, nil
}

// securePath joins an untrusted entry name under dest and verifies the
// result is a strict descendant. Absolute paths, volume prefixes, and any
// path whose cleaned form escapes dest are refused.
func securePath(dest, name string) (string, bool) {
	name = filepath.FromSlash(name)
	if filepath.IsAbs(name) || filepath.VolumeName(name) != "" {
		return "", false
	}

	target := filepath.Join(dest, name)
	rel, err := filepath.Rel(dest, target)
	if err != nil {
		return "", false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", false
	}
	return target, true
}

// writeSymlink creates a symlink at target after validating that the link
// resolves inside dest. Absolute link targets are rewritten to land under
// dest before validation, mirroring how relative archives are usually laid
// out. Returns a rejection reason, or "" on success.
func writeSymlink(dest, target, linkname string) string {
	var resolved string
	if filepath.IsAbs(linkname) || filepath.VolumeName(linkname) != "" {
		// Treat /etc/motd as dest/etc/motd rather than trusting the
		// absolute path.
		trimmed := strings.TrimLeft(filepath.Clean(filepath.FromSlash(linkname)), string(filepath.Separator))
		trimmed = strings.TrimPrefix(trimmed, filepath.VolumeName(linkname))
		resolved = filepath.Join(dest, trimmed)
	} else {
		resolved = filepath.Join(filepath.Dir(target), filepath.FromSlash(linkname))
	}

	rel, err := filepath.Rel(dest, resolved)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "symlink resolves outside destination"
	}

	// Rewrite the stored target to the relative form so the link stays
	// valid if the job directory moves.
	relTarget, err := filepath.Rel(filepath.Dir(target), resolved)
	if err != nil {
		return "symlink resolves outside destination"
	}

	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Sprintf("cannot create parent directory: %v", err)
	}
	os.Remove(target)
	if err := os.Symlink(relTarget, target); err != nil {
		return fmt.Sprintf("cannot create symlink: %v", err)
	}
	return ""
}

// writeHardlink creates a hardlink at target pointing at an already
// extracted file inside dest. Returns a rejection reason, or "" on success.
func writeHardlink(dest, target, linkname string) string {
	source, ok := securePath(dest, linkname)
	if !ok {
		return "hardlink target outside destination"
	}
	if _, err := os.Lstat(source); err != nil {
		return "hardlink target missing"
	}
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return fmt.Sprintf("cannot create parent directory: %v", err)
	}
	os.Remove(target)
	if err := os.Link(source, target); err != nil {
		return fmt.Sprintf("cannot create hardlink: %v", err)
	}
	return ""
}

// writeFile streams r into a freshly created file at target.
func writeFile(target string, r io.Reader, perm fs.FileMode) (int64, error) {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return 0, err
	}
	if perm == 0 {
		perm = 0o644
	}

	out, err := os.OpenFile(target, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, perm)
	if err != nil {
		return 0, err
	}

	n, err := io.Copy(out, r)
	if cerr := out.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(target)
		return n, err
	}
	return n, nil
}

// readAll reads an archive entry fully, capped at limit bytes. Used for
// symlink targets, which are tiny.
func readAll(f interface{ Open() (io.ReadCloser, error) }, limit int64) ([]byte, error) {
	rc, err := f.Open()
	if err != nil {
		return nil, err
	}
	defer rc.Close()
	return io.ReadAll(io.LimitReader(rc, limit))
}

// countingReader counts bytes consumed from the underlying reader. The
// count is read concurrently by percent(), hence the atomic.
type countingReader struct {
	r io.Reader
	n int64
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	atomic.AddInt64(&c.n, int64(n))
	return n, err
}
