// Package archive implements format detection and safe extraction for
// untrusted uploaded archives. Detection works from content signature bytes
// rather than filename extensions; extraction confines every entry to the
// destination directory and records anything it rejects.
package archive

import (
	"bytes"
	"compress/bzip2"
	"compress/gzip"
	"fmt"
	"io"
	"os"

	"github.com/ulikunitz/xz"
)

// Format identifies a recognized archive format.
type Format string

const (
	FormatZip    Format = "zip"
	FormatTar    Format = "tar"
	FormatTarGz  Format = "tar.gz"
	FormatTarBz2 Format = "tar.bz2"
	FormatTarXz  Format = "tar.xz"
	Format7z     Format = "7z"
	FormatRar    Format = "rar"
)

// Signature bytes for supported containers. TAR has no leading magic; its
// "ustar" marker sits at offset 257.
var (
	magicZip       = []byte{'P', 'K', 0x03, 0x04}
	magicZipEmpty  = []byte{'P', 'K', 0x05, 0x06}
	magicZipSpan   = []byte{'P', 'K', 0x07, 0x08}
	magicGzip      = []byte{0x1f, 0x8b}
	magicBzip2     = []byte{'B', 'Z', 'h'}
	magicXz        = []byte{0xfd, '7', 'z', 'X', 'Z', 0x00}
	magic7z        = []byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}
	magicRar       = []byte{'R', 'a', 'r', '!', 0x1a, 0x07}
	magicTarUstar  = []byte("ustar\x00")
	magicTarGNU    = []byte("ustar  \x00")
	tarMagicOffset = 257
)

// Inspector validates an uploaded file before any extraction work: first the
// size ceiling, then format detection from signature bytes.
type Inspector struct {
	// MaxSize is the upload size ceiling in bytes.
	MaxSize int64
}

// NewInspector creates an inspector with the given size ceiling.
func NewInspector(maxSize int64) *Inspector {
	return &Inspector{MaxSize: maxSize}
}

// Inspect stats the file at path, enforces the size ceiling, and detects the
// archive format from content bytes. The claimed filename plays no part in
// detection. Returns ErrSizeExceeded before any decompression work when the
// file is too large, and ErrUnsupportedFormat when no recognized signature
// matches or the matching format has no wired decoder.
func (i *Inspector) Inspect(path string) (Format, int64, error) {
	info, err := os.Stat(path)
	if err != nil {
		return "", 0, fmt.Errorf("failed to stat upload: %w", err)
	}
	size := info.Size()

	if i.MaxSize > 0 && size > i.MaxSize {
		return "", size, fmt.Errorf("%w: %d bytes (limit %d)", ErrSizeExceeded, size, i.MaxSize)
	}

	f, err := os.Open(path)
	if err != nil {
		return "", size, fmt.Errorf("failed to open upload: %w", err)
	}
	defer f.Close()

	format, err := DetectFormat(f)
	if err != nil {
		return "", size, err
	}

	return format, size, nil
}

// DetectFormat sniffs the archive format from the reader's leading bytes.
// For the compressed TAR variants the compression header alone is not
// enough: the decompressed head must itself carry the TAR magic, otherwise
// a bare .gz/.bz2/.xz file would be accepted and fail mid-extraction.
func DetectFormat(r io.ReaderAt) (Format, error) {
	head := make([]byte, 512)
	n, err := r.ReadAt(head, 0)
	if err != nil && err != io.EOF {
		return "", fmt.Errorf("failed to read file header: %w", err)
	}
	head = head[:n]

	switch {
	case bytes.HasPrefix(head, magicZip),
		bytes.HasPrefix(head, magicZipEmpty),
		bytes.HasPrefix(head, magicZipSpan):
		return FormatZip, nil

	case bytes.HasPrefix(head, magic7z):
		return Format7z, nil

	case bytes.HasPrefix(head, magicRar):
		// Detected but no decoder is wired; refusing here beats failing
		// halfway through an extraction attempt.
		return "", fmt.Errorf("%w: rar (no decoder available)", ErrUnsupportedFormat)

	case bytes.HasPrefix(head, magicGzip):
		return detectCompressedTar(r, FormatTarGz)

	case bytes.HasPrefix(head, magicBzip2):
		return detectCompressedTar(r, FormatTarBz2)

	case bytes.HasPrefix(head, magicXz):
		return detectCompressedTar(r, FormatTarXz)

	case isTarHeader(head):
		return FormatTar, nil
	}

	return "", ErrUnsupportedFormat
}

// detectCompressedTar decompresses just enough of the stream to check for
// the TAR magic in the first entry header.
func detectCompressedTar(r io.ReaderAt, format Format) (Format, error) {
	src := io.NewSectionReader(r, 0, 1<<62)

	var (
		dec io.Reader
		err error
	)
	switch format {
	case FormatTarGz:
		dec, err = gzip.NewReader(src)
	case FormatTarBz2:
		dec = bzip2.NewReader(src)
	case FormatTarXz:
		dec, err = xz.NewReader(src)
	}
	if err != nil {
		return "", fmt.Errorf("%w: corrupt %s stream", ErrUnsupportedFormat, format)
	}

	head := make([]byte, 512)
	if _, err := io.ReadFull(dec, head); err != nil {
		return "", fmt.Errorf("%w: compressed stream is not a tar archive", ErrUnsupportedFormat)
	}
	if !isTarHeader(head) {
		return "", fmt.Errorf("%w: compressed stream is not a tar archive", ErrUnsupportedFormat)
	}

	return format, nil
}

func isTarHeader(head []byte) bool {
	if len(head) < tarMagicOffset+len(magicTarGNU) {
		return false
	}
	at := head[tarMagicOffset:]
	return bytes.HasPrefix(at, magicTarUstar) || bytes.HasPrefix(at, magicTarGNU)
}
