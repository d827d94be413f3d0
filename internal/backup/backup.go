// Package backup writes snapshot documents to disk and reads them back,
// optionally compressed.
package backup

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zstd"
)

// Compression selects the on-disk encoding of a backup file.
type Compression string

const (
	None Compression = "none"
	Gzip Compression = "gzip"
	Zstd Compression = "zstd"
)

const (
	filePrefix = "klyro_backup_"
	fileExt    = ".json"

	// maxBackupBytes caps how much decompressed data ReadFile accepts.
	maxBackupBytes = 32 * 1024 * 1024
)

// ParseCompression maps a config value to a Compression. Empty means None.
func ParseCompression(s string) (Compression, error) {
	switch c := Compression(strings.ToLower(strings.TrimSpace(s))); c {
	case "", None:
		return None, nil
	case Gzip, Zstd:
		return c, nil
	default:
		return "", fmt.Errorf("unknown backup compression %q", s)
	}
}

func (c Compression) suffix() string {
	switch c {
	case Gzip:
		return ".gz"
	case Zstd:
		return ".zst"
	default:
		return ""
	}
}

// FileName returns the backup file name for the given day,
// klyro_backup_YYYY-MM-DD.json plus the compression suffix.
func FileName(now time.Time, c Compression) string {
	return filePrefix + now.Format("2006-01-02") + fileExt + c.suffix()
}

// IsBackupFile reports whether name looks like a backup file ReadFile can
// decode.
func IsBackupFile(name string) bool {
	base := filepath.Base(name)
	if strings.HasPrefix(base, ".") {
		return false
	}

	base = strings.TrimSuffix(strings.TrimSuffix(base, ".gz"), ".zst")

	return strings.HasSuffix(base, fileExt)
}

// WriteFile stores doc in dir under FileName(now, c) and returns the full
// path. The file is written to a temp file and renamed into place, so a
// reader never sees a partial backup. A backup from the same day is
// replaced.
func WriteFile(dir string, doc []byte, now time.Time, c Compression) (string, error) {
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return "", fmt.Errorf("creating backup dir: %w", err)
	}

	data, err := compress(doc, c)
	if err != nil {
		return "", err
	}

	path := filepath.Join(dir, FileName(now, c))

	tmp, err := os.CreateTemp(dir, ".klyro-backup-*")
	if err != nil {
		return "", fmt.Errorf("creating temp file: %w", err)
	}

	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)

		return "", fmt.Errorf("writing temp file: %w", err)
	}

	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("closing temp file: %w", err)
	}

	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return "", fmt.Errorf("renaming temp file: %w", err)
	}

	return path, nil
}

// ReadFile returns the snapshot document stored at path, decompressing
// by extension.
func ReadFile(path string) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("opening backup: %w", err)
	}
	defer f.Close()

	var r io.Reader = f

	switch {
	case strings.HasSuffix(path, ".gz"):
		zr, err := gzip.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening gzip backup: %w", err)
		}
		defer zr.Close()

		r = zr
	case strings.HasSuffix(path, ".zst"):
		zr, err := zstd.NewReader(f)
		if err != nil {
			return nil, fmt.Errorf("opening zstd backup: %w", err)
		}
		defer zr.Close()

		r = zr
	}

	data, err := io.ReadAll(io.LimitReader(r, maxBackupBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading backup: %w", err)
	}

	if len(data) > maxBackupBytes {
		return nil, fmt.Errorf("backup exceeds %d bytes", maxBackupBytes)
	}

	return data, nil
}

func compress(doc []byte, c Compression) ([]byte, error) {
	switch c {
	case None, "":
		return doc, nil
	case Gzip:
		var buf bytes.Buffer

		zw := gzip.NewWriter(&buf)
		if _, err := zw.Write(doc); err != nil {
			return nil, fmt.Errorf("compressing backup: %w", err)
		}

		if err := zw.Close(); err != nil {
			return nil, fmt.Errorf("compressing backup: %w", err)
		}

		return buf.Bytes(), nil
	case Zstd:
		enc, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault))
		if err != nil {
			return nil, fmt.Errorf("creating zstd encoder: %w", err)
		}
		defer enc.Close()

		return enc.EncodeAll(doc, nil), nil
	default:
		return nil, fmt.Errorf("unknown backup compression %q", c)
	}
}
