package journal

// ============================================================================
// Journal Archive
// Purpose: Compress a closed journal file for cold storage and restore it
// ============================================================================

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ArchiveFile zstd-compresses the journal file at src into dst and returns
// the number of uncompressed bytes. The source must not be open for writing.
func ArchiveFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("journal: archive: %w", err)
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("journal: archive: %w", err)
	}

	enc, err := zstd.NewWriter(out, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		out.Close()
		return 0, fmt.Errorf("journal: create zstd encoder: %w", err)
	}
	n, err := io.Copy(enc, in)
	if err != nil {
		enc.Close()
		out.Close()
		return n, fmt.Errorf("journal: compress %s: %w", src, err)
	}
	if err := enc.Close(); err != nil {
		out.Close()
		return n, fmt.Errorf("journal: close zstd encoder: %w", err)
	}
	if err := out.Sync(); err != nil {
		out.Close()
		return n, fmt.Errorf("journal: sync archive: %w", err)
	}
	return n, out.Close()
}

// RestoreFile decompresses an archive written by ArchiveFile into dst.
func RestoreFile(src, dst string) (int64, error) {
	in, err := os.Open(src)
	if err != nil {
		return 0, fmt.Errorf("journal: restore: %w", err)
	}
	defer in.Close()

	dec, err := zstd.NewReader(in)
	if err != nil {
		return 0, fmt.Errorf("journal: create zstd decoder: %w", err)
	}
	defer dec.Close()

	out, err := os.Create(dst)
	if err != nil {
		return 0, fmt.Errorf("journal: restore: %w", err)
	}
	n, err := io.Copy(out, dec)
	if err != nil {
		out.Close()
		return n, fmt.Errorf("journal: decompress %s: %w", src, err)
	}
	return n, out.Close()
}
