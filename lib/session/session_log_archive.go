// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"fmt"
	"io"
	"os"

	"github.com/klauspost/compress/zstd"
)

// ArchiveLog compresses the JSONL session log at path into path+".zst"
// and removes the uncompressed original. Called once a session has
// reached a terminal status: a finished agent's log is read rarely
// and only for audit, so it need not stay plain JSONL on disk.
func ArchiveLog(path string) error {
	source, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("opening session log %q: %w", path, err)
	}
	defer source.Close()

	archivePath := path + ".zst"
	destination, err := os.Create(archivePath)
	if err != nil {
		return fmt.Errorf("creating archived session log %q: %w", archivePath, err)
	}

	encoder, err := zstd.NewWriter(destination)
	if err != nil {
		destination.Close()
		os.Remove(archivePath)
		return fmt.Errorf("creating zstd encoder: %w", err)
	}

	if _, err := io.Copy(encoder, source); err != nil {
		encoder.Close()
		destination.Close()
		os.Remove(archivePath)
		return fmt.Errorf("compressing session log: %w", err)
	}
	if err := encoder.Close(); err != nil {
		destination.Close()
		os.Remove(archivePath)
		return fmt.Errorf("flushing zstd encoder: %w", err)
	}
	if err := destination.Close(); err != nil {
		os.Remove(archivePath)
		return fmt.Errorf("closing archived session log: %w", err)
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("removing uncompressed session log %q: %w", path, err)
	}
	return nil
}
