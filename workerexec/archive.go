// Package workerexec is the Worker Executor: it decrypts an assigned
// batch, unpacks it, runs the external upscaler, repacks the result, and
// cleans up -- one batch in flight at a time.
package workerexec

import (
	"archive/zip"
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	uperrors "github.com/videoswarm/upswarm/errors"
)

// unpackArchive extracts a zip archive's entries into destDir, rejecting
// any entry whose name is absolute or contains a ".." path segment.
func unpackArchive(archive []byte, destDir string) error {
	r, err := zip.NewReader(bytes.NewReader(archive), int64(len(archive)))
	if err != nil {
		return uperrors.New(uperrors.KindSecurityViolation, "opening batch archive", err)
	}

	for _, f := range r.File {
		if err := validateEntryName(f.Name); err != nil {
			return uperrors.New(uperrors.KindSecurityViolation, "rejecting archive entry "+f.Name, err)
		}

		destPath := filepath.Join(destDir, f.Name)
		if f.FileInfo().IsDir() {
			if err := os.MkdirAll(destPath, 0o755); err != nil {
				return fmt.Errorf("workerexec: creating directory %s: %w", destPath, err)
			}
			continue
		}

		if err := os.MkdirAll(filepath.Dir(destPath), 0o755); err != nil {
			return fmt.Errorf("workerexec: creating parent of %s: %w", destPath, err)
		}

		if err := extractEntry(f, destPath); err != nil {
			return fmt.Errorf("workerexec: extracting %s: %w", f.Name, err)
		}
	}
	return nil
}

func validateEntryName(name string) error {
	if filepath.IsAbs(name) {
		return fmt.Errorf("absolute path not allowed")
	}
	for _, part := range strings.Split(filepath.ToSlash(name), "/") {
		if part == ".." {
			return fmt.Errorf("path traversal not allowed")
		}
	}
	return nil
}

func extractEntry(f *zip.File, destPath string) error {
	src, err := f.Open()
	if err != nil {
		return err
	}
	defer src.Close()

	dst, err := os.OpenFile(destPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	defer dst.Close()

	_, err = io.Copy(dst, src)
	return err
}

// packArchive stores every file directly under dir into a zip archive using
// zip.Store -- the PNG payload is already compressed, so re-compressing
// would only spend CPU for no size benefit.
func packArchive(dir string) ([]byte, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("workerexec: reading output dir: %w", err)
	}

	var buf bytes.Buffer
	w := zip.NewWriter(&buf)
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		if err := addStoredEntry(w, dir, e.Name()); err != nil {
			return nil, fmt.Errorf("workerexec: packing %s: %w", e.Name(), err)
		}
	}
	if err := w.Close(); err != nil {
		return nil, fmt.Errorf("workerexec: finalizing archive: %w", err)
	}
	return buf.Bytes(), nil
}

// PackDir is the exported form of packArchive, used by the coordinator side
// to build the input archive for a batch assignment.
func PackDir(dir string) ([]byte, error) {
	return packArchive(dir)
}

// UnpackArchive is the exported form of unpackArchive, used by the
// coordinator side to extract a completed batch's result archive.
func UnpackArchive(archive []byte, destDir string) error {
	return unpackArchive(archive, destDir)
}

func addStoredEntry(w *zip.Writer, dir, name string) error {
	data, err := os.ReadFile(filepath.Join(dir, name))
	if err != nil {
		return err
	}
	hdr := &zip.FileHeader{Name: name, Method: zip.Store}
	entryWriter, err := w.CreateHeader(hdr)
	if err != nil {
		return err
	}
	_, err = entryWriter.Write(data)
	return err
}
