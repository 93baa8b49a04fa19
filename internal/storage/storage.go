// Package storage owns the on-disk layout: raw uploads under
// uploads/<file_id>, generated artifacts under
// artifacts/<job_id>_<name>, and mapping config under config/.
package storage

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/skybuild/backend/internal/apperr"
)

// FileType is the normalized upload type token.
const (
	TypeIFC = "ifc"
	TypeDWG = "dwg"
	TypeDXF = "dxf"
	TypePDF = "pdf"
)

// Disk is the filesystem-backed blob store.
type Disk struct {
	root     string
	maxBytes int64
}

// NewDisk creates the uploads/, artifacts/ and config/ subtrees under
// root.
func NewDisk(root string, maxBytes int64) (*Disk, error) {
	for _, sub := range []string{"uploads", "artifacts", "config"} {
		if err := os.MkdirAll(filepath.Join(root, sub), 0o755); err != nil {
			return nil, fmt.Errorf("create %s dir: %w", sub, err)
		}
	}
	return &Disk{root: root, maxBytes: maxBytes}, nil
}

// UploadPath returns the canonical path for a raw upload.
func (d *Disk) UploadPath(fileID string) string {
	return filepath.Join(d.root, "uploads", fileID)
}

// ArtifactPath returns the canonical path for a generated artifact.
func (d *Disk) ArtifactPath(jobID, name string) string {
	return filepath.Join(d.root, "artifacts", jobID+"_"+name)
}

// ConfigPath returns the path of a mapping config file.
func (d *Disk) ConfigPath(name string) string {
	return filepath.Join(d.root, "config", name)
}

// DetectType sniffs the leading bytes and reports the normalized file
// type, or an error when the content matches none of the accepted
// formats. Extension alone is never trusted.
func DetectType(head []byte) (string, error) {
	switch {
	case bytes.HasPrefix(head, []byte("%PDF-")):
		return TypePDF, nil
	case bytes.Contains(head, []byte("ISO-10303-21")):
		return TypeIFC, nil
	case bytes.HasPrefix(head, []byte("AC10")) || bytes.HasPrefix(head, []byte("AC1")):
		return TypeDWG, nil
	case looksLikeDXF(head):
		return TypeDXF, nil
	}
	return "", apperr.Validationf("unsupported_file_type", "file content matches no supported format")
}

// DXF files open with a group-code pair, conventionally "0\nSECTION".
func looksLikeDXF(head []byte) bool {
	trimmed := strings.TrimSpace(string(head))
	return strings.HasPrefix(trimmed, "0") && strings.Contains(trimmed, "SECTION")
}

// SaveUpload streams r to the upload path for fileID, enforcing the
// size cap and verifying the declared type against the content. The
// write is once only: an existing upload is a conflict. Returns the
// byte count and hex SHA-256 checksum.
func (d *Disk) SaveUpload(fileID, declaredType string, r io.Reader) (int64, string, error) {
	path := d.UploadPath(fileID)
	if _, err := os.Stat(path); err == nil {
		return 0, "", apperr.Conflictf("upload_exists", "file content already uploaded")
	}

	head := make([]byte, 512)
	n, err := io.ReadFull(r, head)
	if err != nil && err != io.ErrUnexpectedEOF && err != io.EOF {
		return 0, "", fmt.Errorf("read upload head: %w", err)
	}
	head = head[:n]

	detected, err := DetectType(head)
	if err != nil {
		return 0, "", err
	}
	if declaredType != "" && !strings.EqualFold(declaredType, detected) {
		return 0, "", apperr.Validationf("file_type_mismatch",
			"declared type %s does not match content (%s)", declaredType, detected)
	}

	tmp := path + ".part"
	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		if os.IsExist(err) {
			return 0, "", apperr.Conflictf("upload_in_progress", "file content upload already in progress")
		}
		return 0, "", fmt.Errorf("create upload: %w", err)
	}
	defer func() {
		f.Close()
		os.Remove(tmp)
	}()

	hash := sha256.New()
	dst := io.MultiWriter(f, hash)
	full := io.MultiReader(bytes.NewReader(head), r)
	// Read one byte over the cap so truncation is detectable.
	size, err := io.Copy(dst, io.LimitReader(full, d.maxBytes+1))
	if err != nil {
		return 0, "", fmt.Errorf("write upload: %w", err)
	}
	if size > d.maxBytes {
		return 0, "", apperr.TooLargef("upload_too_large", "upload exceeds %d bytes", d.maxBytes)
	}

	if err := f.Close(); err != nil {
		return 0, "", fmt.Errorf("close upload: %w", err)
	}
	if err := os.Rename(tmp, path); err != nil {
		return 0, "", fmt.Errorf("finalize upload: %w", err)
	}
	return size, hex.EncodeToString(hash.Sum(nil)), nil
}

// OpenUpload opens a stored upload for reading.
func (d *Disk) OpenUpload(fileID string) (*os.File, error) {
	f, err := os.Open(d.UploadPath(fileID))
	if os.IsNotExist(err) {
		return nil, apperr.NotFoundf("upload_not_found", "file content not uploaded")
	}
	return f, err
}

// WriteArtifact persists generated artifact bytes and returns the
// path, size and checksum.
func (d *Disk) WriteArtifact(jobID, name string, data []byte) (string, int64, string, error) {
	path := d.ArtifactPath(jobID, name)
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", 0, "", fmt.Errorf("write artifact: %w", err)
	}
	sum := sha256.Sum256(data)
	return path, int64(len(data)), hex.EncodeToString(sum[:]), nil
}

// OpenArtifact opens a stored artifact by path after confirming it is
// still under the artifacts tree.
func (d *Disk) OpenArtifact(path string) (*os.File, error) {
	clean := filepath.Clean(path)
	if !strings.HasPrefix(clean, filepath.Join(d.root, "artifacts")+string(filepath.Separator)) {
		return nil, apperr.NotFoundf("artifact_not_found", "artifact not found")
	}
	f, err := os.Open(clean)
	if os.IsNotExist(err) {
		return nil, apperr.NotFoundf("artifact_not_found", "artifact not found")
	}
	return f, err
}
