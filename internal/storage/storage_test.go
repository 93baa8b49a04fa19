package storage

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skybuild/backend/internal/apperr"
)

func newDisk(t *testing.T, maxBytes int64) *Disk {
	t.Helper()
	d, err := NewDisk(t.TempDir(), maxBytes)
	require.NoError(t, err)
	return d
}

func TestDetectType(t *testing.T) {
	cases := []struct {
		head string
		want string
	}{
		{"%PDF-1.7 rest", TypePDF},
		{"ISO-10303-21;\nHEADER;", TypeIFC},
		{"AC1032binarydwg", TypeDWG},
		{"  0\nSECTION\n  2\nHEADER", TypeDXF},
	}
	for _, tc := range cases {
		got, err := DetectType([]byte(tc.head))
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}

	_, err := DetectType([]byte("GIF89a..."))
	assert.True(t, apperr.IsKind(err, apperr.Validation))
}

func TestSaveUploadRoundTrip(t *testing.T) {
	d := newDisk(t, 1<<20)
	content := "%PDF-1.7\nsome drawing bytes"

	size, checksum, err := d.SaveUpload("file-1", TypePDF, strings.NewReader(content))
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), size)
	assert.Len(t, checksum, 64)

	f, err := d.OpenUpload("file-1")
	require.NoError(t, err)
	defer f.Close()
	var buf bytes.Buffer
	_, err = buf.ReadFrom(f)
	require.NoError(t, err)
	assert.Equal(t, content, buf.String())
}

func TestSaveUploadWriteOnce(t *testing.T) {
	d := newDisk(t, 1<<20)
	_, _, err := d.SaveUpload("file-1", TypePDF, strings.NewReader("%PDF-1.7 a"))
	require.NoError(t, err)

	_, _, err = d.SaveUpload("file-1", TypePDF, strings.NewReader("%PDF-1.7 b"))
	assert.True(t, apperr.IsKind(err, apperr.Conflict))
}

func TestSaveUploadTypeMismatch(t *testing.T) {
	d := newDisk(t, 1<<20)
	_, _, err := d.SaveUpload("file-1", TypeIFC, strings.NewReader("%PDF-1.7 not an ifc"))
	assert.True(t, apperr.IsKind(err, apperr.Validation))
	assert.Equal(t, "file_type_mismatch", apperr.CodeOf(err))

	// Rejected uploads leave no residue; a retry with correct bytes works.
	_, _, err = d.SaveUpload("file-1", TypeIFC, strings.NewReader("ISO-10303-21;\nHEADER;"))
	assert.NoError(t, err)
}

func TestSaveUploadSizeCap(t *testing.T) {
	d := newDisk(t, 64)
	big := "%PDF-1.7" + strings.Repeat("x", 100)
	_, _, err := d.SaveUpload("file-1", TypePDF, strings.NewReader(big))
	assert.True(t, apperr.IsKind(err, apperr.TooLarge))

	_, err = d.OpenUpload("file-1")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}

func TestArtifactRoundTrip(t *testing.T) {
	d := newDisk(t, 1<<20)
	path, size, checksum, err := d.WriteArtifact("job-1", "boq.csv", []byte("code,qty\nC1,2\n"))
	require.NoError(t, err)
	assert.Contains(t, path, "job-1_boq.csv")
	assert.Equal(t, int64(14), size)
	assert.Len(t, checksum, 64)

	f, err := d.OpenArtifact(path)
	require.NoError(t, err)
	f.Close()

	// Paths outside the artifacts tree are refused.
	_, err = d.OpenArtifact("/etc/passwd")
	assert.True(t, apperr.IsKind(err, apperr.NotFound))
}
