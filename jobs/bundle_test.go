package jobs

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/apphub/orchestra/apperr"
)

func buildBundle(t *testing.T, files map[string]string) []byte {
	t.Helper()
	var buf bytes.Buffer
	gz := gzip.NewWriter(&buf)
	tw := tar.NewWriter(gz)
	for name, content := range files {
		require.NoError(t, tw.WriteHeader(&tar.Header{
			Name:     name,
			Typeflag: tar.TypeReg,
			Mode:     0o644,
			Size:     int64(len(content)),
		}))
		_, err := tw.Write([]byte(content))
		require.NoError(t, err)
	}
	require.NoError(t, tw.Close())
	require.NoError(t, gz.Close())
	return buf.Bytes()
}

const reportManifest = `{
	"name": "reporting-jobs",
	"version": "1.2.0",
	"jobs": [
		{"slug": "extract-orders"},
		{"slug": "build-report", "description": "renders the nightly report"}
	]
}`

func TestReadBundle(t *testing.T) {
	raw := buildBundle(t, map[string]string{
		"manifest.json": reportManifest,
		"bin/report":    "#!/bin/sh\necho report\n",
	})

	b, err := ReadBundle(bytes.NewReader(raw))
	require.NoError(t, err)
	require.Equal(t, "reporting-jobs", b.Manifest.Name)
	require.Equal(t, "1.2.0", b.Manifest.Version)
	require.Len(t, b.Manifest.Jobs, 2)
	require.Equal(t, "build-report", b.Manifest.Jobs[1].Slug)

	require.Len(t, b.Files, 2)
	require.Equal(t, int64(len(reportManifest)), b.Files["manifest.json"])

	sum := sha256.Sum256(raw)
	require.Equal(t, hex.EncodeToString(sum[:]), b.SHA256, "digest covers the whole archive")
}

func TestReadBundleRequiresManifest(t *testing.T) {
	raw := buildBundle(t, map[string]string{"bin/report": "echo"})
	_, err := ReadBundle(bytes.NewReader(raw))
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Contains(t, err.Error(), "manifest.json")
}

func TestReadBundleRejectsNonGzip(t *testing.T) {
	_, err := ReadBundle(bytes.NewReader([]byte("plain text")))
	require.True(t, apperr.Is(err, apperr.KindValidation))
}

func TestReadBundleRejectsEscapingPaths(t *testing.T) {
	raw := buildBundle(t, map[string]string{
		"../outside":    "nope",
		"manifest.json": reportManifest,
	})
	_, err := ReadBundle(bytes.NewReader(raw))
	require.True(t, apperr.Is(err, apperr.KindValidation))
	require.Contains(t, err.Error(), "escapes")
}

func TestReadBundleRejectsBadManifests(t *testing.T) {
	raw := buildBundle(t, map[string]string{"manifest.json": `{bad`})
	_, err := ReadBundle(bytes.NewReader(raw))
	require.True(t, apperr.Is(err, apperr.KindValidation))

	raw = buildBundle(t, map[string]string{"manifest.json": `{"version":"1.0"}`})
	_, err = ReadBundle(bytes.NewReader(raw))
	require.True(t, apperr.Is(err, apperr.KindValidation), "name required")

	raw = buildBundle(t, map[string]string{"manifest.json": `{"name":"x","jobs":[{"slug":""}]}`})
	_, err = ReadBundle(bytes.NewReader(raw))
	require.True(t, apperr.Is(err, apperr.KindValidation), "job slug required")

	raw = buildBundle(t, map[string]string{"manifest.json": `{"name":"x","jobs":[{"slug":"a"},{"slug":"a"}]}`})
	_, err = ReadBundle(bytes.NewReader(raw))
	require.True(t, apperr.Is(err, apperr.KindValidation), "duplicate slug")
}
