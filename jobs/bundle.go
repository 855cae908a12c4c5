package jobs

import (
	"archive/tar"
	"compress/gzip"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path"
	"strings"

	"github.com/apphub/orchestra/apperr"
)

// manifestName is the required manifest file inside a job bundle archive.
const manifestName = "manifest.json"

type (
	// Manifest describes a packaged job bundle.
	Manifest struct {
		Name    string    `json:"name"`
		Version string    `json:"version"`
		Jobs    []JobSpec `json:"jobs"`
	}

	// JobSpec declares one job the bundle provides.
	JobSpec struct {
		Slug        string `json:"slug"`
		Description string `json:"description,omitempty"`
	}
)

// Slugs returns the job slugs the manifest declares, in order.
func (m Manifest) Slugs() []string {
	out := make([]string, len(m.Jobs))
	for i, j := range m.Jobs {
		out[i] = j.Slug
	}
	return out
}

// Bundle is a parsed job bundle archive.
type Bundle struct {
	Manifest Manifest
	// SHA256 is the hex digest of the whole archive, recorded so
	// re-registration of an identical bundle is detectable.
	SHA256 string
	// Files maps archive member paths to their sizes.
	Files map[string]int64
}

// ReadBundle parses a gzipped tar job bundle and verifies its manifest.
func ReadBundle(r io.Reader) (*Bundle, error) {
	hasher := sha256.New()
	gz, err := gzip.NewReader(io.TeeReader(r, hasher))
	if err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "bundle is not gzip")
	}
	defer gz.Close()

	b := &Bundle{Files: make(map[string]int64)}
	var manifestRaw []byte
	tr := tar.NewReader(gz)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, apperr.Wrap(apperr.KindValidation, err, "bundle tar is corrupt")
		}
		if hdr.Typeflag != tar.TypeReg {
			continue
		}
		name := path.Clean(hdr.Name)
		if strings.HasPrefix(name, "..") {
			return nil, apperr.New(apperr.KindValidation, "bundle member escapes archive: %q", hdr.Name)
		}
		b.Files[name] = hdr.Size
		if path.Base(name) == manifestName && manifestRaw == nil {
			manifestRaw, err = io.ReadAll(io.LimitReader(tr, 1<<20))
			if err != nil {
				return nil, apperr.Wrap(apperr.KindValidation, err, "read bundle manifest")
			}
		}
	}
	if manifestRaw == nil {
		return nil, apperr.New(apperr.KindValidation, "bundle has no %s", manifestName)
	}
	if err := json.Unmarshal(manifestRaw, &b.Manifest); err != nil {
		return nil, apperr.Wrap(apperr.KindValidation, err, "parse bundle manifest")
	}
	if b.Manifest.Name == "" {
		return nil, apperr.New(apperr.KindValidation, "bundle manifest has no name")
	}
	seen := make(map[string]bool, len(b.Manifest.Jobs))
	for _, j := range b.Manifest.Jobs {
		if j.Slug == "" {
			return nil, apperr.New(apperr.KindValidation, "bundle manifest job has no slug")
		}
		if seen[j.Slug] {
			return nil, apperr.New(apperr.KindValidation, "bundle manifest repeats job %q", j.Slug)
		}
		seen[j.Slug] = true
	}
	// Drain so the digest covers the full archive, trailer included.
	if _, err := io.Copy(io.Discard, gz); err != nil {
		return nil, fmt.Errorf("jobs: drain bundle: %w", err)
	}
	b.SHA256 = hex.EncodeToString(hasher.Sum(nil))
	return b, nil
}

// LoadBundle reads a bundle archive from disk.
func LoadBundle(filename string) (*Bundle, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("jobs: open bundle: %w", err)
	}
	defer f.Close()
	return ReadBundle(f)
}
