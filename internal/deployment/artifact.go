package deployment

import (
	"path"
	"strings"

	"github.com/google/go-containerregistry/pkg/name"
	"github.com/nebari-dev/launchpad/internal/apperr"
	"github.com/nebari-dev/launchpad/internal/models"
	"github.com/opencontainers/go-digest"
)

// Artifact is what a deployment ships: an OCI reference, an explicit file
// list, or both.
type Artifact struct {
	Ref    string                `json:"ref,omitempty"`
	Digest string                `json:"digest,omitempty"`
	Files  []models.ArtifactFile `json:"files,omitempty"`
}

// Validate checks the artifact shape before anything is persisted
func (a Artifact) Validate() error {
	if a.Ref == "" && len(a.Files) == 0 {
		return apperr.Validationf("artifact requires a ref or at least one file")
	}
	if a.Ref != "" {
		if _, err := name.ParseReference(a.Ref); err != nil {
			return apperr.Validationf("invalid artifact ref %q: %v", a.Ref, err)
		}
	}
	if a.Digest != "" {
		if _, err := digest.Parse(a.Digest); err != nil {
			return apperr.Validationf("invalid artifact digest %q: %v", a.Digest, err)
		}
	}

	seen := make(map[string]bool, len(a.Files))
	for _, f := range a.Files {
		p := strings.TrimSpace(f.Path)
		if p == "" {
			return apperr.Validationf("artifact file path is required")
		}
		if path.IsAbs(p) || strings.HasPrefix(path.Clean(p), "..") {
			return apperr.Validationf("artifact file path %q must be relative", f.Path)
		}
		if seen[p] {
			return apperr.Validationf("duplicate artifact file %q", f.Path)
		}
		seen[p] = true
		if f.Size < 0 {
			return apperr.Validationf("artifact file %q has a negative size", f.Path)
		}
	}
	return nil
}

// ArtifactOf reads the artifact stored on a deployment row
func ArtifactOf(d *models.Deployment) Artifact {
	return Artifact{
		Ref:    d.ArtifactRef,
		Digest: d.ArtifactDigest,
		Files:  append([]models.ArtifactFile(nil), d.ArtifactFiles...),
	}
}
