// Package artifacts implements the Artifact store (§3 "Artifact"):
// append-only, versioned PLAN/TEST_REPORT/REVIEW content, pushed to an OCI
// target as a single-layer manifest and recorded against the run with a
// checksum and a validation status. Content itself is immutable once
// pushed; only a new version of the same (run_id, kind) is ever written.
package artifacts

import (
	"context"
	"fmt"
)

// Kind is the artifact type. §3 enumerates exactly these three.
type Kind string

const (
	KindPlan       Kind = "PLAN"
	KindTestReport Kind = "TEST_REPORT"
	KindReview     Kind = "REVIEW"
)

func (k Kind) valid() bool {
	switch k {
	case KindPlan, KindTestReport, KindReview:
		return true
	default:
		return false
	}
}

// ValidationStatus tracks whether an artifact's content has passed the
// schema/reference checks §4's policy-block table calls "artifact
// invalid" (one retry, then block on repeat failure).
type ValidationStatus string

const (
	ValidationPending ValidationStatus = "pending"
	ValidationValid   ValidationStatus = "valid"
	ValidationInvalid ValidationStatus = "invalid"
)

// Artifact is one append-only artifacts row. OCIDigest is the manifest
// digest oras.land returned on push; it doubles as §3's checksum_sha256
// since an OCI digest is itself a sha256 of the manifest content.
type Artifact struct {
	ArtifactID       string
	RunID            string
	Kind             Kind
	Version          int
	OCIDigest        string
	OCIReference     string
	SizeBytes        int64
	ValidationStatus ValidationStatus
}

// MediaTypeContent is the media type used for the single content layer
// every artifact manifest carries.
const MediaTypeContent = "application/vnd.conductor.artifact.content.v1"

// ArtifactType is the OCI artifactType recorded on the manifest itself,
// letting a registry browser distinguish conductor artifacts from any
// other content pushed to the same repository.
const ArtifactType = "application/vnd.conductor.artifact.v1"

// ErrInvalidKind is returned when a caller passes a Kind outside §3's
// enumerated PLAN/TEST_REPORT/REVIEW set.
var ErrInvalidKind = fmt.Errorf("artifacts: invalid kind")

// Publisher pushes artifact content to an OCI target and returns the
// resulting descriptor's digest/size, used by Store.Publish to avoid
// coupling the database write to a particular oras.Target implementation.
type Publisher interface {
	Push(ctx context.Context, reference string, content []byte) (digest string, size int64, err error)
	Fetch(ctx context.Context, reference string) ([]byte, error)
}
