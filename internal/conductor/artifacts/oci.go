package artifacts

import (
	"context"
	"encoding/json"
	"fmt"
	"io"

	ocispec "github.com/opencontainers/image-spec/specs-go/v1"
	"oras.land/oras-go/v2"
	"oras.land/oras-go/v2/content/memory"
)

// OCIPublisher pushes and fetches artifact blobs against a single
// oras.Target, one per Kind so PLAN/TEST_REPORT/REVIEW content never tags
// over one another in the same repository tag namespace.
//
// Production wires Target to a remote.Repository exactly the way the
// teacher's skill registry client does; tests wire it to an in-memory
// content.Memory store, since the push/pull wiring is what's under test,
// not a real registry round trip.
type OCIPublisher struct {
	Target oras.Target
}

// NewOCIPublisher builds a publisher over an in-memory OCI store, suitable
// for tests and for a single-process conductor deployment that doesn't
// need artifacts to survive a restart in a separate registry.
func NewOCIPublisher() *OCIPublisher {
	return &OCIPublisher{Target: memory.New()}
}

// Push packs content as the sole layer of a single-manifest OCI artifact
// and tags it with reference, mirroring internal/skills/registry.go's
// Push: one content layer, oras.PackManifest, then Tag.
func (p *OCIPublisher) Push(ctx context.Context, reference string, content []byte) (string, int64, error) {
	contentDesc, err := oras.PushBytes(ctx, p.Target, MediaTypeContent, content)
	if err != nil {
		return "", 0, fmt.Errorf("push artifact content: %w", err)
	}

	packOpts := oras.PackManifestOptions{
		Layers: []ocispec.Descriptor{contentDesc},
	}
	manifestDesc, err := oras.PackManifest(ctx, p.Target, oras.PackManifestVersion1_1, ArtifactType, packOpts)
	if err != nil {
		return "", 0, fmt.Errorf("pack artifact manifest: %w", err)
	}

	if err := p.Target.Tag(ctx, manifestDesc, reference); err != nil {
		return "", 0, fmt.Errorf("tag artifact manifest %s: %w", reference, err)
	}

	return manifestDesc.Digest.String(), manifestDesc.Size, nil
}

// Fetch resolves reference to its manifest, then returns the single
// content layer's bytes, mirroring registry.go's Pull manifest-then-layer
// walk.
func (p *OCIPublisher) Fetch(ctx context.Context, reference string) ([]byte, error) {
	desc, err := p.Target.Resolve(ctx, reference)
	if err != nil {
		return nil, fmt.Errorf("resolve artifact reference %s: %w", reference, err)
	}

	manifestReader, err := p.Target.Fetch(ctx, desc)
	if err != nil {
		return nil, fmt.Errorf("fetch artifact manifest: %w", err)
	}
	manifestBytes, err := io.ReadAll(manifestReader)
	_ = manifestReader.Close()
	if err != nil {
		return nil, fmt.Errorf("read artifact manifest: %w", err)
	}

	var manifest ocispec.Manifest
	if err := json.Unmarshal(manifestBytes, &manifest); err != nil {
		return nil, fmt.Errorf("parse artifact manifest: %w", err)
	}

	for _, layer := range manifest.Layers {
		if layer.MediaType != MediaTypeContent {
			continue
		}
		reader, err := p.Target.Fetch(ctx, layer)
		if err != nil {
			return nil, fmt.Errorf("fetch artifact content layer: %w", err)
		}
		data, err := io.ReadAll(reader)
		_ = reader.Close()
		if err != nil {
			return nil, fmt.Errorf("read artifact content layer: %w", err)
		}
		return data, nil
	}
	return nil, fmt.Errorf("artifact manifest %s has no content layer", reference)
}
