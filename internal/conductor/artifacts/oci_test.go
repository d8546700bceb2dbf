package artifacts

import (
	"bytes"
	"context"
	"testing"
)

func TestOCIPublisherPushFetchRoundTrips(t *testing.T) {
	pub := NewOCIPublisher()
	ctx := context.Background()

	content := []byte(`{"steps":["write tests","implement","review"]}`)
	digest, size, err := pub.Push(ctx, "run-1-PLAN-v1", content)
	if err != nil {
		t.Fatalf("push: %v", err)
	}
	if digest == "" {
		t.Fatalf("expected a non-empty manifest digest")
	}
	if size <= 0 {
		t.Fatalf("expected a positive manifest size, got %d", size)
	}

	got, err := pub.Fetch(ctx, "run-1-PLAN-v1")
	if err != nil {
		t.Fatalf("fetch: %v", err)
	}
	if !bytes.Equal(got, content) {
		t.Fatalf("fetched content = %q, want %q", got, content)
	}
}

func TestOCIPublisherFetchUnknownReferenceErrors(t *testing.T) {
	pub := NewOCIPublisher()
	if _, err := pub.Fetch(context.Background(), "does-not-exist"); err == nil {
		t.Fatalf("expected an error fetching an untagged reference")
	}
}

func TestOCIPublisherDistinctVersionsDoNotCollide(t *testing.T) {
	pub := NewOCIPublisher()
	ctx := context.Background()

	if _, _, err := pub.Push(ctx, "run-1-PLAN-v1", []byte("v1")); err != nil {
		t.Fatalf("push v1: %v", err)
	}
	if _, _, err := pub.Push(ctx, "run-1-PLAN-v2", []byte("v2")); err != nil {
		t.Fatalf("push v2: %v", err)
	}

	v1, err := pub.Fetch(ctx, "run-1-PLAN-v1")
	if err != nil {
		t.Fatalf("fetch v1: %v", err)
	}
	v2, err := pub.Fetch(ctx, "run-1-PLAN-v2")
	if err != nil {
		t.Fatalf("fetch v2: %v", err)
	}
	if string(v1) != "v1" || string(v2) != "v2" {
		t.Fatalf("expected distinct content per version, got v1=%q v2=%q", v1, v2)
	}
}
