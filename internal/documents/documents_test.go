package documents

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"
	"time"
)

func TestFileStoreRender(t *testing.T) {
	store := FileStore{Dir: t.TempDir()}
	ref, err := store.Render(context.Background(), Input{
		ContractID:   "c-1",
		ProjectID:    "p-1",
		ProjectTitle: "Website",
		ClientID:     "client-1",
		ContractorID: "contractor-1",
		Amount:       1500,
		Currency:     "USD",
		GeneratedAt:  time.Date(2024, 1, 2, 0, 0, 0, 0, time.UTC),
	})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if ref != "c-1.txt" {
		t.Fatalf("unexpected ref %q", ref)
	}
	rc, err := store.Open(ref)
	if err != nil {
		t.Fatalf("open: %v", err)
	}
	defer rc.Close()
	body, _ := io.ReadAll(rc)
	text := string(body)
	for _, want := range []string{"Contract: c-1", "1500.00 USD", "2024-01-02", defaultTerms, "contractor-1"} {
		if !strings.Contains(text, want) {
			t.Fatalf("document missing %q:\n%s", want, text)
		}
	}
}

func TestFileStoreRenderHonoursCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := FileStore{Dir: t.TempDir()}.Render(ctx, Input{ContractID: "c-1"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}

func TestFileStoreOpenRejectsPaths(t *testing.T) {
	if _, err := (FileStore{Dir: t.TempDir()}).Open("../engage.db"); err == nil {
		t.Fatalf("expected error for path traversal")
	}
}

func TestFileStoreRemove(t *testing.T) {
	store := FileStore{Dir: t.TempDir()}
	ref, err := store.Render(context.Background(), Input{ContractID: "c-2", GeneratedAt: time.Now()})
	if err != nil {
		t.Fatalf("render: %v", err)
	}
	if err := store.Remove(ref); err != nil {
		t.Fatalf("remove: %v", err)
	}
	if _, err := store.Open(ref); err == nil {
		t.Fatalf("document still present after remove")
	}
	if err := store.Remove(ref); err != nil {
		t.Fatalf("removing a missing document: %v", err)
	}
	if err := store.Remove("../engage.db"); err == nil {
		t.Fatalf("expected error for path traversal")
	}
}
