package storage

import (
	"context"
	"io"
	"os"
	"strings"
	"testing"
)

func TestFSStorePutGetDelete(t *testing.T) {
	store, err := NewFSStore(t.TempDir())
	if err != nil {
		t.Fatalf("new store: %v", err)
	}
	ctx := context.Background()

	payload := "RIFF....WAVE"
	if err := store.Put(ctx, "dev-1/rec-1.wav", strings.NewReader(payload), int64(len(payload))); err != nil {
		t.Fatalf("put: %v", err)
	}

	rc, err := store.Get(ctx, "dev-1/rec-1.wav")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != payload {
		t.Fatalf("got %q", data)
	}

	if err := store.Delete(ctx, "dev-1/rec-1.wav"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := store.Get(ctx, "dev-1/rec-1.wav"); err == nil {
		t.Fatal("get after delete succeeded")
	}
	// Deleting again must stay quiet.
	if err := store.Delete(ctx, "dev-1/rec-1.wav"); err != nil {
		t.Fatalf("second delete: %v", err)
	}
}

func TestFSStoreRejectsEscapingKeys(t *testing.T) {
	root := t.TempDir()
	store, _ := NewFSStore(root)
	ctx := context.Background()

	for _, key := range []string{"../outside.wav", "/etc/passwd", "a/../../b"} {
		if err := store.Put(ctx, key, strings.NewReader("x"), 1); err == nil {
			t.Fatalf("key %q accepted", key)
		}
	}

	entries, err := os.ReadDir(root)
	if err != nil {
		t.Fatalf("readdir: %v", err)
	}
	if len(entries) != 0 {
		t.Fatalf("root not empty: %v", entries)
	}
}

func TestFSStoreOverwrite(t *testing.T) {
	store, _ := NewFSStore(t.TempDir())
	ctx := context.Background()

	store.Put(ctx, "rec.wav", strings.NewReader("old"), 3)
	if err := store.Put(ctx, "rec.wav", strings.NewReader("new"), 3); err != nil {
		t.Fatalf("overwrite: %v", err)
	}

	rc, _ := store.Get(ctx, "rec.wav")
	data, _ := io.ReadAll(rc)
	rc.Close()
	if string(data) != "new" {
		t.Fatalf("got %q", data)
	}
}
