package stash

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"filedist.dev/pubsub"
)

func writeFile(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644); err != nil {
		t.Fatalf("WriteFile(%s): %v", name, err)
	}
}

func newOpenStash(t *testing.T) (*Stash, string) {
	t.Helper()
	root := t.TempDir()
	s, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	return s, root
}

// TestIngestDedup covers scenario S1: two uploads with identical content
// but different names share a single on-disk blob and a refcount of 2.
func TestIngestDedup(t *testing.T) {
	s, root := newOpenStash(t)
	src := t.TempDir()

	writeFile(t, src, "a.txt", "same content\n")
	writeFile(t, src, "b.txt", "same content\n")

	e1, err := s.Add(src, "a.txt", time.Now().UTC())
	if err != nil {
		t.Fatalf("Add a.txt: %v", err)
	}
	e2, err := s.Add(src, "b.txt", time.Now().UTC())
	if err != nil {
		t.Fatalf("Add b.txt: %v", err)
	}

	if e1.Blob.SHA1 != e2.Blob.SHA1 {
		t.Fatalf("expected shared blob, got %s vs %s", e1.Blob.SHA1, e2.Blob.SHA1)
	}
	if e1.EntryID == e2.EntryID {
		t.Fatalf("expected distinct entry IDs, got both %d", e1.EntryID)
	}
	if got := e1.Blob.RefCount(); got != 2 {
		t.Fatalf("RefCount = %d, want 2", got)
	}

	if _, err := os.Stat(filepath.Join(src, "a.txt")); !os.IsNotExist(err) {
		t.Fatalf("source a.txt should have been consumed")
	}
	if _, err := os.Stat(filepath.Join(src, "b.txt")); !os.IsNotExist(err) {
		t.Fatalf("source b.txt should have been consumed")
	}
	if _, err := os.Stat(filepath.Join(root, e1.Blob.SHA1)); err != nil {
		t.Fatalf("expected blob on disk: %v", err)
	}
}

// TestRemoveDedup covers scenario S2: removing one of two entries sharing
// a blob leaves the blob on disk; removing the second deletes it.
func TestRemoveDedup(t *testing.T) {
	s, root := newOpenStash(t)
	src := t.TempDir()

	writeFile(t, src, "a.txt", "dup\n")
	writeFile(t, src, "b.txt", "dup\n")
	e1, _ := s.Add(src, "a.txt", time.Now().UTC())
	e2, _ := s.Add(src, "b.txt", time.Now().UTC())

	blobPath := filepath.Join(root, e1.Blob.SHA1)

	if err := s.Remove(e1.EntryID); err != nil {
		t.Fatalf("Remove e1: %v", err)
	}
	if _, err := os.Stat(blobPath); err != nil {
		t.Fatalf("blob removed too early: %v", err)
	}
	if s.Get(e1.EntryID) != nil {
		t.Fatalf("e1 still present after Remove")
	}

	if err := s.Remove(e2.EntryID); err != nil {
		t.Fatalf("Remove e2: %v", err)
	}
	if _, err := os.Stat(blobPath); !os.IsNotExist(err) {
		t.Fatalf("blob should be gone after last reference removed")
	}
}

// TestLockBlocksRemoval covers scenario S3: a locked entry cannot be
// removed until its lock is released.
func TestLockBlocksRemoval(t *testing.T) {
	s, _ := newOpenStash(t)
	src := t.TempDir()
	writeFile(t, src, "a.txt", "content\n")
	e, _ := s.Add(src, "a.txt", time.Now().UTC())

	locked, err := s.Lock(e.EntryID)
	if err != nil {
		t.Fatalf("Lock: %v", err)
	}

	if err := s.Remove(e.EntryID); err != ErrEntryLocked {
		t.Fatalf("Remove on locked entry = %v, want ErrEntryLocked", err)
	}

	s.Unlock(locked)

	if err := s.Remove(e.EntryID); err != nil {
		t.Fatalf("Remove after unlock: %v", err)
	}
}

func TestRemoveUnknownEntry(t *testing.T) {
	s, _ := newOpenStash(t)
	if err := s.Remove(999); err != ErrEntryNotFound {
		t.Fatalf("Remove(999) = %v, want ErrEntryNotFound", err)
	}
}

func TestGetUnknownReturnsNil(t *testing.T) {
	s, _ := newOpenStash(t)
	if e := s.Get(999); e != nil {
		t.Fatalf("Get(999) = %v, want nil", e)
	}
}

func TestRemoveAllUnlocked(t *testing.T) {
	s, _ := newOpenStash(t)
	src := t.TempDir()
	writeFile(t, src, "a.txt", "a\n")
	writeFile(t, src, "b.txt", "b\n")
	ea, _ := s.Add(src, "a.txt", time.Now().UTC())
	eb, _ := s.Add(src, "b.txt", time.Now().UTC())

	s.Lock(ea.EntryID)
	s.RemoveAllUnlocked()

	if s.Get(eb.EntryID) != nil {
		t.Fatalf("unlocked entry b should have been removed")
	}
	if s.Get(ea.EntryID) == nil {
		t.Fatalf("locked entry a should still be present")
	}
}

func TestReopenRecoversIndex(t *testing.T) {
	root := t.TempDir()
	s1, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	src := t.TempDir()
	writeFile(t, src, "a.txt", "persisted\n")
	added, err := s1.Add(src, "a.txt", time.Now().UTC())
	if err != nil {
		t.Fatalf("Add: %v", err)
	}

	s2, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("reopen Open: %v", err)
	}
	got := s2.List()
	if len(got) != 1 {
		t.Fatalf("reopened stash has %d entries, want 1", len(got))
	}
	if got[0].Blob.SHA1 != added.Blob.SHA1 {
		t.Fatalf("reopened entry sha1 = %s, want %s", got[0].Blob.SHA1, added.Blob.SHA1)
	}
}

func TestReopenDropsOrphanedBlob(t *testing.T) {
	root := t.TempDir()
	// A file with no index entry referencing it should be swept away
	// on the next Open, matching build_index's "remove unreferenced
	// files" step.
	writeFile(t, root, "deadbeef", "orphan\n")

	s, err := Open(root, 0, 0)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	if len(s.List()) != 0 {
		t.Fatalf("expected empty index, got %d entries", len(s.List()))
	}
	if _, statErr := os.Stat(filepath.Join(root, "deadbeef")); !os.IsNotExist(statErr) {
		t.Fatalf("orphaned blob should have been removed")
	}
}

func TestSubscribeReceivesAddRemoveChange(t *testing.T) {
	s, _ := newOpenStash(t)
	src := t.TempDir()
	writeFile(t, src, "a.txt", "x\n")

	var types []string
	s.Subscribe(func(ev pubsub.Event) { types = append(types, ev.Type) })

	e, _ := s.Add(src, "a.txt", time.Now().UTC())
	s.Lock(e.EntryID)
	s.Unlock(e)
	s.Remove(e.EntryID)

	want := []string{"add", "change", "change", "remove"}
	if len(types) != len(want) {
		t.Fatalf("got %v, want %v", types, want)
	}
	for i := range want {
		if types[i] != want[i] {
			t.Fatalf("got %v, want %v", types, want)
		}
	}
}
