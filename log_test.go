package changelog

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"testing"
)

func openUint64Log(t *testing.T, dir string, sizeLimit int64) *Log[uint64, []byte] {
	t.Helper()
	l, err := Open[uint64, []byte](dir, Uint64Parser{}, sizeLimit)
	if err != nil {
		t.Fatalf("open log in %s: %v", dir, err)
	}
	return l
}

func urec(key uint64, value string) Record[uint64, []byte] {
	return Record[uint64, []byte]{Key: key, Value: []byte(value)}
}

// collectKeys drains a cursor from its current position, returning every key
// it yields.
func collectKeys(t *testing.T, c Cursor[uint64, []byte]) []uint64 {
	t.Helper()
	var keys []uint64
	for r := c.Record(); r != nil; {
		keys = append(keys, r.Key)
		ok, err := c.Next()
		if err != nil {
			t.Fatalf("cursor next: %v", err)
		}
		if !ok {
			break
		}
		r = c.Record()
	}
	return keys
}

func wantKeys(t *testing.T, got []uint64, from, to uint64) {
	t.Helper()
	if len(got) != int(to-from+1) {
		t.Fatalf("got %d keys %v, want %d..%d", len(got), got, from, to)
	}
	for i, k := range got {
		if want := from + uint64(i); k != want {
			t.Fatalf("key %d is %d, want %d (all: %v)", i, k, want, got)
		}
	}
}

func listLogFiles(t *testing.T, dir string) []string {
	t.Helper()
	entries, err := os.ReadDir(dir)
	if err != nil {
		t.Fatal(err)
	}
	var names []string
	for _, e := range entries {
		names = append(names, e.Name())
	}
	return names
}

func TestAppendAndTraverse(t *testing.T) {
	dir := t.TempDir()
	l := openUint64Log(t, dir, 1<<20)
	defer l.Close()

	for k := uint64(1); k <= 100; k++ {
		if err := l.Append(urec(k, fmt.Sprintf("v%d", k))); err != nil {
			t.Fatalf("append %d: %v", k, err)
		}
	}

	c, err := l.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	wantKeys(t, collectKeys(t, c), 1, 100)

	if n := l.NumRecords(); n != 100 {
		t.Errorf("NumRecords = %d, want 100", n)
	}
	if r := l.OldestRecord(); r == nil || r.Key != 1 {
		t.Errorf("OldestRecord = %v, want key 1", r)
	}
	if r := l.NewestRecord(); r == nil || r.Key != 100 {
		t.Errorf("NewestRecord = %v, want key 100", r)
	}

	// Nothing rotated: the directory holds only the head.
	if names := listLogFiles(t, dir); len(names) != 1 || names[0] != "head.log" {
		t.Errorf("directory contains %v, want only head.log", names)
	}
}

func TestRotation(t *testing.T) {
	dir := t.TempDir()

	// Each record is 113 bytes on disk (8-byte key + 100-byte value,
	// plus framing); the head exceeds 256 bytes after three records, so
	// the append of every (3n+1)-th key rotates first.
	value := string(bytes.Repeat([]byte("x"), 100))
	l := openUint64Log(t, dir, 256)
	defer l.Close()

	for k := uint64(1); k <= 10; k++ {
		if err := l.Append(urec(k, value)); err != nil {
			t.Fatalf("append %d: %v", k, err)
		}
	}

	names := listLogFiles(t, dir)
	var rotated int
	var sawHead bool
	for _, name := range names {
		if name == "head.log" {
			sawHead = true
			continue
		}
		rotated++
	}
	if !sawHead {
		t.Fatalf("no head.log in %v", names)
	}
	if rotated == 0 {
		t.Fatalf("no rotated files in %v", names)
	}

	p := Uint64Parser{}
	first := p.EncodeKeyToString(1) + "_" + p.EncodeKeyToString(3) + ".log"
	if _, err := os.Stat(filepath.Join(dir, first)); err != nil {
		t.Errorf("expected rotated file %s: %v", first, err)
	}

	c, err := l.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	wantKeys(t, collectKeys(t, c), 1, 10)
}

func TestCursorSurvivesRotation(t *testing.T) {
	value := string(bytes.Repeat([]byte("x"), 64))
	l := openUint64Log(t, t.TempDir(), 200)
	defer l.Close()

	for k := uint64(1); k <= 3; k++ {
		if err := l.Append(urec(k, value)); err != nil {
			t.Fatal(err)
		}
	}

	c, err := l.CursorAt(2)
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if r := c.Record(); r == nil || r.Key != 2 {
		t.Fatalf("positioned on %v, want key 2", r)
	}

	// These appends rotate the head while the cursor is reading it.
	for k := uint64(4); k <= 10; k++ {
		if err := l.Append(urec(k, value)); err != nil {
			t.Fatal(err)
		}
	}

	var keys []uint64
	for {
		ok, err := c.Next()
		if err != nil {
			t.Fatal(err)
		}
		if !ok {
			break
		}
		keys = append(keys, c.Record().Key)
	}
	wantKeys(t, keys, 3, 10)
}

func TestPurgeUpTo(t *testing.T) {
	dir := t.TempDir()

	// 113 bytes per record with a 1100-byte limit puts exactly ten
	// records in each rotated file: 1_10.log, 11_20.log, then 21..25 in
	// the head.
	value := string(bytes.Repeat([]byte("p"), 100))
	l := openUint64Log(t, dir, 1100)
	defer l.Close()
	for k := uint64(1); k <= 25; k++ {
		if err := l.Append(urec(k, value)); err != nil {
			t.Fatal(err)
		}
	}

	p := Uint64Parser{}
	firstFile := p.EncodeKeyToString(1) + "_" + p.EncodeKeyToString(10) + ".log"
	secondFile := p.EncodeKeyToString(11) + "_" + p.EncodeKeyToString(20) + ".log"
	for _, name := range []string{firstFile, secondFile} {
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			t.Fatalf("expected rotated file %s: %v", name, err)
		}
	}

	oldest, err := l.PurgeUpTo(15)
	if err != nil {
		t.Fatalf("purge: %v", err)
	}
	if oldest == nil || oldest.Key != 11 {
		t.Fatalf("oldest after purge = %v, want key 11", oldest)
	}

	// 1_10 is gone (high key 10 < 15); 11_20 survives whole even though
	// keys 11..14 are below the boundary.
	if _, err := os.Stat(filepath.Join(dir, firstFile)); !os.IsNotExist(err) {
		t.Errorf("%s still exists after purge", firstFile)
	}
	if _, err := os.Stat(filepath.Join(dir, secondFile)); err != nil {
		t.Errorf("%s was purged but should survive: %v", secondFile, err)
	}

	c, err := l.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	wantKeys(t, collectKeys(t, c), 11, 25)
}

func TestPurgeInvalidatesCursorsInPurgedFiles(t *testing.T) {
	value := string(bytes.Repeat([]byte("p"), 100))
	l := openUint64Log(t, t.TempDir(), 1100)
	defer l.Close()
	for k := uint64(1); k <= 25; k++ {
		if err := l.Append(urec(k, value)); err != nil {
			t.Fatal(err)
		}
	}

	purged, err := l.CursorAt(5)
	if err != nil {
		t.Fatal(err)
	}
	defer purged.Close()
	survivor, err := l.CursorAt(22)
	if err != nil {
		t.Fatal(err)
	}
	defer survivor.Close()

	if _, err := l.PurgeUpTo(15); err != nil {
		t.Fatal(err)
	}

	if r := purged.Record(); r != nil {
		t.Errorf("cursor in purged file still has record %v", r)
	}
	if ok, _ := purged.Next(); ok {
		t.Error("cursor in purged file still advances")
	}
	if r := survivor.Record(); r == nil || r.Key != 22 {
		t.Errorf("cursor in surviving file lost its position: %v", r)
	}
}

func TestPurgeNothing(t *testing.T) {
	l := openUint64Log(t, t.TempDir(), 1<<20)
	defer l.Close()
	for k := uint64(1); k <= 5; k++ {
		if err := l.Append(urec(k, "v")); err != nil {
			t.Fatal(err)
		}
	}

	// Everything lives in the head, which is never purged.
	oldest, err := l.PurgeUpTo(100)
	if err != nil {
		t.Fatal(err)
	}
	if oldest != nil {
		t.Errorf("purge with nothing to delete returned %v", oldest)
	}
	if n := l.NumRecords(); n != 5 {
		t.Errorf("NumRecords = %d after no-op purge, want 5", n)
	}
}

func TestClear(t *testing.T) {
	dir := t.TempDir()
	value := string(bytes.Repeat([]byte("c"), 100))
	l := openUint64Log(t, dir, 256)
	defer l.Close()
	for k := uint64(1); k <= 10; k++ {
		if err := l.Append(urec(k, value)); err != nil {
			t.Fatal(err)
		}
	}

	c, err := l.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()

	if err := l.Clear(); err != nil {
		t.Fatalf("clear: %v", err)
	}

	if n := l.NumRecords(); n != 0 {
		t.Errorf("NumRecords = %d after clear, want 0", n)
	}
	if names := listLogFiles(t, dir); len(names) != 1 || names[0] != "head.log" {
		t.Errorf("directory contains %v after clear, want only head.log", names)
	}

	// The pre-clear cursor is invalid, not pointing at deleted bytes.
	if r := c.Record(); r != nil {
		t.Errorf("cursor still has record %v after clear", r)
	}
	if ok, _ := c.Next(); ok {
		t.Error("cursor still advances after clear")
	}

	// The log remains usable.
	if err := l.Append(urec(42, "post-clear")); err != nil {
		t.Fatal(err)
	}
	if r := l.OldestRecord(); r == nil || r.Key != 42 {
		t.Errorf("OldestRecord after clear+append = %v, want key 42", r)
	}
}

func TestStartupRecovery(t *testing.T) {
	dir := t.TempDir()
	value := string(bytes.Repeat([]byte("r"), 100))

	l := openUint64Log(t, dir, 256)
	for k := uint64(1); k <= 10; k++ {
		if err := l.Append(urec(k, value)); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Sync(); err != nil {
		t.Fatal(err)
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// A fresh instance must rebuild the same inventory from the
	// directory listing alone.
	l2 := openUint64Log(t, dir, 256)
	defer l2.Close()
	if l2 == l {
		t.Fatal("got the closed instance back from the registry")
	}
	if n := l2.NumRecords(); n != 10 {
		t.Errorf("NumRecords after reopen = %d, want 10", n)
	}
	c, err := l2.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	wantKeys(t, collectKeys(t, c), 1, 10)

	// Appends continue where the log left off.
	if err := l2.Append(urec(11, value)); err != nil {
		t.Fatal(err)
	}
	if r := l2.NewestRecord(); r == nil || r.Key != 11 {
		t.Errorf("NewestRecord = %v, want key 11", r)
	}
}

func TestTornTailRecovery(t *testing.T) {
	dir := t.TempDir()
	l := openUint64Log(t, dir, 1<<20)
	for k := uint64(1); k <= 3; k++ {
		if err := l.Append(urec(k, "v")); err != nil {
			t.Fatal(err)
		}
	}
	if err := l.Close(); err != nil {
		t.Fatal(err)
	}

	// Simulate a crash mid-append: garbage after the last full frame.
	head := filepath.Join(dir, "head.log")
	f, err := os.OpenFile(head, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := f.Write([]byte{0x7f, 0x01, 0x02}); err != nil {
		t.Fatal(err)
	}
	f.Close()

	l2 := openUint64Log(t, dir, 1<<20)
	defer l2.Close()
	if n := l2.NumRecords(); n != 3 {
		t.Fatalf("NumRecords after torn tail = %d, want 3", n)
	}
	if err := l2.Append(urec(4, "v")); err != nil {
		t.Fatal(err)
	}
	c, err := l2.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	wantKeys(t, collectKeys(t, c), 1, 4)
}

func TestOversizedRecord(t *testing.T) {
	l := openUint64Log(t, t.TempDir(), 64)
	defer l.Close()

	// A single record bigger than the whole limit is allowed; the head
	// simply exceeds the limit until the next append rotates it.
	big := string(bytes.Repeat([]byte("b"), 1024))
	if err := l.Append(urec(1, big)); err != nil {
		t.Fatalf("oversized append: %v", err)
	}
	if err := l.Append(urec(2, "small")); err != nil {
		t.Fatalf("append after oversized record: %v", err)
	}

	c, err := l.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	wantKeys(t, collectKeys(t, c), 1, 2)
}

func TestEmptyLog(t *testing.T) {
	l := openUint64Log(t, t.TempDir(), 1<<20)
	defer l.Close()

	if r := l.OldestRecord(); r != nil {
		t.Errorf("OldestRecord on empty log = %v", r)
	}
	if r := l.NewestRecord(); r != nil {
		t.Errorf("NewestRecord on empty log = %v", r)
	}
	if n := l.NumRecords(); n != 0 {
		t.Errorf("NumRecords on empty log = %d", n)
	}

	c, err := l.Cursor()
	if err != nil {
		t.Fatal(err)
	}
	defer c.Close()
	if r := c.Record(); r != nil {
		t.Errorf("cursor on empty log has record %v", r)
	}
	if ok, _ := c.Next(); ok {
		t.Error("Next on empty log reported a record")
	}

	// The same cursor picks up records appended later.
	if err := l.Append(urec(1, "late")); err != nil {
		t.Fatal(err)
	}
	ok, err := c.Next()
	if err != nil {
		t.Fatal(err)
	}
	if !ok || c.Record().Key != 1 {
		t.Errorf("cursor did not observe a late append: ok=%v rec=%v", ok, c.Record())
	}
}
