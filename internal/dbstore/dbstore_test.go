package dbstore

import (
	"errors"
	"path/filepath"
	"testing"
)

func testStore(t *testing.T, s Store) {
	t.Helper()

	if _, found, err := s.Get(1); err != nil || found {
		t.Fatalf("expected missing key, found=%v err=%v", found, err)
	}
	if err := s.Put(1, 2); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(-7, -70); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(1, 3); err != nil {
		t.Fatal(err)
	}

	v, found, err := s.Get(1)
	if err != nil || !found || v != 3 {
		t.Fatalf("expected 3, got %d found=%v err=%v", v, found, err)
	}
	v, found, err = s.Get(-7)
	if err != nil || !found || v != -70 {
		t.Fatalf("expected -70, got %d found=%v err=%v", v, found, err)
	}

	if err := s.Close(); err != nil {
		t.Fatal(err)
	}
	if err := s.Put(2, 2); !errors.Is(err, ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemory(t *testing.T) {
	testStore(t, NewMemory())
}

func TestLevelDB(t *testing.T) {
	s, err := OpenLevelDB(filepath.Join(t.TempDir(), "db"))
	if err != nil {
		t.Fatal(err)
	}
	testStore(t, s)
}

func TestLevelDB_Reopen(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db")
	s, err := OpenLevelDB(path)
	if err != nil {
		t.Fatal(err)
	}
	if err := s.Put(5, 9); err != nil {
		t.Fatal(err)
	}
	s.Close()

	s, err = OpenLevelDB(path)
	if err != nil {
		t.Fatal(err)
	}
	defer s.Close()
	v, found, err := s.Get(5)
	if err != nil || !found || v != 9 {
		t.Fatalf("expected 9 after reopen, got %d found=%v err=%v", v, found, err)
	}
}

func TestOpen_EmptyPathIsMemory(t *testing.T) {
	s, err := Open("")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := s.(*Memory); !ok {
		t.Fatalf("expected *Memory, got %T", s)
	}
}
