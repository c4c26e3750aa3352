package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"
)

func TestWriteThenReadRoundTrips(t *testing.T) {
	dir := t.TempDir()
	s, err := NewLocalStorage(dir)
	if err != nil {
		t.Fatal(err)
	}

	if err := s.Write("segment_0.webm", []byte("payload")); err != nil {
		t.Fatal(err)
	}
	got, err := s.Read("segment_0.webm")
	if err != nil {
		t.Fatal(err)
	}
	if string(got) != "payload" {
		t.Fatalf("got %q", got)
	}
}

func TestWriteCreatesNestedDirectories(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewLocalStorage(dir)

	if err := s.Write("nested/sub/segment.webm", []byte("x")); err != nil {
		t.Fatal(err)
	}
	if _, err := os.Stat(filepath.Join(dir, "nested", "sub", "segment.webm")); err != nil {
		t.Fatal(err)
	}
}

func TestExistsReflectsDeletion(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewLocalStorage(dir)
	_ = s.Write("a.webm", []byte("x"))

	ok, err := s.Exists("a.webm")
	if err != nil || !ok {
		t.Fatalf("expected exists, got %v %v", ok, err)
	}

	if err := s.Delete("a.webm"); err != nil {
		t.Fatal(err)
	}
	ok, err = s.Exists("a.webm")
	if err != nil || ok {
		t.Fatalf("expected not exists after delete, got %v %v", ok, err)
	}
}

func TestListReturnsOnlyFilesInDir(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewLocalStorage(dir)
	_ = s.Write("seg_0.webm", []byte("x"))
	_ = s.Write("seg_1.webm", []byte("x"))
	_ = s.Write("sub/seg_2.webm", []byte("x"))

	names, err := s.List(".")
	if err != nil {
		t.Fatal(err)
	}
	if len(names) != 2 {
		t.Fatalf("expected 2 top-level files, got %v", names)
	}
}

func TestReadSeekerSupportsSeeking(t *testing.T) {
	dir := t.TempDir()
	s, _ := NewLocalStorage(dir)
	_ = s.Write("a.webm", []byte("0123456789"))

	rs, err := s.ReadSeeker("a.webm")
	if err != nil {
		t.Fatal(err)
	}
	defer rs.(io.Closer).Close()

	if _, err := rs.Seek(5, io.SeekStart); err != nil {
		t.Fatal(err)
	}
	buf := make([]byte, 5)
	if _, err := rs.Read(buf); err != nil {
		t.Fatal(err)
	}
	if string(buf) != "56789" {
		t.Fatalf("got %q", buf)
	}
}
