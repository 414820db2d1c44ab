package store

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"slices"
	"strings"
	"testing"

	"hastypaste/pkg/domain"
)

func newTestDisk(t *testing.T) (*Disk, string) {
	t.Helper()
	root := filepath.Join(t.TempDir(), "pastes")
	d, err := NewDisk(root)
	if err != nil {
		t.Fatalf("NewDisk: %v", err)
	}
	return d, root
}

func TestDisk_Contract(t *testing.T) {
	d, _ := newTestDisk(t)
	runStoreContract(t, d)
}

func TestDisk_RecordLayout(t *testing.T) {
	d, root := newTestDisk(t)
	ctx := context.Background()
	if err := d.WritePaste(ctx, "Xy9abcdefg", newMeta("Xy9abcdefg"), strings.NewReader("hello\nworld")); err != nil {
		t.Fatal(err)
	}
	b, err := os.ReadFile(filepath.Join(root, "Xy", "9abcdefg"))
	if err != nil {
		t.Fatalf("record not at root/Xy/9abcdefg: %v", err)
	}
	header, body, found := strings.Cut(string(b), "\n")
	if !found {
		t.Fatalf("no header line in %q", b)
	}
	if body != "hello\nworld" {
		t.Errorf("body = %q", body)
	}
	if _, err := domain.DecodeMeta([]byte(header)); err != nil {
		t.Errorf("header does not decode: %v", err)
	}
	entries, _ := os.ReadDir(filepath.Join(root, "Xy"))
	if len(entries) != 1 {
		t.Errorf("temp files left behind: %v", entries)
	}
}

func TestDisk_CorruptRecords(t *testing.T) {
	d, root := newTestDisk(t)
	ctx := context.Background()
	write := func(id, content string) {
		dir := filepath.Join(root, id[:2])
		if err := os.MkdirAll(dir, 0o750); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(dir, id[2:]), []byte(content), 0o640); err != nil {
			t.Fatal(err)
		}
	}
	write("truncated1", `{"version":1,"paste_id":"trunc`)
	write("garbage001", "not json at all\nbody")
	write("version002", `{"version":2,"paste_id":"version002","creation_dt":"2024-01-01T00:00:00Z"}`+"\nbody")

	if _, _, err := d.ReadMeta(ctx, "truncated1"); !errors.Is(err, domain.ErrMetaUnprocessable) {
		t.Errorf("truncated: %v", err)
	}
	if _, _, err := d.ReadRaw(ctx, "truncated1"); !errors.Is(err, domain.ErrMetaUnprocessable) {
		t.Errorf("truncated raw: %v", err)
	}
	if _, _, err := d.ReadMeta(ctx, "garbage001"); !errors.Is(err, domain.ErrMetaUnprocessable) {
		t.Errorf("garbage: %v", err)
	}
	_, _, err := d.ReadMeta(ctx, "version002")
	if !errors.Is(err, domain.ErrMetaVersionInvalid) || errors.Is(err, domain.ErrMetaUnprocessable) {
		t.Errorf("version: %v", err)
	}
	if raw, ok, err := d.ReadRaw(ctx, "version002"); err != nil || !ok || string(raw) != "body" {
		t.Errorf("raw of a newer record should still be readable: %q %v %v", raw, ok, err)
	}
}

func TestDisk_ListSkipsTempFiles(t *testing.T) {
	d, root := newTestDisk(t)
	ctx := context.Background()
	if err := d.WritePaste(ctx, "keepMe1234", newMeta("keepMe1234"), strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "ke", tempPrefix+"123"), []byte("partial"), 0o640); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(root, "stray-file"), []byte("x"), 0o640); err != nil {
		t.Fatal(err)
	}
	got := collect(t, d.IDs(ctx))
	if !slices.Equal(got, []string{"keepMe1234"}) {
		t.Errorf("IDs = %v", got)
	}
}

func TestDisk_ListCancelled(t *testing.T) {
	d, _ := newTestDisk(t)
	if err := d.WritePaste(context.Background(), "abcdefghij", newMeta("abcdefghij"), strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	var gotErr error
	for _, err := range d.IDs(ctx) {
		if err != nil {
			gotErr = err
		}
	}
	if !errors.Is(gotErr, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", gotErr)
	}
}

func TestDisk_PermissionError(t *testing.T) {
	if os.Geteuid() == 0 {
		t.Skip("permission bits are not enforced for root")
	}
	d, root := newTestDisk(t)
	ctx := context.Background()
	if err := d.WritePaste(ctx, "lockedPast", newMeta("lockedPast"), strings.NewReader("x")); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(root, "lo", "ckedPast")
	if err := os.Chmod(file, 0o000); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { _ = os.Chmod(file, 0o640) })
	_, _, err := d.ReadMeta(ctx, "lockedPast")
	if !errors.Is(err, domain.ErrStorage) || !errors.Is(err, os.ErrPermission) {
		t.Errorf("expected storage error wrapping a permission error, got %v", err)
	}
}
