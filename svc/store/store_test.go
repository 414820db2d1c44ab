package store

import (
	"context"
	"errors"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"hastypaste/pkg/domain"
)

type errReader struct{ err error }

func (r errReader) Read([]byte) (int, error) { return 0, r.err }

func newMeta(id string) *domain.PasteMeta {
	exp := time.Date(2030, 1, 1, 0, 0, 0, 0, time.UTC)
	return &domain.PasteMeta{
		Version:    domain.MetaVersion,
		PasteID:    id,
		CreationDT: time.Date(2024, 6, 1, 10, 0, 0, 0, time.UTC),
		ExpireDT:   &exp,
		LexerName:  "python",
		Title:      "a title, with ünïcode",
	}
}

func collect(t *testing.T, seq func(func(string, error) bool)) []string {
	t.Helper()
	var ids []string
	for id, err := range seq {
		if err != nil {
			t.Fatalf("list: %v", err)
		}
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return ids
}

// runStoreContract checks behaviour every backend must share.
func runStoreContract(t *testing.T, s Store) {
	ctx := context.Background()

	t.Run("round trip", func(t *testing.T) {
		body := "line one\nline two\n\x00binary\xff"
		if err := s.WritePaste(ctx, "Abc123defg", newMeta("Abc123defg"), strings.NewReader(body)); err != nil {
			t.Fatalf("WritePaste: %v", err)
		}
		m, ok, err := s.ReadMeta(ctx, "Abc123defg")
		if err != nil || !ok {
			t.Fatalf("ReadMeta = %v, %v", ok, err)
		}
		want := newMeta("Abc123defg")
		if m.PasteID != want.PasteID || m.LexerName != want.LexerName || m.Title != want.Title ||
			!m.CreationDT.Equal(want.CreationDT) || m.ExpireDT == nil || !m.ExpireDT.Equal(*want.ExpireDT) {
			t.Errorf("ReadMeta = %+v, want %+v", m, want)
		}
		raw, ok, err := s.ReadRaw(ctx, "Abc123defg")
		if err != nil || !ok || string(raw) != body {
			t.Errorf("ReadRaw = %q, %v, %v", raw, ok, err)
		}
	})

	t.Run("empty content", func(t *testing.T) {
		if err := s.WritePaste(ctx, "emptyPaste", newMeta("emptyPaste"), strings.NewReader("")); err != nil {
			t.Fatalf("WritePaste: %v", err)
		}
		raw, ok, err := s.ReadRaw(ctx, "emptyPaste")
		if err != nil || !ok || len(raw) != 0 {
			t.Errorf("ReadRaw = %q, %v, %v", raw, ok, err)
		}
	})

	t.Run("missing", func(t *testing.T) {
		if m, ok, err := s.ReadMeta(ctx, "nothingHere"); m != nil || ok || err != nil {
			t.Errorf("ReadMeta = %v, %v, %v", m, ok, err)
		}
		if r, ok, err := s.ReadRaw(ctx, "nothingHere"); r != nil || ok || err != nil {
			t.Errorf("ReadRaw = %v, %v, %v", r, ok, err)
		}
		if err := s.DeletePaste(ctx, "nothingHere"); err != nil {
			t.Errorf("deleting a missing paste should succeed: %v", err)
		}
	})

	t.Run("invalid id", func(t *testing.T) {
		if _, _, err := s.ReadMeta(ctx, "ab"); !errors.Is(err, domain.ErrInvalidPasteID) {
			t.Errorf("ReadMeta(ab) = %v", err)
		}
		if err := s.WritePaste(ctx, "../x", newMeta("../x"), strings.NewReader("x")); !errors.Is(err, domain.ErrInvalidPasteID) {
			t.Errorf("WritePaste(../x) = %v", err)
		}
	})

	t.Run("aborted write leaves nothing", func(t *testing.T) {
		tooBig := io.MultiReader(strings.NewReader("partial content"), errReader{domain.ErrPasteTooLarge})
		err := s.WritePaste(ctx, "abortedOne", newMeta("abortedOne"), tooBig)
		if !errors.Is(err, domain.ErrPasteTooLarge) {
			t.Fatalf("WritePaste = %v, want ErrPasteTooLarge", err)
		}
		cctx, cancel := context.WithCancel(ctx)
		cancel()
		err = s.WritePaste(cctx, "abortedTwo", newMeta("abortedTwo"), strings.NewReader("data"))
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("WritePaste = %v, want context.Canceled", err)
		}
		for _, id := range []string{"abortedOne", "abortedTwo"} {
			if _, ok, err := s.ReadMeta(ctx, id); ok || err != nil {
				t.Errorf("%s: partial record visible (ok=%v err=%v)", id, ok, err)
			}
		}
	})

	t.Run("list and delete", func(t *testing.T) {
		ids := []string{"list0001aa", "list0002bb", "zz00000003"}
		for _, id := range ids {
			if err := s.WritePaste(ctx, id, newMeta(id), strings.NewReader(id)); err != nil {
				t.Fatal(err)
			}
		}
		got := collect(t, s.IDs(ctx))
		for _, id := range ids {
			if !slices.Contains(got, id) {
				t.Errorf("IDs missing %s: %v", id, got)
			}
		}
		if slices.Contains(got, "abortedOne") {
			t.Errorf("aborted write listed: %v", got)
		}

		n := 0
		for range s.IDs(ctx) {
			n++
			if n == 2 {
				break
			}
		}
		if n != 2 {
			t.Errorf("early break walked %d ids", n)
		}

		if err := s.DeletePaste(ctx, "list0001aa"); err != nil {
			t.Fatalf("DeletePaste: %v", err)
		}
		if _, ok, _ := s.ReadMeta(ctx, "list0001aa"); ok {
			t.Errorf("paste still readable after delete")
		}
		if slices.Contains(collect(t, s.IDs(ctx)), "list0001aa") {
			t.Errorf("deleted id still listed")
		}
	})

	t.Run("ping", func(t *testing.T) {
		if err := s.Ping(ctx); err != nil {
			t.Errorf("Ping: %v", err)
		}
	})
}
