package server

import (
	"path/filepath"
	"testing"
	"time"
	"unicode/utf8"
)

func TestHistoryWraps(t *testing.T) {
	h := NewHistory(8)
	h.Write([]byte("abc"))
	if got := string(h.Bytes()); got != "abc" {
		t.Fatalf("Bytes() = %q", got)
	}
	h.Write([]byte("defghij"))
	if got := string(h.Bytes()); got != "cdefghij" {
		t.Errorf("Bytes() after wrap = %q, want cdefghij", got)
	}
	h.Write([]byte("0123456789"))
	if got := string(h.Bytes()); got != "23456789" {
		t.Errorf("Bytes() after oversized write = %q", got)
	}
	if h.Total() != 20 {
		t.Errorf("Total() = %d", h.Total())
	}
}

func TestHistoryWrapDropsPartialRune(t *testing.T) {
	h := NewHistory(8)
	h.Write([]byte("éééé"))
	h.Write([]byte("a"))
	got := h.Bytes()
	if !utf8.Valid(got) {
		t.Fatalf("Bytes() = %q is not valid UTF-8", got)
	}
	if string(got) != "éééa" {
		t.Errorf("Bytes() = %q, want %q", got, "éééa")
	}
}

func TestHistoryDisabled(t *testing.T) {
	h := NewHistory(0)
	if n, err := h.Write([]byte("x")); n != 1 || err != nil {
		t.Fatalf("Write = %d, %v", n, err)
	}
	if len(h.Bytes()) != 0 {
		t.Error("disabled history kept bytes")
	}
}

func TestSplitUTF8(t *testing.T) {
	euro := []byte("€") // 3 bytes
	tests := []struct {
		name     string
		in       []byte
		complete string
		rest     int
	}{
		{"ascii", []byte("abc"), "abc", 0},
		{"whole rune", append([]byte("a"), euro...), "a€", 0},
		{"partial rune", append([]byte("a"), euro[:2]...), "a", 2},
		{"empty", nil, "", 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			complete, rest := splitUTF8(tt.in)
			if string(complete) != tt.complete || len(rest) != tt.rest {
				t.Errorf("splitUTF8 = %q, %d rest", complete, len(rest))
			}
		})
	}
}

func TestSavedStorePersists(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state", "sessions.yaml")
	store, err := OpenSavedStore(path)
	if err != nil {
		t.Fatal(err)
	}
	created := time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)
	if err := store.Put(SavedSession{ID: "b", Name: "second", Cols: 80, Rows: 24, CreatedAt: created.Add(time.Minute)}); err != nil {
		t.Fatal(err)
	}
	if err := store.Put(SavedSession{ID: "a", Name: "first", WorkingDir: "/srv", Cols: 100, Rows: 30, CreatedAt: created}); err != nil {
		t.Fatal(err)
	}
	if ok, err := store.Rename("a", "renamed"); !ok || err != nil {
		t.Fatalf("Rename = %v, %v", ok, err)
	}

	reopened, err := OpenSavedStore(path)
	if err != nil {
		t.Fatal(err)
	}
	all := reopened.All()
	if len(all) != 2 || all[0].ID != "a" || all[1].ID != "b" {
		t.Fatalf("All() = %+v", all)
	}
	if all[0].Name != "renamed" || all[0].WorkingDir != "/srv" || !all[0].CreatedAt.Equal(created) {
		t.Errorf("reloaded = %+v", all[0])
	}

	if err := reopened.Delete("a"); err != nil {
		t.Fatal(err)
	}
	again, _ := OpenSavedStore(path)
	if _, ok := again.Get("a"); ok {
		t.Error("deleted session reloaded")
	}
}
