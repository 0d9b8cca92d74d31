package history

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/prodjlink/prolink/internal/core"
)

func openTestHistory(t *testing.T) *History {
	t.Helper()
	h, err := Open(filepath.Join(t.TempDir(), "history.db"))
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	t.Cleanup(func() { h.Close() })
	return h
}

func TestAppendAndList(t *testing.T) {
	h := openTestHistory(t)
	base := time.Date(2024, 6, 1, 22, 0, 0, 0, time.UTC)
	tracks := []Record{
		{PlayedAt: base, Player: 1, Slot: core.SlotUSB, TrackID: 10, Artist: "deadmau5", Title: "Strobe", Album: "For Lack of a Better Name"},
		{PlayedAt: base.Add(7 * time.Minute), Player: 2, Slot: core.SlotSD, TrackID: 11, Artist: "Moderat", Title: "A New Error", Album: "Moderat"},
		{PlayedAt: base.Add(13 * time.Minute), Player: 1, Slot: core.SlotUSB, TrackID: 12, Artist: "deadmau5", Title: "Ghosts 'n' Stuff", Album: "For Lack of a Better Name"},
	}
	for _, rec := range tracks {
		if err := h.Append(rec); err != nil {
			t.Fatalf("Append: %s", err)
		}
	}

	got, err := h.List(0)
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if len(got) != 3 {
		t.Fatalf("got %d records, expected 3", len(got))
	}
	for i, rec := range got {
		if rec.Title != tracks[i].Title || rec.Player != tracks[i].Player {
			t.Errorf("record %d is %q by player %d, expected %q by player %d",
				i, rec.Title, rec.Player, tracks[i].Title, tracks[i].Player)
		}
		if !rec.PlayedAt.Equal(tracks[i].PlayedAt) {
			t.Errorf("record %d played at %v, expected %v", i, rec.PlayedAt, tracks[i].PlayedAt)
		}
	}
}

func TestListLimit(t *testing.T) {
	h := openTestHistory(t)
	for i := 0; i < 5; i++ {
		rec := Record{Player: 1, TrackID: uint32(i), Title: string(rune('a' + i))}
		if err := h.Append(rec); err != nil {
			t.Fatalf("Append: %s", err)
		}
	}
	got, err := h.List(2)
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if len(got) != 2 {
		t.Fatalf("got %d records, expected 2", len(got))
	}
	// The limit keeps the most recent records, still oldest first.
	if got[0].Title != "d" || got[1].Title != "e" {
		t.Errorf("got %q, %q, expected d, e", got[0].Title, got[1].Title)
	}
}

func TestAppendFillsTimestamp(t *testing.T) {
	h := openTestHistory(t)
	before := time.Now()
	if err := h.Append(Record{Player: 1, Title: "x"}); err != nil {
		t.Fatalf("Append: %s", err)
	}
	got, err := h.List(0)
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if len(got) != 1 {
		t.Fatalf("got %d records, expected 1", len(got))
	}
	if got[0].PlayedAt.Before(before.Add(-time.Second)) {
		t.Errorf("timestamp %v not filled in", got[0].PlayedAt)
	}
}

func TestReopenKeepsRecords(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "history.db")
	h, err := Open(path)
	if err != nil {
		t.Fatalf("Open: %s", err)
	}
	if err := h.Append(Record{Player: 3, Title: "persisted"}); err != nil {
		t.Fatalf("Append: %s", err)
	}
	h.Close()

	h, err = Open(path)
	if err != nil {
		t.Fatalf("reopen: %s", err)
	}
	defer h.Close()
	got, err := h.List(0)
	if err != nil {
		t.Fatalf("List: %s", err)
	}
	if len(got) != 1 || got[0].Title != "persisted" {
		t.Fatalf("got %v, expected the persisted record", got)
	}
}
