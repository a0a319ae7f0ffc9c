package devicestore

import (
	"os"
	"path/filepath"
	"testing"
)

func TestStore_LoadMissingFile(t *testing.T) {
	s := New(t.TempDir())

	devices, err := s.Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(devices) != 0 {
		t.Errorf("Expected empty list, got %v", devices)
	}
	if id, _ := s.LastConnected(); id != "" {
		t.Errorf("Expected no last connected device, got %q", id)
	}
}

func TestStore_SaveLoad(t *testing.T) {
	dir := t.TempDir()
	s := New(dir)

	want := []Device{{ID: "a", Name: "Garden"}, {ID: "b", Name: "Greenhouse"}}
	if err := s.Save(want); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	// A fresh store on the same directory sees the same list
	got, err := New(dir).Load()
	if err != nil {
		t.Fatalf("Load failed: %v", err)
	}
	if len(got) != 2 || got[0] != want[0] || got[1] != want[1] {
		t.Errorf("Expected %v, got %v", want, got)
	}
}

func TestStore_AddRemove(t *testing.T) {
	s := New(t.TempDir())

	s.Add(Device{ID: "a", Name: "Garden"})
	s.Add(Device{ID: "b", Name: "Greenhouse"})
	s.Add(Device{ID: "a", Name: "Front garden"})

	devices, _ := s.Load()
	if len(devices) != 2 || devices[0].Name != "Front garden" {
		t.Fatalf("Add should update in place: %v", devices)
	}
	if devices[0].LastSeen == 0 {
		t.Errorf("Add should stamp LastSeen")
	}

	if err := s.Remove("a"); err != nil {
		t.Fatalf("Remove failed: %v", err)
	}
	if err := s.Remove("missing"); err != nil {
		t.Errorf("Removing unknown id failed: %v", err)
	}
	ids, _ := s.IDs()
	if len(ids) != 1 || ids[0] != "b" {
		t.Errorf("Expected [b], got %v", ids)
	}

	if err := s.Add(Device{Name: "nameless"}); err == nil {
		t.Errorf("Expected error for empty id")
	}
}

func TestStore_LastConnected(t *testing.T) {
	s := New(t.TempDir())

	if err := s.SetLastConnected("ghost"); err == nil {
		t.Errorf("Expected error for unknown device")
	}

	s.Add(Device{ID: "a", Name: "Garden"})
	if err := s.SetLastConnected("a"); err != nil {
		t.Fatalf("SetLastConnected failed: %v", err)
	}
	if id, _ := s.LastConnected(); id != "a" {
		t.Errorf("Expected a, got %q", id)
	}

	// Forgetting the device clears the reconnect target
	s.Remove("a")
	if id, _ := s.LastConnected(); id != "" {
		t.Errorf("Expected cleared last connected, got %q", id)
	}
}

func TestStore_CorruptFile(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, fileName), []byte("{not json"), 0644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	if _, err := New(dir).Load(); err == nil {
		t.Errorf("Expected parse error")
	}
}

func TestStore_DefaultLocation(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("AQUAFLUSH_DIR", dir)

	s := NewDefault()
	if s.Path() != filepath.Join(dir, fileName) {
		t.Errorf("Unexpected path %s", s.Path())
	}
}
