package ble

import "testing"

func TestRegistryDedupKeepsFirstSeen(t *testing.T) {
	r := NewRegistry()
	if !r.Add(Device{Address: "AA:01", Name: "Even G1_L", RSSI: -60}) {
		t.Fatal("Add() of new device = false")
	}
	if r.Add(Device{Address: "AA:01", Name: "Renamed", RSSI: -40}) {
		t.Error("Add() of duplicate address = true")
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	d, ok := r.Lookup("AA:01")
	if !ok {
		t.Fatal("Lookup() missed device")
	}
	if d.Name != "Even G1_L" || d.RSSI != -60 {
		t.Errorf("Lookup() = %+v, want first-seen entry", d)
	}
}

func TestRegistryOrdering(t *testing.T) {
	r := NewRegistry()
	r.Add(Device{Address: "CC:03", Name: "zeta"})
	r.Add(Device{Address: "BB:02"})
	r.Add(Device{Address: "DD:04", Name: "Alpha"})
	r.Add(Device{Address: "AA:01", Name: "Alpha"})

	want := []string{"AA:01", "DD:04", "BB:02", "CC:03"}
	got := r.Devices()
	if len(got) != len(want) {
		t.Fatalf("Devices() len = %d, want %d", len(got), len(want))
	}
	for i, addr := range want {
		if got[i].Address != addr {
			t.Errorf("Devices()[%d] = %s, want %s", i, got[i].Address, addr)
		}
	}
}

func TestRegistryDevicesIsCopy(t *testing.T) {
	r := NewRegistry()
	r.Add(Device{Address: "AA:01", Name: "one"})
	got := r.Devices()
	got[0].Name = "changed"
	if d, _ := r.Lookup("AA:01"); d.Name != "one" {
		t.Errorf("mutating Devices() result changed registry: %q", d.Name)
	}
}

func TestRegistryReset(t *testing.T) {
	r := NewRegistry()
	r.Add(Device{Address: "AA:01"})
	r.Reset()
	if r.Len() != 0 {
		t.Errorf("Len() after Reset = %d, want 0", r.Len())
	}
	if got := r.Devices(); got == nil || len(got) != 0 {
		t.Errorf("Devices() after Reset = %v, want empty non-nil", got)
	}
	if !r.Add(Device{Address: "AA:01"}) {
		t.Error("Add() after Reset = false")
	}
}

func TestDeviceDisplayName(t *testing.T) {
	if got := (Device{Address: "AA:01", Name: "G1"}).DisplayName(); got != "G1" {
		t.Errorf("DisplayName() = %q, want G1", got)
	}
	if got := (Device{Address: "AA:01"}).DisplayName(); got != "AA:01" {
		t.Errorf("DisplayName() = %q, want AA:01", got)
	}
}
