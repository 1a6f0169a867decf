package vcs

import (
	"errors"
	"reflect"
	"testing"
)

func TestBaseVersion(t *testing.T) {
	tests := []struct {
		branch string
		want   int
		ok     bool
	}{
		{"21.x", 21, true},
		{"origin/24.x", 24, true},
		{"branches/18.x", 18, true},
		{"^/branches/27.x", 27, true},
		{"trunk", trunkBase, true},
		{"master", trunkBase, true},
		{"feature-x", 0, false},
		{"", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.branch, func(t *testing.T) {
			got, ok := BaseVersion(tt.branch)
			if got != tt.want || ok != tt.ok {
				t.Fatalf("BaseVersion(%q) = %d,%v; want %d,%v", tt.branch, got, ok, tt.want, tt.ok)
			}
		})
	}
}

func TestCheckCompatibility(t *testing.T) {
	tests := []struct {
		name    string
		target  string
		current string
		runtime string
		ok      bool
	}{
		{"old php excluded from trunk", "trunk", "12.x", "5.3.0", false},
		{"php 7.4 offered 21.x", "21.x", "", "7.4", true},
		{"php 7.4 offered 21.x from 18.x", "21.x", "18.x", "7.4.33", true},
		{"below threshold needs no runtime", "18.x", "", "", true},
		{"older than current", "20.x", "21.x", "8.2.0", false},
		{"same branch allowed", "21.x", "21.x", "7.2.0", true},
		{"unknown runtime above threshold", "22.x", "", "", false},
		{"distro suffix parsed", "25.x", "", "8.1.2-1ubuntu2.14", true},
		{"too old for 25", "25.x", "", "8.0.30", false},
		{"beyond table uses trunk rule", "30.x", "", "8.1.0", true},
		{"no number", "feature", "", "8.2", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := CheckCompatibility(tt.target, tt.current, tt.runtime)
			if (err == nil) != tt.ok {
				t.Fatalf("CheckCompatibility(%q,%q,%q) = %v; want ok=%v", tt.target, tt.current, tt.runtime, err, tt.ok)
			}
			if err != nil && !errors.Is(err, ErrIncompatible) {
				t.Fatalf("error %v does not wrap ErrIncompatible", err)
			}
		})
	}
}

func TestFilterCompatible(t *testing.T) {
	branches := []string{"trunk", "9.x", "21.x", "10.x", "25.x", "18.x", "21.x", "20.x"}

	offered, notes := FilterCompatible(branches, "18.x", "7.4.3")

	want := []string{"18.x", "20.x", "21.x"}
	if !reflect.DeepEqual(offered, want) {
		t.Fatalf("offered = %v; want %v", offered, want)
	}
	hidden := map[string]bool{}
	for _, n := range notes {
		if n.Reason == "" {
			t.Errorf("note for %s has no reason", n.Branch)
		}
		hidden[n.Branch] = true
	}
	for _, b := range []string{"trunk", "9.x", "10.x", "25.x"} {
		if !hidden[b] {
			t.Errorf("expected a note for %s", b)
		}
	}
}

func TestParseRuntime(t *testing.T) {
	n, err := ParseRuntime("7.4")
	if err != nil || n.Major != 7 || n.Minor != 4 || n.Patch != 0 {
		t.Fatalf("ParseRuntime(7.4) = %v, %v", n, err)
	}
	if _, err := ParseRuntime("php"); err == nil {
		t.Fatal("expected error for non-numeric runtime")
	}
}
