package provider

import "testing"

func TestAggregate(t *testing.T) {
	tests := []struct {
		name   string
		states []CIState
		want   CIState
	}{
		{"no checks", nil, CINone},
		{"all success", []CIState{CISuccess, CISuccess}, CISuccess},
		{"one failure", []CIState{CISuccess, CIFailure}, CIFailure},
		{"pending wins over failure", []CIState{CIFailure, CIPending}, CIPending},
		{"pending", []CIState{CIPending}, CIPending},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			checks := make([]Check, len(tt.states))
			for i, s := range tt.states {
				checks[i] = Check{Name: "c", State: s}
			}
			if got := Aggregate(checks); got != tt.want {
				t.Errorf("Aggregate() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestStatusState(t *testing.T) {
	tests := map[string]CIState{
		"success":  CISuccess,
		"skipped":  CISuccess,
		"pending":  CIPending,
		"running":  CIPending,
		"created":  CIPending,
		"error":    CIFailure,
		"failure":  CIFailure,
		"failed":   CIFailure,
		"canceled": CIFailure,
	}
	for in, want := range tests {
		if got := StatusState(in); got != want {
			t.Errorf("StatusState(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestCheckRunState(t *testing.T) {
	tests := []struct {
		status, conclusion string
		want               CIState
	}{
		{"queued", "", CIPending},
		{"in_progress", "", CIPending},
		{"completed", "success", CISuccess},
		{"completed", "neutral", CISuccess},
		{"completed", "skipped", CISuccess},
		{"completed", "failure", CIFailure},
		{"completed", "cancelled", CIFailure},
		{"completed", "timed_out", CIFailure},
	}
	for _, tt := range tests {
		if got := CheckRunState(tt.status, tt.conclusion); got != tt.want {
			t.Errorf("CheckRunState(%q, %q) = %q, want %q", tt.status, tt.conclusion, got, tt.want)
		}
	}
}

func TestCIStatus_Failed(t *testing.T) {
	s := &CIStatus{Checks: []Check{
		{Name: "lint", State: CISuccess},
		{Name: "test", State: CIFailure},
	}}
	failed := s.Failed()
	if len(failed) != 1 || failed[0].Name != "test" {
		t.Errorf("Failed() = %+v, want [test]", failed)
	}
}

func TestCIState_Terminal(t *testing.T) {
	if CIPending.Terminal() || CINone.Terminal() {
		t.Error("pending and none must not be terminal")
	}
	if !CISuccess.Terminal() || !CIFailure.Terminal() {
		t.Error("success and failure must be terminal")
	}
}

func TestDiff_Unified(t *testing.T) {
	d := &Diff{Files: []ChangedFile{
		{Path: "a.go", Patch: "@@ -1 +1 @@\n-x\n+y"},
		{Path: "bin.dat"},
		{Path: "b.go", Patch: "@@ -0,0 +1 @@\n+z\n"},
	}}
	want := "--- a.go\n+++ a.go\n@@ -1 +1 @@\n-x\n+y\n--- b.go\n+++ b.go\n@@ -0,0 +1 @@\n+z\n"
	if got := d.Unified(); got != want {
		t.Errorf("Unified() = %q, want %q", got, want)
	}
	if paths := d.Paths(); len(paths) != 3 || paths[1] != "bin.dat" {
		t.Errorf("Paths() = %v", paths)
	}
}
