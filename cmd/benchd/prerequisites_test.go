package main

import (
	"context"
	"testing"
)

func TestAppBaseDirWritableCheckPasses(t *testing.T) {
	dir := t.TempDir()
	var check diagnosticCheck
	for _, c := range diagnosticChecks {
		if c.ID == "app-base-dir-writable" {
			check = c
		}
	}
	if check.ID == "" {
		t.Fatal("app-base-dir-writable check not registered")
	}
	if err := check.Run(context.Background(), dir); err != nil {
		t.Fatalf("Run: %v", err)
	}
}

func TestAppBaseDirWritableCheckFailsOnMissingDir(t *testing.T) {
	var check diagnosticCheck
	for _, c := range diagnosticChecks {
		if c.ID == "app-base-dir-writable" {
			check = c
		}
	}
	if err := check.Run(context.Background(), "/nonexistent/benchd-probe-dir"); err == nil {
		t.Fatal("expected error for a nonexistent app base dir")
	}
}

func TestSupportedOSCheckPasses(t *testing.T) {
	var check diagnosticCheck
	for _, c := range diagnosticChecks {
		if c.ID == "supported-os" {
			check = c
		}
	}
	if err := check.Run(context.Background(), ""); err != nil {
		t.Fatalf("Run: %v", err)
	}
}
