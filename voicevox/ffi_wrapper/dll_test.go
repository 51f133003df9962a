//go:build (linux || darwin) && (amd64 || arm64)

package ffi_wrapper

import (
	"errors"
	"os"
	"path/filepath"
	"testing"
)

func TestLoadCoreLibraryMissing(t *testing.T) {
	dir := t.TempDir()
	tests := []struct {
		name string
		path string
	}{
		{"missing file", filepath.Join(dir, "nope", DefaultLibraryName())},
		{"directory", dir},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			lib, err := LoadCoreLibrary(tt.path, 1)
			if lib != nil {
				t.Fatal("expected no library")
			}
			if !errors.Is(err, ErrLibraryNotFound) {
				t.Fatalf("expected ErrLibraryNotFound, got %v", err)
			}
			var nf *LibraryNotFoundError
			if !errors.As(err, &nf) || !filepath.IsAbs(nf.Path) {
				t.Errorf("expected absolute path in error, got %v", err)
			}
		})
	}
}

func TestLoadCoreLibraryNotALibrary(t *testing.T) {
	path := filepath.Join(t.TempDir(), DefaultLibraryName())
	if err := os.WriteFile(path, []byte("not an ELF or Mach-O file"), 0o644); err != nil {
		t.Fatal(err)
	}
	_, err := LoadCoreLibrary(path, 1)
	if err == nil {
		t.Fatal("expected dlopen to fail")
	}
	if errors.Is(err, ErrLibraryNotFound) {
		t.Errorf("an existing file should reach the loader, got %v", err)
	}
}

func TestCheckVersion(t *testing.T) {
	tests := []struct {
		version string
		ok      bool
	}{
		{"0.14.0", true},
		{"0.14.4", true},
		{"0.13.3", true},
		{"v0.14.1", true},
		{"0.12.5", false},
		{"0.15.0", false},
		{"0.14.0-preview.1", true},
		{"", false},
		{"garbage", false},
	}
	for _, tt := range tests {
		err := checkVersion(tt.version)
		if (err == nil) != tt.ok {
			t.Errorf("checkVersion(%q) = %v, want ok=%v", tt.version, err, tt.ok)
		}
	}
}

func TestFindLibrary(t *testing.T) {
	dir := t.TempDir()
	want := filepath.Join(dir, DefaultLibraryName())
	if err := os.WriteFile(want, nil, 0o644); err != nil {
		t.Fatal(err)
	}
	got, err := FindLibrary(dir)
	if err != nil {
		t.Fatalf("FindLibrary: %v", err)
	}
	if got != want {
		t.Errorf("FindLibrary = %q, want %q", got, want)
	}
}
