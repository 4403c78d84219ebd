package security

import (
	"os"
	"path/filepath"
	"testing"
)

func TestResolveInside_RelativeAndAbsolute(t *testing.T) {
	root := t.TempDir()
	if err := os.MkdirAll(filepath.Join(root, "scans"), 0755); err != nil {
		t.Fatal(err)
	}
	file := filepath.Join(root, "scans", "form.pdf")
	if err := os.WriteFile(file, []byte("%PDF"), 0644); err != nil {
		t.Fatal(err)
	}

	for _, p := range []string{"scans/form.pdf", "./scans/form.pdf", file} {
		got, err := ResolveInside(root, p)
		if err != nil {
			t.Errorf("ResolveInside(%q) rejected: %v", p, err)
			continue
		}
		if filepath.Base(got) != "form.pdf" || !filepath.IsAbs(got) {
			t.Errorf("ResolveInside(%q) = %q", p, got)
		}
	}
}

func TestResolveInside_Traversal(t *testing.T) {
	root := t.TempDir()
	attempts := []string{
		"../../../etc/passwd",
		"scans/../../etc/passwd",
		"%2e%2e/etc/passwd",
		"..%2f../etc/passwd",
		"%252e%252e/etc/passwd",
	}
	for _, attempt := range attempts {
		if _, err := ResolveInside(root, attempt); err != ErrPathTraversal {
			t.Errorf("ResolveInside(%q) = %v, want ErrPathTraversal", attempt, err)
		}
	}
}

func TestResolveInside_AbsoluteOutside(t *testing.T) {
	root := t.TempDir()
	if _, err := ResolveInside(root, "/etc/passwd"); err != ErrPathOutsideRoot {
		t.Errorf("got %v, want ErrPathOutsideRoot", err)
	}
	if IsInside(root, filepath.Join(t.TempDir(), "scan.pdf")) {
		t.Error("sibling directory accepted")
	}
}

func TestResolveInside_SymlinkEscape(t *testing.T) {
	root := t.TempDir()
	outside := filepath.Join(t.TempDir(), "secret.pdf")
	if err := os.WriteFile(outside, []byte("%PDF"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "dropped.pdf")
	if err := os.Symlink(outside, link); err != nil {
		t.Skip("symlinks not supported")
	}

	if _, err := ResolveInside(root, link); err != ErrSymlinkEscape {
		t.Errorf("got %v, want ErrSymlinkEscape", err)
	}
}

func TestResolveInside_SymlinkWithinRoot(t *testing.T) {
	root := t.TempDir()
	target := filepath.Join(root, "real.png")
	if err := os.WriteFile(target, []byte("png"), 0644); err != nil {
		t.Fatal(err)
	}
	link := filepath.Join(root, "alias.png")
	if err := os.Symlink(target, link); err != nil {
		t.Skip("symlinks not supported")
	}
	if !IsInside(root, link) {
		t.Error("symlink inside root rejected")
	}
}

func TestCleanFileName(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"scan.pdf", "scan.pdf"},
		{"../../etc/passwd", "passwd"},
		{`C:\Users\donor\form 1.png`, "form 1.png"},
		{"bad\x00name\n.jpg", "badname.jpg"},
		{"", "upload"},
		{"..", "upload"},
		{"/", "upload"},
	}
	for _, tt := range tests {
		if got := CleanFileName(tt.in); got != tt.want {
			t.Errorf("CleanFileName(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
