package checksum

import (
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestValidate(t *testing.T) {
	valid := strings.Repeat("a", 64)
	tests := []struct {
		name  string
		input string
		ok    bool
	}{
		{"valid", valid, true},
		{"real digest", "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855", true},
		{"too short", "aaa", false},
		{"too long", valid + "a", false},
		{"uppercase", strings.Repeat("A", 64), false},
		{"non hex", strings.Repeat("g", 64), false},
		{"empty", "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := IsValid(tt.input); got != tt.ok {
				t.Errorf("IsValid(%q) = %v, want %v", tt.input, got, tt.ok)
			}
		})
	}
}

func TestFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "vmlinuz")
	content := []byte("kernel image")
	if err := os.WriteFile(path, content, 0644); err != nil {
		t.Fatal(err)
	}

	got, err := File(path)
	if err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256(content)
	if want := hex.EncodeToString(sum[:]); got != want {
		t.Errorf("File = %s, want %s", got, want)
	}

	if _, err := File(filepath.Join(t.TempDir(), "missing")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestDigester(t *testing.T) {
	d := NewDigester()
	if _, err := io.WriteString(d.Writer(), "hello "); err != nil {
		t.Fatal(err)
	}
	if _, err := io.WriteString(d.Writer(), "world"); err != nil {
		t.Fatal(err)
	}
	sum := sha256.Sum256([]byte("hello world"))
	if want := hex.EncodeToString(sum[:]); d.Sum() != want {
		t.Errorf("Sum = %s, want %s", d.Sum(), want)
	}
}
