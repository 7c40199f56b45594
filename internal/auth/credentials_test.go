package auth

import (
	"os"
	"path/filepath"
	"testing"
)

func writeCreds(t *testing.T, contents string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "credentials.txt")
	if err := os.WriteFile(path, []byte(contents), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestCheckMatchingPair(t *testing.T) {
	path := writeCreds(t, "homer=duff\nbart=skateboard\n")
	c := NewChecker(path)
	if !c.Check("bart", "skateboard") {
		t.Error("expected matching pair to succeed")
	}
}

func TestCheckWrongPassword(t *testing.T) {
	path := writeCreds(t, "a=a\n")
	c := NewChecker(path)
	if c.Check("a", "wrong") {
		t.Error("expected wrong password to fail")
	}
}

func TestCheckUnknownUser(t *testing.T) {
	path := writeCreds(t, "a=a\n")
	c := NewChecker(path)
	if c.Check("ghost", "a") {
		t.Error("expected unknown user to fail")
	}
}

func TestCheckFirstMatchWins(t *testing.T) {
	path := writeCreds(t, "a=first\na=second\n")
	c := NewChecker(path)
	if !c.Check("a", "first") {
		t.Error("first matching line should win")
	}
	if c.Check("a", "second") {
		t.Error("second line for same user should not be consulted")
	}
}

func TestCheckMissingFile(t *testing.T) {
	c := NewChecker(filepath.Join(t.TempDir(), "does-not-exist.txt"))
	if c.Check("a", "a") {
		t.Error("missing file should fail closed")
	}
}

func TestCheckEmptyPath(t *testing.T) {
	c := NewChecker("")
	if c.Check("a", "a") {
		t.Error("empty path should fail closed")
	}
}
