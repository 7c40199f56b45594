// Package auth implements the broker's username/password credentials
// check (spec §4.E). It is deliberately the only non-trivial
// authentication this broker does — ACLs, client certificates, and
// MQTT 5 enhanced auth are all out of scope.
package auth

import (
	"bufio"
	"os"
	"strings"
)

// Checker verifies username/password pairs against a flat credentials
// file, one "user=pass" entry per line. The first line whose user matches
// wins; a missing file or no match is a failure, never an error — callers
// only care whether the pair is good.
type Checker struct {
	path string
}

// NewChecker returns a Checker reading from path. The file is read fresh on
// every Check call so an operator can rotate credentials without a
// restart.
func NewChecker(path string) *Checker {
	return &Checker{path: path}
}

// Check reports whether (user, pass) matches the first line in the
// credentials file with a matching user.
func (c *Checker) Check(user, pass string) bool {
	if c.path == "" {
		return false
	}

	f, err := os.Open(c.path)
	if err != nil {
		return false
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		idx := strings.IndexByte(line, '=')
		if idx < 0 {
			continue
		}
		lineUser := line[:idx]
		if lineUser != user {
			continue
		}
		return line[idx+1:] == pass
	}
	return false
}
