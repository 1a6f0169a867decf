package vcs

import (
	"errors"
	"fmt"
	"math"
	"path"
	"strconv"
	"strings"

	"github.com/juju/naturalsort"
	"github.com/juju/version/v2"
)

// CompatThreshold is the first base version whose runtime requirement is
// enforced. Older branches are offered without a runtime check.
const CompatThreshold = 19

// trunkBase orders trunk/master after every numbered branch.
const trunkBase = math.MaxInt32

// ErrIncompatible is wrapped by every IncompatibleError.
var ErrIncompatible = errors.New("branch incompatible")

// minRuntime maps a base version to the minimum PHP version it runs on.
var minRuntime = map[int]string{
	18: "5.6.0",
	19: "7.1.0",
	20: "7.1.0",
	21: "7.2.0",
	22: "7.4.0",
	23: "7.4.0",
	24: "7.4.0",
	25: "8.1.0",
	26: "8.1.0",
	27: "8.1.0",
}

// trunkRuntime is required by trunk/master and by bases newer than the table.
const trunkRuntime = "8.1.0"

// IncompatibleError explains why a branch is not offered.
type IncompatibleError struct {
	Branch   string
	Required string
	Runtime  string
	Reason   string
}

func (e *IncompatibleError) Error() string {
	if e.Required != "" {
		return fmt.Sprintf("branch %s requires PHP >= %s (instance runs %s)", e.Branch, e.Required, displayRuntime(e.Runtime))
	}
	return fmt.Sprintf("branch %s: %s", e.Branch, e.Reason)
}

func (e *IncompatibleError) Unwrap() error { return ErrIncompatible }

func displayRuntime(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

// Note records a branch hidden from selection and why.
type Note struct {
	Branch string
	Reason string
}

// IsTrunk reports whether branch names the main line.
func IsTrunk(branch string) bool {
	switch strings.ToLower(shortBranch(branch)) {
	case "trunk", "master", "main":
		return true
	}
	return false
}

// shortBranch strips remote and layout prefixes such as origin/ or branches/.
func shortBranch(branch string) string {
	b := strings.TrimSpace(branch)
	b = strings.TrimPrefix(b, "refs/heads/")
	b = strings.TrimPrefix(b, "^/")
	return path.Base(strings.TrimRight(b, "/"))
}

// BaseVersion extracts the leading integer of a branch name. Trunk and
// master sort after everything. ok is false when no number is present.
func BaseVersion(branch string) (base int, ok bool) {
	if IsTrunk(branch) {
		return trunkBase, true
	}
	name := shortBranch(branch)
	end := 0
	for end < len(name) && name[end] >= '0' && name[end] <= '9' {
		end++
	}
	if end == 0 {
		return 0, false
	}
	n, err := strconv.Atoi(name[:end])
	if err != nil {
		return 0, false
	}
	return n, true
}

// RequiredRuntime returns the minimum runtime for branch, or "" when the
// branch is below the threshold and needs no check.
func RequiredRuntime(branch string) string {
	base, ok := BaseVersion(branch)
	if !ok {
		return ""
	}
	if base == trunkBase {
		return trunkRuntime
	}
	if base < CompatThreshold {
		return ""
	}
	if v, ok := minRuntime[base]; ok {
		return v
	}
	return trunkRuntime
}

// ParseRuntime normalizes a PHP version string such as "7.4" or
// "8.1.2-1ubuntu2" into a comparable number.
func ParseRuntime(s string) (version.Number, error) {
	s = strings.TrimSpace(s)
	end := 0
	for end < len(s) && (s[end] == '.' || (s[end] >= '0' && s[end] <= '9')) {
		end++
	}
	parts := strings.Split(strings.Trim(s[:end], "."), ".")
	if len(parts) == 0 || parts[0] == "" {
		return version.Number{}, fmt.Errorf("invalid runtime version %q", s)
	}
	for len(parts) < 3 {
		parts = append(parts, "0")
	}
	return version.Parse(strings.Join(parts[:3], "."))
}

// CheckCompatibility decides whether target may be offered to an instance
// currently on currentBranch with the given runtime version.
func CheckCompatibility(target, currentBranch, runtime string) error {
	targetBase, ok := BaseVersion(target)
	if !ok {
		return &IncompatibleError{Branch: target, Runtime: runtime, Reason: "no version number in branch name"}
	}
	if currentBase, ok := BaseVersion(currentBranch); ok && targetBase < currentBase {
		return &IncompatibleError{Branch: target, Runtime: runtime, Reason: fmt.Sprintf("older than current branch %s", currentBranch)}
	}

	required := RequiredRuntime(target)
	if required == "" {
		return nil
	}
	have, err := ParseRuntime(runtime)
	if err != nil {
		return &IncompatibleError{Branch: target, Required: required, Runtime: runtime}
	}
	need, err := version.Parse(required)
	if err != nil {
		return err
	}
	if have.Compare(need) < 0 {
		return &IncompatibleError{Branch: target, Required: required, Runtime: runtime}
	}
	return nil
}

// FilterCompatible splits branches into those offered as targets, in
// natural order, and notes for the rest.
func FilterCompatible(branches []string, currentBranch, runtime string) ([]string, []Note) {
	var offered []string
	var notes []Note
	seen := make(map[string]bool, len(branches))
	for _, b := range branches {
		b = strings.TrimSpace(b)
		if b == "" || seen[b] {
			continue
		}
		seen[b] = true
		if err := CheckCompatibility(b, currentBranch, runtime); err != nil {
			notes = append(notes, Note{Branch: b, Reason: err.Error()})
			continue
		}
		offered = append(offered, b)
	}
	naturalsort.Sort(offered)
	return offered, notes
}
