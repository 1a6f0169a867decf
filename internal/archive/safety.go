package archive

import (
	"fmt"
	"path"
	"path/filepath"
	"strings"
)

// ValidateEntryName rejects absolute names and any ".." component, and
// returns the cleaned slash-separated name ("." for the archive root).
func ValidateEntryName(name string) (string, error) {
	if name == "" {
		return "", fmt.Errorf("empty entry name")
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("entry name contains a NUL byte")
	}
	n := strings.ReplaceAll(name, `\`, "/")
	if strings.HasPrefix(n, "/") || filepath.VolumeName(n) != "" {
		return "", fmt.Errorf("absolute entry name")
	}
	for _, part := range strings.Split(n, "/") {
		if part == ".." {
			return "", fmt.Errorf("path traversal in entry name")
		}
	}
	return path.Clean(n), nil
}

// ResolveEntryTarget maps an entry name to a path below root.
func ResolveEntryTarget(root, name string) (string, error) {
	clean, err := ValidateEntryName(name)
	if err != nil {
		return "", err
	}
	target := filepath.Join(root, filepath.FromSlash(clean))
	rel, err := filepath.Rel(root, target)
	if err != nil || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("entry resolves outside %s", root)
	}
	return target, nil
}

// ValidateLinkTarget checks that a symlink stored at name inside base
// points somewhere inside base.
func ValidateLinkTarget(base, name, link string) error {
	if link == "" {
		return fmt.Errorf("empty link target")
	}
	if path.IsAbs(link) {
		return fmt.Errorf("absolute link target %q", link)
	}
	resolved := path.Join(path.Dir(name), link)
	if !within(base, resolved) {
		return fmt.Errorf("link target %q escapes %s", link, base)
	}
	return nil
}

func within(base, p string) bool {
	if base == "" || base == "." {
		return p != ".." && !strings.HasPrefix(p, "../")
	}
	return p == base || strings.HasPrefix(p, base+"/")
}

func components(p string) []string {
	p = strings.Trim(path.Clean("/"+p), "/")
	if p == "" {
		return nil
	}
	return strings.Split(p, "/")
}

// CommonParent returns the deepest directory shared by dirs.
func CommonParent(dirs []string) string {
	if len(dirs) == 0 {
		return ""
	}
	common := components(dirs[0])
	for _, d := range dirs[1:] {
		parts := components(d)
		n := 0
		for n < len(common) && n < len(parts) && common[n] == parts[n] {
			n++
		}
		common = common[:n]
	}
	return strings.Join(common, "/")
}

// Divergence counts the directory levels by which two roots differ: the
// deeper one's depth minus the depth of their shared prefix.
func Divergence(a, b string) int {
	ac, bc := components(a), components(b)
	n := 0
	for n < len(ac) && n < len(bc) && ac[n] == bc[n] {
		n++
	}
	return max(len(ac), len(bc)) - n
}

// CheckCommonParent verifies that the root captured in an archive, the
// common parent of its directories, is close enough to the destination
// root. levels -1 disables the check, 0 requires the same path, N allows
// N diverging levels.
func CheckCommonParent(dirs []string, root string, levels int) error {
	if levels < 0 {
		return nil
	}
	captured := CommonParent(dirs)
	if d := Divergence(captured, root); d > levels {
		return fmt.Errorf("archive root /%s diverges from %s by %d level(s), %d allowed", captured, root, d, levels)
	}
	return nil
}
