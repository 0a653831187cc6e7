package tools

import (
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// Sandbox confines file skills to an explicit list of directories.
// Paths are judged after cleaning and after resolving symlinks, so
// neither "../" segments nor links can reach outside a root.
type Sandbox struct {
	roots   []string // symlink-resolved
	lexical []string // as configured, made absolute
}

// NewSandbox canonicalizes the allowed directories. Roots that do not
// exist yet are kept in cleaned absolute form. An empty list forbids
// every path.
func NewSandbox(dirs []string) (*Sandbox, error) {
	sb := &Sandbox{}
	for _, d := range dirs {
		if strings.TrimSpace(d) == "" {
			continue
		}
		abs, err := filepath.Abs(d)
		if err != nil {
			return nil, err
		}
		sb.lexical = append(sb.lexical, abs)
		if real, err := filepath.EvalSymlinks(abs); err == nil {
			abs = real
		}
		sb.roots = append(sb.roots, abs)
	}
	return sb, nil
}

// Roots returns the canonical allowed directories.
func (sb *Sandbox) Roots() []string { return append([]string(nil), sb.roots...) }

// Resolve returns the canonical form of path if it lies inside a root.
// Relative paths are taken relative to the first root. Any violation
// is a Forbidden [*SkillError].
func (sb *Sandbox) Resolve(path string) (string, error) {
	if len(sb.roots) == 0 {
		return "", forbidden("no directories are allowed for file access")
	}
	if strings.TrimSpace(path) == "" {
		return "", invalidInput("path is required")
	}
	if !filepath.IsAbs(path) {
		path = filepath.Join(sb.lexical[0], path)
	}
	clean := filepath.Clean(path)
	if !within(sb.lexical, clean) && !within(sb.roots, clean) {
		return "", forbidden("path %s is outside the allowed directories", path)
	}

	real, err := realPath(clean)
	if err != nil {
		return "", err
	}
	if !within(sb.roots, real) {
		return "", forbidden("path %s resolves outside the allowed directories", path)
	}
	return real, nil
}

func within(roots []string, p string) bool {
	for _, root := range roots {
		rel, err := filepath.Rel(root, p)
		if err != nil {
			continue
		}
		if rel == "." || (rel != ".." && !strings.HasPrefix(rel, ".."+string(filepath.Separator))) {
			return true
		}
	}
	return false
}

// realPath resolves symlinks in the longest existing prefix of p and
// reattaches the components that do not exist yet. A dangling link on
// the way is refused, since writing through it would land wherever it
// points.
func realPath(p string) (string, error) {
	var rest []string
	cur := p
	for {
		real, err := filepath.EvalSymlinks(cur)
		if err == nil {
			return filepath.Join(append([]string{real}, rest...)...), nil
		}
		if !errors.Is(err, fs.ErrNotExist) {
			return "", failed("resolve %s: %v", p, err)
		}
		if fi, lerr := os.Lstat(cur); lerr == nil && fi.Mode()&fs.ModeSymlink != 0 {
			return "", forbidden("path %s passes through a dangling symlink", p)
		}
		parent := filepath.Dir(cur)
		if parent == cur {
			return p, nil
		}
		rest = append([]string{filepath.Base(cur)}, rest...)
		cur = parent
	}
}
