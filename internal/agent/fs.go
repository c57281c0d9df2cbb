package agent

import (
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// FileSystem is the collaborator behind Upload and Download.
type FileSystem interface {
	WriteFile(path string, data []byte) error
	ReadFile(path string) ([]byte, error)
}

// LocalFS reads and writes the local disk. With a root, every path
// (absolute or relative) is resolved under it and may not escape it.
// Without one, paths are used as given.
type LocalFS struct {
	root string
}

func NewLocalFS(root string) LocalFS {
	return LocalFS{root: strings.TrimSpace(root)}
}

func (l LocalFS) Root() string {
	return l.root
}

// WriteFile creates missing parent directories, then writes data.
func (l LocalFS) WriteFile(path string, data []byte) error {
	p, err := l.resolvePath(path)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
		return err
	}
	return os.WriteFile(p, data, 0o644)
}

func (l LocalFS) ReadFile(path string) ([]byte, error) {
	p, err := l.resolvePath(path)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(p)
}

func (l LocalFS) resolvePath(pathArg string) (string, error) {
	if strings.TrimSpace(pathArg) == "" {
		return "", fmt.Errorf("agent.fs: missing path: %w", fs.ErrInvalid)
	}
	if l.root == "" {
		return pathArg, nil
	}
	root, err := filepath.Abs(l.root)
	if err != nil {
		return "", err
	}
	p := filepath.Clean(filepath.Join(root, pathArg))
	if !isWithin(p, root) {
		return "", fmt.Errorf("agent.fs: path %q escapes root: %w", pathArg, fs.ErrPermission)
	}
	return p, nil
}

func isWithin(path string, root string) bool {
	p := filepath.Clean(path)
	r := filepath.Clean(root)
	if p == r {
		return true
	}
	return strings.HasPrefix(p, r+string(os.PathSeparator))
}
