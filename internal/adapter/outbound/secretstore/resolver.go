// Package secretstore resolves secret:// references used in config values.
// Production deployments point this at a real vault; this package ships a
// file-backed resolver suitable for local and development use.
package secretstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Resolver is the collaborator interface the serve command calls to turn a
// secret:// reference into a resolved value.
type Resolver interface {
	Resolve(ctx context.Context, ref string) (string, error)
}

// Reference is a parsed secret:// reference: secret://vault/<item>/<field>.
type Reference struct {
	Item  string
	Field string
}

// Parse parses a secret:// URI. It returns ok=false if raw is not a
// secret:// reference at all (callers treat those as literal values).
func Parse(raw string) (Reference, bool) {
	const prefix = "secret://vault/"
	if !strings.HasPrefix(raw, prefix) {
		return Reference{}, false
	}
	rest := strings.TrimPrefix(raw, prefix)
	parts := strings.SplitN(rest, "/", 2)
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return Reference{}, false
	}
	return Reference{Item: parts[0], Field: parts[1]}, true
}

// FileResolver resolves secret:// references against a directory of files
// named <item>.<field>, one secret value per file, trimmed of trailing
// newlines. Intended for local/dev use only.
type FileResolver struct {
	mu  sync.Mutex
	dir string
}

// NewFileResolver returns a Resolver rooted at dir.
func NewFileResolver(dir string) *FileResolver {
	return &FileResolver{dir: dir}
}

var _ Resolver = (*FileResolver)(nil)

// Resolve implements Resolver.
func (f *FileResolver) Resolve(_ context.Context, ref string) (string, error) {
	parsed, ok := Parse(ref)
	if !ok {
		return "", fmt.Errorf("secretstore: not a secret reference: %q", ref)
	}

	f.mu.Lock()
	defer f.mu.Unlock()

	path := filepath.Join(f.dir, parsed.Item+"."+parsed.Field)
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", fmt.Errorf("secretstore: read %s: %w", path, err)
	}
	return strings.TrimRight(string(raw), "\n"), nil
}

// ResolveAll walks a string, resolving any secret:// reference found as the
// entire string value (config values are all-or-nothing: a field is either
// a literal or a whole secret:// reference, never interpolated).
func ResolveAll(ctx context.Context, r Resolver, value string) (string, error) {
	if _, ok := Parse(value); !ok {
		return value, nil
	}
	return r.Resolve(ctx, value)
}
