package source

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"birdphotos/birdsync/internal/config"
)

// Filesystem lists the images directly inside Dir. Identifiers are Prefix + file name, which is
// the URL path the HTTP server exposes them under.
type Filesystem struct {
	Dir    string
	Prefix string
}

func NewFilesystem(dir, prefix string) *Filesystem {
	if prefix == "" {
		prefix = config.DefaultIdentifierPrefix
	}
	if !strings.HasSuffix(prefix, "/") {
		prefix += "/"
	}
	return &Filesystem{Dir: dir, Prefix: prefix}
}

func (f *Filesystem) Kind() string { return config.SourceFilesystem }

func (f *Filesystem) ListIdentifiers(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(f.Dir)
	if err != nil {
		return nil, fmt.Errorf("list image folder %s: %w", f.Dir, err)
	}
	ids := make([]string, 0, len(entries))
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if entry.IsDir() || !IsImageName(entry.Name()) {
			continue
		}
		ids = append(ids, f.Prefix+entry.Name())
	}
	return sortedUnique(ids), nil
}

func (f *Filesystem) FetchBytes(ctx context.Context, identifier string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	p, err := f.Path(identifier)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(p)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
		return nil, err
	}
	defer file.Close()
	return readLimited(file)
}

// Path maps an identifier back to its file, refusing anything outside Dir.
func (f *Filesystem) Path(identifier string) (string, error) {
	name, ok := strings.CutPrefix(identifier, f.Prefix)
	if !ok || name == "" || strings.ContainsAny(name, `/\`) || name == "." || name == ".." {
		return "", fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	return filepath.Join(f.Dir, name), nil
}
