// Package source enumerates and fetches the authoritative set of bird photos.
package source

import (
	"context"
	"errors"
	"fmt"
	"io"
	"path"
	"sort"
	"strings"

	"birdphotos/birdsync/internal/config"
)

// MaxImageBytes caps a single download.
const MaxImageBytes = 64 << 20

var (
	ErrNotFound = errors.New("image not found")
	ErrTooLarge = errors.New("image exceeds size limit")
)

// ImageSource is a place photos live. Identifiers are stable across runs and are what the
// catalog stores as its natural key.
type ImageSource interface {
	Kind() string
	ListIdentifiers(ctx context.Context) ([]string, error)
	FetchBytes(ctx context.Context, identifier string) ([]byte, error)
}

// IsImageName reports whether an object or file name has a recognized image extension.
func IsImageName(name string) bool {
	base := path.Base(strings.ReplaceAll(name, "\\", "/"))
	if base == "." || base == "/" || strings.HasSuffix(name, "/") {
		return false
	}
	return config.IsSupportedImage(base)
}

func readLimited(r io.Reader) ([]byte, error) {
	data, err := io.ReadAll(io.LimitReader(r, MaxImageBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > MaxImageBytes {
		return nil, fmt.Errorf("%w (%d bytes)", ErrTooLarge, MaxImageBytes)
	}
	return data, nil
}

func sortedUnique(ids []string) []string {
	sort.Strings(ids)
	out := ids[:0]
	for i, id := range ids {
		if i > 0 && id == ids[i-1] {
			continue
		}
		out = append(out, id)
	}
	return out
}
