package source

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
	storage "google.golang.org/api/storage/v1"

	"birdphotos/birdsync/internal/config"
)

// FirebaseDownloadBase is the public download host for Firebase Storage buckets.
const FirebaseDownloadBase = "https://firebasestorage.googleapis.com/v0/b/"

// GCS lists objects in a Google Cloud Storage (Firebase Storage) bucket. Identifiers are the
// token-less Firebase download URLs, so they stay stable between runs.
type GCS struct {
	svc    *storage.Service
	bucket string
	prefix string
}

func NewGCS(ctx context.Context, bucket, prefix string, opts ...option.ClientOption) (*GCS, error) {
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("gcs bucket is required")
	}
	svc, err := storage.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("create storage service: %w", err)
	}
	return &GCS{svc: svc, bucket: bucket, prefix: strings.TrimLeft(prefix, "/")}, nil
}

func (g *GCS) Kind() string { return config.SourceGCS }

func (g *GCS) ListIdentifiers(ctx context.Context) ([]string, error) {
	call := g.svc.Objects.List(g.bucket).Fields("nextPageToken", "items(name)")
	if g.prefix != "" {
		call = call.Prefix(g.prefix)
	}
	ids := make([]string, 0)
	err := call.Pages(ctx, func(page *storage.Objects) error {
		for _, obj := range page.Items {
			if obj == nil || !IsImageName(obj.Name) {
				continue
			}
			ids = append(ids, g.Identifier(obj.Name))
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list bucket %s: %w", g.bucket, err)
	}
	return sortedUnique(ids), nil
}

func (g *GCS) FetchBytes(ctx context.Context, identifier string) ([]byte, error) {
	name, err := g.ObjectName(identifier)
	if err != nil {
		return nil, err
	}
	resp, err := g.svc.Objects.Get(g.bucket, name).Context(ctx).Download()
	if err != nil {
		var apiErr *googleapi.Error
		if errors.As(err, &apiErr) && apiErr.Code == http.StatusNotFound {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, identifier)
		}
		return nil, fmt.Errorf("download %s: %w", name, err)
	}
	defer resp.Body.Close()
	return readLimited(resp.Body)
}

// Identifier returns the public download URL for an object name.
func (g *GCS) Identifier(name string) string {
	return FirebaseDownloadBase + g.bucket + "/o/" + url.PathEscape(name) + "?alt=media"
}

// ObjectName reverses Identifier. Identifiers that carry a download token are accepted too.
func (g *GCS) ObjectName(identifier string) (string, error) {
	rest, ok := strings.CutPrefix(identifier, FirebaseDownloadBase+g.bucket+"/o/")
	if !ok {
		return "", fmt.Errorf("%w: %s is not in bucket %s", ErrNotFound, identifier, g.bucket)
	}
	if i := strings.IndexByte(rest, '?'); i >= 0 {
		rest = rest[:i]
	}
	name, err := url.PathUnescape(rest)
	if err != nil || name == "" {
		return "", fmt.Errorf("%w: %s", ErrNotFound, identifier)
	}
	return name, nil
}
