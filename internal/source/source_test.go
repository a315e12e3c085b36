package source

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"reflect"
	"sort"
	"strconv"
	"strings"
	"testing"
	"time"

	"google.golang.org/api/option"
)

func TestFilesystemListsImagesCaseInsensitive(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	for _, name := range []string{"b.jpg", "A.JPG", "heron.Jpeg", "notes.txt", "wren.png", ".hidden"} {
		if err := os.WriteFile(filepath.Join(dir, name), []byte(name), 0o600); err != nil {
			t.Fatalf("write fixture: %v", err)
		}
	}
	if err := os.Mkdir(filepath.Join(dir, "nested.jpg"), 0o750); err != nil {
		t.Fatalf("mkdir: %v", err)
	}

	fsrc := NewFilesystem(dir, "/images")
	ids, err := fsrc.ListIdentifiers(context.Background())
	if err != nil {
		t.Fatalf("ListIdentifiers: %v", err)
	}
	want := []string{"/images/A.JPG", "/images/b.jpg", "/images/heron.Jpeg", "/images/wren.png"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ListIdentifiers = %v, want %v", ids, want)
	}

	data, err := fsrc.FetchBytes(context.Background(), "/images/b.jpg")
	if err != nil {
		t.Fatalf("FetchBytes: %v", err)
	}
	if string(data) != "b.jpg" {
		t.Fatalf("FetchBytes = %q", data)
	}
}

func TestFilesystemMissingFolderFails(t *testing.T) {
	t.Parallel()

	fsrc := NewFilesystem(filepath.Join(t.TempDir(), "missing"), "")
	if _, err := fsrc.ListIdentifiers(context.Background()); err == nil {
		t.Fatalf("expected an error listing a missing folder")
	}
}

func TestFilesystemRejectsEscapes(t *testing.T) {
	t.Parallel()

	fsrc := NewFilesystem(t.TempDir(), "/images/")
	for _, id := range []string{"/images/../secret.jpg", "/other/a.jpg", "/images/", "/images/sub/a.jpg"} {
		if _, err := fsrc.FetchBytes(context.Background(), id); !errors.Is(err, ErrNotFound) {
			t.Fatalf("FetchBytes(%q) error = %v, want ErrNotFound", id, err)
		}
	}
	if _, err := fsrc.FetchBytes(context.Background(), "/images/gone.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing file error = %v, want ErrNotFound", err)
	}
}

func TestIsImageName(t *testing.T) {
	t.Parallel()

	cases := map[string]bool{
		"birds/robin.JPG": true,
		"robin.heic":      true,
		"birds/":          false,
		"birds/notes.md":  false,
		"":                false,
	}
	for name, want := range cases {
		if got := IsImageName(name); got != want {
			t.Fatalf("IsImageName(%q) = %v, want %v", name, got, want)
		}
	}
}

func TestGCSListAndFetch(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case strings.HasSuffix(r.URL.Path, "/b/bird-pictures/o") && r.URL.Query().Get("pageToken") == "":
			if got := r.URL.Query().Get("prefix"); got != "uploads/" {
				t.Errorf("prefix = %q, want uploads/", got)
			}
			writeJSON(w, map[string]any{
				"items": []map[string]string{
					{"name": "uploads/Heron.JPG"},
					{"name": "uploads/readme.txt"},
				},
				"nextPageToken": "page-2",
			})
		case strings.HasSuffix(r.URL.Path, "/b/bird-pictures/o"):
			writeJSON(w, map[string]any{
				"items": []map[string]string{{"name": "uploads/wren.png"}},
			})
		case strings.Contains(r.URL.Path, "/b/bird-pictures/o/") && r.URL.Query().Get("alt") == "media":
			if strings.HasSuffix(r.URL.Path, "missing.jpg") {
				w.WriteHeader(http.StatusNotFound)
				writeJSON(w, map[string]any{"error": map[string]any{"code": 404, "message": "No such object"}})
				return
			}
			_, _ = w.Write([]byte("image-bytes"))
		default:
			t.Errorf("unexpected request %s %s", r.Method, r.URL.String())
			w.WriteHeader(http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	src, err := NewGCS(context.Background(), "bird-pictures", "uploads/",
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewGCS: %v", err)
	}

	ids, err := src.ListIdentifiers(context.Background())
	if err != nil {
		t.Fatalf("ListIdentifiers: %v", err)
	}
	want := []string{
		"https://firebasestorage.googleapis.com/v0/b/bird-pictures/o/uploads%2FHeron.JPG?alt=media",
		"https://firebasestorage.googleapis.com/v0/b/bird-pictures/o/uploads%2Fwren.png?alt=media",
	}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ListIdentifiers = %v, want %v", ids, want)
	}

	data, err := src.FetchBytes(context.Background(), ids[1])
	if err != nil {
		t.Fatalf("FetchBytes: %v", err)
	}
	if string(data) != "image-bytes" {
		t.Fatalf("FetchBytes = %q", data)
	}

	_, err = src.FetchBytes(context.Background(), src.Identifier("uploads/missing.jpg"))
	if !errors.Is(err, ErrNotFound) {
		t.Fatalf("FetchBytes missing error = %v, want ErrNotFound", err)
	}
}

func TestGCSListFailureIsReported(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusForbidden)
		writeJSON(w, map[string]any{"error": map[string]any{"code": 403, "message": "denied"}})
	}))
	defer srv.Close()

	src, err := NewGCS(context.Background(), "bird-pictures", "",
		option.WithEndpoint(srv.URL+"/storage/v1/"),
		option.WithoutAuthentication(),
		option.WithHTTPClient(srv.Client()),
	)
	if err != nil {
		t.Fatalf("NewGCS: %v", err)
	}
	if _, err := src.ListIdentifiers(context.Background()); err == nil {
		t.Fatalf("expected listing error")
	}
}

func TestGCSObjectNameRoundTrip(t *testing.T) {
	t.Parallel()

	g := &GCS{bucket: "bird-pictures"}
	id := g.Identifier("2024/May 1/finch #2.jpg")
	name, err := g.ObjectName(id)
	if err != nil {
		t.Fatalf("ObjectName: %v", err)
	}
	if name != "2024/May 1/finch #2.jpg" {
		t.Fatalf("ObjectName = %q", name)
	}
	if _, err := g.ObjectName("https://firebasestorage.googleapis.com/v0/b/other/o/a.jpg?alt=media"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign bucket error = %v, want ErrNotFound", err)
	}
	withToken := "https://firebasestorage.googleapis.com/v0/b/bird-pictures/o/a.jpg?alt=media&token=abc"
	if name, err := g.ObjectName(withToken); err != nil || name != "a.jpg" {
		t.Fatalf("ObjectName(token url) = %q, %v", name, err)
	}
}

func TestS3IdentifierMapping(t *testing.T) {
	t.Parallel()

	s, err := NewS3(S3Options{Endpoint: "localhost:9000", Bucket: "images", AccessKey: "k", SecretKey: "s"})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	if s.Kind() != "s3" {
		t.Fatalf("Kind = %q", s.Kind())
	}
	id := s.Identifier("2024/robin.jpg")
	if id != "s3://images/2024/robin.jpg" {
		t.Fatalf("Identifier = %q", id)
	}
	key, err := s.ObjectKey(id)
	if err != nil || key != "2024/robin.jpg" {
		t.Fatalf("ObjectKey = %q, %v", key, err)
	}
	if _, err := s.ObjectKey("s3://other/robin.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("foreign bucket error = %v, want ErrNotFound", err)
	}
	if _, err := NewS3(S3Options{Endpoint: "localhost:9000"}); err == nil {
		t.Fatalf("expected error without bucket")
	}
}

// newFakeS3 serves path-style S3 requests for a single bucket.
func newFakeS3(t *testing.T, bucket string, objects map[string]string) *httptest.Server {
	t.Helper()

	modified := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		name, key, _ := strings.Cut(strings.TrimPrefix(r.URL.Path, "/"), "/")
		if name != bucket {
			if r.Method == http.MethodHead {
				w.WriteHeader(http.StatusNotFound)
				return
			}
			writeS3Error(w, http.StatusNotFound, "NoSuchBucket")
			return
		}
		switch {
		case r.Method == http.MethodHead && key == "":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodGet && r.URL.Query().Get("list-type") == "2":
			prefix := r.URL.Query().Get("prefix")
			keys := make([]string, 0, len(objects))
			for k := range objects {
				if strings.HasPrefix(k, prefix) {
					keys = append(keys, k)
				}
			}
			sort.Strings(keys)
			var body strings.Builder
			body.WriteString(`<?xml version="1.0" encoding="UTF-8"?>`)
			body.WriteString(`<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">`)
			fmt.Fprintf(&body, "<Name>%s</Name><Prefix>%s</Prefix><KeyCount>%d</KeyCount>", bucket, prefix, len(keys))
			body.WriteString("<MaxKeys>1000</MaxKeys><IsTruncated>false</IsTruncated>")
			for _, k := range keys {
				fmt.Fprintf(&body, "<Contents><Key>%s</Key><LastModified>%s</LastModified><ETag>&quot;e&quot;</ETag><Size>%d</Size><StorageClass>STANDARD</StorageClass></Contents>",
					k, modified.Format(time.RFC3339), len(objects[k]))
			}
			body.WriteString("</ListBucketResult>")
			w.Header().Set("Content-Type", "application/xml")
			_, _ = io.WriteString(w, body.String())
		case r.Method == http.MethodGet && key != "":
			data, ok := objects[key]
			if !ok {
				writeS3Error(w, http.StatusNotFound, "NoSuchKey")
				return
			}
			w.Header().Set("Content-Type", "image/jpeg")
			w.Header().Set("Content-Length", strconv.Itoa(len(data)))
			w.Header().Set("Last-Modified", modified.Format(http.TimeFormat))
			w.Header().Set("ETag", `"e"`)
			_, _ = io.WriteString(w, data)
		default:
			writeS3Error(w, http.StatusNotImplemented, "NotImplemented")
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeS3Error(w http.ResponseWriter, status int, code string) {
	w.Header().Set("Content-Type", "application/xml")
	w.WriteHeader(status)
	fmt.Fprintf(w, `<?xml version="1.0" encoding="UTF-8"?><Error><Code>%s</Code><Message>%s</Message></Error>`, code, code)
}

func newTestS3(t *testing.T, srv *httptest.Server, bucket, prefix string) *S3 {
	t.Helper()

	s, err := NewS3(S3Options{
		Endpoint:  strings.TrimPrefix(srv.URL, "http://"),
		AccessKey: "k",
		SecretKey: "s",
		Bucket:    bucket,
		Prefix:    prefix,
		Region:    "us-east-1",
	})
	if err != nil {
		t.Fatalf("NewS3: %v", err)
	}
	return s
}

func TestS3ListAndFetch(t *testing.T) {
	t.Parallel()

	srv := newFakeS3(t, "birds", map[string]string{
		"2024/heron.JPG":   "heron bytes",
		"2024/notes.txt":   "not an image",
		"2024/wren.webp":   "wren bytes",
		"archive/owl.jpeg": "owl bytes",
	})
	s := newTestS3(t, srv, "birds", "")
	ctx := context.Background()

	ids, err := s.ListIdentifiers(ctx)
	if err != nil {
		t.Fatalf("ListIdentifiers: %v", err)
	}
	want := []string{"s3://birds/2024/heron.JPG", "s3://birds/2024/wren.webp", "s3://birds/archive/owl.jpeg"}
	if !reflect.DeepEqual(ids, want) {
		t.Fatalf("ListIdentifiers = %v, want %v", ids, want)
	}

	data, err := s.FetchBytes(ctx, "s3://birds/2024/wren.webp")
	if err != nil || string(data) != "wren bytes" {
		t.Fatalf("FetchBytes = %q, %v", data, err)
	}
	if _, err := s.FetchBytes(ctx, "s3://birds/2024/gone.jpg"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("missing object error = %v, want ErrNotFound", err)
	}

	scoped := newTestS3(t, srv, "birds", "archive/")
	ids, err = scoped.ListIdentifiers(ctx)
	if err != nil || !reflect.DeepEqual(ids, []string{"s3://birds/archive/owl.jpeg"}) {
		t.Fatalf("prefixed ListIdentifiers = %v, %v", ids, err)
	}
}

func TestS3MissingBucketFails(t *testing.T) {
	t.Parallel()

	srv := newFakeS3(t, "birds", nil)
	s := newTestS3(t, srv, "gone", "")
	ids, err := s.ListIdentifiers(context.Background())
	if err == nil || !strings.Contains(err.Error(), "does not exist") {
		t.Fatalf("ListIdentifiers = %v, %v, want missing bucket error", ids, err)
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(v)
}
