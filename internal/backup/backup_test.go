package backup

import (
	"archive/tar"
	"bytes"
	"compress/gzip"
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"go.uber.org/zap/zaptest"

	"birdphotos/birdsync/internal/db"
)

func TestRunToFileProducesReadableSnapshot(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	dir := t.TempDir()
	store := openTestStore(t, filepath.Join(dir, "birds.db"))
	if _, err := store.InsertPhoto(ctx, &db.PhotoRecord{Identifier: "/images/kestrel.jpg", PlaceName: "Denver"}); err != nil {
		t.Fatalf("InsertPhoto: %v", err)
	}
	cache := filepath.Join(dir, "species_cache.json")
	if err := os.WriteFile(cache, []byte(`["American Kestrel"]`), 0o644); err != nil {
		t.Fatalf("write cache: %v", err)
	}

	dest := filepath.Join(dir, "out", "catalog.tar.gz")
	m := NewManager(store, zaptest.NewLogger(t), cache, filepath.Join(dir, "missing.json"))
	res, err := m.Run(ctx, FileSink{Path: dest})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if res.Files != 2 || res.Destination != dest {
		t.Fatalf("result = %+v", res)
	}

	files := readArchive(t, dest)
	var dbName string
	for name := range files {
		if strings.HasSuffix(name, "/birds.db") {
			dbName = name
		}
	}
	if dbName == "" || !containsSuffix(files, "/manifest.json") || !containsSuffix(files, "/species_cache.json") {
		t.Fatalf("archive entries = %v", keys(files))
	}

	restored := filepath.Join(dir, "restored.db")
	if err := os.WriteFile(restored, files[dbName], 0o644); err != nil {
		t.Fatalf("write restored db: %v", err)
	}
	copyStore := openTestStore(t, restored)
	rec, err := copyStore.GetPhotoByIdentifier(ctx, "/images/kestrel.jpg")
	if err != nil || rec == nil || rec.PlaceName != "Denver" {
		t.Fatalf("restored row = %+v, %v", rec, err)
	}
}

func TestRunToHTTP(t *testing.T) {
	t.Parallel()

	var gotAuth, gotType string
	var gotLen int
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotType = r.Header.Get("Content-Type")
		body, _ := io.ReadAll(r.Body)
		gotLen = len(body)
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	store := openTestStore(t, filepath.Join(t.TempDir(), "birds.db"))
	m := NewManager(store, zaptest.NewLogger(t))
	if _, err := m.Run(context.Background(), HTTPSink{URL: srv.URL + "/backups/latest", Token: "tok"}); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if gotAuth != "Bearer tok" || gotType != "application/gzip" || gotLen == 0 {
		t.Fatalf("upload auth=%q type=%q len=%d", gotAuth, gotType, gotLen)
	}
}

func TestRunReportsUploadFailure(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "quota exceeded", http.StatusInsufficientStorage)
	}))
	defer srv.Close()

	store := openTestStore(t, filepath.Join(t.TempDir(), "birds.db"))
	m := NewManager(store, zaptest.NewLogger(t))
	_, err := m.Run(context.Background(), HTTPSink{URL: srv.URL})
	if err == nil || !strings.Contains(err.Error(), "507") {
		t.Fatalf("Run error = %v, want upload status", err)
	}
}

func TestParseS3URL(t *testing.T) {
	t.Parallel()

	bucket, key, err := ParseS3URL("s3://backups/birds/2024.tar.gz")
	if err != nil || bucket != "backups" || key != "birds/2024.tar.gz" {
		t.Fatalf("ParseS3URL = %q, %q, %v", bucket, key, err)
	}
	for _, bad := range []string{"s3://backups", "s3:///key", "/tmp/x.tar.gz"} {
		if _, _, err := ParseS3URL(bad); err == nil {
			t.Fatalf("ParseS3URL(%q) should fail", bad)
		}
	}
}

func readArchive(t *testing.T, path string) map[string][]byte {
	t.Helper()

	raw, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("read archive: %v", err)
	}
	gz, err := gzip.NewReader(bytes.NewReader(raw))
	if err != nil {
		t.Fatalf("gzip: %v", err)
	}
	tr := tar.NewReader(gz)
	out := map[string][]byte{}
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			t.Fatalf("tar: %v", err)
		}
		body, err := io.ReadAll(tr)
		if err != nil {
			t.Fatalf("tar body: %v", err)
		}
		out[hdr.Name] = body
	}
	return out
}

func containsSuffix(files map[string][]byte, suffix string) bool {
	for name := range files {
		if strings.HasSuffix(name, suffix) {
			return true
		}
	}
	return false
}

func keys(files map[string][]byte) []string {
	out := make([]string, 0, len(files))
	for name := range files {
		out = append(out, name)
	}
	return out
}

func openTestStore(t *testing.T, path string) *db.Store {
	t.Helper()

	store, err := db.Open(path)
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
