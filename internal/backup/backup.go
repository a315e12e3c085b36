// Package backup streams a consistent copy of the catalog to a file, an S3 bucket or an HTTP
// endpoint.
package backup

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/minio/minio-go/v7"
	"go.uber.org/zap"

	"birdphotos/birdsync/internal/db"
)

var ErrBusy = errors.New("backup already running")

// Sink receives the gzipped tar stream.
type Sink interface {
	Write(ctx context.Context, r io.Reader) error
	String() string
}

type Result struct {
	Destination string `json:"destination"`
	Files       int    `json:"files"`
	Bytes       int64  `json:"bytes"`
	StartedAt   string `json:"started_at"`
	FinishedAt  string `json:"finished_at"`
}

type Manager struct {
	store  *db.Store
	extras []string
	logger *zap.Logger

	mu      sync.Mutex
	running bool
}

// NewManager backs up store plus any extra files that exist at run time, such as the taxonomy
// cache.
func NewManager(store *db.Store, logger *zap.Logger, extras ...string) *Manager {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{store: store, extras: extras, logger: logger}
}

func (m *Manager) Run(ctx context.Context, sink Sink) (Result, error) {
	m.mu.Lock()
	if m.running {
		m.mu.Unlock()
		return Result{}, ErrBusy
	}
	m.running = true
	m.mu.Unlock()
	defer func() {
		m.mu.Lock()
		m.running = false
		m.mu.Unlock()
	}()

	res := Result{Destination: sink.String(), StartedAt: time.Now().UTC().Format(time.RFC3339)}

	tmpDir, err := os.MkdirTemp("", "birdsync-backup-")
	if err != nil {
		return res, fmt.Errorf("create snapshot dir: %w", err)
	}
	defer os.RemoveAll(tmpDir)

	snapshot := filepath.Join(tmpDir, "birds.db")
	if _, err := m.store.DB.ExecContext(ctx, `VACUUM INTO ?`, snapshot); err != nil {
		return res, fmt.Errorf("snapshot catalog: %w", err)
	}

	reader, writer := io.Pipe()
	producerErr := make(chan error, 1)
	go func() {
		err := m.writeArchive(writer, snapshot, &res)
		_ = writer.CloseWithError(err)
		producerErr <- err
	}()

	transferErr := sink.Write(ctx, reader)
	if transferErr != nil {
		_ = reader.CloseWithError(transferErr)
	}
	archiveErr := <-producerErr
	if transferErr != nil {
		return res, fmt.Errorf("write to %s: %w", sink, transferErr)
	}
	if archiveErr != nil {
		return res, archiveErr
	}

	res.FinishedAt = time.Now().UTC().Format(time.RFC3339)
	m.logger.Info("backup completed",
		zap.String("destination", res.Destination),
		zap.Int("files", res.Files),
		zap.Int64("bytes", res.Bytes))
	return res, nil
}

func (m *Manager) writeArchive(w io.Writer, snapshot string, res *Result) error {
	gz := gzip.NewWriter(w)
	tw := tar.NewWriter(gz)

	root := "birdsync-backup-" + time.Now().UTC().Format("20060102-150405")
	files := []string{snapshot}
	for _, extra := range m.extras {
		if info, err := os.Stat(extra); err == nil && info.Mode().IsRegular() {
			files = append(files, extra)
		}
	}
	names := make([]string, 0, len(files))
	for _, f := range files {
		names = append(names, filepath.Base(f))
	}
	manifest := map[string]any{
		"created_at":     res.StartedAt,
		"files":          names,
		"archive_format": "tar.gz",
	}
	manifestJSON, _ := json.MarshalIndent(manifest, "", "  ")
	if err := writeTarBytes(tw, root+"/manifest.json", manifestJSON); err != nil {
		return err
	}

	for _, path := range files {
		info, err := os.Stat(path)
		if err != nil {
			return err
		}
		if err := writeTarFile(tw, root+"/"+filepath.Base(path), path, info); err != nil {
			return err
		}
		res.Files++
		res.Bytes += info.Size()
	}

	if err := tw.Close(); err != nil {
		return err
	}
	return gz.Close()
}

func writeTarFile(tw *tar.Writer, arcName, path string, info os.FileInfo) error {
	hdr, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	hdr.Name = filepath.ToSlash(arcName)
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()
	_, err = io.Copy(tw, f)
	return err
}

func writeTarBytes(tw *tar.Writer, arcName string, body []byte) error {
	hdr := &tar.Header{
		Name:    filepath.ToSlash(arcName),
		Mode:    0o640,
		Size:    int64(len(body)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return err
	}
	_, err := tw.Write(body)
	return err
}

// FileSink writes the archive to a local path, replacing it atomically.
type FileSink struct {
	Path string
}

func (f FileSink) String() string { return f.Path }

func (f FileSink) Write(ctx context.Context, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(f.Path), 0o750); err != nil {
		return err
	}
	tmp := f.Path + ".partial"
	out, err := os.OpenFile(tmp, os.O_CREATE|os.O_WRONLY|os.O_TRUNC, 0o640)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, r); err != nil {
		_ = out.Close()
		_ = os.Remove(tmp)
		return err
	}
	if err := out.Close(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	if err := ctx.Err(); err != nil {
		_ = os.Remove(tmp)
		return err
	}
	return os.Rename(tmp, f.Path)
}

// HTTPSink uploads the archive with PUT, optionally with a bearer token.
type HTTPSink struct {
	URL    string
	Token  string
	Client *http.Client
}

func (h HTTPSink) String() string { return h.URL }

func (h HTTPSink) Write(ctx context.Context, r io.Reader) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, h.URL, r)
	if err != nil {
		return fmt.Errorf("build upload request: %w", err)
	}
	req.Header.Set("Content-Type", "application/gzip")
	if strings.TrimSpace(h.Token) != "" {
		req.Header.Set("Authorization", "Bearer "+strings.TrimSpace(h.Token))
	}
	client := h.Client
	if client == nil {
		client = &http.Client{}
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("upload failed: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("upload failed: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
	return nil
}

// S3Sink streams the archive into an S3-compatible bucket.
type S3Sink struct {
	Client *minio.Client
	Bucket string
	Key    string
}

func (s S3Sink) String() string { return "s3://" + s.Bucket + "/" + s.Key }

func (s S3Sink) Write(ctx context.Context, r io.Reader) error {
	_, err := s.Client.PutObject(ctx, s.Bucket, s.Key, r, -1, minio.PutObjectOptions{
		ContentType: "application/gzip",
	})
	return err
}

// ParseS3URL splits s3://bucket/key.
func ParseS3URL(raw string) (bucket, key string, err error) {
	rest, ok := strings.CutPrefix(raw, "s3://")
	if !ok {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	bucket, key, _ = strings.Cut(rest, "/")
	if bucket == "" || strings.TrimSpace(key) == "" {
		return "", "", fmt.Errorf("s3 destination must be s3://bucket/key, got %q", raw)
	}
	return bucket, key, nil
}
