// Package species suggests and enriches bird species names.
package species

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"path"
	"strings"
	"time"

	"go.uber.org/zap"
)

const (
	Unknown = "Unknown"

	topSuggestions = 3
)

// Recognizer posts image bytes to an image-recognition endpoint and keeps the top ranked
// taxon names.
type Recognizer struct {
	endpoint string
	token    string
	client   *http.Client
	logger   *zap.Logger
}

type RecognizerOptions struct {
	Endpoint string
	Token    string
	Timeout  time.Duration
	Client   *http.Client
	Logger   *zap.Logger
}

func NewRecognizer(opts RecognizerOptions) *Recognizer {
	r := &Recognizer{
		endpoint: strings.TrimSpace(opts.Endpoint),
		token:    strings.TrimSpace(opts.Token),
		client:   opts.Client,
		logger:   opts.Logger,
	}
	if r.client == nil {
		timeout := opts.Timeout
		if timeout <= 0 {
			timeout = 30 * time.Second
		}
		r.client = &http.Client{Timeout: timeout}
	}
	if r.logger == nil {
		r.logger = zap.NewNop()
	}
	return r
}

// Suggest returns up to three taxon names joined by ", ", or "Unknown" when the call fails or
// yields nothing.
func (r *Recognizer) Suggest(ctx context.Context, filename string, data []byte) string {
	names, err := r.Recognize(ctx, filename, data)
	if err != nil {
		r.logger.Warn("species recognition failed", zap.String("file", filename), zap.Error(err))
		return Unknown
	}
	if len(names) == 0 {
		return Unknown
	}
	return strings.Join(names, ", ")
}

// Recognize returns the top ranked taxon names in order.
func (r *Recognizer) Recognize(ctx context.Context, filename string, data []byte) ([]string, error) {
	if r.endpoint == "" {
		return nil, fmt.Errorf("recognizer endpoint not configured")
	}
	if len(data) == 0 {
		return nil, fmt.Errorf("no image data")
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	part, err := mw.CreateFormFile("image", path.Base(filename))
	if err != nil {
		return nil, err
	}
	if _, err := part.Write(data); err != nil {
		return nil, err
	}
	if err := mw.Close(); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.endpoint, &body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Accept", "application/json")
	if r.token != "" {
		req.Header.Set("Authorization", "Bearer "+r.token)
	}

	resp, err := r.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("recognizer status: %s", resp.Status)
	}

	var parsed struct {
		Results []struct {
			Taxon struct {
				Name string `json:"name"`
			} `json:"taxon"`
		} `json:"results"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 4<<20)).Decode(&parsed); err != nil {
		return nil, fmt.Errorf("decode recognizer response: %w", err)
	}

	names := make([]string, 0, topSuggestions)
	for _, res := range parsed.Results {
		name := strings.TrimSpace(res.Taxon.Name)
		if name == "" {
			continue
		}
		names = append(names, name)
		if len(names) == topSuggestions {
			break
		}
	}
	return names, nil
}
