package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/xvoice/xvoice/internal/observe"
)

// inferenceResponse is the JSON body returned by whisper.cpp's server when
// response_format=json.
type inferenceResponse struct {
	Text  *string `json:"text"`
	Error string  `json:"error"`
}

// dispatch posts the WAV file at path to the inference endpoint. Callers hold
// s.mu.
func (s *Supervisor) dispatch(ctx context.Context, path string) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	start := time.Now()
	text, kind, err := s.post(ctx, path)
	s.metrics.RecordTranscription(ctx, "worker", time.Since(start).Seconds(), kind)
	if err != nil {
		observe.Logger(ctx).Warn("worker request failed", "kind", kind, "err", err)
		return "", err
	}
	return text, nil
}

// post returns the cleaned text, or an error kind label and the error.
func (s *Supervisor) post(ctx context.Context, path string) (string, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", "io", fmt.Errorf("worker: read %s: %w", path, err)
	}

	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	fw, err := mw.CreateFormFile("file", filepath.Base(path))
	if err != nil {
		return "", "io", fmt.Errorf("worker: create form file: %w", err)
	}
	if _, err := fw.Write(data); err != nil {
		return "", "io", fmt.Errorf("worker: write audio: %w", err)
	}
	fields := [][2]string{
		{"response_format", "json"},
		{"temperature", strconv.FormatFloat(s.cfg.Temperature, 'f', -1, 64)},
	}
	if s.cfg.Language != "" {
		fields = append(fields, [2]string{"language", s.cfg.Language})
	}
	for _, f := range fields {
		if err := mw.WriteField(f[0], f[1]); err != nil {
			return "", "io", fmt.Errorf("worker: write %s field: %w", f[0], err)
		}
	}
	if err := mw.Close(); err != nil {
		return "", "io", fmt.Errorf("worker: close multipart writer: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.baseURL+s.cfg.InferencePath, &body)
	if err != nil {
		return "", "io", fmt.Errorf("worker: create request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.client.Do(req)
	if err != nil {
		return "", "network", fmt.Errorf("%w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return "", "network", fmt.Errorf("%w: read body: %w", ErrNetwork, err)
	}
	if resp.StatusCode != http.StatusOK {
		return "", "status", fmt.Errorf("%w: HTTP %d: %s", ErrBadResponse, resp.StatusCode, bytes.TrimSpace(raw))
	}

	var out inferenceResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", "malformed", fmt.Errorf("%w: parse JSON: %w", ErrBadResponse, err)
	}
	if out.Error != "" {
		return "", "status", fmt.Errorf("%w: %s", ErrBadResponse, out.Error)
	}
	if out.Text == nil {
		return "", "malformed", fmt.Errorf("%w: missing text field", ErrBadResponse)
	}
	return CleanText(*out.Text), "", nil
}
