package frameset

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// HTTPJob invokes an externally hosted cropping/transcoding job over
// HTTP and reads back the chunk manifest it produced. The job itself
// (frame decode, crop, re-encode) is out of scope for this core; this
// type only speaks the handoff protocol.
type HTTPJob struct {
	endpoint string
	client   *http.Client
}

func NewHTTPJob(endpoint string, timeout time.Duration) *HTTPJob {
	return &HTTPJob{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

type chunkManifestEntry struct {
	Key         string `json:"key"`
	DownloadURL string `json:"downloadUrl"`
	Bytes       int64  `json:"bytes"`
}

func (j *HTTPJob) Run(ctx context.Context, in JobInput) ([]Chunk, error) {
	body, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("frameset: marshal job input: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, j.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("frameset: build job request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := j.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("frameset: crop job request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("frameset: crop job returned status %d", resp.StatusCode)
	}

	var manifest []chunkManifestEntry
	if err := json.NewDecoder(resp.Body).Decode(&manifest); err != nil {
		return nil, fmt.Errorf("frameset: decode chunk manifest: %w", err)
	}

	chunks := make([]Chunk, 0, len(manifest))
	for _, entry := range manifest {
		chunkResp, err := j.client.Get(entry.DownloadURL)
		if err != nil {
			return nil, fmt.Errorf("frameset: download chunk %s: %w", entry.Key, err)
		}
		chunks = append(chunks, Chunk{
			Key:    entry.Key,
			Reader: chunkResp.Body,
			Bytes:  entry.Bytes,
		})
	}
	return chunks, nil
}
