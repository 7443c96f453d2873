package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	gcs "cloud.google.com/go/storage"
)

const (
	labelContentType  = "application/pdf"
	labelFetchTimeout = 30 * time.Second
	maxLabelSize      = 8 << 20
)

// LabelArchive downloads carrier label documents and stores them in the
// labels bucket so the signed-URL endpoint can serve them later.
type LabelArchive struct {
	client *gcs.Client
	bucket string
	http   *http.Client
}

// NewLabelArchive constructs a LabelArchive writing into the given bucket.
func NewLabelArchive(client *gcs.Client, bucket string) (*LabelArchive, error) {
	if client == nil {
		return nil, errors.New("label archive: storage client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("label archive: bucket is required")
	}
	return &LabelArchive{
		client: client,
		bucket: bucket,
		http:   &http.Client{Timeout: labelFetchTimeout},
	}, nil
}

// Archive fetches the label document from the carrier URL and stores it under
// the shipping-label object path. Returns the stored object name.
func (a *LabelArchive) Archive(ctx context.Context, trackingNumber, labelURL string) (string, error) {
	if a == nil || a.client == nil {
		return "", errors.New("label archive: not initialised")
	}
	labelURL = strings.TrimSpace(labelURL)
	if labelURL == "" {
		return "", errors.New("label archive: label url is required")
	}

	object, err := BuildObjectPath(PurposeShippingLabel, PathParams{TrackingNumber: trackingNumber})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, labelURL, nil)
	if err != nil {
		return "", fmt.Errorf("label archive: build request: %w", err)
	}
	resp, err := a.http.Do(req)
	if err != nil {
		return "", fmt.Errorf("label archive: fetch label: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("label archive: carrier returned status %d", resp.StatusCode)
	}

	writer := a.client.Bucket(a.bucket).Object(object).NewWriter(ctx)
	writer.ContentType = labelContentType
	if _, err := io.Copy(writer, io.LimitReader(resp.Body, maxLabelSize)); err != nil {
		_ = writer.Close()
		return "", fmt.Errorf("label archive: store label: %w", err)
	}
	if err := writer.Close(); err != nil {
		return "", fmt.Errorf("label archive: store label: %w", err)
	}
	return object, nil
}

// LabelSigner issues short-lived download URLs for archived label objects.
type LabelSigner struct {
	client *Client
	bucket string
}

// NewLabelSigner constructs a LabelSigner for the given bucket.
func NewLabelSigner(client *Client, bucket string) (*LabelSigner, error) {
	if client == nil {
		return nil, errors.New("label signer: signed url client is required")
	}
	bucket = strings.TrimSpace(bucket)
	if bucket == "" {
		return nil, errors.New("label signer: bucket is required")
	}
	return &LabelSigner{client: client, bucket: bucket}, nil
}

// SignedURL returns a download URL for the stored label object.
func (s *LabelSigner) SignedURL(ctx context.Context, object string, ttl time.Duration) (string, error) {
	if s == nil || s.client == nil {
		return "", errors.New("label signer: not initialised")
	}
	result, err := s.client.SignedURL(ctx, s.bucket, object, SignedURLOptions{
		Download: &DownloadOptions{
			Method:         http.MethodGet,
			ExpiresIn:      ttl,
			ResponseType:   labelContentType,
			AllowAnonymous: true,
		},
	})
	if err != nil {
		return "", err
	}
	return result.URL, nil
}
