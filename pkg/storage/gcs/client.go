// Package gcs reads objects from Google Cloud Storage over the JSON API.
package gcs

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"strings"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/google"

	"github.com/angelmondragon/pulse-engine/pkg/config"
	"github.com/angelmondragon/pulse-engine/pkg/logger"
)

const (
	readScope  = "https://www.googleapis.com/auth/devstorage.read_only"
	apiBaseURL = "https://storage.googleapis.com/storage/v1"
	uriScheme  = "gs://"
)

// ErrObjectNotFound is returned when the bucket or object does not exist.
var ErrObjectNotFound = errors.New("gcs object not found")

type Client struct {
	httpClient *http.Client
	baseURL    string
}

// NewClient authenticates with inline credentials, a credentials file, or
// the ambient application default credentials, in that order.
func NewClient(ctx context.Context, gcp config.GCPConfig, logg *logger.Logger) (*Client, error) {
	creds, err := credentials(ctx, gcp)
	if err != nil {
		return nil, err
	}
	client := &Client{
		httpClient: oauth2.NewClient(ctx, creds.TokenSource),
		baseURL:    apiBaseURL,
	}
	if logg != nil {
		logg.Info(ctx, "gcs client initialized")
	}
	return client, nil
}

func credentials(ctx context.Context, gcp config.GCPConfig) (*google.Credentials, error) {
	switch {
	case gcp.CredentialsJSON != "":
		return google.CredentialsFromJSON(ctx, []byte(gcp.CredentialsJSON), readScope)
	case gcp.ApplicationCredentials != "":
		raw, err := os.ReadFile(gcp.ApplicationCredentials)
		if err != nil {
			return nil, fmt.Errorf("reading credentials file: %w", err)
		}
		return google.CredentialsFromJSON(ctx, raw, readScope)
	default:
		creds, err := google.FindDefaultCredentials(ctx, readScope)
		if err != nil {
			return nil, fmt.Errorf("finding default credentials: %w", err)
		}
		return creds, nil
	}
}

// IsURI reports whether raw names a gs:// object.
func IsURI(raw string) bool {
	return strings.HasPrefix(strings.TrimSpace(raw), uriScheme)
}

// ParseURI splits gs://bucket/path/to/object.
func ParseURI(raw string) (bucket, object string, err error) {
	raw = strings.TrimSpace(raw)
	if !strings.HasPrefix(raw, uriScheme) {
		return "", "", fmt.Errorf("expected %sbucket/object, got %q", uriScheme, raw)
	}
	bucket, object, ok := strings.Cut(strings.TrimPrefix(raw, uriScheme), "/")
	if !ok || bucket == "" || object == "" {
		return "", "", fmt.Errorf("expected %sbucket/object, got %q", uriScheme, raw)
	}
	return bucket, object, nil
}

// Open streams the object's content. The caller closes the reader.
func (c *Client) Open(ctx context.Context, bucket, object string) (io.ReadCloser, error) {
	if c == nil || c.httpClient == nil {
		return nil, errors.New("gcs client not initialized")
	}
	u := fmt.Sprintf("%s/b/%s/o/%s?alt=media", c.baseURL, url.PathEscape(bucket), url.PathEscape(object))
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("gcs get %s/%s: %w", bucket, object, err)
	}
	switch {
	case resp.StatusCode == http.StatusOK:
		return resp.Body, nil
	case resp.StatusCode == http.StatusNotFound:
		_ = resp.Body.Close()
		return nil, fmt.Errorf("%w: %s/%s", ErrObjectNotFound, bucket, object)
	default:
		defer func() { _ = resp.Body.Close() }()
		b, _ := io.ReadAll(io.LimitReader(resp.Body, 2048))
		if len(b) > 0 {
			return nil, fmt.Errorf("gcs get %s/%s: %s: %s", bucket, object, resp.Status, strings.TrimSpace(string(b)))
		}
		return nil, fmt.Errorf("gcs get %s/%s: %s", bucket, object, resp.Status)
	}
}

// OpenURI is Open for a gs:// URI.
func (c *Client) OpenURI(ctx context.Context, uri string) (io.ReadCloser, error) {
	bucket, object, err := ParseURI(uri)
	if err != nil {
		return nil, err
	}
	return c.Open(ctx, bucket, object)
}
