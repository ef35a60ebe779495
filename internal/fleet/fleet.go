// Package fleet is the narrow query contract against the fleet's
// boot-configuration service: which image the fleet currently boots by
// default, and where the raw kernel/boot-archive artifacts for a given
// image live. Nothing else about the fleet API is modeled here.
package fleet

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/rs/zerolog"

	"github.com/poolboot/poolboot/internal/errkind"
)

// requestTimeout bounds a single query or artifact fetch.
const requestTimeout = 5 * time.Minute

// Client talks to the fleet boot-configuration service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Log     zerolog.Logger
}

func New(baseURL string, log zerolog.Logger) *Client {
	return &Client{
		BaseURL: strings.TrimSuffix(baseURL, "/"),
		HTTP:    &http.Client{Timeout: requestTimeout},
		Log:     log,
	}
}

// DefaultImage returns the stamp the fleet currently hands out as its
// default boot image.
func (c *Client) DefaultImage(ctx context.Context) (string, error) {
	body, err := c.get(ctx, c.BaseURL+"/default-image")
	if err != nil {
		return "", errkind.OperationWrap(err, "query fleet default image")
	}
	return strings.TrimSpace(body), nil
}

// Artifacts returns the relative artifact paths making up the platform
// payload of stamp, as published by the service (one path per line).
func (c *Client) Artifacts(ctx context.Context, stamp string) ([]string, error) {
	body, err := c.get(ctx, c.BaseURL+"/os/"+url.PathEscape(stamp)+"/artifacts")
	if err != nil {
		return nil, errkind.OperationWrap(err, "query fleet artifact paths")
	}
	var rels []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}
		rels = append(rels, strings.TrimPrefix(line, "/"))
	}
	if len(rels) == 0 {
		return nil, errkind.Operation("fleet reports no artifacts for %s", stamp)
	}
	return rels, nil
}

// FetchArtifact downloads one artifact of stamp into destRoot, preserving
// its relative path.
func (c *Client) FetchArtifact(ctx context.Context, stamp, rel, destRoot string) error {
	// Keep the artifact inside destRoot whatever the service says.
	rel = path.Clean(strings.TrimPrefix(rel, "/"))
	if rel == "." || strings.HasPrefix(rel, "..") {
		return errkind.Operation("fleet artifact path %q escapes the image tree", rel)
	}

	target := filepath.Join(destRoot, filepath.FromSlash(rel))
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return errors.Wrapf(err, "create artifact dir for %s", rel)
	}

	src := c.BaseURL + "/os/" + url.PathEscape(stamp) + "/" + rel
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, src, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errkind.OperationWrap(err, "fetch fleet artifact")
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return errkind.Operation("fetch %s: HTTP %d %s", src, resp.StatusCode, resp.Status)
	}

	f, err := os.Create(target)
	if err != nil {
		return errors.Wrapf(err, "create %s", target)
	}
	defer f.Close()
	if _, err := io.Copy(f, resp.Body); err != nil {
		return errors.Wrapf(err, "write %s", target)
	}
	c.Log.Debug().Str("artifact", rel).Str("stamp", stamp).Msg("fetched fleet artifact")
	return nil
}

func (c *Client) get(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return "", errors.Wrapf(err, "fetch %s", url)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", errors.Newf("fetch %s: HTTP %d %s", url, resp.StatusCode, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", errors.Wrapf(err, "read %s", url)
	}
	return string(data), nil
}
