package source

import (
	"context"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/poolboot/poolboot/internal/errkind"
)

// downloadTimeout bounds a single artifact download.
const downloadTimeout = 30 * time.Minute

// probeTimeout bounds the reachability probe.
const probeTimeout = 30 * time.Second

// probe checks URL reachability with a HEAD request.
func probe(ctx context.Context, url string) bool {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, url, http.NoBody)
	if err != nil {
		return false
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

// downloadToFile downloads url to destPath.
func downloadToFile(ctx context.Context, url, destPath string) error {
	ctx, cancel := context.WithTimeout(ctx, downloadTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return errors.Wrap(err, "create request")
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return errors.Wrapf(err, "download %s", url)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("download %s: HTTP %d %s", url, resp.StatusCode, resp.Status)
	}
	// Catch error pages served as 200 OK.
	if ct := resp.Header.Get("Content-Type"); strings.HasPrefix(ct, "text/html") {
		return errors.Newf("download %s: unexpected Content-Type %s", url, ct)
	}

	file, err := os.Create(destPath)
	if err != nil {
		return errors.Wrapf(err, "create file %s", destPath)
	}
	defer file.Close()

	if _, err := io.Copy(file, resp.Body); err != nil {
		return errors.Wrapf(err, "write file %s", destPath)
	}
	return nil
}

// fetchBody GETs a small text resource.
func fetchBody(ctx context.Context, url string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, http.NoBody)
	if err != nil {
		return "", errors.Wrap(err, "create request")
	}
	resp, err := http.DefaultClient.Do(req)
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

// LatestStamp queries the publication root for the most recent stamp.
func LatestStamp(ctx context.Context, env Env) (string, error) {
	url := strings.TrimSuffix(env.Config.SourceURL, "/") + "/latest"
	body, err := fetchBody(ctx, url)
	if err != nil {
		return "", errkind.OperationWrap(err, "query latest image")
	}
	return strings.TrimSpace(body), nil
}

// ListAvailable returns upstream stamps, newest first, from the image
// listing endpoint.
func ListAvailable(ctx context.Context, env Env) ([]string, error) {
	url := strings.TrimSuffix(env.Config.SourceURL, "/") + "/index"
	body, err := fetchBody(ctx, url)
	if err != nil {
		return nil, errkind.OperationWrap(err, "query image listing")
	}
	var stamps []string
	for _, line := range strings.Split(body, "\n") {
		line = strings.TrimSpace(line)
		if line != "" {
			stamps = append(stamps, line)
		}
	}
	sort.Sort(sort.Reverse(sort.StringSlice(stamps)))
	return stamps, nil
}
