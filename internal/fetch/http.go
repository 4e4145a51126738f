package fetch

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"time"

	"github.com/bookhound/bookhound/internal/fetch/progress"
	"github.com/bookhound/bookhound/internal/logctx"
	"github.com/dustin/go-humanize"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
)

const (
	dirPerm = 0755

	// progressInterval is how many bytes pass between progress reports.
	progressInterval = int64(1 * 1024 * 1024)
)

// HTTPFetcher downloads book artifacts from a mirror that serves content
// by hash. It writes into downloadDir and leaves the finished artifact
// behind for the post-acquisition hooks.
type HTTPFetcher struct {
	baseURL     string
	apiKey      string
	downloadDir string
	client      *http.Client
}

func NewHTTPFetcher(baseURL, apiKey, downloadDir string, timeout time.Duration) *HTTPFetcher {
	return &HTTPFetcher{
		baseURL:     baseURL,
		apiKey:      apiKey,
		downloadDir: downloadDir,
		client: &http.Client{
			Timeout:   timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
}

// Fetch streams the artifact for hash into the download directory. Quota
// responses (429 and 509) surface as *QuotaError so the queue can pick the
// slow backoff path.
func (f *HTTPFetcher) Fetch(ctx context.Context, hash string, opts Options) (*Result, error) {
	logger := logctx.LoggerFromContext(ctx).With("hash", hash)

	reportPhase(opts, PhaseWaiting, 0)

	downloadURL, err := f.mirrorURL(hash, opts.PreferredFormat)
	if err != nil {
		return nil, &NetworkError{Operation: "resolve_mirror", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, downloadURL, nil)
	if err != nil {
		return nil, &NetworkError{Operation: "download", Err: err}
	}

	if f.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+f.apiKey)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, &NetworkError{Operation: "download", Err: err}
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode == 509:
		return nil, &QuotaError{Mirror: req.URL.Host, RetryAfter: resp.Header.Get("Retry-After")}
	case resp.StatusCode < 200 || resp.StatusCode >= 300:
		return nil, &NetworkError{Operation: "download", StatusCode: resp.StatusCode}
	}

	targetPath := filepath.Join(f.downloadDir, hash+extensionFor(resp, opts.PreferredFormat))
	if err := os.MkdirAll(filepath.Dir(targetPath), dirPerm); err != nil {
		return nil, fmt.Errorf("failed to create download directory: %w", err)
	}

	out, err := os.Create(targetPath)
	if err != nil {
		return nil, fmt.Errorf("failed to create target file: %w", err)
	}
	defer out.Close()

	total := resp.ContentLength

	logger.Info("downloading artifact", "target", targetPath, "size", humanize.Bytes(uint64(max64(total, 0))))
	reportPhase(opts, PhaseDownloading, 0)

	pr := progress.NewReader(resp.Body, total, progressInterval, func(written, totalBytes int64) {
		if totalBytes > 0 {
			reportPhase(opts, PhaseDownloading, float64(written)*100/float64(totalBytes))
		}

		logger.Debug("download progress",
			"downloaded", humanize.Bytes(uint64(written)),
			"total", humanize.Bytes(uint64(max64(totalBytes, 0))))
	})

	written, err := io.Copy(out, pr)
	if err != nil {
		// Leave the partial file for cleanup to collect.
		return nil, &NetworkError{Operation: "download", Err: err}
	}

	reportPhase(opts, PhaseDownloading, 100)
	logger.Info("downloaded artifact", "target", targetPath, "size", humanize.Bytes(uint64(written)))

	return &Result{FilePath: targetPath, Size: total}, nil
}

func (f *HTTPFetcher) mirrorURL(hash, format string) (string, error) {
	u, err := url.Parse(f.baseURL)
	if err != nil {
		return "", err
	}

	u = u.JoinPath("d", hash)
	if format != "" {
		q := u.Query()
		q.Set("format", format)
		u.RawQuery = q.Encode()
	}

	return u.String(), nil
}

func reportPhase(opts Options, phase string, percent float64) {
	if opts.OnProgress != nil {
		opts.OnProgress(Progress{Phase: phase, Percent: percent})
	}
}

func extensionFor(resp *http.Response, preferred string) string {
	if preferred != "" {
		return "." + preferred
	}

	switch resp.Header.Get("Content-Type") {
	case "application/epub+zip":
		return ".epub"
	case "application/pdf":
		return ".pdf"
	case "application/x-mobipocket-ebook":
		return ".mobi"
	}

	return ""
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}

	return b
}
