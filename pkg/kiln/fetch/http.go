package fetch

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/hashicorp/go-retryablehttp"
	log "github.com/sirupsen/logrus"
	"golang.org/x/xerrors"

	"github.com/gitpod-io/kiln/pkg/kiln/errs"
	"github.com/gitpod-io/kiln/pkg/kiln/policy"
)

// HTTPFetcher downloads payloads with retries
type HTTPFetcher struct {
	client *retryablehttp.Client
}

// NewHTTPFetcher produces an HTTP fetcher logging to l
func NewHTTPFetcher(l log.FieldLogger) *HTTPFetcher {
	client := retryablehttp.NewClient()
	client.RetryMax = 4
	client.RetryWaitMin = 500 * time.Millisecond
	client.RetryWaitMax = 10 * time.Second
	client.Logger = leveledLogger{l}
	return &HTTPFetcher{client: client}
}

// Download writes the body of url to w
func (h *HTTPFetcher) Download(ctx context.Context, url string, w io.Writer) error {
	req, err := retryablehttp.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return xerrors.Errorf("cannot create request for %s: %w", url, err)
	}
	resp, err := h.client.Do(req)
	if err != nil {
		return xerrors.Errorf("cannot download %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return xerrors.Errorf("cannot download %s: unexpected status %s", url, resp.Status)
	}
	if _, err := io.Copy(w, resp.Body); err != nil {
		return xerrors.Errorf("cannot download %s: %w", url, err)
	}
	return nil
}

// leveledLogger adapts logrus to retryablehttp.LeveledLogger
type leveledLogger struct {
	l log.FieldLogger
}

func (ll leveledLogger) with(keysAndValues []interface{}) log.FieldLogger {
	fields := make(log.Fields, len(keysAndValues)/2)
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		fields[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return ll.l.WithFields(fields)
}

func (ll leveledLogger) Error(msg string, keysAndValues ...interface{}) {
	ll.with(keysAndValues).Error(msg)
}

func (ll leveledLogger) Info(msg string, keysAndValues ...interface{}) {
	ll.with(keysAndValues).Debug(msg)
}

func (ll leveledLogger) Debug(msg string, keysAndValues ...interface{}) {
	ll.with(keysAndValues).Debug(msg)
}

func (ll leveledLogger) Warn(msg string, keysAndValues ...interface{}) {
	ll.with(keysAndValues).Warn(msg)
}

var sha256Regexp = regexp.MustCompile(`^[0-9a-f]{64}$`)

// FetchURL downloads url, verifies its SHA-256 against expected and stores it by digest.
// If the policy permits an empty expected digest, the content is stored by its computed digest.
func (f *Fetcher) FetchURL(ctx context.Context, url, expected string) (*Result, error) {
	expected = strings.ToLower(strings.TrimPrefix(expected, "sha256:"))
	if err := policy.CheckIntegrity(f.Policy, url, expected); err != nil {
		return nil, err
	}
	if expected != "" && !sha256Regexp.MatchString(expected) {
		return nil, errs.Validation("invalid_digest", "sha256", "expected digest is not a hex-encoded sha256", "source", url, "digest", expected)
	}

	dir := filepath.Join(f.CacheDir, "http", "sha256")
	if expected != "" {
		fn := filepath.Join(dir, expected)
		if _, err := os.Stat(fn); err == nil {
			if err := verifyFile(fn, expected, url); err != nil {
				return nil, err
			}
			f.log.WithField("source", url).Debug("fetch cache hit")
			res := &Result{Path: fn, Digest: "sha256:" + expected, Cached: true}
			f.record(Record{Source: url, Kind: KindHTTP, Digest: res.Digest})
			return res, nil
		}
	}

	if err := policy.CheckNetwork(f.Policy, "fetch", url); err != nil {
		return nil, err
	}

	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, xerrors.Errorf("cannot create fetch cache: %w", err)
	}
	tmp, err := os.CreateTemp(dir, ".download-*")
	if err != nil {
		return nil, xerrors.Errorf("cannot create fetch cache: %w", err)
	}
	defer os.Remove(tmp.Name())

	hash := sha256.New()
	err = f.http.Download(ctx, url, io.MultiWriter(tmp, hash))
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return nil, err
	}

	actual := hex.EncodeToString(hash.Sum(nil))
	if expected != "" && actual != expected {
		return nil, errs.Reproducibility("digest_mismatch", "downloaded content does not match the expected sha256", "source", url, "expected", expected, "actual", actual)
	}
	if expected == "" {
		f.log.WithField("source", url).WithField("sha256", actual).Warn("fetched content without an expected digest")
	}

	fn := filepath.Join(dir, actual)
	if err := os.Rename(tmp.Name(), fn); err != nil {
		return nil, xerrors.Errorf("cannot move download into fetch cache: %w", err)
	}

	res := &Result{Path: fn, Digest: "sha256:" + actual}
	f.record(Record{Source: url, Kind: KindHTTP, Digest: res.Digest})
	return res, nil
}

func verifyFile(fn, expected, source string) error {
	fp, err := os.Open(fn)
	if err != nil {
		return xerrors.Errorf("cannot read cached fetch: %w", err)
	}
	defer fp.Close()

	hash := sha256.New()
	if _, err := io.Copy(hash, fp); err != nil {
		return xerrors.Errorf("cannot read cached fetch: %w", err)
	}
	if actual := hex.EncodeToString(hash.Sum(nil)); actual != expected {
		return errs.Reproducibility("digest_mismatch", "cached content does not match its sha256", "source", source, "path", fn, "expected", expected, "actual", actual).
			WithHint("the fetch cache is corrupt or was tampered with; remove the file and fetch again")
	}
	return nil
}
