// pkg/fetch/fetch.go - Cache-validating, resumable HTTP downloads.
//
// Every repo resource is addressed by a (kind, name) pair that maps to a
// canonical URL under the repo and a canonical path under the managed
// installs directory. Cache validators live in a sidecar on the destination
// file; a present "expected-length" marks an incomplete download eligible
// for Range resume.

package fetch

import (
	"context"
	"crypto/sha256"
	"crypto/tls"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/macadmins/gomunki/pkg/config"
	"github.com/macadmins/gomunki/pkg/logging"
)

// Kind identifies the resource namespace within the repo.
type Kind string

const (
	KindManifest       Kind = "manifest"
	KindCatalog        Kind = "catalog"
	KindPackage        Kind = "package"
	KindIcon           Kind = "icon"
	KindClientResource Kind = "clientresource"
)

// urlPrefix returns the repo path segment for the kind.
func (k Kind) urlPrefix() string {
	switch k {
	case KindManifest:
		return "manifests"
	case KindCatalog:
		return "catalogs"
	case KindPackage:
		return "pkgs"
	case KindIcon:
		return "icons"
	case KindClientResource:
		return "client_resources"
	}
	return ""
}

// Status is the outcome of a fetch.
type Status int

const (
	// Downloaded means new content was written to the destination.
	Downloaded Status = iota
	// NotModified means the cached destination is still current.
	NotModified
)

// Options tune a single fetch.
type Options struct {
	// OnlyIfChanged sends conditional headers when the previous download
	// completed, so an unchanged resource short-circuits with NotModified.
	OnlyIfChanged bool
	// Resume attempts a Range request against a partial destination file.
	Resume bool
	// FollowRedirects is "all" or "none". The default denies all.
	FollowRedirects string
	// Timeout bounds the whole request. Zero means the client default.
	Timeout time.Duration
}

// Client fetches repo resources. A single resource has at most one
// in-flight request; the agent is single-threaded by design.
type Client struct {
	RepoURL  string
	BaseDir  string
	Username string
	Password string

	httpClient *http.Client
	timeout    time.Duration
	redirects  string
}

// NewClient builds a Client from the agent configuration.
func NewClient(cfg *config.Configuration) *Client {
	timeout := time.Duration(cfg.ConnectionTimeoutSeconds) * time.Second
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	transport := &http.Transport{
		TLSClientConfig: &tls.Config{MinVersion: minTLS(cfg.MinimumTLSVersion)},
		Proxy:           http.ProxyFromEnvironment,
	}
	return &Client{
		RepoURL:   strings.TrimRight(cfg.SoftwareRepoURL, "/"),
		BaseDir:   cfg.ManagedInstallDir,
		Username:  cfg.RepoUsername,
		Password:  cfg.RepoPassword,
		timeout:   timeout,
		redirects: cfg.FollowHTTPRedirects,
		httpClient: &http.Client{
			Transport: transport,
			// Redirect policy is applied per-request in do().
		},
	}
}

func minTLS(v string) uint16 {
	switch v {
	case "1.0":
		return tls.VersionTLS10
	case "1.1":
		return tls.VersionTLS11
	case "1.3":
		return tls.VersionTLS13
	default:
		return tls.VersionTLS12
	}
}

// URLFor returns the canonical repo URL for a resource.
func (c *Client) URLFor(kind Kind, name string) string {
	escaped := (&url.URL{Path: name}).EscapedPath()
	return fmt.Sprintf("%s/%s/%s", c.RepoURL, kind.urlPrefix(), strings.TrimPrefix(escaped, "/"))
}

// PathFor returns the canonical local path for a resource.
func (c *Client) PathFor(kind Kind, name string) string {
	var dir string
	switch kind {
	case KindManifest:
		dir = filepath.Join(c.BaseDir, "manifests")
	case KindCatalog:
		dir = filepath.Join(c.BaseDir, "catalogs")
	case KindPackage:
		dir = filepath.Join(c.BaseDir, "Cache")
	case KindIcon:
		dir = filepath.Join(c.BaseDir, "icons")
	case KindClientResource:
		dir = filepath.Join(c.BaseDir, "client_resources")
	}
	return filepath.Join(dir, filepath.FromSlash(name))
}

// Fetch downloads the resource identified by (kind, name) to destination.
// An empty destination uses the canonical local path. The returned path is
// the file actually written or validated.
func (c *Client) Fetch(ctx context.Context, kind Kind, name, destination string, opts Options) (Status, string, error) {
	if destination == "" {
		destination = c.PathFor(kind, name)
	}
	if err := os.MkdirAll(filepath.Dir(destination), 0755); err != nil {
		return Downloaded, destination, &IOError{Detail: "creating destination directory", Err: err}
	}
	status, err := c.download(ctx, c.URLFor(kind, name), destination, opts, true)
	return status, destination, err
}

// download performs one logical request. allowRestart permits exactly one
// range-free retry after a resume-validator mismatch.
func (c *Client) download(ctx context.Context, rawURL, destination string, opts Options, allowRestart bool) (Status, error) {
	sc := readSidecar(destination)
	destInfo, statErr := os.Stat(destination)
	destExists := statErr == nil

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return Downloaded, &ConnectionError{Detail: fmt.Sprintf("building request for %s", rawURL), Err: err}
	}

	// Conditional GET only makes sense against a completed download.
	downloadComplete := sc.ExpectedLength == ""
	if opts.OnlyIfChanged && destExists && downloadComplete {
		if sc.LastModified != "" {
			req.Header.Set("If-Modified-Since", sc.LastModified)
		}
		if sc.ETag != "" {
			req.Header.Set("If-None-Match", sc.ETag)
		}
	}

	// Resume needs a partial file plus at least one stored validator.
	resuming := false
	var existingSize int64
	if opts.Resume && allowRestart && !downloadComplete &&
		(sc.ETag != "" || sc.LastModified != "") &&
		destExists && destInfo.Size() > 0 {
		existingSize = destInfo.Size()
		req.Header.Set("Range", fmt.Sprintf("bytes=%d-", existingSize))
		resuming = true
	}

	resp, err := c.do(req, opts)
	if err != nil {
		return Downloaded, classifyTransportError(rawURL, err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotModified:
		return NotModified, nil

	case resp.StatusCode == http.StatusPartialContent && resuming:
		if !resumeValidatorsMatch(sc, resp, existingSize) {
			logging.Warn("Resume validators changed, restarting download", "url", rawURL)
			if err := os.Remove(destination); err != nil && !os.IsNotExist(err) {
				return Downloaded, &IOError{Detail: "removing stale partial download", Err: err}
			}
			removeSidecar(destination)
			return c.download(ctx, rawURL, destination, opts, false)
		}
		if err := c.streamBody(resp, destination, true); err != nil {
			return Downloaded, err
		}
		return Downloaded, nil

	case resp.StatusCode >= 200 && resp.StatusCode < 300:
		if err := c.streamBody(resp, destination, false); err != nil {
			return Downloaded, err
		}
		return Downloaded, nil

	default:
		return Downloaded, &HTTPError{Status: resp.StatusCode, Detail: rawURL}
	}
}

// do issues the request, applying the redirect policy and answering a
// single auth challenge, basic or digest depending on what the server
// asks for. A second 401 (previous-failure-count > 0) cancels rather than
// retrying. Client-certificate challenges are declined by never
// configuring one.
func (c *Client) do(req *http.Request, opts Options) (*http.Response, error) {
	client := *c.httpClient
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = c.timeout
	}
	client.Timeout = timeout

	redirects := opts.FollowRedirects
	if redirects == "" {
		redirects = c.redirects
	}
	if redirects != "all" {
		client.CheckRedirect = func(r *http.Request, via []*http.Request) error {
			return http.ErrUseLastResponse
		}
	}

	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized && c.Username != "" {
		challenge := resp.Header.Get("WWW-Authenticate")
		resp.Body.Close()
		retry := req.Clone(req.Context())
		scheme, params := parseChallenge(challenge)
		if strings.EqualFold(scheme, "Digest") {
			auth, err := digestAuthorization(params, retry.Method, retry.URL.RequestURI(), c.Username, c.Password)
			if err != nil {
				return nil, &SecurityError{Detail: fmt.Sprintf("cannot answer digest challenge: %v", err)}
			}
			retry.Header.Set("Authorization", auth)
		} else {
			retry.SetBasicAuth(c.Username, c.Password)
		}
		return client.Do(retry)
	}
	return resp, nil
}

// streamBody writes the response body to destination. For fresh downloads
// the file is truncated and a new sidecar stored before streaming; on
// success the sidecar's expected-length is cleared so the next call will
// not attempt a resume against a complete file.
func (c *Client) streamBody(resp *http.Response, destination string, appending bool) error {
	flags := os.O_CREATE | os.O_WRONLY
	if appending {
		flags |= os.O_APPEND
	} else {
		flags |= os.O_TRUNC
	}
	out, err := os.OpenFile(destination, flags, 0644)
	if err != nil {
		return &IOError{Detail: fmt.Sprintf("opening %s", destination), Err: err}
	}

	var sc sidecar
	if appending {
		// Keep the validators recorded when the partial download started.
		sc = readSidecar(destination)
	} else {
		sc = sidecar{
			ETag:         resp.Header.Get("ETag"),
			LastModified: resp.Header.Get("Last-Modified"),
		}
		if resp.ContentLength >= 0 {
			sc.ExpectedLength = strconv.FormatInt(resp.ContentLength, 10)
		}
	}
	if !sc.empty() {
		if err := writeSidecar(destination, sc); err != nil {
			out.Close()
			return err
		}
	}

	if _, err := io.Copy(out, resp.Body); err != nil {
		out.Close()
		return &IOError{Detail: fmt.Sprintf("writing %s", destination), Err: err}
	}
	if err := out.Close(); err != nil {
		return &IOError{Detail: fmt.Sprintf("closing %s", destination), Err: err}
	}

	// Download complete: drop expected-length, keep the validators for
	// future conditional requests.
	sc.ExpectedLength = ""
	if sc.empty() {
		removeSidecar(destination)
		return nil
	}
	return writeSidecar(destination, sc)
}

// resumeValidatorsMatch checks the 206 response against the stored
// sidecar: identifiers must match bitwise and the declared remaining
// length plus the existing file size must equal the recorded total.
func resumeValidatorsMatch(sc sidecar, resp *http.Response, existingSize int64) bool {
	if sc.ETag != "" && resp.Header.Get("ETag") != sc.ETag {
		return false
	}
	if sc.LastModified != "" && resp.Header.Get("Last-Modified") != sc.LastModified {
		return false
	}
	if sc.ExpectedLength != "" && resp.ContentLength >= 0 {
		total := strconv.FormatInt(existingSize+resp.ContentLength, 10)
		if total != sc.ExpectedLength {
			return false
		}
	}
	return true
}

func classifyTransportError(rawURL string, err error) error {
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		var tlsErr *tls.CertificateVerificationError
		if errors.As(urlErr.Err, &tlsErr) {
			return &SecurityError{Detail: fmt.Sprintf("TLS verification failed for %s", rawURL), Err: err}
		}
		if strings.Contains(urlErr.Err.Error(), "tls:") {
			return &SecurityError{Detail: fmt.Sprintf("TLS failure for %s", rawURL), Err: err}
		}
	}
	return &ConnectionError{Detail: fmt.Sprintf("request to %s failed: %v", rawURL, err), Err: err}
}

// Verify reports whether the file's SHA-256 matches expectedHash.
func Verify(path, expectedHash string) bool {
	f, err := os.Open(path)
	if err != nil {
		return false
	}
	defer f.Close()
	hasher := sha256.New()
	if _, err := io.Copy(hasher, f); err != nil {
		return false
	}
	return strings.EqualFold(hex.EncodeToString(hasher.Sum(nil)), expectedHash)
}
