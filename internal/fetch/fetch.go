// Package fetch downloads caller-supplied images for inlining into
// provider requests. Remote URLs go through an SSRF guard that rejects
// non-HTTP schemes and any connection to loopback, private, link-local or
// carrier-grade NAT addresses. The guard runs at dial time, on the address
// actually being connected to, so DNS rebinding cannot slip past it.
package fetch

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"mime"
	"net"
	"net/http"
	"net/netip"
	"net/url"
	"strings"
	"syscall"
	"time"
)

// ErrBlocked is returned when a URL fails the SSRF guard.
var ErrBlocked = errors.New("url not allowed")

const (
	defaultTimeout  = 10 * time.Second
	defaultMaxBytes = 20 << 20
	maxRedirects    = 3
)

// blockedPrefixes are address ranges a fetch may never connect to.
var blockedPrefixes = []netip.Prefix{
	netip.MustParsePrefix("0.0.0.0/8"),
	netip.MustParsePrefix("10.0.0.0/8"),
	netip.MustParsePrefix("100.64.0.0/10"),
	netip.MustParsePrefix("127.0.0.0/8"),
	netip.MustParsePrefix("169.254.0.0/16"),
	netip.MustParsePrefix("172.16.0.0/12"),
	netip.MustParsePrefix("192.0.0.0/24"),
	netip.MustParsePrefix("192.168.0.0/16"),
	netip.MustParsePrefix("198.18.0.0/15"),
	netip.MustParsePrefix("224.0.0.0/4"),
	netip.MustParsePrefix("240.0.0.0/4"),
	netip.MustParsePrefix("::/128"),
	netip.MustParsePrefix("::1/128"),
	netip.MustParsePrefix("64:ff9b::/96"),
	netip.MustParsePrefix("fc00::/7"),
	netip.MustParsePrefix("fe80::/10"),
	netip.MustParsePrefix("ff00::/8"),
}

// IsBlockedIP reports whether addr falls in a range the guard rejects.
// IPv4-mapped IPv6 addresses are checked as IPv4.
func IsBlockedIP(addr netip.Addr) bool {
	addr = addr.Unmap()
	for _, p := range blockedPrefixes {
		if p.Contains(addr) {
			return true
		}
	}
	return false
}

// Image is a fetched image.
type Image struct {
	MediaType string
	Data      []byte
}

// Base64 returns the standard base64 encoding of the image bytes.
func (i *Image) Base64() string {
	return base64.StdEncoding.EncodeToString(i.Data)
}

// DataURL returns the image as a data: URL.
func (i *Image) DataURL() string {
	return "data:" + i.MediaType + ";base64," + i.Base64()
}

// Fetcher retrieves images from data URLs and guarded remote URLs.
type Fetcher struct {
	client       *http.Client
	maxBytes     int64
	allowHosts   map[string]bool
	allowPrivate bool
}

// Option configures a Fetcher.
type Option func(*Fetcher)

// WithTimeout sets the overall per-fetch timeout.
func WithTimeout(d time.Duration) Option {
	return func(f *Fetcher) {
		if d > 0 {
			f.client.Timeout = d
		}
	}
}

// WithMaxBytes caps the size of a fetched image.
func WithMaxBytes(n int64) Option {
	return func(f *Fetcher) {
		if n > 0 {
			f.maxBytes = n
		}
	}
}

// WithAllowHosts restricts remote fetches to the listed host names.
func WithAllowHosts(hosts []string) Option {
	return func(f *Fetcher) {
		if len(hosts) == 0 {
			return
		}
		f.allowHosts = make(map[string]bool, len(hosts))
		for _, h := range hosts {
			f.allowHosts[strings.ToLower(h)] = true
		}
	}
}

// WithAllowPrivate disables the address-range check. Only meant for local
// development and tests against loopback servers.
func WithAllowPrivate() Option {
	return func(f *Fetcher) { f.allowPrivate = true }
}

// New creates a Fetcher.
func New(opts ...Option) *Fetcher {
	f := &Fetcher{maxBytes: defaultMaxBytes}

	dialer := &net.Dialer{
		Timeout: 5 * time.Second,
		Control: f.checkDial,
	}
	transport := &http.Transport{
		Proxy:                 nil,
		DialContext:           dialer.DialContext,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: defaultTimeout,
		MaxIdleConns:          10,
		IdleConnTimeout:       30 * time.Second,
	}
	f.client = &http.Client{
		Timeout:   defaultTimeout,
		Transport: transport,
		CheckRedirect: func(req *http.Request, via []*http.Request) error {
			if len(via) >= maxRedirects {
				return fmt.Errorf("stopped after %d redirects", maxRedirects)
			}
			return f.checkURL(req.URL)
		},
	}

	for _, opt := range opts {
		opt(f)
	}
	return f
}

// checkDial runs on the resolved address right before connecting.
func (f *Fetcher) checkDial(network, address string, _ syscall.RawConn) error {
	if f.allowPrivate {
		return nil
	}
	host, _, err := net.SplitHostPort(address)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrBlocked, err)
	}
	addr, err := netip.ParseAddr(host)
	if err != nil {
		return fmt.Errorf("%w: unparseable address %q", ErrBlocked, host)
	}
	if IsBlockedIP(addr) {
		return fmt.Errorf("%w: address %s is not public", ErrBlocked, addr)
	}
	return nil
}

// checkURL validates scheme, allow-list and literal IP hosts.
func (f *Fetcher) checkURL(u *url.URL) error {
	if u.Scheme != "http" && u.Scheme != "https" {
		return fmt.Errorf("%w: scheme %q", ErrBlocked, u.Scheme)
	}
	host := strings.ToLower(u.Hostname())
	if host == "" {
		return fmt.Errorf("%w: missing host", ErrBlocked)
	}
	if f.allowHosts != nil && !f.allowHosts[host] {
		return fmt.Errorf("%w: host %q not in allow list", ErrBlocked, host)
	}
	if host == "localhost" || strings.HasSuffix(host, ".localhost") {
		if !f.allowPrivate {
			return fmt.Errorf("%w: host %q", ErrBlocked, host)
		}
	}
	if addr, err := netip.ParseAddr(host); err == nil && !f.allowPrivate && IsBlockedIP(addr) {
		return fmt.Errorf("%w: address %s is not public", ErrBlocked, addr)
	}
	return nil
}

// Fetch returns the image behind rawURL, which may be a data URL or an
// http(s) URL.
func (f *Fetcher) Fetch(ctx context.Context, rawURL string) (*Image, error) {
	if strings.HasPrefix(rawURL, "data:") {
		return ParseDataURL(rawURL)
	}

	u, err := url.Parse(rawURL)
	if err != nil {
		return nil, fmt.Errorf("parsing image url: %w", err)
	}
	if err := f.checkURL(u); err != nil {
		return nil, err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}

	resp, err := f.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetching image: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetching image: status %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, f.maxBytes+1))
	if err != nil {
		return nil, fmt.Errorf("reading image: %w", err)
	}
	if int64(len(data)) > f.maxBytes {
		return nil, fmt.Errorf("image exceeds %d bytes", f.maxBytes)
	}

	mediaType := ""
	if ct := resp.Header.Get("Content-Type"); ct != "" {
		if mt, _, err := mime.ParseMediaType(ct); err == nil {
			mediaType = mt
		}
	}
	if mediaType == "" || mediaType == "application/octet-stream" {
		mediaType = http.DetectContentType(data)
	}

	return &Image{MediaType: mediaType, Data: data}, nil
}

// ParseDataURL decodes a base64 data URL such as
// "data:image/png;base64,iVBOR...".
func ParseDataURL(s string) (*Image, error) {
	rest, ok := strings.CutPrefix(s, "data:")
	if !ok {
		return nil, fmt.Errorf("not a data url")
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return nil, fmt.Errorf("malformed data url")
	}

	mediaType, isBase64 := strings.CutSuffix(meta, ";base64")
	if !isBase64 {
		return nil, fmt.Errorf("data url must be base64 encoded")
	}
	if mediaType == "" {
		mediaType = "application/octet-stream"
	}

	data, err := base64.StdEncoding.DecodeString(payload)
	if err != nil {
		return nil, fmt.Errorf("decoding data url: %w", err)
	}
	return &Image{MediaType: mediaType, Data: data}, nil
}
