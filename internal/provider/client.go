package provider

import (
	"bufio"
	"bytes"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"github.com/andybalholm/brotli"
)

// ---------------------------------------------------------------------------
// Upstream errors
// ---------------------------------------------------------------------------

// UpstreamError is returned when the provider answered with a non-2xx
// status, or when no answer arrived at all. StatusCode is 0 for transport
// failures (DNS, connection refused, reset, timeout).
type UpstreamError struct {
	StatusCode int
	Body       string
	Err        error
}

func (e *UpstreamError) Error() string {
	if e.StatusCode == 0 {
		return fmt.Sprintf("upstream unreachable: %v", e.Err)
	}
	return fmt.Sprintf("upstream returned status %d: %s", e.StatusCode, e.Body)
}

func (e *UpstreamError) Unwrap() error {
	return e.Err
}

// StatusOf returns the upstream status carried by err, 0 if err is a
// transport failure, and -1 if err did not come from the upstream at all.
func StatusOf(err error) int {
	var ue *UpstreamError
	if errors.As(err, &ue) {
		return ue.StatusCode
	}
	return -1
}

// ---------------------------------------------------------------------------
// Client
// ---------------------------------------------------------------------------

// streamBuffer bounds the chunk channel so a slow client applies
// backpressure to the upstream read loop instead of growing memory.
const streamBuffer = 16

// maxSSELine is the largest single SSE line accepted. Image-generating
// models stream base64 payloads that easily exceed bufio's 64KB default.
const maxSSELine = 16 << 20

// Capture collects raw upstream traffic for debug mode. A nil *Capture
// disables collection.
type Capture struct {
	RequestURL   string
	RequestBody  string
	ResponseBody strings.Builder
}

// Client performs upstream HTTP calls. It is shared by all adapters and
// safe for concurrent use.
type Client struct {
	http *http.Client
}

// NewClient wraps an *http.Client. Tests inject recorder or httptest
// clients here.
func NewClient(httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	return &Client{http: httpClient}
}

// Do sends req and returns the decoded response body. Non-2xx answers are
// returned as *UpstreamError carrying the provider's body.
func (c *Client) Do(ctx context.Context, req *http.Request, capture *Capture) ([]byte, error) {
	resp, err := c.send(ctx, req, capture)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := readBody(resp)
	if err != nil {
		return nil, &UpstreamError{Err: fmt.Errorf("reading response: %w", err)}
	}
	if capture != nil {
		capture.ResponseBody.Write(body)
	}
	return body, nil
}

// Stream sends req and returns a channel of unified chunks decoded by dec.
//
// Errors before the first byte of the stream (bad status, transport
// failure) are returned directly so the caller can still retry another
// provider. Once streaming starts, failures are delivered as a chunk with
// Error set and the channel is closed.
func (c *Client) Stream(ctx context.Context, req *http.Request, dec StreamDecoder, capture *Capture) (<-chan StreamChunk, error) {
	resp, err := c.send(ctx, req, capture)
	if err != nil {
		return nil, err
	}

	body, err := decodeReader(resp)
	if err != nil {
		resp.Body.Close()
		return nil, &UpstreamError{Err: err}
	}

	ch := make(chan StreamChunk, streamBuffer)

	go func() {
		defer close(ch)
		defer resp.Body.Close()

		// emit sends chunks unless the caller went away. It reports false
		// when the goroutine should stop: after a terminal or error chunk,
		// or on cancellation.
		emit := func(chunks []StreamChunk) bool {
			for _, chunk := range chunks {
				select {
				case ch <- chunk:
				case <-ctx.Done():
					return false
				}
				if chunk.Done || chunk.Error != nil {
					return false
				}
			}
			return true
		}

		scanner := bufio.NewScanner(body)
		scanner.Buffer(make([]byte, 0, 64*1024), maxSSELine)

		for scanner.Scan() {
			line := scanner.Text()
			if capture != nil {
				capture.ResponseBody.WriteString(line)
				capture.ResponseBody.WriteByte('\n')
			}

			// Only "data:" lines carry payloads. "event:" names, comments
			// (": keep-alive") and blank separators are skipped; every
			// payload we care about names its own type.
			data, ok := strings.CutPrefix(line, "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "" {
				continue
			}
			if data == "[DONE]" {
				emit(dec.Finish())
				return
			}

			chunks, err := dec.Decode([]byte(data))
			if err != nil {
				emit([]StreamChunk{{Error: fmt.Errorf("decoding stream event: %w", err)}})
				return
			}
			if !emit(chunks) {
				return
			}
		}

		if err := scanner.Err(); err != nil {
			if ctx.Err() == nil {
				emit([]StreamChunk{{Error: &UpstreamError{Err: fmt.Errorf("reading stream: %w", err)}}})
			}
			return
		}
		emit(dec.Finish())
	}()

	return ch, nil
}

// send performs the round trip and turns non-2xx statuses into
// *UpstreamError. On success the caller owns resp.Body.
func (c *Client) send(ctx context.Context, req *http.Request, capture *Capture) (*http.Response, error) {
	req = req.WithContext(ctx)

	// We decode br and gzip ourselves. Setting the header explicitly turns
	// off the transport's transparent gzip handling.
	req.Header.Set("Accept-Encoding", "gzip, br")

	if capture != nil {
		capture.RequestURL = redactURL(req.URL.String())
		if req.GetBody != nil {
			if rc, err := req.GetBody(); err == nil {
				b, _ := io.ReadAll(rc)
				capture.RequestBody = string(b)
				rc.Close()
			}
		}
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, &UpstreamError{Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		defer resp.Body.Close()
		body, _ := readBody(resp)
		if capture != nil {
			capture.ResponseBody.Write(body)
		}
		return nil, &UpstreamError{
			StatusCode: resp.StatusCode,
			Body:       strings.TrimSpace(string(body)),
		}
	}
	return resp, nil
}

func readBody(resp *http.Response) ([]byte, error) {
	r, err := decodeReader(resp)
	if err != nil {
		return nil, err
	}
	return io.ReadAll(r)
}

// decodeReader wraps the body according to Content-Encoding.
func decodeReader(resp *http.Response) (io.Reader, error) {
	switch strings.ToLower(resp.Header.Get("Content-Encoding")) {
	case "br":
		return brotli.NewReader(resp.Body), nil
	case "gzip":
		zr, err := gzip.NewReader(resp.Body)
		if err != nil {
			return nil, fmt.Errorf("opening gzip body: %w", err)
		}
		return zr, nil
	default:
		return resp.Body, nil
	}
}

// redactURL strips query-string credentials before a URL is echoed back in
// debug output.
func redactURL(raw string) string {
	i := strings.Index(raw, "key=")
	if i < 0 {
		return raw
	}
	end := strings.IndexByte(raw[i:], '&')
	if end < 0 {
		return raw[:i] + "key=REDACTED"
	}
	return raw[:i] + "key=REDACTED" + raw[i+end:]
}

// ---------------------------------------------------------------------------
// Request helpers shared by the adapters
// ---------------------------------------------------------------------------

// newJSONRequest builds a POST request with a JSON body. The body is kept
// as a bytes.Reader so GetBody works for debug capture.
func newJSONRequest(ctx context.Context, url string, body []byte) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	return req, nil
}
