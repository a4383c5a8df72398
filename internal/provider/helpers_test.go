package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/fetch"
)

// fakeFetcher serves images from a fixed map and refuses everything else.
type fakeFetcher map[string]*fetch.Image

func (f fakeFetcher) Fetch(_ context.Context, url string) (*fetch.Image, error) {
	img, ok := f[url]
	if !ok {
		return nil, fetch.ErrBlocked
	}
	return img, nil
}

var catImage = &fetch.Image{MediaType: "image/png", Data: []byte("png-bytes")}

func testUpstream(family catalog.Family, baseURL string) Upstream {
	return Upstream{
		Provider:  &catalog.Provider{ID: string(family), Family: family, BaseURL: baseURL},
		BaseURL:   baseURL,
		APIKey:    "test-key",
		ModelName: "native-model",
	}
}

// bodyOf decodes an outgoing request body into a generic map.
func bodyOf(t *testing.T, req *http.Request) map[string]any {
	t.Helper()
	raw, err := io.ReadAll(req.Body)
	require.NoError(t, err)
	var m map[string]any
	require.NoError(t, json.Unmarshal(raw, &m))
	return m
}

// collect drains a stream channel.
func collect(ch <-chan StreamChunk) []StreamChunk {
	var out []StreamChunk
	for c := range ch {
		out = append(out, c)
	}
	return out
}

// decodeAll feeds SSE payloads to a decoder and flushes it.
func decodeAll(t *testing.T, dec StreamDecoder, events ...string) []StreamChunk {
	t.Helper()
	var out []StreamChunk
	for _, ev := range events {
		chunks, err := dec.Decode([]byte(ev))
		require.NoError(t, err)
		out = append(out, chunks...)
	}
	return append(out, dec.Finish()...)
}

func floatp(f float64) *float64 { return &f }
