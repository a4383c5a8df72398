package gateway

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/howard-nolan/llmgateway/internal/catalog"
	"github.com/howard-nolan/llmgateway/internal/cost"
	"github.com/howard-nolan/llmgateway/internal/provider"
	"github.com/howard-nolan/llmgateway/internal/routing"
)

// maxImages caps n on image requests.
const maxImages = 10

// maxVideoSeconds caps the requested video length.
const maxVideoSeconds = 60

// EmbeddingsResponse is the OpenAI-format embeddings response.
type EmbeddingsResponse struct {
	Object string               `json:"object"`
	Data   []provider.Embedding `json:"data"`
	Model  string               `json:"model"`
	Usage  *provider.UsageJSON  `json:"usage"`
}

// Embeddings creates embeddings for the input strings.
func (g *Gateway) Embeddings(ctx context.Context, info RequestInfo, req *provider.EmbeddingRequest) (*EmbeddingsResponse, Served, error) {
	c := g.begin(info, "embeddings", req.Model)

	if len(req.Input) == 0 {
		return nil, Served{}, c.fail(ctx, validationError("input must not be empty"))
	}
	for i, s := range req.Input {
		if s == "" {
			return nil, Served{}, c.fail(ctx, validationError("input[%d] must not be empty", i))
		}
	}
	if req.Dimensions < 0 {
		return nil, Served{}, c.fail(ctx, validationError("dimensions must not be negative"))
	}
	if f := req.EncodingFormat; f != "" && f != "float" {
		return nil, Served{}, c.fail(ctx, validationError("encoding_format %q is not supported", f))
	}

	rt, err := g.resolve(ctx, c, req.Model, needs{
		kind:       catalog.OutputEmbedding,
		dimensions: req.Dimensions,
		supports: func(a provider.Adapter) bool {
			_, ok := a.(provider.Embedder)
			return ok
		},
	})
	if err != nil {
		return nil, Served{}, c.fail(ctx, err)
	}

	var resp *provider.EmbeddingResponse
	t, err := g.run(ctx, c, rt, func(ctx context.Context, t *target) error {
		ctx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
		defer cancel()

		e := t.adapter.(provider.Embedder)
		httpReq, err := e.BuildEmbeddingRequest(ctx, req, t.upstream)
		if err != nil {
			return err
		}
		body, err := g.client.Do(ctx, httpReq, c.newCapture())
		if err != nil {
			return err
		}
		resp, err = e.ParseEmbeddingResponse(body)
		if err != nil {
			return invalidResponse(err)
		}
		return nil
	})
	if err != nil {
		return nil, Served{}, c.fail(ctx, err)
	}

	zero := 0
	in := cost.Input{
		Model:            rt.model.ID,
		Provider:         t.provider.ID,
		PromptText:       strings.Join(req.Input, "\n"),
		CompletionTokens: &zero,
	}
	if resp.Usage.Reported {
		prompt := resp.Usage.PromptTokens
		in.PromptTokens = &prompt
	}
	b := g.cost.Calculate(in)
	c.record(t.provider.ID, b)

	out := &EmbeddingsResponse{
		Object: "list",
		Data:   resp.Data,
		Model:  rt.model.ID,
		Usage:  usageJSON(b),
	}
	c.end(ctx, http.StatusOK, nil)
	return out, c.servedBy(t, rt), nil
}

// ImagesResponse is the OpenAI-format images response.
type ImagesResponse struct {
	Created int64                `json:"created"`
	Data    []provider.ImageData `json:"data"`
	Usage   *provider.UsageJSON  `json:"usage"`
}

// Images generates images, or edits the given images when req.Edit is set.
func (g *Gateway) Images(ctx context.Context, info RequestInfo, req *provider.ImageRequest) (*ImagesResponse, Served, error) {
	endpoint := "images"
	if req.Edit {
		endpoint = "images_edit"
	}
	c := g.begin(info, endpoint, req.Model)

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Served{}, c.fail(ctx, validationError("prompt is required"))
	}
	if req.N < 0 || req.N > maxImages {
		return nil, Served{}, c.fail(ctx, validationError("n must be between 1 and %d", maxImages))
	}
	if req.Edit && len(req.Images) == 0 {
		return nil, Served{}, c.fail(ctx, validationError("at least one image is required for edits"))
	}

	rt, err := g.resolve(ctx, c, req.Model, needs{
		kind:   catalog.OutputImage,
		vision: req.Edit,
		supports: func(a provider.Adapter) bool {
			_, ok := a.(provider.ImageGenerator)
			return ok
		},
	})
	if err != nil {
		return nil, Served{}, c.fail(ctx, err)
	}

	var resp *provider.ImageResponse
	t, err := g.run(ctx, c, rt, func(ctx context.Context, t *target) error {
		ctx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
		defer cancel()

		ig := t.adapter.(provider.ImageGenerator)
		httpReq, err := ig.BuildImageRequest(ctx, req, t.upstream)
		if err != nil {
			// Input images that cannot be loaded are the caller's problem.
			return validationError("building image request: %v", err)
		}
		body, err := g.client.Do(ctx, httpReq, c.newCapture())
		if err != nil {
			return err
		}
		resp, err = ig.ParseImageResponse(body)
		if err != nil {
			return invalidResponse(err)
		}
		return nil
	})
	if err != nil {
		return nil, Served{}, c.fail(ctx, err)
	}

	b := g.cost.Calculate(imageCostInput(rt.model, t, req, resp))
	c.record(t.provider.ID, b)

	out := &ImagesResponse{
		Created: resp.Created,
		Data:    resp.Data,
		Usage:   usageJSON(b),
	}
	c.end(ctx, http.StatusOK, nil)
	return out, c.servedBy(t, rt), nil
}

// imageCostInput prices generated images per image. Reported input tokens
// pay for the prompt text; output is charged through the image count only.
func imageCostInput(m *catalog.Model, t *target, req *provider.ImageRequest, resp *provider.ImageResponse) cost.Input {
	inputImages := len(req.Images)
	if req.Mask != "" {
		inputImages++
	}
	zero := 0
	in := cost.Input{
		Model:            m.ID,
		Provider:         t.provider.ID,
		PromptText:       req.Prompt,
		CompletionTokens: &zero,
		InputImageCount:  inputImages,
		OutputImageCount: len(resp.Data),
		OutputImageSize:  req.Size,
	}
	if resp.Usage != nil && resp.Usage.Reported {
		imageIn, _ := cost.ImageTokens(inputImages, 0, "")
		prompt := max(resp.Usage.PromptTokens-imageIn, 0)
		in.PromptTokens = &prompt
	}
	return in
}

// VideoResponse is the finished (or failed) video job.
type VideoResponse struct {
	ID      string              `json:"id"`
	Object  string              `json:"object"`
	Created int64               `json:"created"`
	Model   string              `json:"model"`
	Status  string              `json:"status"`
	URLs    []string            `json:"urls"`
	Usage   *provider.UsageJSON `json:"usage"`
}

// Video submits a video job and polls it until it finishes. Only the
// submission is routed; once a provider accepted the job it is polled on
// that provider until done, failed or out of time.
func (g *Gateway) Video(ctx context.Context, info RequestInfo, req *provider.VideoRequest) (*VideoResponse, Served, error) {
	c := g.begin(info, "video", req.Model)

	if strings.TrimSpace(req.Prompt) == "" {
		return nil, Served{}, c.fail(ctx, validationError("prompt is required"))
	}
	if req.Seconds < 0 || req.Seconds > maxVideoSeconds {
		return nil, Served{}, c.fail(ctx, validationError("seconds must be between 1 and %d", maxVideoSeconds))
	}

	rt, err := g.resolve(ctx, c, req.Model, needs{
		kind: catalog.OutputVideo,
		supports: func(a provider.Adapter) bool {
			_, ok := a.(provider.VideoGenerator)
			return ok
		},
	})
	if err != nil {
		return nil, Served{}, c.fail(ctx, err)
	}

	var job *provider.VideoJob
	t, err := g.run(ctx, c, rt, func(ctx context.Context, t *target) error {
		ctx, cancel := context.WithTimeout(ctx, g.upstreamTimeout)
		defer cancel()

		vg := t.adapter.(provider.VideoGenerator)
		httpReq, err := vg.BuildVideoSubmit(ctx, req, t.upstream)
		if err != nil {
			return err
		}
		body, err := g.client.Do(ctx, httpReq, c.newCapture())
		if err != nil {
			return err
		}
		job, err = vg.ParseVideoJob(body, t.upstream)
		if err != nil {
			return invalidResponse(err)
		}
		if job.ID == "" {
			return invalidResponse(errors.New("video job has no id"))
		}
		return nil
	})
	if err != nil {
		return nil, Served{}, c.fail(ctx, err)
	}

	job, err = g.pollVideo(ctx, c, t, job)
	if err != nil {
		return nil, Served{}, c.fail(ctx, err)
	}
	if job.Status == provider.VideoFailed {
		return nil, Served{}, c.fail(ctx, &Error{
			Type:    TypeUpstream,
			Status:  http.StatusBadGateway,
			Message: "video generation failed: " + job.Error,
		})
	}

	zero := 0
	b := g.cost.Calculate(cost.Input{
		Model:            rt.model.ID,
		Provider:         t.provider.ID,
		PromptTokens:     &zero,
		CompletionTokens: &zero,
	})
	c.record(t.provider.ID, b)

	out := &VideoResponse{
		ID:      job.ID,
		Object:  "video",
		Created: g.now().Unix(),
		Model:   rt.model.ID,
		Status:  string(job.Status),
		URLs:    job.URLs,
		Usage:   usageJSON(b),
	}
	c.end(ctx, http.StatusOK, nil)
	return out, c.servedBy(t, rt), nil
}

// pollVideo polls job on t every poll interval until it is terminal. Polls
// that fail with a retryable status are tolerated; the job is still
// running upstream.
func (g *Gateway) pollVideo(ctx context.Context, c *call, t *target, job *provider.VideoJob) (*provider.VideoJob, error) {
	if job.Terminal() {
		return job, nil
	}

	pctx, cancel := context.WithTimeout(ctx, g.videoTimeout)
	defer cancel()

	vg := t.adapter.(provider.VideoGenerator)
	ticker := time.NewTicker(g.videoPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-pctx.Done():
			if ctx.Err() != nil {
				return nil, clientClosed(ctx.Err())
			}
			return nil, timeoutError("video job %s did not finish within %s", job.ID, g.videoTimeout)
		case <-ticker.C:
		}

		httpReq, err := vg.BuildVideoPoll(pctx, job, t.upstream)
		if err != nil {
			return nil, err
		}
		body, err := g.client.Do(pctx, httpReq, c.newCapture())
		if err != nil {
			status := provider.StatusOf(err)
			if pctx.Err() != nil || status == 0 || routing.IsRetryableError(status) {
				g.log.WarnContext(ctx, "video poll failed",
					"request_id", c.info.RequestID,
					"provider", t.provider.ID,
					"job", job.ID,
					"status", status,
					"error", err,
				)
				continue
			}
			return nil, upstreamFailure(err)
		}
		next, err := vg.ParseVideoJob(body, t.upstream)
		if err != nil {
			return nil, upstreamFailure(invalidResponse(err))
		}
		if next.ID == "" {
			next.ID = job.ID
		}
		job = next
		if job.Terminal() {
			return job, nil
		}
	}
}
