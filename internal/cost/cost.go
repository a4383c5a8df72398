// Package cost prices a request from its token counts and the pricing of
// the (model, provider) mapping that served it.
package cost

import (
	"github.com/howard-nolan/llmgateway/internal/catalog"
)

// Tokens charged per input image and per generated image. Image tokens are
// tracked apart from text tokens and priced with the image prices.
const (
	inputImageTokens     = 560
	outputImageTokens    = 1290
	outputImageTokens4K  = 2000
	outputImageSizeLarge = "4K"
)

// MappingLookup is the part of the catalog the calculator needs.
type MappingLookup interface {
	FindMapping(modelID, providerID string) (*catalog.Mapping, bool)
}

// Input describes what was consumed by one request.
type Input struct {
	Model    string
	Provider string

	// Token counts as reported by the provider. Nil means unknown; the
	// count is then estimated from PromptText or CompletionText.
	PromptTokens     *int
	CompletionTokens *int
	CachedTokens     *int

	PromptText     string
	CompletionText string

	ReasoningTokens  int
	InputImageCount  int
	OutputImageCount int
	OutputImageSize  string
	WebSearchCount   int
}

// Breakdown is the priced result. Cost fields are nil when the mapping has
// no pricing; token counts are filled in regardless.
type Breakdown struct {
	PromptTokens      int `json:"prompt_tokens"`
	CompletionTokens  int `json:"completion_tokens"`
	CachedTokens      int `json:"cached_tokens"`
	ReasoningTokens   int `json:"reasoning_tokens"`
	ImageInputTokens  int `json:"image_input_tokens"`
	ImageOutputTokens int `json:"image_output_tokens"`

	InputCost       *float64 `json:"input_cost"`
	OutputCost      *float64 `json:"output_cost"`
	CachedInputCost *float64 `json:"cached_input_cost"`
	RequestCost     *float64 `json:"request_cost"`
	WebSearchCost   *float64 `json:"web_search_cost"`
	ImageInputCost  *float64 `json:"image_input_cost"`
	ImageOutputCost *float64 `json:"image_output_cost"`
	TotalCost       *float64 `json:"total_cost"`

	// Discount is only present when the mapping has a non-zero discount.
	Discount *float64 `json:"discount,omitempty"`

	// EstimatedCost is true when token counts came from the tokenizer.
	EstimatedCost bool `json:"estimated_cost"`
}

// Calculator prices requests. It holds no mutable state.
type Calculator struct {
	mappings  MappingLookup
	tokenizer Tokenizer
}

// New creates a Calculator. A nil tokenizer falls back to CharTokenizer.
func New(mappings MappingLookup, tokenizer Tokenizer) *Calculator {
	if tokenizer == nil {
		tokenizer = CharTokenizer{}
	}
	return &Calculator{mappings: mappings, tokenizer: tokenizer}
}

// Calculate prices one request.
//
// Prompt tokens are expected in the OpenAI sense: they include cached
// tokens, so only the uncached remainder pays the input price and cached
// tokens pay the cached price. The Anthropic adapter folds cache-creation
// and cache-read tokens into the prompt count and reports only reads as
// cached, which charges cache creation at the full input price.
func (c *Calculator) Calculate(in Input) Breakdown {
	var b Breakdown

	prompt, completion, cached := 0, 0, 0
	if in.PromptTokens != nil {
		prompt = *in.PromptTokens
	} else {
		prompt = c.tokenizer.Count(in.PromptText)
		b.EstimatedCost = true
	}
	if in.CompletionTokens != nil {
		completion = *in.CompletionTokens
	} else {
		completion = c.tokenizer.Count(in.CompletionText)
		b.EstimatedCost = true
	}
	if in.CachedTokens != nil {
		cached = *in.CachedTokens
	}

	imageIn, imageOut := ImageTokens(in.InputImageCount, in.OutputImageCount, in.OutputImageSize)

	b.PromptTokens = prompt + imageIn
	b.CompletionTokens = completion + imageOut
	b.CachedTokens = cached
	b.ReasoningTokens = in.ReasoningTokens
	b.ImageInputTokens = imageIn
	b.ImageOutputTokens = imageOut

	mapping, ok := c.mappings.FindMapping(in.Model, in.Provider)
	if !ok || mapping.Pricing == nil {
		return b
	}
	p := mapping.Pricing

	uncached := prompt - cached
	if uncached < 0 {
		uncached = 0
	}

	cachedPrice := p.CachedInputPrice
	if cachedPrice == 0 {
		cachedPrice = p.InputPrice
	}
	imageOutputPrice := p.ImageOutputPrice
	if imageOutputPrice == 0 {
		imageOutputPrice = p.OutputPrice
	}

	inputCost := float64(uncached) * p.InputPrice
	outputCost := float64(completion+in.ReasoningTokens) * p.OutputPrice
	cachedCost := float64(cached) * cachedPrice
	requestCost := p.RequestPrice
	webSearchCost := float64(in.WebSearchCount) * p.WebSearchPrice
	imageInputCost := float64(imageIn) * p.ImageInputPrice
	imageOutputCost := float64(imageOut) * imageOutputPrice

	if p.Discount > 0 {
		m := 1 - p.Discount
		inputCost *= m
		outputCost *= m
		cachedCost *= m
		requestCost *= m
		webSearchCost *= m
		imageInputCost *= m
		imageOutputCost *= m
		d := p.Discount
		b.Discount = &d
	}

	total := inputCost + outputCost + cachedCost + requestCost +
		webSearchCost + imageInputCost + imageOutputCost

	b.InputCost = &inputCost
	b.OutputCost = &outputCost
	b.CachedInputCost = &cachedCost
	b.RequestCost = &requestCost
	b.WebSearchCost = &webSearchCost
	b.ImageInputCost = &imageInputCost
	b.ImageOutputCost = &imageOutputCost
	b.TotalCost = &total

	return b
}

// ImageTokens returns the tokens charged for input images and for
// generated images of the given size.
func ImageTokens(inputImages, outputImages int, outputSize string) (in, out int) {
	return inputImages * inputImageTokens, outputImages * outputTokensPerImage(outputSize)
}

func outputTokensPerImage(size string) int {
	if size == outputImageSizeLarge {
		return outputImageTokens4K
	}
	return outputImageTokens
}

// Total returns the total cost or 0 when unpriced.
func (b Breakdown) Total() float64 {
	if b.TotalCost == nil {
		return 0
	}
	return *b.TotalCost
}
