// Package catalog is the static, read-only registry of models, providers and
// the (model, provider) mappings that carry pricing and capabilities.
//
// A Catalog is loaded once at startup and never mutated afterwards, so it is
// safe to share across any number of concurrent requests without locking.
package catalog

import (
	_ "embed"
	"fmt"
	"os"
	"sort"
	"time"

	"gopkg.in/yaml.v3"
)

// Family identifies the wire protocol a provider speaks. Each family has
// exactly one protocol adapter in the provider package.
type Family string

const (
	FamilyOpenAI    Family = "openai"
	FamilyAnthropic Family = "anthropic"
	FamilyGoogle    Family = "google"
)

// OutputKind is something a model can produce.
type OutputKind string

const (
	OutputText      OutputKind = "text"
	OutputImage     OutputKind = "image"
	OutputVideo     OutputKind = "video"
	OutputEmbedding OutputKind = "embedding"
)

// Provider is an upstream AI vendor.
type Provider struct {
	ID           string `yaml:"id"`
	Name         string `yaml:"name"`
	Family       Family `yaml:"family"`
	BaseURL      string `yaml:"base_url"`
	Streaming    bool   `yaml:"streaming"`
	Cancellation bool   `yaml:"cancellation"`

	// NoSystemRole marks providers that reject the "system" role. Their
	// system messages are rewritten to "user" before sending.
	NoSystemRole bool `yaml:"no_system_role"`
}

// Pricing holds per-unit prices for one mapping, in US dollars. Token
// prices are per single token; RequestPrice is per request.
type Pricing struct {
	InputPrice       float64 `yaml:"input_price"`
	OutputPrice      float64 `yaml:"output_price"`
	CachedInputPrice float64 `yaml:"cached_input_price"`
	ImageInputPrice  float64 `yaml:"image_input_price"`
	ImageOutputPrice float64 `yaml:"image_output_price"`
	RequestPrice     float64 `yaml:"request_price"`
	WebSearchPrice   float64 `yaml:"web_search_price"`

	// Discount is a fraction in [0, 1] taken off the whole computed cost.
	Discount float64 `yaml:"discount"`
}

// Metrics are the routing statistics of a mapping. The catalog carries
// static defaults; live values are overlaid by the stats package.
type Metrics struct {
	Uptime     float64 `yaml:"uptime"`     // percent, 0-100
	LatencyMs  float64 `yaml:"latency_ms"` // time to first token
	Throughput float64 `yaml:"throughput"` // tokens per second
}

// Mapping pairs a model with one provider that serves it.
type Mapping struct {
	ModelID    string `yaml:"-"`
	ProviderID string `yaml:"provider"`

	// ModelName is the provider-native model name sent upstream.
	ModelName string `yaml:"model_name"`

	// Pricing is nil when no pricing is known for this pairing.
	Pricing *Pricing `yaml:"pricing"`

	Vision        bool `yaml:"vision"`
	Tools         bool `yaml:"tools"`
	Reasoning     bool `yaml:"reasoning"`
	JSONOutput    bool `yaml:"json_output"`
	MaxDimensions int  `yaml:"max_dimensions"`

	Metrics Metrics `yaml:"metrics"`
}

// Model is a logical model that one or more providers serve.
type Model struct {
	ID           string       `yaml:"id"`
	Family       string       `yaml:"family"`
	Output       []OutputKind `yaml:"output"`
	DeprecatedAt *time.Time   `yaml:"deprecated_at"`
	Mappings     []Mapping    `yaml:"providers"`
}

// Produces reports whether the model declares the given output kind. A
// model with no declared outputs is treated as text-only.
func (m *Model) Produces(kind OutputKind) bool {
	if len(m.Output) == 0 {
		return kind == OutputText
	}
	for _, k := range m.Output {
		if k == kind {
			return true
		}
	}
	return false
}

// Deprecated reports whether the model's deprecation time has passed.
func (m *Model) Deprecated(now time.Time) bool {
	return m.DeprecatedAt != nil && !now.Before(*m.DeprecatedAt)
}

// Catalog is the loaded registry.
type Catalog struct {
	models    map[string]*Model
	providers map[string]*Provider
}

// file is the on-disk YAML shape.
type file struct {
	Providers []Provider `yaml:"providers"`
	Models    []Model    `yaml:"models"`
}

//go:embed catalog.yaml
var defaultCatalog []byte

// Default returns the catalog compiled into the binary.
func Default() (*Catalog, error) {
	return Parse(defaultCatalog)
}

// Load reads a catalog from a YAML file.
func Load(path string) (*Catalog, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading catalog: %w", err)
	}
	return Parse(data)
}

// Parse decodes and validates a YAML catalog document.
func Parse(data []byte) (*Catalog, error) {
	var f file
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parsing catalog: %w", err)
	}

	c := &Catalog{
		models:    make(map[string]*Model, len(f.Models)),
		providers: make(map[string]*Provider, len(f.Providers)),
	}

	for i := range f.Providers {
		p := f.Providers[i]
		if p.ID == "" {
			return nil, fmt.Errorf("provider #%d has no id", i)
		}
		switch p.Family {
		case FamilyOpenAI, FamilyAnthropic, FamilyGoogle:
		default:
			return nil, fmt.Errorf("provider %q: unknown family %q", p.ID, p.Family)
		}
		if _, dup := c.providers[p.ID]; dup {
			return nil, fmt.Errorf("duplicate provider %q", p.ID)
		}
		c.providers[p.ID] = &p
	}

	for i := range f.Models {
		m := f.Models[i]
		if m.ID == "" {
			return nil, fmt.Errorf("model #%d has no id", i)
		}
		if _, dup := c.models[m.ID]; dup {
			return nil, fmt.Errorf("duplicate model %q", m.ID)
		}
		for j := range m.Mappings {
			mp := &m.Mappings[j]
			mp.ModelID = m.ID
			if _, ok := c.providers[mp.ProviderID]; !ok {
				return nil, fmt.Errorf("model %q: unknown provider %q", m.ID, mp.ProviderID)
			}
			if mp.ModelName == "" {
				mp.ModelName = m.ID
			}
			if mp.Pricing != nil && (mp.Pricing.Discount < 0 || mp.Pricing.Discount > 1) {
				return nil, fmt.Errorf("model %q provider %q: discount %v out of range",
					m.ID, mp.ProviderID, mp.Pricing.Discount)
			}
		}
		c.models[m.ID] = &m
	}

	return c, nil
}

// FindModel looks up a model by id.
func (c *Catalog) FindModel(id string) (*Model, bool) {
	m, ok := c.models[id]
	return m, ok
}

// FindProvider looks up a provider by id.
func (c *Catalog) FindProvider(id string) (*Provider, bool) {
	p, ok := c.providers[id]
	return p, ok
}

// FindMapping returns the mapping of modelID onto providerID.
func (c *Catalog) FindMapping(modelID, providerID string) (*Mapping, bool) {
	m, ok := c.models[modelID]
	if !ok {
		return nil, false
	}
	for i := range m.Mappings {
		if m.Mappings[i].ProviderID == providerID {
			return &m.Mappings[i], true
		}
	}
	return nil, false
}

// Models returns all models sorted by id.
func (c *Catalog) Models() []*Model {
	out := make([]*Model, 0, len(c.models))
	for _, m := range c.models {
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Providers returns all providers sorted by id.
func (c *Catalog) Providers() []*Provider {
	out := make([]*Provider, 0, len(c.providers))
	for _, p := range c.providers {
		out = append(out, p)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
