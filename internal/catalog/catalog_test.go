package catalog

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testCatalog = `
providers:
  - id: alpha
    family: openai
    base_url: https://alpha.example/v1
  - id: beta
    family: anthropic
    no_system_role: true
models:
  - id: m1
    output: [text, image]
    deprecated_at: 2024-01-01T00:00:00Z
    providers:
      - provider: alpha
        model_name: alpha-m1
        pricing:
          input_price: 0.000001
          discount: 0.5
      - provider: beta
`

func TestParse(t *testing.T) {
	c, err := Parse([]byte(testCatalog))
	require.NoError(t, err)

	m, ok := c.FindModel("m1")
	require.True(t, ok)
	assert.True(t, m.Produces(OutputImage))
	assert.False(t, m.Produces(OutputVideo))
	assert.True(t, m.Deprecated(time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)))

	mp, ok := c.FindMapping("m1", "alpha")
	require.True(t, ok)
	assert.Equal(t, "alpha-m1", mp.ModelName)
	assert.Equal(t, "m1", mp.ModelID)
	require.NotNil(t, mp.Pricing)
	assert.Equal(t, 0.5, mp.Pricing.Discount)

	// Model name defaults to the model id, pricing stays absent.
	mp, ok = c.FindMapping("m1", "beta")
	require.True(t, ok)
	assert.Equal(t, "m1", mp.ModelName)
	assert.Nil(t, mp.Pricing)

	p, ok := c.FindProvider("beta")
	require.True(t, ok)
	assert.True(t, p.NoSystemRole)
	assert.Equal(t, FamilyAnthropic, p.Family)

	_, ok = c.FindMapping("m1", "gamma")
	assert.False(t, ok)
	_, ok = c.FindModel("nope")
	assert.False(t, ok)
}

func TestParseRejectsBadDocuments(t *testing.T) {
	cases := map[string]string{
		"unknown family": `
providers:
  - id: a
    family: smoke-signals
`,
		"unknown provider in mapping": `
providers:
  - id: a
    family: openai
models:
  - id: m
    providers:
      - provider: b
`,
		"discount out of range": `
providers:
  - id: a
    family: openai
models:
  - id: m
    providers:
      - provider: a
        pricing: {discount: 1.5}
`,
		"duplicate model": `
providers:
  - id: a
    family: openai
models:
  - id: m
  - id: m
`,
	}

	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := Parse([]byte(doc))
			assert.Error(t, err)
		})
	}
}

func TestModelWithoutOutputIsText(t *testing.T) {
	m := &Model{ID: "x"}
	assert.True(t, m.Produces(OutputText))
	assert.False(t, m.Produces(OutputImage))
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "catalog.yaml")
	require.NoError(t, os.WriteFile(path, []byte(testCatalog), 0644))

	c, err := Load(path)
	require.NoError(t, err)
	assert.Len(t, c.Models(), 1)
	assert.Len(t, c.Providers(), 2)
	assert.Equal(t, "alpha", c.Providers()[0].ID)
}

func TestDefaultCatalog(t *testing.T) {
	c, err := Default()
	require.NoError(t, err)

	for _, m := range c.Models() {
		assert.NotEmpty(t, m.Mappings, "model %s has no providers", m.ID)
	}

	_, ok := c.FindMapping("llama-3.3-70b-instruct", "groq")
	assert.True(t, ok)
}
