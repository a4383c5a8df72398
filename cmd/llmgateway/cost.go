package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgateway/internal/cost"
)

func newCostCmd() *cobra.Command {
	var (
		in                 cost.Input
		prompt, completion int
		cached             int
	)
	cmd := &cobra.Command{
		Use:   "cost",
		Short: "Price token counts for a model on a provider",
		Example: `  llmgateway cost --model gpt-4o-mini --provider openai --prompt 1200 --completion 300
  llmgateway cost --model gpt-image-1 --provider openai --output-images 2`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			if _, ok := cat.FindMapping(in.Model, in.Provider); !ok {
				return fmt.Errorf("provider %q does not serve model %q", in.Provider, in.Model)
			}

			in.PromptTokens = &prompt
			in.CompletionTokens = &completion
			in.CachedTokens = &cached
			b := cost.New(cat, nil).Calculate(in)

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(b)
		},
	}

	f := cmd.Flags()
	f.StringVar(&in.Model, "model", "", "model id")
	f.StringVar(&in.Provider, "provider", "", "provider id")
	f.IntVar(&prompt, "prompt", 0, "prompt tokens")
	f.IntVar(&completion, "completion", 0, "completion tokens")
	f.IntVar(&cached, "cached", 0, "cached prompt tokens (part of --prompt)")
	f.IntVar(&in.ReasoningTokens, "reasoning", 0, "reasoning tokens")
	f.IntVar(&in.InputImageCount, "input-images", 0, "input images")
	f.IntVar(&in.OutputImageCount, "output-images", 0, "generated images")
	f.StringVar(&in.OutputImageSize, "image-size", "", "generated image size (4K counts extra)")
	f.IntVar(&in.WebSearchCount, "web-searches", 0, "web search calls")
	cmd.MarkFlagRequired("model")
	cmd.MarkFlagRequired("provider")
	return cmd
}
