package main

import (
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/howard-nolan/llmgateway/internal/catalog"
)

func newCatalogCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "catalog",
		Short: "List models, their providers and pricing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			cat, err := loadCatalog(cfg)
			if err != nil {
				return err
			}
			printCatalog(cmd.OutOrStdout(), cat, time.Now())
			return nil
		},
	}
}

// printCatalog writes one block per model. Prices are shown per million
// tokens, the unit providers publish.
func printCatalog(w io.Writer, cat *catalog.Catalog, now time.Time) {
	bold := color.New(color.Bold)
	warn := color.New(color.FgYellow)
	dim := color.New(color.Faint)

	for _, m := range cat.Models() {
		outputs := make([]string, 0, len(m.Output))
		for _, k := range m.Output {
			outputs = append(outputs, string(k))
		}
		if len(outputs) == 0 {
			outputs = append(outputs, string(catalog.OutputText))
		}
		bold.Fprintf(w, "%s", m.ID)
		dim.Fprintf(w, "  [%s]", strings.Join(outputs, ", "))
		if m.Deprecated(now) {
			warn.Fprintf(w, "  deprecated since %s", m.DeprecatedAt.Format(time.DateOnly))
		}
		fmt.Fprintln(w)

		for _, mp := range m.Mappings {
			fmt.Fprintf(w, "  %-18s %-36s %s\n", mp.ProviderID, mp.ModelName, formatPricing(mp.Pricing))
		}
	}
}

func formatPricing(p *catalog.Pricing) string {
	if p == nil {
		return "no pricing"
	}
	var parts []string
	if p.InputPrice > 0 || p.OutputPrice > 0 {
		parts = append(parts, fmt.Sprintf("in $%.2f/M out $%.2f/M", p.InputPrice*1e6, p.OutputPrice*1e6))
	}
	if p.CachedInputPrice > 0 {
		parts = append(parts, fmt.Sprintf("cached $%.3f/M", p.CachedInputPrice*1e6))
	}
	if p.ImageOutputPrice > 0 {
		parts = append(parts, fmt.Sprintf("image out $%.2f/M", p.ImageOutputPrice*1e6))
	}
	if p.RequestPrice > 0 {
		parts = append(parts, fmt.Sprintf("$%.4f/request", p.RequestPrice))
	}
	if p.Discount > 0 {
		parts = append(parts, fmt.Sprintf("-%.0f%%", p.Discount*100))
	}
	if len(parts) == 0 {
		return "free"
	}
	return strings.Join(parts, ", ")
}
