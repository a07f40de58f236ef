package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scrub/internal/detect"
)

func newNERCmd() *cobra.Command {
	var (
		lang    string
		timeout time.Duration
	)
	cmd := &cobra.Command{
		Use:   "ner <text>",
		Short: "Run only the statistical model on text",
		Example: `  scrub ner "My name is Jane Doe and I work at Acme Corp"`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			lang = detect.NormalizeLanguage(lang)
			nerModels, closers, err := buildModels(cfg)
			if err != nil {
				return err
			}
			rt := &pipeline{closers: closers}
			defer rt.Close()
			model, ok := nerModels[lang]
			if !ok {
				return fmt.Errorf("no statistical model for %s (ner.backend=%s)", lang, cfg.NER.Backend)
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Model: %s\nText:  %q\n\n", model.Name(), text)

			start := time.Now()
			tokens := detect.TokenizerFor(lang).Tokenize(text)
			entities, err := model.Predict(ctx, text, tokens)
			elapsed := time.Since(start)
			if err != nil {
				if errors.Is(err, detect.ErrModelUnavailable) {
					fmt.Fprintln(out, "Troubleshooting:")
					fmt.Fprintln(out, "- python backend: pip3 install onnxruntime numpy")
					fmt.Fprintln(out, "- check the model with: scrub models verify")
				}
				return err
			}

			fmt.Fprintf(out, "Completed in %v, %d entities\n\n", elapsed.Truncate(time.Microsecond), len(entities))
			if len(entities) == 0 {
				return nil
			}
			fmt.Fprintf(out, "%-4s %-14s %-30s %-6s %-6s %s\n", "#", "KIND", "TEXT", "START", "END", "SCORE")
			fmt.Fprintln(out, strings.Repeat("-", 72))
			for i, e := range entities {
				fmt.Fprintf(out, "%-4d %-14s %-30s %-6d %-6d %.2f\n", i+1, e.Kind, ellipsis(text[e.Start:e.End], 28), e.Start, e.End, e.Score)
			}
			fmt.Fprintln(out, "\nJSON:")
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(entities)
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "language of the text")
	cmd.Flags().DurationVar(&timeout, "timeout", 10*time.Second, "prediction timeout")
	return cmd
}

func ellipsis(s string, max int) string {
	r := []rune(s)
	if len(r) <= max {
		return s
	}
	return string(r[:max-3]) + "..."
}
