package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func newTextCmd() *cobra.Command {
	var (
		lang        string
		asJSON      bool
		placeholder string
	)
	cmd := &cobra.Command{
		Use:   "text [text...]",
		Short: "Scrub text from the arguments or stdin",
		Example: `  scrub text "My name is John Smith and my email is john@example.com"
  cat transcript.txt | scrub text --lang de --json`,
		RunE: func(cmd *cobra.Command, args []string) error {
			input := strings.Join(args, " ")
			if len(args) == 0 {
				data, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("reading stdin: %w", err)
				}
				input = strings.TrimRight(string(data), "\n")
			}
			if cmd.Flags().Changed("placeholder") {
				cfg.Substitution.Default = placeholder
			}
			rt, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()

			ctx, tr := cmdContext(cmd)
			res, err := rt.engine.Scrub(ctx, input, lang)
			tr.LogAt(log.Logger, time.Now())
			if err != nil {
				return err
			}
			for _, w := range res.Warnings {
				log.Warn().Str("language", res.Language).Msg(w)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(res)
			}
			fmt.Fprintln(out, res.Text)
			if verbose && len(res.Entities) > 0 {
				tw := tabwriter.NewWriter(cmd.ErrOrStderr(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "KIND\tSTART\tEND\tSCORE\tSOURCE")
				for _, e := range res.Entities {
					fmt.Fprintf(tw, "%s\t%d\t%d\t%.2f\t%s\n", e.Kind, e.Start, e.End, e.Score, e.Source)
				}
				return tw.Flush()
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "language of the text")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the full result as JSON")
	cmd.Flags().StringVar(&placeholder, "placeholder", "", "replacement for every entity, e.g. \"<{{kind}}>\"")
	return cmd
}
