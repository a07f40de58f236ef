package main

import (
	"fmt"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

func newRecognizersCmd() *cobra.Command {
	var lang string
	cmd := &cobra.Command{
		Use:   "recognizers",
		Short: "List the recognizers that serve a language",
		RunE: func(cmd *cobra.Command, args []string) error {
			rt, err := buildPipeline(cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			infos, resolved, err := rt.registry.Describe(lang)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if resolved != lang {
				fmt.Fprintf(out, "Language %s is served by the %s recognizers\n\n", lang, resolved)
			}
			tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "NAME\tKINDS")
			for _, info := range infos {
				fmt.Fprintf(tw, "%s\t%s\n", info.Name, strings.Join(info.Kinds, ", "))
			}
			if err := tw.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d recognizers for %s\n", len(infos), resolved)
			return nil
		},
	}
	cmd.Flags().StringVar(&lang, "lang", "en", "language")
	return cmd
}
