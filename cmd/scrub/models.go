package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"scrub/internal/detect"
	"scrub/internal/models"
)

func newModelsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "models",
		Short: "Inspect the statistical models under the models root",
	}
	cmd.AddCommand(
		&cobra.Command{
			Use:   "list",
			Short: "List known models and whether they are installed",
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := models.LoadEmbeddedRegistry()
				if err != nil {
					return err
				}
				modelList(cmd.OutOrStdout(), reg, cfg.NER.ModelsRoot)
				return nil
			},
		},
		&cobra.Command{
			Use:   "info <name>",
			Short: "Show details of one model",
			Args:  cobra.ExactArgs(1),
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := models.LoadEmbeddedRegistry()
				if err != nil {
					return err
				}
				return modelInfo(cmd.OutOrStdout(), reg, cfg.NER.ModelsRoot, args[0])
			},
		},
		&cobra.Command{
			Use:   "verify",
			Short: "Check that installed models are complete and load",
			RunE: func(cmd *cobra.Command, args []string) error {
				reg, err := models.LoadEmbeddedRegistry()
				if err != nil {
					return err
				}
				return modelVerify(cmd.Context(), cmd.OutOrStdout(), reg, cfg.NER.ModelsRoot, validateModelLoads)
			},
		},
	)
	return cmd
}

func modelList(w io.Writer, reg models.Registry, root string) {
	fmt.Fprintln(w, "Models")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	fmt.Fprintf(w, "%-10s %-6s %-8s %-14s %-30s\n", "NAME", "LANG", "SIZE", "STATUS", "KINDS")
	fmt.Fprintln(w, strings.Repeat("-", 80))
	installed := 0
	var totalSize int64
	for _, m := range reg.Models {
		status := "not installed"
		if models.IsInstalled(root, m) {
			status = "installed"
			installed++
			totalSize += m.SizeBytes
		}
		fmt.Fprintf(w, "%-10s %-6s %-8s %-14s %-30s\n", m.Name, m.Language, humanBytes(m.SizeBytes), status, strings.Join(m.EntityTypes, ", "))
	}
	fmt.Fprintln(w, strings.Repeat("-", 80))
	fmt.Fprintf(w, "Installed: %d/%d models\n", installed, len(reg.Models))
	fmt.Fprintf(w, "Total size: %s\n", humanBytes(totalSize))
	fmt.Fprintf(w, "Models root: %s\n", root)
}

func modelInfo(w io.Writer, reg models.Registry, root, name string) error {
	m, ok := reg.Find(name)
	if !ok {
		return fmt.Errorf("model %q not found", name)
	}
	status := "Not installed"
	if models.IsInstalled(root, m) {
		status = "Installed"
	}
	fmt.Fprintf(w, "NER Model: %s\n", m.Name)
	fmt.Fprintln(w, strings.Repeat("-", 40))
	fmt.Fprintf(w, "Status:         %s\n", status)
	fmt.Fprintf(w, "Version:        %s\n", m.Version)
	fmt.Fprintf(w, "Language:       %s\n", m.Language)
	fmt.Fprintf(w, "Size:           %s\n", humanBytes(m.SizeBytes))
	fmt.Fprintf(w, "Location:       %s\n", models.ModelInstallPath(root, m.Name))
	fmt.Fprintf(w, "Description:    %s\n", m.Description)
	fmt.Fprintf(w, "Entity Types:   %s\n", strings.Join(m.EntityTypes, ", "))
	fmt.Fprintf(w, "Accuracy:       F1 %.2f (%s)\n", m.Accuracy.F1Score, m.Accuracy.Benchmark)
	fmt.Fprintf(w, "Architecture:   %s\n", m.Architecture)
	fmt.Fprintf(w, "License:        %s\n", m.License)
	fmt.Fprintf(w, "Source:         %s\n", m.Source)
	return nil
}

type loadCheck func(ctx context.Context, dir string) error

func modelVerify(ctx context.Context, w io.Writer, reg models.Registry, root string, load loadCheck) error {
	fmt.Fprintln(w, "Verifying installed models...")
	installed, failures := 0, 0
	for _, m := range reg.Models {
		if !models.IsInstalled(root, m) {
			continue
		}
		installed++
		dir := models.ModelInstallPath(root, m.Name)
		fmt.Fprintf(w, "\n%s\n", m.Name)
		if err := models.ValidateModelDir(dir); err != nil {
			fmt.Fprintf(w, "  ├─ Files...    ✗ (%v)\n", err)
			failures++
			continue
		}
		fmt.Fprintln(w, "  ├─ Files...    ✓")
		if err := load(ctx, dir); err != nil {
			fmt.Fprintf(w, "  └─ Loadable... ✗ (%v)\n", err)
			failures++
			continue
		}
		fmt.Fprintln(w, "  └─ Loadable... ✓")
	}
	if installed == 0 {
		fmt.Fprintln(w, "\nNo installed models found")
		return nil
	}
	if failures > 0 {
		return fmt.Errorf("%d model(s) failed verification", failures)
	}
	fmt.Fprintln(w, "\nAll models verified")
	return nil
}

func validateModelLoads(ctx context.Context, dir string) error {
	m := detect.NewONNXModel(detect.ONNXConfig{ModelDir: dir, Backend: cfg.NER.ONNXRuntime, MaxBytes: cfg.NER.MaxBytes})
	defer m.Close()
	ctx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	const sample = "John Doe emailed jane@example.com"
	_, err := m.Predict(ctx, sample, detect.WordTokenizer{}.Tokenize(sample))
	if errors.Is(err, detect.ErrModelUnavailable) {
		return fmt.Errorf("model files present but session failed to start: %w", err)
	}
	return err
}

func humanBytes(n int64) string {
	if n <= 0 {
		return "0 B"
	}
	const mb = 1024 * 1024
	if n >= mb {
		return fmt.Sprintf("%d MB", n/mb)
	}
	return fmt.Sprintf("%d KB", n/1024)
}
