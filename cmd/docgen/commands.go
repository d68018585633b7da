package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"strings"

	"github.com/ashureev/lexigen/internal/category"
	"github.com/ashureev/lexigen/internal/config"
	"github.com/ashureev/lexigen/internal/generation"
	"github.com/ashureev/lexigen/internal/normalize"
	"github.com/ashureev/lexigen/internal/prompt"
	"github.com/ashureev/lexigen/internal/render"
	"github.com/spf13/cobra"
)

// formFlags are shared by prompt and generate.
type formFlags struct {
	category   string
	fields     []string
	fieldsJSON string
	categories string
}

func (f *formFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVarP(&f.category, "category", "c", "", `document category ("rental", "nda", empty for free-form)`)
	cmd.Flags().StringArrayVarP(&f.fields, "field", "f", nil, "field as key=value, repeatable, order is kept")
	cmd.Flags().StringVar(&f.fieldsJSON, "fields-json", "", "JSON object file with field values")
	cmd.Flags().StringVar(&f.categories, "categories", "", "YAML file overriding the built-in categories")
}

// record builds the field record: JSON file first, then --field flags in order.
func (f *formFlags) record() (prompt.FieldRecord, error) {
	var rec prompt.FieldRecord
	if f.fieldsJSON != "" {
		data, err := os.ReadFile(f.fieldsJSON)
		if err != nil {
			return rec, fmt.Errorf("read fields file: %w", err)
		}
		if err := json.Unmarshal(data, &rec); err != nil {
			return rec, fmt.Errorf("parse fields file: %w", err)
		}
	}
	for _, kv := range f.fields {
		key, value, ok := strings.Cut(kv, "=")
		if !ok || key == "" {
			return rec, fmt.Errorf("invalid --field %q, want key=value", kv)
		}
		rec.Set(key, value)
	}
	return rec, nil
}

// promptText resolves the category and assembles the prompt. Free-form
// requests use the single positional argument as the prompt.
func (f *formFlags) promptText(args []string) (string, string, error) {
	reg, err := category.NewRegistry()
	if err != nil {
		return "", "", err
	}
	if f.categories != "" {
		if err := reg.LoadFile(f.categories); err != nil {
			return "", "", err
		}
	}
	cat, ok := reg.Lookup(f.category)
	if !ok {
		return "", "", fmt.Errorf("unknown category %q", f.category)
	}

	if f.category == category.FreeForm {
		if len(args) != 1 {
			return "", "", fmt.Errorf("free-form requests take the request text as one argument")
		}
		return args[0], cat.Filename(), nil
	}

	rec, err := f.record()
	if err != nil {
		return "", "", err
	}
	return prompt.Assemble(cat.Title, rec), cat.Filename(), nil
}

func newPromptCmd() *cobra.Command {
	var form formFlags
	cmd := &cobra.Command{
		Use:   "prompt [text]",
		Short: "Print the prompt that would be sent for a form",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			text, _, err := form.promptText(args)
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), text)
			return err
		},
	}
	form.register(cmd)
	return cmd
}

func newGenerateCmd() *cobra.Command {
	var (
		form     formFlags
		out      string
		pdfOut   string
		url      string
		model    string
		sanitize bool
	)
	cmd := &cobra.Command{
		Use:   "generate [text]",
		Short: "Generate a document and print or save the HTML",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if url != "" {
				cfg.Generation.URL = url
			}
			if model != "" {
				cfg.Generation.Model = model
			}

			text, filename, err := form.promptText(args)
			if err != nil {
				return err
			}

			client := generation.NewClient(generation.Config{
				URL:      cfg.Generation.URL,
				APIKey:   cfg.Generation.APIKey,
				Model:    cfg.Generation.Model,
				AppTitle: cfg.Generation.AppTitle,
				System:   prompt.SystemInstruction,
				Timeout:  cfg.Generation.Timeout,
			}, slog.Default())

			raw, err := client.Complete(cmd.Context(), text)
			if err != nil {
				return fmt.Errorf("generation failed: %w", err)
			}
			doc := normalize.Document(raw)
			if !normalize.StartsWithHeading(doc) {
				slog.Warn("Generated document does not start with a heading")
			}

			surface := render.NewSurface(sanitize, nil)
			doc = surface.Preview(doc)

			if err := writeOutput(cmd, out, []byte(doc)); err != nil {
				return err
			}
			if pdfOut == "" {
				return nil
			}
			return exportPDF(cmd.Context(), cfg, sanitize, doc, filename, pdfOut)
		},
	}
	form.register(cmd)
	cmd.Flags().StringVarP(&out, "out", "o", "", "write HTML to this file instead of stdout")
	cmd.Flags().StringVar(&pdfOut, "pdf", "", "also export the document as PDF to this file")
	cmd.Flags().StringVar(&url, "url", "", "override OPENROUTER_URL")
	cmd.Flags().StringVar(&model, "model", "", "override OPENROUTER_MODEL")
	cmd.Flags().BoolVar(&sanitize, "sanitize", true, "pass the document through the HTML allowlist")
	return cmd
}

func newExportCmd() *cobra.Command {
	var (
		in       string
		out      string
		title    string
		sanitize bool
	)
	cmd := &cobra.Command{
		Use:   "export",
		Short: "Render an HTML document to PDF",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			data, err := os.ReadFile(in)
			if err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			if title == "" {
				title = "document.pdf"
			}
			return exportPDF(cmd.Context(), cfg, sanitize, string(data), title, out)
		},
	}
	cmd.Flags().StringVarP(&in, "in", "i", "", "HTML fragment to export")
	cmd.Flags().StringVarP(&out, "out", "o", "document.pdf", "PDF output path")
	cmd.Flags().StringVar(&title, "title", "", "document title embedded in the PDF")
	cmd.Flags().BoolVar(&sanitize, "sanitize", true, "pass the document through the HTML allowlist")
	_ = cmd.MarkFlagRequired("in")
	return cmd
}

func exportPDF(ctx context.Context, cfg *config.Config, sanitize bool, doc, title, out string) error {
	exporter := render.NewRodExporter(render.RodConfig{
		ChromeBin:     cfg.Render.ChromeBin,
		MaxConcurrent: 1,
	}, slog.Default())
	defer func() {
		if err := exporter.Close(); err != nil {
			slog.Debug("failed to close exporter", "error", err)
		}
	}()

	data, err := render.NewSurface(sanitize, exporter).ExportPDF(ctx, doc, title)
	if err != nil {
		return err
	}
	if err := os.WriteFile(out, data, 0o644); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	slog.Info("PDF written", "path", out, "bytes", len(data))
	return nil
}

func writeOutput(cmd *cobra.Command, path string, data []byte) error {
	if path == "" {
		_, err := cmd.OutOrStdout().Write(append(data, '\n'))
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("write output: %w", err)
	}
	return nil
}
