package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"strings"

	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
	"golang.org/x/time/rate"

	"github.com/kalambet/lmdesk/internal/ocr"
	"github.com/kalambet/lmdesk/internal/tables"
)

var imageExts = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".tif", ".tiff"}

var ocrCmd = &cobra.Command{
	Use:   "ocr <path>...",
	Short: "Extract tables from images",
	Long: `Extract structured data from images, one model call per image.
Directories are expanded to the image files they contain.

Examples:
  lmdesk ocr receipt.png --model qwen2.5-vl
  lmdesk ocr ./scans --xlsx tables.xlsx
  lmdesk ocr page1.png page2.png --json`,
	Args: cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts := ocrOptions{Model: cfg.OCR.Model, Prompt: cfg.OCR.Prompt}
		if m, _ := cmd.Flags().GetString("model"); m != "" {
			opts.Model = m
		}
		if p, _ := cmd.Flags().GetString("prompt"); p != "" {
			opts.Prompt = p
		}
		opts.XLSX, _ = cmd.Flags().GetString("xlsx")
		opts.JSON, _ = cmd.Flags().GetBool("json")
		opts.Tables, _ = cmd.Flags().GetBool("tables")
		if opts.Model == "" {
			return fmt.Errorf("no OCR model: pass --model or run 'lmdesk config set ocr.model <id>'")
		}

		inputs, err := expandInputs(args)
		if err != nil {
			return err
		}

		pipelineOpts := []ocr.Option{ocr.WithLogger(slog.Default())}
		if rps := cfg.OCR.RequestsPerSecond; rps > 0 {
			pipelineOpts = append(pipelineOpts, ocr.WithLimiter(rate.NewLimiter(rate.Limit(rps), 1)))
		}
		p := ocr.NewPipeline(ocr.ClientExtractor{Client: newInferenceClient(), Endpoint: cfg.Endpoint()}, pipelineOpts...)
		return runOCR(cmd.Context(), p, inputs, opts, cmd.OutOrStdout())
	},
}

func init() {
	ocrCmd.Flags().String("model", "", "vision model ID (default ocr.model)")
	ocrCmd.Flags().String("prompt", "", "extraction instruction (default ocr.prompt or the built-in one)")
	ocrCmd.Flags().String("xlsx", "", "write the extracted tables to this spreadsheet")
	ocrCmd.Flags().Bool("json", false, "print raw results as JSON")
	ocrCmd.Flags().Bool("tables", false, "print the extracted tables")
}

type ocrOptions struct {
	Model  string
	Prompt string
	XLSX   string
	JSON   bool
	Tables bool
}

// expandInputs turns file and directory arguments into image inputs.
// Directory contents are filtered by extension and sorted by path.
func expandInputs(paths []string) ([]ocr.Input, error) {
	var inputs []ocr.Input
	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, err
		}
		if !info.IsDir() {
			inputs = append(inputs, ocr.Input{Path: p})
			continue
		}
		var found []string
		err = filepath.WalkDir(p, func(path string, d os.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && slices.Contains(imageExts, strings.ToLower(filepath.Ext(path))) {
				found = append(found, path)
			}
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("scanning %s: %w", p, err)
		}
		slices.Sort(found)
		for _, f := range found {
			inputs = append(inputs, ocr.Input{Path: f})
		}
	}
	if len(inputs) == 0 {
		return nil, fmt.Errorf("no image files found")
	}
	return inputs, nil
}

func runOCR(ctx context.Context, p *ocr.Pipeline, inputs []ocr.Input, opts ocrOptions, out io.Writer) error {
	if _, err := p.AddImages(inputs...); err != nil {
		return err
	}
	if !opts.JSON {
		printStep("Extracting %d image(s) with %s", len(inputs), opts.Model)
	}

	bar := progressbar.NewOptions(len(inputs),
		progressbar.OptionSetWriter(os.Stderr),
		progressbar.OptionSetDescription("Extracting"),
		progressbar.OptionShowCount(),
		progressbar.OptionClearOnFinish(),
		progressbar.OptionSetVisibility(!opts.JSON && isTerminal(os.Stderr)),
	)
	results, err := p.Process(ctx, ocr.Request{
		Model:  opts.Model,
		Prompt: opts.Prompt,
		OnProgress: func(pr ocr.Progress) {
			bar.Set(pr.Processed)
		},
	})
	bar.Finish()
	if err != nil {
		return err
	}
	prog := p.Progress()

	if opts.JSON {
		enc := json.NewEncoder(out)
		enc.SetIndent("", "  ")
		if err := enc.Encode(results); err != nil {
			return err
		}
	} else {
		fmt.Fprintln(out, renderResults(results))
	}

	if opts.Tables || opts.XLSX != "" {
		tbls, err := tables.FromResults(results)
		if err != nil {
			return err
		}
		if opts.Tables {
			for i, t := range tbls {
				fmt.Fprintf(out, "\n%s\n%s\n", colorize(colorBold, tables.SheetName(i, len(tbls))), renderTable(t.Headers, t.Rows))
			}
		}
		if opts.XLSX != "" {
			if err := writeXLSXFile(opts.XLSX, tbls); err != nil {
				return err
			}
			printSuccess("Wrote %d table(s) to %s", len(tbls), opts.XLSX)
		}
	}

	if prog.Errors > 0 {
		return fmt.Errorf("%d of %d images failed", prog.Errors, prog.Total)
	}
	return nil
}

func renderResults(results []ocr.Result) string {
	rows := make([][]string, len(results))
	for i, r := range results {
		status := colorize(colorGreen, string(ocr.StatusCompleted))
		detail := fmt.Sprintf("%d chars", len([]rune(r.Data)))
		if !r.OK() {
			status = colorize(colorRed, string(ocr.StatusError))
			detail = r.Error
		}
		rows[i] = []string{r.Name, status, detail}
	}
	return renderTable([]string{"Image", "Status", "Result"}, rows)
}

func writeXLSXFile(path string, tbls []tables.Table) error {
	f, err := os.Create(path)
	if err != nil {
		return fmt.Errorf("creating %s: %w", path, err)
	}
	if err := tables.WriteXLSX(f, tbls); err != nil {
		f.Close()
		os.Remove(path)
		return err
	}
	return f.Close()
}
