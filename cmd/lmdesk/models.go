package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/kalambet/lmdesk/internal/inference"
)

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List the models served by the inference endpoint",
	Long: `List the models served by the configured inference endpoint.

With --detect the local default ports of vLLM, Ollama and LM Studio are
probed and the first reachable server is used. --save stores it as the
configured provider.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		detect, _ := cmd.Flags().GetBool("detect")
		save, _ := cmd.Flags().GetBool("save")
		asJSON, _ := cmd.Flags().GetBool("json")

		ctx := cmd.Context()
		client := newInferenceClient()
		ep := cfg.Endpoint()

		if detect {
			found, err := client.Detect(ctx, inference.DefaultEndpoints()...)
			if err != nil {
				return err
			}
			printSuccess("Found %s", found)
			ep = found
			if save {
				if err := store.Set("provider.kind", string(found.Kind)); err != nil {
					return err
				}
				if err := store.Set("provider.base_url", found.BaseURL); err != nil {
					return err
				}
				printSuccess("Saved %s as the default provider", found.Name)
			}
		}

		models, err := client.ListModels(ctx, ep)
		if err != nil {
			return fmt.Errorf("listing models on %s: %w", ep, err)
		}

		out := cmd.OutOrStdout()
		if asJSON {
			enc := json.NewEncoder(out)
			enc.SetIndent("", "  ")
			return enc.Encode(models)
		}
		if len(models) == 0 {
			fmt.Fprintln(out, "No models found.")
			return nil
		}
		fmt.Fprintln(out, renderModels(models))
		return nil
	},
}

func renderModels(models []inference.Model) string {
	rows := make([][]string, len(models))
	for i, m := range models {
		rows[i] = []string{m.ID, m.OwnedBy}
	}
	return renderTable([]string{"Model", "Owned by"}, rows)
}

func init() {
	modelsCmd.Flags().Bool("detect", false, "probe local default endpoints")
	modelsCmd.Flags().Bool("save", false, "with --detect, store the detected provider")
	modelsCmd.Flags().Bool("json", false, "print models as JSON")
}
