// cmd_delta.go - Root Command: Delta berechnen und optional hochladen
// Hauptfunktionen: DeltaHandler, newDeltaCmd
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtllama/modeldelta/checkpoint"
	"github.com/mtllama/modeldelta/delta"
	"github.com/mtllama/modeldelta/envconfig"
	"github.com/mtllama/modeldelta/format"
	"github.com/mtllama/modeldelta/huggingface"
)

// DeltaHandler - Berechnet target - base und speichert das Delta
func DeltaHandler(cmd *cobra.Command, _ []string) error {
	flags, err := stringFlags(cmd, "base-model-path", "target-model-path", "delta-path", "hub-repo-id", "user-key", "max-shard-size", "pad-token")
	if err != nil {
		return err
	}

	private, err := cmd.Flags().GetBool("private")
	if err != nil {
		return err
	}

	maxShardSize, err := checkpoint.ParseSize(flags["max-shard-size"])
	if err != nil {
		return fmt.Errorf("--max-shard-size: %w", err)
	}

	fn, stop := newProgress()
	defer stop()

	result, err := delta.Make(cmd.Context(), delta.Options{
		BasePath:     flags["base-model-path"],
		TargetPath:   flags["target-model-path"],
		DeltaPath:    flags["delta-path"],
		HubRepoID:    flags["hub-repo-id"],
		UserKey:      flags["user-key"],
		Private:      private,
		PadToken:     flags["pad-token"],
		MaxShardSize: maxShardSize,
		Client:       huggingface.NewClient(huggingface.WithToken(flags["user-key"])),
		Progress:     fn,
	})
	stop()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Saved delta of %d tensors (%s parameters) to %s\n", result.Tensors, format.HumanNumber(uint64(result.Params)), result.Path)
	if result.NumNewTokens > 0 {
		fmt.Fprintf(out, "Added %d token(s) to the base tokenizer\n", result.NumNewTokens)
	}

	for _, c := range result.Commits {
		fmt.Fprintf(out, "\t%s\n", c.CommitURL)
	}

	return nil
}

// newDeltaCmd - Erstellt den Root Command
func newDeltaCmd() *cobra.Command {
	deltaCmd := &cobra.Command{
		Use:   "make-delta",
		Short: "Compute the weight delta between a base and a fine-tuned model",
		Long: `Compute target - base for every parameter of two checkpoints and save the result
with the target tokenizer. Model paths are local directories or hub repository ids.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		RunE: DeltaHandler,
	}

	deltaCmd.Flags().String("base-model-path", "", "Base model directory or hub id")
	deltaCmd.Flags().String("target-model-path", "", "Fine-tuned model directory or hub id")
	deltaCmd.Flags().String("delta-path", "", "Output directory for the delta")
	deltaCmd.Flags().String("hub-repo-id", "", "Push the delta to this hub repository")
	deltaCmd.Flags().String("user-key", "", "Hub token used for the push (default $HF_TOKEN)")
	deltaCmd.Flags().String("max-shard-size", envconfig.MaxShardSize(), "Maximum size of a safetensors shard")
	deltaCmd.Flags().String("pad-token", envconfig.PadToken(), "Padding token added to the base tokenizer")
	deltaCmd.Flags().Bool("private", false, "Create the hub repository as private")

	for _, name := range []string{"base-model-path", "target-model-path", "delta-path"} {
		deltaCmd.MarkFlagRequired(name) //nolint:errcheck
	}

	return deltaCmd
}
