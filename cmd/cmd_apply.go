// cmd_apply.go - Apply Command: Zielmodell aus Basis und Delta wiederherstellen
// Hauptfunktionen: ApplyHandler, newApplyCmd
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mtllama/modeldelta/checkpoint"
	"github.com/mtllama/modeldelta/delta"
	"github.com/mtllama/modeldelta/envconfig"
)

// ApplyHandler - Addiert die Basisgewichte auf ein Delta
func ApplyHandler(cmd *cobra.Command, _ []string) error {
	flags, err := stringFlags(cmd, "base-model-path", "delta-path", "target-model-path", "max-shard-size")
	if err != nil {
		return err
	}

	maxShardSize, err := checkpoint.ParseSize(flags["max-shard-size"])
	if err != nil {
		return fmt.Errorf("--max-shard-size: %w", err)
	}

	fn, stop := newProgress()
	defer stop()

	result, err := delta.Apply(cmd.Context(), delta.ApplyOptions{
		BasePath:     flags["base-model-path"],
		DeltaPath:    flags["delta-path"],
		TargetPath:   flags["target-model-path"],
		MaxShardSize: maxShardSize,
		Progress:     fn,
	})
	stop()
	if err != nil {
		return err
	}

	fmt.Fprintf(cmd.OutOrStdout(), "Saved model with %d tensors to %s\n", result.Tensors, result.Path)
	return nil
}

// newApplyCmd - Erstellt den apply Command
func newApplyCmd() *cobra.Command {
	applyCmd := &cobra.Command{
		Use:   "apply",
		Short: "Reconstruct a fine-tuned model from a base model and a delta",
		Args:  cobra.NoArgs,
		RunE:  ApplyHandler,
	}

	applyCmd.Flags().String("base-model-path", "", "Base model directory or hub id")
	applyCmd.Flags().String("delta-path", "", "Delta directory or hub id")
	applyCmd.Flags().String("target-model-path", "", "Output directory for the reconstructed model")
	applyCmd.Flags().String("max-shard-size", envconfig.MaxShardSize(), "Maximum size of a safetensors shard")

	for _, name := range []string{"base-model-path", "delta-path", "target-model-path"} {
		applyCmd.MarkFlagRequired(name) //nolint:errcheck
	}

	return applyCmd
}
