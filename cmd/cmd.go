// cmd.go - Haupt-CLI Setup und Root Command
// Hauptfunktionen: NewCLI, appendEnvDocs
package cmd

import (
	"fmt"
	"log/slog"
	"os"
	"runtime"

	"github.com/containerd/console"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/mtllama/modeldelta/envconfig"
	"github.com/mtllama/modeldelta/logutil"
	"github.com/mtllama/modeldelta/version"
)

// appendEnvDocs - Fuegt Umgebungsvariablen-Dokumentation zum Command hinzu
func appendEnvDocs(cmd *cobra.Command, envs []envconfig.EnvVar) {
	if len(envs) == 0 {
		return
	}

	envUsage := `
Environment Variables:
`
	for _, e := range envs {
		envUsage += fmt.Sprintf("      %-26s   %s\n", e.Name, e.Description)
	}

	cmd.SetUsageTemplate(cmd.UsageTemplate() + envUsage)
}

// NewCLI - Erstellt das Haupt-CLI mit allen Commands
func NewCLI() *cobra.Command {
	cobra.EnableCommandSorting = false

	if runtime.GOOS == "windows" && term.IsTerminal(int(os.Stdout.Fd())) {
		console.ConsoleFromFile(os.Stdin) //nolint:errcheck
	}

	rootCmd := newDeltaCmd()
	rootCmd.Version = version.Version
	rootCmd.SetVersionTemplate("make-delta version {{.Version}}\n")
	rootCmd.Flags().BoolP("version", "v", false, "Show version information")
	rootCmd.PersistentPreRun = func(cmd *cobra.Command, _ []string) {
		slog.SetDefault(logutil.NewLogger(os.Stderr, envconfig.LogLevel()))
	}

	applyCmd := newApplyCmd()
	showCmd := newShowCmd()

	// Environment-Dokumentation hinzufuegen
	envVars := envconfig.AsMap()
	hubEnvs := []envconfig.EnvVar{
		envVars["DELTA_DEBUG"],
		envVars["HF_TOKEN"],
		envVars["HF_ENDPOINT"],
		envVars["HF_HUB_CACHE"],
		envVars["HF_HUB_OFFLINE"],
		envVars["DELTA_DOWNLOAD_CONCURRENCY"],
		envVars["HTTPS_PROXY"],
	}

	for _, cmd := range []*cobra.Command{rootCmd, applyCmd, showCmd} {
		switch cmd {
		case rootCmd:
			appendEnvDocs(cmd, append([]envconfig.EnvVar{
				envVars["DELTA_MAX_SHARD_SIZE"],
				envVars["DELTA_PAD_TOKEN"],
				envVars["DELTA_UPLOAD_CONCURRENCY"],
			}, hubEnvs...))
		case applyCmd:
			appendEnvDocs(cmd, append([]envconfig.EnvVar{envVars["DELTA_MAX_SHARD_SIZE"]}, hubEnvs...))
		default:
			appendEnvDocs(cmd, hubEnvs)
		}
	}

	rootCmd.AddCommand(applyCmd, showCmd)

	return rootCmd
}
