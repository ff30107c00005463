// MODUL: make-delta/main
// ZWECK: Einstiegspunkt des make-delta CLI
// NEBENEFFEKTE: Ctrl+C bricht laufende Operationen ueber den Context ab

package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/mtllama/modeldelta/cmd"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cobra.CheckErr(cmd.NewCLI().ExecuteContext(ctx))
}
