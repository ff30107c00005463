// cmd_show.go - Show Command und Checkpoint-Info Anzeige
// Hauptfunktionen: ShowHandler, showInfo
package cmd

import (
	"fmt"
	"io"
	"log/slog"
	"strconv"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/mtllama/modeldelta/checkpoint"
	"github.com/mtllama/modeldelta/format"
	"github.com/mtllama/modeldelta/huggingface"
	"github.com/mtllama/modeldelta/tokenizer"
)

// ShowHandler - Zeigt Informationen zu einem Checkpoint an
func ShowHandler(cmd *cobra.Command, args []string) error {
	dir, err := huggingface.NewClient().ResolveModelPath(cmd.Context(), args[0])
	if err != nil {
		return err
	}

	c, err := checkpoint.Load(cmd.Context(), dir)
	if err != nil {
		return err
	}

	// Ein fehlender Tokenizer ist fuer die Anzeige kein Fehler
	tok, err := tokenizer.Load(dir)
	if err != nil {
		slog.Debug("no tokenizer", "dir", dir, "error", err)
		tok = nil
	}

	return showInfo(c, tok, cmd.OutOrStdout())
}

// showInfo - Gibt Modell-, Tokenizer- und Tensor-Tabellen aus
func showInfo(c *checkpoint.Checkpoint, tok *tokenizer.Tokenizer, w io.Writer) error {
	tableRender := func(header string, rows func() [][]string) {
		fmt.Fprintln(w, " ", header)
		table := tablewriter.NewWriter(w)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		table.SetBorder(false)
		table.SetNoWhiteSpace(true)
		table.SetTablePadding("    ")
		table.SetAutoWrapText(false)
		table.AppendBulk(rows())
		table.Render()
		fmt.Fprintln(w)
	}

	params := c.Parameters()
	tableRender("Model", func() (rows [][]string) {
		if arch := params.Architecture(); arch != "" {
			rows = append(rows, []string{"", "architecture", arch})
		}
		rows = append(rows, []string{"", "parameters", format.HumanNumber(uint64(c.NumParams()))})
		rows = append(rows, []string{"", "tensors", strconv.Itoa(c.Len())})
		rows = append(rows, []string{"", "size", format.HumanBytes(c.Size())})
		if params.TorchDType != "" {
			rows = append(rows, []string{"", "dtype", params.TorchDType})
		}
		if v := params.Vocab(); v > 0 {
			rows = append(rows, []string{"", "vocab size", strconv.FormatUint(uint64(v), 10)})
		}
		return
	})

	if tok != nil {
		tableRender("Tokenizer", func() (rows [][]string) {
			if m := tok.Model(); m != "" {
				rows = append(rows, []string{"", "model", m})
			}
			rows = append(rows, []string{"", "tokens", strconv.Itoa(tok.Len())})
			for _, typ := range tokenizer.SpecialTokenTypes {
				if content, ok := tok.SpecialToken(typ); ok {
					rows = append(rows, []string{"", typ + " token", content})
				}
			}
			return
		})
	}

	tableRender("Tensors", func() (rows [][]string) {
		for _, name := range c.Names() {
			t, _ := c.Tensor(name)
			rows = append(rows, []string{"", t.Name, string(t.DType), fmt.Sprint(t.Shape)})
		}
		return
	})

	return nil
}

// newShowCmd - Erstellt den show Command
func newShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show PATH",
		Short: "Show information for a checkpoint",
		Args:  cobra.ExactArgs(1),
		RunE:  ShowHandler,
	}
}
