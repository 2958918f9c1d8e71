package cmd

import (
	"fmt"
	"io"
	"strings"
	"text/tabwriter"

	"github.com/CrowderSoup/boardsync/board"
)

// printBoard writes one block per column, cards indented beneath the stage
// heading with their display fields tab-aligned.
func printBoard(w io.Writer, b board.Board, schema board.Schema) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, col := range b.Columns {
		fmt.Fprintf(tw, "%s (%d)\n", col.Stage.Title, len(col.Cards))
		for _, card := range col.Cards {
			printCard(tw, card, schema)
		}
	}
	if len(b.Unassigned) > 0 {
		fmt.Fprintf(tw, "Unassigned (%d)\n", len(b.Unassigned))
		for _, card := range b.Unassigned {
			printCard(tw, card, schema)
		}
	}
	return tw.Flush()
}

func printCard(w io.Writer, card board.Card, schema board.Schema) {
	cells := []string{"  " + card.ID}
	for _, f := range schema.DisplayFields {
		cells = append(cells, card.Fields[f])
	}
	fmt.Fprintln(w, strings.Join(cells, "\t"))
}
