package cmd

import (
	"errors"
	"fmt"
	"strings"

	"github.com/CrowderSoup/boardsync/board"
	"github.com/spf13/cobra"
)

var moveCmd = &cobra.Command{
	Use:   "move <card> <stage>",
	Short: "Move a card to another stage",
	Long:  "Move a card to another stage. The stage may be given by id or by title.",
	Args:  cobra.ExactArgs(2),
	RunE:  runMove,
}

func init() {
	rootCmd.AddCommand(moveCmd)
}

func runMove(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	r, _, err := newReconciler(cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Refresh(cmd.Context()); err != nil {
		return err
	}

	cardID := args[0]
	source, ok := findCard(r.Board(), cardID)
	if !ok {
		return fmt.Errorf("card %s is not on the board", cardID)
	}
	target, ok := resolveStage(r.Stages(), args[1])
	if !ok {
		return fmt.Errorf("%w: %s", board.ErrUnknownStage, args[1])
	}

	if err := r.StartDrag(source, cardID); err != nil {
		return err
	}
	res, err := r.DropOn(cmd.Context(), target.ID)
	var rejected *board.MoveRejectedError
	if errors.As(err, &rejected) {
		return fmt.Errorf("move rejected: %s", rejected.Reason)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	if res.SameStage {
		fmt.Fprintf(out, "%s is already in %s\n", res.Card.ID, res.Card.Label)
		return nil
	}
	fmt.Fprintf(out, "Moved %s to %s\n", res.Card.ID, res.Card.Label)
	return nil
}

// findCard returns the stage holding cardID; "" means Board.Unassigned.
func findCard(b board.Board, cardID string) (string, bool) {
	for _, col := range b.Columns {
		for _, c := range col.Cards {
			if c.ID == cardID {
				return col.Stage.ID, true
			}
		}
	}
	for _, c := range b.Unassigned {
		if c.ID == cardID {
			return "", true
		}
	}
	return "", false
}

// resolveStage matches by id first, then by title ignoring case.
func resolveStage(stages []board.Stage, ref string) (board.Stage, bool) {
	for _, st := range stages {
		if st.ID == ref {
			return st, true
		}
	}
	for _, st := range stages {
		if strings.EqualFold(st.Title, ref) {
			return st, true
		}
	}
	return board.Stage{}, false
}
