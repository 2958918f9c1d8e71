package cmd

import (
	"fmt"
	"time"

	"github.com/CrowderSoup/boardsync/board"
	"github.com/spf13/cobra"
)

const dateFlagLayout = "2006-01-02"

var boardCmd = &cobra.Command{
	Use:   "board",
	Short: "Fetch stages and records and print the board",
	RunE:  runBoard,
}

func init() {
	addFilterFlags(boardCmd)
	rootCmd.AddCommand(boardCmd)
}

func addFilterFlags(cmd *cobra.Command) {
	cmd.Flags().StringSlice("owner", nil, "only show cards with this owner (repeatable)")
	cmd.Flags().StringSlice("status", nil, "only show cards in this stage (repeatable)")
	cmd.Flags().String("from", "", "only show cards created on or after this date (YYYY-MM-DD)")
	cmd.Flags().String("to", "", "only show cards created on or before this date (YYYY-MM-DD)")
	cmd.Flags().String("search", "", "case-insensitive text search")
}

// filtersFromFlags reads the filter flags. Dates are taken in local time.
func filtersFromFlags(cmd *cobra.Command) (board.Filters, string, error) {
	var f board.Filters
	f.Owners, _ = cmd.Flags().GetStringSlice("owner")
	f.Statuses, _ = cmd.Flags().GetStringSlice("status")

	for _, bound := range []struct {
		flag string
		dst  *time.Time
	}{
		{"from", &f.From},
		{"to", &f.To},
	} {
		v, _ := cmd.Flags().GetString(bound.flag)
		if v == "" {
			continue
		}
		t, err := time.ParseInLocation(dateFlagLayout, v, time.Local)
		if err != nil {
			return board.Filters{}, "", fmt.Errorf("--%s: %w", bound.flag, err)
		}
		*bound.dst = t
	}

	search, _ := cmd.Flags().GetString("search")
	return f, search, nil
}

func runBoard(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	filters, search, err := filtersFromFlags(cmd)
	if err != nil {
		return err
	}

	r, _, err := newReconciler(cfg, logger)
	if err != nil {
		return err
	}
	defer r.Close()

	r.SetFilters(filters)
	r.SetSearch(search)
	if err := r.Refresh(cmd.Context()); err != nil {
		return err
	}
	return printBoard(cmd.OutOrStdout(), r.Board(), board.DefaultSchema())
}
