package cmd

import (
	"context"
	"encoding/json"
	"errors"
	"os/signal"
	"syscall"

	"github.com/CrowderSoup/boardsync/board"
	"github.com/CrowderSoup/boardsync/client"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

// recordUpdated is the event type the backend publishes after a status change.
const recordUpdated = "record.updated"

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Print the board and reprint it on every live update",
	RunE:  runWatch,
}

func init() {
	addFilterFlags(watchCmd)
	rootCmd.AddCommand(watchCmd)
}

func runWatch(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	filters, search, err := filtersFromFlags(cmd)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	out := cmd.OutOrStdout()
	schema := board.DefaultSchema()
	r, c, err := newReconciler(cfg, logger, board.WithOnChange(func(b board.Board) {
		if err := printBoard(out, b, schema); err != nil {
			logger.WithError(err).Warn("Failed to print board")
		}
	}))
	if err != nil {
		return err
	}
	defer r.Close()

	r.SetFilters(filters)
	r.SetSearch(search)
	if err := r.Refresh(ctx); err != nil {
		return err
	}

	err = c.Subscribe(ctx, func(ev client.Event) {
		applyEvent(r, ev, logger)
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func applyEvent(r *board.Reconciler, ev client.Event, log logrus.FieldLogger) {
	if ev.Type != recordUpdated {
		log.WithField("type", ev.Type).Debug("Ignoring event")
		return
	}
	var rec board.Record
	if err := json.Unmarshal(ev.Data, &rec); err != nil {
		log.WithError(err).Warn("Malformed record in event")
		return
	}
	if err := r.UpsertRecord(rec); err != nil {
		log.WithError(err).Warn("Failed to apply live update")
	}
}
