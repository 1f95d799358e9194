package main

import (
	"strconv"

	"github.com/spf13/cobra"

	"ripley/internal/config"
	"ripley/internal/queue"
)

func newStatusCommand(ctx *commandContext) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue health summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			return ctx.withStore(func(cfg *config.Config, store *queue.Store) error {
				health, err := store.Health(cmd.Context())
				if err != nil {
					return err
				}
				rows := [][]string{
					{"Pending", strconv.Itoa(health.Pending)},
					{"Running", strconv.Itoa(health.Running)},
					{"Completed", strconv.Itoa(health.Completed)},
					{"Failed", strconv.Itoa(health.Failed)},
					{"Cancelled", strconv.Itoa(health.Cancelled)},
					{"Total", strconv.Itoa(health.Total)},
				}
				cmd.Println(renderTable(
					[]string{"Status", "Jobs"},
					rows,
					[]columnAlignment{alignLeft, alignRight},
				))
				cmd.Printf("Queue database: %s\n", store.Path())
				return nil
			})
		},
	}
}
