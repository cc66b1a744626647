package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	apperrors "rsassistant/internal/errors"
	"rsassistant/internal/market"
	"rsassistant/internal/models"
	"rsassistant/internal/scheduler"
	"rsassistant/internal/store"
)

// addActionCommands adds the scheduled-action commands.
func addActionCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "actions",
		Short: "Inspect and manage scheduled orders",
	}

	cmd.AddCommand(newActionsListCmd(app))
	cmd.AddCommand(newActionsRetryCmd(app))
	cmd.AddCommand(newActionsConfirmCmd(app))

	rootCmd.AddCommand(cmd)
}

func (app *App) newScheduler() *scheduler.Scheduler {
	cfg := scheduler.Config{
		PollInterval:   app.Config.Scheduler.PollInterval,
		MaxAttempts:    app.Config.Scheduler.MaxAttempts,
		InitialBackoff: app.Config.Scheduler.InitialBackoff,
		MaxBackoff:     app.Config.Scheduler.MaxBackoff,
		BackoffFactor:  app.Config.Scheduler.BackoffFactor,
		ConfirmWindow:  app.Config.Scheduler.ConfirmWindow,
	}
	return scheduler.New(app.Store, market.NewCalendar(app.Config.Market.Holidays), nil, nil, cfg, app.Logger)
}

func newActionsListCmd(app *App) *cobra.Command {
	var (
		status      string
		fingerprint string
		limit       int
		live        bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List scheduled orders",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "store unavailable")
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()

			var (
				actions []models.ScheduledAction
				err     error
			)
			if live {
				actions, err = app.Store.ListLiveActions(ctx)
			} else {
				actions, err = app.Store.ListActions(ctx, store.ActionFilter{
					Status:      models.ActionStatus(strings.ToUpper(status)),
					Fingerprint: fingerprint,
					Limit:       limit,
				})
			}
			if err != nil {
				return apperrors.Wrap(err, "failed to list actions")
			}

			if output.IsJSON() {
				return output.JSON(actions)
			}

			if len(actions) == 0 {
				output.Dim("No actions found.")
				return nil
			}

			table := NewTable(output, "ID", "TICKER", "KIND", "QTY", "STATUS", "ATTEMPTS", "NOT BEFORE", "LAST ERROR")
			for _, a := range actions {
				lastErr := a.LastError
				if len(lastErr) > 40 {
					lastErr = lastErr[:37] + "..."
				}
				table.AddRow(
					a.ID,
					a.Ticker,
					string(a.Kind),
					fmt.Sprintf("%.0f", a.Quantity),
					output.ActionStatus(string(a.Status)),
					fmt.Sprintf("%d", a.AttemptCount),
					a.NotBefore.Format("2006-01-02 15:04"),
					lastErr,
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by action status")
	cmd.Flags().StringVar(&fingerprint, "case", "", "filter by case fingerprint")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum actions to show")
	cmd.Flags().BoolVar(&live, "live", false, "show only pending and dispatched actions")
	return cmd
}

func newActionsRetryCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <action-id>",
		Short: "Re-arm a failed or expired order",
		Long: `Re-arm a failed or expired order for the next open market session.

A terminal order is never retried automatically; this is the explicit
operator path back into the queue.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "store unavailable")
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()

			changed, err := app.newScheduler().ForceRetry(ctx, args[0])
			if err != nil {
				return apperrors.Wrap(err, "retry failed")
			}
			if !changed {
				return apperrors.ErrActionNotLive
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"action_id": args[0], "status": string(models.ActionPending)})
			}
			output.Success("Action %s re-armed for the next market session", args[0])
			return nil
		},
	}
}

func newActionsConfirmCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "confirm <action-id>",
		Short: "Manually confirm a dispatched order",
		Long: `Manually confirm a dispatched order when the agent's confirmation
message was missed or unparseable.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "store unavailable")
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()

			changed, err := app.newScheduler().MarkConfirmed(ctx, args[0])
			if err != nil {
				return apperrors.Wrap(err, "confirm failed")
			}
			if !changed {
				return apperrors.ErrActionNotLive
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"action_id": args[0], "status": string(models.ActionConfirmed)})
			}
			output.Success("Action %s confirmed", args[0])
			return nil
		},
	}
}
