package cli

import (
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "rsassistant/internal/errors"
	"rsassistant/internal/market"
	"rsassistant/internal/models"
	"rsassistant/internal/scheduler"
	"rsassistant/internal/store"
)

// addCaseCommands adds the case inspection and management commands.
func addCaseCommands(rootCmd *cobra.Command, app *App) {
	cmd := &cobra.Command{
		Use:   "cases",
		Short: "Inspect and manage reverse-split cases",
	}

	cmd.AddCommand(newCasesListCmd(app))
	cmd.AddCommand(newCasesShowCmd(app))
	cmd.AddCommand(newCasesAbandonCmd(app))

	rootCmd.AddCommand(cmd)
}

func newCasesListCmd(app *App) *cobra.Command {
	var (
		status string
		ticker string
		limit  int
		open   bool
	)

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tracked cases",
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "store unavailable")
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()

			var (
				cases []models.Case
				err   error
			)
			if open {
				cases, err = app.Store.ListOpen(ctx)
			} else {
				cases, err = app.Store.List(ctx, store.CaseFilter{
					Status: models.CaseStatus(strings.ToUpper(status)),
					Ticker: strings.ToUpper(ticker),
					Limit:  limit,
				})
			}
			if err != nil {
				return apperrors.Wrap(err, "failed to list cases")
			}

			if output.IsJSON() {
				return output.JSON(cases)
			}

			if len(cases) == 0 {
				output.Dim("No cases found.")
				return nil
			}

			table := NewTable(output, "TICKER", "STATUS", "POLICY", "RATIO", "EFFECTIVE", "SOURCES", "UPDATED")
			for _, c := range cases {
				ratio := "-"
				if c.SplitRatio != nil {
					ratio = c.SplitRatio.String()
				}
				effective := "-"
				if c.EffectiveDate != nil {
					effective = c.EffectiveDate.Format("2006-01-02")
				}
				table.AddRow(
					c.Ticker,
					output.CaseStatus(string(c.Status)),
					string(c.Policy),
					ratio,
					effective,
					fmt.Sprintf("%d", len(c.SourceRefs)),
					c.UpdatedAt.Format("2006-01-02 15:04"),
				)
			}
			table.Render()
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by case status")
	cmd.Flags().StringVar(&ticker, "ticker", "", "filter by ticker")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum cases to show")
	cmd.Flags().BoolVar(&open, "open", false, "show only non-terminal cases")
	return cmd
}

func newCasesShowCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "show <fingerprint>",
		Short: "Show one case in full",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "store unavailable")
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()

			c, err := app.Store.Get(ctx, args[0])
			if err != nil {
				if err == store.ErrNotFound {
					return apperrors.ErrCaseNotFound
				}
				return err
			}

			actions, err := app.Store.ListActions(ctx, store.ActionFilter{Fingerprint: c.Fingerprint})
			if err != nil {
				return apperrors.Wrap(err, "failed to load case actions")
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"case":    c,
					"actions": actions,
				})
			}

			printCase(output, c, actions)
			return nil
		},
	}
}

func printCase(output *Output, c *models.Case, actions []models.ScheduledAction) {
	output.Bold("%s  %s", c.Ticker, output.CaseStatus(string(c.Status)))
	output.Printf("  Fingerprint:    %s\n", c.Fingerprint)
	output.Printf("  Policy:         %s (%s)\n", c.Policy, c.Confidence)
	if c.SplitRatio != nil {
		output.Printf("  Ratio:          %s\n", c.SplitRatio)
	}
	if c.EffectiveDate != nil {
		output.Printf("  Effective:      %s\n", c.EffectiveDate.Format("2006-01-02"))
	}
	output.Printf("  Resolve Tries:  %d\n", c.ResolveTries)
	output.Printf("  Created:        %s\n", c.CreatedAt.Format(time.RFC3339))
	output.Printf("  Updated:        %s\n", c.UpdatedAt.Format(time.RFC3339))

	if len(c.Accounts) > 0 {
		output.Println()
		output.Bold("Accounts")
		keys := make([]string, 0, len(c.Accounts))
		for k := range c.Accounts {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		for _, k := range keys {
			output.Printf("  %-24s %s\n", k, c.Accounts[k])
		}
	}

	if len(c.SourceRefs) > 0 {
		output.Println()
		output.Bold("Sources")
		for _, ref := range c.SourceRefs {
			url := ref.URL
			if url == "" {
				url = "(no url)"
			}
			output.Printf("  %s  %s\n", ref.ReceivedAt.Format("2006-01-02 15:04"), url)
		}
	}

	if len(actions) > 0 {
		output.Println()
		output.Bold("Actions")
		table := NewTable(output, "ID", "KIND", "STATUS", "ATTEMPTS", "NOT BEFORE")
		for _, a := range actions {
			table.AddRow(
				a.ID,
				string(a.Kind),
				output.ActionStatus(string(a.Status)),
				fmt.Sprintf("%d", a.AttemptCount),
				a.NotBefore.Format("2006-01-02 15:04"),
			)
		}
		table.Render()
	}
}

func newCasesAbandonCmd(app *App) *cobra.Command {
	var reason string

	cmd := &cobra.Command{
		Use:   "abandon <fingerprint>",
		Short: "Abandon a case and cancel its pending orders",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if app.Store == nil {
				return apperrors.Wrap(apperrors.ErrConfigInvalid, "store unavailable")
			}
			output := NewOutput(cmd)
			ctx := cmd.Context()
			fp := args[0]

			c, err := app.Store.Get(ctx, fp)
			if err != nil {
				if err == store.ErrNotFound {
					return apperrors.ErrCaseNotFound
				}
				return err
			}
			if c.Status.IsTerminal() {
				return apperrors.ErrCaseTerminal
			}

			changed, err := app.Store.Transition(ctx, fp, c.Status, models.CaseAbandoned)
			if err != nil {
				return apperrors.Wrap(err, "failed to abandon case")
			}
			if !changed {
				return fmt.Errorf("case changed state concurrently, re-run to abandon from its new state")
			}

			// Cancel through the same queue logic the daemon uses.
			sched := scheduler.New(app.Store, market.NewCalendar(app.Config.Market.Holidays), nil, nil, scheduler.DefaultConfig(), app.Logger)
			if err := sched.CancelForCase(ctx, fp); err != nil {
				return apperrors.Wrap(err, "case abandoned but cancelling actions failed")
			}

			if output.IsJSON() {
				return output.JSON(map[string]string{"fingerprint": fp, "status": string(models.CaseAbandoned), "reason": reason})
			}
			output.Success("Case %s abandoned", fp)
			if reason != "" {
				output.Dim("Reason: %s", reason)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&reason, "reason", "", "why the case is being abandoned")
	return cmd
}
