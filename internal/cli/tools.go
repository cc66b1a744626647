package cli

import (
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	apperrors "rsassistant/internal/errors"
	"rsassistant/internal/market"
	"rsassistant/internal/models"
	"rsassistant/internal/parse"
	"rsassistant/internal/policy"
)

// addToolCommands adds one-shot diagnostic commands for the resolver,
// the message parser, and the trading calendar.
func addToolCommands(rootCmd *cobra.Command, app *App) {
	rootCmd.AddCommand(newResolveCmd(app))
	rootCmd.AddCommand(newParseCmd(app))
	rootCmd.AddCommand(newMarketCmd(app))
}

func newResolveCmd(app *App) *cobra.Command {
	var fromURL string

	cmd := &cobra.Command{
		Use:   "resolve <ticker> [text]",
		Short: "Resolve ratio and policy from announcement text",
		Long: `Run the programmatic policy resolver against announcement text.

Text comes from the argument, from --url, or from stdin. Useful for
checking how a document will classify before the pipeline sees it.`,
		Args: cobra.RangeArgs(1, 2),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			ctx := cmd.Context()
			ticker := strings.ToUpper(args[0])

			var doc string
			switch {
			case len(args) == 2:
				doc = args[1]
			case fromURL != "":
				fetcher := policy.NewFetcher(app.Config.Policy.FetchTimeout, app.Logger)
				text, err := fetcher.FetchAll(ctx, fromURL)
				if err != nil {
					return apperrors.Wrap(err, "fetch failed")
				}
				doc = text
			default:
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return apperrors.Wrap(err, "reading stdin")
				}
				doc = string(data)
			}

			res, err := policy.NewResolver().Resolve(ctx, ticker, doc)
			if err != nil {
				return apperrors.NewResolutionError("", ticker, err)
			}

			if output.IsJSON() {
				return output.JSON(res)
			}

			output.Bold("Resolution for %s", ticker)
			ratio := "not found"
			if res.Ratio != nil {
				ratio = res.Ratio.String()
			}
			effective := "not found"
			if res.EffectiveDate != nil {
				effective = res.EffectiveDate.Format("2006-01-02")
			}
			output.Printf("  Ratio:      %s\n", ratio)
			output.Printf("  Policy:     %s\n", res.Policy)
			output.Printf("  Effective:  %s\n", effective)
			output.Printf("  Confidence: %s\n", res.Confidence)
			if res.Policy == models.PolicyUnclear {
				output.Warning("Document is unclear; the pipeline would escalate or retry.")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&fromURL, "url", "", "fetch the document from this URL")
	return cmd
}

func newParseCmd(app *App) *cobra.Command {
	return &cobra.Command{
		Use:   "parse [message]",
		Short: "Parse an agent message into a typed event",
		Long: `Run the agent-message parser against raw text from the argument or
stdin. Shows the order confirmation or holdings snapshot it would
produce, or reports no match.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)

			var raw string
			if len(args) == 1 {
				raw = args[0]
			} else {
				data, err := io.ReadAll(os.Stdin)
				if err != nil {
					return apperrors.Wrap(err, "reading stdin")
				}
				raw = string(data)
			}

			ev, ok := parse.NewParser(app.Logger).Parse(raw)
			if !ok {
				if output.IsJSON() {
					return output.JSON(map[string]interface{}{"matched": false})
				}
				output.Warning("No event pattern matched.")
				return nil
			}

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"matched": true,
					"kind":    ev.EventKind(),
					"event":   ev,
				})
			}

			switch e := ev.(type) {
			case models.OrderConfirmation:
				result := output.Green("success")
				if !e.Success {
					result = output.Red("failed")
				}
				output.Bold("Order confirmation")
				output.Printf("  %s %s x%.0f @ $%.2f (%s/%s) %s\n",
					e.Side, e.Ticker, e.Quantity, e.Price, e.Broker, e.Account, result)
			case models.HoldingsSnapshot:
				output.Bold("Holdings snapshot for %s/%s", e.Broker, e.Account)
				for _, pos := range e.Positions {
					output.Printf("  %-6s %.2f @ $%.2f\n", pos.Ticker, pos.Quantity, pos.Price)
				}
			}
			return nil
		},
	}
}

func newMarketCmd(app *App) *cobra.Command {
	var at string

	cmd := &cobra.Command{
		Use:   "market",
		Short: "Show trading-calendar status",
		RunE: func(cmd *cobra.Command, args []string) error {
			output := NewOutput(cmd)
			calendar := market.NewCalendar(app.Config.Market.Holidays)

			t := time.Now()
			if at != "" {
				parsed, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("invalid --at timestamp, want RFC3339: %w", err)
				}
				t = parsed
			}

			status := calendar.StatusAt(t)
			nextOpen := calendar.NextOpen(t)

			if output.IsJSON() {
				return output.JSON(map[string]interface{}{
					"status":    string(status),
					"next_open": nextOpen,
				})
			}

			output.Printf("Market: %s\n", output.MarketStatus(string(status)))
			if status != market.StatusOpen {
				output.Printf("Next open: %s\n", nextOpen.Format("Mon 2006-01-02 15:04 MST"))
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&at, "at", "", "evaluate at this RFC3339 time instead of now")
	return cmd
}
