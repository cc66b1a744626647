// Package agent is the outbound interface to the external
// order-placement agent. The agent is addressed only through a narrow
// text command vocabulary; this package never talks to a brokerage.
package agent

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/rs/zerolog"
	"rsassistant/internal/models"
)

// Transport delivers one opaque command line to the agent. The chat
// system behind it is an external collaborator; implementations only
// need to send text.
type Transport interface {
	Send(ctx context.Context, command string) error
}

// Commander renders and sends agent commands.
type Commander interface {
	SubmitOrder(ctx context.Context, kind models.ActionKind, quantity float64, ticker string, account models.AccountKey) error
	RequestHoldings(ctx context.Context, broker string) error
}

// Client is the default Commander over a Transport.
type Client struct {
	transport Transport
	logger    zerolog.Logger
}

// NewClient creates an agent client.
func NewClient(transport Transport, logger zerolog.Logger) *Client {
	return &Client{transport: transport, logger: logger}
}

// SubmitOrder sends "submit buy {qty} {ticker} {broker} {account}".
func (c *Client) SubmitOrder(ctx context.Context, kind models.ActionKind, quantity float64, ticker string, account models.AccountKey) error {
	cmd := fmt.Sprintf("submit %s %s %s %s %s",
		kind, formatQuantity(quantity), strings.ToUpper(ticker), account.Broker, account.Account)
	if err := c.transport.Send(ctx, cmd); err != nil {
		return fmt.Errorf("failed to send order command: %w", err)
	}
	c.logger.Info().
		Str("command", cmd).
		Str("ticker", ticker).
		Str("account", account.String()).
		Msg("order command sent to execution agent")
	return nil
}

// RequestHoldings sends "request holdings {broker|all}".
func (c *Client) RequestHoldings(ctx context.Context, broker string) error {
	if broker == "" {
		broker = "all"
	}
	cmd := "request holdings " + broker
	if err := c.transport.Send(ctx, cmd); err != nil {
		return fmt.Errorf("failed to send holdings request: %w", err)
	}
	c.logger.Info().Str("command", cmd).Msg("holdings request sent to execution agent")
	return nil
}

// formatQuantity renders quantities without a spurious decimal tail;
// the agent understands "1" and "1.5" but not "1.000000".
func formatQuantity(q float64) string {
	return strconv.FormatFloat(q, 'f', -1, 64)
}
