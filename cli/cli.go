// Package cli provides the terminal front end of VeilVPN. Every command
// talks to a running daemon through its admin API.
package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/yllada/veilvpn/api"
	"github.com/yllada/veilvpn/catalog"
	"github.com/yllada/veilvpn/common"
)

// CLI represents the command-line interface.
type CLI struct {
	client *api.Client
	out    io.Writer
	now    func() time.Time
}

// New creates a CLI talking to the daemon at addr and printing to out.
func New(addr string, out io.Writer) *CLI {
	return &CLI{
		client: api.NewClient(addr),
		out:    out,
		now:    time.Now,
	}
}

// Client returns the API client.
func (c *CLI) Client() *api.Client {
	return c.client
}

// ListServers prints the catalog as a table.
func (c *CLI) ListServers(ctx context.Context, f catalog.Filter) error {
	list, err := c.client.Servers(ctx, f)
	if err != nil {
		return err
	}
	if len(list.Servers) == 0 {
		fmt.Fprintln(c.out, "No servers match.")
		return nil
	}

	selected := ""
	if st, err := c.client.Status(ctx); err == nil && st.Selected != nil {
		selected = st.Selected.ID
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, " \tID\tLOCATION\tREGION\tPROTOCOL\tTIER\tLATENCY\tLOAD\tSTATUS")
	fmt.Fprintln(w, " \t--\t--------\t------\t--------\t----\t-------\t----\t------")

	for _, s := range list.Servers {
		mark := " "
		if s.ID == selected {
			mark = "*"
		}
		tier := common.TierFree
		if s.PremiumOnly {
			tier = common.TierPremium
		}
		latency := "-"
		if s.LatencyMs != nil {
			latency = fmt.Sprintf("%dms", *s.LatencyMs)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\t%d%%\t%s\n",
			mark, s.ID, s.DisplayName(), s.Region, s.Protocol, tier, latency, s.LoadPercent, s.Status)
	}

	return w.Flush()
}

// Connect selects serverID, when given, and connects. A positive wait
// blocks until the session settles.
func (c *CLI) Connect(ctx context.Context, serverID string, wait time.Duration) error {
	if serverID = strings.TrimSpace(serverID); serverID != "" {
		if _, err := c.client.Select(ctx, serverID); err != nil {
			if errors.Is(err, common.ErrServerLocked) {
				return fmt.Errorf("a session is active, disconnect first: %w", err)
			}
			return err
		}
	}

	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	if st.Selected != nil {
		fmt.Fprintf(c.out, "Connecting to %s...\n", st.Selected.DisplayName())
	}

	st, err = c.client.Connect(ctx, wait)
	if err != nil {
		if errors.Is(err, common.ErrNoServerSelected) {
			return errors.New("no server selected, pass a server id")
		}
		return fmt.Errorf("connection failed: %w", err)
	}
	return c.reportStart(st, wait)
}

// Retry restarts a failed session.
func (c *CLI) Retry(ctx context.Context, wait time.Duration) error {
	st, err := c.client.Retry(ctx, wait)
	if err != nil {
		if errors.Is(err, common.ErrInvalidState) {
			return errors.New("nothing to retry, the last session did not fail")
		}
		return fmt.Errorf("retry failed: %w", err)
	}
	return c.reportStart(st, wait)
}

func (c *CLI) reportStart(st api.Status, wait time.Duration) error {
	name := serverName(st)
	switch st.State {
	case common.StateConnected:
		fmt.Fprintf(c.out, "✓ Connected to %s\n", name)
		return nil
	case common.StateFailed:
		return fmt.Errorf("connection failed after %d attempt(s): %s", st.Attempt, st.Error)
	}
	if wait > 0 {
		return fmt.Errorf("session is still %s", st.State)
	}
	fmt.Fprintf(c.out, "Session %s is %s\n", shortID(st.SessionID), st.State)
	return nil
}

// Disconnect ends the current session.
func (c *CLI) Disconnect(ctx context.Context) error {
	before, err := c.client.Status(ctx)
	if err != nil {
		return err
	}
	if !before.State.Active() {
		fmt.Fprintln(c.out, "No active connection.")
		return nil
	}

	fmt.Fprintf(c.out, "Disconnecting from %s...\n", serverName(before))
	st, err := c.client.Disconnect(ctx)
	if err != nil {
		return fmt.Errorf("failed to disconnect: %w", err)
	}
	if st.TeardownTimedOut {
		fmt.Fprintln(c.out, "  Warning: the tunnel did not confirm teardown")
	}
	if st.KillSwitchEngaged {
		fmt.Fprintln(c.out, "  Warning: kill switch is engaged, traffic stays blocked")
	}
	fmt.Fprintf(c.out, "✓ Disconnected from %s\n", serverName(st))
	return nil
}

// Status shows the current connection status.
func (c *CLI) Status(ctx context.Context) error {
	st, err := c.client.Status(ctx)
	if err != nil {
		return err
	}

	if st.SessionID == "" {
		fmt.Fprintln(c.out, "No VPN session.")
		if st.Selected != nil {
			fmt.Fprintf(c.out, "Selected server: %s (%s)\n", st.Selected.DisplayName(), st.Selected.ID)
		}
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SERVER\tSTATUS\tUPTIME\tSENT\tRECEIVED\tATTEMPT")
	fmt.Fprintln(w, "------\t------\t------\t----\t--------\t-------")

	uptime := "-"
	if st.ConnectedAt != nil {
		uptime = common.FormatDuration(st.Elapsed)
	}
	fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%d\n",
		serverName(st), st.State, uptime,
		common.FormatBytes(st.BytesSent), common.FormatBytes(st.BytesReceived), st.Attempt)
	if err := w.Flush(); err != nil {
		return err
	}

	if st.Error != "" {
		fmt.Fprintf(c.out, "Last error (%s): %s\n", st.ErrorKind, st.Error)
	}
	if st.KillSwitchEngaged {
		fmt.Fprintln(c.out, "Kill switch: engaged")
	}
	return nil
}

// History prints recent sessions and the totals.
func (c *CLI) History(ctx context.Context, limit int) error {
	h, err := c.client.History(ctx, limit)
	if err != nil {
		return err
	}
	if len(h.Sessions) == 0 {
		fmt.Fprintln(c.out, "No sessions recorded.")
		return nil
	}

	w := tabwriter.NewWriter(c.out, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "SESSION\tSERVER\tENDED\tSTATUS\tDURATION\tSENT\tRECEIVED")
	fmt.Fprintln(w, "-------\t------\t-----\t------\t--------\t----\t--------")
	for _, r := range h.Sessions {
		duration := "-"
		if r.ConnectedAt != nil {
			duration = common.FormatDuration(r.Duration)
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			shortID(r.SessionID), r.ServerName, r.EndedAt.Local().Format(time.DateTime), r.State,
			duration, common.FormatBytes(r.BytesSent), common.FormatBytes(r.BytesReceived))
	}
	if err := w.Flush(); err != nil {
		return err
	}

	s := h.Summary
	fmt.Fprintf(c.out, "\n%d session(s), %d failed, %s connected, %s sent, %s received\n",
		s.Sessions, s.Failed, common.FormatDuration(s.Connected),
		common.FormatBytes(s.BytesSent), common.FormatBytes(s.BytesReceived))
	return nil
}

func serverName(st api.Status) string {
	switch {
	case st.Server != nil:
		return st.Server.DisplayName()
	case st.Selected != nil:
		return st.Selected.DisplayName()
	default:
		return "-"
	}
}

// shortID truncates session ids for display.
func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
