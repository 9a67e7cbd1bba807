package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/jmerrifield20/cdrledger/pkg/client"
	"github.com/spf13/cobra"
)

// ErrUnverified is returned by verify when any record did not verify, so
// scripts can rely on the exit status.
var ErrUnverified = errors.New("one or more records did not verify")

// ── verify ───────────────────────────────────────────────────────────────────

func (a *app) verifyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "verify <idx> [idx...]",
		Short: "Verify ledger records against their off-chain payloads",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := parseIndices(args)
			if err != nil {
				return err
			}
			c, err := a.client(false)
			if err != nil {
				return err
			}

			reports := make([]*client.Report, 0, len(indices))
			failed := false
			for _, idx := range indices {
				rep, err := c.Verify(cmd.Context(), idx)
				if err != nil {
					if !errors.Is(err, client.ErrNotFound) {
						return fmt.Errorf("verify %d: %w", idx, err)
					}
					rep = &client.Report{Index: idx, Status: "not_found"}
				}
				failed = failed || !rep.Verified()
				reports = append(reports, rep)
			}

			out := cmd.OutOrStdout()
			if a.format == "json" {
				if err := printJSON(out, unwrapSingle(reports)); err != nil {
					return err
				}
			} else {
				w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
				fmt.Fprintln(w, "INDEX\tSTATUS\tADDRESS\tREASON")
				for _, r := range reports {
					fmt.Fprintf(w, "%d\t%s\t%s\t%s\n", r.Index, r.Status, r.Address, r.Reason)
				}
				if err := w.Flush(); err != nil {
					return err
				}
			}
			if failed {
				return ErrUnverified
			}
			return nil
		},
	}
}

// ── bill ─────────────────────────────────────────────────────────────────────

func (a *app) billCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bill <idx>",
		Short: "Price a verified record",
		Long: `bill verifies the record first and prices it only when the payload
matches the ledger. A record that does not verify is refused with its
verification status.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			indices, err := parseIndices(args)
			if err != nil {
				return err
			}
			c, err := a.client(false)
			if err != nil {
				return err
			}

			bill, err := c.Bill(cmd.Context(), indices[0])
			if err != nil {
				var apiErr *client.APIError
				if errors.Is(err, client.ErrDenied) && errors.As(err, &apiErr) {
					return fmt.Errorf("record %d cannot be billed: %s (%s)", indices[0], apiErr.Status, apiErr.Reason)
				}
				return err
			}

			out := cmd.OutOrStdout()
			if a.format == "json" {
				return printJSON(out, bill)
			}
			fmt.Fprintf(out, "Index:     %d\n", bill.Index)
			fmt.Fprintf(out, "Call:      %s -> %s at %s\n", bill.Caller, bill.Callee, bill.Start)
			fmt.Fprintf(out, "Duration:  %ds\n", bill.Duration)
			fmt.Fprintf(out, "Rate:      %g/s\n", bill.RatePerSecond)
			fmt.Fprintf(out, "Amount:    %s %s\n", bill.Amount, bill.Currency)
			return nil
		},
	}
}

// ── list ─────────────────────────────────────────────────────────────────────

func (a *app) listCmd() *cobra.Command {
	var offset, limit int
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List ledger records with their verification status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(false)
			if err != nil {
				return err
			}
			page, err := c.List(cmd.Context(), offset, limit)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.format == "json" {
				return printJSON(out, page)
			}
			w := tabwriter.NewWriter(out, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tCALLER\tCALLEE\tDURATION\tSTATUS\tADDRESS")
			for _, r := range page.Records {
				fmt.Fprintf(w, "%d\t%s\t%s\t%d\t%s\t%s\n", r.Index, r.Caller, r.Callee, r.Duration, r.Status, r.Address)
			}
			if err := w.Flush(); err != nil {
				return err
			}
			fmt.Fprintf(out, "\n%d of %d records (offset %d)\n", len(page.Records), page.Total, page.Offset)
			return nil
		},
	}
	cmd.Flags().IntVar(&offset, "offset", 0, "first ledger index to show")
	cmd.Flags().IntVar(&limit, "limit", 0, "page size (default: server default)")
	return cmd
}

// ── ledger ───────────────────────────────────────────────────────────────────

func (a *app) ledgerCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ledger",
		Short: "Show the ledger head and check the hash chain",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(false)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			o, err := c.Ledger(ctx)
			if err != nil {
				return err
			}
			chainErr := c.VerifyLedger(ctx)

			out := cmd.OutOrStdout()
			if a.format == "json" {
				v := map[string]any{"overview": o, "valid": chainErr == nil}
				if err := printJSON(out, v); err != nil {
					return err
				}
			} else {
				fmt.Fprintf(out, "Address:  %s\n", o.Address)
				fmt.Fprintf(out, "Entries:  %d (%d mapped, %d pending)\n", o.Entries, o.Mapped, o.Pending)
				if o.Head != nil {
					fmt.Fprintf(out, "Head:     #%d %s -> %s at %s\n", o.Head.Index, o.Head.Caller, o.Head.Callee, o.Head.RecordedAt.Format(time.RFC3339))
				}
				fmt.Fprintf(out, "Root:     %s\n", o.Root)
				fmt.Fprintf(out, "Chain:    %s\n", chainStatus(chainErr))
			}
			return chainErr
		},
	}
}

func chainStatus(err error) string {
	if err != nil {
		return "BROKEN (" + err.Error() + ")"
	}
	return "intact"
}

func parseIndices(args []string) ([]int, error) {
	out := make([]int, 0, len(args))
	for _, s := range args {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			return nil, fmt.Errorf("invalid index %q: must be a non-negative integer", s)
		}
		out = append(out, n)
	}
	return out, nil
}

func unwrapSingle[T any](items []T) any {
	if len(items) == 1 {
		return items[0]
	}
	return items
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
