package main

import (
	"fmt"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/auth"
	"github.com/jmerrifield20/cdrledger/internal/mapping"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// ── restore ──────────────────────────────────────────────────────────────────

func (a *app) restoreCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "restore",
		Short: "Replay the daemon's local backup into the ledger",
		Long: `restore asks cdrd to replay every record in its local backup. Records
already on the ledger are skipped; a missing mapping is rewritten. The
call needs an operator token: pass --token, or run cdrctl with the same
config as the daemon so one can be issued from auth.operator_secret.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := a.client(true)
			if err != nil {
				return err
			}
			s, err := c.Restore(cmd.Context())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.format == "json" {
				return printJSON(out, s)
			}
			fmt.Fprintf(out, "Total:     %d\n", s.Total)
			fmt.Fprintf(out, "Restored:  %d\n", s.Restored)
			fmt.Fprintf(out, "Skipped:   %d\n", s.Skipped)
			fmt.Fprintf(out, "Repaired:  %d\n", s.Repaired)
			fmt.Fprintf(out, "Degraded:  %d\n", s.Degraded)
			fmt.Fprintf(out, "Failed:    %d\n", s.Failed)
			if s.Failed > 0 {
				return fmt.Errorf("%d record(s) could not be restored", s.Failed)
			}
			return nil
		},
	}
}

// ── mapping ──────────────────────────────────────────────────────────────────

func (a *app) mappingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "mapping",
		Short: "Maintain the index to content-address mapping file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "migrate [file]",
		Short: "Convert a legacy line-per-record mapping file in place",
		Long: `migrate rewrites a newline-delimited mapping file into the keyed
format read by cdrd. Running it on a file that is already migrated changes
nothing. The daemon migrates on start, so this is only needed to convert a
file ahead of time. Stop cdrd before migrating its live mapping file.

With no argument the file named by storage.mapping_file is used.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := a.v.GetString("storage.mapping_file")
			if len(args) == 1 {
				path = args[0]
			}

			res, err := mapping.Migrate(path, stderrLogger(cmd))
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.format == "json" {
				return printJSON(out, map[string]any{
					"file":      path,
					"format":    res.Format,
					"entries":   len(res.Entries),
					"skipped":   res.Skipped,
					"rewritten": res.Rewritten,
					"moved_to":  res.Moved,
				})
			}
			fmt.Fprintf(out, "File:       %s\n", path)
			fmt.Fprintf(out, "Found:      %s\n", res.Format)
			fmt.Fprintf(out, "Entries:    %d\n", len(res.Entries))
			fmt.Fprintf(out, "Skipped:    %d\n", res.Skipped)
			fmt.Fprintf(out, "Rewritten:  %t\n", res.Rewritten)
			if res.Moved != "" {
				fmt.Fprintf(out, "Moved to:   %s\n", res.Moved)
			}
			return nil
		},
	})
	return cmd
}

// ── token ────────────────────────────────────────────────────────────────────

func (a *app) tokenCmd() *cobra.Command {
	var (
		subject string
		scopes  []string
		ttl     time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue an operator token signed with auth.operator_secret",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			issuer := a.issuer()
			if ttl > 0 {
				issuer = auth.NewTokenIssuer(a.v.GetString("auth.operator_secret"), a.v.GetString("auth.issuer"), ttl)
			}
			token, err := issuer.Issue(subject, scopes)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			if a.format == "json" {
				return printJSON(out, map[string]any{
					"token":      token,
					"subject":    subject,
					"scopes":     scopes,
					"expires_in": int(issuer.TTL().Seconds()),
				})
			}
			fmt.Fprintln(out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&subject, "subject", currentUser(), "token subject")
	cmd.Flags().StringSliceVar(&scopes, "scope", []string{auth.ScopeRestore, auth.ScopeRead}, "granted scopes")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	return cmd
}

// stderrLogger logs warnings and errors to the command's error stream.
func stderrLogger(cmd *cobra.Command) *zap.Logger {
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	core := zapcore.NewCore(enc, zapcore.AddSync(cmd.ErrOrStderr()), zap.WarnLevel)
	return zap.New(core)
}
