// cdrctl is the operator CLI for cdrd: it verifies and bills records over
// the Query API, triggers restores, migrates mapping files and issues
// operator tokens.
package main

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/jmerrifield20/cdrledger/internal/auth"
	"github.com/jmerrifield20/cdrledger/internal/config"
	"github.com/jmerrifield20/cdrledger/pkg/client"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

// version is overridden via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// app holds the state shared by every subcommand.
type app struct {
	cfgFile string
	apiURL  string
	token   string
	format  string
	timeout time.Duration

	v *viper.Viper
}

func newRootCmd() *cobra.Command {
	a := &app{}
	root := &cobra.Command{
		Use:   "cdrctl",
		Short: "Operate a cdrd call-record ledger",
		Long: `cdrctl talks to a running cdrd over its Query API.

It verifies records against their off-chain payloads, prices verified
calls, lists the ledger with per-record status, and triggers a restore
from the daemon's local backup. The mapping and token commands work on
local files and the daemon's config instead of the API.`,
		SilenceUsage: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.loadConfig()
		},
	}

	pf := root.PersistentFlags()
	pf.StringVar(&a.cfgFile, "config", "", "cdrd config file (default: configs/cdrd.yaml or ./cdrd.yaml)")
	pf.StringVar(&a.apiURL, "api", "", "cdrd API URL (default: http://localhost:<server.port>)")
	pf.StringVar(&a.token, "token", "", "operator token (default: issued from auth.operator_secret)")
	pf.StringVar(&a.format, "format", "text", "output format: text or json")
	pf.DurationVar(&a.timeout, "timeout", 30*time.Second, "request timeout")

	root.AddCommand(
		a.verifyCmd(),
		a.billCmd(),
		a.listCmd(),
		a.ledgerCmd(),
		a.restoreCmd(),
		a.mappingCmd(),
		a.tokenCmd(),
		versionCmd(),
	)
	return root
}

// loadConfig reads the daemon config when one is present. A missing file
// is not an error; defaults and CDRD_* variables still apply.
func (a *app) loadConfig() error {
	a.v = config.New(a.cfgFile)
	if err := a.v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if a.cfgFile != "" || !errors.As(err, &notFound) {
			return fmt.Errorf("read config: %w", err)
		}
	}
	if a.apiURL == "" {
		a.apiURL = fmt.Sprintf("http://localhost:%d", a.v.GetInt("server.port"))
	}
	if a.format != "text" && a.format != "json" {
		return fmt.Errorf("--format must be text or json, got %q", a.format)
	}
	return nil
}

// client returns an API client. withToken attaches an operator token,
// issuing one from the configured secret when --token is not set.
func (a *app) client(withToken bool) (*client.Client, error) {
	opts := []client.Option{client.WithTimeout(a.timeout)}
	if withToken {
		token := a.token
		if token == "" {
			issued, err := a.issuer().Issue(currentUser(), []string{auth.ScopeRestore})
			if err != nil {
				return nil, fmt.Errorf("no --token given and cannot issue one: %w", err)
			}
			token = issued
		}
		opts = append(opts, client.WithBearerToken(token))
	}
	return client.New(a.apiURL, opts...)
}

func (a *app) issuer() *auth.TokenIssuer {
	return auth.NewTokenIssuer(
		a.v.GetString("auth.operator_secret"),
		a.v.GetString("auth.issuer"),
		a.v.GetDuration("auth.token_ttl"),
	)
}

func currentUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "cdrctl"
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the cdrctl version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "cdrctl %s\n", version)
		},
	}
}
