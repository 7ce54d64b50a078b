// -- cmd/login.go --
package cmd

import (
	"context"
	"fmt"
	"os"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arceth/passage/internal/auth"
	"github.com/arceth/passage/internal/browser"
	"github.com/arceth/passage/internal/config"
	"github.com/arceth/passage/internal/netutil"
	"github.com/arceth/passage/internal/observability"
)

// newLoginCmd creates and configures the `login` command.
func newLoginCmd() *cobra.Command {
	loginCmd := &cobra.Command{
		Use:   "login",
		Short: "Establishes an authenticated session against the target",
		Long: `Provisions an isolated browser, submits the credentials and classifies
the result, retrying with escalating cleanup on failure. The password is read
from the PASSAGE_PASSWORD environment variable and is never accepted as a
flag or written to any log or report.`,
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("target.login_url", cmd.Flags().Lookup("url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("auth.max_attempts", cmd.Flags().Lookup("attempts")); err != nil {
				return err
			}
			return viper.BindPFlag("browser.headless", cmd.Flags().Lookup("headless"))
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			logger := observability.GetLogger()

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			cred, err := credentialFromEnv(cmd)
			if err != nil {
				return err
			}
			if cfg.Target.LoginURL == "" {
				return fmt.Errorf("no login URL configured; set --url, target.login_url or PASSAGE_TARGET_LOGIN_URL")
			}

			orch := buildOrchestrator(cfg, logger)
			result, err := orch.Login(ctx, cred)
			if err != nil {
				printResult(cmd, result)
				return err
			}

			// The CLI has no consumer for the live session; release it once
			// the outcome is known.
			if result.SessionHandle != nil {
				if termErr := result.SessionHandle.Terminate(context.WithoutCancel(ctx)); termErr != nil {
					logger.Warn("Session teardown failed", zap.Error(termErr))
				}
			}

			printResult(cmd, result)
			if !result.Success {
				return fmt.Errorf("login failed: %s", result.Outcome.Kind)
			}
			return nil
		},
	}

	loginCmd.Flags().String("url", "", "sign-in page URL")
	loginCmd.Flags().StringP("username", "u", "", "account username (or PASSAGE_USERNAME)")
	loginCmd.Flags().Int("attempts", 0, "maximum login attempts")
	loginCmd.Flags().Bool("headless", true, "run the browser headless")
	return loginCmd
}

// credentialFromEnv assembles the credential from the username flag/env and
// the password env var.
func credentialFromEnv(cmd *cobra.Command) (auth.Credential, error) {
	username, _ := cmd.Flags().GetString("username")
	if username == "" {
		username = os.Getenv("PASSAGE_USERNAME")
	}
	if username == "" {
		return auth.Credential{}, fmt.Errorf("no username given; use --username or PASSAGE_USERNAME")
	}
	password := os.Getenv("PASSAGE_PASSWORD")
	if password == "" {
		return auth.Credential{}, fmt.Errorf("PASSAGE_PASSWORD is not set")
	}
	return auth.Credential{Username: username, Password: password}, nil
}

// buildOrchestrator wires the full login stack from configuration.
func buildOrchestrator(cfg *config.Config, logger *zap.Logger) *auth.Orchestrator {
	clientCfg := netutil.NewDefaultClientConfig(logger)
	clientCfg.IgnoreTLSErrors = cfg.Browser.IgnoreTLSErrors
	clientCfg.UserAgent = cfg.Browser.UserAgent
	client := netutil.NewClient(clientCfg)

	resolver := auth.NewFieldResolver(logger)
	submitter := auth.NewSubmitter(cfg.Target, cfg.Auth, resolver, logger)
	classifier := auth.NewClassifier(cfg.Target, logger)
	waiter := auth.NewWaiter(classifier, logger)
	actions := auth.NewEnvironmentActions(cfg.Cleanup, client, logger)
	escalator := auth.NewEscalator(actions, logger)
	provisioner := sessionProvisioner{p: browser.NewProvisioner(cfg, logger)}

	return auth.NewOrchestrator(cfg.Auth, provisioner, submitter, classifier, waiter, escalator, logger)
}

// sessionProvisioner adapts the browser provisioner to the orchestrator's
// session factory interface.
type sessionProvisioner struct {
	p *browser.Provisioner
}

func (s sessionProvisioner) Provision(ctx context.Context) (auth.Handle, error) {
	sess, err := s.p.Provision(ctx)
	if err != nil {
		return nil, err
	}
	return sess, nil
}

// printResult renders the login result (password-free by construction) as
// indented JSON on stdout.
func printResult(cmd *cobra.Command, result *auth.LoginResult) {
	if result == nil {
		return
	}
	data, err := jsoniter.ConfigCompatibleWithStandardLibrary.MarshalIndent(result, "", "  ")
	if err != nil {
		return
	}
	fmt.Fprintln(cmd.OutOrStdout(), string(data))
}
