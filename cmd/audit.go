// -- cmd/audit.go --
package cmd

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/arceth/passage/internal/crawler"
	"github.com/arceth/passage/internal/netutil"
	"github.com/arceth/passage/internal/observability"
	"github.com/arceth/passage/internal/reporting"
)

// newAuditCmd creates and configures the `audit` command.
func newAuditCmd() *cobra.Command {
	auditCmd := &cobra.Command{
		Use:   "audit",
		Short: "Logs in, audits the links of the landing page and writes reports",
		PreRunE: func(cmd *cobra.Command, args []string) error {
			if err := viper.BindPFlag("target.login_url", cmd.Flags().Lookup("url")); err != nil {
				return err
			}
			if err := viper.BindPFlag("report.format", cmd.Flags().Lookup("format")); err != nil {
				return err
			}
			if err := viper.BindPFlag("report.output_dir", cmd.Flags().Lookup("output-dir")); err != nil {
				return err
			}
			return viper.BindPFlag("crawler.concurrency", cmd.Flags().Lookup("concurrency"))
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

			reporter, err := reporting.New(cfg.Report.Format, cfg.Report.OutputDir)
			if err != nil {
				return err
			}
			defer reporter.Close()

			orch := buildOrchestrator(cfg, logger)
			result, loginErr := orch.Login(ctx, cred)

			report := &reporting.Report{GeneratedAt: time.Now(), Login: result}

			if loginErr == nil && result.Success {
				clientCfg := netutil.NewDefaultClientConfig(logger)
				clientCfg.IgnoreTLSErrors = cfg.Browser.IgnoreTLSErrors
				clientCfg.UserAgent = cfg.Browser.UserAgent
				auditClient := netutil.NewClient(clientCfg)

				c := crawler.New(cfg.Crawler, auditClient, logger)
				summary, auditErr := c.Audit(ctx, result.SessionHandle)
				if auditErr != nil {
					logger.Error("Link audit failed", zap.Error(auditErr))
				} else {
					report.Audit = summary
					logger.Info("Link audit complete",
						zap.Int("links", summary.TotalLinks),
						zap.Int("broken", summary.Broken))
				}
			}

			if result != nil && result.SessionHandle != nil {
				if termErr := result.SessionHandle.Terminate(context.WithoutCancel(ctx)); termErr != nil {
					logger.Warn("Session teardown failed", zap.Error(termErr))
				}
			}

			if err := reporter.Write(report); err != nil {
				return fmt.Errorf("writing report: %w", err)
			}
			logger.Info("Report written", zap.String("dir", cfg.Report.OutputDir), zap.String("format", cfg.Report.Format))

			if loginErr != nil {
				return loginErr
			}
			if !result.Success {
				return fmt.Errorf("login failed: %s", result.Outcome.Kind)
			}
			return nil
		},
	}

	auditCmd.Flags().String("url", "", "sign-in page URL")
	auditCmd.Flags().StringP("username", "u", "", "account username (or PASSAGE_USERNAME)")
	auditCmd.Flags().String("format", "csv", "report format (csv or json)")
	auditCmd.Flags().String("output-dir", "reports", "report output directory")
	auditCmd.Flags().Int("concurrency", 8, "concurrent link checks")
	return auditCmd
}
