package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/DrSkyle/certcheck/internal/app"
	"github.com/DrSkyle/certcheck/pkg/engine"
	"github.com/DrSkyle/certcheck/pkg/version"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newScanCmd(v *viper.Viper) *cobra.Command {
	return &cobra.Command{
		Use:   "scan",
		Short: "Check every enabled source and send the alert",
		Long: `Runs one check: collects certificates from every enabled source,
classifies them against the warn and error thresholds and posts one alert.

Expiring certificates do not change the exit code; only a failed delivery
(exit 2) or unusable settings (exit 1) do.

Example:
  certcheck scan --no-elb-check --bosh-environment 10.0.0.6 --dry-run`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, v)
		},
	}
}

func runScan(cmd *cobra.Command, v *viper.Viper) error {
	s, err := loadSettings(v)
	if err != nil {
		return err
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	logger := engine.NewLogger(cmd.ErrOrStderr(), s.JSONLogs, s.Verbose)
	run, err := app.Build(ctx, s, logger)
	if err != nil {
		return err
	}
	defer func() {
		shutdownCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		run.Close(shutdownCtx)
	}()

	res, err := run.Engine.Run(ctx)
	if err != nil {
		return err
	}
	if res.Artifact != "" {
		logger.Info("Report artifact", "key", res.Artifact, "target", s.ReportOutput)
	}
	return nil
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", version.AppName, version.Current)
		},
	}
}

func newCompletionCmd(root *cobra.Command) *cobra.Command {
	return &cobra.Command{
		Use:   "completion [bash|zsh|fish|powershell]",
		Short: "Generate completion script",
		Long: `To load completions:

Bash:
  $ source <(certcheck completion bash)

Zsh:
  $ certcheck completion zsh > "${fpath[1]}/_certcheck"

Fish:
  $ certcheck completion fish | source
`,
		DisableFlagsInUseLine: true,
		ValidArgs:             []string{"bash", "zsh", "fish", "powershell"},
		Args:                  cobra.MatchAll(cobra.ExactArgs(1), cobra.OnlyValidArgs),
		RunE: func(cmd *cobra.Command, args []string) error {
			out := cmd.OutOrStdout()
			switch args[0] {
			case "bash":
				return root.GenBashCompletionV2(out, true)
			case "zsh":
				return root.GenZshCompletion(out)
			case "fish":
				return root.GenFishCompletion(out, true)
			default:
				return root.GenPowerShellCompletionWithDesc(out)
			}
		},
	}
}
