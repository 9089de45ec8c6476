package commands

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"github.com/DrSkyle/certcheck/pkg/config"
	"github.com/DrSkyle/certcheck/pkg/notifier"
	"github.com/DrSkyle/certcheck/pkg/version"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
)

// Exit codes.
const (
	ExitOK       = 0
	ExitFailure  = 1
	ExitDelivery = 2
)

// Execute runs the command line and returns the process exit code.
func Execute() int {
	cmd := NewRootCmd()
	if err := cmd.Execute(); err != nil {
		fmt.Fprintln(cmd.ErrOrStderr(), "Error:", err)
		var de *notifier.DeliveryError
		if errors.As(err, &de) {
			return ExitDelivery
		}
		return ExitFailure
	}
	return ExitOK
}

// NewRootCmd builds the command tree with its own viper instance.
func NewRootCmd() *cobra.Command {
	v := viper.New()
	var cfgFile string

	root := &cobra.Command{
		Use:   "certcheck",
		Short: "Certificate expiry checker",
		Long: `certcheck - Certificate Expiry Checker

Finds certificates in BOSH manifests, load balancer listeners and
Kubernetes TLS secrets, and posts one Slack alert for the ones about to expire.`,
		Version:       version.Current,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return initConfig(v, cmd.Flags(), cfgFile)
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScan(cmd, v)
		},
	}

	flags := root.PersistentFlags()
	flags.StringVar(&cfgFile, "config", "", "Config file (default $HOME/.certcheck.yaml)")
	registerFlags(flags)

	root.SetHelpFunc(func(cmd *cobra.Command, args []string) {
		renderHelp(cmd.OutOrStdout(), cmd)
	})

	root.AddCommand(newScanCmd(v))
	root.AddCommand(newVersionCmd())
	root.AddCommand(newCompletionCmd(root))
	return root
}

func registerFlags(f *pflag.FlagSet) {
	d := config.Defaults()

	f.Int("days-warn", d.Thresholds.WarnDays, "Warn when a certificate expires within this many days")
	f.Int("days-error", d.Thresholds.ErrorDays, "Error when a certificate expires within this many days")

	f.Bool("no-bosh-check", false, "Skip BOSH deployment manifests")
	f.Bool("no-elb-check", false, "Skip load balancer listeners")
	f.Bool("k8s-check", false, "Scan Kubernetes TLS secrets")
	f.String("kubeconfig", "", "Path to kubeconfig (default: standard loading rules, then in-cluster)")
	f.String("kube-context", "", "Kubeconfig context to use")

	f.String("slack-webhook", "", "Slack incoming webhook URL")
	f.String("slack-channel", "", "Slack channel to post to")
	f.String("slack-username", d.Slack.Username, "Slack username")
	f.String("slack-icon-emoji", d.Slack.IconEmoji, "Slack icon emoji")
	f.Bool("send-when-clean", false, "Post a message even when nothing is expiring")

	f.String("bosh-environment", "", "BOSH director address or URL")
	f.Int("bosh-port", d.Bosh.Port, "BOSH director port")
	f.String("bosh-username", "", "BOSH username")
	f.String("bosh-password", "", "BOSH password")
	f.String("bosh-ca-cert", "", "BOSH director CA certificate (path or PEM)")

	f.String("region", "", "AWS region")
	f.String("profile", "", "AWS shared config profile")

	f.Int("workers", d.Workers, "Concurrent fetches per source")
	f.Duration("item-timeout", d.ItemTimeout, "Timeout for each deployment, load balancer or namespace")
	f.String("property-filter", "", "CEL expression over path and value selecting manifest certificates")
	f.String("report-output", "", "Write the JSON report to a directory or s3://bucket/prefix")

	f.String("otel-endpoint", "", "OpenTelemetry OTLP HTTP endpoint")
	f.Bool("json-logs", false, "Log as JSON")
	f.BoolP("verbose", "v", false, "Debug logging, including every AWS API call")
	f.Bool("dry-run", false, "Print the alert instead of posting it")
}

// initConfig layers flags over environment over the config file. Environment
// keys are the flag names upper-cased with dashes replaced by underscores.
func initConfig(v *viper.Viper, flags *pflag.FlagSet, cfgFile string) error {
	explicit := cfgFile != ""
	if explicit {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.SetConfigFile(filepath.Join(home, ".certcheck.yaml"))
		v.SetConfigType("yaml")
	}

	v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	v.AutomaticEnv()

	if err := v.BindPFlags(flags); err != nil {
		return fmt.Errorf("failed to bind flags: %w", err)
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if explicit || !(errors.As(err, &notFound) || errors.Is(err, fs.ErrNotExist)) {
			return fmt.Errorf("failed to read config: %w", err)
		}
	}
	return nil
}

func loadSettings(v *viper.Viper) (config.Settings, error) {
	s := config.Defaults()
	if err := v.Unmarshal(&s); err != nil {
		return s, fmt.Errorf("failed to decode settings: %w", err)
	}
	return s, nil
}

func renderHelp(w io.Writer, cmd *cobra.Command) {
	titleStyle := lipgloss.NewStyle().
		Bold(true).
		Foreground(lipgloss.Color("#00FF99")).
		MarginBottom(1)

	flagStyle := lipgloss.NewStyle().
		Foreground(lipgloss.Color("#AAAAAA"))

	fmt.Fprintln(w, titleStyle.Render(fmt.Sprintf("CERTCHECK %s", version.Current)))
	fmt.Fprintln(w, "Certificate expiry checker for BOSH, AWS load balancers and Kubernetes.")

	fmt.Fprintln(w, titleStyle.Render("USAGE"))
	fmt.Fprintf(w, "  %s\n\n", cmd.UseLine())

	if cmd.HasAvailableSubCommands() {
		fmt.Fprintln(w, titleStyle.Render("COMMANDS"))
		for _, c := range cmd.Commands() {
			if c.IsAvailableCommand() {
				fmt.Fprintf(w, "  %-12s %s\n", c.Name(), c.Short)
			}
		}
		fmt.Fprintln(w, "")
	}

	fmt.Fprintln(w, titleStyle.Render("EXAMPLES"))
	fmt.Fprintln(w, "  certcheck --dry-run --no-elb-check --bosh-environment 10.0.0.6 ...")
	fmt.Fprintln(w, "  SLACK_WEBHOOK=... SLACK_CHANNEL=#ops certcheck --no-bosh-check --region eu-west-1")
	fmt.Fprintln(w, "")

	fmt.Fprintln(w, titleStyle.Render("FLAGS"))
	cmd.Flags().VisitAll(func(f *pflag.Flag) {
		if f.Hidden {
			return
		}
		output := fmt.Sprintf("  --%-18s %s", f.Name, f.Usage)
		if f.DefValue != "" && f.DefValue != "false" && f.DefValue != "0" {
			output += fmt.Sprintf(" (default %s)", f.DefValue)
		}
		fmt.Fprintln(w, flagStyle.Render(output))
	})
	fmt.Fprintln(w, "")
}
