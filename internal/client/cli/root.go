package cli

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"sort"
	"syscall"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"macrolink/internal/client/config"
	"macrolink/internal/client/events"
	"macrolink/internal/client/logger"
	"macrolink/internal/client/runner"
	"macrolink/internal/client/tui"
	"macrolink/pkg/protocol"
)

var (
	flagHost    string
	flagPort    int
	flagSID     string
	flagVerbose bool
)

var rootCmd = &cobra.Command{
	Use:           "macrolink",
	Short:         "Authenticate against a macro server and trigger macros",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetVerbose(flagVerbose)
	},
}

func init() {
	pf := rootCmd.PersistentFlags()
	pf.StringVar(&flagHost, "host", "", "server host (overrides config)")
	pf.IntVar(&flagPort, "port", 0, "server port (overrides config)")
	pf.StringVar(&flagSID, "sid", "", "session identifier (overrides config)")
	pf.BoolVarP(&flagVerbose, "verbose", "v", false, "show debug output")

	runCmd.Flags().IntSlice("steps", nil, "macro steps, e.g. --steps 1,4,4 (default: from config)")
	runCmd.Flags().Bool("skip-status", false, "do not check the server status before authenticating")
	runCmd.Flags().Bool("no-lock", false, "allow concurrent runs with the same config")

	rootCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(pushConfigCmd)
	rootCmd.AddCommand(tuiCmd)
}

// Execute runs the root command and exits non-zero on error.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, errorStyle.Render(err.Error()))
		os.Exit(1)
	}
}

// loadConfig reads the config file and applies command-line overrides.
func loadConfig(cmd *cobra.Command) (*config.Config, error) {
	cfg, err := config.LoadConfig()
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	applyFlags(cmd, cfg)
	return cfg, nil
}

func applyFlags(cmd *cobra.Command, cfg *config.Config) {
	flags := cmd.Flags()
	if flags.Changed("host") {
		cfg.Host = flagHost
	}
	if flags.Changed("port") {
		cfg.Port = flagPort
	}
	if flags.Changed("sid") {
		cfg.SID = flagSID
	}
}

func newRunner(cfg *config.Config) *runner.Runner {
	r := runner.New(cfg.Endpoint(), cfg.SID)
	r.Config = cfg.SessionConfig()
	r.Version = cfg.Version
	if r.Version == "" {
		r.Version = protocol.ClientVersion
	}
	return r
}

// withEvents attaches a bus to r and renders its events to w until the returned stop is called.
func withEvents(r *runner.Runner, w io.Writer) (stop func()) {
	bus := events.NewBus()
	sub := bus.Subscribe()
	r.SetEventBus(bus)
	logger.SetEventBus(bus)
	logger.SetBusOnly(true)

	done := make(chan struct{})
	go func() {
		defer close(done)
		for ev := range sub {
			if line := renderEvent(ev); line != "" {
				fmt.Fprintln(w, line)
			}
		}
	}()

	return func() {
		logger.SetBusOnly(false)
		logger.SetEventBus(nil)
		bus.Close()
		<-done
	}
}

func interruptContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
}

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Create the config file and a session identifier",
	Long: `Create the config file and a session identifier.

--host, --port and --sid given to init are saved to the config file.
MACROLINK_* environment variables (including those from .env) are not saved.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadStoredConfig()
		if err != nil {
			return fmt.Errorf("load config: %w", err)
		}
		applyFlags(cmd, cfg)
		if err := config.SaveConfig(cfg); err != nil {
			return fmt.Errorf("save config: %w", err)
		}
		path, _ := config.GetConfigPath()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, titleStyle.Render("macrolink configured"))
		fmt.Fprintln(out, field("Config", path))
		fmt.Fprintln(out, field("Server", addrStyle.Render(cfg.Endpoint().Addr())))
		fmt.Fprintln(out, field("Session ID", cfg.SID))
		return nil
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Show the effective configuration",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		path, _ := config.GetConfigPath()
		out := cmd.OutOrStdout()
		fmt.Fprintln(out, field("Config", path))
		fmt.Fprintln(out, field("Server", addrStyle.Render(cfg.Endpoint().Addr())))
		fmt.Fprintln(out, field("Session ID", cfg.SID))
		for _, name := range macroNames(cfg.Macros) {
			fmt.Fprintln(out, field("Macro", name+" "+dimStyle.Render(formatSteps(cfg.Macros[name]))))
		}
		return nil
	},
}

var runCmd = &cobra.Command{
	Use:   "run [macro]",
	Short: "Authenticate and trigger a macro",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		macro, err := resolveMacro(cmd, cfg, args[0])
		if err != nil {
			return err
		}

		if noLock, _ := cmd.Flags().GetBool("no-lock"); !noLock {
			lock, err := config.AcquireLock(cfg.SID)
			if err != nil {
				return err
			}
			defer lock.Release()
		}

		r := newRunner(cfg)
		if skip, _ := cmd.Flags().GetBool("skip-status"); skip {
			r.Version = ""
		}

		ctx, cancel := interruptContext(cmd.Context())
		defer cancel()

		stop := withEvents(r, cmd.OutOrStdout())
		_, err = r.Run(ctx, macro)
		stop()
		if err != nil {
			return err
		}

		fmt.Fprintln(cmd.OutOrStdout(), field("Macro", macro.Name+" "+dimStyle.Render(formatSteps(macro.Steps))))
		return nil
	},
}

func macroNames(macros map[string][]int) []string {
	names := make([]string, 0, len(macros))
	for name := range macros {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// resolveMacro builds the payload from --steps or the named macro in the config.
func resolveMacro(cmd *cobra.Command, cfg *config.Config, name string) (protocol.Macro, error) {
	if cmd.Flags().Changed("steps") {
		steps, err := cmd.Flags().GetIntSlice("steps")
		if err != nil {
			return protocol.Macro{}, err
		}
		return protocol.Macro{Name: name, Steps: steps}, nil
	}

	steps, err := cfg.Macro(name)
	if errors.Is(err, config.ErrUnknownMacro) {
		return protocol.Macro{}, fmt.Errorf("%w (define it under 'macros' in the config or pass --steps)", err)
	}
	if err != nil {
		return protocol.Macro{}, err
	}
	return protocol.Macro{Name: name, Steps: steps}, nil
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Ask the server whether it accepts this client",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := interruptContext(cmd.Context())
		defer cancel()

		r := newRunner(cfg)
		status, err := r.Status(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), field("Server", addrStyle.Render(cfg.Endpoint().Addr())))
		fmt.Fprintln(cmd.OutOrStdout(), field("Status", status.String()))
		return nil
	},
}

var pushConfigCmd = &cobra.Command{
	Use:   "push-config [file]",
	Short: "Send a YAML or JSON config document to the server",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		doc, err := readDocument(args[0])
		if err != nil {
			return err
		}

		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		ctx, cancel := interruptContext(cmd.Context())
		defer cancel()

		r := newRunner(cfg)
		stop := withEvents(r, cmd.OutOrStdout())
		_, err = r.PushConfig(ctx, doc)
		stop()
		return err
	},
}

// readDocument parses a YAML (or JSON, which is valid YAML) mapping from path.
func readDocument(path string) (map[string]interface{}, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var doc map[string]interface{}
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if doc == nil {
		return nil, fmt.Errorf("%s: empty document", path)
	}
	return doc, nil
}

var tuiCmd = &cobra.Command{
	Use:   "tui",
	Short: "Pick and run configured macros interactively",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}

		lock, err := config.AcquireLock(cfg.SID)
		if err != nil {
			return err
		}
		defer lock.Release()

		bus := events.NewBus()
		defer bus.Close()

		r := newRunner(cfg)
		r.SetEventBus(bus)
		// Log lines would corrupt the alternate screen.
		logger.SetEventBus(bus)
		logger.SetBusOnly(true)
		defer logger.SetBusOnly(false)

		return tui.Run(r, bus, cfg.Macros)
	},
}
