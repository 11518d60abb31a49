package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"time"

	"github.com/alecthomas/kong"
	tea "github.com/charmbracelet/bubbletea"

	"github.com/smileynet/fairway"
	"github.com/smileynet/fairway/internal/config"
	"github.com/smileynet/fairway/internal/connection"
	"github.com/smileynet/fairway/internal/control"
	"github.com/smileynet/fairway/internal/logging"
	"github.com/smileynet/fairway/internal/remote"
	"github.com/smileynet/fairway/internal/tui"
)

var (
	version = "dev"
	commit  = "unknown"
	date    = "unknown"
)

// CLI is the top-level command structure for fairway.
type CLI struct {
	Version kong.VersionFlag `help:"Show version." short:"V"`
	Remote  RemoteCmd        `cmd:"" help:"Open the interactive remote control."`
	Scan    ScanCmd          `cmd:"" help:"Scan for carts and list them."`
	Drive   DriveCmd         `cmd:"" help:"Connect to a cart, drive in one direction, then disconnect."`
	Config  ConfigCmd        `cmd:"" help:"Manage configuration."`
}

// LinkFlags override the configured link provider.
type LinkFlags struct {
	Provider string `help:"Link provider (radio or sim)." placeholder:"NAME"`
	Adapter  string `help:"Bluetooth adapter, e.g. hci0." placeholder:"ID"`
}

func (f LinkFlags) apply(cfg *config.Config) {
	if f.Provider != "" {
		cfg.Link.Provider = f.Provider
	}
	if f.Adapter != "" {
		cfg.Link.Adapter = f.Adapter
	}
}

// loadConfig loads layered config from user and project paths with env overrides.
func loadConfig() (*config.Config, error) {
	cfg, err := config.LoadLayered(
		os.ExpandEnv("$HOME/.config/fairway/config.yaml"),
		filepath.Join(localDir, "config.yaml"),
	)
	if err != nil {
		return nil, err
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// prepare loads config, applies flags and validates.
func prepare(flags LinkFlags) (*config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return nil, err
	}
	flags.apply(cfg)
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// --- Remote command ---

// RemoteCmd opens the interactive remote control TUI.
type RemoteCmd struct {
	LinkFlags `embed:""`
}

// teaRunner abstracts Bubble Tea program execution for testing.
type teaRunner interface {
	Run() (tea.Model, error)
}

// Run builds the session and launches the remote TUI. The TUI owns the
// terminal, so logs go to the configured file.
func (r *RemoteCmd) Run() error {
	if !tui.IsTTY(os.Stdout) {
		return fmt.Errorf("remote: requires a terminal (TTY)")
	}

	cfg, err := prepare(r.LinkFlags)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	log, logFile, err := logging.Open(cfg.Log.File, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	defer func() { _ = logFile.Close() }()

	sess, err := openSession(cfg, log)
	if err != nil {
		return fmt.Errorf("remote: %w", err)
	}
	defer func() {
		if err := sess.Close(); err != nil {
			log.WithError(err).Warn("fairway: closing session")
		}
	}()

	machine := control.NewMachine(sess.dispatcher)
	m := remote.NewModel(sess.manager, machine,
		remote.WithHoldTimeout(cfg.Control.HoldTimeout),
		remote.WithStatuses(sess.statuses()),
	)
	prog := tea.NewProgram(m,
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithReportFocus(),
	)
	err = r.run(true, prog)
	// The model halts on quit; this covers exits it never saw.
	machine.Halt()
	return err
}

// run executes the tea program, enabling testable wiring.
func (r *RemoteCmd) run(isTTY bool, prog teaRunner) error {
	if !isTTY {
		return fmt.Errorf("remote: requires a terminal (TTY)")
	}
	_, err := prog.Run()
	return err
}

// --- Scan command ---

// ScanCmd runs one scan and prints the carts found.
type ScanCmd struct {
	LinkFlags `embed:""`
	Timeout   time.Duration `help:"Scan duration (default from config)."`
	NoTUI     bool          `help:"Force plain text output even if stdout is a TTY." default:"false"`
}

// Run executes the scan command.
func (c *ScanCmd) Run() error {
	cfg, err := prepare(c.LinkFlags)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	if c.Timeout > 0 {
		cfg.Scan.Timeout = c.Timeout
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}

	sess, err := openSession(cfg, log)
	if err != nil {
		return fmt.Errorf("scan: %w", err)
	}
	defer func() { _ = sess.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: c.NoTUI,
		Steps:      []string{stepScan},
	})
	return c.run(ctx, sess, display, tui.NewBridge())
}

// run scans with display lifecycle management, enabling testable wiring.
func (c *ScanCmd) run(ctx context.Context, sess *session, display tui.Display, bridge *tui.Bridge) error {
	s := script{lc: sess.manager, statuses: sess.statuses(), bridge: bridge}
	return withDisplay(display, bridge, func() error {
		_, err := s.scan(ctx, "")
		return err
	})
}

// --- Drive command ---

// DriveCmd connects to a cart, holds one direction, and disconnects.
type DriveCmd struct {
	LinkFlags `embed:""`
	ID        string        `arg:"" help:"Cart address, as listed by scan."`
	Direction string        `arg:"" help:"forward, backward, left or right."`
	Hold      time.Duration `help:"How long to hold the direction." default:"500ms"`
	Follow    bool          `help:"End the hold by switching the cart to follow mode instead of stopping."`
	NoTUI     bool          `help:"Force plain text output even if stdout is a TTY." default:"false"`
}

// Run executes the drive command.
func (d *DriveCmd) Run() error {
	dir, err := control.ParseDirection(d.Direction)
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}
	cfg, err := prepare(d.LinkFlags)
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}
	log, err := logging.New(os.Stderr, cfg.Log.Level)
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}

	sess, err := openSession(cfg, log)
	if err != nil {
		return fmt.Errorf("drive: %w", err)
	}
	defer func() { _ = sess.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	display := tui.NewDisplay(tui.DisplayOptions{
		Writer:     os.Stdout,
		ForcePlain: d.NoTUI,
		Steps:      []string{stepScan, stepConnect, stepDrive, stepDisconnect},
	})
	return d.run(ctx, sess, dir, display, tui.NewBridge())
}

// run executes scan → connect → drive → disconnect, enabling testable wiring.
func (d *DriveCmd) run(ctx context.Context, sess *session, dir control.Direction, display tui.Display, bridge *tui.Bridge) error {
	s := script{lc: sess.manager, statuses: sess.statuses(), bridge: bridge}
	machine := control.NewMachine(sess.dispatcher)

	return withDisplay(display, bridge, func() error {
		id, err := s.scan(ctx, d.ID)
		if err != nil {
			return err
		}
		if err := s.connect(ctx, id); err != nil {
			return err
		}
		if err := s.drive(ctx, machine, sess.dispatcher, dir, d.Hold, d.Follow); err != nil {
			return err
		}
		return s.disconnect(ctx)
	})
}

// --- Config command ---

// ConfigCmd groups configuration subcommands.
type ConfigCmd struct {
	Init ConfigInitCmd `cmd:"" help:"Write the default config to .fairway/config.yaml."`
}

// ConfigInitCmd writes the embedded default config file.
type ConfigInitCmd struct {
	Force bool `help:"Overwrite an existing config file."`
}

// Run executes the config init command.
func (c *ConfigInitCmd) Run() error {
	return c.run(os.Stdout, localDir)
}

// run writes the config into dir, enabling testable wiring.
func (c *ConfigInitCmd) run(w io.Writer, dir string) error {
	path := filepath.Join(dir, "config.yaml")
	if _, err := os.Stat(path); err == nil && !c.Force {
		return fmt.Errorf("config: %s already exists (use --force to overwrite)", path)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if err := os.WriteFile(path, fairway.DefaultConfig(), 0o644); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	_, _ = fmt.Fprintf(w, "Wrote %s\n", path)
	return nil
}

// Exit codes.
const (
	exitSuccess = 0
	exitLink    = 1
	exitSetup   = 2
)

// exitCode maps an error to the appropriate exit code. Failures reaching
// or keeping the cart exit with exitLink; everything else is setup.
func exitCode(err error) int {
	if err == nil {
		return exitSuccess
	}
	for _, target := range []error{
		connection.ErrPermissionDenied,
		connection.ErrConnectFailed,
		connection.ErrDisconnectFailed,
		connection.ErrLinkDropped,
		connection.ErrAlreadyBusy,
		connection.ErrUnknownPeripheral,
		errCartNotFound,
	} {
		if errors.Is(err, target) {
			return exitLink
		}
	}
	return exitSetup
}

func main() {
	var cli CLI
	ctx := kong.Parse(&cli,
		kong.Name("fairway"),
		kong.Description("Remote control for a follow-cart."),
		kong.Vars{"version": version + " " + commit + " " + date},
	)
	err := ctx.Run()
	if err != nil {
		fmt.Fprintf(os.Stderr, "error: %s\n", err)
		os.Exit(exitCode(err))
	}
}
