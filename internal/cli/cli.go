package cli

import (
	"io"
	"log/slog"
	"os"

	"github.com/bscott/mailpeek"
	"github.com/bscott/mailpeek/internal/config"
	"github.com/bscott/mailpeek/internal/output"
)

var Version = "0.1.0"

type Globals struct {
	JSON     bool   `help:"Output as JSON" name:"json"`
	HelpJSON bool   `help:"Output command help as JSON (AI agent mode)" name:"help-json"`
	Config   string `help:"Path to config file" short:"c" type:"path"`
	EnvFile  string `help:"Path to a .env file with MAILPEEK_* variables" name:"env-file" default:".env" type:"path"`
	Verbose  bool   `help:"Verbose output" short:"v"`
	Quiet    bool   `help:"Suppress non-essential output" short:"q"`
	NoColor  bool   `help:"Disable colored output" name:"no-color"`
	Debug    bool   `help:"Dump the IMAP protocol exchange to stderr"`
}

type CLI struct {
	Globals

	Config   ConfigCmd   `cmd:"" help:"Configuration management"`
	Fetch    FetchCmd    `cmd:"" help:"List unread messages, optionally filtered by attachment name"`
	Download DownloadCmd `cmd:"" help:"Download one attachment"`
	Watch    WatchCmd    `cmd:"" help:"Wait for new mail with IMAP IDLE"`
	Version  VersionCmd  `cmd:"" help:"Show version information"`
}

type Context struct {
	Config    *config.Config
	Formatter *output.Formatter
	Globals   *Globals
	// Stderr receives logs and protocol dumps.
	Stderr io.Writer
}

func NewContext(globals *Globals) (*Context, error) {
	formatter := output.New(globals.JSON, globals.Verbose, globals.Quiet, globals.NoColor)

	if err := config.LoadDotEnv(globals.EnvFile); err != nil {
		return nil, err
	}

	var cfg *config.Config
	var err error

	if globals.Config != "" {
		cfg, err = config.LoadOrEnv(globals.Config)
	} else if config.Exists() || os.Getenv(config.EnvHost) != "" {
		cfg, err = config.LoadOrEnv("")
	}

	if err != nil || cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}
	if cfg.Defaults.Format == "json" {
		formatter.JSON = true
	}

	return &Context{
		Config:    cfg,
		Formatter: formatter,
		Globals:   globals,
		Stderr:    os.Stderr,
	}, nil
}

// Account resolves the password and returns the account described by the
// configuration.
func (c *Context) Account() (mailpeek.Account, error) {
	if err := c.Config.Validate(); err != nil {
		return mailpeek.Account{}, notConfigured(err)
	}
	password, err := c.Config.GetPassword()
	if err != nil {
		return mailpeek.Account{}, err
	}
	return c.Config.Account(password), nil
}

// Logger returns a text logger on Stderr when --verbose is set and a
// discarding logger otherwise.
func (c *Context) Logger() *slog.Logger {
	if !c.Globals.Verbose || c.Globals.Quiet {
		return slog.New(slog.DiscardHandler)
	}
	return slog.New(slog.NewTextHandler(c.stderr(), &slog.HandlerOptions{Level: slog.LevelDebug}))
}

// Options returns the library options implied by the global flags.
func (c *Context) Options() []mailpeek.Option {
	opts := []mailpeek.Option{mailpeek.WithLogger(c.Logger())}
	if c.Globals.Debug {
		opts = append(opts, mailpeek.WithDebugWriter(c.stderr()))
	}
	if c.Config.Watch.IdleRefresh > 0 {
		opts = append(opts, mailpeek.WithIdleRefresh(c.Config.Watch.IdleRefresh))
	}
	return opts
}

func (c *Context) stderr() io.Writer {
	if c.Stderr == nil {
		return os.Stderr
	}
	return c.Stderr
}

// ConfigCmd handles configuration management
type ConfigCmd struct {
	Init     ConfigInitCmd     `cmd:"" help:"Interactive setup wizard"`
	Show     ConfigShowCmd     `cmd:"" help:"Display current configuration"`
	Set      ConfigSetCmd      `cmd:"" help:"Set a configuration value"`
	Validate ConfigValidateCmd `cmd:"" help:"Test the IMAP login"`
	Doctor   ConfigDoctorCmd   `cmd:"" help:"Diagnose configuration issues"`
}

type ConfigInitCmd struct{}

type ConfigShowCmd struct{}

type ConfigSetCmd struct {
	Key   string `arg:"" help:"Configuration key (e.g., imap.host, defaults.contains)"`
	Value string `arg:"" help:"Value to set"`
}

type ConfigValidateCmd struct{}

type ConfigDoctorCmd struct{}

type FetchCmd struct {
	Contains      string `help:"Only messages with an attachment whose filename contains this text" short:"f"`
	CaseSensitive bool   `help:"Match --contains case-sensitively" name:"case-sensitive"`
	Limit         int    `help:"Return at most this many messages (newest first kept)" short:"n"`
	Body          bool   `help:"Include message bodies" short:"b"`
	Save          string `help:"Save matching attachments into this directory" type:"path"`
	SkipSaved     bool   `help:"Skip messages already saved by an earlier --save run" name:"skip-saved"`
	MarkSeen      bool   `help:"Mark returned messages as read" name:"mark-seen"`
}

type DownloadCmd struct {
	UID    uint32 `arg:"" help:"Message UID"`
	PartID string `arg:"" help:"MIME part id of the attachment (e.g., 2 or 1.2)"`
	Out    string `help:"Output path, or - for stdout (default: download_dir/<uid>-<part>)" short:"o"`
}

type WatchCmd struct {
	Contains      string `help:"Only report messages with an attachment whose filename contains this text" short:"f"`
	CaseSensitive bool   `help:"Match --contains case-sensitively" name:"case-sensitive"`
	Save          string `help:"Save matching attachments of new messages into this directory" type:"path"`
	Restart       bool   `help:"Reconnect after the connection drops"`
	Attempts      int    `help:"Reconnect attempts before giving up (default: watch.restart_attempts)"`
	Count         int    `help:"Exit after this many reported messages" hidden:""`
}

// VersionCmd shows version information
type VersionCmd struct{}
