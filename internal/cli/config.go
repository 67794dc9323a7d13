package cli

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"strconv"
	"strings"
	"time"

	"golang.org/x/term"

	"github.com/bscott/mailpeek"
	"github.com/bscott/mailpeek/internal/config"
)

// PasswordReader reads a secret without echo. Tests replace it.
var PasswordReader = func() ([]byte, error) {
	return term.ReadPassword(int(os.Stdin.Fd()))
}

// Stdin is read by the setup wizard.
var Stdin io.Reader = os.Stdin

func (c *ConfigInitCmd) Run(ctx *Context) error {
	out := ctx.Formatter.Writer
	fmt.Fprintln(out, "mailpeek Configuration Wizard")
	fmt.Fprintln(out, "=============================")
	fmt.Fprintln(out)

	reader := bufio.NewReader(Stdin)
	cfg := config.DefaultConfig()

	prompt := func(label, def string) string {
		if def != "" {
			fmt.Fprintf(out, "%s [%s]: ", label, def)
		} else {
			fmt.Fprintf(out, "%s: ", label)
		}
		line, _ := reader.ReadString('\n')
		line = strings.TrimSpace(line)
		if line == "" {
			return def
		}
		return line
	}

	cfg.IMAP.Host = prompt("IMAP host", "")
	if cfg.IMAP.Host == "" {
		return fmt.Errorf("IMAP host is required")
	}

	portStr := prompt("IMAP port", strconv.Itoa(cfg.IMAP.Port))
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return fmt.Errorf("invalid IMAP port: %s", portStr)
	}
	cfg.IMAP.Port = port

	cfg.IMAP.Security = prompt("Security (tls, starttls, none)", cfg.IMAP.Security)

	cfg.IMAP.Email = prompt("Email address / username", "")
	if cfg.IMAP.Email == "" {
		return fmt.Errorf("email address is required")
	}

	cfg.IMAP.Folder = prompt("Folder", cfg.IMAP.Folder)

	if err := cfg.Validate(); err != nil {
		return err
	}

	fmt.Fprintln(out)
	fmt.Fprint(out, "Password (or OAuth2 token): ")
	passwordBytes, err := PasswordReader()
	fmt.Fprintln(out)
	if err != nil {
		return fmt.Errorf("failed to read password: %w", err)
	}
	password := string(passwordBytes)
	if password == "" {
		return fmt.Errorf("password is required")
	}

	configPath := ctx.Globals.Config
	if configPath == "" {
		if configPath, err = config.ConfigPath(); err != nil {
			return err
		}
	}

	if err := cfg.Save(configPath); err != nil {
		return fmt.Errorf("failed to save config: %w", err)
	}

	if err := cfg.SetPassword(password); err != nil {
		return fmt.Errorf("failed to store password in keyring: %w", err)
	}

	fmt.Fprintln(out)
	fmt.Fprintf(out, "Configuration saved to %s\n", configPath)
	fmt.Fprintln(out, "Password stored securely in system keyring.")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Test your connection with: mailpeek config validate")

	ctx.Config = cfg
	return nil
}

func (c *ConfigShowCmd) Run(ctx *Context) error {
	if ctx.Config == nil {
		return fmt.Errorf("no configuration found - run 'mailpeek config init' first")
	}
	cfg := ctx.Config

	_, pwErr := cfg.GetPassword()

	if ctx.Formatter.JSON {
		return ctx.Formatter.PrintJSON(map[string]interface{}{
			"imap": map[string]interface{}{
				"host":                 cfg.IMAP.Host,
				"port":                 cfg.IMAP.Port,
				"email":                cfg.IMAP.Email,
				"folder":               cfg.IMAP.Folder,
				"security":             cfg.IMAP.Security,
				"auth":                 cfg.IMAP.Auth,
				"insecure_skip_verify": cfg.IMAP.InsecureSkipVerify,
				"timeout":              cfg.IMAP.Timeout.String(),
			},
			"defaults": map[string]interface{}{
				"contains":     cfg.Defaults.Contains,
				"download_dir": cfg.Defaults.DownloadDir,
				"limit":        cfg.Defaults.Limit,
				"format":       cfg.Defaults.Format,
			},
			"watch": map[string]interface{}{
				"idle_refresh":     cfg.Watch.IdleRefresh.String(),
				"restart_attempts": cfg.Watch.RestartAttempts,
			},
			"password_set": pwErr == nil,
		})
	}

	out := ctx.Formatter.Writer
	configPath := ctx.Globals.Config
	if configPath == "" {
		configPath, _ = config.ConfigPath()
	}
	fmt.Fprintf(out, "Configuration file: %s\n\n", configPath)

	fmt.Fprintln(out, "IMAP Settings:")
	fmt.Fprintf(out, "  Host:     %s\n", cfg.IMAP.Host)
	fmt.Fprintf(out, "  Port:     %d\n", cfg.IMAP.Port)
	fmt.Fprintf(out, "  Email:    %s\n", cfg.IMAP.Email)
	fmt.Fprintf(out, "  Folder:   %s\n", cfg.IMAP.Folder)
	fmt.Fprintf(out, "  Security: %s\n", cfg.IMAP.Security)
	fmt.Fprintf(out, "  Auth:     %s\n", cfg.IMAP.Auth)
	fmt.Fprintf(out, "  Timeout:  %s\n", cfg.IMAP.Timeout)
	if cfg.IMAP.InsecureSkipVerify {
		fmt.Fprintf(out, "  %s\n", ctx.Formatter.WarningText("TLS certificate verification disabled"))
	}

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Defaults:")
	fmt.Fprintf(out, "  Contains:     %s\n", cfg.Defaults.Contains)
	fmt.Fprintf(out, "  Download dir: %s\n", cfg.Defaults.DownloadDir)
	fmt.Fprintf(out, "  Limit:        %d\n", cfg.Defaults.Limit)
	fmt.Fprintf(out, "  Format:       %s\n", cfg.Defaults.Format)

	fmt.Fprintln(out)
	fmt.Fprintln(out, "Watch:")
	fmt.Fprintf(out, "  Idle refresh:     %s\n", cfg.Watch.IdleRefresh)
	fmt.Fprintf(out, "  Restart attempts: %d\n", cfg.Watch.RestartAttempts)

	fmt.Fprintln(out)
	if pwErr != nil {
		fmt.Fprintln(out, "Password: not set (run 'mailpeek config init' to set)")
	} else {
		fmt.Fprintln(out, "Password: ********** (stored in keyring)")
	}

	return nil
}

func (c *ConfigSetCmd) Run(ctx *Context) error {
	if ctx.Config == nil {
		ctx.Config = config.DefaultConfig()
	}

	parts := strings.Split(c.Key, ".")
	if len(parts) != 2 {
		return fmt.Errorf("invalid key format - use section.key (e.g., imap.host, defaults.limit)")
	}

	section, key := parts[0], parts[1]
	cfg := ctx.Config

	switch section {
	case "imap":
		switch key {
		case "host":
			cfg.IMAP.Host = c.Value
		case "port":
			port, err := strconv.Atoi(c.Value)
			if err != nil {
				return fmt.Errorf("invalid port value: %s", c.Value)
			}
			cfg.IMAP.Port = port
		case "email":
			cfg.IMAP.Email = c.Value
		case "folder":
			cfg.IMAP.Folder = c.Value
		case "security":
			switch mailpeek.Security(c.Value) {
			case mailpeek.SecurityTLS, mailpeek.SecurityStartTLS, mailpeek.SecurityNone:
			default:
				return fmt.Errorf("security must be 'tls', 'starttls' or 'none'")
			}
			cfg.IMAP.Security = c.Value
		case "auth":
			switch mailpeek.AuthMechanism(c.Value) {
			case mailpeek.AuthLogin, mailpeek.AuthXOAuth2:
			default:
				return fmt.Errorf("auth must be 'login' or 'xoauth2'")
			}
			cfg.IMAP.Auth = c.Value
		case "insecure_skip_verify":
			v, err := strconv.ParseBool(c.Value)
			if err != nil {
				return fmt.Errorf("invalid boolean value: %s", c.Value)
			}
			cfg.IMAP.InsecureSkipVerify = v
		case "timeout":
			d, err := time.ParseDuration(c.Value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", c.Value)
			}
			cfg.IMAP.Timeout = d
		default:
			return fmt.Errorf("unknown imap key: %s", key)
		}
	case "defaults":
		switch key {
		case "contains":
			cfg.Defaults.Contains = c.Value
		case "download_dir":
			cfg.Defaults.DownloadDir = c.Value
		case "limit":
			limit, err := strconv.Atoi(c.Value)
			if err != nil {
				return fmt.Errorf("invalid limit value: %s", c.Value)
			}
			cfg.Defaults.Limit = limit
		case "format":
			if c.Value != "text" && c.Value != "json" {
				return fmt.Errorf("format must be 'text' or 'json'")
			}
			cfg.Defaults.Format = c.Value
		default:
			return fmt.Errorf("unknown defaults key: %s", key)
		}
	case "watch":
		switch key {
		case "idle_refresh":
			d, err := time.ParseDuration(c.Value)
			if err != nil {
				return fmt.Errorf("invalid duration value: %s", c.Value)
			}
			cfg.Watch.IdleRefresh = d
		case "restart_attempts":
			n, err := strconv.Atoi(c.Value)
			if err != nil {
				return fmt.Errorf("invalid restart_attempts value: %s", c.Value)
			}
			cfg.Watch.RestartAttempts = n
		default:
			return fmt.Errorf("unknown watch key: %s", key)
		}
	default:
		return fmt.Errorf("unknown section: %s (use 'imap', 'defaults' or 'watch')", section)
	}

	if err := cfg.Save(ctx.Globals.Config); err != nil {
		return err
	}

	ctx.Formatter.PrintSuccess(fmt.Sprintf("Set %s = %s", c.Key, c.Value))
	return nil
}

// login dials, authenticates and opens the folder without fetching
// anything.
func login(ctx *Context, acct mailpeek.Account) error {
	reader, err := mailpeek.NewReader(acct, ctx.Options()...)
	if err != nil {
		return err
	}
	cctx, cancel := context.WithTimeout(context.Background(), acct.DialTimeout+10*time.Second)
	defer cancel()
	_, err = reader.FetchUnread(cctx, mailpeek.FetchOptions{Limit: 1})
	return err
}

func (c *ConfigValidateCmd) Run(ctx *Context) error {
	acct, err := ctx.Account()
	if err != nil {
		return err
	}

	if err := login(ctx, acct); err != nil {
		if ctx.Formatter.JSON {
			return ctx.Formatter.PrintJSON(map[string]interface{}{
				"success": false,
				"error":   err.Error(),
				"kind":    string(mailpeek.KindOf(err)),
			})
		}
		return fmt.Errorf("connection failed: %w", err)
	}

	if ctx.Formatter.JSON {
		return ctx.Formatter.PrintJSON(map[string]interface{}{
			"success": true,
			"message": fmt.Sprintf("Successfully connected to %s and opened %s", acct.Host, acct.Folder),
		})
	}

	ctx.Formatter.PrintSuccess(fmt.Sprintf("Connection successful! Logged in to %s and opened %s.", acct.Host, acct.Folder))
	return nil
}

type checkResult struct {
	Name    string `json:"name"`
	Status  string `json:"status"`
	Message string `json:"message,omitempty"`
}

func (c *ConfigDoctorCmd) Run(ctx *Context) error {
	var results []checkResult
	out := ctx.Formatter.Writer

	check := func(name string, err error, okMessage string) bool {
		r := checkResult{Name: name, Status: "ok", Message: okMessage}
		if err != nil {
			r.Status = "fail"
			r.Message = err.Error()
		}
		results = append(results, r)
		if !ctx.Formatter.JSON {
			prefix := ctx.Formatter.SuccessText("[OK]")
			if r.Status == "fail" {
				prefix = ctx.Formatter.ErrorText("[FAIL]")
			}
			if r.Message != "" {
				fmt.Fprintf(out, "%s %s - %s\n", prefix, name, r.Message)
			} else {
				fmt.Fprintf(out, "%s %s\n", prefix, name)
			}
		}
		return err == nil
	}

	configPath := ctx.Globals.Config
	var err error
	if configPath == "" {
		configPath, err = config.ConfigPath()
	}
	if err == nil {
		if _, statErr := os.Stat(configPath); statErr != nil {
			err = fmt.Errorf("not found at %s", configPath)
		}
	}
	if check("Config file exists", err, "") {
		_, err = config.Load(configPath)
		check("Config valid", err, "")
	}

	cfg := ctx.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}

	validErr := cfg.Validate()
	check("Account settings", validErr, cfg.IMAP.Email)

	_, pwErr := cfg.GetPassword()
	check("Password available", pwErr, "")

	if validErr == nil {
		acct := cfg.Account("")
		addr := acct.Addr()
		conn, err := net.DialTimeout("tcp", addr, 5*time.Second)
		if err == nil {
			conn.Close()
			check("IMAP port reachable", nil, addr)
		} else {
			check("IMAP port reachable", fmt.Errorf("cannot connect to %s", addr), "")
		}

		if err == nil && pwErr == nil {
			acct, aerr := ctx.Account()
			if aerr == nil {
				aerr = login(ctx, acct)
			}
			check("IMAP login succeeds", aerr, "")
		}
	}

	healthy := true
	for _, r := range results {
		if r.Status == "fail" {
			healthy = false
			break
		}
	}

	if ctx.Formatter.JSON {
		return ctx.Formatter.PrintJSON(map[string]interface{}{
			"checks":  results,
			"healthy": healthy,
		})
	}

	return nil
}
