package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/zalando/go-keyring"
	"gopkg.in/yaml.v3"

	"github.com/bscott/mailpeek"
)

const (
	AppName       = "mailpeek"
	EnvPrefix     = "MAILPEEK_"
	DefaultPort   = 993
	DefaultFolder = "INBOX"
)

// Environment variables that override the config file.
const (
	EnvHost     = EnvPrefix + "HOST"
	EnvPort     = EnvPrefix + "PORT"
	EnvEmail    = EnvPrefix + "EMAIL"
	EnvPassword = EnvPrefix + "PASSWORD"
	EnvFolder   = EnvPrefix + "FOLDER"
)

type IMAPConfig struct {
	Host               string        `yaml:"host"`
	Port               int           `yaml:"port"`
	Email              string        `yaml:"email"`
	Folder             string        `yaml:"folder"`
	Security           string        `yaml:"security"`
	Auth               string        `yaml:"auth"`
	InsecureSkipVerify bool          `yaml:"insecure_skip_verify"`
	Timeout            time.Duration `yaml:"timeout"`
}

type DefaultsConfig struct {
	Contains    string `yaml:"contains"`
	DownloadDir string `yaml:"download_dir"`
	Limit       int    `yaml:"limit"`
	Format      string `yaml:"format"`
}

type WatchConfig struct {
	IdleRefresh     time.Duration `yaml:"idle_refresh"`
	RestartAttempts int           `yaml:"restart_attempts"`
}

type Config struct {
	IMAP     IMAPConfig     `yaml:"imap"`
	Defaults DefaultsConfig `yaml:"defaults"`
	Watch    WatchConfig    `yaml:"watch"`
}

func DefaultConfig() *Config {
	return &Config{
		IMAP: IMAPConfig{
			Port:     DefaultPort,
			Folder:   DefaultFolder,
			Security: string(mailpeek.SecurityTLS),
			Auth:     string(mailpeek.AuthLogin),
			Timeout:  mailpeek.DefaultDialTimeout,
		},
		Defaults: DefaultsConfig{
			DownloadDir: "downloads",
			Format:      "text",
		},
		Watch: WatchConfig{
			IdleRefresh:     mailpeek.DefaultIdleRefresh,
			RestartAttempts: 5,
		},
	}
}

func ConfigDir() (string, error) {
	configDir, err := os.UserConfigDir()
	if err != nil {
		return "", fmt.Errorf("failed to get config directory: %w", err)
	}
	return filepath.Join(configDir, AppName), nil
}

func ConfigPath() (string, error) {
	dir, err := ConfigDir()
	if err != nil {
		return "", err
	}
	return filepath.Join(dir, "config.yaml"), nil
}

func Load(path string) (*Config, error) {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return nil, err
		}
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("config file not found at %s - run 'mailpeek config init' to create one", path)
		}
		return nil, fmt.Errorf("failed to read config: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	return cfg, nil
}

// LoadOrEnv loads the config file when there is one. Without a file it
// returns the defaults so environment overrides alone can describe the
// account.
func LoadOrEnv(path string) (*Config, error) {
	cfg, err := Load(path)
	if err == nil {
		return cfg, nil
	}
	if os.Getenv(EnvHost) == "" {
		return nil, err
	}
	if path == "" {
		if path, err = ConfigPath(); err != nil {
			return nil, err
		}
	}
	if _, statErr := os.Stat(path); !os.IsNotExist(statErr) {
		return nil, err
	}
	return DefaultConfig(), nil
}

func (c *Config) Save(path string) error {
	if path == "" {
		var err error
		path, err = ConfigPath()
		if err != nil {
			return err
		}
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := os.WriteFile(path, data, 0600); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}

	return nil
}

// LoadDotEnv reads KEY=VALUE pairs from path into the environment without
// overriding variables that are already set. A missing file is not an
// error.
func LoadDotEnv(path string) error {
	if path == "" {
		path = ".env"
	}
	if err := godotenv.Load(path); err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("failed to load %s: %w", path, err)
	}
	return nil
}

// ApplyEnv overlays MAILPEEK_* environment variables onto the config.
func (c *Config) ApplyEnv() error {
	if v := os.Getenv(EnvHost); v != "" {
		c.IMAP.Host = v
	}
	if v := os.Getenv(EnvPort); v != "" {
		port, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("invalid %s %q: %w", EnvPort, v, err)
		}
		c.IMAP.Port = port
	}
	if v := os.Getenv(EnvEmail); v != "" {
		c.IMAP.Email = v
	}
	if v := os.Getenv(EnvFolder); v != "" {
		c.IMAP.Folder = v
	}
	return nil
}

func (c *Config) Validate() error {
	if strings.TrimSpace(c.IMAP.Host) == "" {
		return errors.New("imap.host is not set")
	}
	if strings.TrimSpace(c.IMAP.Email) == "" {
		return errors.New("imap.email is not set")
	}
	if c.IMAP.Port < 0 || c.IMAP.Port > 65535 {
		return fmt.Errorf("imap.port %d out of range", c.IMAP.Port)
	}
	switch mailpeek.Security(c.IMAP.Security) {
	case "", mailpeek.SecurityTLS, mailpeek.SecurityStartTLS, mailpeek.SecurityNone:
	default:
		return fmt.Errorf("imap.security must be tls, starttls or none, got %q", c.IMAP.Security)
	}
	switch mailpeek.AuthMechanism(c.IMAP.Auth) {
	case "", mailpeek.AuthLogin, mailpeek.AuthXOAuth2:
	default:
		return fmt.Errorf("imap.auth must be login or xoauth2, got %q", c.IMAP.Auth)
	}
	return nil
}

// Account builds the library account from the config and a password
// fetched with GetPassword.
func (c *Config) Account(password string) mailpeek.Account {
	return mailpeek.Account{
		Host:               c.IMAP.Host,
		Port:               c.IMAP.Port,
		Email:              c.IMAP.Email,
		Password:           password,
		Folder:             c.IMAP.Folder,
		Security:           mailpeek.Security(c.IMAP.Security),
		Auth:               mailpeek.AuthMechanism(c.IMAP.Auth),
		InsecureSkipVerify: c.IMAP.InsecureSkipVerify,
		DialTimeout:        c.IMAP.Timeout,
	}
}

func (c *Config) SetPassword(password string) error {
	if c.IMAP.Email == "" {
		return errors.New("email must be set before storing password")
	}
	return keyring.Set(AppName, c.IMAP.Email, password)
}

// GetPassword returns MAILPEEK_PASSWORD when set and otherwise the password
// stored in the system keyring for the configured email.
func (c *Config) GetPassword() (string, error) {
	if v := os.Getenv(EnvPassword); v != "" {
		return v, nil
	}
	if c.IMAP.Email == "" {
		return "", errors.New("email not configured")
	}
	password, err := keyring.Get(AppName, c.IMAP.Email)
	if err != nil {
		if errors.Is(err, keyring.ErrNotFound) {
			return "", fmt.Errorf("password not found in keyring - run 'mailpeek config init' or set %s", EnvPassword)
		}
		return "", fmt.Errorf("failed to get password from keyring: %w", err)
	}
	return password, nil
}

func DeletePassword(email string) error {
	return keyring.Delete(AppName, email)
}

func Exists() bool {
	path, err := ConfigPath()
	if err != nil {
		return false
	}
	_, err = os.Stat(path)
	return err == nil
}
