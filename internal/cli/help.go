package cli

import (
	"encoding/json"
	"fmt"
	"reflect"
	"strings"
	"unicode"
)

type HelpSchema struct {
	Name        string          `json:"name"`
	Version     string          `json:"version"`
	Description string          `json:"description"`
	Commands    []CommandSchema `json:"commands"`
	GlobalFlags []FlagSchema    `json:"global_flags"`
	Environment []EnvSchema     `json:"environment"`
}

type CommandSchema struct {
	Name        string          `json:"name"`
	Description string          `json:"description"`
	Flags       []FlagSchema    `json:"flags,omitempty"`
	Args        []ArgSchema     `json:"args,omitempty"`
	Subcommands []CommandSchema `json:"subcommands,omitempty"`
	Examples    []string        `json:"examples,omitempty"`
}

type FlagSchema struct {
	Name        string `json:"name"`
	Short       string `json:"short,omitempty"`
	Type        string `json:"type"`
	Default     string `json:"default,omitempty"`
	Required    bool   `json:"required,omitempty"`
	Description string `json:"description"`
}

type ArgSchema struct {
	Name        string `json:"name"`
	Type        string `json:"type"`
	Required    bool   `json:"required"`
	Description string `json:"description"`
}

type EnvSchema struct {
	Name        string `json:"name"`
	Description string `json:"description"`
}

const description = "Read unread mail, download attachments and watch a folder over IMAP"

func GenerateHelpJSON(cli *CLI) ([]byte, error) {
	flags, _ := extractFieldsFromStruct(reflect.TypeOf(cli.Globals))
	schema := HelpSchema{
		Name:        "mailpeek",
		Version:     Version,
		Description: description,
		GlobalFlags: flags,
		Commands:    extractCommands(cli),
		Environment: []EnvSchema{
			{Name: "MAILPEEK_HOST", Description: "IMAP host, overrides imap.host"},
			{Name: "MAILPEEK_PORT", Description: "IMAP port, overrides imap.port"},
			{Name: "MAILPEEK_EMAIL", Description: "Login name, overrides imap.email"},
			{Name: "MAILPEEK_PASSWORD", Description: "Password or OAuth2 token, used instead of the keyring"},
			{Name: "MAILPEEK_FOLDER", Description: "Folder, overrides imap.folder"},
		},
	}

	return json.MarshalIndent(schema, "", "  ")
}

func extractCommands(cli *CLI) []CommandSchema {
	return []CommandSchema{
		extractConfigCommands(),
		command("fetch", "List unread messages, optionally filtered by attachment name", cli.Fetch,
			"mailpeek fetch",
			"mailpeek fetch --contains .pdf --json",
			"mailpeek fetch -f invoice --save ./invoices --skip-saved",
			"mailpeek fetch --limit 5 --body --mark-seen",
		),
		command("download", "Download one attachment by message UID and MIME part id", cli.Download,
			"mailpeek download 42 2",
			"mailpeek download 42 1.2 -o report.pdf",
			"mailpeek download 42 2 -o - > report.pdf",
		),
		command("watch", "Wait for new mail with IMAP IDLE and report each message", cli.Watch,
			"mailpeek watch",
			"mailpeek watch --contains .csv --save ./incoming",
			"mailpeek watch --restart --attempts 10 --json",
		),
		{
			Name:        "version",
			Description: "Show version information",
			Examples:    []string{"mailpeek version", "mailpeek version --json"},
		},
	}
}

func extractConfigCommands() CommandSchema {
	return CommandSchema{
		Name:        "config",
		Description: "Configuration management",
		Subcommands: []CommandSchema{
			{
				Name:        "config init",
				Description: "Interactive setup wizard; stores the password in the system keyring",
				Examples:    []string{"mailpeek config init"},
			},
			{
				Name:        "config show",
				Description: "Display current configuration",
				Examples:    []string{"mailpeek config show", "mailpeek config show --json"},
			},
			command("config set", "Set a configuration value", ConfigSetCmd{},
				"mailpeek config set imap.host imap.example.com",
				"mailpeek config set defaults.contains .pdf",
				"mailpeek config set watch.idle_refresh 10m",
			),
			{
				Name:        "config validate",
				Description: "Log in and open the configured folder",
				Examples:    []string{"mailpeek config validate", "mailpeek config validate --json"},
			},
			{
				Name:        "config doctor",
				Description: "Diagnose configuration issues",
				Examples:    []string{"mailpeek config doctor", "mailpeek config doctor --json"},
			},
		},
	}
}

func command(name, desc string, cmd interface{}, examples ...string) CommandSchema {
	flags, args := extractFieldsFromStruct(reflect.TypeOf(cmd))
	return CommandSchema{
		Name:        name,
		Description: desc,
		Flags:       flags,
		Args:        args,
		Examples:    examples,
	}
}

// extractFieldsFromStruct reads kong tags: fields tagged arg become
// arguments, other fields with help text become flags.
func extractFieldsFromStruct(t reflect.Type) ([]FlagSchema, []ArgSchema) {
	var flags []FlagSchema
	var args []ArgSchema

	for i := 0; i < t.NumField(); i++ {
		field := t.Field(i)

		if field.Anonymous {
			continue
		}

		helpTag := field.Tag.Get("help")
		if helpTag == "" {
			continue
		}
		if _, hidden := field.Tag.Lookup("hidden"); hidden {
			continue
		}

		name := field.Tag.Get("name")
		if name == "" {
			name = kebab(field.Name)
		}

		if _, isArg := field.Tag.Lookup("arg"); isArg {
			_, optional := field.Tag.Lookup("optional")
			args = append(args, ArgSchema{
				Name:        strings.ReplaceAll(name, "-", "_"),
				Type:        getTypeString(field.Type),
				Required:    !optional,
				Description: helpTag,
			})
			continue
		}

		_, required := field.Tag.Lookup("required")
		flag := FlagSchema{
			Name:        "--" + name,
			Type:        getTypeString(field.Type),
			Description: helpTag,
			Default:     field.Tag.Get("default"),
			Required:    required,
		}
		if short := field.Tag.Get("short"); short != "" {
			flag.Short = "-" + short
		}

		flags = append(flags, flag)
	}

	return flags, args
}

// kebab converts a Go field name the way kong derives flag names.
func kebab(s string) string {
	var b strings.Builder
	runes := []rune(s)
	for i, r := range runes {
		if unicode.IsUpper(r) {
			if i > 0 && (unicode.IsLower(runes[i-1]) || (i+1 < len(runes) && unicode.IsLower(runes[i+1]))) {
				b.WriteByte('-')
			}
			r = unicode.ToLower(r)
		}
		b.WriteRune(r)
	}
	return b.String()
}

func getTypeString(t reflect.Type) string {
	switch t.Kind() {
	case reflect.String:
		return "string"
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return "int"
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return "uint"
	case reflect.Bool:
		return "bool"
	case reflect.Slice:
		return "[]" + getTypeString(t.Elem())
	default:
		return t.String()
	}
}

func PrintHelpJSON(cli *CLI) error {
	data, err := GenerateHelpJSON(cli)
	if err != nil {
		return fmt.Errorf("failed to generate help JSON: %w", err)
	}
	fmt.Println(string(data))
	return nil
}
