package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"
	"gopkg.in/yaml.v3"
)

type profile struct {
	ServerURL    string `yaml:"serverUrl"`
	Realm        string `yaml:"realm"`
	ClientID     string `yaml:"clientId"`
	ClientSecret string `yaml:"clientSecret"`
	GatewayURL   string `yaml:"gatewayUrl"`
}

type cliConfig struct {
	CurrentProfile string             `yaml:"currentProfile"`
	Profiles       map[string]profile `yaml:"profiles"`
}

func initCmd(s *settings, ui *ui) *cobra.Command {
	var noPrompt bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Initialize CLI config",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, cfgPath, err := loadConfig()
			if err != nil {
				return err
			}
			active := resolveProfileName(s.profile, cfg)
			prof := cfg.Profiles[active]

			serverURL := firstNonEmpty(s.serverURL, prof.ServerURL)
			realm := firstNonEmpty(s.realm, prof.Realm)
			clientID := firstNonEmpty(s.clientID, prof.ClientID)
			clientSecret := firstNonEmpty(s.clientSecret, prof.ClientSecret)
			gatewayURL := firstNonEmpty(s.gatewayURL, prof.GatewayURL, "http://localhost:8080")

			if !noPrompt {
				reader := bufio.NewReader(os.Stdin)
				serverURL = prompt(reader, "Identity provider URL", serverURL)
				realm = prompt(reader, "Realm", realm)
				clientID = prompt(reader, "Client id", clientID)
				if clientSecret == "" {
					secret, err := promptSecret("Client secret (optional)")
					if err != nil {
						return err
					}
					clientSecret = secret
				}
				gatewayURL = prompt(reader, "Gateway URL", gatewayURL)
			}

			prof.ServerURL = strings.TrimRight(strings.TrimSpace(serverURL), "/")
			prof.Realm = strings.TrimSpace(realm)
			prof.ClientID = strings.TrimSpace(clientID)
			prof.ClientSecret = strings.TrimSpace(clientSecret)
			prof.GatewayURL = strings.TrimRight(strings.TrimSpace(gatewayURL), "/")

			if cfg.Profiles == nil {
				cfg.Profiles = map[string]profile{}
			}
			cfg.Profiles[active] = prof
			if cfg.CurrentProfile == "" || cmd.Flags().Changed("profile") {
				cfg.CurrentProfile = active
			}
			if err := saveConfig(cfg, cfgPath); err != nil {
				return err
			}
			fmt.Printf("%s Initialized profile '%s' at %s\n", ui.ok("[OK]"), active, cfgPath)
			fmt.Printf("  %s %s\n", ui.dim("client secret:"), maskToken(prof.ClientSecret))
			return nil
		},
	}
	cmd.Flags().BoolVar(&noPrompt, "no-prompt", false, "Disable interactive prompts")
	return cmd
}

func configPath() string {
	if v := strings.TrimSpace(os.Getenv("REALMGATE_CONFIG_DIR")); v != "" {
		return filepath.Join(v, "config.yaml")
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "./config.yaml"
	}
	return filepath.Join(home, ".realmgate", "config.yaml")
}

func loadConfig() (cliConfig, string, error) {
	path := configPath()
	var cfg cliConfig
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cliConfig{Profiles: map[string]profile{}}, path, nil
		}
		return cfg, path, err
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, path, err
	}
	if cfg.Profiles == nil {
		cfg.Profiles = map[string]profile{}
	}
	return cfg, path, nil
}

func saveConfig(cfg cliConfig, path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return err
	}
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o600)
}

func resolveProfileName(flag string, cfg cliConfig) string {
	if strings.TrimSpace(flag) != "" {
		return strings.TrimSpace(flag)
	}
	if cfg.CurrentProfile != "" {
		return cfg.CurrentProfile
	}
	return "default"
}

func prompt(r *bufio.Reader, label, def string) string {
	if def != "" {
		fmt.Printf("%s [%s]: ", label, def)
	} else {
		fmt.Printf("%s: ", label)
	}
	line, _ := r.ReadString('\n')
	line = strings.TrimSpace(line)
	if line == "" {
		return def
	}
	return line
}

func promptSecret(label string) (string, error) {
	fmt.Printf("%s: ", label)
	b, err := termReadPassword()
	fmt.Println()
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(string(b)), nil
}

func termReadPassword() ([]byte, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		reader := bufio.NewReader(os.Stdin)
		line, err := reader.ReadString('\n')
		if errors.Is(err, io.EOF) {
			err = nil
		}
		return []byte(strings.TrimSpace(line)), err
	}
	return term.ReadPassword(fd)
}

func maskToken(v string) string {
	v = strings.TrimSpace(v)
	if v == "" {
		return "<unset>"
	}
	if len(v) <= 8 {
		return "****"
	}
	return v[:4] + "..." + v[len(v)-4:]
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
