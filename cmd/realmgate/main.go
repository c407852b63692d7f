package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/fatih/color"
	"github.com/spf13/cobra"
)

type ui struct {
	title func(a ...any) string
	ok    func(a ...any) string
	info  func(a ...any) string
	warn  func(a ...any) string
	err   func(a ...any) string
	dim   func(a ...any) string
}

func newUI() *ui {
	return &ui{
		title: color.New(color.FgHiCyan, color.Bold).SprintFunc(),
		ok:    color.New(color.FgGreen, color.Bold).SprintFunc(),
		info:  color.New(color.FgCyan).SprintFunc(),
		warn:  color.New(color.FgYellow).SprintFunc(),
		err:   color.New(color.FgRed, color.Bold).SprintFunc(),
		dim:   color.New(color.FgHiBlack).SprintFunc(),
	}
}

// settings are the effective connection values after flags, env and the
// active profile have been merged, in that order of precedence.
type settings struct {
	profile      string
	serverURL    string
	realm        string
	clientID     string
	clientSecret string
	gatewayURL   string
}

func main() {
	s := &settings{
		profile:      getenv("REALMGATE_PROFILE", ""),
		serverURL:    getenv("REALMGATE_SERVER_URL", ""),
		realm:        getenv("REALMGATE_REALM", ""),
		clientID:     getenv("REALMGATE_CLIENT_ID", ""),
		clientSecret: getenv("REALMGATE_CLIENT_SECRET", ""),
		gatewayURL:   getenv("REALMGATE_GATEWAY_URL", "http://localhost:8080"),
	}
	ui := newUI()

	root := &cobra.Command{
		Use:   "realmgate",
		Short: "realmgate CLI",
		Long:  "realmgate CLI for inspecting tokens, realm keys and gateway decisions.",
	}
	root.SetHelpTemplate(helpTemplate(ui))
	root.SilenceUsage = true

	root.PersistentFlags().StringVar(&s.profile, "profile", s.profile, "Config profile")
	root.PersistentFlags().StringVar(&s.serverURL, "server-url", s.serverURL, "Identity provider base URL")
	root.PersistentFlags().StringVar(&s.realm, "realm", s.realm, "Realm name")
	root.PersistentFlags().StringVar(&s.clientID, "client-id", s.clientID, "Client id")
	root.PersistentFlags().StringVar(&s.clientSecret, "client-secret", s.clientSecret, "Client secret")
	root.PersistentFlags().StringVar(&s.gatewayURL, "gateway-url", s.gatewayURL, "realmgate service URL")

	root.PersistentPreRunE = func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		active := resolveProfileName(s.profile, cfg)
		s.merge(cmd, cfg.Profiles[active])
		if s.profile == "" {
			s.profile = active
		}
		return nil
	}

	root.AddCommand(initCmd(s, ui))
	root.AddCommand(tokenCmd(s, ui))
	root.AddCommand(jwksCmd(s, ui))
	root.AddCommand(introspectCmd(s, ui))
	root.AddCommand(authorizeCmd(s, ui))

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, ui.err("[ERROR]"), err.Error())
		os.Exit(1)
	}
}

// merge fills values that neither a flag nor the environment set.
func (s *settings) merge(cmd *cobra.Command, prof profile) {
	flags := cmd.Flags()
	fill := func(flag, env string, dst *string, fromProfile string) {
		if flags.Changed(flag) || strings.TrimSpace(os.Getenv(env)) != "" {
			return
		}
		if fromProfile != "" {
			*dst = fromProfile
		}
	}
	fill("server-url", "REALMGATE_SERVER_URL", &s.serverURL, prof.ServerURL)
	fill("realm", "REALMGATE_REALM", &s.realm, prof.Realm)
	fill("client-id", "REALMGATE_CLIENT_ID", &s.clientID, prof.ClientID)
	fill("client-secret", "REALMGATE_CLIENT_SECRET", &s.clientSecret, prof.ClientSecret)
	fill("gateway-url", "REALMGATE_GATEWAY_URL", &s.gatewayURL, prof.GatewayURL)
}

func (s *settings) requireRealm() error {
	if strings.TrimSpace(s.serverURL) == "" || strings.TrimSpace(s.realm) == "" {
		return fmt.Errorf("server URL and realm are required (run `realmgate init` or pass --server-url/--realm)")
	}
	return nil
}

func getenv(k, def string) string {
	if v := strings.TrimSpace(os.Getenv(k)); v != "" {
		return v
	}
	return def
}

func helpTemplate(ui *ui) string {
	title := ui.title("realmgate")
	return fmt.Sprintf(`%s: token validation gateway CLI

Usage:
  {{.UseLine}}

Commands:
{{range .Commands}}{{if (or .IsAvailableCommand .IsAdditionalHelpTopicCommand)}}
  {{rpad .Name .NamePadding }} {{.Short}}{{end}}{{end}}

Flags:
  {{.LocalFlags.FlagUsages | trimTrailingWhitespaces}}

Global Flags:
  {{.InheritedFlags.FlagUsages | trimTrailingWhitespaces}}

Config:
  %s

Examples:
  realmgate init
  realmgate token decode "$TOKEN"
  realmgate token verify "$TOKEN" --roles admin
  realmgate jwks list
  realmgate introspect "$TOKEN"
  realmgate authorize orders --token "$TOKEN" --repeat 100

`, title, configPath())
}
