package main

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/briandowns/spinner"
	"github.com/osvaldoandrade/realmgate/pkg/auth"
	"github.com/osvaldoandrade/realmgate/pkg/auth/introspection"
	"github.com/osvaldoandrade/realmgate/pkg/auth/jwks"
	"github.com/osvaldoandrade/realmgate/pkg/policy"
	"github.com/osvaldoandrade/realmgate/pkg/security"
	"github.com/schollz/progressbar/v3"
	"github.com/spf13/cobra"
)

const requestTimeout = 10 * time.Second

func withSpinner(suffix string, fn func() error) error {
	spin := spinner.New(spinner.CharSets[14], 120*time.Millisecond)
	spin.Suffix = " " + suffix
	spin.Start()
	err := fn()
	spin.Stop()
	return err
}

// tokenArg reads the token from args, or from stdin when it is "-".
func tokenArg(args []string) (string, error) {
	if len(args) == 0 || args[0] == "-" {
		b, err := io.ReadAll(bufio.NewReader(os.Stdin))
		if err != nil {
			return "", err
		}
		args = []string{string(b)}
	}
	tok := strings.TrimSpace(strings.TrimPrefix(strings.TrimSpace(args[0]), "Bearer "))
	if tok == "" {
		return "", errors.New("token is required")
	}
	return tok, nil
}

func printJSON(v any) error {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	fmt.Println(string(b))
	return nil
}

func tokenCmd(s *settings, ui *ui) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Inspect and verify access tokens",
	}

	decode := &cobra.Command{
		Use:   "decode [token|-]",
		Short: "Decode a token without verifying it",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := tokenArg(args)
			if err != nil {
				return err
			}
			at, err := security.DecodeAccessToken(raw)
			if err != nil {
				return err
			}
			now := time.Now()
			state := ui.ok("active")
			switch {
			case security.IsTokenExpired(at.Claims, now):
				state = ui.err("expired")
			case !security.IsTokenActive(at.Claims, now):
				state = ui.warn("not yet active")
			}
			fmt.Printf("%s alg=%s kid=%s %s\n", ui.title("[TOKEN]"), at.Algorithm, emptyOr(at.KeyID, "-"), state)
			fmt.Printf("  %s %s\n", ui.dim("roles:"), strings.Join(security.ExtractRoles(at, s.realm, s.clientID), ", "))
			fmt.Printf("  %s %s\n", ui.dim("permissions:"), strings.Join(security.ExtractPermissions(at), ", "))
			return printJSON(at.Claims)
		},
	}

	var (
		roles       string
		permissions string
		anyRole     bool
		anyPerm     bool
		strictKid   bool
		useIntro    bool
		publicKey   string
	)
	verify := &cobra.Command{
		Use:   "verify [token|-]",
		Short: "Run a token through a policy built from the active profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			raw, err := tokenArg(args)
			if err != nil {
				return err
			}
			cfg := policy.DefaultConfig()
			cfg.Name = "cli"
			cfg.ServerURL = s.serverURL
			cfg.Realm = s.realm
			cfg.ClientID = s.clientID
			cfg.ClientSecret = s.clientSecret
			cfg.RequiredRoles = roles
			cfg.RequiredPermissions = permissions
			cfg.AllRolesRequired = !anyRole
			cfg.AllPermissionsRequired = !anyPerm
			cfg.StrictKeyID = strictKid
			cfg.UseTokenIntrospection = useIntro
			cfg.IntrospectionCacheEnabled = false
			if publicKey != "" {
				pem, err := os.ReadFile(publicKey)
				if err != nil {
					return err
				}
				cfg.PublicKeyPEM = string(pem)
			}
			p, err := policy.New(cfg)
			if err != nil {
				return err
			}
			defer p.Close()

			var claims *auth.Claims
			err = withSpinner("Verifying token...", func() error {
				ctx, cancel := context.WithTimeout(cmd.Context(), requestTimeout)
				defer cancel()
				msg := policy.NewMapMessage().WithHeader("Authorization", "Bearer "+raw)
				claims, err = policy.NewProcessor(p).Process(ctx, msg)
				return err
			})
			if err != nil {
				if ae, ok := auth.AsAuthorizationError(err); ok {
					fmt.Printf("%s denied during %s: %s\n", ui.err("[DENY]"), ae.Phase, ae.Reason)
				}
				return err
			}
			fmt.Printf("%s %s (%s) via %s\n", ui.ok("[ALLOW]"), claims.Subject, emptyOr(claims.Username, "-"), cfg.Mode())
			fmt.Printf("  %s %s\n", ui.dim("roles:"), strings.Join(claims.Roles, ", "))
			fmt.Printf("  %s %s\n", ui.dim("permissions:"), strings.Join(claims.Permissions, ", "))
			if !claims.ExpiresAt.IsZero() {
				fmt.Printf("  %s %s\n", ui.dim("expires:"), claims.ExpiresAt.Local().Format(time.RFC3339))
			}
			return nil
		},
	}
	verify.Flags().StringVar(&roles, "roles", "", "Comma-separated required roles")
	verify.Flags().StringVar(&permissions, "permissions", "", "Comma-separated required permissions")
	verify.Flags().BoolVar(&anyRole, "any-role", false, "Accept any one of the roles")
	verify.Flags().BoolVar(&anyPerm, "any-permission", false, "Accept any one of the permissions")
	verify.Flags().BoolVar(&strictKid, "strict-kid", false, "Reject tokens whose kid is not in the key set")
	verify.Flags().BoolVar(&useIntro, "introspect", false, "Validate through the introspection endpoint")
	verify.Flags().StringVar(&publicKey, "public-key", "", "PEM file with the realm public key")

	cmd.AddCommand(decode, verify)
	return cmd
}

func jwksCmd(s *settings, ui *ui) *cobra.Command {
	list := &cobra.Command{
		Use:   "list",
		Short: "Fetch the realm signing keys",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireRealm(); err != nil {
				return err
			}
			r := jwks.NewResolver(s.serverURL, s.realm, jwks.WithHTTPClient(&http.Client{Timeout: requestTimeout}))
			defer r.CloseIdleConnections()
			err := withSpinner("Fetching certs...", func() error {
				return r.Refresh(cmd.Context())
			})
			if err != nil {
				return err
			}
			stats := r.Stats()
			fmt.Printf("%s %s\n", ui.title("[JWKS]"), stats.CertsURL)
			for i, kid := range stats.KeyIDs {
				marker := ""
				if i == 0 {
					marker = ui.dim(" (fallback)")
				}
				fmt.Printf("  %s%s\n", kid, marker)
			}
			return nil
		},
	}
	cmd := &cobra.Command{
		Use:   "jwks",
		Short: "Realm key operations",
	}
	cmd.AddCommand(list)
	return cmd
}

func introspectCmd(s *settings, ui *ui) *cobra.Command {
	return &cobra.Command{
		Use:   "introspect [token|-]",
		Short: "Ask the introspection endpoint about a token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := s.requireRealm(); err != nil {
				return err
			}
			raw, err := tokenArg(args)
			if err != nil {
				return err
			}
			i, err := introspection.New(introspection.Config{
				ServerURL:    s.serverURL,
				Realm:        s.realm,
				ClientID:     s.clientID,
				ClientSecret: s.clientSecret,
			}, introspection.WithHTTPClient(&http.Client{Timeout: requestTimeout}))
			if err != nil {
				return err
			}
			defer i.Close()

			var res introspection.Result
			err = withSpinner("Introspecting...", func() error {
				res, err = i.Introspect(cmd.Context(), raw)
				return err
			})
			if err != nil {
				return err
			}
			if res.Active() {
				fmt.Println(ui.ok("[ACTIVE]"), res.String("sub"))
			} else {
				fmt.Println(ui.warn("[INACTIVE]"))
			}
			return printJSON(res)
		},
	}
}

type authorizeReport struct {
	Total    int
	ByStatus map[int]int
	Min      time.Duration
	Max      time.Duration
	Sum      time.Duration
}

func (r *authorizeReport) observe(status int, d time.Duration) {
	if r.ByStatus == nil {
		r.ByStatus = map[int]int{}
	}
	r.Total++
	r.ByStatus[status]++
	r.Sum += d
	if r.Min == 0 || d < r.Min {
		r.Min = d
	}
	if d > r.Max {
		r.Max = d
	}
}

func (r *authorizeReport) mean() time.Duration {
	if r.Total == 0 {
		return 0
	}
	return r.Sum / time.Duration(r.Total)
}

// runAuthorize calls the forward-auth endpoint repeat times. Transport
// errors are recorded under status 0.
func runAuthorize(ctx context.Context, client *http.Client, gatewayURL, policyName, token string, repeat int, tick func()) (authorizeReport, http.Header, error) {
	var (
		report authorizeReport
		last   http.Header
	)
	endpoint := strings.TrimRight(gatewayURL, "/") + "/v1/authorize/" + url.PathEscape(policyName)
	for n := 0; n < repeat; n++ {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return report, nil, err
		}
		if token != "" {
			req.Header.Set("Authorization", "Bearer "+token)
		}
		start := time.Now()
		resp, err := client.Do(req)
		elapsed := time.Since(start)
		if err != nil {
			if ctx.Err() != nil {
				return report, last, ctx.Err()
			}
			report.observe(0, elapsed)
		} else {
			_, _ = io.Copy(io.Discard, resp.Body)
			resp.Body.Close()
			report.observe(resp.StatusCode, elapsed)
			last = resp.Header
		}
		if tick != nil {
			tick()
		}
	}
	return report, last, nil
}

func authorizeCmd(s *settings, ui *ui) *cobra.Command {
	var (
		token  string
		repeat int
	)
	cmd := &cobra.Command{
		Use:     "authorize <policy>",
		Short:   "Ask the gateway for a forward-auth decision",
		Example: "realmgate authorize orders --token \"$TOKEN\" --repeat 100",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if repeat <= 0 {
				repeat = 1
			}
			client := &http.Client{Timeout: requestTimeout}
			var tick func()
			if repeat > 1 {
				bar := progressbar.NewOptions(repeat,
					progressbar.OptionSetDescription("Authorizing"),
					progressbar.OptionSetWidth(18),
					progressbar.OptionShowCount(),
					progressbar.OptionClearOnFinish(),
				)
				tick = func() { _ = bar.Add(1) }
			}
			report, last, err := runAuthorize(cmd.Context(), client, s.gatewayURL, args[0], token, repeat, tick)
			if err != nil {
				return err
			}

			statuses := make([]int, 0, len(report.ByStatus))
			for st := range report.ByStatus {
				statuses = append(statuses, st)
			}
			sort.Ints(statuses)
			for _, st := range statuses {
				label := ui.ok(fmt.Sprintf("[%d]", st))
				if st == 0 || st >= 400 {
					label = ui.err(fmt.Sprintf("[%d]", st))
				}
				fmt.Printf("%s %d/%d\n", label, report.ByStatus[st], report.Total)
			}
			if last != nil {
				if sub := last.Get("X-Auth-Subject"); sub != "" {
					fmt.Printf("  %s %s\n", ui.dim("subject:"), sub)
				}
				if marker := last.Get(policy.DefaultRejectedHeader); marker != "" {
					fmt.Printf("  %s %s\n", ui.dim("rejected by:"), marker)
				}
			}
			fmt.Printf("  %s min=%s mean=%s max=%s\n", ui.dim("latency:"), report.Min, report.mean(), report.Max)
			return nil
		},
	}
	cmd.Flags().StringVar(&token, "token", getenv("REALMGATE_TOKEN", ""), "Access token")
	cmd.Flags().IntVar(&repeat, "repeat", 1, "Number of requests")
	return cmd
}

func emptyOr(v, fallback string) string {
	if strings.TrimSpace(v) == "" {
		return fallback
	}
	return v
}
