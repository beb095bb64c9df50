package cli

import (
	"fmt"
	"strings"
	"time"

	"servicedesk/internal/config"
	"servicedesk/internal/middleware"

	"github.com/spf13/cobra"
)

var (
	flagTenant   string
	flagUserID   uint
	flagSubject  string
	flagRoles    string
	flagPerms    string
	flagTTLMin   int
	flagNoExpiry bool
)

// tokenCmd generates an HS256 JWT for testing/admin usage.
var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Generate a JWT (HS256) for API authentication",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.JWT.Secret == "" {
			return fmt.Errorf("jwt.secret is empty; set it in config")
		}
		claims := middleware.Claims{
			TenantID: flagTenant,
			UserID:   flagUserID,
			Roles:    splitList(flagRoles),
			Perms:    splitList(flagPerms),
		}
		claims.Subject = flagSubject
		if claims.Subject == "" && flagUserID > 0 {
			claims.Subject = fmt.Sprintf("%d", flagUserID)
		}
		ttl := time.Duration(flagTTLMin) * time.Minute
		if flagTTLMin <= 0 {
			ttl = cfg.JWT.ExpiresIn
		}
		if flagNoExpiry {
			ttl = 0
		}
		tok, err := middleware.IssueToken(cfg.JWT.Secret, claims, ttl)
		if err != nil {
			return err
		}
		fmt.Println(tok)
		return nil
	},
}

func splitList(s string) []string {
	var out []string
	for _, p := range strings.Split(s, ",") {
		if v := strings.TrimSpace(p); v != "" {
			out = append(out, v)
		}
	}
	return out
}

func init() {
	tokenCmd.Flags().StringVar(&flagTenant, "tenant", "", "tenant id (required)")
	tokenCmd.Flags().UintVar(&flagUserID, "user-id", 0, "user id claim")
	tokenCmd.Flags().StringVar(&flagSubject, "sub", "", "subject claim")
	tokenCmd.Flags().StringVar(&flagRoles, "roles", "", "comma separated roles, e.g. admin,agent")
	tokenCmd.Flags().StringVar(&flagPerms, "perms", "", "comma separated permissions, e.g. sla.read,automation.*")
	tokenCmd.Flags().IntVar(&flagTTLMin, "ttl", 0, "token lifetime in minutes (default jwt.expires_in)")
	tokenCmd.Flags().BoolVar(&flagNoExpiry, "no-expiry", false, "issue a token without exp")
	_ = tokenCmd.MarkFlagRequired("tenant")
	rootCmd.AddCommand(tokenCmd)
}
