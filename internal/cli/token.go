package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/almanac/internal/auth"
)

func newTokenCmd(a *app) *cobra.Command {
	var ttl string
	cmd := &cobra.Command{
		Use:   "token <subject>",
		Short: "Issue a bearer token for a remote client",
		Long: `Issue a token signed with server.jwt_secret. The subject is the owner of
every record the client reads and writes.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := a.cfg.GetString(cfgKeyJWTSecret)
			if secret == "" {
				return userError(errNoSecret)
			}
			d, err := parseTTL(ttl)
			if err != nil {
				return userError(err)
			}
			token, err := auth.IssueToken([]byte(secret), args[0], d)
			if err != nil {
				return userError(err)
			}
			if a.jsonMode {
				return a.printJSON(map[string]string{"subject": args[0], "token": token})
			}
			fmt.Fprintln(a.out, token)
			return nil
		},
	}
	cmd.Flags().StringVar(&ttl, "ttl", "720h", "token lifetime; 0 never expires")
	return cmd
}
