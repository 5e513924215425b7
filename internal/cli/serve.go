package cli

import (
	"errors"
	"fmt"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/mesh-intelligence/almanac/internal/server"
)

var errNoSecret = errors.New("server.jwt_secret (or ALMANAC_JWT_SECRET) must be set")

func newServeCmd(a *app) *cobra.Command {
	var addr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the local data service over HTTP",
		Long: `Serve the local data service to remote almanac clients: REST mutations
under /v1/records, live queries over the /v1/live websocket, Prometheus
metrics on /metrics. Clients authenticate with tokens from "almanac token".`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			secret := a.cfg.GetString(cfgKeyJWTSecret)
			if secret == "" {
				return userError(errNoSecret)
			}
			if addr == "" {
				addr = a.cfg.GetString(cfgKeyServerAddr)
			}

			backend, err := a.attachBackend()
			if err != nil {
				return err
			}
			defer backend.Detach()

			srv, err := server.New(backend, []byte(secret),
				server.WithLogger(a.log),
				server.WithRateLimit(a.cfg.GetFloat64(cfgKeyRateLimit), a.cfg.GetInt(cfgKeyBurst)),
			)
			if err != nil {
				return sysError(err)
			}
			a.log.WithFields(logrus.Fields{"addr": addr}).Info("serving")
			fmt.Fprintf(a.out, "Serving on %s\n", addr)
			if err := srv.ListenAndServe(cmd.Context(), addr); err != nil {
				return sysError(err)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default: server.addr)")
	return cmd
}
