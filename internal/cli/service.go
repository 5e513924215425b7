package cli

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/mesh-intelligence/almanac/internal/auth"
	"github.com/mesh-intelligence/almanac/internal/remote"
	"github.com/mesh-intelligence/almanac/internal/session"
	"github.com/mesh-intelligence/almanac/internal/sqlite"
	"github.com/mesh-intelligence/almanac/pkg/types"
)

// readyTimeout bounds the wait for a kind's first snapshot.
const readyTimeout = 10 * time.Second

var errNeedsLocal = errors.New("command requires the sqlite backend; drop --remote")

// config resolves the data service configuration. --remote and --token
// override config.yaml.
func (a *app) config() (types.Config, error) {
	dataDir, err := a.resolveDataDir()
	if err != nil {
		return types.Config{}, sysError(fmt.Errorf("resolve data dir: %w", err))
	}
	if a.remoteURL != "" {
		a.cfg.Set(cfgKeyBackend, types.BackendRemote)
		a.cfg.Set(cfgKeyRemoteURL, a.remoteURL)
	}
	if a.token != "" {
		a.cfg.Set(cfgKeyRemoteToken, a.token)
	}
	return backendConfig(a.cfg, dataDir)
}

// attachBackend opens the local sqlite data service. The caller must
// Detach it.
func (a *app) attachBackend() (*sqlite.Backend, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, err
	}
	if cfg.Backend != types.BackendSQLite {
		return nil, userError(errNeedsLocal)
	}
	backend := sqlite.NewBackend(sqlite.WithLogger(a.log))
	if err := backend.Attach(cfg); err != nil {
		return nil, sysError(fmt.Errorf("attach backend: %w", err))
	}
	return backend, nil
}

// openService returns the data service for the configured owner along with
// the function that releases it.
func (a *app) openService() (types.RemoteService, types.Identity, func() error, error) {
	cfg, err := a.config()
	if err != nil {
		return nil, types.Identity{}, nil, err
	}

	if cfg.Backend == types.BackendRemote {
		identity, err := auth.ParseUnverified(cfg.Remote.Token)
		if err != nil {
			return nil, types.Identity{}, nil, userError(fmt.Errorf("remote token: %w", err))
		}
		client, err := remote.New(cfg.Remote.URL, cfg.Remote.Token, remote.WithLogger(a.log))
		if err != nil {
			return nil, types.Identity{}, nil, userError(err)
		}
		return client, identity, client.Close, nil
	}

	backend, err := a.attachBackend()
	if err != nil {
		return nil, types.Identity{}, nil, err
	}
	owner := a.cfg.GetString(cfgKeyOwner)
	svc, err := backend.ForOwner(owner)
	if err != nil {
		_ = backend.Detach()
		return nil, types.Identity{}, nil, userError(fmt.Errorf("config %s: %w", cfgKeyOwner, err))
	}
	return svc, types.Identity{Subject: owner}, backend.Detach, nil
}

// openSession starts a session over the configured data service. Signing
// out releases the service.
func (a *app) openSession(opts ...session.Option) (*session.Session, error) {
	svc, identity, release, err := a.openService()
	if err != nil {
		return nil, err
	}
	opts = append([]session.Option{
		session.WithLogger(a.log),
		session.WithOptimistic(a.cfg.GetBool(cfgKeyOptimistic)),
		session.OnSignOut(release),
	}, opts...)
	sess, err := session.New(identity, svc, opts...)
	if err != nil {
		_ = release()
		return nil, userError(err)
	}
	return sess, nil
}

// watchReady starts kind's live query and waits for its first snapshot.
func watchReady(ctx context.Context, sess *session.Session, kind types.Kind) error {
	if err := sess.Watch(ctx, kind); err != nil {
		return classify(err)
	}
	select {
	case <-sess.Ready(kind):
		return nil
	case <-ctx.Done():
		return sysError(ctx.Err())
	case <-time.After(readyTimeout):
		return sysError(fmt.Errorf("no %s snapshot after %s", kind, readyTimeout))
	}
}
