// Package connect opens the registries and chain sources named in the
// configuration and assembles them for the scheduler, the provisioning tool
// and the consistency checker.
package connect

import (
	"context"
	"errors"
	"fmt"
	"net/url"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jmerrifield20/braided/internal/chain"
	"github.com/jmerrifield20/braided/internal/config"
	"github.com/jmerrifield20/braided/internal/evm"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/internal/ledger"
	"github.com/jmerrifield20/braided/internal/registry/grpcapi"
	"github.com/jmerrifield20/braided/pkg/client"
	"go.uber.org/zap"
)

type remoteKey struct {
	name     string
	identity common.Address
}

// Set owns every connection it opened and closes them together.
type Set struct {
	cfg    *config.Config
	logger *zap.Logger

	mu      sync.Mutex
	local   map[string]ledger.Registry
	remote  map[remoteKey]ledger.Registry
	sources map[string]chain.Source
	closers []func() error
}

// New creates an empty Set for cfg.
func New(cfg *config.Config, logger *zap.Logger) *Set {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Set{
		cfg:     cfg,
		logger:  logger,
		local:   make(map[string]ledger.Registry),
		remote:  make(map[remoteKey]ledger.Registry),
		sources: make(map[string]chain.Source),
	}
}

// Registry returns the registry called name acting as key. Local backends
// are opened once and shared by every key; remote clients sign with key and
// are read-only when key is nil.
func (s *Set) Registry(ctx context.Context, name string, key *identity.Key) (ledger.Registry, error) {
	rc, ok := s.cfg.RegistryByName(name)
	if !ok {
		return nil, &config.Error{Field: "registries", Msg: fmt.Sprintf("unknown registry %q", name)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	switch rc.Kind {
	case config.RegistryMemory, config.RegistryBadger, config.RegistryPostgres:
		if r, ok := s.local[name]; ok {
			return r, nil
		}
		r, err := s.openLocal(ctx, rc)
		if err != nil {
			return nil, fmt.Errorf("open registry %s: %w", name, err)
		}
		s.local[name] = r
		return r, nil
	}

	k := remoteKey{name: name}
	if key != nil {
		k.identity = key.Address()
	}
	if r, ok := s.remote[k]; ok {
		return r, nil
	}
	r, err := s.openRemote(ctx, rc, key)
	if err != nil {
		return nil, fmt.Errorf("connect registry %s: %w", name, err)
	}
	s.remote[k] = r
	return r, nil
}

func (s *Set) openLocal(ctx context.Context, rc config.Registry) (ledger.Registry, error) {
	owner, err := rc.OwnerAddress()
	if err != nil {
		return nil, err
	}
	log := s.logger.With(zap.String("registry", rc.Name))
	switch rc.Kind {
	case config.RegistryMemory:
		return ledger.NewMemory(owner), nil
	case config.RegistryBadger:
		r, err := ledger.OpenBadger(rc.Path, owner, log)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, r.Close)
		return r, nil
	case config.RegistryPostgres:
		pool, err := pgxpool.New(ctx, rc.DatabaseURL)
		if err != nil {
			return nil, err
		}
		r, err := ledger.NewPostgres(ctx, pool, owner, log)
		if err != nil {
			pool.Close()
			return nil, err
		}
		s.closers = append(s.closers, func() error { pool.Close(); return nil })
		return r, nil
	}
	return nil, fmt.Errorf("registry kind %q is not local", rc.Kind)
}

func (s *Set) openRemote(ctx context.Context, rc config.Registry, key *identity.Key) (ledger.Registry, error) {
	var signer *identity.Signer
	if key != nil {
		signer = identity.NewSigner(key, identity.MaxTokenTTL)
	}
	switch rc.Kind {
	case config.RegistryHTTP:
		opts := []client.Option{
			client.WithLocation(rc.Location),
			client.WithLogger(s.logger.With(zap.String("registry", rc.Name))),
		}
		if signer != nil {
			opts = append(opts, client.WithSigner(signer))
		}
		return client.New(apiBase(rc.Endpoint), opts...)
	case config.RegistryGRPC:
		c, err := grpcapi.Dial(rc.Endpoint, grpcapi.DialOptions{Signer: signer})
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, c.Close)
		return c, nil
	case config.RegistryEVM:
		ec, err := ethclient.DialContext(ctx, rc.Endpoint)
		if err != nil {
			return nil, err
		}
		s.closers = append(s.closers, func() error { ec.Close(); return nil })
		loc, err := parseLocation(rc.Location)
		if err != nil {
			return nil, err
		}
		return evm.NewClient(ec, evm.Config{Contract: loc, Key: key}, s.logger.With(zap.String("registry", rc.Name))), nil
	}
	return nil, fmt.Errorf("unknown registry kind %q", rc.Kind)
}

// apiBase appends the default API prefix to a bare server URL.
func apiBase(endpoint string) string {
	u, err := url.Parse(endpoint)
	if err != nil || (u.Path != "" && u.Path != "/") {
		return endpoint
	}
	return strings.TrimSuffix(endpoint, "/") + "/api/v1"
}

// Source returns the watched chain with the given id, dialling it once.
func (s *Set) Source(ctx context.Context, id string) (chain.Source, error) {
	ch, ok := s.cfg.ChainByID(id)
	if !ok {
		return nil, &config.Error{Field: "chains", Msg: fmt.Sprintf("unknown chain %q", id)}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if src, ok := s.sources[id]; ok {
		return src, nil
	}

	var src chain.Source
	switch ch.Kind {
	case config.ChainSynthetic:
		src = chain.NewSynthetic(ch.ID, ch.BlockTime)
	default:
		es, _, err := evm.Dial(ctx, ch.ID, ch.Endpoint, s.logger.With(zap.String("chain", ch.ID)))
		if err != nil {
			return nil, err
		}
		src = es
	}
	s.sources[id] = src
	s.closers = append(s.closers, func() error { src.Close(); return nil })
	s.logger.Info("chain connected", zap.String("chain", ch.ID), zap.String("kind", ch.Kind))
	return src, nil
}

// Close closes every connection in reverse opening order.
func (s *Set) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var errs []error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil {
			errs = append(errs, err)
		}
	}
	s.closers = nil
	return errors.Join(errs...)
}
