// Package config loads braided.yaml: the chains agents watch, the registries
// they write into and the agents themselves.
package config

import (
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/jmerrifield20/braided/internal/identity"
	"github.com/jmerrifield20/braided/pkg/location"
	"github.com/spf13/viper"
)

// Chain kinds.
const (
	ChainWebsocket = "websocket"
	ChainIPC       = "ipc"
	ChainHTTP      = "http"
	ChainSynthetic = "synthetic"
)

// Registry kinds.
const (
	RegistryMemory   = "memory"
	RegistryBadger   = "badger"
	RegistryPostgres = "postgres"
	RegistryHTTP     = "http"
	RegistryGRPC     = "grpc"
	RegistryEVM      = "evm"
)

// Chain is a watched chain.
type Chain struct {
	ID          string        `mapstructure:"id"`
	Kind        string        `mapstructure:"kind"`
	Endpoint    string        `mapstructure:"endpoint"`
	GenesisHash string        `mapstructure:"genesis_hash"`
	Description string        `mapstructure:"description"`
	Registry    string        `mapstructure:"registry"`
	BlockTime   time.Duration `mapstructure:"block_time"`
}

// Registry is a registry agents write into.
type Registry struct {
	Name     string `mapstructure:"name"`
	Kind     string `mapstructure:"kind"`
	Location string `mapstructure:"location"`

	// Endpoint is the server URL for http and grpc, the chain RPC for evm.
	Endpoint     string `mapstructure:"endpoint"`
	Path         string `mapstructure:"path"`
	DatabaseURL  string `mapstructure:"database_url"`
	Owner        string `mapstructure:"owner"`
	OwnerKey     string `mapstructure:"owner_key"`
	OwnerKeyFile string `mapstructure:"owner_key_file"`
}

// Watch is one chain an agent records.
type Watch struct {
	Strand   uint64        `mapstructure:"strand"`
	Blocks   uint64        `mapstructure:"blocks"`
	Interval time.Duration `mapstructure:"interval"`
	Special  uint64        `mapstructure:"special"`
}

// Agent writes checkpoints of the watched chains into one registry.
type Agent struct {
	IdentityKey     string           `mapstructure:"identity_key"`
	IdentityKeyFile string           `mapstructure:"identity_key_file"`
	Registry        string           `mapstructure:"registry"`
	Watches         map[string]Watch `mapstructure:"watches"`
}

// Check configures the consistency checker.
type Check struct {
	Depth    int    `mapstructure:"depth"`
	Evidence string `mapstructure:"evidence"`
}

// Metrics configures the agent's metrics listener.
type Metrics struct {
	Addr string `mapstructure:"addr"`
}

// Log configures the logger.
type Log struct {
	Level       string `mapstructure:"level"`
	Development bool   `mapstructure:"development"`
}

// Config is the whole of braided.yaml.
type Config struct {
	Chains     []Chain    `mapstructure:"chains"`
	Registries []Registry `mapstructure:"registries"`
	Agents     []Agent    `mapstructure:"agents"`
	Check      Check      `mapstructure:"check"`
	Metrics    Metrics    `mapstructure:"metrics"`
	Log        Log        `mapstructure:"log"`
}

// Error is a configuration problem detected at startup.
type Error struct {
	Field string
	Msg   string
}

func (e *Error) Error() string {
	return fmt.Sprintf("config: %s: %s", e.Field, e.Msg)
}

func errorf(field, format string, args ...any) *Error {
	return &Error{Field: field, Msg: fmt.Sprintf(format, args...)}
}

// Load reads the configuration from path, or from braided.yaml in configs/
// or the working directory when path is empty. BRAIDED_-prefixed
// environment variables override scalar keys, e.g. BRAIDED_CHECK_DEPTH.
func Load(path string) (*Config, error) {
	v := viper.New()
	if path != "" {
		v.SetConfigFile(path)
	} else {
		v.SetConfigName("braided")
		v.SetConfigType("yaml")
		v.AddConfigPath("configs")
		v.AddConfigPath(".")
	}
	v.SetEnvPrefix("BRAIDED")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("check.depth", 100)
	v.SetDefault("check.evidence", "")
	v.SetDefault("metrics.addr", ":9102")
	v.SetDefault("log.level", "info")
	v.SetDefault("log.development", false)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.As(err, &notFound) {
			return nil, errorf("file", "braided.yaml not found in configs/ or .")
		}
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errorf("file", "%v", err)
	}
	cfg.expand()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// expand substitutes ${VAR} references in secrets and normalises chain ids,
// which the YAML decoder lowercases when they appear as map keys.
func (c *Config) expand() {
	for i := range c.Chains {
		c.Chains[i].ID = strings.ToLower(c.Chains[i].ID)
	}
	for i := range c.Registries {
		r := &c.Registries[i]
		r.OwnerKey = os.ExpandEnv(r.OwnerKey)
		r.DatabaseURL = os.ExpandEnv(r.DatabaseURL)
	}
	for i := range c.Agents {
		c.Agents[i].IdentityKey = os.ExpandEnv(c.Agents[i].IdentityKey)
	}
}

// Validate checks kinds, references and keys. The returned error joins one
// *Error per problem.
func (c *Config) Validate() error {
	var errs []error
	add := func(e *Error) { errs = append(errs, e) }

	chains := make(map[string]bool)
	for i, ch := range c.Chains {
		field := fmt.Sprintf("chains[%d]", i)
		switch {
		case ch.ID == "":
			add(errorf(field+".id", "required"))
		case chains[ch.ID]:
			add(errorf(field+".id", "duplicate chain %q", ch.ID))
		}
		chains[ch.ID] = true

		switch ch.Kind {
		case ChainWebsocket, ChainIPC, ChainHTTP:
			if ch.Endpoint == "" {
				add(errorf(field+".endpoint", "required for %s chains", ch.Kind))
			}
		case ChainSynthetic:
		case "geth", "parity":
			add(errorf(field+".kind", "%q: spawning local nodes is not supported, run the node and use websocket or ipc", ch.Kind))
		default:
			add(errorf(field+".kind", "unknown chain kind %q", ch.Kind))
		}
		if ch.GenesisHash != "" && !isHash(ch.GenesisHash) {
			add(errorf(field+".genesis_hash", "%q is not a 0x-prefixed 32-byte hash", ch.GenesisHash))
		}
		if ch.GenesisHash == "" && ch.Kind != ChainSynthetic {
			add(errorf(field+".genesis_hash", "required for %s chains", ch.Kind))
		}
	}

	registries := make(map[string]bool)
	for i, r := range c.Registries {
		field := fmt.Sprintf("registries[%d]", i)
		switch {
		case r.Name == "":
			add(errorf(field+".name", "required"))
		case registries[r.Name]:
			add(errorf(field+".name", "duplicate registry %q", r.Name))
		}
		registries[r.Name] = true

		switch r.Kind {
		case RegistryMemory:
		case RegistryBadger:
			if r.Path == "" {
				add(errorf(field+".path", "required for badger registries"))
			}
		case RegistryPostgres:
			if r.DatabaseURL == "" {
				add(errorf(field+".database_url", "required for postgres registries"))
			}
		case RegistryHTTP, RegistryGRPC, RegistryEVM:
			if r.Endpoint == "" {
				add(errorf(field+".endpoint", "required for %s registries", r.Kind))
			}
		default:
			add(errorf(field+".kind", "unknown registry kind %q", r.Kind))
		}

		loc, err := location.Parse(r.Location)
		if err != nil {
			add(errorf(field+".location", "%v", err))
		} else if r.Kind == RegistryEVM && !loc.IsContract() {
			add(errorf(field+".location", "evm registries need a contract address, got %q", loc.Address))
		}
		if r.Owner != "" && !common.IsHexAddress(r.Owner) {
			add(errorf(field+".owner", "%q is not an address", r.Owner))
		}
		if r.OwnerKey != "" || r.OwnerKeyFile != "" {
			k, err := r.Key()
			if err != nil {
				add(errorf(field+".owner_key", "%v", err))
			} else if r.Owner != "" && k.Address() != common.HexToAddress(r.Owner) {
				add(errorf(field+".owner_key", "key is for %s, not owner %s", k.Address().Hex(), r.Owner))
			}
		}
		if (r.Kind == RegistryMemory || r.Kind == RegistryBadger || r.Kind == RegistryPostgres) && r.Owner == "" && r.OwnerKey == "" && r.OwnerKeyFile == "" {
			add(errorf(field+".owner", "local registries need an owner or owner key"))
		}
	}

	for i, ch := range c.Chains {
		if ch.Registry != "" && !registries[ch.Registry] {
			add(errorf(fmt.Sprintf("chains[%d].registry", i), "unknown registry %q", ch.Registry))
		}
	}

	for i, a := range c.Agents {
		field := fmt.Sprintf("agents[%d]", i)
		if _, err := a.Key(); err != nil {
			add(errorf(field+".identity_key", "%v", err))
		}
		if !registries[a.Registry] {
			add(errorf(field+".registry", "unknown registry %q", a.Registry))
		}
		if len(a.Watches) == 0 {
			add(errorf(field+".watches", "at least one watch is required"))
		}
		for chainID, w := range a.Watches {
			wf := fmt.Sprintf("%s.watches.%s", field, chainID)
			if !chains[chainID] {
				add(errorf(wf, "unknown chain %q", chainID))
			}
			if w.Strand == 0 {
				add(errorf(wf+".strand", "strand id 0 is reserved"))
			}
		}
	}

	if c.Check.Depth < 0 {
		add(errorf("check.depth", "must not be negative"))
	}
	return errors.Join(errs...)
}

// Key loads the agent's identity key.
func (a Agent) Key() (*identity.Key, error) {
	return loadKey(a.IdentityKey, a.IdentityKeyFile)
}

// Key loads the registry owner key.
func (r Registry) Key() (*identity.Key, error) {
	return loadKey(r.OwnerKey, r.OwnerKeyFile)
}

// OwnerAddress returns the configured owner, or the owner key's address.
func (r Registry) OwnerAddress() (common.Address, error) {
	if r.Owner != "" {
		return common.HexToAddress(r.Owner), nil
	}
	k, err := r.Key()
	if err != nil {
		return common.Address{}, err
	}
	return k.Address(), nil
}

func loadKey(hexKey, file string) (*identity.Key, error) {
	switch {
	case hexKey != "" && file != "":
		return nil, errors.New("set either a key or a key file, not both")
	case hexKey != "":
		return identity.KeyFromHex(hexKey)
	case file != "":
		return identity.LoadKeyFile(file)
	}
	return nil, errors.New("no key configured")
}

// ChainByID returns the chain with the given id.
func (c *Config) ChainByID(id string) (Chain, bool) {
	for _, ch := range c.Chains {
		if ch.ID == id {
			return ch, true
		}
	}
	return Chain{}, false
}

// RegistryByName returns the registry with the given name.
func (c *Config) RegistryByName(name string) (Registry, bool) {
	for _, r := range c.Registries {
		if r.Name == name {
			return r, true
		}
	}
	return Registry{}, false
}

func isHash(s string) bool {
	b, err := hexutil.Decode(s)
	return err == nil && len(b) == common.HashLength
}
