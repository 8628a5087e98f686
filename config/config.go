package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"nhbchain/crypto"

	"github.com/BurntSushi/toml"
)

type Config struct {
	ListenAddress          string            `toml:"ListenAddress"`
	RPCAddress             string            `toml:"RPCAddress"`
	DataDir                string            `toml:"DataDir"`
	GenesisFile            string            `toml:"GenesisFile"`
	CollateralKeystorePath string            `toml:"CollateralKeystorePath"`
	OperatorKeystorePath   string            `toml:"OperatorKeystorePath"`
	ValidatorKMSURI        string            `toml:"ValidatorKMSURI"`
	ValidatorKMSEnv        string            `toml:"ValidatorKMSEnv"`
	NetworkName            string            `toml:"NetworkName"`
	Bootnodes              []string          `toml:"Bootnodes"`
	PersistentPeers        []string          `toml:"PersistentPeers"`
	BootstrapPeers         []string          `toml:"BootstrapPeers,omitempty"`
	ServiceNode            ServiceNodeParams `toml:"ServiceNode"`
	// Testnet relaxes the NetAddress and listening-port rules the
	// registry otherwise enforces for a mainnet deployment.
	Testnet bool `toml:"Testnet"`
	// MainnetPort is the listening port a mainnet Announce must carry;
	// ignored when Testnet is set.
	MainnetPort uint16 `toml:"MainnetPort"`
	// ChainRPCAddress is the base URL of the node this process queries
	// for chain height, block hashes, and UTXO state.
	ChainRPCAddress string `toml:"ChainRPCAddress"`
	// SelfOutpoint identifies this process's own collateral UTXO, as
	// "<64 hex hash chars>:<output index>". Required to run as a
	// service node rather than a listen-only relay.
	SelfOutpoint string `toml:"SelfOutpoint"`
	// ExternalAddress is the "ip:port" this process believes it is
	// reachable at, advertised in its own Announce/Ping.
	ExternalAddress string `toml:"ExternalAddress"`
}

// Load loads the configuration from the given path.
func Load(path string) (*Config, error) {
	cfg := &Config{}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return createDefault(path)
	}

	meta, err := toml.DecodeFile(path, cfg)
	if err != nil {
		return nil, err
	}

	for _, undecoded := range meta.Undecoded() {
		if len(undecoded) == 1 && undecoded[0] == "ValidatorKey" {
			return nil, fmt.Errorf("config file %s uses deprecated ValidatorKey field; run nhbctl migrate-keystore", path)
		}
	}

	if cfg.ValidatorKMSURI == "" && cfg.ValidatorKMSEnv == "" {
		if err := ensureKeystores(path, cfg); err != nil {
			return nil, err
		}
	}

	if strings.TrimSpace(cfg.NetworkName) == "" {
		cfg.NetworkName = "nhb-local"
	}
	if cfg.Bootnodes == nil {
		cfg.Bootnodes = []string{}
	}
	if cfg.PersistentPeers == nil {
		cfg.PersistentPeers = []string{}
	}
	if len(cfg.Bootnodes) == 0 && len(cfg.BootstrapPeers) > 0 {
		cfg.Bootnodes = append([]string{}, cfg.BootstrapPeers...)
	}
	cfg.BootstrapPeers = nil

	if cfg.ServiceNode == (ServiceNodeParams{}) {
		cfg.ServiceNode = DefaultServiceNodeParams()
	}
	if err := ValidateServiceNodeParams(cfg.ServiceNode); err != nil {
		return nil, fmt.Errorf("config file %s: %w", path, err)
	}
	if cfg.MainnetPort == 0 {
		cfg.MainnetPort = 7000
	}
	if strings.TrimSpace(cfg.ChainRPCAddress) == "" {
		cfg.ChainRPCAddress = "http://127.0.0.1:8545"
	}

	return cfg, nil
}

// ensureKeystores creates the collateral and operator keystores on first
// run and persists their paths, mirroring the historical single-keystore
// bootstrap but for both signing roles a service node carries.
func ensureKeystores(configPath string, cfg *Config) error {
	dirty := false
	if path, created, err := ensureKeystore(configPath, cfg.CollateralKeystorePath, "collateral.keystore"); err != nil {
		return err
	} else if created || cfg.CollateralKeystorePath != path {
		cfg.CollateralKeystorePath = path
		dirty = true
	}
	if path, created, err := ensureKeystore(configPath, cfg.OperatorKeystorePath, "operator.keystore"); err != nil {
		return err
	} else if created || cfg.OperatorKeystorePath != path {
		cfg.OperatorKeystorePath = path
		dirty = true
	}
	if dirty {
		return persist(configPath, cfg)
	}
	return nil
}

func ensureKeystore(configPath, configured, defaultName string) (string, bool, error) {
	keystorePath := configured
	if keystorePath == "" {
		keystorePath = defaultKeystorePath(configPath, defaultName)
	}

	if _, err := os.Stat(keystorePath); os.IsNotExist(err) {
		key, genErr := crypto.GeneratePrivateKey()
		if genErr != nil {
			return "", false, genErr
		}
		if err := crypto.SaveToKeystore(keystorePath, key, ""); err != nil {
			return "", false, err
		}
		return keystorePath, true, nil
	} else if err != nil {
		return "", false, err
	}

	return keystorePath, false, nil
}

// createDefault creates and saves a default configuration file.
func createDefault(path string) (*Config, error) {
	cfg := &Config{
		ListenAddress:   ":6001",
		RPCAddress:      ":8080",
		DataDir:         "./servicenode-data",
		GenesisFile:     "",
		NetworkName:     "nhb-local",
		Bootnodes:       []string{},
		PersistentPeers: []string{},
		ServiceNode:     DefaultServiceNodeParams(),
		Testnet:         true,
		MainnetPort:     7000,
		ChainRPCAddress: "http://127.0.0.1:8545",
	}

	for _, key := range []struct {
		target      *string
		defaultName string
	}{
		{&cfg.CollateralKeystorePath, "collateral.keystore"},
		{&cfg.OperatorKeystorePath, "operator.keystore"},
	} {
		keystorePath := defaultKeystorePath(path, key.defaultName)
		privKey, err := crypto.GeneratePrivateKey()
		if err != nil {
			return nil, err
		}
		if err := crypto.SaveToKeystore(keystorePath, privKey, ""); err != nil {
			return nil, err
		}
		*key.target = keystorePath
	}

	if err := persist(path, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

func persist(path string, cfg *Config) error {
	dir := filepath.Dir(path)
	if dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return err
		}
	}
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_TRUNC|os.O_CREATE, 0o644)
	if err != nil {
		return err
	}
	defer f.Close()

	return toml.NewEncoder(f).Encode(cfg)
}

func defaultKeystorePath(configPath, name string) string {
	dir := filepath.Dir(configPath)
	if dir == "." || dir == "" {
		dir = ""
	}
	return filepath.Join(dir, name)
}
