package config

import (
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"nhbchain/crypto"
)

func TestLoadCreatesDefaultConfigAndKeystores(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.CollateralKeystorePath == "" || cfg.OperatorKeystorePath == "" {
		t.Fatalf("expected both keystore paths to be set: %+v", cfg)
	}
	if cfg.CollateralKeystorePath == cfg.OperatorKeystorePath {
		t.Fatalf("collateral and operator keystores must not share a path")
	}
	for _, p := range []string{cfg.CollateralKeystorePath, cfg.OperatorKeystorePath} {
		if _, err := os.Stat(p); err != nil {
			t.Fatalf("expected keystore file to exist at %s: %v", p, err)
		}
		key, err := crypto.LoadFromKeystore(p, "")
		if err != nil {
			t.Fatalf("failed to decrypt keystore %s: %v", p, err)
		}
		if key == nil {
			t.Fatalf("expected decrypted key from %s", p)
		}
	}

	if cfg.ServiceNode != DefaultServiceNodeParams() {
		t.Fatalf("expected default service node params, got %+v", cfg.ServiceNode)
	}
	if cfg.NetworkName != "nhb-local" {
		t.Fatalf("unexpected network name: %s", cfg.NetworkName)
	}
}

func TestLoadParsesServiceNodeSection(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := `ListenAddress = "0.0.0.0:7000"
RPCAddress = "0.0.0.0:9000"
DataDir = "./data"
NetworkName = "testnet"
Bootnodes = ["1.1.1.1:6001"]
PersistentPeers = ["2.2.2.2:6001"]

[ServiceNode]
NewSignatureScheme = false

[ServiceNode.Liveness]
MinPingInterval = 600000000000
SentinelPingMax = 3600000000000
Expiration = 7200000000000
NewStartRequired = 10800000000000
DsegUpdateInterval = 10800000000000

[ServiceNode.PoSe]
BanMaxScore = 5
MaxRank = 10
MaxConnections = 10
MaxBlocks = 10
RecoveryQuorumTotal = 10
RecoveryQuorumRequired = 6
RecoveryWait = 60000000000
RecoveryRetry = 10800000000000

[ServiceNode.Payment]
VotesRequired = 6
VotesTotal = 10
LastPaidScanBlocks = 100
MagicCollateralFraction = 0.1234
MagicCollateralAmount = 259140000000000
`
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("load config: %v", err)
	}

	if cfg.ServiceNode.NewSignatureScheme {
		t.Fatalf("expected NewSignatureScheme to be overridden to false")
	}
	if cfg.ServiceNode.Payment.VotesRequired != 6 || cfg.ServiceNode.Payment.VotesTotal != 10 {
		t.Fatalf("unexpected payment quorum: %+v", cfg.ServiceNode.Payment)
	}
	if len(cfg.Bootnodes) != 1 || cfg.Bootnodes[0] != "1.1.1.1:6001" {
		t.Fatalf("bootnodes not parsed: %v", cfg.Bootnodes)
	}
	if len(cfg.PersistentPeers) != 1 || cfg.PersistentPeers[0] != "2.2.2.2:6001" {
		t.Fatalf("persistent peers not parsed: %v", cfg.PersistentPeers)
	}
}

func TestLoadRejectsInvertedLivenessWindows(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	contents := fmt.Sprintf(`ListenAddress = "0.0.0.0:6001"

[ServiceNode]
NewSignatureScheme = true

[ServiceNode.Liveness]
MinPingInterval = 600000000000
SentinelPingMax = 100000000000
Expiration = 7200000000000
NewStartRequired = 10800000000000
DsegUpdateInterval = 10800000000000

[ServiceNode.PoSe]
BanMaxScore = 5
RecoveryQuorumTotal = 10
RecoveryQuorumRequired = 6
RecoveryWait = 60000000000
RecoveryRetry = 10800000000000

[ServiceNode.Payment]
VotesRequired = 6
VotesTotal = 10
LastPaidScanBlocks = 100
MagicCollateralFraction = 0.1234
MagicCollateralAmount = 259140000000000
`)
	if err := os.WriteFile(path, []byte(contents), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}

	if _, err := Load(path); err == nil {
		t.Fatalf("expected validation error for sentinel_ping_max <= min_ping_interval")
	}
}

func TestValidateServiceNodeParamsRejectsUnreachableQuorum(t *testing.T) {
	p := DefaultServiceNodeParams()
	p.Payment.VotesRequired = p.Payment.VotesTotal + 1
	if err := ValidateServiceNodeParams(p); err == nil {
		t.Fatalf("expected error when votes_required exceeds votes_total")
	}
}
