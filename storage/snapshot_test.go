package storage

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"nhbchain/chainview"
	"nhbchain/config"
	"nhbchain/crypto"
	"nhbchain/registry"
)

func TestOpenSnapshotSaveAndLoad(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	manifestPath := filepath.Join(dir, "manifest.yaml")

	snap, err := OpenSnapshot(dbPath, manifestPath)
	require.NoError(t, err)

	chain := chainview.NewFake(time.Unix(1_700_000_000, 0))
	chain.SetTip(10)
	signer := crypto.NewSignerKit(crypto.SchemeCurrent)
	reg := registry.New(config.DefaultServiceNodeParams(), chain, signer, nil, nil, true, 7000)

	require.NoError(t, snap.Save(reg, 0, 0, time.Unix(1_700_000_100, 0)))
	snap.Close()

	reopened, err := OpenSnapshot(dbPath, manifestPath)
	require.NoError(t, err)
	defer reopened.Close()

	fresh := registry.New(config.DefaultServiceNodeParams(), chain, signer, nil, nil, true, 7000)
	found, err := reopened.LoadRegistryInto(fresh.UnmarshalSnapshot)
	require.NoError(t, err)
	require.True(t, found)
	require.Equal(t, 0, fresh.Len())
}

func TestOpenSnapshotWipesOnVersionMismatch(t *testing.T) {
	dir := t.TempDir()
	dbPath := filepath.Join(dir, "db")
	manifestPath := filepath.Join(dir, "manifest.yaml")

	require.NoError(t, os.WriteFile(manifestPath, []byte("version: \"0\"\ntimestamp: 2020-01-01T00:00:00Z\nnode_count: 3\n"), 0o600))

	snap, err := OpenSnapshot(dbPath, manifestPath)
	require.NoError(t, err)
	defer snap.Close()

	_, err = snap.db.Get([]byte(keyRegistry))
	require.Error(t, err)
}
