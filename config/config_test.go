package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestLoadLayersOverDefaults(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
data_dir: /var/lib/gojograph
logging:
  level: debug
transactions:
  default_timeout: 5s
  enable_2pc: true
storage:
  wait_for_writer: true
decision_log:
  segment_size_limit: 1048576
`), 0o644))

	cfg, err := Load(path)
	require.NoError(t, err)
	require.Equal(t, "/var/lib/gojograph", cfg.DataDir)
	require.Equal(t, "debug", cfg.Logging.Level)
	require.Equal(t, 5*time.Second, cfg.Transactions.DefaultTimeout)
	require.True(t, cfg.Transactions.Enable2PC)
	require.True(t, cfg.Storage.WaitForWriter)
	require.Equal(t, int64(1048576), cfg.DecisionLog.Options().SegmentSizeLimit)

	// Unset fields keep their defaults.
	require.Equal(t, Default().Transactions.MaxConcurrentTransactions,
		cfg.Transactions.MaxConcurrentTransactions)
}

func TestLoadRejectsBadValues(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
transactions:
  max_concurrent_transactions: -1
`), 0o644))

	_, err := Load(path)
	require.Error(t, err)
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.Error(t, err)
}
