package app

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"fix_provider/internal/fix"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const embeddedConfig = `
fix:
  account: TEST
  sender_comp_id: CLIENT
  target_comp_id: BROKER
  heartbeat_sec: 1
  history_path: %[1]s/fix_history.db
storage:
  path: %[1]s/orders.db
strategy:
  symbols: [EUR/USD]
  short_period: 2
  long_period: 4
  quantity: "1000"
simulator:
  tick_interval_ms: 5
  tick_count: 60
  seed: 3
logging:
  level: error
  dir: %[1]s/logs
`

func TestBootstrap_EmbeddedBrokerEndToEnd(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(fmt.Sprintf(embeddedConfig, dir)), 0o644))

	b := NewBootstrap(path)
	require.NoError(t, b.Initialize())
	require.NotNil(t, b.Broker, "empty fix.address selects the embedded broker")
	require.Len(t, b.Strategies, 1)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Run(ctx) }()

	require.Eventually(t, func() bool { return b.Session.State() == fix.StateRecovered }, 5*time.Second, 10*time.Millisecond)
	require.Eventually(t, b.Strategies[0].Ended, 10*time.Second, 10*time.Millisecond)

	// Every fill the broker produced has been reconciled into the local book.
	require.Eventually(t, func() bool {
		broker := b.Broker.Matcher().Positions()["EUR/USD"]
		return b.Positions.Net("EUR/USD").Equal(broker)
	}, 5*time.Second, 10*time.Millisecond)
	assert.Eventually(t, func() bool {
		return b.Strategies[0].Position().Equal(b.Positions.Net("EUR/USD"))
	}, 5*time.Second, 10*time.Millisecond)

	ts, ok := b.Provider.TickSync("EUR/USD")
	require.True(t, ok)
	assert.Eventually(t, ts.Completed, 5*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("bootstrap did not stop")
	}
	b.Close()
}
