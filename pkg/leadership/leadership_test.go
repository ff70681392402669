package leadership

import (
	"net"
	"sync"
	"testing"
	"time"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingSubmitter struct {
	mu     sync.Mutex
	events []command.Event
}

func (r *recordingSubmitter) Submit(ev command.Event) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
	return nil
}

func (r *recordingSubmitter) has(want command.Event) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, e := range r.events {
		if e == want {
			return true
		}
	}
	return false
}

func freeTCPAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func TestBootstrapSingleNodeBecomesLeader(t *testing.T) {
	addr := freeTCPAddr(t)
	sub := &recordingSubmitter{}

	g, err := Bootstrap(Config{NodeID: "node-1", BindAddr: addr, DataDir: t.TempDir()}, sub)
	require.NoError(t, err)
	defer g.Shutdown()

	require.Eventually(t, g.IsLeader, 5*time.Second, 20*time.Millisecond)
	require.Eventually(t, func() bool { return sub.has(command.LeadershipAcquired{}) }, 5*time.Second, 20*time.Millisecond)
	assert.NotEmpty(t, g.LeaderAddr())
}

func TestReleaseOnSingleNodeIsANoopNotAnError(t *testing.T) {
	addr := freeTCPAddr(t)
	sub := &recordingSubmitter{}

	g, err := Bootstrap(Config{NodeID: "node-1", BindAddr: addr, DataDir: t.TempDir()}, sub)
	require.NoError(t, err)
	defer g.Shutdown()

	require.Eventually(t, g.IsLeader, 5*time.Second, 20*time.Millisecond)

	// A single-voter group has nowhere to transfer leadership to; Release
	// must not panic even though the underlying transfer will fail.
	assert.NotPanics(t, g.Release)
}
