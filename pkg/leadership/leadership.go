// Package leadership implements the Leadership Gate (spec.md §4.7): a
// hashicorp/raft-backed elector used purely for single-leader safety and a
// monotonic fencing token. It carries no application log entries — the
// authority's state is replicated by pkg/journal, not by Raft — only the
// internal log of the leader-election group itself (spec.md §9's explicit
// separation of consensus from persistence).
//
// Grounded on pkg/manager/manager.go's Bootstrap/Join/AddVoter/IsLeader/
// LeaderAddr raft lifecycle, including its low-latency timeout tuning
// (HeartbeatTimeout/ElectionTimeout/LeaderLeaseTimeout all reduced from
// the library defaults for sub-10s failover) and its raft-boltdb-backed
// log/stable store construction. The FSM here is a no-op stub: Raft's
// Apply is never invoked with meaningful data, only its leader-election
// machinery is used.
package leadership

import (
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/log"
	"github.com/forgeorbit/aegis/pkg/metrics"
	"github.com/hashicorp/raft"
	raftboltdb "github.com/hashicorp/raft-boltdb"
	"github.com/rs/zerolog"
)

// Submitter is the minimal authority interface the gate needs: it submits
// LeadershipAcquired/LeadershipLost events as the raft group's leadership
// observation channel fires.
type Submitter interface {
	Submit(ev command.Event) error
}

// Config configures one node's participation in the election group.
type Config struct {
	NodeID   string
	BindAddr string
	DataDir  string
}

// Gate wraps a raft.Raft used only for leader election.
type Gate struct {
	cfg       Config
	raft      *raft.Raft
	submitter Submitter
	logger    zerolog.Logger
	stopCh    chan struct{}
}

// noopFSM satisfies raft.FSM without ever applying real state: this group
// exists only to elect a leader and hand out a fencing term+index.
type noopFSM struct{}

func (noopFSM) Apply(*raft.Log) interface{}                   { return nil }
func (noopFSM) Snapshot() (raft.FSMSnapshot, error)             { return noopSnapshot{}, nil }
func (noopFSM) Restore(io.ReadCloser) error                     { return nil }

type noopSnapshot struct{}

func (noopSnapshot) Persist(sink raft.SnapshotSink) error { return sink.Close() }
func (noopSnapshot) Release()                             {}

func newRaftConfig(nodeID string) *raft.Config {
	c := raft.DefaultConfig()
	c.LocalID = raft.ServerID(nodeID)
	c.HeartbeatTimeout = 500 * time.Millisecond
	c.ElectionTimeout = 500 * time.Millisecond
	c.CommitTimeout = 50 * time.Millisecond
	c.LeaderLeaseTimeout = 250 * time.Millisecond
	return c
}

func newRaft(cfg Config, notifyCh chan bool) (*raft.Raft, error) {
	raftCfg := newRaftConfig(cfg.NodeID)
	raftCfg.NotifyCh = notifyCh

	addr, err := net.ResolveTCPAddr("tcp", cfg.BindAddr)
	if err != nil {
		return nil, fmt.Errorf("resolve bind address: %w", err)
	}
	transport, err := raft.NewTCPTransport(cfg.BindAddr, addr, 3, 10*time.Second, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create transport: %w", err)
	}
	snapshotStore, err := raft.NewFileSnapshotStore(cfg.DataDir, 2, os.Stderr)
	if err != nil {
		return nil, fmt.Errorf("create snapshot store: %w", err)
	}
	logStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "leadership-log.db"))
	if err != nil {
		return nil, fmt.Errorf("create log store: %w", err)
	}
	stableStore, err := raftboltdb.NewBoltStore(filepath.Join(cfg.DataDir, "leadership-stable.db"))
	if err != nil {
		return nil, fmt.Errorf("create stable store: %w", err)
	}

	return raft.NewRaft(raftCfg, noopFSM{}, logStore, stableStore, snapshotStore, transport)
}

// Bootstrap starts a single-node election group, electing this node leader
// immediately. Used by the first node of a fresh cluster.
func Bootstrap(cfg Config, submitter Submitter) (*Gate, error) {
	notifyCh := make(chan bool, 8)
	r, err := newRaft(cfg, notifyCh)
	if err != nil {
		return nil, err
	}

	configuration := raft.Configuration{
		Servers: []raft.Server{{ID: raft.ServerID(cfg.NodeID), Address: raft.ServerAddress(cfg.BindAddr)}},
	}
	if err := r.BootstrapCluster(configuration).Error(); err != nil {
		return nil, fmt.Errorf("bootstrap cluster: %w", err)
	}

	g := &Gate{cfg: cfg, raft: r, submitter: submitter, logger: log.WithComponent("leadership"), stopCh: make(chan struct{})}
	go g.observe(notifyCh)
	return g, nil
}

// Join starts this node's raft instance so it can be added as a voter by
// the current leader (via AddVoter called on the leader's own Gate).
func Join(cfg Config, submitter Submitter) (*Gate, error) {
	notifyCh := make(chan bool, 8)
	r, err := newRaft(cfg, notifyCh)
	if err != nil {
		return nil, err
	}
	g := &Gate{cfg: cfg, raft: r, submitter: submitter, logger: log.WithComponent("leadership"), stopCh: make(chan struct{})}
	go g.observe(notifyCh)
	return g, nil
}

// AddVoter adds a new node to the election group. Only the current leader
// may call this successfully.
func (g *Gate) AddVoter(nodeID, addr string) error {
	if !g.IsLeader() {
		return fmt.Errorf("not leader")
	}
	return g.raft.AddVoter(raft.ServerID(nodeID), raft.ServerAddress(addr), 0, 10*time.Second).Error()
}

// IsLeader reports whether this node currently holds the fencing token.
func (g *Gate) IsLeader() bool { return g.raft.State() == raft.Leader }

// LeaderAddr returns the current leader's bind address, or "" if unknown.
func (g *Gate) LeaderAddr() string { return string(g.raft.Leader()) }

// Term returns the current raft term, part of the (term, index) fencing
// token spec.md §4.7 requires every leader to carry.
func (g *Gate) Term() uint64 {
	term, err := strconv.ParseUint(g.raft.Stats()["term"], 10, 64)
	if err != nil {
		return 0
	}
	return term
}

// Index returns the last applied index of the election group's own log —
// combined with Term this is the fencing token attached to effects that
// must not be honored by a stale ex-leader.
func (g *Gate) Index() uint64 { return g.raft.AppliedIndex() }

// Release voluntarily steps down from leadership, used by the Crash
// Strategy's terminal path so a new leader can be elected without waiting
// out a full election timeout.
func (g *Gate) Release() {
	if g.raft.State() != raft.Leader {
		return
	}
	if err := g.raft.LeadershipTransfer().Error(); err != nil {
		g.logger.Warn().Err(err).Msg("voluntary leadership transfer failed; falling back to election timeout")
	}
}

// Shutdown tears down the raft instance.
func (g *Gate) Shutdown() error {
	close(g.stopCh)
	return g.raft.Shutdown().Error()
}

func (g *Gate) observe(notifyCh chan bool) {
	for {
		select {
		case leading := <-notifyCh:
			metrics.RaftLeader.Set(boolToFloat(leading))
			if leading {
				log.WithFencingToken(g.Term(), g.Index()).Info().Msg("acquired leadership")
				if err := g.submitter.Submit(command.LeadershipAcquired{}); err != nil {
					g.logger.Error().Err(err).Msg("failed to submit LeadershipAcquired")
				}
			} else {
				g.logger.Info().Msg("lost leadership")
				if err := g.submitter.Submit(command.LeadershipLost{}); err != nil {
					g.logger.Error().Err(err).Msg("failed to submit LeadershipLost")
				}
			}
		case <-g.stopCh:
			return
		}
	}
}

func boolToFloat(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
