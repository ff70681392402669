package journal

import (
	"path/filepath"
	"testing"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestJournal(t *testing.T) *Journal {
	t.Helper()
	dir := t.TempDir()
	j, err := Open(filepath.Join(dir, "journal.db"))
	require.NoError(t, err)
	t.Cleanup(func() { j.Close() })
	return j
}

func TestAppendAssignsIncreasingSequence(t *testing.T) {
	j := openTestJournal(t)

	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	delta := command.SnapshotDelta{PutRunSpecs: []types.RunSpec{{Ref: ref}}}

	seq1, err := j.Append("tx-1", delta)
	require.NoError(t, err)
	seq2, err := j.Append("tx-2", delta)
	require.NoError(t, err)

	assert.Equal(t, uint64(1), seq1)
	assert.Equal(t, uint64(2), seq2)
}

func TestReplayFoldsInWriteOrder(t *testing.T) {
	j := openTestJournal(t)

	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	_, err := j.Append("tx-1", command.SnapshotDelta{
		PutRunSpecs: []types.RunSpec{{Ref: ref, DesiredCount: 1}},
	})
	require.NoError(t, err)

	_, err = j.Append("tx-2", command.SnapshotDelta{
		PutInstances: []types.Instance{{UUID: "u1", Ref: ref, Incarnation: 1, Goal: types.GoalRunning, Condition: types.ConditionScheduled}},
	})
	require.NoError(t, err)

	snap, err := j.Replay()
	require.NoError(t, err)

	require.Contains(t, snap.RunSpecs, ref)
	require.Contains(t, snap.Instances, "u1")
	assert.NoError(t, snap.CheckInvariants())
}

func TestReplayEqualsInMemoryFold(t *testing.T) {
	// Journal round-trip: replay(journal(append_all(deltas))) equals
	// fold(empty, deltas) (spec.md §8).
	j := openTestJournal(t)

	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	deltas := []command.SnapshotDelta{
		{PutRunSpecs: []types.RunSpec{{Ref: ref}}},
		{PutInstances: []types.Instance{{UUID: "u1", Ref: ref, Incarnation: 1, Goal: types.GoalRunning}}},
		{RemoveInstances: []string{"u1"}},
	}

	expected := types.Empty()
	for i, d := range deltas {
		_, err := j.Append(string(rune('a'+i)), d)
		require.NoError(t, err)
		Fold(expected, d)
	}

	got, err := j.Replay()
	require.NoError(t, err)

	assert.Equal(t, expected.RunSpecs, got.RunSpecs)
	assert.Equal(t, expected.Instances, got.Instances)
}

func TestAppendIsAtomicAcrossMultipleDeltas(t *testing.T) {
	j := openTestJournal(t)

	ref := types.RunSpecRef{Path: "/svc", Version: "v1"}
	seq, err := j.Append("tx-multi",
		command.SnapshotDelta{PutRunSpecs: []types.RunSpec{{Ref: ref}}},
		command.SnapshotDelta{PutInstances: []types.Instance{{UUID: "u1", Ref: ref, Incarnation: 1}}},
	)
	require.NoError(t, err)
	assert.Equal(t, uint64(1), seq)

	snap, err := j.Replay()
	require.NoError(t, err)
	assert.Contains(t, snap.RunSpecs, ref)
	assert.Contains(t, snap.Instances, "u1")
}
