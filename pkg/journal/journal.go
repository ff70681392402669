// Package journal implements the Persistence Journal (spec.md §4.4): an
// append-only ordered log of snapshot deltas, backed by go.etcd.io/bbolt
// the same way pkg/storage/boltdb.go persists Warren's keyed state, but
// repurposed here into a strictly-ordered append log keyed by a
// monotonically increasing sequence number rather than an entity id.
package journal

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/forgeorbit/aegis/pkg/command"
	"github.com/forgeorbit/aegis/pkg/types"
	bolt "go.etcd.io/bbolt"
)

var bucketDeltas = []byte("deltas")

// record is the on-disk wire shape for one journal entry: a single
// command's atomically-durable set of deltas.
type record struct {
	TransactionID string                 `json:"transactionId"`
	Deltas        []command.SnapshotDelta `json:"deltas"`
}

// Journal is the append-only durable log. It is write-exclusive to the
// State Authority (spec.md §5 "Shared-resource policy").
type Journal struct {
	mu  sync.Mutex
	db  *bolt.DB
	seq uint64
}

// Open opens (creating if necessary) the bbolt-backed journal at path and
// primes the in-memory sequence counter from the highest key on disk.
func Open(path string) (*Journal, error) {
	db, err := bolt.Open(path, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	j := &Journal{db: db}
	err = db.Update(func(tx *bolt.Tx) error {
		b, err := tx.CreateBucketIfNotExists(bucketDeltas)
		if err != nil {
			return fmt.Errorf("create deltas bucket: %w", err)
		}
		k, _ := b.Cursor().Last()
		if k != nil {
			j.seq = binary.BigEndian.Uint64(k)
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return j, nil
}

// Close releases the underlying bbolt handle.
func (j *Journal) Close() error {
	return j.db.Close()
}

// Append durably writes one command's deltas as a single atomic unit:
// either all are recorded or none are (spec.md §4.4 "atomic writes").
// It returns the sequence number assigned, or an error if the write did
// not become durable — callers must treat a non-nil error exactly as
// spec.md §4.4 prescribes: discard the pending snapshot and surface
// CommandFailure{PersistenceUnavailable}.
func (j *Journal) Append(transactionID string, deltas ...command.SnapshotDelta) (uint64, error) {
	j.mu.Lock()
	defer j.mu.Unlock()

	next := j.seq + 1
	rec := record{TransactionID: transactionID, Deltas: deltas}
	data, err := json.Marshal(rec)
	if err != nil {
		return 0, fmt.Errorf("marshal journal record: %w", err)
	}

	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, next)

	err = j.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeltas)
		return b.Put(key, data)
	})
	if err != nil {
		return 0, fmt.Errorf("append journal record: %w", err)
	}

	j.seq = next
	return next, nil
}

// Replay folds every durable record, in write order, over the empty
// snapshot and returns the result. This is the only way a Snapshot is
// ever reconstructed after a restart (spec.md §4.4 "replay rebuilds the
// snapshot by folding from the empty state").
func (j *Journal) Replay() (*types.Snapshot, error) {
	snap := types.Empty()

	err := j.db.View(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketDeltas)
		return b.ForEach(func(k, v []byte) error {
			var rec record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt journal record at seq %d: %w", binary.BigEndian.Uint64(k), err)
			}
			for _, delta := range rec.Deltas {
				fold(snap, delta)
			}
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	return snap, nil
}

// fold applies one delta's upserts/removals directly onto snap in place.
// Replay uses it to fold every record over the empty snapshot.
func fold(snap *types.Snapshot, delta command.SnapshotDelta) {
	for _, rs := range delta.PutRunSpecs {
		rsCopy := rs
		snap.RunSpecs[rs.Ref] = &rsCopy
	}
	for _, ref := range delta.RemoveRunSpecs {
		delete(snap.RunSpecs, ref)
	}
	for _, inst := range delta.PutInstances {
		instCopy := inst
		snap.Instances[inst.UUID] = &instCopy
	}
	for _, uuid := range delta.RemoveInstances {
		delete(snap.Instances, uuid)
	}
	if delta.Framework != nil {
		snap.Framework = *delta.Framework
	}
}

// Fold is the exported form of fold: it applies one delta to snap in place,
// the same step Replay performs for each recorded delta.
func Fold(snap *types.Snapshot, delta command.SnapshotDelta) {
	fold(snap, delta)
}
