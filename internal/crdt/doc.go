// Package crdt adapts the automerge engine to the three operations the sync
// service needs. Update and state-vector bytes are opaque to every caller.
package crdt

import (
	"bytes"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/automerge/automerge-go"
)

const hashSize = len(automerge.ChangeHash{})

var ErrInvalidStateVector = errors.New("invalid state vector")

// Doc is a server-side replica. It is safe for concurrent use.
type Doc struct {
	mu  sync.Mutex
	doc *automerge.Doc
}

func New() *Doc {
	return &Doc{doc: automerge.New()}
}

// Load rebuilds a replica from a snapshot or any concatenation of updates.
func Load(raw []byte) (*Doc, error) {
	d := New()
	if err := d.ApplyUpdate(raw); err != nil {
		return nil, err
	}
	return d, nil
}

// ApplyUpdate merges an update. Re-applying a known update is a no-op and
// updates whose dependencies are missing are held until they arrive.
func (d *Doc) ApplyUpdate(update []byte) error {
	if len(update) == 0 {
		return nil
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.doc.LoadIncremental(update); err != nil {
		return fmt.Errorf("apply update: %w", err)
	}
	return nil
}

// EncodeStateVector returns the sorted heads of the replica.
func (d *Doc) EncodeStateVector() []byte {
	d.mu.Lock()
	heads := d.doc.Heads()
	d.mu.Unlock()
	return encodeHeads(heads)
}

// EncodeStateAsUpdate returns everything the holder of stateVector is missing.
// An empty vector, or one naming changes this replica has never seen, yields
// the full document.
func (d *Doc) EncodeStateAsUpdate(stateVector []byte) ([]byte, error) {
	if len(stateVector) == 0 {
		return d.Snapshot(), nil
	}
	heads, err := DecodeStateVector(stateVector)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	changes, err := d.doc.Changes(heads...)
	if err != nil {
		return d.doc.Save(), nil
	}
	var buf bytes.Buffer
	for _, change := range changes {
		buf.Write(change.Save())
	}
	return buf.Bytes(), nil
}

// Snapshot encodes the whole document as a single compacted update.
func (d *Doc) Snapshot() []byte {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.doc.Save()
}

func (d *Doc) Clone() (*Doc, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	fork, err := d.doc.Fork()
	if err != nil {
		return nil, fmt.Errorf("fork doc: %w", err)
	}
	return &Doc{doc: fork}, nil
}

func DecodeStateVector(raw []byte) ([]automerge.ChangeHash, error) {
	if len(raw)%hashSize != 0 {
		return nil, fmt.Errorf("%w: length %d", ErrInvalidStateVector, len(raw))
	}
	heads := make([]automerge.ChangeHash, 0, len(raw)/hashSize)
	for offset := 0; offset < len(raw); offset += hashSize {
		var head automerge.ChangeHash
		copy(head[:], raw[offset:offset+hashSize])
		heads = append(heads, head)
	}
	return heads, nil
}

func encodeHeads(heads []automerge.ChangeHash) []byte {
	sort.Slice(heads, func(i, j int) bool {
		return bytes.Compare(heads[i][:], heads[j][:]) < 0
	})
	out := make([]byte, 0, len(heads)*hashSize)
	for _, head := range heads {
		out = append(out, head[:]...)
	}
	return out
}
