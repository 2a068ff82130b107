package store

import (
	"time"

	"docsync/internal/docid"
)

// OriginCompaction marks fragments written by compaction rather than a client.
const OriginCompaction = "compaction"

// Update is a fragment waiting to be appended.
type Update struct {
	Data   []byte
	Origin string
}

// Fragment is a persisted update. Seq increases with append order within a document.
type Fragment struct {
	Seq       int64
	DocID     docid.DocumentID
	Data      []byte
	Origin    string
	CreatedAt time.Time
}

type Workspace struct {
	ID        string
	Public    bool
	CreatedAt time.Time
}
