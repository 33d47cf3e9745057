package staging

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"time"

	"github.com/loykin/staffsync/internal/syncjob"
)

// ErrNotFound is returned by Get when no record exists for the key.
var ErrNotFound = errors.New("staging record not found")

// Record is one raw externally sourced row plus ingestion metadata.
// (Collection, Key) is the natural key; re-putting the same key replaces
// the payload instead of adding a row.
type Record struct {
	Collection string          `json:"collection"`
	Key        string          `json:"key"`
	FetchedAt  time.Time       `json:"fetched_at"`
	Payload    json.RawMessage `json:"payload"`
}

// Validate checks the natural key is present.
func (r Record) Validate() error {
	if strings.TrimSpace(r.Collection) == "" {
		return errors.New("staging record requires collection")
	}
	if strings.TrimSpace(r.Key) == "" {
		return errors.New("staging record requires key")
	}
	return nil
}

// Store is the durable upsert target for synchronized records.
// PutBatch must apply every record of the batch or none of them.
type Store interface {
	EnsureSchema(ctx context.Context) error
	Put(ctx context.Context, rec Record) error
	PutBatch(ctx context.Context, collection string, recs []Record) error
	Get(ctx context.Context, collection, key string) (Record, error)
	Count(ctx context.Context, collection string) (int, error)
	Keys(ctx context.Context, collection string) ([]string, error)
	Close() error
}

// JobStore is implemented by stores that can also persist sync job snapshots.
type JobStore interface {
	syncjob.Recorder
	LoadJobs(ctx context.Context) ([]syncjob.Job, error)
}

// PrepareBatch stamps FetchedAt and collection on each record and validates keys.
// Within one batch the last record for a key wins.
func PrepareBatch(collection string, recs []Record, now time.Time) ([]Record, error) {
	out := make([]Record, 0, len(recs))
	idx := make(map[string]int, len(recs))
	for _, r := range recs {
		if r.Collection == "" {
			r.Collection = collection
		}
		if r.Collection != collection {
			return nil, errors.New("staging batch mixes collections: " + r.Collection + " != " + collection)
		}
		if r.FetchedAt.IsZero() {
			r.FetchedAt = now
		}
		if err := r.Validate(); err != nil {
			return nil, err
		}
		if i, ok := idx[r.Key]; ok {
			out[i] = r
			continue
		}
		idx[r.Key] = len(out)
		out = append(out, r)
	}
	return out, nil
}
