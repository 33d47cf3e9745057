// Package stagingtest holds the behavioural checks every staging.Store must pass.
package stagingtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/loykin/staffsync/internal/staging"
)

func rec(collection, key, body string) staging.Record {
	return staging.Record{Collection: collection, Key: key, Payload: json.RawMessage(body)}
}

// Run exercises upsert idempotence, batch atomicity and lookups on s.
// The store must be empty and have its schema ensured.
func Run(t *testing.T, s staging.Store) {
	t.Helper()
	ctx := context.Background()

	t.Run("upsert is idempotent", func(t *testing.T) {
		batch := []staging.Record{
			rec("employees", "1", `{"id":1,"name":"a"}`),
			rec("employees", "2", `{"id":2,"name":"b"}`),
		}
		for i := 0; i < 3; i++ {
			if err := s.PutBatch(ctx, "employees", batch); err != nil {
				t.Fatalf("put batch #%d: %v", i, err)
			}
		}
		n, err := s.Count(ctx, "employees")
		if err != nil {
			t.Fatalf("count: %v", err)
		}
		if n != 2 {
			t.Fatalf("expected 2 rows after repeated upserts, got %d", n)
		}
	})

	t.Run("put replaces payload", func(t *testing.T) {
		if err := s.Put(ctx, rec("employees", "1", `{"id":1,"name":"changed"}`)); err != nil {
			t.Fatalf("put: %v", err)
		}
		got, err := s.Get(ctx, "employees", "1")
		if err != nil {
			t.Fatalf("get: %v", err)
		}
		var body map[string]any
		if err := json.Unmarshal(got.Payload, &body); err != nil {
			t.Fatalf("payload not json: %v", err)
		}
		if body["name"] != "changed" {
			t.Fatalf("payload not replaced: %s", string(got.Payload))
		}
		if got.FetchedAt.IsZero() {
			t.Fatalf("fetched_at should be stamped")
		}
	})

	t.Run("invalid batch applies nothing", func(t *testing.T) {
		bad := []staging.Record{
			rec("attendance", "a", `{}`),
			rec("attendance", "", `{}`),
		}
		if err := s.PutBatch(ctx, "attendance", bad); err == nil {
			t.Fatalf("expected error for record without key")
		}
		n, _ := s.Count(ctx, "attendance")
		if n != 0 {
			t.Fatalf("partial batch applied: %d rows", n)
		}
	})

	t.Run("collections are isolated", func(t *testing.T) {
		if err := s.Put(ctx, rec("attendance", "1", `{}`)); err != nil {
			t.Fatalf("put: %v", err)
		}
		keys, err := s.Keys(ctx, "attendance")
		if err != nil {
			t.Fatalf("keys: %v", err)
		}
		if len(keys) != 1 || keys[0] != "1" {
			t.Fatalf("unexpected attendance keys: %v", keys)
		}
		if _, err := s.Get(ctx, "attendance", "missing"); !errors.Is(err, staging.ErrNotFound) {
			t.Fatalf("expected ErrNotFound, got %v", err)
		}
	})

	t.Run("overlapping batches", func(t *testing.T) {
		var wg sync.WaitGroup
		for w := 0; w < 4; w++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				batch := make([]staging.Record, 0, 10)
				for i := 0; i < 10; i++ {
					batch = append(batch, rec("overlap", fmt.Sprintf("k%02d", i), `{}`))
				}
				if err := s.PutBatch(ctx, "overlap", batch); err != nil {
					t.Errorf("overlapping put: %v", err)
				}
			}()
		}
		wg.Wait()
		n, _ := s.Count(ctx, "overlap")
		if n != 10 {
			t.Fatalf("expected 10 unique rows, got %d", n)
		}
	})
}
