package syncer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/loykin/staffsync/internal/metrics"
	"github.com/loykin/staffsync/internal/staging"
	"github.com/loykin/staffsync/internal/syncjob"
)

// Result summarizes one SyncCollection run.
type Result struct {
	Collection string `json:"collection"`
	RunID      string `json:"run_id,omitempty"`
	Processed  int    `json:"processed"`
	Total      int    `json:"total"`
	Pages      int    `json:"pages"`
	Skipped    int    `json:"skipped"`
	Retries    int    `json:"retries"`
	Error      string `json:"error,omitempty"`
}

// Config wires a Client to its collaborators.
type Config struct {
	API         APIConfig
	Store       staging.Store
	Tracker     *syncjob.Tracker
	Retry       RetryPolicy
	Collections []Collection
	Logger      *slog.Logger
}

// Client fetches external collections into the staging store. It is the only
// writer of the sync jobs it runs.
type Client struct {
	api     *API
	store   staging.Store
	tracker *syncjob.Tracker
	policy  RetryPolicy
	colls   map[string]Collection
	log     *slog.Logger

	sleep func(ctx context.Context, d time.Duration) error
	now   func() time.Time
}

// New builds a Client. When cfg.Collections is empty the built-in employees
// and attendance collections are used.
func New(cfg Config) (*Client, error) {
	if cfg.Store == nil {
		return nil, errors.New("syncer: staging store required")
	}
	lg := cfg.Logger
	if lg == nil {
		lg = slog.Default()
	}
	if cfg.API.Logger == nil {
		cfg.API.Logger = lg
	}
	api, err := NewAPI(cfg.API)
	if err != nil {
		return nil, err
	}
	tr := cfg.Tracker
	if tr == nil {
		tr = syncjob.NewTracker()
	}
	colls := cfg.Collections
	if len(colls) == 0 {
		colls = []Collection{Employees(), Attendance()}
	}
	m := make(map[string]Collection, len(colls))
	for _, c := range colls {
		if err := c.Validate(); err != nil {
			return nil, err
		}
		if _, dup := m[c.Name]; dup {
			return nil, fmt.Errorf("duplicate collection %q", c.Name)
		}
		m[c.Name] = c.withDefaults()
	}
	return &Client{
		api:     api,
		store:   cfg.Store,
		tracker: tr,
		policy:  cfg.Retry.withDefaults(),
		colls:   m,
		log:     lg,
		sleep:   sleepCtx,
		now:     func() time.Time { return time.Now().UTC() },
	}, nil
}

// Authenticate refreshes the cached bearer token.
func (c *Client) Authenticate(ctx context.Context) error { return c.api.Authenticate(ctx) }

// Tracker exposes the job tracker for status readers.
func (c *Client) Tracker() *syncjob.Tracker { return c.tracker }

// Policy returns the effective retry policy.
func (c *Client) Policy() RetryPolicy { return c.policy }

// Collection looks up a configured collection by name.
func (c *Client) Collection(name string) (Collection, bool) {
	col, ok := c.colls[name]
	return col, ok
}

// Collections lists configured collection names in sorted order.
func (c *Client) Collections() []string {
	out := make([]string, 0, len(c.colls))
	for n := range c.colls {
		out = append(out, n)
	}
	sort.Strings(out)
	return out
}

// SyncCollection copies one collection for window (nil selects the
// collection's default window) into the staging store.
//
// Pages are fetched strictly in order. A transient failure retries the same
// page after a capped exponential delay; the run fails once RetryPolicy.MaxRetries
// consecutive failures have been seen. Any other failure aborts the run.
// A second call for a name whose run is in flight returns syncjob.ErrAlreadyRunning.
func (c *Client) SyncCollection(ctx context.Context, name string, window *Window) (Result, error) {
	res := Result{Collection: name}
	coll, ok := c.colls[name]
	if !ok {
		err := fmt.Errorf("unknown collection %q", name)
		res.Error = err.Error()
		return res, err
	}
	job, err := c.tracker.Begin(name)
	if err != nil {
		res.Error = err.Error()
		return res, err
	}
	res.RunID = job.RunID
	started := time.Now()
	log := c.log.With("collection", name, "run_id", job.RunID)

	err = c.run(ctx, coll, window, &res, log)
	dur := time.Since(started)
	if err != nil {
		res.Error = err.Error()
		c.tracker.Fail(name, err)
		metrics.ObserveSyncRun(name, string(syncjob.StateFailed), dur.Seconds())
		log.Error("Sync run failed", "processed", res.Processed, "pages", res.Pages, "retries", res.Retries, "error", err)
		return res, err
	}
	c.tracker.Complete(name)
	metrics.ObserveSyncRun(name, string(syncjob.StateCompleted), dur.Seconds())
	log.Info("Sync run completed", "processed", res.Processed, "total", res.Total,
		"skipped", res.Skipped, "pages", res.Pages, "retries", res.Retries, "duration", dur)
	return res, nil
}

func (c *Client) run(ctx context.Context, coll Collection, window *Window, res *Result, log *slog.Logger) error {
	win, err := coll.resolveWindow(window, c.now())
	if err != nil {
		return err
	}
	if win != nil {
		log = log.With("window_start", win.Start, "window_end", win.End)
	}
	log.Info("Sync run started", "page_size", coll.PageSize)

	bo := c.policy.newBackOff()
	consecutive := 0
	page := 1
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		p, err := c.api.FetchPage(ctx, coll, page, win)
		if err != nil {
			if !IsTransient(err) {
				return fmt.Errorf("page %d: %w", page, err)
			}
			consecutive++
			if consecutive >= c.policy.MaxRetries {
				return fmt.Errorf("page %d: giving up after %d consecutive failures: %w", page, consecutive, err)
			}
			res.Retries++
			c.tracker.Retry(coll.Name, err)
			metrics.IncSyncRetry(coll.Name)
			d := c.policy.next(bo)
			log.Warn("Transient page failure, retrying", "page", page, "attempt", consecutive, "delay", d, "error", err)
			if err := c.sleep(ctx, d); err != nil {
				return err
			}
			continue
		}
		consecutive = 0
		bo.Reset()

		rows := p.Records()
		if len(rows) == 0 {
			break
		}
		batch := make([]staging.Record, 0, len(rows))
		seen := make(map[string]int, len(rows))
		skipped := 0
		for _, raw := range rows {
			if coll.Excluded(raw) {
				skipped++
				continue
			}
			key, err := coll.KeyOf(raw)
			if err != nil {
				return fmt.Errorf("page %d: %w", page, err)
			}
			rec := staging.Record{Collection: coll.Name, Key: key, Payload: raw}
			// a key repeated within a page is one record; the last copy wins
			if i, ok := seen[key]; ok {
				batch[i] = rec
				continue
			}
			seen[key] = len(batch)
			batch = append(batch, rec)
		}
		if err := c.store.PutBatch(ctx, coll.Name, batch); err != nil {
			return fmt.Errorf("page %d: stage records: %w", page, err)
		}
		res.Pages++
		res.Processed += len(batch)
		res.Skipped += skipped
		if p.Count > 0 {
			res.Total = p.Count - res.Skipped
		}
		if res.Total < res.Processed {
			res.Total = res.Processed
		}
		c.tracker.Progress(coll.Name, page, res.Processed, res.Total)
		metrics.IncSyncPage(coll.Name)
		metrics.AddSyncRecords(coll.Name, len(batch), skipped)
		log.Debug("Page applied", "page", page, "staged", len(batch), "skipped", skipped, "count", p.Count)

		if !p.HasNext() {
			break
		}
		page++
	}
	return nil
}
