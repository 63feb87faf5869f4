// Package resumption persists a sink's resumption state (per-table backfill
// progress plus the last commit/durable LSN) to Redis with a TTL, the way
// internal/checkpoint/redis_store.go persists a single WAL position — except
// this store carries everything pipeline.Sink.GetResumptionState needs to
// hand back to the engine, not just one LSN string.
package resumption

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/redis/go-redis/v9"

	"walpipe/internal/pipeline"
	"walpipe/internal/wire"
)

type tableStateDoc struct {
	Status int    `json:"status"`
	Cursor string `json:"cursor,omitempty"`
}

type stateDoc struct {
	PerTable        map[string]tableStateDoc `json:"per_table"`
	LastCommitLSN   string                   `json:"last_commit_lsn,omitempty"`
	LastDurableLSN  string                   `json:"last_durable_lsn,omitempty"`
	IsTransactional bool                     `json:"is_transactional"`
}

// Store reads and mutates one Redis key holding the sink's full resumption
// state as JSON. Callers serialize their own access to it (the pipeline
// engine only ever calls Sink methods from one goroutine at a time), but a
// mutex guards the in-process cache against a concurrent health/debug read.
type Store struct {
	client *redis.Client
	key    string
	ttl    time.Duration

	mu   sync.Mutex
	doc  stateDoc
	init bool
}

func NewStore(client *redis.Client, key string, ttl time.Duration) *Store {
	return &Store{client: client, key: key, ttl: ttl, doc: stateDoc{PerTable: map[string]tableStateDoc{}}}
}

// Load fetches the persisted state, or a zero ResumptionState if no key has
// been written yet (first run against a fresh sink).
func (s *Store) Load(ctx context.Context) (pipeline.ResumptionState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	raw, err := s.client.Get(ctx, s.key).Bytes()
	if err != nil {
		if err == redis.Nil {
			s.init = true
			return pipeline.ResumptionState{PerTable: map[string]pipeline.TableState{}}, nil
		}
		return pipeline.ResumptionState{}, fmt.Errorf("redis get resumption state: %w", err)
	}
	var doc stateDoc
	if err := json.Unmarshal(raw, &doc); err != nil {
		return pipeline.ResumptionState{}, fmt.Errorf("unmarshal resumption state: %w", err)
	}
	if doc.PerTable == nil {
		doc.PerTable = map[string]tableStateDoc{}
	}
	s.doc = doc
	s.init = true

	return toResumptionState(doc), nil
}

// SaveTableState records one table's backfill progress and persists it.
func (s *Store) SaveTableState(ctx context.Context, qualifiedName string, status pipeline.TableStatus, cursor string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureInit(ctx)
	s.doc.PerTable[qualifiedName] = tableStateDoc{Status: int(status), Cursor: cursor}
	return s.flush(ctx)
}

// SaveDurable records the sink's newly durable commit/flush position.
func (s *Store) SaveDurable(ctx context.Context, commitLSN, durableLSN wire.LSN) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureInit(ctx)
	if commitLSN > 0 {
		s.doc.LastCommitLSN = commitLSN.String()
	}
	if durableLSN > 0 {
		s.doc.LastDurableLSN = durableLSN.String()
	}
	return s.flush(ctx)
}

// SetTransactional records whether this sink applies events atomically, so
// a future Load can report it back via ResumptionState.IsTransactional.
func (s *Store) SetTransactional(ctx context.Context, transactional bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ensureInit(ctx)
	s.doc.IsTransactional = transactional
	return s.flush(ctx)
}

func (s *Store) ensureInit(ctx context.Context) {
	if s.init {
		return
	}
	// Load was never called; read the persisted document first rather than
	// risk overwriting a state we haven't read yet. A missing or unreadable
	// key starts from an empty document.
	s.doc = stateDoc{PerTable: map[string]tableStateDoc{}}
	if raw, err := s.client.Get(ctx, s.key).Bytes(); err == nil {
		var doc stateDoc
		if json.Unmarshal(raw, &doc) == nil {
			if doc.PerTable == nil {
				doc.PerTable = map[string]tableStateDoc{}
			}
			s.doc = doc
		}
	}
	s.init = true
}

func (s *Store) flush(ctx context.Context) error {
	raw, err := json.Marshal(s.doc)
	if err != nil {
		return fmt.Errorf("marshal resumption state: %w", err)
	}
	if err := s.client.Set(ctx, s.key, raw, s.ttl).Err(); err != nil {
		return fmt.Errorf("redis set resumption state: %w", err)
	}
	return nil
}

func toResumptionState(doc stateDoc) pipeline.ResumptionState {
	perTable := make(map[string]pipeline.TableState, len(doc.PerTable))
	for name, t := range doc.PerTable {
		perTable[name] = pipeline.TableState{Status: pipeline.TableStatus(t.Status), Cursor: t.Cursor}
	}
	return pipeline.ResumptionState{
		PerTable:        perTable,
		LastCommitLSN:   parseLSN(doc.LastCommitLSN),
		LastDurableLSN:  parseLSN(doc.LastDurableLSN),
		IsTransactional: doc.IsTransactional,
	}
}

func parseLSN(s string) wire.LSN {
	if s == "" {
		return 0
	}
	lsn, err := pglogrepl.ParseLSN(s)
	if err != nil {
		return 0
	}
	return lsn
}
