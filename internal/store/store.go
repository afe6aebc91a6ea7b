// Package store implements the Redis-backed deployment record store:
// the single source of truth for per-PR lifecycle state, enforcing the
// state machine and host-port uniqueness invariants under optimistic
// concurrency control.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	redis "github.com/redis/go-redis/v9"

	"github.com/riftline/previewctl/internal/domain"
)

const (
	recordKeyPrefix = "previewctl:deployment:"
	indexKey        = "previewctl:deployments"
	portIndexKey    = "previewctl:ports"
)

// ErrNotFound indicates no deployment record exists for the given PR.
var ErrNotFound = errors.New("store: deployment not found")

// ErrPortInUse indicates the requested host port is already claimed by
// another running deployment, per invariant I5.
var ErrPortInUse = errors.New("store: host port already in use")

// ErrConflict indicates a concurrent writer changed the record between
// the Get and the Put this call observed, or that a record already
// exists on Create. Illegal status transitions are reported as
// domain.ErrIllegalTransition instead.
var ErrConflict = errors.New("store: concurrent modification or illegal transition")

// Store persists DeploymentRecords in Redis, keyed by PR number, using
// WATCH/MULTI transactions to make status-machine enforcement and port
// uniqueness atomic against concurrent writers (the controller's
// webhook handler and the worker's executors both write records).
type Store struct {
	client *redis.Client
	ttl    time.Duration
}

// New constructs a Store. ttl is the default record lifetime applied on
// every write (invariant I4); the sweeper independently expires
// records older than its own max-age regardless of this value.
func New(client *redis.Client, ttl time.Duration) *Store {
	return &Store{client: client, ttl: ttl}
}

func recordKey(pr int) string {
	return fmt.Sprintf("%s%d", recordKeyPrefix, pr)
}

// Get loads the record for pr. Returns ErrNotFound if absent.
func (s *Store) Get(ctx context.Context, pr int) (domain.DeploymentRecord, error) {
	raw, err := s.client.Get(ctx, recordKey(pr)).Bytes()
	if errors.Is(err, redis.Nil) {
		return domain.DeploymentRecord{}, ErrNotFound
	}
	if err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("store: get %d: %w", pr, err)
	}
	var rec domain.DeploymentRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		return domain.DeploymentRecord{}, fmt.Errorf("store: decode %d: %w", pr, err)
	}
	return rec, nil
}

// List returns every tracked deployment record, in no particular order.
func (s *Store) List(ctx context.Context) ([]domain.DeploymentRecord, error) {
	ids, err := s.client.SMembers(ctx, indexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("store: list index: %w", err)
	}
	records := make([]domain.DeploymentRecord, 0, len(ids))
	for _, id := range ids {
		raw, err := s.client.Get(ctx, recordKeyPrefix+id).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("store: list get %s: %w", id, err)
		}
		var rec domain.DeploymentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return nil, fmt.Errorf("store: list decode %s: %w", id, err)
		}
		records = append(records, rec)
	}
	return records, nil
}

// Create inserts a new record for pr in StatusQueued. Returns
// ErrConflict if a record already exists (invariant I3: one active
// deployment per PR).
func (s *Store) Create(ctx context.Context, rec domain.DeploymentRecord) error {
	rec.Status = domain.StatusQueued
	now := time.Now()
	rec.CreatedAt = now
	rec.UpdatedAt = now
	if err := rec.Validate(); err != nil {
		return err
	}
	payload, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := recordKey(rec.PRNumber)

	ok, err := s.client.SetNX(ctx, key, payload, s.ttl).Result()
	if err != nil {
		return fmt.Errorf("store: create %d: %w", rec.PRNumber, err)
	}
	if !ok {
		return ErrConflict
	}
	if err := s.client.SAdd(ctx, indexKey, fmt.Sprintf("%d", rec.PRNumber)).Err(); err != nil {
		return fmt.Errorf("store: index %d: %w", rec.PRNumber, err)
	}
	return nil
}

// Transition applies mutate to the current record for pr inside a
// WATCH transaction, rejecting the write with domain.ErrIllegalTransition
// if mutate requests a status change CanTransition disallows, or with
// ErrConflict if another writer updates the record concurrently.
func (s *Store) Transition(ctx context.Context, pr int, mutate func(*domain.DeploymentRecord) error) (domain.DeploymentRecord, error) {
	key := recordKey(pr)
	var result domain.DeploymentRecord

	txf := func(tx *redis.Tx) error {
		raw, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		var rec domain.DeploymentRecord
		if err := json.Unmarshal(raw, &rec); err != nil {
			return err
		}
		before := rec.Status
		prevPort := rec.HostPort

		if err := mutate(&rec); err != nil {
			return err
		}
		if rec.Status != before && !domain.CanTransition(before, rec.Status) {
			return domain.ErrIllegalTransition
		}
		rec.UpdatedAt = time.Now()
		if err := rec.Validate(); err != nil {
			return err
		}

		if rec.Status == domain.StatusRunning {
			inUse, err := s.portOwner(ctx, tx, rec.HostPort)
			if err != nil {
				return err
			}
			if inUse != 0 && inUse != rec.PRNumber {
				return ErrPortInUse
			}
		}

		payload, err := json.Marshal(rec)
		if err != nil {
			return err
		}
		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, payload, s.ttl)
			if rec.Status == domain.StatusRunning && rec.HostPort != 0 {
				pipe.HSet(ctx, portIndexKey, fmt.Sprintf("%d", rec.HostPort), rec.PRNumber)
			}
			if before == domain.StatusRunning && rec.Status != domain.StatusRunning {
				pipe.HDel(ctx, portIndexKey, fmt.Sprintf("%d", prevPort))
			}
			return nil
		})
		if err != nil {
			return err
		}
		result = rec
		return nil
	}

	err := s.client.Watch(ctx, txf, key)
	if errors.Is(err, redis.TxFailedErr) {
		return domain.DeploymentRecord{}, ErrConflict
	}
	if err != nil {
		return domain.DeploymentRecord{}, err
	}
	return result, nil
}

func (s *Store) portOwner(ctx context.Context, tx *redis.Tx, port int) (int, error) {
	if port == 0 {
		return 0, nil
	}
	val, err := tx.HGet(ctx, portIndexKey, fmt.Sprintf("%d", port)).Result()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, err
	}
	var owner int
	if _, err := fmt.Sscanf(val, "%d", &owner); err != nil {
		return 0, nil
	}
	return owner, nil
}

// Delete removes the record and its index entries entirely, used once
// a destroy completes and the record has no further use.
func (s *Store) Delete(ctx context.Context, pr int) error {
	rec, err := s.Get(ctx, pr)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, recordKey(pr))
	pipe.SRem(ctx, indexKey, fmt.Sprintf("%d", pr))
	if rec.HostPort != 0 {
		pipe.HDel(ctx, portIndexKey, fmt.Sprintf("%d", rec.HostPort))
	}
	_, err = pipe.Exec(ctx)
	return err
}
