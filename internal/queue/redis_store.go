package queue

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sort"
	"strconv"
	"time"

	"github.com/nadmax/nexsync/internal/outbox"
	"github.com/nadmax/nexsync/internal/repository"
	"github.com/redis/go-redis/v9"
)

const (
	keySeq     = "outbox:seq"
	keyEntries = "outbox:entries"
	keyOwners  = "outbox:owners"
)

func statusKey(s outbox.Status) string { return "outbox:status:" + string(s) }
func readyKey(owner string) string     { return "outbox:ready:" + owner }
func taskKey(owner, taskID string) string {
	return "outbox:task:" + owner + ":" + taskID
}

// RedisStore keeps entries as JSON in one hash. Pending ids are indexed per
// owner in a sorted set scored by nextRetryAt (unix ms), and per status in a
// sorted set scored by id.
type RedisStore struct {
	client *redis.Client
}

func NewRedisStore(redisAddr string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr: redisAddr,
	})

	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}

	return &RedisStore{client: client}, nil
}

func (s *RedisStore) Close() error {
	return s.client.Close()
}

func idString(id int64) string {
	return strconv.FormatInt(id, 10)
}

func readyScore(t time.Time) float64 {
	return float64(t.UnixMilli())
}

func (s *RedisStore) Insert(ctx context.Context, e *outbox.Entry) error {
	id, err := s.client.Incr(ctx, keySeq).Result()
	if err != nil {
		return fmt.Errorf("failed to allocate entry id: %w", err)
	}
	e.ID = id

	entryJSON, err := e.ToJSON()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, keyEntries, idString(id), entryJSON)
		pipe.SAdd(ctx, keyOwners, e.OwnerID)
		index(ctx, pipe, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to insert outbox entry: %w", err)
	}
	return nil
}

// index adds e to the status set and, while pending, to the owner and task sets.
func index(ctx context.Context, pipe redis.Pipeliner, e *outbox.Entry) {
	member := idString(e.ID)
	pipe.ZAdd(ctx, statusKey(e.Status), redis.Z{Score: float64(e.ID), Member: member})
	if e.Status == outbox.StatusPending {
		pipe.ZAdd(ctx, readyKey(e.OwnerID), redis.Z{Score: readyScore(e.NextRetryAt), Member: member})
		pipe.SAdd(ctx, taskKey(e.OwnerID, e.TaskID), member)
	}
}

func unindex(ctx context.Context, pipe redis.Pipeliner, e *outbox.Entry) {
	member := idString(e.ID)
	pipe.ZRem(ctx, statusKey(e.Status), member)
	pipe.ZRem(ctx, readyKey(e.OwnerID), member)
	pipe.SRem(ctx, taskKey(e.OwnerID, e.TaskID), member)
}

func (s *RedisStore) Get(ctx context.Context, id int64) (*outbox.Entry, error) {
	entryJSON, err := s.client.HGet(ctx, keyEntries, idString(id)).Result()
	if errors.Is(err, redis.Nil) {
		return nil, repository.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get outbox entry %d: %w", id, err)
	}
	return outbox.EntryFromJSON(entryJSON)
}

func (s *RedisStore) Save(ctx context.Context, e *outbox.Entry) error {
	prev, err := s.Get(ctx, e.ID)
	if err != nil {
		return err
	}

	entryJSON, err := e.ToJSON()
	if err != nil {
		return err
	}

	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		unindex(ctx, pipe, prev)
		pipe.HSet(ctx, keyEntries, idString(e.ID), entryJSON)
		index(ctx, pipe, e)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to update outbox entry %d: %w", e.ID, err)
	}
	return nil
}

func (s *RedisStore) load(ctx context.Context, ids []string) ([]*outbox.Entry, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	values, err := s.client.HMGet(ctx, keyEntries, ids...).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to load outbox entries: %w", err)
	}

	entries := make([]*outbox.Entry, 0, len(values))
	for i, v := range values {
		entryJSON, ok := v.(string)
		if !ok {
			log.Printf("Outbox entry %s is indexed but missing", ids[i])
			continue
		}
		e, err := outbox.EntryFromJSON(entryJSON)
		if err != nil {
			log.Printf("failed to decode outbox entry %s: %v", ids[i], err)
			continue
		}
		entries = append(entries, e)
	}
	return entries, nil
}

func sortByCreation(entries []*outbox.Entry) {
	sort.SliceStable(entries, func(i, j int) bool {
		if !entries[i].CreatedAt.Equal(entries[j].CreatedAt) {
			return entries[i].CreatedAt.Before(entries[j].CreatedAt)
		}
		return entries[i].ID < entries[j].ID
	})
}

func (s *RedisStore) owners(ctx context.Context) ([]string, error) {
	owners, err := s.client.SMembers(ctx, keyOwners).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list owners: %w", err)
	}
	sort.Strings(owners)
	return owners, nil
}

func (s *RedisStore) Ready(ctx context.Context, ownerID string, now time.Time) ([]*outbox.Entry, error) {
	owners := []string{ownerID}
	if ownerID == "" {
		var err error
		if owners, err = s.owners(ctx); err != nil {
			return nil, err
		}
	}

	var ready []*outbox.Entry
	for _, owner := range owners {
		ids, err := s.client.ZRangeByScore(ctx, readyKey(owner), &redis.ZRangeBy{
			Min: "-inf",
			Max: strconv.FormatFloat(readyScore(now), 'f', -1, 64),
		}).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to query ready entries: %w", err)
		}

		entries, err := s.load(ctx, ids)
		if err != nil {
			return nil, err
		}
		// Scores have millisecond resolution.
		for _, e := range entries {
			if e.IsReady(now) {
				ready = append(ready, e)
			}
		}
	}

	sortByCreation(ready)
	return ready, nil
}

func (s *RedisStore) ListByStatus(ctx context.Context, status outbox.Status, limit int) ([]*outbox.Entry, error) {
	stop := int64(-1)
	if limit > 0 {
		stop = int64(limit - 1)
	}

	ids, err := s.client.ZRange(ctx, statusKey(status), 0, stop).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list %s entries: %w", status, err)
	}

	entries, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByCreation(entries)
	return entries, nil
}

func (s *RedisStore) CountByStatus(ctx context.Context) (map[outbox.Status]int, error) {
	counts := make(map[outbox.Status]int)
	for _, status := range []outbox.Status{outbox.StatusPending, outbox.StatusCompleted, outbox.StatusFailed} {
		n, err := s.client.ZCard(ctx, statusKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to count %s entries: %w", status, err)
		}
		if n > 0 {
			counts[status] = int(n)
		}
	}
	return counts, nil
}

func (s *RedisStore) CountPendingForOwner(ctx context.Context, ownerID string) (int, error) {
	n, err := s.client.ZCard(ctx, readyKey(ownerID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) Pending(ctx context.Context, ownerID string) ([]*outbox.Entry, error) {
	ids, err := s.client.ZRange(ctx, readyKey(ownerID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to query pending entries: %w", err)
	}

	entries, err := s.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	sortByCreation(entries)
	return entries, nil
}

func (s *RedisStore) CountPendingForTask(ctx context.Context, ownerID, taskID string) (int, error) {
	n, err := s.client.SCard(ctx, taskKey(ownerID, taskID)).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to count pending entries: %w", err)
	}
	return int(n), nil
}

func (s *RedisStore) PendingOwners(ctx context.Context) ([]string, error) {
	owners, err := s.owners(ctx)
	if err != nil {
		return nil, err
	}

	var pending []string
	for _, owner := range owners {
		n, err := s.CountPendingForOwner(ctx, owner)
		if err != nil {
			return nil, err
		}
		if n > 0 {
			pending = append(pending, owner)
		}
	}
	return pending, nil
}

func (s *RedisStore) remove(ctx context.Context, entries []*outbox.Entry) (int, error) {
	if len(entries) == 0 {
		return 0, nil
	}

	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		for _, e := range entries {
			unindex(ctx, pipe, e)
			pipe.HDel(ctx, keyEntries, idString(e.ID))
		}
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("failed to delete outbox entries: %w", err)
	}
	return len(entries), nil
}

func (s *RedisStore) DeleteByStatus(ctx context.Context, status outbox.Status) (int, error) {
	entries, err := s.ListByStatus(ctx, status, 0)
	if err != nil {
		return 0, err
	}
	return s.remove(ctx, entries)
}

func (s *RedisStore) DeleteExhausted(ctx context.Context) (int, error) {
	failed, err := s.ListByStatus(ctx, outbox.StatusFailed, 0)
	if err != nil {
		return 0, err
	}

	var exhausted []*outbox.Entry
	for _, e := range failed {
		if e.ExhaustedRetries() {
			exhausted = append(exhausted, e)
		}
	}
	return s.remove(ctx, exhausted)
}

func (s *RedisStore) DeleteAll(ctx context.Context) (int, error) {
	all, err := s.client.HGetAll(ctx, keyEntries).Result()
	if err != nil {
		return 0, fmt.Errorf("failed to list outbox entries: %w", err)
	}

	entries := make([]*outbox.Entry, 0, len(all))
	for id, entryJSON := range all {
		e, err := outbox.EntryFromJSON(entryJSON)
		if err != nil {
			log.Printf("failed to decode outbox entry %s: %v", id, err)
			continue
		}
		entries = append(entries, e)
	}

	n, err := s.remove(ctx, entries)
	if err != nil {
		return 0, err
	}
	if err := s.client.Del(ctx, keyEntries, keyOwners).Err(); err != nil {
		return n, fmt.Errorf("failed to reset outbox keys: %w", err)
	}
	return len(all), nil
}
