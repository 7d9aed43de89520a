package randomization

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"
)

// Journal durably records committed allocations outside the process so a
// restarted engine can be restored from it.
type Journal interface {
	Append(ctx context.Context, a Allocation) error
	Entries(ctx context.Context, key string) ([]Allocation, error)
	Keys(ctx context.Context, studyID string) ([]string, error)
}

type RedisJournal struct {
	client *redis.Client
	prefix string
}

func NewRedisJournal(client *redis.Client) *RedisJournal {
	return &RedisJournal{client: client, prefix: "randomization:"}
}

func (j *RedisJournal) listKey(key string) string {
	return j.prefix + "log:" + key
}

func (j *RedisJournal) indexKey(studyID string) string {
	return j.prefix + "streams:" + studyID
}

// Append pushes the allocation onto its stream list and indexes the stream
// under its study in one transaction.
func (j *RedisJournal) Append(ctx context.Context, a Allocation) error {
	data, err := json.Marshal(a)
	if err != nil {
		return err
	}
	_, err = j.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.RPush(ctx, j.listKey(a.Key), data)
		pipe.SAdd(ctx, j.indexKey(StudyOfKey(a.Key)), a.Key)
		return nil
	})
	if err != nil {
		return fmt.Errorf("journal allocation %s: %w", a.Key, err)
	}
	return nil
}

func (j *RedisJournal) Entries(ctx context.Context, key string) ([]Allocation, error) {
	raw, err := j.client.LRange(ctx, j.listKey(key), 0, -1).Result()
	if err != nil {
		return nil, err
	}
	out := make([]Allocation, 0, len(raw))
	for _, item := range raw {
		var a Allocation
		if err := json.Unmarshal([]byte(item), &a); err != nil {
			return nil, fmt.Errorf("decode journal entry for %s: %w", key, err)
		}
		out = append(out, a)
	}
	return out, nil
}

// Keys lists the journaled allocation streams of a study, sorted.
func (j *RedisJournal) Keys(ctx context.Context, studyID string) ([]string, error) {
	keys, err := j.client.SMembers(ctx, j.indexKey(studyID)).Result()
	if err != nil {
		return nil, fmt.Errorf("list journal streams for %s: %w", studyID, err)
	}
	sort.Strings(keys)
	return keys, nil
}

var _ Journal = (*RedisJournal)(nil)
