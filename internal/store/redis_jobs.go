package store

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"paidpost/internal/log"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	scheduleKey = "paidpost:schedule"
	attemptsKey = "paidpost:schedule:attempts"
)

// RedisJobStore keeps armed publications in a sorted set scored by fire
// time. Saving an order that is already present overwrites its score, so a
// reschedule replaces the previous job.
type RedisJobStore struct {
	client *redis.Client
	logger *log.Logger
}

func NewRedisJobStore(client *redis.Client, logger *log.Logger) *RedisJobStore {
	return &RedisJobStore{client: client, logger: logger}
}

func (s *RedisJobStore) Client() *redis.Client {
	return s.client
}

func (s *RedisJobStore) SaveSchedule(ctx context.Context, job ScheduledPublication) error {
	member := strconv.FormatInt(job.OrderID, 10)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, scheduleKey, redis.Z{Score: float64(job.FireAt.UnixMilli()), Member: member})
		pipe.HSet(ctx, attemptsKey, member, job.Attempts)
		return nil
	})
	if err != nil {
		return fmt.Errorf("save schedule %d: %w", job.OrderID, err)
	}
	return nil
}

func (s *RedisJobStore) DeleteSchedule(ctx context.Context, orderID int64) error {
	member := strconv.FormatInt(orderID, 10)
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, scheduleKey, member)
		pipe.HDel(ctx, attemptsKey, member)
		return nil
	})
	if err != nil {
		return fmt.Errorf("delete schedule %d: %w", orderID, err)
	}
	return nil
}

// LoadSchedules returns every armed publication ordered by fire time.
func (s *RedisJobStore) LoadSchedules(ctx context.Context) ([]ScheduledPublication, error) {
	entries, err := s.client.ZRangeWithScores(ctx, scheduleKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedules: %w", err)
	}
	attempts, err := s.client.HGetAll(ctx, attemptsKey).Result()
	if err != nil {
		return nil, fmt.Errorf("load schedule attempts: %w", err)
	}

	jobs := make([]ScheduledPublication, 0, len(entries))
	for _, z := range entries {
		member, ok := z.Member.(string)
		if !ok {
			continue
		}
		orderID, err := strconv.ParseInt(member, 10, 64)
		if err != nil {
			s.logger.Warn("Skipping malformed schedule member", zap.String("member", member))
			continue
		}
		n, _ := strconv.Atoi(attempts[member])
		jobs = append(jobs, ScheduledPublication{
			OrderID:  orderID,
			FireAt:   time.UnixMilli(int64(z.Score)),
			Attempts: n,
		})
	}
	return jobs, nil
}
