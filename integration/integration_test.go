//go:build integration

package integration

import (
	"context"
	"net/http"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/hibiken/asynq"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
)

// Smoke checks against the backing services the resolution stack needs.
// Each dependency is skipped when its address is not configured.
func TestDependencies(t *testing.T) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	t.Run("postgres", func(t *testing.T) {
		dbURL := os.Getenv("DATABASE_URL")
		if dbURL == "" {
			t.Skip("DATABASE_URL not set")
		}
		pool, err := pgxpool.New(ctx, dbURL)
		if err != nil {
			t.Fatalf("db connect failed: %v", err)
		}
		defer pool.Close()
		var one int
		if err := pool.QueryRow(ctx, "SELECT 1").Scan(&one); err != nil {
			t.Fatalf("db query failed: %v", err)
		}
	})

	t.Run("kafka", func(t *testing.T) {
		brokers := strings.Split(os.Getenv("KAFKA_BROKERS"), ",")
		if len(brokers) == 0 || strings.TrimSpace(brokers[0]) == "" {
			t.Skip("KAFKA_BROKERS not set")
		}
		conn, err := kafka.Dial("tcp", strings.TrimSpace(brokers[0]))
		if err != nil {
			t.Fatalf("kafka dial failed: %v", err)
		}
		_ = conn.Close()
	})

	t.Run("redis", func(t *testing.T) {
		redisAddr := os.Getenv("REDIS_ADDR")
		if redisAddr == "" {
			t.Skip("REDIS_ADDR not set")
		}
		client := redis.NewClient(&redis.Options{Addr: redisAddr})
		defer client.Close()
		if err := client.Ping(ctx).Err(); err != nil {
			t.Fatalf("redis ping failed: %v", err)
		}
	})

	t.Run("asynq", func(t *testing.T) {
		asynqRedis := os.Getenv("ASYNQ_REDIS_ADDR")
		if asynqRedis == "" {
			t.Skip("ASYNQ_REDIS_ADDR not set")
		}
		queue := os.Getenv("ASYNQ_QUEUE")
		if queue == "" {
			queue = "ndr"
		}
		inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: asynqRedis})
		defer inspector.Close()
		if _, err := inspector.GetQueueInfo(queue); err != nil {
			t.Skipf("queue %q not active yet: %v", queue, err)
		}
	})

	t.Run("influx", func(t *testing.T) {
		influxURL := os.Getenv("INFLUX_URL")
		if influxURL == "" {
			t.Skip("INFLUX_URL not set")
		}
		req, _ := http.NewRequestWithContext(ctx, http.MethodGet, influxURL+"/health", nil)
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatalf("influx health failed: %v", err)
		}
		_ = resp.Body.Close()
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			t.Fatalf("influx health status: %d", resp.StatusCode)
		}
	})
}
