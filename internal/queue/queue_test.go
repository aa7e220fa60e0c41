package queue_test

import (
	"context"
	"errors"
	"os"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/basket/crewdesk/internal/config"
	"github.com/basket/crewdesk/internal/queue"
)

func consumeUntil(t *testing.T, q queue.Queue, want int, handler queue.Handler) []queue.Job {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	var mu sync.Mutex
	var got []queue.Job
	done := make(chan struct{})
	var once sync.Once
	go func() {
		_ = q.Consume(ctx, 2, func(ctx context.Context, job queue.Job) error {
			if err := handler(ctx, job); err != nil {
				return err
			}
			mu.Lock()
			got = append(got, job)
			n := len(got)
			mu.Unlock()
			if n >= want {
				once.Do(func() { close(done) })
			}
			return nil
		})
	}()
	select {
	case <-done:
	case <-ctx.Done():
		t.Fatalf("consumed fewer than %d jobs", want)
	}
	cancel()
	mu.Lock()
	defer mu.Unlock()
	return append([]queue.Job(nil), got...)
}

func ok(context.Context, queue.Job) error { return nil }

func TestMemoryQueue_DeliversEveryJob(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	defer q.Close()
	ctx := context.Background()
	for _, id := range []string{"t1", "t2", "t3"} {
		if err := q.Publish(ctx, queue.Job{TaskID: id, AgentID: "a1"}); err != nil {
			t.Fatalf("publish: %v", err)
		}
	}
	got := consumeUntil(t, q, 3, ok)
	seen := map[string]bool{}
	for _, j := range got {
		seen[j.Key()] = true
	}
	for _, key := range []string{"t1/a1", "t2/a1", "t3/a1"} {
		if !seen[key] {
			t.Fatalf("job %s not delivered: %+v", key, got)
		}
	}
}

func TestMemoryQueue_FailedJobIsRedelivered(t *testing.T) {
	q := queue.NewMemoryQueue(8)
	defer q.Close()
	if err := q.Publish(context.Background(), queue.Job{TaskID: "t1", AgentID: "a1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	var attempts atomic.Int32
	got := consumeUntil(t, q, 1, func(context.Context, queue.Job) error {
		if attempts.Add(1) == 1 {
			return errors.New("transient")
		}
		return nil
	})
	if len(got) != 1 || attempts.Load() != 2 {
		t.Fatalf("got %d jobs after %d attempts", len(got), attempts.Load())
	}
}

func TestMemoryQueue_PublishAfterClose(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	_ = q.Close()
	_ = q.Close()
	if err := q.Publish(context.Background(), queue.Job{TaskID: "t", AgentID: "a"}); !errors.Is(err, queue.ErrClosed) {
		t.Fatalf("expected ErrClosed, got %v", err)
	}
}

func TestMemoryQueue_PublishRespectsContext(t *testing.T) {
	q := queue.NewMemoryQueue(1)
	defer q.Close()
	ctx := context.Background()
	_ = q.Publish(ctx, queue.Job{TaskID: "t1", AgentID: "a"})
	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if err := q.Publish(cctx, queue.Job{TaskID: "t2", AgentID: "a"}); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("full queue should block until ctx ends, got %v", err)
	}
}

func TestNew_Backends(t *testing.T) {
	q, err := queue.New(config.QueueConfig{Backend: "memory"}, nil)
	if err != nil {
		t.Fatalf("memory: %v", err)
	}
	_ = q.Close()
	if _, err := queue.New(config.QueueConfig{Backend: "redis"}, nil); err == nil {
		t.Fatal("redis without a client should fail")
	}
	if _, err := queue.New(config.QueueConfig{Backend: "rabbitmq"}, nil); err == nil {
		t.Fatal("rabbitmq without a url should fail")
	}
	if _, err := queue.New(config.QueueConfig{Backend: "kafka"}, nil); err == nil {
		t.Fatal("unknown backend should fail")
	}
}

func TestRedisQueue_Integration(t *testing.T) {
	addr := os.Getenv("CREWDESK_TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("CREWDESK_TEST_REDIS_ADDR not set")
	}
	client := redis.NewClient(&redis.Options{Addr: addr})
	name := "crewdesk:test:" + t.Name()
	q := queue.NewRedisQueue(queue.RedisQueueConfig{Client: client, Queue: name, BlockWait: 100 * time.Millisecond, OwnsClient: true})
	defer q.Close()
	ctx := context.Background()
	defer client.Del(ctx, name)

	if err := q.Publish(ctx, queue.Job{TaskID: "t1", AgentID: "a1", Attempt: 2}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := consumeUntil(t, q, 1, ok)
	if got[0].Key() != "t1/a1" || got[0].Attempt != 2 {
		t.Fatalf("job = %+v", got[0])
	}
}

func TestRabbitMQQueue_Integration(t *testing.T) {
	url := os.Getenv("CREWDESK_TEST_AMQP_URL")
	if url == "" {
		t.Skip("CREWDESK_TEST_AMQP_URL not set")
	}
	q, err := queue.NewRabbitMQQueue(queue.RabbitMQConfig{URL: url, Queue: "crewdesk.test." + t.Name(), AutoDelete: true})
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer q.Close()
	if err := q.Ping(); err != nil {
		t.Fatalf("ping: %v", err)
	}
	if err := q.Publish(context.Background(), queue.Job{TaskID: "t1", AgentID: "a1"}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	got := consumeUntil(t, q, 1, ok)
	if got[0].Key() != "t1/a1" {
		t.Fatalf("job = %+v", got[0])
	}
}
