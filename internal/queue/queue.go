// Package queue carries turn jobs from the dispatcher's triggers to its
// workers. Backends: an in-process channel, a Redis list, or a RabbitMQ
// queue. Delivery is at-least-once; consumers must tolerate duplicates.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/basket/crewdesk/internal/config"
)

// Job asks for one turn of AgentID on TaskID.
type Job struct {
	TaskID  string `json:"task_id"`
	AgentID string `json:"agent_id"`
	// Attempt counts deferrals, starting at 0.
	Attempt int `json:"attempt,omitempty"`
}

// Key identifies the (task, agent) pair a job is for.
func (j Job) Key() string { return j.TaskID + "/" + j.AgentID }

func (j Job) encode() ([]byte, error) { return json.Marshal(j) }

func decodeJob(b []byte) (Job, error) {
	var j Job
	if err := json.Unmarshal(b, &j); err != nil {
		return j, fmt.Errorf("decode job: %w", err)
	}
	if j.TaskID == "" || j.AgentID == "" {
		return j, fmt.Errorf("decode job: missing task or agent in %q", string(b))
	}
	return j, nil
}

// Handler processes one job. A non-nil error asks the backend to deliver
// the job again.
type Handler func(ctx context.Context, job Job) error

// Producer publishes jobs.
type Producer interface {
	Publish(ctx context.Context, job Job) error
	Close() error
}

// Consumer runs workerCount handlers until ctx ends.
type Consumer interface {
	Consume(ctx context.Context, workerCount int, handler Handler) error
	Close() error
}

// Queue is both ends.
type Queue interface {
	Producer
	Consumer
}

// New builds the queue named by cfg.Backend. The redis client is only
// needed for the "redis" backend.
func New(cfg config.QueueConfig, client *redis.Client) (Queue, error) {
	switch strings.ToLower(cfg.Backend) {
	case "", "memory":
		return NewMemoryQueue(256), nil
	case "redis":
		if client == nil {
			return nil, fmt.Errorf("redis queue requires a redis client")
		}
		return NewRedisQueue(RedisQueueConfig{Client: client, Queue: cfg.Name}), nil
	case "rabbitmq":
		return NewRabbitMQQueue(RabbitMQConfig{URL: cfg.URL, Queue: cfg.Name, Prefetch: 16, Durable: true})
	default:
		return nil, fmt.Errorf("unknown queue backend %q", cfg.Backend)
	}
}
