// Package background runs the reasoning loop's off-loop work: Smart Memory
// fact extraction and belief revision, post-mortem lesson capture, and
// swarm-delegated subtasks dispatched through a bounded Kafka work queue.
package background

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"

	"ghost/internal/observability"
)

// SwarmJob is one delegated subtask published to the swarm topic.
type SwarmJob struct {
	CorrelationID string `json:"correlation_id"`
	Prompt        string `json:"prompt"`
	ReplyTopic    string `json:"reply_topic,omitempty"`
}

// SwarmDispatcher publishes delegated subtasks onto a Kafka topic for a
// worker pool to pick up, with a bounded local queue that drops the oldest
// pending job rather than blocking the caller when workers fall behind.
type SwarmDispatcher struct {
	writer *kafka.Writer
	topic  string
	queue  chan SwarmJob
}

// NewSwarmDispatcher builds a dispatcher against brokers/topic with a local
// bounded queue of capacity queueSize.
func NewSwarmDispatcher(brokers []string, topic string, queueSize int) *SwarmDispatcher {
	if queueSize <= 0 {
		queueSize = 64
	}
	d := &SwarmDispatcher{
		writer: &kafka.Writer{
			Addr:         kafka.TCP(brokers...),
			Topic:        topic,
			Balancer:     &kafka.LeastBytes{},
			RequiredAcks: kafka.RequireOne,
		},
		topic: topic,
		queue: make(chan SwarmJob, queueSize),
	}
	return d
}

// Run drains the local queue and publishes each job, logging and dropping
// on persistent publish failure rather than blocking the queue.
func (d *SwarmDispatcher) Run(ctx context.Context) {
	log := observability.LoggerWithTrace(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case job := <-d.queue:
			payload, err := json.Marshal(job)
			if err != nil {
				log.Error().Err(err).Msg("swarm_job_marshal_error")
				continue
			}
			writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
			err = d.writer.WriteMessages(writeCtx, kafka.Message{
				Key:   []byte(job.CorrelationID),
				Value: payload,
			})
			cancel()
			if err != nil {
				log.Warn().Err(err).Str("correlation_id", job.CorrelationID).Msg("swarm_job_publish_failed")
			}
		}
	}
}

// Delegate enqueues job, dropping the oldest queued job if the queue is
// full so a burst of delegations never blocks the reasoning loop.
func (d *SwarmDispatcher) Delegate(job SwarmJob) {
	select {
	case d.queue <- job:
	default:
		select {
		case <-d.queue:
		default:
		}
		select {
		case d.queue <- job:
		default:
		}
	}
}

// Close releases the underlying Kafka writer.
func (d *SwarmDispatcher) Close() error {
	return d.writer.Close()
}

// RunConsumer starts a bounded worker pool reading delegated jobs back off
// the topic (when this process also hosts swarm workers) and invoking
// handle for each, trying each job up to 3 times in total (any handler
// error is retried) before giving up on it. Committed regardless of
// outcome, matching the retry+give up pattern used for the orchestrator's
// command queue.
func RunConsumer(ctx context.Context, brokers []string, topic, groupID string, workerCount int, handle func(context.Context, SwarmJob) error) error {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  brokers,
		GroupID:  groupID,
		Topic:    topic,
		MinBytes: 1,
		MaxBytes: 10e6,
	})
	defer reader.Close()

	log := observability.LoggerWithTrace(ctx)
	jobs := make(chan kafka.Message, workerCount*4)

	done := make(chan struct{})
	for i := 0; i < workerCount; i++ {
		go func() {
			for msg := range jobs {
				var job SwarmJob
				if err := json.Unmarshal(msg.Value, &job); err != nil {
					log.Error().Err(err).Msg("swarm_job_decode_error")
					_ = reader.CommitMessages(ctx, msg)
					continue
				}
				const maxAttempts = 3
				var lastErr error
				for attempt := 1; attempt <= maxAttempts; attempt++ {
					if err := handle(ctx, job); err != nil {
						lastErr = err
						if attempt < maxAttempts {
							time.Sleep(time.Duration(200*(1<<uint(attempt-1))) * time.Millisecond)
							continue
						}
						log.Warn().Err(lastErr).Str("correlation_id", job.CorrelationID).Msg("swarm_job_failed_permanently")
					}
					break
				}
				if err := reader.CommitMessages(ctx, msg); err != nil {
					log.Error().Err(err).Msg("swarm_job_commit_error")
				}
			}
		}()
	}

	go func() {
		defer close(jobs)
		defer close(done)
		for {
			if ctx.Err() != nil {
				return
			}
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				log.Warn().Err(err).Msg("swarm_fetch_error")
				time.Sleep(500 * time.Millisecond)
				continue
			}
			select {
			case jobs <- m:
			case <-ctx.Done():
				return
			}
		}
	}()

	<-done
	return fmt.Errorf("swarm consumer stopped: %w", ctx.Err())
}
