package stream

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
)

// completionType marks the final entry a producer appends to its result
// stream. Consumers treat the stream as open until they observe it.
const completionType = "scan_complete"

// Client is the subset of redis commands the coordinator issues.
// *redis.Client satisfies it.
type Client interface {
	XGroupCreateMkStream(ctx context.Context, stream, group, start string) *redis.StatusCmd
	XRevRangeN(ctx context.Context, stream, start, stop string, count int64) *redis.XMessageSliceCmd
	XPending(ctx context.Context, stream, group string) *redis.XPendingCmd
	XAdd(ctx context.Context, a *redis.XAddArgs) *redis.StringCmd
	Del(ctx context.Context, keys ...string) *redis.IntCmd
}

// CoordinationError wraps a failed stream operation. Callers decide
// whether to retry; the coordinator never does so on its own.
type CoordinationError struct {
	Op     string
	Stream string
	Err    error
}

func (e *CoordinationError) Error() string {
	return fmt.Sprintf("stream %s: %s: %v", e.Stream, e.Op, e.Err)
}

func (e *CoordinationError) Unwrap() error { return e.Err }

func opErr(op, stream string, err error) error {
	return &CoordinationError{Op: op, Stream: stream, Err: err}
}

// Key builds the result-stream name shared between a producer module and
// its consumers within one scan job.
func Key(scanJobID, module string) string {
	return fmt.Sprintf("scan:%s:%s:results", scanJobID, module)
}

// CompletionSummary is appended by PublishCompletion as the stream's
// final marker entry.
type CompletionSummary struct {
	Module       string
	TotalResults int
}

// MonitorResult reports how a Monitor call ended.
type MonitorResult struct {
	Complete      bool
	TimedOut      bool
	PendingAtExit int64
	Elapsed       time.Duration
}

// Coordinator manages the redis streams that carry results between
// concurrently running producer and consumer scan units.
type Coordinator struct {
	client Client
	logger *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

func NewCoordinator(client Client, logger *slog.Logger) (*Coordinator, error) {
	if client == nil {
		return nil, fmt.Errorf("stream coordinator requires a redis client")
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Coordinator{
		client: client,
		logger: logger,
		now:    time.Now,
		sleep:  sleepCtx,
	}, nil
}

// WithClock replaces the time and sleep sources, for tests.
func (c *Coordinator) WithClock(now func() time.Time, sleep func(ctx context.Context, d time.Duration) error) *Coordinator {
	if now != nil {
		c.now = now
	}
	if sleep != nil {
		c.sleep = sleep
	}
	return c
}

// EnsureGroup creates the consumer group on the stream, creating the
// stream itself when absent. A group that already exists is success.
func (c *Coordinator) EnsureGroup(ctx context.Context, stream, group string) error {
	err := c.client.XGroupCreateMkStream(ctx, stream, group, "0").Err()
	if err == nil {
		return nil
	}
	if strings.Contains(err.Error(), "BUSYGROUP") {
		return nil
	}
	return opErr("ensure group", stream, err)
}

// Publish appends one result entry to the stream.
func (c *Coordinator) Publish(ctx context.Context, stream string, fields map[string]any) error {
	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Err(); err != nil {
		return opErr("publish", stream, err)
	}
	return nil
}

// PublishCompletion appends the terminal marker entry. The marker is
// written once per stream and never retracted.
func (c *Coordinator) PublishCompletion(ctx context.Context, stream string, summary CompletionSummary) error {
	fields := map[string]any{
		"type":          completionType,
		"module":        summary.Module,
		"total_results": strconv.Itoa(summary.TotalResults),
		"timestamp":     c.now().UTC().Format(time.RFC3339),
	}
	if err := c.client.XAdd(ctx, &redis.XAddArgs{Stream: stream, Values: fields}).Err(); err != nil {
		return opErr("publish completion", stream, err)
	}
	return nil
}

// CheckCompletion reports whether the producer has appended its terminal
// marker. Only the newest entry is inspected; ordinary results written
// after the marker would be a producer bug, not something to mask here.
func (c *Coordinator) CheckCompletion(ctx context.Context, stream string) (bool, error) {
	msgs, err := c.client.XRevRangeN(ctx, stream, "+", "-", 1).Result()
	if err != nil {
		return false, opErr("check completion", stream, err)
	}
	if len(msgs) == 0 {
		return false, nil
	}
	typ, _ := msgs[0].Values["type"].(string)
	return typ == completionType, nil
}

// PendingCount returns the number of delivered-but-unacknowledged
// entries for the group. A missing group or stream counts as zero.
func (c *Coordinator) PendingCount(ctx context.Context, stream, group string) (int64, error) {
	pending, err := c.client.XPending(ctx, stream, group).Result()
	if err != nil {
		if err == redis.Nil || strings.Contains(err.Error(), "NOGROUP") {
			return 0, nil
		}
		return 0, opErr("pending count", stream, err)
	}
	return pending.Count, nil
}

// Monitor polls the stream until the completion marker is observed with
// no entries left pending, or until timeout. Context cancellation stops
// the poll and returns the context error.
func (c *Coordinator) Monitor(ctx context.Context, stream, group string, interval, timeout time.Duration) (MonitorResult, error) {
	start := c.now()
	for {
		done, err := c.CheckCompletion(ctx, stream)
		if err != nil {
			return MonitorResult{Elapsed: c.now().Sub(start)}, err
		}
		pending, err := c.PendingCount(ctx, stream, group)
		if err != nil {
			return MonitorResult{Elapsed: c.now().Sub(start)}, err
		}
		if done && pending == 0 {
			return MonitorResult{Complete: true, Elapsed: c.now().Sub(start)}, nil
		}

		elapsed := c.now().Sub(start)
		if elapsed >= timeout {
			c.logger.Warn("stream monitor timed out",
				slog.String("stream", stream),
				slog.Int64("pending", pending),
				slog.Duration("elapsed", elapsed))
			return MonitorResult{TimedOut: true, PendingAtExit: pending, Elapsed: elapsed}, nil
		}
		if err := c.sleep(ctx, interval); err != nil {
			return MonitorResult{PendingAtExit: pending, Elapsed: c.now().Sub(start)}, err
		}
	}
}

// Purge deletes the stream. Retention is the default; callers opt in
// after archival.
func (c *Coordinator) Purge(ctx context.Context, stream string) error {
	if err := c.client.Del(ctx, stream).Err(); err != nil {
		return opErr("purge", stream, err)
	}
	return nil
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
