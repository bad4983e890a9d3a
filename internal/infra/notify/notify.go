// Package notify delivers operator notifications to logs, Kafka and email.
package notify

import (
	"context"
	"sort"
	"time"

	"github.com/coachpo/tradeplane/internal/domain/notification"
	"github.com/coachpo/tradeplane/internal/observability"
	"github.com/coachpo/tradeplane/lib/async"
)

var severity = map[notification.Level]int{
	notification.LevelInfo:     0,
	notification.LevelWarning:  1,
	notification.LevelCritical: 2,
}

// AtLeast reports whether level is as severe as floor. Unknown levels count as info.
func AtLeast(level, floor notification.Level) bool {
	return severity[level] >= severity[floor]
}

func stamp(msg notification.Message) notification.Message {
	if msg.Created.IsZero() {
		msg.Created = time.Now().UTC()
	}
	return msg
}

// Log writes notifications to the structured logger.
type Log struct{}

// Notify implements notification.Notifier.
func (Log) Notify(_ context.Context, msg notification.Message) error {
	fields := []observability.Field{
		observability.F("level", string(msg.Level)),
		observability.F("body", msg.Body),
	}
	keys := make([]string, 0, len(msg.Fields))
	for k := range msg.Fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		fields = append(fields, observability.F(k, msg.Fields[k]))
	}
	log := observability.Log()
	switch msg.Level {
	case notification.LevelCritical:
		log.Error(msg.Title, fields...)
	case notification.LevelWarning:
		log.Warn(msg.Title, fields...)
	default:
		log.Info(msg.Title, fields...)
	}
	return nil
}

// Multi fans a message out to every notifier and joins the failures.
type Multi []notification.Notifier

// Notify implements notification.Notifier.
func (m Multi) Notify(ctx context.Context, msg notification.Message) error {
	msg = stamp(msg)
	var failures []error
	for _, n := range m {
		if n == nil {
			continue
		}
		if err := n.Notify(ctx, msg); err != nil {
			failures = append(failures, err)
		}
	}
	return observability.AggregateErrors("notify", failures, observability.F("title", msg.Title))
}

// Filtered forwards only messages at or above Min.
type Filtered struct {
	Next notification.Notifier
	Min  notification.Level
}

// Notify implements notification.Notifier.
func (f Filtered) Notify(ctx context.Context, msg notification.Message) error {
	if f.Next == nil || !AtLeast(msg.Level, f.Min) {
		return nil
	}
	return f.Next.Notify(ctx, msg)
}

// Async hands delivery to a worker pool so slow transports never hold up trading.
// A full queue drops the message with a warning.
type Async struct {
	Next notification.Notifier
	Pool *async.Pool
}

// Notify implements notification.Notifier. Delivery failures surface in the pool's log.
func (a Async) Notify(ctx context.Context, msg notification.Message) error {
	if a.Next == nil {
		return nil
	}
	msg = stamp(msg)
	next := a.Next
	// delivery outlives the caller's deadline
	if err := a.Pool.Submit(context.WithoutCancel(ctx), func(ctx context.Context) error {
		return next.Notify(ctx, msg)
	}); err != nil {
		observability.Log().Warn("notification dropped", observability.F("title", msg.Title), observability.Err(err))
		return err
	}
	return nil
}
