// Package notification defines the best-effort operator notification contract.
package notification

import (
	"context"
	"strings"
	"time"
)

// Level grades a notification.
type Level string

const (
	LevelInfo     Level = "info"
	LevelWarning  Level = "warning"
	LevelCritical Level = "critical"
)

// ParseLevel maps a configured level name onto a Level.
func ParseLevel(name string) (Level, bool) {
	switch Level(strings.ToLower(strings.TrimSpace(name))) {
	case LevelInfo:
		return LevelInfo, true
	case LevelWarning, "warn":
		return LevelWarning, true
	case LevelCritical:
		return LevelCritical, true
	}
	return "", false
}

// Message is one operator notification.
type Message struct {
	Level   Level
	Title   string
	Body    string
	Fields  map[string]string
	Created time.Time
}

// Notifier delivers messages. Callers log failures and never fail a trade on them.
type Notifier interface {
	Notify(ctx context.Context, msg Message) error
}

// Discard drops every message.
type Discard struct{}

// Notify implements Notifier.
func (Discard) Notify(context.Context, Message) error { return nil }
