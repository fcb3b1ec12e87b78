package observability

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/lsm/substrate/internal/ratelimit"
)

// SystemTopic is always enabled and carries lifecycle messages.
const SystemTopic = "substrate"

// AllTopics enables every topic when listed.
const AllTopics = "*"

// Outcomes of TopicLogger.Emit, used as the status label of guest log metrics.
const (
	LogEmitted  = "emitted"
	LogFiltered = "filtered"
	LogDropped  = "dropped"
)

// TopicLogger is the logging sink shared by the host and its guests. Messages
// are emitted only for enabled topics; non-system topics can be rate limited
// so a chatty guest cannot flood the process log.
type TopicLogger struct {
	logger  *TraceLogger
	enabled map[string]struct{}
	all     bool
	limiter *ratelimit.Limiter
	metrics *Metrics
}

// NewTopicLogger creates a sink writing through logger. SystemTopic is
// always enabled. limiter and metrics may be nil.
func NewTopicLogger(logger *slog.Logger, topics []string, limiter *ratelimit.Limiter, metrics *Metrics) *TopicLogger {
	if logger == nil {
		logger = slog.Default()
	}
	l := &TopicLogger{
		logger:  NewTraceLogger(logger),
		enabled: map[string]struct{}{SystemTopic: {}},
		limiter: limiter,
		metrics: metrics,
	}
	for _, t := range topics {
		if t == AllTopics {
			l.all = true
			continue
		}
		l.enabled[t] = struct{}{}
	}
	return l
}

// Enabled reports whether messages for topic are emitted.
func (l *TopicLogger) Enabled(topic string) bool {
	if l.all {
		return true
	}
	_, ok := l.enabled[topic]
	return ok
}

// Topics returns the enabled topics, sorted.
func (l *TopicLogger) Topics() []string {
	topics := make([]string, 0, len(l.enabled)+1)
	for t := range l.enabled {
		topics = append(topics, t)
	}
	if l.all {
		topics = append(topics, AllTopics)
	}
	sort.Strings(topics)
	return topics
}

// Emit logs message under topic if the topic is enabled and within its rate.
func (l *TopicLogger) Emit(ctx context.Context, topic, message string) {
	status := l.emit(ctx, topic, message)
	if l.metrics != nil {
		l.metrics.LogMessages.WithLabelValues(status).Inc()
	}
}

func (l *TopicLogger) emit(ctx context.Context, topic, message string) string {
	if !l.Enabled(topic) {
		return LogFiltered
	}
	if topic != SystemTopic && !l.limiter.Allow(topic) {
		return LogDropped
	}
	l.logger.Info(ctx, message, "topic", topic)
	return LogEmitted
}

// Systemf emits a formatted lifecycle message on SystemTopic.
func (l *TopicLogger) Systemf(format string, args ...any) {
	l.Emit(context.Background(), SystemTopic, fmt.Sprintf(format, args...))
}
