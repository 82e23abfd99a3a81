// Package events mirrors job lifecycle events onto a Kafka topic so
// other tooling (dashboards, the resultwatch CLI) can follow a queue
// run live. Events are informational: a lost event never changes a
// job's outcome, so trouble here is logged and swallowed.
package events

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

// Config locates the topic events travel on.
type Config struct {
	Brokers []string
	Topic   string
}

type messageWriter interface {
	WriteMessages(context.Context, ...kafka.Message) error
	Close() error
}

const (
	queueSize    = 256
	writeTimeout = 10 * time.Second
)

// Publisher forwards events from a background goroutine so a slow
// broker never stalls a poll cycle. When the internal queue fills,
// events are dropped with a warning.
type Publisher struct {
	writer messageWriter
	logger lg.Logger
	queue  chan testjob.Event
	done   chan struct{}
}

func NewPublisher(cfg Config, logger lg.Logger) *Publisher {
	if logger == nil {
		logger = lg.Discard
	}
	p := &Publisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(cfg.Brokers...),
			Topic:                  cfg.Topic,
			Balancer:               &kafka.LeastBytes{},
			Async:                  false,
			AllowAutoTopicCreation: true,
		},
		logger: logger,
		queue:  make(chan testjob.Event, queueSize),
		done:   make(chan struct{}),
	}
	go p.pump()
	return p
}

// Sink returns the sink to hand to the delivery engine. Enqueueing
// never blocks.
func (p *Publisher) Sink() testjob.Sink {
	return func(ev testjob.Event) {
		select {
		case p.queue <- ev:
		default:
			p.logger.Warn("event queue full, dropping event", lg.String("kind", string(ev.Kind)))
		}
	}
}

func (p *Publisher) pump() {
	defer close(p.done)
	for ev := range p.queue {
		value, err := json.Marshal(ev)
		if err != nil {
			p.logger.Error("failed to marshal event", lg.Err(err))
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
		err = p.writer.WriteMessages(ctx, kafka.Message{
			Key:   ev.TestID[:],
			Value: value,
			Time:  ev.At,
		})
		cancel()
		if err != nil {
			if errors.Is(err, kafka.UnknownTopicOrPartition) {
				p.logger.Error("Kafka topic does not exist",
					lg.String("action", "create the topic manually or enable auto-creation"))
			}
			p.logger.Warn("failed to publish event",
				lg.String("kind", string(ev.Kind)),
				lg.Err(err))
		}
	}
}

// Close flushes queued events and shuts the writer down. Call it once,
// after the last Sink emission.
func (p *Publisher) Close() error {
	close(p.queue)
	<-p.done
	return p.writer.Close()
}
