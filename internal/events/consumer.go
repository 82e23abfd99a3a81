package events

import (
	"context"
	"encoding/json"

	"github.com/segmentio/kafka-go"

	"github.com/juno-kyojin/testcase-app/internal/testjob"
	"github.com/juno-kyojin/testcase-app/pkg/lg"
)

// Consumer tails the event topic and hands each decoded event to a
// handler. Offsets commit only after the handler returns, so a crash
// never skips events; undecodable messages are logged, committed, and
// skipped so one bad producer cannot wedge the group.
type Consumer struct {
	reader *kafka.Reader
	logger lg.Logger
}

func NewConsumer(cfg Config, groupID string, logger lg.Logger) *Consumer {
	if logger == nil {
		logger = lg.Discard
	}
	return &Consumer{
		reader: kafka.NewReader(kafka.ReaderConfig{
			Brokers: cfg.Brokers,
			GroupID: groupID,
			Topic:   cfg.Topic,
		}),
		logger: logger,
	}
}

// Watch blocks, delivering events until ctx is cancelled or the reader
// fails. The ctx error is returned as-is so callers can tell shutdown
// from breakage.
func (c *Consumer) Watch(ctx context.Context, handle func(testjob.Event)) error {
	for {
		msg, err := c.reader.FetchMessage(ctx)
		if err != nil {
			return err
		}

		var ev testjob.Event
		if err := json.Unmarshal(msg.Value, &ev); err != nil {
			c.logger.Warn("skipping undecodable event",
				lg.Int64("offset", msg.Offset),
				lg.Err(err))
		} else {
			handle(ev)
		}

		if err := c.reader.CommitMessages(ctx, msg); err != nil {
			return err
		}
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}
