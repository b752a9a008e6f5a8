package ingest

import (
	"context"
	"log/slog"
	"time"

	"github.com/segmentio/kafka-go"

	"newsguard/internal/config"
	"newsguard/internal/model"
	"newsguard/internal/normalize"
)

// StartKafka consumes one item per message. The message key, when present,
// is used as the source id for items that do not carry one. Offsets are
// committed only after the pipeline has taken the item.
func StartKafka(ctx context.Context, cfg *config.Manager, parser *Parser, sink Submitter, logger *slog.Logger) {
	current := cfg.Get().Ingest.Kafka
	if !current.Enabled {
		if logger != nil {
			logger.Info("kafka ingest disabled")
		}
		return
	}
	if logger != nil {
		logger.Info("kafka ingest enabled", "brokers", current.Brokers, "topic", current.Topic, "group_id", current.GroupID)
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  current.Brokers,
		Topic:    current.Topic,
		GroupID:  current.GroupID,
		MinBytes: 1e3,
		MaxBytes: 10e6,
	})
	go func() {
		defer reader.Close()
		for {
			m, err := reader.FetchMessage(ctx)
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka fetch error", "err", err)
				}
				if !BackoffSleep(ctx, 500*time.Millisecond) {
					return
				}
				continue
			}
			if it, ok := itemFromMessage(parser, m, cfg.Get(), logger); ok {
				if !Submit(ctx, sink, it, logger) {
					return
				}
			}
			if err := reader.CommitMessages(ctx, m); err != nil {
				if ctx.Err() != nil {
					return
				}
				if logger != nil {
					logger.Warn("kafka commit error", "topic", m.Topic, "offset", m.Offset, "err", err)
				}
			}
		}
	}()
}

func itemFromMessage(parser *Parser, m kafka.Message, cfg *config.Config, logger *slog.Logger) (model.Item, bool) {
	fields, err := parser.ParseLine(string(m.Value))
	if err != nil || fields == nil {
		return model.Item{}, false
	}
	if fields.SourceID == "" && len(m.Key) > 0 {
		fields.SourceID = string(m.Key)
	}
	it, err := normalize.Normalize(*fields, cfg)
	if err != nil {
		if logger != nil {
			logger.Warn("kafka normalize error", "topic", m.Topic, "offset", m.Offset, "err", err)
		}
		return model.Item{}, false
	}
	return it, true
}
