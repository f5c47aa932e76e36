package ingest

import (
	"context"
	"log/slog"

	"github.com/nats-io/nats.go"

	"github.com/paperatlas/paperatlas/engine/domain"
	"github.com/paperatlas/paperatlas/pkg/natsutil"
)

const (
	// Subject carries raw paper records from scrapers and analyzers.
	Subject = "papers.ingest"
	// DLQSubject receives records that kept failing.
	DLQSubject = "papers.ingest.dlq"
	// MaxRetries before a record goes to the DLQ.
	MaxRetries = 3
)

type dlqMessage struct {
	Record  domain.RawRecord `json:"record"`
	Error   string           `json:"error"`
	Retries int              `json:"retries"`
}

// StartConsumer subscribes the pipeline to the ingest subject. Each
// message carries one raw record; a record that fails its single-record
// run is re-published with an incremented retry header and lands on the
// DLQ after MaxRetries.
func StartConsumer(nc *nats.Conn, p *Pipeline, log *slog.Logger) (*nats.Subscription, error) {
	if log == nil {
		log = slog.Default()
	}

	return natsutil.Subscribe(nc, Subject, func(ctx context.Context, rec domain.RawRecord, msg *nats.Msg) {
		retries := natsutil.Retries(msg)

		stats := p.Run(ctx, []domain.RawRecord{rec}, 1)
		if stats.Inserted == 1 || stats.Skipped == 1 {
			if msg.Reply != "" {
				_ = msg.Ack()
			}
			return
		}

		retries++
		log.Error("record ingest failed",
			"title", rec.Title, "conference", rec.Conference, "retry", retries)

		if retries >= MaxRetries {
			dlq := dlqMessage{Record: rec, Error: "ingest failed", Retries: retries}
			if err := natsutil.Publish(ctx, nc, DLQSubject, dlq); err != nil {
				log.Error("dlq publish failed", "error", err)
			}
		} else {
			if err := natsutil.PublishRetry(ctx, nc, Subject, rec, retries); err != nil {
				log.Error("retry publish failed", "error", err)
			}
		}

		if msg.Reply != "" {
			_ = msg.Ack()
		}
	})
}
