// Package nats implements the message queue port using NATS JetStream.
package nats

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/cscx-ai/agentd/internal/logger"
	"github.com/cscx-ai/agentd/internal/port/messagequeue"
)

const (
	// maxRetries is the number of redeliveries before a failing message is
	// moved to its dead letter subject.
	maxRetries = 3

	headerRetryCount = "Retry-Count"
	headerRequestID  = "Request-Id"
)

// Queue implements messagequeue.Queue using NATS JetStream.
type Queue struct {
	nc *nats.Conn
	js jetstream.JetStream
}

// Connect establishes a connection to NATS and ensures the JetStream stream exists.
func Connect(ctx context.Context, url string) (*Queue, error) {
	nc, err := nats.Connect(url)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream init: %w", err)
	}

	// Ensure the stream exists with subjects matching our topic patterns.
	// Dead letter subjects (<subject>.dlq) fall under the same wildcards.
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name: messagequeue.StreamName,
		Subjects: []string{
			messagequeue.SubjectExecutionsAll,
			messagequeue.SubjectApprovalsAll,
			messagequeue.SubjectBreakersAll,
			messagequeue.SubjectIntentAll,
		},
	})
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("jetstream stream create: %w", err)
	}

	slog.Info("nats connected", "url", url, "stream", messagequeue.StreamName)
	return &Queue{nc: nc, js: js}, nil
}

// Publish sends a message to the given subject. A request ID present in the
// context is carried in a header so consumers can continue the trace.
func (q *Queue) Publish(ctx context.Context, subject string, data []byte) error {
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  nats.Header{},
	}
	if reqID := logger.RequestID(ctx); reqID != "" {
		msg.Header.Set(headerRequestID, reqID)
	}

	if _, err := q.js.PublishMsg(ctx, msg); err != nil {
		return fmt.Errorf("nats publish %s: %w", subject, err)
	}
	return nil
}

// Subscribe registers a handler for messages on the given subject.
//
// Messages are validated before the handler runs; messages that fail
// validation go straight to the dead letter subject. Handler failures are
// retried up to maxRetries times by republishing with an incremented retry
// header, then dead lettered.
func (q *Queue) Subscribe(ctx context.Context, subject string, handler messagequeue.Handler) (func(), error) {
	consumer, err := q.js.CreateOrUpdateConsumer(ctx, messagequeue.StreamName, jetstream.ConsumerConfig{
		FilterSubject: subject,
		AckPolicy:     jetstream.AckExplicitPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("nats consumer create: %w", err)
	}

	cons, err := consumer.Consume(func(msg jetstream.Msg) {
		if err := messagequeue.Validate(msg.Subject(), msg.Data()); err != nil {
			slog.Warn("message failed validation", "subject", msg.Subject(), "error", err)
			q.moveToDLQ(msg)
			return
		}

		msgCtx := context.Background()
		if reqID := msg.Headers().Get(headerRequestID); reqID != "" {
			msgCtx = logger.WithRequestID(msgCtx, reqID)
		}

		if err := handler(msgCtx, msg.Subject(), msg.Data()); err != nil {
			slog.Error("message handler failed", "subject", msg.Subject(), "error", err)
			q.retryOrDLQ(msg)
			return
		}
		if ackErr := msg.Ack(); ackErr != nil {
			slog.Error("nats ack failed", "error", ackErr)
		}
	})
	if err != nil {
		return nil, fmt.Errorf("nats consume: %w", err)
	}

	return cons.Stop, nil
}

// retryOrDLQ republishes a failed message with an incremented retry count,
// or moves it to the dead letter subject once retries are exhausted.
func (q *Queue) retryOrDLQ(msg jetstream.Msg) {
	retries := retryCount(msg.Headers())
	if retries >= maxRetries {
		q.moveToDLQ(msg)
		return
	}

	retry := &nats.Msg{
		Subject: msg.Subject(),
		Data:    msg.Data(),
		Header:  copyHeader(msg.Headers()),
	}
	retry.Header.Set(headerRetryCount, strconv.Itoa(retries+1))

	if _, err := q.js.PublishMsg(context.Background(), retry); err != nil {
		slog.Error("nats retry publish failed", "subject", msg.Subject(), "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

// moveToDLQ publishes the message to its dead letter subject and acks the
// original so it is not redelivered.
func (q *Queue) moveToDLQ(msg jetstream.Msg) {
	dlq := &nats.Msg{
		Subject: msg.Subject() + ".dlq",
		Data:    msg.Data(),
		Header:  copyHeader(msg.Headers()),
	}

	if _, err := q.js.PublishMsg(context.Background(), dlq); err != nil {
		slog.Error("nats dlq publish failed", "subject", dlq.Subject, "error", err)
		if nakErr := msg.Nak(); nakErr != nil {
			slog.Error("nats nak failed", "error", nakErr)
		}
		return
	}

	slog.Warn("message moved to dlq", "subject", dlq.Subject)
	if ackErr := msg.Ack(); ackErr != nil {
		slog.Error("nats ack failed", "error", ackErr)
	}
}

// KeyValue creates or binds the named JetStream key-value bucket with the
// given entry TTL.
func (q *Queue) KeyValue(ctx context.Context, bucket string, ttl time.Duration) (jetstream.KeyValue, error) {
	kv, err := q.js.CreateOrUpdateKeyValue(ctx, jetstream.KeyValueConfig{
		Bucket: bucket,
		TTL:    ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("jetstream kv bucket %s: %w", bucket, err)
	}
	return kv, nil
}

// Drain processes pending messages on all subscriptions, then closes the
// connection.
func (q *Queue) Drain() error {
	if err := q.nc.Drain(); err != nil {
		return fmt.Errorf("nats drain: %w", err)
	}
	return nil
}

// Close shuts down the NATS connection immediately.
func (q *Queue) Close() error {
	q.nc.Close()
	return nil
}

// IsConnected reports whether the underlying connection is up.
func (q *Queue) IsConnected() bool {
	return q.nc.IsConnected()
}

func retryCount(hdrs nats.Header) int {
	n, err := strconv.Atoi(hdrs.Get(headerRetryCount))
	if err != nil {
		return 0
	}
	return n
}

func copyHeader(hdrs nats.Header) nats.Header {
	out := nats.Header{}
	for k, vals := range hdrs {
		for _, v := range vals {
			out.Add(k, v)
		}
	}
	return out
}
