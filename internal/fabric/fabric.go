// Package fabric implements the Message Fabric contract over NATS
// JetStream: topic-routed dispatch and results channels with durable
// at-least-once delivery and dead-lettering after N redeliveries.
package fabric

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	nats "github.com/nats-io/nats.go"

	"github.com/flowmesh/workflowcore/internal/model"
	"github.com/flowmesh/workflowcore/internal/natsctx"
)

const (
	streamDispatch = "WORKFLOW_DISPATCH"
	streamResults  = "WORKFLOW_RESULTS"
	subjectDeadLetter = "deadletter.workflow"
)

// Fabric wraps a JetStream context with the subject conventions and
// dead-letter policy from the external interfaces table.
type Fabric struct {
	conn            *nats.Conn
	js              nats.JetStreamContext
	deadLetterAfter int
	logger          *slog.Logger
}

// Connect dials the NATS URL, ensures the dispatch/results streams exist,
// and returns a Fabric bound to deadLetterAfter redeliveries.
func Connect(url string, deadLetterAfter int) (*Fabric, error) {
	nc, err := nats.Connect(url,
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("fabric: connect %s: %w", url, err)
	}
	js, err := nc.JetStream()
	if err != nil {
		nc.Close()
		return nil, fmt.Errorf("fabric: jetstream context: %w", err)
	}
	f := &Fabric{conn: nc, js: js, deadLetterAfter: deadLetterAfter, logger: slog.Default().With("component", "fabric")}
	if err := f.ensureStreams(); err != nil {
		nc.Close()
		return nil, err
	}
	return f, nil
}

func (f *Fabric) ensureStreams() error {
	streams := []struct {
		name     string
		subjects []string
	}{
		{streamDispatch, []string{"task.>"}},
		{streamResults, []string{"result.>"}},
		{"WORKFLOW_DEADLETTER", []string{subjectDeadLetter + ".>"}},
	}
	for _, s := range streams {
		_, err := f.js.StreamInfo(s.name)
		if err == nil {
			continue
		}
		_, err = f.js.AddStream(&nats.StreamConfig{
			Name:     s.name,
			Subjects: s.subjects,
			Storage:  nats.FileStorage,
			Retention: nats.WorkQueuePolicy,
		})
		if err != nil {
			return fmt.Errorf("fabric: add stream %s: %w", s.name, err)
		}
	}
	return nil
}

// Close drains and closes the underlying connection.
func (f *Fabric) Close() { f.conn.Drain() } //nolint:errcheck

// dispatchSubject is the routing key an Executor binds to for its
// executor_type, per the routing-keys table.
func dispatchSubject(executorType string) string { return "task." + executorType }

// capabilitySubject additionally routes by a required capability.
func capabilitySubject(capability string) string { return "task.cap." + capability }

// resultSubject is the routing key used for publishing a task's result.
func resultSubject(executorType string) string { return "result." + executorType }

// PublishDispatch publishes a dispatch envelope to its executor_type subject
// and to every required capability subject.
func (f *Fabric) PublishDispatch(ctx context.Context, env model.DispatchEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := natsctx.Publish(ctx, f.js, dispatchSubject(env.ExecutorType), data); err != nil {
		return fmt.Errorf("fabric: publish dispatch: %w", err)
	}
	for _, capability := range env.Capabilities {
		if _, err := natsctx.Publish(ctx, f.js, capabilitySubject(capability), data); err != nil {
			f.logger.Warn("capability publish failed", "capability", capability, "error", err)
		}
	}
	return nil
}

// PublishResult publishes a result envelope to its executor_type's results
// subject.
func (f *Fabric) PublishResult(ctx context.Context, env model.ResultEnvelope) error {
	data, err := json.Marshal(env)
	if err != nil {
		return err
	}
	if _, err := natsctx.Publish(ctx, f.js, resultSubject(env.ExecutorType), data); err != nil {
		return fmt.Errorf("fabric: publish result: %w", err)
	}
	return nil
}

// DispatchHandler is invoked per delivered dispatch envelope. Returning nil
// acks the message; returning an error naks it for redelivery.
type DispatchHandler func(ctx context.Context, env model.DispatchEnvelope) error

// ConsumeDispatch creates (or binds to) a durable pull consumer for the
// given executor_type subject and delivers messages to handler until ctx is
// cancelled. Messages redelivered more than deadLetterAfter times are
// published to the dead-letter subject with the original envelope preserved
// instead of being retried forever.
func (f *Fabric) ConsumeDispatch(ctx context.Context, executorID, executorType string, handler DispatchHandler) error {
	durable := "executor-" + executorType
	sub, err := f.js.PullSubscribe(dispatchSubject(executorType), durable, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("fabric: pull subscribe %s: %w", executorType, err)
	}
	defer sub.Unsubscribe() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			f.logger.Warn("fetch error", "executor_type", executorType, "error", err)
			continue
		}
		for _, msg := range msgs {
			f.handleOne(ctx, msg, handler)
		}
	}
}

// shouldDeadLetter reports whether a message redelivered this many times
// should be routed to the dead-letter subject instead of retried again.
func shouldDeadLetter(delivered, deadLetterAfter int) bool {
	return delivered > deadLetterAfter
}

func (f *Fabric) handleOne(ctx context.Context, msg *nats.Msg, handler DispatchHandler) {
	meta, _ := msg.Metadata()
	if meta != nil && shouldDeadLetter(int(meta.NumDelivered), f.deadLetterAfter) {
		f.logger.Warn("dead-lettering message", "subject", msg.Subject, "deliveries", meta.NumDelivered)
		f.js.Publish(subjectDeadLetter+"."+msg.Subject, msg.Data) //nolint:errcheck
		msg.Ack()                                                //nolint:errcheck
		return
	}
	natsctx.Consume("fabric.dispatch.handle", msg, func(ctx context.Context, m *nats.Msg) {
		var env model.DispatchEnvelope
		if err := json.Unmarshal(m.Data, &env); err != nil {
			f.logger.Error("malformed dispatch envelope", "error", err)
			m.Ack() //nolint:errcheck
			return
		}
		if err := handler(ctx, env); err != nil {
			m.Nak() //nolint:errcheck
			return
		}
		m.Ack() //nolint:errcheck
	})
}

// ResultHandler is invoked per delivered result envelope.
type ResultHandler func(ctx context.Context, env model.ResultEnvelope) error

// ConsumeResults creates (or binds to) a durable pull consumer for a
// result subject and delivers messages to handler until ctx is cancelled.
func (f *Fabric) ConsumeResults(ctx context.Context, executorType string, handler ResultHandler) error {
	durable := "evaluator-" + executorType
	sub, err := f.js.PullSubscribe(resultSubject(executorType), durable, nats.ManualAck())
	if err != nil {
		return fmt.Errorf("fabric: pull subscribe results %s: %w", executorType, err)
	}
	defer sub.Unsubscribe() //nolint:errcheck

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		msgs, err := sub.Fetch(1, nats.MaxWait(2*time.Second))
		if err != nil {
			if err == nats.ErrTimeout {
				continue
			}
			f.logger.Warn("fetch error", "executor_type", executorType, "error", err)
			continue
		}
		for _, msg := range msgs {
			meta, _ := msg.Metadata()
			if meta != nil && shouldDeadLetter(int(meta.NumDelivered), f.deadLetterAfter) {
				f.js.Publish(subjectDeadLetter+"."+msg.Subject, msg.Data) //nolint:errcheck
				msg.Ack()                                                //nolint:errcheck
				continue
			}
			natsctx.Consume("fabric.result.handle", msg, func(ctx context.Context, m *nats.Msg) {
				var env model.ResultEnvelope
				if err := json.Unmarshal(m.Data, &env); err != nil {
					f.logger.Error("malformed result envelope", "error", err)
					m.Ack() //nolint:errcheck
					return
				}
				if err := handler(ctx, env); err != nil {
					m.Nak() //nolint:errcheck
					return
				}
				m.Ack() //nolint:errcheck
			})
		}
	}
}
