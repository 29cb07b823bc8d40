package messaging

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/go-playground/validator/v10"
	"github.com/jonboulle/clockwork"
	"golang.org/x/sync/errgroup"

	"github.com/coinnation/kontext-sub005/internal/config"
	"github.com/coinnation/kontext-sub005/internal/core"
	"github.com/coinnation/kontext-sub005/internal/correlator"
	"github.com/coinnation/kontext-sub005/internal/logging"
	"github.com/coinnation/kontext-sub005/internal/ttlcache"
)

// maxDedupKeys bounds the redelivery cache.
const maxDedupKeys = 4096

// Target is the part of the coordinator the intake drives.
type Target interface {
	Start(req core.StartRequest) (core.WorkflowID, bool)
	Admission(projectID string) error
	ObserveFile(projectID string, update correlator.FileUpdate) bool
	CompleteWorkflow(id core.WorkflowID, result core.CompletionResult) bool
}

// Intake consumes the inbound topics and feeds the coordinator. Every message
// is acked once handled; malformed payloads are logged and dropped since a
// redelivery would fail the same way.
type Intake struct {
	subscriber message.Subscriber
	topics     config.TopicsConfig
	target     Target
	surface    *Surface
	seen       *ttlcache.Cache[string, struct{}]
	validate   *validator.Validate
	logger     *logging.Logger
}

// NewIntake creates an intake. surface may be nil when heartbeats are not
// consumed.
func NewIntake(sub message.Subscriber, cfg config.MessagingConfig, target Target, surface *Surface, clock clockwork.Clock, logger *logging.Logger) *Intake {
	return &Intake{
		subscriber: sub,
		topics:     cfg.Topics,
		target:     target,
		surface:    surface,
		seen:       ttlcache.New[string, struct{}](cfg.DedupTTL, maxDedupKeys, clock),
		validate:   validator.New(),
		logger:     logger.WithComponent("intake"),
	}
}

// Run subscribes to every inbound topic and blocks until ctx is done or a
// subscription fails.
func (in *Intake) Run(ctx context.Context) error {
	handlers := map[string]func(*message.Message) error{
		in.topics.Failures:      in.handleFailure,
		in.topics.Files:         in.handleFile,
		in.topics.DeployResults: in.handleDeployResult,
	}
	if in.surface != nil {
		handlers[in.topics.SurfaceReady] = in.handleSurfaceReady
	}

	g, ctx := errgroup.WithContext(ctx)
	for topic, handle := range handlers {
		messages, err := in.subscriber.Subscribe(ctx, topic)
		if err != nil {
			return fmt.Errorf("subscribing to %s: %w", topic, err)
		}
		g.Go(func() error {
			in.consume(ctx, topic, messages, handle)
			return nil
		})
	}
	in.logger.Info("intake running", "topics", len(handlers))
	return g.Wait()
}

func (in *Intake) consume(ctx context.Context, topic string, messages <-chan *message.Message, handle func(*message.Message) error) {
	for {
		select {
		case <-ctx.Done():
			return
		case msg, ok := <-messages:
			if !ok {
				return
			}
			if err := handle(msg); err != nil {
				in.logger.Warn("dropping message",
					"topic", topic,
					"message_uuid", msg.UUID,
					"error", err,
				)
			}
			msg.Ack()
		}
	}
}

func (in *Intake) decode(msg *message.Message, into any) error {
	if err := json.Unmarshal(msg.Payload, into); err != nil {
		return fmt.Errorf("malformed payload: %w", err)
	}
	if err := in.validate.Struct(into); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}
	return nil
}

// dedupKey prefers the producer's key so retries of the same report collapse
// even when the transport assigns new message ids.
func dedupKey(msg *message.Message) string {
	if key := msg.Metadata.Get(MetadataDedupKey); key != "" {
		return key
	}
	return msg.UUID
}

func (in *Intake) handleFailure(msg *message.Message) error {
	if !in.seen.SetIfAbsent(dedupKey(msg), struct{}{}) {
		in.logger.Debug("duplicate failure report ignored", "dedup_key", dedupKey(msg))
		return nil
	}
	var m FailureMessage
	if err := in.decode(msg, &m); err != nil {
		return err
	}
	id, ok := in.target.Start(m.StartRequest())
	if !ok {
		in.logger.WithProject(m.ProjectID).Info("failure not started",
			"reason", in.target.Admission(m.ProjectID))
		return nil
	}
	in.logger.WithProject(m.ProjectID).Debug("failure started workflow", "workflow_id", id)
	return nil
}

func (in *Intake) handleFile(msg *message.Message) error {
	var m FileMessage
	if err := in.decode(msg, &m); err != nil {
		return err
	}
	in.target.ObserveFile(m.ProjectID, m.FileUpdate)
	return nil
}

func (in *Intake) handleDeployResult(msg *message.Message) error {
	var m DeployResultMessage
	if err := in.decode(msg, &m); err != nil {
		return err
	}
	if !in.target.CompleteWorkflow(core.WorkflowID(m.WorkflowID), m.CompletionResult()) {
		in.logger.Debug("deploy result for unknown or finished workflow", "workflow_id", m.WorkflowID)
	}
	return nil
}

func (in *Intake) handleSurfaceReady(msg *message.Message) error {
	var m SurfaceReadyMessage
	if err := in.decode(msg, &m); err != nil {
		return err
	}
	in.surface.Heartbeat(m.SurfaceID)
	return nil
}
