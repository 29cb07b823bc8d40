package messaging

import (
	"context"
	"encoding/json"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"

	"github.com/coinnation/kontext-sub005/internal/events"
	"github.com/coinnation/kontext-sub005/internal/logging"
)

// LifecyclePublisher forwards coordinator lifecycle events from the
// in-process bus to a topic. Snapshots stay in-process.
type LifecyclePublisher struct {
	publisher message.Publisher
	topic     string
	bus       *events.EventBus
	logger    *logging.Logger
}

// NewLifecyclePublisher creates a forwarder.
func NewLifecyclePublisher(pub message.Publisher, topic string, bus *events.EventBus, logger *logging.Logger) *LifecyclePublisher {
	return &LifecyclePublisher{
		publisher: pub,
		topic:     topic,
		bus:       bus,
		logger:    logger.WithComponent("lifecycle"),
	}
}

// Run forwards events until ctx is done or the bus closes. Terminal events
// come through a priority subscription so a burst of progress events cannot
// push them out of the buffer.
func (p *LifecyclePublisher) Run(ctx context.Context) error {
	progress := p.bus.Subscribe(events.ProgressTypes...)
	defer p.bus.Unsubscribe(progress)
	terminal := p.bus.SubscribePriority(events.TerminalTypes...)
	defer p.release(terminal)

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-terminal:
			if !ok {
				return nil
			}
			p.publish(ev)
		case ev, ok := <-progress:
			if !ok {
				return nil
			}
			p.publish(ev)
		}
	}
}

// release unsubscribes a priority channel while draining it, since a
// publisher blocked on a full priority channel holds the bus lock.
func (p *LifecyclePublisher) release(ch <-chan events.Event) {
	done := make(chan struct{})
	go func() {
		p.bus.Unsubscribe(ch)
		close(done)
	}()
	for range ch {
	}
	<-done
}

func (p *LifecyclePublisher) publish(ev events.Event) {
	if err := p.forward(ev); err != nil {
		p.logger.Warn("lifecycle event not published",
			"event_type", ev.EventType(),
			"workflow_id", ev.WorkflowID(),
			"error", err,
		)
	}
}

func (p *LifecyclePublisher) forward(ev events.Event) error {
	body, err := json.Marshal(ev)
	if err != nil {
		return err
	}
	msg := message.NewMessage("msg-"+watermill.NewULID(), body)
	msg.Metadata.Set(MetadataType, ev.EventType())
	msg.Metadata.Set(MetadataWorkflowID, ev.WorkflowID())
	msg.Metadata.Set(MetadataProjectID, ev.ProjectID())
	return p.publisher.Publish(p.topic, msg)
}
