package chat

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"groupchat/internal/metrics"
	"groupchat/internal/storage"
	"groupchat/internal/storage/zapadapter"
)

const maxSequenceRetries = 3

// groupLog is the serialization point of one group. last caches the group's last sequence.
type groupLog struct {
	mu     sync.Mutex
	last   int64
	primed bool
}

// Pipeline orders, persists and fans out messages and advances receipts
type Pipeline struct {
	logger   *zap.SugaredLogger
	store    storage.Store
	router   *Router
	registry *Registry
	metrics  *metrics.Metrics
	now      func() time.Time

	mu   sync.Mutex
	logs map[int64]*groupLog
}

func NewPipeline(logger *zap.SugaredLogger, store storage.Store, router *Router, registry *Registry, m *metrics.Metrics) *Pipeline {
	return &Pipeline{
		logger:   logger,
		store:    store,
		router:   router,
		registry: registry,
		metrics:  m,
		now:      time.Now,
		logs:     make(map[int64]*groupLog),
	}
}

// serialize runs fn holding the group's serialization point
func (p *Pipeline) serialize(group int64, fn func(gl *groupLog) error) error {
	p.mu.Lock()
	gl, ok := p.logs[group]
	if !ok {
		gl = &groupLog{}
		p.logs[group] = gl
	}
	p.mu.Unlock()

	gl.mu.Lock()
	defer gl.mu.Unlock()
	return fn(gl)
}

// forget drops cached state of a deleted group
func (p *Pipeline) forget(group int64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.logs, group)
}

// Submit assigns the next group sequence to the message, persists it with a sent receipt per
// recipient and pushes it to every connection joined to the group view
func (p *Pipeline) Submit(ctx context.Context, group, sender int64, content string, clientTS *time.Time) (storage.Message, error) {
	members, err := p.store.Members(ctx, group)
	if err != nil {
		if errors.Is(err, storage.ErrGroupNotExist) {
			return storage.Message{}, ErrUnknownGroup
		}
		return storage.Message{}, p.failed(ctx, group, err)
	}
	if !lo.Contains(members, sender) {
		return storage.Message{}, ErrNotAMember
	}
	recipients := lo.Without(members, sender)

	var msg storage.Message
	err = p.serialize(group, func(gl *groupLog) error {
		for i := 0; i < maxSequenceRetries; i++ {
			if !gl.primed {
				last, err := p.store.LastSequence(ctx, group)
				if err != nil {
					return err
				}
				gl.last = last
				gl.primed = true
			}

			msg = storage.Message{
				ID:              uuid.New(),
				Group:           group,
				Sender:          sender,
				Content:         content,
				Sequence:        gl.last + 1,
				CreatedAt:       p.now().UTC(),
				ClientTimestamp: clientTS,
			}
			err := p.store.AppendMessage(ctx, msg, recipients)
			if errors.Is(err, storage.ErrSequenceConflict) {
				p.logger.Debugf("Sequence %d taken in group (id: %d), repriming", msg.Sequence, group)
				gl.primed = false
				continue
			}
			if err != nil {
				return err
			}

			gl.last = msg.Sequence
			p.fanout(msg)
			return nil
		}
		return storage.ErrSequenceConflict
	})
	if err != nil {
		if errors.Is(err, storage.ErrGroupNotExist) {
			return storage.Message{}, ErrUnknownGroup
		}
		return storage.Message{}, p.failed(ctx, group, err)
	}

	p.metrics.MessageSubmitted()
	return msg, nil
}

func (p *Pipeline) failed(ctx context.Context, group int64, err error) error {
	p.logger.With(fieldArgs(ctx)...).Errorf("Persisting message in group (id: %d): %v", group, err)
	p.metrics.PersistenceFailed()
	return persistenceFailure(err)
}

// fanout pushes message to live recipients. Caller holds the group's serialization point.
func (p *Pipeline) fanout(msg storage.Message) {
	e := Event{Type: EventReceiveMessage, Payload: msg}
	for _, c := range p.router.LiveRecipients(msg.Group) {
		if !c.Push(e) {
			p.logger.Debugf("Dropped message %s for connection %s of user (id: %d)", msg.ID, c.ID, c.UserID)
		}
	}
}

// AcknowledgeDelivered advances the user's receipt of the message to delivered
func (p *Pipeline) AcknowledgeDelivered(ctx context.Context, message uuid.UUID, user int64) (storage.Receipt, error) {
	return p.acknowledge(ctx, message, user, storage.ReceiptDelivered)
}

// AcknowledgeRead advances the user's receipt of the message to read
func (p *Pipeline) AcknowledgeRead(ctx context.Context, message uuid.UUID, user int64) (storage.Receipt, error) {
	return p.acknowledge(ctx, message, user, storage.ReceiptRead)
}

func (p *Pipeline) acknowledge(ctx context.Context, message uuid.UUID, user int64, state storage.ReceiptState) (storage.Receipt, error) {
	r, advanced, err := p.store.AdvanceReceipt(ctx, message, user, state, p.now().UTC())
	switch {
	case errors.Is(err, storage.ErrMessageNotExist):
		return storage.Receipt{}, ErrUnknownMessage
	case errors.Is(err, storage.ErrReceiptNotExist):
		return storage.Receipt{}, ErrNotARecipient
	case err != nil:
		return storage.Receipt{}, persistenceFailure(err)
	}
	if !advanced {
		return r, nil
	}

	p.metrics.ReceiptAdvanced(r.State.String())

	msg, err := p.store.Message(ctx, message)
	if err != nil {
		// receipt is stored, only the notification is lost
		p.logger.Errorf("Loading message %s for status push: %v", message, err)
		return r, nil
	}
	p.notifyStatus(msg, r)
	return r, nil
}

// notifyStatus pushes a receipt transition to the sender's connections and, for reads, to the
// reader's connections
func (p *Pipeline) notifyStatus(msg storage.Message, r storage.Receipt) {
	e := Event{
		Type: EventMessageStatus,
		Payload: StatusPayload{
			MessageID: r.Message,
			GroupID:   msg.Group,
			UserID:    r.User,
			State:     r.State,
			UpdatedAt: r.UpdatedAt,
		},
	}

	targets := p.registry.ConnectionsFor(msg.Sender)
	if r.State == storage.ReceiptRead {
		targets = append(targets, p.registry.ConnectionsFor(r.User)...)
	}
	for _, c := range targets {
		c.Push(e)
	}
}

// Receipts returns receipts of the message
func (p *Pipeline) Receipts(ctx context.Context, message uuid.UUID) ([]storage.Receipt, error) {
	receipts, err := p.store.Receipts(ctx, message)
	if errors.Is(err, storage.ErrMessageNotExist) {
		return nil, ErrUnknownMessage
	}
	if err != nil {
		return nil, persistenceFailure(err)
	}
	return receipts, nil
}

// fieldArgs returns request and connection ids of ctx as sugared logger arguments
func fieldArgs(ctx context.Context) []interface{} {
	return lo.Map(zapadapter.Fields(ctx), func(f zapcore.Field, _ int) interface{} { return f })
}
