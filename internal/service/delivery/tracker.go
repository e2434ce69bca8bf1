package delivery

import (
	"context"
	"fmt"
	"time"

	"uk.co.dudmesh.relay/internal/model"
)

type Store interface {
	UpdateDeliveryStatus(ctx context.Context, id model.MessageID, recipients []model.UserID, status model.MessageStatus, at time.Time) (int64, error)
	UpdateAggregateStatus(ctx context.Context, id model.MessageID, status model.MessageStatus) (bool, error)
	Deliveries(ctx context.Context, id model.MessageID) ([]model.DeliveryRecord, error)
}

type tracker struct {
	store Store
	now   func() time.Time
}

func New(store Store) *tracker {
	return &tracker{
		store: store,
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Initialize attaches one "sent" record per distinct recipient, skipping the
// sender. The record set is fixed from here on.
func (t *tracker) Initialize(msg *model.Message, recipients []model.UserID) []model.DeliveryRecord {
	seen := make(map[model.UserID]struct{}, len(recipients))
	records := make([]model.DeliveryRecord, 0, len(recipients))
	for _, r := range recipients {
		if r == msg.SenderID {
			continue
		}
		if _, dup := seen[r]; dup {
			continue
		}
		seen[r] = struct{}{}
		records = append(records, model.DeliveryRecord{
			MessageID:   msg.ID,
			RecipientID: r,
			Status:      model.MessageStatusSent,
		})
	}
	msg.Deliveries = records
	msg.Status = model.AggregateStatus(records)
	return records
}

// PromoteDelivered moves sent records to delivered. Records already delivered
// or seen are left alone, so repeating it or racing it against PromoteSeen is
// harmless. It returns the message's aggregate status afterwards.
func (t *tracker) PromoteDelivered(ctx context.Context, id model.MessageID, recipients []model.UserID) (model.MessageStatus, error) {
	if _, err := t.store.UpdateDeliveryStatus(ctx, id, recipients, model.MessageStatusDelivered, t.now()); err != nil {
		return model.MessageStatusSent, fmt.Errorf("promoting %s to delivered: %w", id, err)
	}
	return t.refresh(ctx, id)
}

// PromoteSeen marks the recipient's record seen, filling deliveredAt if the
// delivered step was never recorded.
func (t *tracker) PromoteSeen(ctx context.Context, id model.MessageID, recipient model.UserID) (model.MessageStatus, error) {
	if _, err := t.store.UpdateDeliveryStatus(ctx, id, []model.UserID{recipient}, model.MessageStatusSeen, t.now()); err != nil {
		return model.MessageStatusSent, fmt.Errorf("promoting %s to seen: %w", id, err)
	}
	return t.refresh(ctx, id)
}

func (t *tracker) RecomputeAggregateStatus(records []model.DeliveryRecord) model.MessageStatus {
	return model.AggregateStatus(records)
}

// refresh reloads the records and persists the aggregate. The store only ever
// raises the stored value, so concurrent refreshes settle on the highest.
func (t *tracker) refresh(ctx context.Context, id model.MessageID) (model.MessageStatus, error) {
	records, err := t.store.Deliveries(ctx, id)
	if err != nil {
		return model.MessageStatusSent, err
	}
	status := t.RecomputeAggregateStatus(records)
	if _, err := t.store.UpdateAggregateStatus(ctx, id, status); err != nil {
		return status, fmt.Errorf("storing aggregate status of %s: %w", id, err)
	}
	return status, nil
}
