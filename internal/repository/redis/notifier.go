package redisrepo

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// EntitlementsIssued is published once per order after its entitlements are
// first persisted.
type EntitlementsIssued struct {
	Type           string      `json:"type"`
	OrderID        string      `json:"order_id"`
	EventID        string      `json:"event_id"`
	OwnerUserID    string      `json:"owner_user_id"`
	EntitlementIDs []uuid.UUID `json:"entitlement_ids"`
	TsUnix         int64       `json:"ts_unix"`
}

type EntitlementsPubSub struct {
	rdb     *redis.Client
	channel string
}

func NewEntitlementsPubSub(rdb *redis.Client) *EntitlementsPubSub {
	return &EntitlementsPubSub{
		rdb:     rdb,
		channel: ChannelEntitlements(),
	}
}

func (p *EntitlementsPubSub) PublishIssued(
	ctx context.Context,
	orderID, eventID, ownerUserID string,
	ids []uuid.UUID,
) error {
	msg := EntitlementsIssued{
		Type:           "entitlements_issued",
		OrderID:        orderID,
		EventID:        eventID,
		OwnerUserID:    ownerUserID,
		EntitlementIDs: ids,
		TsUnix:         time.Now().Unix(),
	}

	b, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	return p.rdb.Publish(ctx, p.channel, b).Err()
}

// Subscribe delivers issued notifications to handler until ctx is done.
func (p *EntitlementsPubSub) Subscribe(ctx context.Context, handler func(ctx context.Context, msg EntitlementsIssued)) error {
	sub := p.rdb.Subscribe(ctx, p.channel)
	defer sub.Close()

	ch := sub.Channel(redis.WithChannelSize(256))
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case m, ok := <-ch:
			if !ok {
				return nil
			}
			var ev EntitlementsIssued
			if err := json.Unmarshal([]byte(m.Payload), &ev); err == nil && ev.OrderID != "" {
				handler(ctx, ev)
			}
		}
	}
}
