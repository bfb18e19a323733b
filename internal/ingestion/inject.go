package ingestion

import (
	"context"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
)

// InjectService lets operators resolve a stuck venue key by hand when the
// venue's webhook relay lost a callback. It feeds the same channel as the
// NATS subscriber so injected callbacks share the dispatcher's code path.
type InjectService struct {
	eventChan chan<- RawEvent
}

func NewInjectService(eventChan chan<- RawEvent) *InjectService {
	return &InjectService{eventChan: eventChan}
}

// InjectSettled fabricates an executed callback for a pending key.
func (s *InjectService) InjectSettled(ctx context.Context, pluginID uint8, category protocol.Category, key protocol.RequestKey, result router.Result) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	var subject string
	var payload []byte
	switch category {
	case protocol.CategoryDeposit:
		subject = "venue.callback.deposit.executed"
		payload = encodeJSON(depositExecutedJSON{
			PluginID:      pluginID,
			Key:           string(key),
			ReceiptAmount: bigOrZero(result.ReceiptAmount),
			TimestampUs:   time.Now().UnixMicro(),
		})
	case protocol.CategoryWithdrawal:
		subject = "venue.callback.withdrawal.executed"
		payload = encodeJSON(withdrawalExecutedJSON{
			PluginID:     pluginID,
			Key:          string(key),
			PayoutToken:  result.PayoutToken,
			PayoutAmount: bigOrZero(result.PayoutAmount),
			TimestampUs:  time.Now().UnixMicro(),
		})
	case protocol.CategoryOrder:
		subject = "venue.callback.order.executed"
		payload = encodeJSON(orderExecutedJSON{
			PluginID:     pluginID,
			Key:          string(key),
			OutputToken:  result.OutputToken,
			OutputAmount: bigOrZero(result.OutputAmount),
			TimestampUs:  time.Now().UnixMicro(),
		})
	default:
		return fmt.Errorf("unknown category %d", category)
	}

	return s.send(ctx, subject, payload)
}

// InjectCancelled fabricates a cancelled callback for a pending key.
func (s *InjectService) InjectCancelled(ctx context.Context, pluginID uint8, category protocol.Category, key protocol.RequestKey, reason string) error {
	if key == "" {
		return fmt.Errorf("key must not be empty")
	}

	var subject string
	switch category {
	case protocol.CategoryDeposit:
		subject = "venue.callback.deposit.cancelled"
	case protocol.CategoryWithdrawal:
		subject = "venue.callback.withdrawal.cancelled"
	case protocol.CategoryOrder:
		subject = "venue.callback.order.cancelled"
	default:
		return fmt.Errorf("unknown category %d", category)
	}

	payload := encodeJSON(cancelledJSON{
		PluginID:    pluginID,
		Key:         string(key),
		Reason:      reason,
		TimestampUs: time.Now().UnixMicro(),
	})
	return s.send(ctx, subject, payload)
}

func (s *InjectService) send(ctx context.Context, subject string, payload []byte) error {
	raw := RawEvent{
		Subject:   subject,
		Data:      payload,
		Timestamp: time.Now(),
		AckFunc:   func() {},
		NakFunc:   func() {},
	}

	select {
	case s.eventChan <- raw:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func encodeJSON(v interface{}) []byte {
	data, _ := json.Marshal(v)
	return data
}

func bigOrZero(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
