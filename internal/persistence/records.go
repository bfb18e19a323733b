package persistence

import (
	"time"

	"OmniVault/internal/event"
	"OmniVault/internal/protocol"
)

// Record is one event ready for durable storage: the log row plus whatever
// the event implies for the request ledger projection. A request event
// inserts a new request row; a settlement callback resolves an existing one
// by its venue key.
type Record struct {
	Event      EventRow
	NewRequest *RequestRow
	Resolution *RequestResolution
}

// RequestResolution updates a pending request row once its venue key
// reaches a terminal state.
type RequestResolution struct {
	Category string
	VenueKey string
	State    string
	Shares   *string // filled for deferred deposit mints
}

// BuildRecord encodes an event for the log and advances the hash chain.
// Must be called in sequence order: the hasher carries the chain tip.
func BuildRecord(ev event.Event, now time.Time, hasher *StateHasher) Record {
	payload := MarshalPayload(ev)
	seq := ev.SourceSequence()

	prev := hasher.GetPrevHash()
	hash := hasher.ComputeHash(seq, payload)

	rec := Record{
		Event: EventRow{
			Sequence:       seq,
			EventType:      ev.EventType().String(),
			IdempotencyKey: ev.IdempotencyKey(),
			PluginID:       pluginColumn(ev.HandlerID()),
			Payload:        payload,
			StateHash:      hash[:],
			PrevHash:       prev[:],
			Timestamp:      now,
		},
	}

	switch e := ev.(type) {
	case *event.DepositRequested:
		row := &RequestRow{
			RequestID: e.RequestID.String(),
			Category:  protocol.CategoryDeposit.String(),
			Holder:    e.Holder,
			PluginID:  pluginColumn(e.PluginID),
			VenueKey:  keyColumn(e.VenueKey),
			State:     statePending,
			CreatedAt: now,
		}
		if e.Shares != nil {
			// Immediate mint: the request is born settled.
			s := e.Shares.String()
			row.Shares = &s
			row.State = stateSettled
		}
		rec.NewRequest = row

	case *event.WithdrawalRequested:
		shares := e.Shares.String()
		rec.NewRequest = &RequestRow{
			RequestID:   e.RequestID.String(),
			Category:    protocol.CategoryWithdrawal.String(),
			Holder:      e.Holder,
			PluginID:    pluginColumn(e.PluginID),
			VenueKey:    keyColumn(e.VenueKey),
			PayoutToken: &e.PayoutToken,
			Shares:      &shares,
			State:       statePending,
			CreatedAt:   now,
		}

	case *event.OrderSubmitted:
		rec.NewRequest = &RequestRow{
			RequestID: e.RequestID.String(),
			Category:  protocol.CategoryOrder.String(),
			PluginID:  pluginColumn(&e.PluginID),
			VenueKey:  keyColumn(e.VenueKey),
			State:     statePending,
			CreatedAt: now,
		}

	case *event.DepositExecuted:
		res := &RequestResolution{
			Category: protocol.CategoryDeposit.String(),
			VenueKey: string(e.Key),
			State:    stateSettled,
		}
		if e.MintedShares != nil {
			s := e.MintedShares.String()
			res.Shares = &s
		}
		rec.Resolution = res

	case *event.DepositCancelled:
		rec.Resolution = &RequestResolution{
			Category: protocol.CategoryDeposit.String(),
			VenueKey: string(e.Key),
			State:    stateCancelled,
		}

	case *event.WithdrawalExecuted:
		rec.Resolution = &RequestResolution{
			Category: protocol.CategoryWithdrawal.String(),
			VenueKey: string(e.Key),
			State:    stateSettled,
		}

	case *event.WithdrawalCancelled:
		rec.Resolution = &RequestResolution{
			Category: protocol.CategoryWithdrawal.String(),
			VenueKey: string(e.Key),
			State:    stateCancelled,
		}

	case *event.OrderExecuted:
		rec.Resolution = &RequestResolution{
			Category: protocol.CategoryOrder.String(),
			VenueKey: string(e.Key),
			State:    stateSettled,
		}

	case *event.OrderCancelled:
		rec.Resolution = &RequestResolution{
			Category: protocol.CategoryOrder.String(),
			VenueKey: string(e.Key),
			State:    stateCancelled,
		}
	}

	return rec
}

const (
	statePending   = "Pending"
	stateSettled   = "Settled"
	stateCancelled = "Cancelled"
)

func pluginColumn(id *uint8) *int16 {
	if id == nil {
		return nil
	}
	v := int16(*id)
	return &v
}

func keyColumn(key protocol.RequestKey) *string {
	if key == "" {
		return nil
	}
	s := string(key)
	return &s
}
