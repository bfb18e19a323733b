package ingestion

import (
	"context"
	"errors"
	"time"

	"github.com/rs/zerolog"

	"OmniVault/internal/observability"
	"OmniVault/internal/protocol"
	"OmniVault/internal/router"
)

// Dispatcher drains the raw callback channel, parses each message, and
// resolves it against the settlement router. Messages that can never parse
// are ACKed and dropped; transient sink failures are NAKed for redelivery.
type Dispatcher struct {
	router  *router.Router
	events  <-chan RawEvent
	kinds   map[string]string // subject -> callback kind
	metrics *observability.Metrics
	logger  zerolog.Logger
}

func NewDispatcher(r *router.Router, events <-chan RawEvent, subjects []SubjectConfig, metrics *observability.Metrics, logger zerolog.Logger) *Dispatcher {
	kinds := make(map[string]string, len(subjects))
	for _, cfg := range subjects {
		kinds[cfg.Subject] = cfg.Kind
	}
	return &Dispatcher{
		router:  r,
		events:  events,
		kinds:   kinds,
		metrics: metrics,
		logger:  logger.With().Str("component", "callback_dispatcher").Logger(),
	}
}

// Run processes callbacks until the context is cancelled or the channel
// closes.
func (d *Dispatcher) Run(ctx context.Context) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case raw, ok := <-d.events:
			if !ok {
				return nil
			}
			d.handle(raw)
		}
	}
}

func (d *Dispatcher) handle(raw RawEvent) {
	if d.metrics != nil {
		d.metrics.CallbacksReceived.WithLabelValues(raw.Subject).Inc()
	}

	kind, ok := d.kinds[raw.Subject]
	if !ok {
		d.reject(raw, "unknown_subject")
		d.logger.Warn().Str("subject", raw.Subject).Msg("Callback on unmapped subject, dropping")
		raw.AckFunc()
		return
	}

	cb, err := ParseCallback(raw, kind)
	if err != nil {
		// Malformed payloads never improve on redelivery.
		d.reject(raw, "parse")
		d.logger.Warn().Err(err).Str("subject", raw.Subject).Msg("Callback parse failed, dropping")
		raw.AckFunc()
		return
	}

	err = d.router.HandleCallback(cb.PluginID, cb.Category, cb.Key, cb.Outcome, cb.Result)
	switch {
	case err == nil:
		if d.metrics != nil {
			d.metrics.IngestToApply.WithLabelValues(cb.Category.String()).Observe(time.Since(raw.Timestamp).Seconds())
		}
		raw.AckFunc()

	case errors.Is(err, protocol.ErrUnauthorized):
		// Unknown or revoked plugin ID: redelivery cannot help.
		d.reject(raw, "unauthorized")
		d.logger.Warn().Err(err).
			Uint8("plugin_id", cb.PluginID).
			Str("key", string(cb.Key)).
			Msg("Callback from unauthorized handler, dropping")
		raw.AckFunc()

	default:
		d.reject(raw, "apply")
		d.logger.Error().Err(err).
			Str("category", cb.Category.String()).
			Str("key", string(cb.Key)).
			Msg("Callback apply failed, requesting redelivery")
		raw.NakFunc()
	}
}

func (d *Dispatcher) reject(raw RawEvent, reason string) {
	if d.metrics != nil {
		d.metrics.CallbacksRejected.WithLabelValues(raw.Subject, reason).Inc()
	}
}
