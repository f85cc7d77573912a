package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds all ledger metrics instruments.
type Metrics struct {
	RequestDuration   metric.Float64Histogram
	AppendDuration    metric.Float64Histogram
	AppendConflicts   metric.Int64Counter
	EntriesAppended   metric.Int64Counter
	BatchesCreated    metric.Int64Counter
	BatchesAnchored   metric.Int64Counter
	VerifyFailures    metric.Int64Counter
	ActiveWSClients   metric.Int64UpDownCounter
	RateLimitRejects  metric.Int64Counter
	IdempotentReplays metric.Int64Counter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.RequestDuration, err = meter.Float64Histogram("memledger.request.duration",
		metric.WithDescription("Gateway request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AppendDuration, err = meter.Float64Histogram("memledger.append.duration",
		metric.WithDescription("Entry append duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.AppendConflicts, err = meter.Int64Counter("memledger.append.conflicts",
		metric.WithDescription("Appends rejected with a conflict"),
	)
	if err != nil {
		return nil, err
	}

	m.EntriesAppended, err = meter.Int64Counter("memledger.entries.appended",
		metric.WithDescription("Entries committed to the ledger"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesCreated, err = meter.Int64Counter("memledger.batches.created",
		metric.WithDescription("Batches created"),
	)
	if err != nil {
		return nil, err
	}

	m.BatchesAnchored, err = meter.Int64Counter("memledger.batches.anchored",
		metric.WithDescription("Batches with anchor references attached"),
	)
	if err != nil {
		return nil, err
	}

	m.VerifyFailures, err = meter.Int64Counter("memledger.verify.failures",
		metric.WithDescription("Integrity violations detected by verification"),
	)
	if err != nil {
		return nil, err
	}

	m.ActiveWSClients, err = meter.Int64UpDownCounter("memledger.ws.clients",
		metric.WithDescription("Currently connected WebSocket clients"),
	)
	if err != nil {
		return nil, err
	}

	m.RateLimitRejects, err = meter.Int64Counter("memledger.ratelimit.rejects",
		metric.WithDescription("Requests rejected by rate limiter"),
	)
	if err != nil {
		return nil, err
	}

	m.IdempotentReplays, err = meter.Int64Counter("memledger.append.replays",
		metric.WithDescription("Appends resolved by idempotency-key replay"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
