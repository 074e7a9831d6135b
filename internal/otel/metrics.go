package otel

import "go.opentelemetry.io/otel/metric"

// Metrics holds the bot's metric instruments.
type Metrics struct {
	MessagesStored   metric.Int64Counter
	RoutingDecisions metric.Int64Counter
	LLMCallDuration  metric.Float64Histogram
	LLMErrors        metric.Int64Counter
	LLMTokens        metric.Int64Counter
	LLMCostUSD       metric.Float64Counter
	SummaryDuration  metric.Float64Histogram
	SummaryFallbacks metric.Int64Counter
	SendRetries      metric.Int64Counter
	SingleFlightBusy metric.Int64Counter
	InFlightHandlers metric.Int64UpDownCounter
}

// NewMetrics creates all metric instruments from the given meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.MessagesStored, err = meter.Int64Counter("wtfbot.messages.stored",
		metric.WithDescription("Inbound chat messages persisted"),
	)
	if err != nil {
		return nil, err
	}

	m.RoutingDecisions, err = meter.Int64Counter("wtfbot.routing.decisions",
		metric.WithDescription("Routing decisions by action and source"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCallDuration, err = meter.Float64Histogram("wtfbot.llm.duration",
		metric.WithDescription("Completion call duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMErrors, err = meter.Int64Counter("wtfbot.llm.errors",
		metric.WithDescription("Failed completion calls by error class"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMTokens, err = meter.Int64Counter("wtfbot.llm.tokens",
		metric.WithDescription("Tokens consumed by direction (input, output)"),
	)
	if err != nil {
		return nil, err
	}

	m.LLMCostUSD, err = meter.Float64Counter("wtfbot.llm.cost",
		metric.WithDescription("Estimated completion cost"),
		metric.WithUnit("USD"),
	)
	if err != nil {
		return nil, err
	}

	m.SummaryDuration, err = meter.Float64Histogram("wtfbot.summary.duration",
		metric.WithDescription("End-to-end summarization duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.SummaryFallbacks, err = meter.Int64Counter("wtfbot.summary.fallbacks",
		metric.WithDescription("Summaries replaced by the local fallback notice"),
	)
	if err != nil {
		return nil, err
	}

	m.SendRetries, err = meter.Int64Counter("wtfbot.send.retries",
		metric.WithDescription("Outbound message send retries"),
	)
	if err != nil {
		return nil, err
	}

	m.SingleFlightBusy, err = meter.Int64Counter("wtfbot.dispatch.busy",
		metric.WithDescription("Requests rejected because the actor key was busy"),
	)
	if err != nil {
		return nil, err
	}

	m.InFlightHandlers, err = meter.Int64UpDownCounter("wtfbot.dispatch.inflight",
		metric.WithDescription("Handlers currently running"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}
