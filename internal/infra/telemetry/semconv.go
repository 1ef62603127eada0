// Package telemetry wires OpenTelemetry metrics and the attribute conventions used by mt5desk.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys. Following OpenTelemetry naming conventions: namespace.attribute_name
const (
	// AttrEnvironment specifies the deployment environment (dev/staging/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrAction names the dispatched account action (create_account, deposit, ...).
	AttrAction = attribute.Key("action")
	// AttrOutcome records how a dispatched action ended.
	AttrOutcome = attribute.Key("outcome")
	// AttrOwnership labels demo vs real accounts.
	AttrOwnership = attribute.Key("account.ownership")
	// AttrMarket labels the account market group.
	AttrMarket = attribute.Key("account.market")
	AttrErrorCategory = attribute.Key("error.category")
	// AttrTopic names the request topic sent over the channel.
	AttrTopic = attribute.Key("message.topic")
	// AttrResult records the outcome of an operation.
	AttrResult = attribute.Key("result")
	// AttrConnectionState labels connection lifecycle signals (connected, reconnecting, ...).
	AttrConnectionState = attribute.Key("connection.state")
)

// Metric names.
const (
	MetricSubmissions      = "mt5desk.dispatcher.submissions"
	MetricInFlightRejected = "mt5desk.dispatcher.inflight_rejections"
	MetricSubmitDuration   = "mt5desk.dispatcher.submit.duration"
	MetricReconciliations  = "mt5desk.reconciler.passes"
	MetricOmittedRecords   = "mt5desk.reconciler.omitted_records"
	MetricChannelRequests  = "mt5desk.channel.requests"
	MetricChannelDuration  = "mt5desk.channel.request.duration"
	MetricConnections      = "mt5desk.channel.connections"
	MetricDBPoolTotal      = "mt5desk.db.pool.connections.total"
	MetricDBPoolIdle       = "mt5desk.db.pool.connections.idle"
	MetricDBPoolAcquired   = "mt5desk.db.pool.connections.acquired"
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// SubmissionAttributes returns attributes for dispatcher submission metrics.
func SubmissionAttributes(environment, action, outcome, category string) []attribute.KeyValue {
	attrs := []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrAction.String(action),
		AttrOutcome.String(outcome),
	}
	if category != "" {
		attrs = append(attrs, AttrErrorCategory.String(category))
	}
	return attrs
}

// AccountAttributes labels the account slot an operation targeted. Empty values are omitted.
func AccountAttributes(ownership, market string) []attribute.KeyValue {
	var attrs []attribute.KeyValue
	if ownership != "" {
		attrs = append(attrs, AttrOwnership.String(ownership))
	}
	if market != "" {
		attrs = append(attrs, AttrMarket.String(market))
	}
	return attrs
}

// ChannelAttributes returns attributes for channel request metrics.
func ChannelAttributes(environment, topic, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrTopic.String(topic),
		AttrResult.String(result),
	}
}

// ConnectionAttributes returns attributes for connection state metrics.
func ConnectionAttributes(environment, state string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrConnectionState.String(state),
	}
}

// ResultAttributes returns attributes for operations that only succeed or fail.
func ResultAttributes(environment, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrResult.String(result),
	}
}
