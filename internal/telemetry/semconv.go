// Package telemetry provides OpenTelemetry initialization and semantic
// conventions for gateway observability.
package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Semantic convention attribute keys for gateway-specific telemetry.
// Following OpenTelemetry naming conventions: namespace.attribute_name

const (
	// AttrEngine identifies which execution engine (spot/futures) handled the signal.
	AttrEngine = attribute.Key("engine")
	// AttrAccount captures the exchange account handle behind the metric.
	AttrAccount = attribute.Key("account")
	// AttrSymbol captures the tradable instrument symbol (e.g. BTC-USDT).
	AttrSymbol = attribute.Key("symbol")
	// AttrWorker labels dispatcher metrics with the worker slot index.
	AttrWorker = attribute.Key("worker")
	// AttrCommandType indicates which command (send_order/cancel_order/...) was processed.
	AttrCommandType = attribute.Key("command.type")
	// AttrStatus communicates the terminal status of a command or operation.
	AttrStatus = attribute.Key("status")
	// AttrOrderSide labels order telemetry with buy/sell intent.
	AttrOrderSide = attribute.Key("order.side")
	// AttrOrderType distinguishes limit vs market orders in execution metrics.
	AttrOrderType = attribute.Key("order.type")
	// AttrReconTier labels reconciliation metrics with the pass tier.
	AttrReconTier = attribute.Key("recon.tier")
	// AttrCorrelation records which correlation path matched an import (exchange_id, client_id, fingerprint, none).
	AttrCorrelation = attribute.Key("recon.correlation")
	// AttrOperation differentiates specific adapter operations (submit_order, fetch_trades, ...).
	AttrOperation = attribute.Key("operation")
	// AttrResult records the outcome of an operation (success, error class, etc.).
	AttrResult = attribute.Key("result")
	// AttrEnvironment specifies the deployment environment (dev/prod) for every metric.
	AttrEnvironment = attribute.Key("environment")
	// AttrErrorType categorizes failures by canonical error code.
	AttrErrorType = attribute.Key("error.type")
	// AttrReason provides additional free-form context for errors/rejections.
	AttrReason = attribute.Key("reason")
)

// Correlation path values for recon.correlation.
const (
	CorrelationExchangeID  = "exchange_id"
	CorrelationClientID    = "client_id"
	CorrelationFingerprint = "fingerprint"
	CorrelationNone        = "none"
)

// Helper functions for creating common attribute sets

// CommandAttributes returns attributes for command pipeline metrics.
func CommandAttributes(environment, engine, commandType, status string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEngine.String(engine),
		AttrCommandType.String(commandType),
		AttrStatus.String(status),
	}
}

// AdapterAttributes returns attributes for exchange adapter call metrics.
func AdapterAttributes(environment, engine, operation, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEngine.String(engine),
		AttrOperation.String(operation),
		AttrResult.String(result),
	}
}

// ReconAttributes returns attributes for reconciliation pass metrics.
func ReconAttributes(environment, tier, correlation string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrReconTier.String(tier),
		AttrCorrelation.String(correlation),
	}
}

// ErrorAttributes returns attributes for error metrics.
func ErrorAttributes(environment, errorType, reason string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrErrorType.String(errorType),
		AttrReason.String(reason),
	}
}

// WorkerAttributes returns attributes for dispatcher worker metrics.
func WorkerAttributes(environment, engine, worker string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(environment),
		AttrEngine.String(engine),
		AttrWorker.String(worker),
	}
}
