package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys attached to engine metrics.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrExchange    = attribute.Key("exchange")
	AttrEndpoint    = attribute.Key("endpoint")
	AttrSymbol      = attribute.Key("symbol")
	AttrSide        = attribute.Key("side")
	AttrOperation   = attribute.Key("operation")
	AttrResult      = attribute.Key("result")
	AttrStatus      = attribute.Key("status")
	AttrErrorType   = attribute.Key("error.type")
)

// Result values.
const (
	ResultSuccess = "success"
	ResultError   = "error"
)

// ExchangeAttributes returns the base attributes for per-venue metrics.
func ExchangeAttributes(exchange string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrExchange.String(exchange),
	}
}

// RequestAttributes returns attributes for a venue REST call.
func RequestAttributes(exchange, endpoint, result string) []attribute.KeyValue {
	return append(ExchangeAttributes(exchange),
		AttrEndpoint.String(endpoint),
		AttrResult.String(result),
	)
}

// OrderAttributes returns attributes for order lifecycle metrics.
func OrderAttributes(exchange, symbol, side string) []attribute.KeyValue {
	return append(ExchangeAttributes(exchange),
		AttrSymbol.String(symbol),
		AttrSide.String(side),
	)
}

// OperationResultAttributes returns attributes for operation metrics with result classification.
func OperationResultAttributes(exchange, operation, result string) []attribute.KeyValue {
	return append(ExchangeAttributes(exchange),
		AttrOperation.String(operation),
		AttrResult.String(result),
	)
}

// ResultOf classifies an error into a result label.
func ResultOf(err error) string {
	if err != nil {
		return ResultError
	}
	return ResultSuccess
}
