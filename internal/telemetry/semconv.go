package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Attribute keys shared by feed instruments.
const (
	AttrEnvironment = attribute.Key("environment")
	AttrResult      = attribute.Key("result")
	AttrKind        = attribute.Key("kind")
	AttrSession     = attribute.Key("session")
	AttrPool        = attribute.Key("db_pool")
)

// Result values.
const (
	ResultOK        = "ok"
	ResultFailed    = "failed"
	ResultChanged   = "changed"
	ResultUnchanged = "unchanged"
	ResultRecorded  = "recorded"
)

// ResultAttributes returns the environment and result attributes.
func ResultAttributes(result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrResult.String(result),
	}
}

// KindResultAttributes returns attributes for counters split by kind and result.
func KindResultAttributes(kind, result string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrKind.String(kind),
		AttrResult.String(result),
	}
}

// KindAttributes returns attributes for counters split by kind.
func KindAttributes(kind string) []attribute.KeyValue {
	return []attribute.KeyValue{
		AttrEnvironment.String(Environment()),
		AttrKind.String(kind),
	}
}
