package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

// TracerName — имя tracer'а движка.
const TracerName = "conveyor/engine"

// Tracer возвращает tracer движка из глобального provider'а.
// Без настроенного SDK спаны не экспортируются.
func Tracer() trace.Tracer {
	return otel.Tracer(TracerName)
}
