package supervisor

import "go.opentelemetry.io/otel"

const scopeName = "github.com/ent0n29/voxpipe/internal/supervisor"

var tracer = otel.Tracer(scopeName)
