/* Tracing wraps go.opentelemetry.io/otel/trace for setting and retrieving tracers in a context.Context

Instrumentation takes its tracer from the context instead of package global variables.
*/
package tracing
