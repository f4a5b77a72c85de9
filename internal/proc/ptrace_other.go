//go:build !(linux && amd64)

package proc

import "context"

const traceSupported = false

func (e *TraceExecutor) trace(context.Context, string, Observer) error {
	return ErrTracingUnsupported
}
