package progress

import (
	"context"
	"log/slog"
)

type ctxKey struct{}

// NewContext returns a context carrying rep. The host runtime binds a
// reporter per command before dispatching so handlers never see command ids.
func NewContext(ctx context.Context, rep *Reporter) context.Context {
	return context.WithValue(ctx, ctxKey{}, rep)
}

// FromContext returns the reporter bound to this command. When none is
// present it returns a discard reporter, so handlers can narrate
// unconditionally.
func FromContext(ctx context.Context) *Reporter {
	if rep, ok := ctx.Value(ctxKey{}).(*Reporter); ok && rep != nil {
		return rep
	}
	return NewReporter("", "", nil, nil, slog.New(slog.DiscardHandler))
}
