package chatvault

import (
	"context"
	"log/slog"
)

// DiscardHandler drops every record. Services default to it so logging is
// strictly opt-in via the With…Logger options.
var DiscardHandler slog.Handler = discardHandler{}

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }
