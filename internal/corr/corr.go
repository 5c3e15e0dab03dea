// Package corr carries per-call-path correlation attributes explicitly on
// the call path rather than through ambient async-local state. Callers pass
// a Context value alongside a context.Context; library code attaches it to
// log records instead of reaching for a global scoped setter.
package corr

import "log/slog"

// Context is the correlation scope pushed while dispatching one work-queue
// row: who is doing the work (ownerToken), against which tenant store
// (storeID), for which row (rowID), and under which business correlation id
// the caller supplied at enqueue time.
type Context struct {
	CorrelationID string
	OwnerToken    string
	StoreID       string
	RowID         string
	Topic         string
}

// WithRow returns a copy of c scoped to a specific row and topic, leaving
// the owner/store unchanged. Used when a batch dispatch fans out into
// per-row correlation scopes.
func (c Context) WithRow(rowID, topic string) Context {
	c.RowID = rowID
	c.Topic = topic
	return c
}

// LogAttrs renders the populated fields as slog attributes, in the stable
// order callers expect in log output. Empty fields are omitted.
func (c Context) LogAttrs() []any {
	attrs := make([]any, 0, 10)
	if c.CorrelationID != "" {
		attrs = append(attrs, slog.String("correlation_id", c.CorrelationID))
	}
	if c.OwnerToken != "" {
		attrs = append(attrs, slog.String("owner_token", c.OwnerToken))
	}
	if c.StoreID != "" {
		attrs = append(attrs, slog.String("store_id", c.StoreID))
	}
	if c.RowID != "" {
		attrs = append(attrs, slog.String("row_id", c.RowID))
	}
	if c.Topic != "" {
		attrs = append(attrs, slog.String("topic", c.Topic))
	}
	return attrs
}
