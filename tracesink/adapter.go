package tracesink

import (
	"context"

	sandbox "github.com/sarnowski/msfailab"
)

// Adapter wraps a Store to satisfy sandbox.TraceSink, translating between
// the root package's typed ids and this package's plain-int64 Record so
// tracesink stays free of a dependency back on sandbox's broader types.
type Adapter struct {
	Store *Store
}

// NewAdapter wraps store as a sandbox.TraceSink.
func NewAdapter(store *Store) Adapter {
	return Adapter{Store: store}
}

// RecordCommand implements sandbox.TraceSink.
func (a Adapter) RecordCommand(ctx context.Context, rec sandbox.CommandTrace) error {
	return a.Store.RecordCommand(ctx, Record{
		WorkspaceId: int64(rec.WorkspaceId),
		ContainerId: int64(rec.ContainerId),
		TrackId:     int64(rec.TrackId),
		CommandId:   string(rec.CommandId),
		CommandText: rec.CommandText,
		FullOutput:  rec.FullOutput,
		Prompt:      rec.Prompt,
	})
}
