// Package sink holds the downstream consumers of canonical sensor state.
// Every sink implements mirror.Sink and is driven by a mirror.Fanout worker,
// so Write is never called concurrently for the same sink.
package sink

import (
	"time"

	"github.com/alimk/ecowatch-sync/pkg/mirror"
)

// observedAt is the reading's own timestamp, or the batch time when the
// backend omitted it.
func observedAt(v mirror.SensorView, b mirror.Batch) time.Time {
	if !v.Timestamp.IsZero() {
		return v.Timestamp.UTC()
	}
	if !b.At.IsZero() {
		return b.At.UTC()
	}
	return time.Now().UTC()
}
