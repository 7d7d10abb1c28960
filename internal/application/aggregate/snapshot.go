package aggregate

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/lllypuk/eventflow/internal/application/appcore"
	"github.com/lllypuk/eventflow/internal/domain/errs"
)

// SnapshotPolicy decides when the runtime captures folded state.
// Zero values disable the corresponding rule.
type SnapshotPolicy struct {
	// EveryEvents captures when a commit crosses a multiple of EveryEvents.
	EveryEvents int

	// MaxAge captures when the snapshot the command started from is older than MaxAge.
	MaxAge time.Duration
}

// ShouldCapture reports whether a commit moving the stream from prevVersion to
// newVersion should be followed by a snapshot. lastCapturedAt is zero when the
// command did not start from a snapshot.
func (p SnapshotPolicy) ShouldCapture(prevVersion, newVersion int, lastCapturedAt, now time.Time) bool {
	if newVersion <= prevVersion {
		return false
	}
	if p.EveryEvents > 0 && newVersion/p.EveryEvents > prevVersion/p.EveryEvents {
		return true
	}
	return p.MaxAge > 0 && !lastCapturedAt.IsZero() && now.Sub(lastCapturedAt) >= p.MaxAge
}

// loadSnapshot returns the snapshot state, or the initial state when no usable snapshot exists.
func (r *Runtime[S, E]) loadSnapshot(ctx context.Context, id string) rehydrated[S] {
	initial := rehydrated[S]{state: r.def.Initial(id)}
	if r.cfg.snapshots == nil {
		return initial
	}

	snap, err := r.cfg.snapshots.Load(ctx, id)
	switch {
	case errors.Is(err, errs.ErrNotFound):
		r.countSnapshotRead("miss")
		return initial
	case err != nil:
		r.countSnapshotRead("error")
		r.cfg.logger.WarnContext(ctx, "failed to read snapshot, replaying full stream",
			slog.String("aggregate_id", id),
			slog.String("error", err.Error()),
		)
		return initial
	case snap.AggregateType != r.def.AggregateType || snap.SchemaVersion != r.def.StateSchemaVersion:
		r.countSnapshotRead("stale")
		r.cfg.logger.InfoContext(ctx, "ignoring snapshot with outdated schema",
			slog.String("aggregate_id", id),
			slog.Int("snapshot_schema", snap.SchemaVersion),
			slog.Int("current_schema", r.def.StateSchemaVersion),
		)
		return initial
	}

	state := r.def.Initial(id)
	if err = json.Unmarshal(snap.State, &state); err != nil {
		r.countSnapshotRead("stale")
		r.cfg.logger.WarnContext(ctx, "ignoring unreadable snapshot",
			slog.String("aggregate_id", id),
			slog.String("error", err.Error()),
		)
		return initial
	}

	r.countSnapshotRead("hit")
	return rehydrated[S]{state: state, version: snap.Version, snapshotAt: snap.CapturedAt}
}

// discardSnapshot drops a snapshot that is ahead of the persisted stream.
func (r *Runtime[S, E]) discardSnapshot(ctx context.Context, id string, snapshotVersion, persisted int) {
	r.countSnapshotRead("stale")
	r.cfg.logger.WarnContext(ctx, "discarding snapshot ahead of the event stream",
		slog.String("aggregate_id", id),
		slog.Int("snapshot_version", snapshotVersion),
		slog.Int("stream_version", persisted),
	)
	if err := r.cfg.snapshots.Delete(ctx, id); err != nil {
		r.cfg.logger.WarnContext(ctx, "failed to delete snapshot",
			slog.String("aggregate_id", id),
			slog.String("error", err.Error()),
		)
	}
}

func (r *Runtime[S, E]) countSnapshotRead(result string) {
	if r.cfg.metrics != nil {
		r.cfg.metrics.SnapshotReads.WithLabelValues(result).Inc()
	}
}

// maybeSnapshot captures state after a commit when the policy asks for it.
// Failures are logged and never reach the caller.
func (r *Runtime[S, E]) maybeSnapshot(ctx context.Context, id string, from rehydrated[S], version int, state S) {
	if r.cfg.snapshots == nil {
		return
	}
	now := r.cfg.clock.Now().UTC()
	if !r.cfg.policy.ShouldCapture(from.version, version, from.snapshotAt, now) {
		return
	}

	data, err := json.Marshal(state)
	if err != nil {
		r.cfg.logger.WarnContext(ctx, "failed to encode snapshot",
			slog.String("aggregate_id", id),
			slog.String("error", err.Error()),
		)
		return
	}

	snap := appcore.Snapshot{
		AggregateID:   id,
		AggregateType: r.def.AggregateType,
		Version:       version,
		SchemaVersion: r.def.StateSchemaVersion,
		State:         data,
		CapturedAt:    now,
	}
	if err = r.cfg.snapshots.Save(ctx, snap); err != nil {
		r.cfg.logger.WarnContext(ctx, "failed to save snapshot",
			slog.String("aggregate_id", id),
			slog.Int("version", version),
			slog.String("error", err.Error()),
		)
		return
	}
	if r.cfg.metrics != nil {
		r.cfg.metrics.SnapshotsWritten.Inc()
	}
}

// Snapshot captures the current state of id regardless of policy.
func (r *Runtime[S, E]) Snapshot(ctx context.Context, id string) (appcore.Snapshot, error) {
	if r.cfg.snapshots == nil {
		return appcore.Snapshot{}, errors.New("snapshots are not configured")
	}
	loaded, err := r.rehydrate(ctx, id)
	if err != nil {
		return appcore.Snapshot{}, err
	}
	if loaded.version == 0 {
		return appcore.Snapshot{}, errs.ErrNotFound
	}

	data, err := json.Marshal(loaded.state)
	if err != nil {
		return appcore.Snapshot{}, err
	}
	snap := appcore.Snapshot{
		AggregateID:   id,
		AggregateType: r.def.AggregateType,
		Version:       loaded.version,
		SchemaVersion: r.def.StateSchemaVersion,
		State:         data,
		CapturedAt:    r.cfg.clock.Now().UTC(),
	}
	if err = r.cfg.snapshots.Save(ctx, snap); err != nil {
		return appcore.Snapshot{}, err
	}
	return snap, nil
}
