package service

import (
	"context"
	"errors"
	"time"

	"ctfgate/internal/instance/metrics"
	"ctfgate/internal/instance/model"
	"ctfgate/internal/instance/repository"
	"ctfgate/internal/instance/runtime"
	"ctfgate/pkg/utils/logger"

	"go.uber.org/zap"
)

type ReconcilerConfig struct {
	Interval time.Duration
	// OrphanGrace must exceed the launch timeout so in-flight launches are not collected.
	OrphanGrace time.Duration
}

// SweepStats summarizes one reconcile pass.
type SweepStats struct {
	Checked        int
	Reclaimed      int
	OrphansRemoved int
}

// Reconciler keeps the registry and the runtime in agreement.
type Reconciler struct {
	registry repository.Registry
	runtime  runtime.Runtime
	events   EventPublisher
	cfg      ReconcilerConfig
	now      func() time.Time
}

func NewReconciler(registry repository.Registry, rt runtime.Runtime, events EventPublisher, cfg ReconcilerConfig) *Reconciler {
	if events == nil {
		events = NewNoopEventPublisher()
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	if cfg.OrphanGrace <= 0 {
		cfg.OrphanGrace = 5 * time.Minute
	}
	return &Reconciler{registry: registry, runtime: rt, events: events, cfg: cfg, now: time.Now}
}

// Run sweeps once and then every interval until ctx is done.
func (r *Reconciler) Run(ctx context.Context) {
	ticker := time.NewTicker(r.cfg.Interval)
	defer ticker.Stop()

	for {
		stats, err := r.Sweep(ctx)
		if err != nil && ctx.Err() == nil {
			logger.Warn(ctx, "instance reconcile failed", zap.Error(err))
		} else if stats.Reclaimed > 0 || stats.OrphansRemoved > 0 {
			logger.Info(ctx, "instance reconcile finished",
				zap.Int("checked", stats.Checked),
				zap.Int("reclaimed", stats.Reclaimed),
				zap.Int("orphans_removed", stats.OrphansRemoved))
		}

		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

// Sweep deletes records whose container stopped and removes managed containers nobody owns.
func (r *Reconciler) Sweep(ctx context.Context) (SweepStats, error) {
	var stats SweepStats

	// Records are listed before containers so every listed record's container is visible below.
	records, err := r.registry.List(ctx)
	if err != nil {
		return stats, err
	}
	containers, err := r.runtime.ListManaged(ctx)
	if err != nil {
		return stats, err
	}
	byRef := make(map[string]runtime.ManagedContainer, len(containers))
	for _, c := range containers {
		byRef[c.ContainerRef] = c
	}

	registered := make(map[string]struct{}, len(records))
	for _, record := range records {
		stats.Checked++
		registered[record.ContainerRef] = struct{}{}
		if c, ok := byRef[record.ContainerRef]; ok && c.Running {
			continue
		}
		reclaimed, err := r.reclaimRecord(ctx, record)
		if err != nil {
			return stats, err
		}
		if reclaimed {
			stats.Reclaimed++
		}
	}

	cutoff := r.now().Add(-r.cfg.OrphanGrace)
	for _, c := range containers {
		if _, ok := registered[c.ContainerRef]; ok {
			continue
		}
		if c.CreatedAt.After(cutoff) {
			continue
		}
		removed, err := r.removeOrphan(ctx, c)
		if err != nil {
			return stats, err
		}
		if removed {
			stats.OrphansRemoved++
		}
	}
	return stats, nil
}

func (r *Reconciler) reclaimRecord(ctx context.Context, record *model.InstanceRecord) (bool, error) {
	deleted, err := r.registry.DeleteIfMatches(ctx, record.Key(), record.ContainerRef)
	if err != nil {
		return false, err
	}
	if err := r.runtime.Remove(ctx, record.ContainerRef); err != nil {
		logger.Warn(ctx, "failed to remove stopped instance container",
			zap.String("container_ref", record.ContainerRef), zap.Error(err))
	}
	if !deleted {
		return false, nil
	}
	metrics.RecordReclaim("sweep")
	logger.Info(ctx, "instance reclaimed",
		zap.String("challenge_id", record.ChallengeID),
		zap.String("container_ref", record.ContainerRef),
		zap.Int("host_port", record.HostPort),
		zap.String("reason", "container not running"))
	r.events.Publish(ctx, model.LifecycleEvent{
		Type:         model.EventReclaimed,
		PrincipalID:  record.PrincipalID,
		ChallengeID:  record.ChallengeID,
		ContainerRef: record.ContainerRef,
		HostPort:     record.HostPort,
		Reason:       "container not running",
	})
	return true, nil
}

func (r *Reconciler) removeOrphan(ctx context.Context, c runtime.ManagedContainer) (bool, error) {
	// The container may have been registered after the record listing.
	if c.PrincipalID != "" && c.ChallengeID != "" {
		record, err := r.registry.FindByKey(ctx, model.InstanceKey{PrincipalID: c.PrincipalID, ChallengeID: c.ChallengeID})
		switch {
		case err == nil && record.ContainerRef == c.ContainerRef:
			return false, nil
		case err != nil && !errors.Is(err, repository.ErrInstanceNotFound):
			return false, err
		}
	}
	if err := r.runtime.Remove(ctx, c.ContainerRef); err != nil {
		logger.Warn(ctx, "failed to remove orphan container",
			zap.String("container_ref", c.ContainerRef), zap.Error(err))
		return false, nil
	}
	metrics.RecordReclaim("orphan")
	logger.Info(ctx, "orphan container removed",
		zap.String("challenge_id", c.ChallengeID),
		zap.String("container_ref", c.ContainerRef))
	r.events.Publish(ctx, model.LifecycleEvent{
		Type:         model.EventOrphanRemoved,
		PrincipalID:  c.PrincipalID,
		ChallengeID:  c.ChallengeID,
		ContainerRef: c.ContainerRef,
		Reason:       "no registry record",
	})
	return true, nil
}
