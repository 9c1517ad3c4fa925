package service

import (
	"context"
	"errors"
	"time"

	"ctfgate/internal/instance/metrics"
	"ctfgate/internal/instance/model"
	"ctfgate/internal/instance/repository"
	"ctfgate/internal/instance/runtime"
	pkgerrors "ctfgate/pkg/errors"
	"ctfgate/pkg/utils/logger"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"
)

const (
	defaultLaunchTimeout = 60 * time.Second
	cleanupTimeout       = 30 * time.Second
)

// OrchestratorConfig tunes launch behavior.
type OrchestratorConfig struct {
	// MaxPerPrincipal caps live instances per principal, 0 means unlimited
	MaxPerPrincipal int
	// LaunchTimeout bounds one acquire once it starts talking to the runtime
	LaunchTimeout time.Duration
	// MaxConcurrentLaunches bounds container creations in flight, 0 means unlimited
	MaxConcurrentLaunches int
}

// RoutableInstance is the result of a successful acquire.
type RoutableInstance struct {
	HostPort int
	URL      string
	Reused   bool
}

// Orchestrator launches, reuses and reclaims instances.
type Orchestrator struct {
	registry repository.Registry
	catalog  repository.ChallengeCatalog
	runtime  runtime.Runtime
	locker   LaunchLocker
	events   EventPublisher
	slots    *launchSlots
	cfg      OrchestratorConfig

	group singleflight.Group
}

func NewOrchestrator(
	registry repository.Registry,
	catalog repository.ChallengeCatalog,
	rt runtime.Runtime,
	locker LaunchLocker,
	events EventPublisher,
	cfg OrchestratorConfig,
) *Orchestrator {
	if locker == nil {
		locker = NewNoopLocker()
	}
	if events == nil {
		events = NewNoopEventPublisher()
	}
	if cfg.LaunchTimeout <= 0 {
		cfg.LaunchTimeout = defaultLaunchTimeout
	}
	return &Orchestrator{
		registry: registry,
		catalog:  catalog,
		runtime:  rt,
		locker:   locker,
		events:   events,
		slots:    newLaunchSlots(cfg.MaxConcurrentLaunches),
		cfg:      cfg,
	}
}

// Acquire returns the principal's live instance of the challenge, creating one if needed.
// Concurrent calls for the same key share a single launch. Once a launch starts it runs
// to completion even if the caller goes away, so its result is always registered or rolled back.
func (o *Orchestrator) Acquire(ctx context.Context, principalID, challengeID string) (RoutableInstance, error) {
	if principalID == "" {
		return RoutableInstance{}, pkgerrors.New(pkgerrors.Unauthorized)
	}
	spec, err := o.catalog.Get(ctx, challengeID)
	if err != nil {
		if errors.Is(err, repository.ErrChallengeNotFound) {
			return RoutableInstance{}, pkgerrors.New(pkgerrors.ChallengeNotFound).WithDetail("challenge_id", challengeID)
		}
		return RoutableInstance{}, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}

	key := model.InstanceKey{PrincipalID: principalID, ChallengeID: challengeID}
	ch := o.group.DoChan(key.String(), func() (interface{}, error) {
		launchCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), o.cfg.LaunchTimeout)
		defer cancel()
		return o.acquire(launchCtx, key, spec)
	})

	select {
	case <-ctx.Done():
		return RoutableInstance{}, pkgerrors.Wrap(ctx.Err(), pkgerrors.Timeout)
	case res := <-ch:
		if res.Err != nil {
			return RoutableInstance{}, res.Err
		}
		return res.Val.(RoutableInstance), nil
	}
}

func (o *Orchestrator) acquire(ctx context.Context, key model.InstanceKey, spec model.ChallengeSpec) (RoutableInstance, error) {
	unlock, err := o.locker.Lock(ctx, key.String())
	if err != nil {
		return RoutableInstance{}, pkgerrors.Wrap(err, pkgerrors.LaunchFailed)
	}
	defer unlock()

	record, err := o.registry.FindByKey(ctx, key)
	switch {
	case err == nil:
		alive, err := o.runtime.Alive(ctx, record.ContainerRef)
		if err != nil {
			return RoutableInstance{}, runtimeError(err)
		}
		if alive {
			metrics.RecordLaunch("reused")
			return routable(record.HostPort, true), nil
		}
		if err := o.reclaim(ctx, record, "acquire", "container not running"); err != nil {
			return RoutableInstance{}, err
		}
	case errors.Is(err, repository.ErrInstanceNotFound):
	default:
		return RoutableInstance{}, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}

	if !spec.Instantiable() {
		metrics.RecordLaunch("rejected")
		return RoutableInstance{}, pkgerrors.New(pkgerrors.NotInstantiable).WithDetail("challenge_id", spec.ChallengeID)
	}
	if o.cfg.MaxPerPrincipal > 0 {
		count, err := o.registry.CountByPrincipal(ctx, key.PrincipalID)
		if err != nil {
			return RoutableInstance{}, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
		}
		if count >= o.cfg.MaxPerPrincipal {
			metrics.RecordLaunch("rejected")
			return RoutableInstance{}, pkgerrors.New(pkgerrors.InstanceLimitReached).WithDetail("count", count)
		}
	}

	return o.launch(ctx, key, spec)
}

func (o *Orchestrator) launch(ctx context.Context, key model.InstanceKey, spec model.ChallengeSpec) (RoutableInstance, error) {
	if err := o.slots.Acquire(ctx); err != nil {
		return RoutableInstance{}, pkgerrors.Wrap(err, pkgerrors.LaunchFailed)
	}
	defer o.slots.Release()

	started := time.Now()
	inst, err := o.runtime.Launch(ctx, runtime.LaunchSpec{
		PrincipalID:  key.PrincipalID,
		ChallengeID:  key.ChallengeID,
		Image:        spec.ImageReference,
		InternalPort: spec.InternalPort,
	})
	if err != nil {
		metrics.RecordLaunch("failed")
		metrics.ObserveLaunchDuration("failed", time.Since(started).Seconds())
		logger.Error(ctx, "instance launch failed",
			zap.String("challenge_id", key.ChallengeID),
			zap.String("image", spec.ImageReference),
			zap.Error(err))
		return RoutableInstance{}, runtimeError(err)
	}

	record := &model.InstanceRecord{
		PrincipalID:  key.PrincipalID,
		ChallengeID:  key.ChallengeID,
		ContainerRef: inst.ContainerRef,
		HostPort:     inst.HostPort,
		CreatedAt:    time.Now(),
	}
	winner, err := o.persist(ctx, record)
	if err != nil {
		o.discard(ctx, inst.ContainerRef, "registry write failed")
		metrics.RecordLaunch("failed")
		if pkgerrors.GetCode(err) != pkgerrors.InternalServerError {
			return RoutableInstance{}, err
		}
		return RoutableInstance{}, pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	if winner != nil {
		// Another replica registered this key first; route to its instance.
		o.discard(ctx, inst.ContainerRef, "lost launch race")
		metrics.RecordLaunch("reused")
		return routable(winner.HostPort, true), nil
	}

	metrics.RecordLaunch("created")
	metrics.ObserveLaunchDuration("created", time.Since(started).Seconds())
	logger.Info(ctx, "instance launched",
		zap.String("challenge_id", record.ChallengeID),
		zap.String("container_ref", record.ContainerRef),
		zap.Int("host_port", record.HostPort),
		zap.Duration("elapsed", time.Since(started)))
	o.events.Publish(ctx, model.LifecycleEvent{
		Type:         model.EventLaunched,
		PrincipalID:  record.PrincipalID,
		ChallengeID:  record.ChallengeID,
		ContainerRef: record.ContainerRef,
		HostPort:     record.HostPort,
	})
	return routable(record.HostPort, false), nil
}

// persist inserts record, replacing a dead holder of the same host port once.
func (o *Orchestrator) persist(ctx context.Context, record *model.InstanceRecord) (*model.InstanceRecord, error) {
	for attempt := 0; ; attempt++ {
		existing, inserted, err := o.registry.InsertIfAbsent(ctx, record)
		if err == nil {
			if inserted {
				return nil, nil
			}
			return existing, nil
		}
		if !errors.Is(err, repository.ErrPortConflict) || attempt > 0 {
			return nil, err
		}

		holder, err := o.registry.FindByPort(ctx, record.HostPort)
		if errors.Is(err, repository.ErrInstanceNotFound) {
			continue
		}
		if err != nil {
			return nil, err
		}
		alive, err := o.runtime.Alive(ctx, holder.ContainerRef)
		if err != nil {
			return nil, runtimeError(err)
		}
		if alive {
			return nil, pkgerrors.New(pkgerrors.PortResolutionFailed).WithDetail("host_port", record.HostPort)
		}
		existing, replaced, err := o.registry.ReplaceIfMatches(ctx, holder, record)
		if err != nil {
			return nil, err
		}
		if replaced {
			o.removeContainer(ctx, holder.ContainerRef)
			o.recordReclaim(ctx, holder, "port_conflict", "host port reused by runtime")
			return nil, nil
		}
		if existing != nil {
			return existing, nil
		}
	}
}

// reclaim deletes a stale record and then removes its container.
func (o *Orchestrator) reclaim(ctx context.Context, record *model.InstanceRecord, source, reason string) error {
	deleted, err := o.registry.DeleteIfMatches(ctx, record.Key(), record.ContainerRef)
	if err != nil {
		return pkgerrors.Wrap(err, pkgerrors.DatabaseError)
	}
	o.removeContainer(ctx, record.ContainerRef)
	if deleted {
		o.recordReclaim(ctx, record, source, reason)
	}
	return nil
}

func (o *Orchestrator) removeContainer(ctx context.Context, containerRef string) {
	if err := o.runtime.Remove(ctx, containerRef); err != nil {
		logger.Warn(ctx, "failed to remove reclaimed container",
			zap.String("container_ref", containerRef), zap.Error(err))
	}
}

func (o *Orchestrator) recordReclaim(ctx context.Context, record *model.InstanceRecord, source, reason string) {
	metrics.RecordReclaim(source)
	logger.Info(ctx, "instance reclaimed",
		zap.String("challenge_id", record.ChallengeID),
		zap.String("container_ref", record.ContainerRef),
		zap.Int("host_port", record.HostPort),
		zap.String("reason", reason))
	o.events.Publish(ctx, model.LifecycleEvent{
		Type:         model.EventReclaimed,
		PrincipalID:  record.PrincipalID,
		ChallengeID:  record.ChallengeID,
		ContainerRef: record.ContainerRef,
		HostPort:     record.HostPort,
		Reason:       reason,
	})
}

// discard removes a container that never made it into the registry.
func (o *Orchestrator) discard(ctx context.Context, containerRef, reason string) {
	cleanupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), cleanupTimeout)
	defer cancel()
	if err := o.runtime.Remove(cleanupCtx, containerRef); err != nil {
		logger.Error(ctx, "failed to remove unregistered container",
			zap.String("container_ref", containerRef),
			zap.String("reason", reason),
			zap.Error(err))
		return
	}
	logger.Info(ctx, "removed unregistered container",
		zap.String("container_ref", containerRef), zap.String("reason", reason))
}

func routable(hostPort int, reused bool) RoutableInstance {
	return RoutableInstance{HostPort: hostPort, URL: model.RoutePath(hostPort), Reused: reused}
}

func runtimeError(err error) error {
	switch {
	case errors.Is(err, runtime.ErrRuntimeUnavailable):
		return pkgerrors.Wrap(err, pkgerrors.RuntimeUnavailable)
	case errors.Is(err, runtime.ErrPortResolution):
		return pkgerrors.Wrap(err, pkgerrors.PortResolutionFailed)
	default:
		return pkgerrors.Wrap(err, pkgerrors.LaunchFailed)
	}
}
