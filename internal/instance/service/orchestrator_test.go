package service_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"ctfgate/internal/instance/model"
	"ctfgate/internal/instance/repository"
	"ctfgate/internal/instance/runtime"
	"ctfgate/internal/instance/service"
	pkgerrors "ctfgate/pkg/errors"
)

func newTestCatalog() repository.ChallengeCatalog {
	return repository.NewStaticChallengeCatalog([]model.ChallengeSpec{
		{ChallengeID: "1", ImageReference: "ctf/web-login:latest", InternalPort: 80},
		{ChallengeID: "2", ImageReference: "ctf/pwn-heap:latest", InternalPort: 1337},
		{ChallengeID: "3", ImageReference: "", InternalPort: 0},
	})
}

func newTestOrchestrator(registry repository.Registry, rt runtime.Runtime, cfg service.OrchestratorConfig) (*service.Orchestrator, *recordingPublisher) {
	events := &recordingPublisher{}
	return service.NewOrchestrator(registry, newTestCatalog(), rt, nil, events, cfg), events
}

func TestAcquireReusesLiveInstance(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})
	ctx := context.Background()

	first, err := orch.Acquire(ctx, "alice", "1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	if first.URL != "/instance/40000/" || first.Reused {
		t.Fatalf("unexpected first result: %+v", first)
	}

	second, err := orch.Acquire(ctx, "alice", "1")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if second.HostPort != first.HostPort || !second.Reused {
		t.Fatalf("expected reuse of %d, got %+v", first.HostPort, second)
	}
	if got := rt.launches.Load(); got != 1 {
		t.Fatalf("expected one launch, got %d", got)
	}
}

func TestAcquireReclaimsStaleInstance(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	orch, events := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})
	ctx := context.Background()

	first, err := orch.Acquire(ctx, "alice", "1")
	if err != nil {
		t.Fatalf("first acquire failed: %v", err)
	}
	old, err := registry.FindByKey(ctx, model.InstanceKey{PrincipalID: "alice", ChallengeID: "1"})
	if err != nil {
		t.Fatalf("find record failed: %v", err)
	}
	rt.stop(old.ContainerRef)

	second, err := orch.Acquire(ctx, "alice", "1")
	if err != nil {
		t.Fatalf("second acquire failed: %v", err)
	}
	if second.HostPort == first.HostPort || second.Reused {
		t.Fatalf("expected a fresh instance, got %+v", second)
	}
	if rt.has(old.ContainerRef) {
		t.Fatalf("stopped container should have been removed")
	}
	current, err := registry.FindByKey(ctx, old.Key())
	if err != nil {
		t.Fatalf("find record failed: %v", err)
	}
	if current.ContainerRef == old.ContainerRef || current.HostPort != second.HostPort {
		t.Fatalf("unexpected record after reclaim: %+v", current)
	}
	if _, err := registry.FindByPort(ctx, first.HostPort); !errors.Is(err, repository.ErrInstanceNotFound) {
		t.Fatalf("old port should be free, got %v", err)
	}

	want := []model.LifecycleEventType{model.EventLaunched, model.EventReclaimed, model.EventLaunched}
	got := events.types()
	if len(got) != len(want) {
		t.Fatalf("unexpected events: %v", got)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("unexpected events: %v", got)
		}
	}
}

func TestAcquireConcurrentSingleLaunch(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	rt.launchDelay = 50 * time.Millisecond
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})

	const callers = 20
	var wg sync.WaitGroup
	results := make([]service.RoutableInstance, callers)
	errs := make([]error, callers)
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = orch.Acquire(context.Background(), "alice", "1")
		}(i)
	}
	wg.Wait()

	for i := 0; i < callers; i++ {
		if errs[i] != nil {
			t.Fatalf("caller %d failed: %v", i, errs[i])
		}
		if results[i].URL != results[0].URL {
			t.Fatalf("caller %d got %s, caller 0 got %s", i, results[i].URL, results[0].URL)
		}
	}
	if got := rt.launches.Load(); got != 1 {
		t.Fatalf("expected exactly one launch, got %d", got)
	}
	if rt.count() != 1 {
		t.Fatalf("expected exactly one container, got %d", rt.count())
	}
}

func TestAcquireDifferentKeysLaunchIndependently(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})
	ctx := context.Background()

	a, err := orch.Acquire(ctx, "alice", "1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	b, err := orch.Acquire(ctx, "bob", "1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	c, err := orch.Acquire(ctx, "alice", "2")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if a.HostPort == b.HostPort || a.HostPort == c.HostPort || b.HostPort == c.HostPort {
		t.Fatalf("expected distinct ports: %d %d %d", a.HostPort, b.HostPort, c.HostPort)
	}
}

func TestAcquireKeysWithSeparatorsDoNotShareLaunch(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	rt.launchDelay = 100 * time.Millisecond
	catalog := repository.NewStaticChallengeCatalog([]model.ChallengeSpec{
		{ChallengeID: "b:c", ImageReference: "ctf/web-login:latest", InternalPort: 80},
		{ChallengeID: "c", ImageReference: "ctf/web-login:latest", InternalPort: 80},
	})
	orch := service.NewOrchestrator(registry, catalog, rt, nil, nil, service.OrchestratorConfig{})

	keys := []model.InstanceKey{
		{PrincipalID: "a", ChallengeID: "b:c"},
		{PrincipalID: "a:b", ChallengeID: "c"},
	}
	var wg sync.WaitGroup
	results := make([]service.RoutableInstance, len(keys))
	errs := make([]error, len(keys))
	for i, key := range keys {
		wg.Add(1)
		go func(i int, key model.InstanceKey) {
			defer wg.Done()
			results[i], errs[i] = orch.Acquire(context.Background(), key.PrincipalID, key.ChallengeID)
		}(i, key)
	}
	wg.Wait()

	for i, key := range keys {
		if errs[i] != nil {
			t.Fatalf("acquire %v failed: %v", key, errs[i])
		}
		record, err := registry.FindByKey(context.Background(), key)
		if err != nil {
			t.Fatalf("expected a record for %v: %v", key, err)
		}
		if record.HostPort != results[i].HostPort {
			t.Fatalf("%v routed to %d, record holds %d", key, results[i].HostPort, record.HostPort)
		}
	}
	if results[0].HostPort == results[1].HostPort {
		t.Fatalf("distinct keys share port %d", results[0].HostPort)
	}
	if got := rt.launches.Load(); got != 2 {
		t.Fatalf("expected two launches, got %d", got)
	}
}

func TestAcquireNotInstantiable(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})
	ctx := context.Background()

	_, err := orch.Acquire(ctx, "alice", "3")
	if pkgerrors.GetCode(err) != pkgerrors.NotInstantiable {
		t.Fatalf("expected NotInstantiable, got %v", err)
	}
	if pkgerrors.GetCode(err).HTTPStatus() != http.StatusBadRequest {
		t.Fatalf("expected a client error status")
	}
	if _, err := registry.FindByKey(ctx, model.InstanceKey{PrincipalID: "alice", ChallengeID: "3"}); !errors.Is(err, repository.ErrInstanceNotFound) {
		t.Fatalf("expected no record, got %v", err)
	}
	if rt.launches.Load() != 0 {
		t.Fatalf("runtime should not be called")
	}
}

func TestAcquireUnknownChallenge(t *testing.T) {
	orch, _ := newTestOrchestrator(repository.NewMemoryRegistry(), newFakeRuntime(), service.OrchestratorConfig{})

	_, err := orch.Acquire(context.Background(), "alice", "404")
	if pkgerrors.GetCode(err) != pkgerrors.ChallengeNotFound {
		t.Fatalf("expected ChallengeNotFound, got %v", err)
	}
}

func TestAcquireRuntimeFailures(t *testing.T) {
	tests := []struct {
		name       string
		launchErr  error
		wantCode   pkgerrors.ErrorCode
		wantStatus int
	}{
		{"runtime unavailable", runtime.ErrRuntimeUnavailable, pkgerrors.RuntimeUnavailable, http.StatusInternalServerError},
		{"port resolution", runtime.ErrPortResolution, pkgerrors.PortResolutionFailed, http.StatusInternalServerError},
		{"missing image", runtime.ErrImageNotFound, pkgerrors.LaunchFailed, http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			registry := repository.NewMemoryRegistry()
			rt := newFakeRuntime()
			rt.launchErr = tt.launchErr
			orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})

			_, err := orch.Acquire(context.Background(), "alice", "1")
			if pkgerrors.GetCode(err) != tt.wantCode {
				t.Fatalf("expected %v, got %v", tt.wantCode, err)
			}
			if pkgerrors.GetCode(err).HTTPStatus() != tt.wantStatus {
				t.Fatalf("unexpected status %d", pkgerrors.GetCode(err).HTTPStatus())
			}
			records, _ := registry.List(context.Background())
			if len(records) != 0 {
				t.Fatalf("expected no records, got %d", len(records))
			}
		})
	}
}

func TestAcquireRollsBackWhenPersistFails(t *testing.T) {
	rt := newFakeRuntime()
	orch, _ := newTestOrchestrator(failingInsertRegistry{repository.NewMemoryRegistry()}, rt, service.OrchestratorConfig{})

	_, err := orch.Acquire(context.Background(), "alice", "1")
	if pkgerrors.GetCode(err) != pkgerrors.DatabaseError {
		t.Fatalf("expected DatabaseError, got %v", err)
	}
	if rt.count() != 0 {
		t.Fatalf("launched container should have been removed")
	}
	if len(rt.removed) != 1 || rt.removed[0] != "container-1" {
		t.Fatalf("unexpected removals: %v", rt.removed)
	}
}

func TestAcquireLosesRaceToAnotherReplica(t *testing.T) {
	memory := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	ctx := context.Background()

	rt.add("winner", "alice", "1", true, time.Now())
	_, _, err := memory.InsertIfAbsent(ctx, &model.InstanceRecord{
		PrincipalID: "alice", ChallengeID: "1", ContainerRef: "winner", HostPort: 45000, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	orch, _ := newTestOrchestrator(blindRegistry{memory}, rt, service.OrchestratorConfig{})

	got, err := orch.Acquire(ctx, "alice", "1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got.HostPort != 45000 {
		t.Fatalf("expected the winner's port, got %d", got.HostPort)
	}
	if rt.has("container-1") {
		t.Fatalf("losing container should have been removed")
	}
	if !rt.has("winner") {
		t.Fatalf("winning container must survive")
	}
}

func TestAcquireRecoversPortFromDeadHolder(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	ctx := context.Background()

	_, _, err := registry.InsertIfAbsent(ctx, &model.InstanceRecord{
		PrincipalID: "bob", ChallengeID: "2", ContainerRef: "gone", HostPort: 40000, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})

	got, err := orch.Acquire(ctx, "alice", "1")
	if err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if got.HostPort != 40000 {
		t.Fatalf("unexpected port: %d", got.HostPort)
	}
	if _, err := registry.FindByKey(ctx, model.InstanceKey{PrincipalID: "bob", ChallengeID: "2"}); !errors.Is(err, repository.ErrInstanceNotFound) {
		t.Fatalf("stale holder should be deleted, got %v", err)
	}
	holder, err := registry.FindByPort(ctx, 40000)
	if err != nil || holder.PrincipalID != "alice" {
		t.Fatalf("expected alice to hold the port, got %+v %v", holder, err)
	}
}

func TestAcquirePortHeldByLiveInstance(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	ctx := context.Background()

	rt.add("bobs", "bob", "2", true, time.Now())
	_, _, err := registry.InsertIfAbsent(ctx, &model.InstanceRecord{
		PrincipalID: "bob", ChallengeID: "2", ContainerRef: "bobs", HostPort: 40000, CreatedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed failed: %v", err)
	}
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})

	_, err = orch.Acquire(ctx, "alice", "1")
	if pkgerrors.GetCode(err) != pkgerrors.PortResolutionFailed {
		t.Fatalf("expected PortResolutionFailed, got %v", err)
	}
	if rt.has("container-1") {
		t.Fatalf("unregistered container should have been removed")
	}
	if !rt.has("bobs") {
		t.Fatalf("live holder must not be touched")
	}
}

func TestAcquirePerPrincipalCap(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{MaxPerPrincipal: 1})
	ctx := context.Background()

	if _, err := orch.Acquire(ctx, "alice", "1"); err != nil {
		t.Fatalf("acquire failed: %v", err)
	}
	if _, err := orch.Acquire(ctx, "alice", "1"); err != nil {
		t.Fatalf("reuse should not count against the cap: %v", err)
	}
	_, err := orch.Acquire(ctx, "alice", "2")
	if pkgerrors.GetCode(err) != pkgerrors.InstanceLimitReached {
		t.Fatalf("expected InstanceLimitReached, got %v", err)
	}
	if _, err := orch.Acquire(ctx, "bob", "2"); err != nil {
		t.Fatalf("other principals are unaffected: %v", err)
	}
}

func TestAcquireCompletesAfterCallerGivesUp(t *testing.T) {
	registry := repository.NewMemoryRegistry()
	rt := newFakeRuntime()
	rt.launchDelay = 100 * time.Millisecond
	orch, _ := newTestOrchestrator(registry, rt, service.OrchestratorConfig{})

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := orch.Acquire(ctx, "alice", "1")
	if pkgerrors.GetCode(err) != pkgerrors.Timeout {
		t.Fatalf("expected Timeout, got %v", err)
	}

	key := model.InstanceKey{PrincipalID: "alice", ChallengeID: "1"}
	deadline := time.Now().Add(2 * time.Second)
	for {
		record, err := registry.FindByKey(context.Background(), key)
		if err == nil {
			if !rt.has(record.ContainerRef) {
				t.Fatalf("registered container must exist")
			}
			return
		}
		if time.Now().After(deadline) {
			t.Fatalf("launch did not complete in the background")
		}
		time.Sleep(10 * time.Millisecond)
	}
}
