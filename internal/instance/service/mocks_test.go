package service_test

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"ctfgate/internal/common/mq"
	"ctfgate/internal/instance/model"
	"ctfgate/internal/instance/repository"
	"ctfgate/internal/instance/runtime"
)

type fakeContainer struct {
	runtime.ManagedContainer
	hostPort int
}

type fakeRuntime struct {
	mu          sync.Mutex
	containers  map[string]*fakeContainer
	nextPort    int
	nextRef     int
	forcedPorts []int
	launchErr   error
	launchDelay time.Duration
	removed     []string
	launches    atomic.Int32
}

func newFakeRuntime() *fakeRuntime {
	return &fakeRuntime{containers: make(map[string]*fakeContainer), nextPort: 40000}
}

func (f *fakeRuntime) Launch(ctx context.Context, spec runtime.LaunchSpec) (runtime.Instance, error) {
	f.launches.Add(1)
	if f.launchDelay > 0 {
		time.Sleep(f.launchDelay)
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.launchErr != nil {
		return runtime.Instance{}, f.launchErr
	}
	f.nextRef++
	ref := fmt.Sprintf("container-%d", f.nextRef)
	port := f.nextPort
	if len(f.forcedPorts) > 0 {
		port = f.forcedPorts[0]
		f.forcedPorts = f.forcedPorts[1:]
	} else {
		f.nextPort++
	}
	f.containers[ref] = &fakeContainer{
		ManagedContainer: runtime.ManagedContainer{
			ContainerRef: ref,
			PrincipalID:  spec.PrincipalID,
			ChallengeID:  spec.ChallengeID,
			Running:      true,
			CreatedAt:    time.Now(),
		},
		hostPort: port,
	}
	return runtime.Instance{ContainerRef: ref, HostPort: port}, nil
}

func (f *fakeRuntime) Alive(ctx context.Context, containerRef string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c, ok := f.containers[containerRef]
	return ok && c.Running, nil
}

func (f *fakeRuntime) Remove(ctx context.Context, containerRef string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.containers, containerRef)
	f.removed = append(f.removed, containerRef)
	return nil
}

func (f *fakeRuntime) ListManaged(ctx context.Context) ([]runtime.ManagedContainer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]runtime.ManagedContainer, 0, len(f.containers))
	for _, c := range f.containers {
		out = append(out, c.ManagedContainer)
	}
	return out, nil
}

func (f *fakeRuntime) Ping(ctx context.Context) error {
	return nil
}

// add registers a container that was not started through Launch.
func (f *fakeRuntime) add(ref, principalID, challengeID string, running bool, createdAt time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.containers[ref] = &fakeContainer{ManagedContainer: runtime.ManagedContainer{
		ContainerRef: ref,
		PrincipalID:  principalID,
		ChallengeID:  challengeID,
		Running:      running,
		CreatedAt:    createdAt,
	}}
}

func (f *fakeRuntime) stop(ref string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if c, ok := f.containers[ref]; ok {
		c.Running = false
	}
}

func (f *fakeRuntime) has(ref string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	_, ok := f.containers[ref]
	return ok
}

func (f *fakeRuntime) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.containers)
}

// failingInsertRegistry fails every insert.
type failingInsertRegistry struct {
	repository.Registry
}

func (r failingInsertRegistry) InsertIfAbsent(context.Context, *model.InstanceRecord) (*model.InstanceRecord, bool, error) {
	return nil, false, errors.New("database is locked")
}

// blindRegistry never finds a record by key, as if another replica inserted it after the lookup.
type blindRegistry struct {
	repository.Registry
}

func (r blindRegistry) FindByKey(context.Context, model.InstanceKey) (*model.InstanceRecord, error) {
	return nil, repository.ErrInstanceNotFound
}

type mockProducer struct {
	mu       sync.Mutex
	messages map[string][]*mq.Message
	err      error
}

func newMockProducer() *mockProducer {
	return &mockProducer{messages: make(map[string][]*mq.Message)}
}

func (m *mockProducer) Publish(ctx context.Context, topic string, message *mq.Message) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.err != nil {
		return m.err
	}
	m.messages[topic] = append(m.messages[topic], message)
	return nil
}

func (m *mockProducer) PublishBatch(ctx context.Context, topic string, messages []*mq.Message) error {
	for _, message := range messages {
		if err := m.Publish(ctx, topic, message); err != nil {
			return err
		}
	}
	return nil
}

func (m *mockProducer) Close() error {
	return nil
}

func (m *mockProducer) published(topic string) []*mq.Message {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*mq.Message(nil), m.messages[topic]...)
}

type recordingPublisher struct {
	mu     sync.Mutex
	events []model.LifecycleEvent
}

func (p *recordingPublisher) Publish(ctx context.Context, event model.LifecycleEvent) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.events = append(p.events, event)
}

func (p *recordingPublisher) types() []model.LifecycleEventType {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]model.LifecycleEventType, 0, len(p.events))
	for _, e := range p.events {
		out = append(out, e.Type)
	}
	return out
}
