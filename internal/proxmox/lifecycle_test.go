package proxmox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/spyre-sh/spyre/internal/common/errors"
	"github.com/spyre-sh/spyre/internal/common/logger"
	"github.com/spyre-sh/spyre/internal/db"
	"github.com/spyre-sh/spyre/internal/events"
	"github.com/spyre-sh/spyre/internal/events/bus"
	"github.com/spyre-sh/spyre/internal/store"
)

// fakeHypervisor hands out sequential vmids and tracks container state in
// memory.
type fakeHypervisor struct {
	mu        sync.Mutex
	nextID    int
	state     map[int]string // vmid -> "running"|"stopped"
	addrs     map[int]string
	createErr error
	destroyed []int
}

func newFakeHypervisor() *fakeHypervisor {
	return &fakeHypervisor{nextID: 100, state: map[int]string{}, addrs: map[int]string{}}
}

// NextID keeps returning the same id until a container claims it, like the
// real cluster endpoint.
func (f *fakeHypervisor) NextID(ctx context.Context) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nextID, nil
}

func (f *fakeHypervisor) CreateContainer(ctx context.Context, req CreateRequest) (err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	if _, exists := f.state[req.VMID]; exists {
		return errors.New("vmid already exists")
	}
	f.state[req.VMID] = "stopped"
	f.addrs[req.VMID] = "10.0.0.50"
	if req.VMID == f.nextID {
		f.nextID++
	}
	return nil
}

func (f *fakeHypervisor) StartContainer(ctx context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[vmid] = "running"
	return nil
}

func (f *fakeHypervisor) StopContainer(ctx context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state[vmid] = "stopped"
	return nil
}

func (f *fakeHypervisor) DestroyContainer(ctx context.Context, vmid int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.state, vmid)
	f.destroyed = append(f.destroyed, vmid)
	return nil
}

func (f *fakeHypervisor) ContainerStatus(ctx context.Context, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	status, ok := f.state[vmid]
	if !ok {
		return "", errors.New("no such container")
	}
	return status, nil
}

func (f *fakeHypervisor) ContainerAddress(ctx context.Context, vmid int) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.addrs[vmid], nil
}

func newLifecycleHarness(t *testing.T) (*Lifecycle, *store.Store, *fakeHypervisor, *bus.MemoryEventBus) {
	t.Helper()
	conn, err := db.OpenMemory()
	require.NoError(t, err)
	st, err := store.New(conn, conn)
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	hv := newFakeHypervisor()
	memBus := bus.NewMemoryEventBus(logger.Default())
	lc := NewLifecycle(st, hv, memBus, Options{
		AddressTimeout:      50 * time.Millisecond,
		AddressPollInterval: time.Millisecond,
	}, logger.Default())
	return lc, st, hv, memBus
}

func TestCreateEnvironment(t *testing.T) {
	lc, st, hv, memBus := newLifecycleHarness(t)
	ctx := context.Background()

	var statuses []string
	_, err := memBus.Subscribe(events.TopicEnvironments, func(ctx context.Context, ev *bus.Event) error {
		statuses = append(statuses, ev.Data["status"].(string))
		return nil
	})
	require.NoError(t, err)

	env, err := lc.CreateEnvironment(ctx, CreateEnvironmentRequest{Name: "worker-1"})
	require.NoError(t, err)

	assert.Equal(t, store.EnvStatusRunning, env.Status)
	assert.Equal(t, 100, env.VMID)
	assert.Equal(t, "10.0.0.50", env.Address)
	assert.Contains(t, env.Metadata, "root_password")
	assert.Equal(t, "running", hv.state[100])
	assert.Equal(t, []string{"pending", "provisioning", "running"}, statuses)

	got, err := st.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvStatusRunning, got.Status)
}

func TestCreateEnvironmentRequiresName(t *testing.T) {
	lc, _, _, _ := newLifecycleHarness(t)
	_, err := lc.CreateEnvironment(context.Background(), CreateEnvironmentRequest{})
	require.Error(t, err)
	assert.Equal(t, apperrors.ErrCodeValidationError, apperrors.AsAppError(err).Code)
}

func TestCreateEnvironmentFatalOnContainerFailure(t *testing.T) {
	lc, st, hv, _ := newLifecycleHarness(t)
	ctx := context.Background()
	hv.createErr = errors.New("storage full")

	_, err := lc.CreateEnvironment(ctx, CreateEnvironmentRequest{Name: "worker-1"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "storage full")

	envs, err := st.ListEnvironments(ctx)
	require.NoError(t, err)
	require.Len(t, envs, 1)
	assert.Equal(t, store.EnvStatusError, envs[0].Status)
	assert.Empty(t, envs[0].Address)
}

// Concurrent creations must not both claim the same vmid: allocation and
// creation share one critical section.
func TestConcurrentCreationsGetDistinctVMIDs(t *testing.T) {
	lc, st, _, _ := newLifecycleHarness(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = lc.CreateEnvironment(ctx, CreateEnvironmentRequest{
				Name: "worker-" + string(rune('a'+i)),
			})
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}

	envs, err := st.ListEnvironments(ctx)
	require.NoError(t, err)
	seen := map[int]bool{}
	for _, env := range envs {
		assert.False(t, seen[env.VMID], "vmid %d allocated twice", env.VMID)
		seen[env.VMID] = true
	}
}

func TestDestroyEnvironment(t *testing.T) {
	lc, st, hv, _ := newLifecycleHarness(t)
	ctx := context.Background()

	env, err := lc.CreateEnvironment(ctx, CreateEnvironmentRequest{Name: "worker-1"})
	require.NoError(t, err)

	require.NoError(t, lc.DestroyEnvironment(ctx, env.ID))
	assert.Equal(t, []int{env.VMID}, hv.destroyed)

	_, err = st.GetEnvironment(ctx, env.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestSyncReconcilesStoppedContainer(t *testing.T) {
	lc, st, hv, memBus := newLifecycleHarness(t)
	ctx := context.Background()

	env, err := lc.CreateEnvironment(ctx, CreateEnvironmentRequest{Name: "worker-1"})
	require.NoError(t, err)

	// Container dies out-of-band.
	hv.state[env.VMID] = "stopped"

	syncer := NewSyncer(st, hv, memBus, time.Minute, logger.Default())
	syncer.SyncOnce(ctx)

	got, err := st.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvStatusStopped, got.Status)

	// A second pass with no drift changes nothing.
	syncer.SyncOnce(ctx)
	again, err := st.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, got.UpdatedAt, again.UpdatedAt)
}

func TestSyncSkipsTransitionalRows(t *testing.T) {
	_, st, hv, memBus := newLifecycleHarness(t)
	ctx := context.Background()

	env := &store.Environment{Name: "mid-flight", VMID: 200, Status: store.EnvStatusProvisioning}
	require.NoError(t, st.CreateEnvironment(ctx, env))
	hv.state[200] = "stopped"

	syncer := NewSyncer(st, hv, memBus, time.Minute, logger.Default())
	syncer.SyncOnce(ctx)

	got, err := st.GetEnvironment(ctx, env.ID)
	require.NoError(t, err)
	assert.Equal(t, store.EnvStatusProvisioning, got.Status)
}
