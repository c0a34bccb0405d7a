package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kirychukyurii/loadgen-manager/internal/cache"
	"github.com/kirychukyurii/loadgen-manager/internal/config"
	"github.com/kirychukyurii/loadgen-manager/internal/lifecycle"
	"github.com/kirychukyurii/loadgen-manager/internal/model"
	"github.com/kirychukyurii/loadgen-manager/internal/remote"
	"github.com/kirychukyurii/loadgen-manager/internal/remote/remotetest"
	"github.com/kirychukyurii/loadgen-manager/internal/repository"
)

const emptyMD5 = "d41d8cd98f00b204e9800998ecf8427e"

var discard = slog.New(slog.DiscardHandler)

func newTestKV(t *testing.T) repository.KV {
	t.Helper()
	kv, err := repository.NewBadgerKV(config.BadgerConfig{InMemory: true}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = kv.Close() })
	return kv
}

func healthyExecutor() *remotetest.Executor {
	return remotetest.NewExecutor().
		Respond("checksum", emptyMD5+"\n", nil).
		Respond("start", "Created remote object: UnicastServerRef2\n", nil)
}

type testEnv struct {
	svc  *nodeService
	repo repository.NodeRepository
	exec *remotetest.Executor
}

func newTestEnv(t *testing.T, exec *remotetest.Executor, maxConcurrent int) *testEnv {
	t.Helper()
	repo := repository.NewNodeRepository(newTestKV(t))
	ctrl := lifecycle.NewController(exec, lifecycle.Config{
		CommandTimeout: time.Second,
		StartWait:      time.Second,
	}, discard)
	svc := NewNodeService(repo, ctrl, cache.New[model.Node](time.Minute), maxConcurrent, discard)
	return &testEnv{svc: svc.(*nodeService), repo: repo, exec: exec}
}

func (e *testEnv) addNode(t *testing.T, ip string, status model.Status) *model.Node {
	t.Helper()
	node, err := e.svc.Save(context.Background(), &model.Node{
		Name:     "loadgen-" + ip,
		IP:       ip,
		Username: "load",
		Password: "secret",
		HomeDir:  "/opt/jmeter",
		Status:   status,
	})
	require.NoError(t, err)
	return node
}

func (e *testEnv) storedStatus(t *testing.T, id int64) model.Status {
	t.Helper()
	node, err := e.repo.Get(context.Background(), id)
	require.NoError(t, err)
	return node.Status
}

func TestNodeSaveAppliesDefaults(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)

	node, err := env.svc.Save(context.Background(), &model.Node{
		Name:     "lg-1",
		IP:       "10.0.0.1",
		Username: "load",
		HomeDir:  "/opt/jmeter",
	})
	require.NoError(t, err)
	assert.Equal(t, int64(1), node.ID)
	assert.Equal(t, model.DefaultSSHPort, node.SSHPort)
	assert.Equal(t, model.StatusDisabled, node.Status)

	second := env.addNode(t, "10.0.0.2", "")
	assert.Equal(t, int64(2), second.ID)

	total, err := env.svc.Total(context.Background(), model.NodeFilter{})
	require.NoError(t, err)
	assert.Equal(t, 2, total)
}

func TestNodeSaveRejectsUnsafeFields(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)

	tests := []model.Node{
		{IP: "10.0.0.1", Username: "load", HomeDir: "/opt/jmeter; rm -rf /"},
		{IP: "10.0.0.1", Username: "load", HomeDir: "relative/path"},
		{IP: "10.0.0.1;reboot", Username: "load", HomeDir: "/opt/jmeter"},
		{IP: "", Username: "load", HomeDir: "/opt/jmeter"},
		{IP: "10.0.0.1", Username: "$(id)", HomeDir: "/opt/jmeter"},
		{IP: "10.0.0.1", Username: "load", HomeDir: "/opt/jmeter", SSHPort: 70000},
	}
	for i, n := range tests {
		t.Run(fmt.Sprint(i), func(t *testing.T) {
			_, err := env.svc.Save(context.Background(), &n)
			assert.Error(t, err)
		})
	}
}

func TestNodeUpdateKeepsStatusAndPassword(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)
	node := env.addNode(t, "10.0.0.1", model.StatusEnabled)

	// warm the cache
	_, err := env.svc.Get(context.Background(), node.ID)
	require.NoError(t, err)

	updated, err := env.svc.Update(context.Background(), &model.Node{
		ID:       node.ID,
		Name:     "renamed",
		IP:       "10.0.0.9",
		Username: "load",
		HomeDir:  "/srv/jmeter",
		Status:   model.StatusDisabled,
	})
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnabled, updated.Status)
	assert.Equal(t, "secret", updated.Password)

	got, err := env.svc.Get(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, "renamed", got.Name)
	assert.Equal(t, "10.0.0.9", got.IP)

	_, err = env.svc.Update(context.Background(), &model.Node{ID: 99, IP: "10.0.0.1", Username: "load", HomeDir: "/opt"})
	assert.ErrorIs(t, err, repository.ErrNotFound)
}

func TestNodeDeleteBatch(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)
	a := env.addNode(t, "10.0.0.1", model.StatusDisabled)
	b := env.addNode(t, "10.0.0.2", model.StatusDisabled)

	unlock, ok, err := env.repo.TryLock(context.Background(), b.ID)
	require.NoError(t, err)
	require.True(t, ok)

	results, err := env.svc.DeleteBatch(context.Background(), []int64{a.ID, b.ID, 42})
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrNodeBusy)
	require.Len(t, results, 3)
	assert.Empty(t, results[0].Error)
	assert.Equal(t, ErrNodeBusy.Error(), results[1].Error)
	assert.True(t, results[2].Skipped)

	_, err = env.svc.Get(context.Background(), a.ID)
	assert.ErrorIs(t, err, repository.ErrNotFound)

	unlock()
	_, err = env.svc.DeleteBatch(context.Background(), []int64{b.ID})
	require.NoError(t, err)
}

func TestUpdateStatusEnable(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	node := env.addNode(t, "10.0.0.1", model.StatusDisabled)

	var during model.Status
	exec.Hook = func(_ context.Context, _ string, cmd remote.Command) {
		if cmd.Name == "checksum" {
			n, err := env.repo.Get(context.Background(), node.ID)
			if err == nil {
				during = n.Status
			}
		}
	}

	res, err := env.svc.UpdateStatus(context.Background(), []int64{node.ID}, model.StatusEnabled)
	require.NoError(t, err)
	require.Len(t, res.Nodes, 1)
	assert.Equal(t, model.StatusEnabled, res.Nodes[0].Status)
	assert.Equal(t, model.StatusInProgress, during)
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, node.ID))
	assert.Equal(t, []string{"checksum", "mkdir", "start"}, exec.Commands("10.0.0.1"))
}

func TestUpdateStatusRunsPhaseOnce(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	node := env.addNode(t, "10.0.0.1", model.StatusEnabled)

	_, err := env.svc.UpdateStatus(context.Background(), []int64{node.ID}, model.StatusDisabled)
	require.NoError(t, err)
	assert.Equal(t, []string{"kill", "kill"}, exec.Commands("10.0.0.1"))
	assert.Equal(t, model.StatusDisabled, env.storedStatus(t, node.ID))
}

func TestUpdateStatusFailureMarksError(t *testing.T) {
	exec := healthyExecutor().RespondOn("10.0.0.1", "checksum", "not-a-checksum", nil)
	env := newTestEnv(t, exec, 4)
	bad := env.addNode(t, "10.0.0.1", model.StatusDisabled)
	good := env.addNode(t, "10.0.0.2", model.StatusDisabled)

	res, err := env.svc.UpdateStatus(context.Background(), []int64{bad.ID, good.ID}, model.StatusEnabled)
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrExecutableMissing)

	require.Len(t, res.Nodes, 2)
	assert.Equal(t, string(lifecycle.KindExecutableMissing), res.Nodes[0].ErrorKind)
	assert.False(t, res.Nodes[0].Retryable)
	assert.Equal(t, model.StatusError, res.Nodes[0].Status)
	assert.Empty(t, res.Nodes[1].Error)
	assert.Len(t, res.Failed(), 1)

	assert.Equal(t, model.StatusError, env.storedStatus(t, bad.ID))
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, good.ID))
}

func TestUpdateStatusUnreachableIsRetryable(t *testing.T) {
	exec := healthyExecutor().FailConnect("10.0.0.3", errors.New("connection refused"))
	env := newTestEnv(t, exec, 4)
	down := env.addNode(t, "10.0.0.3", model.StatusDisabled)

	res, err := env.svc.UpdateStatus(context.Background(), []int64{down.ID}, model.StatusEnabled)
	require.Error(t, err)
	assert.Equal(t, string(lifecycle.KindRemoteUnreachable), res.Nodes[0].ErrorKind)
	assert.True(t, res.Nodes[0].Retryable)
	assert.Equal(t, model.StatusError, env.storedStatus(t, down.ID))
}

func TestUpdateStatusAlreadyActiveKeepsStatus(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	node := env.addNode(t, "10.0.0.1", model.StatusEnabled)

	res, err := env.svc.UpdateStatus(context.Background(), []int64{node.ID}, model.StatusEnabled)
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrAlreadyActive)
	assert.Equal(t, string(lifecycle.KindAlreadyActive), res.Nodes[0].ErrorKind)
	assert.Equal(t, model.StatusEnabled, res.Nodes[0].Status)
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, node.ID))
	assert.Empty(t, exec.Connects())
}

func TestUpdateStatusAlreadyActiveWithoutPassword(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)

	// e.g. forced to enabled after the password was cleared
	node := &model.Node{ID: 9, Name: "lg-9", IP: "10.0.0.9", Username: "load", HomeDir: "/opt/jmeter", SSHPort: 22, Status: model.StatusEnabled}
	require.NoError(t, env.repo.Save(context.Background(), node))

	res, err := env.svc.UpdateStatus(context.Background(), []int64{9}, model.StatusEnabled)
	require.Error(t, err)
	assert.Equal(t, string(lifecycle.KindAlreadyActive), res.Nodes[0].ErrorKind)
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, 9))
	assert.Empty(t, exec.Connects())
}

func TestUpdateStatusInvalidConfigurationMarksError(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)

	// stored directly, bypassing Save validation
	node := &model.Node{ID: 5, IP: "10.0.0.1", Username: "load", HomeDir: "/opt/$(id)", SSHPort: 22, Status: model.StatusDisabled}
	require.NoError(t, env.repo.Save(context.Background(), node))

	res, err := env.svc.UpdateStatus(context.Background(), []int64{5}, model.StatusEnabled)
	require.Error(t, err)
	assert.Equal(t, string(lifecycle.KindInvalidConfiguration), res.Nodes[0].ErrorKind)
	assert.Equal(t, model.StatusError, env.storedStatus(t, 5))
	assert.Empty(t, exec.Connects())
}

func TestUpdateStatusRejectsUnsupportedTarget(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)
	_, err := env.svc.UpdateStatus(context.Background(), []int64{1}, model.StatusInProgress)
	assert.Error(t, err)
}

func TestBatchSkipsLoopbackAndMissing(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	local := env.addNode(t, "127.0.0.1", model.StatusEnabled)
	named := env.addNode(t, "localhost", model.StatusEnabled)
	v6 := env.addNode(t, "::1", model.StatusEnabled)

	res, err := env.svc.Restart(context.Background(), []int64{local.ID, named.ID, v6.ID, 404})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 4)
	for _, n := range res.Nodes[:3] {
		assert.True(t, n.Skipped)
		assert.Equal(t, ReasonLoopback, n.Reason)
	}
	assert.True(t, res.Nodes[3].Skipped)
	assert.Equal(t, ReasonNotFound, res.Nodes[3].Reason)

	assert.Empty(t, exec.Connects())
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, local.ID))
}

func TestRestart(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	enabled := env.addNode(t, "10.0.0.1", model.StatusEnabled)
	failed := env.addNode(t, "10.0.0.2", model.StatusError)
	disabled := env.addNode(t, "10.0.0.3", model.StatusDisabled)

	stored := make(map[string][]model.Status)
	var mu sync.Mutex
	exec.Hook = func(_ context.Context, host string, cmd remote.Command) {
		if host != "10.0.0.1" {
			return
		}
		n, err := env.repo.Get(context.Background(), enabled.ID)
		if err != nil {
			return
		}
		mu.Lock()
		stored[cmd.Name] = append(stored[cmd.Name], n.Status)
		mu.Unlock()
	}

	res, err := env.svc.Restart(context.Background(), []int64{enabled.ID, failed.ID, disabled.ID})
	require.NoError(t, err)
	require.Len(t, res.Nodes, 3)
	assert.Equal(t, model.StatusEnabled, res.Nodes[0].Status)
	assert.Equal(t, model.StatusEnabled, res.Nodes[1].Status)
	assert.True(t, res.Nodes[2].Skipped)
	assert.Equal(t, ReasonDisabled, res.Nodes[2].Reason)

	want := []string{"kill", "kill", "checksum", "mkdir", "start"}
	assert.Equal(t, want, exec.Commands("10.0.0.1"))
	assert.Equal(t, want, exec.Commands("10.0.0.2"))
	assert.Empty(t, exec.Commands("10.0.0.3"))

	// in_progress while stopping, disabled persisted before starting
	assert.Equal(t, []model.Status{model.StatusInProgress, model.StatusInProgress}, stored["kill"])
	assert.Equal(t, []model.Status{model.StatusDisabled}, stored["checksum"])
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, enabled.ID))
	assert.Equal(t, model.StatusDisabled, env.storedStatus(t, disabled.ID))
}

func TestRestartEnableFailureMarksError(t *testing.T) {
	exec := healthyExecutor().Respond("start", "java: command not found\n", nil)
	env := newTestEnv(t, exec, 4)
	node := env.addNode(t, "10.0.0.1", model.StatusEnabled)

	res, err := env.svc.Restart(context.Background(), []int64{node.ID})
	require.Error(t, err)
	assert.ErrorIs(t, err, lifecycle.ErrStartFailed)
	assert.Equal(t, string(lifecycle.KindStartFailed), res.Nodes[0].ErrorKind)
	assert.Equal(t, model.StatusError, env.storedStatus(t, node.ID))
}

func TestSameNodeRequestsAreSerialized(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	node := env.addNode(t, "10.0.0.1", model.StatusEnabled)

	var active, maxActive atomic.Int32
	exec.Hook = func(_ context.Context, _ string, cmd remote.Command) {
		if cmd.Name != "kill" {
			return
		}
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(20 * time.Millisecond)
		active.Add(-1)
	}

	var wg sync.WaitGroup
	for range 3 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.svc.UpdateStatus(context.Background(), []int64{node.ID}, model.StatusDisabled)
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), maxActive.Load())
	assert.Len(t, exec.Commands("10.0.0.1"), 6)
	assert.Equal(t, model.StatusDisabled, env.storedStatus(t, node.ID))
}

func TestInstancesSharingRegistrySerializeNodeWork(t *testing.T) {
	kv := newTestKV(t)
	exec := healthyExecutor()
	newInstance := func() *nodeService {
		ctrl := lifecycle.NewController(exec, lifecycle.Config{
			CommandTimeout: time.Second,
			StartWait:      time.Second,
		}, discard)
		svc := NewNodeService(repository.NewNodeRepository(kv), ctrl, cache.New[model.Node](time.Minute), 4, discard)
		return svc.(*nodeService)
	}
	first, second, sweeper := newInstance(), newInstance(), newInstance()

	node, err := first.Save(context.Background(), &model.Node{
		Name:     "lg-1",
		IP:       "10.0.0.1",
		Username: "load",
		Password: "secret",
		HomeDir:  "/opt/jmeter",
		Status:   model.StatusEnabled,
	})
	require.NoError(t, err)

	var swept sync.Once
	var reconciled atomic.Int32
	exec.Hook = func(_ context.Context, _ string, cmd remote.Command) {
		if cmd.Name == "checksum" {
			// the node is in_progress and owned by a running restart
			swept.Do(func() {
				n, err := sweeper.ReconcileInProgress(context.Background())
				assert.NoError(t, err)
				reconciled.Store(int32(n))
			})
		}
		time.Sleep(5 * time.Millisecond)
	}

	var wg sync.WaitGroup
	for _, svc := range []*nodeService{first, second} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.Restart(context.Background(), []int64{node.ID})
			assert.NoError(t, err)
		}()
	}
	wg.Wait()

	restart := []string{"kill", "kill", "checksum", "mkdir", "start"}
	assert.Equal(t, append(restart, restart...), exec.Commands("10.0.0.1"))
	assert.Zero(t, reconciled.Load())
	stored, err := first.repo.Get(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnabled, stored.Status)
}

func TestBatchConcurrencyIsBounded(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 2)

	var ids []int64
	for i := 1; i <= 6; i++ {
		ids = append(ids, env.addNode(t, fmt.Sprintf("10.0.0.%d", i), model.StatusEnabled).ID)
	}

	var active, maxActive atomic.Int32
	exec.Hook = func(_ context.Context, _ string, _ remote.Command) {
		n := active.Add(1)
		for {
			m := maxActive.Load()
			if n <= m || maxActive.CompareAndSwap(m, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		active.Add(-1)
	}

	res, err := env.svc.UpdateStatus(context.Background(), ids, model.StatusDisabled)
	require.NoError(t, err)
	assert.Len(t, res.Nodes, 6)
	assert.LessOrEqual(t, maxActive.Load(), int32(2))
	for i, n := range res.Nodes {
		assert.Equal(t, ids[i], n.ID)
		assert.Equal(t, model.StatusDisabled, n.Status)
	}
}

func TestNodeTaskSurvivesCallerCancellation(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	node := env.addNode(t, "10.0.0.1", model.StatusDisabled)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	exec.Hook = func(_ context.Context, _ string, cmd remote.Command) {
		if cmd.Name == "checksum" {
			cancel()
		}
	}

	_, err := env.svc.UpdateStatus(ctx, []int64{node.ID}, model.StatusEnabled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, node.ID))
}

type panickingController struct{}

func (panickingController) Plan(node *model.Node, target model.Status) (*lifecycle.Plan, error) {
	return &lifecycle.Plan{NodeID: node.ID, Target: target}, nil
}

func (panickingController) Execute(context.Context, *lifecycle.Plan) (model.Status, error) {
	panic("executor exploded")
}

func TestNodeTaskPanicEndsInError(t *testing.T) {
	repo := repository.NewNodeRepository(newTestKV(t))
	svc := NewNodeService(repo, panickingController{}, cache.New[model.Node](0), 2, discard)

	node, err := svc.Save(context.Background(), &model.Node{IP: "10.0.0.1", Username: "load", HomeDir: "/opt/jmeter"})
	require.NoError(t, err)

	res, err := svc.UpdateStatus(context.Background(), []int64{node.ID}, model.StatusEnabled)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "executor exploded")
	assert.Equal(t, model.StatusError, res.Nodes[0].Status)
	assert.Equal(t, string(lifecycle.KindUnknown), res.Nodes[0].ErrorKind)

	stored, err := repo.Get(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusError, stored.Status)
}

func TestForceStatus(t *testing.T) {
	exec := healthyExecutor()
	env := newTestEnv(t, exec, 4)
	node := env.addNode(t, "127.0.0.1", model.StatusError)

	res, err := env.svc.ForceStatus(context.Background(), []int64{node.ID, 77}, model.StatusDisabled)
	require.NoError(t, err)
	assert.Equal(t, model.StatusDisabled, res.Nodes[0].Status)
	assert.True(t, res.Nodes[1].Skipped)
	assert.Equal(t, model.StatusDisabled, env.storedStatus(t, node.ID))
	assert.Empty(t, exec.Connects())

	_, err = env.svc.ForceStatus(context.Background(), []int64{node.ID}, model.Status("running"))
	assert.Error(t, err)
}

func TestReconcileInProgress(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)
	orphan := env.addNode(t, "10.0.0.1", model.StatusInProgress)
	busy := env.addNode(t, "10.0.0.2", model.StatusInProgress)
	idle := env.addNode(t, "10.0.0.3", model.StatusEnabled)

	unlock, ok, err := env.repo.TryLock(context.Background(), busy.ID)
	require.NoError(t, err)
	require.True(t, ok)
	defer unlock()

	n, err := env.svc.ReconcileInProgress(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	assert.Equal(t, model.StatusError, env.storedStatus(t, orphan.ID))
	assert.Equal(t, model.StatusInProgress, env.storedStatus(t, busy.ID))
	assert.Equal(t, model.StatusEnabled, env.storedStatus(t, idle.ID))
}

func TestGetServesFromCache(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)
	node := env.addNode(t, "10.0.0.1", model.StatusDisabled)

	_, err := env.svc.Get(context.Background(), node.ID)
	require.NoError(t, err)

	// bypass the service so the cache is not invalidated
	require.NoError(t, env.repo.Delete(context.Background(), node.ID))
	got, err := env.svc.Get(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, node.ID, got.ID)

	_, err = env.svc.DeleteBatch(context.Background(), []int64{node.ID})
	require.NoError(t, err)
	_, err = env.svc.Get(context.Background(), node.ID)
	assert.True(t, errors.Is(err, repository.ErrNotFound))
}

// pausingRepo holds the first Get after it has read the node
type pausingRepo struct {
	repository.NodeRepository
	armed   atomic.Bool
	reached chan struct{}
	release chan struct{}
}

func (r *pausingRepo) Get(ctx context.Context, id int64) (*model.Node, error) {
	node, err := r.NodeRepository.Get(ctx, id)
	if r.armed.CompareAndSwap(true, false) {
		close(r.reached)
		<-r.release
	}
	return node, err
}

func TestGetDoesNotCacheNodeOverwrittenDuringRead(t *testing.T) {
	env := newTestEnv(t, healthyExecutor(), 4)
	node := env.addNode(t, "10.0.0.1", model.StatusDisabled)

	repo := &pausingRepo{NodeRepository: env.repo, reached: make(chan struct{}), release: make(chan struct{})}
	repo.armed.Store(true)
	env.svc.repo = repo

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = env.svc.Get(context.Background(), node.ID)
	}()

	<-repo.reached
	_, err := env.svc.ForceStatus(context.Background(), []int64{node.ID}, model.StatusEnabled)
	require.NoError(t, err)
	close(repo.release)
	<-done

	got, err := env.svc.Get(context.Background(), node.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusEnabled, got.Status)
}
