package coregroup

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vectornorth/npud-offload/pkg/executable"
	"github.com/vectornorth/npud-offload/pkg/rpcclient"
	"github.com/vectornorth/npud-offload/pkg/shmem"
)

// Group owns a set of execution-group reservations on the accelerator and
// the model bookkeeping for them: the logical-id to replica map, the single
// running model, the per-model replica cursor, and the per-model in-flight
// permits. All state is guarded by one mutex; the hardware constraint that
// only one model can run on the reservation at a time is enforced in
// startModelLocked.
type Group struct {
	mu        sync.Mutex
	client    rpcclient.Client
	sessionID uint64
	closed    bool

	numCores int
	egIDs    []uint32

	running   uint32
	replicas  map[uint32][]uint32
	activeIdx map[uint32]int
	sems      map[uint32]*semaphore.Weighted
	limits    map[uint32]int64

	shm *shmem.Manager
}

func New(client rpcclient.Client) *Group {
	return &Group{
		client:    client,
		running:   rpcclient.InvalidModel,
		replicas:  make(map[uint32][]uint32),
		activeIdx: make(map[uint32]int),
		sems:      make(map[uint32]*semaphore.Weighted),
		limits:    make(map[uint32]int64),
	}
}

// Init reserves duplication execution groups of coreCount cores each.
// Duplication mode only supports single-core replicas: when duplication > 1
// every reservation must come back sized exactly 1 core.
func (g *Group) Init(ctx context.Context, coreCount, duplication int, sessionID uint64, withShm bool) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return status.Error(codes.Aborted, "core group is closed")
	}
	g.sessionID = sessionID
	if duplication <= 1 {
		egID, numCores, err := g.client.CreateGroup(ctx, coreCount)
		if err != nil {
			return err
		}
		g.egIDs = append(g.egIDs, egID)
		g.numCores = numCores
	} else {
		for i := 0; i < duplication; i++ {
			egID, numCores, err := g.client.CreateGroup(ctx, coreCount)
			if err != nil {
				g.destroyExecutionGroupsLocked(ctx)
				return err
			}
			g.egIDs = append(g.egIDs, egID)
			if numCores != 1 {
				g.destroyExecutionGroupsLocked(ctx)
				return status.Errorf(codes.InvalidArgument,
					"execution group size %d is not allowed in model duplication mode", numCores)
			}
			g.numCores = coreCount
		}
	}
	if withShm {
		g.shm = shmem.NewManager(g.client, sessionID)
	}
	log.Debugf("initialized core group with %d execution groups of %d cores", len(g.egIDs), g.numCores)
	return nil
}

// NumCores is the per-execution-group core count reserved at Init.
func (g *Group) NumCores() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.numCores
}

// Duplication is the number of execution groups, i.e. replicas per model.
func (g *Group) Duplication() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.egIDs)
}

// NumLoaded is the number of logical models currently mapped.
func (g *Group) NumLoaded() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.replicas)
}

// ShmPool returns the group's shared-memory pool, nil when shared memory
// was not requested at Init.
func (g *Group) ShmPool() *shmem.Manager {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.shm
}

// RunningModel returns the logical id currently marked running.
func (g *Group) RunningModel() (uint32, bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.running, g.running != rpcclient.InvalidModel
}

// Load loads the executable onto every execution group of this core group
// as one atomic unit: if any replica load fails, the replicas loaded in
// this attempt are unloaded again and the original error is returned. The
// logical id of the model is the id of its first replica.
func (g *Group) Load(ctx context.Context, exe *executable.Executable, opts rpcclient.LoadOptions) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return rpcclient.InvalidModel, status.Error(codes.Aborted, "core group is closed")
	}
	if len(g.egIDs) == 0 {
		return rpcclient.InvalidModel, status.Error(codes.Unavailable, "core group is uninitialized")
	}
	if opts.MaxInFlight == 0 {
		// dynamic-batch models are driven through the chunked pipeline
		// and get a deeper in-flight window by default
		if exe.DynamicBatch() {
			opts.MaxInFlight = 4
		} else {
			opts.MaxInFlight = 1
		}
	}
	opts.SessionID = g.sessionID

	var all []uint32
	for _, egID := range g.egIDs {
		id, err := g.client.Load(ctx, egID, exe.Bytes, opts)
		if err != nil {
			g.unloadReplicasLocked(ctx, all)
			return rpcclient.InvalidModel, err
		}
		all = append(all, id)
	}
	logicalID := all[0]
	if _, ok := g.replicas[logicalID]; ok {
		g.unloadReplicasLocked(ctx, all)
		return rpcclient.InvalidModel, status.Errorf(codes.AlreadyExists,
			"model %d is already mapped", logicalID)
	}
	g.replicas[logicalID] = all
	g.activeIdx[logicalID] = 0
	g.sems[logicalID] = semaphore.NewWeighted(int64(opts.MaxInFlight))
	g.limits[logicalID] = int64(opts.MaxInFlight)
	log.Debugf("loaded model %d on %d execution groups", logicalID, len(all))
	return logicalID, nil
}

// Unload stops the model if it is running and unloads all of its replicas.
// Unknown ids are a no-op. Sub-operation failures are logged, not returned.
func (g *Group) Unload(ctx context.Context, logicalID uint32) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	all, ok := g.replicas[logicalID]
	if !ok {
		log.Debugf("model %d is not loaded", logicalID)
		return
	}
	if g.running == logicalID {
		for _, id := range all {
			if err := g.client.Stop(ctx, id); err != nil {
				log.Warnf("stop model %d: %s", id, err)
			}
		}
		g.running = rpcclient.InvalidModel
	}
	g.unloadReplicasLocked(ctx, all)
	delete(g.replicas, logicalID)
	delete(g.activeIdx, logicalID)
	delete(g.sems, logicalID)
	delete(g.limits, logicalID)
}

func (g *Group) unloadReplicasLocked(ctx context.Context, ids []uint32) {
	for _, id := range ids {
		if err := g.client.Unload(ctx, id); err != nil {
			log.Warnf("unload model %d: %s", id, err)
		}
	}
}

func (g *Group) destroyExecutionGroupsLocked(ctx context.Context) {
	for _, egID := range g.egIDs {
		if err := g.client.DestroyGroup(ctx, egID); err != nil {
			log.Warnf("destroy execution group %d: %s", egID, err)
		}
	}
	g.egIDs = nil
	g.numCores = 0
}

// startModelLocked enforces the single-active-model hardware constraint:
// when a different model is running its replicas are stopped first, stops
// and starts posted to all replicas before waiting on any so replica
// latency is not serialized. The caller must hold g.mu.
func (g *Group) startModelLocked(ctx context.Context, logicalID uint32) error {
	if g.closed {
		return status.Error(codes.Aborted, "core group is closed")
	}
	all, ok := g.replicas[logicalID]
	if !ok {
		return status.Errorf(codes.InvalidArgument, "model %d is not loaded", logicalID)
	}
	if g.running != logicalID && g.running != rpcclient.InvalidModel {
		var cookies []rpcclient.Cookie
		for _, id := range g.replicas[g.running] {
			cookie, err := g.client.StopPost(ctx, id)
			if err != nil {
				return err
			}
			cookies = append(cookies, cookie)
		}
		for _, cookie := range cookies {
			if err := g.client.StopWait(ctx, cookie); err != nil {
				return err
			}
		}
		g.running = rpcclient.InvalidModel
	}
	if g.running == rpcclient.InvalidModel {
		var cookies []rpcclient.Cookie
		for _, id := range all {
			cookie, err := g.client.StartPost(ctx, id)
			if err != nil {
				return err
			}
			cookies = append(cookies, cookie)
		}
		for _, cookie := range cookies {
			if err := g.client.StartWait(ctx, cookie); err != nil {
				return err
			}
		}
		g.running = logicalID
	}
	return nil
}

func (g *Group) activeReplicaLocked(logicalID uint32) (uint32, error) {
	all, ok := g.replicas[logicalID]
	if !ok {
		return rpcclient.InvalidModel, status.Errorf(codes.InvalidArgument,
			"no active replica can be found for model %d", logicalID)
	}
	idx := g.activeIdx[logicalID]
	g.activeIdx[logicalID] = (idx + 1) % len(all)
	return all[idx], nil
}

// ActiveReplica returns the replicas of a loaded model in round-robin
// order, advancing the per-model cursor on every call.
func (g *Group) ActiveReplica(logicalID uint32) (uint32, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.activeReplicaLocked(logicalID)
}

// Infer is the simple synchronous path: it holds the group lock across the
// model swap and the full daemon round trip, so at most one synchronous
// call executes per group at a time.
func (g *Group) Infer(ctx context.Context, logicalID uint32, inputs, shmOutputs []rpcclient.IOBuffer) ([]rpcclient.IOBuffer, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if err := g.startModelLocked(ctx, logicalID); err != nil {
		return nil, err
	}
	replica, err := g.activeReplicaLocked(logicalID)
	if err != nil {
		return nil, err
	}
	return g.client.Infer(ctx, replica, inputs, shmOutputs)
}

// InferPost acquires one in-flight permit for the model, performs the model
// swap if needed, and posts the request to the next replica. The permit is
// acquired and the request posted without the group lock, so concurrent
// pipelined callers are bounded only by the counting resource; the lock
// covers just the swap decision and the replica pick. The permit is NOT
// released by InferWait; the caller returns it through ReleaseSlot once the
// completion is accounted for.
func (g *Group) InferPost(ctx context.Context, logicalID uint32, inputs []rpcclient.IOBuffer) (rpcclient.Cookie, error) {
	g.mu.Lock()
	if g.closed {
		g.mu.Unlock()
		return 0, status.Error(codes.Aborted, "core group is closed")
	}
	sem, ok := g.sems[logicalID]
	g.mu.Unlock()
	if !ok {
		return 0, status.Errorf(codes.InvalidArgument, "model %d is not loaded", logicalID)
	}
	if err := sem.Acquire(ctx, 1); err != nil {
		return 0, status.Errorf(codes.Unavailable, "in-flight permit: %v", err)
	}

	g.mu.Lock()
	if err := g.startModelLocked(ctx, logicalID); err != nil {
		g.mu.Unlock()
		sem.Release(1)
		return 0, err
	}
	replica, err := g.activeReplicaLocked(logicalID)
	g.mu.Unlock()
	if err != nil {
		sem.Release(1)
		return 0, err
	}

	cookie, err := g.client.InferPost(ctx, replica, inputs)
	if err != nil {
		sem.Release(1)
		return 0, err
	}
	return cookie, nil
}

// InferWait blocks until the response for a posted request arrives. It
// performs no permit bookkeeping.
func (g *Group) InferWait(ctx context.Context, cookie rpcclient.Cookie) ([]rpcclient.IOBuffer, error) {
	return g.client.InferWait(ctx, cookie)
}

// InFlightLimit is the permit capacity the model was loaded with, 0 for
// unknown ids.
func (g *Group) InFlightLimit(logicalID uint32) int64 {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limits[logicalID]
}

// ReleaseSlot returns one in-flight permit for the model.
func (g *Group) ReleaseSlot(logicalID uint32) {
	g.mu.Lock()
	sem := g.sems[logicalID]
	g.mu.Unlock()
	if sem != nil {
		sem.Release(1)
	}
}

// Clear stops and unloads every model and releases every execution group.
// With fromGlobalState the group is marked closed first so concurrent
// callers observe Aborted instead of racing the teardown, and the internal
// maps are deliberately not cleared: the emergency path may run while
// another thread was interrupted mid-mutation, so it prefers leaking the
// collections over blocking on them.
func (g *Group) Clear(ctx context.Context, fromGlobalState bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.closed {
		return
	}
	if fromGlobalState {
		g.closed = true
	}
	for logicalID, all := range g.replicas {
		if g.running == logicalID {
			for _, id := range all {
				if err := g.client.Stop(ctx, id); err != nil {
					log.Warnf("stop model %d: %s", id, err)
				}
			}
		}
		g.unloadReplicasLocked(ctx, all)
	}
	g.destroyExecutionGroupsLocked(ctx)
	if g.shm != nil {
		g.shm.Clear(ctx)
	}
	if !fromGlobalState {
		g.running = rpcclient.InvalidModel
		g.replicas = make(map[uint32][]uint32)
		g.activeIdx = make(map[uint32]int)
		g.sems = make(map[uint32]*semaphore.Weighted)
		g.limits = make(map[uint32]int64)
	}
	log.Debug("core group cleared")
}
