package groupmgr

import (
	"context"
	"sync"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vectornorth/npud-offload/pkg/coregroup"
	"github.com/vectornorth/npud-offload/pkg/executable"
	"github.com/vectornorth/npud-offload/pkg/pipeline"
	"github.com/vectornorth/npud-offload/pkg/rpcclient"
)

// Manager owns the ordered sequence of core groups carved out of the
// accelerator and hands them to callers round-robin. One Manager exists per
// process; it initializes lazily on the first ApplyForGroup call and is
// torn down once through Clear or, from a termination path, through
// ClearFromGlobalState.
type Manager struct {
	mu        sync.Mutex
	client    rpcclient.Client
	cfg       Config
	ready     bool
	groups    []*coregroup.Group
	next      int
	sessionID uint64
}

func New(client rpcclient.Client, cfg Config) *Manager {
	return &Manager{client: client, cfg: cfg}
}

func (m *Manager) initializeLocked(ctx context.Context, optSize, maxDuplicates int) error {
	m.sessionID = rpcclient.NextSessionID()
	specs, source := PlanTopology(m.cfg.CoreGroupSizes, optSize, maxDuplicates)
	if source == PlanFallback {
		log.Warnf("core group topology %q looks ill-formatted, "+
			"falling back to the default topology", m.cfg.CoreGroupSizes)
	}
	usingDefault := source != PlanConfigured
	err := m.initGroupsLocked(ctx, specs, usingDefault)
	if err != nil {
		if usingDefault {
			return status.Errorf(codes.FailedPrecondition,
				"cannot construct the default core group topology: %v", err)
		}
		return err
	}
	m.ready = true
	return nil
}

func (m *Manager) initGroupsLocked(ctx context.Context, specs []GroupSpec, searchDownward bool) error {
	err := status.Error(codes.ResourceExhausted, "no core group can be initialized")
	for _, spec := range specs {
		group := coregroup.New(m.client)
		initErr := group.Init(ctx, spec.CoreCount, spec.Duplication, m.sessionID, !m.cfg.DisableShm)
		if initErr != nil && searchDownward && len(specs) == 1 && spec.Duplication <= 1 {
			// single default group: settle for the largest reservable size
			for cores := spec.CoreCount - 1; cores >= MinCores && initErr != nil; cores-- {
				initErr = group.Init(ctx, cores, 1, m.sessionID, !m.cfg.DisableShm)
			}
		}
		if initErr != nil {
			if status.Code(initErr) != codes.Aborted {
				log.Warnf("cannot initialize core group with %d cores, "+
					"stopping initialization: %s", spec.CoreCount, initErr)
			}
			err = initErr
			break
		}
		m.groups = append(m.groups, group)
		log.Debugf("initialized core group of size %d, duplication %d",
			spec.CoreCount, spec.Duplication)
	}
	if len(m.groups) == 0 {
		return err
	}
	return nil
}

// ApplyForGroup returns a core group for the caller to load models onto.
// The manager initializes lazily on the first call. When explicitIndex is
// within range that group is returned directly; otherwise groups are handed
// out in round-robin order.
func (m *Manager) ApplyForGroup(ctx context.Context, optSize, maxDuplicates, explicitIndex int) (*coregroup.Group, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if !m.ready {
		if err := m.initializeLocked(ctx, optSize, maxDuplicates); err != nil {
			return nil, err
		}
	}
	if explicitIndex >= 0 && explicitIndex < len(m.groups) {
		return m.groups[explicitIndex], nil
	}
	group := m.groups[m.next]
	m.next = (m.next + 1) % len(m.groups)
	return group, nil
}

// NewRunner builds the inference runner for a model loaded on one of the
// manager's groups, wiring in the group's shared-memory pool and, when a
// profile directory is configured, executable artifact dumping for the
// offline profiler.
func (m *Manager) NewRunner(group *coregroup.Group, exe *executable.Executable, modelID uint32, opName string) *pipeline.Runner {
	r := pipeline.New(group, exe, modelID)
	r.Shm = group.ShmPool()
	if m.cfg.ProfileDir != "" {
		r.Profile = &pipeline.Profile{Dir: m.cfg.ProfileDir, OpName: opName}
	}
	return r
}

// NumGroups reports how many core groups are initialized.
func (m *Manager) NumGroups() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.groups)
}

// Clear tears down every core group: running models stopped, everything
// unloaded, execution groups released. Idempotent.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(ctx, false)
}

// ClearFromGlobalState is the emergency teardown invoked from an
// asynchronous termination path. Groups are closed first so concurrent
// callers observe Aborted, and per-group collections may be leaked rather
// than risking a block against a thread interrupted mid-mutation.
func (m *Manager) ClearFromGlobalState() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.clearLocked(context.Background(), true)
}

func (m *Manager) clearLocked(ctx context.Context, fromGlobalState bool) {
	for _, group := range m.groups {
		group.Clear(ctx, fromGlobalState)
	}
	m.groups = nil
	m.next = 0
	m.ready = false
	log.Debug("core group manager cleared")
}

// ClearIfEmpty tears the manager down when no group has any loaded model
// left, releasing the accelerator once the last user is gone.
func (m *Manager) ClearIfEmpty(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, group := range m.groups {
		if group.NumLoaded() != 0 {
			return
		}
	}
	m.clearLocked(ctx, false)
}
