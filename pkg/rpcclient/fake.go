package rpcclient

import (
	"context"
	"fmt"
	"sync"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// Fake is an in-memory npud used by the package test suites. It hands out
// monotonically increasing group and model ids, tracks which models are
// started, and resolves post/wait cookies immediately. Behavior can be bent
// through the hook funcs for failure injection.
type Fake struct {
	mu      sync.Mutex
	nextID  uint32
	cookie  uint64
	groups  map[uint32]int
	models  map[uint32]uint32
	started map[uint32]bool
	pending map[Cookie]func(context.Context) ([]IOBuffer, error)

	// Hooks, all optional.
	CreateGroupHook func(requested int) error
	CreateGroupSize func(requested int) int
	LoadHook        func(groupID uint32, executable []byte, opts LoadOptions) error
	LoadIDHook      func(groupID uint32) uint32
	InferHook       func(modelID uint32, inputs []IOBuffer) ([]IOBuffer, error)

	RejectShm bool
	shmMapped map[string]bool

	// Calls records daemon operations in order, e.g. "load g0", "stop m3".
	Calls []string

	outstanding    int
	MaxOutstanding int
}

func NewFake() *Fake {
	return &Fake{
		groups:    make(map[uint32]int),
		models:    make(map[uint32]uint32),
		started:   make(map[uint32]bool),
		pending:   make(map[Cookie]func(context.Context) ([]IOBuffer, error)),
		shmMapped: make(map[string]bool),
	}
}

func (f *Fake) record(format string, args ...interface{}) {
	f.Calls = append(f.Calls, fmt.Sprintf(format, args...))
}

func (f *Fake) newCookie(resolve func(context.Context) ([]IOBuffer, error)) Cookie {
	f.cookie++
	c := Cookie(f.cookie)
	f.pending[c] = resolve
	return c
}

func (f *Fake) take(cookie Cookie) (func(context.Context) ([]IOBuffer, error), error) {
	resolve, ok := f.pending[cookie]
	if !ok {
		return nil, status.Errorf(codes.Internal, "unknown cookie %d", cookie)
	}
	delete(f.pending, cookie)
	return resolve, nil
}

func (f *Fake) CreateGroup(ctx context.Context, coresRequested int) (uint32, int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.CreateGroupHook != nil {
		if err := f.CreateGroupHook(coresRequested); err != nil {
			return InvalidGroup, 0, err
		}
	}
	size := coresRequested
	if f.CreateGroupSize != nil {
		size = f.CreateGroupSize(coresRequested)
	}
	id := f.nextID
	f.nextID++
	f.groups[id] = size
	f.record("create_group g%d cores=%d", id, size)
	return id, size, nil
}

func (f *Fake) DestroyGroup(ctx context.Context, groupID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.groups[groupID]; !ok {
		return status.Errorf(codes.NotFound, "group %d does not exist", groupID)
	}
	delete(f.groups, groupID)
	f.record("destroy_group g%d", groupID)
	return nil
}

func (f *Fake) Load(ctx context.Context, groupID uint32, executable []byte, opts LoadOptions) (uint32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.LoadHook != nil {
		if err := f.LoadHook(groupID, executable, opts); err != nil {
			return InvalidModel, err
		}
	}
	if _, ok := f.groups[groupID]; !ok {
		return InvalidModel, status.Errorf(codes.NotFound, "group %d does not exist", groupID)
	}
	id := f.nextID
	f.nextID++
	if f.LoadIDHook != nil {
		id = f.LoadIDHook(groupID)
	}
	f.models[id] = groupID
	f.record("load g%d -> m%d", groupID, id)
	return id, nil
}

func (f *Fake) Unload(ctx context.Context, modelID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.models, modelID)
	delete(f.started, modelID)
	f.record("unload m%d", modelID)
	return nil
}

func (f *Fake) Start(ctx context.Context, modelID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.started[modelID] = true
	f.record("start m%d", modelID)
	return nil
}

func (f *Fake) StartPost(ctx context.Context, modelID uint32) (Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("start_post m%d", modelID)
	return f.newCookie(func(context.Context) ([]IOBuffer, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		f.started[modelID] = true
		f.record("start_wait m%d", modelID)
		return nil, nil
	}), nil
}

func (f *Fake) StartWait(ctx context.Context, cookie Cookie) error {
	f.mu.Lock()
	resolve, err := f.take(cookie)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = resolve(ctx)
	return err
}

func (f *Fake) Stop(ctx context.Context, modelID uint32) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.started, modelID)
	f.record("stop m%d", modelID)
	return nil
}

func (f *Fake) StopPost(ctx context.Context, modelID uint32) (Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.record("stop_post m%d", modelID)
	return f.newCookie(func(context.Context) ([]IOBuffer, error) {
		f.mu.Lock()
		defer f.mu.Unlock()
		delete(f.started, modelID)
		f.record("stop_wait m%d", modelID)
		return nil, nil
	}), nil
}

func (f *Fake) StopWait(ctx context.Context, cookie Cookie) error {
	f.mu.Lock()
	resolve, err := f.take(cookie)
	f.mu.Unlock()
	if err != nil {
		return err
	}
	_, err = resolve(ctx)
	return err
}

func (f *Fake) Infer(ctx context.Context, modelID uint32, inputs []IOBuffer, shmOutputs []IOBuffer) ([]IOBuffer, error) {
	f.mu.Lock()
	hook := f.InferHook
	f.record("infer m%d", modelID)
	f.mu.Unlock()
	if hook != nil {
		return hook(modelID, inputs)
	}
	return nil, nil
}

func (f *Fake) InferPost(ctx context.Context, modelID uint32, inputs []IOBuffer) (Cookie, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.outstanding++
	if f.outstanding > f.MaxOutstanding {
		f.MaxOutstanding = f.outstanding
	}
	hook := f.InferHook
	f.record("infer_post m%d", modelID)
	return f.newCookie(func(context.Context) ([]IOBuffer, error) {
		f.mu.Lock()
		f.outstanding--
		f.record("infer_wait m%d", modelID)
		f.mu.Unlock()
		if hook != nil {
			return hook(modelID, inputs)
		}
		return nil, nil
	}), nil
}

func (f *Fake) InferWait(ctx context.Context, cookie Cookie) ([]IOBuffer, error) {
	f.mu.Lock()
	resolve, err := f.take(cookie)
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	return resolve(ctx)
}

func (f *Fake) ShmMap(ctx context.Context, path string, sessionID uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.RejectShm {
		return status.Error(codes.Unimplemented, "shared memory is not supported")
	}
	f.shmMapped[path] = true
	f.record("shm_map %s", path)
	return nil
}

func (f *Fake) ShmUnmap(ctx context.Context, path string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.shmMapped, path)
	f.record("shm_unmap %s", path)
	return nil
}

// Outstanding reports how many posted inference requests have not been
// waited yet.
func (f *Fake) Outstanding() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.outstanding
}

// MappedSegments reports how many shared-memory paths are currently mapped
// daemon-side.
func (f *Fake) MappedSegments() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.shmMapped)
}

// Started reports whether npud considers the model running.
func (f *Fake) Started(modelID uint32) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.started[modelID]
}

// StartedCount returns the number of models npud considers running.
func (f *Fake) StartedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.started)
}

// LoadedCount returns the number of models npud considers loaded.
func (f *Fake) LoadedCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.models)
}

var _ Client = (*Fake)(nil)
