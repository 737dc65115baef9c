package rpcclient

import (
	"context"
	"sync/atomic"
)

const (
	// InvalidGroup and InvalidModel mark ids that were never assigned by npud.
	InvalidGroup uint32 = 0xffffffff
	InvalidModel uint32 = 0xffffffff
)

// Cookie is the opaque completion handle returned by a posted request.
// Every cookie must be waited exactly once.
type Cookie uint64

// IOBuffer carries one named tensor payload between the client and npud.
// Either Data holds the bytes inline, or ShmPath names a shared-memory
// segment already mapped on both sides.
type IOBuffer struct {
	Name    string
	Data    []byte
	ShmPath string
}

// LoadOptions are the model parameters npud needs at load time.
type LoadOptions struct {
	TimeoutSeconds uint32
	MaxInFlight    uint32
	ProfileEnabled bool
	SessionID      uint64
}

// Client is the npud daemon surface consumed by the offload core. The wire
// encoding lives behind this interface; implementations wrap the generated
// daemon stubs or, in tests, an in-memory daemon.
type Client interface {
	CreateGroup(ctx context.Context, coresRequested int) (groupID uint32, numCores int, err error)
	DestroyGroup(ctx context.Context, groupID uint32) error

	Load(ctx context.Context, groupID uint32, executable []byte, opts LoadOptions) (modelID uint32, err error)

	Start(ctx context.Context, modelID uint32) error
	StartPost(ctx context.Context, modelID uint32) (Cookie, error)
	StartWait(ctx context.Context, cookie Cookie) error
	Stop(ctx context.Context, modelID uint32) error
	StopPost(ctx context.Context, modelID uint32) (Cookie, error)
	StopWait(ctx context.Context, cookie Cookie) error
	Unload(ctx context.Context, modelID uint32) error

	Infer(ctx context.Context, modelID uint32, inputs []IOBuffer, shmOutputs []IOBuffer) ([]IOBuffer, error)
	InferPost(ctx context.Context, modelID uint32, inputs []IOBuffer) (Cookie, error)
	InferWait(ctx context.Context, cookie Cookie) ([]IOBuffer, error)

	ShmMap(ctx context.Context, path string, sessionID uint64) error
	ShmUnmap(ctx context.Context, path string) error
}

var sessionCounter uint64

// NextSessionID hands out process-unique session ids attached to loads and
// shared-memory registrations so npud can garbage-collect leftovers of a
// crashed client.
func NextSessionID() uint64 {
	return atomic.AddUint64(&sessionCounter, 1)
}
