package shmem

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	log "github.com/sirupsen/logrus"
	"golang.org/x/sys/unix"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vectornorth/npud-offload/pkg/rpcclient"
)

const (
	shmDir          = "/dev/shm"
	nameGenAttempts = 64
)

// Buffer is one OS-backed shared-memory segment mapped both locally and in
// npud. A buffer is owned exclusively by whoever checked it out of the
// manager and must be returned with Free before the call returns.
type Buffer struct {
	name string
	size int
	data []byte
}

// Path is the POSIX shared-memory name npud knows the segment by.
func (b *Buffer) Path() string { return b.name }

// Size is the segment size in bytes.
func (b *Buffer) Size() int { return b.size }

// Bytes is the locally mapped view of the segment.
func (b *Buffer) Bytes() []byte { return b.data }

// Manager pools shared-memory segments by exact byte size so steady-state
// inference reuses mappings instead of renegotiating them with npud on
// every call. A manager that has once failed to set up a segment stays
// invalid: all further Allocate calls return nil and callers fall back to
// copying tensor bytes over the RPC channel.
type Manager struct {
	mu        sync.Mutex
	client    rpcclient.Client
	sessionID uint64
	invalid   bool
	cleared   bool
	free      map[int][]*Buffer
	all       []*Buffer
}

func NewManager(client rpcclient.Client, sessionID uint64) *Manager {
	return &Manager{
		client:    client,
		sessionID: sessionID,
		free:      make(map[int][]*Buffer),
	}
}

// openSegment creates a fresh uniquely named segment file. O_EXCL detects
// name collisions, retried with a new name up to nameGenAttempts times.
func openSegment() (string, int, error) {
	for i := 0; i < nameGenAttempts; i++ {
		name := fmt.Sprintf("/npud_shm_%s", uuid.NewString())
		fd, err := unix.Open(shmDir+name, unix.O_CREAT|unix.O_EXCL|unix.O_RDWR, 0666)
		if err == unix.EEXIST {
			continue
		}
		if err != nil {
			return "", -1, status.Errorf(codes.Internal, "shm_open %s: %v", name, err)
		}
		return name, fd, nil
	}
	return "", -1, status.Error(codes.ResourceExhausted,
		"cannot generate unique file name for shared memory")
}

func createSegment(size int) (*Buffer, error) {
	name, fd, err := openSegment()
	if err != nil {
		return nil, err
	}
	defer unix.Close(fd)
	if err := unix.Ftruncate(fd, int64(size)); err != nil {
		unix.Unlink(shmDir + name)
		return nil, status.Errorf(codes.Internal, "ftruncate %s: %v", name, err)
	}
	data, err := unix.Mmap(fd, 0, size, unix.PROT_READ|unix.PROT_WRITE, unix.MAP_SHARED)
	if err != nil {
		unix.Unlink(shmDir + name)
		return nil, status.Errorf(codes.Internal, "mmap %s: %v", name, err)
	}
	return &Buffer{name: name, size: size, data: data}, nil
}

// Allocate returns a free pooled buffer of exactly the requested size, or
// creates and daemon-registers a new segment on a size-class miss. It
// returns nil once the manager is invalid; the first failed negotiation
// with npud flips the manager invalid so it is never retried.
func (m *Manager) Allocate(ctx context.Context, size int) *Buffer {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invalid {
		return nil
	}
	if bufs := m.free[size]; len(bufs) > 0 {
		buf := bufs[len(bufs)-1]
		m.free[size] = bufs[:len(bufs)-1]
		return buf
	}
	buf, err := createSegment(size)
	if err != nil {
		log.Warnf("shared memory segment setup failed, disabling shared memory: %s", err)
		m.invalid = true
		return nil
	}
	if err := m.client.ShmMap(ctx, buf.name, m.sessionID); err != nil {
		log.Warnf("npud rejected shared memory mapping, disabling shared memory: %s", err)
		m.releaseSegment(ctx, buf, false)
		m.invalid = true
		return nil
	}
	m.all = append(m.all, buf)
	return buf
}

// Free returns a checked-out buffer to its size class. The segment stays
// mapped on both sides.
func (m *Manager) Free(buf *Buffer) {
	if buf == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.invalid {
		return
	}
	m.free[buf.size] = append(m.free[buf.size], buf)
}

// Clear releases every tracked segment and marks the manager permanently
// invalid. Segments mapped before the manager turned invalid are still
// released. Individual release failures are downgraded to warnings so one
// bad segment never blocks releasing the rest.
func (m *Manager) Clear(ctx context.Context) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cleared {
		return
	}
	for _, buf := range m.all {
		m.releaseSegment(ctx, buf, true)
	}
	m.all = nil
	m.free = make(map[int][]*Buffer)
	m.invalid = true
	m.cleared = true
	log.Debug("shared memory manager cleared")
}

func (m *Manager) releaseSegment(ctx context.Context, buf *Buffer, daemonMapped bool) {
	if daemonMapped {
		if err := m.client.ShmUnmap(ctx, buf.name); err != nil {
			log.Warnf("shm_unmap %s: %s", buf.name, err)
		}
	}
	if err := unix.Munmap(buf.data); err != nil {
		log.Warnf("munmap %s: %s", buf.name, err)
	}
	buf.data = nil
	if err := unix.Unlink(shmDir + buf.name); err != nil {
		log.Warnf("shm_unlink %s: %s", buf.name, err)
	}
}
