package shmem

import (
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"

	"github.com/vectornorth/npud-offload/pkg/rpcclient"
)

func TestShmem(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Shared Memory Suite")
}

var _ = Describe("Shared memory manager", func() {

	var (
		ctx    context.Context
		client *rpcclient.Fake
		mgr    *Manager
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = rpcclient.NewFake()
		mgr = NewManager(client, 1)
	})

	AfterEach(func() {
		mgr.Clear(ctx)
	})

	Context("pooling", func() {
		It("reuses a freed buffer of the same size", func() {
			b1 := mgr.Allocate(ctx, 4096)
			Expect(b1).NotTo(BeNil())
			Expect(b1.Size()).To(Equal(4096))
			mgr.Free(b1)
			b2 := mgr.Allocate(ctx, 4096)
			Expect(b2).To(BeIdenticalTo(b1))
		})
		It("creates a distinct segment for a different size class", func() {
			b1 := mgr.Allocate(ctx, 4096)
			mgr.Free(b1)
			b2 := mgr.Allocate(ctx, 8192)
			Expect(b2).NotTo(BeIdenticalTo(b1))
			Expect(b2.Size()).To(Equal(8192))
			mgr.Free(b2)
		})
		It("registers every new segment with the daemon exactly once", func() {
			b := mgr.Allocate(ctx, 1024)
			mgr.Free(b)
			again := mgr.Allocate(ctx, 1024)
			mgr.Free(again)
			Expect(client.MappedSegments()).To(Equal(1))
		})
		It("names every segment uniquely", func() {
			b1 := mgr.Allocate(ctx, 512)
			b2 := mgr.Allocate(ctx, 512)
			Expect(b1).NotTo(BeNil())
			Expect(b2).NotTo(BeNil())
			Expect(b1.Path()).NotTo(Equal(b2.Path()))
			mgr.Free(b1)
			mgr.Free(b2)
		})
		It("hands out locally writable mappings", func() {
			b := mgr.Allocate(ctx, 64)
			Expect(b).NotTo(BeNil())
			b.Bytes()[0] = 0x7f
			Expect(b.Bytes()[0]).To(Equal(byte(0x7f)))
			mgr.Free(b)
		})
	})

	Context("daemon without shared-memory support", func() {
		It("turns invalid on the first rejection and stays so", func() {
			client.RejectShm = true
			Expect(mgr.Allocate(ctx, 4096)).To(BeNil())
			calls := len(client.Calls)
			Expect(mgr.Allocate(ctx, 4096)).To(BeNil())
			Expect(len(client.Calls)).To(Equal(calls))
			Expect(client.MappedSegments()).To(Equal(0))
		})
	})

	Context("teardown", func() {
		It("unmaps everything and refuses further allocations", func() {
			b := mgr.Allocate(ctx, 2048)
			Expect(b).NotTo(BeNil())
			mgr.Free(b)
			mgr.Clear(ctx)
			Expect(client.MappedSegments()).To(Equal(0))
			Expect(mgr.Allocate(ctx, 2048)).To(BeNil())
		})
		It("is idempotent", func() {
			mgr.Clear(ctx)
			mgr.Clear(ctx)
		})
		It("releases segments mapped before the manager turned invalid", func() {
			b := mgr.Allocate(ctx, 4096)
			Expect(b).NotTo(BeNil())
			mgr.Free(b)
			client.RejectShm = true
			Expect(mgr.Allocate(ctx, 8192)).To(BeNil())
			mgr.Clear(ctx)
			Expect(client.MappedSegments()).To(Equal(0))
		})
	})
})
