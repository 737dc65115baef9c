package pipeline

import (
	"bytes"
	"context"
	"testing"

	. "github.com/onsi/ginkgo"
	. "github.com/onsi/gomega"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vectornorth/npud-offload/pkg/coregroup"
	"github.com/vectornorth/npud-offload/pkg/executable"
	"github.com/vectornorth/npud-offload/pkg/rpcclient"
	"github.com/vectornorth/npud-offload/pkg/shmem"
)

func TestPipeline(t *testing.T) {
	RegisterFailHandler(Fail)
	RunSpecs(t, "Inference Pipeline Suite")
}

// testExe declares one batch-varying input "x" of hardware batch size 4
// with 8-byte rows, one fixed input "scale", one batch-varying output "y"
// echoing x, and one fixed output "state".
func testExe() *executable.Executable {
	exe, err := executable.New([]byte{0xca, 0xfe},
		[]string{"x", "scale"},
		[]executable.DType{executable.Float32, executable.Float32},
		[][]int64{{4, 2}, {2}},
		[]int{0, executable.NoBatchAxis},
		[]string{"y", "state"},
		[]executable.DType{executable.Float32, executable.Float32},
		[][]int64{{4, 2}, {3}},
		[]int{0, executable.NoBatchAxis},
	)
	Expect(err).NotTo(HaveOccurred())
	return exe
}

// rowTensor builds a [rows,2] float32 tensor whose row r is filled with the
// byte value r+1, so padding (zero) rows are distinguishable.
func rowTensor(rows int) *executable.HostTensor {
	t := executable.NewHostTensor(executable.Float32, []int64{int64(rows), 2})
	data := t.Bytes()
	for r := 0; r < rows; r++ {
		for i := 0; i < 8; i++ {
			data[r*8+i] = byte(r + 1)
		}
	}
	return t
}

func scaleTensor() *executable.HostTensor {
	return executable.NewHostTensor(executable.Float32, []int64{2})
}

var stateBytes = []byte{9, 9, 9, 9, 8, 8, 8, 8, 7, 7, 7, 7}

// echoHook answers every inference with y = x and a constant state.
func echoHook(chunks *[][]byte) func(uint32, []rpcclient.IOBuffer) ([]rpcclient.IOBuffer, error) {
	return func(_ uint32, inputs []rpcclient.IOBuffer) ([]rpcclient.IOBuffer, error) {
		var x []byte
		for _, in := range inputs {
			if in.Name == "x" {
				x = append([]byte(nil), in.Data...)
			}
		}
		if chunks != nil {
			*chunks = append(*chunks, x)
		}
		return []rpcclient.IOBuffer{
			{Name: "y", Data: x},
			{Name: "state", Data: stateBytes},
		}, nil
	}
}

var _ = Describe("Inference pipeline", func() {

	var (
		ctx    context.Context
		client *rpcclient.Fake
		group  *coregroup.Group
		exe    *executable.Executable
	)

	BeforeEach(func() {
		ctx = context.Background()
		client = rpcclient.NewFake()
		group = coregroup.New(client)
		Expect(group.Init(ctx, 1, 1, 1, false)).To(Succeed())
		exe = testExe()
	})

	load := func(maxInFlight uint32) *Runner {
		id, err := group.Load(ctx, exe, rpcclient.LoadOptions{MaxInFlight: maxInFlight})
		Expect(err).NotTo(HaveOccurred())
		return New(group, exe, id)
	}

	countCalls := func(prefix string) int {
		n := 0
		for _, call := range client.Calls {
			if len(call) >= len(prefix) && call[:len(prefix)] == prefix {
				n++
			}
		}
		return n
	}

	Context("batch splitting", func() {
		It("splits B=10 into 3 chunks and pads the last with 2 zero rows", func() {
			var chunks [][]byte
			client.InferHook = echoHook(&chunks)
			r := load(4)
			outs, err := r.Run(ctx, []executable.Tensor{rowTensor(10), scaleTensor()})
			Expect(err).NotTo(HaveOccurred())
			Expect(chunks).To(HaveLen(3))
			Expect(countCalls("infer_post")).To(Equal(3))

			// every chunk carries exactly K rows
			for _, chunk := range chunks {
				Expect(chunk).To(HaveLen(4 * 8))
			}
			// final chunk: rows 8 and 9 of real data, then 2 zero rows
			last := chunks[2]
			Expect(last[0]).To(Equal(byte(9)))
			Expect(last[8]).To(Equal(byte(10)))
			Expect(bytes.Count(last[16:], []byte{0})).To(Equal(16))

			// reassembled output: exactly 10 valid rows, no padding visible
			y := outs[0]
			Expect(y.Shape()).To(Equal([]int64{10, 2}))
			Expect(y.Bytes()).To(Equal(rowTensor(10).Bytes()))
			// fixed output copied once, intact
			Expect(outs[1].Bytes()).To(Equal(stateBytes))
		})

		It("issues one direct call when B equals the hardware batch size", func() {
			client.InferHook = echoHook(nil)
			r := load(1)
			outs, err := r.Run(ctx, []executable.Tensor{rowTensor(4), scaleTensor()})
			Expect(err).NotTo(HaveOccurred())
			Expect(countCalls("infer_post")).To(Equal(0))
			Expect(countCalls("infer")).To(Equal(1))
			Expect(outs[0].Bytes()).To(Equal(rowTensor(4).Bytes()))
		})

		It("rejects disagreeing batch sizes, naming the offender", func() {
			exe2, err := executable.New(nil,
				[]string{"a", "b"},
				[]executable.DType{executable.Float32, executable.Float32},
				[][]int64{{4, 2}, {4, 2}},
				[]int{0, 0},
				nil, nil, nil, nil)
			Expect(err).NotTo(HaveOccurred())
			id, err := group.Load(ctx, exe2, rpcclient.LoadOptions{})
			Expect(err).NotTo(HaveOccurred())
			r := New(group, exe2, id)
			_, err = r.Run(ctx, []executable.Tensor{rowTensor(10), rowTensor(8)})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
			Expect(err.Error()).To(ContainSubstring("b"))
		})

		It("rejects a wrong trailing shape", func() {
			r := load(1)
			bad := executable.NewHostTensor(executable.Float32, []int64{10, 3})
			_, err := r.Run(ctx, []executable.Tensor{bad, scaleTensor()})
			Expect(status.Code(err)).To(Equal(codes.InvalidArgument))
		})
	})

	Context("pipelined submission", func() {
		It("never exceeds the in-flight bound across a 9-chunk call", func() {
			client.InferHook = echoHook(nil)
			r := load(4)
			_, err := r.Run(ctx, []executable.Tensor{rowTensor(36), scaleTensor()})
			Expect(err).NotTo(HaveOccurred())
			Expect(countCalls("infer_post")).To(Equal(9))
			Expect(client.MaxOutstanding).To(BeNumerically("<=", 4))
		})

		It("aborts on the first chunk failure and drains the rest", func() {
			calls := 0
			client.InferHook = func(_ uint32, inputs []rpcclient.IOBuffer) ([]rpcclient.IOBuffer, error) {
				calls++
				if calls == 2 {
					return nil, status.Error(codes.Internal, "hardware fault")
				}
				return echoHook(nil)(0, inputs)
			}
			r := load(4)
			outs, err := r.Run(ctx, []executable.Tensor{rowTensor(10), scaleTensor()})
			Expect(status.Code(err)).To(Equal(codes.Internal))
			Expect(outs).To(BeNil())
			Expect(client.Outstanding()).To(Equal(0))
		})

		It("fails with Internal when an output name is missing", func() {
			client.InferHook = func(_ uint32, inputs []rpcclient.IOBuffer) ([]rpcclient.IOBuffer, error) {
				return []rpcclient.IOBuffer{{Name: "y", Data: make([]byte, 32)}}, nil
			}
			r := load(4)
			_, err := r.Run(ctx, []executable.Tensor{rowTensor(10), scaleTensor()})
			Expect(status.Code(err)).To(Equal(codes.Internal))
			Expect(err.Error()).To(ContainSubstring("state"))
		})
	})

	Context("shared-memory fallback", func() {
		It("falls back to inline payloads when the daemon lacks shm support", func() {
			client.RejectShm = true
			client.InferHook = echoHook(nil)
			r := load(1)
			r.Shm = shmem.NewManager(client, 1)
			outs, err := r.Run(ctx, []executable.Tensor{rowTensor(4), scaleTensor()})
			Expect(err).NotTo(HaveOccurred())
			Expect(outs[0].Bytes()).To(Equal(rowTensor(4).Bytes()))
			Expect(client.MappedSegments()).To(Equal(0))
		})
	})
})
