package pipeline

import (
	"context"

	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vectornorth/npud-offload/pkg/executable"
	"github.com/vectornorth/npud-offload/pkg/rpcclient"
	"github.com/vectornorth/npud-offload/pkg/shmem"
)

// runDirect issues a single inference call with no chunking and no padding.
// When a shared-memory pool is attached and usable, tensor payloads travel
// through pooled segments instead of the RPC body.
func (r *Runner) runDirect(ctx context.Context, inputs []executable.Tensor) ([]*executable.HostTensor, error) {
	for i, spec := range r.exe.Inputs {
		if len(inputs[i].Bytes()) != spec.ByteSize() {
			return nil, status.Errorf(codes.InvalidArgument,
				"incorrect payload size on input tensor %s: got %d bytes, expected %d",
				spec.Name, len(inputs[i].Bytes()), spec.ByteSize())
		}
	}
	if r.Shm != nil {
		if outputs, ok, err := r.runDirectShm(ctx, inputs); ok {
			return outputs, err
		}
	}

	bufs := make([]rpcclient.IOBuffer, 0, len(inputs))
	for i, spec := range r.exe.Inputs {
		bufs = append(bufs, rpcclient.IOBuffer{Name: spec.Name, Data: inputs[i].Bytes()})
	}
	resp, err := r.dev.Infer(ctx, r.modelID, bufs, nil)
	if err != nil {
		return nil, err
	}
	byName, err := collectOutputs(r.exe.Outputs, resp)
	if err != nil {
		return nil, err
	}
	outputs := make([]*executable.HostTensor, len(r.exe.Outputs))
	for i, spec := range r.exe.Outputs {
		outputs[i] = executable.NewHostTensor(spec.DType, spec.Shape)
		copy(outputs[i].Bytes(), byName[spec.Name][:spec.ByteSize()])
	}
	return outputs, nil
}

// runDirectShm attempts the zero-copy path. ok=false means the pool could
// not serve the call (sticky-disabled or exhausted) and the caller should
// fall back to inline payloads.
func (r *Runner) runDirectShm(ctx context.Context, inputs []executable.Tensor) ([]*executable.HostTensor, bool, error) {
	var borrowed []*shmem.Buffer
	defer func() {
		for _, buf := range borrowed {
			r.Shm.Free(buf)
		}
	}()

	inBufs := make([]rpcclient.IOBuffer, 0, len(inputs))
	for i, spec := range r.exe.Inputs {
		seg := r.Shm.Allocate(ctx, spec.ByteSize())
		if seg == nil {
			return nil, false, nil
		}
		borrowed = append(borrowed, seg)
		copy(seg.Bytes(), inputs[i].Bytes())
		inBufs = append(inBufs, rpcclient.IOBuffer{Name: spec.Name, ShmPath: seg.Path()})
	}
	outBufs := make([]rpcclient.IOBuffer, 0, len(r.exe.Outputs))
	outSegs := make([]*shmem.Buffer, 0, len(r.exe.Outputs))
	for _, spec := range r.exe.Outputs {
		seg := r.Shm.Allocate(ctx, spec.ByteSize())
		if seg == nil {
			return nil, false, nil
		}
		borrowed = append(borrowed, seg)
		outSegs = append(outSegs, seg)
		outBufs = append(outBufs, rpcclient.IOBuffer{Name: spec.Name, ShmPath: seg.Path()})
	}

	if _, err := r.dev.Infer(ctx, r.modelID, inBufs, outBufs); err != nil {
		return nil, true, err
	}
	outputs := make([]*executable.HostTensor, len(r.exe.Outputs))
	for i, spec := range r.exe.Outputs {
		outputs[i] = executable.NewHostTensor(spec.DType, spec.Shape)
		copy(outputs[i].Bytes(), outSegs[i].Bytes())
	}
	return outputs, true, nil
}
