package pipeline

import (
	"context"

	log "github.com/sirupsen/logrus"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/vectornorth/npud-offload/pkg/executable"
	"github.com/vectornorth/npud-offload/pkg/rpcclient"
	"github.com/vectornorth/npud-offload/pkg/shmem"
)

// pipelineDepth is the submission window for chunked calls: enough posted
// requests to overlap daemon compute with client-side chunk construction.
const pipelineDepth = 4

// Device is the core-group surface the pipeline drives. *coregroup.Group
// satisfies it.
type Device interface {
	Infer(ctx context.Context, modelID uint32, inputs, shmOutputs []rpcclient.IOBuffer) ([]rpcclient.IOBuffer, error)
	InferPost(ctx context.Context, modelID uint32, inputs []rpcclient.IOBuffer) (rpcclient.Cookie, error)
	InferWait(ctx context.Context, cookie rpcclient.Cookie) ([]rpcclient.IOBuffer, error)
	ReleaseSlot(modelID uint32)
	InFlightLimit(modelID uint32) int64
}

// Runner executes inference calls for one loaded model, splitting arbitrary
// request batch sizes into the executable's fixed hardware batch size and
// reassembling the results.
type Runner struct {
	dev     Device
	exe     *executable.Executable
	modelID uint32

	// Shm, when set, is used for zero-copy transfer on the direct
	// (unchunked) path. The runner borrows buffers per call and always
	// returns them.
	Shm *shmem.Manager

	// Profile, when set, dumps the executable artifact for the offline
	// profiler on the first call.
	Profile *Profile
}

func New(dev Device, exe *executable.Executable, modelID uint32) *Runner {
	return &Runner{dev: dev, exe: exe, modelID: modelID}
}

// batchPlan is the per-call result of validating the inputs against the
// executable's declared shapes.
type batchPlan struct {
	batchSize     int64 // B, 0 when no input is batch-varying
	hwBatchSize   int64 // K
	isBatchInput  []bool
	isBatchOutput []bool
}

func shapeEqual(a, b []int64) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}

func (r *Runner) plan(inputs []executable.Tensor) (*batchPlan, error) {
	if len(inputs) != len(r.exe.Inputs) {
		return nil, status.Errorf(codes.InvalidArgument,
			"incorrect number of input tensors: got %d, executable declares %d",
			len(inputs), len(r.exe.Inputs))
	}
	p := &batchPlan{
		hwBatchSize:   r.exe.HardwareBatchSize(),
		isBatchInput:  make([]bool, len(r.exe.Inputs)),
		isBatchOutput: make([]bool, len(r.exe.Outputs)),
	}
	for i, spec := range r.exe.Inputs {
		shape := inputs[i].Shape()
		if spec.BatchAxis != 0 {
			if !shapeEqual(shape, spec.Shape) {
				return nil, status.Errorf(codes.InvalidArgument,
					"incorrect shape found on input tensor %s: got %v, expected %v",
					spec.Name, shape, spec.Shape)
			}
			continue
		}
		if len(shape) < 1 || len(spec.Shape) < 1 {
			return nil, status.Errorf(codes.InvalidArgument,
				"no batch dimension found on input tensor %s with shape %v", spec.Name, shape)
		}
		// a tensor already matching its declared shape is passed through
		// whole, even when others are chunked
		if shapeEqual(shape, spec.Shape) {
			continue
		}
		if p.batchSize == 0 {
			if shape[0] < 1 {
				return nil, status.Errorf(codes.InvalidArgument,
					"incorrect batch size inferred from input tensor %s with shape %v",
					spec.Name, shape)
			}
			p.batchSize = shape[0]
		} else if shape[0] != p.batchSize {
			return nil, status.Errorf(codes.InvalidArgument,
				"incorrect batch size found on input tensor %s: shape %v, batch size %d",
				spec.Name, shape, p.batchSize)
		}
		if !shapeEqual(shape[1:], spec.Shape[1:]) {
			return nil, status.Errorf(codes.InvalidArgument,
				"incorrect shape found on input tensor %s: got %v, expected %v",
				spec.Name, shape, spec.Shape)
		}
		p.isBatchInput[i] = p.batchSize != p.hwBatchSize
	}
	for i, spec := range r.exe.Outputs {
		if spec.BatchAxis != 0 {
			continue
		}
		if len(spec.Shape) < 1 {
			return nil, status.Errorf(codes.InvalidArgument,
				"no batch dimension found on output tensor %s", spec.Name)
		}
		if p.batchSize != 0 && spec.Shape[0] != p.hwBatchSize {
			return nil, status.Errorf(codes.InvalidArgument,
				"incorrect batch size found on output tensor %s: shape %v, hardware batch size %d",
				spec.Name, spec.Shape, p.hwBatchSize)
		}
		p.isBatchOutput[i] = p.batchSize != 0 && p.batchSize != p.hwBatchSize
	}
	return p, nil
}

func (p *batchPlan) chunked() bool {
	for _, b := range p.isBatchInput {
		if b {
			return true
		}
	}
	return false
}

// Run submits one logical inference call and returns the output tensors in
// the executable's declared output order. No partial output is ever
// returned: the whole call fails on the first chunk failure.
func (r *Runner) Run(ctx context.Context, inputs []executable.Tensor) ([]*executable.HostTensor, error) {
	r.Profile.DumpExecutable(r.exe)
	p, err := r.plan(inputs)
	if err != nil {
		return nil, err
	}
	if !p.chunked() {
		return r.runDirect(ctx, inputs)
	}
	return r.runChunked(ctx, inputs, p)
}

// collectOutputs maps a daemon response back onto the declared outputs.
func collectOutputs(specs []executable.TensorSpec, resp []rpcclient.IOBuffer) (map[string][]byte, error) {
	byName := make(map[string][]byte, len(resp))
	for _, buf := range resp {
		byName[buf.Name] = buf.Data
	}
	for _, spec := range specs {
		data, ok := byName[spec.Name]
		if !ok {
			return nil, status.Errorf(codes.Internal,
				"tensor name %s not found in inference response", spec.Name)
		}
		if len(data) < spec.ByteSize() {
			return nil, status.Errorf(codes.Internal,
				"short payload for output tensor %s: got %d bytes, expected %d",
				spec.Name, len(data), spec.ByteSize())
		}
	}
	return byName, nil
}

func (r *Runner) runChunked(ctx context.Context, inputs []executable.Tensor, p *batchPlan) ([]*executable.HostTensor, error) {
	b, k := p.batchSize, p.hwBatchSize
	paddedB := (b + k - 1) / k * k
	numChunks := paddedB / k

	outputs := make([]*executable.HostTensor, len(r.exe.Outputs))
	for i, spec := range r.exe.Outputs {
		shape := append([]int64(nil), spec.Shape...)
		if p.isBatchOutput[i] {
			shape[0] = b
		}
		outputs[i] = executable.NewHostTensor(spec.DType, shape)
	}

	nonBatchDone := false
	scatter := func(chunkIdx int64, resp []rpcclient.IOBuffer) error {
		byName, err := collectOutputs(r.exe.Outputs, resp)
		if err != nil {
			return err
		}
		for i, spec := range r.exe.Outputs {
			data := byName[spec.Name]
			if p.isBatchOutput[i] {
				rowSize := int64(spec.RowSize())
				validRows := k
				if chunkIdx*k+validRows > b {
					validRows = b - chunkIdx*k
				}
				copy(outputs[i].Bytes()[chunkIdx*k*rowSize:], data[:validRows*rowSize])
			} else if !nonBatchDone {
				copy(outputs[i].Bytes(), data[:spec.ByteSize()])
			}
		}
		nonBatchDone = true
		return nil
	}

	// already-posted chunks must be drained on abort so their permits and
	// completion slots are not leaked
	drain := func(cookies []rpcclient.Cookie) {
		for _, cookie := range cookies {
			if _, werr := r.dev.InferWait(ctx, cookie); werr != nil {
				log.Warnf("draining aborted chunk: %s", werr)
			}
			r.dev.ReleaseSlot(r.modelID)
		}
	}

	// the window never exceeds the model's in-flight permits: posting past
	// them would block with nothing draining
	depth := int64(pipelineDepth)
	if limit := r.dev.InFlightLimit(r.modelID); limit > 0 && limit < depth {
		depth = limit
	}

	for start := int64(0); start < numChunks; start += depth {
		end := start + depth
		if end > numChunks {
			end = numChunks
		}
		cookies := make([]rpcclient.Cookie, 0, end-start)
		for chunkIdx := start; chunkIdx < end; chunkIdx++ {
			bufs, err := r.chunkInputs(inputs, p, chunkIdx)
			if err != nil {
				drain(cookies)
				return nil, err
			}
			cookie, err := r.dev.InferPost(ctx, r.modelID, bufs)
			if err != nil {
				drain(cookies)
				return nil, err
			}
			cookies = append(cookies, cookie)
		}
		for chunkIdx := start; chunkIdx < end; chunkIdx++ {
			resp, err := r.dev.InferWait(ctx, cookies[chunkIdx-start])
			r.dev.ReleaseSlot(r.modelID)
			if err != nil {
				drain(cookies[chunkIdx-start+1:])
				return nil, err
			}
			if err := scatter(chunkIdx, resp); err != nil {
				drain(cookies[chunkIdx-start+1:])
				return nil, err
			}
		}
	}
	return outputs, nil
}

// chunkInputs builds the daemon payload for one chunk: batch-varying
// tensors are sliced to rows [chunkIdx*K, chunkIdx*K+K); the final chunk is
// zero-padded so exactly K rows are always sent.
func (r *Runner) chunkInputs(inputs []executable.Tensor, p *batchPlan, chunkIdx int64) ([]rpcclient.IOBuffer, error) {
	b, k := p.batchSize, p.hwBatchSize
	bufs := make([]rpcclient.IOBuffer, 0, len(inputs))
	for i, spec := range r.exe.Inputs {
		if !p.isBatchInput[i] {
			bufs = append(bufs, rpcclient.IOBuffer{Name: spec.Name, Data: inputs[i].Bytes()})
			continue
		}
		rowSize := int64(spec.RowSize())
		data := inputs[i].Bytes()
		if int64(len(data)) != b*rowSize {
			return nil, status.Errorf(codes.InvalidArgument,
				"incorrect payload size on input tensor %s: got %d bytes, expected %d",
				spec.Name, len(data), b*rowSize)
		}
		first := chunkIdx * k
		limit := first + k
		if limit <= b {
			bufs = append(bufs, rpcclient.IOBuffer{
				Name: spec.Name,
				Data: data[first*rowSize : limit*rowSize],
			})
			continue
		}
		padded := make([]byte, k*rowSize)
		copy(padded, data[first*rowSize:b*rowSize])
		bufs = append(bufs, rpcclient.IOBuffer{Name: spec.Name, Data: padded})
	}
	return bufs, nil
}
