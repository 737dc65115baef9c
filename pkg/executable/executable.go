package executable

import (
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
)

// DType enumerates the element types an executable can declare.
type DType int

const (
	Float32 DType = iota
	Float16
	BFloat16
	Int8
	UInt8
	Int16
	UInt16
	Int32
	UInt32
	Int64
	UInt64
)

var dtypeSizes = map[DType]int{
	Float32:  4,
	Float16:  2,
	BFloat16: 2,
	Int8:     1,
	UInt8:    1,
	Int16:    2,
	UInt16:   2,
	Int32:    4,
	UInt32:   4,
	Int64:    8,
	UInt64:   8,
}

// Size returns the element width in bytes.
func (d DType) Size() int {
	return dtypeSizes[d]
}

// NoBatchAxis marks a tensor whose shape is fixed regardless of the request
// batch size.
const NoBatchAxis = -1

// TensorSpec describes one declared input or output of an executable.
type TensorSpec struct {
	Name      string
	DType     DType
	Shape     []int64
	BatchAxis int
}

// ByteSize is the payload size of one full tensor of this spec.
func (s TensorSpec) ByteSize() int {
	n := int64(s.DType.Size())
	for _, d := range s.Shape {
		n *= d
	}
	return int(n)
}

// RowSize is the payload size of a single row along the batch axis.
func (s TensorSpec) RowSize() int {
	if len(s.Shape) == 0 || s.Shape[0] == 0 {
		return 0
	}
	return s.ByteSize() / int(s.Shape[0])
}

// Executable is a compiled dataflow-graph program for the accelerator,
// immutable once constructed. The blob itself is opaque; only the declared
// input/output metadata is interpreted here.
type Executable struct {
	Bytes   []byte
	Inputs  []TensorSpec
	Outputs []TensorSpec
}

// New assembles an Executable from the parallel metadata arrays handed over
// by the compiler. All four input arrays and all four output arrays must
// agree in length.
func New(blob []byte,
	inputNames []string, inputDTypes []DType, inputShapes [][]int64, inputBatchAxis []int,
	outputNames []string, outputDTypes []DType, outputShapes [][]int64, outputBatchAxis []int) (*Executable, error) {
	if len(inputNames) != len(inputDTypes) || len(inputNames) != len(inputShapes) ||
		len(inputNames) != len(inputBatchAxis) {
		return nil, status.Errorf(codes.FailedPrecondition,
			"incorrect number of inputs: names %d, dtypes %d, shapes %d, batch axes %d",
			len(inputNames), len(inputDTypes), len(inputShapes), len(inputBatchAxis))
	}
	if len(outputNames) != len(outputDTypes) || len(outputNames) != len(outputShapes) ||
		len(outputNames) != len(outputBatchAxis) {
		return nil, status.Errorf(codes.FailedPrecondition,
			"incorrect number of outputs: names %d, dtypes %d, shapes %d, batch axes %d",
			len(outputNames), len(outputDTypes), len(outputShapes), len(outputBatchAxis))
	}
	exe := &Executable{Bytes: blob}
	for i := range inputNames {
		exe.Inputs = append(exe.Inputs, TensorSpec{
			Name:      inputNames[i],
			DType:     inputDTypes[i],
			Shape:     inputShapes[i],
			BatchAxis: inputBatchAxis[i],
		})
	}
	for i := range outputNames {
		exe.Outputs = append(exe.Outputs, TensorSpec{
			Name:      outputNames[i],
			DType:     outputDTypes[i],
			Shape:     outputShapes[i],
			BatchAxis: outputBatchAxis[i],
		})
	}
	return exe, nil
}

// HardwareBatchSize is the fixed row count K compiled into the executable,
// taken from the leading dimension of the first batch-flagged input. Zero
// when no input is batch-flagged.
func (e *Executable) HardwareBatchSize() int64 {
	for _, in := range e.Inputs {
		if in.BatchAxis == 0 && len(in.Shape) > 0 {
			return in.Shape[0]
		}
	}
	return 0
}

// DynamicBatch reports whether any input declares a batch axis at all.
func (e *Executable) DynamicBatch() bool {
	for _, in := range e.Inputs {
		if in.BatchAxis == 0 {
			return true
		}
	}
	return false
}
