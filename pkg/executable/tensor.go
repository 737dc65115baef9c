package executable

// Tensor is the abstract host tensor consumed by the offload core: a dtype,
// a shape, and a contiguous byte buffer. The host engine's own tensor type
// adapts to this interface.
type Tensor interface {
	DType() DType
	Shape() []int64
	Bytes() []byte
}

// HostTensor is a plain contiguous tensor owned by this core, used for
// padded input chunks and for reassembled outputs.
type HostTensor struct {
	dtype DType
	shape []int64
	data  []byte
}

// NewHostTensor allocates a zero-filled tensor of the given dtype and shape.
func NewHostTensor(dtype DType, shape []int64) *HostTensor {
	n := int64(dtype.Size())
	for _, d := range shape {
		n *= d
	}
	return &HostTensor{dtype: dtype, shape: append([]int64(nil), shape...), data: make([]byte, n)}
}

func (t *HostTensor) DType() DType   { return t.dtype }
func (t *HostTensor) Shape() []int64 { return append([]int64(nil), t.shape...) }
func (t *HostTensor) Bytes() []byte  { return t.data }

var _ Tensor = (*HostTensor)(nil)
