package nn

import (
	"math/rand"
	"strconv"

	"github.com/pkg/errors"
	"gonum.org/v1/gonum/mat"

	"fusion-forge/internal/tensor"
)

// Conv2D is a KxK convolution over (B, C, H, W) with zero padding.
// Each sample is lowered with im2col and multiplied against the
// (Out x C*K*K) weight matrix.
type Conv2D struct {
	In, Out      int
	Kernel       int
	Stride       int
	Padding      int
	Weight, Bias *mat.Dense
}

// NewConv2D returns a convolution with uniform fan-in initialization.
func NewConv2D(in, out, kernel, stride, padding int, rng *rand.Rand) *Conv2D {
	if stride <= 0 {
		stride = 1
	}
	c := &Conv2D{
		In:      in,
		Out:     out,
		Kernel:  kernel,
		Stride:  stride,
		Padding: padding,
		Weight:  mat.NewDense(out, in*kernel*kernel, nil),
		Bias:    mat.NewDense(1, out, nil),
	}
	fanIn := in * kernel * kernel
	uniformInit(c.Weight, fanIn, rng)
	uniformInit(c.Bias, fanIn, rng)
	return c
}

func (c *Conv2D) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() != 4 || x.Dim(1) != c.In {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "conv2d %d->%d on %v", c.In, c.Out, x.Shape())
	}
	b, h, w := x.Dim(0), x.Dim(2), x.Dim(3)
	oh := (h+2*c.Padding-c.Kernel)/c.Stride + 1
	ow := (w+2*c.Padding-c.Kernel)/c.Stride + 1
	if oh <= 0 || ow <= 0 {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "conv2d kernel %d on spatial %dx%d", c.Kernel, h, w)
	}

	out := tensor.New(b, c.Out, oh, ow)
	rows := c.In * c.Kernel * c.Kernel
	cols := mat.NewDense(rows, oh*ow, nil)
	plane := c.In * h * w
	for n := 0; n < b; n++ {
		c.im2col(x.Data()[n*plane:(n+1)*plane], h, w, oh, ow, cols)
		dst := mat.NewDense(c.Out, oh*ow, out.Data()[n*c.Out*oh*ow:(n+1)*c.Out*oh*ow])
		dst.Mul(c.Weight, cols)
		addChannelBias(dst, c.Bias)
	}
	return out, nil
}

func (c *Conv2D) im2col(src []float64, h, w, oh, ow int, cols *mat.Dense) {
	k := c.Kernel
	for ch := 0; ch < c.In; ch++ {
		for ky := 0; ky < k; ky++ {
			for kx := 0; kx < k; kx++ {
				row := cols.RawRowView((ch*k+ky)*k + kx)
				for y := 0; y < oh; y++ {
					sy := y*c.Stride + ky - c.Padding
					for xx := 0; xx < ow; xx++ {
						sx := xx*c.Stride + kx - c.Padding
						v := 0.0
						if sy >= 0 && sy < h && sx >= 0 && sx < w {
							v = src[ch*h*w+sy*w+sx]
						}
						row[y*ow+xx] = v
					}
				}
			}
		}
	}
}

func (c *Conv2D) Register(prefix string, p Params) {
	p[join(prefix, "weight")] = c.Weight
	p[join(prefix, "bias")] = c.Bias
}

// Pointwise is a 1x1 convolution: it mixes channels independently at every
// spatial position and accepts any spatial rank, so it can project
// (B, C, 1, 1) and (B, C, 1, 1, 1) feature maps alike.
type Pointwise struct {
	In, Out      int
	Weight, Bias *mat.Dense
}

// NewPointwise returns a 1x1 convolution with uniform fan-in initialization.
func NewPointwise(in, out int, rng *rand.Rand) *Pointwise {
	p := &Pointwise{
		In:     in,
		Out:    out,
		Weight: mat.NewDense(out, in, nil),
		Bias:   mat.NewDense(1, out, nil),
	}
	uniformInit(p.Weight, in, rng)
	uniformInit(p.Bias, in, rng)
	return p
}

func (p *Pointwise) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	if x.Dims() < 2 || x.Dim(1) != p.In {
		return nil, errors.Wrapf(tensor.ErrShapeMismatch, "pointwise %d->%d on %v", p.In, p.Out, x.Shape())
	}
	shape := x.Shape()
	b := shape[0]
	spatial := x.Size() / (b * p.In)
	shape[1] = p.Out
	out := tensor.New(shape...)
	for n := 0; n < b; n++ {
		src := mat.NewDense(p.In, spatial, x.Data()[n*p.In*spatial:(n+1)*p.In*spatial])
		dst := mat.NewDense(p.Out, spatial, out.Data()[n*p.Out*spatial:(n+1)*p.Out*spatial])
		dst.Mul(p.Weight, src)
		addChannelBias(dst, p.Bias)
	}
	return out, nil
}

func (p *Pointwise) Register(prefix string, ps Params) {
	ps[join(prefix, "weight")] = p.Weight
	ps[join(prefix, "bias")] = p.Bias
}

func addChannelBias(dst, bias *mat.Dense) {
	b := bias.RawRowView(0)
	for ch := range b {
		row := dst.RawRowView(ch)
		for i := range row {
			row[i] += b[ch]
		}
	}
}

// ConvBackbone stacks Conv2D(3x3)+ReLU blocks, optionally halving the
// spatial size after each block.
type ConvBackbone struct {
	Blocks     []*Conv2D
	Downsample bool
}

// NewConvBackbone builds one block per entry of channels.
func NewConvBackbone(in int, channels []int, downsample bool, rng *rand.Rand) *ConvBackbone {
	bb := &ConvBackbone{Downsample: downsample}
	for _, ch := range channels {
		bb.Blocks = append(bb.Blocks, NewConv2D(in, ch, 3, 1, 1, rng))
		in = ch
	}
	return bb
}

// OutChannels is the channel count of the produced feature map.
func (bb *ConvBackbone) OutChannels() int {
	if len(bb.Blocks) == 0 {
		return 0
	}
	return bb.Blocks[len(bb.Blocks)-1].Out
}

func (bb *ConvBackbone) Forward(x *tensor.Tensor) (*tensor.Tensor, error) {
	var err error
	for i, blk := range bb.Blocks {
		x, err = blk.Forward(x)
		if err != nil {
			return nil, errors.Wrapf(err, "block %d", i)
		}
		x = tensor.ReLU(x)
		if bb.Downsample && x.Dim(2) >= 2 && x.Dim(3) >= 2 {
			x, err = tensor.MaxPool2x2(x)
			if err != nil {
				return nil, errors.Wrapf(err, "block %d pool", i)
			}
		}
	}
	return x, nil
}

func (bb *ConvBackbone) Register(prefix string, p Params) {
	for i, blk := range bb.Blocks {
		blk.Register(join(prefix, "blocks."+strconv.Itoa(i)), p)
	}
}
