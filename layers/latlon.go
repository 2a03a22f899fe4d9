package layers

import (
	"fmt"

	"gencfd/tensor"
)

// GridOrder names which of the two trailing spatial axes carries latitude
// and which carries longitude.
type GridOrder string

const (
	// OrderLatLon treats axis -2 as latitude and axis -1 as longitude.
	OrderLatLon GridOrder = "latlon"
	// OrderLonLat treats axis -2 as longitude and axis -1 as latitude.
	OrderLonLat GridOrder = "lonlat"
)

// LatLonConv2D wraps a convolution with grid-aware padding for global
// lat/lon fields: the longitude axis is periodic and padded circularly,
// the latitude axis is bounded at the poles and padded by edge
// replication. The wrapped convolution runs with no additional padding.
//
// Kernels must be odd along both axes so the padding is symmetric around
// a center element.
type LatLonConv2D struct {
	Order    GridOrder
	KernelH  int
	KernelW  int
	delegate Module
	training bool
}

// NewLatLonConv2D wraps delegate, which must be a convolution built with
// zero internal padding and kernel size (kernelH, kernelW) on the two
// trailing axes.
func NewLatLonConv2D(delegate Module, kernelH, kernelW int, order GridOrder) (*LatLonConv2D, error) {
	if kernelH%2 == 0 || kernelW%2 == 0 {
		return nil, fmt.Errorf("kernel size (%d, %d) must be odd in both axes for centered padding", kernelH, kernelW)
	}
	if order != OrderLatLon && order != OrderLonLat {
		return nil, fmt.Errorf("unrecognized grid order %q", order)
	}
	if delegate == nil {
		return nil, fmt.Errorf("delegate convolution must not be nil")
	}
	return &LatLonConv2D{
		Order:    order,
		KernelH:  kernelH,
		KernelW:  kernelW,
		delegate: delegate,
		training: true,
	}, nil
}

// pad applies the per-axis grid padding to the two trailing axes of a
// tensor of rank 4 or higher.
func (l *LatLonConv2D) pad(input *tensor.Tensor) (*tensor.Tensor, error) {
	rank := len(input.Shape)
	if rank < 4 {
		return nil, fmt.Errorf("lat/lon padding expects rank >= 4, got shape %v", input.Shape)
	}
	hAxis, wAxis := rank-2, rank-1
	padH, padW := l.KernelH/2, l.KernelW/2

	// Axis identity follows the order flag; the padding mode follows the
	// physical axis, not its position.
	hMode, wMode := tensor.PadReplicate, tensor.PadCircular // latlon: H=lat, W=lon
	if l.Order == OrderLonLat {
		hMode, wMode = tensor.PadCircular, tensor.PadReplicate
	}

	x, err := tensor.PadAxisAutograd(input, hAxis, padH, padH, hMode)
	if err != nil {
		return nil, fmt.Errorf("padding axis %d failed: %v", hAxis, err)
	}
	x, err = tensor.PadAxisAutograd(x, wAxis, padW, padW, wMode)
	if err != nil {
		return nil, fmt.Errorf("padding axis %d failed: %v", wAxis, err)
	}
	return x, nil
}

func (l *LatLonConv2D) Forward(input *tensor.Tensor) (*tensor.Tensor, error) {
	if len(input.Shape) != 4 {
		return nil, fmt.Errorf("lat/lon convolution expects a 4D input (batch, channel, h, w), got shape %v", input.Shape)
	}
	padded, err := l.pad(input)
	if err != nil {
		return nil, err
	}
	return l.delegate.Forward(padded)
}

func (l *LatLonConv2D) Parameters() []*tensor.Tensor {
	return l.delegate.Parameters()
}

func (l *LatLonConv2D) NamedParameters() map[string]*tensor.Tensor {
	return l.delegate.NamedParameters()
}

func (l *LatLonConv2D) Train() {
	l.training = true
	l.delegate.Train()
}

func (l *LatLonConv2D) Eval() {
	l.training = false
	l.delegate.Eval()
}

func (l *LatLonConv2D) IsTraining() bool { return l.training }
