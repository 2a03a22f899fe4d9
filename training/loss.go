package training

import (
	"fmt"

	"gencfd/tensor"
)

// MSELoss computes the mean squared error between prediction and target as
// a differentiable scalar.
func MSELoss(pred, target *tensor.Tensor) (*tensor.Tensor, error) {
	diff, err := tensor.SubAutograd(pred, target)
	if err != nil {
		return nil, fmt.Errorf("loss difference failed: %v", err)
	}
	sq, err := tensor.MulAutograd(diff, diff)
	if err != nil {
		return nil, fmt.Errorf("loss square failed: %v", err)
	}
	return tensor.MeanAllAutograd(sq)
}
