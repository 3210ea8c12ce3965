package distopt

import (
	"github.com/pkg/errors"
	"github.com/unixpickle/gradsync/tensor"
)

// An Optimizer applies a gradient to a parameter in place.
// It may overwrite grad.
type Optimizer interface {
	Update(param, grad *tensor.Tensor) error
}

// SGD is stochastic gradient descent with optional
// momentum, Nesterov momentum and weight decay.
//
// With momentum the update is
//
//	v = momentum*v + (1-dampening)*g
//	p = p - lr*v
//
// so the learning rate scales the velocity rather than
// being folded into it.
type SGD struct {
	LR          float32
	Momentum    float32
	Dampening   float32
	WeightDecay float32
	Nesterov    bool

	velocity map[*tensor.Tensor]*tensor.Tensor
}

// Validate checks the hyper-parameters.
func (s *SGD) Validate() error {
	if s.Momentum < 0 {
		return errors.Errorf("sgd: invalid momentum %f", s.Momentum)
	}
	if s.WeightDecay < 0 {
		return errors.Errorf("sgd: invalid weight decay %f", s.WeightDecay)
	}
	if s.Nesterov && (s.Momentum <= 0 || s.Dampening != 0) {
		return errors.New("sgd: nesterov momentum requires a momentum and zero dampening")
	}
	return nil
}

// Update performs one step for param.
func (s *SGD) Update(param, grad *tensor.Tensor) error {
	if !tensor.SameShape(param, grad) {
		return errors.Errorf("sgd: shape mismatch between %s and %s", param, grad)
	}
	if s.WeightDecay != 0 {
		if err := grad.Axpy(s.WeightDecay, param); err != nil {
			return err
		}
	}
	if s.Momentum != 0 {
		v, ok := s.velocity[param]
		if !ok {
			var err error
			v, err = tensor.ZerosLike(param, param.Name+"/velocity")
			if err != nil {
				return errors.Wrap(err, "sgd")
			}
			if s.velocity == nil {
				s.velocity = map[*tensor.Tensor]*tensor.Tensor{}
			}
			s.velocity[param] = v
			if err := v.Axpy(1, grad); err != nil {
				return err
			}
		} else {
			v.Scale(s.Momentum)
			if err := v.Axpy(1-s.Dampening, grad); err != nil {
				return err
			}
		}
		if s.Nesterov {
			if err := grad.Axpy(s.Momentum, v); err != nil {
				return err
			}
		} else {
			grad = v
		}
	}
	return param.Axpy(-s.LR, grad)
}

// Free releases the momentum buffers.
func (s *SGD) Free() error {
	for param, v := range s.velocity {
		if err := v.Free(); err != nil {
			return err
		}
		delete(s.velocity, param)
	}
	return nil
}
