// Package checkpoints serializes training state snapshots to JSON files,
// so runs can be resumed and trained weights handed to inference.
package checkpoints

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"gencfd/optimizer"
	"gencfd/tensor"
	"gencfd/training"
)

// FormatVersion is bumped on incompatible checkpoint layout changes.
const FormatVersion = "1.0"

// WeightTensor is one named parameter in serializable form.
type WeightTensor struct {
	Name  string    `json:"name"`
	Shape []int     `json:"shape"`
	Data  []float32 `json:"data"`
}

// Metadata describes the provenance of a checkpoint.
type Metadata struct {
	Version   string    `json:"version"`
	Framework string    `json:"framework"`
	CreatedAt time.Time `json:"created_at"`
}

// Checkpoint is the on-disk representation of a training state.
type Checkpoint struct {
	RunID          string           `json:"run_id"`
	Step           int              `json:"step"`
	EMADecay       float64          `json:"ema_decay,omitempty"`
	Params         []WeightTensor   `json:"params"`
	EMAParams      []WeightTensor   `json:"ema_params,omitempty"`
	OptimizerState *optimizer.State `json:"optimizer_state,omitempty"`
	Metadata       Metadata         `json:"metadata"`
}

func packParams(params map[string]*tensor.Tensor, keys []string) ([]WeightTensor, error) {
	out := make([]WeightTensor, 0, len(keys))
	for _, name := range keys {
		p, ok := params[name]
		if !ok {
			return nil, fmt.Errorf("parameter %q missing", name)
		}
		data, err := p.GetFloat32Data()
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %v", name, err)
		}
		out = append(out, WeightTensor{
			Name:  name,
			Shape: append([]int(nil), p.Shape...),
			Data:  append([]float32(nil), data...),
		})
	}
	return out, nil
}

func unpackParams(weights []WeightTensor) (map[string]*tensor.Tensor, error) {
	out := make(map[string]*tensor.Tensor, len(weights))
	for _, w := range weights {
		t, err := tensor.NewTensor(w.Shape, tensor.Float32, tensor.CPU, append([]float32(nil), w.Data...))
		if err != nil {
			return nil, fmt.Errorf("parameter %q: %v", w.Name, err)
		}
		if _, dup := out[w.Name]; dup {
			return nil, fmt.Errorf("duplicate parameter %q", w.Name)
		}
		out[w.Name] = t
	}
	return out, nil
}

// FromTrainState converts a state snapshot into a checkpoint. Parameters
// are written in sorted name order so files diff cleanly.
func FromTrainState(state *training.TrainState, runID string) (*Checkpoint, error) {
	if state == nil {
		return nil, fmt.Errorf("state must not be nil")
	}
	keys := state.ParamKeys()
	params, err := packParams(state.Params, keys)
	if err != nil {
		return nil, err
	}

	ckpt := &Checkpoint{
		RunID:          runID,
		Step:           state.Step,
		EMADecay:       state.EMADecay,
		Params:         params,
		OptimizerState: state.OptState.Clone(),
		Metadata: Metadata{
			Version:   FormatVersion,
			Framework: "gencfd",
			CreatedAt: time.Now().UTC(),
		},
	}
	if state.EMAParams != nil {
		ema, err := packParams(state.EMAParams, keys)
		if err != nil {
			return nil, fmt.Errorf("EMA parameters: %v", err)
		}
		ckpt.EMAParams = ema
	}
	return ckpt, nil
}

// ToTrainState reconstructs the state snapshot held by the checkpoint.
func (c *Checkpoint) ToTrainState() (*training.TrainState, error) {
	params, err := unpackParams(c.Params)
	if err != nil {
		return nil, err
	}
	state := &training.TrainState{
		Step:     c.Step,
		Params:   params,
		OptState: c.OptimizerState.Clone(),
		EMADecay: c.EMADecay,
	}
	if c.EMAParams != nil {
		ema, err := unpackParams(c.EMAParams)
		if err != nil {
			return nil, fmt.Errorf("EMA parameters: %v", err)
		}
		if len(ema) != len(params) {
			return nil, fmt.Errorf("checkpoint carries %d EMA parameters for %d parameters", len(ema), len(params))
		}
		state.EMAParams = ema
	}
	return state, nil
}

// Save writes the checkpoint to path as indented JSON.
func Save(path string, c *Checkpoint) error {
	data, err := json.MarshalIndent(c, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding checkpoint failed: %v", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing checkpoint failed: %v", err)
	}
	return nil
}

// Load reads a checkpoint from path and verifies its format version.
func Load(path string) (*Checkpoint, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading checkpoint failed: %v", err)
	}
	var c Checkpoint
	if err := json.Unmarshal(data, &c); err != nil {
		return nil, fmt.Errorf("decoding checkpoint failed: %v", err)
	}
	if c.Metadata.Version != FormatVersion {
		return nil, fmt.Errorf("unsupported checkpoint version %q, want %q", c.Metadata.Version, FormatVersion)
	}
	return &c, nil
}
