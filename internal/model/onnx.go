package model

import (
	"fmt"

	ort "github.com/yalue/onnxruntime_go"
)

// InitEnvironment loads the ONNX Runtime shared library and initialises the
// process-wide environment. An empty libPath uses the library default.
func InitEnvironment(libPath string) error {
	if ort.IsInitialized() {
		return nil
	}
	if libPath != "" {
		ort.SetSharedLibraryPath(libPath)
	}
	if err := ort.InitializeEnvironment(); err != nil {
		return fmt.Errorf("failed to initialize ONNX environment: %w", err)
	}
	return nil
}

// DestroyEnvironment tears down the ONNX Runtime environment.
func DestroyEnvironment() error {
	if !ort.IsInitialized() {
		return nil
	}
	return ort.DestroyEnvironment()
}

type ONNXOptions struct {
	IntraOpThreads int
	InterOpThreads int
}

// onnxBackend runs an in-memory ONNX graph through an AdvancedSession bound to
// one input and one output tensor.
type onnxBackend struct {
	data       []byte
	meta       Metadata
	opts       ONNXOptions
	inputName  string
	outputName string

	session      *ort.AdvancedSession
	inputTensor  *ort.Tensor[float32]
	outputTensor *ort.Tensor[float32]
}

// NewONNXOpener returns an Opener that validates artifacts as ONNX graphs
// matching meta.
func NewONNXOpener(meta Metadata, opts ONNXOptions) Opener {
	return func(artifact []byte) (Backend, error) {
		inputs, outputs, err := ort.GetInputOutputInfoWithONNXData(artifact)
		if err != nil {
			return nil, fmt.Errorf("failed to parse model: %w", err)
		}
		if len(inputs) != 1 || len(outputs) < 1 {
			return nil, fmt.Errorf("model has %d inputs and %d outputs, expected 1 and at least 1",
				len(inputs), len(outputs))
		}
		if err := checkInfo(inputs[0], meta.InputShape); err != nil {
			return nil, fmt.Errorf("input %q: %w", inputs[0].Name, err)
		}
		if err := checkInfo(outputs[0], meta.OutputShape); err != nil {
			return nil, fmt.Errorf("output %q: %w", outputs[0].Name, err)
		}

		return &onnxBackend{
			data:       artifact,
			meta:       meta,
			opts:       opts,
			inputName:  inputs[0].Name,
			outputName: outputs[0].Name,
		}, nil
	}
}

// checkInfo accepts dynamic (negative) dimensions in the model.
func checkInfo(info ort.InputOutputInfo, want []int64) error {
	if info.DataType != ort.TensorElementDataTypeFloat {
		return fmt.Errorf("element type %s, expected float", info.DataType)
	}
	if len(info.Dimensions) != len(want) {
		return fmt.Errorf("shape %v, expected %v", info.Dimensions, want)
	}
	for i, d := range info.Dimensions {
		if d >= 0 && d != want[i] {
			return fmt.Errorf("shape %v, expected %v", info.Dimensions, want)
		}
	}
	return nil
}

func (b *onnxBackend) Allocate() error {
	options, err := ort.NewSessionOptions()
	if err != nil {
		return fmt.Errorf("error creating session options: %w", err)
	}
	defer options.Destroy()

	if b.opts.IntraOpThreads > 0 {
		if err := options.SetIntraOpNumThreads(b.opts.IntraOpThreads); err != nil {
			return fmt.Errorf("error setting intra-op threads: %w", err)
		}
	}
	if b.opts.InterOpThreads > 0 {
		if err := options.SetInterOpNumThreads(b.opts.InterOpThreads); err != nil {
			return fmt.Errorf("error setting inter-op threads: %w", err)
		}
	}

	inputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b.meta.InputShape...))
	if err != nil {
		return fmt.Errorf("failed to create input tensor: %w", err)
	}

	outputTensor, err := ort.NewEmptyTensor[float32](ort.NewShape(b.meta.OutputShape...))
	if err != nil {
		inputTensor.Destroy()
		return fmt.Errorf("failed to create output tensor: %w", err)
	}

	session, err := ort.NewAdvancedSessionWithONNXData(b.data,
		[]string{b.inputName}, []string{b.outputName},
		[]ort.Value{inputTensor}, []ort.Value{outputTensor},
		options)
	if err != nil {
		inputTensor.Destroy()
		outputTensor.Destroy()
		return fmt.Errorf("failed to create ONNX session: %w", err)
	}

	b.session = session
	b.inputTensor = inputTensor
	b.outputTensor = outputTensor
	// The session holds its own copy of the graph.
	b.data = nil
	return nil
}

func (b *onnxBackend) Run(input []float32) error {
	if b.session == nil {
		return fmt.Errorf("session not allocated")
	}
	copy(b.inputTensor.GetData(), input)

	if err := b.session.Run(); err != nil {
		return fmt.Errorf("inference failed: %w", err)
	}
	return nil
}

func (b *onnxBackend) Output(index int) ([]float32, error) {
	if index != 0 {
		return nil, fmt.Errorf("output index %d out of range", index)
	}
	if b.outputTensor == nil {
		return nil, fmt.Errorf("session not allocated")
	}
	return b.outputTensor.GetData(), nil
}

func (b *onnxBackend) Close() error {
	var firstErr error
	keep := func(err error) {
		if err != nil && firstErr == nil {
			firstErr = err
		}
	}
	if b.session != nil {
		keep(b.session.Destroy())
		b.session = nil
	}
	if b.inputTensor != nil {
		keep(b.inputTensor.Destroy())
		b.inputTensor = nil
	}
	if b.outputTensor != nil {
		keep(b.outputTensor.Destroy())
		b.outputTensor = nil
	}
	return firstErr
}
