package wakeword

import (
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

// ortInit guards global ONNX Runtime environment setup; the library
// allows exactly one InitializeEnvironment per process.
var (
	ortInitOnce sync.Once
	ortInitErr  error
)

// InitRuntime initializes the ONNX Runtime environment. libPath may be
// empty to use the default shared library lookup. Safe to call more
// than once; later calls return the first result.
func InitRuntime(libPath string) error {
	ortInitOnce.Do(func() {
		if libPath != "" {
			ort.SetSharedLibraryPath(libPath)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// DestroyRuntime tears down the ONNX Runtime environment
func DestroyRuntime() error {
	return ort.DestroyEnvironment()
}

// onnxModel wraps one ONNX session with preallocated input/output
// tensors as a cascade Model. Sessions are not reentrant, so Run holds
// a lock; the detector only ever calls sequentially anyway.
type onnxModel struct {
	mu      sync.Mutex
	session *ort.AdvancedSession
	in      *ort.Tensor[float32]
	out     *ort.Tensor[float32]
}

// newONNXModel loads an ONNX model with fixed input/output shapes
func newONNXModel(path string, inShape, outShape ort.Shape) (*onnxModel, error) {
	in, err := ort.NewEmptyTensor[float32](inShape)
	if err != nil {
		return nil, fmt.Errorf("input tensor for %s: %w", path, err)
	}

	out, err := ort.NewEmptyTensor[float32](outShape)
	if err != nil {
		in.Destroy()
		return nil, fmt.Errorf("output tensor for %s: %w", path, err)
	}

	inInfo, outInfo, err := ort.GetInputOutputInfo(path)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("model info for %s: %w", path, err)
	}

	session, err := ort.NewAdvancedSession(
		path,
		[]string{inInfo[0].Name}, []string{outInfo[0].Name},
		[]ort.Value{in}, []ort.Value{out},
		nil,
	)
	if err != nil {
		in.Destroy()
		out.Destroy()
		return nil, fmt.Errorf("session for %s: %w", path, err)
	}

	return &onnxModel{session: session, in: in, out: out}, nil
}

// Run copies input into the session tensor, executes the model, and
// returns a copy of the output tensor.
func (m *onnxModel) Run(input []float32) ([]float32, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	data := m.in.GetData()
	if len(input) != len(data) {
		return nil, fmt.Errorf("input length %d does not match tensor size %d", len(input), len(data))
	}
	copy(data, input)

	if err := m.session.Run(); err != nil {
		return nil, err
	}

	outData := m.out.GetData()
	return append([]float32(nil), outData...), nil
}

// Close destroys the session and its tensors
func (m *onnxModel) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session.Destroy()
	m.in.Destroy()
	m.out.Destroy()
}

// LoadCascade loads the three openWakeWord models with their fixed
// tensor shapes. InitRuntime must have succeeded first.
func LoadCascade(melPath, embedPath, wakePath string) (Models, error) {
	mel, err := newONNXModel(melPath,
		ort.NewShape(1, FrameSamples),
		ort.NewShape(1, 1, MelFramesPerStep, MelBins))
	if err != nil {
		return Models{}, fmt.Errorf("melspectrogram model: %w", err)
	}

	embed, err := newONNXModel(embedPath,
		ort.NewShape(1, MelWindowSize, MelBins, 1),
		ort.NewShape(1, 1, 1, EmbeddingDim))
	if err != nil {
		mel.Close()
		return Models{}, fmt.Errorf("embedding model: %w", err)
	}

	wake, err := newONNXModel(wakePath,
		ort.NewShape(1, EmbeddingFrames, EmbeddingDim),
		ort.NewShape(1, 1))
	if err != nil {
		mel.Close()
		embed.Close()
		return Models{}, fmt.Errorf("wake model: %w", err)
	}

	return Models{Mel: mel, Embed: embed, Wake: wake}, nil
}

// CloseCascade releases models previously returned by LoadCascade
func CloseCascade(m Models) {
	for _, model := range []Model{m.Mel, m.Embed, m.Wake} {
		if om, ok := model.(*onnxModel); ok {
			om.Close()
		}
	}
}
