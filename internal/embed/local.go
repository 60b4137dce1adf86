package embed

import (
	"context"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sync"

	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/pretrained"
	ort "github.com/yalue/onnxruntime_go"
)

const (
	localModelFile     = "model.onnx"
	localTokenizerFile = "tokenizer.json"

	// MiniLM-class sentence transformers cap out at 256 tokens; longer
	// inputs are truncated rather than rejected.
	localMaxTokens = 256
)

var (
	ortInitOnce sync.Once
	ortInitErr  error
)

func initRuntime() error {
	ortInitOnce.Do(func() {
		if lib := os.Getenv("PALACE_ONNX_LIB"); lib != "" {
			ort.SetSharedLibraryPath(lib)
		}
		ortInitErr = ort.InitializeEnvironment()
	})
	return ortInitErr
}

// Local runs a sentence-transformer ONNX model on the local machine.
// The model directory must contain model.onnx and tokenizer.json, e.g.
// an exported all-MiniLM-L6-v2. Output vectors are mean-pooled over
// non-padding tokens and L2-normalized.
type Local struct {
	session    *ort.DynamicAdvancedSession
	tk         *tokenizer.Tokenizer
	mu         sync.Mutex
	dimensions int
}

// NewLocal loads the ONNX model and tokenizer from modelDir.
func NewLocal(modelDir string) (*Local, error) {
	if err := initRuntime(); err != nil {
		return nil, fmt.Errorf("initializing onnx runtime: %w", err)
	}

	modelPath := filepath.Join(modelDir, localModelFile)
	if _, err := os.Stat(modelPath); err != nil {
		return nil, fmt.Errorf("model file %s: %w", modelPath, err)
	}

	tk, err := pretrained.FromFile(filepath.Join(modelDir, localTokenizerFile))
	if err != nil {
		return nil, fmt.Errorf("loading tokenizer: %w", err)
	}

	session, err := ort.NewDynamicAdvancedSession(modelPath,
		[]string{"input_ids", "attention_mask", "token_type_ids"},
		[]string{"last_hidden_state"},
		nil)
	if err != nil {
		return nil, fmt.Errorf("creating onnx session: %w", err)
	}

	return &Local{session: session, tk: tk}, nil
}

// Embed generates an embedding vector for a single text.
func (l *Local) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("empty text")
	}
	embeddings, err := l.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return embeddings[0], nil
}

// EmbedBatch embeds each text through the model, one sequence per run.
func (l *Local) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}

	// ONNX runtime sessions are not safe for concurrent Run calls.
	l.mu.Lock()
	defer l.mu.Unlock()

	result := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if text == "" {
			continue
		}
		vec, err := l.embedOne(text)
		if err != nil {
			return nil, fmt.Errorf("embedding text %d: %w", i, err)
		}
		result[i] = vec
		l.dimensions = len(vec)
	}
	return result, nil
}

// Dimensions returns the vector dimensionality, or 0 before the first call.
func (l *Local) Dimensions() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.dimensions
}

// Close releases the ONNX session.
func (l *Local) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.session != nil {
		err := l.session.Destroy()
		l.session = nil
		return err
	}
	return nil
}

func (l *Local) embedOne(text string) ([]float32, error) {
	encoding, err := l.tk.EncodeSingle(text, true)
	if err != nil {
		return nil, fmt.Errorf("tokenizing: %w", err)
	}

	ids := encoding.Ids
	mask := encoding.AttentionMask
	typeIds := encoding.TypeIds
	if len(ids) > localMaxTokens {
		ids = ids[:localMaxTokens]
		mask = mask[:localMaxTokens]
		typeIds = typeIds[:localMaxTokens]
	}
	seqLen := int64(len(ids))
	if seqLen == 0 {
		return nil, fmt.Errorf("tokenizer produced no tokens")
	}

	shape := ort.NewShape(1, seqLen)
	idsTensor, err := ort.NewTensor(shape, toInt64(ids))
	if err != nil {
		return nil, fmt.Errorf("creating input_ids tensor: %w", err)
	}
	defer idsTensor.Destroy()
	maskTensor, err := ort.NewTensor(shape, toInt64(mask))
	if err != nil {
		return nil, fmt.Errorf("creating attention_mask tensor: %w", err)
	}
	defer maskTensor.Destroy()
	typeTensor, err := ort.NewTensor(shape, toInt64(typeIds))
	if err != nil {
		return nil, fmt.Errorf("creating token_type_ids tensor: %w", err)
	}
	defer typeTensor.Destroy()

	outputs := []ort.Value{nil}
	if err := l.session.Run([]ort.Value{idsTensor, maskTensor, typeTensor}, outputs); err != nil {
		return nil, fmt.Errorf("running model: %w", err)
	}
	hidden, ok := outputs[0].(*ort.Tensor[float32])
	if !ok {
		return nil, fmt.Errorf("unexpected output tensor type %T", outputs[0])
	}
	defer hidden.Destroy()

	outShape := hidden.GetShape()
	if len(outShape) != 3 {
		return nil, fmt.Errorf("unexpected output shape %v", outShape)
	}
	tokens := int(outShape[1])
	dims := int(outShape[2])

	return meanPool(hidden.GetData(), mask, tokens, dims), nil
}

// meanPool averages token vectors weighted by the attention mask and
// L2-normalizes the result, matching sentence-transformers pooling.
func meanPool(hidden []float32, mask []int, tokens, dims int) []float32 {
	pooled := make([]float32, dims)
	var count float64
	for t := 0; t < tokens; t++ {
		if t < len(mask) && mask[t] == 0 {
			continue
		}
		count++
		row := hidden[t*dims : (t+1)*dims]
		for j, v := range row {
			pooled[j] += v
		}
	}
	if count == 0 {
		return pooled
	}

	var norm float64
	for j := range pooled {
		pooled[j] /= float32(count)
		norm += float64(pooled[j]) * float64(pooled[j])
	}
	if norm > 0 {
		scale := float32(1 / math.Sqrt(norm))
		for j := range pooled {
			pooled[j] *= scale
		}
	}
	return pooled
}

func toInt64(xs []int) []int64 {
	out := make([]int64, len(xs))
	for i, x := range xs {
		out[i] = int64(x)
	}
	return out
}
