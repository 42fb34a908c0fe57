// Copyright 2025 Antfly, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package pipelines drives the video-to-text operators: tensor staging,
// vision feature merging, key/value cache threading and the greedy decode
// loop.
package pipelines

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/antflydb/glimpse/lib/backends"
	"github.com/antflydb/glimpse/lib/frames"
	"github.com/antflydb/glimpse/lib/tokenizer"
)

// DefaultMaxNewTokens bounds generation when no limit is configured.
const DefaultMaxNewTokens = 100

// DecodeState is a state of the decode loop.
type DecodeState int

const (
	StateInit DecodeState = iota
	StateVisionEncode
	StateFirstStep
	StateStep
	StateDone
	StateMaxTokens
	StateCancelled
	StateError
)

func (s DecodeState) String() string {
	switch s {
	case StateInit:
		return "INIT"
	case StateVisionEncode:
		return "VISION_ENCODE"
	case StateFirstStep:
		return "FIRST_STEP"
	case StateStep:
		return "STEP"
	case StateDone:
		return "DONE"
	case StateMaxTokens:
		return "MAX_TOKENS"
	case StateCancelled:
		return "CANCELLED"
	case StateError:
		return "ERROR"
	default:
		return fmt.Sprintf("DecodeState(%d)", int(s))
	}
}

// FinishReason explains why generation stopped.
type FinishReason string

const (
	FinishReasonStop   FinishReason = "stop"
	FinishReasonLength FinishReason = "length"
)

// GenerationConfig holds per-call generation settings.
type GenerationConfig struct {
	// MaxNewTokens is the maximum number of tokens to generate.
	// Zero or negative means DefaultMaxNewTokens.
	MaxNewTokens int
}

// ProgressFunc receives the decoded text generated so far. It is called on
// the generating goroutine and must return quickly.
type ProgressFunc func(partial string)

// Result is the outcome of one generation.
type Result struct {
	Text         string
	TokenIDs     []int32
	FinishReason FinishReason
	PromptTokens int
	Steps        int
	Duration     time.Duration
	// Trace lists the states the decode loop passed through, in order.
	Trace []DecodeState
}

// TokensPerSecond returns the generation throughput.
func (r *Result) TokensPerSecond() float64 {
	if r.Duration <= 0 {
		return 0
	}
	return float64(len(r.TokenIDs)) / r.Duration.Seconds()
}

// VideoTextPipeline runs greedy video-to-text generation over a loaded
// VideoTextModel. It is safe for concurrent use, but each call to Generate
// runs its steps strictly in sequence.
type VideoTextPipeline struct {
	model  *VideoTextModel
	codec  *tokenizer.Codec
	stager *TensorStager
	logger *zap.Logger
}

// NewVideoTextPipeline creates a pipeline.
func NewVideoTextPipeline(model *VideoTextModel, codec *tokenizer.Codec, logger *zap.Logger) *VideoTextPipeline {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &VideoTextPipeline{
		model:  model,
		codec:  codec,
		stager: NewTensorStager(model.Config()),
		logger: logger,
	}
}

// Generate describes frames in response to prompt. Cancellation of ctx is
// observed between operator calls. On any error the partially generated
// tokens are discarded.
func (p *VideoTextPipeline) Generate(ctx context.Context, frameList []frames.Frame, prompt string, cfg GenerationConfig, progress ProgressFunc) (*Result, error) {
	if p == nil || p.model == nil || p.codec == nil {
		return nil, ErrNotLoaded
	}
	release, err := p.model.Borrow()
	if err != nil {
		return nil, err
	}
	defer release()

	maxNew := cfg.MaxNewTokens
	if maxNew <= 0 {
		maxNew = DefaultMaxNewTokens
	}
	if progress == nil {
		progress = func(string) {}
	}

	vision, embed, decoder := p.model.Sessions()
	modelCfg := p.model.Config()
	g := &generation{
		pipeline: p,
		cfg:      modelCfg,
		vision:   NewOperator(VisionEncoderSchema, vision),
		embed:    NewOperator(EmbedTokensSchema, embed),
		decoder:  NewOperator(DecoderSchema(modelCfg.NumLayers), decoder),
		logger:   p.logger,
		state:    StateInit,
		trace:    []DecodeState{StateInit},
	}

	start := time.Now()
	result, err := g.run(ctx, frameList, prompt, maxNew, progress)
	if err != nil {
		g.logger.Debug("Generation failed",
			zap.Stringer("state", g.state),
			zap.Int("steps", g.steps),
			zap.Error(err))
		return nil, err
	}
	result.Duration = time.Since(start)
	result.Trace = g.trace

	g.logger.Info("Generation finished",
		zap.String("finish_reason", string(result.FinishReason)),
		zap.Int("prompt_tokens", result.PromptTokens),
		zap.Int("generated_tokens", len(result.TokenIDs)),
		zap.Duration("duration", result.Duration),
		zap.Float64("tokens_per_sec", result.TokensPerSecond()))
	return result, nil
}

// generation is the mutable state of one Generate call.
type generation struct {
	pipeline *VideoTextPipeline
	cfg      *ModelConfig
	vision   *Operator
	embed    *Operator
	decoder  *Operator
	logger   *zap.Logger

	state DecodeState
	trace []DecodeState
	steps int

	features       ImageFeatures
	imagesConsumed bool

	inputIDs  []int32
	mask      []int64
	positions []int64
	nextPos   int64
	generated []int32
	kv        *KVCache
}

func (g *generation) enter(s DecodeState) {
	if g.state == s {
		return
	}
	g.logger.Debug("Decode state", zap.Stringer("from", g.state), zap.Stringer("to", s))
	g.state = s
	g.trace = append(g.trace, s)
}

func (g *generation) fail(err error) error {
	g.enter(StateError)
	return err
}

func (g *generation) run(ctx context.Context, frameList []frames.Frame, prompt string, maxNew int, progress ProgressFunc) (*Result, error) {
	codec := g.pipeline.codec
	special := codec.SpecialTokens()

	if err := ctx.Err(); err != nil {
		g.enter(StateCancelled)
		return nil, &CancellationError{Step: 0, Err: err}
	}

	g.enter(StateVisionEncode)
	if err := g.encodeVision(frameList); err != nil {
		return nil, g.fail(err)
	}

	promptIDs := codec.EncodePrompt(prompt, len(frameList))
	g.inputIDs = promptIDs
	g.mask = make([]int64, len(promptIDs))
	g.positions = make([]int64, len(promptIDs))
	for i := range promptIDs {
		g.mask[i] = 1
		g.positions[i] = g.cfg.FirstPositionID + int64(i)
	}
	g.nextPos = g.cfg.FirstPositionID + int64(len(promptIDs))

	kv, err := NewKVCache(g.cfg, g.pipeline.model.PastDataType())
	if err != nil {
		return nil, g.fail(err)
	}
	g.kv = kv

	for step := 0; step < maxNew; step++ {
		if err := ctx.Err(); err != nil {
			g.enter(StateCancelled)
			return nil, &CancellationError{Step: step, Err: err}
		}
		if step == 0 {
			g.enter(StateFirstStep)
		} else {
			g.enter(StateStep)
		}

		next, outputs, err := g.step()
		if err != nil {
			return nil, g.fail(err)
		}
		g.steps++

		if special.IsStop(next) {
			g.enter(StateDone)
			return g.result(promptIDs, FinishReasonStop), nil
		}
		g.generated = append(g.generated, next)

		if err := g.kv.Update(outputs); err != nil {
			return nil, g.fail(err)
		}
		g.inputIDs = []int32{next}
		g.mask = append(g.mask, 1)
		g.positions = []int64{g.nextPos}
		g.nextPos++

		g.logger.Debug("Decode step",
			zap.Int("step", step),
			zap.Int32("token", next),
			zap.Int64("past_len", g.kv.PastLength()))
		progress(codec.Decode(g.generated))
	}

	g.enter(StateMaxTokens)
	return g.result(promptIDs, FinishReasonLength), nil
}

func (g *generation) result(promptIDs []int32, reason FinishReason) *Result {
	return &Result{
		Text:         g.pipeline.codec.Decode(g.generated),
		TokenIDs:     g.generated,
		FinishReason: reason,
		PromptTokens: len(promptIDs),
		Steps:        g.steps,
	}
}

// encodeVision runs the vision encoder once over all frames. A request
// without frames skips the operator and merges nothing.
func (g *generation) encodeVision(frameList []frames.Frame) error {
	g.features = ImageFeatures{HiddenSize: g.cfg.HiddenSize}
	if len(frameList) == 0 {
		return nil
	}

	stager := g.pipeline.stager
	pixels, err := stager.StagePixelTensor(frameList)
	if err != nil {
		return err
	}
	outputs, err := g.vision.Run(VisionRequest{
		PixelValues:        pixels,
		PixelAttentionMask: stager.StagePixelAttentionMask(len(frameList)),
	})
	if err != nil {
		return err
	}

	out := outputs[0]
	hidden := g.cfg.HiddenSize
	if len(out.Shape) < 2 || out.Shape[len(out.Shape)-1] != int64(hidden) {
		return &ShapeError{Operator: g.vision.Name(), Tensor: out.Name, Want: fmt.Sprintf("[... %d]", hidden), Got: shapeString(out.Shape)}
	}
	data, err := out.Float32s()
	if err != nil {
		return &ShapeError{Operator: g.vision.Name(), Tensor: out.Name, Want: "floating point data", Got: fmt.Sprintf("%T", out.Data)}
	}
	if len(data)%hidden != 0 {
		return &ShapeError{Operator: g.vision.Name(), Tensor: out.Name, Want: fmt.Sprintf("multiple of %d values", hidden), Got: fmt.Sprint(len(data))}
	}
	g.features = ImageFeatures{Data: data, Rows: len(data) / hidden, HiddenSize: hidden}
	g.logger.Debug("Encoded frames",
		zap.Int("frames", len(frameList)),
		zap.Int("feature_rows", g.features.Rows))
	return nil
}

// step embeds the current ids, merges image features on the first step,
// runs the decoder and picks the next token greedily.
func (g *generation) step() (int32, []backends.NamedTensor, error) {
	hidden := g.cfg.HiddenSize
	in := StageStepInputs(g.inputIDs, g.mask, g.positions)

	embedOut, err := g.embed.Run(EmbedRequest{InputIDs: in.InputIDs})
	if err != nil {
		return 0, nil, err
	}
	embeds, err := g.takeEmbeddings(embedOut[0], len(g.inputIDs))
	if err != nil {
		return 0, nil, err
	}

	if !g.imagesConsumed {
		merged, err := MergeImageFeatures(g.inputIDs, embeds, g.features, g.pipeline.codec.SpecialTokens().ImagePlaceholder)
		if err != nil {
			return 0, nil, err
		}
		if merged.Replaced != merged.Placeholders || merged.Replaced != g.features.Rows {
			g.logger.Warn("Image feature count does not match placeholders",
				zap.Int("placeholders", merged.Placeholders),
				zap.Int("feature_rows", g.features.Rows),
				zap.Int("merged", merged.Replaced))
		}
		embeds = merged.Embeddings
		g.imagesConsumed = true
	}

	outputs, err := g.decoder.Run(DecoderRequest{
		InputsEmbeds: backends.NamedTensor{
			Name:  InputInputsEmbeds,
			Shape: []int64{1, int64(len(g.inputIDs)), int64(hidden)},
			Data:  embeds,
		},
		AttentionMask: in.AttentionMask,
		PositionIDs:   in.PositionIDs,
		PastKeyValues: g.kv.Inputs(),
		UseCache:      g.kv.PastLength() > 0,
	})
	if err != nil {
		return 0, nil, err
	}

	logits, err := LastPositionLogits(outputs[0])
	if err != nil {
		return 0, nil, err
	}
	return int32(Argmax(logits)), outputs, nil
}

// takeEmbeddings copies exactly n rows out of the embedder output into a
// buffer owned by this generation.
func (g *generation) takeEmbeddings(out backends.NamedTensor, n int) ([]float32, error) {
	hidden := g.cfg.HiddenSize
	if len(out.Shape) == 0 || out.Shape[len(out.Shape)-1] != int64(hidden) {
		return nil, &ShapeError{Operator: g.embed.Name(), Tensor: out.Name, Want: fmt.Sprintf("[1 %d %d]", n, hidden), Got: shapeString(out.Shape)}
	}
	data, err := out.Float32s()
	if err != nil {
		return nil, &ShapeError{Operator: g.embed.Name(), Tensor: out.Name, Want: "floating point data", Got: fmt.Sprintf("%T", out.Data)}
	}
	if len(data) < n*hidden {
		return nil, &ShapeError{Operator: g.embed.Name(), Tensor: out.Name, Want: fmt.Sprintf("%d values", n*hidden), Got: fmt.Sprint(len(data))}
	}
	embeds := make([]float32, n*hidden)
	copy(embeds, data[:n*hidden])
	return embeds, nil
}
