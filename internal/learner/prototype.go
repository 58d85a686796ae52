package learner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"runtime"
	"sync"

	"github.com/rand/protometa/internal/episode"
	"github.com/rand/protometa/internal/seqeval"
	"golang.org/x/sync/errgroup"
)

// ParamEmbedding names the token embedding table.
const ParamEmbedding = "embedding.weight"

var (
	// ErrTokenOutOfRange indicates a token id beyond the embedding table.
	ErrTokenOutOfRange = errors.New("token id out of range")

	// ErrUnseenClass indicates a query label with no support examples.
	ErrUnseenClass = errors.New("query label has no support examples")
)

// Config configures the prototype learner.
type Config struct {
	// Kind selects the pooling encoder.
	Kind Kind

	// VocabSize is the number of embedding rows.
	VocabSize int

	// EmbedDim is the embedding width.
	EmbedDim int

	// LearningRate is the inner-update step size.
	LearningRate float64

	// Seed initializes the embedding table.
	Seed int64

	// Workers bounds parallel episode scoring in test mode.
	Workers int

	Logger *slog.Logger
}

// DefaultConfig returns defaults; VocabSize must still be set.
func DefaultConfig() Config {
	return Config{
		Kind:         KindMeanPool,
		EmbedDim:     64,
		LearningRate: 0.1,
		Seed:         1025,
		Workers:      runtime.NumCPU(),
	}
}

// Prototype classifies query items by their distance to per-class
// prototypes, the mean pooled embedding of each class's support items.
type Prototype struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.RWMutex
	embed []float64
	grad  []float64
}

// New creates a prototype learner with a seeded random embedding table.
func New(cfg Config) (*Prototype, error) {
	if cfg.Kind != KindMeanPool && cfg.Kind != KindMaxPool {
		return nil, fmt.Errorf("new learner: unsupported kind %s", cfg.Kind)
	}
	if cfg.VocabSize <= 0 {
		return nil, fmt.Errorf("new learner: vocab size must be positive (got %d)", cfg.VocabSize)
	}
	if cfg.EmbedDim <= 0 {
		return nil, fmt.Errorf("new learner: embed dim must be positive (got %d)", cfg.EmbedDim)
	}
	if cfg.LearningRate <= 0 {
		return nil, fmt.Errorf("new learner: learning rate must be positive (got %g)", cfg.LearningRate)
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	rng := rand.New(rand.NewSource(cfg.Seed))
	embed := make([]float64, cfg.VocabSize*cfg.EmbedDim)
	for i := range embed {
		embed[i] = rng.Float64()*0.2 - 0.1
	}

	return &Prototype{
		cfg:    cfg,
		logger: cfg.Logger,
		embed:  embed,
	}, nil
}

// AdaptAndScore implements Learner.
func (p *Prototype) AdaptAndScore(ctx context.Context, episodes []*episode.Episode, updates int, mode Mode) (BatchResult, error) {
	if mode.Testing() {
		return p.score(ctx, episodes)
	}
	return p.adapt(ctx, episodes, updates)
}

func (p *Prototype) adapt(ctx context.Context, episodes []*episode.Episode, updates int) (BatchResult, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var out BatchResult
	for _, ep := range episodes {
		if err := ctx.Err(); err != nil {
			return BatchResult{}, err
		}
		for step := 0; step < updates; step++ {
			fw, err := p.forward(ep, true)
			if err != nil {
				return BatchResult{}, fmt.Errorf("episode %s: %w", ep.ID(), err)
			}
			for i, g := range fw.grad {
				p.embed[i] -= p.cfg.LearningRate * g
			}
			p.grad = fw.grad
		}
		r, err := p.episodeResult(ep)
		if err != nil {
			return BatchResult{}, err
		}
		p.logger.Debug("adapted episode", "episode", ep.ID(), "updates", updates, "loss", r.Losses[0])
		out.Append(r)
	}
	return out, nil
}

func (p *Prototype) score(ctx context.Context, episodes []*episode.Episode) (BatchResult, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()

	results := make([]BatchResult, len(episodes))
	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(p.cfg.Workers)
	for i, ep := range episodes {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				return err
			}
			r, err := p.episodeResult(ep)
			if err != nil {
				return err
			}
			results[i] = r
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return BatchResult{}, err
	}

	var out BatchResult
	for _, r := range results {
		out.Append(r)
	}
	return out, nil
}

func (p *Prototype) episodeResult(ep *episode.Episode) (BatchResult, error) {
	fw, err := p.forward(ep, false)
	if err != nil {
		return BatchResult{}, fmt.Errorf("episode %s: %w", ep.ID(), err)
	}
	c, err := seqeval.Count(fw.preds, fw.gold, ep.Tags(), false)
	if err != nil {
		return BatchResult{}, fmt.Errorf("episode %s: score: %w", ep.ID(), err)
	}
	return BatchResult{
		Losses:      []float64{fw.loss},
		Accuracies:  []float64{c.Accuracy()},
		Precisions:  []float64{c.Precision()},
		Recalls:     []float64{c.Recall()},
		F1s:         []float64{c.F1()},
		Predictions: fw.preds,
		Labels:      fw.gold,
	}, nil
}

type forwardPass struct {
	loss  float64
	preds []int
	gold  []int
	grad  []float64
}

type encoded struct {
	vec    []float64
	argmax []int
}

func (p *Prototype) forward(ep *episode.Episode, withGrad bool) (forwardPass, error) {
	dim := p.cfg.EmbedDim
	classes := ep.Classes()
	classIdx := make(map[int]int, len(classes))
	for i, c := range classes {
		classIdx[c] = i
	}

	support := ep.Support()
	supEnc := make([]encoded, len(support))
	protos := make([][]float64, len(classes))
	counts := make([]int, len(classes))
	for i := range protos {
		protos[i] = make([]float64, dim)
	}
	for i, it := range support {
		enc, err := p.encode(it.Tokens)
		if err != nil {
			return forwardPass{}, err
		}
		supEnc[i] = enc
		c := classIdx[it.Label]
		counts[c]++
		for d := range dim {
			protos[c][d] += enc.vec[d]
		}
	}
	for c := range protos {
		for d := range dim {
			protos[c][d] /= float64(counts[c])
		}
	}

	query := ep.Query()
	fw := forwardPass{
		preds: make([]int, len(query)),
		gold:  make([]int, len(query)),
	}
	var dProto [][]float64
	if withGrad {
		fw.grad = make([]float64, len(p.embed))
		dProto = make([][]float64, len(classes))
		for i := range dProto {
			dProto[i] = make([]float64, dim)
		}
	}

	logits := make([]float64, len(classes))
	probs := make([]float64, len(classes))
	inv := 1 / float64(len(query))
	for j, it := range query {
		y, ok := classIdx[it.Label]
		if !ok {
			return forwardPass{}, fmt.Errorf("query item %d label %d: %w", j, it.Label, ErrUnseenClass)
		}
		q, err := p.encode(it.Tokens)
		if err != nil {
			return forwardPass{}, err
		}

		best := 0
		for c, proto := range protos {
			logits[c] = -sqDist(q.vec, proto)
			if logits[c] > logits[best] {
				best = c
			}
		}
		softmax(logits, probs)
		fw.loss -= math.Log(math.Max(probs[y], 1e-12)) * inv
		fw.preds[j] = classes[best]
		fw.gold[j] = it.Label

		if !withGrad {
			continue
		}
		dq := make([]float64, dim)
		for c, proto := range protos {
			g := probs[c] * inv
			if c == y {
				g -= inv
			}
			for d := range dim {
				diff := q.vec[d] - proto[d]
				dq[d] -= 2 * g * diff
				dProto[c][d] += 2 * g * diff
			}
		}
		p.backprop(it.Tokens, q, dq, fw.grad)
	}

	if withGrad {
		for i, it := range support {
			c := classIdx[it.Label]
			dEnc := make([]float64, dim)
			for d := range dim {
				dEnc[d] = dProto[c][d] / float64(counts[c])
			}
			p.backprop(it.Tokens, supEnc[i], dEnc, fw.grad)
		}
	}
	return fw, nil
}

func (p *Prototype) encode(tokens []int) (encoded, error) {
	dim := p.cfg.EmbedDim
	enc := encoded{vec: make([]float64, dim)}
	if len(tokens) == 0 {
		return enc, nil
	}
	for _, tok := range tokens {
		if tok < 0 || tok >= p.cfg.VocabSize {
			return encoded{}, fmt.Errorf("%w: %d (vocab %d)", ErrTokenOutOfRange, tok, p.cfg.VocabSize)
		}
	}

	switch p.cfg.Kind {
	case KindMaxPool:
		enc.argmax = make([]int, dim)
		for d := range dim {
			enc.vec[d] = p.embed[tokens[0]*dim+d]
		}
		for i, tok := range tokens[1:] {
			for d := range dim {
				if v := p.embed[tok*dim+d]; v > enc.vec[d] {
					enc.vec[d] = v
					enc.argmax[d] = i + 1
				}
			}
		}
	default:
		for _, tok := range tokens {
			for d := range dim {
				enc.vec[d] += p.embed[tok*dim+d]
			}
		}
		n := float64(len(tokens))
		for d := range dim {
			enc.vec[d] /= n
		}
	}
	return enc, nil
}

func (p *Prototype) backprop(tokens []int, enc encoded, dEnc, grad []float64) {
	if len(tokens) == 0 {
		return
	}
	dim := p.cfg.EmbedDim
	if p.cfg.Kind == KindMaxPool {
		for d := range dim {
			tok := tokens[enc.argmax[d]]
			grad[tok*dim+d] += dEnc[d]
		}
		return
	}
	n := float64(len(tokens))
	for _, tok := range tokens {
		for d := range dim {
			grad[tok*dim+d] += dEnc[d] / n
		}
	}
}

// State implements Stateful.
func (p *Prototype) State() State {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return State{ParamEmbedding: append([]float64(nil), p.embed...)}
}

// LoadState implements Stateful. A table with fewer rows than the
// vocabulary fills the leading rows; tokens past it keep their seeded
// embeddings.
func (p *Prototype) LoadState(s State) error {
	v, ok := s[ParamEmbedding]
	if !ok {
		return fmt.Errorf("load state: missing parameter %q", ParamEmbedding)
	}
	if len(v) == 0 || len(v)%p.cfg.EmbedDim != 0 || len(v) > p.cfg.VocabSize*p.cfg.EmbedDim {
		return fmt.Errorf("load state: %q has %d values, want whole rows of %d up to %d",
			ParamEmbedding, len(v), p.cfg.EmbedDim, p.cfg.VocabSize*p.cfg.EmbedDim)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	copy(p.embed, v)
	p.grad = nil
	return nil
}

// NamedParameters implements Inspectable.
func (p *Prototype) NamedParameters() []Parameter {
	p.mu.RLock()
	defer p.mu.RUnlock()

	param := Parameter{
		Name:  ParamEmbedding,
		Value: append([]float64(nil), p.embed...),
	}
	if p.grad != nil {
		param.Grad = append([]float64(nil), p.grad...)
	}
	return []Parameter{param}
}

func sqDist(a, b []float64) float64 {
	var s float64
	for i := range a {
		d := a[i] - b[i]
		s += d * d
	}
	return s
}

func softmax(logits, out []float64) {
	max := logits[0]
	for _, l := range logits[1:] {
		if l > max {
			max = l
		}
	}
	var sum float64
	for i, l := range logits {
		out[i] = math.Exp(l - max)
		sum += out[i]
	}
	for i := range out {
		out[i] /= sum
	}
}
