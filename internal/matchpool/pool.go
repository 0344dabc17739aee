package matchpool

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/mapmigrate/transfer-cli/internal/matching"
	"github.com/mapmigrate/transfer-cli/internal/model"
)

// ErrPoolClosed is returned for submissions after Close.
var ErrPoolClosed = eris.New("matchpool: pool closed")

type submission struct {
	ctx context.Context
	req Request
	out chan Response
}

// Pool is a fixed-size worker pool for matching computations.
type Pool struct {
	requests chan submission
	wg       sync.WaitGroup

	mu     sync.RWMutex
	closed bool
}

// New starts a pool with the given number of workers. Size defaults to one
// when non-positive.
func New(workers int) *Pool {
	if workers < 1 {
		workers = 1
	}
	p := &Pool{requests: make(chan submission)}
	p.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go p.worker()
	}
	zap.L().Debug("matchpool: started", zap.Int("workers", workers))
	return p
}

// Submit queues a request. Responses for it arrive on the returned channel
// in protocol order; the channel is closed after the terminal response.
// The channel is buffered for the whole exchange, so a submitter may drain
// it at its own pace without stalling a worker.
func (p *Pool) Submit(ctx context.Context, req Request) (<-chan Response, error) {
	if req.ID == "" {
		req.ID = uuid.New().String()
	}

	// PROGRESS per batch item plus the terminal message.
	out := make(chan Response, len(req.Batch)+2)

	// Read lock spans the send so Close cannot close the channel under a
	// blocked submitter.
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return nil, ErrPoolClosed
	}

	select {
	case p.requests <- submission{ctx: ctx, req: req, out: out}:
		return out, nil
	case <-ctx.Done():
		return nil, eris.Wrap(ctx.Err(), "matchpool: submit")
	}
}

// Close stops accepting work and waits for in-flight requests to finish.
func (p *Pool) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	close(p.requests)
	p.mu.Unlock()
	p.wg.Wait()
}

func (p *Pool) worker() {
	defer p.wg.Done()
	for sub := range p.requests {
		p.handle(sub)
		close(sub.out)
	}
}

func (p *Pool) handle(sub submission) {
	req := sub.req
	switch req.Kind {
	case KindMatchPlaces:
		if req.Match == nil {
			sub.out <- errorResponse(req.ID, "match_places request missing payload")
			return
		}
		result := matching.Match(req.Match.Place, req.Match.Candidates, req.Match.Options)
		sub.out <- Response{ID: req.ID, Kind: KindMatchResult, Match: &result}

	case KindCalculateSimilarity:
		if req.Similarity == nil {
			sub.out <- errorResponse(req.ID, "calculate_similarity request missing payload")
			return
		}
		score := matching.StringSimilarity(req.Similarity.A, req.Similarity.B)
		sub.out <- Response{ID: req.ID, Kind: KindSimilarityResult, Similarity: score}

	case KindBatchMatch:
		results := make([]model.MatchingResult, 0, len(req.Batch))
		for i, item := range req.Batch {
			if err := sub.ctx.Err(); err != nil {
				sub.out <- errorResponse(req.ID, "batch match canceled: "+err.Error())
				return
			}
			results = append(results, matching.Match(item.Place, item.Candidates, item.Options))
			sub.out <- Response{
				ID:       req.ID,
				Kind:     KindProgress,
				Progress: &Progress{Completed: i + 1, Total: len(req.Batch)},
			}
		}
		sub.out <- Response{ID: req.ID, Kind: KindBatchResult, Batch: results}

	default:
		sub.out <- errorResponse(req.ID, "unknown request kind "+string(req.Kind))
	}
}

func errorResponse(id, msg string) Response {
	return Response{ID: id, Kind: KindError, Error: msg}
}

// MatchPlaces offloads one MATCH_PLACES exchange and unwraps the result.
func (p *Pool) MatchPlaces(ctx context.Context, place model.Place, candidates []model.NormalizedCandidate, opts matching.Options) (model.MatchingResult, error) {
	out, err := p.Submit(ctx, Request{
		Kind:  KindMatchPlaces,
		Match: &MatchRequest{Place: place, Candidates: candidates, Options: opts},
	})
	if err != nil {
		return model.MatchingResult{}, err
	}
	resp, err := awaitTerminal(ctx, out)
	if err != nil {
		return model.MatchingResult{}, err
	}
	if resp.Kind != KindMatchResult || resp.Match == nil {
		return model.MatchingResult{}, eris.Errorf("matchpool: unexpected response kind %s", resp.Kind)
	}
	return *resp.Match, nil
}

// Similarity offloads one CALCULATE_SIMILARITY exchange.
func (p *Pool) Similarity(ctx context.Context, a, b string) (int, error) {
	out, err := p.Submit(ctx, Request{
		Kind:       KindCalculateSimilarity,
		Similarity: &SimilarityRequest{A: a, B: b},
	})
	if err != nil {
		return 0, err
	}
	resp, err := awaitTerminal(ctx, out)
	if err != nil {
		return 0, err
	}
	if resp.Kind != KindSimilarityResult {
		return 0, eris.Errorf("matchpool: unexpected response kind %s", resp.Kind)
	}
	return resp.Similarity, nil
}

// BatchMatch offloads a BATCH_MATCH exchange, invoking onProgress for every
// PROGRESS message, and returns the ordered results.
func (p *Pool) BatchMatch(ctx context.Context, items []MatchRequest, onProgress func(Progress)) ([]model.MatchingResult, error) {
	out, err := p.Submit(ctx, Request{Kind: KindBatchMatch, Batch: items})
	if err != nil {
		return nil, err
	}
	for {
		select {
		case resp, ok := <-out:
			if !ok {
				return nil, eris.New("matchpool: response stream closed early")
			}
			switch resp.Kind {
			case KindProgress:
				if onProgress != nil && resp.Progress != nil {
					onProgress(*resp.Progress)
				}
			case KindBatchResult:
				return resp.Batch, nil
			case KindError:
				return nil, eris.New("matchpool: " + resp.Error)
			default:
				return nil, eris.Errorf("matchpool: unexpected response kind %s", resp.Kind)
			}
		case <-ctx.Done():
			return nil, eris.Wrap(ctx.Err(), "matchpool: batch match")
		}
	}
}

// awaitTerminal reads the single terminal response of a non-streaming
// exchange.
func awaitTerminal(ctx context.Context, out <-chan Response) (Response, error) {
	select {
	case resp, ok := <-out:
		if !ok {
			return Response{}, eris.New("matchpool: response stream closed early")
		}
		if resp.Kind == KindError {
			return Response{}, eris.New("matchpool: " + resp.Error)
		}
		return resp, nil
	case <-ctx.Done():
		return Response{}, eris.Wrap(ctx.Err(), "matchpool: await response")
	}
}
