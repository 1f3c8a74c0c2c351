// Package providertest provides a scripted provider.Adapter for tests.
package providertest

import (
	"context"
	"sync"
	"time"

	"relaychat/internal/models"
	"relaychat/internal/service/provider"
)

// Step is one scripted event of a fake stream.
type Step struct {
	Delta  string
	Finish string
	Usage  *models.Usage
	Err    error
	// Delay is waited (or interrupted by ctx) before the step is emitted.
	Delay time.Duration
	// Block makes the stream hang until ctx is done.
	Block bool
}

// Adapter replays Steps on every Stream call and records the requests it saw.
type Adapter struct {
	AdapterName string
	Steps       []Step
	// OpenErr is returned by Stream and Generate before any chunk is produced.
	OpenErr error
	// Reply is the Generate result text.
	Reply string

	mu       sync.Mutex
	requests []*provider.Request
}

func (a *Adapter) Name() string {
	if a.AdapterName == "" {
		return "fake"
	}
	return a.AdapterName
}

// Requests returns the requests received so far.
func (a *Adapter) Requests() []*provider.Request {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]*provider.Request, len(a.requests))
	copy(out, a.requests)
	return out
}

func (a *Adapter) record(req *provider.Request) {
	a.mu.Lock()
	a.requests = append(a.requests, req)
	a.mu.Unlock()
}

func (a *Adapter) Generate(ctx context.Context, req *provider.Request) (*provider.Response, error) {
	a.record(req)
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return &provider.Response{Text: a.Reply, Model: req.Model, FinishReason: "stop"}, nil
}

func (a *Adapter) Stream(ctx context.Context, req *provider.Request) (<-chan provider.Chunk, error) {
	a.record(req)
	if a.OpenErr != nil {
		return nil, a.OpenErr
	}
	out := make(chan provider.Chunk)
	go func() {
		defer close(out)
		for _, step := range a.Steps {
			if step.Block {
				<-ctx.Done()
				return
			}
			if step.Delay > 0 {
				select {
				case <-time.After(step.Delay):
				case <-ctx.Done():
					return
				}
			}
			c := provider.Chunk{Delta: step.Delta, FinishReason: step.Finish, Usage: step.Usage, Err: step.Err}
			select {
			case out <- c:
			case <-ctx.Done():
				return
			}
			if c.Terminal() {
				return
			}
		}
	}()
	return out, nil
}

// Text scripts a successful stream of the given deltas ending with "stop".
func Text(deltas ...string) []Step {
	steps := make([]Step, 0, len(deltas)+1)
	for _, d := range deltas {
		steps = append(steps, Step{Delta: d})
	}
	return append(steps, Step{Finish: "stop"})
}

// Factory returns a provider.Factory that always yields a.
func Factory(a provider.Adapter) provider.Factory {
	return provider.FactoryFunc(func(context.Context, models.ProviderDescriptor, string) (provider.Adapter, error) {
		return a, nil
	})
}
