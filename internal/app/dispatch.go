package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	gateway "github.com/eugener/ccmux/internal"
	"github.com/eugener/ccmux/internal/circuitbreaker"
	"github.com/eugener/ccmux/internal/config"
	"github.com/eugener/ccmux/internal/provider"
	"github.com/eugener/ccmux/internal/router"
	"github.com/eugener/ccmux/internal/telemetry"
)

// UsageSink receives one record per completed request. Satisfied by
// worker.UsageRecorder.
type UsageSink interface {
	Record(gateway.UsageRecord)
}

// Dispatcher routes incoming requests to provider adapters and records usage
// for every completed call. Metrics and the usage sink are optional.
type Dispatcher struct {
	registry *provider.Registry
	router   *router.Router
	aliases  map[string]ModelTarget
	usage    UsageSink
	metrics  *telemetry.Metrics
	breakers *circuitbreaker.Registry
	log      *slog.Logger
}

// NewDispatcher wires a Dispatcher. usage and metrics may be nil.
func NewDispatcher(reg *provider.Registry, rt *router.Router, aliases map[string]ModelTarget,
	usage UsageSink, metrics *telemetry.Metrics, log *slog.Logger) *Dispatcher {
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{
		registry: reg,
		router:   rt,
		aliases:  aliases,
		usage:    usage,
		metrics:  metrics,
		log:      log,
	}
}

// SetBreakers enables per-provider circuit breaking on upstream calls.
func (d *Dispatcher) SetBreakers(r *circuitbreaker.Registry) { d.breakers = r }

// Aliases returns the configured model alias table.
func (d *Dispatcher) Aliases() map[string]ModelTarget { return d.aliases }

// Registry returns the provider registry.
func (d *Dispatcher) Registry() *provider.Registry { return d.registry }

// resolve routes req and picks its provider. The request model is rewritten
// to the upstream model name.
func (d *Dispatcher) resolve(req *gateway.MessagesRequest) (gateway.Provider, gateway.RouteDecision, error) {
	decision := d.router.Route(req)
	providerName, model := config.ParseRoute(decision.Model)

	if providerName == "" {
		if t, ok := d.aliases[model]; ok {
			providerName, model = t.Provider, t.Model
		}
	}

	var (
		p   gateway.Provider
		err error
	)
	if providerName != "" {
		p, err = d.registry.Get(providerName)
	} else {
		p, err = d.registry.ForModel(model)
	}
	if err != nil {
		return nil, decision, fmt.Errorf("%w: %w", gateway.ErrRoutingFailed, err)
	}

	req.Model = model
	return p, decision, nil
}

// errCircuitOpen reports a short-circuited provider.
func errCircuitOpen(name string) error {
	return fmt.Errorf("%w: provider %q temporarily unavailable (circuit open)", gateway.ErrProviderError, name)
}

// breaker returns the breaker for name, or nil when breaking is disabled.
func (d *Dispatcher) breaker(name string) *circuitbreaker.Breaker {
	if d.breakers == nil {
		return nil
	}
	return d.breakers.GetOrCreate(name)
}

func observeBreaker(b *circuitbreaker.Breaker, err error) {
	if b == nil {
		return
	}
	if w := circuitbreaker.ClassifyError(err); w > 0 {
		b.RecordError(w)
	} else {
		b.RecordSuccess()
	}
}

// Send dispatches a non-streaming request.
func (d *Dispatcher) Send(ctx context.Context, req *gateway.MessagesRequest) (*gateway.MessagesResponse, error) {
	p, decision, err := d.resolve(req)
	if err != nil {
		return nil, err
	}

	b := d.breaker(p.Name())
	if b != nil && !b.Allow() {
		d.record(ctx, req.Model, p.Name(), decision.Route, nil, false, 0, http.StatusServiceUnavailable)
		return nil, errCircuitOpen(p.Name())
	}

	start := time.Now()
	resp, err := p.SendMessage(ctx, req)
	elapsed := time.Since(start)
	d.observeUpstream(p.Name(), req.Model, elapsed, err)
	observeBreaker(b, err)

	if err != nil {
		d.record(ctx, req.Model, p.Name(), decision.Route, nil, false, elapsed, statusFromError(err))
		return nil, err
	}
	d.record(ctx, req.Model, p.Name(), decision.Route, &resp.Usage, false, elapsed, http.StatusOK)
	return resp, nil
}

// Stream dispatches a streaming request. The returned channel mirrors the
// provider's; usage is recorded when the upstream stream ends.
func (d *Dispatcher) Stream(ctx context.Context, req *gateway.MessagesRequest) (<-chan gateway.StreamChunk, error) {
	p, decision, err := d.resolve(req)
	if err != nil {
		return nil, err
	}

	b := d.breaker(p.Name())
	if b != nil && !b.Allow() {
		d.record(ctx, req.Model, p.Name(), decision.Route, nil, true, 0, http.StatusServiceUnavailable)
		return nil, errCircuitOpen(p.Name())
	}

	start := time.Now()
	upstream, err := p.StreamMessage(ctx, req)
	if err != nil {
		elapsed := time.Since(start)
		d.observeUpstream(p.Name(), req.Model, elapsed, err)
		observeBreaker(b, err)
		d.record(ctx, req.Model, p.Name(), decision.Route, nil, true, elapsed, statusFromError(err))
		return nil, err
	}

	model, providerName := req.Model, p.Name()
	out := make(chan gateway.StreamChunk, 8)
	go func() {
		defer close(out)

		var usage *gateway.Usage
		var streamErr error
		status := http.StatusOK
		for chunk := range upstream {
			if chunk.Usage != nil {
				usage = chunk.Usage
			}
			if chunk.Err != nil {
				streamErr = chunk.Err
				status = statusFromError(chunk.Err)
			}
			select {
			case out <- chunk:
			case <-ctx.Done():
				status = statusClientGone
			}
			if ctx.Err() != nil {
				break
			}
		}

		elapsed := time.Since(start)
		d.observeUpstream(providerName, model, elapsed, nil)
		observeBreaker(b, streamErr)
		d.record(ctx, model, providerName, decision.Route, usage, true, elapsed, status)
	}()
	return out, nil
}

// CountTokens routes a count request through the same rules as messages and
// forwards it to the selected provider.
func (d *Dispatcher) CountTokens(ctx context.Context, req *gateway.CountTokensRequest) (*gateway.CountTokensResponse, error) {
	shadow := &gateway.MessagesRequest{Model: req.Model, System: req.System, Tools: req.Tools}
	p, _, err := d.resolve(shadow)
	if err != nil {
		return nil, err
	}

	out := *req
	out.Model = shadow.Model
	return p.CountTokens(ctx, &out)
}

// statusClientGone marks streams cut short by client disconnect, matching
// nginx's convention.
const statusClientGone = 499

func (d *Dispatcher) record(ctx context.Context, model, providerName string, route gateway.RouteType,
	usage *gateway.Usage, stream bool, elapsed time.Duration, status int) {
	var in, outTokens int
	if usage != nil {
		in, outTokens = usage.InputTokens, usage.OutputTokens
	}

	if d.metrics != nil && usage != nil {
		d.metrics.TokensProcessed.WithLabelValues(model, "input").Add(float64(in))
		d.metrics.TokensProcessed.WithLabelValues(model, "output").Add(float64(outTokens))
	}

	if d.usage == nil {
		return
	}
	d.usage.Record(gateway.UsageRecord{
		RequestID:    gateway.RequestIDFromContext(ctx),
		Model:        model,
		Provider:     providerName,
		Route:        string(route),
		InputTokens:  in,
		OutputTokens: outTokens,
		Stream:       stream,
		LatencyMs:    int(elapsed.Milliseconds()),
		StatusCode:   status,
		CreatedAt:    time.Now().UTC(),
	})
}

func (d *Dispatcher) observeUpstream(providerName, model string, elapsed time.Duration, err error) {
	if d.metrics == nil {
		return
	}
	d.metrics.UpstreamDuration.WithLabelValues(providerName, model).Observe(elapsed.Seconds())
	if err != nil {
		d.metrics.UpstreamErrors.WithLabelValues(providerName, strconv.Itoa(statusFromError(err))).Inc()
	}
}

// statusFromError maps upstream errors to an HTTP status for accounting.
func statusFromError(err error) int {
	var apiErr *provider.APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode
	}
	return http.StatusBadGateway
}
