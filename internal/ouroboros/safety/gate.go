// Package safety implements the two-tier safety gate: a
// fast-check with a cheap LLM, escalating to a deep-check with an
// expensive LLM only when the fast check can't parse a SAFE verdict. The
// gate is stateless and safe to call concurrently from multiple workers;
// a deny decision is final, with no further appeal.
package safety

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
)

// UsageReporter receives LLM usage records for budget accounting. The
// Budget Accountant satisfies this interface; the gate never updates
// budget state directly.
type UsageReporter interface {
	ReportUsage(llmclient.Usage)
}

// Decision is the gate's externally visible decision, kept distinct from
// the internal LLM-response Verdict so callers never need the safety
// package's JSON shape.
type Decision struct {
	Allow  bool
	Reason string
}

// Gate is the two-tier mutating-tool-call validator.
type Gate struct {
	policy    Policy
	client    llmclient.Client
	fastModel string
	deepModel string
	usage     UsageReporter
	cache     *verdictCache
	tracer    trace.Tracer
	mutating  map[string]struct{}
}

// New builds a Gate. cacheSize<=0 uses the package default.
func New(policy Policy, client llmclient.Client, fastModel, deepModel string, usage UsageReporter, cacheSize int) *Gate {
	return &Gate{
		policy:    policy,
		client:    client,
		fastModel: fastModel,
		deepModel: deepModel,
		usage:     usage,
		cache:     newVerdictCache(cacheSize),
		tracer:    otel.Tracer("ouroboros/safety"),
		mutating:  policy.MutatingToolSet(),
	}
}

// Check validates a proposed tool call, returning allow or deny(reason).
// Tools outside the mutating set are always allowed without an LLM call.
func (g *Gate) Check(ctx context.Context, tool, args string) Decision {
	if _, mutating := g.mutating[tool]; !mutating {
		return Decision{Allow: true}
	}

	ctx, span := g.tracer.Start(ctx, "safety.check", trace.WithAttributes(
		attribute.String("tool", tool),
	))
	defer span.End()

	if cached, ok := g.cache.get(tool, args); ok {
		span.SetAttributes(attribute.Bool("cache_hit", true))
		if cached.Safe() {
			return Decision{Allow: true}
		}
		// A cached DANGEROUS verdict is not replayed as a final deny without
		// re-check: policies can change between restarts (hot-reload), and a
		// stale deny would be unrecoverable. Only SAFE is cached short-circuit.
	}

	prompt := g.buildPrompt(tool, args, false)
	if completion, err := g.client.Complete(ctx, g.fastModel, prompt); err == nil {
		g.reportUsage(completion.Usage)
		if v, ok := parseVerdict(completion.Text); ok {
			span.SetAttributes(attribute.String("fast_check_status", v.Status))
			if v.Safe() {
				g.cache.put(tool, args, v)
				return Decision{Allow: true}
			}
			return g.deepCheck(ctx, span, tool, args)
		}
	}

	return g.deepCheck(ctx, span, tool, args)
}

// deepCheck escalates to the expensive tier with a "think carefully"
// suffix; SAFE allows, DANGEROUS or a parse failure denies.
func (g *Gate) deepCheck(ctx context.Context, span trace.Span, tool, args string) Decision {
	prompt := g.buildPrompt(tool, args, true)
	completion, err := g.client.Complete(ctx, g.deepModel, prompt)
	if err != nil {
		span.SetAttributes(attribute.String("deep_check_status", "call_failed"))
		return Decision{Allow: false, Reason: "safety check failed"}
	}
	g.reportUsage(completion.Usage)

	v, ok := parseVerdict(completion.Text)
	if !ok {
		span.SetAttributes(attribute.String("deep_check_status", "parse_failed"))
		return Decision{Allow: false, Reason: "safety check failed"}
	}
	span.SetAttributes(attribute.String("deep_check_status", v.Status))
	if v.Safe() {
		return Decision{Allow: true}
	}
	reason := v.Reason
	if reason == "" {
		reason = "safety check failed"
	}
	return Decision{Allow: false, Reason: reason}
}

func (g *Gate) reportUsage(u llmclient.Usage) {
	if g.usage != nil {
		g.usage.ReportUsage(u)
	}
}

func (g *Gate) buildPrompt(tool, args string, deep bool) string {
	prompt := fmt.Sprintf(
		"Safety policy:\n%s\n\nProposed tool call:\ntool=%s\nargs=%s\n\nRespond with a single JSON object: {\"status\": \"SAFE\"|\"DANGEROUS\", \"reason\": \"...\"}.",
		g.policy.Text(), tool, args,
	)
	if deep {
		prompt += "\n\nThink carefully and step by step about every way this call could be dangerous before answering."
	}
	return prompt
}

// Reload replaces the active policy. Called only through
// Supervisor.ReloadPolicy, after a SIGHUP-triggered safe restart succeeds
// and before the process re-execs, never mid-run.
func (g *Gate) Reload(policy Policy) {
	g.policy = policy
	g.mutating = policy.MutatingToolSet()
}
