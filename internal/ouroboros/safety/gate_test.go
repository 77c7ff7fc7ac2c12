package safety

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Mikhail2018/ouroboros-desktop/internal/ouroboros/llmclient"
)

// scriptedClient returns canned completions keyed by model, recording the
// calls it served.
type scriptedClient struct {
	mu        sync.Mutex
	responses map[string][]response
	calls     []string
}

type response struct {
	text string
	err  error
}

func newScriptedClient() *scriptedClient {
	return &scriptedClient{responses: map[string][]response{}}
}

func (c *scriptedClient) on(model, text string, err error) {
	c.responses[model] = append(c.responses[model], response{text: text, err: err})
}

func (c *scriptedClient) Complete(_ context.Context, model, _ string) (llmclient.Completion, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.calls = append(c.calls, model)

	queue := c.responses[model]
	if len(queue) == 0 {
		return llmclient.Completion{}, errors.New("unexpected call to " + model)
	}
	r := queue[0]
	c.responses[model] = queue[1:]
	if r.err != nil {
		return llmclient.Completion{}, r.err
	}
	return llmclient.Completion{Text: r.text, Usage: llmclient.Usage{PromptTokens: 10, CompletionTokens: 5, CostUSD: 0.001}}, nil
}

type recordingReporter struct {
	mu     sync.Mutex
	usages []llmclient.Usage
}

func (r *recordingReporter) ReportUsage(u llmclient.Usage) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.usages = append(r.usages, u)
}

func newGate(client llmclient.Client, reporter UsageReporter) *Gate {
	return New(DefaultPolicy(), client, "fast", "deep", reporter, 8)
}

func TestNonMutatingToolAlwaysAllowed(t *testing.T) {
	client := newScriptedClient()
	g := newGate(client, nil)

	d := g.Check(context.Background(), "read_file", `{"path":"README.md"}`)
	assert.True(t, d.Allow)
	assert.Empty(t, client.calls, "no LLM round trip for non-mutating tools")
}

func TestFastCheckSafeAllows(t *testing.T) {
	client := newScriptedClient()
	client.on("fast", `{"status": "SAFE", "reason": ""}`, nil)
	reporter := &recordingReporter{}
	g := newGate(client, reporter)

	d := g.Check(context.Background(), "run_shell", `{"cmd":"go test ./..."}`)
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"fast"}, client.calls)
	assert.Len(t, reporter.usages, 1, "fast-check usage reported to the accountant")
}

func TestDangerousEscalatesAndDenies(t *testing.T) {
	client := newScriptedClient()
	client.on("fast", `{"status": "DANGEROUS", "reason": "recursive delete"}`, nil)
	client.on("deep", `{"status": "DANGEROUS", "reason": "recursive delete of the filesystem root"}`, nil)
	g := newGate(client, nil)

	d := g.Check(context.Background(), "run_shell", `{"cmd":"rm -rf /"}`)
	require.False(t, d.Allow)
	assert.Equal(t, "recursive delete of the filesystem root", d.Reason)
	assert.Equal(t, []string{"fast", "deep"}, client.calls, "DANGEROUS fast verdict escalates to the deep tier")
}

func TestDeepCheckCanOverturnFastVerdict(t *testing.T) {
	client := newScriptedClient()
	client.on("fast", `{"status": "DANGEROUS", "reason": "looks scary"}`, nil)
	client.on("deep", `{"status": "SAFE", "reason": "routine test invocation"}`, nil)
	g := newGate(client, nil)

	d := g.Check(context.Background(), "run_shell", `{"cmd":"rm -rf ./tmp/scratch"}`)
	assert.True(t, d.Allow)
}

func TestFastFailureFallsThroughToDeep(t *testing.T) {
	client := newScriptedClient()
	client.on("fast", "", errors.New("rate limited"))
	client.on("deep", `{"status": "SAFE"}`, nil)
	g := newGate(client, nil)

	d := g.Check(context.Background(), "code_edit", `{"file":"main.go"}`)
	assert.True(t, d.Allow)
	assert.Equal(t, []string{"fast", "deep"}, client.calls)
}

func TestUnparseableEverywhereDenies(t *testing.T) {
	client := newScriptedClient()
	client.on("fast", "I think it might be fine?", nil)
	client.on("deep", "definitely maybe", nil)
	g := newGate(client, nil)

	d := g.Check(context.Background(), "repo_commit", `{"message":"wip"}`)
	require.False(t, d.Allow)
	assert.Equal(t, "safety check failed", d.Reason)
}

func TestMarkdownWrappedVerdictParses(t *testing.T) {
	client := newScriptedClient()
	client.on("fast", "```json\n{\"status\": \"SAFE\", \"reason\": \"ok\"}\n```", nil)
	g := newGate(client, nil)

	d := g.Check(context.Background(), "drive_write", `{"path":"notes.md"}`)
	assert.True(t, d.Allow)
}

func TestSafeVerdictIsCached(t *testing.T) {
	client := newScriptedClient()
	client.on("fast", `{"status": "SAFE"}`, nil)
	g := newGate(client, nil)

	require.True(t, g.Check(context.Background(), "run_shell", `{"cmd":"ls"}`).Allow)
	require.True(t, g.Check(context.Background(), "run_shell", `{"cmd":"ls"}`).Allow)
	assert.Equal(t, []string{"fast"}, client.calls, "second identical call served from cache")
}
