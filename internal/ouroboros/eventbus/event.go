package eventbus

import "time"

// Type is the tagged discriminant of Event; the dispatcher is a closed
// match over these variants, so adding one forces a look at dispatcher
// completeness.
type Type string

const (
	TypeTaskStarted       Type = "task_started"
	TypeTaskProgress      Type = "task_progress"
	TypeTaskDone          Type = "task_done"
	TypeTaskFailed        Type = "task_failed"
	TypeToolCallProposed  Type = "tool_call_proposed"
	TypeLLMUsage          Type = "llm_usage"
	TypeHeartbeat         Type = "heartbeat"
	TypeChatOut           Type = "chat_out"
	TypeRepoMutation      Type = "repo_mutation"
)

// Event is a fire-and-forget message from a worker to the supervisor.
// Ordering across workers is unspecified; ordering within one WorkerID is
// strict FIFO.
type Event struct {
	WorkerID string    `json:"worker_id"`
	TaskID   string    `json:"task_id,omitempty"`
	Ts       time.Time `json:"ts"`
	Type     Type      `json:"type"`

	// Fields below are populated according to Type; unused fields stay zero.
	Progress        string  `json:"progress,omitempty"`
	Result          string  `json:"result,omitempty"`
	Error           string  `json:"error,omitempty"`
	ErrorRetryable  bool    `json:"error_retryable,omitempty"`
	Tool            string  `json:"tool,omitempty"`
	ToolArgs        string  `json:"tool_args,omitempty"`
	PromptTokens    int     `json:"prompt_tokens,omitempty"`
	CompletionTokens int    `json:"completion_tokens,omitempty"`
	CostUSD         float64 `json:"cost_usd,omitempty"`
	Text            string  `json:"text,omitempty"`
	Markdown        bool    `json:"markdown,omitempty"`
	CommitHash      string  `json:"commit_hash,omitempty"`
	Branch          string  `json:"branch,omitempty"`
	Model           string  `json:"model,omitempty"`

	// Reply is set by the pool's pipe reader for the one synchronous event
	// type, tool_call_proposed: the dispatcher sends the gate's verdict on
	// it, and the pool blocks on this channel until then, then writes the
	// verdict back over the task pipe.
	Reply chan ToolVerdict `json:"-"`
}

// ToolVerdict is the Safety Gate's answer to a tool_call_proposed event.
type ToolVerdict struct {
	Allow  bool
	Reason string
}
