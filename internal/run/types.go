// Package run drives provider invocations: it binds a run to a session
// worker, opens a provider stream, and republishes every chunk onto the run's
// event stream.
package run

// ChunkType tags the variants of a provider stream chunk.
type ChunkType string

const (
	ChunkMessageDelta ChunkType = "message.delta"
	ChunkTodoUpdate   ChunkType = "todo.update"
	ChunkRunFinished  ChunkType = "run.finished"
)

// TodoStatus is the state of one todo item.
type TodoStatus string

const (
	TodoPending  TodoStatus = "todo"
	TodoDoing    TodoStatus = "doing"
	TodoDone     TodoStatus = "done"
	TodoCanceled TodoStatus = "canceled"
)

// Status is the terminal outcome of a run.
type Status string

const (
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
	StatusCanceled  Status = "canceled"
)

// MessageDelta carries a fragment of provider output text.
type MessageDelta struct {
	Text string `json:"text"`
}

// TodoUpdate reports a change to the provider's plan.
type TodoUpdate struct {
	TodoID  string     `json:"todo_id"`
	Content string     `json:"content"`
	Status  TodoStatus `json:"status"`
	Order   int        `json:"order"`
}

// Usage is the provider's token accounting for a finished run.
type Usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// RunFinished is the terminal chunk of a run stream. Nothing may follow it.
type RunFinished struct {
	Status Status `json:"status"`
	Reason string `json:"reason,omitempty"`
	Usage  *Usage `json:"usage,omitempty"`
}

// Chunk is the tagged union flowing through a run stream. Exactly the field
// matching Type is set.
type Chunk struct {
	Type         ChunkType     `json:"type"`
	MessageDelta *MessageDelta `json:"message_delta,omitempty"`
	TodoUpdate   *TodoUpdate   `json:"todo_update,omitempty"`
	RunFinished  *RunFinished  `json:"run_finished,omitempty"`
}

// Terminal reports whether this chunk ends the stream.
func (c Chunk) Terminal() bool {
	return c.Type == ChunkRunFinished
}

// NewMessageDelta builds a message.delta chunk.
func NewMessageDelta(text string) Chunk {
	return Chunk{Type: ChunkMessageDelta, MessageDelta: &MessageDelta{Text: text}}
}

// NewTodoUpdate builds a todo.update chunk.
func NewTodoUpdate(todoID, content string, status TodoStatus, order int) Chunk {
	return Chunk{Type: ChunkTodoUpdate, TodoUpdate: &TodoUpdate{
		TodoID:  todoID,
		Content: content,
		Status:  status,
		Order:   order,
	}}
}

// NewRunFinished builds the terminal run.finished chunk.
func NewRunFinished(status Status, reason string, usage *Usage) Chunk {
	return Chunk{Type: ChunkRunFinished, RunFinished: &RunFinished{
		Status: status,
		Reason: reason,
		Usage:  usage,
	}}
}
