package phase

import (
	"context"
	"fmt"

	"autodev/internal/bus"
	"autodev/internal/docbus"
	"autodev/internal/model"
	"autodev/internal/pipelog"
	"autodev/internal/specialist"
	"autodev/internal/toolhandler"
)

// base carries the state every concrete phase shares: its name, its
// seed dimensional signature, and the bounded conversation it owns for
// the duration of an execution.
type base struct {
	name      string
	signature model.Profile
	conv      *Conversation
	log       *pipelog.Logger
}

func newBase(name string, signature model.Profile) base {
	return base{
		name:      name,
		signature: signature,
		conv:      NewConversation(DefaultConversationConfig()),
		log:       pipelog.Get(pipelog.CategoryPhase),
	}
}

func (b *base) Name() string             { return b.name }
func (b *base) Signature() model.Profile { return b.signature }

// publish sends msg through the bus, stamping the phase as sender, and
// bumps the result's message counter.
func (b *base) publish(deps *Deps, res *Result, msg model.Message) {
	msg.Sender = b.name
	deps.Bus.Publish(msg)
	res.MessagesPublished++
	deps.State.Update(func(st *model.State) *model.State {
		st.AppendMessage(msg)
		return st
	})
}

// inbox returns the phase's _READ mailbox content.
func (b *base) inbox(deps *Deps) string {
	data, err := deps.Docs.Read(docbus.ReadName(b.name))
	if err != nil {
		b.log.Warn("%s: read inbox: %v", b.name, err)
		return ""
	}
	return string(data)
}

// writeStatus replaces the Status section of the phase's own _WRITE
// document; a phase only ever writes its own status doc.
func (b *base) writeStatus(deps *Deps, content string) {
	if err := deps.Docs.ReplaceSection(docbus.WriteName(b.name), "Status", content); err != nil {
		b.log.Warn("%s: write status: %v", b.name, err)
	}
}

// appendToInbox appends a message into another phase's _READ mailbox.
func (b *base) appendToInbox(deps *Deps, phaseName, content string) {
	if err := deps.Docs.AppendSection(docbus.ReadName(phaseName), "Messages", fmt.Sprintf("- from %s: %s", b.name, content)); err != nil {
		b.log.Warn("%s: append to %s inbox: %v", b.name, phaseName, err)
	}
}

// drainMessages drains this phase's pending bus messages, all
// priorities, bounded.
func (b *base) drainMessages(deps *Deps, limit int) []model.Message {
	return deps.Bus.Get(b.name, bus.GetFilter{Limit: limit})
}

// runToolCalls executes calls in issue order through the Tool Handler,
// recording created/modified files into both the result and the state's
// file records. Effects are applied strictly in order; a failing call is
// recorded and execution continues with the next call, since a model is
// expected to recover from individual tool errors in conversation.
func (b *base) runToolCalls(ctx context.Context, deps *Deps, task *model.Task, res *Result, calls []specialist.ToolCall) []toolhandler.Result {
	callSite := b.name
	if task != nil {
		callSite = b.name + ":" + task.ID
	}

	results := make([]toolhandler.Result, 0, len(calls))
	for _, call := range calls {
		r := deps.Tools.Handle(ctx, b.name, call.Name, callSite, call.Arguments)
		results = append(results, r)
		res.ToolCalls = append(res.ToolCalls, call.Name)

		if r.Success && r.Tool == ToolWriteFile {
			path, _ := r.Result["file_path"].(string)
			created, _ := r.Result["created"].(bool)
			hash, _ := r.Result["hash"].(string)
			if path != "" {
				b.recordFileWrite(deps, res, path, hash, created)
			}
		}

		b.conv.Add("tool", fmt.Sprintf("%s -> success=%v error=%q", r.Tool, r.Success, r.Error))
	}
	return results
}

func (b *base) recordFileWrite(deps *Deps, res *Result, path, hash string, created bool) {
	if created {
		res.FilesCreated = append(res.FilesCreated, path)
	} else {
		res.FilesModified = append(res.FilesModified, path)
	}

	status := model.FileModified
	msgType := model.MsgFileModified
	if created {
		status = model.FileCreated
		msgType = model.MsgFileCreated
	}

	deps.State.Update(func(st *model.State) *model.State {
		rec, ok := st.Files[path]
		if !ok {
			rec = &model.FileRecord{Path: path}
			st.Files[path] = rec
		}
		rec.Hash = hash
		rec.Status = status
		rec.Revision++
		rec.UpdatedAt = now()
		return st
	})

	b.publish(deps, res, model.Message{
		Type:      msgType,
		Priority:  model.PriorityLow,
		Broadcast: true,
		Payload:   map[string]any{"file_path": path},
	})
}

// ensureFileRecords guarantees every path has a file record, keeping the
// state invariant that tasks only reference known files.
func ensureFileRecords(deps *Deps, paths []string) {
	deps.State.Update(func(st *model.State) *model.State {
		for _, p := range paths {
			if _, ok := st.Files[p]; !ok {
				st.Files[p] = &model.FileRecord{Path: p, Status: model.FileModified, UpdatedAt: now()}
			}
		}
		return st
	})
}

// promptFromRegistry returns a registered prompt template's body, or the
// fallback when the registry has no entry. Phases always consult the
// prompt registry first so Prompt Design improvements take effect
// without code changes.
func promptFromRegistry(deps *Deps, name, fallback string) string {
	if deps.Prompts != nil {
		if e := deps.Prompts.Get(name); e != nil {
			if body, ok := e.Spec["template"].(string); ok && body != "" {
				return body
			}
		}
	}
	return fallback
}

// failure builds a failed Result with an error kind and summary.
func failure(kind, summary string) *Result {
	return &Result{Success: false, ErrorKind: kind, Summary: summary, Telemetry: map[string]any{}}
}
