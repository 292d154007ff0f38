package action

import (
	"context"
	"fmt"

	"github.com/cpgflow/engine"
	"github.com/cpgflow/engine/action/model"
)

// AgentHandler is the agent-assisted ActionHandler: it builds a chat
// conversation from the invocation scope and the node's HandlerRef (used
// as the system prompt), invokes a ChatModel, and reports the model's text
// as "response" and any tool calls as "toolCalls" in the action output.
// The engine never interprets the model's output itself — a node's
// outbound edges gate on accumulated-state expressions the same way they
// would for any other action type.
type AgentHandler struct {
	Model model.ChatModel
	Tools []model.ToolSpec
}

// NewAgentHandler constructs an AgentHandler backed by chatModel, offering
// it the given tool specs on every call.
func NewAgentHandler(chatModel model.ChatModel, tools []model.ToolSpec) *AgentHandler {
	return &AgentHandler{Model: chatModel, Tools: tools}
}

// Execute implements ActionHandler.
func (h *AgentHandler) Execute(ctx context.Context, inv engine.ActionInvocation) engine.ActionResult {
	messages := []model.Message{}
	if inv.Action.HandlerRef != "" {
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: inv.Action.HandlerRef})
	}

	prompt, _ := inv.Scope["prompt"].(string)
	if prompt == "" {
		prompt = fmt.Sprintf("Evaluate node %s with the following context: %v", inv.NodeID, inv.Scope)
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})

	out, err := h.Model.Chat(ctx, messages, h.Tools)
	if err != nil {
		return engine.ActionResult{Success: false, Retryable: true, ExceptionType: "ModelError", Err: err}
	}

	toolCalls := make([]map[string]any, 0, len(out.ToolCalls))
	for _, tc := range out.ToolCalls {
		toolCalls = append(toolCalls, map[string]any{"name": tc.Name, "input": tc.Input})
	}

	return engine.ActionResult{Success: true, Output: map[string]any{
		"response":  out.Text,
		"toolCalls": toolCalls,
	}}
}
