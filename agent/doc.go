// Package agent provides the session orchestrator shared by every axon
// front-end.
//
// An Agent owns one conversation. ProcessUserInput either runs a session
// command (/help, /yolo, /clear, /model, /usage, /dump, /mcp, exit) or a
// full user turn: the agent calls the active provider with the
// conversation plus a freshly built system context, runs the tool calls
// the provider requested, appends the results and calls the provider
// again until it answers without tools or the iteration limit is reached.
//
// # Front-ends
//
// Everything the user sees goes through a Frontend as Event values
// (TextDelta, ToolCallAnnounced, PermissionPromptRequested,
// ToolResultAnnounced, UsageUpdated, ErrorOccurred, Notice and
// TurnFinished). Permission prompts are answered synchronously through
// Frontend.Confirm.
//
// # Tool calls
//
// Confirmation is decided per call by permission.ShouldConfirm. Prompts
// are asked one at a time in request order; approved calls then run
// concurrently and the turn continues only after all of them finished.
// An assistant message with tool calls is appended to History together
// with its results, so History never ends with an unanswered call.
//
// # Subpackages
//
// agent/terminal: the interactive command-line front-end.
//
// agent/acp: the Agent Client Protocol server for editor integration,
// JSON-RPC over stdio.
package agent
