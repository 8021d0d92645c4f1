// Package acp implements the Agent Client Protocol (ACP) front-end, which
// lets editors such as Zed drive axon over stdio. Messages are
// newline-delimited JSON-RPC 2.0 objects.
//
// Supported client requests:
//   - initialize: protocol version and agent capabilities
//   - session/new: creates a persisted session and its agent
//   - session/load: loads a session and replays its history
//   - session/prompt: runs one user turn and answers with a stop reason
//   - session/cancel (notification): cancels the running prompt
//
// While a prompt runs, the server sends session/update notifications
// (agent_message_chunk, tool_call, tool_call_update) and asks for tool
// approval with session/request_permission.
package acp
