// Package mcp implements the client side of the Model Context Protocol
// and the bridge that turns the tools of one or more MCP servers into a
// tool registry for a single agent step.
//
// MCP uses JSON-RPC 2.0. Four transports are supported: stdio
// (subprocess, newline-delimited JSON), legacy SSE (event stream plus a
// POST endpoint announced by the server), streamable HTTP (JSON-RPC over
// POST with JSON or event-stream replies) and websocket (one message per
// frame). The client discovers tools via tools/list and invokes them via
// tools/call.
//
// This implementation covers the client/host side only.
package mcp
