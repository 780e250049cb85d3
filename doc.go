// Package aegis is the query dispatch and orchestration engine behind an
// interactive SecOps assistant bot.
//
// Analysts in a chat room issue natural-language queries or structured
// commands; the engine interprets each message, routes it to one of four
// execution paths (fast command, direct tool call, tool-using LLM turn, or
// multi-step graph workflow), maintains bounded per-conversation memory,
// enforces retry and circuit policy around fragile external services, and
// streams progress and final results back through the chat transport.
//
// # Core Interfaces
//
// The root package defines the contracts the rest of the system implements:
//
//   - [Provider] — LLM backend (chat completion, tool calling, streaming)
//   - [EmbeddingProvider] — text-to-vector embedding for retrieval
//   - [Tool] — pluggable capability backed by an external security service
//   - [SessionStore] — durable per-conversation message history
//   - [Retriever] — ranked passage lookup over the document knowledge base
//   - [ChatTransport] — message send/edit and inbound event stream
//
// # Included Implementations
//
// Providers: provider/ollama (local models with timing metrics),
// provider/openaicompat (any OpenAI-compatible endpoint).
// Session storage: store/sqlite (embedded), store/postgres, store/memory.
// Transport: frontend/webex.
// Workflows: internal/playbook (IOC investigation, incident response).
//
// See cmd/aegis for the complete bot host.
package aegis
