// Package loom provides a config-first runtime for LLM agents.
//
// Loom wraps a reasoning loop (plan, call tools, observe, repeat) with the
// infrastructure a long-running agent needs: budget enforcement, session
// memory with summarization, live event streams, tool discovery over MCP,
// guardrails, background scheduling, and multi-agent workflows. Everything
// is driven by a single YAML document.
//
// # Quick Start
//
// Install the CLI:
//
//	go install github.com/loomworks/loom/cmd/loom@latest
//
// Create a loom.yaml:
//
//	agent:
//	  name: "assistant"
//	  system_instruction: "You are a helpful assistant"
//
//	llm:
//	  type: "openai"
//	  model: "gpt-4o"
//	  api_key: "${OPENAI_API_KEY}"
//
// Chat with it:
//
//	loom chat
//
// # Using as a Go Library
//
// Import the packages you need:
//
//	import (
//	    "github.com/loomworks/loom/agent"
//	    "github.com/loomworks/loom/config"
//	    "github.com/loomworks/loom/workflow"
//	)
//
// Build an agent from config and run a turn:
//
//	cfg, err := config.LoadFromFile("loom.yaml")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	ag, err := agent.NewFromConfig(ctx, cfg)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer ag.Cleanup(ctx)
//
//	res := ag.Run(ctx, "summarize yesterday's deploys", "ops")
//	fmt.Println(res.Response)
//
// # Key Packages
//
//   - agent: agent assembly, session management, sub-agent delegation
//   - reasoning: the step loop with token, step, and time budgets
//   - memory, events: session stores and event streams with hot-swappable
//     backends (in-memory, Redis, MongoDB, SQL)
//   - tools: registry, schema inference, BM25 selection, concurrent dispatch
//   - mcp: MCP connectors over stdio, streamable HTTP, and SSE
//   - artifacts: content-addressed offload store for oversized tool output
//   - guardrail: pattern and heuristic input screening
//   - background: interval and cron scheduling of agent queries
//   - workflow: sequential, parallel, and LLM-routed multi-agent runs
package loom
