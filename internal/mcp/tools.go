package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	gomcp "github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// RegisterTools registers all benchmark tools on the MCP server.
func RegisterTools(s *server.MCPServer, client *Client) {
	registerStatus(s, client)
	registerResult(s, client)
	registerHealth(s, client)
	registerStart(s, client)
	registerStop(s, client)
	registerHistory(s, client)
	registerRoundDetail(s, client)
	registerDeleteRound(s, client)
}

func registerStatus(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_status",
		gomcp.WithDescription("Get the live benchmark status: round state, current phase, goodput, units dispatched, block production."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/status")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark unreachable: %v\n\nIs the server running?", err)), nil
		}
		return gomcp.NewToolResultText(formatStatus(raw)), nil
	})
}

func registerResult(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_result",
		gomcp.WithDescription("Get the result of the last finished round: measured goodput, per-phase timings."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/v1/result")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Result unavailable: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatResult(raw)), nil
	})
}

func registerHealth(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_health",
		gomcp.WithDescription("Quick health check for the benchmark server. Checks node RPC connectivity."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		raw, err := client.Get(ctx, "/ready")
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Benchmark unhealthy: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHealth(raw)), nil
	})
}

func registerStart(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_start",
		gomcp.WithDescription("Start a benchmark round. This is a MUTATING operation. Tokens: native, erc20."),
		gomcp.WithString("token",
			gomcp.Required(),
			gomcp.Description("Workload token: native or erc20"),
		),
		gomcp.WithString("mode",
			gomcp.Description("Sender mode: normal (default) or less-sender"),
		),
		gomcp.WithNumber("accounts",
			gomcp.Required(),
			gomcp.Description("Number of sender accounts in the corpus"),
		),
		gomcp.WithNumber("warmup_units",
			gomcp.Required(),
			gomcp.Description("Transactions replayed before measurement (must exceed accounts)"),
		),
		gomcp.WithNumber("measure_units",
			gomcp.Required(),
			gomcp.Description("Transactions in the measured phase"),
		),
		gomcp.WithString("exec_mode",
			gomcp.Description("Block production preset: normal (default) or slow-exec"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		token, err := req.RequireString("token")
		if err != nil {
			return gomcp.NewToolResultError("token is required"), nil
		}
		accounts := req.GetInt("accounts", 0)
		measure := req.GetInt("measure_units", 0)
		if accounts <= 0 || measure <= 0 {
			return gomcp.NewToolResultError("accounts and measure_units must be positive"), nil
		}

		payload := map[string]any{
			"token":        token,
			"accounts":     accounts,
			"warmupUnits":  req.GetInt("warmup_units", 0),
			"measureUnits": measure,
		}
		if v := req.GetString("mode", ""); v != "" {
			payload["mode"] = v
		}
		if v := req.GetString("exec_mode", ""); v != "" {
			payload["execMode"] = v
		}

		raw, err := client.Post(ctx, "/v1/start", payload)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Start round failed: %v", err)), nil
		}
		var started map[string]any
		_ = json.Unmarshal(raw, &started)

		return gomcp.NewToolResultText(joinLines(
			section("Round Started"),
			kv("ID", getStr(started, "id")),
			kv("Token", token),
			kv("Accounts", formatNumber(float64(accounts))),
			kv("Measured Units", formatNumber(float64(measure))),
		)), nil
	})
}

func registerStop(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_stop",
		gomcp.WithDescription("Cancel the running round. This is a MUTATING operation."),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		_, err := client.Post(ctx, "/v1/stop", nil)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Stop failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Round Stopping"),
			"The round is draining. It will appear in history as failed.",
		)), nil
	})
}

func registerHistory(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_history",
		gomcp.WithDescription("List persisted rounds with summary metrics (paginated)."),
		gomcp.WithNumber("limit",
			gomcp.Description("Max results to return (default: 10, max: 100)"),
		),
		gomcp.WithNumber("offset",
			gomcp.Description("Results offset for pagination (default: 0)"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		limit := req.GetInt("limit", 10)
		offset := req.GetInt("offset", 0)
		path := fmt.Sprintf("/v1/history?limit=%d&offset=%d", limit, offset)

		raw, err := client.Get(ctx, path)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("History failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatHistory(raw)), nil
	})
}

func registerRoundDetail(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_round_detail",
		gomcp.WithDescription("Get a persisted round by ID, including its phases."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Round ID"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		raw, err := client.Get(ctx, "/v1/history/" + id)
		if err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Round detail failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(formatRoundDetail(raw)), nil
	})
}

func registerDeleteRound(s *server.MCPServer, client *Client) {
	tool := gomcp.NewTool("bench_delete_round",
		gomcp.WithDescription("Delete a persisted round with its phases and samples. This is a MUTATING operation."),
		gomcp.WithString("id",
			gomcp.Required(),
			gomcp.Description("Round ID to delete"),
		),
	)
	s.AddTool(tool, func(ctx context.Context, req gomcp.CallToolRequest) (*gomcp.CallToolResult, error) {
		id, err := req.RequireString("id")
		if err != nil {
			return gomcp.NewToolResultError("id is required"), nil
		}
		if _, err := client.Delete(ctx, "/v1/history/" + id); err != nil {
			return gomcp.NewToolResultError(fmt.Sprintf("Delete failed: %v", err)), nil
		}
		return gomcp.NewToolResultText(joinLines(
			section("Round Deleted"),
			kv("ID", id),
		)), nil
	})
}

// Response formatting functions

func formatStatus(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing status: %v", err)
	}

	lines := joinLines(
		section("Benchmark Status"),
		kv("Round", getStr(m, "id")),
		kv("State", getStr(m, "state")),
		kv("Phase", getStr(m, "phase")),
		kv("Goodput", formatNumber(getNum(m, "goodput"))),
		kv("Dispatched", formatNumber(getNum(m, "unitsDispatched"))),
		kv("Target", formatNumber(getNum(m, "target"))),
		kv("Batches", formatNumber(getNum(m, "batchesSent"))),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
	)
	if e := getStr(m, "error"); e != "" {
		lines += "\n" + kv("Error", e)
	}
	if blocks, ok := m["blocks"].(map[string]any); ok {
		lines += "\n\n" + formatBlocks(blocks)
	}
	return lines
}

func formatBlocks(blocks map[string]any) string {
	lines := joinLines(
		section("Block Production"),
		kv("Produced", formatNumber(getNum(blocks, "produced"))),
		kv("Failures", formatNumber(getNum(blocks, "failures"))),
	)
	if lat, ok := blocks["latency"].(map[string]any); ok {
		lines += "\n" + joinLines(
			kv("P50", formatMs(getNum(lat, "p50"))),
			kv("P99", formatMs(getNum(lat, "p99"))),
			kv("Max", formatMs(getNum(lat, "max"))),
		)
	}
	return lines
}

func formatResult(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing result: %v", err)
	}

	lines := joinLines(
		section("Round Result: "+getStr(m, "id")),
		kv("State", getStr(m, "state")),
		kv("Goodput", fmt.Sprintf("%.1f tx/s", getNum(m, "goodput"))),
		kv("Measured", fmt.Sprintf("%.1fs", getNum(m, "measureMs")/1000)),
		kv("Elapsed", fmt.Sprintf("%.1fs", getNum(m, "elapsedMs")/1000)),
		kv("Units Sent", formatNumber(getNum(m, "unitsSent"))),
	)
	if e := getStr(m, "error"); e != "" {
		lines += "\n" + kv("Error", e)
	}
	if phases, ok := m["phases"].([]any); ok && len(phases) > 0 {
		lines += "\n\n" + formatPhases(phases)
	}
	return lines
}

func formatPhases(phases []any) string {
	lines := section("Phases")
	for _, p := range phases {
		ph, ok := p.(map[string]any)
		if !ok {
			continue
		}
		lines += fmt.Sprintf("\n  %-8s %-40s units=%s send=%s wait=%s",
			getStr(ph, "kind"),
			getStr(ph, "corpus"),
			formatNumber(getNum(ph, "unitsSent")),
			formatMs(getNum(ph, "sendMs")),
			formatMs(getNum(ph, "waitMs")),
		)
	}
	return lines
}

func formatHealth(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing health: %v", err)
	}

	ready, _ := m["ready"].(bool)
	state := "READY"
	if !ready {
		state = "NOT READY"
	}

	lines := section("Benchmark Health: " + state)

	if checks, ok := m["checks"].([]any); ok {
		for _, c := range checks {
			if check, ok := c.(map[string]any); ok {
				line := fmt.Sprintf("  %-15s %s (%dms)", getStr(check, "name"), getStr(check, "status"), int64(getNum(check, "latency_ms")))
				if errMsg := getStr(check, "error"); errMsg != "" {
					line += " - " + errMsg
				}
				lines += "\n" + line
			}
		}
	}

	return lines
}

func formatHistory(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing history: %v", err)
	}

	lines := joinLines(
		section("Round History"),
		kv("Total Rounds", formatNumber(getNum(m, "total"))),
		"",
	)

	rounds, ok := m["rounds"].([]any)
	if !ok || len(rounds) == 0 {
		lines += "\nNo rounds found."
		return lines
	}

	for _, r := range rounds {
		round, ok := r.(map[string]any)
		if !ok {
			continue
		}
		started := getStr(round, "startedAt")
		if t, err := time.Parse(time.RFC3339Nano, started); err == nil {
			started = t.Format("2006-01-02 15:04:05")
		}
		title := getStr(round, "id")
		if name := getStr(round, "customName"); name != "" {
			title += " (" + name + ")"
		}

		lines += fmt.Sprintf("\n### %s\n", title)
		lines += joinLines(
			kv("Workload", getStr(round, "token")+"/"+getStr(round, "mode")),
			kv("Status", getStr(round, "status")),
			kv("Goodput", fmt.Sprintf("%.1f tx/s", getNum(round, "goodput"))),
			kv("Units Sent", formatNumber(getNum(round, "unitsSent"))),
			kv("Started", started),
		)
		lines += "\n"
	}

	return lines
}

func formatRoundDetail(raw json.RawMessage) string {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return fmt.Sprintf("Error parsing round detail: %v", err)
	}

	round, ok := m["round"].(map[string]any)
	if !ok {
		return "Round not found"
	}

	lines := joinLines(
		section("Round: "+getStr(round, "id")),
		kv("Workload", getStr(round, "token")+"/"+getStr(round, "mode")),
		kv("Exec Mode", getStr(round, "execMode")),
		kv("Status", getStr(round, "status")),
		kv("Accounts", formatNumber(getNum(round, "accounts"))),
		kv("Goodput", fmt.Sprintf("%.1f tx/s", getNum(round, "goodput"))),
		kv("Measured", fmt.Sprintf("%.1fs", getNum(round, "measureMs")/1000)),
		kv("Units Sent", formatNumber(getNum(round, "unitsSent"))),
		kv("Error", getStr(round, "errorMessage")),
	)
	if blocks, ok := round["blocks"].(map[string]any); ok {
		lines += "\n\n" + formatBlocks(blocks)
	}
	if phases, ok := m["phases"].([]any); ok && len(phases) > 0 {
		lines += "\n\n" + formatPhases(phases)
	}
	if samples, ok := m["samples"].([]any); ok {
		lines += "\n\n" + kv("Goodput Samples", formatNumber(float64(len(samples))))
	}
	return lines
}

// Helper functions
func getStr(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

func getNum(m map[string]any, key string) float64 {
	if v, ok := m[key]; ok {
		if n, ok := v.(float64); ok {
			return n
		}
	}
	return 0
}
