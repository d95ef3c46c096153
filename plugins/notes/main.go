// Command notes is an exec plugin that keeps short notes per mesh node.
//
// Build it next to its manifest:
//
//	go build -o plugins/notes/notes ./plugins/notes
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/mattjoyce/meshgate/internal/protocol"
)

const (
	defaultMaxNotes  = 10
	defaultMaxReply  = 200
	defaultRetention = 7 * 24 * time.Hour
)

type pluginConfig struct {
	MaxNotes  int
	MaxReply  int
	Retention time.Duration
}

type note struct {
	ID   string    `json:"id"`
	Text string    `json:"text"`
	At   time.Time `json:"at"`
}

type pluginState struct {
	Notes     map[string][]note `json:"notes"`
	LastPrune time.Time         `json:"last_prune,omitzero"`
}

func main() {
	resp := handle(os.Stdin, time.Now().UTC())
	_ = json.NewEncoder(os.Stdout).Encode(resp)
}

func handle(r io.Reader, now time.Time) protocol.Response {
	var req protocol.Request
	if err := json.NewDecoder(r).Decode(&req); err != nil {
		return errResp(fmt.Sprintf("invalid request JSON: %v", err))
	}
	if req.Protocol != protocol.Version {
		return errResp(fmt.Sprintf("unsupported protocol %d", req.Protocol))
	}

	cfg := parseConfig(req.Config)
	state := parseState(req.State)

	switch req.Op {
	case protocol.OpInitialize, protocol.OpStart, protocol.OpStop, protocol.OpCleanup:
		return protocol.Response{Status: protocol.StatusOK}
	case protocol.OpHealth:
		return protocol.Response{
			Status: protocol.StatusOK,
			Logs:   []protocol.LogEntry{debug(fmt.Sprintf("healthy; nodes=%d", len(state.Notes)))},
		}
	case protocol.OpHandle:
		if req.Context == nil || req.Context.ActorID == "" {
			return errResp("handle requires a message context")
		}
		return handleCommand(req, cfg, state, now)
	case protocol.OpTask:
		if req.Handler != "prune" {
			return errResp(fmt.Sprintf("unknown task: %s", req.Handler))
		}
		return prune(cfg, state, now)
	default:
		return errResp(fmt.Sprintf("unknown op: %s", req.Op))
	}
}

func handleCommand(req protocol.Request, cfg pluginConfig, state pluginState, now time.Time) protocol.Response {
	actor := req.Context.ActorID
	text := strings.TrimSpace(strings.Join(req.Args, " "))

	switch req.Handler {
	case "note":
		if text == "" {
			return reply("usage: note <text>", nil)
		}
		at := req.Context.Timestamp
		if at.IsZero() {
			at = now
		}
		list := append(state.Notes[actor], note{ID: uuid.NewString()[:8], Text: text, At: at.UTC()})
		if len(list) > cfg.MaxNotes {
			list = list[len(list)-cfg.MaxNotes:]
		}
		state.Notes[actor] = list
		return reply(fmt.Sprintf("noted #%d", len(list)), stateToMap(state))

	case "notes":
		if strings.EqualFold(text, "clear") {
			n := len(state.Notes[actor])
			delete(state.Notes, actor)
			return reply(fmt.Sprintf("cleared %d", n), stateToMap(state))
		}
		list := state.Notes[actor]
		if len(list) == 0 {
			return reply("no notes", nil)
		}
		return reply(shorten(formatNotes(list), cfg.MaxReply), nil)

	default:
		return errResp(fmt.Sprintf("unknown handler: %s", req.Handler))
	}
}

func formatNotes(list []note) string {
	parts := make([]string, len(list))
	for i, n := range list {
		parts[i] = fmt.Sprintf("%d) %s", i+1, n.Text)
	}
	return strings.Join(parts, "; ")
}

// prune drops notes older than the retention window.
func prune(cfg pluginConfig, state pluginState, now time.Time) protocol.Response {
	cutoff := now.Add(-cfg.Retention)
	dropped := 0
	actors := make([]string, 0, len(state.Notes))
	for actor := range state.Notes {
		actors = append(actors, actor)
	}
	sort.Strings(actors)
	for _, actor := range actors {
		kept := state.Notes[actor][:0]
		for _, n := range state.Notes[actor] {
			if n.At.Before(cutoff) {
				dropped++
				continue
			}
			kept = append(kept, n)
		}
		if len(kept) == 0 {
			delete(state.Notes, actor)
		} else {
			state.Notes[actor] = kept
		}
	}
	state.LastPrune = now
	return protocol.Response{
		Status:       protocol.StatusOK,
		StateUpdates: stateToMap(state),
		Logs:         []protocol.LogEntry{info(fmt.Sprintf("pruned %d notes", dropped))},
	}
}

func parseConfig(cfg map[string]any) pluginConfig {
	out := pluginConfig{
		MaxNotes:  defaultMaxNotes,
		MaxReply:  defaultMaxReply,
		Retention: defaultRetention,
	}
	if v := asInt(cfg["max_notes"], 0); v > 0 {
		out.MaxNotes = v
	}
	if v := asInt(cfg["max_reply"], 0); v > 0 {
		out.MaxReply = v
	}
	if s, ok := cfg["retention"].(string); ok {
		if d, err := time.ParseDuration(strings.TrimSpace(s)); err == nil && d > 0 {
			out.Retention = d
		}
	}
	return out
}

func parseState(in map[string]any) pluginState {
	out := pluginState{Notes: map[string][]note{}}
	if in == nil {
		return out
	}
	raw, err := json.Marshal(in)
	if err != nil {
		return out
	}
	_ = json.Unmarshal(raw, &out)
	if out.Notes == nil {
		out.Notes = map[string][]note{}
	}
	return out
}

func stateToMap(state pluginState) map[string]any {
	raw, err := json.Marshal(state)
	if err != nil {
		return map[string]any{}
	}
	var out map[string]any
	if err := json.Unmarshal(raw, &out); err != nil {
		return map[string]any{}
	}
	return out
}

func reply(text string, state map[string]any) protocol.Response {
	resp := protocol.Response{Status: protocol.StatusOK, Text: text, Stop: true}
	if len(state) > 0 {
		resp.StateUpdates = state
	}
	return resp
}

func errResp(message string) protocol.Response {
	return protocol.Response{
		Status: protocol.StatusError,
		Error:  message,
		Logs:   []protocol.LogEntry{{Level: "error", Message: message}},
	}
}

func info(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "info", Message: msg}
}

func debug(msg string) protocol.LogEntry {
	return protocol.LogEntry{Level: "debug", Message: msg}
}

func asInt(v any, fallback int) int {
	switch t := v.(type) {
	case int:
		if t > 0 {
			return t
		}
	case int64:
		if t > 0 {
			return int(t)
		}
	case float64:
		if int(t) > 0 {
			return int(t)
		}
	case string:
		var parsed int
		if _, err := fmt.Sscanf(t, "%d", &parsed); err == nil && parsed > 0 {
			return parsed
		}
	}
	return fallback
}

func shorten(s string, max int) string {
	if len(s) <= max {
		return s
	}
	if max <= 3 {
		return s[:max]
	}
	return s[:max-3] + "..."
}
