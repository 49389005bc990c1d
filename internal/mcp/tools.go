package mcp

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/schovi/retrohost/internal/engine"
	"github.com/schovi/retrohost/internal/supervisor"
)

// Controller is the session surface the tools drive.
type Controller interface {
	Load(ctx context.Context, opts supervisor.LoadOptions) (*supervisor.Session, error)
	Unload(ctx context.Context) error
	Pause() error
	Resume() error
	Reset() error
	SendInput(port, buttonID int, pressed bool) error
	SaveState(ctx context.Context, slot int) (supervisor.Result, error)
	LoadState(ctx context.Context, slot int) (supervisor.Result, error)
	SaveSRAM(ctx context.Context) (supervisor.Result, error)
	Screenshot(ctx context.Context, outputPath string) (supervisor.Result, error)
	Session() *supervisor.Session
	Stats() supervisor.Stats
}

type ToolRegistry struct {
	ctl Controller
}

func NewToolRegistry(ctl Controller) *ToolRegistry {
	return &ToolRegistry{ctl: ctl}
}

func prop(typ, description string) map[string]any {
	return map[string]any{"type": typ, "description": description}
}

func object(required []string, props map[string]any) map[string]any {
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

var slotSchema = object([]string{"slot"}, map[string]any{
	"slot": prop("integer", fmt.Sprintf("Save slot (0-%d)", supervisor.MaxSaveSlot)),
})

func (r *ToolRegistry) List() []ToolDef {
	return []ToolDef{
		{
			Name:        "load",
			Description: "Load a core and game into a fresh worker process, replacing any running session. Returns the session with its video geometry and timing.",
			InputSchema: object([]string{"core", "rom"}, map[string]any{
				"core":  prop("string", "Core path (e.g., 'testpattern:' or a core library path)"),
				"rom":   prop("string", "Path to the game image"),
				"state": prop("string", "Optional save state file to apply right after loading"),
			}),
		},
		{
			Name:        "unload",
			Description: "Stop the running session and its worker process.",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "pause",
			Description: "Pause emulation. No frames are produced until resumed.",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "resume",
			Description: "Resume a paused session.",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "reset",
			Description: "Soft-reset the running game.",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "input",
			Description: "Press or release a controller button. To tap a button, send pressed=true then pressed=false, or set hold_ms.",
			InputSchema: object([]string{"button"}, map[string]any{
				"port":    prop("integer", "Controller port (default: 0)"),
				"button":  prop("string", "RetroPad button: a, b, x, y, l, r, l2, r2, l3, r3, start, select, up, down, left, right, or a numeric id"),
				"pressed": prop("boolean", "Press (true, default) or release (false). Ignored with hold_ms."),
				"hold_ms": prop("integer", "Press, hold for N ms, then release"),
			}),
		},
		{
			Name:        "save_state",
			Description: "Save the emulator state to a numbered slot. Returns the stored path.",
			InputSchema: slotSchema,
		},
		{
			Name:        "load_state",
			Description: "Restore the emulator state from a numbered slot.",
			InputSchema: slotSchema,
		},
		{
			Name:        "save_sram",
			Description: "Persist the cartridge battery RAM, if the core exposes it.",
			InputSchema: object(nil, map[string]any{}),
		},
		{
			Name:        "screenshot",
			Description: "Capture the last frame as PNG. Returns the image, or writes it to output_path.",
			InputSchema: object(nil, map[string]any{
				"output_path": prop("string", "Write the PNG here instead of returning it"),
			}),
		},
		{
			Name:        "status",
			Description: "Show the session state, worker pid, memory and CPU use, and dropped frame count.",
			InputSchema: object(nil, map[string]any{}),
		},
	}
}

func (r *ToolRegistry) Call(ctx context.Context, name string, args json.RawMessage) (*CallToolResult, error) {
	switch name {
	case "load":
		return r.callLoad(ctx, args)
	case "unload":
		if err := r.ctl.Unload(ctx); err != nil {
			return nil, err
		}
		return textResult("session unloaded"), nil
	case "pause":
		return r.callSimple(r.ctl.Pause, "paused")
	case "resume":
		return r.callSimple(r.ctl.Resume, "resumed")
	case "reset":
		return r.callSimple(r.ctl.Reset, "reset")
	case "input":
		return r.callInput(ctx, args)
	case "save_state":
		return r.callSlot(ctx, args, r.ctl.SaveState, "saved")
	case "load_state":
		return r.callSlot(ctx, args, r.ctl.LoadState, "loaded")
	case "save_sram":
		res, err := r.ctl.SaveSRAM(ctx)
		if err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("sram saved to %s", res.Path)), nil
	case "screenshot":
		return r.callScreenshot(ctx, args)
	case "status":
		return r.callStatus()
	default:
		return nil, fmt.Errorf("unknown tool: %s", name)
	}
}

func textResult(text string) *CallToolResult {
	return &CallToolResult{
		Content: []ContentBlock{{Type: "text", Text: text}},
	}
}

func jsonResult(v any) *CallToolResult {
	data, _ := json.MarshalIndent(v, "", "  ")
	return textResult(string(data))
}

// parseArgs tolerates a missing arguments object.
func parseArgs(args json.RawMessage, v any) error {
	if len(args) == 0 || string(args) == "null" {
		return nil
	}
	if err := json.Unmarshal(args, v); err != nil {
		return fmt.Errorf("parse args: %w", err)
	}
	return nil
}

func (r *ToolRegistry) callSimple(fn func() error, done string) (*CallToolResult, error) {
	if err := fn(); err != nil {
		return nil, err
	}
	return textResult(done), nil
}

type LoadArgs struct {
	Core  string `json:"core"`
	Rom   string `json:"rom"`
	State string `json:"state"`
}

type sessionInfo struct {
	ID         string             `json:"id"`
	Core       string             `json:"core"`
	Rom        string             `json:"rom"`
	PID        int                `json:"pid"`
	StartedAt  string             `json:"started_at"`
	AVInfo     engine.AVInfo      `json:"av_info"`
	SystemInfo *engine.SystemInfo `json:"system_info,omitempty"`
}

func newSessionInfo(s *supervisor.Session) sessionInfo {
	return sessionInfo{
		ID:         s.ID,
		Core:       s.CorePath,
		Rom:        s.RomPath,
		PID:        s.PID,
		StartedAt:  s.StartedAt.Format(time.RFC3339),
		AVInfo:     s.AVInfo,
		SystemInfo: s.SystemInfo,
	}
}

func (r *ToolRegistry) callLoad(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a LoadArgs
	if err := parseArgs(args, &a); err != nil {
		return nil, err
	}

	sess, err := r.ctl.Load(ctx, supervisor.LoadOptions{
		CorePath:      a.Core,
		RomPath:       a.Rom,
		SaveStatePath: a.State,
	})
	if err != nil {
		return nil, err
	}
	return jsonResult(newSessionInfo(sess)), nil
}

type InputArgs struct {
	Port    int    `json:"port"`
	Button  string `json:"button"`
	Pressed *bool  `json:"pressed"`
	HoldMs  int    `json:"hold_ms"`
}

func validateInput(a InputArgs) (int, error) {
	if a.Port < 0 || a.Port >= engine.MaxPorts {
		return 0, fmt.Errorf("port %d out of range (0-%d)", a.Port, engine.MaxPorts-1)
	}
	if a.Button == "" {
		return 0, fmt.Errorf("button is required")
	}
	if a.HoldMs < 0 {
		return 0, fmt.Errorf("hold_ms cannot be negative")
	}
	return engine.ParseButton(a.Button)
}

func (r *ToolRegistry) callInput(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a InputArgs
	if err := parseArgs(args, &a); err != nil {
		return nil, err
	}
	id, err := validateInput(a)
	if err != nil {
		return nil, err
	}

	if a.HoldMs > 0 {
		if err := r.ctl.SendInput(a.Port, id, true); err != nil {
			return nil, err
		}
		select {
		case <-time.After(time.Duration(a.HoldMs) * time.Millisecond):
		case <-ctx.Done():
		}
		// Release even when interrupted.
		if err := r.ctl.SendInput(a.Port, id, false); err != nil {
			return nil, err
		}
		return textResult(fmt.Sprintf("%s tapped for %dms on port %d", a.Button, a.HoldMs, a.Port)), nil
	}

	pressed := a.Pressed == nil || *a.Pressed
	if err := r.ctl.SendInput(a.Port, id, pressed); err != nil {
		return nil, err
	}
	action := "released"
	if pressed {
		action = "pressed"
	}
	return textResult(fmt.Sprintf("%s %s on port %d", a.Button, action, a.Port)), nil
}

type SlotArgs struct {
	Slot *int `json:"slot"`
}

func (r *ToolRegistry) callSlot(ctx context.Context, args json.RawMessage,
	fn func(context.Context, int) (supervisor.Result, error), done string) (*CallToolResult, error) {
	var a SlotArgs
	if err := parseArgs(args, &a); err != nil {
		return nil, err
	}
	if a.Slot == nil {
		return nil, fmt.Errorf("slot is required")
	}

	res, err := fn(ctx, *a.Slot)
	if err != nil {
		return nil, err
	}
	if res.Path == "" {
		return textResult(fmt.Sprintf("slot %d %s", *a.Slot, done)), nil
	}
	return textResult(fmt.Sprintf("slot %d %s (%s)", *a.Slot, done, res.Path)), nil
}

type ScreenshotArgs struct {
	OutputPath string `json:"output_path"`
}

func (r *ToolRegistry) callScreenshot(ctx context.Context, args json.RawMessage) (*CallToolResult, error) {
	var a ScreenshotArgs
	if err := parseArgs(args, &a); err != nil {
		return nil, err
	}

	res, err := r.ctl.Screenshot(ctx, a.OutputPath)
	if err != nil {
		return nil, err
	}
	if a.OutputPath != "" {
		return textResult(fmt.Sprintf("screenshot written to %s", res.Path)), nil
	}
	return &CallToolResult{
		Content: []ContentBlock{{
			Type:     "image",
			Data:     base64.StdEncoding.EncodeToString(res.Data),
			MimeType: "image/png",
		}},
	}, nil
}

type statusInfo struct {
	State           string       `json:"state"`
	Session         *sessionInfo `json:"session,omitempty"`
	PID             int          `json:"pid,omitempty"`
	UptimeSeconds   float64      `json:"uptime_seconds,omitempty"`
	RSSBytes        uint64       `json:"rss_bytes,omitempty"`
	CPUPercent      float64      `json:"cpu_percent,omitempty"`
	DroppedEvents   uint64       `json:"dropped_events"`
	PendingRequests int          `json:"pending_requests"`
	Subscribers     int          `json:"subscribers"`
}

func (r *ToolRegistry) callStatus() (*CallToolResult, error) {
	st := r.ctl.Stats()
	info := statusInfo{
		State:           st.State.String(),
		PID:             st.PID,
		UptimeSeconds:   st.Uptime.Seconds(),
		RSSBytes:        st.RSSBytes,
		CPUPercent:      st.CPUPercent,
		DroppedEvents:   st.DroppedEvents,
		PendingRequests: st.PendingRequests,
		Subscribers:     st.Subscribers,
	}
	if sess := r.ctl.Session(); sess != nil {
		si := newSessionInfo(sess)
		info.Session = &si
	}
	return jsonResult(info), nil
}
