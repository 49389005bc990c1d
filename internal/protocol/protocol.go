// Package protocol defines the messages exchanged between the supervisor and
// the worker. Commands flow host to worker, Events flow worker to host. Both
// are closed sets: every variant is a concrete type in this package and the
// codec rejects any tag it does not know.
package protocol

import (
	"github.com/google/uuid"

	"github.com/schovi/retrohost/internal/engine"
)

type Kind string

const (
	KindInit       Kind = "init"
	KindPause      Kind = "pause"
	KindResume     Kind = "resume"
	KindReset      Kind = "reset"
	KindInput      Kind = "input"
	KindSaveState  Kind = "saveState"
	KindLoadState  Kind = "loadState"
	KindSaveSRAM   Kind = "saveSram"
	KindScreenshot Kind = "screenshot"
	KindShutdown   Kind = "shutdown"

	KindReady        Kind = "ready"
	KindVideoFrame   Kind = "videoFrame"
	KindAudioSamples Kind = "audioSamples"
	KindError        Kind = "error"
	KindResponse     Kind = "response"
)

// Message is anything that can travel over the transport.
type Message interface {
	Kind() Kind
}

type Command interface {
	Message
	command()
}

// Correlated is a command that expects exactly one Response.
type Correlated interface {
	Command
	CorrelationID() string
}

type Event interface {
	Message
	event()
}

// NewRequestID returns a fresh correlation id.
func NewRequestID() string {
	return uuid.NewString()
}

type Init struct {
	CorePath      string `json:"corePath"`
	RomPath       string `json:"romPath"`
	SystemDir     string `json:"systemDir"`
	SaveDir       string `json:"saveDir"`
	SRAMDir       string `json:"sramDir"`
	SaveStatesDir string `json:"saveStatesDir"`
	SaveStatePath string `json:"saveStatePath,omitempty"`
}

type Pause struct{}

type Resume struct{}

type Reset struct{}

type Input struct {
	Port     int  `json:"port"`
	ButtonID int  `json:"buttonId"`
	Pressed  bool `json:"pressed"`
}

type SaveState struct {
	Slot      int    `json:"slot"`
	RequestID string `json:"requestId"`
}

type LoadState struct {
	Slot      int    `json:"slot"`
	RequestID string `json:"requestId"`
}

type SaveSRAM struct {
	RequestID string `json:"requestId"`
}

type Screenshot struct {
	RequestID  string `json:"requestId"`
	OutputPath string `json:"outputPath,omitempty"`
}

type Shutdown struct {
	RequestID string `json:"requestId"`
}

func (Init) Kind() Kind       { return KindInit }
func (Pause) Kind() Kind      { return KindPause }
func (Resume) Kind() Kind     { return KindResume }
func (Reset) Kind() Kind      { return KindReset }
func (Input) Kind() Kind      { return KindInput }
func (SaveState) Kind() Kind  { return KindSaveState }
func (LoadState) Kind() Kind  { return KindLoadState }
func (SaveSRAM) Kind() Kind   { return KindSaveSRAM }
func (Screenshot) Kind() Kind { return KindScreenshot }
func (Shutdown) Kind() Kind   { return KindShutdown }

func (Init) command()       {}
func (Pause) command()      {}
func (Resume) command()     {}
func (Reset) command()      {}
func (Input) command()      {}
func (SaveState) command()  {}
func (LoadState) command()  {}
func (SaveSRAM) command()   {}
func (Screenshot) command() {}
func (Shutdown) command()   {}

func (c SaveState) CorrelationID() string  { return c.RequestID }
func (c LoadState) CorrelationID() string  { return c.RequestID }
func (c SaveSRAM) CorrelationID() string   { return c.RequestID }
func (c Screenshot) CorrelationID() string { return c.RequestID }
func (c Shutdown) CorrelationID() string   { return c.RequestID }

type Ready struct {
	AVInfo     engine.AVInfo      `json:"avInfo"`
	SystemInfo *engine.SystemInfo `json:"systemInfo,omitempty"`
}

// VideoFrame carries an RGBA8888 frame. Timestamps are milliseconds since the
// frame pump started.
type VideoFrame struct {
	Data      []byte `json:"data"`
	Width     int    `json:"width"`
	Height    int    `json:"height"`
	Timestamp int64  `json:"timestamp"`
}

// AudioSamples carries stereo interleaved signed 16-bit samples.
type AudioSamples struct {
	Samples    []int16 `json:"samples"`
	SampleRate float64 `json:"sampleRate"`
	Timestamp  int64   `json:"timestamp"`
}

type Error struct {
	Message string `json:"message"`
	Fatal   bool   `json:"fatal"`
}

type Response struct {
	RequestID string `json:"requestId"`
	Success   bool   `json:"success"`
	Error     string `json:"error,omitempty"`
	Path      string `json:"path,omitempty"`
	Data      []byte `json:"data,omitempty"`
}

func (Ready) Kind() Kind        { return KindReady }
func (VideoFrame) Kind() Kind   { return KindVideoFrame }
func (AudioSamples) Kind() Kind { return KindAudioSamples }
func (Error) Kind() Kind        { return KindError }
func (Response) Kind() Kind     { return KindResponse }

func (Ready) event()        {}
func (VideoFrame) event()   {}
func (AudioSamples) event() {}
func (Error) event()        {}
func (Response) event()     {}

// IsMedia reports whether ev is frame pump output that may be dropped under
// backpressure.
func IsMedia(ev Event) bool {
	switch ev.(type) {
	case VideoFrame, AudioSamples:
		return true
	}
	return false
}

// Failure builds an unsuccessful response for a correlated command. A non-nil
// err is appended to msg.
func Failure(id, msg string, err error) Response {
	if err != nil {
		msg += ": " + err.Error()
	}
	return Response{RequestID: id, Success: false, Error: msg}
}
