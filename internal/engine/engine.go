// Package engine defines the capability the worker consumes from a native
// emulation core. Every call is synchronous; failure is reported through a
// false or nil return value, never a panic the caller is expected to handle.
package engine

// Geometry describes the frame dimensions reported by a core.
type Geometry struct {
	BaseWidth   int     `json:"baseWidth"`
	BaseHeight  int     `json:"baseHeight"`
	MaxWidth    int     `json:"maxWidth"`
	MaxHeight   int     `json:"maxHeight"`
	AspectRatio float64 `json:"aspectRatio"`
}

// Timing describes the frame rate and audio sample rate reported by a core.
type Timing struct {
	FPS        float64 `json:"fps"`
	SampleRate float64 `json:"sampleRate"`
}

type AVInfo struct {
	Geometry Geometry `json:"geometry"`
	Timing   Timing   `json:"timing"`
}

// Frame is one RGBA8888 video frame. The engine may reuse Data after the
// next call to Run.
type Frame struct {
	Data   []byte
	Width  int
	Height int
}

type Engine interface {
	SetDirectories(systemDir, saveDir string)
	LoadCore(path string) bool
	LoadGame(path string) bool
	Run()
	Reset()
	AVInfo() *AVInfo
	VideoFrame() *Frame
	// AudioBuffer returns the stereo interleaved samples produced since the
	// previous call, or nil when there are none.
	AudioBuffer() []int16
	SetInputState(port, id int, value int16)
	SerializeState() []byte
	UnserializeState(data []byte) bool
	Destroy()
}

// SaveRAM is implemented by engines that expose battery-backed cartridge RAM.
type SaveRAM interface {
	SaveRAM() []byte
}

// SystemInfo identifies a loaded core.
type SystemInfo struct {
	LibraryName     string `json:"libraryName"`
	LibraryVersion  string `json:"libraryVersion"`
	ValidExtensions string `json:"validExtensions,omitempty"`
	NeedFullpath    bool   `json:"needFullpath,omitempty"`
	BlockExtract    bool   `json:"blockExtract,omitempty"`
}

// Describer is implemented by engines that can name themselves once the
// core is loaded. A nil result means the core reports nothing.
type Describer interface {
	SystemInfo() *SystemInfo
}

const (
	MaxPorts   = 2
	MaxButtons = 16
)
