package engine

import (
	"bytes"
	"encoding/binary"
	"hash/fnv"
	"os"
	"strings"
)

const (
	TestPatternScheme  = "testpattern"
	TestPatternVersion = "1.0.0"
)

const (
	testPatternWidth      = 160
	testPatternHeight     = 144
	testPatternFPS        = 60
	testPatternSampleRate = 44100
	testPatternSRAMSize   = 8 * 1024
)

var testPatternMagic = []byte("TPAT\x01")

// TestPattern is a deterministic software core. Each frame is a function of
// the frame counter, the ROM seed and the input state, so identical state
// always produces identical output. The first eight bytes of every video
// frame carry the frame counter.
type TestPattern struct {
	coreLoaded bool
	gameLoaded bool

	systemDir string
	saveDir   string

	frame uint64
	seed  uint32
	input [MaxPorts]uint16
	sram  []byte

	video      []byte
	videoReady bool
	audio      []int16
}

func NewTestPattern() *TestPattern {
	return &TestPattern{}
}

func (t *TestPattern) SetDirectories(systemDir, saveDir string) {
	t.systemDir = systemDir
	t.saveDir = saveDir
}

func (t *TestPattern) LoadCore(path string) bool {
	if !strings.HasPrefix(path, TestPatternScheme+":") {
		return false
	}
	t.coreLoaded = true
	return true
}

func (t *TestPattern) SystemInfo() *SystemInfo {
	if !t.coreLoaded {
		return nil
	}
	return &SystemInfo{
		LibraryName:     "testpattern",
		LibraryVersion:  TestPatternVersion,
		ValidExtensions: "gb|gbc|bin",
	}
}

func (t *TestPattern) LoadGame(path string) bool {
	if !t.coreLoaded {
		return false
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return false
	}
	h := fnv.New32a()
	h.Write(data)
	t.seed = h.Sum32()
	t.sram = make([]byte, testPatternSRAMSize)
	t.video = make([]byte, testPatternWidth*testPatternHeight*4)
	t.gameLoaded = true
	return true
}

func (t *TestPattern) Run() {
	if !t.gameLoaded {
		return
	}
	t.frame++
	t.render()
	t.mix()
}

func (t *TestPattern) render() {
	mask := byte(t.input[0]) ^ byte(t.input[0]>>8) ^ byte(t.input[1])
	i := 0
	for y := 0; y < testPatternHeight; y++ {
		for x := 0; x < testPatternWidth; x++ {
			t.video[i] = byte(x) + byte(t.frame)
			t.video[i+1] = byte(y) + byte(t.seed)
			t.video[i+2] = mask ^ byte(t.seed>>8)
			t.video[i+3] = 0xFF
			i += 4
		}
	}
	binary.LittleEndian.PutUint64(t.video[:8], t.frame)
	t.videoReady = true
}

func (t *TestPattern) mix() {
	const perFrame = testPatternSampleRate / testPatternFPS
	base := int64(t.frame) * perFrame
	for i := int64(0); i < perFrame; i++ {
		v := int16((base+i)%2000 - 1000)
		t.audio = append(t.audio, v, -v)
	}
}

func (t *TestPattern) Reset() {
	if !t.gameLoaded {
		return
	}
	t.frame = 0
	t.input = [MaxPorts]uint16{}
}

func (t *TestPattern) AVInfo() *AVInfo {
	if !t.gameLoaded {
		return nil
	}
	return &AVInfo{
		Geometry: Geometry{
			BaseWidth:   testPatternWidth,
			BaseHeight:  testPatternHeight,
			MaxWidth:    testPatternWidth,
			MaxHeight:   testPatternHeight,
			AspectRatio: float64(testPatternWidth) / float64(testPatternHeight),
		},
		Timing: Timing{FPS: testPatternFPS, SampleRate: testPatternSampleRate},
	}
}

func (t *TestPattern) VideoFrame() *Frame {
	if !t.videoReady {
		return nil
	}
	t.videoReady = false
	return &Frame{Data: t.video, Width: testPatternWidth, Height: testPatternHeight}
}

func (t *TestPattern) AudioBuffer() []int16 {
	if len(t.audio) == 0 {
		return nil
	}
	out := t.audio
	t.audio = nil
	return out
}

func (t *TestPattern) SetInputState(port, id int, value int16) {
	if port < 0 || port >= MaxPorts || id < 0 || id >= MaxButtons {
		return
	}
	if value != 0 {
		t.input[port] |= 1 << id
		if t.gameLoaded {
			t.sram[int(t.frame)%len(t.sram)] ^= byte(id + 1)
		}
	} else {
		t.input[port] &^= 1 << id
	}
}

func (t *TestPattern) SerializeState() []byte {
	if !t.gameLoaded {
		return nil
	}
	var buf bytes.Buffer
	buf.Write(testPatternMagic)
	binary.Write(&buf, binary.LittleEndian, t.frame)
	binary.Write(&buf, binary.LittleEndian, t.seed)
	binary.Write(&buf, binary.LittleEndian, t.input)
	buf.Write(t.sram)
	return buf.Bytes()
}

func (t *TestPattern) UnserializeState(data []byte) bool {
	want := len(testPatternMagic) + 8 + 4 + 2*MaxPorts + testPatternSRAMSize
	if !t.gameLoaded || len(data) != want || !bytes.HasPrefix(data, testPatternMagic) {
		return false
	}
	r := bytes.NewReader(data[len(testPatternMagic):])
	var (
		frame uint64
		seed  uint32
		input [MaxPorts]uint16
	)
	if binary.Read(r, binary.LittleEndian, &frame) != nil ||
		binary.Read(r, binary.LittleEndian, &seed) != nil ||
		binary.Read(r, binary.LittleEndian, &input) != nil {
		return false
	}
	if seed != t.seed {
		return false
	}
	t.frame = frame
	t.input = input
	copy(t.sram, data[len(data)-testPatternSRAMSize:])
	return true
}

func (t *TestPattern) SaveRAM() []byte {
	if !t.gameLoaded {
		return nil
	}
	return bytes.Clone(t.sram)
}

func (t *TestPattern) Destroy() {
	t.coreLoaded = false
	t.gameLoaded = false
	t.video = nil
	t.audio = nil
	t.sram = nil
}

// FrameNumber extracts the frame counter stamped into a TestPattern frame.
func FrameNumber(data []byte) uint64 {
	if len(data) < 8 {
		return 0
	}
	return binary.LittleEndian.Uint64(data[:8])
}
