package savestore

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGameName(t *testing.T) {
	tests := []struct {
		rom  string
		want string
	}{
		{"/roms/Super Metroid.sfc", "Super Metroid"},
		{"zelda.smc", "zelda"},
		{"/roms/noext", "noext"},
		{"/roms/.hidden", ".hidden"},
		{"/roms/archive.tar.gz", "archive.tar"},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, GameName(tt.rom), tt.rom)
	}
}

func TestNames(t *testing.T) {
	assert.Equal(t, "zelda.state5", StateName("zelda", 5))
	assert.Equal(t, "zelda.srm", SRAMName("zelda"))
}

func storages(t *testing.T) map[string]Storage {
	t.Helper()
	root := t.TempDir()
	fs, err := NewFileStorage(Dirs{
		States:      filepath.Join(root, "states"),
		SRAM:        filepath.Join(root, "sram"),
		Screenshots: filepath.Join(root, "shots"),
	})
	require.NoError(t, err)
	return map[string]Storage{
		"file":   fs,
		"memory": NewMemoryStorage(0),
	}
}

func TestStorage_SaveLoad(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			assert.False(t, s.Exists(KindState, "game.state1"))

			loc, err := s.Save(KindState, "game.state1", []byte("blob"))
			require.NoError(t, err)
			assert.NotEmpty(t, loc)
			assert.True(t, s.Exists(KindState, "game.state1"))
			assert.False(t, s.Exists(KindSRAM, "game.state1"))

			got, err := s.Load(KindState, "game.state1")
			require.NoError(t, err)
			assert.Equal(t, []byte("blob"), got)

			_, err = s.Save(KindState, "game.state1", []byte("newer"))
			require.NoError(t, err)
			got, err = s.Load(KindState, "game.state1")
			require.NoError(t, err)
			assert.Equal(t, []byte("newer"), got)

			back, err := s.LoadAt(loc)
			require.NoError(t, err)
			assert.Equal(t, []byte("newer"), back)
		})
	}
}

func TestStorage_LoadMissing(t *testing.T) {
	for name, s := range storages(t) {
		t.Run(name, func(t *testing.T) {
			_, err := s.Load(KindSRAM, "nothing.srm")
			assert.ErrorIs(t, err, ErrNotFound)
		})
	}
}

func TestFileStorage_RejectsPathNames(t *testing.T) {
	fs, err := NewFileStorage(Dirs{States: t.TempDir()})
	require.NoError(t, err)

	_, err = fs.Save(KindState, "../escape", []byte("x"))
	assert.Error(t, err)

	_, err = fs.Save(KindSRAM, "game.srm", []byte("x"))
	assert.Error(t, err, "no sram dir configured")
}

func TestFileStorage_SaveAtCreatesParents(t *testing.T) {
	fs, err := NewFileStorage(Dirs{})
	require.NoError(t, err)

	p := filepath.Join(t.TempDir(), "a", "b", "shot.png")
	require.NoError(t, fs.SaveAt(p, []byte("png")))

	data, err := os.ReadFile(p)
	require.NoError(t, err)
	assert.Equal(t, []byte("png"), data)

	entries, err := os.ReadDir(filepath.Dir(p))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp file should be renamed away")
}

func TestFileStorage_MaxSize(t *testing.T) {
	dir := t.TempDir()
	fs, err := NewFileStorage(Dirs{States: dir}, WithMaxSize(4))
	require.NoError(t, err)

	_, err = fs.Save(KindState, "big.state0", []byte("0123456789"))
	require.NoError(t, err)

	_, err = fs.Load(KindState, "big.state0")
	assert.ErrorIs(t, err, ErrTooLarge)
}

func TestMemoryStorage_MaxSize(t *testing.T) {
	s := NewMemoryStorage(4)
	_, err := s.Save(KindState, "big.state0", []byte("0123456789"))
	assert.ErrorIs(t, err, ErrTooLarge)
	assert.Empty(t, s.Keys())
}
