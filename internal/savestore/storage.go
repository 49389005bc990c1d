// Package savestore persists the opaque blobs a session produces: save
// states, battery RAM and screenshots.
package savestore

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

type Kind string

const (
	KindState      Kind = "state"
	KindSRAM       Kind = "sram"
	KindScreenshot Kind = "screenshot"
)

var (
	ErrNotFound = errors.New("not found")
	ErrTooLarge = errors.New("blob exceeds size limit")
)

type Storage interface {
	// Save stores data under name and returns where it was written.
	Save(kind Kind, name string, data []byte) (string, error)
	Load(kind Kind, name string) ([]byte, error)
	Exists(kind Kind, name string) bool

	// SaveAt and LoadAt address a caller-chosen location directly.
	SaveAt(path string, data []byte) error
	LoadAt(path string) ([]byte, error)
}

// Dirs names the directory used for each kind.
type Dirs struct {
	States      string
	SRAM        string
	Screenshots string
}

func (d Dirs) forKind(kind Kind) (string, error) {
	var dir string
	switch kind {
	case KindState:
		dir = d.States
	case KindSRAM:
		dir = d.SRAM
	case KindScreenshot:
		dir = d.Screenshots
	default:
		return "", fmt.Errorf("unknown blob kind %q", kind)
	}
	if dir == "" {
		return "", fmt.Errorf("no directory configured for %s", kind)
	}
	return dir, nil
}

// GameName derives the file stem used for a ROM's blobs.
func GameName(romPath string) string {
	base := filepath.Base(romPath)
	if ext := filepath.Ext(base); ext != "" && ext != base {
		base = strings.TrimSuffix(base, ext)
	}
	return base
}

func StateName(game string, slot int) string {
	return fmt.Sprintf("%s.state%d", game, slot)
}

func SRAMName(game string) string {
	return game + ".srm"
}
