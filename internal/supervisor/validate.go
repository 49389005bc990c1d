package supervisor

import (
	"fmt"
	"strings"
)

func ValidateSlot(slot int) error {
	if slot < 0 || slot > MaxSaveSlot {
		return fmt.Errorf("save slot %d out of range (0-%d)", slot, MaxSaveSlot)
	}
	return nil
}

func ValidateLoadOptions(opts LoadOptions) error {
	if opts.CorePath == "" {
		return fmt.Errorf("core path cannot be empty")
	}
	if opts.RomPath == "" {
		return fmt.Errorf("rom path cannot be empty")
	}
	for _, p := range []string{opts.CorePath, opts.RomPath, opts.SaveStatePath} {
		if strings.ContainsAny(p, "\x00\n") {
			return fmt.Errorf("path %q contains control characters", p)
		}
	}
	return nil
}
