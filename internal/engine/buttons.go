package engine

import (
	"fmt"
	"strconv"
	"strings"
)

// RetroPad button ids.
const (
	ButtonB = iota
	ButtonY
	ButtonSelect
	ButtonStart
	ButtonUp
	ButtonDown
	ButtonLeft
	ButtonRight
	ButtonA
	ButtonX
	ButtonL
	ButtonR
	ButtonL2
	ButtonR2
	ButtonL3
	ButtonR3
)

var buttonNames = map[string]int{
	"b":      ButtonB,
	"y":      ButtonY,
	"select": ButtonSelect,
	"start":  ButtonStart,
	"up":     ButtonUp,
	"down":   ButtonDown,
	"left":   ButtonLeft,
	"right":  ButtonRight,
	"a":      ButtonA,
	"x":      ButtonX,
	"l":      ButtonL,
	"r":      ButtonR,
	"l2":     ButtonL2,
	"r2":     ButtonR2,
	"l3":     ButtonL3,
	"r3":     ButtonR3,
}

// ParseButton accepts a RetroPad button name (case-insensitive) or a
// numeric id.
func ParseButton(s string) (int, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if id, ok := buttonNames[s]; ok {
		return id, nil
	}
	id, err := strconv.Atoi(s)
	if err != nil {
		return 0, fmt.Errorf("unknown button %q", s)
	}
	if id < 0 || id >= MaxButtons {
		return 0, fmt.Errorf("button id %d out of range (0-%d)", id, MaxButtons-1)
	}
	return id, nil
}
