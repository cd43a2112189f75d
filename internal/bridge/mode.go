package bridge

import (
	"encoding/json"
	"fmt"
)

// Mode selects what drives the physical output.
type Mode int

const (
	InputA Mode = iota
	InputB
	Manual
)

var modeNames = map[Mode]string{
	InputA: "input A",
	InputB: "input B",
	Manual: "manual",
}

var modeFromName = map[string]Mode{
	"input A": InputA,
	"input B": InputB,
	"manual":  Manual,
}

func (m Mode) String() string {
	if s, ok := modeNames[m]; ok {
		return s
	}
	return "unknown"
}

// ParseMode is the inverse of String.
func ParseMode(s string) (Mode, error) {
	if m, ok := modeFromName[s]; ok {
		return m, nil
	}
	return 0, fmt.Errorf("unknown mode %q", s)
}

func (m Mode) MarshalJSON() ([]byte, error) {
	return json.Marshal(m.String())
}
