package ws

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"

	"github.com/plc-bridge/backend/internal/bridge"
)

// Inbound event names.
const (
	EvtSelectInputA   = "selectInputA"
	EvtSelectInputB   = "selectInputB"
	EvtSelectManual   = "selectManual"
	EvtSetManualValue = "setManualValue"
)

var (
	ErrUnknownCommand = errors.New("unknown command")
	ErrBadPayload     = errors.New("bad payload")
)

type inboundMessage struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload"`
}

var selectCommands = map[string]bridge.CommandKind{
	EvtSelectInputA: bridge.SelectInputA,
	EvtSelectInputB: bridge.SelectInputB,
	EvtSelectManual: bridge.SelectManual,
}

// ParseCommand decodes one inbound frame. The setManualValue payload is a
// number, or a string holding one as sent by HTML range inputs. Range
// checking is left to the bridge.
func ParseCommand(data []byte) (bridge.Command, error) {
	var msg inboundMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		return bridge.Command{}, fmt.Errorf("%w: %v", ErrBadPayload, err)
	}

	if kind, ok := selectCommands[msg.Type]; ok {
		return bridge.Command{Kind: kind}, nil
	}
	if msg.Type != EvtSetManualValue {
		return bridge.Command{}, fmt.Errorf("%w: %q", ErrUnknownCommand, msg.Type)
	}

	p, err := parsePercent(msg.Payload)
	if err != nil {
		return bridge.Command{}, err
	}
	return bridge.Command{Kind: bridge.SetManualValue, Percent: p}, nil
}

func parsePercent(raw json.RawMessage) (float64, error) {
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return 0, fmt.Errorf("%w: %s needs a value", ErrBadPayload, EvtSetManualValue)
	}

	var n float64
	if err := json.Unmarshal(raw, &n); err == nil {
		return n, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if n, err := strconv.ParseFloat(s, 64); err == nil {
			return n, nil
		}
	}
	return 0, fmt.Errorf("%w: %s is not a number", ErrBadPayload, raw)
}
