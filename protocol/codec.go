package protocol

import (
	"bytes"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
)

// Action is the verb of a valve command
type Action string

const (
	ActionOn  Action = "ON"
	ActionOff Action = "OFF"
)

func (a Action) valid() bool {
	return a == ActionOn || a == ActionOff
}

// Configuration is the controller's self description
type Configuration struct {
	ValveCount int
	Pins       []int
}

// ValveCommand turns one valve on or off. Duration (seconds) is only sent
// with ON; latching valves omit it.
type ValveCommand struct {
	Valve    int    `json:"valve"`
	Action   Action `json:"action"`
	Duration *int   `json:"duration,omitempty"`
}

// SequenceCommand runs valves one after another in the order given
type SequenceCommand struct {
	Valves []ValveCommand `json:"valves"`
}

// TimerUpdate maps valve id to remaining seconds
type TimerUpdate map[int]int

// ControlMessage is a decoded valve-control write. Exactly one of Command
// and Sequence is set.
type ControlMessage struct {
	Command  *ValveCommand
	Sequence *SequenceCommand
}

// IsSequence reports whether the write carried the batch form
func (m ControlMessage) IsSequence() bool {
	return m.Sequence != nil
}

// Commands flattens the message into the commands to execute, in order
func (m ControlMessage) Commands() []ValveCommand {
	if m.Sequence != nil {
		return m.Sequence.Valves
	}
	if m.Command != nil {
		return []ValveCommand{*m.Command}
	}
	return nil
}

// IntPtr is a convenience for building commands with a duration
func IntPtr(v int) *int {
	return &v
}

type configurationWire struct {
	Valves int   `json:"VALVES"`
	Pins   []int `json:"PINS"`
}

// EncodeConfiguration produces {"VALVES":n,"PINS":[...]}
func EncodeConfiguration(cfg Configuration) ([]byte, error) {
	if cfg.ValveCount < 0 {
		return nil, fmt.Errorf("valve count %d is negative", cfg.ValveCount)
	}
	pins := cfg.Pins
	if pins == nil {
		pins = []int{}
	}
	return json.Marshal(configurationWire{Valves: cfg.ValveCount, Pins: pins})
}

// DecodeConfiguration parses a configuration value. VALVES is required and
// must be a non-negative integer; PINS defaults to empty.
func DecodeConfiguration(data []byte) (Configuration, error) {
	const payload = "configuration"

	fields, err := decodeObject(payload, data)
	if err != nil {
		return Configuration{}, err
	}

	rawValves, ok := fields["VALVES"]
	if !ok {
		return Configuration{}, malformed(payload, "VALVES", "missing")
	}
	count, err := decodeInt(rawValves)
	if err != nil {
		return Configuration{}, &MalformedPayloadError{Payload: payload, Field: "VALVES", Err: err}
	}
	if count < 0 {
		return Configuration{}, malformed(payload, "VALVES", "negative count %d", count)
	}

	cfg := Configuration{ValveCount: count, Pins: []int{}}

	if rawPins, ok := fields["PINS"]; ok && !isNull(rawPins) {
		var items []json.RawMessage
		if err := json.Unmarshal(rawPins, &items); err != nil {
			return Configuration{}, malformed(payload, "PINS", "not an array")
		}
		for i, item := range items {
			pin, err := decodeInt(item)
			if err != nil {
				return Configuration{}, malformed(payload, "PINS", "element %d: %v", i, err)
			}
			cfg.Pins = append(cfg.Pins, pin)
		}
	}

	return cfg, nil
}

// EncodeValveCommand builds a single valve command. duration is dropped for
// OFF; pass nil for ON on a latching valve.
func EncodeValveCommand(valve int, action Action, duration *int) ([]byte, error) {
	cmd, err := normalize(ValveCommand{Valve: valve, Action: action, Duration: duration})
	if err != nil {
		return nil, err
	}
	return json.Marshal(cmd)
}

// EncodeSequenceCommand builds {"valves":[...]} with commands in the given
// order. An empty list encodes; rejecting it is the caller's decision.
func EncodeSequenceCommand(cmds []ValveCommand) ([]byte, error) {
	seq := SequenceCommand{Valves: make([]ValveCommand, 0, len(cmds))}
	for _, c := range cmds {
		n, err := normalize(c)
		if err != nil {
			return nil, err
		}
		seq.Valves = append(seq.Valves, n)
	}
	return json.Marshal(seq)
}

func normalize(c ValveCommand) (ValveCommand, error) {
	if !c.Action.valid() {
		return c, fmt.Errorf("%w: %q", ErrInvalidAction, c.Action)
	}
	if c.Action == ActionOff {
		c.Duration = nil
	}
	if c.Duration != nil {
		d := *c.Duration
		c.Duration = &d
	}
	return c, nil
}

// DecodeValveControl parses a valve-control write as seen by the controller
func DecodeValveControl(data []byte) (ControlMessage, error) {
	const payload = "valve-control"

	fields, err := decodeObject(payload, data)
	if err != nil {
		return ControlMessage{}, err
	}

	if rawSeq, ok := fields["valves"]; ok {
		var items []json.RawMessage
		if err := json.Unmarshal(rawSeq, &items); err != nil {
			return ControlMessage{}, malformed(payload, "valves", "not an array")
		}
		seq := &SequenceCommand{Valves: make([]ValveCommand, 0, len(items))}
		for i, item := range items {
			obj, err := decodeObject(payload, item)
			if err != nil {
				return ControlMessage{}, malformed(payload, "valves", "element %d: not an object", i)
			}
			cmd, err := decodeCommand(payload, obj)
			if err != nil {
				return ControlMessage{}, err
			}
			seq.Valves = append(seq.Valves, cmd)
		}
		return ControlMessage{Sequence: seq}, nil
	}

	cmd, err := decodeCommand(payload, fields)
	if err != nil {
		return ControlMessage{}, err
	}
	return ControlMessage{Command: &cmd}, nil
}

func decodeCommand(payload string, fields map[string]json.RawMessage) (ValveCommand, error) {
	var cmd ValveCommand

	rawValve, ok := fields["valve"]
	if !ok {
		return cmd, malformed(payload, "valve", "missing")
	}
	valve, err := decodeInt(rawValve)
	if err != nil {
		return cmd, &MalformedPayloadError{Payload: payload, Field: "valve", Err: err}
	}
	if valve < 1 {
		return cmd, malformed(payload, "valve", "id %d out of range", valve)
	}
	cmd.Valve = valve

	var action string
	if err := json.Unmarshal(fields["action"], &action); err != nil {
		return cmd, malformed(payload, "action", "missing or not a string")
	}
	cmd.Action = Action(action)
	if !cmd.Action.valid() {
		return cmd, malformed(payload, "action", "unknown action %q", action)
	}

	if rawDuration, ok := fields["duration"]; ok && !isNull(rawDuration) {
		d, err := decodeInt(rawDuration)
		if err != nil {
			return cmd, &MalformedPayloadError{Payload: payload, Field: "duration", Err: err}
		}
		if d < 0 {
			return cmd, malformed(payload, "duration", "negative duration %d", d)
		}
		cmd.Duration = &d
	}

	return cmd, nil
}

// EncodeTimerUpdate produces {"<id>":remaining,...}
func EncodeTimerUpdate(update TimerUpdate) ([]byte, error) {
	out := make(map[string]int, len(update))
	for id, remaining := range update {
		out[strconv.Itoa(id)] = remaining
	}
	return json.Marshal(out)
}

// DecodeTimerUpdate parses a timer notification. The firmware's
// {"TIMERS":{...}} envelope is unwrapped. Ids are not checked against any
// configuration.
func DecodeTimerUpdate(data []byte) (TimerUpdate, error) {
	const payload = "timer"

	fields, err := decodeObject(payload, data)
	if err != nil {
		return nil, err
	}

	if inner, ok := fields["TIMERS"]; ok && len(fields) == 1 {
		fields, err = decodeObject(payload, inner)
		if err != nil {
			return nil, malformed(payload, "TIMERS", "not an object")
		}
	}

	update := make(TimerUpdate, len(fields))
	for key, raw := range fields {
		id, err := strconv.Atoi(key)
		if err != nil {
			return nil, malformed(payload, key, "valve id is not an integer")
		}
		remaining, err := decodeInt(raw)
		if err != nil {
			return nil, &MalformedPayloadError{Payload: payload, Field: key, Err: err}
		}
		if remaining < 0 {
			return nil, malformed(payload, key, "negative remaining %d", remaining)
		}
		update[id] = remaining
	}
	return update, nil
}

// IDs returns the valve ids in ascending order
func (u TimerUpdate) IDs() []int {
	ids := make([]int, 0, len(u))
	for id := range u {
		ids = append(ids, id)
	}
	sort.Ints(ids)
	return ids
}

// EncodeAlert converts a status string to its characteristic value
func EncodeAlert(msg string) []byte {
	return []byte(msg)
}

// DecodeAlert converts an alert value to text
func DecodeAlert(data []byte) string {
	return string(bytes.TrimRight(data, "\x00"))
}

func decodeObject(payload string, data []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(data, &fields); err != nil {
		return nil, &MalformedPayloadError{Payload: payload, Err: err}
	}
	if fields == nil {
		return nil, malformed(payload, "", "expected an object")
	}
	return fields, nil
}

func decodeInt(raw json.RawMessage) (int, error) {
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var v interface{}
	if err := dec.Decode(&v); err != nil {
		return 0, fmt.Errorf("not an integer")
	}
	n, ok := v.(json.Number)
	if !ok {
		return 0, fmt.Errorf("%T is not an integer", v)
	}
	i, err := strconv.Atoi(n.String())
	if err != nil {
		return 0, fmt.Errorf("%s is not an integer", n)
	}
	return i, nil
}

func isNull(raw json.RawMessage) bool {
	return string(bytes.TrimSpace(raw)) == "null"
}
