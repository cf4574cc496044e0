package action

import (
	"bytes"
	"encoding/json"
	"fmt"
)

// envelope is the single-key wire wrapper. Exactly one field is set per
// line; the key names are part of the persisted format and must not change.
type envelope struct {
	Add        *Add        `json:"add,omitempty"`
	Remove     *Remove     `json:"remove,omitempty"`
	Metadata   *Metadata   `json:"metaData,omitempty"`
	CommitInfo *CommitInfo `json:"commitInfo,omitempty"`
}

// Marshal serializes a single action into its envelope form.
func Marshal(a Action) ([]byte, error) {
	var env envelope
	switch v := a.(type) {
	case Add:
		env.Add = &v
	case Remove:
		env.Remove = &v
	case Metadata:
		env.Metadata = &v
	case CommitInfo:
		env.CommitInfo = &v
	default:
		return nil, fmt.Errorf("marshal action: unsupported type %T", a)
	}
	data, err := json.Marshal(env)
	if err != nil {
		return nil, fmt.Errorf("marshal action: %w", err)
	}
	return data, nil
}

// Unmarshal parses one envelope line back into its concrete action.
// A line that sets no known key is rejected: entries must stay
// self-describing, and silently dropping records would corrupt replay.
func Unmarshal(data []byte) (Action, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("unmarshal action: %w", err)
	}
	switch {
	case env.Add != nil:
		return *env.Add, nil
	case env.Remove != nil:
		return *env.Remove, nil
	case env.Metadata != nil:
		return *env.Metadata, nil
	case env.CommitInfo != nil:
		return *env.CommitInfo, nil
	}
	return nil, fmt.Errorf("unmarshal action: no recognized action key in %q", truncate(data, 80))
}

// EncodeEntry serializes an ordered action sequence as one log entry:
// newline-delimited envelopes, trailing newline included.
func EncodeEntry(actions []Action) ([]byte, error) {
	var buf bytes.Buffer
	for i, a := range actions {
		line, err := Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("encode entry action %d: %w", i, err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}
	return buf.Bytes(), nil
}

// DecodeEntry parses a log entry back into its ordered action sequence.
// Blank lines are tolerated; malformed lines are not.
func DecodeEntry(data []byte) ([]Action, error) {
	var actions []Action
	for i, line := range bytes.Split(data, []byte{'\n'}) {
		if len(bytes.TrimSpace(line)) == 0 {
			continue
		}
		a, err := Unmarshal(line)
		if err != nil {
			return nil, fmt.Errorf("decode entry line %d: %w", i+1, err)
		}
		actions = append(actions, a)
	}
	return actions, nil
}

func truncate(b []byte, n int) []byte {
	if len(b) <= n {
		return b
	}
	return b[:n]
}
