// Package memory holds the agent's long-term facts and persists them on the bridge host.
package memory

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	MaxFindings        = 50
	DefaultOllamaURL   = "http://127.0.0.1:11434"
	DefaultOllamaModel = "llama3"
)

// ErrMalformed is returned when a stored blob cannot be decoded.
var ErrMalformed = errors.New("memory blob malformed")

type Memory struct {
	UserPreferences    map[string]string `json:"user_preferences"`
	KnownFiles         []string          `json:"known_files"`
	PastFindings       []string          `json:"past_findings"`
	EnvironmentDetails map[string]string `json:"environment_details"`
	InstalledTools     []string          `json:"installed_tools"`
	OllamaURL          string            `json:"ollama_url"`
	OllamaModel        string            `json:"ollama_model"`

	// Extra carries keys this version does not know about so they survive a write back.
	Extra map[string]json.RawMessage `json:"-"`
}

func Default() Memory {
	return Memory{
		UserPreferences:    map[string]string{},
		KnownFiles:         []string{},
		PastFindings:       []string{},
		EnvironmentDetails: map[string]string{},
		InstalledTools:     []string{},
		OllamaURL:          DefaultOllamaURL,
		OllamaModel:        DefaultOllamaModel,
	}
}

// Partial is a decoded blob: only the keys it contains are applied by Merge.
type Partial map[string]json.RawMessage

func (m Memory) Clone() Memory {
	out := m
	out.UserPreferences = cloneMap(m.UserPreferences)
	out.EnvironmentDetails = cloneMap(m.EnvironmentDetails)
	out.KnownFiles = cloneSlice(m.KnownFiles)
	out.PastFindings = cloneSlice(m.PastFindings)
	out.InstalledTools = cloneSlice(m.InstalledTools)
	if m.Extra != nil {
		out.Extra = make(map[string]json.RawMessage, len(m.Extra))
		for k, v := range m.Extra {
			out.Extra[k] = append(json.RawMessage(nil), v...)
		}
	}
	return out
}

// RecordFinding returns a copy with text prepended to PastFindings, keeping at most MaxFindings.
// Blank findings leave the memory unchanged.
func (m Memory) RecordFinding(text string) Memory {
	out := m.Clone()
	text = strings.TrimSpace(text)
	if text == "" {
		return out
	}
	findings := make([]string, 0, len(out.PastFindings)+1)
	findings = append(findings, text)
	findings = append(findings, out.PastFindings...)
	if len(findings) > MaxFindings {
		findings = findings[:MaxFindings]
	}
	out.PastFindings = findings
	return out
}

// Merge applies p over a copy of m. Present keys replace their field wholesale.
func (m Memory) Merge(p Partial) (Memory, error) {
	out := m.Clone()
	for key, raw := range p {
		var err error
		switch key {
		case "user_preferences":
			out.UserPreferences, err = decodeField[map[string]string](raw)
		case "known_files":
			out.KnownFiles, err = decodeField[[]string](raw)
		case "past_findings":
			out.PastFindings, err = decodeField[[]string](raw)
		case "environment_details":
			out.EnvironmentDetails, err = decodeField[map[string]string](raw)
		case "installed_tools":
			out.InstalledTools, err = decodeField[[]string](raw)
		case "ollama_url":
			out.OllamaURL, err = decodeField[string](raw)
		case "ollama_model":
			out.OllamaModel, err = decodeField[string](raw)
		default:
			if out.Extra == nil {
				out.Extra = map[string]json.RawMessage{}
			}
			out.Extra[key] = append(json.RawMessage(nil), raw...)
		}
		if err != nil {
			return m, fmt.Errorf("%w: field %s: %v", ErrMalformed, key, err)
		}
	}
	return out.normalized(), nil
}

type wireMemory Memory

func (m Memory) MarshalJSON() ([]byte, error) {
	known, err := json.Marshal(wireMemory(m.normalized()))
	if err != nil {
		return nil, err
	}
	if len(m.Extra) == 0 {
		return known, nil
	}
	fields := map[string]json.RawMessage{}
	if err := json.Unmarshal(known, &fields); err != nil {
		return nil, err
	}
	for k, v := range m.Extra {
		if _, taken := fields[k]; !taken {
			fields[k] = v
		}
	}
	return json.Marshal(fields)
}

func (m *Memory) UnmarshalJSON(data []byte) error {
	var p Partial
	if err := json.Unmarshal(data, &p); err != nil {
		return err
	}
	merged, err := Default().Merge(p)
	if err != nil {
		return err
	}
	*m = merged
	return nil
}

// Encode returns base64(JSON(m)) in the standard alphabet.
func Encode(m Memory) (string, error) {
	raw, err := json.Marshal(m)
	if err != nil {
		return "", fmt.Errorf("encode memory: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Decode parses a stored blob into a Partial. The field types are validated.
func Decode(blob string) (Partial, error) {
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(blob))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	var p Partial
	if err := json.Unmarshal(raw, &p); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if p == nil {
		return nil, fmt.Errorf("%w: not an object", ErrMalformed)
	}
	if _, err := Default().Merge(p); err != nil {
		return nil, err
	}
	return p, nil
}

func (m Memory) normalized() Memory {
	if m.UserPreferences == nil {
		m.UserPreferences = map[string]string{}
	}
	if m.EnvironmentDetails == nil {
		m.EnvironmentDetails = map[string]string{}
	}
	if m.KnownFiles == nil {
		m.KnownFiles = []string{}
	}
	if m.PastFindings == nil {
		m.PastFindings = []string{}
	}
	if m.InstalledTools == nil {
		m.InstalledTools = []string{}
	}
	return m
}

func decodeField[T any](raw json.RawMessage) (T, error) {
	var v T
	err := json.Unmarshal(raw, &v)
	return v, err
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

func cloneSlice(in []string) []string {
	if in == nil {
		return nil
	}
	return append([]string(nil), in...)
}
