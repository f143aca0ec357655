package api

import "encoding/json"

// DefaultEventBuffer is the capacity of the interception event channel.
const DefaultEventBuffer = 100

// FilterSpec selects which transactions a listener observes. An empty or
// omitted URLs list matches every URL.
type FilterSpec struct {
	URLs []string `json:"urls,omitempty"`
}

// InterceptConfig configures declarative interception rules.
type InterceptConfig struct {
	Rules []HookRule `json:"rules,omitempty"`
}

// HookRule describes one declarative interception rule. Decision-stage rules
// produce a verdict; simple-stage rules observe and emit events.
type HookRule struct {
	Name  string   `json:"name,omitempty"`
	Stage string   `json:"stage"`
	URLs  []string `json:"urls,omitempty"` // match patterns; empty matches all URLs

	Action string `json:"action,omitempty"` // allow, cancel, redirect, set_headers, delete_headers

	RedirectTo    string            `json:"redirect_to,omitempty"`
	SetHeaders    map[string]string `json:"set_headers,omitempty"`
	DeleteHeaders []string          `json:"delete_headers,omitempty"`
}

// ParseInterceptConfig decodes an InterceptConfig from JSON.
func ParseInterceptConfig(data []byte) (*InterceptConfig, error) {
	var cfg InterceptConfig
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}
