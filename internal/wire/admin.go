package wire

// Admin stream message types (spec §4.9).

// AdminAuth is the client's auth/re-auth message.
type AdminAuth struct {
	Token string `json:"token"`
}

// DecodeAdminAuth parses an inbound admin-stream frame expected to be auth.
func DecodeAdminAuth(raw []byte) (*AdminAuth, error) {
	var env envelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	if env.Type != "auth" {
		return nil, nil
	}
	var auth AdminAuth
	if err := json.Unmarshal(raw, &auth); err != nil {
		return nil, err
	}
	return &auth, nil
}

// AuthOK acknowledges successful admin authentication.
type AuthOK struct{}

func (AuthOK) MessageType() string { return "auth_ok" }
func (m AuthOK) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
	}{Type: m.MessageType()})
}

// AuthError reports failed (re-)authentication; the connection only closes
// if this was the initial auth attempt (spec §4.9: re-auth failure does
// not close).
type AuthError struct {
	Message string `json:"message"`
}

func (AuthError) MessageType() string { return "auth_error" }
func (m AuthError) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	}{Type: m.MessageType(), Message: m.Message})
}

// RunnerView is a single runner entry in a state snapshot or an admin-view
// API response: it merges connected and persisted-offline runners.
type RunnerView struct {
	ID              string   `json:"id"`
	Name            string   `json:"name"`
	MachineType     string   `json:"machine_type,omitempty"`
	Health          string   `json:"health"`
	IsOnline        bool     `json:"is_online"`
	LoadedModels    []string `json:"loaded_models"`
	LastSeenAt      string   `json:"last_seen_at,omitempty"`
}

// StateSnapshot is the one-shot post-auth snapshot (spec §4.9).
type StateSnapshot struct {
	Runners []RunnerView           `json:"runners"`
	Models  []string               `json:"models"`
	Stats   map[string]interface{} `json:"stats"`
}

func (StateSnapshot) MessageType() string { return "state_snapshot" }
func (m StateSnapshot) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type    string                 `json:"type"`
		Runners []RunnerView           `json:"runners"`
		Models  []string               `json:"models"`
		Stats   map[string]interface{} `json:"stats"`
	}{Type: m.MessageType(), Runners: m.Runners, Models: m.Models, Stats: m.Stats})
}

// RunnerConnected/Disconnected/StatusChanged mirror the registry's event
// kinds onto the wire for admin subscribers.
type RunnerConnected struct {
	ID           string   `json:"id"`
	Name         string   `json:"name"`
	MachineType  string   `json:"machine_type,omitempty"`
	Health       string   `json:"health"`
	LoadedModels []string `json:"loaded_models"`
}

func (RunnerConnected) MessageType() string { return "runner_connected" }
func (m RunnerConnected) MarshalJSON() ([]byte, error) {
	type alias RunnerConnected
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: m.MessageType(), alias: alias(m)})
}

type RunnerDisconnected struct {
	ID string `json:"id"`
}

func (RunnerDisconnected) MessageType() string { return "runner_disconnected" }
func (m RunnerDisconnected) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type string `json:"type"`
		ID   string `json:"id"`
	}{Type: m.MessageType(), ID: m.ID})
}

type RunnerStatusChanged struct {
	ID           string   `json:"id"`
	Health       string   `json:"health"`
	LoadedModels []string `json:"loaded_models"`
}

func (RunnerStatusChanged) MessageType() string { return "runner_status_changed" }
func (m RunnerStatusChanged) MarshalJSON() ([]byte, error) {
	type alias RunnerStatusChanged
	return json.Marshal(struct {
		Type string `json:"type"`
		alias
	}{Type: m.MessageType(), alias: alias(m)})
}

// ModelsUpdated is sent immediately after every runner_* event (spec §4.9:
// "since model availability is a function of connected runners").
type ModelsUpdated struct {
	Models []string `json:"models"`
}

func (ModelsUpdated) MessageType() string { return "models_updated" }
func (m ModelsUpdated) MarshalJSON() ([]byte, error) {
	return json.Marshal(struct {
		Type   string   `json:"type"`
		Models []string `json:"models"`
	}{Type: m.MessageType(), Models: m.Models})
}
