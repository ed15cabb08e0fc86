package protocol

import (
	"bytes"
	"encoding/json"
)

// ClientVersion is reported to the server in status checks.
const ClientVersion = "0.5.0"

// Operation discriminators carried in the "opt" field.
const (
	OptStatus       = 0
	OptCommand      = 1
	OptConfig       = 3
	OptUpdateConfig = 4
	OptAuth         = 5
)

// Server status codes returned for OptStatus.
const (
	StatusReady           = 0
	StatusVersionMismatch = 1
	StatusAuthRequired    = 2
)

// Envelope is decoded first on the server side to route a line by its opt.
type Envelope struct {
	Opt int `json:"opt"`
}

// StatusRequest asks the server whether it is ready for this client version.
type StatusRequest struct {
	Opt     int    `json:"opt"`
	Version string `json:"ver"`
}

// StatusResponse answers a StatusRequest.
type StatusResponse struct {
	Opt    int `json:"opt"`
	Status int `json:"status"`
}

// AuthRequest is the first privileged message; the server answers with an AuthResponse.
type AuthRequest struct {
	Opt int    `json:"opt"`
	Sid string `json:"sid"`
}

// AuthResponse carries the auth flag and, when granted, the session token.
type AuthResponse struct {
	Opt   int    `json:"opt,omitempty"`
	Auth  Flag   `json:"auth"`
	Token string `json:"token,omitempty"`
}

// CommandRequest executes a macro on the server. Macro is transported as-is.
type CommandRequest struct {
	Opt   int    `json:"opt"`
	Token string `json:"token"`
	Macro any    `json:"macro"`
}

// ConfigUpdateRequest pushes a configuration blob to the server.
type ConfigUpdateRequest struct {
	Opt    int    `json:"opt"`
	Token  string `json:"token"`
	Config any    `json:"config"`
}

// Macro is the usual command payload: a named, ordered list of steps.
type Macro struct {
	Name  string `json:"name"`
	Steps []int  `json:"steps"`
}

// Flag is a boolean that accepts any JSON value and applies truthiness:
// false, null, 0, "", {} and [] are false; everything else is true.
type Flag bool

func (f *Flag) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	switch {
	case len(data) == 0, bytes.Equal(data, []byte("null")), bytes.Equal(data, []byte("false")), bytes.Equal(data, []byte(`""`)):
		*f = false
		return nil
	case bytes.Equal(data, []byte("true")):
		*f = true
		return nil
	}

	if data[0] == '-' || (data[0] >= '0' && data[0] <= '9') {
		var n float64
		if err := json.Unmarshal(data, &n); err != nil {
			return err
		}
		*f = n != 0
		return nil
	}

	switch data[0] {
	case '{':
		var obj map[string]json.RawMessage
		if err := json.Unmarshal(data, &obj); err != nil {
			return err
		}
		*f = len(obj) > 0
		return nil
	case '[':
		var arr []json.RawMessage
		if err := json.Unmarshal(data, &arr); err != nil {
			return err
		}
		*f = len(arr) > 0
		return nil
	}

	*f = true
	return nil
}

func (f Flag) MarshalJSON() ([]byte, error) {
	return json.Marshal(bool(f))
}
