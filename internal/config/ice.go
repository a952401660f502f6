package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/pion/stun/v3"
	"github.com/pion/webrtc/v4"
)

const (
	envICEServersJSON = "AERO_CALL_RELAY_ICE_SERVERS_JSON"

	envStunURLs       = "AERO_CALL_RELAY_STUN_URLS"
	envTurnURLs       = "AERO_CALL_RELAY_TURN_URLS"
	envTurnUsername   = "AERO_CALL_RELAY_TURN_USERNAME"
	envTurnCredential = "AERO_CALL_RELAY_TURN_CREDENTIAL"
)

// parseICEServersFromValues builds the ICE servers handed to call parties.
// The JSON form wins over the convenience variables. With dynamicTURN set,
// TURN entries may omit credentials; they are minted per request.
func parseICEServersFromValues(iceServersJSON, stunURLs, turnURLs, turnUsername, turnCredential string, dynamicTURN bool) ([]webrtc.ICEServer, error) {
	if raw := strings.TrimSpace(iceServersJSON); raw != "" {
		servers, err := parseICEServersJSON(raw, dynamicTURN)
		if err != nil {
			return nil, fmt.Errorf("%s: %w", envICEServersJSON, err)
		}
		return servers, nil
	}
	return parseConvenience(stunURLs, turnURLs, turnUsername, turnCredential, dynamicTURN)
}

type iceServerJSON struct {
	URLs       urlList `json:"urls"`
	Username   string  `json:"username,omitempty"`
	Credential string  `json:"credential,omitempty"`
}

// urlList accepts both the string and the array form of RTCIceServer.urls.
type urlList []string

func (l *urlList) UnmarshalJSON(b []byte) error {
	var one string
	if err := json.Unmarshal(b, &one); err == nil {
		*l = urlList{one}
		return nil
	}
	var many []string
	if err := json.Unmarshal(b, &many); err != nil {
		return errors.New("urls must be a string or an array of strings")
	}
	*l = many
	return nil
}

// ParseICEServersJSON parses an RTCIceServer array.
func ParseICEServersJSON(raw string) ([]webrtc.ICEServer, error) {
	return parseICEServersJSON(raw, false)
}

func parseICEServersJSON(raw string, dynamicTURN bool) ([]webrtc.ICEServer, error) {
	var entries []iceServerJSON
	if err := json.Unmarshal([]byte(raw), &entries); err != nil {
		return nil, err
	}

	servers := make([]webrtc.ICEServer, 0, len(entries))
	for i, entry := range entries {
		server := webrtc.ICEServer{
			URLs:     splitCommaSeparated(strings.Join(entry.URLs, ",")),
			Username: strings.TrimSpace(entry.Username),
		}
		if cred := strings.TrimSpace(entry.Credential); cred != "" {
			server.Credential = cred
		}
		if err := validateICEServer(server, dynamicTURN); err != nil {
			return nil, fmt.Errorf("iceServers[%d]: %w", i, err)
		}
		servers = append(servers, server)
	}
	return servers, nil
}

// ParseICEServersFromConvenienceEnv builds at most one STUN and one TURN entry
// from comma-separated URL lists.
func ParseICEServersFromConvenienceEnv(stunURLs, turnURLs, turnUsername, turnCredential string) ([]webrtc.ICEServer, error) {
	return parseConvenience(stunURLs, turnURLs, turnUsername, turnCredential, false)
}

func parseConvenience(stunURLs, turnURLs, turnUsername, turnCredential string, dynamicTURN bool) ([]webrtc.ICEServer, error) {
	var servers []webrtc.ICEServer

	if urls := splitCommaSeparated(stunURLs); len(urls) > 0 {
		server := webrtc.ICEServer{URLs: urls}
		if err := validateICEServer(server, false); err != nil {
			return nil, fmt.Errorf("%s: %w", envStunURLs, err)
		}
		servers = append(servers, server)
	}

	if urls := splitCommaSeparated(turnURLs); len(urls) > 0 {
		turnUsername = strings.TrimSpace(turnUsername)
		turnCredential = strings.TrimSpace(turnCredential)
		if !dynamicTURN && (turnUsername == "" || turnCredential == "") {
			return nil, fmt.Errorf("%s/%s: both must be set when %s is set", envTurnUsername, envTurnCredential, envTurnURLs)
		}
		server := webrtc.ICEServer{URLs: urls, Username: turnUsername}
		if turnCredential != "" {
			server.Credential = turnCredential
		}
		if err := validateICEServer(server, dynamicTURN); err != nil {
			return nil, fmt.Errorf("%s: %w", envTurnURLs, err)
		}
		servers = append(servers, server)
	}

	return servers, nil
}

func splitCommaSeparated(value string) []string {
	var out []string
	for _, part := range strings.Split(value, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// IsTURN reports whether server has at least one turn: or turns: URL.
func IsTURN(server webrtc.ICEServer) bool {
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err == nil && (uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS) {
			return true
		}
	}
	return false
}

func validateICEServer(server webrtc.ICEServer, dynamicTURN bool) error {
	if len(server.URLs) == 0 {
		return errors.New("missing urls")
	}

	needsCreds := false
	for _, raw := range server.URLs {
		uri, err := stun.ParseURI(raw)
		if err != nil {
			return fmt.Errorf("invalid ice url %q: %w", raw, err)
		}
		if uri.Scheme == stun.SchemeTypeTURN || uri.Scheme == stun.SchemeTypeTURNS {
			needsCreds = true
		}
	}
	if !needsCreds || dynamicTURN {
		return nil
	}

	if server.Username == "" {
		return errors.New("turn urls require username")
	}
	if cred, ok := server.Credential.(string); !ok || cred == "" {
		return errors.New("turn urls require credential")
	}
	return nil
}
