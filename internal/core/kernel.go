// Package core implements the backend-independent kernel provisioner:
// the lifecycle state machine, launch-command preparation, connection
// info handling, comm-port signaling, and the interfaces through which
// placement backends, the response manager, and the tunnel supervisor
// are injected.
package core

import (
	"encoding/json"
	"strconv"
)

// Channel identifies one of the kernel's connection channels. The five
// ZMQ-style channels carry kernel traffic; the communication channel is
// an out-of-band TCP port exposed by the launcher for signal/shutdown
// requests.
type Channel string

const (
	ChannelShell     Channel = "SHELL"
	ChannelIOPub     Channel = "IOPUB"
	ChannelStdin     Channel = "STDIN"
	ChannelHeartbeat Channel = "HB"
	ChannelControl   Channel = "CONTROL"
	ChannelComm      Channel = "GP_COMM"
)

// ZMQChannels lists the tunneled kernel channels in connection-info
// port order (shell, iopub, stdin, hb, control).
var ZMQChannels = [5]Channel{ChannelShell, ChannelIOPub, ChannelStdin, ChannelHeartbeat, ChannelControl}

// portKeys maps each ZMQ channel position to its connection-info key.
var portKeys = [5]string{"shell_port", "iopub_port", "stdin_port", "hb_port", "control_port"}

// KernelSpec describes how a kernel is launched: the argv template
// (with {kernel_id}, {response_address}, {public_key} and {port_range}
// placeholders), the spec-provided environment, and display metadata.
type KernelSpec struct {
	Argv        []string          `json:"argv"`
	Env         map[string]string `json:"env,omitempty"`
	DisplayName string            `json:"display_name"`
	Language    string            `json:"language"`
}

// ConnectionInfo is the decrypted payload the launcher reports back:
// the five kernel ports, the signing key, and optional process and
// comm-port details. It is kept as a loosely-typed map since launchers
// may include additional fields that must round-trip untouched.
type ConnectionInfo map[string]any

// IP returns the connection address.
func (ci ConnectionInfo) IP() string { return stringField(ci, "ip") }

// Port returns the named port field, 0 when absent or malformed.
func (ci ConnectionInfo) Port(key string) int { return intField(ci, key) }

// KernelID returns the kernel identifier embedded in the payload.
func (ci ConnectionInfo) KernelID() string { return stringField(ci, "kernel_id") }

// Clone returns a shallow copy.
func (ci ConnectionInfo) Clone() ConnectionInfo {
	clone := make(ConnectionInfo, len(ci))
	for k, v := range ci {
		clone[k] = v
	}
	return clone
}

// ProvisionerInfo is the serialized state needed to survive a gateway
// restart. BackendHandle carries the backend-specific placement handle
// (application id, pod name and namespace, or container name).
type ProvisionerInfo struct {
	KernelID            string         `json:"kernel_id"`
	PID                 int            `json:"pid"`
	PGID                int            `json:"pgid"`
	IP                  string         `json:"ip"`
	AssignedIP          string         `json:"assigned_ip"`
	AssignedHost        string         `json:"assigned_host"`
	CommIP              string         `json:"comm_ip"`
	CommPort            int            `json:"comm_port"`
	TunneledConnectInfo ConnectionInfo `json:"tunneled_connect_info,omitempty"`
	BackendHandle       map[string]any `json:"backend_handle,omitempty"`
}

func stringField(m map[string]any, key string) string {
	if v, ok := m[key]; ok {
		if s, ok := v.(string); ok {
			return s
		}
	}
	return ""
}

// intField tolerates the numeric representations that JSON decoding
// and launchers produce: float64, int, and numeric strings.
func intField(m map[string]any, key string) int {
	switch v := m[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case json.Number:
		n, _ := v.Int64()
		return int(n)
	case string:
		n, _ := strconv.Atoi(v)
		return n
	}
	return 0
}
