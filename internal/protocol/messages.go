// Package protocol defines the MQTT message envelope and payload schemas
// shared between the agent and the master, and the topic names they are
// published and subscribed on.
package protocol

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Message is the envelope for every payload on the bus. Kind names the
// payload schema; handlers discriminate on it before parsing Payload.
type Message struct {
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

// NewMessage serializes payload and wraps it in an envelope of the given kind.
func NewMessage(kind string, payload any) (*Message, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}
	return &Message{Kind: kind, Payload: data}, nil
}

// ParsePayload unmarshals the envelope's payload into target.
func (m *Message) ParsePayload(target any) error {
	return json.Unmarshal(m.Payload, target)
}

// Topics.
const (
	TopicRegister    = "system/register"
	TopicHeartbeat   = "system/heartbeat"
	TopicLogWildcard = "log/+"
	cmdTopicPrefix   = "cmd/"
	logTopicPrefix   = "log/"
)

// TopicCmd returns the per-node command topic for nodeID.
func TopicCmd(nodeID string) string {
	return cmdTopicPrefix + nodeID
}

// TopicLog returns the per-node log topic for nodeID.
func TopicLog(nodeID string) string {
	return logTopicPrefix + nodeID
}

// NodeIDFromLogTopic extracts the node ID from a concrete log/<node_id>
// topic, as delivered by a log/+ wildcard subscription.
func NodeIDFromLogTopic(topic string) (string, bool) {
	nodeID, ok := strings.CutPrefix(topic, logTopicPrefix)
	if !ok || nodeID == "" || strings.Contains(nodeID, "/") {
		return "", false
	}
	return nodeID, true
}

// MatchTopic reports whether topic matches pattern, which may contain a
// single-level '+' wildcard per path segment.
func MatchTopic(pattern, topic string) bool {
	pSegs := strings.Split(pattern, "/")
	tSegs := strings.Split(topic, "/")
	if len(pSegs) != len(tSegs) {
		return false
	}
	for i, p := range pSegs {
		if p != "+" && p != tSegs[i] {
			return false
		}
	}
	return true
}

// Message kinds.
const (
	KindRegisterReq = "register_req"
	KindRegisterAck = "register_ack"
	KindRegisterNak = "register_nak"
	KindHeartbeat   = "heartbeat"
	KindCmd         = "cmd"
	KindLogLine     = "log_line"
	KindCmdDone     = "cmd_done"
)

// Stream names for LogLinePayload.Stream.
const (
	StreamStdout = "stdout"
	StreamStderr = "stderr"
)

// Node statuses, mirrored in the store.
const (
	StatusOffline = "offline"
	StatusOnline  = "online"
	StatusIdle    = "idle"
	StatusBusy    = "busy"
)

// RegisterReqPayload is published by an agent (system/register) to
// announce or re-announce itself.
type RegisterReqPayload struct {
	NodeName  string  `json:"node_name"`
	SecretKey string  `json:"secret_key"`
	IP        string  `json:"ip"`
	Timestamp float64 `json:"timestamp"`
}

// RegisterAckPayload is published by the master (system/register) to
// confirm registration and hand the agent its assigned identity.
type RegisterAckPayload struct {
	NodeID  string `json:"node_id"`
	Message string `json:"message"`
}

// RegisterNakPayload is published by the master when registration is refused.
type RegisterNakPayload struct {
	Reason string `json:"reason"`
}

// HeartbeatPayload is published by an agent (system/heartbeat) periodically.
type HeartbeatPayload struct {
	NodeID     string  `json:"node_id"`
	Status     string  `json:"status"`
	CPUPercent float64 `json:"cpu_percent"`
	MemPercent float64 `json:"mem_percent"`
	Timestamp  float64 `json:"timestamp"`
}

// CmdPayload is published by the master (cmd/<node_id>) to dispatch a command.
type CmdPayload struct {
	ExecID    string  `json:"exec_id"`
	Command   string  `json:"command"`
	Timestamp float64 `json:"timestamp"`
}

// LogLinePayload is published by an agent (log/<node_id>) for each line of
// subprocess output.
type LogLinePayload struct {
	ExecID    string  `json:"exec_id"`
	NodeID    string  `json:"node_id"`
	Stream    string  `json:"stream"`
	Line      string  `json:"line"`
	Timestamp float64 `json:"timestamp"`
}

// CmdDonePayload is published by an agent (log/<node_id>) once the
// dispatched subprocess has exited.
type CmdDonePayload struct {
	ExecID    string  `json:"exec_id"`
	NodeID    string  `json:"node_id"`
	ExitCode  int     `json:"exit_code"`
	Timestamp float64 `json:"timestamp"`
}

// ErrUnknownKind describes a message whose Kind does not match any known
// payload schema. No function in this package returns it.
type ErrUnknownKind struct {
	Kind string
}

func (e *ErrUnknownKind) Error() string {
	return fmt.Sprintf("protocol: unknown message kind %q", e.Kind)
}
