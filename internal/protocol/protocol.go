// Package protocol defines the JSON text frames exchanged between an
// agent and the hub, and the codec for the tagged unions in both
// directions. Every frame carries a "type" discriminator in snake_case.
package protocol

import (
	"encoding/json"
	"fmt"
	"net/netip"
	"time"

	"github.com/google/uuid"
)

// Wire discriminator values.
const (
	TypeRegister     = "register"
	TypeHeartbeatAck = "heartbeat_ack"
	TypeRegisterAck  = "register_ack"
	TypeHeartbeat    = "heartbeat"
	TypeError        = "error"
)

// AgentMessage is a frame sent from an agent to the hub.
type AgentMessage interface{ agentMessage() }

// HubMessage is a frame sent from the hub to an agent.
type HubMessage interface{ hubMessage() }

// Register is the first frame of every session. It carries the agent's
// identity; the hub answers with RegisterAck or Error.
type Register struct {
	CorrelationID      uuid.UUID  `json:"correlation_id"`
	Provider           Provider   `json:"provider"`
	ProviderInstanceID string     `json:"provider_instance_id"`
	Hostname           string     `json:"hostname"`
	GPUInfo            GPUInfo    `json:"gpu_info"`
	TailscaleIP        netip.Addr `json:"tailscale_ip"`
	AgentVersion       string     `json:"agent_version"`
}

// HeartbeatAck answers a Heartbeat with the same correlation id.
type HeartbeatAck struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
}

// RegisterAck acknowledges a Register and assigns the agent id.
type RegisterAck struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	AgentID       uuid.UUID `json:"agent_id"`
	RegisteredAt  time.Time `json:"registered_at"`
	HubVersion    string    `json:"hub_version"`
}

// Heartbeat is the hub-initiated liveness ping. Sequence numbers are
// per-agent, strictly increasing from 1 within one session.
type Heartbeat struct {
	CorrelationID uuid.UUID `json:"correlation_id"`
	Timestamp     time.Time `json:"timestamp"`
	Sequence      uint64    `json:"sequence"`
}

// Error reports a protocol or registration failure to the agent.
type Error struct {
	Message       string     `json:"message"`
	Code          string     `json:"code"`
	CorrelationID *uuid.UUID `json:"correlation_id,omitempty"`
}

func (*Register) agentMessage()     {}
func (*HeartbeatAck) agentMessage() {}

func (*RegisterAck) hubMessage() {}
func (*Heartbeat) hubMessage()   {}
func (*Error) hubMessage()       {}

// Error codes carried in Error frames.
const (
	CodeUnknownMessage     = "unknown_message"
	CodeRegistrationFailed = "registration_failed"
)

// UnknownMessageError is returned by the decoders when a frame carries
// a missing or unrecognized "type" tag.
type UnknownMessageError struct {
	Type string
}

func (e *UnknownMessageError) Error() string {
	if e.Type == "" {
		return "message has no type tag"
	}
	return fmt.Sprintf("unknown message type %q", e.Type)
}

type envelope struct {
	Type string `json:"type"`
}

// EncodeAgentMessage serializes an agent→hub frame with its type tag.
func EncodeAgentMessage(m AgentMessage) ([]byte, error) {
	switch v := m.(type) {
	case *Register:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Register
		}{TypeRegister, v})
	case *HeartbeatAck:
		return json.Marshal(struct {
			Type string `json:"type"`
			*HeartbeatAck
		}{TypeHeartbeatAck, v})
	default:
		return nil, fmt.Errorf("encode agent message: unsupported type %T", m)
	}
}

// DecodeAgentMessage parses an agent→hub frame. An unrecognized type
// tag yields an *UnknownMessageError.
func DecodeAgentMessage(data []byte) (AgentMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode agent message: %w", err)
	}
	switch env.Type {
	case TypeRegister:
		var m Register
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode register: %w", err)
		}
		return &m, nil
	case TypeHeartbeatAck:
		var m HeartbeatAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode heartbeat_ack: %w", err)
		}
		return &m, nil
	default:
		return nil, &UnknownMessageError{Type: env.Type}
	}
}

// EncodeHubMessage serializes a hub→agent frame with its type tag.
func EncodeHubMessage(m HubMessage) ([]byte, error) {
	switch v := m.(type) {
	case *RegisterAck:
		return json.Marshal(struct {
			Type string `json:"type"`
			*RegisterAck
		}{TypeRegisterAck, v})
	case *Heartbeat:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Heartbeat
		}{TypeHeartbeat, v})
	case *Error:
		return json.Marshal(struct {
			Type string `json:"type"`
			*Error
		}{TypeError, v})
	default:
		return nil, fmt.Errorf("encode hub message: unsupported type %T", m)
	}
}

// DecodeHubMessage parses a hub→agent frame. An unrecognized type tag
// yields an *UnknownMessageError.
func DecodeHubMessage(data []byte) (HubMessage, error) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, fmt.Errorf("decode hub message: %w", err)
	}
	switch env.Type {
	case TypeRegisterAck:
		var m RegisterAck
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode register_ack: %w", err)
		}
		return &m, nil
	case TypeHeartbeat:
		var m Heartbeat
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode heartbeat: %w", err)
		}
		return &m, nil
	case TypeError:
		var m Error
		if err := json.Unmarshal(data, &m); err != nil {
			return nil, fmt.Errorf("decode error: %w", err)
		}
		return &m, nil
	default:
		return nil, &UnknownMessageError{Type: env.Type}
	}
}
