package protocol

import "fmt"

// Provider identifies the cloud platform an agent instance runs on.
type Provider string

const (
	ProviderVastAI Provider = "vastai"
	ProviderRunpod Provider = "runpod"
	ProviderLocal  Provider = "local"
)

// ParseProvider converts a wire/config string into a Provider.
func ParseProvider(s string) (Provider, error) {
	switch Provider(s) {
	case ProviderVastAI, ProviderRunpod, ProviderLocal:
		return Provider(s), nil
	}
	return "", fmt.Errorf("unknown provider %q", s)
}

// AgentStatus is the persisted operational state of an agent record.
// Error and Terminated are terminal; records never transition back out
// of them.
type AgentStatus string

const (
	StatusRegistering AgentStatus = "registering"
	StatusReady       AgentStatus = "ready"
	StatusRunning     AgentStatus = "running"
	StatusIdle        AgentStatus = "idle"
	StatusError       AgentStatus = "error"
	StatusTerminated  AgentStatus = "terminated"
)

// Terminal reports whether the status is a terminal state.
func (s AgentStatus) Terminal() bool {
	return s == StatusError || s == StatusTerminated
}

// GPUInfo describes the GPU an agent reports at registration.
type GPUInfo struct {
	Name              string  `json:"name"`
	MemoryGB          float64 `json:"memory_gb"`
	CUDAVersion       string  `json:"cuda_version"`
	ComputeCapability string  `json:"compute_capability,omitempty"`
}
