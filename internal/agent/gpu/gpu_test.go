package gpu

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCUDAVersion(t *testing.T) {
	banner := `+-----------------------------------------------------------------------------------------+
| NVIDIA-SMI 550.54.15              Driver Version: 550.54.15      CUDA Version: 12.4     |
|-----------------------------------------+------------------------+----------------------+`
	assert.Equal(t, "12.4", parseCUDAVersion(banner))
}

func TestParseCUDAVersionMissing(t *testing.T) {
	assert.Equal(t, "unknown", parseCUDAVersion("nvidia-smi has failed"))
	assert.Equal(t, "unknown", parseCUDAVersion(""))
	assert.Equal(t, "unknown", parseCUDAVersion("CUDA Version:     |"))
}

func TestMBToGB(t *testing.T) {
	assert.Equal(t, 24.0, mbToGB(24576))
	assert.Equal(t, 23.99, mbToGB(24566))
	assert.Equal(t, 0.0, mbToGB(0))
	assert.Equal(t, 80.0, mbToGB(81920))
}

func TestFirstLine(t *testing.T) {
	assert.Equal(t, "NVIDIA GeForce RTX 4090", firstLine("NVIDIA GeForce RTX 4090\n"))
	assert.Equal(t, "A100-SXM4-80GB", firstLine("  A100-SXM4-80GB  \nsecond gpu\n"))
	assert.Equal(t, "", firstLine("   \n"))
}
