//go:build yzma

package cli

import _ "EdgeLLM/internal/backend/llamacpp"
