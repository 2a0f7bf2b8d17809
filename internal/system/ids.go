// Package system provides id generation helpers, following the
// generate-by-prefix convention the teacher uses throughout
// (system.GenerateSessionID, system.GenerateAppID, ...).
package system

import (
	"strings"

	"github.com/google/uuid"
)

func generate(prefix string) string {
	return prefix + strings.ReplaceAll(uuid.New().String(), "-", "")[:20]
}

// GenerateConnectionID returns a fresh opaque id for a websocket binding.
func GenerateConnectionID() string {
	return generate("conn_")
}

// GenerateJobID returns a fresh id for a workflow run (C8).
func GenerateJobID() string {
	return generate("job_")
}

// GenerateVersionRunID returns a fresh id correlating a frameset publication
// attempt across retries of the same logical workflow.
func GenerateVersionRunID() string {
	return generate("run_")
}
