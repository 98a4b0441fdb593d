package proxy

import (
	"archive/tar"
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/cc-warren/agency/pkg/types"
)

const (
	connectorPath  = "/agency-connector.sh"
	descriptorPath = "/agency-descriptor.json"
)

// descriptorPayload is what the connector script reads: every input/output
// this batch declares, already secret-resolved by the caller.
type descriptorPayload struct {
	Direction string                            `json:"direction"` // "input" or "output"
	BatchID   string                            `json:"batchId"`
	Inputs    map[string]types.InputDescriptor  `json:"inputs,omitempty"`
	Outputs   map[string]types.OutputDescriptor `json:"outputs,omitempty"`
	CloudAuth string                            `json:"cloudAuth,omitempty"`
}

// connectorScript is the restricted-red-agent injected into stage-in/out
// containers. It is intentionally minimal: this rewrite's contract with the
// experiment image is that staging logic (protocol-specific fetch/push of
// each input/output's Access) lives in the image; the orchestrator's
// connector only validates the mounted volume is present and reports the
// closed agent-result variant that runStageContainer parses. Real
// protocol-specific staging is out of scope for this rewrite (Non-goal:
// storage/cloud connector implementations).
const connectorScript = `#!/bin/sh
set -e
if [ ! -d /cc ]; then
  echo '{"state":"failed","executed":false,"debugInfo":"shared volume /cc not mounted"}'
  exit 0
fi
echo '{"state":"succeeded","executed":true}'
`

// buildAgentArchive renders the connector script and its descriptor as a tar
// stream suitable for Driver.PutArchive at "/".
func buildAgentArchive(direction, batchID string, inputs map[string]types.InputDescriptor, outputs map[string]types.OutputDescriptor, cloudAuth string) (*bytes.Buffer, error) {
	desc := descriptorPayload{Direction: direction, BatchID: batchID, Inputs: inputs, Outputs: outputs, CloudAuth: cloudAuth}
	data, err := json.Marshal(desc)
	if err != nil {
		return nil, fmt.Errorf("encode descriptor: %w", err)
	}

	buf := &bytes.Buffer{}
	tw := tar.NewWriter(buf)
	now := time.Unix(0, 0)

	entries := []struct {
		name string
		mode int64
		data []byte
	}{
		{connectorPath, 0o755, []byte(connectorScript)},
		{descriptorPath, 0o644, data},
	}
	for _, e := range entries {
		hdr := &tar.Header{
			Name:    e.name,
			Mode:    e.mode,
			Size:    int64(len(e.data)),
			ModTime: now,
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, fmt.Errorf("tar header %s: %w", e.name, err)
		}
		if _, err := tw.Write(e.data); err != nil {
			return nil, fmt.Errorf("tar write %s: %w", e.name, err)
		}
	}
	if err := tw.Close(); err != nil {
		return nil, fmt.Errorf("close tar: %w", err)
	}
	return buf, nil
}

// agentResultFromStdout parses the last non-blank line of a connector's or
// execution container's stdout as the closed agent-result variant.
func agentResultFromStdout(stdout string) (*types.AgentResult, error) {
	line := lastNonBlankLine(stdout)
	if line == "" {
		return nil, fmt.Errorf("no agent result line in stdout")
	}
	var res types.AgentResult
	if err := json.Unmarshal([]byte(line), &res); err != nil {
		return nil, fmt.Errorf("invalid agent result JSON: %w", err)
	}
	if res.State != "succeeded" && res.State != "failed" {
		return nil, fmt.Errorf("agent result has unrecognised state %q", res.State)
	}
	return &res, nil
}

func lastNonBlankLine(s string) string {
	lines := strings.Split(s, "\n")
	for i := len(lines) - 1; i >= 0; i-- {
		if trimmed := strings.TrimSpace(lines[i]); trimmed != "" {
			return trimmed
		}
	}
	return ""
}
