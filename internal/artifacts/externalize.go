package artifacts

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/relayforge/orchestrator/pkg/models"
)

// Externalizer moves oversized tool outputs out of the conversation and
// into Store, replacing them with a fixed-format marker that downstream
// readers resolve back to the bytes.
type Externalizer struct {
	store Store
}

// NewExternalizer wraps a Store for marker generation.
func NewExternalizer(store Store) *Externalizer {
	return &Externalizer{store: store}
}

// MaybeExternalize inlines data as-is if it fits under MaxInlineDataBytes;
// otherwise it is written to Store and a
// "[TOOL_OUTPUT:artifact_id=<id>,tool=<name>,bytes=<n>]" marker is returned
// in its place, along with the artifact record for the event/audit trail.
func (e *Externalizer) MaybeExternalize(ctx context.Context, ownerID, toolName string, data []byte) (content string, artifact *models.ToolOutputArtifact, err error) {
	if int64(len(data)) <= MaxInlineDataBytes {
		return string(data), nil, nil
	}

	artifactID := uuid.NewString()
	reference, err := e.store.Put(ctx, artifactID, bytes.NewReader(data), PutOptions{
		MimeType: "text/plain",
		Metadata: map[string]string{"owner": ownerID, "tool": toolName},
	})
	if err != nil {
		return "", nil, fmt.Errorf("externalize tool output: %w", err)
	}

	marker := fmt.Sprintf("[TOOL_OUTPUT:artifact_id=%s,tool=%s,bytes=%d]", artifactID, toolName, len(data))
	return marker, &models.ToolOutputArtifact{
		ArtifactID: artifactID,
		Owner:      ownerID,
		ToolName:   toolName,
		Bytes:      int64(len(data)),
		Path:       reference,
		CreatedAt:  time.Now(),
	}, nil
}
