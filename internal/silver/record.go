package silver

import (
	"encoding/json"

	pipelineerrors "github.com/ghlake/ghlake/internal/errors"
	"github.com/ghlake/ghlake/pkg/types"
)

// DiscardReason names why an archive record was dropped.
type DiscardReason string

const (
	ReasonMalformed    DiscardReason = "malformed"
	ReasonUnknownKind  DiscardReason = "unknown_kind"
	ReasonMissingField DiscardReason = "missing_field"
)

// rawEvent is the subset of an archive record the normalizer reads.
// Pointers distinguish an absent field from a zero value.
type rawEvent struct {
	Type *string `json:"type"`
	Repo *struct {
		ID   *int64  `json:"id"`
		Name *string `json:"name"`
	} `json:"repo"`
	Actor *struct {
		ID *int64 `json:"id"`
	} `json:"actor"`
	CreatedAt *string `json:"created_at"`
}

// ParseRecord decodes one archive line into a silver row. Records outside
// the allow-list or missing a required field return a PARSE error whose code
// names the reason.
func ParseRecord(line []byte) (types.NormalizedEvent, error) {
	var raw rawEvent
	if err := json.Unmarshal(line, &raw); err != nil {
		return types.NormalizedEvent{}, pipelineerrors.NewParseError(
			pipelineerrors.CodeMalformedRecord, "undecodable record", err)
	}
	if raw.Type == nil {
		return types.NormalizedEvent{}, missing("type")
	}
	if _, ok := types.ParseEventKind(*raw.Type); !ok {
		return types.NormalizedEvent{}, pipelineerrors.NewParseError(
			pipelineerrors.CodeUnknownKind, "unrecognized event type "+*raw.Type, nil)
	}

	switch {
	case raw.Repo == nil || raw.Repo.ID == nil:
		return types.NormalizedEvent{}, missing("repo.id")
	case raw.Repo.Name == nil:
		return types.NormalizedEvent{}, missing("repo.name")
	case raw.Actor == nil || raw.Actor.ID == nil:
		return types.NormalizedEvent{}, missing("actor.id")
	case raw.CreatedAt == nil:
		return types.NormalizedEvent{}, missing("created_at")
	}

	return types.NormalizedEvent{
		EventType: *raw.Type,
		RepoID:    *raw.Repo.ID,
		RepoName:  *raw.Repo.Name,
		ActorID:   *raw.Actor.ID,
		CreatedAt: *raw.CreatedAt,
	}, nil
}

func missing(field string) error {
	return pipelineerrors.NewParseError(pipelineerrors.CodeMissingField, "missing field "+field, nil)
}

// reasonFor maps a ParseRecord error to its discard reason.
func reasonFor(err error) DiscardReason {
	switch pipelineerrors.GetCode(err) {
	case pipelineerrors.CodeUnknownKind:
		return ReasonUnknownKind
	case pipelineerrors.CodeMissingField:
		return ReasonMissingField
	default:
		return ReasonMalformed
	}
}
