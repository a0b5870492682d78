package store

import (
	"encoding/json"
	"fmt"
	"time"
)

type User struct {
	ID          string
	DisplayName string
	CreatedAt   time.Time
}

// Estimation is the opaque quality payload produced by the scorer. Only
// "overall" has a meaning to the service.
type Estimation map[string]any

// Overall returns the overall score when present and numeric.
func (e Estimation) Overall() (float64, bool) {
	if e == nil {
		return 0, false
	}
	switch value := e["overall"].(type) {
	case float64:
		return value, true
	case int:
		return float64(value), true
	case int64:
		return float64(value), true
	case json.Number:
		parsed, err := value.Float64()
		return parsed, err == nil
	default:
		return 0, false
	}
}

// ParseEstimation decodes a JSON object into an Estimation.
func ParseEstimation(raw []byte) (Estimation, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var estimation Estimation
	if err := json.Unmarshal(raw, &estimation); err != nil {
		return nil, fmt.Errorf("decode estimation: %w", err)
	}
	return estimation, nil
}

// Revision is one recorded change of a session's feature document.
type Revision struct {
	ID            int64
	UserID        string
	SessionID     string
	FeatureBefore string
	FeatureAfter  string
	UserMessage   string
	Comment       *string
	Estimation    Estimation
	CreatedAt     time.Time
}

// NewRevision is the input of AppendRevision.
type NewRevision struct {
	UserID        string
	SessionID     string
	FeatureBefore string
	FeatureAfter  string
	UserMessage   string
	Comment       string
	Estimation    Estimation
}
