package selection

import (
	"encoding/json"
	"fmt"

	"github.com/ashureev/study-federation/internal/domain"
)

// parseIDs reads a selection list. Both a plain array of ids and an array
// of objects carrying the id under "athroId", "athro_id" or "id" are
// accepted; the onboarding surface has written both shapes.
func parseIDs(raw []byte) ([]string, error) {
	if len(raw) == 0 {
		return nil, nil
	}
	var items []json.RawMessage
	if err := json.Unmarshal(raw, &items); err != nil {
		return nil, fmt.Errorf("decode selection list: %w", err)
	}

	ids := make([]string, 0, len(items))
	for _, item := range items {
		var s string
		if err := json.Unmarshal(item, &s); err == nil {
			ids = append(ids, s)
			continue
		}
		var obj struct {
			AthroID  string `json:"athroId"`
			AthroID2 string `json:"athro_id"`
			ID       string `json:"id"`
		}
		if err := json.Unmarshal(item, &obj); err != nil {
			return nil, fmt.Errorf("decode selection item: %w", err)
		}
		for _, id := range []string{obj.AthroID, obj.AthroID2, obj.ID} {
			if id != "" {
				ids = append(ids, id)
				break
			}
		}
	}
	return ids, nil
}

// parseLevels reads confidence levels, either as an id-to-level object or
// as an array of {athroId, level} records. Unknown levels are skipped.
func parseLevels(raw []byte) (map[string]domain.ConfidenceLevel, error) {
	out := make(map[string]domain.ConfidenceLevel)
	if len(raw) == 0 {
		return out, nil
	}

	var byID map[string]string
	if err := json.Unmarshal(raw, &byID); err == nil {
		for id, level := range byID {
			addLevel(out, id, level)
		}
		return out, nil
	}

	var records []struct {
		AthroID string `json:"athroId"`
		Level   string `json:"level"`
	}
	if err := json.Unmarshal(raw, &records); err != nil {
		return nil, fmt.Errorf("decode confidence levels: %w", err)
	}
	for _, r := range records {
		addLevel(out, r.AthroID, r.Level)
	}
	return out, nil
}

func addLevel(out map[string]domain.ConfidenceLevel, id, level string) {
	id = domain.CanonicalAthroID(id)
	if id == "" {
		return
	}
	l, err := domain.ParseConfidence(level)
	if err != nil || l == domain.ConfidenceUnset {
		return
	}
	out[id] = l
}
