package controlplane

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/dandantas/lookout/internal/model"
)

// scheduleRow is one entry of GET /test-schedule
type scheduleRow struct {
	FeatureID    string  `json:"feature_id"`
	EngineType   string  `json:"engine_type"`
	TestInterval flexInt `json:"test_interval"`
	Region       string  `json:"region"`
}

func (r scheduleRow) toModel() model.CheckSchedule {
	return model.CheckSchedule{
		CheckID:         r.FeatureID,
		ExecutionKind:   r.EngineType,
		IntervalMinutes: int(r.TestInterval),
		Region:          r.Region,
	}
}

// maintenanceEntry is one entry of GET /maintenance
type maintenanceEntry struct {
	FeatureID string `json:"feature_id"`
}

// flexInt accepts a JSON number or a numeric string
type flexInt int

func (f *flexInt) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if bytes.Equal(data, []byte("null")) {
		*f = 0
		return nil
	}

	raw := strings.Trim(string(data), `"`)
	if n, err := strconv.Atoi(raw); err == nil {
		*f = flexInt(n)
		return nil
	}

	var fl float64
	if err := json.Unmarshal([]byte(raw), &fl); err != nil {
		return fmt.Errorf("invalid interval %s", data)
	}
	*f = flexInt(fl)
	return nil
}
