package pricing

import (
	"fmt"
	"os"

	"github.com/drone/envsubst"
	"gopkg.in/yaml.v3"

	"github.com/example/ride-dispatch/internal/models"
)

// LoadTable reads a YAML tariff file. ${VAR} references are expanded from the
// environment before parsing, and classes missing from the file keep their
// default rates.
//
//	STANDARD:
//	  base_fare: ${STANDARD_BASE_FARE}
//	  per_km: 1000
func LoadTable(path string) (Table, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read pricing table: %w", err)
	}
	return ParseTable(raw)
}

func ParseTable(raw []byte) (Table, error) {
	expanded, err := envsubst.EvalEnv(string(raw))
	if err != nil {
		return nil, fmt.Errorf("expand pricing table: %w", err)
	}
	var parsed map[models.VehicleClass]Rate
	if err := yaml.Unmarshal([]byte(expanded), &parsed); err != nil {
		return nil, fmt.Errorf("parse pricing table: %w", err)
	}
	table := DefaultTable()
	for class, rate := range parsed {
		if !class.Valid() {
			return nil, fmt.Errorf("pricing table: unknown vehicle class %q", class)
		}
		if rate.BaseFare < 0 || rate.PerKm < 0 || rate.PerMinute < 0 || rate.MinimumFare < 0 {
			return nil, fmt.Errorf("pricing table: negative rate for %s", class)
		}
		table[class] = rate
	}
	return table, nil
}
