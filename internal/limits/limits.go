// Package limits implements the usage guardrails: soft warnings as a
// quota fills up and hard caps that deny further creates.
package limits

import (
	"fmt"

	"github.com/pathmark/backend/internal/apperr"
)

// Hard cap defaults. Deployments can tighten these via config; the
// values here are the ceiling.
const (
	MaxAPIKeysPerOrg      = 50
	MaxWebhooksPerOrg     = 50
	MaxBulkImportDevices  = 200
	MaxBatchLocations     = 50
	MinProximityRadiusM   = 50
	MaxProximityRadiusM   = 100_000
	MinUserGeofenceRadius = 20
	MaxUserGeofenceRadius = 50_000
)

// Warning tells the caller a quota is nearly full. Embedded in mutation
// responses under a "warnings" key.
type Warning struct {
	Resource   string `json:"resource"`
	Current    int    `json:"current"`
	Limit      int    `json:"limit"`
	Remaining  int    `json:"remaining"`
	Percentage int    `json:"percentage"`
	Message    string `json:"message"`
}

// CheckUsageWarning returns a warning once current crosses the
// threshold percentage of limit, nil otherwise. A limit of zero means
// unlimited and never warns.
func CheckUsageWarning(resource string, current, limit, thresholdPct int) *Warning {
	if limit <= 0 {
		return nil
	}
	if current*100 < limit*thresholdPct {
		return nil
	}

	remaining := limit - current
	if remaining < 0 {
		remaining = 0
	}
	pct := current * 100 / limit

	return &Warning{
		Resource:   resource,
		Current:    current,
		Limit:      limit,
		Remaining:  remaining,
		Percentage: pct,
		Message:    fmt.Sprintf("You have used %d of %d %s (%d%%). %d remaining.", current, limit, resource, pct, remaining),
	}
}

// CheckBatchSize rejects a batch exceeding max with a validation error.
func CheckBatchSize(resource string, n, max int) error {
	if n > max {
		return apperr.Validation(fmt.Sprintf("too many %s in one request: %d (maximum %d)", resource, n, max))
	}
	return nil
}

// CheckRadius validates a geofence or proximity radius in meters.
func CheckRadius(kind string, radiusM, minM, maxM int) error {
	if radiusM < minM || radiusM > maxM {
		return apperr.Validation(fmt.Sprintf("%s radius must be between %dm and %dm, got %dm", kind, minM, maxM, radiusM))
	}
	return nil
}

// CheckHardCap denies a create that would exceed the cap.
func CheckHardCap(resource string, current, max int) error {
	if max > 0 && current >= max {
		return apperr.Validation(fmt.Sprintf("%s limit reached: %d of %d in use", resource, current, max))
	}
	return nil
}
