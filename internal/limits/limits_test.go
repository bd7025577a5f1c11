package limits

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCheckUsageWarning(t *testing.T) {
	cases := []struct {
		name      string
		current   int
		limit     int
		threshold int
		want      bool
	}{
		{"well under threshold", 10, 50, 80, false},
		{"just under threshold", 39, 50, 80, false},
		{"exactly at threshold", 40, 50, 80, true},
		{"over threshold", 45, 50, 80, true},
		{"at limit", 50, 50, 80, true},
		{"over limit", 55, 50, 80, true},
		{"zero limit never warns", 100, 0, 80, false},
		{"negative limit never warns", 100, -1, 80, false},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			w := CheckUsageWarning("api_keys", tc.current, tc.limit, tc.threshold)
			if !tc.want {
				assert.Nil(t, w)
				return
			}
			require.NotNil(t, w)
			assert.Equal(t, "api_keys", w.Resource)
			assert.Equal(t, tc.current, w.Current)
			assert.Equal(t, tc.limit, w.Limit)
			assert.GreaterOrEqual(t, w.Remaining, 0)
			assert.NotEmpty(t, w.Message)
		})
	}
}

func TestCheckUsageWarning_Fields(t *testing.T) {
	w := CheckUsageWarning("webhooks", 45, 50, 80)
	require.NotNil(t, w)
	assert.Equal(t, 5, w.Remaining)
	assert.Equal(t, 90, w.Percentage)
}

func TestCheckBatchSize(t *testing.T) {
	assert.NoError(t, CheckBatchSize("locations", 50, MaxBatchLocations))
	assert.Error(t, CheckBatchSize("locations", 51, MaxBatchLocations))
	assert.NoError(t, CheckBatchSize("devices", 200, MaxBulkImportDevices))
	assert.Error(t, CheckBatchSize("devices", 201, MaxBulkImportDevices))
}

func TestCheckRadius(t *testing.T) {
	assert.NoError(t, CheckRadius("proximity alert", 50, MinProximityRadiusM, MaxProximityRadiusM))
	assert.NoError(t, CheckRadius("proximity alert", 100_000, MinProximityRadiusM, MaxProximityRadiusM))
	assert.Error(t, CheckRadius("proximity alert", 49, MinProximityRadiusM, MaxProximityRadiusM))
	assert.Error(t, CheckRadius("proximity alert", 100_001, MinProximityRadiusM, MaxProximityRadiusM))

	assert.NoError(t, CheckRadius("geofence", 20, MinUserGeofenceRadius, MaxUserGeofenceRadius))
	assert.Error(t, CheckRadius("geofence", 19, MinUserGeofenceRadius, MaxUserGeofenceRadius))
	assert.Error(t, CheckRadius("geofence", 50_001, MinUserGeofenceRadius, MaxUserGeofenceRadius))
}

func TestCheckHardCap(t *testing.T) {
	assert.NoError(t, CheckHardCap("API keys", 49, 50))
	assert.Error(t, CheckHardCap("API keys", 50, 50))
	assert.Error(t, CheckHardCap("API keys", 51, 50))
	assert.NoError(t, CheckHardCap("API keys", 1000, 0)) // zero cap = unlimited
}
