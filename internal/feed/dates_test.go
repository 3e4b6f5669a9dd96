package feed

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patient-timeline-engine/internal/domain"
)

func TestParseDate(t *testing.T) {
	tests := []struct {
		name      string
		raw       string
		hint      string
		want      time.Time
		precision domain.DatePrecision
	}{
		{"ISO day", "2021-03-15", "", time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC), domain.PrecisionDay},
		{"RFC3339", "2021-03-15T10:30:00Z", "", time.Date(2021, 3, 15, 10, 30, 0, 0, time.UTC), domain.PrecisionDay},
		{"timestamp with space", "2021-03-15 08:00:00", "", time.Date(2021, 3, 15, 8, 0, 0, 0, time.UTC), domain.PrecisionDay},
		{"US slash", "03/15/2021", "", time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC), domain.PrecisionDay},
		{"month only", "2021-03", "", time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC), domain.PrecisionMonth},
		{"year only", "2021", "", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), domain.PrecisionYear},
		{"hint coarsens", "2021-03-15", "month", time.Date(2021, 3, 1, 0, 0, 0, 0, time.UTC), domain.PrecisionMonth},
		{"hint cannot refine", "2021", "day", time.Date(2021, 1, 1, 0, 0, 0, 0, time.UTC), domain.PrecisionYear},
		{"offset keeps local day", "2024-01-10T20:00:00-05:00", "", time.Date(2024, 1, 10, 20, 0, 0, 0, time.UTC), domain.PrecisionDay},
		{"short offset keeps local day", "2024-01-10 23:30:00+09", "", time.Date(2024, 1, 10, 23, 30, 0, 0, time.UTC), domain.PrecisionDay},
		{"padded", "  2021-03-15 ", "", time.Date(2021, 3, 15, 0, 0, 0, 0, time.UTC), domain.PrecisionDay},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, precision, err := ParseDate(tt.raw, tt.hint)
			require.NoError(t, err)
			assert.True(t, tt.want.Equal(got), "want %v got %v", tt.want, got)
			assert.Equal(t, tt.precision, precision)
		})
	}
}

func TestParseDate_Malformed(t *testing.T) {
	for _, raw := range []string{"", "   ", "not a date", "2021-13-45", "15.03.2021"} {
		t.Run(raw, func(t *testing.T) {
			_, precision, err := ParseDate(raw, "")
			require.Error(t, err)
			assert.ErrorIs(t, err, domain.ErrMalformedDate)
			assert.Equal(t, domain.PrecisionUnknown, precision)
		})
	}
}
