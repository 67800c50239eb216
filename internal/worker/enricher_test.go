package worker

import (
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-batch-ingester/internal/models"
)

func dec(s string) *decimal.Decimal {
	d := decimal.RequireFromString(s)
	return &d
}

func TestNormalizeValueRoundsHalfUp(t *testing.T) {
	cases := map[string]string{
		"1.23455":    "1.2346",
		"1.234549":   "1.2345",
		"1.234550":   "1.2346",
		"-1.23455":   "-1.2346",
		"2.00005":    "2.0001",
		"0.99999":    "1",
		"10.123":     "10.123",
		"7":          "7",
		"3.14159265": "3.1416",
	}
	for in, want := range cases {
		got := NormalizeValue(decimal.RequireFromString(in))
		assert.True(t, got.Equal(decimal.RequireFromString(want)), "%s -> %s, want %s", in, got, want)
		assert.GreaterOrEqual(t, got.Exponent(), int32(-4), in)
	}
}

func TestNormalizeValueKeepsShortScale(t *testing.T) {
	assert.Equal(t, "10.12", NormalizeValue(decimal.RequireFromString("10.12")).String())
}

func TestRecordHashIsPureFunctionOfKeyFields(t *testing.T) {
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)
	other := ts.Add(time.Second)

	h := RecordHash("ext-1", "A", &ts)
	assert.Len(t, h, 64)
	assert.Equal(t, h, RecordHash("ext-1", "A", &ts))
	same := ts.In(time.FixedZone("CET", 3600))
	assert.Equal(t, h, RecordHash("ext-1", "A", &same))

	assert.NotEqual(t, h, RecordHash("ext-2", "A", &ts))
	assert.NotEqual(t, h, RecordHash("ext-1", "B", &ts))
	assert.NotEqual(t, h, RecordHash("ext-1", "A", &other))
	assert.NotEqual(t, h, RecordHash("ext-1", "A", nil))
}

func TestEnrichRejectsInvalidRecords(t *testing.T) {
	e := NewEnricher("job-1", 3)

	_, err := e.Enrich(models.RawRecord{Line: 5, Name: "  ", Value: dec("1")})
	var ve *ValidationError
	require.ErrorAs(t, err, &ve)
	assert.EqualValues(t, 5, ve.Line)
	assert.True(t, IsSkippable(err))
	assert.False(t, IsTransient(err))

	_, err = e.Enrich(models.RawRecord{Line: 6, Name: "widget"})
	require.ErrorAs(t, err, &ve)
	assert.Equal(t, "value is missing", ve.Reason)
}

func TestEnrichStampsAndDefaults(t *testing.T) {
	e := NewEnricher("job-1", 3)
	ts := time.Date(2024, 1, 15, 10, 30, 0, 0, time.UTC)

	rec, err := e.Enrich(models.RawRecord{Line: 7, ExternalID: "ext-9", Name: "widget", Value: dec("1.234567"), EventTs: &ts})
	require.NoError(t, err)
	assert.Equal(t, DefaultCategory, rec.Category)
	assert.Equal(t, "1.2346", rec.Value.String())
	assert.Equal(t, "job-1", rec.JobID)
	assert.Equal(t, 3, rec.PartitionIndex)
	assert.Equal(t, models.RecordStatusLoaded, rec.Status)
	assert.Equal(t, RecordHash("ext-9", DefaultCategory, &ts), rec.RecordHash)
}
