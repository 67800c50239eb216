package worker

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"
	"time"

	"github.com/shopspring/decimal"

	"file-batch-ingester/internal/models"
)

// DefaultCategory replaces a missing category.
const DefaultCategory = "UNKNOWN"

const valueScale = 4

// Enricher validates raw records and stamps them with run metadata.
type Enricher struct {
	jobID     string
	partition int
}

func NewEnricher(jobID string, partition int) Enricher {
	return Enricher{jobID: jobID, partition: partition}
}

// Enrich returns a *ValidationError for a blank name or a missing value.
func (e Enricher) Enrich(raw models.RawRecord) (models.EnrichedRecord, error) {
	if strings.TrimSpace(raw.Name) == "" {
		return models.EnrichedRecord{}, &ValidationError{Line: raw.Line, Reason: "name is blank"}
	}
	if raw.Value == nil {
		return models.EnrichedRecord{}, &ValidationError{Line: raw.Line, Reason: "value is missing"}
	}
	v := NormalizeValue(*raw.Value)
	raw.Value = &v
	if strings.TrimSpace(raw.Category) == "" {
		raw.Category = DefaultCategory
	}
	return models.EnrichedRecord{
		RawRecord:      raw,
		RecordHash:     RecordHash(raw.ExternalID, raw.Category, raw.EventTs),
		JobID:          e.jobID,
		PartitionIndex: e.partition,
		Status:         models.RecordStatusLoaded,
	}, nil
}

// NormalizeValue rounds half away from zero to four fractional digits. Values that already have
// four or fewer keep their scale.
func NormalizeValue(d decimal.Decimal) decimal.Decimal {
	if d.Exponent() < -valueScale {
		return d.Round(valueScale)
	}
	return d
}

// RecordHash is the hex SHA-256 of externalId|category|eventTs, with the timestamp rendered as
// RFC 3339 in UTC and absent fields rendered empty.
func RecordHash(externalID, category string, eventTs *time.Time) string {
	ts := ""
	if eventTs != nil {
		ts = eventTs.UTC().Format(time.RFC3339Nano)
	}
	sum := sha256.Sum256([]byte(externalID + "|" + category + "|" + ts))
	return hex.EncodeToString(sum[:])
}
