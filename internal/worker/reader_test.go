package worker

import (
	"io"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"file-batch-ingester/internal/models"
)

func writeFile(t *testing.T, lines ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "input.csv")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func readAll(t *testing.T, r *Reader) ([]models.RawRecord, []error) {
	t.Helper()
	var recs []models.RawRecord
	var errs []error
	for {
		rec, err := r.Next()
		if err == io.EOF {
			return recs, errs
		}
		if err != nil {
			errs = append(errs, err)
			continue
		}
		recs = append(recs, rec)
	}
}

func TestReaderReadsOnlyItsPartition(t *testing.T) {
	path := writeFile(t,
		"externalId,name,value,category,eventTs",
		"e1,one,1.5,A,2024-01-15T10:30:00Z",
		"e2,two,2.5,B,2024-01-15 10:31:00",
		"e3,three,3.5,,",
		"e4,four,4.5,D,2024-01-15",
	)
	r, err := OpenReader(models.PartitionDescriptor{FilePath: path, StartLine: 3, LineCount: 2, Delimiter: ","}, 0)
	require.NoError(t, err)
	defer r.Close()

	recs, errs := readAll(t, r)
	require.Empty(t, errs)
	require.Len(t, recs, 2)
	assert.Equal(t, "e2", recs[0].ExternalID)
	assert.EqualValues(t, 3, recs[0].Line)
	require.NotNil(t, recs[0].EventTs)
	assert.Equal(t, 10, recs[0].EventTs.Hour())
	assert.Equal(t, "e3", recs[1].ExternalID)
	assert.Empty(t, recs[1].Category)
	assert.Nil(t, recs[1].EventTs)
}

func TestReaderResumesAfterCommittedLines(t *testing.T) {
	path := writeFile(t, "h", "a,1,1", "b,2,2", "c,3,3", "d,4,4")
	r, err := OpenReader(models.PartitionDescriptor{FilePath: path, StartLine: 2, LineCount: 4, Delimiter: ","}, 3)
	require.NoError(t, err)
	defer r.Close()

	recs, _ := readAll(t, r)
	require.Len(t, recs, 1)
	assert.Equal(t, "d", recs[0].ExternalID)
	assert.EqualValues(t, 5, recs[0].Line)
}

func TestReaderToleratesColumnMismatch(t *testing.T) {
	path := writeFile(t,
		"h",
		"e1;only-name",
		"e2;name;7.25;cat;2024-01-15T10:30:00Z;extra;columns",
		`e3;"quoted;name";1;c`,
	)
	r, err := OpenReader(models.PartitionDescriptor{FilePath: path, StartLine: 2, LineCount: 3, Delimiter: ";"}, 0)
	require.NoError(t, err)
	defer r.Close()

	recs, errs := readAll(t, r)
	require.Empty(t, errs)
	require.Len(t, recs, 3)
	assert.Nil(t, recs[0].Value)
	assert.Equal(t, "7.25", recs[1].Value.String())
	assert.Equal(t, "quoted;name", recs[2].Name)
}

func TestReaderReportsParseErrors(t *testing.T) {
	path := writeFile(t, "h", "e1,n,not-a-number,c", "e2,n,1,c,yesterday", "e3,n,2,c")
	r, err := OpenReader(models.PartitionDescriptor{FilePath: path, StartLine: 2, LineCount: 3, Delimiter: ","}, 0)
	require.NoError(t, err)
	defer r.Close()

	recs, errs := readAll(t, r)
	require.Len(t, recs, 1)
	require.Len(t, errs, 2)
	var pe *ParseError
	require.ErrorAs(t, errs[0], &pe)
	assert.EqualValues(t, 2, pe.Line)
	assert.True(t, IsSkippable(errs[1]))
}

func TestReaderMultiCharacterDelimiter(t *testing.T) {
	path := writeFile(t, "h", "e1||name||3.5||cat")
	r, err := OpenReader(models.PartitionDescriptor{FilePath: path, StartLine: 2, LineCount: 1, Delimiter: "||"}, 0)
	require.NoError(t, err)
	defer r.Close()

	recs, errs := readAll(t, r)
	require.Empty(t, errs)
	require.Len(t, recs, 1)
	assert.Equal(t, "cat", recs[0].Category)
}

func TestReaderStopsAtShortFile(t *testing.T) {
	path := writeFile(t, "h", "e1,n,1")
	r, err := OpenReader(models.PartitionDescriptor{FilePath: path, StartLine: 2, LineCount: 10, Delimiter: ","}, 0)
	require.NoError(t, err)
	defer r.Close()

	recs, errs := readAll(t, r)
	assert.Empty(t, errs)
	assert.Len(t, recs, 1)
}
