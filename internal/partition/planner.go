// Package partition splits a file's data lines into contiguous ranges for parallel processing.
package partition

import "file-batch-ingester/internal/models"

// firstDataLine is the 1-indexed line after the header.
const firstDataLine = 2

// Plan divides totalRecords data lines into at most gridSize non-overlapping partitions.
// The last partition absorbs the remainder. Partitions that would start past the last data line
// are dropped, so small files yield fewer than gridSize descriptors.
func Plan(filePath string, totalRecords int64, delimiter string, gridSize int) []models.PartitionDescriptor {
	if totalRecords <= 0 || gridSize <= 0 {
		return nil
	}
	size := totalRecords / int64(gridSize)
	if size < 1 {
		size = 1
	}
	lastLine := totalRecords + 1

	out := make([]models.PartitionDescriptor, 0, gridSize)
	for i := 0; i < gridSize; i++ {
		start := int64(i)*size + firstDataLine
		if start > lastLine {
			break
		}
		end := start + size - 1
		if i == gridSize-1 || end > lastLine {
			end = lastLine
		}
		out = append(out, models.PartitionDescriptor{
			Index:     i,
			FilePath:  filePath,
			StartLine: start,
			LineCount: end - start + 1,
			Delimiter: delimiter,
		})
	}
	return out
}
