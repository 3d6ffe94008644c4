package storage

import (
	"fmt"
	"time"

	"vrdiag/pkg/types"
)

const filenameLayout = "20060102150405"

// Filename is the result file name for one upload, e.g.
// TENNISBALL_2_20240131094500.csv.
func Filename(contentType types.ContentType, level int, at time.Time) string {
	return fmt.Sprintf("%s_%d_%s.csv", contentType, level, at.UTC().Format(filenameLayout))
}

// OriginalPath is where the upload is kept exactly as the device sent it.
func OriginalPath(sessionID int64, filename string) string {
	return fmt.Sprintf("diagnosis/%d/original/%s", sessionID, filename)
}

// ProcessedPath is where the preprocessed file is kept.
func ProcessedPath(sessionID int64, filename string) string {
	return fmt.Sprintf("diagnosis/%d/processed/%s", sessionID, filename)
}
