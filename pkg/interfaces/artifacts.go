package interfaces

import (
	"context"

	"vrdiag/pkg/types"
)

//go:generate mockgen -package=mocks -destination=mocks/mock_artifacts.go vrdiag/pkg/interfaces ArtifactStore,ResultProcessor,DeviceNotifier

// ArtifactStore is the blob store for uploaded and processed result files.
type ArtifactStore interface {
	Put(ctx context.Context, path string, data []byte) error

	// Get returns ErrArtifactNotFound for a missing path.
	Get(ctx context.Context, path string) ([]byte, error)
}

// ResultMetrics summarises one processed upload.
type ResultMetrics struct {
	Score      float64
	Duration   float64
	Throughput float64
}

// ResultProcessor turns a raw device upload into the processed artifact.
type ResultProcessor interface {
	Preprocess(contentType types.ContentType, raw []byte) ([]byte, ResultMetrics, error)
}
