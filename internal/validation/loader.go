package validation

import (
	"context"

	"github.com/rpkiwire/rpki-rp/internal/rpkicert"
	"github.com/rpkiwire/rpki-rp/internal/uri"
)

// PointReader lets the engine load any object URI belonging to one
// already-resolved publication point.
type PointReader interface {
	LoadFile(u uri.URI) ([]byte, bool)
}

// Loader resolves the trust-anchor bootstrap fetch and the per-CA
// publication-point transport choice (spec §4.5); implemented by an
// adapter over internal/collector so this package never imports
// internal/rrdp or internal/rsync directly.
type Loader interface {
	// FetchTAL retrieves the TA certificate bytes, trying the URIs
	// listed in tal in order (SPEC_FULL §12.9: the first that succeeds wins).
	FetchTAL(ctx context.Context, tal *rpkicert.TAL) ([]byte, error)
	// LoadPoint resolves one publication point's transport and returns a
	// handle for reading its files.
	LoadPoint(ctx context.Context, caRepository, rrdpNotify uri.URI) (PointReader, error)
}
