package out

import (
	"context"
	"io"

	"github.com/google/uuid"

	"keeper_server/core/domain"
)

// Exporter serializes a set of emails into one export format.
type Exporter interface {
	Format() string
	ContentType() string
	Export(ctx context.Context, w io.Writer, emails []*domain.EmailIndex) error
}

// ExporterRegistry resolves exporters by format name.
type ExporterRegistry interface {
	Register(e Exporter)
	Get(format string) (Exporter, bool)
	Formats() []string
}

// ExportSink persists an export bundle and returns its location.
type ExportSink interface {
	Store(ctx context.Context, userID uuid.UUID, format, name string, r io.Reader) (location string, size int64, err error)
}
