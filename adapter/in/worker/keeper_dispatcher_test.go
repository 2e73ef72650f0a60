package worker

import (
	"context"
	"errors"
	"testing"

	"keeper_server/core/domain"
	"keeper_server/core/service/cleanup"
	"keeper_server/pkg/apperr"
)

func TestDecodeParamsEmpty(t *testing.T) {
	opts, err := decodeParams[cleanup.RestoreOptions](nil)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if opts.ArchiveID != nil || len(opts.EmailIDs) != 0 {
		t.Fatalf("expected zero options, got %+v", opts)
	}
}

func TestDecodeParamsRestore(t *testing.T) {
	params := map[string]any{"archive_id": 42, "email_ids": []any{"m1", "m2"}}
	opts, err := decodeParams[cleanup.RestoreOptions](params)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if opts.ArchiveID == nil || *opts.ArchiveID != 42 {
		t.Fatalf("unexpected archive id %v", opts.ArchiveID)
	}
	if len(opts.EmailIDs) != 2 || opts.EmailIDs[0] != "m1" {
		t.Fatalf("unexpected email ids %v", opts.EmailIDs)
	}
}

func TestDecodeParamsExportEmbedded(t *testing.T) {
	params := map[string]any{
		"criteria":      map[string]any{"year": 2019, "size_min": 1048576},
		"method":        "export",
		"export_format": "mbox",
		"dry_run":       true,
	}
	opts, err := decodeParams[exportParams](params)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if opts.Criteria == nil || opts.Criteria.Year == nil || *opts.Criteria.Year != 2019 {
		t.Fatalf("criteria not decoded: %+v", opts.Criteria)
	}
	if opts.Method != domain.MethodExport || opts.ExportFormat != "mbox" || !opts.DryRun {
		t.Fatalf("embedded options not decoded: %+v", opts.ArchiveOptions)
	}
}

func TestDecodeParamsMalformed(t *testing.T) {
	params := map[string]any{"archive_id": "not-a-number"}
	if _, err := decodeParams[cleanup.RestoreOptions](params); !apperr.IsCode(err, apperr.CodeInvalidParams) {
		t.Fatalf("expected invalid_params, got %v", err)
	}
}

func TestFailureKind(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want string
	}{
		{"deadline", context.DeadlineExceeded, apperr.CodeTimeout},
		{"app error", apperr.NotFound("policy"), apperr.CodeNotFound},
		{"wrapped app error", apperr.Upstream("gmail", errors.New("boom")), apperr.CodeUpstream},
		{"plain error", errors.New("boom"), apperr.CodeInternalError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := failureKind(tt.err); got != tt.want {
				t.Fatalf("failureKind(%v) = %q, want %q", tt.err, got, tt.want)
			}
		})
	}
}
