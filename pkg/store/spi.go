package store

import (
	"github.com/veggieshop/platform/pkg/consistency"
	"github.com/veggieshop/platform/pkg/dedupe"
	"github.com/veggieshop/platform/pkg/eventbus"
	"github.com/veggieshop/platform/pkg/idempotency"
	"github.com/veggieshop/platform/pkg/stepup"
)

// Compile-time SPI conformance checks.
var (
	_ consistency.WatermarkStore = (*PgWatermarkStore)(nil)
	_ idempotency.Store          = (*PgIdempotencyStore)(nil)
	_ dedupe.Store               = (*PgDedupeStore)(nil)
	_ eventbus.OutboxStore       = (*PgOutboxStore)(nil)
	_ stepup.Store               = (*SqliteStepUpStore)(nil)
)
