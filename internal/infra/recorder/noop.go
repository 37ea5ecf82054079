package recorder

import (
	"context"

	"github.com/GTJasonMK/AnyRounterTool/internal/domain"
)

// NoopRecorder is used when no history database is configured.
type NoopRecorder struct{}

func NewNoopRecorder() *NoopRecorder { return &NoopRecorder{} }

func (n *NoopRecorder) Record(context.Context, domain.CheckRecord) error { return nil }
func (n *NoopRecorder) Recent(context.Context, string, int) ([]domain.CheckRecord, error) {
	return nil, nil
}
func (n *NoopRecorder) Close() error { return nil }
