package testutil

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/MarkusPolo/consoled/internal/db"
	"github.com/MarkusPolo/consoled/internal/model"
)

func NewStore(t *testing.T) (*db.Store, context.Context) {
	t.Helper()
	ctx := context.Background()
	store, err := db.Open(ctx, filepath.Join(t.TempDir(), "consoled-test.db"))
	if err != nil {
		t.Fatalf("open test store: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	if err := db.ApplyMigrations(ctx, store.DB()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return store, ctx
}

// SeedTemplate stores a minimal steps-based template and returns it with its
// assigned id.
func SeedTemplate(t *testing.T, store *db.Store, ctx context.Context, name string) model.Template {
	t.Helper()
	tpl := model.Template{
		Name: name,
		Steps: []model.Step{
			{Type: model.StepPrivMode},
			{Type: model.StepConfigMode},
			{Type: model.StepCommand, Content: "hostname {{ hostname }}"},
			{Type: model.StepExitConfig},
		},
		ConfigSchema: model.ConfigSchema{
			Properties: map[string]model.SchemaProperty{
				"hostname": {Type: "string", Description: "device hostname"},
			},
			Required: []string{"hostname"},
		},
	}
	id, err := store.CreateTemplate(ctx, tpl)
	if err != nil {
		t.Fatalf("seed template: %v", err)
	}
	tpl.ID = id
	return tpl
}
