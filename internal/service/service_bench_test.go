package service

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"

	"github.com/matt-riley/cardz/internal/core"
	"github.com/matt-riley/cardz/internal/repository"
)

func BenchmarkListCardSettings(b *testing.B) {
	ctx := context.Background()
	repo := newFakeServiceRepository()

	for i := range 100 {
		repo.setCard(repository.CardSettings{
			PageID:   "home",
			CardID:   fmt.Sprintf("card_%03d", i),
			Settings: json.RawMessage(`{"type":"sensor"}`),
		})
	}

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}

	for b.Loop() {
		_, _ = svc.ListCardSettings(ctx, "home")
	}
}

func BenchmarkEvaluatePage(b *testing.B) {
	ctx := context.Background()
	repo := newFakeServiceRepository()
	entities := make(core.EntityMap, 200)

	for i := range 50 {
		id := fmt.Sprintf("sensor.room_%02d", i)
		entities[id] = core.EntityState{ID: id, State: fmt.Sprintf("%d", 15+i%10)}
		repo.setCard(repository.CardSettings{
			PageID:   "home",
			CardID:   id,
			Settings: json.RawMessage(`{"visibilityCondition":{"type":"numeric","operator":">=","value":20}}`),
		})
	}

	svc, err := New(ctx, repo)
	if err != nil {
		b.Fatalf("New() error = %v", err)
	}
	svc.ReplaceEntities(entities)

	for b.Loop() {
		_, _ = svc.EvaluatePage(ctx, "home", nil)
	}
}
