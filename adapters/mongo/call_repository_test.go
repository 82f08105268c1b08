package mongo

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"go.uber.org/zap/zaptest"

	"github.com/alexlevy0/mycompanion/domain/entities"
	"github.com/alexlevy0/mycompanion/domain/repositories"
)

func TestConfigValidate(t *testing.T) {
	if err := DefaultConfig().Validate(); err != nil {
		t.Errorf("Expected default config to be valid, got %v", err)
	}
	if err := (Config{Database: "db"}).Validate(); err == nil {
		t.Error("Expected error for missing uri")
	}
	if err := (Config{URI: "mongodb://localhost"}).Validate(); err == nil {
		t.Error("Expected error for missing database")
	}
}

// TestCallRepository_Integration requires a running MongoDB instance
func TestCallRepository_Integration(t *testing.T) {
	uri := os.Getenv("MONGODB_URI")
	if uri == "" {
		t.Skip("Skipping MongoDB integration test - MONGODB_URI not set")
	}

	ctx := context.Background()
	client, err := NewClient(ctx, Config{URI: uri, Database: "mycompanion_test"}, zaptest.NewLogger(t))
	if err != nil {
		t.Fatalf("Failed to connect to MongoDB: %v", err)
	}
	defer func() {
		client.Database.Drop(ctx)
		client.Close(ctx)
	}()

	repo := NewCallRepository(client.Database)
	if err := repo.EnsureIndexes(ctx); err != nil {
		t.Fatalf("Failed to create indexes: %v", err)
	}

	base := time.Now().Truncate(time.Millisecond)
	older := entities.NewCallRecord("ws-1", entities.SessionOptions{AgentID: entities.String("agent")}.WithDefaults())
	older.StartedAt = base
	older.EndedAt = base.Add(time.Minute)
	older.EndReason = entities.EndReasonHangUp
	older.Transcript = []entities.Turn{{Role: entities.MessageRoleUser, Content: "bonjour"}}
	older.Stats = &entities.SessionStats{Duration: 60, MessageCount: 1, SessionTotalPrice: 0.12}

	newer := entities.NewCallRecord("ws-1", entities.SessionOptions{}.WithDefaults())
	newer.StartedAt = base.Add(time.Hour)
	newer.EndedAt = newer.StartedAt.Add(time.Second)
	newer.EndReason = entities.EndReasonTransport

	for _, r := range []*entities.CallRecord{older, newer} {
		if err := repo.Create(ctx, r); err != nil {
			t.Fatalf("Failed to create call record: %v", err)
		}
	}

	got, err := repo.GetByID(ctx, older.ID)
	if err != nil {
		t.Fatalf("Failed to get call: %v", err)
	}
	if got.AgentID != "agent" || len(got.Transcript) != 1 || got.Stats == nil || got.Stats.SessionTotalPrice != 0.12 {
		t.Errorf("Unexpected call record %+v", got)
	}

	if _, err := repo.GetByID(ctx, "missing"); !errors.Is(err, repositories.ErrCallNotFound) {
		t.Errorf("Expected ErrCallNotFound, got %v", err)
	}

	list, err := repo.ListByWorkspace(ctx, "ws-1", 10)
	if err != nil {
		t.Fatalf("Failed to list calls: %v", err)
	}
	if len(list) != 2 || list[0].ID != newer.ID {
		t.Errorf("Expected newest call first, got %d calls", len(list))
	}
}
