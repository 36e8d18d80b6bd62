package eventsourcing

import (
	"fmt"
	"testing"

	"github.com/glebarez/sqlite"
	"github.com/google/uuid"
	"gorm.io/gorm"
)

// widgetEvent/widgetEntity is a minimal tagged-union aggregate used only to
// exercise the generic Repository runtime independently of any real domain
// module.
type widgetEvent struct {
	Type  string `json:"type"`
	Label string `json:"label,omitempty"`
}

type widgetEntity struct {
	ID     uuid.UUID
	Labels []string
}

func widgetCodec() Codec[widgetEvent, widgetEntity] {
	return Codec[widgetEvent, widgetEntity]{
		EventType: func(ev widgetEvent) string { return ev.Type },
		NewID:     uuid.New,
		Fold: func(id uuid.UUID, events []widgetEvent) widgetEntity {
			entity := widgetEntity{ID: id}
			for _, ev := range events {
				if ev.Type == "LabelAdded" {
					entity.Labels = append(entity.Labels, ev.Label)
				}
			}
			return entity
		},
		RollupColumns: func(e widgetEntity) map[string]any {
			return map[string]any{"label_count": len(e.Labels)}
		},
	}
}

func newTestRepo(t *testing.T) *Repository[widgetEvent, widgetEntity] {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", uuid.NewString())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("open sqlite: %v", err)
	}
	if err := db.Exec(`CREATE TABLE widget_events (id TEXT, seq INTEGER, event_type TEXT, event_json TEXT, recorded_at DATETIME, PRIMARY KEY (id, seq))`).Error; err != nil {
		t.Fatalf("create events table: %v", err)
	}
	if err := db.Exec(`CREATE TABLE widget_rollups (id TEXT PRIMARY KEY, label_count INTEGER)`).Error; err != nil {
		t.Fatalf("create rollup table: %v", err)
	}
	return &Repository[widgetEvent, widgetEntity]{
		DB:          db,
		EventsTable: "widget_events",
		RollupTable: "widget_rollups",
		Codec:       widgetCodec(),
	}
}

func TestCreateInOpAndFindByID(t *testing.T) {
	repo := newTestRepo(t)
	id, entity, err := repo.CreateInOp(repo.DB, []widgetEvent{{Type: "Initialized"}, {Type: "LabelAdded", Label: "first"}})
	if err != nil {
		t.Fatalf("CreateInOp: %v", err)
	}
	if len(entity.Labels) != 1 || entity.Labels[0] != "first" {
		t.Fatalf("entity = %+v", entity)
	}

	loaded, seq, err := repo.FindByIDInOp(repo.DB, id)
	if err != nil {
		t.Fatalf("FindByIDInOp: %v", err)
	}
	if seq != 2 {
		t.Fatalf("seq = %d, want 2", seq)
	}
	if len(loaded.Labels) != 1 {
		t.Fatalf("loaded entity = %+v", loaded)
	}
}

func TestUpdateInOpAppendsAndRefreshesRollup(t *testing.T) {
	repo := newTestRepo(t)
	id, _, err := repo.CreateInOp(repo.DB, []widgetEvent{{Type: "Initialized"}})
	if err != nil {
		t.Fatalf("CreateInOp: %v", err)
	}

	_, seq, err := repo.FindByIDInOp(repo.DB, id)
	if err != nil {
		t.Fatalf("FindByIDInOp: %v", err)
	}

	entity, err := repo.UpdateInOp(repo.DB, id, seq, []widgetEvent{{Type: "LabelAdded", Label: "second"}})
	if err != nil {
		t.Fatalf("UpdateInOp: %v", err)
	}
	if len(entity.Labels) != 1 || entity.Labels[0] != "second" {
		t.Fatalf("entity = %+v", entity)
	}

	var labelCount int
	if err := repo.DB.Table("widget_rollups").Where("id = ?", id).Select("label_count").Row().Scan(&labelCount); err != nil {
		t.Fatalf("scan rollup: %v", err)
	}
	if labelCount != 1 {
		t.Fatalf("rollup label_count = %d, want 1", labelCount)
	}
}

func TestUpdateInOpRejectsStaleSequence(t *testing.T) {
	repo := newTestRepo(t)
	id, _, err := repo.CreateInOp(repo.DB, []widgetEvent{{Type: "Initialized"}})
	if err != nil {
		t.Fatalf("CreateInOp: %v", err)
	}

	if _, err := repo.UpdateInOp(repo.DB, id, 1, []widgetEvent{{Type: "LabelAdded", Label: "a"}}); err != nil {
		t.Fatalf("first UpdateInOp: %v", err)
	}

	// Reusing the original (now-stale) sequence must be rejected as a
	// concurrent modification rather than silently overwriting history.
	if _, err := repo.UpdateInOp(repo.DB, id, 1, []widgetEvent{{Type: "LabelAdded", Label: "b"}}); err == nil {
		t.Fatal("expected a concurrent-modification error")
	}
}

func TestUpdateInOpWithNoEventsIsAReload(t *testing.T) {
	repo := newTestRepo(t)
	id, _, err := repo.CreateInOp(repo.DB, []widgetEvent{{Type: "Initialized"}, {Type: "LabelAdded", Label: "first"}})
	if err != nil {
		t.Fatalf("CreateInOp: %v", err)
	}

	entity, err := repo.UpdateInOp(repo.DB, id, 999, nil)
	if err != nil {
		t.Fatalf("UpdateInOp with no events: %v", err)
	}
	if len(entity.Labels) != 1 {
		t.Fatalf("entity = %+v, expected a plain reload", entity)
	}
}

func TestFindByIDInOpNotFound(t *testing.T) {
	repo := newTestRepo(t)
	if _, _, err := repo.FindByIDInOp(repo.DB, uuid.New()); err == nil {
		t.Fatal("expected a not-found error for an unknown aggregate id")
	}
}

func TestIdempotentExecutedVsAlreadyApplied(t *testing.T) {
	exec := Executed(42)
	if !exec.IsExecuted() || exec.Value() != 42 {
		t.Fatalf("Executed(42) = %+v", exec)
	}
	applied := AlreadyApplied[int]()
	if applied.IsExecuted() {
		t.Fatal("AlreadyApplied must report IsExecuted() == false")
	}
}
