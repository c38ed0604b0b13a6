package store

import (
	"context"
	"database/sql"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"testing"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

func testDB(t *testing.T) (*sql.DB, context.Context) {
	t.Helper()
	dsn := strings.TrimSpace(os.Getenv("LABHUB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("LABHUB_TEST_DATABASE_URL is not set")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	t.Cleanup(cancel)

	if err := db.PingContext(ctx); err != nil {
		t.Fatalf("ping postgres: %v", err)
	}
	return db, ctx
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db, ctx := testDB(t)

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}

	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 1): %v", err)
	}

	dataStore := NewPostgresStore(db)
	if err := dataStore.DetectMultiAssign(ctx); err != nil {
		t.Fatalf("capability probe: %v", err)
	}
	if !dataStore.MultiAssign() {
		t.Fatalf("task_assignees should be detected after migrations")
	}

	if err := applyDownMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply down migrations: %v", err)
	}

	if _, err := db.ExecContext(ctx, `DELETE FROM schema_migrations`); err != nil {
		t.Fatalf("clear schema_migrations: %v", err)
	}

	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	db, ctx := testDB(t)

	if err := resetPublicSchema(ctx, db); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	seed := `
		INSERT INTO users (id, display_name, email, role) VALUES
			('boss', 'Boss', 'boss@lab.test', 'manager'),
			('u1', 'Researcher One', 'u1@lab.test', 'researcher'),
			('u2', 'Researcher Two', 'u2@lab.test', 'researcher');
		INSERT INTO projects (id, name, created_by) VALUES ('p1', 'Project', 'boss');
		INSERT INTO studies (id, project_id, name) VALUES ('s1', 'p1', 'Study');
		INSERT INTO tasks (id, study_id, title, status, created_by) VALUES
			('t1', 's1', 'Task One', 'pending', 'boss'),
			('t2', 's1', 'Task Two', 'pending', 'boss');
	`
	if _, err := db.ExecContext(ctx, seed); err != nil {
		t.Fatalf("seed: %v", err)
	}

	dataStore := NewPostgresStore(db)
	if err := dataStore.DetectMultiAssign(ctx); err != nil {
		t.Fatalf("capability probe: %v", err)
	}

	// assignment diff: second call with an overlapping set reports only
	// the new user
	_, newly, err := dataStore.AssignTask(ctx, "t1", []string{"u1"})
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if len(newly) != 1 || newly[0] != "u1" {
		t.Fatalf("expected [u1] newly assigned, got %v", newly)
	}
	_, newly, err = dataStore.AssignTask(ctx, "t1", []string{"u1", "u2"})
	if err != nil {
		t.Fatalf("AssignTask: %v", err)
	}
	if len(newly) != 1 || newly[0] != "u2" {
		t.Fatalf("expected [u2] newly assigned, got %v", newly)
	}

	// scope traversal: u1 is visible at the study and project levels
	assigned, err := dataStore.AssignedUserIDs(ctx, RoomStudy, "s1")
	if err != nil {
		t.Fatalf("AssignedUserIDs: %v", err)
	}
	found := false
	for _, id := range assigned {
		if id == "u1" {
			found = true
		}
	}
	if !found {
		t.Fatalf("u1 should be assigned in study scope, got %v", assigned)
	}

	// message lifecycle with keyset pagination
	for i, id := range []string{"m1", "m2", "m3"} {
		err := dataStore.InsertMessage(ctx, Message{
			ID: id, RoomType: RoomTask, RoomID: "t1", SenderID: "u1",
			Type: "text", Content: "msg", CreatedAt: time.Now().UTC().Add(time.Duration(i) * time.Millisecond),
		})
		if err != nil {
			t.Fatalf("InsertMessage %s: %v", id, err)
		}
	}
	page, hasMore, err := dataStore.ListMessages(ctx, RoomTask, "t1", 2, "")
	if err != nil {
		t.Fatalf("ListMessages: %v", err)
	}
	if !hasMore || len(page) != 2 || page[0].ID != "m2" || page[1].ID != "m3" {
		t.Fatalf("unexpected first page: hasMore=%v %v", hasMore, page)
	}
	older, hasMore, err := dataStore.ListMessages(ctx, RoomTask, "t1", 2, page[0].ID)
	if err != nil {
		t.Fatalf("ListMessages cursor: %v", err)
	}
	if hasMore || len(older) != 1 || older[0].ID != "m1" {
		t.Fatalf("unexpected second page: hasMore=%v %v", hasMore, older)
	}

	// soft delete hides the row from reads
	if err := dataStore.SoftDeleteMessage(ctx, "m2", time.Now().UTC()); err != nil {
		t.Fatalf("SoftDeleteMessage: %v", err)
	}
	if _, err := dataStore.GetMessage(ctx, "m2"); err != sql.ErrNoRows {
		t.Fatalf("deleted message should be gone, got %v", err)
	}

	// status cascade recomputes both rollups in one call
	task, update, err := dataStore.SetTaskStatus(ctx, "t1", TaskCompleted)
	if err != nil {
		t.Fatalf("SetTaskStatus: %v", err)
	}
	if task.Status != TaskCompleted || task.Progress != 100 {
		t.Fatalf("unexpected task after completion: %+v", task)
	}
	if update.StudyProgress != 50 || update.ProjectProgress != 50 {
		t.Fatalf("one of two tasks done should roll up to 50, got %+v", update)
	}
}

func resetPublicSchema(ctx context.Context, db *sql.DB) error {
	_, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`)
	return err
}

func applyDownMigrations(ctx context.Context, db *sql.DB, migrationsDir string) error {
	entries, err := os.ReadDir(migrationsDir)
	if err != nil {
		return err
	}

	pattern := regexp.MustCompile(`^(\d+)_.*\.down\.sql$`)
	type migration struct {
		version string
		path    string
	}
	downs := make([]migration, 0)

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		match := pattern.FindStringSubmatch(name)
		if match == nil {
			continue
		}
		downs = append(downs, migration{
			version: match[1],
			path:    filepath.Join(migrationsDir, name),
		})
	}

	sort.Slice(downs, func(i, j int) bool {
		return downs[i].version > downs[j].version
	})

	for _, down := range downs {
		sqlBytes, err := os.ReadFile(down.path)
		if err != nil {
			return err
		}
		sqlText := strings.TrimSpace(string(sqlBytes))
		if sqlText == "" {
			continue
		}
		if _, err := db.ExecContext(ctx, sqlText); err != nil {
			return err
		}
	}

	return nil
}
