package migration

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	pgx "github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/uptrace/bun"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/aiclub-dev/pointsbot/pointsbot/database/models"
)

// Migrator imports the legacy bot's member roster and point log into the
// ledger. It reads mongodump BSON files by default and can also pull from a
// live Mongo database. Imports are idempotent: every legacy log entry gets a
// deterministic source event id, and entries already present in
// processed_events are skipped.
type Migrator struct {
	pgDB        *bun.DB
	dataDir     string
	membersPath string
	logPath     string
	batchSize   int
	stats       MigrationStats

	mongoDB *mongo.Database

	// COPY fast path for the point log
	useCopy bool
	pool    *pgxpool.Pool
}

func NewMigrator(pgDB *bun.DB, dataDir string) *Migrator {
	return &Migrator{
		pgDB:        pgDB,
		dataDir:     dataDir,
		membersPath: filepath.Join(dataDir, "members.bson"),
		logPath:     filepath.Join(dataDir, "pointlog.bson"),
		batchSize:   1000,
		stats: MigrationStats{
			Tables:    make(map[string]*TableStats),
			StartTime: time.Now(),
		},
	}
}

// SetBatchSize overrides the default batch size for inserts
func (m *Migrator) SetBatchSize(size int) {
	if size > 0 {
		m.batchSize = size
	}
}

// UseMongo enables direct-from-Mongo import mode
func (m *Migrator) UseMongo(client *mongo.Client, dbName string) {
	if client != nil && dbName != "" {
		m.mongoDB = client.Database(dbName)
	}
}

// SetUseCopy enables COPY FROM mode using pgx (fast path)
func (m *Migrator) SetUseCopy(v bool) { m.useCopy = v }

// UsePool sets the pgx pool for COPY operations
func (m *Migrator) UsePool(pool *pgxpool.Pool) { m.pool = pool }

func (m *Migrator) MigrateAll(ctx context.Context) error {
	slog.Info("Starting legacy BSON import",
		slog.String("type", "sys"),
		slog.String("data_dir", m.dataDir))

	steps := []struct {
		name    string
		migrate func(context.Context) error
	}{
		{"members", m.MigrateMembers},
		{"point_log", m.MigratePointLog},
	}

	for _, step := range steps {
		slog.Info("Starting import step", slog.String("type", "sys"), slog.String("step", step.name))
		if err := step.migrate(ctx); err != nil {
			return fmt.Errorf("import failed at step %s: %w", step.name, err)
		}
		slog.Info("Completed import step", slog.String("type", "sys"), slog.String("step", step.name))
	}

	m.stats.EndTime = time.Now()
	m.logFinalStats()
	return nil
}

// MigrateAllFromMongo imports directly from a live MongoDB database.
func (m *Migrator) MigrateAllFromMongo(ctx context.Context) error {
	if m.mongoDB == nil {
		return fmt.Errorf("mongoDB not configured; call UseMongo first")
	}

	slog.Info("Starting direct Mongo import", slog.String("type", "sys"))

	members, err := m.readMembersFromMongo(ctx)
	if err != nil {
		return fmt.Errorf("import failed at step members: %w", err)
	}
	if err := m.processMembers(ctx, members); err != nil {
		return fmt.Errorf("import failed at step members: %w", err)
	}

	entries, err := m.readPointLogFromMongo(ctx)
	if err != nil {
		return fmt.Errorf("import failed at step point_log: %w", err)
	}
	if err := m.processPointLog(ctx, entries); err != nil {
		return fmt.Errorf("import failed at step point_log: %w", err)
	}

	m.stats.EndTime = time.Now()
	m.logFinalStats()
	return nil
}

func (m *Migrator) readMembersFromMongo(ctx context.Context) ([]MongoMember, error) {
	cur, err := m.mongoDB.Collection("members").Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to query members: %w", err)
	}
	defer cur.Close(ctx)

	var members []MongoMember
	for cur.Next(ctx) {
		var mm MongoMember
		if err := cur.Decode(&mm); err == nil {
			members = append(members, mm)
		}
	}
	return members, cur.Err()
}

func (m *Migrator) readPointLogFromMongo(ctx context.Context) ([]MongoPointLog, error) {
	cur, err := m.mongoDB.Collection("pointlog").Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("failed to query pointlog: %w", err)
	}
	defer cur.Close(ctx)

	var entries []MongoPointLog
	for cur.Next(ctx) {
		var pl MongoPointLog
		if err := cur.Decode(&pl); err == nil {
			entries = append(entries, pl)
		}
	}
	return entries, cur.Err()
}

func (m *Migrator) MigrateMembers(ctx context.Context) error {
	var members []MongoMember
	if err := readBSONFile(m.membersPath, func(doc []byte) error {
		var mm MongoMember
		if err := bson.Unmarshal(doc, &mm); err != nil {
			return fmt.Errorf("failed to decode member BSON: %w", err)
		}
		members = append(members, mm)
		return nil
	}); err != nil {
		return err
	}

	slog.Info("Loaded members from BSON file",
		slog.String("type", "sys"),
		slog.Int("count", len(members)))
	return m.processMembers(ctx, members)
}

func (m *Migrator) processMembers(ctx context.Context, members []MongoMember) error {
	stats := m.tableStats("members")
	stats.Read = len(members)

	// Dedupe on discord id, keeping the latest record.
	byDiscordID := make(map[string]*models.User)
	for _, mm := range members {
		if mm.DiscordID == "" {
			stats.Skipped++
			continue
		}

		balance := int64(mm.Points)
		if balance < 0 {
			// The legacy bot had no overdraft guard. Clamp; the deficit
			// stays visible in the imported point log.
			slog.Warn("Clamping negative legacy balance",
				slog.String("type", "sys"),
				slog.String("discord_id", mm.DiscordID),
				slog.Int64("balance", balance))
			balance = 0
		}

		now := time.Now()
		createdAt := mm.Joined
		if createdAt.IsZero() {
			createdAt = now
		}
		byDiscordID[mm.DiscordID] = &models.User{
			DiscordID:      mm.DiscordID,
			Username:       mm.Username,
			Balance:        balance,
			LifetimeEarned: balance,
			CreatedAt:      createdAt,
			UpdatedAt:      now,
		}
	}

	users := make([]*models.User, 0, len(byDiscordID))
	for _, u := range byDiscordID {
		users = append(users, u)
	}

	for i := 0; i < len(users); i += m.batchSize {
		end := min(i+m.batchSize, len(users))
		batch := users[i:end]

		_, err := m.pgDB.NewInsert().
			Model(&batch).
			On("CONFLICT (discord_id) DO UPDATE").
			Set("username = EXCLUDED.username").
			Set("balance = EXCLUDED.balance").
			Set("lifetime_earned = EXCLUDED.lifetime_earned").
			Set("updated_at = EXCLUDED.updated_at").
			Exec(ctx)
		if err != nil {
			return fmt.Errorf("member batch insert failed: %w", err)
		}
		stats.Imported += len(batch)

		slog.Info("Inserted member batch",
			slog.String("type", "db"),
			slog.String("progress", fmt.Sprintf("%d/%d", end, len(users))))
	}

	return nil
}

func (m *Migrator) MigratePointLog(ctx context.Context) error {
	var entries []MongoPointLog
	if err := readBSONFile(m.logPath, func(doc []byte) error {
		var pl MongoPointLog
		if err := bson.Unmarshal(doc, &pl); err != nil {
			return fmt.Errorf("failed to decode point log BSON: %w", err)
		}
		entries = append(entries, pl)
		return nil
	}); err != nil {
		if os.IsNotExist(err) {
			slog.Info("Point log dump not found, skipping history import",
				slog.String("type", "sys"),
				slog.String("path", m.logPath))
			return nil
		}
		return err
	}

	slog.Info("Loaded point log from BSON file",
		slog.String("type", "sys"),
		slog.Int("count", len(entries)))
	return m.processPointLog(ctx, entries)
}

func (m *Migrator) processPointLog(ctx context.Context, entries []MongoPointLog) error {
	stats := m.tableStats("point_log")
	stats.Read = len(entries)

	for i := 0; i < len(entries); i += m.batchSize {
		end := min(i+m.batchSize, len(entries))
		if err := m.importLogBatch(ctx, entries[i:end], stats); err != nil {
			return err
		}

		slog.Info("Imported point log batch",
			slog.String("type", "db"),
			slog.String("progress", fmt.Sprintf("%d/%d", end, len(entries))))
	}

	return nil
}

// importLogBatch claims the batch's event ids in processed_events and
// writes their transaction rows in the same database transaction. A rerun
// of the importer skips everything a previous run committed; a run that
// dies mid-batch leaves nothing claimed, so nothing is ever lost.
func (m *Migrator) importLogBatch(ctx context.Context, batch []MongoPointLog, stats *TableStats) error {
	byEventID := make(map[string]MongoPointLog, len(batch))
	markers := make([]*models.ProcessedEvent, 0, len(batch))
	for _, pl := range batch {
		if pl.DiscordID == "" {
			stats.Skipped++
			continue
		}
		eventID := legacyEventID(pl)
		if _, dup := byEventID[eventID]; dup {
			stats.Skipped++
			continue
		}
		byEventID[eventID] = pl
		markers = append(markers, &models.ProcessedEvent{
			SourceEventID: eventID,
			ProcessedAt:   time.Now(),
		})
	}
	if len(markers) == 0 {
		return nil
	}

	if m.useCopy && m.pool != nil {
		imported, skipped, err := m.copyImportBatch(ctx, markers, byEventID)
		if err == nil {
			stats.Imported += imported
			stats.Skipped += skipped
			return nil
		}
		slog.Warn("COPY path failed, falling back to batch insert",
			slog.String("type", "db"),
			slog.Any("error", err))
	}

	var imported, skipped int
	err := m.pgDB.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		imported, skipped = 0, 0

		var claimed []string
		if err := tx.NewInsert().
			Model(&markers).
			On("CONFLICT (source_event_id) DO NOTHING").
			Returning("source_event_id").
			Scan(ctx, &claimed); err != nil {
			return fmt.Errorf("failed to claim legacy event ids: %w", err)
		}
		skipped = len(markers) - len(claimed)

		txns, users := legacyRows(claimed, byEventID)
		if len(txns) == 0 {
			return nil
		}

		// Log entries may reference members missing from the members dump;
		// give them a zero-balance row so the rows satisfy the user FK.
		if _, err := tx.NewInsert().
			Model(&users).
			On("CONFLICT (discord_id) DO NOTHING").
			Exec(ctx); err != nil {
			return fmt.Errorf("failed to ensure legacy users: %w", err)
		}

		if _, err := tx.NewInsert().Model(&txns).Exec(ctx); err != nil {
			return fmt.Errorf("point log batch insert failed: %w", err)
		}
		imported = len(txns)
		return nil
	})
	if err != nil {
		return err
	}

	stats.Imported += imported
	stats.Skipped += skipped
	return nil
}

// legacyRows turns claimed event ids into transaction rows plus the set of
// user rows those transactions reference.
func legacyRows(claimed []string, byEventID map[string]MongoPointLog) ([]*models.Transaction, []*models.User) {
	now := time.Now()
	txns := make([]*models.Transaction, 0, len(claimed))
	seen := make(map[string]struct{}, len(claimed))
	var users []*models.User

	for _, eventID := range claimed {
		pl := byEventID[eventID]
		createdAt := pl.Time
		if createdAt.IsZero() {
			createdAt = now
		}
		txns = append(txns, &models.Transaction{
			DiscordID:     pl.DiscordID,
			Delta:         int64(pl.Amount),
			Reason:        models.ReasonAdjustment,
			SourceEventID: eventID,
			Note:          pl.Reason,
			CreatedAt:     createdAt,
		})
		if _, ok := seen[pl.DiscordID]; !ok {
			seen[pl.DiscordID] = struct{}{}
			users = append(users, &models.User{
				DiscordID: pl.DiscordID,
				CreatedAt: now,
				UpdatedAt: now,
			})
		}
	}

	return txns, users
}

// copyImportBatch is the bulk path: claim, user backfill and CopyFrom all
// run inside one pgx transaction.
func (m *Migrator) copyImportBatch(ctx context.Context, markers []*models.ProcessedEvent, byEventID map[string]MongoPointLog) (imported, skipped int, err error) {
	conn, err := m.pool.Acquire(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to acquire connection: %w", err)
	}
	defer conn.Release()

	tx, err := conn.Begin(ctx)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to begin copy transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	ids := make([]string, len(markers))
	for i, marker := range markers {
		ids[i] = marker.SourceEventID
	}

	rows, err := tx.Query(ctx,
		`INSERT INTO processed_events (source_event_id, processed_at)
		 SELECT unnest($1::text[]), now()
		 ON CONFLICT (source_event_id) DO NOTHING
		 RETURNING source_event_id`, ids)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to claim legacy event ids: %w", err)
	}
	var claimed []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return 0, 0, err
		}
		claimed = append(claimed, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, 0, err
	}

	skipped = len(markers) - len(claimed)
	txns, users := legacyRows(claimed, byEventID)
	if len(txns) == 0 {
		return 0, skipped, tx.Commit(ctx)
	}

	userIDs := make([]string, len(users))
	for i, u := range users {
		userIDs[i] = u.DiscordID
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO users (discord_id, username, created_at, updated_at)
		 SELECT unnest($1::text[]), '', now(), now()
		 ON CONFLICT (discord_id) DO NOTHING`, userIDs); err != nil {
		return 0, 0, fmt.Errorf("failed to ensure legacy users: %w", err)
	}

	columns := []string{"discord_id", "delta", "reason", "source_event_id", "note", "created_at"}
	copyRows := make([][]any, 0, len(txns))
	for _, t := range txns {
		var note any
		if t.Note != "" {
			note = t.Note
		}
		copyRows = append(copyRows, []any{t.DiscordID, t.Delta, t.Reason, t.SourceEventID, note, t.CreatedAt})
	}

	if _, err := tx.CopyFrom(ctx, pgx.Identifier{"transactions"}, columns, pgx.CopyFromRows(copyRows)); err != nil {
		return 0, 0, err
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, 0, err
	}
	return len(txns), skipped, nil
}

// legacyEventID derives a stable source event id from a legacy document so
// reruns resolve to the same id.
func legacyEventID(pl MongoPointLog) string {
	return "legacy:" + pl.ID.Hex()
}

func (m *Migrator) tableStats(name string) *TableStats {
	if m.stats.Tables[name] == nil {
		m.stats.Tables[name] = &TableStats{}
	}
	return m.stats.Tables[name]
}

func (m *Migrator) logFinalStats() {
	for name, stats := range m.stats.Tables {
		slog.Info("Import table summary",
			slog.String("type", "sys"),
			slog.String("table", name),
			slog.Int("read", stats.Read),
			slog.Int("imported", stats.Imported),
			slog.Int("skipped", stats.Skipped))
	}
	slog.Info("Legacy import completed",
		slog.String("type", "sys"),
		slog.Duration("took", m.stats.EndTime.Sub(m.stats.StartTime)))
}

// readBSONFile streams length-prefixed BSON documents from a mongodump file.
func readBSONFile(path string, handle func(doc []byte) error) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	reader := bufio.NewReader(file)
	for {
		lengthBytes := make([]byte, 4)
		if _, err := io.ReadFull(reader, lengthBytes); err == io.EOF {
			return nil
		} else if err != nil {
			return fmt.Errorf("failed to read document length: %w", err)
		}

		length := int32(binary.LittleEndian.Uint32(lengthBytes))
		if length <= 4 {
			return fmt.Errorf("invalid document length: %d", length)
		}

		docBytes := make([]byte, length-4)
		if _, err := io.ReadFull(reader, docBytes); err != nil {
			return fmt.Errorf("failed to read document bytes: %w", err)
		}

		if err := handle(append(lengthBytes, docBytes...)); err != nil {
			return err
		}
	}
}
