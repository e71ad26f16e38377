package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dyike/CortexFlow/consts"
	"github.com/dyike/CortexFlow/internal/llm"
	"github.com/dyike/CortexFlow/internal/models"
)

// Store is the single sqlite-backed persistence layer: session descriptors
// and results, provider credentials, role bindings, versioned prompts, and
// the prediction log.
type Store struct {
	db  *sql.DB
	enc *llm.Encryptor // nil when no secret key is configured
	log *zap.Logger
}

// Open opens (and migrates) the database at path. enc may be nil; provider
// writes are refused in that case.
func Open(path string, enc *llm.Encryptor, log *zap.Logger) (*Store, error) {
	dsn := fmt.Sprintf("file:%s?_journal_mode=WAL&_busy_timeout=5000&_synchronous=NORMAL&_foreign_keys=on", path)
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	s := &Store{db: db, enc: enc, log: log.Named("sqlite")}
	if err := s.initSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) initSchema() error {
	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id      TEXT PRIMARY KEY,
		symbol          TEXT NOT NULL,
		trade_date      TEXT NOT NULL,
		market          TEXT NOT NULL,
		analysts        TEXT NOT NULL DEFAULT '[]',
		status          TEXT NOT NULL,
		created_at      TIMESTAMP NOT NULL,
		elapsed_seconds REAL NOT NULL DEFAULT 0,
		fingerprint     TEXT NOT NULL,
		error_kind      TEXT NOT NULL DEFAULT '',
		error_message   TEXT NOT NULL DEFAULT '',
		result_json     TEXT
	);
	CREATE INDEX IF NOT EXISTS idx_sessions_symbol ON sessions(symbol);
	CREATE INDEX IF NOT EXISTS idx_sessions_created ON sessions(created_at);

	CREATE TABLE IF NOT EXISTS providers (
		id                INTEGER PRIMARY KEY AUTOINCREMENT,
		name              TEXT NOT NULL UNIQUE,
		kind              TEXT NOT NULL,
		base_url          TEXT NOT NULL DEFAULT '',
		api_key_encrypted TEXT NOT NULL DEFAULT '',
		enabled_models    TEXT NOT NULL DEFAULT '[]',
		priority          INTEGER NOT NULL DEFAULT 0,
		enabled           INTEGER NOT NULL DEFAULT 1
	);

	CREATE TABLE IF NOT EXISTS bindings (
		role        TEXT PRIMARY KEY,
		provider_id INTEGER NOT NULL REFERENCES providers(id) ON DELETE CASCADE,
		model       TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS prompts (
		id         INTEGER PRIMARY KEY AUTOINCREMENT,
		name       TEXT NOT NULL,
		version    INTEGER NOT NULL,
		content    TEXT NOT NULL,
		created_at TIMESTAMP NOT NULL,
		UNIQUE(name, version)
	);

	CREATE TABLE IF NOT EXISTS predictions (
		id            INTEGER PRIMARY KEY AUTOINCREMENT,
		session_id    TEXT NOT NULL,
		symbol        TEXT NOT NULL,
		trade_date    TEXT NOT NULL,
		signal        TEXT NOT NULL,
		confidence    REAL NOT NULL,
		entry_price   REAL NOT NULL DEFAULT 0,
		target_price  REAL NOT NULL DEFAULT 0,
		stop_loss     REAL NOT NULL DEFAULT 0,
		agent_key     TEXT NOT NULL,
		created_at    TEXT NOT NULL,
		outcome       TEXT,
		actual_return REAL
	);
	CREATE INDEX IF NOT EXISTS idx_predictions_symbol ON predictions(symbol);
	`
	if _, err := s.db.Exec(schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// --- sessions ---

// SaveSession upserts a descriptor; the lifecycle fields win on conflict.
func (s *Store) SaveSession(ctx context.Context, d *models.SessionDescriptor) error {
	analysts, err := json.Marshal(d.SelectedAnalysts)
	if err != nil {
		return fmt.Errorf("marshal analysts: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO sessions (session_id, symbol, trade_date, market, analysts, status,
			created_at, elapsed_seconds, fingerprint, error_kind, error_message)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(session_id) DO UPDATE SET
			status = excluded.status,
			elapsed_seconds = excluded.elapsed_seconds,
			error_kind = excluded.error_kind,
			error_message = excluded.error_message`,
		d.SessionID, d.Symbol, d.TradeDate, string(d.Market), string(analysts), string(d.Status),
		d.CreatedAt, d.ElapsedSeconds, d.TaskFingerprint, d.ErrorKind, d.ErrorMessage)
	if err != nil {
		return fmt.Errorf("save session %s: %w", d.SessionID, err)
	}
	return nil
}

// GetSession returns nil, nil when the session does not exist.
func (s *Store) GetSession(ctx context.Context, sessionID string) (*models.SessionDescriptor, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT session_id, symbol, trade_date, market, analysts, status,
			created_at, elapsed_seconds, fingerprint, error_kind, error_message
		FROM sessions WHERE session_id = ?`, sessionID)
	d, err := scanSession(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get session %s: %w", sessionID, err)
	}
	return d, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.SessionDescriptor, error) {
	var d models.SessionDescriptor
	var market, status, analysts string
	if err := row.Scan(&d.SessionID, &d.Symbol, &d.TradeDate, &market, &analysts, &status,
		&d.CreatedAt, &d.ElapsedSeconds, &d.TaskFingerprint, &d.ErrorKind, &d.ErrorMessage); err != nil {
		return nil, err
	}
	d.Market = consts.Market(market)
	d.Status = models.SessionStatus(status)
	if err := json.Unmarshal([]byte(analysts), &d.SelectedAnalysts); err != nil {
		return nil, fmt.Errorf("decode analysts: %w", err)
	}
	return &d, nil
}

// SaveResult stores the result document on the session row.
func (s *Store) SaveResult(ctx context.Context, r *models.SessionResult) error {
	data, err := json.Marshal(r)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE sessions SET result_json = ? WHERE session_id = ?`, string(data), r.SessionID)
	if err != nil {
		return fmt.Errorf("save result %s: %w", r.SessionID, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("save result: session %s not found", r.SessionID)
	}
	return nil
}

// GetResult returns nil, nil when no result has been stored yet.
func (s *Store) GetResult(ctx context.Context, sessionID string) (*models.SessionResult, error) {
	var data sql.NullString
	err := s.db.QueryRowContext(ctx,
		`SELECT result_json FROM sessions WHERE session_id = ?`, sessionID).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get result %s: %w", sessionID, err)
	}
	if !data.Valid || data.String == "" {
		return nil, nil
	}
	var r models.SessionResult
	if err := json.Unmarshal([]byte(data.String), &r); err != nil {
		return nil, fmt.Errorf("decode result %s: %w", sessionID, err)
	}
	return &r, nil
}

// ListSessions pages newest-first. The cursor is the rowid of the last row
// of the previous page; empty means the first page.
func (s *Store) ListSessions(ctx context.Context, cursor string, limit int) ([]models.SessionDescriptor, string, error) {
	if limit <= 0 || limit > 100 {
		limit = 20
	}
	before := int64(1<<62 - 1)
	if cursor != "" {
		v, err := strconv.ParseInt(cursor, 10, 64)
		if err != nil {
			return nil, "", fmt.Errorf("bad cursor %q", cursor)
		}
		before = v
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT rowid, session_id, symbol, trade_date, market, analysts, status,
			created_at, elapsed_seconds, fingerprint, error_kind, error_message
		FROM sessions WHERE rowid < ? ORDER BY rowid DESC LIMIT ?`, before, limit)
	if err != nil {
		return nil, "", fmt.Errorf("list sessions: %w", err)
	}
	defer rows.Close()

	var out []models.SessionDescriptor
	var lastRowID int64
	for rows.Next() {
		var rowid int64
		var d models.SessionDescriptor
		var market, status, analysts string
		if err := rows.Scan(&rowid, &d.SessionID, &d.Symbol, &d.TradeDate, &market, &analysts, &status,
			&d.CreatedAt, &d.ElapsedSeconds, &d.TaskFingerprint, &d.ErrorKind, &d.ErrorMessage); err != nil {
			return nil, "", err
		}
		d.Market = consts.Market(market)
		d.Status = models.SessionStatus(status)
		if err := json.Unmarshal([]byte(analysts), &d.SelectedAnalysts); err != nil {
			return nil, "", fmt.Errorf("decode analysts: %w", err)
		}
		out = append(out, d)
		lastRowID = rowid
	}
	if err := rows.Err(); err != nil {
		return nil, "", err
	}

	next := ""
	if len(out) == limit {
		next = strconv.FormatInt(lastRowID, 10)
	}
	return out, next, nil
}

// --- providers ---

// SaveProvider upserts a provider row by name and returns its id. plainKey
// is encrypted before it touches the database; passing an empty plainKey on
// an update keeps the stored credential. Without a configured secret key new
// credentials are refused.
func (s *Store) SaveProvider(ctx context.Context, p llm.Provider, plainKey string) (int64, error) {
	encKey := ""
	if plainKey != "" {
		if s.enc == nil {
			return 0, llm.ErrNoSecretKey
		}
		var err error
		encKey, err = s.enc.Encrypt(plainKey)
		if err != nil {
			return 0, fmt.Errorf("encrypt provider key: %w", err)
		}
	}
	modelsJSON, err := json.Marshal(p.EnabledModels)
	if err != nil {
		return 0, fmt.Errorf("marshal models: %w", err)
	}

	if encKey != "" {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO providers (name, kind, base_url, api_key_encrypted, enabled_models, priority, enabled)
			VALUES (?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				kind = excluded.kind,
				base_url = excluded.base_url,
				api_key_encrypted = excluded.api_key_encrypted,
				enabled_models = excluded.enabled_models,
				priority = excluded.priority,
				enabled = excluded.enabled`,
			p.Name, string(p.Kind), p.BaseURL, encKey, string(modelsJSON), p.Priority, boolToInt(p.Enabled))
	} else {
		_, err = s.db.ExecContext(ctx, `
			INSERT INTO providers (name, kind, base_url, enabled_models, priority, enabled)
			VALUES (?, ?, ?, ?, ?, ?)
			ON CONFLICT(name) DO UPDATE SET
				kind = excluded.kind,
				base_url = excluded.base_url,
				enabled_models = excluded.enabled_models,
				priority = excluded.priority,
				enabled = excluded.enabled`,
			p.Name, string(p.Kind), p.BaseURL, string(modelsJSON), p.Priority, boolToInt(p.Enabled))
	}
	if err != nil {
		return 0, fmt.Errorf("save provider %s: %w", p.Name, err)
	}

	var id int64
	if err := s.db.QueryRowContext(ctx,
		`SELECT id FROM providers WHERE name = ?`, p.Name).Scan(&id); err != nil {
		return 0, fmt.Errorf("read provider id: %w", err)
	}
	return id, nil
}

func (s *Store) DeleteProvider(ctx context.Context, id int64) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM providers WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete provider %d: %w", id, err)
	}
	return nil
}

func (s *Store) ListProviders(ctx context.Context) ([]llm.Provider, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name, kind, base_url, api_key_encrypted, enabled_models, priority, enabled
		FROM providers ORDER BY priority DESC, id ASC`)
	if err != nil {
		return nil, fmt.Errorf("list providers: %w", err)
	}
	defer rows.Close()

	var out []llm.Provider
	for rows.Next() {
		var p llm.Provider
		var kind, modelsJSON string
		var enabled int
		if err := rows.Scan(&p.ID, &p.Name, &kind, &p.BaseURL, &p.APIKeyEncrypted,
			&modelsJSON, &p.Priority, &enabled); err != nil {
			return nil, err
		}
		p.Kind = llm.ProviderKind(kind)
		p.Enabled = enabled != 0
		if err := json.Unmarshal([]byte(modelsJSON), &p.EnabledModels); err != nil {
			return nil, fmt.Errorf("decode models for %s: %w", p.Name, err)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

func (s *Store) SetBinding(ctx context.Context, b llm.Binding) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO bindings (role, provider_id, model) VALUES (?, ?, ?)
		ON CONFLICT(role) DO UPDATE SET
			provider_id = excluded.provider_id,
			model = excluded.model`,
		string(b.Role), b.ProviderID, b.Model)
	if err != nil {
		return fmt.Errorf("set binding %s: %w", b.Role, err)
	}
	return nil
}

func (s *Store) ListBindings(ctx context.Context) ([]llm.Binding, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT role, provider_id, model FROM bindings`)
	if err != nil {
		return nil, fmt.Errorf("list bindings: %w", err)
	}
	defer rows.Close()

	var out []llm.Binding
	for rows.Next() {
		var b llm.Binding
		var role string
		if err := rows.Scan(&role, &b.ProviderID, &b.Model); err != nil {
			return nil, err
		}
		b.Role = llm.RoleKey(role)
		out = append(out, b)
	}
	return out, rows.Err()
}

// --- prompts ---

// PromptRecord is one stored prompt version.
type PromptRecord struct {
	Name      string    `json:"name"`
	Version   int       `json:"version"`
	Content   string    `json:"content"`
	CreatedAt time.Time `json:"created_at"`
}

// SavePrompt writes a new version; earlier versions stay readable for audit.
func (s *Store) SavePrompt(ctx context.Context, name, content string) (int, error) {
	var version int
	err := s.db.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(version), 0) + 1 FROM prompts WHERE name = ?`, name).Scan(&version)
	if err != nil {
		return 0, fmt.Errorf("next prompt version: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO prompts (name, version, content, created_at) VALUES (?, ?, ?, ?)`,
		name, version, content, time.Now().UTC())
	if err != nil {
		return 0, fmt.Errorf("save prompt %s: %w", name, err)
	}
	return version, nil
}

// GetPrompt returns the latest version, or nil, nil when none exists.
func (s *Store) GetPrompt(ctx context.Context, name string) (*PromptRecord, error) {
	var rec PromptRecord
	err := s.db.QueryRowContext(ctx, `
		SELECT name, version, content, created_at FROM prompts
		WHERE name = ? ORDER BY version DESC LIMIT 1`, name).
		Scan(&rec.Name, &rec.Version, &rec.Content, &rec.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("get prompt %s: %w", name, err)
	}
	return &rec, nil
}

// --- predictions ---

func (s *Store) AppendPrediction(ctx context.Context, rec models.PredictionRecord) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO predictions (session_id, symbol, trade_date, signal, confidence,
			entry_price, target_price, stop_loss, agent_key, created_at, outcome, actual_return)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.SessionID, rec.Symbol, rec.TradeDate, string(rec.Signal), rec.Confidence,
		rec.EntryPrice, rec.TargetPrice, rec.StopLoss, rec.AgentKey, rec.CreatedAt,
		rec.Outcome, rec.ActualReturn)
	if err != nil {
		return fmt.Errorf("append prediction: %w", err)
	}
	return nil
}

// RecentPredictions returns the newest records for a symbol.
func (s *Store) RecentPredictions(ctx context.Context, symbol string, limit int) ([]models.PredictionRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT session_id, symbol, trade_date, signal, confidence, entry_price,
			target_price, stop_loss, agent_key, created_at, outcome, actual_return
		FROM predictions WHERE symbol = ? ORDER BY id DESC LIMIT ?`, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("recent predictions: %w", err)
	}
	defer rows.Close()

	var out []models.PredictionRecord
	for rows.Next() {
		var rec models.PredictionRecord
		var signal string
		if err := rows.Scan(&rec.SessionID, &rec.Symbol, &rec.TradeDate, &signal, &rec.Confidence,
			&rec.EntryPrice, &rec.TargetPrice, &rec.StopLoss, &rec.AgentKey, &rec.CreatedAt,
			&rec.Outcome, &rec.ActualReturn); err != nil {
			return nil, err
		}
		rec.Signal = models.Signal(signal)
		out = append(out, rec)
	}
	return out, rows.Err()
}

// RecordOutcome fills in the evaluation fields of one prediction.
func (s *Store) RecordOutcome(ctx context.Context, sessionID, outcome string, actualReturn float64) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE predictions SET outcome = ?, actual_return = ? WHERE session_id = ?`,
		outcome, actualReturn, sessionID)
	if err != nil {
		return fmt.Errorf("record outcome: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("record outcome: no prediction for session %s", sessionID)
	}
	return nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
