// SPDX-License-Identifier: MIT

package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math"
	"time"

	_ "modernc.org/sqlite" // Pure Go driver
)

const schemaVersion = 1

// Tolerances decide when a piece counts as placed.
type Tolerances struct {
	Position float64 // units, per axis
	Rotation float64 // degrees, shortest distance modulo 360
}

// SqliteStore implements PieceStore using SQLite.
type SqliteStore struct {
	DB  *sql.DB
	tol Tolerances
}

// Open initializes a SQLite connection pool with mandatory PRAGMAs applied
// to every pooled connection via the DSN.
func Open(dbPath string, tol Tolerances) (*SqliteStore, error) {
	dsn := fmt.Sprintf("file:%s?_pragma=journal_mode(WAL)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)",
		dbPath, (5 * time.Second).Milliseconds())

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("sqlite: open failed: %w", err)
	}
	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(1 * time.Hour)

	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("sqlite: ping failed: %w", err)
	}

	s := &SqliteStore{DB: db, tol: tol}
	if err := s.migrate(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("piece store: migration failed: %w", err)
	}
	return s, nil
}

func (s *SqliteStore) Close() error {
	return s.DB.Close()
}

func (s *SqliteStore) Ping(ctx context.Context) error {
	return s.DB.PingContext(ctx)
}

func (s *SqliteStore) migrate() error {
	var currentVersion int
	if err := s.DB.QueryRow("PRAGMA user_version").Scan(&currentVersion); err != nil {
		return err
	}
	if currentVersion >= schemaVersion {
		return nil
	}

	tx, err := s.DB.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	schema := `
	CREATE TABLE IF NOT EXISTS sessions (
		session_id TEXT PRIMARY KEY,
		puzzle_id TEXT NOT NULL,
		status TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL,
		completed_at_ms INTEGER
	);

	CREATE TABLE IF NOT EXISTS pieces (
		piece_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		x REAL NOT NULL,
		y REAL NOT NULL,
		rotation REAL NOT NULL,
		target_x REAL NOT NULL,
		target_y REAL NOT NULL,
		target_rotation REAL NOT NULL,
		placed INTEGER NOT NULL DEFAULT 0,
		lock_owner TEXT,
		lock_expires_at_ms INTEGER
	);

	CREATE INDEX IF NOT EXISTS idx_pieces_session ON pieces(session_id);
	CREATE INDEX IF NOT EXISTS idx_pieces_lock_owner ON pieces(lock_owner);

	CREATE TABLE IF NOT EXISTS chat_messages (
		message_id TEXT PRIMARY KEY,
		session_id TEXT NOT NULL,
		user_id TEXT NOT NULL,
		body TEXT NOT NULL,
		created_at_ms INTEGER NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_chat_session_created ON chat_messages(session_id, created_at_ms);
	`
	if _, err := tx.Exec(schema); err != nil {
		return err
	}
	if _, err := tx.Exec(fmt.Sprintf("PRAGMA user_version = %d", schemaVersion)); err != nil {
		return err
	}
	return tx.Commit()
}

// --- Sessions ---

func (s *SqliteStore) Session(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var rec SessionRecord
	var completed sql.NullInt64
	err := s.DB.QueryRowContext(ctx, `
		SELECT session_id, puzzle_id, status, created_at_ms, completed_at_ms
		FROM sessions WHERE session_id = ?`, sessionID).
		Scan(&rec.SessionID, &rec.PuzzleID, &rec.Status, &rec.CreatedAtMS, &completed)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, err
	}
	rec.CompletedAtMS = completed.Int64
	return &rec, nil
}

func (s *SqliteStore) CreateSession(ctx context.Context, sessionID, puzzleID, status string) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO sessions (session_id, puzzle_id, status, created_at_ms)
		VALUES (?, ?, ?, ?)`, sessionID, puzzleID, status, time.Now().UnixMilli())
	return err
}

func (s *SqliteStore) SetSessionStatus(ctx context.Context, sessionID, status string) error {
	res, err := s.DB.ExecContext(ctx,
		`UPDATE sessions SET status = ? WHERE session_id = ?`, status, sessionID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrSessionNotFound
	}
	return nil
}

// --- Pieces ---

func (s *SqliteStore) SeedPieces(ctx context.Context, pieces []Piece) error {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO pieces (piece_id, session_id, x, y, rotation,
			target_x, target_y, target_rotation, placed, lock_owner, lock_expires_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, 0, NULL, NULL)`)
	if err != nil {
		return err
	}
	defer func() { _ = stmt.Close() }()

	for _, p := range pieces {
		if _, err := stmt.ExecContext(ctx, p.PieceID, p.SessionID, p.X, p.Y, p.Rotation,
			p.TargetX, p.TargetY, p.TargetRotation); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (s *SqliteStore) ReadPiece(ctx context.Context, pieceID string) (*Piece, error) {
	p, err := scanPiece(s.DB.QueryRowContext(ctx, `
		SELECT piece_id, session_id, x, y, rotation, target_x, target_y, target_rotation,
			placed, lock_owner, lock_expires_at_ms
		FROM pieces WHERE piece_id = ?`, pieceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPieceNotFound
	}
	return p, err
}

func (s *SqliteStore) PiecesBySession(ctx context.Context, sessionID string) ([]Piece, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT piece_id, session_id, x, y, rotation, target_x, target_y, target_rotation,
			placed, lock_owner, lock_expires_at_ms
		FROM pieces WHERE session_id = ? ORDER BY piece_id`, sessionID)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var pieces []Piece
	for rows.Next() {
		p, err := scanPiece(rows)
		if err != nil {
			return nil, err
		}
		pieces = append(pieces, *p)
	}
	return pieces, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanPiece(row rowScanner) (*Piece, error) {
	var p Piece
	var placed int
	var owner sql.NullString
	var expires sql.NullInt64
	err := row.Scan(&p.PieceID, &p.SessionID, &p.X, &p.Y, &p.Rotation,
		&p.TargetX, &p.TargetY, &p.TargetRotation, &placed, &owner, &expires)
	if err != nil {
		return nil, err
	}
	p.Placed = placed != 0
	p.LockOwner = owner.String
	p.LockExpiresAtMS = expires.Int64
	return &p, nil
}

// UpdatePosition applies a move atomically: new position, sticky placed flag
// within tolerance, completion counts, and the one-shot puzzle-complete
// transition recorded on the session row.
func (s *SqliteStore) UpdatePosition(ctx context.Context, pieceID string, x, y, rotation float64) (*MoveResult, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	p, err := scanPiece(tx.QueryRowContext(ctx, `
		SELECT piece_id, session_id, x, y, rotation, target_x, target_y, target_rotation,
			placed, lock_owner, lock_expires_at_ms
		FROM pieces WHERE piece_id = ?`, pieceID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrPieceNotFound
	}
	if err != nil {
		return nil, err
	}

	// Placed is sticky: once set it survives any further move.
	placed := p.Placed || s.withinTolerance(x, y, rotation, p)

	if _, err := tx.ExecContext(ctx, `
		UPDATE pieces SET x = ?, y = ?, rotation = ?, placed = ? WHERE piece_id = ?`,
		x, y, rotation, boolToInt(placed), pieceID); err != nil {
		return nil, err
	}

	var completedCount, totalCount int
	if err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FILTER (WHERE placed = 1), COUNT(*)
		FROM pieces WHERE session_id = ?`, p.SessionID).
		Scan(&completedCount, &totalCount); err != nil {
		return nil, err
	}

	puzzleComplete := false
	if totalCount > 0 && completedCount == totalCount {
		// Claim the completion transition; succeeds for exactly one move.
		res, err := tx.ExecContext(ctx, `
			UPDATE sessions SET completed_at_ms = ?
			WHERE session_id = ? AND completed_at_ms IS NULL`,
			time.Now().UnixMilli(), p.SessionID)
		if err != nil {
			return nil, err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return nil, err
		}
		puzzleComplete = n == 1
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}

	return &MoveResult{
		Applied:        true,
		X:              x,
		Y:              y,
		Rotation:       rotation,
		Placed:         placed,
		NewlyPlaced:    placed && !p.Placed,
		CompletedCount: completedCount,
		TotalCount:     totalCount,
		PuzzleComplete: puzzleComplete,
	}, nil
}

func (s *SqliteStore) withinTolerance(x, y, rotation float64, p *Piece) bool {
	if math.Abs(x-p.TargetX) > s.tol.Position || math.Abs(y-p.TargetY) > s.tol.Position {
		return false
	}
	return angularDistance(rotation, p.TargetRotation) <= s.tol.Rotation
}

// angularDistance returns the shortest distance between two angles in degrees.
func angularDistance(a, b float64) float64 {
	d := math.Mod(math.Abs(a-b), 360)
	if d > 180 {
		d = 360 - d
	}
	return d
}

// SetLock caches the authoritative K/V lock owner on the durable row.
// Empty userID clears the lock.
func (s *SqliteStore) SetLock(ctx context.Context, pieceID, userID string, expiresAtMS int64) error {
	var owner sql.NullString
	var expires sql.NullInt64
	if userID != "" {
		owner = sql.NullString{String: userID, Valid: true}
		expires = sql.NullInt64{Int64: expiresAtMS, Valid: true}
	}
	res, err := s.DB.ExecContext(ctx, `
		UPDATE pieces SET lock_owner = ?, lock_expires_at_ms = ? WHERE piece_id = ?`,
		owner, expires, pieceID)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrPieceNotFound
	}
	return nil
}

// ClearLocksFor bulk-clears the durable lock owner for every piece held by
// the user and returns the affected piece IDs.
func (s *SqliteStore) ClearLocksFor(ctx context.Context, userID string) ([]string, error) {
	tx, err := s.DB.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer func() { _ = tx.Rollback() }()

	rows, err := tx.QueryContext(ctx,
		`SELECT piece_id FROM pieces WHERE lock_owner = ?`, userID)
	if err != nil {
		return nil, err
	}
	var ids []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			_ = rows.Close()
			return nil, err
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	if len(ids) > 0 {
		if _, err := tx.ExecContext(ctx, `
			UPDATE pieces SET lock_owner = NULL, lock_expires_at_ms = NULL
			WHERE lock_owner = ?`, userID); err != nil {
			return nil, err
		}
	}
	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return ids, nil
}

// --- Chat ---

func (s *SqliteStore) AppendChat(ctx context.Context, msg *ChatMessage) error {
	_, err := s.DB.ExecContext(ctx, `
		INSERT INTO chat_messages (message_id, session_id, user_id, body, created_at_ms)
		VALUES (?, ?, ?, ?, ?)`,
		msg.MessageID, msg.SessionID, msg.UserID, msg.Body, msg.CreatedAtMS)
	return err
}

func (s *SqliteStore) RecentChat(ctx context.Context, sessionID string, limit int) ([]ChatMessage, error) {
	rows, err := s.DB.QueryContext(ctx, `
		SELECT message_id, session_id, user_id, body, created_at_ms
		FROM chat_messages WHERE session_id = ?
		ORDER BY created_at_ms DESC LIMIT ?`, sessionID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var msgs []ChatMessage
	for rows.Next() {
		var m ChatMessage
		if err := rows.Scan(&m.MessageID, &m.SessionID, &m.UserID, &m.Body, &m.CreatedAtMS); err != nil {
			return nil, err
		}
		msgs = append(msgs, m)
	}
	return msgs, rows.Err()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
