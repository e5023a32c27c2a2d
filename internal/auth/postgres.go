package auth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	apperrors "github.com/koopa0/system-design/14-realtime-rooms/pkg/errors"
)

// PostgresStore 以 PostgreSQL 儲存帳號與登入 Session
type PostgresStore struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewPostgresStore 建立 PostgresStore
func NewPostgresStore(pool *pgxpool.Pool, logger *slog.Logger) *PostgresStore {
	return &PostgresStore{pool: pool, logger: logger}
}

// Lookup 實作 SessionStore
//
// 過期的 Session 會被刪除並回傳 ErrSessionExpired。
func (p *PostgresStore) Lookup(ctx context.Context, token string) (SessionRecord, error) {
	const query = `
		SELECT a.id, a.display_name, a.banned_until, s.expires_at
		FROM sessions s
		JOIN accounts a ON a.id = s.account_id
		WHERE s.token = $1`

	var (
		id          int64
		rec         SessionRecord
		bannedUntil *time.Time
	)
	err := p.pool.QueryRow(ctx, query, token).Scan(&id, &rec.DisplayName, &bannedUntil, &rec.ExpiresAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return SessionRecord{}, apperrors.ErrUnauthorized
	}
	if err != nil {
		return SessionRecord{}, apperrors.Wrap(err, apperrors.ErrCodeUnavailable, "lookup session")
	}
	rec.AccountID = strconv.FormatInt(id, 10)

	now := time.Now()
	if !now.Before(rec.ExpiresAt) {
		if _, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE token = $1`, token); err != nil {
			p.logger.Warn("刪除過期 session 失敗", "error", err)
		}
		return SessionRecord{}, apperrors.ErrSessionExpired
	}
	if bannedUntil != nil && now.Before(*bannedUntil) {
		return SessionRecord{}, apperrors.ErrUnauthorized.WithDetails("account banned")
	}

	if _, err := p.pool.Exec(ctx, `UPDATE accounts SET last_login = $2 WHERE id = $1`, id, now); err != nil {
		p.logger.Warn("更新最後登入時間失敗", "error", err, "account_id", id)
	}
	return rec, nil
}

// CreateAccount 建立帳號，回傳帳號 ID
func (p *PostgresStore) CreateAccount(ctx context.Context, username, displayName string) (string, error) {
	var id int64
	err := p.pool.QueryRow(ctx,
		`INSERT INTO accounts (username, display_name) VALUES ($1, $2) RETURNING id`,
		username, displayName,
	).Scan(&id)
	if err != nil {
		return "", fmt.Errorf("create account: %w", err)
	}
	return strconv.FormatInt(id, 10), nil
}

// CreateSession 為帳號建立登入 Session
func (p *PostgresStore) CreateSession(ctx context.Context, accountID, token string, expiresAt time.Time) error {
	id, err := strconv.ParseInt(accountID, 10, 64)
	if err != nil {
		return apperrors.New(apperrors.ErrCodeInvalidInput, "invalid account id").WithDetails(accountID)
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO sessions (token, account_id, expires_at) VALUES ($1, $2, $3)`,
		token, id, expiresAt,
	)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	return nil
}

// DeleteExpired 刪除所有過期的 Session，回傳刪除數量
func (p *PostgresStore) DeleteExpired(ctx context.Context) (int64, error) {
	tag, err := p.pool.Exec(ctx, `DELETE FROM sessions WHERE expires_at <= NOW()`)
	if err != nil {
		return 0, fmt.Errorf("delete expired sessions: %w", err)
	}
	return tag.RowsAffected(), nil
}
