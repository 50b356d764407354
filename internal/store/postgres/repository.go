package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/Masterminds/squirrel"
	"github.com/georgysavva/scany/v2/pgxscan"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"scriptgate/internal/store"
	"scriptgate/pkg/contracts/domain"
)

// DBInterface defines the minimal interface needed by the repository
type DBInterface interface {
	Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Begin(ctx context.Context) (pgx.Tx, error)
}

var (
	keyColumns = []string{
		"id", "script_id", "key_value", "hwid", "is_banned", "expires_at",
		"execution_count", "discord_id", "note", "used_at", "created_at",
	}
	tokenColumns = []string{
		"token", "script_id", "key_id", "hwid_hash", "ip_address",
		"issued_at", "expires_at", "is_valid", "used_at",
	}
	challengeColumns = []string{
		"nonce", "script_id", "client_hwid", "ip_address", "issued_at", "expires_at", "consumed_at",
	}
)

// Repository implements store.Store operations on PostgreSQL
type Repository struct {
	db DBInterface
}

// NewRepository creates a repository over db
func NewRepository(db DBInterface) *Repository {
	return &Repository{db: db}
}

func psql() squirrel.StatementBuilderType {
	return squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar)
}

func returning(cols []string) string {
	s := "RETURNING "
	for i, c := range cols {
		if i > 0 {
			s += ", "
		}
		s += c
	}
	return s
}

func (r *Repository) getOne(ctx context.Context, dst any, q squirrel.Sqlizer, what string) error {
	query, args, err := q.ToSql()
	if err != nil {
		return fmt.Errorf("building %s query: %w", what, err)
	}
	if err := pgxscan.Get(ctx, r.db, dst, query, args...); err != nil {
		if pgxscan.NotFound(err) {
			return store.ErrNotFound
		}
		return fmt.Errorf("scanning %s: %w", what, err)
	}
	return nil
}

func (r *Repository) exec(ctx context.Context, q squirrel.Sqlizer, what string) (pgconn.CommandTag, error) {
	query, args, err := q.ToSql()
	if err != nil {
		return pgconn.CommandTag{}, fmt.Errorf("building %s query: %w", what, err)
	}
	tag, err := r.db.Exec(ctx, query, args...)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return tag, store.ErrConflict
		}
		return tag, fmt.Errorf("%s: %w", what, err)
	}
	return tag, nil
}

// GetKey implements store.KeyStore
func (r *Repository) GetKey(ctx context.Context, scriptID, value string) (*domain.LicenseKey, error) {
	var key domain.LicenseKey
	q := psql().Select(keyColumns...).From("license_keys").
		Where(squirrel.Eq{"script_id": scriptID, "key_value": value})
	if err := r.getOne(ctx, &key, q, "license key"); err != nil {
		return nil, err
	}
	return &key, nil
}

// GetKeyByID implements store.KeyStore
func (r *Repository) GetKeyByID(ctx context.Context, id string) (*domain.LicenseKey, error) {
	var key domain.LicenseKey
	q := psql().Select(keyColumns...).From("license_keys").Where(squirrel.Eq{"id": id})
	if err := r.getOne(ctx, &key, q, "license key"); err != nil {
		return nil, err
	}
	return &key, nil
}

// CreateKey implements store.KeyStore
func (r *Repository) CreateKey(ctx context.Context, key *domain.LicenseKey) error {
	q := psql().Insert("license_keys").
		Columns(keyColumns...).
		Values(key.ID, key.ScriptID, key.Value, key.HWID, key.IsBanned, key.ExpiresAt,
			key.ExecutionCount, key.DiscordID, key.Note, key.UsedAt, key.CreatedAt)
	_, err := r.exec(ctx, q, "inserting license key")
	return err
}

// BindHWID implements store.KeyStore
func (r *Repository) BindHWID(ctx context.Context, keyID, hwidHash string) (bool, error) {
	q := psql().Update("license_keys").
		Set("hwid", hwidHash).
		Where(squirrel.Eq{"id": keyID, "hwid": nil})
	tag, err := r.exec(ctx, q, "binding hwid")
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() == 1, nil
}

// ResetHWID implements store.KeyStore
func (r *Repository) ResetHWID(ctx context.Context, keyID string) error {
	q := psql().Update("license_keys").Set("hwid", nil).Where(squirrel.Eq{"id": keyID})
	tag, err := r.exec(ctx, q, "resetting hwid")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// RecordUse implements store.KeyStore
func (r *Repository) RecordUse(ctx context.Context, keyID, hwidHash string, now time.Time) (int64, error) {
	var hwidPred squirrel.Sqlizer = squirrel.Eq{"hwid": nil}
	if hwidHash != "" {
		hwidPred = squirrel.Eq{"hwid": hwidHash}
	}

	query, args, err := psql().Update("license_keys").
		Set("execution_count", squirrel.Expr("execution_count + 1")).
		Set("used_at", now).
		Where(squirrel.Eq{"id": keyID, "is_banned": false}).
		Where(squirrel.Or{squirrel.Eq{"expires_at": nil}, squirrel.Gt{"expires_at": now}}).
		Where(hwidPred).
		Suffix("RETURNING execution_count").
		ToSql()
	if err != nil {
		return 0, fmt.Errorf("building record use query: %w", err)
	}

	var count int64
	if err := r.db.QueryRow(ctx, query, args...).Scan(&count); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return 0, store.ErrNotFound
		}
		return 0, fmt.Errorf("recording key use: %w", err)
	}
	return count, nil
}

// ExtendExpiry implements store.KeyStore
func (r *Repository) ExtendExpiry(ctx context.Context, keyID string, from, until time.Time) error {
	q := psql().Update("license_keys").Set("expires_at", until).
		Where(squirrel.Eq{"id": keyID}).
		Where(squirrel.Eq{"expires_at": from})
	tag, err := r.exec(ctx, q, "extending expiry")
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return store.ErrNotFound
	}
	return nil
}

// GetScript implements store.ScriptStore
func (r *Repository) GetScript(ctx context.Context, id string) (*domain.Script, error) {
	var s domain.Script
	q := psql().Select("id", "name", "version", "hwid_locked", "cipher_mode", "created_at").
		From("scripts").Where(squirrel.Eq{"id": id})
	if err := r.getOne(ctx, &s, q, "script"); err != nil {
		return nil, err
	}
	return &s, nil
}

type secretRow struct {
	ScriptID  string `db:"script_id"`
	HMACKey   string `db:"hmac_key"`
	ConstantA string `db:"constant_a"`
	ConstantB string `db:"constant_b"`
	ConstantC string `db:"constant_c"`
}

// GetSecret implements store.ScriptStore
func (r *Repository) GetSecret(ctx context.Context, scriptID string) (*domain.ScriptSecret, error) {
	var row secretRow
	q := psql().Select("script_id", "hmac_key", "constant_a", "constant_b", "constant_c").
		From("script_secrets").Where(squirrel.Eq{"script_id": scriptID})
	if err := r.getOne(ctx, &row, q, "script secret"); err != nil {
		return nil, err
	}
	return &domain.ScriptSecret{
		ScriptID:            row.ScriptID,
		HMACKey:             row.HMACKey,
		DerivationConstants: [3]string{row.ConstantA, row.ConstantB, row.ConstantC},
	}, nil
}

// GetPayload implements store.ScriptStore
func (r *Repository) GetPayload(ctx context.Context, scriptID string) (*domain.Payload, error) {
	var p domain.Payload
	q := psql().Select("script_id", "body", "updated_at").
		From("script_payloads").Where(squirrel.Eq{"script_id": scriptID})
	if err := r.getOne(ctx, &p, q, "payload"); err != nil {
		return nil, err
	}
	return &p, nil
}

// InsertToken implements store.TokenStore
func (r *Repository) InsertToken(ctx context.Context, t *domain.RotatingToken) error {
	q := psql().Insert("rotating_tokens").
		Columns(tokenColumns...).
		Values(t.Token, t.ScriptID, t.KeyID, t.HWIDHash, t.IPAddress, t.IssuedAt, t.ExpiresAt, t.IsValid, t.UsedAt)
	_, err := r.exec(ctx, q, "inserting token")
	return err
}

// GetToken implements store.TokenStore
func (r *Repository) GetToken(ctx context.Context, token string) (*domain.RotatingToken, error) {
	var t domain.RotatingToken
	q := psql().Select(tokenColumns...).From("rotating_tokens").Where(squirrel.Eq{"token": token})
	if err := r.getOne(ctx, &t, q, "token"); err != nil {
		return nil, err
	}
	return &t, nil
}

// ConsumeToken implements store.TokenStore. The whole predicate lives in the
// UPDATE so concurrent consumers race on the row lock and only one wins.
func (r *Repository) ConsumeToken(ctx context.Context, p store.ConsumeParams) (*domain.RotatingToken, error) {
	var t domain.RotatingToken
	q := psql().Update("rotating_tokens").
		Set("is_valid", false).
		Set("used_at", p.Now).
		Where(squirrel.Eq{
			"token":      p.Token,
			"script_id":  p.ScriptID,
			"ip_address": p.IPAddress,
			"hwid_hash":  p.HWIDHash,
			"is_valid":   true,
			"used_at":    nil,
		}).
		Where(squirrel.Gt{"expires_at": p.Now}).
		Suffix(returning(tokenColumns))
	if err := r.getOne(ctx, &t, q, "token consumption"); err != nil {
		return nil, err
	}
	return &t, nil
}

// DeleteExpiredTokens implements store.TokenStore
func (r *Repository) DeleteExpiredTokens(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.exec(ctx, psql().Delete("rotating_tokens").Where(squirrel.Lt{"expires_at": before}), "deleting tokens")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// InsertChallenge implements store.ChallengeStore
func (r *Repository) InsertChallenge(ctx context.Context, c *domain.Challenge) error {
	q := psql().Insert("challenges").
		Columns(challengeColumns...).
		Values(c.Nonce, c.ScriptID, c.ClientHWID, c.IPAddress, c.IssuedAt, c.ExpiresAt, c.ConsumedAt)
	_, err := r.exec(ctx, q, "inserting challenge")
	return err
}

// ConsumeChallenge implements store.ChallengeStore
func (r *Repository) ConsumeChallenge(ctx context.Context, claim store.ChallengeClaim, now time.Time) (*domain.Challenge, error) {
	var c domain.Challenge
	q := psql().Update("challenges").
		Set("consumed_at", now).
		Where(squirrel.Eq{"nonce": claim.Nonce, "script_id": claim.ScriptID, "consumed_at": nil}).
		Where(squirrel.Gt{"expires_at": now}).
		Where(squirrel.Or{squirrel.Eq{"client_hwid": ""}, squirrel.Eq{"client_hwid": claim.HWID}}).
		Where(squirrel.Or{squirrel.Eq{"ip_address": ""}, squirrel.Eq{"ip_address": claim.IP}}).
		Suffix(returning(challengeColumns))
	if err := r.getOne(ctx, &c, q, "challenge consumption"); err != nil {
		return nil, err
	}
	return &c, nil
}

// DeleteExpiredChallenges implements store.ChallengeStore
func (r *Repository) DeleteExpiredChallenges(ctx context.Context, before time.Time) (int64, error) {
	tag, err := r.exec(ctx, psql().Delete("challenges").Where(squirrel.Lt{"expires_at": before}), "deleting challenges")
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

// RecordEvent implements store.AuditStore
func (r *Repository) RecordEvent(ctx context.Context, e *domain.SecurityEvent) error {
	details, err := json.Marshal(e.Details)
	if err != nil {
		return fmt.Errorf("encoding event details: %w", err)
	}
	if e.Details == nil {
		details = []byte("{}")
	}
	q := psql().Insert("security_events").
		Columns("event_type", "severity", "ip_address", "script_id", "key_id", "details", "created_at").
		Values(e.EventType, string(e.Severity), e.IPAddress, e.ScriptID, e.KeyID, string(details), e.CreatedAt)
	_, err = r.exec(ctx, q, "inserting security event")
	return err
}
