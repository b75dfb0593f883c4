package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"math/rand"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jmoiron/sqlx"
	"github.com/rs/zerolog"
)

// The database host is fixed; only credentials and database name come from
// the environment.
const mysqlHost = "127.0.0.1:3306"

const maxPoolConns = 5

// SQLRepository implements Repository on a sqlx connection pool.
type SQLRepository struct {
	db  *sqlx.DB
	ids registerIDAllocator
	log zerolog.Logger
}

// Connect opens the MySQL pool. The caller is expected to run InitSchema
// once before serving. clientFoundRows makes idempotent UPDATEs report the
// matched row instead of zero.
func Connect(username, password, database string, log zerolog.Logger) (*SQLRepository, error) {
	dsn := fmt.Sprintf("%s:%s@tcp(%s)/%s?parseTime=true&clientFoundRows=true",
		username, password, mysqlHost, database)
	db, err := sqlx.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	db.SetMaxOpenConns(maxPoolConns)
	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
	}
	return NewSQLRepository(db, log), nil
}

// NewSQLRepository wraps an existing pool. Tests hand in SQLite here.
func NewSQLRepository(db *sqlx.DB, log zerolog.Logger) *SQLRepository {
	return &SQLRepository{
		db:  db,
		log: log.With().Str("component", "repository").Logger(),
	}
}

var mysqlSchema = []string{
	`CREATE TABLE IF NOT EXISTS users (
		id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		username VARCHAR(15) NOT NULL UNIQUE COLLATE utf8mb4_bin,
		display VARCHAR(15) COLLATE utf8mb4_bin,
		status VARCHAR(15) COLLATE utf8mb4_bin,
		about VARCHAR(200) COLLATE utf8mb4_bin,
		avatar MEDIUMBLOB,
		sub_level INT(11) NOT NULL DEFAULT 0,
		sub_end BIGINT(20) NOT NULL,
		public_key TEXT NOT NULL COLLATE utf8mb4_bin,
		private_key_hash TEXT NOT NULL COLLATE utf8mb4_bin,
		iota_id BIGINT UNSIGNED NOT NULL,
		token VARCHAR(255) NOT NULL UNIQUE COLLATE utf8mb4_bin
	)`,
	`CREATE TABLE IF NOT EXISTS iotas (
		id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		public_key VARCHAR(255) NOT NULL COLLATE utf8mb4_bin
	)`,
	`CREATE TABLE IF NOT EXISTS omikrons (
		id BIGINT UNSIGNED NOT NULL PRIMARY KEY,
		is_active INT(1) NOT NULL DEFAULT 0,
		public_key VARCHAR(255) NOT NULL COLLATE utf8mb4_bin,
		location VARCHAR(255) NOT NULL COLLATE utf8mb4_bin,
		ip_address VARCHAR(255) NOT NULL COLLATE utf8mb4_bin
	)`,
	`CREATE TABLE IF NOT EXISTS notifications (
		user_id BIGINT UNSIGNED NOT NULL,
		sender_id BIGINT UNSIGNED NOT NULL,
		amount BIGINT NOT NULL DEFAULT 0,
		PRIMARY KEY (user_id, sender_id)
	)`,
}

// InitSchema creates the tables when they do not exist yet.
func (r *SQLRepository) InitSchema(ctx context.Context) error {
	for _, stmt := range mysqlSchema {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("create table: %w", err)
		}
	}
	return nil
}

func (r *SQLRepository) Close() error {
	return r.db.Close()
}

// translate maps driver errors to the repository error set.
func translate(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	var mysqlErr *mysql.MySQLError
	if errors.As(err, &mysqlErr) && mysqlErr.Number == 1062 {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	// SQLite in tests reports unique violations as plain errors.
	if strings.Contains(err.Error(), "UNIQUE constraint") {
		return fmt.Errorf("%w: %v", ErrConflict, err)
	}
	return fmt.Errorf("%w: %v", ErrBackendUnavailable, err)
}

const userColumns = `id, username, display, status, about, avatar, sub_level, sub_end, public_key, private_key_hash, iota_id, token`

func (r *SQLRepository) GetUserByID(ctx context.Context, id int64) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE id = ?`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *SQLRepository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	var user User
	err := r.db.GetContext(ctx, &user, `SELECT `+userColumns+` FROM users WHERE username = ?`, username)
	if err != nil {
		return nil, translate(err)
	}
	return &user, nil
}

func (r *SQLRepository) GetUsersByIotaID(ctx context.Context, iotaID int64) ([]User, error) {
	var users []User
	err := r.db.SelectContext(ctx, &users, `SELECT `+userColumns+` FROM users WHERE iota_id = ?`, iotaID)
	if err != nil {
		return nil, translate(err)
	}
	return users, nil
}

func (r *SQLRepository) GetIotaByID(ctx context.Context, id int64) (*Iota, error) {
	var iota Iota
	err := r.db.GetContext(ctx, &iota, `SELECT id, public_key FROM iotas WHERE id = ?`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &iota, nil
}

func (r *SQLRepository) GetOmikronByID(ctx context.Context, id int64) (*Omikron, error) {
	var omikron Omikron
	err := r.db.GetContext(ctx, &omikron,
		`SELECT id, is_active, public_key, location, ip_address FROM omikrons WHERE id = ?`, id)
	if err != nil {
		return nil, translate(err)
	}
	return &omikron, nil
}

// GetRandomActiveOmikron picks uniformly among active omikrons. Selection
// happens in Go so the query stays portable across dialects.
func (r *SQLRepository) GetRandomActiveOmikron(ctx context.Context) (*Omikron, error) {
	var ids []int64
	err := r.db.SelectContext(ctx, &ids, `SELECT id FROM omikrons WHERE is_active = 1`)
	if err != nil {
		return nil, translate(err)
	}
	if len(ids) == 0 {
		return nil, ErrNotFound
	}
	return r.GetOmikronByID(ctx, ids[rand.Intn(len(ids))])
}

func (r *SQLRepository) AllocateRegisterID() int64 {
	return r.ids.next()
}

func (r *SQLRepository) CreateIota(ctx context.Context, publicKey string) (int64, error) {
	id := r.ids.next()
	_, err := r.db.ExecContext(ctx, `INSERT INTO iotas (id, public_key) VALUES (?, ?)`, id, publicKey)
	if err != nil {
		return 0, translate(err)
	}
	return id, nil
}

func (r *SQLRepository) CompleteRegisterIota(ctx context.Context, id int64, publicKey string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE iotas SET public_key = ? WHERE id = ?`, publicKey, id)
	if err != nil {
		return translate(err)
	}
	return requireRowsAffected(res)
}

func (r *SQLRepository) RegisterCompleteUser(ctx context.Context, user *User) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO users (`+userColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		user.ID, user.Username, user.Display, user.Status, user.About, user.Avatar,
		user.SubLevel, user.SubEnd, user.PublicKey, user.PrivateKeyHash, user.IotaID, user.Token)
	return translate(err)
}

func (r *SQLRepository) changeUserColumn(ctx context.Context, userID int64, column string, value any) error {
	res, err := r.db.ExecContext(ctx, `UPDATE users SET `+column+` = ? WHERE id = ?`, value, userID)
	if err != nil {
		return translate(err)
	}
	return requireRowsAffected(res)
}

func (r *SQLRepository) ChangeUsername(ctx context.Context, userID int64, username string) error {
	return r.changeUserColumn(ctx, userID, "username", username)
}

func (r *SQLRepository) ChangeDisplay(ctx context.Context, userID int64, display string) error {
	return r.changeUserColumn(ctx, userID, "display", display)
}

func (r *SQLRepository) ChangeAvatar(ctx context.Context, userID int64, avatar []byte) error {
	return r.changeUserColumn(ctx, userID, "avatar", avatar)
}

func (r *SQLRepository) ChangeAbout(ctx context.Context, userID int64, about string) error {
	return r.changeUserColumn(ctx, userID, "about", about)
}

func (r *SQLRepository) ChangeStatus(ctx context.Context, userID int64, status string) error {
	return r.changeUserColumn(ctx, userID, "status", status)
}

func (r *SQLRepository) ChangeKeys(ctx context.Context, userID int64, publicKey, privateKeyHash string) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE users SET public_key = ?, private_key_hash = ? WHERE id = ?`,
		publicKey, privateKeyHash, userID)
	if err != nil {
		return translate(err)
	}
	return requireRowsAffected(res)
}

func (r *SQLRepository) ChangeIotaID(ctx context.Context, userID, iotaID int64) error {
	return r.changeUserColumn(ctx, userID, "iota_id", iotaID)
}

func (r *SQLRepository) ChangeResetToken(ctx context.Context, userID int64, token string) error {
	return r.changeUserColumn(ctx, userID, "token", token)
}

func (r *SQLRepository) DeleteUser(ctx context.Context, userID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM users WHERE id = ?`, userID)
	if err != nil {
		return translate(err)
	}
	return requireRowsAffected(res)
}

func (r *SQLRepository) DeleteIota(ctx context.Context, iotaID int64) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM iotas WHERE id = ?`, iotaID)
	if err != nil {
		return translate(err)
	}
	return requireRowsAffected(res)
}

func (r *SQLRepository) GetNotifications(ctx context.Context, userID int64) ([]Notification, error) {
	var notifications []Notification
	err := r.db.SelectContext(ctx, &notifications,
		`SELECT sender_id, amount FROM notifications WHERE user_id = ? AND amount > 0`, userID)
	if err != nil {
		return nil, translate(err)
	}
	return notifications, nil
}

// AddNotification bumps the unread counter from senderID. Update-then-insert
// keeps the statement portable between MySQL and the SQLite test backend.
func (r *SQLRepository) AddNotification(ctx context.Context, userID, senderID int64) error {
	tx, err := r.db.BeginTxx(ctx, nil)
	if err != nil {
		return translate(err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`UPDATE notifications SET amount = amount + 1 WHERE user_id = ? AND sender_id = ?`,
		userID, senderID)
	if err != nil {
		return translate(err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		_, err = tx.ExecContext(ctx,
			`INSERT INTO notifications (user_id, sender_id, amount) VALUES (?, ?, 1)`,
			userID, senderID)
		if err != nil {
			return translate(err)
		}
	}
	return translate(tx.Commit())
}

func (r *SQLRepository) ReadNotification(ctx context.Context, userID, senderID int64) error {
	_, err := r.db.ExecContext(ctx,
		`DELETE FROM notifications WHERE user_id = ? AND sender_id = ?`, userID, senderID)
	return translate(err)
}

// CountUsers is used by the startup log line.
func (r *SQLRepository) CountUsers(ctx context.Context) (int64, error) {
	var n int64
	if err := r.db.GetContext(ctx, &n, `SELECT COUNT(*) FROM users`); err != nil {
		return 0, translate(err)
	}
	return n, nil
}

func requireRowsAffected(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return translate(err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}
