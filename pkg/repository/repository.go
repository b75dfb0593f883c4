// Package repository is the persistence surface of Omega: users, iotas,
// omikrons and notifications. The core only ever talks to the Repository
// interface; the SQL implementation lives in this package too.
package repository

import (
	"context"
	"errors"
)

var (
	ErrNotFound           = errors.New("record not found")
	ErrConflict           = errors.New("unique constraint violation")
	ErrBackendUnavailable = errors.New("backend unavailable")
)

// User is a row of the users table. Avatar holds raw image bytes; keys are
// stored in their base64 form.
type User struct {
	ID             int64  `db:"id"`
	Username       string `db:"username"`
	Display        string `db:"display"`
	Status         string `db:"status"`
	About          string `db:"about"`
	Avatar         []byte `db:"avatar"`
	SubLevel       int32  `db:"sub_level"`
	SubEnd         int64  `db:"sub_end"`
	PublicKey      string `db:"public_key"`
	PrivateKeyHash string `db:"private_key_hash"`
	IotaID         int64  `db:"iota_id"`
	Token          string `db:"token"`
}

type Iota struct {
	ID        int64  `db:"id"`
	PublicKey string `db:"public_key"`
}

type Omikron struct {
	ID        int64  `db:"id"`
	IsActive  bool   `db:"is_active"`
	PublicKey string `db:"public_key"`
	Location  string `db:"location"`
	IPAddress string `db:"ip_address"`
}

// Notification is one unread-counter row: Amount messages pending from
// SenderID.
type Notification struct {
	SenderID int64 `db:"sender_id"`
	Amount   int64 `db:"amount"`
}

// Repository is everything the session subsystem and the public API need
// from the persistent store.
type Repository interface {
	GetUserByID(ctx context.Context, id int64) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	GetUsersByIotaID(ctx context.Context, iotaID int64) ([]User, error)
	GetIotaByID(ctx context.Context, id int64) (*Iota, error)
	GetOmikronByID(ctx context.Context, id int64) (*Omikron, error)
	GetRandomActiveOmikron(ctx context.Context) (*Omikron, error)

	AllocateRegisterID() int64

	CreateIota(ctx context.Context, publicKey string) (int64, error)
	CompleteRegisterIota(ctx context.Context, id int64, publicKey string) error
	RegisterCompleteUser(ctx context.Context, user *User) error

	ChangeUsername(ctx context.Context, userID int64, username string) error
	ChangeDisplay(ctx context.Context, userID int64, display string) error
	ChangeAvatar(ctx context.Context, userID int64, avatar []byte) error
	ChangeAbout(ctx context.Context, userID int64, about string) error
	ChangeStatus(ctx context.Context, userID int64, status string) error
	ChangeKeys(ctx context.Context, userID int64, publicKey, privateKeyHash string) error
	ChangeIotaID(ctx context.Context, userID, iotaID int64) error
	ChangeResetToken(ctx context.Context, userID int64, token string) error

	DeleteUser(ctx context.Context, userID int64) error
	DeleteIota(ctx context.Context, iotaID int64) error

	GetNotifications(ctx context.Context, userID int64) ([]Notification, error)
	AddNotification(ctx context.Context, userID, senderID int64) error
	ReadNotification(ctx context.Context, userID, senderID int64) error
}
