package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

type TokenStatus string

const (
	TokenActive TokenStatus = "Active"
	TokenInUse  TokenStatus = "InUse"
)

type TokenDuration string

const (
	Duration3Months TokenDuration = "3month"
	Duration6Months TokenDuration = "6month"
	Duration1Year   TokenDuration = "1year"
)

func (d TokenDuration) Valid() bool {
	switch d {
	case Duration3Months, Duration6Months, Duration1Year:
		return true
	}
	return false
}

type User struct {
	ID              string     `gorm:"primaryKey;size:36"        json:"id"`
	Username        string     `gorm:"uniqueIndex;not null"      json:"username"`
	PasswordHash    string     `gorm:"column:password;not null"  json:"-"`
	SessionToken    *string    `gorm:"column:session_token"      json:"-"`
	ActiveSessionID *string    `gorm:"column:active_session_id"  json:"-"`
	LoginCount      int        `gorm:"not null;default:0"        json:"login_count"`
	LastLogin       *time.Time `json:"last_login"`
	LastLogout      *time.Time `json:"last_logout"`

	DeployTimestamp  *time.Time `json:"deploy_timestamp"`
	ActiveFormNumber *int       `json:"active_form_number"`
	ActiveRunID      *int64     `json:"active_run_id"`

	Token string `gorm:"column:token;index" json:"token"`
}

func (User) TableName() string { return "users" }

func (u *User) BeforeCreate(*gorm.DB) error {
	if u.ID == "" {
		u.ID = uuid.NewString()
	}
	return nil
}

// Deployed reports whether a deployment record is present.
func (u *User) Deployed() bool { return u.DeployTimestamp != nil }

type Admin struct {
	ID           string `gorm:"primaryKey;size:36"       json:"id"`
	Username     string `gorm:"uniqueIndex;not null"     json:"username"`
	PasswordHash string `gorm:"column:password;not null" json:"-"`
	TOTPSecret   string `gorm:"column:totp_secret"       json:"-"`
}

func (Admin) TableName() string { return "admin" }

func (a *Admin) BeforeCreate(*gorm.DB) error {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	return nil
}

type Token struct {
	ID        string        `gorm:"primaryKey;size:36"                   json:"id"`
	Token     string        `gorm:"uniqueIndex;size:16;not null"         json:"token"`
	Duration  TokenDuration `gorm:"not null"                             json:"duration"`
	Status    TokenStatus   `gorm:"not null;index"                       json:"status"`
	CreatedAt time.Time     `gorm:"column:createdat;not null"            json:"createdat"`
	ExpiresAt time.Time     `gorm:"column:expiresat;not null"            json:"expiresat"`
	UserID    *string       `gorm:"column:userid;index"                  json:"userid"`
}

func (Token) TableName() string { return "tokengenerate" }

func (t *Token) BeforeCreate(*gorm.DB) error {
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	return nil
}

func (t *Token) Expired(now time.Time) bool { return !t.ExpiresAt.After(now) }

type SecurityLog struct {
	ID        uint      `gorm:"primaryKey;autoIncrement" json:"id"`
	EventType string    `gorm:"not null;index"           json:"event_type"`
	EventData string    `gorm:"type:text"                json:"event_data"`
	Timestamp time.Time `gorm:"not null;index"           json:"timestamp"`
}

func (SecurityLog) TableName() string { return "security_logs" }

func All() []any {
	return []any{&User{}, &Admin{}, &Token{}, &SecurityLog{}}
}
