package models

import (
	"time"

	"gorm.io/datatypes"
)

// AWSCredentials is the per-user IAM principal created by the bootstrapper.
type AWSCredentials struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	UserID          string    `gorm:"uniqueIndex;size:64;not null" json:"user_id"`
	AccessKeyID     string    `gorm:"not null" json:"access_key_id"`
	SecretAccessKey string    `gorm:"not null" json:"-"` // never returned to clients
	OrganizationID  *string   `json:"organization_id,omitempty"`
	AccountID       *string   `json:"account_id,omitempty"`
	IAMUsername     string    `gorm:"column:iam_username;not null" json:"iam_username"`
	CreatedAt       time.Time `json:"created_at"`
	UpdatedAt       time.Time `json:"updated_at"`
}

// InstanceSSHKey is one public key injected into an instance's authorized_keys.
type InstanceSSHKey struct {
	ID          string    `gorm:"primaryKey;size:36" json:"id"`
	InstanceID  string    `gorm:"index:idx_ssh_key_owner;size:32;not null" json:"instance_id"`
	UserID      string    `gorm:"index:idx_ssh_key_owner;size:64;not null" json:"user_id"`
	Name        string    `gorm:"not null" json:"name"`
	PublicKey   string    `gorm:"type:text;not null" json:"public_key"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// Purchase statuses.
const (
	PurchaseStatusCompleted = "completed"
)

// CreditPurchaseHistory records one completed Checkout Session. The unique
// session id makes webhook redelivery a no-op.
type CreditPurchaseHistory struct {
	ID              string    `gorm:"primaryKey;size:36" json:"id"`
	UserID          string    `gorm:"index;size:64;not null" json:"user_id"`
	AmountYen       int64     `gorm:"not null" json:"amount_yen"`
	Credits         int64     `gorm:"not null" json:"credits"`
	Status          string    `gorm:"size:32;not null" json:"status"`
	StripeSessionID string    `gorm:"uniqueIndex;size:255;not null" json:"stripe_session_id"`
	PlanID          string    `gorm:"size:32" json:"plan_id,omitempty"`
	CreatedAt       time.Time `json:"created_at"`
}

// UserCredits holds the spendable balance of a user.
type UserCredits struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	Balance   int64     `gorm:"not null;default:0" json:"balance"`
	UpdatedAt time.Time `json:"updated_at"`
}

// AdminUser marks a user as administrator.
type AdminUser struct {
	UserID    string    `gorm:"primaryKey;size:64" json:"user_id"`
	CreatedBy string    `gorm:"size:64" json:"created_by"`
	CreatedAt time.Time `json:"created_at"`
}

const DefaultLanguage = "ja"

type UserSettings struct {
	UserID               string            `gorm:"primaryKey;size:64" json:"user_id"`
	Language             string            `gorm:"size:8;not null;default:ja" json:"language"`
	EnvironmentVariables datatypes.JSONMap `json:"environment_variables"`
	SSHPublicKey         string            `gorm:"type:text" json:"ssh_public_key"`
	UpdatedAt            time.Time         `json:"updated_at"`
}

// TableName overrides the table name for AWSCredentials
func (AWSCredentials) TableName() string {
	return "aws_credentials"
}

// TableName overrides the table name for InstanceSSHKey
func (InstanceSSHKey) TableName() string {
	return "instance_ssh_keys"
}

func (CreditPurchaseHistory) TableName() string {
	return "credit_purchase_history"
}

func (UserCredits) TableName() string {
	return "user_credits"
}

func (AdminUser) TableName() string {
	return "admin_users"
}

func (UserSettings) TableName() string {
	return "user_settings"
}

// All lists every model managed by migrations.
func All() []any {
	return []any{
		&AWSCredentials{},
		&InstanceSSHKey{},
		&CreditPurchaseHistory{},
		&UserCredits{},
		&AdminUser{},
		&UserSettings{},
	}
}
