package store

import (
	"time"

	"gorm.io/datatypes"
)

// GORM row models. Each maps 1:1 onto the columns the orchestration core
// depends on; other subsystems may add columns this core never reads.

type NicheModel struct {
	ID     string `gorm:"primaryKey"`
	Slug   string `gorm:"uniqueIndex;not null"`
	Name   string `gorm:"not null"`
	Tier   string `gorm:"not null"`
	Status string `gorm:"not null"`
}

func (NicheModel) TableName() string { return "niches" }

type DeviceModel struct {
	ID             string `gorm:"primaryKey"`
	Name           string `gorm:"not null"`
	UDID           string `gorm:"uniqueIndex;not null"`
	AutomationHost string `gorm:"column:automation_host;not null"`
	AutomationPort int    `gorm:"column:automation_port;not null"`
	Status         string `gorm:"not null"`
	ConnectedSince time.Time
	UpdatedAt      time.Time `gorm:"not null"`
}

func (DeviceModel) TableName() string { return "devices" }

type AccountModel struct {
	ID               string `gorm:"primaryKey"`
	Platform         string `gorm:"not null;index:idx_accounts_claim"`
	Username         string `gorm:"not null"`
	EmailEnc         []byte `gorm:"column:email_enc"`
	PasswordEnc      []byte `gorm:"column:password_enc"`
	TOTPSecretEnc    []byte `gorm:"column:totp_secret_enc"`
	ProxyCredentials string
	NicheID          string `gorm:"column:niche_id;index"`
	DeviceID         *string `gorm:"column:device_id"`
	CurrentState     string `gorm:"column:current_state;not null;index:idx_accounts_claim"`
	WarmingDayCount  int    `gorm:"column:warming_day_count;not null"`
	Followers        int
	Following        int
	Bio              string
	LastActivityAt   *time.Time `gorm:"column:last_activity_at"`
	LastWarmedAt     *time.Time `gorm:"column:last_warmed_at;index:idx_accounts_claim"`
	LastPostAt       *time.Time `gorm:"column:last_post_at"`
	DeletedAt        *time.Time `gorm:"column:deleted_at;index:idx_accounts_claim"`
	CreatedAt        time.Time  `gorm:"not null"`
	UpdatedAt        time.Time  `gorm:"not null"`
}

func (AccountModel) TableName() string { return "accounts" }

type SystemEventModel struct {
	ID         int64  `gorm:"primaryKey;autoIncrement"`
	Timestamp  time.Time `gorm:"not null;index"`
	Category   string    `gorm:"not null;index"`
	Severity   string    `gorm:"not null;index"`
	EventType  string    `gorm:"column:event_type;not null;index"`
	DeviceID   *string   `gorm:"column:device_id;index"`
	AccountID  *string   `gorm:"column:account_id;index"`
	Message    string
	Context    datatypes.JSON `gorm:"type:jsonb"`
	Resolved   bool           `gorm:"not null;index"`
	ResolvedBy string         `gorm:"column:resolved_by"`
	ResolvedAt *time.Time     `gorm:"column:resolved_at"`
}

func (SystemEventModel) TableName() string { return "system_events" }

type WarmingProgressModel struct {
	ID           string `gorm:"primaryKey"`
	AccountID    string `gorm:"column:account_id;not null;index"`
	DeviceID     string `gorm:"column:device_id;not null"`
	Platform     string `gorm:"not null"`
	WarmingPhase int    `gorm:"column:warming_phase;not null"`
	WarmingDay   int    `gorm:"column:warming_day;not null"`
	SessionData  datatypes.JSON `gorm:"column:session_data;type:jsonb"`
	StartedAt    time.Time      `gorm:"column:started_at;not null"`
	CompletedAt  *time.Time     `gorm:"column:completed_at"`
}

func (WarmingProgressModel) TableName() string { return "warming_progress" }
