package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"sovi/pkg/domain"
)

// migrateLockID is the Postgres advisory lock key guarding schema setup so
// two orchestrator processes booting concurrently never race on migration.
const migrateLockID int64 = 50271940

// GormStore implements Store using GORM + Postgres.
type GormStore struct {
	db *gorm.DB
}

// GormStoreOptions configures connection pool sizing.
type GormStoreOptions struct {
	MaxOpenConns int
	MaxIdleConns int
}

// NewGormStore opens the DB, bounds the connection pool, and runs
// auto-migrations under an advisory lock.
func NewGormStore(dsn string, opts GormStoreOptions) (*GormStore, error) {
	gormLog := gormlogger.New(
		log.New(os.Stdout, "\r\n", log.LstdFlags),
		gormlogger.Config{
			SlowThreshold:             time.Second,
			LogLevel:                  gormlogger.Warn,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		},
	)
	db, err := gorm.Open(postgres.Open(dsn), &gorm.Config{Logger: gormLog})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("get sql db: %w", err)
	}
	maxOpen := opts.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 10
	}
	maxIdle := opts.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 2
	}
	sqlDB.SetMaxOpenConns(maxOpen)
	sqlDB.SetMaxIdleConns(maxIdle)

	if err := withMigrationLock(db, func(tx *gorm.DB) error {
		if err := tx.AutoMigrate(
			&NicheModel{},
			&DeviceModel{},
			&AccountModel{},
			&SystemEventModel{},
			&WarmingProgressModel{},
		); err != nil {
			return fmt.Errorf("auto migrate: %w", err)
		}
		if err := tx.Exec(`
			CREATE INDEX IF NOT EXISTS idx_accounts_claim_eligible
			ON accounts (last_warmed_at ASC NULLS FIRST)
			WHERE deleted_at IS NULL
			  AND current_state IN ('created','warming_p1','warming_p2','warming_p3','active')
		`).Error; err != nil {
			return fmt.Errorf("create claim index: %w", err)
		}
		return nil
	}); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

func withMigrationLock(db *gorm.DB, fn func(*gorm.DB) error) error {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	sqlDB, err := db.DB()
	if err != nil {
		return fmt.Errorf("get sql db: %w", err)
	}
	conn, err := sqlDB.Conn(ctx)
	if err != nil {
		return fmt.Errorf("open sql conn: %w", err)
	}
	defer conn.Close()
	if _, err := conn.ExecContext(ctx, "SELECT pg_advisory_lock($1)", migrateLockID); err != nil {
		return fmt.Errorf("acquire migrate lock: %w", err)
	}
	defer func() {
		_, _ = conn.ExecContext(ctx, "SELECT pg_advisory_unlock($1)", migrateLockID)
	}()
	return fn(db)
}

// ListActiveDevices returns devices the scheduler should spawn a worker for.
func (s *GormStore) ListActiveDevices(ctx context.Context) ([]domain.Device, error) {
	var models []DeviceModel
	if err := s.db.WithContext(ctx).Where("status = ?", string(domain.DeviceActive)).Find(&models).Error; err != nil {
		return nil, err
	}
	devices := make([]domain.Device, 0, len(models))
	for _, m := range models {
		devices = append(devices, deviceFromModel(m))
	}
	return devices, nil
}

// GetDevice returns one device by id.
func (s *GormStore) GetDevice(ctx context.Context, id string) (domain.Device, error) {
	var model DeviceModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Device{}, ErrNotFound
		}
		return domain.Device{}, err
	}
	return deviceFromModel(model), nil
}

// TouchDeviceHeartbeat updates a device's status and heartbeat timestamp.
func (s *GormStore) TouchDeviceHeartbeat(ctx context.Context, deviceID string, status domain.DeviceStatus) error {
	return s.db.WithContext(ctx).Model(&DeviceModel{}).
		Where("id = ?", deviceID).
		Updates(map[string]any{
			"status":     string(status),
			"updated_at": time.Now().UTC(),
		}).Error
}

// ListActiveNiches returns niches eligible for new-account creation.
func (s *GormStore) ListActiveNiches(ctx context.Context) ([]domain.Niche, error) {
	var models []NicheModel
	if err := s.db.WithContext(ctx).Where("status = ?", string(domain.NicheActive)).Find(&models).Error; err != nil {
		return nil, err
	}
	niches := make([]domain.Niche, 0, len(models))
	for _, m := range models {
		niches = append(niches, nicheFromModel(m))
	}
	return niches, nil
}

// ClaimWarmingTask atomically selects, locks, and assigns the next eligible
// account to deviceID, per the claim contract in spec section 4.1: priority by
// current_state rank, then last_warmed_at ascending with nulls first, ties
// broken by account id, under FOR UPDATE SKIP LOCKED so no two concurrent
// callers ever receive the same row.
func (s *GormStore) ClaimWarmingTask(ctx context.Context, deviceID string, platforms []domain.Platform, dayStart time.Time) (domain.Account, bool, error) {
	var result domain.Account
	found := false
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		placeholders := make([]string, len(platforms))
		args := make([]any, 0, len(platforms)+1)
		for i, p := range platforms {
			placeholders[i] = fmt.Sprintf("$%d", i+1)
			args = append(args, string(p))
		}
		args = append(args, dayStart)
		query := fmt.Sprintf(`
			SELECT id FROM accounts
			WHERE current_state IN ('created','warming_p1','warming_p2','warming_p3','active')
			  AND platform IN (%s)
			  AND deleted_at IS NULL
			  AND (last_warmed_at IS NULL OR last_warmed_at < $%d)
			ORDER BY
			  CASE current_state
			    WHEN 'created' THEN 0 WHEN 'warming_p1' THEN 1 WHEN 'warming_p2' THEN 2
			    WHEN 'warming_p3' THEN 3 WHEN 'active' THEN 4 END,
			  last_warmed_at ASC NULLS FIRST,
			  id ASC
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		`, strings.Join(placeholders, ","), len(platforms)+1)

		var id string
		row := tx.Raw(query, args...).Row()
		if err := row.Scan(&id); err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return nil
			}
			return fmt.Errorf("claim select: %w", err)
		}

		var model AccountModel
		if err := tx.First(&model, "id = ?", id).Error; err != nil {
			return fmt.Errorf("claim fetch: %w", err)
		}
		now := time.Now().UTC()
		if err := tx.Model(&AccountModel{}).Where("id = ?", id).Updates(map[string]any{
			"device_id":  deviceID,
			"updated_at": now,
		}).Error; err != nil {
			return fmt.Errorf("claim assign: %w", err)
		}
		model.DeviceID = &deviceID
		model.UpdatedAt = now
		result = accountFromModel(model)
		found = true
		return nil
	})
	if err != nil {
		return domain.Account{}, false, err
	}
	return result, found, nil
}

// ClaimCreationTask picks the fallback (platform, niche) pair with the
// fewest live accounts among active niches, ties broken alphabetically by
// niche slug then platform, per spec section 4.1.
func (s *GormStore) ClaimCreationTask(ctx context.Context, platforms []domain.Platform) (CreationTask, bool, error) {
	if len(platforms) == 0 {
		return CreationTask{}, false, nil
	}
	placeholders := make([]string, len(platforms))
	args := make([]any, 0, len(platforms))
	for i, p := range platforms {
		placeholders[i] = fmt.Sprintf("$%d", i+1)
		args = append(args, string(p))
	}
	query := fmt.Sprintf(`
		SELECT n.id, n.slug, n.name, n.tier, n.status, p.platform, COUNT(a.id) AS live_count
		FROM niches n
		CROSS JOIN (VALUES %s) AS p(platform)
		LEFT JOIN accounts a
		  ON a.niche_id = n.id AND a.platform = p.platform AND a.deleted_at IS NULL
		WHERE n.status = 'active'
		GROUP BY n.id, n.slug, n.name, n.tier, n.status, p.platform
		ORDER BY live_count ASC, n.slug ASC, p.platform ASC
		LIMIT 1
	`, strings.Join(placeholders, ","))

	row := s.db.WithContext(ctx).Raw(query, args...).Row()
	var (
		id, slug, name, tier, status, platform string
		liveCount                              int
	)
	if err := row.Scan(&id, &slug, &name, &tier, &status, &platform, &liveCount); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return CreationTask{}, false, nil
		}
		return CreationTask{}, false, fmt.Errorf("claim creation task: %w", err)
	}
	niche := domain.Niche{ID: id, Slug: slug, Name: name, Status: domain.NicheStatus(status)}
	niche.Tier = tierToInt(tier)
	return CreationTask{Platform: domain.Platform(platform), Niche: niche}, true, nil
}

// GetAccount returns one account by id.
func (s *GormStore) GetAccount(ctx context.Context, id string) (domain.Account, error) {
	var model AccountModel
	if err := s.db.WithContext(ctx).First(&model, "id = ?", id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return domain.Account{}, ErrNotFound
		}
		return domain.Account{}, err
	}
	return accountFromModel(model), nil
}

// ListAccounts returns accounts matching the optional filters; empty
// arguments are wildcards.
func (s *GormStore) ListAccounts(ctx context.Context, platform domain.Platform, state domain.AccountState, nicheID string) ([]domain.Account, error) {
	tx := s.db.WithContext(ctx).Model(&AccountModel{}).Where("deleted_at IS NULL")
	if platform != "" {
		tx = tx.Where("platform = ?", string(platform))
	}
	if state != "" {
		tx = tx.Where("current_state = ?", string(state))
	}
	if nicheID != "" {
		tx = tx.Where("niche_id = ?", nicheID)
	}
	var models []AccountModel
	if err := tx.Order("created_at ASC").Find(&models).Error; err != nil {
		return nil, err
	}
	accounts := make([]domain.Account, 0, len(models))
	for _, m := range models {
		accounts = append(accounts, accountFromModel(m))
	}
	return accounts, nil
}

// InsertAccount writes a newly-created account row in state "created".
// The creation runner never writes a partial row: this is called exactly
// once, after every creation step has already succeeded.
func (s *GormStore) InsertAccount(ctx context.Context, account domain.Account) error {
	if account.ID == "" {
		account.ID = uuid.NewString()
	}
	model := accountToModel(account)
	return s.db.WithContext(ctx).Create(&model).Error
}

// UsernameTaken checks whether a username is already in use on a platform,
// including soft-deleted rows (a released username should not be reused
// while its prior occupant's history is still retained).
func (s *GormStore) UsernameTaken(ctx context.Context, platform domain.Platform, username string) (bool, error) {
	var count int64
	err := s.db.WithContext(ctx).Unscoped().Model(&AccountModel{}).
		Where("platform = ? AND username = ?", string(platform), username).
		Count(&count).Error
	if err != nil {
		return false, fmt.Errorf("check username: %w", err)
	}
	return count > 0, nil
}

// CompleteWarmingSession writes the post-session account mutation and the
// append-only warming_progress row in one transaction, matching spec
// section 4.4 steps 5-6.
func (s *GormStore) CompleteWarmingSession(ctx context.Context, account domain.Account, session domain.WarmingSession) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		updates := map[string]any{
			"current_state":     string(account.CurrentState),
			"warming_day_count": account.WarmingDayCount,
			"updated_at":        time.Now().UTC(),
		}
		if account.LastWarmedAt != nil {
			updates["last_warmed_at"] = *account.LastWarmedAt
		}
		if account.LastActivityAt != nil {
			updates["last_activity_at"] = *account.LastActivityAt
		}
		if err := tx.Model(&AccountModel{}).Where("id = ?", account.ID).Updates(updates).Error; err != nil {
			return fmt.Errorf("update account after session: %w", err)
		}
		if session.ID == "" {
			session.ID = uuid.NewString()
		}
		sessionModel, err := warmingSessionToModel(session)
		if err != nil {
			return err
		}
		if err := tx.Create(&sessionModel).Error; err != nil {
			return fmt.Errorf("insert warming session: %w", err)
		}
		return nil
	})
}

// InsertEvent appends a system event and returns its assigned monotonic id.
func (s *GormStore) InsertEvent(ctx context.Context, event domain.SystemEvent) (int64, error) {
	model, err := systemEventToModel(event)
	if err != nil {
		return 0, err
	}
	if model.Timestamp.IsZero() {
		model.Timestamp = time.Now().UTC()
	}
	if err := s.db.WithContext(ctx).Create(&model).Error; err != nil {
		return 0, err
	}
	return model.ID, nil
}

// ListEvents queries events by the filters supported in spec section 6.3.
func (s *GormStore) ListEvents(ctx context.Context, filter EventFilter) ([]domain.SystemEvent, error) {
	limit := filter.Limit
	if limit <= 0 {
		limit = 100
	}
	if limit > 1000 {
		limit = 1000
	}
	tx := s.db.WithContext(ctx).Model(&SystemEventModel{})
	if filter.Severity != "" {
		tx = tx.Where("severity = ?", string(filter.Severity))
	}
	if filter.Category != "" {
		tx = tx.Where("category = ?", string(filter.Category))
	}
	if filter.EventType != "" {
		tx = tx.Where("event_type = ?", filter.EventType)
	}
	if filter.DeviceID != "" {
		tx = tx.Where("device_id = ?", filter.DeviceID)
	}
	if filter.AccountID != "" {
		tx = tx.Where("account_id = ?", filter.AccountID)
	}
	if filter.Resolved != nil {
		tx = tx.Where("resolved = ?", *filter.Resolved)
	}
	if filter.AfterID > 0 {
		tx = tx.Where("id > ?", filter.AfterID)
	}
	var models []SystemEventModel
	if err := tx.Order("id ASC").Limit(limit).Find(&models).Error; err != nil {
		return nil, err
	}
	events := make([]domain.SystemEvent, 0, len(models))
	for _, m := range models {
		event, err := systemEventFromModel(m)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, nil
}

// ResolveEvent sets resolved=true with resolver identity and timestamp,
// the single targeted update spec section 4.8 permits against system_events.
func (s *GormStore) ResolveEvent(ctx context.Context, id int64, resolvedBy string) error {
	now := time.Now().UTC()
	return s.db.WithContext(ctx).Model(&SystemEventModel{}).Where("id = ?", id).Updates(map[string]any{
		"resolved":    true,
		"resolved_by": resolvedBy,
		"resolved_at": now,
	}).Error
}

func tierToInt(tier string) int {
	switch tier {
	case "1":
		return 1
	case "2":
		return 2
	case "3":
		return 3
	default:
		return 0
	}
}

func deviceFromModel(m DeviceModel) domain.Device {
	return domain.Device{
		ID:             m.ID,
		Name:           m.Name,
		UDID:           m.UDID,
		AutomationHost: m.AutomationHost,
		AutomationPort: m.AutomationPort,
		Status:         domain.DeviceStatus(m.Status),
		ConnectedSince: m.ConnectedSince,
		UpdatedAt:      m.UpdatedAt,
	}
}

func nicheFromModel(m NicheModel) domain.Niche {
	return domain.Niche{
		ID:     m.ID,
		Slug:   m.Slug,
		Name:   m.Name,
		Tier:   tierToInt(m.Tier),
		Status: domain.NicheStatus(m.Status),
	}
}

func accountToModel(a domain.Account) AccountModel {
	var deviceID *string
	if a.LastDeviceID != "" {
		v := a.LastDeviceID
		deviceID = &v
	}
	return AccountModel{
		ID:               a.ID,
		Platform:         string(a.Platform),
		Username:         a.Username,
		EmailEnc:         a.EmailEnc,
		PasswordEnc:      a.PasswordEnc,
		TOTPSecretEnc:    a.TOTPSecretEnc,
		ProxyCredentials: a.ProxyCredentials,
		NicheID:          a.NicheID,
		DeviceID:         deviceID,
		CurrentState:     string(a.CurrentState),
		WarmingDayCount:  a.WarmingDayCount,
		Followers:        a.Followers,
		Following:        a.Following,
		Bio:              a.Bio,
		LastActivityAt:   a.LastActivityAt,
		LastWarmedAt:     a.LastWarmedAt,
		LastPostAt:       a.LastPostAt,
		DeletedAt:        a.DeletedAt,
		CreatedAt:        a.CreatedAt,
		UpdatedAt:        a.UpdatedAt,
	}
}

func accountFromModel(m AccountModel) domain.Account {
	deviceID := ""
	if m.DeviceID != nil {
		deviceID = *m.DeviceID
	}
	return domain.Account{
		ID:               m.ID,
		Platform:         domain.Platform(m.Platform),
		Username:         m.Username,
		EmailEnc:         m.EmailEnc,
		PasswordEnc:      m.PasswordEnc,
		TOTPSecretEnc:    m.TOTPSecretEnc,
		ProxyCredentials: m.ProxyCredentials,
		NicheID:          m.NicheID,
		LastDeviceID:     deviceID,
		CurrentState:     domain.AccountState(m.CurrentState),
		WarmingDayCount:  m.WarmingDayCount,
		Followers:        m.Followers,
		Following:        m.Following,
		Bio:              m.Bio,
		LastActivityAt:   m.LastActivityAt,
		LastWarmedAt:     m.LastWarmedAt,
		LastPostAt:       m.LastPostAt,
		DeletedAt:        m.DeletedAt,
		CreatedAt:        m.CreatedAt,
		UpdatedAt:        m.UpdatedAt,
	}
}

func warmingSessionToModel(ws domain.WarmingSession) (WarmingProgressModel, error) {
	raw, err := json.Marshal(ws.SessionData)
	if err != nil {
		return WarmingProgressModel{}, fmt.Errorf("marshal session data: %w", err)
	}
	return WarmingProgressModel{
		ID:           ws.ID,
		AccountID:    ws.AccountID,
		DeviceID:     ws.DeviceID,
		Platform:     string(ws.Platform),
		WarmingPhase: ws.WarmingPhase,
		WarmingDay:   ws.WarmingDay,
		SessionData:  raw,
		StartedAt:    ws.StartedAt,
		CompletedAt:  ws.CompletedAt,
	}, nil
}

func systemEventToModel(e domain.SystemEvent) (SystemEventModel, error) {
	ctxPayload := e.Context
	if ctxPayload == nil {
		ctxPayload = map[string]any{}
	}
	raw, err := json.Marshal(ctxPayload)
	if err != nil {
		return SystemEventModel{}, fmt.Errorf("marshal event context: %w", err)
	}
	return SystemEventModel{
		ID:         e.ID,
		Timestamp:  e.Timestamp,
		Category:   string(e.Category),
		Severity:   string(e.Severity),
		EventType:  e.EventType,
		DeviceID:   e.DeviceID,
		AccountID:  e.AccountID,
		Message:    e.Message,
		Context:    raw,
		Resolved:   e.Resolved,
		ResolvedBy: e.ResolvedBy,
		ResolvedAt: e.ResolvedAt,
	}, nil
}

func systemEventFromModel(m SystemEventModel) (domain.SystemEvent, error) {
	var ctxPayload map[string]any
	if len(m.Context) > 0 {
		if err := json.Unmarshal(m.Context, &ctxPayload); err != nil {
			return domain.SystemEvent{}, fmt.Errorf("unmarshal event context: %w", err)
		}
	}
	return domain.SystemEvent{
		ID:         m.ID,
		Timestamp:  m.Timestamp,
		Category:   domain.EventCategory(m.Category),
		Severity:   domain.EventSeverity(m.Severity),
		EventType:  m.EventType,
		DeviceID:   m.DeviceID,
		AccountID:  m.AccountID,
		Message:    m.Message,
		Context:    ctxPayload,
		Resolved:   m.Resolved,
		ResolvedBy: m.ResolvedBy,
		ResolvedAt: m.ResolvedAt,
	}, nil
}
