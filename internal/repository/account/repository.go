package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aniladanir/messenger-gateway/internal/cache"
	"github.com/aniladanir/messenger-gateway/internal/domain"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// Artifact cache entries outlive any real QR/pairing-code validity
// window by a wide margin.
const artifactTTL = 5 * time.Minute

type Repository interface {
	SaveAccount(ctx context.Context, acct domain.Account) error
	SaveBackend(ctx context.Context, backend domain.Backend) error
	ListActive(ctx context.Context) ([]domain.Account, error)
	CacheArtifact(ctx context.Context, accountID, artifact string) error
	DropArtifact(ctx context.Context, accountID string) error
	CacheReceipt(ctx context.Context, messageID string, sentAt time.Time) error
}

type repo struct {
	db    *gorm.DB
	cache cache.Cache
}

func NewAccountRepository(db *gorm.DB, cache cache.Cache) Repository {
	return &repo{db: db, cache: cache}
}

// SaveAccount upserts one account snapshot keyed by id. Single-row and
// idempotent, so a partial failure never leaves cross-entity
// inconsistency to roll back.
func (r *repo) SaveAccount(ctx context.Context, acct domain.Account) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&acct).Error
}

// SaveBackend upserts one backend snapshot keyed by id.
func (r *repo) SaveBackend(ctx context.Context, backend domain.Backend) error {
	return r.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "id"}},
			UpdateAll: true,
		}).
		Create(&backend).Error
}

// ListActive returns every persisted account that has not been closed.
func (r *repo) ListActive(ctx context.Context) ([]domain.Account, error) {
	var accounts []domain.Account
	err := r.db.WithContext(ctx).
		Where("state <> ?", domain.StateClosed).
		Find(&accounts).Error
	return accounts, err
}

// CacheArtifact stores the account's current QR/pairing artifact with
// a short TTL; a refreshed artifact overwrites the previous one.
func (r *repo) CacheArtifact(ctx context.Context, accountID, artifact string) error {
	return r.cache.Set(ctx, fmt.Sprintf("artifact:%s", accountID), artifact, artifactTTL)
}

// DropArtifact invalidates the cached artifact once the account
// authenticates or closes.
func (r *repo) DropArtifact(ctx context.Context, accountID string) error {
	return r.cache.Del(ctx, fmt.Sprintf("artifact:%s", accountID))
}

// CacheReceipt writes a delivery receipt for a routed message
func (r *repo) CacheReceipt(ctx context.Context, messageID string, sentAt time.Time) error {
	key := fmt.Sprintf("sent_msg:%s", messageID)

	value := map[string]any{
		"messageId": messageID,
		"sentAt":    sentAt,
	}

	jsonVal, _ := json.Marshal(value)
	// Expire after 24 hours to keep memory clean
	return r.cache.Set(ctx, key, string(jsonVal), 24*time.Hour)
}
