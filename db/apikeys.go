package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
)

// InviteMaxAge bounds api-key invite lifetimes.
const InviteMaxAge = 24 * time.Hour

// UsageRetention bounds how long api-key usage records are kept.
const UsageRetention = 30 * 24 * time.Hour

// CreateAPIKey mints a credential. Both the secret id and the public
// identifier are fresh random values.
func (s *Store) CreateAPIKey(name string) (*APIKey, error) {
	key := &APIKey{
		ID:        NewID(),
		Name:      name,
		PublicKey: NewID(),
	}
	if err := s.db.Create(key).Error; err != nil {
		return nil, fmt.Errorf("creating api key: %w", err)
	}
	return key, nil
}

// GetAPIKey authenticates a secret, ignoring soft-deleted keys.
func (s *Store) GetAPIKey(id string) (*APIKey, error) {
	var key APIKey
	if err := s.db.Where("id = ? AND deleted_at IS NULL", id).First(&key).Error; err != nil {
		return nil, notFoundOr(err, "getting api key")
	}
	return &key, nil
}

// GetAPIKeyByPublicKey resolves a public identifier (JWT kid) to its key.
func (s *Store) GetAPIKeyByPublicKey(publicKey string) (*APIKey, error) {
	var key APIKey
	err := s.db.Where("public_key = ? AND deleted_at IS NULL", publicKey).First(&key).Error
	if err != nil {
		return nil, notFoundOr(err, "getting api key")
	}
	return &key, nil
}

// ListAPIKeys returns all non-deleted keys.
func (s *Store) ListAPIKeys() ([]APIKey, error) {
	var keys []APIKey
	if err := s.db.Where("deleted_at IS NULL").Order("created_at").Find(&keys).Error; err != nil {
		return nil, fmt.Errorf("listing api keys: %w", err)
	}
	return keys, nil
}

// DeleteAPIKey soft-deletes a key. Deleting the last non-deleted key is
// rejected with ErrConflict: the node must stay operable.
func (s *Store) DeleteAPIKey(id string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		var count int64
		if err := tx.Model(&APIKey{}).Where("deleted_at IS NULL").Count(&count).Error; err != nil {
			return err
		}
		if count <= 1 {
			return ErrConflict
		}
		now := time.Now().UTC()
		res := tx.Model(&APIKey{}).
			Where("id = ? AND deleted_at IS NULL", id).
			Update("deleted_at", now)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
}

// RecordAPIKeyUsage appends a usage row for the key.
func (s *Store) RecordAPIKeyUsage(apiKeyID string) error {
	usage := APIKeyUsage{ID: NewID(), APIKeyID: apiKeyID}
	return s.db.Create(&usage).Error
}

// PruneAPIKeyUsages drops usage records older than the retention window.
// Called from the daily maintenance cron.
func (s *Store) PruneAPIKeyUsages() error {
	cutoff := time.Now().UTC().Add(-UsageRetention)
	return s.db.Where("created_at < ?", cutoff).Delete(&APIKeyUsage{}).Error
}

// CreateAPIKeyInvite mints a single-use invitation valid for at most 24h.
func (s *Store) CreateAPIKeyInvite(name string, ttl time.Duration, byAPIKeyID *string) (*APIKeyInvite, error) {
	if ttl <= 0 || ttl > InviteMaxAge {
		ttl = InviteMaxAge
	}
	invite := &APIKeyInvite{
		ID:         NewID(),
		Name:       name,
		ExpiresAt:  time.Now().UTC().Add(ttl),
		ByAPIKeyID: byAPIKeyID,
	}
	if err := s.db.Create(invite).Error; err != nil {
		return nil, fmt.Errorf("creating api key invite: %w", err)
	}
	return invite, nil
}

// ConsumeAPIKeyInvite atomically deletes a live invite and mints the key it
// carried. Expired or already-used invites return ErrNotFound.
func (s *Store) ConsumeAPIKeyInvite(inviteID string) (*APIKey, error) {
	var key *APIKey
	err := s.db.Transaction(func(tx *gorm.DB) error {
		var invite APIKeyInvite
		err := tx.Where("id = ? AND expires_at > ?", inviteID, time.Now().UTC()).
			First(&invite).Error
		if err != nil {
			return notFoundOr(err, "getting invite")
		}
		if err := tx.Delete(&invite).Error; err != nil {
			return err
		}
		key = &APIKey{ID: NewID(), Name: invite.Name, PublicKey: NewID()}
		return tx.Create(key).Error
	})
	if err != nil {
		return nil, err
	}
	return key, nil
}
