package db

import (
	"fmt"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateGithubApp records a newly registered GitHub App. Secrets arrive
// already sealed.
func (s *Store) CreateGithubApp(app *GithubApp) error {
	if err := s.db.Create(app).Error; err != nil {
		return fmt.Errorf("creating github app: %w", err)
	}
	return nil
}

// GetGithubApp fetches an app by its GitHub app id.
func (s *Store) GetGithubApp(id int64) (*GithubApp, error) {
	var app GithubApp
	if err := s.db.Where("id = ?", id).First(&app).Error; err != nil {
		return nil, notFoundOr(err, "getting github app")
	}
	return &app, nil
}

// AddGithubAppInstallation records an installation, idempotently.
func (s *Store) AddGithubAppInstallation(installationID, appID int64) error {
	inst := GithubAppInstallation{ID: installationID, GithubAppID: appID}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&inst).Error
	if err != nil {
		return fmt.Errorf("adding installation: %w", err)
	}
	return nil
}

// RemoveGithubAppInstallation deletes an installation and its repos.
func (s *Store) RemoveGithubAppInstallation(installationID int64) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("installation_id = ?", installationID).Delete(&GithubAppRepo{}).Error; err != nil {
			return err
		}
		return tx.Delete(&GithubAppInstallation{ID: installationID}).Error
	})
}

// AddGithubAppRepo records a repository reachable through an installation,
// idempotently.
func (s *Store) AddGithubAppRepo(installationID int64, fullName string) error {
	repo := GithubAppRepo{
		ID:             NewID(),
		InstallationID: installationID,
		FullName:       fullName,
	}
	err := s.db.Clauses(clause.OnConflict{DoNothing: true}).Create(&repo).Error
	if err != nil {
		return fmt.Errorf("adding github repo: %w", err)
	}
	return nil
}

// RemoveGithubAppRepo drops a repository from an installation.
func (s *Store) RemoveGithubAppRepo(installationID int64, fullName string) error {
	return s.db.Where("installation_id = ? AND full_name = ?", installationID, fullName).
		Delete(&GithubAppRepo{}).Error
}

// ListGithubAppRepos lists the repos of one installation.
func (s *Store) ListGithubAppRepos(installationID int64) ([]GithubAppRepo, error) {
	var repos []GithubAppRepo
	err := s.db.Where("installation_id = ?", installationID).Order("full_name").Find(&repos).Error
	if err != nil {
		return nil, fmt.Errorf("listing github repos: %w", err)
	}
	return repos, nil
}

// CreatePendingGithubApp opens an app manifest flow.
func (s *Store) CreatePendingGithubApp(organization *string, byAPIKeyID *string) (*GithubPendingApp, error) {
	pending := &GithubPendingApp{
		ID:           NewID(),
		Organization: organization,
		ExpiresAt:    time.Now().UTC().Add(time.Hour),
		ByAPIKeyID:   byAPIKeyID,
	}
	if err := s.db.Create(pending).Error; err != nil {
		return nil, fmt.Errorf("creating pending github app: %w", err)
	}
	return pending, nil
}

// ConsumePendingGithubApp closes an app manifest flow, deleting the pending
// row if it is still live.
func (s *Store) ConsumePendingGithubApp(id string) (*GithubPendingApp, error) {
	var pending GithubPendingApp
	err := s.db.Transaction(func(tx *gorm.DB) error {
		err := tx.Where("id = ? AND expires_at > ?", id, time.Now().UTC()).First(&pending).Error
		if err != nil {
			return notFoundOr(err, "getting pending app")
		}
		return tx.Delete(&pending).Error
	})
	if err != nil {
		return nil, err
	}
	return &pending, nil
}
