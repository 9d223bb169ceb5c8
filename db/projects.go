package db

import (
	"errors"
	"fmt"
	"strings"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// CreateProject creates a project. Names are unique; a collision returns
// ErrConflict.
func (s *Store) CreateProject(name string, webhookToken *string) (*Project, error) {
	project := &Project{
		ID:           NewID(),
		Name:         name,
		WebhookToken: webhookToken,
	}
	if err := s.db.Create(project).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("creating project: %w", err)
	}
	return project, nil
}

// GetProjectByName looks a project up by its unique name.
func (s *Store) GetProjectByName(name string) (*Project, error) {
	var project Project
	if err := s.db.Where("name = ?", name).First(&project).Error; err != nil {
		return nil, notFoundOr(err, "getting project")
	}
	return &project, nil
}

// ListProjects returns all projects ordered by name.
func (s *Store) ListProjects() ([]Project, error) {
	var projects []Project
	if err := s.db.Order("name").Find(&projects).Error; err != nil {
		return nil, fmt.Errorf("listing projects: %w", err)
	}
	return projects, nil
}

// DeleteProject removes the project row and its dependents. Callers must
// have already stopped services and removed the proxy route.
func (s *Store) DeleteProject(projectID string) error {
	return s.db.Transaction(func(tx *gorm.DB) error {
		for _, del := range []error{
			tx.Where("project_id = ?", projectID).Delete(&ProjectDomain{}).Error,
			tx.Where("project_id = ?", projectID).Delete(&ProjectEnvVar{}).Error,
			tx.Where("project_id = ?", projectID).Delete(&ProjectGithubRepo{}).Error,
			tx.Delete(&Project{ID: projectID}).Error,
		} {
			if del != nil {
				return del
			}
		}
		return nil
	})
}

// AddDomain attaches a domain to a project. A domain maps to exactly one
// project; re-use returns ErrConflict.
func (s *Store) AddDomain(projectID, name string) (*ProjectDomain, error) {
	domain := &ProjectDomain{
		ID:        NewID(),
		Name:      strings.ToLower(name),
		ProjectID: projectID,
	}
	if err := s.db.Create(domain).Error; err != nil {
		if isUniqueViolation(err) {
			return nil, ErrConflict
		}
		return nil, fmt.Errorf("adding domain: %w", err)
	}
	return domain, nil
}

// RemoveDomain detaches a domain from its project.
func (s *Store) RemoveDomain(projectID, name string) error {
	res := s.db.Where("project_id = ? AND name = ?", projectID, strings.ToLower(name)).
		Delete(&ProjectDomain{})
	if res.Error != nil {
		return fmt.Errorf("removing domain: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// GetDomainByName resolves a domain to its owning project, if any.
func (s *Store) GetDomainByName(name string) (*ProjectDomain, error) {
	var domain ProjectDomain
	if err := s.db.Where("name = ?", strings.ToLower(name)).First(&domain).Error; err != nil {
		return nil, notFoundOr(err, "getting domain")
	}
	return &domain, nil
}

// ListDomains returns the project's domains in creation order.
func (s *Store) ListDomains(projectID string) ([]ProjectDomain, error) {
	var domains []ProjectDomain
	if err := s.db.Where("project_id = ?", projectID).Order("created_at").Find(&domains).Error; err != nil {
		return nil, fmt.Errorf("listing domains: %w", err)
	}
	return domains, nil
}

// UpsertEnvVariable sets one project environment variable. Values arrive
// already sealed by the secret store.
func (s *Store) UpsertEnvVariable(projectID, name string, sealedValue []byte, byAPIKeyID *string) error {
	envVar := ProjectEnvVar{
		ID:         NewID(),
		ProjectID:  projectID,
		Name:       name,
		Value:      sealedValue,
		ByAPIKeyID: byAPIKeyID,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}, {Name: "name"}},
		DoUpdates: clause.AssignmentColumns([]string{"value", "by_api_key_id", "updated_at"}),
	}).Create(&envVar).Error
	if err != nil {
		return fmt.Errorf("upserting env variable: %w", err)
	}
	return nil
}

// DeleteEnvVariable removes one project environment variable.
func (s *Store) DeleteEnvVariable(projectID, name string) error {
	res := s.db.Where("project_id = ? AND name = ?", projectID, name).Delete(&ProjectEnvVar{})
	if res.Error != nil {
		return fmt.Errorf("deleting env variable: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListEnvVariables returns the project's environment variables sorted by
// name. Values remain sealed.
func (s *Store) ListEnvVariables(projectID string) ([]ProjectEnvVar, error) {
	var vars []ProjectEnvVar
	if err := s.db.Where("project_id = ?", projectID).Order("name").Find(&vars).Error; err != nil {
		return nil, fmt.Errorf("listing env variables: %w", err)
	}
	return vars, nil
}

// SetGithubRepo binds (or rebinds) the project to a source repository.
func (s *Store) SetGithubRepo(projectID, fullName string, branch *string, installationID *int64) error {
	binding := ProjectGithubRepo{
		ID:             NewID(),
		ProjectID:      projectID,
		FullName:       fullName,
		Branch:         branch,
		InstallationID: installationID,
	}
	err := s.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "project_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"full_name", "branch", "installation_id", "updated_at"}),
	}).Create(&binding).Error
	if err != nil {
		return fmt.Errorf("setting github repo: %w", err)
	}
	return nil
}

// GetGithubRepo returns the project's repository binding, if any.
func (s *Store) GetGithubRepo(projectID string) (*ProjectGithubRepo, error) {
	var binding ProjectGithubRepo
	if err := s.db.Where("project_id = ?", projectID).First(&binding).Error; err != nil {
		return nil, notFoundOr(err, "getting github repo")
	}
	return &binding, nil
}

// ProjectsForRepo returns all projects bound to the given repository name.
func (s *Store) ProjectsForRepo(fullName string) ([]Project, error) {
	var bindings []ProjectGithubRepo
	if err := s.db.Where("full_name = ?", fullName).Find(&bindings).Error; err != nil {
		return nil, fmt.Errorf("listing repo bindings: %w", err)
	}
	var projects []Project
	for _, b := range bindings {
		var p Project
		if err := s.db.Where("id = ?", b.ProjectID).First(&p).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				continue
			}
			return nil, err
		}
		projects = append(projects, p)
	}
	return projects, nil
}

// isUniqueViolation detects a unique-constraint failure without binding to a
// driver-specific error type.
func isUniqueViolation(err error) bool {
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	return strings.Contains(msg, "duplicate key") || strings.Contains(msg, "UNIQUE constraint")
}
