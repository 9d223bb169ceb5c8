package db

import (
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewCommandRunParams carries the caller-provided parts of a command run.
type NewCommandRunParams struct {
	Project      *Project
	ServiceName  string
	Command      string
	DeploymentID string
	Timeout      int
	ByAPIKeyID   *string
}

// AddCommandRun allocates the next per-project run number and writes the row
// in CREATED status.
func (s *Store) AddCommandRun(params NewCommandRunParams) (*CommandRun, error) {
	run := &CommandRun{
		ID:           NewID(),
		ProjectID:    params.Project.ID,
		ServiceName:  params.ServiceName,
		Command:      params.Command,
		Status:       CommandRunStatusCreated,
		DeploymentID: params.DeploymentID,
		Timeout:      params.Timeout,
		APIKeyID:     params.ByAPIKeyID,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		row := tx.Model(&CommandRun{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("project_id = ?", params.Project.ID).
			Select("COALESCE(MAX(number), 0)").
			Row()
		if err := row.Scan(&maxNumber); err != nil {
			return fmt.Errorf("allocating run number: %w", err)
		}
		run.Number = maxNumber + 1
		return tx.Create(run).Error
	})
	if err != nil {
		return nil, err
	}
	return run, nil
}

// GetCommandRunByNumber fetches a run by its per-project number.
func (s *Store) GetCommandRunByNumber(projectID string, number int) (*CommandRun, error) {
	var run CommandRun
	err := s.db.Where("project_id = ? AND number = ?", projectID, number).First(&run).Error
	if err != nil {
		return nil, notFoundOr(err, "getting command run")
	}
	return &run, nil
}

// GetCommandRun fetches a run by id.
func (s *Store) GetCommandRun(id string) (*CommandRun, error) {
	var run CommandRun
	if err := s.db.Where("id = ?", id).First(&run).Error; err != nil {
		return nil, notFoundOr(err, "getting command run")
	}
	return &run, nil
}

// SetCommandRunStatus records a run status change.
func (s *Store) SetCommandRunStatus(id, status string) error {
	res := s.db.Model(&CommandRun{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("setting command run status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListCommandRuns returns a project's runs, newest first.
func (s *Store) ListCommandRuns(projectID string, limit int) ([]CommandRun, error) {
	var runs []CommandRun
	q := s.db.Where("project_id = ?", projectID).Order("number DESC")
	if limit > 0 {
		q = q.Limit(limit)
	}
	if err := q.Find(&runs).Error; err != nil {
		return nil, fmt.Errorf("listing command runs: %w", err)
	}
	return runs, nil
}
