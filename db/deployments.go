package db

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// NewDeploymentParams carries the caller-provided parts of a deployment.
type NewDeploymentParams struct {
	Project      *Project
	CommitHash   *string
	DiscoFile    *string
	RegistryHost *string
	ByAPIKeyID   *string
}

// AddDeployment allocates the next per-project number and writes the row in
// QUEUED status, pointing at the current live deployment as predecessor.
// Number allocation locks the project's deployment rows so two concurrent
// calls can never mint the same number.
func (s *Store) AddDeployment(params NewDeploymentParams) (*Deployment, error) {
	deployment := &Deployment{
		ID:           NewID(),
		ProjectID:    params.Project.ID,
		ProjectName:  params.Project.Name,
		Status:       DeploymentStatusQueued,
		CommitHash:   params.CommitHash,
		DiscoFile:    params.DiscoFile,
		RegistryHost: params.RegistryHost,
		ByAPIKeyID:   params.ByAPIKeyID,
	}

	err := s.db.Transaction(func(tx *gorm.DB) error {
		var maxNumber int
		row := tx.Model(&Deployment{}).
			Clauses(clause.Locking{Strength: "UPDATE"}).
			Where("project_id = ?", params.Project.ID).
			Select("COALESCE(MAX(number), 0)").
			Row()
		if err := row.Scan(&maxNumber); err != nil {
			return fmt.Errorf("allocating deployment number: %w", err)
		}
		deployment.Number = maxNumber + 1

		var prev Deployment
		err := tx.Where("project_id = ? AND status = ?", params.Project.ID, DeploymentStatusComplete).
			Order("number DESC").
			First(&prev).Error
		switch {
		case err == nil:
			deployment.PrevDeploymentID = &prev.ID
		case errors.Is(err, gorm.ErrRecordNotFound):
			// first deployment
		default:
			return err
		}

		return tx.Create(deployment).Error
	})
	if err != nil {
		return nil, err
	}
	return deployment, nil
}

// GetDeployment fetches a deployment by id.
func (s *Store) GetDeployment(id string) (*Deployment, error) {
	var deployment Deployment
	if err := s.db.Where("id = ?", id).First(&deployment).Error; err != nil {
		return nil, notFoundOr(err, "getting deployment")
	}
	return &deployment, nil
}

// GetDeploymentByNumber fetches a project's deployment by number.
func (s *Store) GetDeploymentByNumber(projectID string, number int) (*Deployment, error) {
	var deployment Deployment
	err := s.db.Where("project_id = ? AND number = ?", projectID, number).First(&deployment).Error
	if err != nil {
		return nil, notFoundOr(err, "getting deployment")
	}
	return &deployment, nil
}

// GetLiveDeployment returns the project's numerically largest COMPLETE
// deployment, or ErrNotFound when the project has never deployed.
func (s *Store) GetLiveDeployment(projectID string) (*Deployment, error) {
	var deployment Deployment
	err := s.db.Where("project_id = ? AND status = ?", projectID, DeploymentStatusComplete).
		Order("number DESC").
		First(&deployment).Error
	if err != nil {
		return nil, notFoundOr(err, "getting live deployment")
	}
	return &deployment, nil
}

// GetInFlightDeployment returns the project's QUEUED or IN_PROGRESS
// deployment, if one exists. At most one can exist at a time.
func (s *Store) GetInFlightDeployment(projectID string) (*Deployment, error) {
	var deployment Deployment
	err := s.db.Where("project_id = ? AND status IN ?", projectID,
		[]string{DeploymentStatusQueued, DeploymentStatusInProgress}).
		Order("number DESC").
		First(&deployment).Error
	if err != nil {
		return nil, notFoundOr(err, "getting in-flight deployment")
	}
	return &deployment, nil
}

// ListDeployments returns the project's deployment history, newest first.
func (s *Store) ListDeployments(projectID string) ([]Deployment, error) {
	var deployments []Deployment
	err := s.db.Where("project_id = ?", projectID).Order("number DESC").Find(&deployments).Error
	if err != nil {
		return nil, fmt.Errorf("listing deployments: %w", err)
	}
	return deployments, nil
}

// SetDeploymentStatus records a state transition.
func (s *Store) SetDeploymentStatus(id, status string) error {
	res := s.db.Model(&Deployment{}).Where("id = ?", id).Update("status", status)
	if res.Error != nil {
		return fmt.Errorf("setting deployment status: %w", res.Error)
	}
	if res.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// SetDeploymentCommit records the resolved commit hash. Legal only while the
// deployment has not left QUEUED/IN_PROGRESS processing.
func (s *Store) SetDeploymentCommit(id, commitHash string) error {
	return s.db.Model(&Deployment{}).Where("id = ?", id).Update("commit_hash", commitHash).Error
}

// SetDeploymentDiscoFile persists the captured manifest bytes.
func (s *Store) SetDeploymentDiscoFile(id, discoFile string) error {
	return s.db.Model(&Deployment{}).Where("id = ?", id).Update("disco_file", discoFile).Error
}

// SetDeploymentTask links the deployment to its queue task.
func (s *Store) SetDeploymentTask(id, taskID string) error {
	return s.db.Model(&Deployment{}).Where("id = ?", id).Update("task_id", taskID).Error
}

// SnapshotEnvVariables freezes the project's current environment onto the
// deployment. Values stay sealed; the engine decrypts only when handing env
// to containers.
func (s *Store) SnapshotEnvVariables(projectID, deploymentID string) error {
	vars, err := s.ListEnvVariables(projectID)
	if err != nil {
		return err
	}
	for _, v := range vars {
		snap := DeploymentEnvVar{
			ID:           NewID(),
			DeploymentID: deploymentID,
			Name:         v.Name,
			Value:        v.Value,
		}
		if err := s.db.Create(&snap).Error; err != nil {
			return fmt.Errorf("snapshotting env variable %s: %w", v.Name, err)
		}
	}
	return nil
}

// ListDeploymentEnvVariables returns the deployment's frozen environment.
func (s *Store) ListDeploymentEnvVariables(deploymentID string) ([]DeploymentEnvVar, error) {
	var vars []DeploymentEnvVar
	err := s.db.Where("deployment_id = ?", deploymentID).Order("name").Find(&vars).Error
	if err != nil {
		return nil, fmt.Errorf("listing deployment env variables: %w", err)
	}
	return vars, nil
}
