package db

import "time"

// Deployment statuses. Liveness is derived: the live deployment of a project
// is its numerically largest COMPLETE deployment.
const (
	DeploymentStatusQueued     = "QUEUED"
	DeploymentStatusInProgress = "IN_PROGRESS"
	DeploymentStatusComplete   = "COMPLETE"
	DeploymentStatusFailed     = "FAILED"
)

// Task statuses.
const (
	TaskStatusQueued     = "QUEUED"
	TaskStatusProcessing = "PROCESSING"
	TaskStatusCompleted  = "COMPLETED"
	TaskStatusFailed     = "FAILED"
)

// Command run statuses.
const (
	CommandRunStatusCreated  = "CREATED"
	CommandRunStatusStarted  = "STARTED"
	CommandRunStatusFinished = "FINISHED"
	CommandRunStatusFailed   = "FAILED"
)

// Syslog URL types.
const (
	SyslogTypeCore   = "CORE"
	SyslogTypeGlobal = "GLOBAL"
)

// Project is the logical unit of deployment.
type Project struct {
	ID           string `gorm:"primaryKey;size:32"`
	Name         string `gorm:"uniqueIndex;not null"`
	WebhookToken *string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Deployment is an immutable snapshot describing one attempt to run a
// project. Number is monotonically increasing per project, starting at 1.
type Deployment struct {
	ID               string `gorm:"primaryKey;size:32"`
	Number           int    `gorm:"not null;uniqueIndex:idx_deployments_project_number"`
	ProjectID        string `gorm:"size:32;not null;uniqueIndex:idx_deployments_project_number;index"`
	ProjectName      string `gorm:"not null"`
	Status           string `gorm:"not null;index"`
	CommitHash       *string
	DiscoFile        *string // manifest bytes captured at deploy time
	RegistryHost     *string
	BranchName       *string
	PrevDeploymentID *string `gorm:"size:32"`
	ByAPIKeyID       *string `gorm:"size:32"`
	TaskID           *string `gorm:"size:32"`
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// DeploymentEnvVar is the environment snapshot frozen onto a deployment.
// Values are AEAD-sealed.
type DeploymentEnvVar struct {
	ID           string `gorm:"primaryKey;size:32"`
	DeploymentID string `gorm:"size:32;not null;index"`
	Name         string `gorm:"not null"`
	Value        []byte
}

// ProjectEnvVar is a project's current (mutable) environment variable.
// Values are AEAD-sealed.
type ProjectEnvVar struct {
	ID         string `gorm:"primaryKey;size:32"`
	ProjectID  string `gorm:"size:32;not null;uniqueIndex:idx_project_env_name"`
	Name       string `gorm:"not null;uniqueIndex:idx_project_env_name"`
	Value      []byte
	ByAPIKeyID *string `gorm:"size:32"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// ProjectDomain maps a domain name to exactly one project.
type ProjectDomain struct {
	ID        string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"uniqueIndex;not null"`
	ProjectID string `gorm:"size:32;not null;index"`
	CreatedAt time.Time
}

// ProjectGithubRepo binds a project to a source repository.
type ProjectGithubRepo struct {
	ID             string `gorm:"primaryKey;size:32"`
	ProjectID      string `gorm:"size:32;not null;uniqueIndex"`
	FullName       string `gorm:"not null"`
	Branch         *string
	InstallationID *int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// APIKey is an operator credential. The ID is the secret; PublicKey is the
// non-secret identifier used in logs and as JWT kid. DeletedAt soft-deletes.
type APIKey struct {
	ID        string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"not null"`
	PublicKey string `gorm:"uniqueIndex;not null;size:32"`
	DeletedAt *time.Time
	CreatedAt time.Time
	UpdatedAt time.Time
}

// APIKeyUsage is an append-only usage record with bounded retention.
type APIKeyUsage struct {
	ID        string    `gorm:"primaryKey;size:32"`
	APIKeyID  string    `gorm:"size:32;not null;index"`
	CreatedAt time.Time `gorm:"index"`
}

// APIKeyInvite is a single-use invitation token, expiring within 24 hours.
type APIKeyInvite struct {
	ID         string `gorm:"primaryKey;size:32"`
	Name       string `gorm:"not null"`
	ExpiresAt  time.Time
	ByAPIKeyID *string `gorm:"size:32"`
	CreatedAt  time.Time
}

// CORSOrigin is an allowed CORS origin. Unique; re-adding is a no-op.
type CORSOrigin struct {
	ID        string `gorm:"primaryKey;size:32"`
	Origin    string `gorm:"uniqueIndex;not null"`
	CreatedAt time.Time
}

// KeyValue is the process-wide runtime settings table (DISCO_HOST, DISCO_IP,
// REGISTRY_HOST, SYSLOG_URLS).
type KeyValue struct {
	Key       string `gorm:"primaryKey"`
	Value     *string
	UpdatedAt time.Time
}

// Task is a durable queue entry consumed by the worker.
type Task struct {
	ID        string `gorm:"primaryKey;size:32"`
	Name      string `gorm:"not null;index"`
	Status    string `gorm:"not null;index"`
	Body      string `gorm:"not null"`
	Result    *string
	CreatedAt time.Time `gorm:"index"`
	UpdatedAt time.Time
}

// CommandRun records one ephemeral command execution against a live
// deployment. Number increases per project.
type CommandRun struct {
	ID           string  `gorm:"primaryKey;size:32"`
	Number       int     `gorm:"not null;uniqueIndex:idx_command_runs_project_number"`
	ProjectID    string  `gorm:"size:32;not null;uniqueIndex:idx_command_runs_project_number;index"`
	ServiceName  string  `gorm:"not null"`
	Command      string  `gorm:"not null"`
	Status       string  `gorm:"not null"`
	DeploymentID string  `gorm:"size:32;not null"`
	APIKeyID     *string `gorm:"size:32"`
	Timeout      int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// GithubApp is a GitHub App the operator installed for webhook-driven
// deployments. WebhookSecret and PrivateKey are AEAD-sealed.
type GithubApp struct {
	ID            int64  `gorm:"primaryKey"` // GitHub's app id
	OwnerLogin    string `gorm:"not null"`
	Name          string
	Slug          string
	HTMLURL       string
	WebhookSecret []byte
	PrivateKey    []byte
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// GithubAppInstallation records one installation of a GithubApp.
type GithubAppInstallation struct {
	ID          int64 `gorm:"primaryKey"` // GitHub's installation id
	GithubAppID int64 `gorm:"not null;index"`
	CreatedAt   time.Time
}

// GithubAppRepo is a repository reachable through an installation.
type GithubAppRepo struct {
	ID             string `gorm:"primaryKey;size:32"`
	InstallationID int64  `gorm:"not null;uniqueIndex:idx_github_repos_installation_name"`
	FullName       string `gorm:"not null;uniqueIndex:idx_github_repos_installation_name"`
	CreatedAt      time.Time
}

// GithubPendingApp tracks an in-flight app manifest flow.
type GithubPendingApp struct {
	ID           string `gorm:"primaryKey;size:32"`
	Organization *string
	ExpiresAt    time.Time
	ByAPIKeyID   *string `gorm:"size:32"`
	CreatedAt    time.Time
}

// SyslogURL is a log drain destination.
type SyslogURL struct {
	ID        string `gorm:"primaryKey;size:32"`
	URL       string `gorm:"uniqueIndex;not null"`
	Type      string `gorm:"not null"`
	CreatedAt time.Time
}
