package github

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/sirupsen/logrus"

	"github.com/disco-paas/disco/common"
	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/queue"
	"github.com/disco-paas/disco/security"
)

// ErrSignatureMismatch rejects a webhook whose HMAC does not match. No
// database side effects happen before this check passes.
var ErrSignatureMismatch = errors.New("webhook signature mismatch")

// Deployer starts a deployment for a project. Satisfied by the deploy engine.
type Deployer interface {
	StartDeployment(ctx context.Context, project *db.Project, commit, discoFile, byAPIKeyID *string) (*db.Deployment, error)
}

// Webhooks verifies and dispatches GitHub-App webhooks. Receive runs in the
// daemon and only enqueues; Process runs in the worker.
type Webhooks struct {
	store    *db.Store
	queue    *queue.Queue
	crypto   *security.Crypto
	deployer Deployer
	log      *logrus.Logger
}

func NewWebhooks(store *db.Store, q *queue.Queue, crypto *security.Crypto, deployer Deployer) *Webhooks {
	return &Webhooks{
		store:    store,
		queue:    q,
		crypto:   crypto,
		deployer: deployer,
		log:      common.Logger,
	}
}

// Signature computes the X-Hub-Signature-256 value for a body.
func Signature(secret, body []byte) string {
	mac := hmac.New(sha256.New, secret)
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

// VerifySignature constant-time compares a received signature header against
// the expected HMAC.
func VerifySignature(secret, body []byte, header string) bool {
	expected := Signature(secret, body)
	return hmac.Equal([]byte(expected), []byte(header))
}

// webhookTask is the queue payload bridging Receive to Process.
type webhookTask struct {
	AppID   int64           `json:"app_id"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
}

// Receive authenticates an incoming webhook and enqueues it. targetType and
// targetID come from the X-GitHub-Hook-Installation-Target-* headers.
func (w *Webhooks) Receive(ctx context.Context, targetType, targetID, event, signature string, body []byte) error {
	if targetType != "integration" {
		return fmt.Errorf("unsupported webhook target type %q", targetType)
	}
	appID, err := strconv.ParseInt(targetID, 10, 64)
	if err != nil {
		return fmt.Errorf("invalid webhook target id %q", targetID)
	}
	app, err := w.store.GetGithubApp(appID)
	if err != nil {
		return err
	}
	secret, err := w.crypto.Decrypt(app.WebhookSecret)
	if err != nil {
		return fmt.Errorf("unsealing webhook secret: %w", err)
	}
	if !VerifySignature(secret, body, signature) {
		return ErrSignatureMismatch
	}
	_, err = w.queue.Enqueue(queue.TaskProcessGithubWebhook, webhookTask{
		AppID:   appID,
		Event:   event,
		Payload: json.RawMessage(body),
	})
	return err
}

// Process is the worker-side handler for PROCESS_GITHUB_WEBHOOK tasks.
func (w *Webhooks) Process(ctx context.Context, body json.RawMessage) (any, error) {
	var task webhookTask
	if err := json.Unmarshal(body, &task); err != nil {
		return nil, fmt.Errorf("decoding webhook task: %w", err)
	}
	switch task.Event {
	case "push":
		return w.processPush(ctx, task.Payload)
	case "installation":
		return w.processInstallation(task.AppID, task.Payload)
	case "installation_repositories":
		return w.processInstallationRepos(task.Payload)
	default:
		w.log.WithField("event", task.Event).Info("ignoring github event")
		return map[string]string{"ignored": task.Event}, nil
	}
}

type pushPayload struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

func (w *Webhooks) processPush(ctx context.Context, payload json.RawMessage) (any, error) {
	var push pushPayload
	if err := json.Unmarshal(payload, &push); err != nil {
		return nil, fmt.Errorf("decoding push payload: %w", err)
	}
	branch := strings.TrimPrefix(push.Ref, "refs/heads/")
	if branch != "main" && branch != "master" {
		w.log.WithFields(logrus.Fields{"repo": push.Repository.FullName, "branch": branch}).
			Info("ignoring push to non-default branch")
		return map[string]string{"ignored": "branch " + branch}, nil
	}

	projects, err := w.store.ProjectsForRepo(push.Repository.FullName)
	if err != nil {
		return nil, err
	}
	var deployed []string
	for i := range projects {
		project := &projects[i]
		commit := push.After
		deployment, err := w.deployer.StartDeployment(ctx, project, &commit, nil, nil)
		if err != nil {
			// One stuck project must not starve its repo siblings.
			w.log.WithError(err).WithField("project", project.Name).
				Error("push-to-deploy could not start deployment")
			continue
		}
		deployed = append(deployed, fmt.Sprintf("%s:%d", project.Name, deployment.Number))
	}
	return map[string]any{"deployments": deployed}, nil
}

type installationPayload struct {
	Action       string `json:"action"`
	Installation struct {
		ID int64 `json:"id"`
	} `json:"installation"`
	Repositories []struct {
		FullName string `json:"full_name"`
	} `json:"repositories"`
	RepositoriesAdded []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_added"`
	RepositoriesRemoved []struct {
		FullName string `json:"full_name"`
	} `json:"repositories_removed"`
}

func (w *Webhooks) processInstallation(appID int64, payload json.RawMessage) (any, error) {
	var inst installationPayload
	if err := json.Unmarshal(payload, &inst); err != nil {
		return nil, fmt.Errorf("decoding installation payload: %w", err)
	}
	switch inst.Action {
	case "created":
		if err := w.store.AddGithubAppInstallation(inst.Installation.ID, appID); err != nil {
			return nil, err
		}
		for _, repo := range inst.Repositories {
			if err := w.store.AddGithubAppRepo(inst.Installation.ID, repo.FullName); err != nil {
				return nil, err
			}
		}
	case "deleted":
		if err := w.store.RemoveGithubAppInstallation(inst.Installation.ID); err != nil {
			return nil, err
		}
	default:
		w.log.WithField("action", inst.Action).Info("ignoring installation action")
	}
	return map[string]string{"action": inst.Action}, nil
}

func (w *Webhooks) processInstallationRepos(payload json.RawMessage) (any, error) {
	var inst installationPayload
	if err := json.Unmarshal(payload, &inst); err != nil {
		return nil, fmt.Errorf("decoding installation_repositories payload: %w", err)
	}
	switch inst.Action {
	case "added":
		for _, repo := range inst.RepositoriesAdded {
			if err := w.store.AddGithubAppRepo(inst.Installation.ID, repo.FullName); err != nil {
				return nil, err
			}
		}
	case "removed":
		for _, repo := range inst.RepositoriesRemoved {
			if err := w.store.RemoveGithubAppRepo(inst.Installation.ID, repo.FullName); err != nil {
				return nil, err
			}
		}
	default:
		w.log.WithField("action", inst.Action).Info("ignoring installation_repositories action")
	}
	return map[string]string{"action": inst.Action}, nil
}
