package deploy

import (
	"fmt"
	"strconv"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/github"
	"github.com/disco-paas/disco/security"
)

// ContainerEnv assembles the environment every container sharing a
// deployment receives: the decrypted env snapshot plus the injected DISCO_*
// variables. The runner subsystems use this for ephemeral containers too.
func ContainerEnv(store *db.Store, crypto *security.Crypto, project *db.Project, deployment *db.Deployment, serviceName string, domains []db.ProjectDomain) ([]string, error) {
	vars, err := store.ListDeploymentEnvVariables(deployment.ID)
	if err != nil {
		return nil, err
	}
	env := make([]string, 0, len(vars)+6)
	for _, v := range vars {
		value, err := crypto.DecryptString(v.Value)
		if err != nil {
			return nil, fmt.Errorf("unsealing env var %s: %w", v.Name, err)
		}
		env = append(env, v.Name+"="+value)
	}
	env = append(env,
		"DISCO_PROJECT_NAME="+project.Name,
		"DISCO_SERVICE_NAME="+serviceName,
		"DISCO_DEPLOYMENT_NUMBER="+strconv.Itoa(deployment.Number),
	)
	host, err := store.GetValueString(db.KeyDiscoHost)
	if err != nil {
		return nil, err
	}
	if host != "" {
		env = append(env, "DISCO_HOST="+host)
	}
	if deployment.CommitHash != nil && *deployment.CommitHash != github.DeployLatest {
		env = append(env, "DISCO_COMMIT="+*deployment.CommitHash)
	}
	if len(domains) > 0 {
		env = append(env, "DISCO_PROJECT_DOMAIN="+domains[0].Name)
	}
	return env, nil
}
