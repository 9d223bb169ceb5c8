package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/disco-paas/disco/db"
	"github.com/disco-paas/disco/deploy"
	"github.com/disco-paas/disco/github"
)

type projectView struct {
	Name    string    `json:"name"`
	Created time.Time `json:"created"`
}

type deploymentView struct {
	Number     int       `json:"number"`
	Status     string    `json:"status"`
	CommitHash *string   `json:"commitHash,omitempty"`
	Created    time.Time `json:"created"`
}

func newDeploymentView(d *db.Deployment) deploymentView {
	return deploymentView{
		Number:     d.Number,
		Status:     d.Status,
		CommitHash: d.CommitHash,
		Created:    d.CreatedAt,
	}
}

// projectParam resolves the :name path parameter.
func (s *Server) projectParam(c echo.Context) (*db.Project, error) {
	return s.store.GetProjectByName(c.Param("name"))
}

func (s *Server) listProjects(c echo.Context) error {
	projects, err := s.store.ListProjects()
	if err != nil {
		return err
	}
	views := make([]projectView, 0, len(projects))
	for _, p := range projects {
		views = append(views, projectView{Name: p.Name, Created: p.CreatedAt})
	}
	return c.JSON(http.StatusOK, views)
}

type createProjectRequest struct {
	Name       string  `json:"name"`
	GithubRepo *string `json:"githubRepo,omitempty"`
	Branch     *string `json:"branch,omitempty"`
	Deploy     bool    `json:"deploy,omitempty"`
}

func (s *Server) createProject(c echo.Context) error {
	var req createProjectRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	if req.Name == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "name is required")
	}

	project, err := s.store.CreateProject(req.Name, nil)
	if err != nil {
		return err
	}
	if req.GithubRepo != nil {
		if err := s.store.SetGithubRepo(project.ID, *req.GithubRepo, req.Branch, nil); err != nil {
			return err
		}
	}

	var deployment *db.Deployment
	if req.Deploy && req.GithubRepo != nil {
		var byKey *string
		if key := requestAPIKey(c); key != nil {
			byKey = &key.ID
		}
		latest := github.DeployLatest
		deployment, err = s.engine.StartDeployment(c.Request().Context(), project, &latest, nil, byKey)
		if err != nil {
			return err
		}
	}

	resp := map[string]any{"project": projectView{Name: project.Name, Created: project.CreatedAt}}
	if deployment != nil {
		resp["deployment"] = newDeploymentView(deployment)
	}
	return c.JSON(http.StatusCreated, resp)
}

func (s *Server) getProject(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, projectView{Name: project.Name, Created: project.CreatedAt})
}

func (s *Server) deleteProject(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	if err := s.engine.RemoveProject(c.Request().Context(), project); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listDomains(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	domains, err := s.store.ListDomains(project.ID)
	if err != nil {
		return err
	}
	names := make([]string, 0, len(domains))
	for _, d := range domains {
		names = append(names, d.Name)
	}
	return c.JSON(http.StatusOK, map[string][]string{"domains": names})
}

func (s *Server) addDomain(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	var req struct {
		Domain string `json:"domain"`
	}
	if err := c.Bind(&req); err != nil || req.Domain == "" {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "domain is required")
	}
	if _, err := s.store.AddDomain(project.ID, req.Domain); err != nil {
		return err
	}
	if err := s.engine.ApplyDomains(c.Request().Context(), project); err != nil {
		return err
	}
	return c.NoContent(http.StatusCreated)
}

func (s *Server) removeDomain(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	if err := s.engine.DetachDomain(c.Request().Context(), project, c.Param("domain")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listEnv(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	vars, err := s.store.ListEnvVariables(project.ID)
	if err != nil {
		return err
	}
	// Names only; values never leave the store sealed or not.
	names := make([]string, 0, len(vars))
	for _, v := range vars {
		names = append(names, v.Name)
	}
	return c.JSON(http.StatusOK, map[string][]string{"envVariables": names})
}

func (s *Server) setEnv(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	var req struct {
		Values map[string]string `json:"values"`
	}
	if err := c.Bind(&req); err != nil || len(req.Values) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "values are required")
	}
	pairs := make([]deploy.EnvPair, 0, len(req.Values))
	for name, value := range req.Values {
		pairs = append(pairs, deploy.EnvPair{Name: name, Value: value})
	}
	var byKey *string
	if key := requestAPIKey(c); key != nil {
		byKey = &key.ID
	}
	deployment, err := s.engine.SetEnvVariables(c.Request().Context(), project, pairs, byKey)
	if err != nil {
		return err
	}
	if deployment == nil {
		return c.NoContent(http.StatusNoContent)
	}
	return c.JSON(http.StatusOK, map[string]any{"deployment": newDeploymentView(deployment)})
}

func (s *Server) deleteEnv(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	if err := s.store.DeleteEnvVariable(project.ID, c.Param("var")); err != nil {
		return err
	}
	return c.NoContent(http.StatusNoContent)
}

func (s *Server) listDeployments(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	deployments, err := s.store.ListDeployments(project.ID)
	if err != nil {
		return err
	}
	views := make([]deploymentView, 0, len(deployments))
	for i := range deployments {
		views = append(views, newDeploymentView(&deployments[i]))
	}
	return c.JSON(http.StatusOK, views)
}

type createDeploymentRequest struct {
	Commit    *string `json:"commit,omitempty"`
	DiscoFile *string `json:"discoFile,omitempty"`
}

func (s *Server) createDeployment(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	var req createDeploymentRequest
	if err := c.Bind(&req); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body")
	}
	var byKey *string
	if key := requestAPIKey(c); key != nil {
		byKey = &key.ID
	}
	deployment, err := s.engine.StartDeployment(c.Request().Context(), project, req.Commit, req.DiscoFile, byKey)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, map[string]any{"deployment": newDeploymentView(deployment)})
}

// deploymentParam resolves :name/:number into the deployment row.
func (s *Server) deploymentParam(c echo.Context) (*db.Project, *db.Deployment, error) {
	project, err := s.projectParam(c)
	if err != nil {
		return nil, nil, err
	}
	number, err := strconv.Atoi(c.Param("number"))
	if err != nil {
		return nil, nil, echo.NewHTTPError(http.StatusBadRequest, "invalid deployment number")
	}
	deployment, err := s.store.GetDeploymentByNumber(project.ID, number)
	if err != nil {
		return nil, nil, err
	}
	return project, deployment, nil
}

func (s *Server) getDeployment(c echo.Context) error {
	_, deployment, err := s.deploymentParam(c)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, newDeploymentView(deployment))
}

func (s *Server) scale(c echo.Context) error {
	project, err := s.projectParam(c)
	if err != nil {
		return err
	}
	var req struct {
		Services map[string]uint64 `json:"services"`
	}
	if err := c.Bind(&req); err != nil || len(req.Services) == 0 {
		return echo.NewHTTPError(http.StatusUnprocessableEntity, "services are required")
	}
	if err := s.engine.Scale(c.Request().Context(), project, req.Services); err != nil {
		return err
	}
	return c.NoContent(http.StatusOK)
}
