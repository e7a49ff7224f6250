package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/brook-data/brook/manager/internal/domain"
)

// deploymentConfig is the file handed to a pipeline process at spawn time.
// Connector configs are copied in verbatim: the process runs with what was
// attached at provision, regardless of later connector edits.
type deploymentConfig struct {
	Name       string             `yaml:"name"`
	PipelineID string             `yaml:"pipeline_id"`
	Workers    int                `yaml:"workers"`
	Resources  domain.Resources   `yaml:"resources"`
	Inputs     []connectorBinding `yaml:"inputs"`
	Outputs    []connectorBinding `yaml:"outputs"`
}

type connectorBinding struct {
	Name     string `yaml:"name"`
	Relation string `yaml:"relation"`
	// Config is the connector's transport+format YAML, embedded as a string;
	// the pipeline process parses it itself.
	Config string `yaml:"config"`
}

// writeDeploymentConfig resolves the pipeline's connector attachments and
// writes {runner_dir}/{pipeline_id}/config.yaml. The directory doubles as the
// process's storage dir. Returns the config path and the storage dir.
func (s *Supervisor) writeDeploymentConfig(ctx context.Context, p *domain.Pipeline) (string, string, error) {
	dir := filepath.Join(s.cfg.WorkingDir, p.ID.String())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", fmt.Errorf("create pipeline dir: %w", err)
	}

	dc := deploymentConfig{
		Name:       p.Name,
		PipelineID: p.ID.String(),
		Workers:    p.Config.Workers,
		Resources:  p.Config.Resources,
	}
	for _, att := range p.Connectors {
		c, err := s.connectors.GetConnector(ctx, p.TenantID, att.ConnectorID)
		if err != nil {
			return "", "", fmt.Errorf("resolve connector %s: %w", att.ConnectorID, err)
		}
		if c == nil {
			return "", "", fmt.Errorf("connector %s no longer exists", att.ConnectorID)
		}
		binding := connectorBinding{Name: att.Name, Relation: att.RelationName, Config: c.Config}
		if att.IsInput {
			dc.Inputs = append(dc.Inputs, binding)
		} else {
			dc.Outputs = append(dc.Outputs, binding)
		}
	}

	data, err := yaml.Marshal(dc)
	if err != nil {
		return "", "", fmt.Errorf("encode deployment config: %w", err)
	}
	path := filepath.Join(dir, "config.yaml")
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return "", "", fmt.Errorf("write deployment config: %w", err)
	}
	return path, dir, nil
}
