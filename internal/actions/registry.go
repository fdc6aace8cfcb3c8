package actions

import (
	"fmt"

	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/models"
)

// BuildRegistry wires the production handlers. Kubernetes serves restart and
// scaling when configured; the runbook webhook serves every other built-in
// kind, every kind Kubernetes does not cover, and the listed custom ids.
func BuildRegistry(k8s *KubernetesHandler, webhook *WebhookHandler, customIDs []string) (*executor.Registry, error) {
	reg := executor.NewRegistry()

	covered := make(map[models.ActionKind]bool)
	if k8s != nil {
		for _, kind := range k8s.Kinds() {
			if err := reg.Register(kind, k8s); err != nil {
				return nil, err
			}
			covered[kind] = true
		}
	}

	if webhook != nil {
		for _, kind := range models.ActionKinds {
			if kind == models.ActionCustom || covered[kind] {
				continue
			}
			if err := reg.Register(kind, webhook); err != nil {
				return nil, err
			}
		}
		for _, id := range customIDs {
			if err := reg.RegisterCustom(id, webhook); err != nil {
				return nil, err
			}
		}
	} else if len(customIDs) > 0 {
		return nil, fmt.Errorf("custom actions %v require a runbook webhook", customIDs)
	}
	return reg, nil
}
