package actions

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"k8s.io/client-go/util/homedir"

	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/models"
)

// RestartAnnotation is the pod-template annotation bumped to trigger a rollout.
const RestartAnnotation = "kubectl.kubernetes.io/restartedAt"

// Rollback info keys written by the Kubernetes handler.
const (
	infoNamespace    = "namespace"
	infoName         = "name"
	infoReplicas     = "replicas"
	infoRestartedAt  = "restarted_at"
	infoHadRestarted = "had_restarted_at"
)

// KubernetesConfig configures deployment-level remediation.
type KubernetesConfig struct {
	Kubeconfig       string
	InCluster        bool
	DefaultNamespace string
	ScaleStep        int32
	MinReplicas      int32
	MaxReplicas      int32
	VerifyTimeout    time.Duration
	VerifyInterval   time.Duration
}

// KubernetesHandler restarts and scales deployments. Resource ids are
// "namespace/deployment" or a bare deployment name in the default namespace.
type KubernetesHandler struct {
	client kubernetes.Interface
	cfg    KubernetesConfig
	logger *slog.Logger
	now    func() time.Time
}

// NewClientset builds a clientset from in-cluster credentials or a kubeconfig.
func NewClientset(cfg KubernetesConfig) (kubernetes.Interface, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.InCluster {
		restCfg, err = rest.InClusterConfig()
	} else {
		kubeconfig := cfg.Kubeconfig
		if kubeconfig == "" {
			if home := homedir.HomeDir(); home != "" {
				kubeconfig = filepath.Join(home, ".kube", "config")
			}
		}
		restCfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("build kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("create kubernetes clientset: %w", err)
	}
	return clientset, nil
}

// NewKubernetesHandler constructs the handler around a clientset.
func NewKubernetesHandler(client kubernetes.Interface, cfg KubernetesConfig, logger *slog.Logger) *KubernetesHandler {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.DefaultNamespace == "" {
		cfg.DefaultNamespace = "default"
	}
	if cfg.ScaleStep <= 0 {
		cfg.ScaleStep = 1
	}
	if cfg.MinReplicas <= 0 {
		cfg.MinReplicas = 1
	}
	if cfg.MaxReplicas <= 0 {
		cfg.MaxReplicas = 20
	}
	if cfg.VerifyInterval <= 0 {
		cfg.VerifyInterval = 2 * time.Second
	}
	return &KubernetesHandler{client: client, cfg: cfg, logger: logger, now: func() time.Time { return time.Now().UTC() }}
}

// Kinds lists the action kinds this handler serves.
func (h *KubernetesHandler) Kinds() []models.ActionKind {
	return []models.ActionKind{models.ActionRestartService, models.ActionScaleUp, models.ActionScaleDown}
}

// Execute applies the action to the target deployment.
func (h *KubernetesHandler) Execute(ctx context.Context, req executor.ActionRequest) (executor.ActionResult, error) {
	namespace, name, err := h.target(req.ResourceID)
	if err != nil {
		return executor.ActionResult{}, err
	}

	switch req.Action.Kind {
	case models.ActionRestartService:
		return h.restart(ctx, namespace, name)
	case models.ActionScaleUp:
		return h.scale(ctx, namespace, name, h.cfg.ScaleStep)
	case models.ActionScaleDown:
		return h.scale(ctx, namespace, name, -h.cfg.ScaleStep)
	default:
		return executor.ActionResult{}, fmt.Errorf("kubernetes handler does not support %s", req.Action.Name())
	}
}

func (h *KubernetesHandler) restart(ctx context.Context, namespace, name string) (executor.ActionResult, error) {
	deploy, err := h.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return executor.ActionResult{}, fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}

	if deploy.Spec.Template.Annotations == nil {
		deploy.Spec.Template.Annotations = map[string]string{}
	}
	previous, had := deploy.Spec.Template.Annotations[RestartAnnotation]
	info := models.RollbackInfo{
		infoNamespace:    namespace,
		infoName:         name,
		infoRestartedAt:  previous,
		infoHadRestarted: strconv.FormatBool(had),
	}
	deploy.Spec.Template.Annotations[RestartAnnotation] = h.now().Format(time.RFC3339)

	updated, err := h.client.AppsV1().Deployments(namespace).Update(ctx, deploy, metav1.UpdateOptions{})
	if err != nil {
		return executor.ActionResult{}, fmt.Errorf("restart deployment %s/%s: %w", namespace, name, err)
	}
	h.logger.Info("deployment restarted", slog.String("namespace", namespace), slog.String("deployment", name))
	return h.verify(ctx, updated, info, "rollout restarted")
}

func (h *KubernetesHandler) scale(ctx context.Context, namespace, name string, delta int32) (executor.ActionResult, error) {
	deploy, err := h.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return executor.ActionResult{}, fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}

	current := int32(1)
	if deploy.Spec.Replicas != nil {
		current = *deploy.Spec.Replicas
	}
	desired := current + delta
	if desired > h.cfg.MaxReplicas {
		desired = h.cfg.MaxReplicas
	}
	if desired < h.cfg.MinReplicas {
		desired = h.cfg.MinReplicas
	}
	if desired == current {
		return executor.ActionResult{
			Success: false,
			Message: fmt.Sprintf("deployment %s/%s already at replica bound %d", namespace, name, current),
		}, nil
	}

	info := models.RollbackInfo{
		infoNamespace: namespace,
		infoName:      name,
		infoReplicas:  strconv.Itoa(int(current)),
	}
	deploy.Spec.Replicas = &desired
	updated, err := h.client.AppsV1().Deployments(namespace).Update(ctx, deploy, metav1.UpdateOptions{})
	if err != nil {
		return executor.ActionResult{}, fmt.Errorf("scale deployment %s/%s: %w", namespace, name, err)
	}
	h.logger.Info("deployment scaled",
		slog.String("namespace", namespace),
		slog.String("deployment", name),
		slog.Int("from", int(current)),
		slog.Int("to", int(desired)))
	return h.verify(ctx, updated, info, fmt.Sprintf("scaled from %d to %d replicas", current, desired))
}

// verify waits for the deployment to report every desired replica ready.
// The change stays applied on timeout, so the rollback info is returned
// with the failure.
func (h *KubernetesHandler) verify(ctx context.Context, deploy *appsv1.Deployment, info models.RollbackInfo, message string) (executor.ActionResult, error) {
	if h.cfg.VerifyTimeout <= 0 {
		return executor.ActionResult{Success: true, Message: message, RollbackInfo: info}, nil
	}

	namespace, name := deploy.Namespace, deploy.Name
	err := wait.PollUntilContextTimeout(ctx, h.cfg.VerifyInterval, h.cfg.VerifyTimeout, true, func(ctx context.Context) (bool, error) {
		current, err := h.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			return false, nil
		}
		desired := int32(1)
		if current.Spec.Replicas != nil {
			desired = *current.Spec.Replicas
		}
		return current.Status.ObservedGeneration >= current.Generation &&
			current.Status.UpdatedReplicas >= desired &&
			current.Status.ReadyReplicas >= desired, nil
	})
	if err != nil {
		return executor.ActionResult{
			Success:      false,
			Message:      fmt.Sprintf("%s but deployment %s/%s did not become ready: %v", message, namespace, name, err),
			RollbackInfo: info,
		}, nil
	}
	return executor.ActionResult{Success: true, Message: message, RollbackInfo: info}, nil
}

// Rollback restores the captured replica count or restart annotation.
func (h *KubernetesHandler) Rollback(ctx context.Context, req executor.RollbackRequest) error {
	namespace, name := req.Info[infoNamespace], req.Info[infoName]
	if namespace == "" || name == "" {
		return errors.New("rollback info missing deployment reference")
	}
	deploy, err := h.client.AppsV1().Deployments(namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		return fmt.Errorf("get deployment %s/%s: %w", namespace, name, err)
	}

	switch req.Action.Kind {
	case models.ActionScaleUp, models.ActionScaleDown:
		replicas, err := strconv.Atoi(req.Info[infoReplicas])
		if err != nil {
			return fmt.Errorf("rollback info replicas: %w", err)
		}
		restored := int32(replicas)
		deploy.Spec.Replicas = &restored
	case models.ActionRestartService:
		if deploy.Spec.Template.Annotations == nil {
			deploy.Spec.Template.Annotations = map[string]string{}
		}
		if req.Info[infoHadRestarted] == "true" {
			deploy.Spec.Template.Annotations[RestartAnnotation] = req.Info[infoRestartedAt]
		} else {
			delete(deploy.Spec.Template.Annotations, RestartAnnotation)
		}
	default:
		return fmt.Errorf("kubernetes handler cannot roll back %s", req.Action.Name())
	}

	if _, err := h.client.AppsV1().Deployments(namespace).Update(ctx, deploy, metav1.UpdateOptions{}); err != nil {
		return fmt.Errorf("rollback deployment %s/%s: %w", namespace, name, err)
	}
	h.logger.Info("deployment rolled back",
		slog.String("namespace", namespace),
		slog.String("deployment", name),
		slog.String("action", req.Action.Name()))
	return nil
}

func (h *KubernetesHandler) target(resourceID string) (string, string, error) {
	resourceID = strings.TrimSpace(resourceID)
	if resourceID == "" {
		return "", "", errors.New("resource id required")
	}
	if namespace, name, ok := strings.Cut(resourceID, "/"); ok {
		if namespace == "" || name == "" {
			return "", "", fmt.Errorf("invalid resource id %q", resourceID)
		}
		return namespace, name, nil
	}
	return h.cfg.DefaultNamespace, resourceID, nil
}
