package actions

import (
	"context"
	"testing"
	"time"

	appsv1 "k8s.io/api/apps/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"github.com/miradorstack/mirador-heal/internal/executor"
	"github.com/miradorstack/mirador-heal/internal/models"
)

func newDeployment(namespace, name string, replicas int32) *appsv1.Deployment {
	return &appsv1.Deployment{
		ObjectMeta: metav1.ObjectMeta{Namespace: namespace, Name: name},
		Spec:       appsv1.DeploymentSpec{Replicas: &replicas},
	}
}

func replicasOf(t *testing.T, h *KubernetesHandler, namespace, name string) int32 {
	t.Helper()
	deploy, err := h.client.AppsV1().Deployments(namespace).Get(context.Background(), name, metav1.GetOptions{})
	if err != nil {
		t.Fatalf("get deployment: %v", err)
	}
	return *deploy.Spec.Replicas
}

func TestKubernetesScaleUpAndRollback(t *testing.T) {
	client := fake.NewSimpleClientset(newDeployment("shop", "checkout", 2))
	h := NewKubernetesHandler(client, KubernetesConfig{ScaleStep: 2}, nil)

	action := models.Action{Kind: models.ActionScaleUp}
	res, err := h.Execute(context.Background(), executor.ActionRequest{ResourceID: "shop/checkout", Action: action})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !res.Success {
		t.Fatalf("expected success, got %q", res.Message)
	}
	if got := replicasOf(t, h, "shop", "checkout"); got != 4 {
		t.Fatalf("expected 4 replicas, got %d", got)
	}
	if res.RollbackInfo[infoReplicas] != "2" {
		t.Fatalf("expected rollback replicas 2, got %+v", res.RollbackInfo)
	}

	err = h.Rollback(context.Background(), executor.RollbackRequest{Action: action, Info: res.RollbackInfo})
	if err != nil {
		t.Fatalf("rollback: %v", err)
	}
	if got := replicasOf(t, h, "shop", "checkout"); got != 2 {
		t.Fatalf("expected replicas restored to 2, got %d", got)
	}
}

func TestKubernetesScaleDownRespectsMinimum(t *testing.T) {
	client := fake.NewSimpleClientset(newDeployment("default", "api", 1))
	h := NewKubernetesHandler(client, KubernetesConfig{}, nil)

	res, err := h.Execute(context.Background(), executor.ActionRequest{
		ResourceID: "api",
		Action:     models.Action{Kind: models.ActionScaleDown},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatalf("expected no-op scale down to report failure")
	}
	if got := replicasOf(t, h, "default", "api"); got != 1 {
		t.Fatalf("replicas changed to %d", got)
	}
}

func TestKubernetesRestartSetsAnnotation(t *testing.T) {
	client := fake.NewSimpleClientset(newDeployment("shop", "cart", 3))
	h := NewKubernetesHandler(client, KubernetesConfig{}, nil)
	fixed := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	h.now = func() time.Time { return fixed }

	action := models.Action{Kind: models.ActionRestartService}
	res, err := h.Execute(context.Background(), executor.ActionRequest{ResourceID: "shop/cart", Action: action})
	if err != nil || !res.Success {
		t.Fatalf("restart failed: %v %+v", err, res)
	}
	deploy, _ := client.AppsV1().Deployments("shop").Get(context.Background(), "cart", metav1.GetOptions{})
	if got := deploy.Spec.Template.Annotations[RestartAnnotation]; got != fixed.Format(time.RFC3339) {
		t.Fatalf("unexpected restart annotation %q", got)
	}

	if err := h.Rollback(context.Background(), executor.RollbackRequest{Action: action, Info: res.RollbackInfo}); err != nil {
		t.Fatalf("rollback: %v", err)
	}
	deploy, _ = client.AppsV1().Deployments("shop").Get(context.Background(), "cart", metav1.GetOptions{})
	if _, ok := deploy.Spec.Template.Annotations[RestartAnnotation]; ok {
		t.Fatalf("expected restart annotation removed on rollback")
	}
}

func TestKubernetesVerifyTimeoutKeepsRollbackInfo(t *testing.T) {
	client := fake.NewSimpleClientset(newDeployment("shop", "search", 2))
	h := NewKubernetesHandler(client, KubernetesConfig{
		VerifyTimeout:  50 * time.Millisecond,
		VerifyInterval: 10 * time.Millisecond,
	}, nil)

	res, err := h.Execute(context.Background(), executor.ActionRequest{
		ResourceID: "shop/search",
		Action:     models.Action{Kind: models.ActionScaleUp},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if res.Success {
		t.Fatalf("expected failure when replicas never become ready")
	}
	if res.RollbackInfo[infoReplicas] != "2" {
		t.Fatalf("expected rollback info on verify timeout, got %+v", res.RollbackInfo)
	}
}

func TestKubernetesMissingDeployment(t *testing.T) {
	h := NewKubernetesHandler(fake.NewSimpleClientset(), KubernetesConfig{}, nil)
	_, err := h.Execute(context.Background(), executor.ActionRequest{
		ResourceID: "shop/ghost",
		Action:     models.Action{Kind: models.ActionRestartService},
	})
	if err == nil {
		t.Fatalf("expected error for missing deployment")
	}
}

func TestKubernetesTargetParsing(t *testing.T) {
	h := NewKubernetesHandler(fake.NewSimpleClientset(), KubernetesConfig{DefaultNamespace: "prod"}, nil)
	cases := []struct {
		in        string
		namespace string
		name      string
		wantErr   bool
	}{
		{in: "web", namespace: "prod", name: "web"},
		{in: "shop/web", namespace: "shop", name: "web"},
		{in: "/web", wantErr: true},
		{in: "", wantErr: true},
	}
	for _, tc := range cases {
		ns, name, err := h.target(tc.in)
		if tc.wantErr {
			if err == nil {
				t.Fatalf("expected error for %q", tc.in)
			}
			continue
		}
		if err != nil || ns != tc.namespace || name != tc.name {
			t.Fatalf("target(%q) = %q, %q, %v", tc.in, ns, name, err)
		}
	}
}
