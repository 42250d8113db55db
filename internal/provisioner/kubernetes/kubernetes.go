// Package kubernetes provides a provisioner that runs each sandbox unit as a
// Pod in a configured namespace.
package kubernetes

import (
	"context"
	"fmt"
	"time"

	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/util/intstr"
	"k8s.io/apimachinery/pkg/util/wait"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/ajaxzhan/sandboxpool/internal/logging"
	"github.com/ajaxzhan/sandboxpool/internal/provisioner"
	"github.com/ajaxzhan/sandboxpool/pkg/types"
)

const containerName = "sandbox"

// Config holds configuration for the kubernetes Provisioner.
type Config struct {
	Namespace        string
	Kubeconfig       string
	RuntimeClassName string
	Prefix           string

	// PodIPTimeout bounds how long Provision waits for the pod to be
	// scheduled and assigned an IP.
	PodIPTimeout time.Duration
}

// Provisioner implements provisioner.Provisioner on a Kubernetes cluster.
type Provisioner struct {
	cfg    Config
	client kubernetes.Interface
}

var _ provisioner.Provisioner = (*Provisioner)(nil)

// New builds a client from the kubeconfig path, the in-cluster config, or
// the default kubeconfig, in that order.
func New(cfg Config) (*Provisioner, error) {
	var (
		restCfg *rest.Config
		err     error
	)
	if cfg.Kubeconfig != "" {
		restCfg, err = clientcmd.BuildConfigFromFlags("", cfg.Kubeconfig)
	} else {
		restCfg, err = rest.InClusterConfig()
		if err != nil {
			restCfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("building kubernetes config: %w", err)
	}

	client, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("creating kubernetes client: %w", err)
	}
	return NewWithClient(client, cfg), nil
}

// NewWithClient wraps an existing clientset.
func NewWithClient(client kubernetes.Interface, cfg Config) *Provisioner {
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "sandbox"
	}
	if cfg.PodIPTimeout <= 0 {
		cfg.PodIPTimeout = 2 * time.Minute
	}
	return &Provisioner{cfg: cfg, client: client}
}

// Kind returns the backend kind.
func (p *Provisioner) Kind() types.BackendKind {
	return types.BackendCluster
}

// Provision creates the unit's pod and waits until it has an IP.
func (p *Provisioner) Provision(ctx context.Context, req *provisioner.Request) (types.Endpoint, error) {
	unit := &types.Unit{ID: req.UnitID, TypeName: req.Profile.TypeName}
	pod, err := p.podSpec(req, unit)
	if err != nil {
		return types.Endpoint{}, provisioner.Classify(err, unit.TypeName, unit.ID, types.ReasonBackend)
	}

	created, err := p.client.CoreV1().Pods(p.cfg.Namespace).Create(ctx, pod, metav1.CreateOptions{})
	if err != nil {
		reason := types.ReasonBackend
		if apierrors.IsForbidden(err) || apierrors.IsTooManyRequests(err) {
			reason = types.ReasonQuota
		}
		return types.Endpoint{}, provisioner.Classify(fmt.Errorf("create pod %s: %w", pod.Name, err), unit.TypeName, unit.ID, reason)
	}

	ip := created.Status.PodIP
	if ip == "" {
		ip, err = p.waitForIP(ctx, pod.Name)
		if err != nil {
			p.Destroy(context.WithoutCancel(ctx), unit)
			return types.Endpoint{}, provisioner.Classify(err, unit.TypeName, unit.ID, types.ReasonTimeout)
		}
	}

	logging.Debug("Pod created",
		logging.Unit(unit.ID, unit.TypeName),
		logging.String("pod", pod.Name),
		logging.String("namespace", p.cfg.Namespace),
	)
	return types.Endpoint{Host: ip, Port: req.Profile.Port()}, nil
}

func (p *Provisioner) waitForIP(ctx context.Context, name string) (string, error) {
	var ip string
	err := wait.PollUntilContextTimeout(ctx, 500*time.Millisecond, p.cfg.PodIPTimeout, true, func(ctx context.Context) (bool, error) {
		pod, err := p.client.CoreV1().Pods(p.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
		if err != nil {
			if apierrors.IsNotFound(err) {
				return false, err
			}
			return false, nil
		}
		if pod.Status.Phase == corev1.PodFailed {
			return false, fmt.Errorf("pod %s failed: %s", name, pod.Status.Message)
		}
		ip = pod.Status.PodIP
		return ip != "", nil
	})
	if err != nil {
		return "", fmt.Errorf("waiting for pod %s IP: %w", name, err)
	}
	return ip, nil
}

func (p *Provisioner) podSpec(req *provisioner.Request, unit *types.Unit) (*corev1.Pod, error) {
	env := req.Environment()
	env["SANDBOX_UNIT_ID"] = req.UnitID
	env["SANDBOX_TYPE"] = req.Profile.TypeName
	env["PORT"] = fmt.Sprint(req.Profile.Port())

	envVars := make([]corev1.EnvVar, 0, len(env))
	for k, v := range env {
		envVars = append(envVars, corev1.EnvVar{Name: k, Value: v})
	}

	resources, securityCtx := securityLevelSettings(req.Profile.SecurityLevel)

	pod := &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      provisioner.ResourceName(p.cfg.Prefix, unit),
			Namespace: p.cfg.Namespace,
			Labels:    provisioner.Labels(unit),
		},
		Spec: corev1.PodSpec{
			RestartPolicy:                 corev1.RestartPolicyNever,
			AutomountServiceAccountToken:  ptr(false),
			EnableServiceLinks:            ptr(false),
			TerminationGracePeriodSeconds: ptr(int64(5)),
			Containers: []corev1.Container{{
				Name:            containerName,
				Image:           req.Profile.Image,
				ImagePullPolicy: corev1.PullIfNotPresent,
				Env:             envVars,
				WorkingDir:      "/workspace",
				Ports: []corev1.ContainerPort{{
					Name:          "tools",
					ContainerPort: int32(req.Profile.Port()),
					Protocol:      corev1.ProtocolTCP,
				}},
				Resources:       resources,
				SecurityContext: securityCtx,
				ReadinessProbe: &corev1.Probe{
					ProbeHandler: corev1.ProbeHandler{
						TCPSocket: &corev1.TCPSocketAction{Port: intstr.FromInt32(int32(req.Profile.Port()))},
					},
					PeriodSeconds: 2,
				},
				VolumeMounts: []corev1.VolumeMount{{
					Name:      "workspace",
					MountPath: "/workspace",
				}},
			}},
			Volumes: []corev1.Volume{{
				Name: "workspace",
				VolumeSource: corev1.VolumeSource{
					EmptyDir: &corev1.EmptyDirVolumeSource{
						SizeLimit: ptr(resource.MustParse("1Gi")),
					},
				},
			}},
		},
	}
	if p.cfg.RuntimeClassName != "" {
		pod.Spec.RuntimeClassName = ptr(p.cfg.RuntimeClassName)
	}
	return pod, nil
}

func securityLevelSettings(level types.SecurityLevel) (corev1.ResourceRequirements, *corev1.SecurityContext) {
	requests := corev1.ResourceList{
		corev1.ResourceMemory: resource.MustParse("128Mi"),
		corev1.ResourceCPU:    resource.MustParse("100m"),
	}
	switch level {
	case types.SecurityHigh:
		return corev1.ResourceRequirements{
				Requests: requests,
				Limits: corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse("1Gi"),
					corev1.ResourceCPU:    resource.MustParse("1"),
				},
			}, &corev1.SecurityContext{
				RunAsNonRoot:             ptr(true),
				AllowPrivilegeEscalation: ptr(false),
				Capabilities:             &corev1.Capabilities{Drop: []corev1.Capability{"ALL"}},
				SeccompProfile:           &corev1.SeccompProfile{Type: corev1.SeccompProfileTypeRuntimeDefault},
			}
	case types.SecurityMedium:
		return corev1.ResourceRequirements{
				Requests: requests,
				Limits: corev1.ResourceList{
					corev1.ResourceMemory: resource.MustParse("2Gi"),
					corev1.ResourceCPU:    resource.MustParse("2"),
				},
			}, &corev1.SecurityContext{
				AllowPrivilegeEscalation: ptr(false),
			}
	default:
		return corev1.ResourceRequirements{Requests: requests}, nil
	}
}

// Healthcheck requires the pod's Ready condition to be true.
func (p *Provisioner) Healthcheck(ctx context.Context, unit *types.Unit) error {
	name := provisioner.ResourceName(p.cfg.Prefix, unit)
	pod, err := p.client.CoreV1().Pods(p.cfg.Namespace).Get(ctx, name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("%w: pod %s", types.ErrUnitNotFound, name)
		}
		return err
	}
	if pod.DeletionTimestamp != nil {
		return fmt.Errorf("pod %s is terminating", name)
	}
	for _, c := range pod.Status.Conditions {
		if c.Type == corev1.PodReady && c.Status == corev1.ConditionTrue {
			return nil
		}
	}
	return fmt.Errorf("pod %s is not ready (phase %s)", name, pod.Status.Phase)
}

// Destroy deletes the unit's pod immediately.
func (p *Provisioner) Destroy(ctx context.Context, unit *types.Unit) error {
	name := provisioner.ResourceName(p.cfg.Prefix, unit)
	err := p.client.CoreV1().Pods(p.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{
		GracePeriodSeconds: ptr(int64(0)),
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete pod %s: %w", name, err)
	}
	return nil
}

// Ping checks that the namespace is reachable.
func (p *Provisioner) Ping(ctx context.Context) error {
	if _, err := p.client.CoreV1().Namespaces().Get(ctx, p.cfg.Namespace, metav1.GetOptions{}); err != nil {
		if apierrors.IsNotFound(err) {
			return fmt.Errorf("sandbox namespace %q does not exist", p.cfg.Namespace)
		}
		return fmt.Errorf("checking sandbox namespace: %w", err)
	}
	return nil
}

func ptr[T any](v T) *T {
	return &v
}
