// Package kubernetes implements the execution substrate on a Kubernetes
// cluster: batch Jobs for execution, ConfigMaps for named configs and
// PersistentVolumeClaims for per-service workspaces.
package kubernetes

import (
	"context"
	"fmt"
	"sort"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	"k8s.io/apimachinery/pkg/api/resource"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"

	"github.com/harnessworks/conductor/pkg/substrate"
)

const (
	configMountPath    = "/config"
	workspaceMountPath = "/workspace"
	workspaceSize      = "10Gi"
)

// Provider runs jobs as Kubernetes batch Jobs.
type Provider struct {
	client    kubernetes.Interface
	namespace string
}

// New builds a Provider over an existing clientset.
func New(client kubernetes.Interface, namespace string) *Provider {
	return &Provider{client: client, namespace: namespace}
}

// NewFromKubeconfig builds a Provider from a kubeconfig path, falling back
// to in-cluster configuration when the path is empty.
func NewFromKubeconfig(kubeconfig, namespace string) (*Provider, error) {
	var cfg *rest.Config
	var err error
	if kubeconfig == "" {
		cfg, err = rest.InClusterConfig()
	} else {
		cfg, err = clientcmd.BuildConfigFromFlags("", kubeconfig)
	}
	if err != nil {
		return nil, fmt.Errorf("load kubernetes config: %w", err)
	}
	client, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, fmt.Errorf("build kubernetes client: %w", err)
	}
	return New(client, namespace), nil
}

// CreateJob implements substrate.Provider.
func (p *Provider) CreateJob(ctx context.Context, spec substrate.JobSpec) (substrate.JobRef, error) {
	namespace := spec.Namespace
	if namespace == "" {
		namespace = p.namespace
	}
	ref := substrate.JobRef{Namespace: namespace, Name: spec.Name}

	job := buildJob(spec, namespace)
	_, err := p.client.BatchV1().Jobs(namespace).Create(ctx, job, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return ref, substrate.ErrAlreadyExists
		}
		return substrate.JobRef{}, fmt.Errorf("create job %s: %w", ref, err)
	}
	return ref, nil
}

// JobState implements substrate.Provider.
func (p *Provider) JobState(ctx context.Context, ref substrate.JobRef) (substrate.JobState, error) {
	job, err := p.client.BatchV1().Jobs(ref.Namespace).Get(ctx, ref.Name, metav1.GetOptions{})
	if err != nil {
		if apierrors.IsNotFound(err) {
			return "", substrate.ErrNotFound
		}
		return "", fmt.Errorf("get job %s: %w", ref, err)
	}
	return stateOf(job), nil
}

// DeleteJob implements substrate.Provider.
func (p *Provider) DeleteJob(ctx context.Context, ref substrate.JobRef) error {
	policy := metav1.DeletePropagationBackground
	err := p.client.BatchV1().Jobs(ref.Namespace).Delete(ctx, ref.Name, metav1.DeleteOptions{
		PropagationPolicy: &policy,
	})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete job %s: %w", ref, err)
	}
	return nil
}

// ListJobs implements substrate.Provider.
func (p *Provider) ListJobs(ctx context.Context, selector map[string]string) ([]substrate.JobInfo, error) {
	list, err := p.client.BatchV1().Jobs(p.namespace).List(ctx, metav1.ListOptions{
		LabelSelector: labels.SelectorFromSet(selector).String(),
	})
	if err != nil {
		return nil, fmt.Errorf("list jobs: %w", err)
	}

	out := make([]substrate.JobInfo, 0, len(list.Items))
	for i := range list.Items {
		job := &list.Items[i]
		out = append(out, substrate.JobInfo{
			Ref:    substrate.JobRef{Namespace: job.Namespace, Name: job.Name},
			Labels: job.Labels,
			State:  stateOf(job),
		})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ref.Name < out[j].Ref.Name })
	return out, nil
}

// CreateConfig implements substrate.Provider.
func (p *Provider) CreateConfig(ctx context.Context, name string, lbls, data map[string]string) error {
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.namespace,
			Labels:    lbls,
		},
		Data: data,
	}
	_, err := p.client.CoreV1().ConfigMaps(p.namespace).Create(ctx, cm, metav1.CreateOptions{})
	if err != nil {
		if apierrors.IsAlreadyExists(err) {
			return substrate.ErrAlreadyExists
		}
		return fmt.Errorf("create configmap %s: %w", name, err)
	}
	return nil
}

// DeleteConfig implements substrate.Provider.
func (p *Provider) DeleteConfig(ctx context.Context, name string) error {
	err := p.client.CoreV1().ConfigMaps(p.namespace).Delete(ctx, name, metav1.DeleteOptions{})
	if err != nil && !apierrors.IsNotFound(err) {
		return fmt.Errorf("delete configmap %s: %w", name, err)
	}
	return nil
}

// EnsureWorkspace implements substrate.Provider: a per-service RWO claim.
func (p *Provider) EnsureWorkspace(ctx context.Context, name string) error {
	_, err := p.client.CoreV1().PersistentVolumeClaims(p.namespace).Get(ctx, name, metav1.GetOptions{})
	if err == nil {
		return nil
	}
	if !apierrors.IsNotFound(err) {
		return fmt.Errorf("get workspace claim %s: %w", name, err)
	}

	pvc := &corev1.PersistentVolumeClaim{
		ObjectMeta: metav1.ObjectMeta{
			Name:      name,
			Namespace: p.namespace,
			Labels:    map[string]string{"app": "conductor"},
		},
		Spec: corev1.PersistentVolumeClaimSpec{
			AccessModes: []corev1.PersistentVolumeAccessMode{corev1.ReadWriteOnce},
			Resources: corev1.VolumeResourceRequirements{
				Requests: corev1.ResourceList{
					corev1.ResourceStorage: resource.MustParse(workspaceSize),
				},
			},
		},
	}
	_, err = p.client.CoreV1().PersistentVolumeClaims(p.namespace).Create(ctx, pvc, metav1.CreateOptions{})
	if err != nil && !apierrors.IsAlreadyExists(err) {
		return fmt.Errorf("create workspace claim %s: %w", name, err)
	}
	return nil
}

func stateOf(job *batchv1.Job) substrate.JobState {
	switch {
	case job.Status.Succeeded > 0:
		return substrate.JobSucceeded
	case job.Status.Failed > 0:
		return substrate.JobFailed
	case job.Status.Active > 0:
		return substrate.JobRunning
	default:
		for _, cond := range job.Status.Conditions {
			if cond.Type == batchv1.JobFailed && cond.Status == corev1.ConditionTrue {
				return substrate.JobFailed
			}
			if cond.Type == batchv1.JobComplete && cond.Status == corev1.ConditionTrue {
				return substrate.JobSucceeded
			}
		}
		return substrate.JobPending
	}
}

func buildJob(spec substrate.JobSpec, namespace string) *batchv1.Job {
	var backoffLimit int32 // agent jobs never restart; retries are explicit

	env := make([]corev1.EnvVar, 0, len(spec.Env)+len(spec.EnvFromSecrets))
	keys := make([]string, 0, len(spec.Env))
	for k := range spec.Env {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		env = append(env, corev1.EnvVar{Name: k, Value: spec.Env[k]})
	}
	for _, ref := range spec.EnvFromSecrets {
		env = append(env, corev1.EnvVar{
			Name: ref.Name,
			ValueFrom: &corev1.EnvVarSource{
				SecretKeyRef: &corev1.SecretKeySelector{
					LocalObjectReference: corev1.LocalObjectReference{Name: ref.SecretName},
					Key:                  ref.SecretKey,
				},
			},
		})
	}

	volumes := []corev1.Volume{{
		Name: "task-files",
		VolumeSource: corev1.VolumeSource{
			ConfigMap: &corev1.ConfigMapVolumeSource{
				LocalObjectReference: corev1.LocalObjectReference{Name: spec.ConfigName},
			},
		},
	}}
	mounts := []corev1.VolumeMount{{Name: "task-files", MountPath: configMountPath}}

	if spec.WorkspaceName != "" {
		volumes = append(volumes, corev1.Volume{
			Name: "workspace",
			VolumeSource: corev1.VolumeSource{
				PersistentVolumeClaim: &corev1.PersistentVolumeClaimVolumeSource{
					ClaimName: spec.WorkspaceName,
				},
			},
		})
		mounts = append(mounts, corev1.VolumeMount{Name: "workspace", MountPath: workspaceMountPath})
	}

	uid := int64(1000)
	job := &batchv1.Job{
		ObjectMeta: metav1.ObjectMeta{
			Name:      spec.Name,
			Namespace: namespace,
			Labels:    spec.Labels,
		},
		Spec: batchv1.JobSpec{
			BackoffLimit: &backoffLimit,
			Template: corev1.PodTemplateSpec{
				ObjectMeta: metav1.ObjectMeta{Labels: spec.Labels},
				Spec: corev1.PodSpec{
					RestartPolicy: corev1.RestartPolicyNever,
					SecurityContext: &corev1.PodSecurityContext{
						RunAsUser:  &uid,
						RunAsGroup: &uid,
						FSGroup:    &uid,
					},
					Containers: []corev1.Container{{
						Name:         "agent",
						Image:        spec.Image,
						Command:      spec.Command,
						Env:          env,
						VolumeMounts: mounts,
						Resources: corev1.ResourceRequirements{
							Requests: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("100m"),
								corev1.ResourceMemory: resource.MustParse("256Mi"),
							},
							Limits: corev1.ResourceList{
								corev1.ResourceCPU:    resource.MustParse("2"),
								corev1.ResourceMemory: resource.MustParse("4Gi"),
							},
						},
					}},
					Volumes: volumes,
				},
			},
		},
	}
	if spec.DeadlineSeconds > 0 {
		job.Spec.ActiveDeadlineSeconds = &spec.DeadlineSeconds
	}
	return job
}
