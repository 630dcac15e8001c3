package dispatch

import (
	"bufio"
	"context"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/pkg/errors"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	apierrors "k8s.io/apimachinery/pkg/api/errors"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/apimachinery/pkg/labels"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"
	"k8s.io/client-go/tools/clientcmd"
	"sigs.k8s.io/yaml"

	"taskcoord/internal/coordinator"
)

var _ coordinator.Dispatcher = (*KubeDispatcher)(nil)

// ModuleFetcher 提供执行节点运行的 Wasm 模块。
type ModuleFetcher interface {
	FetchModule(ctx context.Context, cid string) ([]byte, error)
}

// KubeConfig 描述每个任务 Job 的运行参数。
type KubeConfig struct {
	Namespace string
	Image     string
	ModuleCID string
	Entry     string
	// Env 附加到执行容器，例如注册表地址与 API 地址。
	Env map[string]string
}

// KubeDispatcher 为每个任务创建一次性 Job，并清理已结束的 Job。
type KubeDispatcher struct {
	client   kubernetes.Interface
	cfg      KubeConfig
	modules  ModuleFetcher
	log      coordinator.Logger
	template *batchv1.Job

	mu     sync.Mutex
	module []byte
}

// NewClientset 优先使用集群内配置，失败时回退到本地 kubeconfig。
func NewClientset() (kubernetes.Interface, error) {
	cfg, err := rest.InClusterConfig()
	if err != nil {
		cfg, err = clientcmd.BuildConfigFromFlags("", clientcmd.RecommendedHomeFile)
		if err != nil {
			return nil, errors.Wrap(err, "build kube config")
		}
	}
	cs, err := kubernetes.NewForConfig(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "build clientset")
	}
	return cs, nil
}

// NewKubeDispatcher 创建调度器，模板需另行通过 LoadTemplate 或 ParseTemplate 载入。
func NewKubeDispatcher(client kubernetes.Interface, cfg KubeConfig, modules ModuleFetcher, log coordinator.Logger) (*KubeDispatcher, error) {
	if client == nil {
		return nil, errors.New("kubernetes client required")
	}
	if modules == nil {
		return nil, errors.New("module fetcher required")
	}
	if cfg.ModuleCID == "" {
		return nil, errors.New("module cid required")
	}
	if cfg.Namespace == "" {
		cfg.Namespace = "default"
	}
	if cfg.Entry == "" {
		cfg.Entry = "square"
	}
	return &KubeDispatcher{
		client:  client,
		cfg:     cfg,
		modules: modules,
		log:     coordinator.DefaultLogger(log),
	}, nil
}

// LoadTemplate 读取 Job 模板并缓存，后续任务复用骨架。
func (d *KubeDispatcher) LoadTemplate(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return errors.Wrap(err, "read job template")
	}
	if err := d.ParseTemplate(data); err != nil {
		return err
	}
	d.log.Infof("loaded job template from %s", path)
	return nil
}

// ParseTemplate 从 YAML 解析 Job 模板。
func (d *KubeDispatcher) ParseTemplate(data []byte) error {
	var job batchv1.Job
	if err := yaml.Unmarshal(data, &job); err != nil {
		return errors.Wrap(err, "unmarshal job template")
	}
	if len(job.Spec.Template.Spec.Containers) == 0 {
		return errors.New("job template has no containers")
	}
	d.template = job.DeepCopy()
	return nil
}

// ExecuteOffchain 将 Wasm 模块写入 ConfigMap 并创建任务 Job。
// 对象已存在时视为重复投递，直接返回成功。
func (d *KubeDispatcher) ExecuteOffchain(ctx context.Context, taskID string) error {
	if d.template == nil {
		return errors.New("job template not loaded")
	}
	id, err := coordinator.ParseTaskID(taskID)
	if err != nil {
		return err
	}
	wasm, err := d.moduleBytes(ctx)
	if err != nil {
		return err
	}

	jobName := jobName(taskID)
	moduleCM := configMapName(taskID)
	cm := &corev1.ConfigMap{
		ObjectMeta: metav1.ObjectMeta{
			Name:      moduleCM,
			Namespace: d.cfg.Namespace,
			Labels: map[string]string{
				labelManagedBy: controllerName,
				labelTaskID:    sanitizeName(taskID),
			},
		},
		BinaryData: map[string][]byte{wasmFileName: wasm},
	}
	_, err = d.client.CoreV1().ConfigMaps(d.cfg.Namespace).Create(ctx, cm, metav1.CreateOptions{})
	switch {
	case apierrors.IsAlreadyExists(err):
		d.log.Warnf("task %s: configmap %s already exists", taskID, moduleCM)
	case err != nil:
		d.log.Errorf("task %s: create module configmap failed: %v", taskID, err)
		return errors.Wrap(err, "create module configmap")
	}

	job := d.buildJobSpec(id, jobName, moduleCM)
	_, err = d.client.BatchV1().Jobs(d.cfg.Namespace).Create(ctx, job, metav1.CreateOptions{})
	switch {
	case apierrors.IsAlreadyExists(err):
		d.log.Warnf("task %s: job %s already exists", taskID, jobName)
		return nil
	case err != nil:
		d.log.Errorf("task %s: create job %s failed: %v", taskID, jobName, err)
		d.deleteConfigMaps(ctx, []string{moduleCM})
		return errors.Wrap(err, "create job")
	}

	d.log.Infof("task %s: job %s created", taskID, jobName)
	return nil
}

// Run 周期性清理已结束的 Job，直至上下文取消。
func (d *KubeDispatcher) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := d.Sweep(ctx); err != nil {
				d.log.Warnf("sweep jobs: %v", err)
			}
		}
	}
}

// Sweep 记录已结束 Job 的日志并删除其 Job 与 ConfigMap，返回清理数量。
func (d *KubeDispatcher) Sweep(ctx context.Context) (int, error) {
	selector := labels.SelectorFromSet(map[string]string{labelManagedBy: controllerName})
	jobs, err := d.client.BatchV1().Jobs(d.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return 0, errors.Wrap(err, "list jobs")
	}
	swept := 0
	for i := range jobs.Items {
		job := &jobs.Items[i]
		if job.Status.Succeeded == 0 && job.Status.Failed == 0 {
			continue
		}
		taskID := job.Labels[labelTaskID]
		if out, err := d.FetchJobLogs(ctx, job); err != nil {
			d.log.Warnf("task %s: fetch logs of job %s: %v", taskID, job.Name, err)
		} else {
			d.log.Infof("task %s: job %s finished (succeeded=%d failed=%d): %s",
				taskID, job.Name, job.Status.Succeeded, job.Status.Failed, strings.TrimSpace(out))
		}
		d.DeleteArtifacts(ctx, job.Name, job.Labels[labelConfigMap])
		swept++
	}
	return swept, nil
}

// FetchJobLogs 拉取 Job 第一个 Pod 的日志。
func (d *KubeDispatcher) FetchJobLogs(ctx context.Context, job *batchv1.Job) (string, error) {
	var selector labels.Selector
	if job.Spec.Selector != nil {
		selector = labels.Set(job.Spec.Selector.MatchLabels).AsSelector()
	} else {
		selector = labels.SelectorFromSet(map[string]string{
			labelManagedBy: controllerName,
			labelTaskID:    job.Labels[labelTaskID],
		})
	}
	pods, err := d.client.CoreV1().Pods(d.cfg.Namespace).List(ctx, metav1.ListOptions{LabelSelector: selector.String()})
	if err != nil {
		return "", err
	}
	if len(pods.Items) == 0 {
		return "", errors.Errorf("no pod found for job %s", job.Name)
	}

	stream, err := d.client.CoreV1().Pods(d.cfg.Namespace).GetLogs(pods.Items[0].Name, &corev1.PodLogOptions{}).Stream(ctx)
	if err != nil {
		return "", err
	}
	defer stream.Close()

	var builder strings.Builder
	scanner := bufio.NewScanner(stream)
	for scanner.Scan() {
		builder.WriteString(scanner.Text())
		builder.WriteByte('\n')
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return builder.String(), nil
}

// DeleteArtifacts 删除 Job 以及对应的 ConfigMap。
func (d *KubeDispatcher) DeleteArtifacts(ctx context.Context, jobName string, configMaps ...string) {
	propagation := metav1.DeletePropagationBackground
	if err := d.client.BatchV1().Jobs(d.cfg.Namespace).Delete(ctx, jobName, metav1.DeleteOptions{PropagationPolicy: &propagation}); err != nil {
		d.log.Warnf("delete job %s: %v", jobName, err)
	}
	d.deleteConfigMaps(ctx, configMaps)
}

func (d *KubeDispatcher) deleteConfigMaps(ctx context.Context, configMaps []string) {
	for _, name := range configMaps {
		if name == "" {
			continue
		}
		if err := d.client.CoreV1().ConfigMaps(d.cfg.Namespace).Delete(ctx, name, metav1.DeleteOptions{}); err != nil {
			d.log.Warnf("delete configmap %s: %v", name, err)
		}
	}
}

// moduleBytes 首次调用时拉取模块并缓存。
func (d *KubeDispatcher) moduleBytes(ctx context.Context) ([]byte, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.module != nil {
		return d.module, nil
	}
	wasm, err := d.modules.FetchModule(ctx, d.cfg.ModuleCID)
	if err != nil {
		return nil, errors.Wrapf(err, "fetch module %s", d.cfg.ModuleCID)
	}
	d.module = wasm
	return wasm, nil
}
