package dispatch

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"

	"taskcoord/internal/coordinator"
)

// 常量统一了标签、卷名与挂载路径，确保模板与运行时代码一致。
const (
	labelManagedBy   = "taskcoord.io/managing-controller"
	labelTaskID      = "taskcoord.io/task-id"
	labelConfigMap   = "taskcoord.io/config-map"
	labelJobTemplate = "taskcoord.io/template"
	controllerName   = "task-coordinator"

	wasmFileName   = "module.wasm"
	wasmMountPath  = "/mnt/wasm"
	wasmVolumeName = "wasm-dir"
)

// nameSanitizer 将任务 ID 清洗成合法的 Kubernetes 名称。
var nameSanitizer = regexp.MustCompile(`[^a-z0-9\-]+`)

// sanitizeName 统一裁剪/小写 Task ID，避免非法或超长名称。
func sanitizeName(base string) string {
	base = strings.ToLower(base)
	base = nameSanitizer.ReplaceAllString(base, "-")
	base = strings.Trim(base, "-")
	if len(base) == 0 {
		base = "task"
	}
	if len(base) > 50 {
		base = base[:50]
	}
	return base
}

func configMapName(taskID string) string {
	return fmt.Sprintf("wasm-task-%s", sanitizeName(taskID))
}

func jobName(taskID string) string {
	return fmt.Sprintf("task-job-%s", sanitizeName(taskID))
}

// buildJobSpec 根据模板注入任务专属 env、标签与模块卷，模板中已有的 env 保留。
func (d *KubeDispatcher) buildJobSpec(id coordinator.TaskID, jobName, wasmCMName string) *batchv1.Job {
	taskID := id.String()
	tmpl := d.template.DeepCopy()

	tmpl.Namespace = d.cfg.Namespace
	tmpl.Name = jobName
	tmpl.Labels = mergeLabels(tmpl.Labels, map[string]string{
		labelManagedBy:   controllerName,
		labelTaskID:      sanitizeName(taskID),
		labelConfigMap:   wasmCMName,
		labelJobTemplate: "executor-v1",
	})

	podMeta := &tmpl.Spec.Template.ObjectMeta
	podMeta.Labels = mergeLabels(podMeta.Labels, map[string]string{
		labelManagedBy: controllerName,
		labelTaskID:    sanitizeName(taskID),
	})

	env := map[string]string{
		"TASK_ID":      taskID,
		"REGISTRY_KEY": coordinator.RegistryKey(id),
		"WASM_PATH":    fmt.Sprintf("%s/%s", wasmMountPath, wasmFileName),
		"ENTRY":        d.cfg.Entry,
	}
	for k, v := range d.cfg.Env {
		env[k] = v
	}

	for i := range tmpl.Spec.Template.Spec.Containers {
		c := &tmpl.Spec.Template.Spec.Containers[i]
		if d.cfg.Image != "" {
			c.Image = d.cfg.Image
		}
		c.Env = appendEnv(c.Env, env)
		ensureVolumeMount(c, wasmVolumeName, wasmMountPath, true)
	}
	ensureConfigMapVolume(&tmpl.Spec.Template.Spec.Volumes, wasmVolumeName, wasmCMName)
	return tmpl
}

// appendEnv 以覆盖方式写入 env，新增变量按名称排序保证 Job 规格稳定。
func appendEnv(envs []corev1.EnvVar, values map[string]string) []corev1.EnvVar {
	names := make([]string, 0, len(values))
	for name := range values {
		names = append(names, name)
	}
	sort.Strings(names)

	for _, name := range names {
		value := values[name]
		if value == "" {
			continue
		}
		replaced := false
		for i := range envs {
			if envs[i].Name == name {
				envs[i].Value = value
				envs[i].ValueFrom = nil
				replaced = true
				break
			}
		}
		if !replaced {
			envs = append(envs, corev1.EnvVar{Name: name, Value: value})
		}
	}
	return envs
}

// ensureConfigMapVolume 确保 Pod 规格中存在指向 cmName 的 ConfigMap 卷。
func ensureConfigMapVolume(vols *[]corev1.Volume, name, cmName string) {
	src := corev1.VolumeSource{
		ConfigMap: &corev1.ConfigMapVolumeSource{
			LocalObjectReference: corev1.LocalObjectReference{Name: cmName},
		},
	}
	for i := range *vols {
		if (*vols)[i].Name == name {
			(*vols)[i].VolumeSource = src
			return
		}
	}
	*vols = append(*vols, corev1.Volume{Name: name, VolumeSource: src})
}

// ensureVolumeMount 确保容器挂载指定卷并更新挂载属性。
func ensureVolumeMount(c *corev1.Container, name, mountPath string, readOnly bool) {
	for i := range c.VolumeMounts {
		if c.VolumeMounts[i].Name == name {
			c.VolumeMounts[i].MountPath = mountPath
			c.VolumeMounts[i].ReadOnly = readOnly
			return
		}
	}
	c.VolumeMounts = append(c.VolumeMounts, corev1.VolumeMount{
		Name:      name,
		MountPath: mountPath,
		ReadOnly:  readOnly,
	})
}

// mergeLabels 以覆盖方式合并标签，src 优先。
func mergeLabels(dst map[string]string, src map[string]string) map[string]string {
	if dst == nil {
		dst = map[string]string{}
	}
	for k, v := range src {
		dst[k] = v
	}
	return dst
}
