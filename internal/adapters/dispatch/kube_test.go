package dispatch

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	batchv1 "k8s.io/api/batch/v1"
	corev1 "k8s.io/api/core/v1"
	metav1 "k8s.io/apimachinery/pkg/apis/meta/v1"
	"k8s.io/client-go/kubernetes/fake"

	"taskcoord/internal/coordinator"
)

const jobTemplate = `
apiVersion: batch/v1
kind: Job
metadata:
  name: placeholder
spec:
  backoffLimit: 0
  template:
    spec:
      restartPolicy: Never
      containers:
        - name: executor
          image: taskcoord/executor:dev
          env:
            - name: WORKER_ID
              valueFrom:
                fieldRef:
                  fieldPath: metadata.name
            - name: ENTRY
              value: fib
`

type staticModules struct {
	calls int
}

func (s *staticModules) FetchModule(_ context.Context, cid string) ([]byte, error) {
	s.calls++
	return []byte("wasm:" + cid), nil
}

func newTestDispatcher(t *testing.T) (*KubeDispatcher, *fake.Clientset, *staticModules) {
	t.Helper()
	cs := fake.NewSimpleClientset()
	modules := &staticModules{}
	d, err := NewKubeDispatcher(cs, KubeConfig{
		Namespace: "tasks",
		ModuleCID: "square.wasm",
		Env:       map[string]string{"API_URL": "http://coordinator:8080"},
	}, modules, nil)
	require.NoError(t, err)
	require.NoError(t, d.ParseTemplate([]byte(jobTemplate)))
	return d, cs, modules
}

func envValue(c corev1.Container, name string) (corev1.EnvVar, bool) {
	for _, e := range c.Env {
		if e.Name == name {
			return e, true
		}
	}
	return corev1.EnvVar{}, false
}

func TestExecuteOffchainCreatesJob(t *testing.T) {
	ctx := context.Background()
	d, cs, modules := newTestDispatcher(t)

	require.NoError(t, d.ExecuteOffchain(ctx, "7"))

	cm, err := cs.CoreV1().ConfigMaps("tasks").Get(ctx, "wasm-task-7", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, []byte("wasm:square.wasm"), cm.BinaryData[wasmFileName])

	job, err := cs.BatchV1().Jobs("tasks").Get(ctx, "task-job-7", metav1.GetOptions{})
	require.NoError(t, err)
	require.Equal(t, controllerName, job.Labels[labelManagedBy])
	require.Equal(t, "7", job.Labels[labelTaskID])
	require.Equal(t, "wasm-task-7", job.Labels[labelConfigMap])

	c := job.Spec.Template.Spec.Containers[0]
	for name, want := range map[string]string{
		"TASK_ID":      "7",
		"REGISTRY_KEY": "taskId.7",
		"WASM_PATH":    "/mnt/wasm/module.wasm",
		"ENTRY":        "square",
		"API_URL":      "http://coordinator:8080",
	} {
		e, ok := envValue(c, name)
		require.True(t, ok, name)
		require.Equal(t, want, e.Value, name)
	}
	worker, ok := envValue(c, "WORKER_ID")
	require.True(t, ok)
	require.NotNil(t, worker.ValueFrom, "template env is kept")

	require.Len(t, job.Spec.Template.Spec.Volumes, 1)
	require.Equal(t, "wasm-task-7", job.Spec.Template.Spec.Volumes[0].ConfigMap.Name)

	require.NoError(t, d.ExecuteOffchain(ctx, "8"))
	require.Equal(t, 1, modules.calls, "module is fetched once")
}

func TestExecuteOffchainIsIdempotent(t *testing.T) {
	ctx := context.Background()
	d, cs, _ := newTestDispatcher(t)

	require.NoError(t, d.ExecuteOffchain(ctx, "3"))
	require.NoError(t, d.ExecuteOffchain(ctx, "3"))

	jobs, err := cs.BatchV1().Jobs("tasks").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Len(t, jobs.Items, 1)
}

func TestExecuteOffchainRequiresTemplate(t *testing.T) {
	d, err := NewKubeDispatcher(fake.NewSimpleClientset(), KubeConfig{ModuleCID: "m"}, &staticModules{}, nil)
	require.NoError(t, err)
	require.Error(t, d.ExecuteOffchain(context.Background(), "1"))
}

func TestExecuteOffchainRejectsInvalidTaskID(t *testing.T) {
	ctx := context.Background()
	d, cs, modules := newTestDispatcher(t)

	for _, id := range []string{"abc", "0", ""} {
		require.ErrorIs(t, d.ExecuteOffchain(ctx, id), coordinator.ErrInvalidInput, id)
	}
	require.Zero(t, modules.calls)

	jobs, err := cs.BatchV1().Jobs("tasks").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, jobs.Items)
	cms, err := cs.CoreV1().ConfigMaps("tasks").List(ctx, metav1.ListOptions{})
	require.NoError(t, err)
	require.Empty(t, cms.Items)
}

func TestSweepRemovesFinishedJobs(t *testing.T) {
	ctx := context.Background()
	d, cs, _ := newTestDispatcher(t)

	require.NoError(t, d.ExecuteOffchain(ctx, "1"))
	require.NoError(t, d.ExecuteOffchain(ctx, "2"))

	job, err := cs.BatchV1().Jobs("tasks").Get(ctx, "task-job-1", metav1.GetOptions{})
	require.NoError(t, err)
	job.Status = batchv1.JobStatus{Succeeded: 1}
	_, err = cs.BatchV1().Jobs("tasks").Update(ctx, job, metav1.UpdateOptions{})
	require.NoError(t, err)

	_, err = cs.CoreV1().Pods("tasks").Create(ctx, &corev1.Pod{
		ObjectMeta: metav1.ObjectMeta{
			Name:      "task-job-1-abcde",
			Namespace: "tasks",
			Labels:    map[string]string{labelManagedBy: controllerName, labelTaskID: "1"},
		},
	}, metav1.CreateOptions{})
	require.NoError(t, err)

	swept, err := d.Sweep(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, swept)

	_, err = cs.BatchV1().Jobs("tasks").Get(ctx, "task-job-1", metav1.GetOptions{})
	require.Error(t, err)
	_, err = cs.CoreV1().ConfigMaps("tasks").Get(ctx, "wasm-task-1", metav1.GetOptions{})
	require.Error(t, err)

	_, err = cs.BatchV1().Jobs("tasks").Get(ctx, "task-job-2", metav1.GetOptions{})
	require.NoError(t, err, "running job is kept")
}

func TestSanitizeName(t *testing.T) {
	require.Equal(t, "task", sanitizeName("!!!"))
	require.Equal(t, "abc-12", sanitizeName("ABC_12"))
	require.Len(t, sanitizeName(string(make([]byte, 80))+"x"), 1)
}

func TestLogDispatcherRecordsCalls(t *testing.T) {
	l := NewLogDispatcher(nil)
	require.NoError(t, l.ExecuteOffchain(context.Background(), "1"))
	require.NoError(t, l.ExecuteOffchain(context.Background(), "2"))
	require.Equal(t, []string{"1", "2"}, l.Dispatched())
}
