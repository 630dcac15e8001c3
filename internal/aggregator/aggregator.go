// Package aggregator 汇总执行节点的提交：执行者给出计算值，验证者确认或否认，
// 达到阈值后以聚合者身份向协调器提交结果。
package aggregator

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"sync"
	"time"

	"taskcoord/internal/coordinator"
)

const (
	RolePerformer = "performer"
	RoleAttester  = "attester"

	defaultWindow = 2 * time.Minute
)

var (
	ErrInvalidRole         = errors.New("invalid role")
	ErrInvalidResult       = errors.New("invalid result format")
	ErrStaleSubmission     = errors.New("timestamp out of range")
	ErrTaskFinished        = errors.New("task already finished")
	ErrDuplicateSubmission = errors.New("already submitted")
	ErrWrongPerformer      = errors.New("performer is not the assigned worker")
)

var prefixVerification = []byte("aggregator/verification/")

// Submission 是执行节点上报的一条结果。
type Submission struct {
	TaskID    coordinator.TaskID `json:"taskID"`
	Role      string             `json:"role"`
	Address   string             `json:"address"`
	Result    string             `json:"result"`
	Timestamp int64              `json:"timestamp"`
}

// Tasks 是聚合器依赖的协调器能力。
type Tasks interface {
	Settings() coordinator.Settings
	TaskInput(ctx context.Context, id coordinator.TaskID) (coordinator.TaskInput, error)
	RespondToTask(ctx context.Context, caller string, id coordinator.TaskID, result int64) error
}

// Config 控制聚合阈值与时间窗口。
type Config struct {
	// Threshold 是完成任务所需的最少验证者数量。
	Threshold uint
	Window    time.Duration
	Now       func() time.Time
	Log       coordinator.Logger
}

func (c *Config) applyDefaults() {
	if c.Threshold == 0 {
		c.Threshold = 1
	}
	if c.Window <= 0 {
		c.Window = defaultWindow
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	c.Log = coordinator.DefaultLogger(c.Log)
}

// Verification 是单个任务的提交记录。
type Verification struct {
	Performer *Submission            `json:"performer,omitempty"`
	Attesters map[string]*Submission `json:"attesters"`
	Finished  bool                   `json:"finished"`
	Outcome   string                 `json:"outcome,omitempty"`
}

// Decision 描述一次提交之后任务的聚合状态。
type Decision struct {
	Finished  bool  `json:"finished"`
	Confirmed bool  `json:"confirmed"`
	Responded bool  `json:"responded"`
	Result    int64 `json:"result"`
	Positive  int   `json:"positive"`
	Attesters int   `json:"attesters"`
}

// Aggregator 收集任务的执行者与验证者提交，达到阈值后代表聚合者提交结果。
type Aggregator struct {
	cfg   Config
	store coordinator.Store
	tasks Tasks
	log   coordinator.Logger

	mu sync.Mutex
}

// New 创建聚合器，验证记录与任务共用 store。
func New(cfg Config, store coordinator.Store, tasks Tasks) (*Aggregator, error) {
	if store == nil {
		return nil, errors.New("store required")
	}
	if tasks == nil {
		return nil, errors.New("coordinator required")
	}
	cfg.applyDefaults()
	return &Aggregator{cfg: cfg, store: store, tasks: tasks, log: cfg.Log}, nil
}

// Submit 校验并记录一条提交，满足阈值时向协调器提交最终结果。
func (a *Aggregator) Submit(ctx context.Context, s Submission) (Decision, error) {
	if err := a.validate(s); err != nil {
		return Decision{}, err
	}

	a.mu.Lock()
	defer a.mu.Unlock()

	in, err := a.tasks.TaskInput(ctx, s.TaskID)
	if err != nil {
		return Decision{}, err
	}

	var v Verification
	err = a.store.Update(ctx, func(tx coordinator.Tx) error {
		var err error
		if v, err = loadVerification(tx, s.TaskID); err != nil {
			return err
		}
		if v.Finished {
			return ErrTaskFinished
		}
		sub := s
		switch s.Role {
		case RolePerformer:
			if v.Performer != nil {
				return fmt.Errorf("performer %w", ErrDuplicateSubmission)
			}
			if in.Worker != "" && s.Address != in.Worker {
				return ErrWrongPerformer
			}
			if _, ok := v.Attesters[s.Address]; ok {
				return fmt.Errorf("%s %w as attester", s.Address, ErrDuplicateSubmission)
			}
			v.Performer = &sub
		case RoleAttester:
			if _, ok := v.Attesters[s.Address]; ok {
				return fmt.Errorf("attester %w", ErrDuplicateSubmission)
			}
			if (v.Performer != nil && v.Performer.Address == s.Address) || in.Worker == s.Address {
				return fmt.Errorf("%s %w as performer", s.Address, ErrDuplicateSubmission)
			}
			v.Attesters[s.Address] = &sub
		}
		return saveVerification(tx, s.TaskID, v)
	})
	if err != nil {
		return Decision{}, err
	}
	a.log.Infof("task %d: %s submission from %s (result=%s)", s.TaskID, s.Role, s.Address, s.Result)

	d, ok := a.decide(v)
	if !ok {
		return d, nil
	}
	return a.finish(ctx, s.TaskID, d)
}

// PerformerData 返回执行者的提交，供验证者比对。
func (a *Aggregator) PerformerData(ctx context.Context, id coordinator.TaskID) (Submission, error) {
	v, err := a.Verification(ctx, id)
	if err != nil {
		return Submission{}, err
	}
	if v.Performer == nil {
		return Submission{}, fmt.Errorf("performer data for task %d: %w", id, coordinator.ErrNotFound)
	}
	return *v.Performer, nil
}

// Verification 返回任务当前的提交记录。
func (a *Aggregator) Verification(ctx context.Context, id coordinator.TaskID) (Verification, error) {
	var v Verification
	err := a.store.View(ctx, func(r coordinator.Reader) error {
		var err error
		v, err = loadVerification(r, id)
		return err
	})
	if err != nil {
		return v, err
	}
	if v.Performer == nil && len(v.Attesters) == 0 {
		return v, fmt.Errorf("task data %d: %w", id, coordinator.ErrNotFound)
	}
	return v, nil
}

func (a *Aggregator) validate(s Submission) error {
	if s.TaskID == 0 {
		return fmt.Errorf("task id required: %w", coordinator.ErrInvalidInput)
	}
	if s.Address == "" {
		return fmt.Errorf("address required: %w", coordinator.ErrInvalidInput)
	}
	switch s.Role {
	case RolePerformer:
		if _, err := strconv.ParseInt(s.Result, 10, 64); err != nil {
			return fmt.Errorf("%w for performer: %q", ErrInvalidResult, s.Result)
		}
	case RoleAttester:
		if s.Result != "true" && s.Result != "false" {
			return fmt.Errorf("%w for attester: %q", ErrInvalidResult, s.Result)
		}
	default:
		return fmt.Errorf("%w %q", ErrInvalidRole, s.Role)
	}
	now := a.cfg.Now().Unix()
	if s.Timestamp > now || s.Timestamp < now-int64(a.cfg.Window/time.Second) {
		return ErrStaleSubmission
	}
	return nil
}

// decide 在执行者与足够验证者都到齐时给出结果；验证者严格多数确认才视为通过。
func (a *Aggregator) decide(v Verification) (Decision, bool) {
	d := Decision{Attesters: len(v.Attesters)}
	if v.Performer == nil || uint(len(v.Attesters)) < a.cfg.Threshold {
		return d, false
	}
	for _, att := range v.Attesters {
		if att.Result == "true" {
			d.Positive++
		}
	}
	d.Finished = true
	d.Confirmed = d.Positive*2 > d.Attesters

	if a.tasks.Settings().ScoringEnabled {
		d.Responded = true
		if d.Confirmed {
			d.Result = 1
		}
		return d, true
	}
	if d.Confirmed {
		d.Responded = true
		d.Result, _ = strconv.ParseInt(v.Performer.Result, 10, 64)
	}
	return d, true
}

func (a *Aggregator) finish(ctx context.Context, id coordinator.TaskID, d Decision) (Decision, error) {
	outcome := "rejected"
	if d.Responded {
		outcome = "responded"
		err := a.tasks.RespondToTask(ctx, a.tasks.Settings().Aggregator, id, d.Result)
		switch {
		case errors.Is(err, coordinator.ErrResultSubmitted):
			a.log.Warnf("task %d: result was already submitted", id)
		case err != nil:
			return Decision{}, fmt.Errorf("respond to task %d: %w", id, err)
		}
	}

	err := a.store.Update(ctx, func(tx coordinator.Tx) error {
		v, err := loadVerification(tx, id)
		if err != nil {
			return err
		}
		v.Finished = true
		v.Outcome = outcome
		return saveVerification(tx, id, v)
	})
	if err != nil {
		return Decision{}, err
	}
	a.log.Infof("task %d finished: %s (result=%d positive=%d/%d)", id, outcome, d.Result, d.Positive, d.Attesters)
	return d, nil
}

func verificationKey(id coordinator.TaskID) []byte {
	key := make([]byte, len(prefixVerification)+8)
	copy(key, prefixVerification)
	binary.BigEndian.PutUint64(key[len(prefixVerification):], uint64(id))
	return key
}

func loadVerification(r coordinator.Reader, id coordinator.TaskID) (Verification, error) {
	v := Verification{Attesters: map[string]*Submission{}}
	raw, ok, err := r.Get(verificationKey(id))
	if err != nil || !ok {
		return v, err
	}
	if err := json.Unmarshal(raw, &v); err != nil {
		return v, fmt.Errorf("decode verification %d: %w", id, err)
	}
	if v.Attesters == nil {
		v.Attesters = map[string]*Submission{}
	}
	return v, nil
}

func saveVerification(tx coordinator.Tx, id coordinator.TaskID, v Verification) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode verification %d: %w", id, err)
	}
	return tx.Put(verificationKey(id), raw)
}
