// Package types 定義了 mailq 系統中使用的核心領域模型
package types

import (
	"time"
)

// JobID 任務唯一識別碼
type JobID string

// JobState 任務狀態
type JobState string

// 定義任務狀態常數
const (
	StateQueued         JobState = "QUEUED"          // 已入隊，等待第一次執行
	StateLeased         JobState = "LEASED"          // 已被某個 worker 租用，正在執行
	StateRetryScheduled JobState = "RETRY_SCHEDULED" // 暫時失敗，等待 next_eligible_at 後重試
	StateSucceeded      JobState = "SUCCEEDED"       // 終態：投遞成功
	StateFailed         JobState = "FAILED"          // 終態：永久失敗或重試次數耗盡
)

// IsTerminal 回報狀態是否為終態（SUCCEEDED / FAILED）
func (s JobState) IsTerminal() bool {
	return s == StateSucceeded || s == StateFailed
}

// DefaultMaxAttempts 未指定 max_attempts 時的預設值
const DefaultMaxAttempts = 3

// ErrorClass 失敗分類
type ErrorClass string

const (
	ClassTransient        ErrorClass = "transient"         // 可重試的投遞失敗
	ClassPermanent        ErrorClass = "permanent"         // 重試無法修復的投遞失敗
	ClassRetriesExhausted ErrorClass = "retries_exhausted" // 暫時失敗但已用完所有嘗試次數
	ClassLeaseExpired     ErrorClass = "lease_expired"     // 最後一次嘗試的租約過期
)

// JobError 記錄最近一次失敗的分類與訊息
type JobError struct {
	Class   ErrorClass `json:"class"`
	Message string     `json:"message"`
}

func (e *JobError) Error() string {
	return string(e.Class) + ": " + e.Message
}

// Job 任務結構，代表一次通知投遞請求及其執行狀態
type Job struct {
	// 識別與資料
	ID          JobID  `json:"id"`
	Destination string `json:"destination"`
	Payload     []byte `json:"payload"`

	// 狀態追蹤
	State        JobState  `json:"state"`
	AttemptCount int       `json:"attempt_count"`
	MaxAttempts  int       `json:"max_attempts"`
	LastError    *JobError `json:"last_error,omitempty"`

	// 只在 RETRY_SCHEDULED 狀態下有意義
	NextEligibleAt time.Time `json:"next_eligible_at"`

	// 租約資訊（只在 LEASED 狀態下有意義）
	LeaseOwner     string    `json:"lease_owner,omitempty"`
	LeaseToken     string    `json:"lease_token,omitempty"`
	LeaseExpiresAt time.Time `json:"lease_expires_at"`
	LeasedFrom     JobState  `json:"leased_from,omitempty"` // 租用前的狀態，租約過期時還原

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Clone 回傳任務的深拷貝，避免呼叫者修改 broker 內部狀態
func (j *Job) Clone() *Job {
	if j == nil {
		return nil
	}
	c := *j
	if j.Payload != nil {
		c.Payload = append([]byte(nil), j.Payload...)
	}
	if j.LastError != nil {
		e := *j.LastError
		c.LastError = &e
	}
	return &c
}

// Eligible 回報任務在 now 時是否可被租用
func (j *Job) Eligible(now time.Time) bool {
	switch j.State {
	case StateQueued:
		return true
	case StateRetryScheduled:
		return !j.NextEligibleAt.After(now)
	default:
		return false
	}
}

// Before 回報 j 是否排在 other 之前（created_at 升序，相同時比較 id）
func (j *Job) Before(other *Job) bool {
	if !j.CreatedAt.Equal(other.CreatedAt) {
		return j.CreatedAt.Before(other.CreatedAt)
	}
	return j.ID < other.ID
}

// SnapshotData 快照資料，用於記憶體 broker 的持久化和恢復
type SnapshotData struct {
	Jobs      map[JobID]*Job `json:"jobs"`       // 所有任務的完整資料
	SchemaVer int            `json:"schema_ver"` // 資料結構版本號
	LastSeq   uint64         `json:"last_seq"`   // 快照時 WAL 的最後序號
}
