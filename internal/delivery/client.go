// ============================================================================
// Delivery Client - 投遞介面與失敗分類
// ============================================================================
//
// Package: internal/delivery
// 文件: client.go
// 功能: 定義 worker 依賴的投遞能力，以及暫時 / 永久失敗的分類
//
// 每次 Deliver 呼叫都被視為一次不可分割的嘗試，
// 重試與退避由 worker 與 broker 負責，client 不應自行重試。
//
// 失敗分類:
//   - Transient: 逾時、中繼暫時不可用，會排程重試
//   - Permanent: 目的地格式錯誤、遠端永久拒絕，直接進入 FAILED
//   - 未分類的錯誤一律視為 Transient
//
// ============================================================================

package delivery

import (
	"context"
	"errors"

	"github.com/ChuLiYu/mailq/pkg/types"
)

// Client 投遞一則訊息到目的地
type Client interface {
	Deliver(ctx context.Context, destination string, payload []byte) error
}

// Func 讓普通函式實作 Client
type Func func(ctx context.Context, destination string, payload []byte) error

// Deliver implements Client.
func (f Func) Deliver(ctx context.Context, destination string, payload []byte) error {
	return f(ctx, destination, payload)
}

// Error 帶有分類的投遞錯誤
type Error struct {
	Class types.ErrorClass
	Err   error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return string(e.Class) + " delivery failure"
	}
	return e.Err.Error()
}

func (e *Error) Unwrap() error {
	return e.Err
}

// Transient 將錯誤標記為可重試
func Transient(err error) error {
	return &Error{Class: types.ClassTransient, Err: err}
}

// Permanent 將錯誤標記為不可重試
func Permanent(err error) error {
	return &Error{Class: types.ClassPermanent, Err: err}
}

// Classify 回傳錯誤的分類，nil 錯誤沒有分類
func Classify(err error) types.ErrorClass {
	if err == nil {
		return ""
	}
	var de *Error
	if errors.As(err, &de) && de.Class == types.ClassPermanent {
		return types.ClassPermanent
	}
	return types.ClassTransient
}

// IsPermanent 是 Classify 的便捷寫法
func IsPermanent(err error) bool {
	return Classify(err) == types.ClassPermanent
}
