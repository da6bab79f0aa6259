package worker

import (
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
)

// Result 代表一次投遞嘗試的結果，交給 Config.OnResult（例如 metrics）
type Result struct {
	WorkerID  string        // 執行的 worker
	JobID     types.JobID   // 任務 ID
	Attempt   int           // 第幾次嘗試（lease 時已遞增）
	Outcome   types.Outcome // 回報給 broker 的結果
	Err       error         // 投遞錯誤（成功時為 nil）
	AckErr    error         // ack 失敗原因
	LeaseLost bool          // ack 時租約已失效，結果被丟棄
	Duration  time.Duration // 投遞耗時
}
