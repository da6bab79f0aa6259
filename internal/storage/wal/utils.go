package wal

// ============================================================================
// WAL 工具函式
// 職責：離線檢查 WAL 檔案（CLI 與 NewWAL 使用）
// ============================================================================

import (
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"
)

// WALStats 描述一個 WAL 檔案的內容
type WALStats struct {
	Path       string
	SizeBytes  int64
	Events     int
	FirstSeq   uint64
	LastSeq    uint64
	ByType     map[EventType]int
	TornTail   bool // 檔尾有未完成的寫入
	FirstEvent time.Time
	LastEvent  time.Time
}

// inspect 掃描整個檔案，回傳最後一個完整事件與其結尾位移
func inspect(path string) (*Event, int64, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, 0, err
	}
	defer file.Close()

	var last *Event
	goodEnd, err := scanEvents(file, func(event Event) error {
		e := event
		last = &e
		return nil
	})
	return last, goodEnd, err
}

// GetLastEvent 從 WAL 檔案讀取最後一個完整事件
//
// 採用從頭掃描：檔案在每次快照後旋轉，長度有限。
// 檔案為空時回傳 ErrEmptyWAL。
func GetLastEvent(path string) (*Event, error) {
	last, _, err := inspect(path)
	if err != nil {
		return nil, err
	}
	if last == nil {
		return nil, ErrEmptyWAL
	}
	return last, nil
}

// CountEvents 計算 WAL 中完整事件的數量
func CountEvents(path string) (int, error) {
	stats, err := GetWALStats(path)
	if err != nil {
		return 0, err
	}
	return stats.Events, nil
}

// ValidateWAL 驗證 WAL 檔案的完整性
//
// 檢查項目：
// - 所有事件的 JSON 格式與校驗和正確（殘尾除外）
// - seq 嚴格遞增
func ValidateWAL(path string) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	var lastSeq uint64
	_, err = scanEvents(file, func(event Event) error {
		if event.Seq <= lastSeq {
			return fmt.Errorf("%w: seq %d follows %d", ErrCorruptedWAL, event.Seq, lastSeq)
		}
		lastSeq = event.Seq
		return nil
	})
	return err
}

// GetWALStats 收集 WAL 檔案統計
func GetWALStats(path string) (*WALStats, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, err
	}
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	stats := &WALStats{
		Path:      path,
		SizeBytes: info.Size(),
		ByType:    make(map[EventType]int),
	}
	goodEnd, err := scanEvents(file, func(event Event) error {
		if stats.Events == 0 {
			stats.FirstSeq = event.Seq
			stats.FirstEvent = time.UnixMilli(event.Timestamp)
		}
		stats.Events++
		stats.LastSeq = event.Seq
		stats.LastEvent = time.UnixMilli(event.Timestamp)
		stats.ByType[event.Type]++
		return nil
	})
	if err != nil {
		return nil, err
	}
	stats.TornTail = goodEnd < info.Size()
	return stats, nil
}

// DumpWAL 以表格輸出所有事件
func DumpWAL(path string, out io.Writer) error {
	file, err := os.Open(path)
	if err != nil {
		return err
	}
	defer file.Close()

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "SEQ\tTYPE\tJOB\tSTATE\tATTEMPT\tTIME")
	_, err = scanEvents(file, func(event Event) error {
		job, err := event.DecodeJob()
		if err != nil {
			return err
		}
		fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%d/%d\t%s\n",
			event.Seq, event.Type, event.JobID, job.State, job.AttemptCount, job.MaxAttempts,
			time.UnixMilli(event.Timestamp).Format(time.RFC3339))
		return nil
	})
	if err != nil {
		return err
	}
	return tw.Flush()
}
