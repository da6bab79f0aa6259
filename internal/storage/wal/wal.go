package wal

// ============================================================================
// WAL 核心實作
// 職責：
// 1. 追加事件到日誌檔案（append-only，每行一個 JSON 事件）
// 2. 提供重放功能以恢復 broker 狀態
// 3. 支援日誌旋轉（快照後清空）
// 4. 確保寫入持久性與資料完整性
// ============================================================================

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/ChuLiYu/mailq/pkg/types"
)

// FileInterface 定義檔案操作所需的方法
// 這允許在測試中對檔案操作進行模擬
type FileInterface interface {
	Write(p []byte) (n int, err error)
	Sync() error
	Close() error
}

// Options 控制寫入行為
type Options struct {
	SyncOnAppend  bool          // 每次 Append 都寫入並 fsync
	BufferSize    int           // 批次模式下緩衝的事件數上限
	FlushInterval time.Duration // 批次模式下距上次 flush 的最長時間
}

// DefaultOptions 回傳預設選項：每次追加都同步
func DefaultOptions() Options {
	return Options{
		SyncOnAppend:  true,
		BufferSize:    1000,
		FlushInterval: time.Second,
	}
}

// WAL 表示 Write-Ahead Log 實例
type WAL struct {
	mu      sync.Mutex    // 保護並發寫入
	file    FileInterface // WAL 檔案
	encoder *json.Encoder // JSON 編碼器
	path    string        // WAL 檔案路徑
	seq     uint64        // 當前事件序號，旋轉後仍單調遞增
	opts    Options
	closed  bool

	buffer        []Event
	lastFlushTime time.Time
}

// ============================================================================
// 公開介面
// ============================================================================

/*
NewWAL 建立或開啟一個 WAL 實例

行為：
- 如果檔案不存在，建立新檔案，seq 從 0 開始
- 如果檔案已存在，讀取最後一個完整事件的 seq 並繼續
- 以追加模式（O_APPEND）開啟，確保寫入不覆蓋
*/
func NewWAL(path string, opts Options) (*WAL, error) {
	if opts.BufferSize <= 0 {
		opts.BufferSize = DefaultOptions().BufferSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultOptions().FlushInterval
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("wal: open %s: %w", path, err)
	}

	var seq uint64
	if stat, statErr := file.Stat(); statErr == nil && stat.Size() > 0 {
		lastEvent, goodEnd, err := inspect(path)
		if err != nil {
			file.Close()
			return nil, err
		}
		if lastEvent != nil {
			seq = lastEvent.Seq
		}
		// 截掉崩潰留下的殘尾，否則新事件會接在半行之後
		if goodEnd < stat.Size() {
			if err := file.Truncate(goodEnd); err != nil {
				file.Close()
				return nil, fmt.Errorf("wal: truncate torn tail: %w", err)
			}
		}
	}

	return &WAL{
		file:          file,
		encoder:       json.NewEncoder(file),
		path:          path,
		seq:           seq,
		opts:          opts,
		buffer:        make([]Event, 0, opts.BufferSize),
		lastFlushTime: time.Now(),
	}, nil
}

// Path 回傳 WAL 檔案路徑
func (w *WAL) Path() string {
	return w.path
}

// Append 追加一個事件到 WAL
//
// 行為：
// - 自動遞增 seq
// - 將任務完整內容編碼進事件並計算 checksum
// - SyncOnAppend 時立即寫入並同步；否則緩衝滿或逾時才 flush
func (w *WAL) Append(eventType EventType, job types.Job) error {
	encoded, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("wal: encode job %s: %w", job.ID, err)
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}

	w.seq++
	event := Event{
		Seq:       w.seq,
		Type:      eventType,
		JobID:     job.ID,
		Job:       encoded,
		Timestamp: time.Now().UnixMilli(),
	}
	event.Checksum = CalculateChecksum(event.Seq, eventType, string(job.ID), encoded)
	w.buffer = append(w.buffer, event)

	if w.opts.SyncOnAppend ||
		len(w.buffer) >= w.opts.BufferSize ||
		time.Since(w.lastFlushTime) > w.opts.FlushInterval {
		return w.flushLocked()
	}
	return nil
}

// Flush 將緩衝中的事件寫入並同步到磁碟
func (w *WAL) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return ErrWALClosed
	}
	return w.flushLocked()
}

// Replay 重放 WAL 中 seq 大於 afterSeq 的事件
//
// 行為：
// - 從頭逐行讀取 WAL 檔案
// - 驗證每個事件的 checksum
// - 最後一行不完整（寫入途中崩潰）時視為結尾並停止
// - 中間行損毀時回傳 *CorruptionError
func (w *WAL) Replay(afterSeq uint64, handler EventHandler) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if !w.closed {
		if err := w.flushLocked(); err != nil {
			return err
		}
	}

	file, err := os.Open(w.path)
	if err != nil {
		return err
	}
	defer file.Close()

	_, err = scanEvents(file, func(event Event) error {
		if event.Seq <= afterSeq {
			return nil
		}
		return handler(event)
	})
	return err
}

// Rotate 旋轉日誌檔案
//
// 目前的檔案改名為 <path>.prev（覆蓋上一份），並開啟新的空檔案。
// seq 不歸零，快照記錄的 LastSeq 因此在旋轉前後都有效。
func (w *WAL) Rotate() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return ErrWALClosed
	}
	if err := w.flushLocked(); err != nil {
		return err
	}
	if err := w.file.Close(); err != nil {
		return err
	}

	if err := os.Rename(w.path, w.path+".prev"); err != nil {
		return fmt.Errorf("wal: rotate: %w", err)
	}

	newFile, err := os.OpenFile(w.path, os.O_CREATE|os.O_RDWR|os.O_TRUNC|os.O_APPEND, 0644)
	if err != nil {
		w.closed = true
		return fmt.Errorf("wal: reopen after rotate: %w", err)
	}

	w.file = newFile
	w.encoder = json.NewEncoder(newFile)
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return nil
}

// AdvanceSeq 確保之後的事件序號大於 min
//
// 用途：從快照恢復且 WAL 已旋轉為空時，避免序號倒退
func (w *WAL) AdvanceSeq(min uint64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.seq < min {
		w.seq = min
	}
}

// Close 關閉 WAL，關閉後不可再用
func (w *WAL) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()

	if w.closed {
		return nil
	}
	w.closed = true

	if err := w.flushLocked(); err != nil {
		w.file.Close()
		return err
	}
	return w.file.Close()
}

// GetLastSeq 取得當前的事件序號
//
// 用途：快照時需要記錄 last_seq，確保恢復時知道從哪裡開始重放
func (w *WAL) GetLastSeq() uint64 {
	if w == nil {
		return 0
	}

	w.mu.Lock()
	defer w.mu.Unlock()
	return w.seq
}

// ============================================================================
// 內部輔助方法（私有）
// ============================================================================

// flushLocked 假設調用者已經持有 w.mu 鎖
func (w *WAL) flushLocked() error {
	if len(w.buffer) == 0 {
		return nil
	}
	for _, event := range w.buffer {
		if err := w.encoder.Encode(event); err != nil {
			return err
		}
	}
	w.buffer = w.buffer[:0]
	w.lastFlushTime = time.Now()
	return w.file.Sync()
}

// scanEvents 逐行解碼事件並交給 fn，回傳最後一個完整事件結尾的位移
//
// 最後一行若無法解析或 checksum 不符，視為寫入中斷的殘尾並忽略。
func scanEvents(r io.Reader, fn func(Event) error) (int64, error) {
	reader := bufio.NewReader(r)
	var (
		offset     int64
		goodEnd    int64
		lastSeq    uint64
		pending    error // 上一行的錯誤，只有後面還有資料時才算損毀
		pendingOff int64
	)

	for {
		line, readErr := reader.ReadBytes('\n')
		if len(bytes.TrimSpace(line)) > 0 {
			if pending != nil {
				return goodEnd, &CorruptionError{Seq: lastSeq, Offset: pendingOff, Cause: pending}
			}

			var event Event
			err := json.Unmarshal(line, &event)
			if err == nil {
				err = VerifyChecksum(event)
			}
			// 沒有換行結尾的行一定是寫到一半
			if err == nil && line[len(line)-1] != '\n' {
				err = io.ErrUnexpectedEOF
			}
			if err != nil {
				pending, pendingOff = err, offset
			} else {
				if err := fn(event); err != nil {
					return goodEnd, err
				}
				lastSeq = event.Seq
				goodEnd = offset + int64(len(line))
			}
		} else if pending == nil {
			goodEnd = offset + int64(len(line))
		}
		offset += int64(len(line))

		if readErr == io.EOF {
			return goodEnd, nil
		}
		if readErr != nil {
			return goodEnd, readErr
		}
	}
}
