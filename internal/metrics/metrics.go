// ============================================================================
// mailq Metrics - Prometheus 監控指標
// ============================================================================
//
// Package: internal/metrics
// 文件: metrics.go
// 功能: 收集 broker 狀態轉換與 worker 投遞結果，透過 /metrics 暴露
//
// 指標分類:
//
//   1. 計數器 (Counter)：
//      - mailq_jobs_enqueued_total: 入隊任務總數
//      - mailq_transitions_total{transition}: 各種狀態轉換次數
//      - mailq_jobs_failed_total{class}: 進入 FAILED 的任務（依錯誤分類）
//      - mailq_leases_reclaimed_total: 過期被回收的租約
//      - mailq_lease_lost_total: worker ack 時發現租約已失效
//
//   2. 分佈 (Histogram)：
//      - mailq_delivery_duration_seconds{result}: 單次投遞耗時
//
//   3. 瞬時值 (Gauge)：
//      - mailq_jobs{state}: 各狀態任務數（由 controller 定期刷新）
//      - mailq_recovery_time_seconds: 最近一次啟動恢復耗時
//
// Prometheus 查詢示例:
//
//   # 每分鐘成功投遞數
//   rate(mailq_transitions_total{transition="succeed"}[1m])
//
//   # 95 分位投遞延遲
//   histogram_quantile(0.95, rate(mailq_delivery_duration_seconds_bucket[5m]))
//
//   # 積壓
//   mailq_jobs{state="QUEUED"} + mailq_jobs{state="RETRY_SCHEDULED"}
//
// 所有方法對 nil *Collector 都是 no-op，未啟用 metrics 時不需判斷。
// ============================================================================

package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/ChuLiYu/mailq/internal/broker"
	"github.com/ChuLiYu/mailq/internal/worker"
	"github.com/ChuLiYu/mailq/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "mailq"

// Collector Prometheus 指標收集器
type Collector struct {
	enqueued    prometheus.Counter
	transitions *prometheus.CounterVec
	failed      *prometheus.CounterVec
	reclaimed   prometheus.Counter
	leaseLost   prometheus.Counter

	deliveryDuration *prometheus.HistogramVec

	jobs         *prometheus.GaugeVec
	recoveryTime prometheus.Gauge
}

// NewCollector 建立收集器並註冊到 reg
func NewCollector(reg prometheus.Registerer) *Collector {
	c := &Collector{
		enqueued: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_enqueued_total",
			Help:      "Total number of jobs accepted by the broker.",
		}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transitions_total",
			Help:      "Committed job state transitions by kind.",
		}, []string{"transition"}),
		failed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "jobs_failed_total",
			Help:      "Jobs that reached FAILED, by error class.",
		}, []string{"class"}),
		reclaimed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_reclaimed_total",
			Help:      "Expired leases reclaimed by the broker.",
		}),
		leaseLost: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_lost_total",
			Help:      "Acks rejected because the worker no longer held the lease.",
		}),
		deliveryDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "delivery_duration_seconds",
			Help:      "Duration of a single delivery attempt.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"result"}),
		jobs: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "jobs",
			Help:      "Current number of jobs per state.",
		}, []string{"state"}),
		recoveryTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "recovery_time_seconds",
			Help:      "Time taken by the last startup recovery.",
		}),
	}

	reg.MustRegister(
		c.enqueued,
		c.transitions,
		c.failed,
		c.reclaimed,
		c.leaseLost,
		c.deliveryDuration,
		c.jobs,
		c.recoveryTime,
	)
	return c
}

// ObserveTransition 實作 broker.Observer
func (c *Collector) ObserveTransition(t broker.Transition, job *types.Job) {
	if c == nil {
		return
	}
	c.transitions.WithLabelValues(string(t)).Inc()

	switch t {
	case broker.TransitionEnqueue:
		c.enqueued.Inc()
	case broker.TransitionReclaim:
		c.reclaimed.Inc()
	}
	if job != nil && job.State == types.StateFailed && job.LastError != nil {
		c.failed.WithLabelValues(string(job.LastError.Class)).Inc()
	}
}

// ObserveResult 記錄 worker 一次嘗試的結果，可直接作為 worker.Config.OnResult
func (c *Collector) ObserveResult(r worker.Result) {
	if c == nil {
		return
	}
	c.deliveryDuration.WithLabelValues(string(r.Outcome.Kind)).Observe(r.Duration.Seconds())
	if r.LeaseLost {
		c.leaseLost.Inc()
	}
}

// SetStats 以 broker 統計刷新各狀態 gauge
func (c *Collector) SetStats(st broker.Stats) {
	if c == nil {
		return
	}
	for state, n := range st.ByState() {
		c.jobs.WithLabelValues(string(state)).Set(float64(n))
	}
}

// SetRecoveryTime 設置恢復時間
func (c *Collector) SetRecoveryTime(d time.Duration) {
	if c == nil {
		return
	}
	c.recoveryTime.Set(d.Seconds())
}

// ============================================================================
// HTTP 端點
// ============================================================================

// Handler 回傳 g 的 /metrics handler
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// Serve 在 addr 上提供 /metrics，直到 ctx 結束
func Serve(ctx context.Context, addr string, g prometheus.Gatherer) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", Handler(g))
	srv := &http.Server{Addr: addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(shutdownCtx)
	}()

	slog.Info("metrics server listening", "addr", addr)
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}
