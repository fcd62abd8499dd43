package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	xerrors "github.com/Ademola21/nano-automation-suite/internal/errors"
	"github.com/Ademola21/nano-automation-suite/internal/nano"
	"github.com/Ademola21/nano-automation-suite/internal/observability/metrics"
	"github.com/Ademola21/nano-automation-suite/internal/rescue"
	"github.com/Ademola21/nano-automation-suite/internal/rpc"
	"github.com/Ademola21/nano-automation-suite/internal/store"
	"github.com/Ademola21/nano-automation-suite/internal/supervisor"
	"github.com/Ademola21/nano-automation-suite/pkg/logger"
)

const maxBodyBytes = 1 << 16

// Fleet 是 API 所需的舰队控制能力，由 supervisor.Supervisor 实现。
type Fleet interface {
	StartFleet(ctx context.Context, opts supervisor.FleetOptions) (int, error)
	StopFleet(ctx context.Context, sweep bool) (int, error)
	StopAgent(ctx context.Context, name string, sweepFirst bool) error
	SweepAgent(ctx context.Context, name, master string) (supervisor.SweepOutcome, error)
	SweepAll(ctx context.Context, master string) ([]supervisor.SweepOutcome, error)
	Status() []supervisor.WorkerStatus
	Logs(name string) ([]string, error)
}

// RescueLedger 是救援账本的导出与清空能力。
type RescueLedger interface {
	Export(ctx context.Context, w io.Writer, format string) error
	Clear(ctx context.Context) error
}

// NodeHealth 提供最近一次节点健康检查结果。
type NodeHealth interface {
	Snapshot() []rpc.NodeHealthRecord
}

// Server 负责暴露运维 REST 接口。
type Server struct {
	addr     string
	fleet    Fleet
	rescue   RescueLedger
	settings store.SettingsStore
	nodes    NodeHealth
	tokens   [][]byte
	logger   *slog.Logger
}

// NewServer 构造 API 服务实例。nodes 可以为空。
func NewServer(addr string, fleet Fleet, ledger RescueLedger, settings store.SettingsStore, nodes NodeHealth, opts ...ServerOption) *Server {
	s := &Server{
		addr:     addr,
		fleet:    fleet,
		rescue:   ledger,
		settings: settings,
		nodes:    nodes,
		logger:   logger.Named("api"),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	return s
}

// Handler 返回注册了全部路由的处理器。
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	route := func(pattern, name string, h http.HandlerFunc) {
		mux.Handle(pattern, metrics.Instrument(name, h))
	}
	route("GET /api/v1/workers", "workers", s.handleWorkers)
	route("GET /api/v1/workers/{name}/logs", "worker_logs", s.handleWorkerLogs)
	route("POST /api/v1/workers/{name}/stop", "worker_stop", s.handleWorkerStop)
	route("POST /api/v1/workers/{name}/sweep", "worker_sweep", s.handleWorkerSweep)
	route("POST /api/v1/fleet/start", "fleet_start", s.handleFleetStart)
	route("POST /api/v1/fleet/stop", "fleet_stop", s.handleFleetStop)
	route("POST /api/v1/sweep", "sweep_all", s.handleSweepAll)
	route("GET /api/v1/settings", "settings", s.handleGetSettings)
	route("PUT /api/v1/settings", "settings", s.handlePutSettings)
	route("GET /api/v1/rescue", "rescue_export", s.handleRescueExport)
	route("DELETE /api/v1/rescue", "rescue_clear", s.handleRescueClear)
	route("GET /api/v1/nodes", "nodes", s.handleNodes)
	mux.Handle("GET /metrics", metrics.Handler())
	return s.authenticate(mux)
}

// Start 启动 HTTP 服务，直到上下文取消或出现错误。
func (s *Server) Start(ctx context.Context) error {
	server := &http.Server{
		Addr:              s.addr,
		Handler:           withContext(ctx, s.Handler()),
		ReadHeaderTimeout: 5 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("运维 API 已启动", slog.String("address", s.addr), slog.Bool("auth", len(s.tokens) > 0))
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWorkers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.fleet.Status())
}

func (s *Server) handleWorkerLogs(w http.ResponseWriter, r *http.Request) {
	logs, err := s.fleet.Logs(r.PathValue("name"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"worker": r.PathValue("name"), "logs": logs})
}

type stopWorkerRequest struct {
	SweepFirst bool `json:"sweep_first"`
}

func (s *Server) handleWorkerStop(w http.ResponseWriter, r *http.Request) {
	var req stopWorkerRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	name := r.PathValue("name")
	if err := s.fleet.StopAgent(r.Context(), name, req.SweepFirst); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"worker": name, "sweep_first": req.SweepFirst})
}

type sweepRequest struct {
	MasterAddress string `json:"master_address"`
}

func (s *Server) handleWorkerSweep(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	out, err := s.fleet.SweepAgent(r.Context(), r.PathValue("name"), req.MasterAddress)
	if err != nil && out.Address == "" {
		writeError(w, err)
		return
	}
	status := http.StatusOK
	if err != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, out)
}

func (s *Server) handleSweepAll(w http.ResponseWriter, r *http.Request) {
	var req sweepRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	outcomes, err := s.fleet.SweepAll(r.Context(), req.MasterAddress)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, outcomes)
}

type startFleetRequest struct {
	Size          *int    `json:"size"`
	AutoSweep     *bool   `json:"auto_sweep"`
	ThresholdRaw  *string `json:"threshold_raw"`
	MasterAddress *string `json:"master_address"`
}

// handleFleetStart 启动舰队。未提供的字段使用已保存的设置。
func (s *Server) handleFleetStart(w http.ResponseWriter, r *http.Request) {
	var req startFleetRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	settings, err := s.settings.LoadSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if req.Size != nil {
		settings.FleetSize = *req.Size
	}
	if req.AutoSweep != nil {
		settings.AutoSweep = *req.AutoSweep
	}
	if req.ThresholdRaw != nil {
		settings.SweepThresholdRaw = *req.ThresholdRaw
	}
	if req.MasterAddress != nil {
		settings.MasterAddress = *req.MasterAddress
	}
	threshold, err := nano.ParseRaw(settings.SweepThresholdRaw)
	if err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "归集阈值无效"))
		return
	}
	n, err := s.fleet.StartFleet(r.Context(), supervisor.FleetOptions{
		Size:          settings.FleetSize,
		AutoSweep:     settings.AutoSweep,
		Threshold:     threshold,
		MasterAddress: settings.MasterAddress,
	})
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workers": n})
}

type stopFleetRequest struct {
	Sweep bool `json:"sweep"`
}

func (s *Server) handleFleetStop(w http.ResponseWriter, r *http.Request) {
	var req stopFleetRequest
	if !decodeOptional(w, r, &req) {
		return
	}
	n, err := s.fleet.StopFleet(r.Context(), req.Sweep)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"workers": n, "sweep": req.Sweep})
}

func (s *Server) handleGetSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.settings.LoadSettings(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutSettings(w http.ResponseWriter, r *http.Request) {
	var settings store.Settings
	if err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&settings); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
		return
	}
	if settings.MasterAddress != "" {
		normalized, err := nano.NormalizeAddress(strings.TrimSpace(settings.MasterAddress))
		if err != nil {
			writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "主钱包地址无效"))
			return
		}
		settings.MasterAddress = normalized
	}
	if settings.SweepThresholdRaw == "" {
		settings.SweepThresholdRaw = "0"
	}
	if _, err := nano.ParseRaw(settings.SweepThresholdRaw); err != nil {
		writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "归集阈值无效"))
		return
	}
	if settings.FleetSize < 0 {
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "舰队规模不能为负数"))
		return
	}
	if err := s.settings.SaveSettings(r.Context(), settings); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleRescueExport(w http.ResponseWriter, r *http.Request) {
	format := strings.ToLower(r.URL.Query().Get("format"))
	switch format {
	case "", rescue.FormatJSON:
		w.Header().Set("Content-Type", "application/json")
	case rescue.FormatCSV:
		w.Header().Set("Content-Type", "text/csv")
		w.Header().Set("Content-Disposition", `attachment; filename="rescue.csv"`)
	default:
		writeError(w, xerrors.New(xerrors.CodeInvalidArgument, "format 仅支持 json 或 csv"))
		return
	}
	if err := s.rescue.Export(r.Context(), w, format); err != nil {
		s.logger.Error("导出救援账本失败", slog.Any("error", err))
	}
}

func (s *Server) handleRescueClear(w http.ResponseWriter, r *http.Request) {
	if err := s.rescue.Clear(r.Context()); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleNodes(w http.ResponseWriter, r *http.Request) {
	records := []rpc.NodeHealthRecord{}
	if s.nodes != nil {
		records = append(records, s.nodes.Snapshot()...)
	}
	writeJSON(w, http.StatusOK, records)
}

// decodeOptional 解析可选的 JSON 请求体，空请求体视为零值。
func decodeOptional(w http.ResponseWriter, r *http.Request, v any) bool {
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(v)
	if err == nil || errors.Is(err, io.EOF) {
		return true
	}
	writeError(w, xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败"))
	return false
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

type errorResponse struct {
	Code  xerrors.Code `json:"code"`
	Error string       `json:"error"`
}

func writeError(w http.ResponseWriter, err error) {
	writeJSON(w, xerrors.HTTPStatus(err), errorResponse{Code: xerrors.CodeOf(err), Error: err.Error()})
}

// withContext 确保请求处理能够感知根上下文取消。
func withContext(ctx context.Context, handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-ctx.Done():
			http.Error(w, "服务已关闭", http.StatusServiceUnavailable)
			return
		default:
		}
		handler.ServeHTTP(w, r)
	})
}
