package socketapi

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"sync"
	"time"

	"github.com/rchdaemon/rchd/pkg/classifier"
	"github.com/rchdaemon/rchd/pkg/config"
	"github.com/rchdaemon/rchd/pkg/history"
	"github.com/rchdaemon/rchd/pkg/log"
	"github.com/rchdaemon/rchd/pkg/metrics"
	"github.com/rchdaemon/rchd/pkg/pool"
	"github.com/rchdaemon/rchd/pkg/pressure"
	"github.com/rchdaemon/rchd/pkg/reclaim"
	"github.com/rchdaemon/rchd/pkg/selector"
	"github.com/rchdaemon/rchd/pkg/types"
	"github.com/rs/zerolog"
)

// maxFrameBytes bounds the size of a single request or response frame;
// anything larger is a malformed peer, not a valid oversized request.
const maxFrameBytes = 4 << 20

// RequestType selects which handler a Request is routed to.
type RequestType string

const (
	RequestHealth       RequestType = "health"
	RequestClassify     RequestType = "classify"
	RequestSelectAndRun RequestType = "select_and_run"
	RequestStatus       RequestType = "status"
	RequestAdmin        RequestType = "admin"
)

// AdminAction selects the Admin request's sub-operation.
type AdminAction string

const (
	AdminReloadConfig    AdminAction = "reload_config"
	AdminDrainWorker     AdminAction = "drain_worker"
	AdminReportTelemetry AdminAction = "report_telemetry"
)

// TelemetryPush is one worker's raw disk/IO snapshot, pushed in over
// an Admin(report_telemetry) request. Every field is optional; a nil
// field degrades the resulting pressure classification rather than
// failing the request.
type TelemetryPush struct {
	DiskFreeGB       *float64 `json:"disk_free_gb,omitempty"`
	DiskTotalGB      *float64 `json:"disk_total_gb,omitempty"`
	DiskIOUtilPct    *float64 `json:"disk_io_util_pct,omitempty"`
	MemoryPressure   *bool    `json:"memory_pressure,omitempty"`
	TelemetryAgeSecs *int64   `json:"telemetry_age_secs,omitempty"`
}

// Request is the single wire shape every socket message decodes into.
// Unknown fields are ignored rather than rejected so an older daemon
// can still answer a newer hook's well-formed request; a Type it does
// not recognise is what actually fails the call.
type Request struct {
	Type RequestType `json:"type"`

	// Classify / SelectAndRun
	Project          string   `json:"project,omitempty"`
	Command          string   `json:"command,omitempty"`
	CommandPriority  string   `json:"priority,omitempty"`
	PreferredWorkers []string `json:"preferred_workers,omitempty"`
	HookPID          int      `json:"hook_pid,omitempty"`
	Attempt          int      `json:"attempt,omitempty"`

	// Admin
	AdminAction AdminAction    `json:"admin_action,omitempty"`
	WorkerID    string         `json:"worker_id,omitempty"`
	Telemetry   *TelemetryPush `json:"telemetry,omitempty"`
}

// Decision mirrors types.BuildLocation in the wire response so the
// hook never needs to import the daemon's internal types package.
type Decision string

const (
	DecisionRemote Decision = "remote"
	DecisionLocal  Decision = "local"
)

// Response is the single wire shape every handler produces.
type Response struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`

	// Classify
	Kind            string  `json:"kind,omitempty"`
	Confidence      float64 `json:"confidence,omitempty"`
	Toolchain       string  `json:"toolchain,omitempty"`
	RequiredRuntime string  `json:"required_runtime,omitempty"`

	// SelectAndRun
	Decision    Decision `json:"decision,omitempty"`
	Worker      string   `json:"worker,omitempty"`
	ProjectRoot string   `json:"project_root,omitempty"`
	Reason      string   `json:"reason,omitempty"`
	BuildID     *uint64  `json:"build_id,omitempty"`

	// Health / Status
	Status *StatusReport `json:"status,omitempty"`
}

// WorkerHealth is one worker's externally-visible status for a Health
// or Status response.
type WorkerHealth struct {
	ID             string `json:"id"`
	Status         string `json:"status"`
	CircuitState   string `json:"circuit_state"`
	UsedSlots      int    `json:"used_slots"`
	AvailableSlots int    `json:"available_slots"`
}

// StatusReport summarizes pool and history state for Health/Status.
type StatusReport struct {
	Workers     []WorkerHealth   `json:"workers"`
	BuildStats  types.BuildStats `json:"build_stats"`
	ActiveCount int              `json:"active_count"`
}

// Deps are the collaborators a Server dispatches requests to. Selector
// and History are required; the rest may be left nil in tests that
// don't exercise that path.
type Deps struct {
	Pool            *pool.Pool
	Selector        *selector.Selector
	History         *history.History
	PressurePolicy  pressure.Policy
	SelectionConfig types.SelectionConfig
	Budget          time.Duration
	ReloadConfig    func() (config.DaemonConfig, []error)
}

// Server listens on a Unix domain socket and dispatches framed JSON
// requests to the collaborators in Deps. One goroutine per connection;
// requests on a single connection are handled sequentially.
type Server struct {
	deps     Deps
	logger   zerolog.Logger
	listener net.Listener
	wg       sync.WaitGroup
	stopCh   chan struct{}
	stopOnce sync.Once
}

// New creates a Server over deps. A zero Budget defaults to 250ms.
func New(deps Deps) *Server {
	if deps.Budget <= 0 {
		deps.Budget = 250 * time.Millisecond
	}
	return &Server{
		deps:   deps,
		logger: log.WithComponent("socketapi"),
		stopCh: make(chan struct{}),
	}
}

// Start removes any stale socket file at path, binds a new one, and
// begins accepting connections in the background.
func (s *Server) Start(socketPath string) error {
	if err := os.RemoveAll(socketPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("socketapi: clearing stale socket: %w", err)
	}

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return fmt.Errorf("socketapi: listen: %w", err)
	}
	s.listener = l

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("path", socketPath).Msg("socket api listening")
	return nil
}

// Stop closes the listener and waits for in-flight connections to
// finish their current request.
func (s *Server) Stop() error {
	var err error
	s.stopOnce.Do(func() {
		close(s.stopCh)
		if s.listener != nil {
			err = s.listener.Close()
		}
	})
	s.wg.Wait()
	return err
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Warn().Err(err).Msg("accept failed")
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(conn net.Conn) {
	defer s.wg.Done()
	defer conn.Close()

	for {
		req, err := readFrame(conn)
		if err != nil {
			if !errors.Is(err, io.EOF) {
				s.logger.Debug().Err(err).Msg("connection read failed")
			}
			return
		}

		resp := s.dispatch(req)
		if err := writeFrame(conn, resp); err != nil {
			s.logger.Debug().Err(err).Msg("connection write failed")
			return
		}
	}
}

func (s *Server) dispatch(req Request) Response {
	ctx, cancel := context.WithTimeout(context.Background(), s.deps.Budget)
	defer cancel()

	switch req.Type {
	case RequestHealth:
		return s.handleHealth()
	case RequestClassify:
		return s.handleClassify(req)
	case RequestSelectAndRun:
		return s.handleSelectAndRun(ctx, req)
	case RequestStatus:
		return s.handleStatus()
	case RequestAdmin:
		return s.handleAdmin(req)
	default:
		return errResponse(fmt.Sprintf("unrecognized request type %q", req.Type))
	}
}

func (s *Server) handleHealth() Response {
	return Response{OK: true, Status: s.statusReport()}
}

func (s *Server) handleStatus() Response {
	return Response{OK: true, Status: s.statusReport()}
}

func (s *Server) statusReport() *StatusReport {
	report := &StatusReport{}
	if s.deps.Pool != nil {
		for _, w := range s.deps.Pool.AllWorkers() {
			report.Workers = append(report.Workers, WorkerHealth{
				ID:             w.ID(),
				Status:         string(w.Status()),
				CircuitState:   string(w.Circuit().Stats().State),
				UsedSlots:      w.UsedSlots(),
				AvailableSlots: w.AvailableSlots(),
			})
		}
	}
	if s.deps.History != nil {
		report.BuildStats = s.deps.History.Stats()
	}
	return report
}

func (s *Server) handleClassify(req Request) Response {
	result := classifier.Classify(req.Command)
	return Response{
		OK:              true,
		Kind:            string(result.Kind),
		Confidence:      result.Confidence,
		Toolchain:       result.Toolchain,
		RequiredRuntime: result.RequiredRuntime.Name,
	}
}

func (s *Server) handleSelectAndRun(ctx context.Context, req Request) Response {
	if s.deps.Selector == nil {
		return errResponse("selector not configured")
	}

	result := classifier.Classify(req.Command)
	if result.Kind != types.KindCompilation {
		return Response{
			OK:       true,
			Decision: DecisionLocal,
			Reason:   "not_compilation",
			Kind:     string(result.Kind),
		}
	}

	selReq := types.SelectionRequest{
		Project:          req.Project,
		Command:          req.Command,
		CommandPriority:  types.CommandPriority(req.CommandPriority),
		PreferredWorkers: req.PreferredWorkers,
		RequiredRuntime:  result.RequiredRuntime,
		Toolchain:        result.Toolchain,
		HookPID:          req.HookPID,
	}
	if selReq.CommandPriority == "" {
		selReq.CommandPriority = types.PriorityNormal
	}

	selection := s.deps.Selector.Select(ctx, selReq, s.deps.SelectionConfig)

	if selection.Decision != types.BuildRemote {
		return Response{OK: true, Decision: DecisionLocal, Reason: selection.Reason}
	}

	var buildID *uint64
	if s.deps.History != nil {
		attempt := req.Attempt
		if attempt == 0 {
			attempt = 1
		}
		id := s.deps.History.NextID()
		s.deps.History.StartActiveBuild(id, req.Project, selection.WorkerID, req.Command, req.HookPID, attempt, types.BuildRemote)
		buildID = &id
	}

	return Response{
		OK:          true,
		Decision:    DecisionRemote,
		Worker:      selection.WorkerID,
		ProjectRoot: req.Project,
		BuildID:     buildID,
	}
}

func (s *Server) handleAdmin(req Request) Response {
	switch req.AdminAction {
	case AdminReloadConfig:
		return s.handleReloadConfig()
	case AdminDrainWorker:
		return s.handleDrainWorker(req.WorkerID)
	case AdminReportTelemetry:
		return s.handleReportTelemetry(req.WorkerID, req.Telemetry)
	default:
		return errResponse(fmt.Sprintf("unrecognized admin action %q", req.AdminAction))
	}
}

func (s *Server) handleReloadConfig() Response {
	if s.deps.ReloadConfig == nil {
		return errResponse("config reload not configured")
	}
	_, errs := s.deps.ReloadConfig()
	if len(errs) > 0 {
		return errResponse(fmt.Sprintf("reload failed: %v", errors.Join(errs...)))
	}
	return Response{OK: true}
}

func (s *Server) handleDrainWorker(workerID string) Response {
	if s.deps.Pool == nil || s.deps.History == nil {
		return errResponse("pool or history not configured")
	}

	gate := reclaim.CheckSafetyGate(workerID, s.deps.History)
	if !gate.Permitted {
		return errResponse(fmt.Sprintf("worker %s has %d active build(s), cannot drain", workerID, len(gate.ActiveBuildIDs)))
	}

	if err := s.deps.Pool.SetStatus(workerID, types.WorkerStatusDraining); err != nil {
		return errResponse(err.Error())
	}
	return Response{OK: true}
}

func (s *Server) handleReportTelemetry(workerID string, push *TelemetryPush) Response {
	if s.deps.Pool == nil {
		return errResponse("pool not configured")
	}
	if push == nil {
		return errResponse("telemetry payload required")
	}

	t := pressure.Telemetry{
		DiskFreeGB:       push.DiskFreeGB,
		DiskTotalGB:      push.DiskTotalGB,
		DiskIOUtilPct:    push.DiskIOUtilPct,
		MemoryPressure:   push.MemoryPressure,
		TelemetryAgeSecs: push.TelemetryAgeSecs,
	}
	assessment := pressure.Classify(t, s.deps.PressurePolicy)

	if err := s.deps.Pool.SetPressureAssessment(workerID, assessment); err != nil {
		return errResponse(err.Error())
	}
	metrics.WorkerPressureState.WithLabelValues(workerID).Set(metrics.PressureStateOrdinal(assessment.State))
	return Response{OK: true}
}

func errResponse(reason string) Response {
	return Response{OK: false, Error: reason}
}

// WriteRequest frames and writes req to w. This is the client-side
// counterpart to readFrame, exported for the CLI's status/drain
// commands to dial the socket directly.
func WriteRequest(w io.Writer, req Request) error {
	body, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("socketapi: encoding request: %w", err)
	}
	return writeFrameBytes(w, body)
}

// ReadResponse reads one framed Response from r. Client-side
// counterpart to writeFrame.
func ReadResponse(r io.Reader) (Response, error) {
	body, err := readFrameBytes(r)
	if err != nil {
		return Response{}, err
	}
	var resp Response
	if err := json.Unmarshal(body, &resp); err != nil {
		return Response{}, fmt.Errorf("socketapi: decoding response: %w", err)
	}
	return resp, nil
}

func readFrame(r io.Reader) (Request, error) {
	body, err := readFrameBytes(r)
	if err != nil {
		return Request{}, err
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		return Request{}, fmt.Errorf("socketapi: decoding request: %w", err)
	}
	return req, nil
}

func writeFrame(w io.Writer, resp Response) error {
	body, err := json.Marshal(resp)
	if err != nil {
		return fmt.Errorf("socketapi: encoding response: %w", err)
	}
	return writeFrameBytes(w, body)
}

// readFrameBytes and writeFrameBytes implement the raw 4-byte-length
// framing independent of which direction (request or response) is
// being carried, so both the server and a test client can speak it.
func readFrameBytes(r io.Reader) ([]byte, error) {
	var lenBuf [4]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n > maxFrameBytes {
		return nil, fmt.Errorf("socketapi: frame of %d bytes exceeds limit", n)
	}

	body := make([]byte, n)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, err
	}
	return body, nil
}

func writeFrameBytes(w io.Writer, body []byte) error {
	if len(body) > maxFrameBytes {
		return fmt.Errorf("socketapi: frame of %d bytes exceeds limit", len(body))
	}

	var lenBuf [4]byte
	binary.BigEndian.PutUint32(lenBuf[:], uint32(len(body)))
	if _, err := w.Write(lenBuf[:]); err != nil {
		return err
	}
	_, err := w.Write(body)
	return err
}
