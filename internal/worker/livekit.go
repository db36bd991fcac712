package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/livekit/protocol/auth"
	"github.com/livekit/protocol/livekit"
	"google.golang.org/protobuf/proto"

	"github.com/parlay-labs/interp-core/internal/config"
)

// AgentWorker connects the host to a LiveKit agent dispatcher: it registers
// over the agent websocket, accepts availability requests while capacity
// remains, and maps job assignments and terminations onto host jobs.
type AgentWorker struct {
	cfg  config.Config
	host *Host
	log  *slog.Logger

	conn     *websocket.Conn
	connMu   sync.Mutex
	workerID string

	mu         sync.Mutex
	assignment map[string]string // dispatcher job id -> room name

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewAgentWorker(cfg config.Config, host *Host, log *slog.Logger) *AgentWorker {
	return &AgentWorker{
		cfg:        cfg,
		host:       host,
		log:        log.With(slog.String("component", "agent-worker")),
		assignment: make(map[string]string),
	}
}

// Run connects, registers, and serves the dispatcher until ctx is done or
// the socket drops. The caller decides whether to reconnect.
func (w *AgentWorker) Run(parent context.Context) error {
	w.ctx, w.cancel = context.WithCancel(parent)
	defer w.cancel()

	token, err := w.buildWorkerToken()
	if err != nil {
		return fmt.Errorf("build worker token: %w", err)
	}
	wsURL, err := w.buildWSURL()
	if err != nil {
		return fmt.Errorf("build websocket url: %w", err)
	}

	header := http.Header{}
	header.Set("Authorization", "Bearer "+token)

	dialer := *websocket.DefaultDialer
	dialer.HandshakeTimeout = 10 * time.Second
	conn, resp, err := dialer.DialContext(w.ctx, wsURL, header)
	if err != nil {
		return fmt.Errorf("dial agent endpoint: %w", err)
	}
	defer resp.Body.Close()
	w.conn = conn
	defer conn.Close()

	if err := w.register(); err != nil {
		return fmt.Errorf("register worker: %w", err)
	}

	w.wg.Add(1)
	go w.loadReporter()
	defer w.wg.Wait()

	for {
		msg, err := w.readMessage()
		if err != nil {
			if w.ctx.Err() != nil {
				return nil
			}
			return fmt.Errorf("agent socket read: %w", err)
		}
		if err := w.handleMessage(msg); err != nil {
			w.log.Warn("agent message handling failed", slogError(err))
		}
	}
}

func (w *AgentWorker) buildWorkerToken() (string, error) {
	at := auth.NewAccessToken(w.cfg.Transport.APIKey, w.cfg.Transport.APISecret)
	at.AddGrant(&auth.VideoGrant{Agent: true})
	return at.ToJWT()
}

func (w *AgentWorker) buildWSURL() (string, error) {
	u, err := url.Parse(w.cfg.Transport.URL)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	u.Path = "/agent"
	return u.String(), nil
}

func (w *AgentWorker) register() error {
	namespace := w.cfg.Worker.Namespace
	req := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Register{
			Register: &livekit.RegisterWorkerRequest{
				Type:      livekit.JobType_JT_ROOM,
				Version:   "1.0",
				Namespace: &namespace,
				AgentName: w.cfg.Worker.AgentName,
			},
		},
	}
	if err := w.writeMessage(req); err != nil {
		return err
	}

	deadline := time.Now().Add(10 * time.Second)
	for time.Now().Before(deadline) {
		msg, err := w.readMessage()
		if err != nil {
			return err
		}
		if reg := msg.GetRegister(); reg != nil {
			w.workerID = reg.WorkerId
			w.log.Info("agent worker registered", slog.String("worker_id", w.workerID))
			return nil
		}
	}
	return fmt.Errorf("registration timeout")
}

func (w *AgentWorker) handleMessage(msg *livekit.ServerMessage) error {
	switch m := msg.Message.(type) {
	case *livekit.ServerMessage_Availability:
		return w.handleAvailability(m.Availability)
	case *livekit.ServerMessage_Assignment:
		return w.handleAssignment(m.Assignment)
	case *livekit.ServerMessage_Termination:
		return w.handleTermination(m.Termination)
	case *livekit.ServerMessage_Pong:
		return nil
	default:
		return nil
	}
}

func (w *AgentWorker) handleAvailability(req *livekit.AvailabilityRequest) error {
	jobID := req.Job.Id
	available := !w.host.Draining() && w.host.ActiveJobs() < w.cfg.Worker.MaxConcurrentJobs

	identity := fmt.Sprintf("agent-%s", jobID)
	if len(identity) > 63 {
		identity = identity[:63]
	}
	resp := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_Availability{
			Availability: &livekit.AvailabilityResponse{
				JobId:               jobID,
				Available:           available,
				ParticipantIdentity: identity,
				ParticipantName:     w.cfg.Worker.AgentName,
			},
		},
	}
	return w.writeMessage(resp)
}

func (w *AgentWorker) handleAssignment(assign *livekit.JobAssignment) error {
	roomName := assign.Job.Room.Name
	jobID := assign.Job.Id

	w.mu.Lock()
	w.assignment[jobID] = roomName
	w.mu.Unlock()

	job := Job{
		RoomID:   assign.Job.Room.Sid,
		RoomName: roomName,
		RoomType: roomTypeFromMetadata(assign.Job.Metadata),
	}
	err := w.host.RunJob(job)

	status := livekit.JobStatus_JS_RUNNING
	errStr := ""
	if err != nil {
		status = livekit.JobStatus_JS_FAILED
		errStr = err.Error()
		w.log.Warn("assignment rejected",
			slog.String("room", roomName),
			slogError(err))
	}
	update := &livekit.WorkerMessage{
		Message: &livekit.WorkerMessage_UpdateJob{
			UpdateJob: &livekit.UpdateJobStatus{
				JobId:  jobID,
				Status: status,
				Error:  errStr,
			},
		},
	}
	return w.writeMessage(update)
}

func (w *AgentWorker) handleTermination(term *livekit.JobTermination) error {
	w.mu.Lock()
	roomName, ok := w.assignment[term.JobId]
	delete(w.assignment, term.JobId)
	w.mu.Unlock()
	if !ok {
		return nil
	}
	w.host.StopJob(roomName)
	return nil
}

func (w *AgentWorker) loadReporter() {
	defer w.wg.Done()
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			status := livekit.WorkerStatus_WS_AVAILABLE
			if w.host.Draining() {
				status = livekit.WorkerStatus_WS_FULL
			}
			update := &livekit.WorkerMessage{
				Message: &livekit.WorkerMessage_UpdateWorker{
					UpdateWorker: &livekit.UpdateWorkerStatus{
						Status: &status,
						Load:   float32(w.host.Load()),
					},
				},
			}
			if err := w.writeMessage(update); err != nil {
				w.log.Warn("load update failed", slogError(err))
			}
		}
	}
}

func (w *AgentWorker) readMessage() (*livekit.ServerMessage, error) {
	w.connMu.Lock()
	conn := w.conn
	w.connMu.Unlock()
	if conn == nil {
		return nil, fmt.Errorf("agent socket closed")
	}
	_, data, err := conn.ReadMessage()
	if err != nil {
		return nil, err
	}
	msg := &livekit.ServerMessage{}
	if err := proto.Unmarshal(data, msg); err != nil {
		return nil, fmt.Errorf("unmarshal server message: %w", err)
	}
	return msg, nil
}

func (w *AgentWorker) writeMessage(msg *livekit.WorkerMessage) error {
	w.connMu.Lock()
	defer w.connMu.Unlock()
	if w.conn == nil {
		return fmt.Errorf("agent socket closed")
	}
	data, err := proto.Marshal(msg)
	if err != nil {
		return err
	}
	return w.conn.WriteMessage(websocket.BinaryMessage, data)
}

// roomTypeFromMetadata pulls the room_type hint from dispatch metadata; the
// coordinator treats participant metadata as authoritative either way.
func roomTypeFromMetadata(raw string) string {
	if raw == "" {
		return "general"
	}
	var meta struct {
		RoomType string `json:"room_type"`
	}
	if err := json.Unmarshal([]byte(raw), &meta); err != nil || meta.RoomType == "" {
		return "general"
	}
	return meta.RoomType
}
