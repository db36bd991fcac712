package protocol

import "time"

// RoomCreated is published by the HTTP surface when a room record is created.
// Worker hosts in bus dispatch mode treat it as a job assignment.
type RoomCreated struct {
	RoomID          string            `json:"room_id"`
	RoomName        string            `json:"room_name"`
	RoomType        string            `json:"room_type"`
	HostIdentity    string            `json:"host_identity"`
	MaxParticipants int               `json:"max_participants"`
	SeedMetadata    map[string]string `json:"seed_metadata,omitempty"`
	Timestamp       time.Time         `json:"timestamp"`
}

// RoomClosed signals explicit room closure; the owning worker drains the job.
type RoomClosed struct {
	RoomID    string    `json:"room_id"`
	RoomName  string    `json:"room_name"`
	Reason    string    `json:"reason,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// ProfileUpdated is broadcast after profile CRUD so worker-local caches can
// invalidate the identity.
type ProfileUpdated struct {
	Identity  string    `json:"identity"`
	Timestamp time.Time `json:"timestamp"`
}

// Diagnostic carries a pipeline or coordinator event worth surfacing
// (pipeline failed, provider outage, invariant violation).
type Diagnostic struct {
	RoomName  string    `json:"room_name"`
	Listener  string    `json:"listener,omitempty"`
	Speaker   string    `json:"speaker,omitempty"`
	Kind      string    `json:"kind"`
	Detail    string    `json:"detail,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerAnnounce advertises a worker host joining the fleet.
type WorkerAnnounce struct {
	WorkerID  string    `json:"worker_id"`
	AgentName string    `json:"agent_name"`
	Namespace string    `json:"namespace"`
	MaxJobs   int       `json:"max_jobs"`
	Timestamp time.Time `json:"timestamp"`
}

// WorkerHeartbeat carries liveness and load for a worker host.
type WorkerHeartbeat struct {
	WorkerID   string    `json:"worker_id"`
	ActiveJobs int       `json:"active_jobs"`
	Load       float64   `json:"load"`
	Draining   bool      `json:"draining"`
	Timestamp  time.Time `json:"timestamp"`
}

// StatsRequest asks the worker owning room_name for a coordinator stats
// snapshot; the reply is a StatsSnapshot on the request's reply subject.
type StatsRequest struct {
	RoomName string `json:"room_name"`
}

// StatsSnapshot is the coordinator-level stats payload served to
// GET /rooms/{room_id}/translation-stats.
type StatsSnapshot struct {
	RoomName     string          `json:"room_name"`
	Participants int             `json:"participants"`
	Pipelines    []PipelineStats `json:"pipelines"`
	GeneratedAt  time.Time       `json:"generated_at"`
}

// PipelineStats summarizes one (listener, speaker) pipeline.
type PipelineStats struct {
	Listener          string  `json:"listener"`
	Speaker           string  `json:"speaker"`
	SourceLanguage    string  `json:"source_language"`
	TargetLanguage    string  `json:"target_language"`
	State             string  `json:"state"`
	SegmentsCompleted int64   `json:"segments_completed"`
	SegmentsFailed    int64   `json:"segments_failed"`
	SegmentsDropped   int64   `json:"segments_dropped"`
	PendingSegments   int     `json:"pending_segments"`
	AvgLatencyMS      float64 `json:"avg_latency_ms"`
	P95LatencyMS      float64 `json:"p95_latency_ms"`
}

const (
	SubjectRoomCreated     = "room.created"
	SubjectRoomClosed      = "room.closed"
	SubjectProfileUpdated  = "profile.updated"
	SubjectDiagnostic      = "diag.event"
	SubjectWorkerAnnounce  = "ctrl.worker.announce"
	SubjectWorkerHeartbeat = "ctrl.worker.heartbeat"
	SubjectStatsPrefix     = "stats.room"
)

// StatsSubject returns the per-room stats request subject.
func StatsSubject(roomName string) string {
	return SubjectStatsPrefix + "." + roomName
}
