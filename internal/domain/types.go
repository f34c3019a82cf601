package domain

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// Coordinate is a grid cell. It marshals as a two-element [x, y] array, the
// shape used by the fleet API.
type Coordinate struct {
	X int
	Y int
}

func (c Coordinate) Key() string {
	return fmt.Sprintf("%d,%d", c.X, c.Y)
}

func (c Coordinate) String() string {
	return "(" + c.Key() + ")"
}

func (c Coordinate) Step(d Direction) Coordinate {
	dx, dy := d.Delta()
	return Coordinate{X: c.X + dx, Y: c.Y + dy}
}

func (c Coordinate) Manhattan(o Coordinate) int {
	return abs(c.X-o.X) + abs(c.Y-o.Y)
}

func (c Coordinate) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]int{c.X, c.Y})
}

func (c *Coordinate) UnmarshalJSON(data []byte) error {
	var pair [2]int
	if err := json.Unmarshal(data, &pair); err != nil {
		return fmt.Errorf("decode coordinate: %w", err)
	}
	c.X, c.Y = pair[0], pair[1]
	return nil
}

func abs(v int) int {
	if v < 0 {
		return -v
	}
	return v
}

// TaskKind is the closed set of field tasks a rover can perform. TaskNone is
// the zero value and means "no task".
type TaskKind int

const (
	TaskNone TaskKind = iota
	TaskSoilAnalysis
	TaskIrrigation
	TaskWeeding
	TaskCropMonitoring
)

// TaskKinds lists every real task kind in display order.
var TaskKinds = []TaskKind{TaskSoilAnalysis, TaskIrrigation, TaskWeeding, TaskCropMonitoring}

func (k TaskKind) String() string {
	switch k {
	case TaskSoilAnalysis:
		return "Soil Analysis"
	case TaskIrrigation:
		return "Irrigation"
	case TaskWeeding:
		return "Weeding"
	case TaskCropMonitoring:
		return "Crop Monitoring"
	case TaskNone:
		return ""
	}
	return fmt.Sprintf("TaskKind(%d)", int(k))
}

func (k TaskKind) Valid() bool {
	return k >= TaskSoilAnalysis && k <= TaskCropMonitoring
}

func ParseTaskKind(s string) (TaskKind, error) {
	trimmed := strings.TrimSpace(s)
	if trimmed == "" {
		return TaskNone, nil
	}
	for _, k := range TaskKinds {
		if strings.EqualFold(trimmed, k.String()) {
			return k, nil
		}
	}
	return TaskNone, fmt.Errorf("unknown task %q", s)
}

func (k TaskKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

func (k *TaskKind) UnmarshalText(text []byte) error {
	parsed, err := ParseTaskKind(string(text))
	if err != nil {
		return err
	}
	*k = parsed
	return nil
}

// Direction is one of the four moves the fleet API accepts.
type Direction int

const (
	DirectionForward Direction = iota
	DirectionBackward
	DirectionLeft
	DirectionRight
)

var Directions = []Direction{DirectionForward, DirectionBackward, DirectionLeft, DirectionRight}

func (d Direction) String() string {
	switch d {
	case DirectionForward:
		return "forward"
	case DirectionBackward:
		return "backward"
	case DirectionLeft:
		return "left"
	case DirectionRight:
		return "right"
	}
	return fmt.Sprintf("Direction(%d)", int(d))
}

// Delta is the unit offset of the move: forward is +Y, right is +X.
func (d Direction) Delta() (dx, dy int) {
	switch d {
	case DirectionForward:
		return 0, 1
	case DirectionBackward:
		return 0, -1
	case DirectionLeft:
		return -1, 0
	case DirectionRight:
		return 1, 0
	}
	return 0, 0
}

func ParseDirection(s string) (Direction, error) {
	for _, d := range Directions {
		if strings.EqualFold(strings.TrimSpace(s), d.String()) {
			return d, nil
		}
	}
	return 0, fmt.Errorf("invalid direction %q", s)
}

// DirectionBetween returns the move that takes from to an adjacent to.
func DirectionBetween(from, to Coordinate) (Direction, bool) {
	for _, d := range Directions {
		if from.Step(d) == to {
			return d, true
		}
	}
	return 0, false
}

func (d Direction) MarshalText() ([]byte, error) {
	return []byte(d.String()), nil
}

func (d *Direction) UnmarshalText(text []byte) error {
	parsed, err := ParseDirection(string(text))
	if err != nil {
		return err
	}
	*d = parsed
	return nil
}

type AgentStatus string

const (
	AgentStatusIdle   AgentStatus = "idle"
	AgentStatusMoving AgentStatus = "moving"
)

// Agent is one rover as reported by the fleet layer.
type Agent struct {
	ID          string      `json:"id"`
	Status      AgentStatus `json:"status"`
	Battery     float64     `json:"battery"`
	Coordinates Coordinate  `json:"coordinates"`
	CurrentTask TaskKind    `json:"task"`
}

func (a Agent) Idle() bool {
	return a.Status == AgentStatusIdle && a.CurrentTask == TaskNone
}

// FleetSnapshot maps agent id to its last reported state.
type FleetSnapshot map[string]Agent

type SensorSnapshot struct {
	Timestamp    time.Time `json:"timestamp"`
	AgentID      string    `json:"rover_id"`
	SoilMoisture float64   `json:"soil_moisture"`
	SoilPH       float64   `json:"soil_pH"`
	Temperature  float64   `json:"temperature"`
	Battery      float64   `json:"battery_level"`
}

type SensorChannel int

const (
	ChannelMoisture SensorChannel = iota
	ChannelPH
	ChannelTemperature
)

var SensorChannels = []SensorChannel{ChannelMoisture, ChannelPH, ChannelTemperature}

func (c SensorChannel) String() string {
	switch c {
	case ChannelMoisture:
		return "moisture"
	case ChannelPH:
		return "ph"
	case ChannelTemperature:
		return "temperature"
	}
	return fmt.Sprintf("SensorChannel(%d)", int(c))
}

func (c SensorChannel) MarshalText() ([]byte, error) {
	return []byte(c.String()), nil
}

// Reading returns the snapshot value for one channel.
func (s SensorSnapshot) Reading(c SensorChannel) float64 {
	switch c {
	case ChannelMoisture:
		return s.SoilMoisture
	case ChannelPH:
		return s.SoilPH
	case ChannelTemperature:
		return s.Temperature
	}
	return 0
}

// WithReading returns a copy of s with one channel replaced.
func (s SensorSnapshot) WithReading(c SensorChannel, v float64) SensorSnapshot {
	switch c {
	case ChannelMoisture:
		s.SoilMoisture = v
	case ChannelPH:
		s.SoilPH = v
	case ChannelTemperature:
		s.Temperature = v
	}
	return s
}

type SensorStatus struct {
	IsWorking     bool       `json:"is_working"`
	AccuracyLevel float64    `json:"accuracy_level"`
	LastFailure   *time.Time `json:"last_failure,omitempty"`
}

func HealthySensor() SensorStatus {
	return SensorStatus{IsWorking: true, AccuracyLevel: 1}
}

// SensorHealth is the per-channel status of one rover for one poll.
type SensorHealth struct {
	Moisture    SensorStatus `json:"moisture"`
	PH          SensorStatus `json:"ph"`
	Temperature SensorStatus `json:"temperature"`
}

func HealthySensors() SensorHealth {
	return SensorHealth{
		Moisture:    HealthySensor(),
		PH:          HealthySensor(),
		Temperature: HealthySensor(),
	}
}

func (h SensorHealth) For(c SensorChannel) SensorStatus {
	switch c {
	case ChannelMoisture:
		return h.Moisture
	case ChannelPH:
		return h.PH
	case ChannelTemperature:
		return h.Temperature
	}
	return HealthySensor()
}

func (h *SensorHealth) Set(c SensorChannel, s SensorStatus) {
	switch c {
	case ChannelMoisture:
		h.Moisture = s
	case ChannelPH:
		h.PH = s
	case ChannelTemperature:
		h.Temperature = s
	}
}

func (h SensorHealth) AllWorking() bool {
	return h.Moisture.IsWorking && h.PH.IsWorking && h.Temperature.IsWorking
}

type VisitedNode struct {
	Coordinates Coordinate `json:"coordinates"`
	LastVisited time.Time  `json:"last_visited"`
	Tasks       []TaskKind `json:"tasks"`
}

type VisitationStats struct {
	TotalVisitedNodes    int              `json:"total_visited_nodes"`
	CurrentlyLockedNodes int              `json:"currently_locked_nodes"`
	TaskCounts           map[TaskKind]int `json:"task_counts"`
}

type TaskState string

// ErrTaskNotFound is returned by task lookups for unknown ids.
var ErrTaskNotFound = errors.New("coordination task not found")

const (
	TaskStatePending   TaskState = "pending"
	TaskStateActive    TaskState = "active"
	TaskStateCompleted TaskState = "completed"
	TaskStateExpired   TaskState = "expired"
)

func ParseTaskState(s string) (TaskState, error) {
	switch st := TaskState(strings.ToLower(strings.TrimSpace(s))); st {
	case TaskStatePending, TaskStateActive, TaskStateCompleted, TaskStateExpired:
		return st, nil
	}
	return "", fmt.Errorf("unknown task state %q", s)
}

type CoordinationTask struct {
	ID             string     `json:"id"`
	Kind           TaskKind   `json:"task_type"`
	Priority       int        `json:"priority"`
	Target         Coordinate `json:"coordinates"`
	RequiredAgents int        `json:"required_rovers"`
	AssignedAgents []string   `json:"assigned_rovers"`
	CreatedAt      time.Time  `json:"created_at"`
	StartTime      *time.Time `json:"start_time,omitempty"`
	CompletionTime *time.Time `json:"completion_time,omitempty"`
	ExpiredAt      *time.Time `json:"expired_at,omitempty"`
}

func (t CoordinationTask) State() TaskState {
	switch {
	case t.CompletionTime != nil:
		return TaskStateCompleted
	case t.ExpiredAt != nil:
		return TaskStateExpired
	case t.StartTime != nil:
		return TaskStateActive
	}
	return TaskStatePending
}

func (t CoordinationTask) Final() bool {
	s := t.State()
	return s == TaskStateCompleted || s == TaskStateExpired
}

func (t CoordinationTask) HasAgent(agentID string) bool {
	for _, id := range t.AssignedAgents {
		if id == agentID {
			return true
		}
	}
	return false
}

func (t CoordinationTask) Clone() CoordinationTask {
	out := t
	out.AssignedAgents = append([]string(nil), t.AssignedAgents...)
	out.StartTime = cloneTime(t.StartTime)
	out.CompletionTime = cloneTime(t.CompletionTime)
	out.ExpiredAt = cloneTime(t.ExpiredAt)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}

type CoordinationPlan struct {
	Tasks              []CoordinationTask `json:"tasks"`
	ActiveTaskCount    int                `json:"active_tasks"`
	CompletedTaskCount int                `json:"completed_tasks"`
	ExpiredTaskCount   int                `json:"expired_tasks"`
}

func (p CoordinationPlan) Clone() CoordinationPlan {
	out := p
	out.Tasks = make([]CoordinationTask, len(p.Tasks))
	for i, t := range p.Tasks {
		out.Tasks[i] = t.Clone()
	}
	return out
}

// Recount derives the summary counters from the task list.
func (p *CoordinationPlan) Recount() {
	p.ActiveTaskCount, p.CompletedTaskCount, p.ExpiredTaskCount = 0, 0, 0
	for _, t := range p.Tasks {
		switch t.State() {
		case TaskStateActive:
			p.ActiveTaskCount++
		case TaskStateCompleted:
			p.CompletedTaskCount++
		case TaskStateExpired:
			p.ExpiredTaskCount++
		case TaskStatePending:
		}
	}
}

func (p CoordinationPlan) PendingCount() int {
	n := 0
	for _, t := range p.Tasks {
		if t.State() == TaskStatePending {
			n++
		}
	}
	return n
}

type CommandKind string

const (
	CommandMove    CommandKind = "move"
	CommandAssign  CommandKind = "assign"
	CommandRelease CommandKind = "release"
	CommandReset   CommandKind = "reset"
)

// Command is an instruction delivered to one rover over the bus.
type Command struct {
	ID        string       `json:"id"`
	AgentID   string       `json:"rover"`
	Kind      CommandKind  `json:"kind"`
	Direction Direction    `json:"direction"`
	Task      TaskKind     `json:"task,omitempty"`
	TaskID    string       `json:"task_id,omitempty"`
	Route     []Coordinate `json:"route,omitempty"`
	CreatedAt time.Time    `json:"created_at"`
}

type DecisionLog struct {
	ID        int64           `json:"id"`
	TaskID    string          `json:"task_id"`
	Actor     string          `json:"actor"`
	Action    string          `json:"action"`
	Reason    string          `json:"reason"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"created_at"`
}

// FarmStats are fleet-wide sensor averages for the dashboard header.
type FarmStats struct {
	AvgTemperature float64 `json:"avg_temp"`
	AvgMoisture    float64 `json:"avg_moisture"`
	AvgPH          float64 `json:"avg_ph"`
	AvgBattery     float64 `json:"avg_battery"`
}

func ComputeFarmStats(sensors map[string]SensorSnapshot) FarmStats {
	if len(sensors) == 0 {
		return FarmStats{}
	}
	var out FarmStats
	for _, s := range sensors {
		out.AvgTemperature += s.Temperature
		out.AvgMoisture += s.SoilMoisture
		out.AvgPH += s.SoilPH
		out.AvgBattery += s.Battery
	}
	n := float64(len(sensors))
	out.AvgTemperature /= n
	out.AvgMoisture /= n
	out.AvgPH /= n
	out.AvgBattery /= n
	return out
}
