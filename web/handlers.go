package web

import (
	"context"
	"encoding/json"
	"io"
	"net/http"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/omnicore/components/arm/omnicore"
	"go.viam.com/omnicore/control"
	"go.viam.com/omnicore/referenceframe"
	"go.viam.com/omnicore/spatialmath"
)

const maxBodyBytes = 1 << 16

// RequestResult is the response to mode, move and command requests.
type RequestResult struct {
	OK     bool            `json:"ok"`
	Reason omnicore.Reason `json:"reason,omitempty"`
	Error  string          `json:"error,omitempty"`
	Mode   omnicore.Mode   `json:"mode"`
}

// StatusResponse is the body of GET /api/v1/status.
type StatusResponse struct {
	omnicore.Status
	Loop *control.Stats `json:"loop,omitempty"`
}

// ModeRequest is the body of PUT /api/v1/mode.
type ModeRequest struct {
	Mode *omnicore.Mode `json:"mode"`
}

// Vector is a position in millimeters.
type Vector struct {
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// Quaternion is an orientation as a unit quaternion.
type Quaternion struct {
	W float64 `json:"w"`
	X float64 `json:"x"`
	Y float64 `json:"y"`
	Z float64 `json:"z"`
}

// EulerAngles is an orientation as roll, pitch and yaw in degrees.
type EulerAngles struct {
	Roll  float64 `json:"roll"`
	Pitch float64 `json:"pitch"`
	Yaw   float64 `json:"yaw"`
}

// Move types.
const (
	MoveJoint  = "joint"
	MoveLinear = "linear"
)

// MoveRequest is the body of POST /api/v1/moves. Exactly one of Orientation and Euler is set.
type MoveRequest struct {
	Type        string       `json:"type"`
	Position    Vector       `json:"position"`
	Orientation *Quaternion  `json:"orientation,omitempty"`
	Euler       *EulerAngles `json:"euler,omitempty"`
}

// Pose converts the request to a pose.
func (mr MoveRequest) Pose() (spatialmath.Pose, error) {
	pt := r3.Vector{X: mr.Position.X, Y: mr.Position.Y, Z: mr.Position.Z}
	var pose spatialmath.Pose
	switch {
	case mr.Orientation != nil && mr.Euler != nil:
		return pose, errors.New("give either orientation or euler, not both")
	case mr.Orientation != nil:
		q := quat.Number{Real: mr.Orientation.W, Imag: mr.Orientation.X, Jmag: mr.Orientation.Y, Kmag: mr.Orientation.Z}
		if quat.Abs(q) == 0 {
			return pose, errors.New("orientation quaternion is zero")
		}
		pose = spatialmath.NewPose(pt, q)
	case mr.Euler != nil:
		pose = spatialmath.NewPoseFromEulerDegrees(pt, mr.Euler.Roll, mr.Euler.Pitch, mr.Euler.Yaw)
	default:
		return pose, errors.New("orientation is required")
	}
	return pose, pose.Validate()
}

// CommandRequest is the body of PUT /api/v1/commands: one target per commanded joint.
type CommandRequest struct {
	Values []float64 `json:"values"`
}

// JointInfo describes one joint in GET /api/v1/joints.
type JointInfo struct {
	Name        string  `json:"name"`
	Type        string  `json:"type"`
	Min         float64 `json:"min"`
	Max         float64 `json:"max"`
	MaxVelocity float64 `json:"max_velocity"`
	Commanded   bool    `json:"commanded"`
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	//nolint:errcheck
	json.NewEncoder(w).Encode(v)
}

func readJSON(r *http.Request, v interface{}) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return errors.Wrap(err, "invalid request body")
	}
	return nil
}

// statusCode maps a request failure reason to an HTTP status.
func statusCode(reason omnicore.Reason) int {
	switch reason {
	case omnicore.ReasonNone:
		return http.StatusOK
	case omnicore.ReasonBusy, omnicore.ReasonWrongMode:
		return http.StatusConflict
	case omnicore.ReasonTimeout:
		return http.StatusGatewayTimeout
	case omnicore.ReasonNotInitialized:
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeResult(w http.ResponseWriter, err error) {
	res := RequestResult{OK: err == nil, Reason: omnicore.ReasonFromError(err), Mode: s.robot.Mode()}
	if err != nil {
		res.Error = err.Error()
	}
	writeJSON(w, statusCode(res.Reason), res)
}

func (s *Server) writeBadRequest(w http.ResponseWriter, err error) {
	writeJSON(w, http.StatusBadRequest, RequestResult{
		Reason: omnicore.ReasonFailed,
		Error:  err.Error(),
		Mode:   s.robot.Mode(),
	})
}

func (s *Server) requestContext(r *http.Request) (context.Context, context.CancelFunc) {
	return context.WithTimeout(r.Context(), s.opts.RequestTimeout)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := StatusResponse{Status: s.robot.Status()}
	if s.loop != nil {
		stats := s.loop.Stats()
		resp.Loop = &stats
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleJoints(w http.ResponseWriter, r *http.Request) {
	commanded := map[string]bool{}
	if s.target != nil {
		for _, name := range s.target.Joints() {
			commanded[name] = true
		}
	}
	joints := s.robot.Joints()
	out := make([]JointInfo, 0, len(joints))
	for _, j := range joints {
		info := JointInfo{
			Name:        j.Name,
			Type:        string(j.Type),
			MaxVelocity: j.MaxVelocity,
			Commanded:   commanded[j.Name],
		}
		// continuous joints have infinite bounds, which JSON cannot carry
		if j.Type != referenceframe.ContinuousJoint {
			info.Min, info.Max = j.Min, j.Max
		}
		out = append(out, info)
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleMode(w http.ResponseWriter, r *http.Request) {
	var req ModeRequest
	if err := readJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if req.Mode == nil {
		s.writeBadRequest(w, errors.New("mode is required"))
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	var err error
	switch *req.Mode {
	case omnicore.ModeStreaming:
		err = s.robot.RequestStreamingMode(ctx)
	case omnicore.ModeFreeDrive:
		err = s.robot.RequestFreeDriveMode(ctx)
	default:
		err = s.robot.RequestIdleMode(ctx)
	}
	s.writeResult(w, err)
}

func (s *Server) handleMove(w http.ResponseWriter, r *http.Request) {
	var req MoveRequest
	if err := readJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	pose, err := req.Pose()
	if err != nil {
		s.writeBadRequest(w, err)
		return
	}
	ctx, cancel := s.requestContext(r)
	defer cancel()

	switch req.Type {
	case MoveJoint:
		err = s.robot.RequestPointToPointMove(ctx, pose)
	case MoveLinear:
		err = s.robot.RequestLinearMove(ctx, pose)
	default:
		s.writeBadRequest(w, errors.Errorf("unknown move type %q", req.Type))
		return
	}
	s.writeResult(w, err)
}

func (s *Server) handleSetCommands(w http.ResponseWriter, r *http.Request) {
	if s.target == nil {
		http.Error(w, "joint commands are not enabled", http.StatusNotFound)
		return
	}
	var req CommandRequest
	if err := readJSON(r, &req); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	if err := s.target.SetTarget(req.Values); err != nil {
		s.writeBadRequest(w, err)
		return
	}
	s.writeResult(w, nil)
}

func (s *Server) handleClearCommands(w http.ResponseWriter, r *http.Request) {
	if s.target == nil {
		http.Error(w, "joint commands are not enabled", http.StatusNotFound)
		return
	}
	s.target.ClearTarget()
	s.writeResult(w, nil)
}

func (s *Server) handleReset(w http.ResponseWriter, r *http.Request) {
	s.robot.Reset()
	s.writeResult(w, nil)
}
