package rws

import (
	"context"
	"encoding/json"
	"math"
	"net"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"

	"github.com/golang/geo/r3"
	"github.com/pkg/errors"
	"go.viam.com/test"
	"gonum.org/v1/gonum/num/quat"

	"go.viam.com/omnicore/logging"
	"go.viam.com/omnicore/spatialmath"
	"go.viam.com/omnicore/utils"
)

// fakeController serves the subset of RWS 2.0 the client uses.
type fakeController struct {
	mu          sync.Mutex
	requests    []string
	signals     map[string]string
	symbols     map[string]string
	jointTarget map[string]string
	mastership  bool
	failSignal  string
}

func newFakeController() *fakeController {
	return &fakeController{
		signals: map[string]string{},
		symbols: map[string]string{},
		jointTarget: map[string]string{
			"rax_1": "0", "rax_2": "90", "rax_3": "-45", "rax_4": "10", "rax_5": "20", "rax_6": "30",
			"eax_a": "-135", "eax_b": "9E9", "eax_c": "9E9", "eax_d": "9E9", "eax_e": "9E9", "eax_f": "9E9",
		},
	}
}

func (f *fakeController) log() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.requests...)
}

func (f *fakeController) isMaster() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.mastership
}

func (f *fakeController) symbol(key string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.symbols[key]
}

func (f *fakeController) signal(name string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.signals[name]
}

func (f *fakeController) setFailSignal(name string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failSignal = name
}

func (f *fakeController) clearSignals() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.signals = map[string]string{}
}

func writeState(w http.ResponseWriter, state map[string]string) {
	w.Header().Set("Content-Type", "application/hal+json;v=2.0")
	//nolint:errcheck
	json.NewEncoder(w).Encode(map[string]interface{}{"state": []map[string]string{state}})
}

func (f *fakeController) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	f.mu.Lock()
	defer f.mu.Unlock()

	if user, pass, ok := r.BasicAuth(); !ok || user != "Default User" || pass != "robotics" {
		w.WriteHeader(http.StatusUnauthorized)
		return
	}
	if r.Header.Get("Accept") != acceptHeader {
		w.WriteHeader(http.StatusNotAcceptable)
		return
	}
	if err := r.ParseForm(); err != nil {
		w.WriteHeader(http.StatusBadRequest)
		return
	}
	entry := r.Method + " " + r.URL.Path
	if len(r.PostForm) > 0 {
		entry += " " + r.PostForm.Encode()
	}
	f.requests = append(f.requests, entry)

	path := r.URL.Path
	switch {
	case strings.HasPrefix(path, "/rw/iosystem/signals/"):
		name := strings.TrimPrefix(path, "/rw/iosystem/signals/")
		if r.Method == http.MethodPost {
			name = strings.TrimSuffix(name, "/set-value")
			if name == f.failSignal {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte("signal is read only"))
				return
			}
			f.signals[name] = r.PostForm.Get("lvalue")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		v, ok := f.signals[name]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		writeState(w, map[string]string{"_type": "ios-signal-li", "lvalue": v})
	case strings.HasPrefix(path, "/rw/rapid/symbol/RAPID/"):
		key := strings.TrimSuffix(strings.TrimPrefix(path, "/rw/rapid/symbol/RAPID/"), "/data")
		if r.Method == http.MethodPost {
			if !f.mastership {
				w.WriteHeader(http.StatusForbidden)
				return
			}
			f.symbols[key] = r.PostForm.Get("value")
			w.WriteHeader(http.StatusNoContent)
			return
		}
		writeState(w, map[string]string{"value": f.symbols[key]})
	case path == "/rw/mastership/edit/request":
		f.mastership = true
		w.WriteHeader(http.StatusNoContent)
	case path == "/rw/mastership/edit/release":
		f.mastership = false
		w.WriteHeader(http.StatusNoContent)
	case strings.HasSuffix(path, "/jointtarget"):
		writeState(w, f.jointTarget)
	default:
		w.WriteHeader(http.StatusNotFound)
	}
}

func newTestClient(t *testing.T, handler http.Handler) *Client {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	u, err := url.Parse(server.URL)
	test.That(t, err, test.ShouldBeNil)
	host, portStr, err := net.SplitHostPort(u.Host)
	test.That(t, err, test.ShouldBeNil)
	port, err := strconv.Atoi(portStr)
	test.That(t, err, test.ShouldBeNil)

	c, err := NewClient(ClientConfig{
		Host:     host,
		Port:     port,
		Scheme:   "http",
		Username: "Default User",
		Password: "robotics",
	}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	t.Cleanup(c.Close)
	return c
}

func TestClientSignalsAndSymbols(t *testing.T) {
	fake := newFakeController()
	c := newTestClient(t, fake)
	ctx := context.Background()

	test.That(t, c.SetIOSignal(ctx, "EGM_START_JOINT", "1"), test.ShouldBeNil)
	v, err := c.GetIOSignal(ctx, "EGM_START_JOINT")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, "1")

	_, err = c.GetIOSignal(ctx, "NOPE")
	test.That(t, IsStatus(err, http.StatusNotFound), test.ShouldBeTrue)

	// writing RAPID data needs mastership
	err = c.SetRAPIDSymbol(ctx, "T_ROB1", "TRobRAPID", "routine_name", `"x"`)
	test.That(t, IsStatus(err, http.StatusForbidden), test.ShouldBeTrue)

	err = c.WithMastership(ctx, func(ctx context.Context) error {
		return c.SetRAPIDSymbol(ctx, "T_ROB1", "TRobRAPID", "routine_name", `"x"`)
	})
	test.That(t, err, test.ShouldBeNil)
	v, err = c.GetRAPIDSymbol(ctx, "T_ROB1", "TRobRAPID", "routine_name")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, v, test.ShouldEqual, `"x"`)
	test.That(t, fake.isMaster(), test.ShouldBeFalse)

	// mastership is released when the body fails
	bodyErr := errors.New("body failed")
	err = c.WithMastership(ctx, func(ctx context.Context) error { return bodyErr })
	test.That(t, err, test.ShouldEqual, bodyErr)
	test.That(t, fake.isMaster(), test.ShouldBeFalse)
}

func TestClientErrors(t *testing.T) {
	fake := newFakeController()
	fake.failSignal = "DO_READONLY"
	c := newTestClient(t, fake)

	err := c.SetIOSignal(context.Background(), "DO_READONLY", "1")
	test.That(t, err, test.ShouldNotBeNil)
	var se *StatusError
	test.That(t, errors.As(err, &se), test.ShouldBeTrue)
	test.That(t, se.Code, test.ShouldEqual, http.StatusBadRequest)
	test.That(t, se.Body, test.ShouldEqual, "signal is read only")

	_, err = NewClient(ClientConfig{}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldNotBeNil)

	unreachable, err := NewClient(ClientConfig{Host: "127.0.0.1", Port: 1, Scheme: "http"}, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	test.That(t, unreachable.SetIOSignal(context.Background(), "X", "1"), test.ShouldNotBeNil)
}

func TestClientJointTarget(t *testing.T) {
	c := newTestClient(t, newFakeController())
	jt, err := c.GetJointTarget(context.Background(), "ROB_1")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, jt.Robot, test.ShouldResemble, [6]float64{0, 90, -45, 10, 20, 30})
	test.That(t, jt.External[0], test.ShouldEqual, -135.)
	test.That(t, jt.External[1], test.ShouldEqual, 9e9)
}

func newTestStateMachine(t *testing.T, fake *fakeController, cfg StateMachineConfig) *StateMachine {
	t.Helper()
	cfg.Task = "T_ROB1"
	cfg.MechUnit = "ROB_1"
	if cfg.Joints == 0 {
		cfg.Joints = 6
	}
	sm, err := NewStateMachine(newTestClient(t, fake), cfg, logging.NewTestLogger(t))
	test.That(t, err, test.ShouldBeNil)
	return sm
}

func TestStateMachineSignals(t *testing.T) {
	fake := newFakeController()
	sm := newTestStateMachine(t, fake, StateMachineConfig{Signals: Signals{FreeDriveStart: "LEAD_THROUGH_ON"}})
	ctx := context.Background()

	test.That(t, sm.StartStreaming(ctx), test.ShouldBeNil)
	test.That(t, sm.StopStreaming(ctx), test.ShouldBeNil)
	test.That(t, sm.StartFreeDrive(ctx), test.ShouldBeNil)
	test.That(t, sm.StopFreeDrive(ctx), test.ShouldBeNil)
	test.That(t, fake.log(), test.ShouldResemble, []string{
		"POST /rw/iosystem/signals/EGM_START_JOINT/set-value lvalue=1",
		"POST /rw/iosystem/signals/EGM_START_JOINT/set-value lvalue=0",
		"POST /rw/iosystem/signals/EGM_STOP/set-value lvalue=1",
		"POST /rw/iosystem/signals/EGM_STOP/set-value lvalue=0",
		"POST /rw/iosystem/signals/LEAD_THROUGH_ON/set-value lvalue=1",
		"POST /rw/iosystem/signals/LEAD_THROUGH_ON/set-value lvalue=0",
		"POST /rw/iosystem/signals/FREE_DRIVE_STOP/set-value lvalue=1",
		"POST /rw/iosystem/signals/FREE_DRIVE_STOP/set-value lvalue=0",
	})

	fake.setFailSignal("EGM_STOP")
	test.That(t, sm.StopStreaming(ctx), test.ShouldNotBeNil)
}

func TestStateMachineMoves(t *testing.T) {
	fake := newFakeController()
	sm := newTestStateMachine(t, fake, StateMachineConfig{PosCorrGain: 1, MaxSpeedDeviation: 250})
	ctx := context.Background()

	test.That(t, sm.ConfigureStreaming(ctx), test.ShouldBeNil)
	test.That(t, fake.symbol("T_ROB1/TRobEGM/pos_corr_gain"), test.ShouldEqual, "1")
	test.That(t, fake.symbol("T_ROB1/TRobEGM/max_speed_deviation"), test.ShouldEqual, "250")

	pose := spatialmath.NewPose(r3.Vector{X: 500, Y: -12.5, Z: 800}, quat.Number{Jmag: 1})
	test.That(t, sm.MoveLinear(ctx, pose), test.ShouldBeNil)
	test.That(t, fake.symbol("T_ROB1/TRobRAPID/move_target"), test.ShouldEqual,
		"[[500,-12.5,800],[0,0,1,0],[0,0,0,0],[9E9,9E9,9E9,9E9,9E9,9E9]]")
	test.That(t, fake.symbol("T_ROB1/TRobRAPID/routine_name"), test.ShouldEqual, `"moveLRapid"`)
	test.That(t, fake.signal("RUN_RAPID_ROUTINE"), test.ShouldEqual, "0")
	test.That(t, fake.isMaster(), test.ShouldBeFalse)

	log := fake.log()
	test.That(t, log[len(log)-2], test.ShouldEqual, "POST /rw/iosystem/signals/RUN_RAPID_ROUTINE/set-value lvalue=1")

	test.That(t, sm.MoveJoint(ctx, pose), test.ShouldBeNil)
	test.That(t, fake.symbol("T_ROB1/TRobRAPID/routine_name"), test.ShouldEqual, `"moveJRapid"`)

	bad := pose
	bad.Point.Z = math.NaN()
	test.That(t, sm.MoveJoint(ctx, bad), test.ShouldNotBeNil)
}

func TestStateMachineInputsAndJoints(t *testing.T) {
	fake := newFakeController()
	fake.signals["DI_1"] = "1"
	fake.signals["DI_2"] = "0"
	fake.signals["DI_3"] = "1"
	rotary := []bool{true, true, true, true, true, true, true}
	sm := newTestStateMachine(t, fake, StateMachineConfig{
		Joints:            7,
		Rotary:            rotary,
		ExternalAxis:      true,
		ExternalAxisIndex: 2,
		DigitalInputs:     []string{"DI_1", "DI_2", "DI_3"},
	})
	ctx := context.Background()

	b, err := sm.DigitalInputs(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, b, test.ShouldEqual, byte(0b101))

	positions, err := sm.JointPositions(ctx)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, len(positions), test.ShouldEqual, 7)
	test.That(t, positions[1], test.ShouldAlmostEqual, utils.DegToRad(90))
	test.That(t, positions[2], test.ShouldAlmostEqual, utils.DegToRad(-135))
	test.That(t, positions[3], test.ShouldAlmostEqual, utils.DegToRad(-45))
	test.That(t, positions[6], test.ShouldAlmostEqual, utils.DegToRad(30))

	fake.clearSignals()
	_, err = sm.DigitalInputs(ctx)
	test.That(t, err, test.ShouldNotBeNil)
}

func TestNewStateMachineValidation(t *testing.T) {
	c := newTestClient(t, newFakeController())
	logger := logging.NewTestLogger(t)
	for _, cfg := range []StateMachineConfig{
		{MechUnit: "ROB_1", Joints: 6},
		{Task: "T_ROB1", Joints: 6},
		{Task: "T_ROB1", MechUnit: "ROB_1"},
		{Task: "T_ROB1", MechUnit: "ROB_1", Joints: 6, DigitalInputs: make([]string, 9)},
		{Task: "T_ROB1", MechUnit: "ROB_1", Joints: 6, ExternalAxis: true, ExternalAxisIndex: 6},
	} {
		_, err := NewStateMachine(c, cfg, logger)
		test.That(t, err, test.ShouldNotBeNil)
	}
}
