package source

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/test/bufconn"
)

func elem(name string, keys map[string]string) *gnmi.PathElem {
	return &gnmi.PathElem{Name: name, Key: keys}
}

func doubleUpdate(v float64, elems ...*gnmi.PathElem) *gnmi.Update {
	return &gnmi.Update{
		Path: &gnmi.Path{Elem: elems},
		Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_DoubleVal{DoubleVal: v}},
	}
}

func robotState() *gnmi.Path {
	return &gnmi.Path{Elem: []*gnmi.PathElem{elem("robot", nil), elem("state", nil)}}
}

func fullNotification(ts int64) *gnmi.Notification {
	return &gnmi.Notification{
		Timestamp: ts,
		Prefix:    robotState(),
		Update: []*gnmi.Update{
			doubleUpdate(15, elem("battery-pct", nil)),
			doubleUpdate(42.5, elem("temp-c", nil)),
			doubleUpdate(0.25, elem("pose", nil), elem("x", nil)),
			doubleUpdate(3.5, elem("joints", nil), elem("joint", map[string]string{"name": "knee_l"}), elem("current", nil)),
			{
				Path: &gnmi.Path{Elem: []*gnmi.PathElem{elem("robot-id", nil)}},
				Val:  &gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: "unit_7"}},
			},
		},
	}
}

func newTestSource(t *testing.T) *GNMISource {
	t.Helper()
	src, err := NewGNMISource(GNMIOptions{Address: "bufnet", Port: 9339, RobotID: "robot_a"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	return src
}

func TestHandleNotificationMapsRobotState(t *testing.T) {
	src := newTestSource(t)

	src.handleNotification(fullNotification(1700000000 * int64(time.Second)))

	select {
	case s := <-src.Samples():
		if s.RobotID != "unit_7" {
			t.Fatalf("expected robot id unit_7, got %q", s.RobotID)
		}
		if s.Timestamp != 1700000000 {
			t.Fatalf("unexpected timestamp %v", s.Timestamp)
		}
		if s.BatteryPct != 15 || s.TempC != 42.5 {
			t.Fatalf("unexpected scalars: battery=%v temp=%v", s.BatteryPct, s.TempC)
		}
		if s.Pose["x"] != 0.25 {
			t.Fatalf("unexpected pose: %v", s.Pose)
		}
		if s.Joints["knee_l"] != 3.5 {
			t.Fatalf("unexpected joints: %v", s.Joints)
		}
		if s.Status != types.StatusLowBattery {
			t.Fatalf("expected LOW_BATTERY, got %s", s.Status)
		}
	default:
		t.Fatal("expected a sample")
	}

	if h := src.Health(); h.UpdateCount != 1 {
		t.Fatalf("expected 1 update, got %d", h.UpdateCount)
	}
}

func TestHandleNotificationWaitsForRequiredFields(t *testing.T) {
	src := newTestSource(t)

	src.handleNotification(&gnmi.Notification{
		Prefix: robotState(),
		Update: []*gnmi.Update{doubleUpdate(80, elem("battery-pct", nil))},
	})
	select {
	case s := <-src.Samples():
		t.Fatalf("unexpected sample before temperature was reported: %+v", s)
	default:
	}

	src.handleNotification(&gnmi.Notification{
		Prefix: robotState(),
		Update: []*gnmi.Update{doubleUpdate(41, elem("temp-c", nil))},
	})
	select {
	case s := <-src.Samples():
		if s.BatteryPct != 80 || s.TempC != 41 {
			t.Fatalf("expected merged state, got battery=%v temp=%v", s.BatteryPct, s.TempC)
		}
		if s.RobotID != "robot_a" {
			t.Fatalf("expected configured robot id, got %q", s.RobotID)
		}
	default:
		t.Fatal("expected a sample once state is complete")
	}
}

func TestParsePath(t *testing.T) {
	p, err := parsePath("/robot/joints/joint[name=knee_l]/current")
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if got := elemsToString(p.Elem); got != "/robot/joints/joint[name=knee_l]/current" {
		t.Fatalf("unexpected round trip: %s", got)
	}
	if _, err := parsePath("/"); err == nil {
		t.Fatal("expected error for empty path")
	}
	if _, err := parsePath("/a/b[name"); err == nil {
		t.Fatal("expected error for unterminated key")
	}
}

func TestTypedValueToFloat(t *testing.T) {
	cases := []struct {
		val  *gnmi.TypedValue
		want float64
		ok   bool
	}{
		{&gnmi.TypedValue{Value: &gnmi.TypedValue_IntVal{IntVal: -3}}, -3, true},
		{&gnmi.TypedValue{Value: &gnmi.TypedValue_UintVal{UintVal: 7}}, 7, true},
		{&gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: "1.5"}}, 1.5, true},
		{&gnmi.TypedValue{Value: &gnmi.TypedValue_StringVal{StringVal: "n/a"}}, 0, false},
		{&gnmi.TypedValue{Value: &gnmi.TypedValue_BoolVal{BoolVal: true}}, 0, false},
		{nil, 0, false},
	}
	for i, tc := range cases {
		got, ok := typedValueToFloat(tc.val)
		if ok != tc.ok || got != tc.want {
			t.Fatalf("case %d: got (%v, %v), want (%v, %v)", i, got, ok, tc.want, tc.ok)
		}
	}
}

type fakeTarget struct {
	gnmi.UnimplementedGNMIServer
	requests chan *gnmi.SubscribeRequest
	notif    *gnmi.Notification
}

func (f *fakeTarget) Subscribe(stream gnmi.GNMI_SubscribeServer) error {
	req, err := stream.Recv()
	if err != nil {
		return err
	}
	f.requests <- req

	if err := stream.Send(&gnmi.SubscribeResponse{
		Response: &gnmi.SubscribeResponse_Update{Update: f.notif},
	}); err != nil {
		return err
	}
	if err := stream.Send(&gnmi.SubscribeResponse{
		Response: &gnmi.SubscribeResponse_SyncResponse{SyncResponse: true},
	}); err != nil {
		return err
	}
	<-stream.Context().Done()
	return nil
}

func TestRunSubscribesOverGRPC(t *testing.T) {
	lis := bufconn.Listen(1 << 20)
	srv := grpc.NewServer()
	target := &fakeTarget{
		requests: make(chan *gnmi.SubscribeRequest, 1),
		notif:    fullNotification(0),
	}
	gnmi.RegisterGNMIServer(srv, target)
	go srv.Serve(lis)
	defer srv.Stop()

	src, err := NewGNMISource(GNMIOptions{
		Address:        "bufnet",
		Port:           9339,
		RobotID:        "robot_a",
		SampleInterval: 100 * time.Millisecond,
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("new source: %v", err)
	}
	src.WithDialOptions(grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	}))

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- src.Run(ctx) }()

	select {
	case req := <-target.requests:
		sub := req.GetSubscribe()
		if sub == nil || len(sub.Subscription) != 1 {
			t.Fatalf("unexpected subscribe request: %v", req)
		}
		if got := elemsToString(sub.Subscription[0].Path.Elem); got != "/robot/state" {
			t.Fatalf("unexpected subscription path %s", got)
		}
		if sub.Subscription[0].Mode != gnmi.SubscriptionMode_SAMPLE {
			t.Fatalf("expected SAMPLE mode, got %v", sub.Subscription[0].Mode)
		}
		if sub.Subscription[0].SampleInterval != uint64(100*time.Millisecond) {
			t.Fatalf("unexpected sample interval %d", sub.Subscription[0].SampleInterval)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for subscription")
	}

	select {
	case s := <-src.Samples():
		if s.Joints["knee_l"] != 3.5 {
			t.Fatalf("unexpected joints: %v", s.Joints)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for sample")
	}

	if !src.Health().Connected {
		t.Fatal("expected source to report connected")
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("source did not stop")
	}
}
