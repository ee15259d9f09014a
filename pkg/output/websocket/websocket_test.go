package websocket

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/fxamacker/cbor/v2"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/ericogr/kinect-to-mqtt/pkg/sensor"
)

func dial(t *testing.T, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	return conn
}

func TestServerBroadcastAndCommand(t *testing.T) {
	target := &sensor.InPort[int]{}
	srv := newServer(target, sensor.DefaultProfile, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	conn := dial(t, ts)
	defer conn.Close()
	_ = conn.SetReadDeadline(time.Now().Add(5 * time.Second))

	var hello struct {
		Type    string         `json:"type"`
		Profile sensor.Profile `json:"profile"`
	}
	require.NoError(t, conn.ReadJSON(&hello))
	assert.Equal(t, "profile", hello.Type)
	assert.Equal(t, "Kinect", hello.Profile.TypeName)
	assert.Equal(t, 1, srv.clientCount())

	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(`{"type":"target_elevation","angle":-12}`)))
	require.Eventually(t, target.IsNew, 2*time.Second, 10*time.Millisecond)
	assert.Equal(t, -12, target.Read())

	sample := sensor.Sample{
		Port:      sensor.PortCurrentElevation,
		Time:      time.Date(2025, 1, 2, 3, 4, 5, 0, time.UTC),
		Elevation: &sensor.Elevation{Degrees: -12},
	}
	require.NoError(t, srv.Publish([]sensor.Sample{sample}))

	mt, payload, err := conn.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	var got sensor.Sample
	require.NoError(t, cbor.Unmarshal(payload, &got))
	assert.Equal(t, sensor.PortCurrentElevation, got.Port)
	require.NotNil(t, got.Elevation)
	assert.Equal(t, -12, got.Elevation.Degrees)
}

func TestServerIgnoresUnknownRequests(t *testing.T) {
	target := &sensor.InPort[int]{}
	srv := newServer(target, sensor.DefaultProfile, zaptest.NewLogger(t).Sugar())

	srv.handleRequest([]byte(`not json`))
	srv.handleRequest([]byte(`{"type":"speed","angle":3}`))
	srv.handleRequest([]byte(`{"type":"target_elevation"}`))
	assert.False(t, target.IsNew())

	srv.handleRequest([]byte(`{"type":"target_elevation","angle":5}`))
	assert.True(t, target.IsNew())
}

func TestServerHealthAndStatus(t *testing.T) {
	srv := newServer(&sensor.InPort[int]{}, sensor.DefaultProfile, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/healthz")
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	require.NoError(t, srv.Publish([]sensor.Sample{{Port: sensor.PortSkeleton, Skeleton: &sensor.SkeletonFrame{}}}))

	resp, err = http.Get(ts.URL + "/status")
	require.NoError(t, err)
	defer resp.Body.Close()
	var status struct {
		Clients   int            `json:"ws_clients"`
		Published uint64         `json:"published"`
		Profile   sensor.Profile `json:"profile"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&status))
	assert.Equal(t, 0, status.Clients)
	assert.Equal(t, uint64(1), status.Published)
	assert.Equal(t, "PERIODIC", status.Profile.ActivityType)
}

func TestPublishDoesNotWaitForStalledClient(t *testing.T) {
	srv := newServer(&sensor.InPort[int]{}, sensor.DefaultProfile, zaptest.NewLogger(t).Sugar())
	ts := httptest.NewServer(srv.Handler())
	defer ts.Close()
	defer srv.Close()

	// connected but never reads
	stalled := dial(t, ts)
	defer stalled.Close()

	viewer := dial(t, ts)
	defer viewer.Close()
	require.Eventually(t, func() bool { return srv.clientCount() == 2 }, 2*time.Second, 10*time.Millisecond)

	img := &sensor.CameraImage{Width: 640, Height: 480, Format: sensor.FormatRGB, Data: make([]byte, 640*480*3)}
	sample := sensor.Sample{Port: sensor.PortImage, Time: time.Now(), Image: img}

	period := time.Second / 30
	var worst time.Duration
	for i := 0; i < 40; i++ {
		start := time.Now()
		require.NoError(t, srv.Publish([]sensor.Sample{sample}))
		if d := time.Since(start); d > worst {
			worst = d
		}
	}
	assert.Less(t, worst, 3*period)
	assert.Greater(t, srv.dropped.Load(), uint64(0))

	_ = viewer.SetReadDeadline(time.Now().Add(5 * time.Second))
	mt, _, err := viewer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.TextMessage, mt)
	mt, payload, err := viewer.ReadMessage()
	require.NoError(t, err)
	assert.Equal(t, websocket.BinaryMessage, mt)
	var got sensor.Sample
	require.NoError(t, cbor.Unmarshal(payload, &got))
	require.NotNil(t, got.Image)
	assert.Equal(t, 640, got.Image.Width)
}
