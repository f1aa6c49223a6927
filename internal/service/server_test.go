package service

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
	"go.uber.org/zap"

	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/inject"
	"github.com/FedericoTs/FeedbackforFounders-sub002/internal/relay"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		// httptest servers and pooled transports park goroutines in accept
		// and idle-connection loops past test exit.
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

// testService stands up a server whose relay pool points at a local
// stub serving proxied target copies.
func testService(t *testing.T, relayHandler http.HandlerFunc) (*Server, *httptest.Server) {
	t.Helper()

	relaySrv := httptest.NewServer(relayHandler)
	t.Cleanup(relaySrv.Close)

	pool := relay.NewPool(relay.Config{
		Endpoints: []relay.Endpoint{
			{Name: "local", Template: relaySrv.URL + "/raw?url=%s", EscapeTarget: true},
		},
	}, zap.NewNop())

	frag, err := inject.Fragment(inject.Options{HostOrigin: "https://app.example.com"})
	require.NoError(t, err)

	manager := NewManager(ManagerConfig{
		Pool:           pool,
		InjectHTML:     frag,
		HostOrigin:     "https://app.example.com",
		UserAgent:      "selection-service-test",
		PointThreshold: 20,
		Capture: func(ctx context.Context) (string, string, error) {
			return "data:image/png;base64,aGk=", "cap-hash", nil
		},
	})
	t.Cleanup(manager.Close)

	srv := NewServer(ServerConfig{Manager: manager, Pool: pool})
	httpSrv := httptest.NewServer(srv.Handler())
	t.Cleanup(httpSrv.Close)
	return srv, httpSrv
}

func relayStub(body string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/html")
		_, _ = w.Write([]byte(body))
	}
}

func createFrame(t *testing.T, base, targetURL string) string {
	t.Helper()
	payload := fmt.Sprintf(`{"url":%q}`, targetURL)
	resp, err := http.Post(base+"/frames", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var out struct {
		FrameID string `json:"frameId"`
		Mode    string `json:"mode"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.NotEmpty(t, out.FrameID)
	return out.FrameID
}

func TestHealthz(t *testing.T) {
	_, httpSrv := testService(t, relayStub("<html></html>"))

	resp, err := http.Get(httpSrv.URL + "/healthz")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestAssets(t *testing.T) {
	_, httpSrv := testService(t, relayStub("<html></html>"))

	resp, err := http.Get(httpSrv.URL + "/assets/selector.js")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Contains(t, resp.Header.Get("Content-Type"), "javascript")
	assert.NotEmpty(t, resp.Header.Get("Cache-Control"))

	cssResp, err := http.Get(httpSrv.URL + "/assets/selector.css")
	require.NoError(t, err)
	defer cssResp.Body.Close()
	assert.Contains(t, cssResp.Header.Get("Content-Type"), "text/css")
}

func TestRelaysListing(t *testing.T) {
	_, httpSrv := testService(t, relayStub("<html></html>"))

	resp, err := http.Get(httpSrv.URL + "/relays")
	require.NoError(t, err)
	defer resp.Body.Close()

	var out struct {
		Relays []struct {
			Name    string `json:"name"`
			Current bool   `json:"current"`
		} `json:"relays"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	require.Len(t, out.Relays, 1)
	assert.Equal(t, "local", out.Relays[0].Name)
	assert.True(t, out.Relays[0].Current)
}

func TestFrameLifecycleProxyMode(t *testing.T) {
	_, httpSrv := testService(t, relayStub(`<html><body><h1 id="title">Proxied</h1></body></html>`))

	// The target host is on the frame-busting deny-list, forcing proxy
	// mode without a direct probe.
	frameID := createFrame(t, httpSrv.URL, "https://mail.google.com/app")

	contentResp, err := http.Get(httpSrv.URL + "/frames/" + frameID + "/content")
	require.NoError(t, err)
	defer contentResp.Body.Close()
	require.Equal(t, http.StatusOK, contentResp.StatusCode)
	assert.Equal(t, "no-store", contentResp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(contentResp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "Proxied")
	assert.Contains(t, string(body), "tempo-selector-script")

	actResp, err := http.Post(httpSrv.URL+"/frames/"+frameID+"/activate", "application/json", nil)
	require.NoError(t, err)
	defer actResp.Body.Close()
	require.Equal(t, http.StatusOK, actResp.StatusCode)

	// No selection yet.
	locResp, err := http.Get(httpSrv.URL + "/frames/" + frameID + "/locator")
	require.NoError(t, err)
	defer locResp.Body.Close()
	assert.Equal(t, http.StatusNotFound, locResp.StatusCode)

	req, err := http.NewRequest(http.MethodDelete, httpSrv.URL+"/frames/"+frameID, nil)
	require.NoError(t, err)
	delResp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	defer delResp.Body.Close()
	assert.Equal(t, http.StatusNoContent, delResp.StatusCode)
}

func TestProxyOneShot(t *testing.T) {
	_, httpSrv := testService(t, relayStub(`<html><body><p>One shot</p></body></html>`))

	resp, err := http.Get(httpSrv.URL + "/proxy?url=" + url.QueryEscape("https://target.example.com/page"))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "no-store", resp.Header.Get("Cache-Control"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Contains(t, string(body), "One shot")
	assert.Contains(t, string(body), "tempo-selector-script")
}

func TestProxyOneShotRequiresURL(t *testing.T) {
	_, httpSrv := testService(t, relayStub("<html></html>"))

	resp, err := http.Get(httpSrv.URL + "/proxy")
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateFrameRejectsMissingURL(t *testing.T) {
	_, httpSrv := testService(t, relayStub("<html></html>"))

	resp, err := http.Post(httpSrv.URL+"/frames", "application/json", bytes.NewBufferString(`{}`))
	require.NoError(t, err)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestCreateFrameRelayFailureCarriesRetryHint(t *testing.T) {
	_, httpSrv := testService(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusBadGateway)
	})

	payload := `{"url":"https://mail.google.com/app"}`
	resp, err := http.Post(httpSrv.URL+"/frames", "application/json", bytes.NewBufferString(payload))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	var out struct {
		Error     string `json:"error"`
		RetryWith string `json:"retryWith"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&out))
	assert.NotEmpty(t, out.Error)
	assert.Equal(t, "local", out.RetryWith)
}

func TestWebsocketSelectionFlow(t *testing.T) {
	_, httpSrv := testService(t, relayStub(`<html><body><button id="cta">Go</button></body></html>`))

	frameID := createFrame(t, httpSrv.URL, "https://mail.google.com/app")

	actResp, err := http.Post(httpSrv.URL+"/frames/"+frameID+"/activate", "application/json", nil)
	require.NoError(t, err)
	actResp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?frame=" + frameID
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	// Event from a disallowed origin is rejected.
	evil := `{"origin":"https://evil.example.net","message":{"type":"tempo_element_selected","data":{"selector":"#cta","tagName":"button","rect":{"width":10,"height":10}}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(evil)))

	var out struct {
		Type    string `json:"type"`
		Error   string `json:"error"`
		Locator *struct {
			Selector    string `json:"selector"`
			ElementType string `json:"elementType"`
		} `json:"locator"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&out))
	assert.Equal(t, "error", out.Type)
	assert.Contains(t, out.Error, "origin")

	// Valid event from the host origin produces a locator event.
	valid := `{"origin":"https://app.example.com","message":{"type":"tempo_element_selected","data":{"selector":"#cta","tagName":"button","rect":{"width":80,"height":24,"top":5,"left":10}}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(valid)))

	require.NoError(t, conn.ReadJSON(&out))
	require.Equal(t, "locator", out.Type)
	require.NotNil(t, out.Locator)
	assert.Equal(t, "#cta", out.Locator.Selector)
	assert.Equal(t, "button", out.Locator.ElementType)

	// The held locator is also available over REST.
	locResp, err := http.Get(httpSrv.URL + "/frames/" + frameID + "/locator")
	require.NoError(t, err)
	defer locResp.Body.Close()
	assert.Equal(t, http.StatusOK, locResp.StatusCode)
}

func TestWebsocketSelectsSecondHeading(t *testing.T) {
	page := `<html><body><h1>Welcome</h1><h1>Pricing</h1></body></html>`
	_, httpSrv := testService(t, relayStub(page))

	frameID := createFrame(t, httpSrv.URL, "https://mail.google.com/app")

	actResp, err := http.Post(httpSrv.URL+"/frames/"+frameID+"/activate", "application/json", nil)
	require.NoError(t, err)
	actResp.Body.Close()

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?frame=" + frameID
	conn, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.NoError(t, err)
	if wsResp != nil {
		wsResp.Body.Close()
	}
	defer conn.Close()

	// Clicking the second of two sibling headings yields a positional
	// selector, not the first match.
	event := `{"origin":"https://app.example.com","message":{"type":"tempo_element_selected","data":{
		"selector":"h1:nth-of-type(2)","xpath":"/html[1]/body[1]/h1[2]","tagName":"h1",
		"rect":{"width":300,"height":40,"top":120,"left":16},"text":"Pricing"}}}`
	require.NoError(t, conn.WriteMessage(websocket.TextMessage, []byte(event)))

	var out struct {
		Type    string `json:"type"`
		Locator *struct {
			Selector    string `json:"selector"`
			XPath       string `json:"xpath"`
			ElementType string `json:"elementType"`
		} `json:"locator"`
	}
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	require.NoError(t, conn.ReadJSON(&out))
	require.Equal(t, "locator", out.Type)
	require.NotNil(t, out.Locator)
	assert.Equal(t, "h1:nth-of-type(2)", out.Locator.Selector)
	assert.Equal(t, "/html[1]/body[1]/h1[2]", out.Locator.XPath)
	assert.Equal(t, "heading", out.Locator.ElementType)
}

func postRegion(t *testing.T, base, frameID, drag string) *http.Response {
	t.Helper()
	resp, err := http.Post(base+"/frames/"+frameID+"/region", "application/json", bytes.NewBufferString(drag))
	require.NoError(t, err)
	return resp
}

func TestRegionSelectionFallback(t *testing.T) {
	_, httpSrv := testService(t, relayStub(`<html><body><canvas></canvas></body></html>`))

	frameID := createFrame(t, httpSrv.URL, "https://mail.google.com/app")

	drag := `{"beginX":10,"beginY":10,"endX":110,"endY":60,
		"displayed":{"width":500,"height":400},"natural":{"width":1000,"height":800},
		"frameOffsetX":5,"frameOffsetY":7}`

	// Selection mode off: the drag is rejected.
	resp := postRegion(t, httpSrv.URL, frameID, drag)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	resp.Body.Close()

	actResp, err := http.Post(httpSrv.URL+"/frames/"+frameID+"/activate", "application/json", nil)
	require.NoError(t, err)
	actResp.Body.Close()

	resp = postRegion(t, httpSrv.URL, frameID, drag)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var loc struct {
		ElementType string `json:"elementType"`
		Dimensions  struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
			Top    float64 `json:"top"`
			Left   float64 `json:"left"`
		} `json:"dimensions"`
		Screenshot        string `json:"screenshot"`
		VisualFingerprint *struct {
			BoundingBox struct {
				Width float64 `json:"width"`
			} `json:"boundingBox"`
			ScreenshotHash string `json:"screenshotHash"`
		} `json:"visualFingerprint"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loc))
	assert.Equal(t, "region", loc.ElementType)
	assert.Equal(t, "data:image/png;base64,aGk=", loc.Screenshot)
	// Displayed 500x400 against natural 1000x800 doubles the rect, and
	// the frame offset lands it in host coordinates.
	assert.Equal(t, 200.0, loc.Dimensions.Width)
	assert.Equal(t, 100.0, loc.Dimensions.Height)
	assert.Equal(t, 25.0, loc.Dimensions.Left)
	assert.Equal(t, 27.0, loc.Dimensions.Top)
	require.NotNil(t, loc.VisualFingerprint)
	assert.Equal(t, 200.0, loc.VisualFingerprint.BoundingBox.Width)
	assert.Equal(t, "cap-hash", loc.VisualFingerprint.ScreenshotHash)
}

func TestRegionSelectionPointThreshold(t *testing.T) {
	_, httpSrv := testService(t, relayStub(`<html><body><canvas></canvas></body></html>`))

	frameID := createFrame(t, httpSrv.URL, "https://mail.google.com/app")
	actResp, err := http.Post(httpSrv.URL+"/frames/"+frameID+"/activate", "application/json", nil)
	require.NoError(t, err)
	actResp.Body.Close()

	// A 15px drag sits under the configured 20px threshold and collapses
	// to a point at the mousedown position.
	drag := `{"beginX":50,"beginY":50,"endX":65,"endY":58,
		"displayed":{"width":500,"height":400},"natural":{"width":1000,"height":800}}`
	resp := postRegion(t, httpSrv.URL, frameID, drag)
	defer resp.Body.Close()
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	var loc struct {
		Dimensions struct {
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
			Top    float64 `json:"top"`
			Left   float64 `json:"left"`
		} `json:"dimensions"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&loc))
	assert.Zero(t, loc.Dimensions.Width)
	assert.Zero(t, loc.Dimensions.Height)
	assert.Equal(t, 100.0, loc.Dimensions.Left)
	assert.Equal(t, 100.0, loc.Dimensions.Top)
}

func TestRegionSelectionUnknownFrame(t *testing.T) {
	_, httpSrv := testService(t, relayStub("<html></html>"))

	resp := postRegion(t, httpSrv.URL, "nope", `{"beginX":0,"beginY":0,"endX":50,"endY":50,
		"displayed":{"width":100,"height":100},"natural":{"width":100,"height":100}}`)
	defer resp.Body.Close()
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestWebsocketUnknownFrame(t *testing.T) {
	_, httpSrv := testService(t, relayStub("<html></html>"))

	wsURL := "ws" + strings.TrimPrefix(httpSrv.URL, "http") + "/ws?frame=nope"
	_, wsResp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	require.Error(t, err)
	if wsResp != nil {
		defer wsResp.Body.Close()
		assert.Equal(t, http.StatusNotFound, wsResp.StatusCode)
	}
}
