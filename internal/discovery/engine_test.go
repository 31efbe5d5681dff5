package discovery

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os"
	"strings"
	"testing"
	"time"
)

func newTestEngine(t *testing.T, cfg Config) *Engine {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	return NewEngine(cfg, logger)
}

// fakeDevice is an HTTP server standing in for device firmware. The engine
// talks to it through the host:port it listens on.
type fakeDevice struct {
	srv *httptest.Server

	isUpBody  string
	config    CurrentConfig
	configure url.Values // last /configure form received
}

func newFakeDevice(t *testing.T, cc CurrentConfig) *fakeDevice {
	t.Helper()
	d := &fakeDevice{isUpBody: "yes", config: cc}
	mux := http.NewServeMux()
	mux.HandleFunc("/is-up", func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte(d.isUpBody))
	})
	mux.HandleFunc("/currentConfig", func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(d.config)
	})
	mux.HandleFunc("/configure", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		d.configure = r.PostForm
		w.WriteHeader(http.StatusOK)
	})
	d.srv = httptest.NewServer(mux)
	t.Cleanup(d.srv.Close)
	return d
}

// ip returns the host:port the fake device answers on, used as its
// discovery address.
func (d *fakeDevice) ip() string {
	return strings.TrimPrefix(d.srv.URL, "http://")
}

func intPtr(v int) *int { return &v }

func TestHandleAnnouncementRegistersVerifiedDevice(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080, DefaultMode: 4})
	dev := newFakeDevice(t, CurrentConfig{
		Alias:    "Garden Valve",
		Server:   "http://10.0.0.1:8080",
		DeviceID: "dev42",
		Mode:     intPtr(6),
	})

	e.handleAnnouncement(context.Background(), announcement{
		IP:      dev.ip(),
		Headers: map[string]string{"server": "WiFi Omni/1.0", "usn": "uuid:42"},
		At:      time.Now(),
	})

	got, ok := e.DeviceByIP(dev.ip())
	if !ok {
		t.Fatal("device not registered")
	}
	if got.Hostname != "Garden Valve" || got.DeviceID != "dev42" {
		t.Errorf("device = %+v", got)
	}
	if got.ModelName != "WiFi Omni" {
		t.Errorf("model = %q", got.ModelName)
	}
	if got.SerialNumber != "uuid:42" {
		t.Errorf("serial = %q", got.SerialNumber)
	}
	if !got.IsConfigured {
		t.Error("device pointing at our server not marked configured")
	}
}

func TestHandleAnnouncementRejectsFailedLiveness(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080})
	dev := newFakeDevice(t, CurrentConfig{})
	dev.isUpBody = "maybe"

	e.handleAnnouncement(context.Background(), announcement{IP: dev.ip(), At: time.Now()})

	if _, ok := e.DeviceByIP(dev.ip()); ok {
		t.Error("device with bad liveness answer registered")
	}
}

func TestHandleAnnouncementSkipsOwnAddress(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080})
	e.handleAnnouncement(context.Background(), announcement{IP: "10.0.0.1", At: time.Now()})
	if len(e.Devices()) != 0 {
		t.Error("own address registered as a device")
	}
}

func TestAutoConfigurePushesDesiredConfig(t *testing.T) {
	e := newTestEngine(t, Config{
		ServerIP: "10.0.0.1", ServerPort: 8080,
		AutoConfigure: true, DefaultMode: 4,
	})
	dev := newFakeDevice(t, CurrentConfig{
		StoredSSID: "home",
		Alias:      "Garden Valve",
		Server:     "http://192.168.1.5:9999", // someone else's server
	})

	e.handleAnnouncement(context.Background(), announcement{IP: dev.ip(), At: time.Now()})

	if dev.configure == nil {
		t.Fatal("no configuration pushed")
	}
	if got := dev.configure.Get("server"); got != "http://10.0.0.1:8080" {
		t.Errorf("server = %q", got)
	}
	if got := dev.configure.Get("ssid"); got != "home" {
		t.Errorf("ssid = %q (stored network must be preserved)", got)
	}
	if got := dev.configure.Get("alias"); got != "Garden Valve" {
		t.Errorf("alias = %q", got)
	}
	if got := dev.configure.Get("mode"); got != "4" {
		t.Errorf("mode = %q (device without mode gets the default)", got)
	}
	got, _ := e.DeviceByIP(dev.ip())
	if !got.IsConfigured {
		t.Error("device not marked configured after push")
	}
}

func TestConfigureByIPSkipsWhenNoChanges(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080, DefaultMode: 4})
	dev := newFakeDevice(t, CurrentConfig{
		StoredSSID: "home",
		Alias:      "Garden Valve",
		Server:     "http://10.0.0.1:8080",
		Mode:       intPtr(4),
	})
	e.handleAnnouncement(context.Background(), announcement{IP: dev.ip(), At: time.Now()})

	if !e.ConfigureByIP(context.Background(), dev.ip()) {
		t.Fatal("ConfigureByIP failed")
	}
	if dev.configure != nil {
		t.Error("configuration pushed to a device already in the desired state")
	}
}

func TestConfigureByIPUnknownDevice(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080})
	if e.ConfigureByIP(context.Background(), "192.168.1.200") {
		t.Error("ConfigureByIP succeeded for unknown IP")
	}
}

func TestIsOurServer(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080})
	tests := []struct {
		url  string
		want bool
	}{
		{"http://10.0.0.1:8080", true},
		{"http://localhost:8080", true},
		{"http://127.0.0.1:8080", true},
		{"http://10.0.0.1:9090", false},
		{"http://10.0.0.1", false}, // implicit port never matches
		{"http://192.168.1.5:8080", false},
		{"::not a url::", false},
		{"", false},
	}
	for _, tt := range tests {
		if got := e.isOurServer(tt.url); got != tt.want {
			t.Errorf("isOurServer(%q) = %v, want %v", tt.url, got, tt.want)
		}
	}
}

func TestCompare(t *testing.T) {
	base := Configuration{SSID: "home", Alias: "Valve", Server: "http://10.0.0.1:8080", Mode: 4}

	cmp := Compare(base, base)
	if cmp.HasChanges {
		t.Errorf("identical configs report changes: %+v", cmp)
	}

	changed := base
	changed.Alias = "Pump"
	changed.Mode = 6
	cmp = Compare(base, changed)
	if !cmp.HasChanges {
		t.Error("differing configs report no changes")
	}
	if cmp.Alias || cmp.Mode {
		t.Errorf("changed fields reported matching: %+v", cmp)
	}
	if !cmp.SSID || !cmp.Server {
		t.Errorf("unchanged fields reported differing: %+v", cmp)
	}
}

func TestDesiredAliasFallback(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080, DefaultMode: 0})
	want := e.desired("192.168.1.77", &CurrentConfig{})
	if want.Alias != "Device_77" {
		t.Errorf("alias = %q, want Device_77", want.Alias)
	}
	if want.Server != "http://10.0.0.1:8080" {
		t.Errorf("server = %q", want.Server)
	}
}

func TestEvictStale(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080})
	e.devices["192.168.1.50"] = &Device{IP: "192.168.1.50", LastSeen: time.Now().Add(-6 * time.Minute)}
	e.devices["192.168.1.51"] = &Device{IP: "192.168.1.51", LastSeen: time.Now()}

	e.evictStale()

	if _, ok := e.DeviceByIP("192.168.1.50"); ok {
		t.Error("stale device survived eviction")
	}
	if _, ok := e.DeviceByIP("192.168.1.51"); !ok {
		t.Error("fresh device evicted")
	}
}

func TestRegistryStats(t *testing.T) {
	e := newTestEngine(t, Config{ServerIP: "10.0.0.1", ServerPort: 8080})
	now := time.Now()
	e.devices["a"] = &Device{IP: "a", IsConfigured: true, LastSeen: now.Add(-time.Minute)}
	e.devices["b"] = &Device{IP: "b", LastSeen: now}

	st := e.RegistryStats()
	if st.TotalDevices != 2 || st.ConfiguredDevices != 1 || st.UnconfiguredDevices != 1 {
		t.Errorf("stats = %+v", st)
	}
	if !st.LastScanTime.Equal(now) {
		t.Errorf("lastScanTime = %v, want %v", st.LastScanTime, now)
	}
}
