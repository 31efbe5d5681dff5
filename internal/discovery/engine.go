// Package discovery locates unconfigured devices on the local network via
// an SSDP-style UDP search, verifies them over HTTP and drives their
// configuration toward the desired state. It is a bounded context of its
// own: discovered devices never enter the main state store; a correctly
// configured device registers itself through the regular device API.
package discovery

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"
)

const (
	defaultScanInterval = 30 * time.Second
	staleAfter          = 5 * time.Minute

	isUpTimeout        = 2 * time.Second
	configFetchTimeout = 3 * time.Second
)

// Config controls the discovery engine.
type Config struct {
	Enabled       bool
	ScanInterval  time.Duration
	AutoConfigure bool
	ServerIP      string // our own address, advertised to devices
	ServerPort    int
	DefaultMode   int
	ConfigTimeout time.Duration // timeout for the configuration push
}

// Device is a device observed on the network, keyed by IP. The key is
// volatile: a device that changes address is simply re-discovered under
// the new one and the old entry ages out.
type Device struct {
	IP           string            `json:"ip"`
	Hostname     string            `json:"hostname"`
	DeviceID     string            `json:"deviceId,omitempty"`
	SerialNumber string            `json:"serialNumber,omitempty"`
	ModelName    string            `json:"modelName"`
	IsConfigured bool              `json:"isConfigured"`
	LastSeen     time.Time         `json:"lastSeen"`
	SSDPInfo     map[string]string `json:"ssdpInfo,omitempty"`
}

// CurrentConfig is the JSON a device returns from /currentConfig.
type CurrentConfig struct {
	Networks   []WiFiNetwork `json:"networks"`
	StoredSSID string        `json:"storedSsid"`
	Alias      string        `json:"alias"`
	Server     string        `json:"server"`
	Mode       *int          `json:"mode"`
	DeviceID   string        `json:"deviceId"`
}

// WiFiNetwork is one network a device sees during its scan.
type WiFiNetwork struct {
	SSID       string `json:"ssid"`
	Encryption string `json:"encryption"`
	RSSI       int    `json:"rssi"`
}

// Configuration is the form pushed to a device's /configure endpoint.
// The password travels as plain form data over local HTTP; that matches
// the firmware's configuration protocol and is a known limitation.
type Configuration struct {
	SSID     string
	Password string
	Alias    string
	Server   string
	Mode     int
}

// Comparison is the field-by-field result of comparing two configurations.
type Comparison struct {
	SSID   bool `json:"ssid"`
	Alias  bool `json:"alias"`
	Server bool `json:"server"`
	Mode   bool `json:"mode"`

	HasChanges bool `json:"hasChanges"`
}

// Compare reports which fields differ between a device's current and the
// desired configuration. Each flag is true when the field matches.
func Compare(current, desired Configuration) Comparison {
	cmp := Comparison{
		SSID:   current.SSID == desired.SSID,
		Alias:  current.Alias == desired.Alias,
		Server: current.Server == desired.Server,
		Mode:   current.Mode == desired.Mode,
	}
	cmp.HasChanges = !cmp.SSID || !cmp.Alias || !cmp.Server || !cmp.Mode
	return cmp
}

// Stats aggregates the registry for the discovery API.
type Stats struct {
	TotalDevices        int       `json:"totalDevices"`
	ConfiguredDevices   int       `json:"configuredDevices"`
	UnconfiguredDevices int       `json:"unconfiguredDevices"`
	LastScanTime        time.Time `json:"lastScanTime"`
}

// Engine runs the periodic search and owns the discovered-device registry.
type Engine struct {
	cfg    Config
	logger *slog.Logger

	mu      sync.Mutex
	devices map[string]*Device

	ssdp   *ssdpClient
	scanCh chan struct{}
	client *http.Client
}

// NewEngine creates a discovery engine.
func NewEngine(cfg Config, logger *slog.Logger) *Engine {
	if cfg.ScanInterval <= 0 {
		cfg.ScanInterval = defaultScanInterval
	}
	if cfg.ConfigTimeout <= 0 {
		cfg.ConfigTimeout = 5 * time.Second
	}
	return &Engine{
		cfg:     cfg,
		logger:  logger.With("component", "discovery"),
		devices: make(map[string]*Device),
		scanCh:  make(chan struct{}, 1),
		client:  &http.Client{},
	}
}

// Run opens the SSDP socket and sweeps until ctx is cancelled. Each sweep
// sends the search probes and evicts stale registry entries. Returns
// immediately when discovery is disabled.
func (e *Engine) Run(ctx context.Context) error {
	if !e.cfg.Enabled {
		e.logger.Info("network discovery disabled")
		return nil
	}

	ssdp, err := newSSDPClient(func(a announcement) { e.handleAnnouncement(ctx, a) }, e.logger)
	if err != nil {
		return fmt.Errorf("start ssdp client: %w", err)
	}
	e.ssdp = ssdp
	defer ssdp.close()

	e.logger.Info("network discovery started",
		"server", fmt.Sprintf("%s:%d", e.cfg.ServerIP, e.cfg.ServerPort),
		"interval", e.cfg.ScanInterval, "auto_configure", e.cfg.AutoConfigure)

	e.scan()
	for {
		timer := time.NewTimer(e.cfg.ScanInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			e.logger.Info("network discovery stopped")
			return nil
		case <-e.scanCh:
			timer.Stop()
		case <-timer.C:
		}
		e.scan()
		e.evictStale()
	}
}

// ForceScan requests an immediate search cycle.
func (e *Engine) ForceScan() {
	select {
	case e.scanCh <- struct{}{}:
	default:
	}
}

func (e *Engine) scan() {
	if e.ssdp == nil {
		return
	}
	e.logger.Debug("searching for devices")
	if err := e.ssdp.search(); err != nil {
		e.logger.Error("ssdp search", "err", err)
	}
}

// handleAnnouncement verifies a vendor-matched candidate and upserts the
// registry. Any failure aborts this candidate only.
func (e *Engine) handleAnnouncement(ctx context.Context, a announcement) {
	if a.IP == e.cfg.ServerIP {
		return
	}

	cc, err := e.verify(ctx, a.IP)
	if err != nil {
		e.logger.Debug("candidate rejected", "ip", a.IP, "err", err)
		return
	}

	hostname := cc.Alias
	if hostname == "" {
		hostname = "Unknown Device"
	}
	dev := &Device{
		IP:           a.IP,
		Hostname:     hostname,
		DeviceID:     cc.DeviceID,
		SerialNumber: a.Headers["usn"],
		ModelName:    "WiFi Omni",
		IsConfigured: cc.Server != "" && e.isOurServer(cc.Server),
		LastSeen:     a.At,
		SSDPInfo:     a.Headers,
	}

	e.mu.Lock()
	e.devices[a.IP] = dev
	e.mu.Unlock()

	e.logger.Info("found device", "ip", a.IP, "hostname", dev.Hostname, "configured", dev.IsConfigured)

	if e.cfg.AutoConfigure && !dev.IsConfigured {
		e.reconcile(ctx, a.IP, cc)
	}
}

// verify performs the application-level identity check: the liveness probe
// must answer exactly "yes", then the current configuration is fetched.
func (e *Engine) verify(ctx context.Context, ip string) (*CurrentConfig, error) {
	body, err := e.get(ctx, "http://"+ip+"/is-up", isUpTimeout)
	if err != nil {
		return nil, fmt.Errorf("liveness probe: %w", err)
	}
	if strings.TrimSpace(string(body)) != "yes" {
		return nil, fmt.Errorf("liveness probe: unexpected body %q", string(body))
	}

	data, err := e.get(ctx, "http://"+ip+"/currentConfig", configFetchTimeout)
	if err != nil {
		return nil, fmt.Errorf("fetch config: %w", err)
	}
	var cc CurrentConfig
	if err := json.Unmarshal(data, &cc); err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	return &cc, nil
}

func (e *Engine) get(ctx context.Context, rawurl string, timeout time.Duration) ([]byte, error) {
	reqCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, rawurl, nil)
	if err != nil {
		return nil, err
	}
	resp, err := e.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return io.ReadAll(io.LimitReader(resp.Body, 64<<10))
}

// isOurServer reports whether a device's stored server URL resolves to
// this server. Loopback names count as ours; the port must match exactly.
func (e *Engine) isOurServer(serverURL string) bool {
	u, err := url.Parse(serverURL)
	if err != nil {
		return false
	}
	host := u.Hostname()
	if host != e.cfg.ServerIP && host != "localhost" && host != "127.0.0.1" {
		return false
	}
	return u.Port() == strconv.Itoa(e.cfg.ServerPort)
}

// desired computes the configuration this server wants on a device,
// keeping the device's stored network and mode where present.
func (e *Engine) desired(ip string, cc *CurrentConfig) Configuration {
	alias := cc.Alias
	if alias == "" {
		if idx := strings.LastIndex(ip, "."); idx >= 0 {
			alias = "Device_" + ip[idx+1:]
		} else {
			alias = "Device_" + ip
		}
	}
	mode := e.cfg.DefaultMode
	if cc.Mode != nil {
		mode = *cc.Mode
	}
	return Configuration{
		SSID:     cc.StoredSSID,
		Password: "", // keep the device's stored password
		Alias:    alias,
		Server:   fmt.Sprintf("http://%s:%d", e.cfg.ServerIP, e.cfg.ServerPort),
		Mode:     mode,
	}
}

// reconcile compares the device's current configuration against the
// desired one and pushes it when any field differs. A device already in
// the desired state is marked configured without a network call.
func (e *Engine) reconcile(ctx context.Context, ip string, cc *CurrentConfig) bool {
	current := Configuration{
		SSID:   cc.StoredSSID,
		Alias:  cc.Alias,
		Server: cc.Server,
	}
	if cc.Mode != nil {
		current.Mode = *cc.Mode
	}
	want := e.desired(ip, cc)

	cmp := Compare(current, want)
	if !cmp.HasChanges {
		e.logger.Debug("device already configured", "ip", ip)
		e.markConfigured(ip)
		return true
	}

	if err := e.pushConfig(ctx, ip, want); err != nil {
		e.logger.Error("configure device", "ip", ip, "err", err)
		return false
	}
	e.logger.Info("configured device", "ip", ip, "server", want.Server)
	e.markConfigured(ip)
	return true
}

// pushConfig posts the full desired configuration as form data.
func (e *Engine) pushConfig(ctx context.Context, ip string, cfg Configuration) error {
	form := url.Values{
		"ssid":     {cfg.SSID},
		"password": {cfg.Password},
		"alias":    {cfg.Alias},
		"server":   {cfg.Server},
		"mode":     {strconv.Itoa(cfg.Mode)},
	}

	reqCtx, cancel := context.WithTimeout(ctx, e.cfg.ConfigTimeout)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodPost,
		"http://"+ip+"/configure", strings.NewReader(form.Encode()))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := e.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return fmt.Errorf("HTTP %d", resp.StatusCode)
	}
	return nil
}

func (e *Engine) markConfigured(ip string) {
	e.mu.Lock()
	if dev, ok := e.devices[ip]; ok {
		dev.IsConfigured = true
	}
	e.mu.Unlock()
}

// ConfigureByIP re-fetches a known device's configuration and reconciles
// it synchronously. Returns the resulting configured flag; false when the
// IP is unknown or the device cannot be reached.
func (e *Engine) ConfigureByIP(ctx context.Context, ip string) bool {
	e.mu.Lock()
	_, known := e.devices[ip]
	e.mu.Unlock()
	if !known {
		e.logger.Warn("configure requested for unknown device", "ip", ip)
		return false
	}

	data, err := e.get(ctx, "http://"+ip+"/currentConfig", configFetchTimeout)
	if err != nil {
		e.logger.Error("fetch config", "ip", ip, "err", err)
		return false
	}
	var cc CurrentConfig
	if err := json.Unmarshal(data, &cc); err != nil {
		e.logger.Error("parse config", "ip", ip, "err", err)
		return false
	}
	return e.reconcile(ctx, ip, &cc)
}

// evictStale drops devices not re-observed within the staleness window.
func (e *Engine) evictStale() {
	cutoff := time.Now().Add(-staleAfter)
	e.mu.Lock()
	for ip, dev := range e.devices {
		if dev.LastSeen.Before(cutoff) {
			delete(e.devices, ip)
			e.logger.Info("removed stale device", "ip", ip)
		}
	}
	e.mu.Unlock()
}

// Devices returns a copy of the registry.
func (e *Engine) Devices() []Device {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]Device, 0, len(e.devices))
	for _, dev := range e.devices {
		out = append(out, *dev)
	}
	return out
}

// DeviceByIP returns one discovered device.
func (e *Engine) DeviceByIP(ip string) (Device, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	dev, ok := e.devices[ip]
	if !ok {
		return Device{}, false
	}
	return *dev, true
}

// RegistryStats aggregates the registry.
func (e *Engine) RegistryStats() Stats {
	e.mu.Lock()
	defer e.mu.Unlock()
	st := Stats{TotalDevices: len(e.devices)}
	for _, dev := range e.devices {
		if dev.IsConfigured {
			st.ConfiguredDevices++
		} else {
			st.UnconfiguredDevices++
		}
		if dev.LastSeen.After(st.LastScanTime) {
			st.LastScanTime = dev.LastSeen
		}
	}
	return st
}
