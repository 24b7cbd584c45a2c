package source

import (
	"context"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/openconfig/gnmi/proto/gnmi"
	"github.com/optimus/telemetry/internal/types"
	"github.com/rs/zerolog"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials"
	"google.golang.org/grpc/credentials/insecure"
)

const (
	defaultDialTimeout = 10 * time.Second
	defaultBackoffMin  = 2 * time.Second
	defaultBackoffMax  = 120 * time.Second
	defaultStatePath   = "/robot/state"
)

// GNMIOptions configures a GNMISource
type GNMIOptions struct {
	Address        string
	Port           int
	Username       string
	Password       string
	RobotID        string
	Path           string
	SampleInterval time.Duration
	TLS            *TLSConfig
}

// TLSConfig holds TLS configuration
type TLSConfig struct {
	Enabled            bool
	InsecureSkipVerify bool
	ServerName         string
	CAFile             string
	CertFile           string
	KeyFile            string
}

// Backoff holds backoff configuration
type Backoff struct {
	Min time.Duration
	Max time.Duration
}

// Health tracks connection state of the gNMI target
type Health struct {
	Connected      bool      `json:"connected"`
	LastUpdate     time.Time `json:"last_update"`
	LastError      string    `json:"last_error,omitempty"`
	ReconnectCount int       `json:"reconnect_count"`
	UpdateCount    int64     `json:"update_count"`
	SyncReceived   bool      `json:"sync_received"`
	LastPath       string    `json:"last_path,omitempty"`
	ConnectedSince time.Time `json:"connected_since"`
}

// GNMISource subscribes to robot state on a gNMI target and turns each
// notification into a sample. Notifications may be partial; they are
// merged into the last known state and a sample is only emitted once
// battery and temperature have both been reported.
type GNMISource struct {
	opts        GNMIOptions
	path        *gnmi.Path
	client      gnmi.GNMI_SubscribeClient
	conn        *grpc.ClientConn
	logger      zerolog.Logger
	ctx         context.Context
	cancel      context.CancelFunc
	samples     chan types.Sample
	errors      chan error
	backoff     Backoff
	dialTimeout time.Duration
	extraDial   []grpc.DialOption
	mu          sync.RWMutex
	health      Health
	state       types.Sample
	hasBattery  bool
	hasTemp     bool
}

// NewGNMISource creates a gNMI sample source
func NewGNMISource(opts GNMIOptions, logger zerolog.Logger) (*GNMISource, error) {
	if opts.Path == "" {
		opts.Path = defaultStatePath
	}
	path, err := parsePath(opts.Path)
	if err != nil {
		return nil, fmt.Errorf("gnmi path: %w", err)
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &GNMISource{
		opts:        opts,
		path:        path,
		logger:      logger.With().Str("component", "gnmi-source").Str("address", opts.Address).Logger(),
		ctx:         ctx,
		cancel:      cancel,
		samples:     make(chan types.Sample, defaultSampleBuffer),
		errors:      make(chan error, 1),
		backoff:     Backoff{Min: defaultBackoffMin, Max: defaultBackoffMax},
		dialTimeout: defaultDialTimeout,
		state: types.Sample{
			RobotID: opts.RobotID,
			Pose:    map[string]float64{},
			Joints:  map[string]float64{},
			Status:  types.StatusOK,
		},
	}, nil
}

// WithDialOptions appends gRPC dial options, e.g. a custom dialer
func (c *GNMISource) WithDialOptions(opts ...grpc.DialOption) *GNMISource {
	c.extraDial = append(c.extraDial, opts...)
	return c
}

// Samples returns the channel samples are published on. It is never closed.
func (c *GNMISource) Samples() <-chan types.Sample {
	return c.samples
}

// Health returns the current health status
func (c *GNMISource) Health() Health {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.health
}

// Run connects and keeps the subscription alive until ctx is cancelled
func (c *GNMISource) Run(ctx context.Context) error {
	stop := context.AfterFunc(ctx, func() { c.Close() })
	defer stop()

	for {
		if err := c.Connect(); err != nil {
			if c.ctx.Err() != nil {
				return nil
			}
			return err
		}

		select {
		case <-c.ctx.Done():
			return nil
		case err := <-c.errors:
			c.logger.Warn().
				Err(err).
				Msg("Connection lost, will reconnect after cooldown")
			select {
			case <-c.ctx.Done():
				return nil
			case <-time.After(c.backoff.Min):
			}
		}
	}
}

// Connect establishes a gNMI subscription with retry logic
func (c *GNMISource) Connect() error {
	// drop any stale session before reconnecting
	c.closeExisting()

	attempt := 0
	for {
		if c.ctx.Err() != nil {
			return c.ctx.Err()
		}

		err := c.connectOnce()
		if err == nil {
			return nil
		}

		attempt++
		backoff := c.backoffDuration(attempt)
		c.mu.Lock()
		c.health.Connected = false
		c.health.LastError = err.Error()
		c.health.ReconnectCount++
		c.mu.Unlock()

		c.logger.Warn().
			Err(err).
			Dur("backoff", backoff).
			Int("attempt", attempt).
			Msg("gNMI connection failed, retrying")

		select {
		case <-time.After(backoff):
			continue
		case <-c.ctx.Done():
			return c.ctx.Err()
		}
	}
}

// closeExisting tears down any existing gRPC connection and subscription
func (c *GNMISource) closeExisting() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseSend()
		c.client = nil
	}
	if c.conn != nil {
		c.conn.Close()
		c.conn = nil
	}
}

// connectOnce attempts a single connection
func (c *GNMISource) connectOnce() error {
	addr := fmt.Sprintf("%s:%d", c.opts.Address, c.opts.Port)

	c.logger.Info().
		Str("target", addr).
		Msg("Connecting to gNMI target")

	dialCtx, dialCancel := context.WithTimeout(c.ctx, c.dialTimeout)
	defer dialCancel()

	opts, err := c.dialOptions()
	if err != nil {
		return fmt.Errorf("dial options: %w", err)
	}

	// WithBlock: the deferred dial cancel must not tear down a half-open connection.
	conn, err := grpc.DialContext(dialCtx, addr, append(opts, grpc.WithBlock())...)
	if err != nil {
		return fmt.Errorf("failed to dial gNMI server: %w", err)
	}

	subClient, err := gnmi.NewGNMIClient(conn).Subscribe(c.ctx)
	if err != nil {
		conn.Close()
		return fmt.Errorf("failed to create subscribe client: %w", err)
	}

	if err := subClient.Send(c.subscribeRequest()); err != nil {
		subClient.CloseSend()
		conn.Close()
		return fmt.Errorf("failed to start subscription: %w", err)
	}

	c.mu.Lock()
	c.conn = conn
	c.client = subClient
	c.health.Connected = true
	c.health.LastError = ""
	c.health.SyncReceived = false
	c.health.ConnectedSince = time.Now()
	c.mu.Unlock()

	go c.receiveUpdates(subClient)

	c.logger.Info().Msg("gNMI connection established")
	return nil
}

// dialOptions builds gRPC dial options
func (c *GNMISource) dialOptions() ([]grpc.DialOption, error) {
	creds, err := c.transportCredentials()
	if err != nil {
		return nil, err
	}
	opts := []grpc.DialOption{
		grpc.WithTransportCredentials(creds),
	}
	if c.opts.Username != "" || c.opts.Password != "" {
		opts = append(opts, grpc.WithPerRPCCredentials(&basicAuth{username: c.opts.Username, password: c.opts.Password}))
	}
	return append(opts, c.extraDial...), nil
}

// transportCredentials returns appropriate transport credentials
func (c *GNMISource) transportCredentials() (credentials.TransportCredentials, error) {
	if c.opts.TLS == nil || !c.opts.TLS.Enabled {
		return insecure.NewCredentials(), nil
	}

	certPool, err := loadCertPool(c.opts.TLS.CAFile)
	if err != nil {
		return nil, err
	}
	certs, err := loadClientCert(c.opts.TLS.CertFile, c.opts.TLS.KeyFile)
	if err != nil {
		return nil, err
	}
	return credentials.NewTLS(&tls.Config{
		RootCAs:            certPool,
		Certificates:       certs,
		ServerName:         c.opts.TLS.ServerName,
		InsecureSkipVerify: c.opts.TLS.InsecureSkipVerify,
	}), nil
}

// loadCertPool loads CA certificates
func loadCertPool(caFile string) (*x509.CertPool, error) {
	if caFile == "" {
		return x509.NewCertPool(), nil
	}
	data, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("read ca file: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(data) {
		return nil, fmt.Errorf("invalid ca certs")
	}
	return pool, nil
}

// loadClientCert loads client certificate and key
func loadClientCert(certFile, keyFile string) ([]tls.Certificate, error) {
	if certFile == "" && keyFile == "" {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(certFile, keyFile)
	if err != nil {
		return nil, fmt.Errorf("load client cert: %w", err)
	}
	return []tls.Certificate{cert}, nil
}

// basicAuth implements gRPC PerRPCCredentials for basic auth
type basicAuth struct {
	username string
	password string
}

func (b *basicAuth) GetRequestMetadata(ctx context.Context, _ ...string) (map[string]string, error) {
	if b.username == "" && b.password == "" {
		return nil, nil
	}
	encoded := base64.StdEncoding.EncodeToString([]byte(b.username + ":" + b.password))
	return map[string]string{
		"authorization": "Basic " + encoded,
	}, nil
}

func (b *basicAuth) RequireTransportSecurity() bool {
	return false
}

// backoffDuration calculates exponential backoff with jitter
func (c *GNMISource) backoffDuration(attempt int) time.Duration {
	if attempt <= 0 {
		return c.backoff.Min
	}
	backoff := c.backoff.Min << attempt
	if backoff > c.backoff.Max || backoff <= 0 {
		backoff = c.backoff.Max
	}
	if c.backoff.Min <= 0 {
		return backoff
	}
	return backoff + time.Duration(rand.Int63n(int64(c.backoff.Min)))
}

// subscribeRequest asks for the robot state container in SAMPLE mode
func (c *GNMISource) subscribeRequest() *gnmi.SubscribeRequest {
	return &gnmi.SubscribeRequest{
		Request: &gnmi.SubscribeRequest_Subscribe{
			Subscribe: &gnmi.SubscriptionList{
				Subscription: []*gnmi.Subscription{{
					Path:           c.path,
					Mode:           gnmi.SubscriptionMode_SAMPLE,
					SampleInterval: uint64(c.opts.SampleInterval.Nanoseconds()),
				}},
				Mode: gnmi.SubscriptionList_STREAM,
			},
		},
	}
}

// receiveUpdates reads the subscription stream until it fails
func (c *GNMISource) receiveUpdates(client gnmi.GNMI_SubscribeClient) {
	for {
		resp, err := client.Recv()
		if err != nil {
			if c.ctx.Err() == nil {
				c.emitError(fmt.Errorf("receive update: %w", err))
			}
			return
		}

		switch v := resp.Response.(type) {
		case *gnmi.SubscribeResponse_Update:
			c.handleNotification(v.Update)
		case *gnmi.SubscribeResponse_Error:
			c.emitError(fmt.Errorf("subscribe error: %s", v.Error.GetMessage()))
			return
		case *gnmi.SubscribeResponse_SyncResponse:
			c.logger.Info().Msg("gNMI subscription sync complete, stream is active")
			c.mu.Lock()
			c.health.SyncReceived = true
			c.mu.Unlock()
		}
	}
}

// handleNotification merges a notification into the robot state and
// publishes a sample once the state is complete
func (c *GNMISource) handleNotification(notif *gnmi.Notification) {
	if notif == nil {
		return
	}
	ts := time.Unix(0, notif.Timestamp)
	if notif.Timestamp == 0 {
		ts = time.Now()
	}

	c.mu.Lock()
	var lastPath string
	for _, update := range notif.Update {
		elems := joinElems(notif.Prefix, update.Path)
		lastPath = elemsToString(elems)
		if !c.apply(stripPrefix(elems, c.path.GetElem()), update.Val) {
			c.logger.Debug().
				Str("path", lastPath).
				Msg("Skipping unknown robot state path")
		}
	}
	c.health.LastUpdate = ts
	c.health.UpdateCount++
	if lastPath != "" {
		c.health.LastPath = lastPath
	}

	ready := c.hasBattery && c.hasTemp
	var sample types.Sample
	if ready {
		c.state.Timestamp = float64(ts.UnixNano()) / 1e9
		c.state.Status = types.DeriveStatus(c.state.BatteryPct, c.state.TempC, c.state.Joints)
		sample = c.state.Clone()
	}
	c.mu.Unlock()

	if !ready {
		return
	}
	select {
	case c.samples <- sample:
	default:
		c.logger.Warn().Msg("Sample channel full, dropping notification")
	}
}

// apply sets one robot state leaf. Caller must hold c.mu.
func (c *GNMISource) apply(elems []*gnmi.PathElem, val *gnmi.TypedValue) bool {
	if len(elems) == 0 {
		return false
	}
	name := elems[0].GetName()

	// status is re-derived from the merged state
	if name == "status" && len(elems) == 1 {
		return true
	}

	if name == "robot-id" && len(elems) == 1 {
		if id := typedValueToString(val); id != "" {
			c.state.RobotID = id
		}
		return true
	}

	v, ok := typedValueToFloat(val)
	if !ok {
		return false
	}

	switch {
	case name == "battery-pct" && len(elems) == 1:
		c.state.BatteryPct = v
		c.hasBattery = true
	case name == "temp-c" && len(elems) == 1:
		c.state.TempC = v
		c.hasTemp = true
	case name == "pose" && len(elems) == 2:
		c.state.Pose[elems[1].GetName()] = v
	case name == "joints" && len(elems) == 3 && elems[1].GetName() == "joint" && elems[2].GetName() == "current":
		joint := elems[1].GetKey()["name"]
		if joint == "" {
			return false
		}
		c.state.Joints[joint] = v
	default:
		return false
	}
	return true
}

// emitError sends an error to the error channel
func (c *GNMISource) emitError(err error) {
	c.mu.Lock()
	c.health.Connected = false
	c.health.LastError = err.Error()
	c.mu.Unlock()

	select {
	case c.errors <- err:
	default:
	}
}

// Close shuts the source down
func (c *GNMISource) Close() error {
	c.cancel()
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.client != nil {
		c.client.CloseSend()
		c.client = nil
	}
	if c.conn != nil {
		err := c.conn.Close()
		c.conn = nil
		return err
	}
	return nil
}

func joinElems(prefix, path *gnmi.Path) []*gnmi.PathElem {
	elems := make([]*gnmi.PathElem, 0, len(prefix.GetElem())+len(path.GetElem()))
	elems = append(elems, prefix.GetElem()...)
	return append(elems, path.GetElem()...)
}

// stripPrefix removes the subscribed path from the front of elems
func stripPrefix(elems, prefix []*gnmi.PathElem) []*gnmi.PathElem {
	if len(elems) < len(prefix) {
		return elems
	}
	for i, p := range prefix {
		if elems[i].GetName() != p.GetName() {
			return elems
		}
	}
	return elems[len(prefix):]
}

// parsePath parses a string path into a gNMI Path
func parsePath(path string) (*gnmi.Path, error) {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil, fmt.Errorf("path is empty")
	}
	parts := strings.Split(trimmed, "/")
	elems := make([]*gnmi.PathElem, 0, len(parts))
	for _, part := range parts {
		name, keys, err := parsePathElem(part)
		if err != nil {
			return nil, err
		}
		elems = append(elems, &gnmi.PathElem{Name: name, Key: keys})
	}
	return &gnmi.Path{Elem: elems}, nil
}

// parsePathElem parses a path element with optional keys
func parsePathElem(segment string) (string, map[string]string, error) {
	segment = strings.TrimSpace(segment)
	if segment == "" {
		return "", nil, fmt.Errorf("path segment empty")
	}
	name := segment
	keys := map[string]string{}
	for {
		open := strings.Index(name, "[")
		if open == -1 {
			break
		}
		end := strings.Index(name[open:], "]")
		if end == -1 {
			return "", nil, fmt.Errorf("invalid key selector in %s", segment)
		}
		end += open
		selector := name[open+1 : end]
		name = name[:open] + name[end+1:]
		kv := strings.SplitN(selector, "=", 2)
		if len(kv) != 2 {
			return "", nil, fmt.Errorf("invalid key selector %s", selector)
		}
		keys[kv[0]] = kv[1]
	}
	if len(keys) == 0 {
		keys = nil
	}
	return name, keys, nil
}

// elemsToString renders path elements as /a/b[k=v]
func elemsToString(elems []*gnmi.PathElem) string {
	var b strings.Builder
	for _, elem := range elems {
		b.WriteString("/")
		b.WriteString(elem.GetName())
		if len(elem.GetKey()) > 0 {
			keys := make([]string, 0, len(elem.Key))
			for k := range elem.Key {
				keys = append(keys, k)
			}
			sort.Strings(keys)
			for _, k := range keys {
				b.WriteString("[" + k + "=" + elem.Key[k] + "]")
			}
		}
	}
	return b.String()
}

// typedValueToFloat extracts a numeric value from a gNMI TypedValue
func typedValueToFloat(value *gnmi.TypedValue) (float64, bool) {
	if value == nil {
		return 0, false
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_DoubleVal:
		return v.DoubleVal, true
	case *gnmi.TypedValue_FloatVal:
		return float64(v.FloatVal), true
	case *gnmi.TypedValue_IntVal:
		return float64(v.IntVal), true
	case *gnmi.TypedValue_UintVal:
		return float64(v.UintVal), true
	case *gnmi.TypedValue_StringVal:
		f, err := strconv.ParseFloat(v.StringVal, 64)
		return f, err == nil
	default:
		return 0, false
	}
}

// typedValueToString extracts string value from gNMI TypedValue
func typedValueToString(value *gnmi.TypedValue) string {
	if value == nil {
		return ""
	}
	switch v := value.Value.(type) {
	case *gnmi.TypedValue_StringVal:
		return v.StringVal
	case *gnmi.TypedValue_AsciiVal:
		return v.AsciiVal
	case *gnmi.TypedValue_BytesVal:
		return string(v.BytesVal)
	default:
		return ""
	}
}
