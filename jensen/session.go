package jensen

import (
	"context"
	"io"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// ConnState is the connection bring-up state.
type ConnState int

const (
	StateIdle ConnState = iota
	StateRequesting
	StateOpening
	StateGettingInfo
	StateGettingStorage
	StateGettingSettings
	StateSyncingTime
	StateReady
	StateError
)

var connStateNames = [...]string{
	"idle", "requesting", "opening", "getting-info", "getting-storage",
	"getting-settings", "syncing-time", "ready", "error",
}

func (s ConnState) String() string {
	if s < 0 || int(s) >= len(connStateNames) {
		return "unknown"
	}
	return connStateNames[s]
}

// Operation names as seen by the lock holder probe.
const (
	opConnect  = "connect"
	opList     = "list"
	opDownload = "download"
)

// Config holds session tuning knobs.
type Config struct {
	// CommandTimeout bounds a single request/response round trip.
	CommandTimeout time.Duration

	// InitWaitTimeout bounds how long dependent operations wait for
	// connection initialization to finish before giving up.
	InitWaitTimeout time.Duration

	// AutoReconnect enables the background reconnect poller.
	AutoReconnect bool

	// ReconnectInterval is the poller period.
	ReconnectInterval time.Duration

	// ProgressInterval throttles download progress callbacks.
	ProgressInterval time.Duration
}

// DefaultConfig returns the session defaults.
func DefaultConfig() Config {
	return Config{
		CommandTimeout:    5 * time.Second,
		InitWaitTimeout:   10 * time.Second,
		AutoReconnect:     false,
		ReconnectInterval: 5 * time.Second,
		ProgressInterval:  100 * time.Millisecond,
	}
}

// Option configures a Session.
type Option func(*Session)

// WithConfig replaces the session configuration.
func WithConfig(cfg Config) Option {
	return func(s *Session) { s.cfg = cfg }
}

// WithLogger sets the session logger. The default discards everything.
func WithLogger(log zerolog.Logger) Option {
	return func(s *Session) { s.log = log }
}

// Session drives one device connection: bring-up, cached device state,
// the high-level operations, and auto-reconnect. All methods are safe
// for concurrent use; overlapping operations serialize on the internal
// operation lock rather than interleaving transport transfers.
type Session struct {
	tr   Transport
	ex   *exchanger
	lock opLock
	cfg  Config
	log  zerolog.Logger

	listeners *listenerSet
	cache     recordingCache
	abort     atomic.Bool

	mu               sync.Mutex
	state            ConnState
	connected        bool
	initialized      bool
	initDone         chan struct{}
	userDisconnected bool
	device           DeviceState

	reconnectStop chan struct{}
	reconnectOnce sync.Once
}

// NewSession creates a session over the given transport. The transport
// is not opened until Connect or TryConnect. When auto-reconnect is
// enabled the background poller starts immediately.
func NewSession(tr Transport, opts ...Option) *Session {
	s := &Session{
		tr:            tr,
		cfg:           DefaultConfig(),
		log:           zerolog.Nop(),
		state:         StateIdle,
		initDone:      make(chan struct{}),
		reconnectStop: make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.ex = newExchanger(tr, s.log)
	s.listeners = newListenerSet(s.log)
	if s.cfg.AutoReconnect {
		go s.reconnectLoop()
	}
	return s
}

// Listener registration. Each call returns an unsubscribe func.

// OnConnectionChange registers a listener for connect/disconnect.
func (s *Session) OnConnectionChange(fn func(connected bool)) func() {
	return s.listeners.onConnection(fn)
}

// OnStateChange registers a listener for bring-up state transitions.
func (s *Session) OnStateChange(fn func(state ConnState)) func() {
	return s.listeners.onState(fn)
}

// OnDeviceStateChange registers a listener for cached device state
// refreshes.
func (s *Session) OnDeviceStateChange(fn func(state DeviceState)) func() {
	return s.listeners.onDevice(fn)
}

// OnActivity registers a listener for human-readable activity entries.
func (s *Session) OnActivity(fn func(entry ActivityEntry)) func() {
	return s.listeners.onActivity(fn)
}

// State returns the current bring-up state.
func (s *Session) State() ConnState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Connected reports whether a device connection is active.
func (s *Session) Connected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.connected
}

// DeviceState returns the cached device state snapshot.
func (s *Session) DeviceState() DeviceState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.device
}

// Connect opens and initializes the device connection on behalf of the
// user. It clears any previous explicit-disconnect intent.
func (s *Session) Connect(ctx context.Context) error {
	s.mu.Lock()
	s.userDisconnected = false
	s.mu.Unlock()
	return s.connect(ctx, false)
}

// TryConnect is the silent variant used by the auto-reconnect poller:
// failures are logged, not surfaced as activity.
func (s *Session) TryConnect(ctx context.Context) error {
	return s.connect(ctx, true)
}

func (s *Session) connect(ctx context.Context, silent bool) error {
	if err := s.lock.Acquire(ctx, opConnect); err != nil {
		return err
	}
	defer s.lock.Release()

	if s.Connected() {
		return nil
	}
	s.abort.Store(false)

	s.setState(StateRequesting)
	s.setState(StateOpening)
	if err := s.tr.Open(ctx); err != nil {
		s.setState(StateError)
		if !silent {
			s.listeners.emitActivity("error", "failed to open device: "+err.Error())
		}
		return wrapError(KindTransportLost, "connect", err, "cannot open transport")
	}

	// Fresh connection: sequence counter and receive buffer restart so
	// nothing from a prior session leaks in. The recording cache is
	// kept; it revalidates against the device file count.
	s.ex.reset()
	s.mu.Lock()
	s.connected = true
	s.mu.Unlock()
	s.listeners.emitConnection(true)

	// Each post-open step is independently non-fatal: a step failure is
	// logged and bring-up continues. Only a transport-fatal fault or an
	// explicit disconnect aborts the sequence.
	type step struct {
		state ConnState
		run   func(context.Context) error
	}
	steps := []step{
		{StateGettingInfo, s.stepDeviceInfo},
		{StateGettingStorage, s.stepStorage},
		{StateGettingSettings, s.stepSettings},
		{StateSyncingTime, s.stepSyncTime},
	}
	for _, st := range steps {
		if s.abort.Load() {
			s.teardown(StateIdle)
			return newError(KindCancelled, "connect", "disconnected during initialization")
		}
		s.setState(st.state)
		if err := st.run(ctx); err != nil {
			if IsFatal(err) {
				s.lostConnection(err)
				return err
			}
			s.log.Warn().Err(err).Stringer("step", st.state).Msg("initialization step failed")
			if !silent {
				s.listeners.emitActivity("error", st.state.String()+" failed: "+err.Error())
			}
		}
	}

	s.setState(StateReady)
	s.listeners.emitDevice(s.DeviceState())
	if !silent {
		s.listeners.emitActivity("info", "device connected")
	}
	return nil
}

func (s *Session) stepDeviceInfo(ctx context.Context) error {
	f, err := s.ex.roundTrip(ctx, CmdGetDeviceInfo, nil, s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	model := "unknown"
	if mn, ok := s.tr.(ModelNamer); ok {
		model = mn.Model()
	}
	info := parseDeviceInfo(f.Body, model)
	s.mu.Lock()
	s.device.Info = info
	s.mu.Unlock()
	return nil
}

// stepStorage fetches the card report and file count. Whatever the
// outcome, attempting this step completes initialization: dependent
// operations need the expected file count, and a failed fetch simply
// leaves it at zero.
func (s *Session) stepStorage(ctx context.Context) error {
	defer s.markInitialized()

	f, err := s.ex.roundTrip(ctx, CmdGetCardInfo, nil, s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	card := parseCardInfo(f.Body)

	cf, err := s.ex.roundTrip(ctx, CmdGetFileCount, nil, s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	count := parseFileCount(cf.Body)

	s.mu.Lock()
	s.device.Card = card
	s.device.FileCount = count
	s.mu.Unlock()
	return nil
}

func (s *Session) stepSettings(ctx context.Context) error {
	f, err := s.ex.roundTrip(ctx, CmdGetSettings, nil, s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	settings := parseSettings(f.Body)
	s.mu.Lock()
	s.device.Settings = settings
	s.mu.Unlock()
	return nil
}

func (s *Session) stepSyncTime(ctx context.Context) error {
	f, err := s.ex.roundTrip(ctx, CmdSetDeviceTime, encodeDeviceTime(time.Now()), s.cfg.CommandTimeout)
	if err != nil {
		return err
	}
	if len(f.Body) > 0 && f.Body[0] != 0 {
		return newError(KindProtocol, "sync-time", "device rejected clock update (status %d)", f.Body[0])
	}
	return nil
}

func (s *Session) markInitialized() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.initialized {
		s.initialized = true
		close(s.initDone)
	}
}

// waitInitialized blocks, bounded, until connection bring-up reaches
// the point where the expected file count is known.
func (s *Session) waitInitialized(ctx context.Context) error {
	s.mu.Lock()
	done := s.initDone
	ready := s.initialized
	s.mu.Unlock()
	if ready {
		return nil
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return wrapError(KindCancelled, "init-wait", ctx.Err(), "cancelled waiting for initialization")
	case <-time.After(s.cfg.InitWaitTimeout):
		return newError(KindTimeout, "init-wait", "initialization did not complete")
	}
}

// Disconnect tears down the connection at the user's request. The abort
// flag interrupts any in-progress bring-up between steps; an in-flight
// transport read is allowed to complete or time out on its own.
func (s *Session) Disconnect() {
	s.mu.Lock()
	s.userDisconnected = true
	wasConnected := s.connected
	s.mu.Unlock()
	s.abort.Store(true)

	s.teardown(StateIdle)
	if wasConnected {
		s.listeners.emitActivity("info", "device disconnected")
	}
}

// Close stops the auto-reconnect poller and disconnects.
func (s *Session) Close() {
	s.reconnectOnce.Do(func() { close(s.reconnectStop) })
	s.Disconnect()
}

// teardown closes the transport and resets connection-scoped state.
// The recording cache deliberately survives; it is keyed on the device
// file count and revalidated on the next listing.
func (s *Session) teardown(to ConnState) {
	s.mu.Lock()
	wasConnected := s.connected
	s.connected = false
	s.initialized = false
	s.initDone = make(chan struct{})
	s.mu.Unlock()

	if err := s.tr.Close(); err != nil {
		s.log.Debug().Err(err).Msg("transport close")
	}
	s.ex.reset()
	s.setState(to)
	if wasConnected {
		s.listeners.emitConnection(false)
	}
}

func (s *Session) lostConnection(err error) {
	s.log.Error().Err(err).Msg("connection lost")
	s.listeners.emitActivity("error", "connection lost: "+err.Error())
	s.teardown(StateError)
}

func (s *Session) setState(state ConnState) {
	s.mu.Lock()
	s.state = state
	s.mu.Unlock()
	s.log.Debug().Stringer("state", state).Msg("connection state")
	s.listeners.emitState(state)
}

func (s *Session) requireConnected(op string) error {
	if !s.Connected() {
		return newError(KindNotConnected, op, "no device connection")
	}
	return nil
}

// finishOp maps an operation outcome to teardown and activity
// reporting. Transport-fatal errors drop the connection; everything
// else fails only the operation.
func (s *Session) finishOp(op string, err error) error {
	if err == nil {
		return nil
	}
	if IsFatal(err) {
		s.lostConnection(err)
	} else {
		s.listeners.emitActivity("error", op+" failed: "+err.Error())
	}
	return err
}

// GetDeviceInfo fetches and caches the device identity.
func (s *Session) GetDeviceInfo(ctx context.Context) (DeviceInfo, error) {
	if err := s.requireConnected("device-info"); err != nil {
		return DeviceInfo{}, err
	}
	if err := s.lock.Acquire(ctx, "device-info"); err != nil {
		return DeviceInfo{}, err
	}
	defer s.lock.Release()

	if err := s.finishOp("device-info", s.stepDeviceInfo(ctx)); err != nil {
		return DeviceInfo{}, err
	}
	state := s.DeviceState()
	s.listeners.emitDevice(state)
	return state.Info, nil
}

// GetCardInfo fetches the storage report. Firmware without card support
// yields a zero-filled CardInfo, not an error.
func (s *Session) GetCardInfo(ctx context.Context) (CardInfo, error) {
	if err := s.requireConnected("card-info"); err != nil {
		return CardInfo{}, err
	}
	if err := s.lock.Acquire(ctx, "card-info"); err != nil {
		return CardInfo{}, err
	}
	defer s.lock.Release()

	f, err := s.ex.roundTrip(ctx, CmdGetCardInfo, nil, s.cfg.CommandTimeout)
	if err != nil {
		if IsTimeout(err) {
			return CardInfo{}, nil
		}
		return CardInfo{}, s.finishOp("card-info", err)
	}
	card := parseCardInfo(f.Body)
	s.mu.Lock()
	s.device.Card = card
	s.mu.Unlock()
	s.listeners.emitDevice(s.DeviceState())
	return card, nil
}

// GetFileCount fetches the device's recording count.
func (s *Session) GetFileCount(ctx context.Context) (uint32, error) {
	if err := s.requireConnected("file-count"); err != nil {
		return 0, err
	}
	if err := s.lock.Acquire(ctx, "file-count"); err != nil {
		return 0, err
	}
	defer s.lock.Release()
	return s.fileCountLocked(ctx)
}

func (s *Session) fileCountLocked(ctx context.Context) (uint32, error) {
	f, err := s.ex.roundTrip(ctx, CmdGetFileCount, nil, s.cfg.CommandTimeout)
	if err != nil {
		return 0, s.finishOp("file-count", err)
	}
	count := parseFileCount(f.Body)
	s.mu.Lock()
	s.device.FileCount = count
	s.mu.Unlock()
	return count, nil
}

// GetDeviceTime reads the device clock.
func (s *Session) GetDeviceTime(ctx context.Context) (time.Time, error) {
	if err := s.requireConnected("device-time"); err != nil {
		return time.Time{}, err
	}
	if err := s.lock.Acquire(ctx, "device-time"); err != nil {
		return time.Time{}, err
	}
	defer s.lock.Release()

	f, err := s.ex.roundTrip(ctx, CmdGetDeviceTime, nil, s.cfg.CommandTimeout)
	if err != nil {
		return time.Time{}, s.finishOp("device-time", err)
	}
	return parseDeviceTime(f.Body), nil
}

// SetDeviceTime sets the device clock.
func (s *Session) SetDeviceTime(ctx context.Context, t time.Time) error {
	if err := s.requireConnected("set-time"); err != nil {
		return err
	}
	if err := s.lock.Acquire(ctx, "set-time"); err != nil {
		return err
	}
	defer s.lock.Release()

	f, err := s.ex.roundTrip(ctx, CmdSetDeviceTime, encodeDeviceTime(t), s.cfg.CommandTimeout)
	if err != nil {
		return s.finishOp("set-time", err)
	}
	if len(f.Body) > 0 && f.Body[0] != 0 {
		return s.finishOp("set-time",
			newError(KindProtocol, "set-time", "device rejected clock update (status %d)", f.Body[0]))
	}
	return nil
}

// GetSettings fetches and caches the device settings.
func (s *Session) GetSettings(ctx context.Context) (Settings, error) {
	if err := s.requireConnected("settings"); err != nil {
		return Settings{}, err
	}
	if err := s.lock.Acquire(ctx, "settings"); err != nil {
		return Settings{}, err
	}
	defer s.lock.Release()

	if err := s.finishOp("settings", s.stepSettings(ctx)); err != nil {
		return Settings{}, err
	}
	return s.DeviceState().Settings, nil
}

// ApplySettings writes settings back to the device and refreshes the
// cached copy on success.
func (s *Session) ApplySettings(ctx context.Context, settings Settings) error {
	if err := s.requireConnected("settings"); err != nil {
		return err
	}
	if err := s.lock.Acquire(ctx, "settings"); err != nil {
		return err
	}
	defer s.lock.Release()

	f, err := s.ex.roundTrip(ctx, CmdSetSettings, encodeSettings(settings), s.cfg.CommandTimeout)
	if err != nil {
		return s.finishOp("settings", err)
	}
	if len(f.Body) > 0 && f.Body[0] != 0 {
		return s.finishOp("settings",
			newError(KindProtocol, "settings", "device rejected settings (status %d)", f.Body[0]))
	}
	s.mu.Lock()
	s.device.Settings = settings
	s.mu.Unlock()
	s.listeners.emitDevice(s.DeviceState())
	return nil
}

// ListRecordings returns the device's recording metadata.
//
// When the device file count matches the cache and forceRefresh is
// false, the cached list is returned without any transport traffic.
// When a download currently holds the operation lock, a stale cached
// list (if any) is returned instead of stalling the transfer.
func (s *Session) ListRecordings(ctx context.Context, forceRefresh bool, onProgress func(parsed int)) ([]FileRecord, error) {
	if err := s.requireConnected(opList); err != nil {
		return nil, err
	}
	if err := s.waitInitialized(ctx); err != nil {
		return nil, err
	}

	if s.lock.Holder() == opDownload {
		if cached, ok := s.cache.snapshot(); ok {
			s.log.Debug().Msg("download in flight, returning cached listing")
			return cached, nil
		}
		return nil, newError(KindBusy, opList, "download in progress and no cached listing")
	}

	if err := s.lock.Acquire(ctx, opList); err != nil {
		return nil, err
	}
	defer s.lock.Release()

	count, err := s.fileCountLocked(ctx)
	if err != nil {
		return nil, err
	}
	if !forceRefresh {
		if cached, ok := s.cache.get(count); ok {
			return cached, nil
		}
	}

	records, err := s.ex.fetchFileList(ctx, int(count), onProgress)
	if err != nil {
		return nil, s.finishOp(opList, err)
	}
	s.cache.store(records, count)
	s.listeners.emitActivity("info", "listed recordings")
	return records, nil
}

// DownloadRecording streams one recording into sink. onChunk (optional)
// observes raw payload chunks as they arrive; onProgress (optional)
// receives throttled progress snapshots. The download succeeds only
// when exactly size bytes arrive; on any failure the sink contents must
// be discarded by the caller.
func (s *Session) DownloadRecording(ctx context.Context, name string, size uint32, sink io.Writer, onChunk func(chunk []byte), onProgress func(p Progress)) error {
	if err := s.requireConnected(opDownload); err != nil {
		return err
	}
	if err := s.waitInitialized(ctx); err != nil {
		return err
	}
	if err := s.lock.Acquire(ctx, opDownload); err != nil {
		return err
	}
	defer s.lock.Release()

	tracker := newProgressTracker(name, size, s.cfg.ProgressInterval, onProgress)
	err := s.ex.download(ctx, name, size, sink, onChunk, func(received, total uint32) {
		tracker.update(received)
	})
	elapsed := tracker.finish()
	if err != nil {
		return s.finishOp(opDownload, err)
	}
	s.log.Info().Str("name", name).Uint32("bytes", size).Dur("elapsed", elapsed).Msg("download complete")
	s.listeners.emitActivity("info", "downloaded "+name)
	return nil
}

// DeleteRecording removes one recording and invalidates the listing
// cache.
func (s *Session) DeleteRecording(ctx context.Context, name string) error {
	if err := s.requireConnected("delete"); err != nil {
		return err
	}
	if err := s.lock.Acquire(ctx, "delete"); err != nil {
		return err
	}
	defer s.lock.Release()

	f, err := s.ex.roundTrip(ctx, CmdDeleteFile, []byte(name), s.cfg.CommandTimeout)
	if err != nil {
		return s.finishOp("delete", err)
	}
	if len(f.Body) > 0 && f.Body[0] != 0 {
		return s.finishOp("delete",
			newError(KindProtocol, "delete", "device refused to delete %q (status %d)", name, f.Body[0]))
	}
	s.cache.invalidate()
	s.listeners.emitActivity("info", "deleted "+name)
	return nil
}

// formatCardBody is the fixed confirmation payload FORMAT_CARD expects.
var formatCardBody = []byte{0x01, 0x02, 0x03, 0x04}

// FormatStorage erases the device card and invalidates the listing
// cache.
func (s *Session) FormatStorage(ctx context.Context) error {
	if err := s.requireConnected("format"); err != nil {
		return err
	}
	if err := s.lock.Acquire(ctx, "format"); err != nil {
		return err
	}
	defer s.lock.Release()

	f, err := s.ex.roundTrip(ctx, CmdFormatCard, formatCardBody, s.cfg.CommandTimeout)
	if err != nil {
		return s.finishOp("format", err)
	}
	if len(f.Body) > 0 && f.Body[0] != 0 {
		return s.finishOp("format",
			newError(KindProtocol, "format", "device refused format (status %d)", f.Body[0]))
	}
	s.cache.invalidate()
	s.listeners.emitActivity("info", "storage formatted")
	return nil
}

// reconnectLoop silently re-establishes a dropped connection. It stays
// idle while a connection exists, while any operation holds the lock,
// or after an explicit user disconnect.
func (s *Session) reconnectLoop() {
	ticker := time.NewTicker(s.cfg.ReconnectInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.reconnectStop:
			return
		case <-ticker.C:
		}
		if s.Connected() {
			continue
		}
		s.mu.Lock()
		userDC := s.userDisconnected
		s.mu.Unlock()
		if userDC {
			continue
		}
		if s.lock.Holder() != "" {
			continue
		}
		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		if err := s.TryConnect(ctx); err != nil {
			s.log.Debug().Err(err).Msg("auto-reconnect attempt failed")
		}
		cancel()
	}
}

// recordingCache holds the last complete listing. It is valid only
// while the device-reported file count matches the count at capture; it
// survives disconnects but never a count mismatch.
type recordingCache struct {
	mu      sync.Mutex
	records []FileRecord
	count   uint32
	valid   bool
}

func (c *recordingCache) get(count uint32) ([]FileRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid || c.count != count {
		return nil, false
	}
	return append([]FileRecord(nil), c.records...), true
}

// snapshot returns the cached records regardless of count, for callers
// that prefer stale data over waiting behind an active transfer.
func (c *recordingCache) snapshot() ([]FileRecord, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.valid {
		return nil, false
	}
	return append([]FileRecord(nil), c.records...), true
}

func (c *recordingCache) store(records []FileRecord, count uint32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = append([]FileRecord(nil), records...)
	c.count = count
	c.valid = true
}

func (c *recordingCache) invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.records = nil
	c.valid = false
}
