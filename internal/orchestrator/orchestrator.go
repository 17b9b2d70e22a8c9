// Package orchestrator is the composition root: it owns the discovery
// poller, every per-device-kind serial supervisor, the keyboard and imager
// services, the FS watchdog, the host-power policy gate, the connectivity
// journal, and the state fabric, wiring them together the way boxer.go
// wires a sandbox's collaborators. It implements control.Backend so
// internal/control can drive it over the daemon's Unix socket.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/astigmatism/benchd/internal/config"
	"github.com/astigmatism/benchd/internal/discovery"
	"github.com/astigmatism/benchd/internal/events"
	"github.com/astigmatism/benchd/internal/imager"
	"github.com/astigmatism/benchd/internal/keyboard"
	"github.com/astigmatism/benchd/internal/opqueue"
	"github.com/astigmatism/benchd/internal/policygate"
	"github.com/astigmatism/benchd/internal/serialport"
	"github.com/astigmatism/benchd/internal/statefabric"
	"github.com/astigmatism/benchd/internal/statelog"
	"github.com/astigmatism/benchd/internal/supervisor"
	"github.com/astigmatism/benchd/internal/tracing"
	"github.com/astigmatism/benchd/internal/watchdog"
)

// Well-known device kinds this orchestrator attaches special behavior to.
// Any other kind configured in SERIAL_REQUIRED_DEVICES_JSON still gets a
// generic supervisor (connectivity tracked, journaled, exposed over
// /devices) but no service attaches to it.
const (
	kindKeyboard    = "keyboard"
	kindCFReader    = "cf_reader"
	kindPowerSensor = "power_sensor"

	frontPanelSlice = "frontPanel"
	devicesSlice    = "devices"
)

// deviceRecord mirrors spec.md's runtime device record shape.
type deviceRecord struct {
	ID         string `json:"id"`
	Kind       string `json:"kind"`
	Path       string `json:"path"`
	VID        string `json:"vid"`
	PID        string `json:"pid"`
	Status     string `json:"status"`
	LastSeenMs int64  `json:"last_seen_ms"`
}

// deviceRuntime groups one kind's live collaborators.
type deviceRuntime struct {
	spec       config.DeviceSpec
	supervisor *supervisor.Supervisor
	queue      *opqueue.Queue
}

// Orchestrator wires every component together and exposes the control.Backend
// surface the daemon's HTTP layer is driven through.
type Orchestrator struct {
	cfg     config.Config
	appDir  string
	fabric  *statefabric.Fabric
	sink    events.Sink
	log     *statelog.Log
	tracing tracing.Shutdown

	runtimes map[string]*deviceRuntime // keyed by device kind

	keyboardSvc *keyboard.Service
	imagerSvc   *imager.Service
	imagerQueue *opqueue.Queue
	wdog        *watchdog.Watchdog
	gate        *policygate.Gate

	mu       sync.Mutex
	records  map[string]deviceRecord // keyed by device id
	poller   *discovery.Poller
	stopOnce sync.Once
}

// Deps carries the already-constructed cross-cutting collaborators an
// Orchestrator needs but does not own the lifecycle of.
type Deps struct {
	Config       config.Config
	AppBaseDir   string
	Fabric       *statefabric.Fabric
	Log          *statelog.Log
	TracingStop  tracing.Shutdown
	Enumerator   discovery.Enumerator
	SerialOpen   func(serialport.Config) (serialport.Port, error) // nil uses serialport.Open
	MediaProbe   imager.MediaProbe                                // nil uses the platform default
	BaseSink     events.Sink                                       // nil uses events.NopSink
}

// New assembles an Orchestrator from cfg and deps. It does not start the
// discovery poller or watchdog; call Start for that.
func New(deps Deps) (*Orchestrator, error) {
	if deps.Fabric == nil {
		deps.Fabric = statefabric.New()
	}
	baseSink := deps.BaseSink
	if baseSink == nil {
		baseSink = events.NopSink{}
	}

	o := &Orchestrator{
		cfg:      deps.Config,
		appDir:   deps.AppBaseDir,
		fabric:   deps.Fabric,
		log:      deps.Log,
		tracing:  deps.TracingStop,
		runtimes: make(map[string]*deviceRuntime),
		records:  make(map[string]deviceRecord),
	}

	sink := events.MultiSink{Sinks: []events.Sink{
		baseSink,
		events.SlogSink{},
		sinkFunc(o.observe),
	}}
	o.sink = sink

	for _, spec := range deps.Config.Discovery.RequiredDevices {
		o.runtimes[spec.Kind] = o.newDeviceRuntime(spec, sink, deps.SerialOpen)
	}

	if rt, ok := o.runtimes[kindKeyboard]; ok {
		o.keyboardSvc = keyboard.New(rt.supervisor, rt.queue, sink)
	}

	if rt, ok := o.runtimes[kindCFReader]; ok {
		probe := deps.MediaProbe
		if probe == nil {
			probe = imager.DefaultProbe()
		}
		imagerCfg := imager.Config{
			Root:            deps.Config.Imager.Root,
			MaxEntries:      deps.Config.Imager.MaxEntries,
			VisibleExts:     deps.Config.Imager.VisibleExtensions,
			ReadScriptPath:  deps.Config.Imager.ReadScript,
			WriteScriptPath: deps.Config.Imager.WriteScript,
			Probe:           probe,
			Sink:            sink,
		}
		o.imagerSvc = imager.New(imagerCfg)
		o.imagerQueue = rt.queue
		o.wdog = watchdog.New(deps.Config.Imager.Root, watchdog.Config{
			DeviceID:     rt.spec.Kind,
			Lister:       o.imagerSvc.FS(),
			PollInterval: time.Duration(deps.Config.Imager.FSPollMS) * time.Millisecond,
			Sink:         sink,
		})
	}

	if rt, ok := o.runtimes[kindPowerSensor]; ok {
		rt.supervisor.SetLineHandler(o.onPowerSensorLine)
	}

	if o.keyboardSvc != nil {
		o.gate = policygate.New(o.fabric, frontPanelSlice, policygate.FrontPanelPower, policygate.KeyboardTarget{Service: o.keyboardSvc})
	}

	enum := deps.Enumerator
	if enum == nil {
		enum = discovery.DefaultEnumerator()
	}
	o.poller = discovery.New(enum, deps.Config.Discovery.RequiredDevices,
		time.Duration(deps.Config.Discovery.RescanMS)*time.Millisecond, sink,
		discovery.Handlers{OnPresent: o.onPresent, OnLost: o.onLost})

	return o, nil
}

func (o *Orchestrator) newDeviceRuntime(spec config.DeviceSpec, sink events.Sink, open func(serialport.Config) (serialport.Port, error)) *deviceRuntime {
	baud := spec.Baud
	if baud == 0 {
		baud = o.cfg.Discovery.DefaultBaud
	}

	supCfg := supervisor.Config{
		DeviceID:           spec.Kind,
		Baud:               baud,
		IdentifyRequired:   spec.IdentifyRequired,
		IdentifyRequest:    o.cfg.Discovery.IdentifyRequest,
		IdentifyCompletion: o.cfg.Discovery.IdentifyCompletion,
		ExpectedIDToken:    spec.IDToken,
		IdentifyTimeout:    time.Duration(o.cfg.Discovery.TimeoutMS) * time.Millisecond,
		IdentifyRetries:    o.cfg.Discovery.Retries,
		WriteEOL:           o.cfg.Discovery.WriteEOL,
		ReconnectEnabled:   true,
		Sink:               sink,
		Open:               open,
	}

	switch spec.Kind {
	case kindKeyboard:
		supCfg.Baud = o.cfg.Keyboard.Baud
		supCfg.ExpectedIDToken = o.cfg.Keyboard.IDToken
		supCfg.BaseDelay = time.Duration(o.cfg.Keyboard.ReconnectBaseMS) * time.Millisecond
		supCfg.MaxDelay = time.Duration(o.cfg.Keyboard.ReconnectMaxMS) * time.Millisecond
		supCfg.MaxAttempts = o.cfg.Keyboard.ReconnectMaxAttempt
	}

	sup := supervisor.New(supCfg)

	queueCfg := opqueue.Config{DeviceID: spec.Kind, Sink: sink}
	if spec.Kind == kindKeyboard {
		queueCfg.DepthBound = o.cfg.Keyboard.QueueMaxDepth
		queueCfg.InterCommandDelay = time.Duration(o.cfg.Keyboard.InterCommandDelayMS) * time.Millisecond
	}
	queue := opqueue.New(queueCfg)

	return &deviceRuntime{spec: spec, supervisor: sup, queue: queue}
}

// Start launches the discovery poller and FS watchdog.
func (o *Orchestrator) Start(ctx context.Context) {
	o.poller.Start(ctx)
	if o.wdog != nil {
		o.wdog.Start(ctx)
	}
	if o.gate != nil {
		o.gate.Start()
	}
}

// Stop tears down every running collaborator. Safe to call multiple times.
func (o *Orchestrator) Stop() {
	o.stopOnce.Do(func() {
		o.poller.Stop()
		if o.wdog != nil {
			o.wdog.Stop()
		}

		var g errgroup.Group
		for _, rt := range o.runtimes {
			rt := rt
			g.Go(func() error {
				rt.supervisor.Stop()
				rt.queue.Close("daemon-shutdown")
				return nil
			})
		}
		g.Wait()

		if o.log != nil {
			o.log.Close()
		}
		if o.tracing != nil {
			o.tracing(context.Background())
		}
	})
}

func (o *Orchestrator) onPresent(info discovery.Info) {
	ctx := context.Background()
	o.recordDevice(ctx, info, "identifying")

	rt, ok := o.runtimes[info.Kind]
	if !ok {
		return
	}
	go func() {
		spanCtx, span := tracing.StartSupervisorSpan(ctx, info.ID, info.Kind, "connect")
		defer span.End()
		if err := rt.supervisor.Connect(spanCtx, info.Path); err != nil {
			slog.WarnContext(spanCtx, "orchestrator.onPresent", "deviceID", info.ID, "err", err)
			o.recordStatus(info.ID, "error")
			return
		}
		o.recordStatus(info.ID, "ready")
	}()
}

func (o *Orchestrator) onLost(id string) {
	o.mu.Lock()
	rec, ok := o.records[id]
	if ok {
		rec.Status = "lost"
		o.records[id] = rec
	}
	o.mu.Unlock()
	if !ok {
		return
	}
	o.publishDevices(context.Background())
	if o.log != nil {
		o.log.Append(context.Background(), statelog.Entry{DeviceID: id, Phase: "lost", OccurredAt: time.Now()})
	}
}

func (o *Orchestrator) recordDevice(ctx context.Context, info discovery.Info, status string) {
	o.mu.Lock()
	o.records[info.ID] = deviceRecord{
		ID: info.ID, Kind: info.Kind, Path: info.Path, VID: info.VID, PID: info.PID,
		Status: status, LastSeenMs: time.Now().UnixMilli(),
	}
	o.mu.Unlock()
	o.publishDevices(ctx)
}

func (o *Orchestrator) recordStatus(id, status string) {
	o.mu.Lock()
	rec, ok := o.records[id]
	if ok {
		rec.Status = status
		rec.LastSeenMs = time.Now().UnixMilli()
		o.records[id] = rec
	}
	o.mu.Unlock()
	o.publishDevices(context.Background())
}

func (o *Orchestrator) publishDevices(ctx context.Context) {
	o.mu.Lock()
	snapshot := make([]deviceRecord, 0, len(o.records))
	for _, rec := range o.records {
		snapshot = append(snapshot, rec)
	}
	o.mu.Unlock()
	o.fabric.Update(ctx, devicesSlice, func(any) any { return snapshot })
}

// onPowerSensorLine parses the power sensor's inbound lines ("power_sense
// on" / "power_sense off") and republishes the authoritative frontPanel
// slice, which policygate.Gate (C10) and the keyboard service observe.
func (o *Orchestrator) onPowerSensorLine(line string) {
	var sense string
	if _, err := fmt.Sscanf(line, "power_sense %s", &sense); err != nil {
		return
	}
	switch sense {
	case "on", "off":
	default:
		sense = "unknown"
	}
	o.fabric.Update(context.Background(), frontPanelSlice, func(any) any {
		return map[string]any{"power_sense": sense, "updated_at_ms": time.Now().UnixMilli()}
	})
}

// observe is the statelog-journaling leg of the sink fan-out: it records
// connectivity phase transitions only, never operation payloads, keeping
// the "no persistent device-command journal" non-goal intact.
func (o *Orchestrator) observe(ctx context.Context, ev events.Event) {
	if o.log == nil {
		return
	}
	switch ev.Kind {
	case events.KindDevicePhase, events.KindDeviceIdentified, events.KindDeviceLost, events.KindDeviceDisconnected, events.KindIdentifyFailed:
	default:
		return
	}
	phase := fmt.Sprintf("%v", ev.Data)
	o.log.Append(ctx, statelog.Entry{DeviceID: ev.DeviceID, Phase: phase, OccurredAt: time.Now()})
}

// sinkFunc adapts a plain function into events.Sink.
type sinkFunc func(ctx context.Context, ev events.Event)

func (f sinkFunc) Emit(ctx context.Context, ev events.Event) { f(ctx, ev) }

// --- control.Backend ---

func (o *Orchestrator) Devices(ctx context.Context) (any, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	out := make([]deviceRecord, 0, len(o.records))
	for _, rec := range o.records {
		out = append(out, rec)
	}
	return out, nil
}

func (o *Orchestrator) PressKey(ctx context.Context, deviceID string, ev keyboard.KeyEvent) (*opqueue.Handle, error) {
	if o.keyboardSvc == nil {
		return nil, fmt.Errorf("orchestrator: no keyboard device configured")
	}
	_, span := tracing.StartOpSpan(ctx, deviceID, "", string(ev.Action))
	defer span.End()
	return o.keyboardSvc.EnqueueKeyEvent(ev)
}

func (o *Orchestrator) SetHostPower(ctx context.Context, on bool) error {
	if o.keyboardSvc == nil {
		return fmt.Errorf("orchestrator: no keyboard device configured")
	}
	var err error
	if on {
		_, err = o.keyboardSvc.PowerOn()
	} else {
		_, err = o.keyboardSvc.PowerOff()
	}
	return err
}

// CancelOps cancels every queued/active op for a device, addressed either
// by kind (the runtime map's key, e.g. "keyboard") or by its full runtime
// device id (e.g. "usb:1a2b:0003:keyboard:/dev/ttyUSB0").
func (o *Orchestrator) CancelOps(ctx context.Context, deviceID, reason string) int {
	if rt, ok := o.runtimes[deviceID]; ok {
		return rt.queue.CancelAll(reason)
	}
	o.mu.Lock()
	rec, ok := o.records[deviceID]
	o.mu.Unlock()
	if !ok {
		return 0
	}
	if rt, ok := o.runtimes[rec.Kind]; ok {
		return rt.queue.CancelAll(reason)
	}
	return 0
}

func (o *Orchestrator) ImageList(ctx context.Context, deviceID, rel string) (imager.Snapshot, error) {
	if o.imagerSvc == nil {
		return imager.Snapshot{}, fmt.Errorf("orchestrator: no imager device configured")
	}
	return o.imagerSvc.FS().List(rel)
}

func (o *Orchestrator) ImageMkdir(ctx context.Context, deviceID, rel string) error {
	if o.imagerSvc == nil {
		return fmt.Errorf("orchestrator: no imager device configured")
	}
	return o.imagerSvc.FS().Mkdir(rel)
}

func (o *Orchestrator) ImageRename(ctx context.Context, deviceID, fromRel, toRel string) error {
	if o.imagerSvc == nil {
		return fmt.Errorf("orchestrator: no imager device configured")
	}
	return o.imagerSvc.FS().Rename(fromRel, toRel)
}

func (o *Orchestrator) ImageMove(ctx context.Context, deviceID, nameRel, destDirRel string) error {
	if o.imagerSvc == nil {
		return fmt.Errorf("orchestrator: no imager device configured")
	}
	return o.imagerSvc.FS().Move(nameRel, destDirRel)
}

func (o *Orchestrator) ImageDelete(ctx context.Context, deviceID, rel string) error {
	if o.imagerSvc == nil {
		return fmt.Errorf("orchestrator: no imager device configured")
	}
	return o.imagerSvc.FS().Delete(rel)
}

func (o *Orchestrator) ImageRead(ctx context.Context, deviceID, devicePath, destDir, destName string) (*opqueue.Handle, error) {
	if o.imagerSvc == nil || o.imagerQueue == nil {
		return nil, fmt.Errorf("orchestrator: no imager device configured")
	}
	_, span := tracing.StartImagingSpan(ctx, deviceID, "read_device_to_image")
	defer span.End()
	if o.wdog != nil {
		o.wdog.Pause()
	}
	handle, err := o.imagerSvc.EnqueueReadDeviceToImage(o.imagerQueue, deviceID, devicePath, destDir, destName)
	if err != nil {
		if o.wdog != nil {
			o.wdog.Resume(ctx, true)
		}
		return nil, err
	}
	o.resumeWatchdogWhenDone(handle)
	return handle, nil
}

func (o *Orchestrator) ImageWrite(ctx context.Context, deviceID, cwd, imageName, devicePath string) (*opqueue.Handle, error) {
	if o.imagerSvc == nil || o.imagerQueue == nil {
		return nil, fmt.Errorf("orchestrator: no imager device configured")
	}
	_, span := tracing.StartImagingSpan(ctx, deviceID, "write_image_to_device")
	defer span.End()
	if o.wdog != nil {
		o.wdog.Pause()
	}
	handle, err := o.imagerSvc.EnqueueWriteImageToDevice(o.imagerQueue, deviceID, cwd, imageName, devicePath)
	if err != nil {
		if o.wdog != nil {
			o.wdog.Resume(ctx, true)
		}
		return nil, err
	}
	o.resumeWatchdogWhenDone(handle)
	return handle, nil
}

// resumeWatchdogWhenDone resumes the FS watchdog once an imaging op handle
// reaches a terminal state, refreshing its snapshot immediately so clients
// see the post-imaging directory state without waiting a full poll
// interval.
func (o *Orchestrator) resumeWatchdogWhenDone(handle *opqueue.Handle) {
	if o.wdog == nil {
		return
	}
	go func() {
		handle.Wait(context.Background())
		o.wdog.Resume(context.Background(), true)
	}()
}

func (o *Orchestrator) StateSnapshot(ctx context.Context) (statefabric.Snapshot, error) {
	return o.fabric.Snapshot()
}

func (o *Orchestrator) SubscribeState(cb statefabric.Subscriber, emitInitial bool) {
	o.fabric.SubscribeAll(cb, emitInitial)
}

// LayoutsAppDir exposes the app base directory so cmd/benchd can construct a
// layouts.Manager alongside the daemon without the orchestrator needing to
// own layout storage itself (spec.md §6.4 describes it as a separate,
// browser-facing surface — see DESIGN.md).
func (o *Orchestrator) LayoutsAppDir() string { return filepath.Join(o.appDir) }
