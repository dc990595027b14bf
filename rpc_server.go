package reddust

import (
	"fmt"
	"log"
	"net"
	"net/rpc"
	"net/rpc/jsonrpc"
	"runtime"
	"time"

	"github.com/davecgh/go-spew/spew"
	"github.com/oklog/ulid/v2"
	"github.com/spf13/viper"

	"github.com/reddustproject/reddust/internal/reddustdb"
	"github.com/reddustproject/reddust/internal/seisnpy"
)

// SessionControl is the sub-server that handles configuration and operation
// of one operator session: the loaded dataset, the playback controller, and
// the streaming dispatcher.
type SessionControl struct {
	model      *WaveformModel
	controller *PlaybackController
	dispatcher *StreamingDispatcher
	recorder   *reddustdb.Connection

	clientUpdates chan<- ClientUpdate
}

// NewSessionControl wires up an empty session: no dataset, playback stopped,
// no sinks.
func NewSessionControl(clientUpdates chan<- ClientUpdate) *SessionControl {
	model := NewWaveformModel()
	controller := NewPlaybackController(model, clientUpdates)
	dispatcher := NewStreamingDispatcher(model, controller, clientUpdates)
	return &SessionControl{
		model:         model,
		controller:    controller,
		dispatcher:    dispatcher,
		clientUpdates: clientUpdates,
	}
}

// SetRecorder attaches an optional activity recorder.
func (sc *SessionControl) SetRecorder(rec *reddustdb.Connection) {
	sc.recorder = rec
	sc.dispatcher.SetRecorder(rec)
}

// ServerStatus is the status that SessionControl reports to clients.
type ServerStatus struct {
	State         string   `json:"state"`
	Speed         float64  `json:"speed"`
	ActiveChannel string   `json:"active_channel"`
	Nchannels     int      `json:"nchannels"`
	Sinks         []string `json:"sinks"`
	LoopEnabled   bool     `json:"loop_enabled"`
}

func (sc *SessionControl) status() ServerStatus {
	status := ServerStatus{
		State:       sc.controller.State().String(),
		Speed:       sc.controller.Speed(),
		LoopEnabled: sc.controller.LoopEnabled(),
		Sinks:       sc.dispatcher.SinkNames(),
	}
	status.Nchannels = len(sc.model.Channels())
	if active, ok := sc.model.ActiveChannel(); ok {
		status.ActiveChannel = active
	}
	return status
}

func (sc *SessionControl) broadcastUpdate() {
	publish(sc.clientUpdates, TagStatus, sc.status())
}

// LoadDataArgs holds the arguments to a LoadChannelData operation.
type LoadDataArgs struct {
	Directory string
}

// LoadChannelData loads every decoded .npy channel in a directory into a
// fresh dataset, replacing the previous one wholesale. The reply is the
// number of channels loaded.
func (sc *SessionControl) LoadChannelData(args *LoadDataArgs, reply *int) error {
	log.Printf("LoadChannelData: %s\n", args.Directory)
	records, err := seisnpy.LoadDirectory(args.Directory)
	if err != nil {
		return err
	}
	channels := make([]ChannelRecord, len(records))
	for i, r := range records {
		channels[i] = ChannelRecord{
			Location:   r.Location,
			Channel:    r.Channel,
			StartTime:  r.StartTime,
			SampleRate: r.SampleRate,
			Samples:    r.Samples,
		}
	}

	sc.controller.Stop()
	sc.model.SetStream(channels)
	sc.controller.SetWaveformModel(sc.model)

	if active, ok := sc.model.ActiveChannel(); ok {
		if start, end, haveRange := sc.model.TimeRange(); haveRange {
			rate, _ := sc.model.SampleRate()
			sc.recorder.RecordDataset(&reddustdb.DatasetMessage{
				ActiveChannel: active,
				Nchannels:     len(channels),
				SampleRate:    rate,
				Start:         start,
				End:           end,
				LoadedAt:      time.Now(),
			})
		}
	}
	*reply = len(channels)
	sc.broadcastUpdate()
	return nil
}

// GetChannels reports all channel keys in the loaded dataset.
func (sc *SessionControl) GetChannels(dummy *string, reply *[]string) error {
	*reply = sc.model.Channels()
	return nil
}

// SetActiveChannel selects the channel used for playback and streaming.
func (sc *SessionControl) SetActiveChannel(channel *string, reply *bool) error {
	for _, key := range sc.model.Channels() {
		if key == *channel {
			sc.model.SetActiveChannel(key)
			publish(sc.clientUpdates, TagChannel, key)
			*reply = true
			return nil
		}
	}
	return fmt.Errorf("channel %q is not in the loaded dataset", *channel)
}

// ScalingArgs holds the arguments to a ConfigureScaling operation.
type ScalingArgs struct {
	LoPercentile float64
	HiPercentile float64
}

// ConfigureScaling replaces the percentile bounds used for normalization.
func (sc *SessionControl) ConfigureScaling(args *ScalingArgs, reply *bool) error {
	log.Printf("ConfigureScaling: P%g-P%g\n", args.LoPercentile, args.HiPercentile)
	err := sc.model.UpdateScaling(args.LoPercentile, args.HiPercentile)
	*reply = (err == nil)
	if err == nil {
		publish(sc.clientUpdates, TagScaling, *args)
	}
	return err
}

// StartPlayback starts or resumes the playhead.
func (sc *SessionControl) StartPlayback(dummy *string, reply *bool) error {
	sc.controller.Start()
	*reply = sc.controller.State() == Playing
	sc.broadcastUpdate()
	return nil
}

// PausePlayback freezes the playhead.
func (sc *SessionControl) PausePlayback(dummy *string, reply *bool) error {
	sc.controller.Pause()
	*reply = sc.controller.State() == Paused
	sc.broadcastUpdate()
	return nil
}

// StopPlayback halts playback and resets the playhead.
func (sc *SessionControl) StopPlayback(dummy *string, reply *bool) error {
	sc.controller.Stop()
	*reply = true
	sc.broadcastUpdate()
	return nil
}

// SetSpeed applies a playback speed multiplier. The reply is the clamped
// value actually stored.
func (sc *SessionControl) SetSpeed(speed *float64, reply *float64) error {
	*reply = sc.controller.SetSpeed(*speed)
	sc.broadcastUpdate()
	return nil
}

// LoopArgs holds the arguments to a SetLoopRange operation, as ISO-8601 UTC
// timestamps.
type LoopArgs struct {
	Start string
	End   string
}

// SetLoopRange stores the loop range.
func (sc *SessionControl) SetLoopRange(args *LoopArgs, reply *bool) error {
	start, err := parseISOTimestamp(args.Start)
	if err != nil {
		return err
	}
	end, err := parseISOTimestamp(args.End)
	if err != nil {
		return err
	}
	err = sc.controller.SetLoopRange(start, end)
	*reply = (err == nil)
	return err
}

// EnableLoop turns looping on or off.
func (sc *SessionControl) EnableLoop(enabled *bool, reply *bool) error {
	sc.controller.EnableLoop(*enabled)
	*reply = true
	return nil
}

// AddSink registers a sink from its serialized configuration.
func (sc *SessionControl) AddSink(cfg *SinkConfig, reply *bool) error {
	sink, err := NewSinkFromConfig(*cfg)
	if err != nil {
		return err
	}
	sc.dispatcher.AddSink(sink)
	*reply = true
	sc.broadcastUpdate()
	return nil
}

// RemoveSink stops (with its zero frame), closes, and deletes a sink.
func (sc *SessionControl) RemoveSink(name *string, reply *bool) error {
	sc.dispatcher.RemoveSink(*name)
	*reply = true
	sc.broadcastUpdate()
	return nil
}

// StartSinkStreaming enables per-tick output for one sink.
func (sc *SessionControl) StartSinkStreaming(name *string, reply *bool) error {
	err := sc.dispatcher.StartSinkStreaming(*name)
	*reply = (err == nil)
	return err
}

// StopSinkStreaming disables per-tick output for one sink, after its zero
// frame.
func (sc *SessionControl) StopSinkStreaming(name *string, reply *bool) error {
	err := sc.dispatcher.StopSinkStreaming(*name)
	*reply = (err == nil)
	return err
}

// RemapArgs holds the arguments to an UpdateSinkRemap operation.
type RemapArgs struct {
	Name     string
	RemapMin float64
	RemapMax float64
}

// UpdateSinkRemap replaces one sink's output range.
func (sc *SessionControl) UpdateSinkRemap(args *RemapArgs, reply *bool) error {
	err := sc.dispatcher.UpdateSinkRemap(args.Name, args.RemapMin, args.RemapMax)
	*reply = (err == nil)
	return err
}

// SerialPortArgs holds the arguments to an OpenSerialPort operation.
type SerialPortArgs struct {
	Name   string
	Device string
}

// OpenSerialPort points a serial sink at a device and opens it.
func (sc *SessionControl) OpenSerialPort(args *SerialPortArgs, reply *bool) error {
	err := sc.dispatcher.UpdateSerialPort(args.Name, args.Device)
	*reply = (err == nil)
	return err
}

// ListSerialPorts enumerates the serial devices visible on this host.
func (sc *SessionControl) ListSerialPorts(dummy *string, reply *[]string) error {
	ports, err := ListSerialPorts()
	if err != nil {
		return err
	}
	*reply = ports
	return nil
}

// SaveSession snapshots the session to a JSON file at the given path.
func (sc *SessionControl) SaveSession(path *string, reply *bool) error {
	state := CaptureSession(sc.model, sc.controller, sc.dispatcher)
	err := SaveSession(*path, state)
	*reply = (err == nil)
	return err
}

// LoadSession restores a session from a JSON file. Existing sinks are
// removed first.
func (sc *SessionControl) LoadSession(path *string, reply *bool) error {
	state, err := LoadSession(*path)
	if err != nil {
		return err
	}
	for _, name := range sc.dispatcher.SinkNames() {
		sc.dispatcher.RemoveSink(name)
	}
	if err := RestoreSession(state, sc.model, sc.controller, sc.dispatcher); err != nil {
		return err
	}
	*reply = true
	sc.broadcastUpdate()
	return nil
}

// SendAllStatus causes a broadcast to clients containing all broadcastable
// status info.
func (sc *SessionControl) SendAllStatus(dummy *string, reply *bool) error {
	sc.broadcastUpdate()
	publish(sc.clientUpdates, TagSendAll, 0)
	*reply = true
	return nil
}

// restoreSavedSinks transfers saved sink configurations from Viper to the
// dispatcher.
func (sc *SessionControl) restoreSavedSinks() {
	var configs []SinkConfig
	if err := viper.UnmarshalKey("sinks", &configs); err != nil {
		ProblemLogger.Printf("could not read saved sinks from config: %v", err)
		return
	}
	for _, cfg := range configs {
		sink, err := NewSinkFromConfig(cfg)
		if err != nil {
			ProblemLogger.Printf("skipping saved sink %q: %v", cfg.Name, err)
			continue
		}
		sc.dispatcher.AddSink(sink)
	}
	if len(configs) > 0 {
		UpdateLogger.Printf("restored sinks from config:\n%s", spew.Sdump(configs))
	}
}

// RunRPCServer sets up and runs a permanent JSON-RPC server for operator
// clients. It blocks forever accepting connections.
func RunRPCServer(messageChan chan<- ClientUpdate, portrpc int) {
	sessionControl := NewSessionControl(messageChan)

	// Record this daemon run to the activity database, if one is reachable.
	// An unconnected recorder is harmless: every call on it is a no-op.
	dbAbort := make(chan struct{})
	defer close(dbAbort)
	recorder := reddustdb.StartConnection(&reddustdb.SessionActivityMessage{
		ID:        ulid.Make().String(),
		Hostname:  Build.Host,
		Githash:   Build.Githash,
		Version:   Build.Version,
		GoVersion: runtime.Version(),
		Start:     StartTime,
		End:       time.Now(),
	}, dbAbort)
	sessionControl.SetRecorder(recorder)

	// Load stored settings.
	log.Printf("Red Dust is using config file %s\n", viper.ConfigFileUsed())
	sessionControl.restoreSavedSinks()
	if rates := viper.GetFloat64("osc.rate"); rates > 0 {
		serialRate := viper.GetFloat64("serial.rate")
		if serialRate <= 0 {
			serialRate = rates
		}
		if err := sessionControl.dispatcher.SetOutputRates(rates, serialRate); err != nil {
			ProblemLogger.Printf("could not apply configured output rates: %v", err)
		}
	}
	if viper.IsSet("scaling.sentinelmin") && viper.IsSet("scaling.sentinelmax") {
		err := sessionControl.model.SetSentinelRange(
			viper.GetFloat64("scaling.sentinelmin"), viper.GetFloat64("scaling.sentinelmax"))
		if err != nil {
			ProblemLogger.Printf("could not apply configured sentinel range: %v", err)
		}
	}

	go func() {
		ticker := time.NewTicker(2 * time.Second)
		defer ticker.Stop()
		for range ticker.C {
			sessionControl.broadcastUpdate()
		}
	}()

	// Now launch the connection handler and accept connections.
	server := rpc.NewServer()
	if err := server.Register(sessionControl); err != nil {
		log.Fatal("rpc register error: ", err)
	}
	server.HandleHTTP(rpc.DefaultRPCPath, rpc.DefaultDebugPath)
	port := fmt.Sprintf(":%d", portrpc)
	listener, err := net.Listen("tcp", port)
	if err != nil {
		log.Fatal("listen error:", err)
	}
	for {
		if conn, err := listener.Accept(); err != nil {
			log.Fatal("accept error: " + err.Error())
		} else {
			log.Printf("new connection established\n")
			go server.ServeCodec(jsonrpc.NewServerCodec(conn))
		}
	}
}
