package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/skypro1111/udp-intercom/internal/config"
	"github.com/skypro1111/udp-intercom/internal/device"
	"github.com/skypro1111/udp-intercom/internal/server"
	"github.com/skypro1111/udp-intercom/internal/session"
)

const (
	serviceName    = "udp-intercom"
	serviceVersion = "1.0.0"
)

// options holds the raw flag values; only flags the operator set override the config file
type options struct {
	configPath string

	framesPerChunk     int
	framesPerSecond    int
	numberOfChannels   int
	myPort             int
	destinationPort    int
	destinationAddress string

	backend   string
	toneHz    float64
	record    string
	logLevel  string
	httpAddr  string
	httpPort  int
	enableAPI bool
}

func newRootCommand() *cobra.Command {
	opts := &options{}

	cmd := &cobra.Command{
		Use:   "intercom",
		Short: "Full-duplex audio intercom over UDP",
		Long: `intercom captures audio from the default input device, sends every chunk to a
peer as one raw PCM datagram and plays the chunks the peer sends back.`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       serviceVersion,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := loadConfig(cmd, opts)
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg, opts.configPath)
		},
	}

	opts.bind(cmd.Flags())

	return cmd
}

// bind registers the command-line flags
func (o *options) bind(f *pflag.FlagSet) {
	f.StringVar(&o.configPath, "config", "", "Path to YAML configuration file")

	f.IntVarP(&o.framesPerChunk, "frames_per_chunk", "s", config.DefaultFramesPerChunk, "Number of frames (stereo samples) per chunk")
	f.IntVarP(&o.framesPerSecond, "frames_per_second", "r", config.DefaultFramesPerSecond, "Sampling rate in frames/second")
	f.IntVarP(&o.numberOfChannels, "number_of_channels", "c", config.DefaultNumberOfChannels, "Number of channels")
	f.IntVarP(&o.myPort, "my_port", "p", config.DefaultLocalPort, "My listening port")
	f.IntVarP(&o.destinationPort, "destination_port", "i", config.DefaultPeerPort, "Interlocutor's listening port")
	f.StringVarP(&o.destinationAddress, "destination_address", "a", config.DefaultPeerAddress, "Interlocutor's IP address or name")

	f.StringVar(&o.backend, "backend", config.BackendPortAudio, "Audio backend: portaudio or virtual")
	f.Float64Var(&o.toneHz, "tone", 0, "Tone captured by the virtual backend in Hz, 0 for silence")
	f.StringVar(&o.record, "record", "", "Write played audio to this WAV file")
	f.StringVar(&o.logLevel, "log-level", "info", "Log level: debug, info, warn or error")
	f.BoolVar(&o.enableAPI, "http", false, "Enable the HTTP status API")
	f.StringVar(&o.httpAddr, "http-address", "127.0.0.1", "HTTP status API address")
	f.IntVar(&o.httpPort, "http-port", 9090, "HTTP status API port")
}

// loadConfig layers defaults, the config file and explicitly set flags, then validates
func loadConfig(cmd *cobra.Command, opts *options) (*config.Config, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}

	f := cmd.Flags()
	if f.Changed("frames_per_chunk") {
		cfg.Session.FramesPerChunk = opts.framesPerChunk
	}
	if f.Changed("frames_per_second") {
		cfg.Session.FramesPerSecond = opts.framesPerSecond
	}
	if f.Changed("number_of_channels") {
		cfg.Session.NumberOfChannels = opts.numberOfChannels
	}
	if f.Changed("my_port") {
		cfg.Session.LocalPort = opts.myPort
	}
	if f.Changed("destination_port") {
		cfg.Session.PeerPort = opts.destinationPort
	}
	if f.Changed("destination_address") {
		cfg.Session.PeerAddress = opts.destinationAddress
	}
	if f.Changed("backend") {
		cfg.Audio.Backend = opts.backend
	}
	if f.Changed("tone") {
		cfg.Audio.ToneHz = opts.toneHz
	}
	if f.Changed("record") {
		cfg.Recording.Path = opts.record
	}
	if f.Changed("log-level") {
		cfg.Logging.Level = opts.logLevel
	}
	if f.Changed("http") {
		cfg.HTTP.Enabled = opts.enableAPI
	}
	if f.Changed("http-address") {
		cfg.HTTP.Address = opts.httpAddr
	}
	if f.Changed("http-port") {
		cfg.HTTP.Port = opts.httpPort
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// newBackend selects the audio device backend
func newBackend(cfg config.AudioConfig, logger *slog.Logger) device.Backend {
	if cfg.Backend == config.BackendVirtual {
		return device.NewVirtual(cfg.ToneHz)
	}
	return device.NewPortAudio(logger.With(slog.String("component", "portaudio")))
}

// run builds the session and blocks until ctx is cancelled or the session fails
func run(ctx context.Context, cfg *config.Config, configPath string) error {
	logger, closeLog := initLogger(cfg.Logging)
	defer closeLog()

	logger.Info("Service starting",
		slog.String("service", serviceName),
		slog.String("version", serviceVersion),
		slog.String("config_path", configPath),
		slog.String("backend", cfg.Audio.Backend),
	)

	sess, err := session.New(cfg, newBackend(cfg.Audio, logger), logger)
	if err != nil {
		return err
	}

	if cfg.HTTP.Enabled {
		httpServer := server.NewHTTPServer(cfg.HTTP, logger.With(slog.String("component", "http")), sess, sess.Metrics())
		if err := httpServer.Start(); err != nil {
			sess.Close()
			return err
		}
		defer func() {
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			if err := httpServer.Stop(shutdownCtx); err != nil {
				logger.Error("Error stopping HTTP server", slog.String("error", err.Error()))
			}
		}()
	}

	logger.Info("Service started successfully, waiting for signals...")

	if err := sess.Run(ctx); err != nil {
		return err
	}

	if ctx.Err() != nil {
		logger.Info("Received shutdown signal")
	}
	logger.Info("Service stopped")
	return nil
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)

	err := newRootCommand().ExecuteContext(ctx)
	stop()

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
