package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/loqalabs/loqa-dictation/internal/bus"
	"github.com/loqalabs/loqa-dictation/internal/capability"
	"github.com/loqalabs/loqa-dictation/internal/capture"
	"github.com/loqalabs/loqa-dictation/internal/config"
	"github.com/loqalabs/loqa-dictation/internal/dictation"
	"github.com/loqalabs/loqa-dictation/internal/llm"
	"github.com/loqalabs/loqa-dictation/internal/models"
	"github.com/loqalabs/loqa-dictation/internal/preferences"
	"github.com/loqalabs/loqa-dictation/internal/protocol"
	"github.com/loqalabs/loqa-dictation/internal/recorder"
	"github.com/loqalabs/loqa-dictation/internal/runtime"
	"github.com/loqalabs/loqa-dictation/internal/transcribe"
)

const usage = `usage: loqa-dictate <command> [flags]

commands:
  devices                 list audio input devices
  models                  list known models and their install state
  record -seconds N       record from the microphone, optionally transcribing
  transcribe -file PATH   transcribe a 16 kHz mono WAV file
  format -style S TEXT    rewrite text as an email or notes
  remote start|stop|transcribe
                          drive a running loqa-dictated over NATS
  version                 print the version`

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var err error
	switch os.Args[1] {
	case "devices":
		err = runDevices(os.Args[2:])
	case "models":
		err = runModels(os.Args[2:])
	case "record":
		err = runRecord(ctx, os.Args[2:])
	case "transcribe":
		err = runTranscribe(ctx, os.Args[2:])
	case "format":
		err = runFormat(ctx, os.Args[2:])
	case "remote":
		err = runRemote(ctx, os.Args[2:])
	case "version":
		fmt.Println(runtime.Version)
	case "help", "-h", "--help":
		fmt.Println(usage)
	default:
		fmt.Fprintf(os.Stderr, "unknown command %q\n\n%s\n", os.Args[1], usage)
		os.Exit(2)
	}
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type commonFlags struct {
	configPath string
	verbose    bool
}

func newFlagSet(name string) (*flag.FlagSet, *commonFlags) {
	fs := flag.NewFlagSet(name, flag.ExitOnError)
	c := &commonFlags{}
	fs.StringVar(&c.configPath, "config", "", "Path to configuration file (defaults apply when empty)")
	fs.BoolVar(&c.verbose, "v", false, "Log at debug level")
	return fs, c
}

func (c *commonFlags) load() (config.Config, *slog.Logger, error) {
	cfg, err := config.Load(c.configPath)
	if err != nil {
		return cfg, nil, err
	}
	level := "warn"
	if c.verbose {
		level = "debug"
	}
	return cfg, runtime.NewLogger(os.Stderr, level, true), nil
}

func runDevices(args []string) error {
	fs, common := newFlagSet("devices")
	_ = fs.Parse(args)
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	devices, err := capture.NewPortAudio(cfg.Audio, logger).Devices()
	if err != nil {
		return err
	}
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "INDEX\tNAME\tCHANNELS\tRATE\tDEFAULT")
	for _, d := range devices {
		def := ""
		if d.Default {
			def = "*"
		}
		fmt.Fprintf(tw, "%d\t%s\t%d\t%.0f\t%s\n", d.Index, d.Name, d.MaxInputChannels, d.DefaultSampleRate, def)
	}
	return tw.Flush()
}

func runModels(args []string) error {
	fs, common := newFlagSet("models")
	_ = fs.Parse(args)
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	registry := models.NewRegistry(cfg.Models.BaseDir, models.DefaultCatalog(), logger)
	tw := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tKIND\tSTATUS\tSIZE_MB\tPATH")
	for _, rec := range registry.List() {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%s\n", rec.ID, rec.Kind, rec.Status, rec.SizeMB, registry.PathFor(rec.ID))
	}
	return tw.Flush()
}

func runRecord(ctx context.Context, args []string) error {
	fs, common := newFlagSet("record")
	seconds := fs.Int("seconds", 5, "Recording length in seconds")
	doTranscribe := fs.Bool("transcribe", false, "Transcribe the recording when it finishes")
	_ = fs.Parse(args)
	if *seconds <= 0 {
		return errors.New("-seconds must be positive")
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}

	local := newLocal(ctx, cfg, logger)
	defer local.Close()

	fmt.Fprintf(os.Stderr, "recording for %ds...\n", *seconds)
	rec, err := local.recorder.Record(ctx, time.Duration(*seconds)*time.Second)
	if err != nil {
		return err
	}
	fmt.Fprintf(os.Stderr, "saved %s (%s, %d samples, %d dropped blocks)\n",
		rec.Path, rec.Duration.Round(time.Millisecond), rec.Samples, rec.Dropped)
	if !*doTranscribe {
		return printJSON(os.Stdout, rec)
	}
	res, err := local.svc.Transcribe(ctx, rec.Path)
	if err != nil {
		return err
	}
	return printJSON(os.Stdout, res)
}

func runTranscribe(ctx context.Context, args []string) error {
	fs, common := newFlagSet("transcribe")
	file := fs.String("file", "", "Path to a 16 kHz mono int16 WAV file")
	model := fs.String("model", "", "Speech model id (defaults to the first installed candidate)")
	vocab := fs.String("vocab", "", "Comma-separated words to bias recognition toward")
	textOnly := fs.Bool("text", false, "Print only the transcript text")
	_ = fs.Parse(args)
	if *file == "" && fs.NArg() > 0 {
		*file = fs.Arg(0)
	}
	if *file == "" {
		return errors.New("-file is required")
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	if *model != "" {
		cfg.Preferences.SpeechModel = *model
	}
	for _, w := range strings.Split(*vocab, ",") {
		if w = strings.TrimSpace(w); w != "" {
			cfg.Preferences.Vocabulary = append(cfg.Preferences.Vocabulary, w)
		}
	}

	local := newLocal(ctx, cfg, logger)
	defer local.Close()

	res, err := local.svc.Transcribe(ctx, *file)
	if err != nil {
		return err
	}
	if *textOnly {
		fmt.Println(res.Text)
		return nil
	}
	return printJSON(os.Stdout, res)
}

func runFormat(ctx context.Context, args []string) error {
	fs, common := newFlagSet("format")
	styleName := fs.String("style", string(llm.StyleNotes), "Output style: email or notes")
	mode := fs.String("mode", "", "Override formatting.mode (mock, llama, exec)")
	_ = fs.Parse(args)
	style, err := llm.ParseStyle(*styleName)
	if err != nil {
		return err
	}
	text := strings.Join(fs.Args(), " ")
	if text == "" {
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return fmt.Errorf("read stdin: %w", err)
		}
		text = string(data)
	}
	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	cfg.Formatting.Enabled = true
	if *mode != "" {
		cfg.Formatting.Mode = *mode
	}

	local := newLocal(ctx, cfg, logger)
	defer local.Close()

	out, err := local.svc.Format(ctx, text, style)
	if err != nil {
		return err
	}
	fmt.Println(out)
	return nil
}

func runRemote(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("remote needs one of: start, stop, transcribe")
	}
	action := args[0]
	fs, common := newFlagSet("remote " + action)
	servers := fs.String("nats", "", "Comma-separated NATS URLs (defaults to bus.servers)")
	maxDuration := fs.Duration("max", 0, "Maximum recording length for start (0 uses the daemon default)")
	file := fs.String("file", "", "Artifact to transcribe")
	timeout := fs.Duration("timeout", 2*time.Minute, "Request timeout")
	_ = fs.Parse(args[1:])

	cfg, logger, err := common.load()
	if err != nil {
		return err
	}
	var urls []string
	if *servers != "" {
		urls = strings.Split(*servers, ",")
	}
	client, err := bus.Connect(ctx, cfg.Bus, logger, urls...)
	if err != nil {
		return err
	}
	defer client.Close()

	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()
	remote := dictation.NewRemote(client)

	var reply protocol.Reply
	switch action {
	case "start":
		reply, err = remote.Start(ctx, *maxDuration)
	case "stop":
		reply, err = remote.Stop(ctx)
	case "transcribe":
		if *file == "" && fs.NArg() > 0 {
			*file = fs.Arg(0)
		}
		if *file == "" {
			return errors.New("-file is required")
		}
		reply, err = remote.Transcribe(ctx, *file)
	default:
		return fmt.Errorf("unknown remote action %q", action)
	}
	if err != nil {
		return err
	}
	if reply.Error != nil {
		return fmt.Errorf("%s (%s): %s", reply.Error.Kind, reply.Error.Class, reply.Error.Error)
	}
	return printJSON(os.Stdout, reply)
}

// local is an in-process dictation stack without the bus or event store.
type local struct {
	svc      *dictation.Service
	recorder *recorder.Controller
	cache    *capability.Cache
}

func newLocal(ctx context.Context, cfg config.Config, logger *slog.Logger) *local {
	cfg.Models.Watch = false
	cfg.Models.Preload = false

	registry := models.NewRegistry(cfg.Models.BaseDir, models.DefaultCatalog(), logger)
	prefs := preferences.FromConfig(cfg.Preferences)
	cache := capability.NewCache(ctx, runtime.Loaders(cfg, registry, prefs, logger), logger)
	rec := recorder.NewController(cfg.Recorder, cfg.Audio.TargetSampleRate, capture.NewPortAudio(cfg.Audio, logger), logger)
	svc := dictation.NewService(ctx, cfg, dictation.Deps{
		Recorder:    rec,
		Transcriber: transcribe.NewEngine(cfg.Transcription, logger),
		Cache:       cache,
		Registry:    registry,
		Preferences: prefs,
	}, logger)
	if err := svc.Start(); err != nil {
		logger.Warn("dictation service did not start cleanly", slog.String("error", err.Error()))
	}
	return &local{svc: svc, recorder: rec, cache: cache}
}

func (l *local) Close() {
	l.svc.Close()
	l.cache.Close()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
