// Command xtalk runs the cross-talk cancellation pipeline: it opens a
// MIDI input/output pair, loads an optional cross-talk policy and
// plugin chain, and dispatches messages until interrupted.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
	"gitlab.com/gomidi/midi/v2/drivers/rtmididrv"

	"github.com/3hhh/xtalk/internal/corectx"
	"github.com/3hhh/xtalk/internal/dispatch"
	"github.com/3hhh/xtalk/internal/ingress"
	"github.com/3hhh/xtalk/internal/midimsg"
	"github.com/3hhh/xtalk/internal/plugin"
	"github.com/3hhh/xtalk/internal/policy"
	"github.com/3hhh/xtalk/internal/transport"

	_ "github.com/3hhh/xtalk/internal/plugin/amplify"
	_ "github.com/3hhh/xtalk/internal/plugin/choke"
	_ "github.com/3hhh/xtalk/internal/plugin/example"
	_ "github.com/3hhh/xtalk/internal/plugin/exec"
	_ "github.com/3hhh/xtalk/internal/plugin/keyboard"
	_ "github.com/3hhh/xtalk/internal/plugin/replace"
	_ "github.com/3hhh/xtalk/internal/plugin/replay"
	_ "github.com/3hhh/xtalk/internal/plugin/timing"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type flags struct {
	input         string
	output        string
	delayMS       int64
	historyMS     int64
	thresholdPct  int
	minimum       int
	before        bool
	client        string
	api           string
	policyPath    string
	dtypes        string
	plugins       string
	pluginsConfig string
	pluginsOnly   bool
	list          bool
	debug         bool
}

func parseFlags() *flags {
	f := &flags{}
	pflag.StringVarP(&f.input, "input", "I", "", "input port (number or name substring), default virtual")
	pflag.StringVarP(&f.output, "output", "O", "", "output port (number or name substring), default virtual")
	pflag.Int64VarP(&f.delayMS, "delay", "d", 5, "look-ahead before dispatch, ms")
	pflag.Int64VarP(&f.historyMS, "history", "H", 150, "lifetime of history entries, ms")
	pflag.IntVarP(&f.thresholdPct, "threshold", "t", 30, "CLI-default cross-talk threshold, percent")
	pflag.IntVarP(&f.minimum, "minimum", "m", 0, "CLI-default minimum velocity")
	pflag.BoolVarP(&f.before, "before", "b", false, "cache non-note messages until the next note-on")
	pflag.StringVarP(&f.client, "client", "c", "xtalk", "MIDI client name")
	pflag.StringVarP(&f.api, "api", "a", "default", "one of jack, alsa, default")
	pflag.StringVarP(&f.policyPath, "policy", "P", "", "file or directory of JSON cross-talk policies")
	pflag.StringVar(&f.dtypes, "dtypes", "aftertouch", "none, note_off, aftertouch or any")
	pflag.StringVar(&f.plugins, "plugins", "", "comma-separated ordered list of plugin names")
	pflag.StringVar(&f.pluginsConfig, "plugins-config", "plugins/config.json", "plugin configuration file")
	pflag.BoolVar(&f.pluginsOnly, "plugins-only", false, "zero threshold/delay/history/minimum")
	pflag.BoolVar(&f.list, "list", false, "enumerate APIs and ports, then exit")
	pflag.BoolVar(&f.debug, "debug", false, "enable debug tracing")
	pflag.Parse()
	return f
}

func (f *flags) validate() error {
	if f.delayMS < 0 {
		return fmt.Errorf("--delay must be >= 0")
	}
	if f.historyMS < 0 {
		return fmt.Errorf("--history must be >= 0")
	}
	if f.thresholdPct < 0 || f.thresholdPct > 100 {
		return fmt.Errorf("--threshold must be in [0,100]")
	}
	if f.minimum < 0 || f.minimum > 128 {
		return fmt.Errorf("--minimum must be in [0,128]")
	}
	return nil
}

func newLogger(debug bool) zerolog.Logger {
	level := zerolog.InfoLevel
	if debug {
		level = zerolog.DebugLevel
	}
	writer := zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}
	return zerolog.New(writer).Level(level).With().Timestamp().Logger()
}

func run() error {
	f := parseFlags()
	if err := f.validate(); err != nil {
		return err
	}
	log := newLogger(f.debug)

	if f.pluginsOnly {
		f.thresholdPct = 0
		f.delayMS = 0
		f.historyMS = 0
		f.minimum = 0
	}

	driver, err := rtmididrv.New()
	if err != nil {
		return fmt.Errorf("xtalk: initialize MIDI driver: %w", err)
	}
	defer driver.Close()

	if f.list {
		return printList(f.api)
	}

	registry := transport.NewRegistry(f.client, driver)

	in, err := registry.OpenIn(f.input)
	if err != nil {
		return fmt.Errorf("xtalk: open input: %w", err)
	}
	defer in.Close()

	out, err := registry.OpenOut(f.output)
	if err != nil {
		return fmt.Errorf("xtalk: open output: %w", err)
	}
	if err := out.Open(); err != nil {
		return fmt.Errorf("xtalk: open output port: %w", err)
	}
	defer out.Close()

	pol, err := policy.Load(f.policyPath, policy.Defaults{ThresholdPercent: f.thresholdPct, Minimum: f.minimum})
	if err != nil {
		return fmt.Errorf("xtalk: load policy: %w", err)
	}

	args := corectx.Args{
		DelayMS:     f.delayMS,
		HistoryMS:   f.historyMS,
		Before:      f.before,
		DisableKind: midimsg.ParseDisableKind(f.dtypes),
		Debug:       f.debug,
	}
	cctx := corectx.New(args, pol, log)

	gress := ingress.New(cctx, in)
	stopListen, err := gress.Start()
	if err != nil {
		return fmt.Errorf("xtalk: start ingress: %w", err)
	}
	defer stopListen()

	sender := &sendBox{}
	chain, err := buildChain(f, log, driver, sender)
	if err != nil {
		return fmt.Errorf("xtalk: build plugin chain: %w", err)
	}

	dispatcher := dispatch.New(cctx, gress.Queue(), out, chain)
	sender.dispatcher = dispatcher

	runCtx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := chain.Start(runCtx); err != nil {
		return fmt.Errorf("xtalk: start plugin chain: %w", err)
	}
	defer func() {
		if err := chain.Stop(context.Background()); err != nil {
			log.Error().Err(err).Msg("plugin chain stop failed")
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sig
		log.Info().Msg("shutting down")
		cancel()
	}()

	log.Info().Str("input", in.String()).Str("output", out.String()).Msg("xtalk running")
	return dispatcher.Run(runCtx)
}

func printList(apiName string) error {
	info, err := transport.List(apiName)
	if err != nil {
		return fmt.Errorf("xtalk: list ports: %w", err)
	}
	fmt.Printf("API: %s\n", info.API)
	fmt.Println("Inputs:")
	for i, name := range info.Inputs {
		fmt.Printf("  [%d] %s\n", i, name)
	}
	fmt.Println("Outputs:")
	for i, name := range info.Outputs {
		fmt.Printf("  [%d] %s\n", i, name)
	}
	return nil
}

// sendBox indirects the plugin send-bypass primitive: the Dispatcher
// that ultimately implements it is only constructed after the plugin
// chain (which needs a send func to hand each plugin), so every
// plugin closes over this box instead of the Dispatcher directly.
type sendBox struct {
	dispatcher *dispatch.Dispatcher
}

func (b *sendBox) send(msg midimsg.Message) {
	if b.dispatcher != nil {
		b.dispatcher.Send(msg)
	}
}

// timingAttacher is implemented by the timing plugin; it is the one
// plugin that needs its own dedicated transport.Registry (its own
// MIDI client name, spec §6) rather than using the pipeline's ports.
type timingAttacher interface {
	ClientName() string
	Attach(registry *transport.Registry, pipelineDelayMS int64)
}

func buildChain(f *flags, log zerolog.Logger, driver *rtmididrv.Driver, sender *sendBox) (*plugin.Chain, error) {
	names := splitPlugins(f.plugins)
	if len(names) == 0 {
		return plugin.NewChain(log, nil), nil
	}

	rawConfig, err := loadPluginConfig(f.pluginsConfig)
	if err != nil {
		return nil, err
	}

	var instances []plugin.Instance
	for i, name := range names {
		factory, ok := plugin.Lookup(name)
		if !ok {
			return nil, fmt.Errorf("unknown plugin %q", name)
		}
		cfg := plugin.ConfigFor(rawConfig, i, name)
		deps := plugin.Deps{
			Config: cfg,
			Send:   sender.send,
			Log:    log.With().Str("plugin", name).Int("index", i).Logger(),
			Debug:  f.debug,
		}
		inst, err := factory(deps)
		if err != nil {
			return nil, fmt.Errorf("plugin %q: %w", name, err)
		}

		if ta, ok := inst.(timingAttacher); ok {
			reg := transport.NewRegistry(ta.ClientName(), driver)
			ta.Attach(reg, f.delayMS)
		}

		instances = append(instances, plugin.Instance{Name: name, Plugin: inst})
	}

	return plugin.NewChain(log, instances), nil
}

func splitPlugins(s string) []string {
	if s == "" {
		return nil
	}
	parts := strings.Split(s, ",")
	var out []string
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadPluginConfig reads the plugin configuration document: a
// top-level JSON object keyed by plugin index or name (spec §6).
func loadPluginConfig(path string) (map[string]any, error) {
	if path == "" {
		return nil, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	var cfg map[string]any
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	return cfg, nil
}
