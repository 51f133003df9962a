//go:build (linux || darwin) && (amd64 || arm64)

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime/debug"
	"time"

	"voicevox-core-go/pkg/config"
	"voicevox-core-go/pkg/playback"
	"voicevox-core-go/pkg/utils"
	"voicevox-core-go/voicevox"
	"voicevox-core-go/voicevox/ffi_wrapper"

	"github.com/dustin/go-humanize"
	"github.com/mkideal/cli"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"
)

const demoSentence = "こんにちは、ボイスボックスです。今日はいい天気ですね。"

type argT struct {
	cli.Helper
	Config       string        `cli:"c,config" usage:"Config file (default: voicevox.yaml in ., ./configs, /etc/voicevox)" dft:""`
	Library      string        `cli:"L,library" usage:"Path to libvoicevox_core" dft:""`
	DictDir      string        `cli:"dict-dir" usage:"OpenJTalk dictionary directory" dft:""`
	Acceleration string        `cli:"a,acceleration" usage:"Acceleration mode (auto, cpu, gpu)" dft:""`
	Threads      uint16        `cli:"threads" usage:"CPU threads for inference, 0 lets the library decide" dft:"0"`
	Text         string        `cli:"t,text" usage:"Text to speak, - for stdin. Default: a demo sentence" dft:""`
	Speaker      uint32        `cli:"s,speaker" usage:"Speaker (style) id" dft:"0"`
	Kana         bool          `cli:"k,kana" usage:"Treat the text as AquesTalk-style kana" dft:"false"`
	NoUpspeak    bool          `cli:"no-upspeak" usage:"Disable interrogative upspeak" dft:"false"`
	Query        bool          `cli:"q,query" usage:"Print the audio query JSON instead of synthesizing" dft:"false"`
	ListSpeakers bool          `cli:"l,list-speakers" usage:"List available speakers" dft:"false"`
	JsonOutput   bool          `cli:"j,json" usage:"Output JSON instead of plain text (for list-speakers and version)" dft:"false"`
	Output       string        `cli:"o,output" usage:"Output file name, - for stdout" dft:""`
	Play         bool          `cli:"p,play" usage:"Play the result on the default audio device" dft:"false"`
	Timeout      time.Duration `cli:"timeout" usage:"Give up after this long, 0 waits forever" dft:"0s"`
	LogLevel     string        `cli:"log-level" usage:"Log level (trace, debug, info, warn, error, fatal, panic)" dft:"info"`
	LogFile      string        `cli:"log-file" usage:"Also write JSON logs to this rotating file" dft:""`
	Version      bool          `cli:"V,version" usage:"show version information" dft:"false"`
}

func main() {
	os.Exit(cli.Run(new(argT), func(ctx *cli.Context) error {
		argv := ctx.Argv().(*argT)

		if err := utils.SetLogLevel(argv.LogLevel); err != nil {
			return err
		}
		closer, err := utils.SetupLogger(false, utils.LogFile{Path: argv.LogFile})
		if err != nil {
			return err
		}
		defer closer.Close()

		cfg, err := config.Load(argv.Config)
		if err != nil {
			return err
		}
		applyFlags(argv, &cfg.Core)

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
		defer stop()
		if argv.Timeout > 0 {
			var cancel context.CancelFunc
			runCtx, cancel = context.WithTimeout(runCtx, argv.Timeout)
			defer cancel()
		}

		return run(runCtx, argv, cfg.Core)
	}))
}

func applyFlags(argv *argT, c *config.CoreConfig) {
	if argv.Library != "" {
		c.LibraryPath = argv.Library
	}
	if argv.DictDir != "" {
		c.OpenJtalkDictDir = argv.DictDir
	}
	if argv.Acceleration != "" {
		c.AccelerationMode = argv.Acceleration
	}
	if argv.Threads > 0 {
		c.CPUNumThreads = argv.Threads
	}
	if !argv.ListSpeakers && !argv.Version {
		c.PreloadSpeakers = append(c.PreloadSpeakers, argv.Speaker)
	}
}

func run(ctx context.Context, argv *argT, c config.CoreConfig) error {
	path, err := c.ResolveLibraryPath()
	if err != nil {
		return err
	}
	opts, err := c.LoadOptions()
	if err != nil {
		return err
	}
	vv, err := voicevox.New(path, opts)
	if err != nil {
		return err
	}
	defer vv.Close()

	if argv.Version {
		return printVersion(vv, argv.JsonOutput)
	}
	if argv.ListSpeakers {
		return listSpeakers(vv, argv.JsonOutput)
	}

	text, err := readText(argv.Text)
	if err != nil {
		return err
	}
	if err := config.Prepare(ctx, vv, c); err != nil {
		return err
	}

	if argv.Query {
		q, err := vv.AudioQuery(ctx, text, argv.Speaker, voicevox.AudioQueryOptions{Kana: argv.Kana})
		if err != nil {
			return err
		}
		fmt.Println(q)
		return nil
	}

	start := time.Now()
	wav, err := vv.TTS(ctx, text, argv.Speaker, voicevox.TtsOptions{
		Kana:                       argv.Kana,
		EnableInterrogativeUpspeak: !argv.NoUpspeak,
	})
	if err != nil {
		return err
	}
	log.Info().
		Str("size", humanize.Bytes(uint64(len(wav)))).
		Dur("took", time.Since(start)).
		Uint32("speaker", argv.Speaker).
		Msg("synthesized")

	if argv.Play {
		if err := playback.Play(ctx, wav); err != nil {
			return fmt.Errorf("error playing audio: %w", err)
		}
		if argv.Output == "" {
			return nil
		}
	}
	return writeOutput(argv.Output, wav)
}

func readText(text string) (string, error) {
	switch text {
	case "":
		return demoSentence, nil
	case "-":
		data, err := io.ReadAll(os.Stdin)
		if err != nil {
			return "", err
		}
		return utils.FixStringEncoding(data)
	default:
		return utils.FixStringEncoding([]byte(text))
	}
}

func writeOutput(name string, wav []byte) error {
	if name == "" {
		if term.IsTerminal(int(os.Stdout.Fd())) {
			//goland:noinspection GoErrorStringFormat
			return fmt.Errorf("Binary output can mess up your terminal. Use -o - to write to stdout anyway, or specify an output file with -o <filename>")
		}
		name = "-"
	}
	if name == "-" {
		_, err := os.Stdout.Write(wav)
		return err
	}
	if err := os.WriteFile(name, wav, 0o644); err != nil {
		return fmt.Errorf("error writing output file: %w", err)
	}
	return nil
}

func printVersion(vv *voicevox.Voicevox, jsonOutput bool) error {
	goLibVersion := "unknown"
	if buildInfo, ok := debug.ReadBuildInfo(); ok {
		goLibVersion = buildInfo.Main.Version
	}
	coreVersion := vv.GetVersion()

	if jsonOutput {
		type versionInfo struct {
			GoLibVersion  string `json:"go_lib_version"`
			CoreVersion   string `json:"core_version"`
			LayoutVersion string `json:"layout_version"`
		}
		jsonData, err := json.MarshalIndent(versionInfo{
			GoLibVersion:  goLibVersion,
			CoreVersion:   coreVersion,
			LayoutVersion: ffi_wrapper.LayoutVersion,
		}, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(jsonData))
		return nil
	}
	fmt.Println("VOICEVOX core wrapper for Go:", goLibVersion)
	fmt.Println("VOICEVOX core version:", coreVersion)
	return nil
}

func listSpeakers(vv *voicevox.Voicevox, jsonOutput bool) error {
	speakers, err := vv.Speakers()
	if err != nil {
		return err
	}
	if jsonOutput {
		jsonData, err := json.MarshalIndent(speakers, "", "  ")
		if err != nil {
			return err
		}
		fmt.Println(string(jsonData))
		return nil
	}

	fmt.Println("Available speakers:")
	for _, sp := range speakers {
		fmt.Printf(" - %s (%s, model %s)\n", sp.Name, sp.SpeakerUUID, sp.Version)
		for _, st := range sp.Styles {
			fmt.Printf("   %3d: %s\n", st.ID, st.Name)
		}
	}
	return nil
}
