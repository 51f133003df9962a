//go:build (linux || darwin) && (amd64 || arm64)

package ffi_wrapper

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"voicevox-core-go/voicevox/ffi_wrapper/threads"

	"github.com/ebitengine/purego"
	"github.com/rs/zerolog/log"
	"golang.org/x/mod/semver"
)

// SupportedVersionRange is the half-open range of library versions whose
// struct layouts match the mirrors in layout.go.
var SupportedVersionRange = [2]string{"v0.13.0", "v0.15.0"}

// Proc is a resolved native entry point.
type Proc struct {
	Name string
	addr uintptr
}

// Call invokes the entry point with integer-class arguments and returns the
// two integer return registers.
func (p *Proc) Call(args ...uintptr) (uintptr, uintptr, error) {
	r1, r2, _ := purego.SyscallN(p.addr, args...)
	return r1, r2, nil
}

type CoreLibrary struct {
	executor *threads.ThreadExecutor
	handle   uintptr
	path     string
	version  string

	/*
		VoicevoxResultCode voicevox_initialize(
		    struct VoicevoxInitializeOptions options
		);
	*/
	voicevoxInitialize *Proc

	/*
		const char *voicevox_get_version(void);
	*/
	voicevoxGetVersion *Proc

	/*
		VoicevoxResultCode voicevox_load_model(
		    uint32_t speaker_id
		);
	*/
	voicevoxLoadModel *Proc

	/*
		bool voicevox_is_gpu_mode(void);
	*/
	voicevoxIsGpuMode *Proc

	/*
		bool voicevox_is_model_loaded(
		    uint32_t speaker_id
		);
	*/
	voicevoxIsModelLoaded *Proc

	/*
		void voicevox_finalize(void);
	*/
	voicevoxFinalize *Proc

	/*
		const char *voicevox_get_metas_json(void);
	*/
	voicevoxGetMetasJSON *Proc

	/*
		const char *voicevox_get_supported_devices_json(void);
	*/
	voicevoxGetSupportedDevicesJSON *Proc

	/*
		VoicevoxResultCode voicevox_predict_duration(
		    uintptr_t length,
		    int64_t *phoneme_vector,
		    uint32_t speaker_id,
		    uintptr_t *output_predict_duration_data_length,  // out
		    float **output_predict_duration_data  // out
		);
	*/
	voicevoxPredictDuration *Proc

	/*
		void voicevox_predict_duration_data_free(
		    float *predict_duration_data
		);
	*/
	voicevoxPredictDurationDataFree *Proc

	/*
		VoicevoxResultCode voicevox_predict_intonation(
		    uintptr_t length,
		    int64_t *vowel_phoneme_vector,
		    int64_t *consonant_phoneme_vector,
		    int64_t *start_accent_vector,
		    int64_t *end_accent_vector,
		    int64_t *start_accent_phrase_vector,
		    int64_t *end_accent_phrase_vector,
		    uint32_t speaker_id,
		    uintptr_t *output_predict_intonation_data_length,  // out
		    float **output_predict_intonation_data  // out
		);
	*/
	voicevoxPredictIntonation *Proc

	/*
		void voicevox_predict_intonation_data_free(
		    float *predict_intonation_data
		);
	*/
	voicevoxPredictIntonationDataFree *Proc

	/*
		VoicevoxResultCode voicevox_decode(
		    uintptr_t length,
		    uintptr_t phoneme_size,
		    float *f0,
		    float *phoneme_vector,
		    uint32_t speaker_id,
		    uintptr_t *output_decode_data_length,  // out
		    float **output_decode_data  // out
		);
	*/
	voicevoxDecode *Proc

	/*
		void voicevox_decode_data_free(
		    float *decode_data
		);
	*/
	voicevoxDecodeDataFree *Proc

	/*
		struct VoicevoxInitializeOptions voicevox_make_default_initialize_options(void);
	*/
	voicevoxMakeDefaultInitializeOptions *Proc

	/*
		struct VoicevoxAudioQueryOptions voicevox_make_default_audio_query_options(void);
	*/
	voicevoxMakeDefaultAudioQueryOptions *Proc

	/*
		struct VoicevoxSynthesisOptions voicevox_make_default_synthesis_options(void);
	*/
	voicevoxMakeDefaultSynthesisOptions *Proc

	/*
		struct VoicevoxTtsOptions voicevox_make_default_tts_options(void);
	*/
	voicevoxMakeDefaultTtsOptions *Proc

	/*
		VoicevoxResultCode voicevox_audio_query(
		    const char *text,
		    uint32_t speaker_id,
		    struct VoicevoxAudioQueryOptions options,
		    char **output_audio_query_json  // out
		);
	*/
	voicevoxAudioQuery *Proc

	/*
		void voicevox_audio_query_json_free(
		    char *audio_query_json
		);
	*/
	voicevoxAudioQueryJSONFree *Proc

	/*
		VoicevoxResultCode voicevox_synthesis(
		    const char *audio_query_json,
		    uint32_t speaker_id,
		    struct VoicevoxSynthesisOptions options,
		    uintptr_t *output_wav_length,  // out
		    uint8_t **output_wav  // out
		);
	*/
	voicevoxSynthesis *Proc

	/*
		VoicevoxResultCode voicevox_tts(
		    const char *text,
		    uint32_t speaker_id,
		    struct VoicevoxTtsOptions options,
		    uintptr_t *output_wav_length,  // out
		    uint8_t **output_wav  // out
		);
	*/
	voicevoxTts *Proc

	/*
		void voicevox_wav_free(
		    uint8_t *wav
		);
	*/
	voicevoxWavFree *Proc

	/*
		const char *voicevox_error_result_to_message(
		    VoicevoxResultCode result_code
		);
	*/
	voicevoxErrorResultToMessage *Proc
}

// DefaultLibraryName is the file name the library ships under on this
// platform.
func DefaultLibraryName() string {
	if runtime.GOOS == "darwin" {
		return "libvoicevox_core.dylib"
	}
	return "libvoicevox_core.so"
}

// FindLibrary looks for the library in dir, then in the usual locations
// relative to the working directory and the executable.
func FindLibrary(dir string) (string, error) {
	name := DefaultLibraryName()
	candidates := []string{}
	if dir != "" {
		candidates = append(candidates, filepath.Join(dir, name))
	}
	candidates = append(candidates,
		name,
		filepath.Join("voicevox_core", name),
	)
	if execPath, err := os.Executable(); err == nil {
		execDir := filepath.Dir(execPath)
		candidates = append(candidates,
			filepath.Join(execDir, name),
			filepath.Join(execDir, "voicevox_core", name),
			filepath.Join(execDir, "..", "lib", name),
		)
	}
	for _, c := range candidates {
		if info, err := os.Stat(c); err == nil && info.Mode().IsRegular() {
			return filepath.Abs(c)
		}
	}
	return "", &LibraryNotFoundError{Path: name}
}

func LoadCoreLibrary(libPath string, workers int) (*CoreLibrary, error) {
	absPath, err := filepath.Abs(libPath)
	if err != nil {
		return nil, fmt.Errorf("abs library path: %w", err)
	}

	// Fail before dlopen so a missing file is not reported as an opaque
	// loader error.
	info, err := os.Stat(absPath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, &LibraryNotFoundError{Path: absPath}
		}
		return nil, fmt.Errorf("stat %q: %w", absPath, err)
	}
	if !info.Mode().IsRegular() {
		return nil, &LibraryNotFoundError{Path: absPath}
	}

	if err := ValidateLayouts(); err != nil {
		return nil, fmt.Errorf("struct layout mismatch: %w", err)
	}

	h, err := purego.Dlopen(absPath, purego.RTLD_NOW|purego.RTLD_LOCAL)
	if err != nil {
		return nil, fmt.Errorf("dlopen(%q): %w", absPath, err)
	}
	log.Debug().Str("path", absPath).Msg("library opened")

	mustProc := func(name string) (*Proc, error) {
		addr, e := purego.Dlsym(h, name)
		if e != nil {
			_ = purego.Dlclose(h)
			return nil, fmt.Errorf("dlsym(%q): %w", name, e)
		}
		log.Trace().Str("symbol", name).Msg("resolved")
		return &Proc{Name: name, addr: addr}, nil
	}

	lib := &CoreLibrary{
		handle: h,
		path:   absPath,
	}

	for _, p := range lib.procTable() {
		if *p.dst, err = mustProc(p.name); err != nil {
			return nil, err
		}
	}

	lib.executor = threads.NewExecutor(64, workers)

	lib.version = lib.VoicevoxGetVersion()
	if err := checkVersion(lib.version); err != nil {
		log.Warn().Err(err).Str("path", absPath).Msg("library version outside the tested ABI range")
	}
	log.Debug().Str("path", absPath).Str("version", lib.version).Msg("library loaded")

	return lib, nil
}

type procEntry struct {
	dst  **Proc
	name string
}

// procTable lists every entry point the binding resolves.
func (l *CoreLibrary) procTable() []procEntry {
	return []procEntry{
		{&l.voicevoxInitialize, "voicevox_initialize"},
		{&l.voicevoxGetVersion, "voicevox_get_version"},
		{&l.voicevoxLoadModel, "voicevox_load_model"},
		{&l.voicevoxIsGpuMode, "voicevox_is_gpu_mode"},
		{&l.voicevoxIsModelLoaded, "voicevox_is_model_loaded"},
		{&l.voicevoxFinalize, "voicevox_finalize"},
		{&l.voicevoxGetMetasJSON, "voicevox_get_metas_json"},
		{&l.voicevoxGetSupportedDevicesJSON, "voicevox_get_supported_devices_json"},
		{&l.voicevoxPredictDuration, "voicevox_predict_duration"},
		{&l.voicevoxPredictDurationDataFree, "voicevox_predict_duration_data_free"},
		{&l.voicevoxPredictIntonation, "voicevox_predict_intonation"},
		{&l.voicevoxPredictIntonationDataFree, "voicevox_predict_intonation_data_free"},
		{&l.voicevoxDecode, "voicevox_decode"},
		{&l.voicevoxDecodeDataFree, "voicevox_decode_data_free"},
		{&l.voicevoxMakeDefaultInitializeOptions, "voicevox_make_default_initialize_options"},
		{&l.voicevoxMakeDefaultAudioQueryOptions, "voicevox_make_default_audio_query_options"},
		{&l.voicevoxMakeDefaultSynthesisOptions, "voicevox_make_default_synthesis_options"},
		{&l.voicevoxMakeDefaultTtsOptions, "voicevox_make_default_tts_options"},
		{&l.voicevoxAudioQuery, "voicevox_audio_query"},
		{&l.voicevoxAudioQueryJSONFree, "voicevox_audio_query_json_free"},
		{&l.voicevoxSynthesis, "voicevox_synthesis"},
		{&l.voicevoxTts, "voicevox_tts"},
		{&l.voicevoxWavFree, "voicevox_wav_free"},
		{&l.voicevoxErrorResultToMessage, "voicevox_error_result_to_message"},
	}
}

// checkVersion reports whether version falls inside SupportedVersionRange.
func checkVersion(version string) error {
	v := "v" + strings.TrimPrefix(strings.TrimSpace(version), "v")
	if !semver.IsValid(v) {
		return fmt.Errorf("unparsable library version %q", version)
	}
	if semver.Compare(v, SupportedVersionRange[0]) < 0 || semver.Compare(v, SupportedVersionRange[1]) >= 0 {
		return fmt.Errorf("library version %s outside [%s, %s)", v, SupportedVersionRange[0], SupportedVersionRange[1])
	}
	return nil
}

// CheckVersion validates the loaded library's version against
// SupportedVersionRange.
func (l *CoreLibrary) CheckVersion() error {
	return checkVersion(l.version)
}

func (l *CoreLibrary) Path() string { return l.path }

func (l *CoreLibrary) Close() error {
	if l.executor != nil {
		l.executor.Close()
		l.executor = nil
	}
	h := l.handle
	l.handle = 0
	if h == 0 {
		return nil
	}
	return purego.Dlclose(h)
}
