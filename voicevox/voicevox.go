// Package voicevox is a typed binding for the VOICEVOX core speech synthesis
// library.
//
// A Voicevox handle moves through Loaded, Initialized and Finalized. Slow
// operations take a context and run on the library's worker threads without
// blocking the caller's goroutine. Native buffers are copied into Go memory
// and released before an operation returns.
//
// The library does not tolerate concurrent mutating calls (LoadModel,
// Initialize, Finalize); callers must serialize those themselves.
package voicevox

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"

	"voicevox-core-go/voicevox/ffi_wrapper"

	"github.com/rs/zerolog/log"
)

// Core is the native call table a Voicevox handle drives. It is implemented
// by *ffi_wrapper.CoreLibrary and, in tests, by fakecore.Core.
type Core interface {
	VoicevoxInitializeAsync(opts ffi_wrapper.InitializeOptions, done ffi_wrapper.Callback)
	VoicevoxLoadModelAsync(speakerID uint32, done ffi_wrapper.Callback)
	VoicevoxFinalize()

	VoicevoxGetVersionPtr() uintptr
	VoicevoxIsGpuMode() bool
	VoicevoxIsModelLoaded(speakerID uint32) bool
	VoicevoxGetMetasJSON() uintptr
	VoicevoxGetSupportedDevicesJSON() uintptr

	VoicevoxMakeDefaultInitializeOptions() ffi_wrapper.InitializeOptions
	VoicevoxMakeDefaultAudioQueryOptions() ffi_wrapper.AudioQueryOptions
	VoicevoxMakeDefaultSynthesisOptions() ffi_wrapper.SynthesisOptions
	VoicevoxMakeDefaultTtsOptions() ffi_wrapper.TtsOptions

	VoicevoxAudioQueryAsync(text string, speakerID uint32, opts ffi_wrapper.AudioQueryOptions, out *uintptr, done ffi_wrapper.Callback)
	VoicevoxAudioQueryJSONFree(ptr uintptr)
	VoicevoxSynthesisAsync(queryJSON string, speakerID uint32, opts ffi_wrapper.SynthesisOptions, outLen, out *uintptr, done ffi_wrapper.Callback)
	VoicevoxTtsAsync(text string, speakerID uint32, opts ffi_wrapper.TtsOptions, outLen, out *uintptr, done ffi_wrapper.Callback)
	VoicevoxWavFree(ptr uintptr)

	VoicevoxPredictDurationAsync(phonemes []int64, speakerID uint32, outLen, out *uintptr, done ffi_wrapper.Callback)
	VoicevoxPredictDurationDataFree(ptr uintptr)
	VoicevoxPredictIntonationAsync(length int, vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase []int64, speakerID uint32, outLen, out *uintptr, done ffi_wrapper.Callback)
	VoicevoxPredictIntonationDataFree(ptr uintptr)
	VoicevoxDecodeAsync(length, phonemeSize int, f0, phonemes []float32, speakerID uint32, outLen, out *uintptr, done ffi_wrapper.Callback)
	VoicevoxDecodeDataFree(ptr uintptr)

	Close() error
}

type State int

const (
	StateLoaded State = iota
	StateInitialized
	StateFinalized
	StateUnloaded
)

func (s State) String() string {
	switch s {
	case StateLoaded:
		return "loaded"
	case StateInitialized:
		return "initialized"
	case StateFinalized:
		return "finalized"
	case StateUnloaded:
		return "unloaded"
	default:
		return fmt.Sprintf("State(%d)", int(s))
	}
}

type Voicevox struct {
	core Core
	opts LoadOptions
	key  string

	mu       sync.Mutex
	state    State
	inflight sync.WaitGroup
}

var (
	registryMu sync.Mutex
	registry   = map[string]*Voicevox{}
)

func reserve(key string) error {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, ok := registry[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyLoaded, key)
	}
	registry[key] = nil
	return nil
}

func release(key string) {
	registryMu.Lock()
	defer registryMu.Unlock()
	delete(registry, key)
}

// NewFromCore wraps an already loaded call table. The handle is not entered
// in the per-path registry.
func NewFromCore(core Core, opts *LoadOptions) *Voicevox {
	return &Voicevox{core: core, opts: opts.withDefaults()}
}

func (v *Voicevox) State() State {
	v.mu.Lock()
	defer v.mu.Unlock()
	return v.state
}

func (v *Voicevox) setState(s State) {
	v.mu.Lock()
	v.state = s
	v.mu.Unlock()
}

// usable panics when the handle was finalized or closed. Reaching for a
// finalized library is a programming error, not a runtime condition.
func (v *Voicevox) usable(op string) State {
	s := v.State()
	if s == StateFinalized || s == StateUnloaded {
		log.Panic().Str("op", op).Stringer("state", s).Msg("voicevox used after finalize")
	}
	return s
}

func (v *Voicevox) requireInitialized(op string) error {
	if v.usable(op) != StateInitialized {
		log.Debug().Str("op", op).Msg("rejected before initialize")
		return newResultError(ffi_wrapper.ResultUninitializedStatusError)
	}
	return nil
}

func contractViolation(op, what string) {
	log.Panic().Str("op", op).Msgf("library returned %s on success", what)
}

func copyBuffer[T byte | float32](op string, ptr, n uintptr, free func(uintptr)) []T {
	if ptr == 0 && n > 0 {
		contractViolation(op, fmt.Sprintf("a null buffer of length %d", n))
	}
	return ffi_wrapper.CopyOut[T](ptr, n, free)
}

func (v *Voicevox) Initialize(ctx context.Context, opts InitializeOptions) error {
	if v.usable("initialize") == StateInitialized {
		return ErrAlreadyInitialized
	}
	nopts, err := opts.native()
	if err != nil {
		return preconditionf("initialize", "%v", err)
	}
	log.Debug().
		Str("acceleration_mode", string(opts.AccelerationMode)).
		Uint16("cpu_num_threads", opts.CPUNumThreads).
		Bool("load_all_models", opts.LoadAllModels).
		Str("open_jtalk_dict_dir", opts.OpenJtalkDictDir).
		Msg("initializing")

	markInitialized := func() { v.setState(StateInitialized) }
	err = v.invoke(ctx, "initialize", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxInitializeAsync(nopts, done)
	}, markInitialized)
	if err != nil {
		return err
	}
	markInitialized()
	return nil
}

// Finalize waits for in-flight calls and releases the library's models. The
// handle cannot be used afterwards.
func (v *Voicevox) Finalize() {
	v.usable("finalize")
	v.inflight.Wait()
	v.core.VoicevoxFinalize()
	v.setState(StateFinalized)
	log.Debug().Msg("finalized")
}

// Close finalizes the handle if needed and unloads the library.
func (v *Voicevox) Close() error {
	if v.State() == StateUnloaded {
		return nil
	}
	// An abandoned initialize may still land while we wait.
	v.inflight.Wait()
	if v.State() == StateInitialized {
		v.Finalize()
	}
	err := v.core.Close()
	v.setState(StateUnloaded)
	if v.key != "" {
		release(v.key)
	}
	return err
}

func (v *Voicevox) LoadModel(ctx context.Context, speakerID uint32) error {
	if err := v.requireInitialized("load_model"); err != nil {
		return err
	}
	log.Debug().Uint32("speaker_id", speakerID).Msg("loading model")
	return v.invoke(ctx, "load_model", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxLoadModelAsync(speakerID, done)
	}, nil)
}

func (v *Voicevox) IsModelLoaded(speakerID uint32) bool {
	v.usable("is_model_loaded")
	return v.core.VoicevoxIsModelLoaded(speakerID)
}

func (v *Voicevox) IsGpuMode() bool {
	v.usable("is_gpu_mode")
	return v.core.VoicevoxIsGpuMode()
}

func (v *Voicevox) GetVersion() string {
	v.usable("get_version")
	ptr := v.core.VoicevoxGetVersionPtr()
	if ptr == 0 {
		contractViolation("get_version", "a null string")
	}
	return ffi_wrapper.GoString(ptr)
}

func (v *Voicevox) metasJSON() []byte {
	v.usable("get_metas")
	ptr := v.core.VoicevoxGetMetasJSON()
	if ptr == 0 {
		contractViolation("get_metas", "a null string")
	}
	return []byte(ffi_wrapper.GoString(ptr))
}

// GetMetas returns the speaker metadata as generic JSON.
func (v *Voicevox) GetMetas() (any, error) {
	var res any
	if err := json.Unmarshal(v.metasJSON(), &res); err != nil {
		return nil, fmt.Errorf("error decoding metas: %w", err)
	}
	return res, nil
}

func (v *Voicevox) Speakers() ([]Speaker, error) {
	var res []Speaker
	if err := json.Unmarshal(v.metasJSON(), &res); err != nil {
		return nil, fmt.Errorf("error decoding metas: %w", err)
	}
	return res, nil
}

func (v *Voicevox) supportedDevicesJSON() []byte {
	v.usable("get_supported_devices")
	ptr := v.core.VoicevoxGetSupportedDevicesJSON()
	if ptr == 0 {
		contractViolation("get_supported_devices", "a null string")
	}
	return []byte(ffi_wrapper.GoString(ptr))
}

// GetSupportedDevices returns the device support table as generic JSON.
func (v *Voicevox) GetSupportedDevices() (any, error) {
	var res any
	if err := json.Unmarshal(v.supportedDevicesJSON(), &res); err != nil {
		return nil, fmt.Errorf("error decoding supported devices: %w", err)
	}
	return res, nil
}

func (v *Voicevox) SupportedDevices() (SupportedDevices, error) {
	var res SupportedDevices
	if err := json.Unmarshal(v.supportedDevicesJSON(), &res); err != nil {
		return SupportedDevices{}, fmt.Errorf("error decoding supported devices: %w", err)
	}
	return res, nil
}

func (v *Voicevox) MakeDefaultInitializeOptions() (InitializeOptions, error) {
	v.usable("make_default_initialize_options")
	n := v.core.VoicevoxMakeDefaultInitializeOptions()
	mode, err := accelerationModeFromNative(n.AccelerationMode)
	if err != nil {
		return InitializeOptions{}, err
	}
	return InitializeOptions{
		AccelerationMode: mode,
		CPUNumThreads:    n.CpuNumThreads,
		LoadAllModels:    n.LoadAllModels,
		OpenJtalkDictDir: n.OpenJtalkDictDir,
	}, nil
}

func (v *Voicevox) MakeDefaultAudioQueryOptions() AudioQueryOptions {
	v.usable("make_default_audio_query_options")
	return AudioQueryOptions{Kana: v.core.VoicevoxMakeDefaultAudioQueryOptions().Kana}
}

func (v *Voicevox) MakeDefaultSynthesisOptions() SynthesisOptions {
	v.usable("make_default_synthesis_options")
	n := v.core.VoicevoxMakeDefaultSynthesisOptions()
	return SynthesisOptions{EnableInterrogativeUpspeak: n.EnableInterrogativeUpspeak}
}

func (v *Voicevox) MakeDefaultTtsOptions() TtsOptions {
	v.usable("make_default_tts_options")
	n := v.core.VoicevoxMakeDefaultTtsOptions()
	return TtsOptions{Kana: n.Kana, EnableInterrogativeUpspeak: n.EnableInterrogativeUpspeak}
}

func (v *Voicevox) audioQueryFree() func(uintptr) {
	if v.opts.AudioQueryOwnership == OwnershipRetain {
		return nil
	}
	return v.core.VoicevoxAudioQueryJSONFree
}

// AudioQuery builds the audio query JSON for text. Whether the native string
// is released afterwards follows LoadOptions.AudioQueryOwnership.
func (v *Voicevox) AudioQuery(ctx context.Context, text string, speakerID uint32, opts AudioQueryOptions) (string, error) {
	if err := v.requireInitialized("audio_query"); err != nil {
		return "", err
	}
	free := v.audioQueryFree()
	var out uintptr
	err := v.invoke(ctx, "audio_query", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxAudioQueryAsync(text, speakerID, ffi_wrapper.AudioQueryOptions{Kana: opts.Kana}, &out, done)
	}, func() {
		if out != 0 && free != nil {
			free(out)
		}
	})
	if err != nil {
		return "", err
	}
	if out == 0 {
		contractViolation("audio_query", "a null string")
	}
	return ffi_wrapper.CopyCString(out, free), nil
}

// Synthesis renders an audio query to a WAV file image.
func (v *Voicevox) Synthesis(ctx context.Context, queryJSON string, speakerID uint32, opts SynthesisOptions) ([]byte, error) {
	if err := v.requireInitialized("synthesis"); err != nil {
		return nil, err
	}
	var n, out uintptr
	err := v.invoke(ctx, "synthesis", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxSynthesisAsync(queryJSON, speakerID,
			ffi_wrapper.SynthesisOptions{EnableInterrogativeUpspeak: opts.EnableInterrogativeUpspeak},
			&n, &out, done)
	}, v.orphanFree(&out, v.core.VoicevoxWavFree))
	if err != nil {
		return nil, err
	}
	return copyBuffer[byte]("synthesis", out, n, v.core.VoicevoxWavFree), nil
}

// TTS runs text through audio query and synthesis in one native call.
func (v *Voicevox) TTS(ctx context.Context, text string, speakerID uint32, opts TtsOptions) ([]byte, error) {
	if err := v.requireInitialized("tts"); err != nil {
		return nil, err
	}
	var n, out uintptr
	err := v.invoke(ctx, "tts", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxTtsAsync(text, speakerID,
			ffi_wrapper.TtsOptions{Kana: opts.Kana, EnableInterrogativeUpspeak: opts.EnableInterrogativeUpspeak},
			&n, &out, done)
	}, v.orphanFree(&out, v.core.VoicevoxWavFree))
	if err != nil {
		return nil, err
	}
	return copyBuffer[byte]("tts", out, n, v.core.VoicevoxWavFree), nil
}

func (v *Voicevox) orphanFree(out *uintptr, free func(uintptr)) func() {
	return func() {
		if *out != 0 {
			free(*out)
		}
	}
}

func (v *Voicevox) PredictDuration(ctx context.Context, phonemes []int64, speakerID uint32) ([]float32, error) {
	if err := v.requireInitialized("predict_duration"); err != nil {
		return nil, err
	}
	if len(phonemes) == 0 {
		return nil, preconditionf("predict_duration", "empty phoneme vector")
	}
	in := slices.Clone(phonemes)
	var n, out uintptr
	err := v.invoke(ctx, "predict_duration", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxPredictDurationAsync(in, speakerID, &n, &out, done)
	}, v.orphanFree(&out, v.core.VoicevoxPredictDurationDataFree))
	if err != nil {
		return nil, err
	}
	return copyBuffer[float32]("predict_duration", out, n, v.core.VoicevoxPredictDurationDataFree), nil
}

func (v *Voicevox) PredictIntonation(ctx context.Context, vec IntonationVectors, speakerID uint32) ([]float32, error) {
	if err := v.requireInitialized("predict_intonation"); err != nil {
		return nil, err
	}
	length := len(vec.Vowel)
	if length == 0 {
		return nil, preconditionf("predict_intonation", "empty vowel phoneme vector")
	}
	named := []struct {
		name string
		v    []int64
	}{
		{"consonant", vec.Consonant},
		{"start_accent", vec.StartAccent},
		{"end_accent", vec.EndAccent},
		{"start_accent_phrase", vec.StartAccentPhrase},
		{"end_accent_phrase", vec.EndAccentPhrase},
	}
	for _, nv := range named {
		if len(nv.v) != length {
			return nil, preconditionf("predict_intonation", "%s vector has length %d, vowel vector has %d", nv.name, len(nv.v), length)
		}
	}

	vowel := slices.Clone(vec.Vowel)
	consonant := slices.Clone(vec.Consonant)
	startAccent := slices.Clone(vec.StartAccent)
	endAccent := slices.Clone(vec.EndAccent)
	startPhrase := slices.Clone(vec.StartAccentPhrase)
	endPhrase := slices.Clone(vec.EndAccentPhrase)

	var n, out uintptr
	err := v.invoke(ctx, "predict_intonation", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxPredictIntonationAsync(length, vowel, consonant, startAccent, endAccent, startPhrase, endPhrase, speakerID, &n, &out, done)
	}, v.orphanFree(&out, v.core.VoicevoxPredictIntonationDataFree))
	if err != nil {
		return nil, err
	}
	return copyBuffer[float32]("predict_intonation", out, n, v.core.VoicevoxPredictIntonationDataFree), nil
}

// Decode turns f0 and a phoneme matrix into a waveform. phonemes is
// len(f0) rows of phonemeSize columns, flattened row-major.
func (v *Voicevox) Decode(ctx context.Context, f0, phonemes []float32, speakerID uint32) ([]float32, error) {
	if err := v.requireInitialized("decode"); err != nil {
		return nil, err
	}
	if len(f0) == 0 || len(phonemes) == 0 {
		return nil, preconditionf("decode", "empty input vector (f0 %d, phonemes %d)", len(f0), len(phonemes))
	}
	if len(phonemes)%len(f0) != 0 {
		return nil, preconditionf("decode", "phoneme vector length %d is not a multiple of f0 length %d", len(phonemes), len(f0))
	}
	length := len(f0)
	phonemeSize := len(phonemes) / length
	inF0 := slices.Clone(f0)
	inPhonemes := slices.Clone(phonemes)

	var n, out uintptr
	err := v.invoke(ctx, "decode", func(done ffi_wrapper.Callback) {
		v.core.VoicevoxDecodeAsync(length, phonemeSize, inF0, inPhonemes, speakerID, &n, &out, done)
	}, v.orphanFree(&out, v.core.VoicevoxDecodeDataFree))
	if err != nil {
		return nil, err
	}
	return copyBuffer[float32]("decode", out, n, v.core.VoicevoxDecodeDataFree), nil
}
