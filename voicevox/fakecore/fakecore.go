// Package fakecore is an in-process stand-in for the native call table. It
// hands out real pointers into memory it keeps alive and tracks every
// allocation, so tests can check that each buffer is released exactly once.
package fakecore

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"syscall"
	"unsafe"

	"voicevox-core-go/voicevox/ffi_wrapper"
)

type Kind string

const (
	KindAudioQuery Kind = "audio_query_json"
	KindWav        Kind = "wav"
	KindDuration   Kind = "predict_duration_data"
	KindIntonation Kind = "predict_intonation_data"
	KindDecode     Kind = "decode_data"
)

const (
	OpInitialize        = "initialize"
	OpLoadModel         = "load_model"
	OpAudioQuery        = "audio_query"
	OpSynthesis         = "synthesis"
	OpTts               = "tts"
	OpPredictDuration   = "predict_duration"
	OpPredictIntonation = "predict_intonation"
	OpDecode            = "decode"
	OpFinalize          = "finalize"

	OpGetVersion          = "get_version"
	OpGetMetas            = "get_metas"
	OpGetSupportedDevices = "get_supported_devices"
)

// SampleRate of the WAV images the fake synthesizes.
const SampleRate = 24000

const DefaultMetasJSON = `[{"name":"四国めたん","styles":[{"name":"ノーマル","id":2},{"name":"あまあま","id":0}],"speaker_uuid":"7ffcb7ce-00ec-4bdc-82cd-45a8889e43ff","version":"0.14.4"},` +
	`{"name":"ずんだもん","styles":[{"name":"ノーマル","id":3},{"name":"あまあま","id":1}],"speaker_uuid":"388f246b-8c41-4ac1-8e2d-5d79f3ff56d9","version":"0.14.4"}]`

type Call struct {
	Op        string
	SpeakerID uint32
	Text      string
}

type allocation struct {
	kind    Kind
	backing any
}

type Core struct {
	Version              string
	MetasJSON            string
	SupportedDevicesJSON string
	GpuMode              bool

	DefaultInitializeOptions ffi_wrapper.InitializeOptions
	DefaultAudioQueryOptions ffi_wrapper.AudioQueryOptions
	DefaultSynthesisOptions  ffi_wrapper.SynthesisOptions
	DefaultTtsOptions        ffi_wrapper.TtsOptions

	// SpeakerIDs limits the ids load_model and synthesis accept. Nil accepts
	// any id.
	SpeakerIDs map[uint32]bool

	// Gate, when non-nil, holds every asynchronous call until it can receive.
	// Closing it releases all of them.
	Gate chan struct{}
	// DuplicateCallbacks completes every asynchronous call twice.
	DuplicateCallbacks bool

	mu          sync.Mutex
	codes       map[string]ffi_wrapper.ResultCode
	errs        map[string]error
	nullOutput  map[string]bool
	initialized bool
	lastInit    ffi_wrapper.InitializeOptions
	loaded      map[uint32]bool
	finalized   int
	closed      bool
	calls       []Call
	live        map[uintptr]allocation
	frees       map[Kind]int
	badFrees    []uintptr
	statics     map[string][]byte
}

func New() *Core {
	return &Core{
		Version:              "0.14.4",
		MetasJSON:            DefaultMetasJSON,
		SupportedDevicesJSON: `{"cpu":true,"cuda":false,"dml":false}`,
		DefaultInitializeOptions: ffi_wrapper.InitializeOptions{
			AccelerationMode: ffi_wrapper.AccelerationModeAuto,
			OpenJtalkDictDir: "./open_jtalk_dic_utf_8-1.11",
		},
		DefaultTtsOptions:       ffi_wrapper.TtsOptions{EnableInterrogativeUpspeak: true},
		DefaultSynthesisOptions: ffi_wrapper.SynthesisOptions{EnableInterrogativeUpspeak: true},
		SpeakerIDs:              map[uint32]bool{0: true, 1: true, 2: true, 3: true},
		codes:                   map[string]ffi_wrapper.ResultCode{},
		errs:                    map[string]error{},
		nullOutput:              map[string]bool{},
		loaded:                  map[uint32]bool{},
		live:                    map[uintptr]allocation{},
		frees:                   map[Kind]int{},
		statics:                 map[string][]byte{},
	}
}

// SetResult makes op complete with code instead of running.
func (c *Core) SetResult(op string, code ffi_wrapper.ResultCode) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.codes[op] = code
}

// SetError makes op fail to dispatch with err. err wins over any code.
func (c *Core) SetError(op string, err error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.errs[op] = err
}

// SetNullOutput makes a successful op hand back a null output pointer.
func (c *Core) SetNullOutput(op string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.nullOutput[op] = true
}

func (c *Core) Calls() []Call {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]Call(nil), c.calls...)
}

func (c *Core) CallCount(op string) int {
	n := 0
	for _, call := range c.Calls() {
		if call.Op == op {
			n++
		}
	}
	return n
}

// Live counts allocations of kind that have not been freed.
func (c *Core) Live(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	n := 0
	for _, a := range c.live {
		if a.kind == kind {
			n++
		}
	}
	return n
}

func (c *Core) Frees(kind Kind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.frees[kind]
}

// BadFrees lists pointers that were freed twice, never allocated, or freed
// with the wrong function.
func (c *Core) BadFrees() []uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]uintptr(nil), c.badFrees...)
}

func (c *Core) Initialized() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized
}

func (c *Core) LastInitializeOptions() ffi_wrapper.InitializeOptions {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastInit
}

func (c *Core) Finalized() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.finalized
}

func (c *Core) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *Core) record(call Call) {
	c.mu.Lock()
	c.calls = append(c.calls, call)
	c.mu.Unlock()
}

// alloc copies data into memory the fake owns. One trailing zero byte keeps
// strings NUL-terminated and gives empty buffers an address.
func (c *Core) alloc(kind Kind, data []byte) uintptr {
	backing := make([]byte, len(data)+1)
	copy(backing, data)
	ptr := uintptr(unsafe.Pointer(&backing[0]))
	c.mu.Lock()
	c.live[ptr] = allocation{kind: kind, backing: backing}
	c.mu.Unlock()
	return ptr
}

func (c *Core) allocFloats(kind Kind, data []float32) (ptr, n uintptr) {
	backing := make([]float32, len(data)+1)
	copy(backing, data)
	ptr = uintptr(unsafe.Pointer(&backing[0]))
	c.mu.Lock()
	c.live[ptr] = allocation{kind: kind, backing: backing}
	c.mu.Unlock()
	return ptr, uintptr(len(data))
}

func (c *Core) free(kind Kind, ptr uintptr) {
	c.mu.Lock()
	defer c.mu.Unlock()
	a, ok := c.live[ptr]
	if !ok || a.kind != kind {
		c.badFrees = append(c.badFrees, ptr)
		return
	}
	delete(c.live, ptr)
	c.frees[kind]++
}

// static returns a pointer to a NUL-terminated copy of s that stays valid for
// the life of the fake, like the library's own static strings.
func (c *Core) static(op, s string) uintptr {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.nullOutput[op] {
		return 0
	}
	b, ok := c.statics[s]
	if !ok {
		b = append([]byte(s), 0)
		c.statics[s] = b
	}
	return uintptr(unsafe.Pointer(&b[0]))
}

func (c *Core) validSpeaker(id uint32) bool {
	return c.SpeakerIDs == nil || c.SpeakerIDs[id]
}

// async completes op on a new goroutine, the way the executor completes a
// native call on one of its threads. body runs only when no error or code
// was scripted for op and produces the outputs.
func (c *Core) async(op string, done ffi_wrapper.Callback, body func(null bool) ffi_wrapper.ResultCode) {
	gate, dup := c.Gate, c.DuplicateCallbacks
	go func() {
		if gate != nil {
			<-gate
		}
		c.mu.Lock()
		err := c.errs[op]
		code, scripted := c.codes[op]
		null := c.nullOutput[op]
		c.mu.Unlock()

		if err == nil && !scripted {
			code = body(null)
		}
		if err != nil {
			code = 0
		}
		done(err, code)
		if dup {
			done(err, code)
		}
	}()
}

func checkText(what, s string) error {
	if strings.IndexByte(s, 0) >= 0 {
		return fmt.Errorf("%s: %w", what, syscall.EINVAL)
	}
	return nil
}

func (c *Core) VoicevoxInitializeAsync(opts ffi_wrapper.InitializeOptions, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpInitialize})
	if err := checkText("open_jtalk_dict_dir", opts.OpenJtalkDictDir); err != nil {
		done(err, 0)
		return
	}
	c.async(OpInitialize, done, func(bool) ffi_wrapper.ResultCode {
		if opts.AccelerationMode == ffi_wrapper.AccelerationModeGPU && !c.GpuMode {
			return ffi_wrapper.ResultGpuSupportError
		}
		c.mu.Lock()
		defer c.mu.Unlock()
		c.initialized = true
		c.lastInit = opts
		if opts.LoadAllModels {
			for id := range c.SpeakerIDs {
				c.loaded[id] = true
			}
		}
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxLoadModelAsync(speakerID uint32, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpLoadModel, SpeakerID: speakerID})
	c.async(OpLoadModel, done, func(bool) ffi_wrapper.ResultCode {
		c.mu.Lock()
		defer c.mu.Unlock()
		if !c.initialized {
			return ffi_wrapper.ResultUninitializedStatusError
		}
		if !c.validSpeaker(speakerID) {
			return ffi_wrapper.ResultInvalidSpeakerIdError
		}
		c.loaded[speakerID] = true
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxFinalize() {
	c.record(Call{Op: OpFinalize})
	c.mu.Lock()
	defer c.mu.Unlock()
	c.initialized = false
	c.loaded = map[uint32]bool{}
	c.finalized++
}

func (c *Core) VoicevoxGetVersionPtr() uintptr {
	return c.static(OpGetVersion, c.Version)
}

func (c *Core) VoicevoxIsGpuMode() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.initialized && c.GpuMode && c.lastInit.AccelerationMode != ffi_wrapper.AccelerationModeCPU
}

func (c *Core) VoicevoxIsModelLoaded(speakerID uint32) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loaded[speakerID]
}

func (c *Core) VoicevoxGetMetasJSON() uintptr {
	return c.static(OpGetMetas, c.MetasJSON)
}

func (c *Core) VoicevoxGetSupportedDevicesJSON() uintptr {
	return c.static(OpGetSupportedDevices, c.SupportedDevicesJSON)
}

func (c *Core) VoicevoxMakeDefaultInitializeOptions() ffi_wrapper.InitializeOptions {
	return c.DefaultInitializeOptions
}

func (c *Core) VoicevoxMakeDefaultAudioQueryOptions() ffi_wrapper.AudioQueryOptions {
	return c.DefaultAudioQueryOptions
}

func (c *Core) VoicevoxMakeDefaultSynthesisOptions() ffi_wrapper.SynthesisOptions {
	return c.DefaultSynthesisOptions
}

func (c *Core) VoicevoxMakeDefaultTtsOptions() ffi_wrapper.TtsOptions {
	return c.DefaultTtsOptions
}

// ready reports the code the library gives synthesis calls before the model
// for speakerID can run. Caller holds no lock.
func (c *Core) ready(speakerID uint32) ffi_wrapper.ResultCode {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.initialized {
		return ffi_wrapper.ResultUninitializedStatusError
	}
	if !c.validSpeaker(speakerID) {
		return ffi_wrapper.ResultInvalidSpeakerIdError
	}
	c.loaded[speakerID] = true
	return ffi_wrapper.ResultOk
}

type audioQuery struct {
	AccentPhrases      []any   `json:"accent_phrases"`
	SpeedScale         float64 `json:"speedScale"`
	PitchScale         float64 `json:"pitchScale"`
	IntonationScale    float64 `json:"intonationScale"`
	VolumeScale        float64 `json:"volumeScale"`
	PrePhonemeLength   float64 `json:"prePhonemeLength"`
	PostPhonemeLength  float64 `json:"postPhonemeLength"`
	OutputSamplingRate int     `json:"outputSamplingRate"`
	OutputStereo       bool    `json:"outputStereo"`
	Kana               string  `json:"kana"`
}

// AudioQueryJSON is the audio query the fake produces for text.
func AudioQueryJSON(text string) string {
	b, _ := json.Marshal(audioQuery{
		AccentPhrases:      []any{},
		SpeedScale:         1,
		IntonationScale:    1,
		VolumeScale:        1,
		PrePhonemeLength:   0.1,
		PostPhonemeLength:  0.1,
		OutputSamplingRate: SampleRate,
		Kana:               text,
	})
	return string(b)
}

func (c *Core) VoicevoxAudioQueryAsync(text string, speakerID uint32, opts ffi_wrapper.AudioQueryOptions, out *uintptr, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpAudioQuery, SpeakerID: speakerID, Text: text})
	if err := checkText("text", text); err != nil {
		done(err, 0)
		return
	}
	c.async(OpAudioQuery, done, func(null bool) ffi_wrapper.ResultCode {
		if code := c.ready(speakerID); code != ffi_wrapper.ResultOk {
			return code
		}
		if opts.Kana && strings.ContainsAny(text, "abcdefghijklmnopqrstuvwxyz") {
			return ffi_wrapper.ResultParseKanaError
		}
		if !null {
			*out = c.alloc(KindAudioQuery, []byte(AudioQueryJSON(text)))
		}
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxAudioQueryJSONFree(ptr uintptr) {
	c.free(KindAudioQuery, ptr)
}

func (c *Core) wavOutput(null bool, samples int, outLen, out *uintptr) {
	if null {
		*outLen = uintptr(len(WAV(samples)))
		return
	}
	data := WAV(samples)
	*out = c.alloc(KindWav, data)
	*outLen = uintptr(len(data))
}

func (c *Core) VoicevoxSynthesisAsync(queryJSON string, speakerID uint32, opts ffi_wrapper.SynthesisOptions, outLen, out *uintptr, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpSynthesis, SpeakerID: speakerID, Text: queryJSON})
	if err := checkText("audio_query_json", queryJSON); err != nil {
		done(err, 0)
		return
	}
	c.async(OpSynthesis, done, func(null bool) ffi_wrapper.ResultCode {
		if code := c.ready(speakerID); code != ffi_wrapper.ResultOk {
			return code
		}
		var q audioQuery
		if err := json.Unmarshal([]byte(queryJSON), &q); err != nil {
			return ffi_wrapper.ResultInvalidAudioQueryError
		}
		c.wavOutput(null, len(q.Kana)*100, outLen, out)
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxTtsAsync(text string, speakerID uint32, opts ffi_wrapper.TtsOptions, outLen, out *uintptr, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpTts, SpeakerID: speakerID, Text: text})
	if err := checkText("text", text); err != nil {
		done(err, 0)
		return
	}
	c.async(OpTts, done, func(null bool) ffi_wrapper.ResultCode {
		if code := c.ready(speakerID); code != ffi_wrapper.ResultOk {
			return code
		}
		c.wavOutput(null, len(text)*100, outLen, out)
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxWavFree(ptr uintptr) {
	c.free(KindWav, ptr)
}

func (c *Core) floatOutput(kind Kind, null bool, data []float32, outLen, out *uintptr) {
	if null {
		*outLen = uintptr(len(data))
		return
	}
	*out, *outLen = c.allocFloats(kind, data)
}

func (c *Core) VoicevoxPredictDurationAsync(phonemes []int64, speakerID uint32, outLen, out *uintptr, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpPredictDuration, SpeakerID: speakerID})
	c.async(OpPredictDuration, done, func(null bool) ffi_wrapper.ResultCode {
		if code := c.ready(speakerID); code != ffi_wrapper.ResultOk {
			return code
		}
		data := make([]float32, len(phonemes))
		for i, p := range phonemes {
			data[i] = float32(p) / 10
		}
		c.floatOutput(KindDuration, null, data, outLen, out)
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxPredictDurationDataFree(ptr uintptr) {
	c.free(KindDuration, ptr)
}

func (c *Core) VoicevoxPredictIntonationAsync(length int, vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase []int64, speakerID uint32, outLen, out *uintptr, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpPredictIntonation, SpeakerID: speakerID})
	c.async(OpPredictIntonation, done, func(null bool) ffi_wrapper.ResultCode {
		if code := c.ready(speakerID); code != ffi_wrapper.ResultOk {
			return code
		}
		data := make([]float32, length)
		for i := range data {
			data[i] = 5 + float32(vowel[i]+startAccent[i]-endAccent[i])/10
		}
		c.floatOutput(KindIntonation, null, data, outLen, out)
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxPredictIntonationDataFree(ptr uintptr) {
	c.free(KindIntonation, ptr)
}

// DecodeSamplesPerFrame is how many samples the fake decoder emits per f0
// frame.
const DecodeSamplesPerFrame = 256

func (c *Core) VoicevoxDecodeAsync(length, phonemeSize int, f0, phonemes []float32, speakerID uint32, outLen, out *uintptr, done ffi_wrapper.Callback) {
	c.record(Call{Op: OpDecode, SpeakerID: speakerID})
	c.async(OpDecode, done, func(null bool) ffi_wrapper.ResultCode {
		if code := c.ready(speakerID); code != ffi_wrapper.ResultOk {
			return code
		}
		if len(f0) != length || len(phonemes) != length*phonemeSize {
			return ffi_wrapper.ResultInferenceError
		}
		data := make([]float32, length*DecodeSamplesPerFrame)
		for i := range data {
			data[i] = f0[i/DecodeSamplesPerFrame] / 1000
		}
		c.floatOutput(KindDecode, null, data, outLen, out)
		return ffi_wrapper.ResultOk
	})
}

func (c *Core) VoicevoxDecodeDataFree(ptr uintptr) {
	c.free(KindDecode, ptr)
}

func (c *Core) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

// WAV returns a mono 16-bit PCM WAV image of silence at SampleRate.
func WAV(samples int) []byte {
	var buf bytes.Buffer
	dataLen := uint32(samples * 2)
	buf.WriteString("RIFF")
	_ = binary.Write(&buf, binary.LittleEndian, 36+dataLen)
	buf.WriteString("WAVE")
	buf.WriteString("fmt ")
	_ = binary.Write(&buf, binary.LittleEndian, struct {
		Size          uint32
		Format        uint16
		Channels      uint16
		SampleRate    uint32
		ByteRate      uint32
		BlockAlign    uint16
		BitsPerSample uint16
	}{16, 1, 1, SampleRate, SampleRate * 2, 2, 16})
	buf.WriteString("data")
	_ = binary.Write(&buf, binary.LittleEndian, dataLen)
	buf.Write(make([]byte, dataLen))
	return buf.Bytes()
}
