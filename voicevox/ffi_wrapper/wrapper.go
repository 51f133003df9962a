//go:build (linux || darwin) && (amd64 || arm64)

package ffi_wrapper

import (
	"fmt"
	"runtime"
	"unsafe"

	"voicevox-core-go/voicevox/ffi_wrapper/threads"

	"github.com/rs/zerolog/log"
	"golang.org/x/sys/unix"
)

// prepare binds proc to its marshalled arguments. Everything in keep backs a
// pointer in args and stays reachable until the native call has returned.
func (l *CoreLibrary) prepare(proc *Proc, keep []any, args ...uintptr) threads.Call {
	return func() (uintptr, uintptr, error) {
		defer runtime.KeepAlive(keep)
		log.Trace().Str("proc", proc.Name).Msg("native call")
		return proc.Call(args...)
	}
}

// C returns VoicevoxResultCode (int32) in the low half of the register.
func toResultCode(r1 uintptr) ResultCode {
	return ResultCode(int32(uint32(r1)))
}

// C bool only defines the low byte of the return register.
func toGoBool(r1 uintptr) bool {
	return r1&0xff != 0
}

func (l *CoreLibrary) callResult(call threads.Call, err error) (ResultCode, error) {
	if err != nil {
		return 0, err
	}
	r1, _, err := l.executor.Call(call)
	if err != nil {
		return 0, err
	}
	return toResultCode(r1), nil
}

// goResult dispatches call and reports its outcome to done. done runs on its
// own goroutine, off the executor, and may call back into the library.
func (l *CoreLibrary) goResult(call threads.Call, err error, done Callback) {
	if err != nil {
		done(err, 0)
		return
	}
	l.executor.Go(call, func(r threads.Result) {
		if r.Err != nil {
			go done(r.Err, 0)
			return
		}
		go done(nil, toResultCode(r.R1))
	})
}

func (l *CoreLibrary) callVoid(proc *Proc, args ...uintptr) uintptr {
	r1, _, err := l.executor.Call(l.prepare(proc, nil, args...))
	if err != nil {
		log.Error().Err(err).Str("proc", proc.Name).Msg("native call failed")
	}
	return r1
}

func sliceAddr[T any](s []T) uintptr {
	if len(s) == 0 {
		return 0
	}
	return uintptr(unsafe.Pointer(&s[0]))
}

func cString(s string, what string) (*byte, error) {
	p, err := unix.BytePtrFromString(s)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", what, err)
	}
	return p, nil
}

// VoicevoxErrorResultToMessage asks the library for its own message. Error
// values use GetResultMessage instead.
func (l *CoreLibrary) VoicevoxErrorResultToMessage(code ResultCode) string {
	return GoString(l.callVoid(l.voicevoxErrorResultToMessage, uintptr(uint32(code))))
}

func (l *CoreLibrary) initializeCall(opts InitializeOptions) (threads.Call, error) {
	c, dir, err := opts.toC()
	if err != nil {
		return nil, err
	}
	lo, hi := registerWords(&c)
	return l.prepare(l.voicevoxInitialize, []any{dir}, lo, hi), nil
}

func (l *CoreLibrary) VoicevoxInitialize(opts InitializeOptions) (ResultCode, error) {
	return l.callResult(l.initializeCall(opts))
}

func (l *CoreLibrary) VoicevoxInitializeAsync(opts InitializeOptions, done Callback) {
	call, err := l.initializeCall(opts)
	l.goResult(call, err, done)
}

// VoicevoxGetVersion returns the version string. The library owns it.
func (l *CoreLibrary) VoicevoxGetVersion() string {
	return GoString(l.callVoid(l.voicevoxGetVersion))
}

// VoicevoxGetVersionPtr returns the raw version pointer so callers can tell a
// null result from an empty one.
func (l *CoreLibrary) VoicevoxGetVersionPtr() uintptr {
	return l.callVoid(l.voicevoxGetVersion)
}

func (l *CoreLibrary) VoicevoxLoadModel(speakerID uint32) (ResultCode, error) {
	return l.callResult(l.prepare(l.voicevoxLoadModel, nil, uintptr(speakerID)), nil)
}

func (l *CoreLibrary) VoicevoxLoadModelAsync(speakerID uint32, done Callback) {
	l.goResult(l.prepare(l.voicevoxLoadModel, nil, uintptr(speakerID)), nil, done)
}

func (l *CoreLibrary) VoicevoxIsGpuMode() bool {
	return toGoBool(l.callVoid(l.voicevoxIsGpuMode))
}

func (l *CoreLibrary) VoicevoxIsModelLoaded(speakerID uint32) bool {
	return toGoBool(l.callVoid(l.voicevoxIsModelLoaded, uintptr(speakerID)))
}

func (l *CoreLibrary) VoicevoxFinalize() {
	l.callVoid(l.voicevoxFinalize)
}

func (l *CoreLibrary) VoicevoxGetMetasJSON() uintptr {
	return l.callVoid(l.voicevoxGetMetasJSON)
}

func (l *CoreLibrary) VoicevoxGetSupportedDevicesJSON() uintptr {
	return l.callVoid(l.voicevoxGetSupportedDevicesJSON)
}

func (l *CoreLibrary) predictDurationCall(phonemes []int64, speakerID uint32, outLen, out *uintptr) (threads.Call, error) {
	return l.prepare(l.voicevoxPredictDuration,
		[]any{phonemes, outLen, out},
		uintptr(len(phonemes)),
		sliceAddr(phonemes),
		uintptr(speakerID),
		uintptr(unsafe.Pointer(outLen)),
		uintptr(unsafe.Pointer(out)),
	), nil
}

func (l *CoreLibrary) VoicevoxPredictDuration(phonemes []int64, speakerID uint32, outLen, out *uintptr) (ResultCode, error) {
	return l.callResult(l.predictDurationCall(phonemes, speakerID, outLen, out))
}

func (l *CoreLibrary) VoicevoxPredictDurationAsync(phonemes []int64, speakerID uint32, outLen, out *uintptr, done Callback) {
	call, err := l.predictDurationCall(phonemes, speakerID, outLen, out)
	l.goResult(call, err, done)
}

func (l *CoreLibrary) VoicevoxPredictDurationDataFree(ptr uintptr) {
	l.callVoid(l.voicevoxPredictDurationDataFree, ptr)
}

func (l *CoreLibrary) predictIntonationCall(length int, vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase []int64, speakerID uint32, outLen, out *uintptr) (threads.Call, error) {
	for _, v := range [][]int64{vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase} {
		if len(v) != length {
			return nil, fmt.Errorf("intonation vector of length %d, want %d", len(v), length)
		}
	}
	return l.prepare(l.voicevoxPredictIntonation,
		[]any{vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase, outLen, out},
		uintptr(length),
		sliceAddr(vowel),
		sliceAddr(consonant),
		sliceAddr(startAccent),
		sliceAddr(endAccent),
		sliceAddr(startAccentPhrase),
		sliceAddr(endAccentPhrase),
		uintptr(speakerID),
		uintptr(unsafe.Pointer(outLen)),
		uintptr(unsafe.Pointer(out)),
	), nil
}

func (l *CoreLibrary) VoicevoxPredictIntonation(length int, vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase []int64, speakerID uint32, outLen, out *uintptr) (ResultCode, error) {
	return l.callResult(l.predictIntonationCall(length, vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase, speakerID, outLen, out))
}

func (l *CoreLibrary) VoicevoxPredictIntonationAsync(length int, vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase []int64, speakerID uint32, outLen, out *uintptr, done Callback) {
	call, err := l.predictIntonationCall(length, vowel, consonant, startAccent, endAccent, startAccentPhrase, endAccentPhrase, speakerID, outLen, out)
	l.goResult(call, err, done)
}

func (l *CoreLibrary) VoicevoxPredictIntonationDataFree(ptr uintptr) {
	l.callVoid(l.voicevoxPredictIntonationDataFree, ptr)
}

func (l *CoreLibrary) decodeCall(length, phonemeSize int, f0, phonemes []float32, speakerID uint32, outLen, out *uintptr) (threads.Call, error) {
	if len(f0) != length || len(phonemes) != length*phonemeSize {
		return nil, fmt.Errorf("decode vectors of length %d and %d do not match %dx%d", len(f0), len(phonemes), length, phonemeSize)
	}
	return l.prepare(l.voicevoxDecode,
		[]any{f0, phonemes, outLen, out},
		uintptr(length),
		uintptr(phonemeSize),
		sliceAddr(f0),
		sliceAddr(phonemes),
		uintptr(speakerID),
		uintptr(unsafe.Pointer(outLen)),
		uintptr(unsafe.Pointer(out)),
	), nil
}

func (l *CoreLibrary) VoicevoxDecode(length, phonemeSize int, f0, phonemes []float32, speakerID uint32, outLen, out *uintptr) (ResultCode, error) {
	return l.callResult(l.decodeCall(length, phonemeSize, f0, phonemes, speakerID, outLen, out))
}

func (l *CoreLibrary) VoicevoxDecodeAsync(length, phonemeSize int, f0, phonemes []float32, speakerID uint32, outLen, out *uintptr, done Callback) {
	call, err := l.decodeCall(length, phonemeSize, f0, phonemes, speakerID, outLen, out)
	l.goResult(call, err, done)
}

func (l *CoreLibrary) VoicevoxDecodeDataFree(ptr uintptr) {
	l.callVoid(l.voicevoxDecodeDataFree, ptr)
}

func (l *CoreLibrary) makeDefault(proc *Proc) (uintptr, uintptr) {
	r1, r2, err := l.executor.Call(l.prepare(proc, nil))
	if err != nil {
		log.Error().Err(err).Str("proc", proc.Name).Msg("native call failed")
	}
	return r1, r2
}

func (l *CoreLibrary) VoicevoxMakeDefaultInitializeOptions() InitializeOptions {
	r1, r2 := l.makeDefault(l.voicevoxMakeDefaultInitializeOptions)
	return decodeInitializeOptions(fromRegisterWords[InitializeOptionsC](r1, r2))
}

func (l *CoreLibrary) VoicevoxMakeDefaultAudioQueryOptions() AudioQueryOptions {
	r1, r2 := l.makeDefault(l.voicevoxMakeDefaultAudioQueryOptions)
	c := fromRegisterWords[AudioQueryOptionsC](r1, r2)
	return AudioQueryOptions{Kana: c.Kana.Go()}
}

func (l *CoreLibrary) VoicevoxMakeDefaultSynthesisOptions() SynthesisOptions {
	r1, r2 := l.makeDefault(l.voicevoxMakeDefaultSynthesisOptions)
	c := fromRegisterWords[SynthesisOptionsC](r1, r2)
	return SynthesisOptions{EnableInterrogativeUpspeak: c.EnableInterrogativeUpspeak.Go()}
}

func (l *CoreLibrary) VoicevoxMakeDefaultTtsOptions() TtsOptions {
	r1, r2 := l.makeDefault(l.voicevoxMakeDefaultTtsOptions)
	c := fromRegisterWords[TtsOptionsC](r1, r2)
	return TtsOptions{Kana: c.Kana.Go(), EnableInterrogativeUpspeak: c.EnableInterrogativeUpspeak.Go()}
}

func (l *CoreLibrary) audioQueryCall(text string, speakerID uint32, opts AudioQueryOptions, out *uintptr) (threads.Call, error) {
	textPtr, err := cString(text, "text")
	if err != nil {
		return nil, err
	}
	c := opts.toC()
	lo, _ := registerWords(&c)
	return l.prepare(l.voicevoxAudioQuery,
		[]any{textPtr, out},
		uintptr(unsafe.Pointer(textPtr)),
		uintptr(speakerID),
		lo,
		uintptr(unsafe.Pointer(out)),
	), nil
}

func (l *CoreLibrary) VoicevoxAudioQuery(text string, speakerID uint32, opts AudioQueryOptions, out *uintptr) (ResultCode, error) {
	return l.callResult(l.audioQueryCall(text, speakerID, opts, out))
}

func (l *CoreLibrary) VoicevoxAudioQueryAsync(text string, speakerID uint32, opts AudioQueryOptions, out *uintptr, done Callback) {
	call, err := l.audioQueryCall(text, speakerID, opts, out)
	l.goResult(call, err, done)
}

func (l *CoreLibrary) VoicevoxAudioQueryJSONFree(ptr uintptr) {
	l.callVoid(l.voicevoxAudioQueryJSONFree, ptr)
}

func (l *CoreLibrary) synthesisCall(queryJSON string, speakerID uint32, opts SynthesisOptions, outLen, out *uintptr) (threads.Call, error) {
	queryPtr, err := cString(queryJSON, "audio_query_json")
	if err != nil {
		return nil, err
	}
	c := opts.toC()
	lo, _ := registerWords(&c)
	return l.prepare(l.voicevoxSynthesis,
		[]any{queryPtr, outLen, out},
		uintptr(unsafe.Pointer(queryPtr)),
		uintptr(speakerID),
		lo,
		uintptr(unsafe.Pointer(outLen)),
		uintptr(unsafe.Pointer(out)),
	), nil
}

func (l *CoreLibrary) VoicevoxSynthesis(queryJSON string, speakerID uint32, opts SynthesisOptions, outLen, out *uintptr) (ResultCode, error) {
	return l.callResult(l.synthesisCall(queryJSON, speakerID, opts, outLen, out))
}

func (l *CoreLibrary) VoicevoxSynthesisAsync(queryJSON string, speakerID uint32, opts SynthesisOptions, outLen, out *uintptr, done Callback) {
	call, err := l.synthesisCall(queryJSON, speakerID, opts, outLen, out)
	l.goResult(call, err, done)
}

func (l *CoreLibrary) ttsCall(text string, speakerID uint32, opts TtsOptions, outLen, out *uintptr) (threads.Call, error) {
	textPtr, err := cString(text, "text")
	if err != nil {
		return nil, err
	}
	c := opts.toC()
	lo, _ := registerWords(&c)
	return l.prepare(l.voicevoxTts,
		[]any{textPtr, outLen, out},
		uintptr(unsafe.Pointer(textPtr)),
		uintptr(speakerID),
		lo,
		uintptr(unsafe.Pointer(outLen)),
		uintptr(unsafe.Pointer(out)),
	), nil
}

func (l *CoreLibrary) VoicevoxTts(text string, speakerID uint32, opts TtsOptions, outLen, out *uintptr) (ResultCode, error) {
	return l.callResult(l.ttsCall(text, speakerID, opts, outLen, out))
}

func (l *CoreLibrary) VoicevoxTtsAsync(text string, speakerID uint32, opts TtsOptions, outLen, out *uintptr, done Callback) {
	call, err := l.ttsCall(text, speakerID, opts, outLen, out)
	l.goResult(call, err, done)
}

func (l *CoreLibrary) VoicevoxWavFree(ptr uintptr) {
	l.callVoid(l.voicevoxWavFree, ptr)
}
