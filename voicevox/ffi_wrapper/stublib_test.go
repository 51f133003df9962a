//go:build (linux || darwin) && (amd64 || arm64)

package ffi_wrapper

import (
	"fmt"
	"slices"
	"sync"
	"testing"
	"unsafe"

	"voicevox-core-go/voicevox/ffi_wrapper/threads"

	"github.com/ebitengine/purego"
)

// The stub library stands in for libvoicevox_core: every entry point is a Go
// function exported through purego.NewCallback, so calls go through the same
// SyscallN path and register conventions as the real thing.

type stubCall struct {
	args   []uintptr
	text   string
	ints   []int64
	floats []float32
}

type stubLibrary struct {
	mu       sync.Mutex
	calls    map[string][]stubCall
	results  map[string]uintptr
	live     map[uintptr]any
	owned    map[string][]byte
	badFrees []uintptr
}

var (
	stub      = &stubLibrary{}
	stubOnce  sync.Once
	stubAddrs map[string]uintptr
)

func (s *stubLibrary) reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = map[string][]stubCall{}
	s.results = map[string]uintptr{}
	s.live = map[uintptr]any{}
	s.owned = map[string][]byte{}
	s.badFrees = nil
}

// setResult makes name return raw in its first return register.
func (s *stubLibrary) setResult(name string, raw uintptr) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.results[name] = raw
}

func (s *stubLibrary) record(name string, c stubCall) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls[name] = append(s.calls[name], c)
	return s.results[name]
}

func (s *stubLibrary) count(name string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.calls[name])
}

func (s *stubLibrary) last(t *testing.T, name string) stubCall {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	calls := s.calls[name]
	if len(calls) == 0 {
		t.Fatalf("%s was never called", name)
	}
	return calls[len(calls)-1]
}

// libraryString returns a NUL-terminated string the stub keeps ownership of.
func (s *stubLibrary) libraryString(str string) uintptr {
	s.mu.Lock()
	defer s.mu.Unlock()
	buf, ok := s.owned[str]
	if !ok {
		buf = append([]byte(str), 0)
		s.owned[str] = buf
	}
	return uintptr(unsafe.Pointer(&buf[0]))
}

// handOut keeps v reachable until the caller frees its address.
func handOut[T any](s *stubLibrary, v []T) uintptr {
	if len(v) == 0 {
		v = make([]T, 1)
	}
	addr := uintptr(unsafe.Pointer(&v[0]))
	s.mu.Lock()
	s.live[addr] = v
	s.mu.Unlock()
	return addr
}

func (s *stubLibrary) free(name string, ptr uintptr) uintptr {
	s.record(name, stubCall{args: []uintptr{ptr}})
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.live[ptr]; !ok {
		s.badFrees = append(s.badFrees, ptr)
		return 0
	}
	delete(s.live, ptr)
	return 0
}

func (s *stubLibrary) checkNoLeaks(t *testing.T) {
	t.Helper()
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.live) != 0 {
		t.Errorf("%d buffers never freed", len(s.live))
	}
	if len(s.badFrees) != 0 {
		t.Errorf("freed unknown pointers %#x", s.badFrees)
	}
}

//goland:noinspection GoVetUnsafePointer
func writeOut(outLen, out, n, addr uintptr) {
	if outLen != 0 {
		*(*uintptr)(unsafe.Pointer(outLen)) = n
	}
	*(*uintptr)(unsafe.Pointer(out)) = addr
}

//goland:noinspection GoVetUnsafePointer
func nativeSlice[T any](ptr, n uintptr) []T {
	if ptr == 0 || n == 0 {
		return nil
	}
	return slices.Clone(unsafe.Slice((*T)(unsafe.Pointer(ptr)), n))
}

func stubBytes(s *stubLibrary, name string, text string, args []uintptr, outLen, out uintptr) uintptr {
	code := s.record(name, stubCall{args: args, text: text})
	if code != 0 {
		return code
	}
	wav := []byte("wav:" + text)
	writeOut(outLen, out, uintptr(len(wav)), handOut(s, wav))
	return 0
}

func stubCallbacks() map[string]any {
	s := stub
	freeFn := func(name string) func(uintptr) uintptr {
		return func(ptr uintptr) uintptr { return s.free(name, ptr) }
	}
	return map[string]any{
		"voicevox_initialize": func(lo, hi uintptr) uintptr {
			return s.record("voicevox_initialize", stubCall{args: []uintptr{lo, hi}, text: GoString(hi)})
		},
		"voicevox_get_version": func() uintptr {
			s.record("voicevox_get_version", stubCall{})
			return s.libraryString("0.14.1")
		},
		"voicevox_load_model": func(speakerID uintptr) uintptr {
			return s.record("voicevox_load_model", stubCall{args: []uintptr{speakerID}})
		},
		"voicevox_is_gpu_mode": func() uintptr {
			return s.record("voicevox_is_gpu_mode", stubCall{})
		},
		"voicevox_is_model_loaded": func(speakerID uintptr) uintptr {
			return s.record("voicevox_is_model_loaded", stubCall{args: []uintptr{speakerID}})
		},
		"voicevox_finalize": func() uintptr {
			s.record("voicevox_finalize", stubCall{})
			return 0
		},
		"voicevox_get_metas_json": func() uintptr {
			return s.libraryString(`[{"name":"stub","styles":[{"name":"normal","id":0}],"speaker_uuid":"u","version":"0.0.1"}]`)
		},
		"voicevox_get_supported_devices_json": func() uintptr {
			return s.libraryString(`{"cpu":true,"cuda":false,"dml":false}`)
		},
		"voicevox_predict_duration": func(length, phonemes, speakerID, outLen, out uintptr) uintptr {
			in := nativeSlice[int64](phonemes, length)
			code := s.record("voicevox_predict_duration", stubCall{args: []uintptr{length, phonemes, speakerID, outLen, out}, ints: in})
			if code != 0 {
				return code
			}
			res := make([]float32, len(in))
			for i, p := range in {
				res[i] = float32(p) * 0.5
			}
			writeOut(outLen, out, uintptr(len(res)), handOut(s, res))
			return 0
		},
		"voicevox_predict_duration_data_free": freeFn("voicevox_predict_duration_data_free"),
		"voicevox_predict_intonation": func(length, vowel, consonant, startAccent, endAccent, startPhrase, endPhrase, speakerID, outLen, out uintptr) uintptr {
			var ints []int64
			for _, v := range []uintptr{vowel, consonant, startAccent, endAccent, startPhrase, endPhrase} {
				ints = append(ints, nativeSlice[int64](v, length)...)
			}
			code := s.record("voicevox_predict_intonation", stubCall{
				args: []uintptr{length, vowel, consonant, startAccent, endAccent, startPhrase, endPhrase, speakerID, outLen, out},
				ints: ints,
			})
			if code != 0 {
				return code
			}
			res := make([]float32, length)
			for i := range res {
				res[i] = float32(ints[i] + ints[int(length)+i])
			}
			writeOut(outLen, out, length, handOut(s, res))
			return 0
		},
		"voicevox_predict_intonation_data_free": freeFn("voicevox_predict_intonation_data_free"),
		"voicevox_decode": func(length, phonemeSize, f0, phonemes, speakerID, outLen, out uintptr) uintptr {
			floats := append(nativeSlice[float32](f0, length), nativeSlice[float32](phonemes, length*phonemeSize)...)
			code := s.record("voicevox_decode", stubCall{args: []uintptr{length, phonemeSize, f0, phonemes, speakerID, outLen, out}, floats: floats})
			if code != 0 {
				return code
			}
			res := make([]float32, 0, length*2)
			for _, f := range floats[:length] {
				res = append(res, f, -f)
			}
			writeOut(outLen, out, uintptr(len(res)), handOut(s, res))
			return 0
		},
		"voicevox_decode_data_free": freeFn("voicevox_decode_data_free"),
		// A callback can only set the first return register, so the
		// initialize defaults are covered against a real library only.
		"voicevox_make_default_initialize_options": func() uintptr {
			return s.record("voicevox_make_default_initialize_options", stubCall{})
		},
		"voicevox_make_default_audio_query_options": func() uintptr {
			return s.record("voicevox_make_default_audio_query_options", stubCall{})
		},
		"voicevox_make_default_synthesis_options": func() uintptr {
			return s.record("voicevox_make_default_synthesis_options", stubCall{})
		},
		"voicevox_make_default_tts_options": func() uintptr {
			return s.record("voicevox_make_default_tts_options", stubCall{})
		},
		"voicevox_audio_query": func(text, speakerID, opts, out uintptr) uintptr {
			str := GoString(text)
			code := s.record("voicevox_audio_query", stubCall{args: []uintptr{text, speakerID, opts, out}, text: str})
			if code != 0 {
				return code
			}
			query := append([]byte(fmt.Sprintf(`{"kana":%q}`, str)), 0)
			writeOut(0, out, 0, handOut(s, query))
			return 0
		},
		"voicevox_audio_query_json_free": freeFn("voicevox_audio_query_json_free"),
		"voicevox_synthesis": func(query, speakerID, opts, outLen, out uintptr) uintptr {
			return stubBytes(s, "voicevox_synthesis", GoString(query), []uintptr{query, speakerID, opts, outLen, out}, outLen, out)
		},
		"voicevox_tts": func(text, speakerID, opts, outLen, out uintptr) uintptr {
			return stubBytes(s, "voicevox_tts", GoString(text), []uintptr{text, speakerID, opts, outLen, out}, outLen, out)
		},
		"voicevox_wav_free": freeFn("voicevox_wav_free"),
		"voicevox_error_result_to_message": func(code uintptr) uintptr {
			s.record("voicevox_error_result_to_message", stubCall{args: []uintptr{code}})
			return s.libraryString(fmt.Sprintf("stub message %d", int32(uint32(code))))
		},
	}
}

// newStubLibrary returns a CoreLibrary whose entry points are the stub's.
// Tests using it must not run in parallel.
func newStubLibrary(t *testing.T, workers int) *CoreLibrary {
	t.Helper()
	stubOnce.Do(func() {
		stubAddrs = map[string]uintptr{}
		for name, fn := range stubCallbacks() {
			stubAddrs[name] = purego.NewCallback(fn)
		}
	})
	stub.reset()

	lib := &CoreLibrary{
		executor: threads.NewExecutor(8, workers),
		path:     "stub",
		version:  "0.14.1",
	}
	for _, p := range lib.procTable() {
		addr, ok := stubAddrs[p.name]
		if !ok {
			t.Fatalf("no stub for %s", p.name)
		}
		*p.dst = &Proc{Name: p.name, addr: addr}
	}
	t.Cleanup(func() { _ = lib.Close() })
	return lib
}
