//go:build (linux || darwin) && (amd64 || arm64)

package ffi_wrapper

import (
	"encoding/binary"
	"fmt"
	"unsafe"

	"golang.org/x/sys/unix"
)

// LayoutVersion is the native header revision the mirror structs below follow.
const LayoutVersion = "0.14"

// Field describes one member of a native struct.
type Field struct {
	Name   string
	Offset uintptr
	Size   uintptr
}

// Layout is the byte-level description of a struct the library takes or
// returns by value.
type Layout struct {
	Name   string
	Size   uintptr
	Align  uintptr
	Fields []Field
}

/*
	typedef struct VoicevoxInitializeOptions {
	    VoicevoxAccelerationMode acceleration_mode;
	    uint16_t cpu_num_threads;
	    bool load_all_models;
	    const char *open_jtalk_dict_dir;
	} VoicevoxInitializeOptions;
*/
type InitializeOptionsC struct {
	AccelerationMode AccelerationMode
	CpuNumThreads    uint16
	LoadAllModels    Bool
	_                [1]byte
	OpenJtalkDictDir uintptr
}

/*
	typedef struct VoicevoxAudioQueryOptions {
	    bool kana;
	} VoicevoxAudioQueryOptions;
*/
type AudioQueryOptionsC struct {
	Kana Bool
}

/*
	typedef struct VoicevoxSynthesisOptions {
	    bool enable_interrogative_upspeak;
	} VoicevoxSynthesisOptions;
*/
type SynthesisOptionsC struct {
	EnableInterrogativeUpspeak Bool
}

/*
	typedef struct VoicevoxTtsOptions {
	    bool kana;
	    bool enable_interrogative_upspeak;
	} VoicevoxTtsOptions;
*/
type TtsOptionsC struct {
	Kana                       Bool
	EnableInterrogativeUpspeak Bool
}

var (
	InitializeOptionsLayout = Layout{
		Name:  "VoicevoxInitializeOptions",
		Size:  16,
		Align: 8,
		Fields: []Field{
			{Name: "acceleration_mode", Offset: 0, Size: 4},
			{Name: "cpu_num_threads", Offset: 4, Size: 2},
			{Name: "load_all_models", Offset: 6, Size: 1},
			{Name: "open_jtalk_dict_dir", Offset: 8, Size: 8},
		},
	}
	AudioQueryOptionsLayout = Layout{
		Name:   "VoicevoxAudioQueryOptions",
		Size:   1,
		Align:  1,
		Fields: []Field{{Name: "kana", Offset: 0, Size: 1}},
	}
	SynthesisOptionsLayout = Layout{
		Name:   "VoicevoxSynthesisOptions",
		Size:   1,
		Align:  1,
		Fields: []Field{{Name: "enable_interrogative_upspeak", Offset: 0, Size: 1}},
	}
	TtsOptionsLayout = Layout{
		Name:  "VoicevoxTtsOptions",
		Size:  2,
		Align: 1,
		Fields: []Field{
			{Name: "kana", Offset: 0, Size: 1},
			{Name: "enable_interrogative_upspeak", Offset: 1, Size: 1},
		},
	}
)

type mirror struct {
	layout  Layout
	size    uintptr
	align   uintptr
	offsets []uintptr
	sizes   []uintptr
}

func mirrors() []mirror {
	var (
		ic InitializeOptionsC
		ac AudioQueryOptionsC
		sc SynthesisOptionsC
		tc TtsOptionsC
	)
	return []mirror{
		{
			layout:  InitializeOptionsLayout,
			size:    unsafe.Sizeof(ic),
			align:   unsafe.Alignof(ic),
			offsets: []uintptr{unsafe.Offsetof(ic.AccelerationMode), unsafe.Offsetof(ic.CpuNumThreads), unsafe.Offsetof(ic.LoadAllModels), unsafe.Offsetof(ic.OpenJtalkDictDir)},
			sizes:   []uintptr{unsafe.Sizeof(ic.AccelerationMode), unsafe.Sizeof(ic.CpuNumThreads), unsafe.Sizeof(ic.LoadAllModels), unsafe.Sizeof(ic.OpenJtalkDictDir)},
		},
		{
			layout:  AudioQueryOptionsLayout,
			size:    unsafe.Sizeof(ac),
			align:   unsafe.Alignof(ac),
			offsets: []uintptr{unsafe.Offsetof(ac.Kana)},
			sizes:   []uintptr{unsafe.Sizeof(ac.Kana)},
		},
		{
			layout:  SynthesisOptionsLayout,
			size:    unsafe.Sizeof(sc),
			align:   unsafe.Alignof(sc),
			offsets: []uintptr{unsafe.Offsetof(sc.EnableInterrogativeUpspeak)},
			sizes:   []uintptr{unsafe.Sizeof(sc.EnableInterrogativeUpspeak)},
		},
		{
			layout:  TtsOptionsLayout,
			size:    unsafe.Sizeof(tc),
			align:   unsafe.Alignof(tc),
			offsets: []uintptr{unsafe.Offsetof(tc.Kana), unsafe.Offsetof(tc.EnableInterrogativeUpspeak)},
			sizes:   []uintptr{unsafe.Sizeof(tc.Kana), unsafe.Sizeof(tc.EnableInterrogativeUpspeak)},
		},
	}
}

// ValidateLayouts checks the Go mirror structs against the native layout
// descriptors. A mismatch would silently corrupt every field after it.
func ValidateLayouts() error {
	for _, m := range mirrors() {
		if m.size != m.layout.Size {
			return fmt.Errorf("%s: size %d, native layout expects %d", m.layout.Name, m.size, m.layout.Size)
		}
		if m.align != m.layout.Align {
			return fmt.Errorf("%s: alignment %d, native layout expects %d", m.layout.Name, m.align, m.layout.Align)
		}
		if len(m.offsets) != len(m.layout.Fields) {
			return fmt.Errorf("%s: %d fields, native layout expects %d", m.layout.Name, len(m.offsets), len(m.layout.Fields))
		}
		for i, f := range m.layout.Fields {
			if m.offsets[i] != f.Offset || m.sizes[i] != f.Size {
				return fmt.Errorf("%s.%s: offset %d width %d, native layout expects offset %d width %d",
					m.layout.Name, f.Name, m.offsets[i], m.sizes[i], f.Offset, f.Size)
			}
		}
	}
	return nil
}

// registerWords splits a struct of at most 16 bytes into the two integer
// registers SysV amd64 and AAPCS64 use to pass it by value. Only the first
// word is meaningful for structs of 8 bytes or less.
func registerWords[T any](v *T) (lo, hi uintptr) {
	size := unsafe.Sizeof(*v)
	if size > 16 {
		panic(fmt.Sprintf("struct of %d bytes is not passed in registers", size))
	}
	var buf [16]byte
	copy(buf[:], unsafe.Slice((*byte)(unsafe.Pointer(v)), size))
	return uintptr(binary.LittleEndian.Uint64(buf[0:8])), uintptr(binary.LittleEndian.Uint64(buf[8:16]))
}

// fromRegisterWords reassembles a struct returned by value in the two
// integer return registers.
func fromRegisterWords[T any](r1, r2 uintptr) T {
	var v T
	size := unsafe.Sizeof(v)
	if size > 16 {
		panic(fmt.Sprintf("struct of %d bytes is not returned in registers", size))
	}
	var buf [16]byte
	binary.LittleEndian.PutUint64(buf[0:8], uint64(r1))
	binary.LittleEndian.PutUint64(buf[8:16], uint64(r2))
	copy(unsafe.Slice((*byte)(unsafe.Pointer(&v)), size), buf[:size])
	return v
}

// toC encodes o in its native layout. The returned buffer backs the
// dictionary path pointer and must stay reachable until the call returns.
func (o InitializeOptions) toC() (InitializeOptionsC, *byte, error) {
	dir, err := unix.BytePtrFromString(o.OpenJtalkDictDir)
	if err != nil {
		return InitializeOptionsC{}, nil, fmt.Errorf("open_jtalk_dict_dir: %w", err)
	}
	return InitializeOptionsC{
		AccelerationMode: o.AccelerationMode,
		CpuNumThreads:    o.CpuNumThreads,
		LoadAllModels:    ToBool(o.LoadAllModels),
		OpenJtalkDictDir: uintptr(unsafe.Pointer(dir)),
	}, dir, nil
}

func decodeInitializeOptions(c InitializeOptionsC) InitializeOptions {
	return InitializeOptions{
		AccelerationMode: c.AccelerationMode,
		CpuNumThreads:    c.CpuNumThreads,
		LoadAllModels:    c.LoadAllModels.Go(),
		OpenJtalkDictDir: GoString(c.OpenJtalkDictDir),
	}
}

func (o AudioQueryOptions) toC() AudioQueryOptionsC {
	return AudioQueryOptionsC{Kana: ToBool(o.Kana)}
}

func (o SynthesisOptions) toC() SynthesisOptionsC {
	return SynthesisOptionsC{EnableInterrogativeUpspeak: ToBool(o.EnableInterrogativeUpspeak)}
}

func (o TtsOptions) toC() TtsOptionsC {
	return TtsOptionsC{
		Kana:                       ToBool(o.Kana),
		EnableInterrogativeUpspeak: ToBool(o.EnableInterrogativeUpspeak),
	}
}
