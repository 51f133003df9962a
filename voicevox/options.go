package voicevox

import (
	"fmt"
	"strings"

	"voicevox-core-go/voicevox/ffi_wrapper"
)

type AccelerationMode string

const (
	AccelerationAuto AccelerationMode = "auto"
	AccelerationCPU  AccelerationMode = "cpu"
	AccelerationGPU  AccelerationMode = "gpu"
)

func ParseAccelerationMode(s string) (AccelerationMode, error) {
	switch m := AccelerationMode(strings.ToLower(strings.TrimSpace(s))); m {
	case "":
		return AccelerationAuto, nil
	case AccelerationAuto, AccelerationCPU, AccelerationGPU:
		return m, nil
	default:
		return "", fmt.Errorf("unknown acceleration mode %q (want auto, cpu or gpu)", s)
	}
}

func (m AccelerationMode) native() (ffi_wrapper.AccelerationMode, error) {
	switch m {
	case AccelerationAuto, "":
		return ffi_wrapper.AccelerationModeAuto, nil
	case AccelerationCPU:
		return ffi_wrapper.AccelerationModeCPU, nil
	case AccelerationGPU:
		return ffi_wrapper.AccelerationModeGPU, nil
	default:
		return 0, fmt.Errorf("unknown acceleration mode %q", string(m))
	}
}

func accelerationModeFromNative(m ffi_wrapper.AccelerationMode) (AccelerationMode, error) {
	switch m {
	case ffi_wrapper.AccelerationModeAuto:
		return AccelerationAuto, nil
	case ffi_wrapper.AccelerationModeCPU:
		return AccelerationCPU, nil
	case ffi_wrapper.AccelerationModeGPU:
		return AccelerationGPU, nil
	default:
		return "", fmt.Errorf("library returned unknown acceleration mode %d", int32(m))
	}
}

type InitializeOptions struct {
	AccelerationMode AccelerationMode `json:"acceleration_mode"`
	// CPUNumThreads of 0 lets the library pick.
	CPUNumThreads    uint16 `json:"cpu_num_threads"`
	LoadAllModels    bool   `json:"load_all_models"`
	OpenJtalkDictDir string `json:"open_jtalk_dict_dir"`
}

func (o InitializeOptions) native() (ffi_wrapper.InitializeOptions, error) {
	mode, err := o.AccelerationMode.native()
	if err != nil {
		return ffi_wrapper.InitializeOptions{}, err
	}
	return ffi_wrapper.InitializeOptions{
		AccelerationMode: mode,
		CpuNumThreads:    o.CPUNumThreads,
		LoadAllModels:    o.LoadAllModels,
		OpenJtalkDictDir: o.OpenJtalkDictDir,
	}, nil
}

type AudioQueryOptions struct {
	// Kana treats the input text as AquesTalk-style kana.
	Kana bool `json:"kana"`
}

type SynthesisOptions struct {
	EnableInterrogativeUpspeak bool `json:"enable_interrogative_upspeak"`
}

type TtsOptions struct {
	Kana                       bool `json:"kana"`
	EnableInterrogativeUpspeak bool `json:"enable_interrogative_upspeak"`
}

// IntonationVectors are the per-mora inputs of PredictIntonation. All six
// must have the same length.
type IntonationVectors struct {
	Vowel             []int64
	Consonant         []int64
	StartAccent       []int64
	EndAccent         []int64
	StartAccentPhrase []int64
	EndAccentPhrase   []int64
}

// Ownership says who releases the audio query JSON string.
type Ownership int

const (
	// OwnershipFree copies the string and releases it with
	// voicevox_audio_query_json_free, as the library header documents.
	OwnershipFree Ownership = iota
	// OwnershipRetain copies the string and never releases it. Only useful
	// with library builds that keep the string themselves.
	OwnershipRetain
)

func (o Ownership) String() string {
	switch o {
	case OwnershipFree:
		return "free"
	case OwnershipRetain:
		return "retain"
	default:
		return fmt.Sprintf("Ownership(%d)", int(o))
	}
}

func ParseOwnership(s string) (Ownership, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "free":
		return OwnershipFree, nil
	case "retain":
		return OwnershipRetain, nil
	default:
		return 0, fmt.Errorf("unknown audio query ownership %q (want free or retain)", s)
	}
}

type LoadOptions struct {
	// Workers is the number of OS threads native calls run on. Defaults to 1.
	Workers int
	// StrictVersion refuses libraries outside the tested version range
	// instead of logging a warning.
	StrictVersion       bool
	AudioQueryOwnership Ownership
}

func (o *LoadOptions) withDefaults() LoadOptions {
	var res LoadOptions
	if o != nil {
		res = *o
	}
	if res.Workers < 1 {
		res.Workers = 1
	}
	return res
}
