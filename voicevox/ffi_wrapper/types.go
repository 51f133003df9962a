package ffi_wrapper

type (
	ResultCode       int32
	AccelerationMode int32
	Bool             uint8

	// Callback receives the outcome of an asynchronous native call. err is set
	// when the call could not be dispatched or marshalled; code is only
	// meaningful when err is nil. It never runs on an executor thread, so it
	// may call back into the library.
	Callback func(err error, code ResultCode)
)

const (
	False Bool = 0
	True  Bool = 1
)

const (
	ResultOk ResultCode = iota
	ResultNotLoadedOpenjtalkDictError
	ResultLoadModelError
	ResultGetSupportedDevicesError
	ResultGpuSupportError
	ResultLoadMetasError
	ResultUninitializedStatusError
	ResultInvalidSpeakerIdError
	ResultInvalidModelIndexError
	ResultInferenceError
	ResultExtractFullContextLabelError
	ResultInvalidUtf8InputError
	ResultParseKanaError
	ResultInvalidAudioQueryError
)

const (
	AccelerationModeAuto AccelerationMode = iota
	AccelerationModeCPU
	AccelerationModeGPU
)

// InitializeOptions is the Go view of VoicevoxInitializeOptions. The
// dictionary path is marshalled to a NUL-terminated string when the struct is
// passed to the library.
type InitializeOptions struct {
	AccelerationMode AccelerationMode
	CpuNumThreads    uint16
	LoadAllModels    bool
	OpenJtalkDictDir string
}

type AudioQueryOptions struct {
	Kana bool
}

type SynthesisOptions struct {
	EnableInterrogativeUpspeak bool
}

type TtsOptions struct {
	Kana                       bool
	EnableInterrogativeUpspeak bool
}

func ToBool(b bool) Bool {
	if b {
		return True
	}
	return False
}

func (b Bool) Go() bool {
	return b != False
}
