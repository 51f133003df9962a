//go:build (linux || darwin) && (amd64 || arm64)

package main

import (
	"fmt"
	"os"

	"voicevox-core-go/voicevox/ffi_wrapper"
)

func check(code ffi_wrapper.ResultCode, err error) {
	if err != nil {
		panic(err)
	}
	if code != ffi_wrapper.ResultOk {
		panic(fmt.Sprintf("%s: %s", code, ffi_wrapper.GetResultMessage(code)))
	}
}

func main() {
	path, err := ffi_wrapper.FindLibrary("")
	if err != nil {
		panic(err)
	}
	lib, err := ffi_wrapper.LoadCoreLibrary(path, 1)
	if err != nil {
		panic(err)
	}
	defer lib.Close()
	println("VOICEVOX core version:", lib.VoicevoxGetVersion())

	opts := lib.VoicevoxMakeDefaultInitializeOptions()
	if dir := os.Getenv("VOICEVOX_OPEN_JTALK_DICT_DIR"); dir != "" {
		opts.OpenJtalkDictDir = dir
	}
	check(lib.VoicevoxInitialize(opts))
	defer lib.VoicevoxFinalize()

	const speakerID = 1
	check(lib.VoicevoxLoadModel(speakerID))

	var outLen, out uintptr
	check(lib.VoicevoxTts("これはボイスボックスのテストです。", speakerID, lib.VoicevoxMakeDefaultTtsOptions(), &outLen, &out))
	audioData := ffi_wrapper.CopyOut[byte](out, outLen, lib.VoicevoxWavFree)

	if err := os.WriteFile("output.wav", audioData, 0644); err != nil {
		panic(err)
	}
}
