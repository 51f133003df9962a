package ffi_wrapper

import "fmt"

// KnownResultCodes lists every code the library documents, OK included.
func KnownResultCodes() []ResultCode {
	codes := make([]ResultCode, 0, int(ResultInvalidAudioQueryError)+1)
	for c := ResultOk; c <= ResultInvalidAudioQueryError; c++ {
		codes = append(codes, c)
	}
	return codes
}

func (c ResultCode) String() string {
	switch c {
	case ResultOk:
		return "VOICEVOX_RESULT_OK"
	case ResultNotLoadedOpenjtalkDictError:
		return "VOICEVOX_RESULT_NOT_LOADED_OPENJTALK_DICT_ERROR"
	case ResultLoadModelError:
		return "VOICEVOX_RESULT_LOAD_MODEL_ERROR"
	case ResultGetSupportedDevicesError:
		return "VOICEVOX_RESULT_GET_SUPPORTED_DEVICES_ERROR"
	case ResultGpuSupportError:
		return "VOICEVOX_RESULT_GPU_SUPPORT_ERROR"
	case ResultLoadMetasError:
		return "VOICEVOX_RESULT_LOAD_METAS_ERROR"
	case ResultUninitializedStatusError:
		return "VOICEVOX_RESULT_UNINITIALIZED_STATUS_ERROR"
	case ResultInvalidSpeakerIdError:
		return "VOICEVOX_RESULT_INVALID_SPEAKER_ID_ERROR"
	case ResultInvalidModelIndexError:
		return "VOICEVOX_RESULT_INVALID_MODEL_INDEX_ERROR"
	case ResultInferenceError:
		return "VOICEVOX_RESULT_INFERENCE_ERROR"
	case ResultExtractFullContextLabelError:
		return "VOICEVOX_RESULT_EXTRACT_FULL_CONTEXT_LABEL_ERROR"
	case ResultInvalidUtf8InputError:
		return "VOICEVOX_RESULT_INVALID_UTF8_INPUT_ERROR"
	case ResultParseKanaError:
		return "VOICEVOX_RESULT_PARSE_KANA_ERROR"
	case ResultInvalidAudioQueryError:
		return "VOICEVOX_RESULT_INVALID_AUDIO_QUERY_ERROR"
	default:
		return fmt.Sprintf("VOICEVOX_RESULT_%d", int32(c))
	}
}

// GetResultMessage resolves a result code to its diagnostic message without
// calling into the library, so it stays usable when no library is loaded.
func GetResultMessage(code ResultCode) string {
	switch code {
	case ResultOk:
		return "success"
	case ResultNotLoadedOpenjtalkDictError:
		return "the OpenJTalk dictionary is not loaded"
	case ResultLoadModelError:
		return "failed to load model data"
	case ResultGetSupportedDevicesError:
		return "failed to query the supported devices"
	case ResultGpuSupportError:
		return "GPU mode is not supported"
	case ResultLoadMetasError:
		return "failed to load speaker metadata"
	case ResultUninitializedStatusError:
		return "the engine status is not initialized"
	case ResultInvalidSpeakerIdError:
		return "invalid speaker_id"
	case ResultInvalidModelIndexError:
		return "invalid model_index"
	case ResultInferenceError:
		return "inference failed"
	case ResultExtractFullContextLabelError:
		return "failed to extract full-context labels from the input text"
	case ResultInvalidUtf8InputError:
		return "the input text is not valid UTF-8"
	case ResultParseKanaError:
		return "failed to parse the input text as AquesTalk-style kana"
	case ResultInvalidAudioQueryError:
		return "invalid audio_query"
	default:
		return fmt.Sprintf("unknown result code %d", int32(code))
	}
}
