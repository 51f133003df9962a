//go:build (linux || darwin) && (amd64 || arm64)

package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"os/exec"
	"strings"
	"testing"

	"voicevox-core-go/pkg/config"
	"voicevox-core-go/pkg/wavfile"
	"voicevox-core-go/voicevox"
	"voicevox-core-go/voicevox/fakecore"
	"voicevox-core-go/voicevox/ffi_wrapper"

	"golang.org/x/text/encoding/japanese"
)

func newTestServer(t *testing.T, cfg config.ServerConfig) (*httptest.Server, *fakecore.Core) {
	t.Helper()
	fake := fakecore.New()
	vv := voicevox.NewFromCore(fake, nil)
	t.Cleanup(func() { _ = vv.Close() })
	if err := vv.Initialize(context.Background(), voicevox.InitializeOptions{AccelerationMode: voicevox.AccelerationCPU}); err != nil {
		t.Fatal(err)
	}
	if cfg.FfmpegPath == "" {
		cfg.FfmpegPath = "ffmpeg"
	}
	if cfg.CORSOrigin == nil {
		cfg.CORSOrigin = []string{"*"}
	}
	srv, err := newServer(vv, cfg)
	if err != nil {
		t.Fatal(err)
	}
	ts := httptest.NewServer(srv.handler())
	t.Cleanup(ts.Close)
	return ts, fake
}

func do(t *testing.T, method, u string, body io.Reader, header http.Header) (*http.Response, []byte) {
	t.Helper()
	req, err := http.NewRequest(method, u, body)
	if err != nil {
		t.Fatal(err)
	}
	for k, v := range header {
		req.Header[k] = v
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		t.Fatal(err)
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(resp.Body)
	if err != nil {
		t.Fatal(err)
	}
	return resp, data
}

func lastCall(fake *fakecore.Core, op string) fakecore.Call {
	var last fakecore.Call
	for _, c := range fake.Calls() {
		if c.Op == op {
			last = c
		}
	}
	return last
}

func TestInfoRoutes(t *testing.T) {
	ts, _ := newTestServer(t, config.ServerConfig{})

	resp, body := do(t, "GET", ts.URL+"/version", nil, nil)
	if resp.StatusCode != http.StatusOK || strings.TrimSpace(string(body)) != `"0.14.4"` {
		t.Errorf("version: %d %s", resp.StatusCode, body)
	}

	resp, body = do(t, "GET", ts.URL+"/speakers", nil, nil)
	var speakers []voicevox.Speaker
	if err := json.Unmarshal(body, &speakers); err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("speakers: %d %v", resp.StatusCode, err)
	}
	if len(speakers) != 2 || len(speakers[1].Styles) != 2 {
		t.Errorf("speakers = %+v", speakers)
	}

	resp, body = do(t, "GET", ts.URL+"/supported_devices", nil, nil)
	var devices voicevox.SupportedDevices
	if err := json.Unmarshal(body, &devices); err != nil || resp.StatusCode != http.StatusOK || !devices.CPU {
		t.Errorf("supported_devices: %d %s", resp.StatusCode, body)
	}
}

func TestInitializeSpeaker(t *testing.T) {
	ts, fake := newTestServer(t, config.ServerConfig{})

	_, body := do(t, "GET", ts.URL+"/is_initialized_speaker?speaker=1", nil, nil)
	if strings.TrimSpace(string(body)) != "false" {
		t.Errorf("before load: %s", body)
	}
	for range 2 {
		resp, _ := do(t, "POST", ts.URL+"/initialize_speaker?speaker=1", nil, nil)
		if resp.StatusCode != http.StatusNoContent {
			t.Fatalf("initialize_speaker: %d", resp.StatusCode)
		}
	}
	_, body = do(t, "GET", ts.URL+"/is_initialized_speaker?speaker=1", nil, nil)
	if strings.TrimSpace(string(body)) != "true" {
		t.Errorf("after load: %s", body)
	}
	if n := fake.CallCount(fakecore.OpLoadModel); n != 1 {
		t.Errorf("LoadModel called %d times, want 1", n)
	}
}

func TestAudioQueryThenSynthesis(t *testing.T) {
	ts, fake := newTestServer(t, config.ServerConfig{})

	q := url.Values{"text": {"こんにちは"}, "speaker": {"3"}}
	resp, query := do(t, "POST", ts.URL+"/audio_query?"+q.Encode(), nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("audio_query: %d %s", resp.StatusCode, query)
	}
	if string(query) != fakecore.AudioQueryJSON("こんにちは") {
		t.Errorf("query = %s", query)
	}

	resp, wav := do(t, "POST", ts.URL+"/synthesis?speaker=3", bytes.NewReader(query), nil)
	if resp.StatusCode != http.StatusOK || resp.Header.Get("Content-Type") != "audio/wav" {
		t.Fatalf("synthesis: %d %s", resp.StatusCode, resp.Header.Get("Content-Type"))
	}
	format, _, err := wavfile.ParseWAV(wav)
	if err != nil || format.SampleRate != fakecore.SampleRate {
		t.Errorf("synthesis output: %+v, %v", format, err)
	}
	if fake.Live(fakecore.KindWav) != 0 || fake.Live(fakecore.KindAudioQuery) != 0 {
		t.Error("native buffers leaked")
	}
}

func TestTTSBodyCharset(t *testing.T) {
	ts, fake := newTestServer(t, config.ServerConfig{})

	sjis, err := japanese.ShiftJIS.NewEncoder().Bytes([]byte("ずんだもん"))
	if err != nil {
		t.Fatal(err)
	}
	header := http.Header{"Content-Type": {"text/plain; charset=shift_jis"}}
	resp, wav := do(t, "POST", ts.URL+"/tts?speaker=1", bytes.NewReader(sjis), header)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("tts: %d %s", resp.StatusCode, wav)
	}
	if got := lastCall(fake, fakecore.OpTts).Text; got != "ずんだもん" {
		t.Errorf("text passed to the library = %q", got)
	}
	if _, _, err := wavfile.ParseWAV(wav); err != nil {
		t.Error(err)
	}
}

func TestErrorStatus(t *testing.T) {
	ts, _ := newTestServer(t, config.ServerConfig{})

	tests := []struct {
		name string
		path string
		body string
		want int
	}{
		{"missing speaker", "/tts?text=a", "", http.StatusBadRequest},
		{"bad speaker", "/tts?text=a&speaker=x", "", http.StatusBadRequest},
		{"unknown speaker", "/tts?text=a&speaker=42", "", http.StatusNotFound},
		{"kana parse", "/audio_query?text=abc&speaker=0&kana=true", "", http.StatusUnprocessableEntity},
		{"embedded nul", "/audio_query?text=a%00b&speaker=0", "", http.StatusBadRequest},
		{"not json", "/synthesis?speaker=0", "not json", http.StatusBadRequest},
		{"invalid query", "/synthesis?speaker=0", `[1,2]`, http.StatusUnprocessableEntity},
	}
	for _, tt := range tests {
		resp, body := do(t, "POST", ts.URL+tt.path, strings.NewReader(tt.body), nil)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status %d, want %d (%s)", tt.name, resp.StatusCode, tt.want, body)
		}
	}
}

func TestBodyLimit(t *testing.T) {
	ts, fake := newTestServer(t, config.ServerConfig{})
	big := strings.Repeat("あ", maxBodyBytes/3+1024)

	tests := []struct {
		name string
		path string
		body string
	}{
		{"tts", "/tts?speaker=0", big},
		{"synthesis", "/synthesis?speaker=0", `{"accent_phrases":"` + big + `"}`},
		{"speech", "/v1/audio/speech", `{"model":"tts-voicevox-0","response_format":"wav","input":"` + big + `"}`},
	}
	for _, tt := range tests {
		resp, body := do(t, "POST", ts.URL+tt.path, strings.NewReader(tt.body), nil)
		if resp.StatusCode != http.StatusRequestEntityTooLarge {
			t.Errorf("%s: status %d, want 413 (%.80s)", tt.name, resp.StatusCode, body)
		}
	}
	for _, op := range []string{fakecore.OpTts, fakecore.OpSynthesis} {
		if n := fake.CallCount(op); n != 0 {
			t.Errorf("%s reached the library %d times", op, n)
		}
	}

	// Bodies under the limit still go through.
	resp, body := do(t, "POST", ts.URL+"/tts?speaker=0", strings.NewReader(strings.Repeat("あ", 1000)), nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("small body: status %d (%s)", resp.StatusCode, body)
	}
}

func TestStatusFor(t *testing.T) {
	tests := []struct {
		err  error
		want int
	}{
		{&voicevox.ResultError{Code: ffi_wrapper.ResultInvalidSpeakerIdError}, http.StatusNotFound},
		{&voicevox.ResultError{Code: ffi_wrapper.ResultInvalidModelIndexError}, http.StatusNotFound},
		{&voicevox.ResultError{Code: ffi_wrapper.ResultParseKanaError}, http.StatusUnprocessableEntity},
		{&voicevox.ResultError{Code: ffi_wrapper.ResultInferenceError}, http.StatusInternalServerError},
		{&voicevox.PreconditionError{Op: "decode", Reason: "empty"}, http.StatusBadRequest},
		{fmt.Errorf("wrapped: %w", context.DeadlineExceeded), http.StatusGatewayTimeout},
		{io.EOF, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		if got := statusFor(tt.err); got != tt.want {
			t.Errorf("statusFor(%v) = %d, want %d", tt.err, got, tt.want)
		}
	}
}

func TestModels(t *testing.T) {
	ts, _ := newTestServer(t, config.ServerConfig{})
	_, body := do(t, "GET", ts.URL+"/v1/models", nil, nil)

	var models struct {
		Object string `json:"object"`
		Data   []struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(body, &models); err != nil {
		t.Fatal(err)
	}
	var ids []string
	for _, m := range models.Data {
		ids = append(ids, m.ID)
	}
	want := []string{"tts-voicevox-2", "tts-voicevox-0", "tts-voicevox-3", "tts-voicevox-1"}
	if models.Object != "list" || strings.Join(ids, ",") != strings.Join(want, ",") {
		t.Errorf("models = %s", body)
	}
}

func TestSpeechWAV(t *testing.T) {
	ts, fake := newTestServer(t, config.ServerConfig{})

	reqBody := `{"model":"tts-voicevox-3","input":"こんにちは","response_format":"wav","speed":1.5}`
	resp, wav := do(t, "POST", ts.URL+"/v1/audio/speech", strings.NewReader(reqBody), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("speech: %d %s", resp.StatusCode, wav)
	}
	if _, _, err := wavfile.ParseWAV(wav); err != nil {
		t.Error(err)
	}
	var query map[string]any
	if err := json.Unmarshal([]byte(lastCall(fake, fakecore.OpSynthesis).Text), &query); err != nil {
		t.Fatal(err)
	}
	if query["speedScale"] != 1.5 || query["kana"] != "こんにちは" {
		t.Errorf("synthesized query = %v", query)
	}
}

func TestSpeechVoiceFallback(t *testing.T) {
	ts, fake := newTestServer(t, config.ServerConfig{})

	reqBody := `{"model":"tts-1","voice":"1","input":"テスト","response_format":"wav"}`
	resp, body := do(t, "POST", ts.URL+"/v1/audio/speech", strings.NewReader(reqBody), nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("speech: %d %s", resp.StatusCode, body)
	}
	if got := lastCall(fake, fakecore.OpSynthesis).SpeakerID; got != 1 {
		t.Errorf("speaker = %d, want 1", got)
	}
}

func TestSpeechRejects(t *testing.T) {
	ts, _ := newTestServer(t, config.ServerConfig{})

	tests := []struct {
		name string
		body string
		want int
	}{
		{"bad json", `{`, http.StatusBadRequest},
		{"format", `{"model":"tts-voicevox-0","input":"a","response_format":"pcm"}`, http.StatusBadRequest},
		{"stream", `{"model":"tts-voicevox-0","input":"a","response_format":"wav","stream_format":"sse"}`, http.StatusNotImplemented},
		{"speed", `{"model":"tts-voicevox-0","input":"a","response_format":"wav","speed":8}`, http.StatusBadRequest},
		{"voice", `{"model":"tts-voicevox-99","input":"a","response_format":"wav"}`, http.StatusNotFound},
	}
	for _, tt := range tests {
		resp, body := do(t, "POST", ts.URL+"/v1/audio/speech", strings.NewReader(tt.body), nil)
		if resp.StatusCode != tt.want {
			t.Errorf("%s: status %d, want %d (%s)", tt.name, resp.StatusCode, tt.want, body)
		}
	}
}

func TestSpeechTranscoded(t *testing.T) {
	if _, err := exec.LookPath("ffmpeg"); err != nil {
		t.Skip("ffmpeg not installed")
	}
	ts, _ := newTestServer(t, config.ServerConfig{})

	for _, format := range []string{"mp3", "flac"} {
		reqBody := fmt.Sprintf(`{"model":"tts-voicevox-0","input":"こんにちは","response_format":%q}`, format)
		resp, body := do(t, "POST", ts.URL+"/v1/audio/speech", strings.NewReader(reqBody), nil)
		if resp.StatusCode != http.StatusOK || len(body) == 0 {
			t.Errorf("%s: status %d, %d bytes", format, resp.StatusCode, len(body))
		}
		if got := resp.Header.Get("Content-Type"); got != outputFormats[format].MimeType {
			t.Errorf("%s: content type %q", format, got)
		}
	}
}

func TestAPIKey(t *testing.T) {
	ts, _ := newTestServer(t, config.ServerConfig{APIKey: "secret"})

	resp, _ := do(t, "POST", ts.URL+"/tts?text=a&speaker=0", nil, nil)
	if resp.StatusCode != http.StatusUnauthorized {
		t.Errorf("no key: %d", resp.StatusCode)
	}
	resp, _ = do(t, "POST", ts.URL+"/tts?text=a&speaker=0", nil, http.Header{"Authorization": {"Bearer secret"}})
	if resp.StatusCode != http.StatusOK {
		t.Errorf("with key: %d", resp.StatusCode)
	}
	resp, _ = do(t, "GET", ts.URL+"/version", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Errorf("info routes need no key: %d", resp.StatusCode)
	}
}

func TestRateLimit(t *testing.T) {
	ts, _ := newTestServer(t, config.ServerConfig{RateLimit: 0.001, RateBurst: 1})

	resp, _ := do(t, "POST", ts.URL+"/tts?text=a&speaker=0", nil, nil)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("first request: %d", resp.StatusCode)
	}
	resp, _ = do(t, "POST", ts.URL+"/tts?text=a&speaker=0", nil, nil)
	if resp.StatusCode != http.StatusTooManyRequests {
		t.Errorf("second request: %d", resp.StatusCode)
	}
}

func TestCORSAndRequestID(t *testing.T) {
	ts, _ := newTestServer(t, config.ServerConfig{CORSOrigin: []string{"https://example.org"}})

	resp, _ := do(t, "OPTIONS", ts.URL+"/tts", nil, http.Header{"Origin": {"https://example.org"}})
	if resp.StatusCode != http.StatusNoContent {
		t.Errorf("preflight: %d", resp.StatusCode)
	}
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "https://example.org" {
		t.Errorf("allow origin = %q", got)
	}
	if resp.Header.Get("X-Request-Id") == "" {
		t.Error("no request id")
	}

	resp, _ = do(t, "GET", ts.URL+"/version", nil, http.Header{"Origin": {"https://evil.example"}, "X-Request-Id": {"abc"}})
	if got := resp.Header.Get("Access-Control-Allow-Origin"); got != "" {
		t.Errorf("allow origin for unlisted origin = %q", got)
	}
	if got := resp.Header.Get("X-Request-Id"); got != "abc" {
		t.Errorf("request id = %q", got)
	}
}

func TestWithSpeedScale(t *testing.T) {
	out, err := withSpeedScale(fakecore.AudioQueryJSON("あ"), 2)
	if err != nil {
		t.Fatal(err)
	}
	var q map[string]any
	if err := json.Unmarshal([]byte(out), &q); err != nil {
		t.Fatal(err)
	}
	if q["speedScale"] != 2.0 || q["outputSamplingRate"] != float64(fakecore.SampleRate) {
		t.Errorf("query = %v", q)
	}
	if _, err := withSpeedScale("[]", 2); err == nil {
		t.Error("expected an error for a non-object query")
	}
}
