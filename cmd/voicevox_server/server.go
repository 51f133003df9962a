//go:build (linux || darwin) && (amd64 || arm64)

package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"os"
	"slices"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"voicevox-core-go/pkg/config"
	"voicevox-core-go/pkg/utils"
	"voicevox-core-go/voicevox"
	"voicevox-core-go/voicevox/ffi_wrapper"

	"github.com/dustin/go-humanize"
	"github.com/google/uuid"
	"github.com/mkideal/cli"
	"github.com/rs/zerolog/log"
	"golang.org/x/time/rate"
)

const modelPrefix = "tts-voicevox-"

// maxBodyBytes caps request bodies on the synthesis routes.
const maxBodyBytes = 1 << 20

type argT struct {
	cli.Helper
	Config     string `cli:"c,config" usage:"Config file (default: voicevox.yaml in ., ./configs, /etc/voicevox)" dft:""`
	BindAddr   string `cli:"a,addr" usage:"address to listen on, overrides server.address" dft:""`
	ApiKey     string `cli:"k,apikey" usage:"API key for authentication, overrides server.api_key" dft:""`
	FfmpegPath string `cli:"ffmpeg-path" usage:"Path to ffmpeg executable, overrides server.ffmpeg_path" dft:""`
	Library    string `cli:"L,library" usage:"Path to libvoicevox_core, overrides core.library_path" dft:""`
	LogLevel   string `cli:"log-level" usage:"Log level (trace, debug, info, warn, error, fatal, panic), overrides logging.level" dft:""`
	JsonLogs   bool   `cli:"j,json-logs" usage:"Output JSON logs instead of plain text" dft:"false"`
}

func main() {
	os.Exit(cli.Run(new(argT), func(ctx *cli.Context) error {
		argv := ctx.Argv().(*argT)
		cfg, err := config.Load(argv.Config)
		if err != nil {
			return err
		}
		applyFlags(argv, cfg)

		if err := utils.SetLogLevel(cfg.Logging.Level); err != nil {
			return err
		}
		closer, err := utils.SetupLogger(cfg.Logging.JSON, utils.LogFile{
			Path:       cfg.Logging.File,
			MaxSizeMB:  cfg.Logging.MaxSizeMB,
			MaxBackups: cfg.Logging.MaxBackups,
			MaxAgeDays: cfg.Logging.MaxAgeDays,
		})
		if err != nil {
			return err
		}
		defer closer.Close()

		return runServer(cfg)
	}))
}

func applyFlags(argv *argT, cfg *config.Config) {
	if argv.BindAddr != "" {
		cfg.Server.Address = argv.BindAddr
	}
	if argv.ApiKey != "" {
		cfg.Server.APIKey = argv.ApiKey
	}
	if argv.FfmpegPath != "" {
		cfg.Server.FfmpegPath = argv.FfmpegPath
	}
	if argv.Library != "" {
		cfg.Core.LibraryPath = argv.Library
	}
	if argv.LogLevel != "" {
		cfg.Logging.Level = argv.LogLevel
	}
	if argv.JsonLogs {
		cfg.Logging.JSON = true
	}
}

func runServer(cfg *config.Config) error {
	vv, err := config.Open(context.Background(), cfg.Core)
	if err != nil {
		return err
	}
	defer vv.Close()

	srv, err := newServer(vv, cfg.Server)
	if err != nil {
		return err
	}

	log.Info().Str("addr", cfg.Server.Address).Msg("Starting server")
	return http.ListenAndServe(cfg.Server.Address, srv.handler())
}

type server struct {
	vv       *voicevox.Voicevox
	cfg      config.ServerConfig
	speakers []voicevox.Speaker
	limiter  *rate.Limiter

	// loadMu serializes model loads so concurrent requests for the same
	// speaker load it once.
	loadMu sync.Mutex
}

func newServer(vv *voicevox.Voicevox, cfg config.ServerConfig) (*server, error) {
	speakers, err := vv.Speakers()
	if err != nil {
		return nil, fmt.Errorf("error reading speaker metadata: %w", err)
	}
	log.Debug().Int("speakers", len(speakers)).Msg("Available speakers")

	s := &server{vv: vv, cfg: cfg, speakers: speakers}
	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}
	return s, nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// statusFor maps a facade error to the HTTP status reported to clients.
func statusFor(err error) int {
	var resultErr *voicevox.ResultError
	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return http.StatusGatewayTimeout
	case errors.Is(err, context.Canceled):
		return 499
	case errors.Is(err, voicevox.ErrPrecondition), errors.Is(err, syscall.EINVAL):
		return http.StatusBadRequest
	case errors.As(err, &resultErr):
		switch resultErr.Code {
		case ffi_wrapper.ResultInvalidSpeakerIdError, ffi_wrapper.ResultInvalidModelIndexError:
			return http.StatusNotFound
		case ffi_wrapper.ResultParseKanaError, ffi_wrapper.ResultInvalidUtf8InputError,
			ffi_wrapper.ResultInvalidAudioQueryError, ffi_wrapper.ResultExtractFullContextLabelError:
			return http.StatusUnprocessableEntity
		}
	}
	return http.StatusInternalServerError
}

func (s *server) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := statusFor(err)
	ev := log.Warn()
	if status >= http.StatusInternalServerError {
		ev = log.Error()
	}
	ev.Err(err).Str("request_id", requestID(r)).Int("status", status).Msg(msg)
	writeJSON(w, status, map[string]string{"detail": msg + ": " + err.Error()})
}

func badRequest(w http.ResponseWriter, r *http.Request, msg string) {
	log.Warn().Str("request_id", requestID(r)).Msg(msg)
	writeJSON(w, http.StatusBadRequest, map[string]string{"detail": msg})
}

// tooLarge answers 413 when err came from a body over maxBodyBytes.
func tooLarge(w http.ResponseWriter, r *http.Request, err error) bool {
	var maxErr *http.MaxBytesError
	if !errors.As(err, &maxErr) {
		return false
	}
	log.Warn().Str("request_id", requestID(r)).Int64("limit", maxErr.Limit).Msg("request body too large")
	writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{
		"detail": fmt.Sprintf("request body exceeds %s", humanize.IBytes(uint64(maxErr.Limit))),
	})
	return true
}

func speakerParam(r *http.Request) (uint32, error) {
	raw := r.URL.Query().Get("speaker")
	if raw == "" {
		return 0, errors.New("missing speaker parameter")
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, fmt.Errorf("invalid speaker parameter %q", raw)
	}
	return uint32(id), nil
}

func boolParam(r *http.Request, name string, dft bool) (bool, error) {
	raw := r.URL.Query().Get(name)
	if raw == "" {
		return dft, nil
	}
	return strconv.ParseBool(raw)
}

// ensureModel loads the model for speakerID unless it is already loaded.
func (s *server) ensureModel(ctx context.Context, speakerID uint32) error {
	if s.vv.IsModelLoaded(speakerID) {
		return nil
	}
	s.loadMu.Lock()
	defer s.loadMu.Unlock()
	if s.vv.IsModelLoaded(speakerID) {
		return nil
	}
	start := time.Now()
	if err := s.vv.LoadModel(ctx, speakerID); err != nil {
		return err
	}
	log.Info().Uint32("speaker", speakerID).Dur("took", time.Since(start)).Msg("Model loaded")
	return nil
}

func (s *server) handleVersion(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.vv.GetVersion())
}

func (s *server) handleSpeakers(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.speakers)
}

func (s *server) handleSupportedDevices(w http.ResponseWriter, r *http.Request) {
	devices, err := s.vv.SupportedDevices()
	if err != nil {
		s.fail(w, r, "Error reading supported devices", err)
		return
	}
	writeJSON(w, http.StatusOK, devices)
}

func (s *server) handleIsInitializedSpeaker(w http.ResponseWriter, r *http.Request) {
	id, err := speakerParam(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, s.vv.IsModelLoaded(id))
}

func (s *server) handleInitializeSpeaker(w http.ResponseWriter, r *http.Request) {
	id, err := speakerParam(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	if err := s.ensureModel(r.Context(), id); err != nil {
		s.fail(w, r, "Error loading model", err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *server) handleAudioQuery(w http.ResponseWriter, r *http.Request) {
	id, err := speakerParam(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	kana, err := boolParam(r, "kana", false)
	if err != nil {
		badRequest(w, r, "invalid kana parameter")
		return
	}
	text := r.URL.Query().Get("text")
	if err := s.ensureModel(r.Context(), id); err != nil {
		s.fail(w, r, "Error loading model", err)
		return
	}
	query, err := s.vv.AudioQuery(r.Context(), text, id, voicevox.AudioQueryOptions{Kana: kana})
	if err != nil {
		s.fail(w, r, "Error creating audio query", err)
		return
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	_, _ = io.WriteString(w, query)
}

func (s *server) handleSynthesis(w http.ResponseWriter, r *http.Request) {
	id, err := speakerParam(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	defaults := s.vv.MakeDefaultSynthesisOptions()
	upspeak, err := boolParam(r, "enable_interrogative_upspeak", defaults.EnableInterrogativeUpspeak)
	if err != nil {
		badRequest(w, r, "invalid enable_interrogative_upspeak parameter")
		return
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		if !tooLarge(w, r, err) {
			badRequest(w, r, "error reading request body")
		}
		return
	}
	if !json.Valid(body) {
		badRequest(w, r, "request body is not an audio query")
		return
	}
	if err := s.ensureModel(r.Context(), id); err != nil {
		s.fail(w, r, "Error loading model", err)
		return
	}
	wav, err := s.vv.Synthesis(r.Context(), string(body), id, voicevox.SynthesisOptions{EnableInterrogativeUpspeak: upspeak})
	if err != nil {
		s.fail(w, r, "Error synthesizing audio", err)
		return
	}
	writeWAV(w, r, wav)
}

// requestText reads the text from the text query parameter, or from the body
// decoded with the charset its Content-Type names.
func requestText(w http.ResponseWriter, r *http.Request) (string, error) {
	if text := r.URL.Query().Get("text"); text != "" {
		return text, nil
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	if err != nil {
		return "", err
	}
	label := ""
	if _, params, err := mime.ParseMediaType(r.Header.Get("Content-Type")); err == nil {
		label = params["charset"]
	}
	if label == "" {
		return utils.FixStringEncoding(body)
	}
	return utils.DecodeWithCharset(body, label)
}

func (s *server) handleTTS(w http.ResponseWriter, r *http.Request) {
	id, err := speakerParam(r)
	if err != nil {
		badRequest(w, r, err.Error())
		return
	}
	opts := s.vv.MakeDefaultTtsOptions()
	if opts.Kana, err = boolParam(r, "kana", opts.Kana); err != nil {
		badRequest(w, r, "invalid kana parameter")
		return
	}
	if opts.EnableInterrogativeUpspeak, err = boolParam(r, "enable_interrogative_upspeak", opts.EnableInterrogativeUpspeak); err != nil {
		badRequest(w, r, "invalid enable_interrogative_upspeak parameter")
		return
	}
	text, err := requestText(w, r)
	if err != nil {
		if !tooLarge(w, r, err) {
			badRequest(w, r, "error decoding text: "+err.Error())
		}
		return
	}
	if err := s.ensureModel(r.Context(), id); err != nil {
		s.fail(w, r, "Error loading model", err)
		return
	}
	wav, err := s.vv.TTS(r.Context(), text, id, opts)
	if err != nil {
		s.fail(w, r, "Error synthesizing audio", err)
		return
	}
	writeWAV(w, r, wav)
}

func writeWAV(w http.ResponseWriter, r *http.Request, wav []byte) {
	log.Debug().Str("request_id", requestID(r)).Str("size", humanize.Bytes(uint64(len(wav)))).Msg("Sending audio")
	w.Header().Set("Content-Type", "audio/wav")
	w.Header().Set("Content-Length", strconv.Itoa(len(wav)))
	_, _ = w.Write(wav)
}

func (s *server) models() map[string]any {
	data := make([]map[string]any, 0)
	for _, sp := range s.speakers {
		for _, st := range sp.Styles {
			data = append(data, map[string]any{
				"id":           fmt.Sprintf("%s%d", modelPrefix, st.ID),
				"name":         fmt.Sprintf("%s (%s)", sp.Name, st.Name),
				"speaker_uuid": sp.SpeakerUUID,
				"object":       "model",
			})
		}
	}
	return map[string]any{"object": "list", "data": data}
}

func (s *server) handleModels(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.models())
}

// styleForModel resolves a model name, or a bare style id in voice, to a
// style id.
func (s *server) styleForModel(model string, voice any) (uint32, bool) {
	raw := strings.TrimPrefix(model, modelPrefix)
	if raw == model {
		if v, ok := voice.(string); ok {
			raw = v
		} else if v, ok := voice.(float64); ok {
			raw = strconv.FormatFloat(v, 'f', -1, 64)
		}
	}
	id, err := strconv.ParseUint(raw, 10, 32)
	if err != nil {
		return 0, false
	}
	_, _, ok := voicevox.FindStyle(s.speakers, uint32(id))
	return uint32(id), ok
}

func (s *server) handleSpeech(w http.ResponseWriter, r *http.Request) {
	type requestBody struct {
		Input          string   `json:"input"`
		Model          string   `json:"model"`
		Voice          any      `json:"voice"`
		ResponseFormat string   `json:"response_format"`
		Speed          *float64 `json:"speed"`
		StreamFormat   string   `json:"stream_format"`
	}
	var reqBody requestBody
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&reqBody); err != nil {
		if tooLarge(w, r, err) {
			return
		}
		log.Err(err).Msg("Error decoding JSON body")
		badRequest(w, r, "Invalid JSON body")
		return
	}
	if reqBody.ResponseFormat == "" {
		reqBody.ResponseFormat = "mp3"
	}

	format, ok := outputFormats[reqBody.ResponseFormat]
	if !ok {
		log.Warn().Str("response_format", reqBody.ResponseFormat).Msg("Unsupported response format")
		badRequest(w, r, "Unsupported response format")
		return
	}
	if reqBody.StreamFormat != "" && reqBody.StreamFormat != "audio" {
		log.Warn().Str("stream_format", reqBody.StreamFormat).Msg("Unsupported stream format")
		http.Error(w, "Unsupported stream format (only 'audio' is supported)", http.StatusNotImplemented)
		return
	}
	speed := 1.0
	if reqBody.Speed != nil {
		speed = *reqBody.Speed
	}
	if speed < 0.25 || speed > 4 {
		log.Warn().Float64("speed", speed).Msg("Invalid speed")
		badRequest(w, r, "Invalid speed (must be between 0.25 and 4)")
		return
	}
	id, ok := s.styleForModel(reqBody.Model, reqBody.Voice)
	if !ok {
		log.Warn().Str("model", reqBody.Model).Msg("Voice not found")
		http.Error(w, "Requested voice not found: "+reqBody.Model, http.StatusNotFound)
		return
	}

	if err := s.ensureModel(r.Context(), id); err != nil {
		s.fail(w, r, "Error loading model", err)
		return
	}
	query, err := s.vv.AudioQuery(r.Context(), reqBody.Input, id, s.vv.MakeDefaultAudioQueryOptions())
	if err != nil {
		s.fail(w, r, "Error creating audio query", err)
		return
	}
	if speed != 1 {
		if query, err = withSpeedScale(query, speed); err != nil {
			s.fail(w, r, "Error adjusting speed", err)
			return
		}
	}
	wav, err := s.vv.Synthesis(r.Context(), query, id, s.vv.MakeDefaultSynthesisOptions())
	if err != nil {
		s.fail(w, r, "Error synthesizing audio", err)
		return
	}

	if reqBody.ResponseFormat == "wav" {
		w.Header().Set("Content-Disposition", "attachment; filename=speech.wav")
		writeWAV(w, r, wav)
		return
	}

	reader, err := TranscodeAudio(r.Context(), wav, reqBody.ResponseFormat, s.cfg.FfmpegPath)
	if err != nil {
		log.Error().Err(err).Msg("Error transcoding audio")
		http.Error(w, "Error transcoding audio", http.StatusInternalServerError)
		return
	}
	defer reader.Close()

	w.Header().Set("Content-Type", format.MimeType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=speech.%s", format.FileExt))
	w.WriteHeader(http.StatusOK)
	if _, err = io.Copy(w, reader); err != nil {
		log.Error().Err(err).Msg("Error writing audio to response")
	}
}

// withSpeedScale rewrites speedScale in an audio query, leaving the other
// fields as the library produced them.
func withSpeedScale(query string, speed float64) (string, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal([]byte(query), &fields); err != nil {
		return "", err
	}
	raw, err := json.Marshal(speed)
	if err != nil {
		return "", err
	}
	fields["speedScale"] = raw
	out, err := json.Marshal(fields)
	if err != nil {
		return "", err
	}
	return string(out), nil
}

type ctxKey struct{}

func requestID(r *http.Request) string {
	id, _ := r.Context().Value(ctxKey{}).(string)
	return id
}

func (s *server) handler() http.Handler {
	apiKeyMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.cfg.APIKey != "" {
				key := r.Header.Get("Authorization")
				if key != "Bearer "+s.cfg.APIKey {
					log.Warn().Str("request_id", requestID(r)).Msg("Invalid API key")
					http.Error(w, "Unauthorized", http.StatusUnauthorized)
					return
				}
			}
			next.ServeHTTP(w, r)
		})
	}

	rateLimitMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if s.limiter != nil && !s.limiter.Allow() {
				log.Warn().Str("request_id", requestID(r)).Msg("Rate limit exceeded")
				http.Error(w, "Too many requests", http.StatusTooManyRequests)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	synth := func(h http.HandlerFunc) http.Handler {
		return apiKeyMiddleware(rateLimitMiddleware(h))
	}

	mux := http.NewServeMux()

	mux.HandleFunc("GET /version", s.handleVersion)
	mux.HandleFunc("GET /speakers", s.handleSpeakers)
	mux.HandleFunc("GET /supported_devices", s.handleSupportedDevices)
	mux.HandleFunc("GET /is_initialized_speaker", s.handleIsInitializedSpeaker)
	mux.Handle("POST /initialize_speaker", apiKeyMiddleware(http.HandlerFunc(s.handleInitializeSpeaker)))
	mux.Handle("POST /audio_query", synth(s.handleAudioQuery))
	mux.Handle("POST /synthesis", synth(s.handleSynthesis))
	mux.Handle("POST /tts", synth(s.handleTTS))

	mux.HandleFunc("GET /v1/models", s.handleModels)
	mux.Handle("POST /v1/audio/speech", synth(s.handleSpeech))

	corsMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			origin := r.Header.Get("Origin")
			switch {
			case slices.Contains(s.cfg.CORSOrigin, "*"):
				w.Header().Set("Access-Control-Allow-Origin", "*")
			case origin != "" && slices.Contains(s.cfg.CORSOrigin, origin):
				w.Header().Set("Access-Control-Allow-Origin", origin)
				w.Header().Add("Vary", "Origin")
			}
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
			next.ServeHTTP(w, r)
		})
	}

	logRequestsMiddleware := func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get("X-Request-Id")
			if id == "" {
				id = uuid.NewString()
			}
			w.Header().Set("X-Request-Id", id)
			r = r.WithContext(context.WithValue(r.Context(), ctxKey{}, id))
			start := time.Now()
			log.Info().Str("request_id", id).Str("method", r.Method).Str("url", r.URL.Path).Msg("Request received")
			next.ServeHTTP(w, r)
			log.Debug().Str("request_id", id).Dur("took", time.Since(start)).Msg("Request done")
		})
	}

	return logRequestsMiddleware(corsMiddleware(mux))
}
