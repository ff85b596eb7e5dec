// Command asr-core runs the real-time speech-recognition core as a
// standalone process: it opens the capture device, drives VAD and the
// selected STT provider through the streaming engine, routes finals through
// the command router, and exposes the loopback HTTP control surface.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/dawrv/asr-core/internal/env"
	"github.com/dawrv/asr-core/internal/httpapi"
	"github.com/dawrv/asr-core/pkg/asrcore"
	"github.com/dawrv/asr-core/pkg/capture"
	"github.com/dawrv/asr-core/pkg/router"
	"github.com/dawrv/asr-core/pkg/session"
	"github.com/dawrv/asr-core/pkg/streaming"
	"github.com/dawrv/asr-core/pkg/sttprovider"
	"github.com/dawrv/asr-core/pkg/ttsflag"
	"github.com/dawrv/asr-core/pkg/vad"
	"github.com/dawrv/asr-core/pkg/vocab"
)

// stdLogger adapts the standard library logger to asrcore.Logger for this
// binary's own diagnostics.
type stdLogger struct{}

func (stdLogger) Debug(msg string, args ...interface{}) { log.Println(append([]interface{}{"DEBUG", msg}, args...)...) }
func (stdLogger) Info(msg string, args ...interface{})  { log.Println(append([]interface{}{"INFO", msg}, args...)...) }
func (stdLogger) Warn(msg string, args ...interface{})  { log.Println(append([]interface{}{"WARN", msg}, args...)...) }
func (stdLogger) Error(msg string, args ...interface{}) { log.Println(append([]interface{}{"ERROR", msg}, args...)...) }

func main() {
	env.Load()
	logger := stdLogger{}

	commandPath := env.Str("ASR_COMMAND_FILE", "./data/command.txt")
	statusPath := env.Str("ASR_STATUS_FILE", "./data/status.json")
	vocabPath := env.Str("ASR_VOCAB_FILE", "./data/vocabulary.json")
	speakingFlagPath := env.Str("ASR_SPEAKING_FLAG_FILE", "./data/tts_speaking.flag")
	bargeInPath := env.Str("ASR_BARGE_IN_FILE", "./data/barge_in.json")
	httpAddr := env.Str("ASR_HTTP_ADDR", "127.0.0.1:8765")

	providerName := env.Str("ASR_PROVIDER", "local")
	modelPath := env.Str("ASR_MODEL_PATH", "./models/ggml-base.en.bin")
	language := env.Str("ASR_LANGUAGE", "en")
	remoteURL := env.Str("ASR_REMOTE_URL", "")
	remoteAPIKey := env.Str("ASR_REMOTE_API_KEY", "")

	sampleRate := env.Int("ASR_SAMPLE_RATE", 16000)

	vocabulary := vocab.New(vocabPath, logger)
	if err := vocabulary.Load(); err != nil {
		log.Fatalf("loading vocabulary: %v", err)
	}

	captureCfg := capture.DefaultConfig()
	captureCfg.SampleRate = sampleRate
	captureCfg.BargeInRMSThreshold = env.Float("VAD_RMS_THRESHOLD", 400) / 32768.0
	captureCfg.BargeInMinInterval = env.DurationSeconds("VAD_MIN_INTERVAL_S", captureCfg.BargeInMinInterval)
	captureCfg.PostSpeechMute = env.DurationSeconds("POST_SPEECH_MUTE_S", captureCfg.PostSpeechMute)

	speaking := ttsflag.NewFileSpeakingState(speakingFlagPath)

	// onFatal is wired to the session below once it exists; capture can
	// disappear mid-run (device unplugged) and the session needs to react
	// by tearing the whole pipeline down rather than spinning on errors.
	var sess *session.Session
	onFatal := func(err error) {
		logger.Error("capture fatal error, stopping session", "error", err)
		if sess != nil {
			sess.Stop()
		}
	}

	source := capture.New(captureCfg, speaking, bargeInPath, logger, onFatal)

	vadCfg := vad.DefaultConfig()
	vadCfg.SampleRate = sampleRate
	if ms := env.Int("UTTERANCE_END_MS", int(vadCfg.MaxSilenceDuration/time.Millisecond)); ms >= 0 {
		vadCfg.MaxSilenceDuration = time.Duration(ms) * time.Millisecond
	}
	detector := vad.New(vadCfg, nil, logger)

	provider, secondPass, err := buildProvider(providerName, modelPath, language, remoteURL, remoteAPIKey, speaking, vocabulary, logger)
	if err != nil {
		log.Fatalf("constructing %s provider: %v", providerName, err)
	}

	streamingCfg := streaming.DefaultConfig()
	streamingCfg.PartialEvery = env.DurationSeconds("PARTIAL_THROTTLE_S", streamingCfg.PartialEvery)
	streamingCfg.SecondPassMaxConfidence = env.Float("SECOND_PASS_MAX_CONF", streamingCfg.SecondPassMaxConfidence)
	streamingCfg.SecondPassMinImprovement = env.Float("SECOND_PASS_MIN_IMPROVEMENT", streamingCfg.SecondPassMinImprovement)
	streamingCfg.SecondPassMaxAudio = env.DurationSeconds("SECOND_PASS_MAX_AUDIO_S", streamingCfg.SecondPassMaxAudio)
	streamingCfg.SecondPassEnabled = secondPass != nil

	engine := streaming.New(streamingCfg, sampleRate, source.Frames(), detector, provider, secondPass, vocabulary, logger)

	rtr := router.New(commandPath, statusPath, logger)

	sess = session.New(source, engine, rtr, logger)
	if name := env.Str("ASR_PROFILE_NAME", ""); name != "" {
		sess.SetProfileName(name)
	}

	server := httpapi.New(httpAddr, sess, commandPath, logger)

	if err := sess.Start(); err != nil {
		log.Fatalf("starting session: %v", err)
	}

	go func() {
		logger.Info("control surface listening", "addr", httpAddr)
		if err := server.ListenAndServe(); err != nil {
			logger.Warn("control surface stopped", "error", err)
		}
	}()

	fmt.Printf("asr-core running: provider=%s sample_rate=%d control=http://%s\n", providerName, sampleRate, httpAddr)
	fmt.Println("Press Ctrl+C to exit")

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
	<-sig

	fmt.Println("\nShutting down...")
	_ = server.Shutdown()
	sess.Stop()
}

// buildProvider selects the STT provider variant per ASR_PROVIDER. "local"
// and "streaming_local" both drive the bundled whisper.cpp binding; the
// former in single-shot batch mode, the latter wrapped for incremental
// partials. "streaming_remote" drives a hosted websocket backend instead.
// The second return value is the optional second-pass rescorer, non-nil
// only when a distinct SECOND_PASS_MODEL is configured for the batch path.
func buildProvider(name, modelPath, language, remoteURL, remoteAPIKey string, speaking ttsflag.SpeakingState, vocabulary *vocab.Vocabulary, logger asrcore.Logger) (sttprovider.Provider, sttprovider.Provider, error) {
	switch name {
	case "streaming_remote":
		cfg := sttprovider.DefaultRemoteStreamConfig(remoteURL, remoteAPIKey)
		p, err := sttprovider.NewRemoteStream(context.Background(), cfg, speaking, vocabulary.BoostWords(), logger)
		return p, nil, err
	case "streaming_local":
		batch, err := sttprovider.NewWhisperBatch(modelPath, language, "whisper-streaming-local")
		if err != nil {
			return nil, nil, err
		}
		return sttprovider.NewWhisperStreaming(batch, vocabulary.BoostWords()), nil, nil
	case "local":
		fallthrough
	default:
		batch, err := sttprovider.NewWhisperBatch(modelPath, language, "whisper-local")
		if err != nil {
			return nil, nil, err
		}
		var secondPass sttprovider.Provider
		if secondPassModel := os.Getenv("SECOND_PASS_MODEL"); secondPassModel != "" {
			sp, err := sttprovider.NewWhisperBatch(secondPassModel, language, "whisper-second-pass")
			if err != nil {
				logger.Warn("second-pass model failed to load, continuing without it", "error", err)
			} else {
				secondPass = sp
			}
		}
		return batch, secondPass, nil
	}
}
