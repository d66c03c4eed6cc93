package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds application configuration.
type Config struct {
	HTTPAddress    string
	AuthPassword   string
	ICEServersJSON string

	// Voice session tuning. All delays are externally tunable; none are
	// hard-coded in the controller.
	WakePhrase         string
	DebounceWindow     time.Duration
	MaxNoSpeechRetries int
	RetryDelay         time.Duration
	FinalMessageDelay  time.Duration
	RecoveryDelay      time.Duration
	GenerateTimeout    time.Duration
	ContinuousMode     bool
	NoSpeechTimeout    time.Duration

	// Collaborator credentials. Missing keys disable the corresponding
	// engine gracefully rather than failing startup.
	AssemblyAIKey     string
	OpenAIKey         string
	LLMBaseURL        string
	LLMModelID        string
	LLMFallbackModel  string
	DeepgramKey       string
	DeepgramTTSModel  string
	ElevenLabsKey     string
	ElevenLabsVoiceID string

	SupabaseURL    string
	SupabaseKey    string
	SupabaseBucket string
}

// Load reads environment variables and returns Config with sane defaults.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Println("Error loading .env file")
	}

	addr := os.Getenv("HTTP_ADDRESS")
	if addr == "" {
		addr = ":8080"
	}

	iceServers := os.Getenv("ICE_SERVERS_JSON")
	if iceServers == "" {
		iceServers = `[{"urls":["stun:stun.l.google.com:19302"]}]`
	}

	wakePhrase := os.Getenv("WAKE_PHRASE")
	if wakePhrase == "" {
		wakePhrase = "hey jarvis"
	}

	assemblyAIKey := os.Getenv("ASSEMBLYAI_API_KEY")
	if assemblyAIKey == "" {
		log.Println("Warning: ASSEMBLYAI_API_KEY not set - speech capture will not work")
	}

	openAIKey := os.Getenv("OPENAI_API_KEY")
	if openAIKey == "" {
		log.Println("Warning: OPENAI_API_KEY not set - response generation and wake-word recognition will not work")
	}
	llmBase := os.Getenv("LLM_BASE_URL")
	if llmBase == "" {
		llmBase = "https://api.openai.com/v1"
	}
	llmModel := os.Getenv("LLM_MODEL_ID")
	if llmModel == "" {
		llmModel = "gpt-4o-mini"
	}

	deepgramKey := os.Getenv("DEEPGRAM_API_KEY")
	if deepgramKey == "" {
		log.Println("Warning: DEEPGRAM_API_KEY not set - speech playback will not work")
	}

	log.Printf("config: HTTP_ADDRESS=%s WAKE_PHRASE=%q", addr, wakePhrase)
	return Config{
		HTTPAddress:    addr,
		AuthPassword:   os.Getenv("AUTH_PASSWORD"),
		ICEServersJSON: iceServers,

		WakePhrase:         wakePhrase,
		DebounceWindow:     envMillis("DEBOUNCE_WINDOW_MS", 1500),
		MaxNoSpeechRetries: envInt("MAX_NO_SPEECH_RETRIES", 2),
		RetryDelay:         envMillis("NO_SPEECH_RETRY_DELAY_MS", 600),
		FinalMessageDelay:  envMillis("FINAL_MESSAGE_DELAY_MS", 1200),
		RecoveryDelay:      envMillis("ERROR_RECOVERY_DELAY_MS", 2000),
		GenerateTimeout:    envMillis("GENERATE_TIMEOUT_MS", 20000),
		ContinuousMode:     os.Getenv("CONTINUOUS_MODE") == "true",
		NoSpeechTimeout:    envMillis("CAPTURE_NO_SPEECH_TIMEOUT_MS", 6000),

		AssemblyAIKey:     assemblyAIKey,
		OpenAIKey:         openAIKey,
		LLMBaseURL:        llmBase,
		LLMModelID:        llmModel,
		LLMFallbackModel:  os.Getenv("LLM_FALLBACK_MODEL"),
		DeepgramKey:       deepgramKey,
		DeepgramTTSModel:  os.Getenv("DEEPGRAM_TTS_MODEL"),
		ElevenLabsKey:     os.Getenv("ELEVENLABS_API_KEY"),
		ElevenLabsVoiceID: os.Getenv("ELEVENLABS_VOICE_ID"),

		SupabaseURL:    os.Getenv("SUPABASE_URL"),
		SupabaseKey:    os.Getenv("SUPABASE_SERVICE_ROLE_KEY"),
		SupabaseBucket: envDefault("SUPABASE_BUCKET", "transcripts"),
	}
}

func envDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	v := os.Getenv(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		log.Printf("Warning: invalid %s=%q, using %d", key, v, def)
		return def
	}
	return n
}

func envMillis(key string, defMs int) time.Duration {
	return time.Duration(envInt(key, defMs)) * time.Millisecond
}
