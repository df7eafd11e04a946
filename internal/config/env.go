// Package config loads the core's tunables from the environment, following
// the teacher's godotenv-based getEnv/getEnvInt pattern.
package config

import (
	"log"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
)

// Config holds every process-scoped tunable named in spec.md §6.
type Config struct {
	HTTPAddr string

	RedisURL      string
	RedisPassword string
	RedisDB       int

	PostgresDSN string
	MongoURL    string
	MongoDBName string

	NatsURL string

	JWTSecret string

	RoundTimeLimit          time.Duration
	GradingTimeBudget       time.Duration
	GraceDisconnect         time.Duration
	StartingCountdown       time.Duration
	AutoStartTimeout        time.Duration
	MatchConfirmationWindow time.Duration
	RetentionWindow         time.Duration

	MatchmakingBucketWidenStep     int
	MatchmakingBucketWidenInterval time.Duration
	MatchmakingBucketMax           int
	NPlayerFillDeadline            time.Duration

	ChatRatePer10s  int
	ChatHistorySize int

	MaxPlayersPerMatch   int
	MaxConcurrentMatches int
	LanguageWhitelist    []string
}

// Load reads configuration from a .env file (if present) and the process
// environment, falling back to the defaults named throughout spec.md.
func Load() Config {
	if err := godotenv.Load(); err != nil {
		log.Printf("[config] no .env file loaded: %v", err)
	}

	return Config{
		HTTPAddr: getEnv("HTTPADDR", ":8080"),

		RedisURL:      getEnv("REDISURL", "localhost:6379"),
		RedisPassword: getEnv("REDISPASSWORD", ""),
		RedisDB:       getEnvInt("REDISDB", 0),

		PostgresDSN: getEnv("POSTGRESDSN", "host=localhost port=5432 user=arena password=arena dbname=arenacore sslmode=disable"),
		MongoURL:    getEnv("MONGOURL", "mongodb://localhost:27017"),
		MongoDBName: getEnv("MONGODBNAME", "arenacore"),

		NatsURL: getEnv("NATSURL", "nats://localhost:4222"),

		JWTSecret: getEnv("JWTSECRET", "change-me"),

		RoundTimeLimit:          getEnvDuration("ROUNDTIMELIMITSECONDS", 300*time.Second),
		GradingTimeBudget:       getEnvDuration("GRADINGTIMEBUDGETSECONDS", 30*time.Second),
		GraceDisconnect:         getEnvDuration("GRACEDISCONNECTSECONDS", 60*time.Second),
		StartingCountdown:       getEnvDuration("STARTINGCOUNTDOWNSECONDS", 3*time.Second),
		AutoStartTimeout:        getEnvDuration("AUTOSTARTTIMEOUTSECONDS", 10*time.Second),
		MatchConfirmationWindow: getEnvDuration("MATCHCONFIRMATIONWINDOWSECONDS", 10*time.Second),
		RetentionWindow:         getEnvDuration("RETENTIONWINDOWSECONDS", 5*time.Minute),

		MatchmakingBucketWidenStep:     getEnvInt("BUCKETWIDENSTEP", 50),
		MatchmakingBucketWidenInterval: getEnvDuration("BUCKETWIDENINTERVALSECONDS", 5*time.Second),
		MatchmakingBucketMax:           getEnvInt("BUCKETWIDENMAX", 500),
		NPlayerFillDeadline:            getEnvDuration("NPLAYERFILLDEADLINESECONDS", 30*time.Second),

		ChatRatePer10s:  getEnvInt("CHATRATEPER10S", 10),
		ChatHistorySize: getEnvInt("CHATHISTORYSIZE", 200),

		MaxPlayersPerMatch:   getEnvInt("MAXPLAYERSPERMATCH", 8),
		MaxConcurrentMatches: getEnvInt("MAXCONCURRENTMATCHES", 500),
		LanguageWhitelist:    []string{"python", "java", "javascript", "c", "cpp", "go"},
	}
}

func getEnv(key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value, exists := os.LookupEnv(key); exists {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value, exists := os.LookupEnv(key); exists {
		if secs, err := strconv.Atoi(value); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return defaultValue
}
