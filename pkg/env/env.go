package env

import (
	"os"

	"github.com/joho/godotenv"

	"github.com/jaywantadh/xferd/pkg/logging"
)

// LoadEnv loads .env files into the process environment. Variables already
// set are left alone.
func LoadEnv(files ...string) {
	if err := godotenv.Load(files...); err != nil {
		logging.Log.Debug("No .env file found, using system envs")
	}
}

func GetEnv(key string, fallback string) string {
	if value, exist := os.LookupEnv(key); exist {
		return value
	}
	return fallback
}
