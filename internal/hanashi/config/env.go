package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides lets the environment win over the file for credentials,
// endpoints and the handful of knobs operators change per deployment.
func (c *Config) applyEnvOverrides() {
	c.Matrix.Homeserver = stringOr("MATRIX_HOMESERVER", c.Matrix.Homeserver)
	c.Matrix.UserID = stringOr("MATRIX_USER_ID", c.Matrix.UserID)
	c.Matrix.AccessToken = stringOr("MATRIX_ACCESS_TOKEN", c.Matrix.AccessToken)
	c.Matrix.AllowedRooms = stringSliceOr("MATRIX_ALLOWED_ROOMS", c.Matrix.AllowedRooms)
	c.Matrix.AllowedUsers = stringSliceOr("MATRIX_ALLOWED_USERS", c.Matrix.AllowedUsers)

	c.LLM.BaseURL = stringOr("HANASHI_LLM_BASE_URL", c.LLM.BaseURL)
	c.LLM.APIKey = stringOr("HANASHI_LLM_API_KEY", c.LLM.APIKey)
	c.LLM.Model = stringOr("HANASHI_LLM_MODEL", c.LLM.Model)
	c.LLM.Timeout = durationOr("HANASHI_LLM_TIMEOUT", c.LLM.Timeout)

	c.Context.MaxContextTokens = intOr("HANASHI_MAX_CONTEXT_TOKENS", c.Context.MaxContextTokens)
	c.Context.ReservedForReply = intOr("HANASHI_RESERVED_FOR_REPLY", c.Context.ReservedForReply)
	c.Context.SystemPreamble = stringOr("HANASHI_SYSTEM_PREAMBLE", c.Context.SystemPreamble)

	c.Storage.Backend = stringOr("HANASHI_STORAGE_BACKEND", c.Storage.Backend)
	c.Storage.Path = stringOr("HANASHI_DB_PATH", c.Storage.Path)
	c.Transcript.Enabled = boolOr("HANASHI_TRANSCRIPT", c.Transcript.Enabled)
	c.HTTP.Addr = stringOr("HANASHI_HTTP_ADDR", c.HTTP.Addr)
	c.Log.Level = stringOr("LOG_LEVEL", c.Log.Level)
	c.Log.Format = stringOr("LOG_FORMAT", c.Log.Format)
}

// The helpers below return def when the variable is unset, empty or does not
// parse.

func stringOr(name, def string) string {
	if v := os.Getenv(name); v != "" {
		return v
	}
	return def
}

func boolOr(name string, def bool) bool {
	b, err := strconv.ParseBool(os.Getenv(name))
	if err != nil {
		return def
	}
	return b
}

func intOr(name string, def int) int {
	n, err := strconv.Atoi(os.Getenv(name))
	if err != nil {
		return def
	}
	return n
}

func durationOr(name string, def time.Duration) time.Duration {
	d, err := time.ParseDuration(os.Getenv(name))
	if err != nil {
		return def
	}
	return d
}

// stringSliceOr splits a comma-separated list, dropping blank elements.
func stringSliceOr(name string, def []string) []string {
	var out []string
	for _, p := range strings.Split(os.Getenv(name), ",") {
		if t := strings.TrimSpace(p); t != "" {
			out = append(out, t)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
