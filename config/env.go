package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// Environment variables read by ApplyEnvironment.
const (
	EnvUserID                   = "GROUPCRYPT_USER_ID"
	EnvDataDir                  = "GROUPCRYPT_DATA_DIR"
	EnvDatabasePath             = "GROUPCRYPT_DATABASE_PATH"
	EnvPickleSecret             = "GROUPCRYPT_PICKLE_SECRET"
	EnvDeviceKeyTTL             = "GROUPCRYPT_DEVICE_KEY_TTL"
	EnvMissingKeyRetryDelay     = "GROUPCRYPT_MISSING_KEY_RETRY_DELAY"
	EnvMaxRequestedSessionIDs   = "GROUPCRYPT_MAX_REQUESTED_SESSION_IDS"
	EnvSolicitationRespondDelay = "GROUPCRYPT_SOLICITATION_RESPOND_DELAY"
	EnvShareConcurrency         = "GROUPCRYPT_SHARE_CONCURRENCY"
	EnvShareMaxElapsed          = "GROUPCRYPT_SHARE_MAX_ELAPSED"
	EnvHighPriority             = "GROUPCRYPT_HIGH_PRIORITY_CONVERSATIONS"
	EnvLogLevel                 = "GROUPCRYPT_LOG_LEVEL"
)

// ApplyEnvironment overrides fields from GROUPCRYPT_* variables. Values that
// do not parse are logged and ignored.
func (c *Config) ApplyEnvironment() {
	setString(EnvUserID, &c.UserID)
	setString(EnvDataDir, &c.DataDir)
	setString(EnvDatabasePath, &c.DatabasePath)
	setString(EnvPickleSecret, &c.PickleSecret)
	setString(EnvLogLevel, &c.LogLevel)
	setDuration(EnvDeviceKeyTTL, &c.DeviceKeyTTL.Duration)
	setDuration(EnvMissingKeyRetryDelay, &c.MissingKeyRetryDelay.Duration)
	setDuration(EnvSolicitationRespondDelay, &c.SolicitationRespondDelay.Duration)
	setDuration(EnvShareMaxElapsed, &c.ShareMaxElapsed.Duration)
	setInt(EnvMaxRequestedSessionIDs, &c.MaxRequestedSessionIDs)
	setInt(EnvShareConcurrency, &c.ShareConcurrency)

	if v := os.Getenv(EnvHighPriority); v != "" {
		var ids []string
		for _, id := range strings.Split(v, ",") {
			if id = strings.TrimSpace(id); id != "" {
				ids = append(ids, id)
			}
		}
		c.HighPriorityConversations = ids
	}
}

func setString(name string, dst *string) {
	if v := os.Getenv(name); v != "" {
		*dst = v
	}
}

func setDuration(name string, dst *time.Duration) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "setDuration",
			"env_var":     name,
			"value":       v,
			"error":       err.Error(),
			"using_value": dst.String(),
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*dst = d
}

func setInt(name string, dst *int) {
	v := os.Getenv(name)
	if v == "" {
		return
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		logrus.WithFields(logrus.Fields{
			"function":    "setInt",
			"env_var":     name,
			"value":       v,
			"error":       err.Error(),
			"using_value": *dst,
		}).Warn("Failed to parse environment variable, using default")
		return
	}
	*dst = n
}
