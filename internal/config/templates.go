package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# Virtual Trader Configuration

[server]
# Listen address for "vtrader serve"
addr = ":8080"
read_header_timeout = "10s"
shutdown_timeout = "10s"

[api]
# When set, CLI commands talk to this server instead of a local session
base_url = ""
token = ""
timeout = "10s"

[auth]
# Accept any bearer token and derive a stable user id from it (dev mode)
allow_any_token = true
# [[auth.tokens]]
# token = "change-me"
# user_id = "alice"

[trading]
# Starting virtual balance for new accounts
initial_balance = 10000.0
default_leverage = 1.0
# How often live accounts are written back in full
checkpoint_interval = "30s"
# How often enabled strategies are evaluated for signals
signal_interval = "60s"
# User id for local (serverless) CLI sessions
local_user = "local"

[feed]
interval = "2s"
# Maximum relative move per tick
band = 0.001
# 0 seeds from the clock
seed = 0

[store]
# Durable local store; leave empty for the in-memory store
sqlite_path = ""
# In-memory store snapshot (default ~/.config/vtrader/snapshot.json)
# snapshot_path = ""
outbox_limit = 10000

[sync]
drain_interval = "500ms"
op_timeout = "5s"
max_attempts = 8
initial_backoff = "250ms"
max_backoff = "30s"
breaker_threshold = 5
breaker_cooldown = "15s"

[stream]
interval = "5s"
max_duration = "10m"

[notifications]
enabled = true
email = true
sms = false
webhook = false
email_to = ""
sms_to = ""

[logging]
level = "info"
console = true
# Rotated log file (default ~/.config/vtrader/logs/vtrader.log)
# file = ""

[ui]
color_enabled = true
time_format = "2006-01-02 15:04:05"

# Credentials are read from the environment or a .env file:
#   VTRADER_ROW_STORE_URL, VTRADER_ROW_STORE_KEY
#   VTRADER_API_URL, VTRADER_API_TOKEN
#   VTRADER_SMTP_HOST, VTRADER_SMTP_PORT, VTRADER_SMTP_USERNAME,
#   VTRADER_SMTP_PASSWORD, VTRADER_SMTP_FROM
#   TWILIO_ACCOUNT_SID, TWILIO_AUTH_TOKEN, TWILIO_FROM_NUMBER
#   VTRADER_WEBHOOK_URL
`

// createTemplateConfig writes the commented template to path.
func createTemplateConfig(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return nil
}
