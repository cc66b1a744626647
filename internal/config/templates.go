package config

import (
	"fmt"
	"os"
	"path/filepath"
)

const configTemplate = `# RSAssistant Configuration

[database]
# SQLite database path. Defaults to the config directory.
path = ""

[scheduler]
# How often the order queue is evaluated
poll_interval = "60s"
# Dispatch attempts before an order is marked failed
max_attempts = 3
# Backoff between retries
initial_backoff = "1m"
max_backoff = "30m"
backoff_factor = 2.0
# How long a dispatched order may wait for confirmation
confirm_window = "24h"
# Shares bought per account on a confirmed round-up case
buy_quantity = 1

[policy]
# Resolution attempts before a case is abandoned as indeterminate
max_resolve_attempts = 3
# Escalate unclear documents to an LLM classifier
llm_enabled = false
llm_model = "gpt-4o-mini"
# Timeout for fetching announcement documents
fetch_timeout = "30s"

[agent]
# Where agent commands are delivered. Empty writes them to stdout.
bridge_url = ""

[market]
# Exchange holidays (YYYY-MM-DD), weekends are always closed
holidays = []

# Brokerage accounts targeted by buys. Repeat for each account.
# [[accounts]]
# broker = "Fidelity"
# account = "1234"

[ui]
# Enable colored output
color_enabled = true
# Date format
date_format = "02-Jan-2006"
# Time format
time_format = "15:04:05"

[notifications]
# Enable notifications
enabled = false
# Notification level: all, actions_only, errors_only
level = "all"

[notifications.webhook]
enabled = false
url = ""

[notifications.telegram]
enabled = false
bot_token = ""
chat_id = ""

[notifications.email]
enabled = false
smtp_host = ""
smtp_port = 587
username = ""
password = ""
from = ""
to = ""
`

const credentialsTemplate = `# RSAssistant Credentials
# WARNING: Keep this file secure! Do not commit to version control.

[openai]
api_key = ""
`

func createTemplateConfig(configDir, name string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, name+".toml")
	if err := os.WriteFile(path, []byte(configTemplate), 0644); err != nil {
		return fmt.Errorf("writing config template: %w", err)
	}
	return fmt.Errorf("config file not found, created template at %s", path)
}

func createTemplateCredentials(configDir string) error {
	if err := os.MkdirAll(configDir, 0755); err != nil {
		return fmt.Errorf("creating config directory: %w", err)
	}

	path := filepath.Join(configDir, "credentials.toml")
	// Restricted permissions for credentials
	if err := os.WriteFile(path, []byte(credentialsTemplate), 0600); err != nil {
		return fmt.Errorf("writing credentials template: %w", err)
	}
	// Credentials are optional until llm_enabled is set; a fresh
	// template is not an error.
	return nil
}
