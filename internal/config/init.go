package config

import (
	"fmt"
	"os"
)

const exampleConfig = `; autobuild run configuration.
; Values may reference environment variables as ${VAR}; a .env file next to
; the working directory is loaded first.

[smtp-conf]
smtp_ssl_host = smtp.example.org
smtp_ssl_port = 587
sender = builder@example.org
password = ${SMTP_PASSWORD}
receiver = team@example.org

[other-conf]
build_script_file = build.sh
binary_directory = bin
; repository_directory = .

; Daemon mode only. Exactly one of cron or every.
[schedule-conf]
every = 1h
; cron = 0 3 * * *
; http_addr = :9180

[history-conf]
; enabled = true
; path = logs/history.db

[events-conf]
; nats_url = nats://127.0.0.1:4222
; subject = autobuild.runs
`

// Init writes an example configuration file.
func Init(path string, force bool) error {
	if _, err := os.Stat(path); err == nil && !force {
		return fmt.Errorf("configuration file already exists: %s (use --force to overwrite)", path)
	}
	if err := os.WriteFile(path, []byte(exampleConfig), 0o600); err != nil {
		return fmt.Errorf("writing %s: %w", path, err)
	}
	return nil
}
