package config

import (
	"fmt"
	"os"
	"strings"
)

func Template(kind string) (string, error) {
	switch strings.ToLower(strings.TrimSpace(kind)) {
	case "controller":
		return controllerTemplate, nil
	case "agent":
		return agentTemplate, nil
	default:
		return "", fmt.Errorf("unknown config kind: %s", kind)
	}
}

func WriteTemplate(path, kind string, overwrite bool) error {
	template, err := Template(kind)
	if err != nil {
		return err
	}
	if !overwrite {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("config already exists: %s", path)
		}
	}
	return os.WriteFile(path, []byte(template), 0o600)
}

const controllerTemplate = `name = "controller"
bind_address = "127.0.0.1:7878"
client_name = "agent"
secret_file = "linkctl.secret"
handshake_timeout = "30s"
# operation_timeout = "2m"
# admin_listen_addr = "127.0.0.1:7879"
`

const agentTemplate = `client_name = "agent"
host_address = "127.0.0.1:7878"
secret_file = "linkctl.secret"
connect_timeout = "5s"
handshake_timeout = "30s"
backoff_initial = "250ms"
backoff_max = "30s"
backoff_multiplier = 2.0
max_connect_attempts = 0
file_root = ""
max_workers = 4
command_timeout = "0s"
runner = "local"
`
