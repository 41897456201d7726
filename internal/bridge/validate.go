package bridge

import (
	"path/filepath"
	"strings"

	"github.com/nugget/toolbridge/internal/toolserver"
)

// shellOperators are rejected anywhere in the command. The command is
// never run through a shell, so their presence means the configuration
// was written for one.
var shellOperators = []string{";", "|", "&", ">", "<", "$(", "`", "\n"}

// deniedCommands are executables a tool server may never be.
var deniedCommands = map[string]bool{
	"rm":       true,
	"dd":       true,
	"mkfs":     true,
	"fdisk":    true,
	"shutdown": true,
	"reboot":   true,
	"halt":     true,
	"poweroff": true,
	"sudo":     true,
	"su":       true,
	"chmod":    true,
	"chown":    true,
	"mount":    true,
	"umount":   true,
}

// validate checks the settings of a stdio configuration before anything
// is spawned. Args are passed as data and not inspected. Env keys must
// survive the KEY=value form exec hands to the process.
func validate(id string, s toolserver.Settings) error {
	command := strings.TrimSpace(s.Command)
	if command == "" {
		return toolserver.NewConfigurationError(id, "command is required")
	}

	for _, op := range shellOperators {
		if strings.Contains(command, op) {
			return toolserver.NewConfigurationError(id, "command contains dangerous shell operators")
		}
	}

	base := filepath.Base(command)
	if deniedCommands[base] || strings.HasPrefix(base, "mkfs.") {
		return toolserver.NewConfigurationError(id, "command %q is not allowed for security reasons", base)
	}

	for k, v := range s.Env {
		if k == "" || strings.ContainsAny(k, "=\x00") {
			return toolserver.NewConfigurationError(id, "env key %q is invalid", k)
		}
		if strings.ContainsRune(v, 0) {
			return toolserver.NewConfigurationError(id, "env value for %q contains NUL", k)
		}
	}
	return nil
}
